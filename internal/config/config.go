// Package config holds the runtime settings of the hoteld daemon.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"github.com/go-playground/validator/v10"
)

const (
	defaultDatabaseURL     = "sqlite:///tmp/hotelcore.db"
	defaultHTTPListenAddr  = ":8080"
	defaultGRPCListenAddr  = ":7000"
	defaultAllowedOrigin   = "http://localhost:8000"
	defaultSyncQueuePrefix = "hotelcore:sync"
	defaultBatchSize       = 100
	defaultPushTimeout     = 30 * time.Second
	defaultSyncBackoff     = 5 * time.Second
	defaultSyncAttempts    = 3
	defaultShutdownTimeout = 10 * time.Second
)

// ErrInvalidConfig reports settings that fail validation.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings for hoteld.
type Config struct {
	DatabaseURL        string            `validate:"required"`
	HTTPListenAddr     string            `validate:"required"`
	GRPCListenAddr     string            `validate:"required"`
	RedisAddr          string            `validate:"omitempty,hostname_port"`
	SyncQueuePrefix    string            `validate:"required"`
	AllowedOrigins     []string          `validate:"dive,url"`
	HoldTTL            time.Duration     `validate:"gte=0"`
	CancellationWindow time.Duration     `validate:"gte=0"`
	NoShowGrace        time.Duration     `validate:"gte=0"`
	HistoryCap         int               `validate:"gte=0"`
	WorkflowBatchSize  int               `validate:"gt=0"`
	SyncPushTimeout    time.Duration     `validate:"gt=0"`
	SyncBaseBackoff    time.Duration     `validate:"gt=0"`
	SyncMaxAttempts    int               `validate:"gt=0"`
	ChannelWebhooks    map[string]string `validate:"dive,keys,required,endkeys,url"`
	ShutdownTimeout    time.Duration     `validate:"gt=0"`
	NoShowPenalty      bool
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.SyncQueuePrefix = defaultIfEmpty(cfg.SyncQueuePrefix, defaultSyncQueuePrefix)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.WorkflowBatchSize <= 0 {
		cfg.WorkflowBatchSize = defaultBatchSize
	}
	if cfg.SyncPushTimeout <= 0 {
		cfg.SyncPushTimeout = defaultPushTimeout
	}
	if cfg.SyncBaseBackoff <= 0 {
		cfg.SyncBaseBackoff = defaultSyncBackoff
	}
	if cfg.SyncMaxAttempts <= 0 {
		cfg.SyncMaxAttempts = defaultSyncAttempts
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if err := configValidator.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Policy maps the configured business rules onto a booking policy. Zero values
// fall back to the booking defaults.
func (cfg Config) Policy() booking.Policy {
	return booking.Policy{
		HoldTTL:            cfg.HoldTTL,
		CancellationWindow: cfg.CancellationWindow,
		NoShowGrace:        cfg.NoShowGrace,
		NoShowPenalty:      cfg.NoShowPenalty,
		HistoryCap:         cfg.HistoryCap,
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// ParseChannelWebhooks reads "channel=url" pairs separated by commas. Channel
// names are normalized the way reservation sources are.
func ParseChannelWebhooks(raw string) (map[string]string, error) {
	webhooks := map[string]string{}
	for _, pair := range ParseAllowedOrigins(raw) {
		name, endpoint, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("%w: webhook %q is not channel=url", ErrInvalidConfig, pair)
		}
		source, err := booking.NormalizeSource(name)
		if err != nil {
			return nil, fmt.Errorf("%w: webhook channel: %v", ErrInvalidConfig, err)
		}
		if source.IsDirect() {
			return nil, fmt.Errorf("%w: direct bookings have no channel webhook", ErrInvalidConfig)
		}
		endpoint = strings.TrimSpace(endpoint)
		if _, err := url.ParseRequestURI(endpoint); err != nil {
			return nil, fmt.Errorf("%w: webhook %s: %v", ErrInvalidConfig, source, err)
		}
		webhooks[string(source)] = endpoint
	}
	return webhooks, nil
}
