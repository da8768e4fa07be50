// Package health serves the gRPC health protocol for hoteld. Registered probes
// decide whether each component reports SERVING.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/clock"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// Probe reports an error when its component cannot serve.
type Probe func(ctx context.Context) error

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(server *Server) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// WithClock sets the clock used to pace probes.
func WithClock(clk clock.Clock) Option {
	return func(server *Server) {
		if clk != nil {
			server.clock = clk
		}
	}
}

// WithProbeInterval sets how often probes run while serving.
func WithProbeInterval(interval time.Duration) Option {
	return func(server *Server) {
		if interval > 0 {
			server.interval = interval
		}
	}
}

// Server owns a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	grpcServer *grpc.Server
	health     *grpchealth.Server
	logger     *zap.Logger
	clock      clock.Clock
	interval   time.Duration

	mu     sync.Mutex
	probes map[string]Probe
}

// New builds a Server. Every service starts NOT_SERVING until the first Check.
func New(options ...Option) *Server {
	server := &Server{
		grpcServer: grpc.NewServer(),
		health:     grpchealth.NewServer(),
		logger:     zap.NewNop(),
		clock:      clock.NewSystem(),
		interval:   defaultProbeInterval,
		probes:     map[string]Probe{},
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	healthpb.RegisterHealthServer(server.grpcServer, server.health)
	server.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return server
}

// Register adds a named probe.
func (server *Server) Register(service string, probe Probe) {
	server.mu.Lock()
	defer server.mu.Unlock()
	server.probes[service] = probe
	server.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Check runs every probe once. The overall status is SERVING only when all pass.
func (server *Server) Check(ctx context.Context) error {
	server.mu.Lock()
	names := make([]string, 0, len(server.probes))
	for name := range server.probes {
		names = append(names, name)
	}
	probes := make(map[string]Probe, len(server.probes))
	for name, probe := range server.probes {
		probes[name] = probe
	}
	server.mu.Unlock()
	sort.Strings(names)

	var failures []error
	for _, name := range names {
		probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
		err := probes[name](probeCtx)
		cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			server.logger.Warn("health probe failed", zap.String("service", name), zap.Error(err))
		}
		server.health.SetServingStatus(name, status)
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if len(failures) > 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	server.health.SetServingStatus("", overall)
	return errors.Join(failures...)
}

// Serve accepts connections on listener and re-runs probes until ctx is cancelled.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gRPC health server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- server.grpcServer.Serve(listener)
	}()

	probeCtx, stopProbes := context.WithCancel(ctx)
	defer stopProbes()
	go server.probeLoop(probeCtx)

	select {
	case <-ctx.Done():
		server.health.Shutdown()
		server.grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

// ListenAndServe listens on addr and calls Serve.
func (server *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return server.Serve(ctx, listener)
}

func (server *Server) probeLoop(ctx context.Context) {
	for {
		_ = server.Check(ctx)
		if err := server.clock.SleepUntil(ctx, server.clock.Now().Add(server.interval)); err != nil {
			return
		}
	}
}
