package channelsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"go.uber.org/zap"
)

// Adapter pushes a reservation status to one channel. Failures wrap
// booking.ErrChannelSyncTransient or booking.ErrChannelSyncPermanent; an
// unclassified error is retried.
type Adapter interface {
	PushStatus(ctx context.Context, reservation booking.Reservation, status booking.Status) error
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, reservation booking.Reservation, status booking.Status) error

// PushStatus calls fn.
func (fn AdapterFunc) PushStatus(ctx context.Context, reservation booking.Reservation, status booking.Status) error {
	return fn(ctx, reservation, status)
}

// LogAdapter acknowledges every push by logging it.
type LogAdapter struct {
	logger *zap.Logger
}

// NewLogAdapter returns an adapter that only logs.
func NewLogAdapter(logger *zap.Logger) *LogAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAdapter{logger: logger}
}

// PushStatus logs the push.
func (adapter *LogAdapter) PushStatus(_ context.Context, reservation booking.Reservation, status booking.Status) error {
	adapter.logger.Info("channel status push",
		zap.String("reservation_id", reservation.ID),
		zap.String("channel", string(reservation.Source)),
		zap.String("channel_booking_id", reservation.ChannelBookingID),
		zap.String("status", string(status)))
	return nil
}

// WebhookAdapter posts status updates as JSON to a channel endpoint.
type WebhookAdapter struct {
	endpoint string
	client   *http.Client
}

// NewWebhookAdapter posts to endpoint with client, or a 30s-timeout client when nil.
func NewWebhookAdapter(endpoint string, client *http.Client) *WebhookAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookAdapter{endpoint: endpoint, client: client}
}

type statusPush struct {
	ReservationID    string         `json:"reservationId"`
	BookingNumber    string         `json:"bookingNumber"`
	ChannelBookingID string         `json:"channelBookingId,omitempty"`
	Status           booking.Status `json:"status"`
	CheckIn          time.Time      `json:"checkIn"`
	CheckOut         time.Time      `json:"checkOut"`
}

// PushStatus posts the update. Network errors and 5xx or 429 answers are
// transient; other non-2xx answers are permanent.
func (adapter *WebhookAdapter) PushStatus(ctx context.Context, reservation booking.Reservation, status booking.Status) error {
	body, err := json.Marshal(statusPush{
		ReservationID:    reservation.ID,
		BookingNumber:    reservation.BookingNumber,
		ChannelBookingID: reservation.ChannelBookingID,
		Status:           status,
		CheckIn:          reservation.CheckIn,
		CheckOut:         reservation.CheckOut,
	})
	if err != nil {
		return fmt.Errorf("%w: encode push: %v", booking.ErrChannelSyncPermanent, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, adapter.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", booking.ErrChannelSyncPermanent, err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := adapter.client.Do(request)
	if err != nil {
		return errors.Join(booking.ErrChannelSyncTransient, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return nil
	case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500:
		return fmt.Errorf("%w: channel answered %d", booking.ErrChannelSyncTransient, response.StatusCode)
	default:
		return fmt.Errorf("%w: channel answered %d", booking.ErrChannelSyncPermanent, response.StatusCode)
	}
}
