// Package dispatch delivers booking intents to collaborators after a commit.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"go.uber.org/zap"
)

// LogDispatcher writes every intent as a structured log line. It stands in for
// notification, billing and housekeeping collaborators that are not wired.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher returns a dispatcher logging through logger.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

// Emit logs the intent.
func (dispatcher *LogDispatcher) Emit(_ context.Context, intent booking.Intent) error {
	fields := []zap.Field{
		zap.String("intent", string(intent.Kind)),
		zap.String("reservation_id", intent.ReservationID),
		zap.String("booking_number", intent.BookingNumber),
		zap.String("hotel_id", intent.HotelID),
		zap.String("status", string(intent.Status)),
		zap.Time("at", intent.At),
	}
	if intent.Channel != "" {
		fields = append(fields, zap.String("channel", intent.Channel))
	}
	if intent.AmountCents != 0 {
		fields = append(fields, zap.Int64("amount_cents", intent.AmountCents.Int64()))
	}
	if len(intent.RoomIDs) > 0 {
		fields = append(fields, zap.Strings("room_ids", intent.RoomIDs))
	}
	if intent.Message != "" {
		fields = append(fields, zap.String("message", intent.Message))
	}
	switch intent.Kind {
	case booking.IntentOverdueAlert, booking.IntentSyncFailureAlert:
		dispatcher.logger.Warn("intent", fields...)
	default:
		dispatcher.logger.Info("intent", fields...)
	}
	return nil
}

// Fanout emits each intent to every dispatcher and joins their errors.
type Fanout []booking.IntentDispatcher

// Emit forwards intent to all dispatchers.
func (fanout Fanout) Emit(ctx context.Context, intent booking.Intent) error {
	var errs []error
	for _, dispatcher := range fanout {
		if dispatcher == nil {
			continue
		}
		if err := dispatcher.Emit(ctx, intent); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps emitted intents in memory.
type Recorder struct {
	mu      sync.Mutex
	intents []booking.Intent
}

// Emit records intent.
func (recorder *Recorder) Emit(_ context.Context, intent booking.Intent) error {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.intents = append(recorder.intents, intent)
	return nil
}

// Intents returns a copy of every recorded intent.
func (recorder *Recorder) Intents() []booking.Intent {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	return append([]booking.Intent(nil), recorder.intents...)
}

// Kinds returns the kinds of the recorded intents in emit order.
func (recorder *Recorder) Kinds() []booking.IntentKind {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	kinds := make([]booking.IntentKind, 0, len(recorder.intents))
	for _, intent := range recorder.intents {
		kinds = append(kinds, intent.Kind)
	}
	return kinds
}

// Count returns how many intents of kind were recorded for reservationID.
func (recorder *Recorder) Count(reservationID string, kind booking.IntentKind) int {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	count := 0
	for _, intent := range recorder.intents {
		if intent.ReservationID == reservationID && intent.Kind == kind {
			count++
		}
	}
	return count
}

// Reset drops all recorded intents.
func (recorder *Recorder) Reset() {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.intents = nil
}
