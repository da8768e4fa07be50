// Package channelsync pushes reservation status changes to booking channels.
package channelsync

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
)

// Queue priorities. Higher runs first.
const (
	PriorityCancellation = 10
	PriorityDefault      = 5
)

// ErrInvalidItem reports an item that cannot be queued.
var ErrInvalidItem = errors.New("invalid sync item")

// Item is one pending push of a reservation status to a channel.
type Item struct {
	ID            string         `json:"id"`
	ReservationID string         `json:"reservationId"`
	Channel       string         `json:"channel"`
	TargetStatus  booking.Status `json:"targetStatus"`
	Attempt       int            `json:"attempt"`
	Priority      int            `json:"priority"`
	ReadyAt       time.Time      `json:"readyAt"`
	EnqueuedAt    time.Time      `json:"enqueuedAt"`
}

// PriorityFor returns the queue priority of a push to status.
func PriorityFor(status booking.Status) int {
	if status == booking.StatusCancelled {
		return PriorityCancellation
	}
	return PriorityDefault
}

func (item Item) key() string {
	return item.ReservationID + "|" + item.Channel
}

func (item Item) validate() error {
	if item.ID == "" || item.ReservationID == "" || item.Channel == "" {
		return ErrInvalidItem
	}
	return nil
}

// Queue holds sync items until they are ready. At most one item per
// (reservation, channel) is queued: enqueuing replaces a queued item of equal or
// lower priority and is dropped behind a higher-priority one.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	// Dequeue removes and returns the highest-priority item ready at now.
	Dequeue(ctx context.Context, now time.Time) (Item, bool, error)
	Len(ctx context.Context) (int, error)
}

// before orders ready items: priority, then readiness, then arrival.
func before(left Item, right Item) bool {
	if left.Priority != right.Priority {
		return left.Priority > right.Priority
	}
	if !left.ReadyAt.Equal(right.ReadyAt) {
		return left.ReadyAt.Before(right.ReadyAt)
	}
	return left.EnqueuedAt.Before(right.EnqueuedAt)
}
