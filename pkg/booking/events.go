package booking

import (
	"context"
	"time"
)

// EventKind tags the concrete Event variant.
type EventKind string

const (
	EventStatusChanged        EventKind = "status_change"
	EventPaymentStatusChanged EventKind = "payment_status_change"
	EventAmendmentResolved    EventKind = "amendment_resolved"
)

// Event is published after a committed change.
type Event interface {
	Kind() EventKind
	Snapshot() Reservation
}

// StatusChanged is published after every committed transition.
type StatusChanged struct {
	Reservation Reservation
	From        Status
	To          Status
	Context     TransitionContext
	At          time.Time
}

// Kind returns EventStatusChanged.
func (StatusChanged) Kind() EventKind { return EventStatusChanged }

// Snapshot returns the reservation as committed.
func (event StatusChanged) Snapshot() Reservation { return event.Reservation }

// PaymentStatusChanged is published when the payment status moves.
type PaymentStatusChanged struct {
	Reservation Reservation
	From        PaymentStatus
	To          PaymentStatus
	At          time.Time
}

// Kind returns EventPaymentStatusChanged.
func (PaymentStatusChanged) Kind() EventKind { return EventPaymentStatusChanged }

// Snapshot returns the reservation as committed.
func (event PaymentStatusChanged) Snapshot() Reservation { return event.Reservation }

// AmendmentResolved is published when an amendment leaves pending.
type AmendmentResolved struct {
	Reservation Reservation
	AmendmentID string
	Decision    AmendmentStatus
	At          time.Time
}

// Kind returns EventAmendmentResolved.
func (AmendmentResolved) Kind() EventKind { return EventAmendmentResolved }

// Snapshot returns the reservation as committed.
func (event AmendmentResolved) Snapshot() Reservation { return event.Reservation }

// EventObserver receives committed events. Observers run synchronously on the
// publishing goroutine and may call back into the Service.
type EventObserver interface {
	OnEvent(ctx context.Context, event Event)
}

// EventObserverFunc adapts a function to EventObserver.
type EventObserverFunc func(ctx context.Context, event Event)

// OnEvent calls the function.
func (fn EventObserverFunc) OnEvent(ctx context.Context, event Event) {
	fn(ctx, event)
}
