package booking

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/inventory"
)

// ReservationFilter selects reservations for scans. Zero fields do not filter.
type ReservationFilter struct {
	Statuses            []Status
	ReservedUntilBefore *time.Time
	CheckInBefore       *time.Time
	CheckOutBefore      *time.Time
	NeedsSync           *bool
	Limit               int
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// CreateReservation stores a new reservation, returning ErrDuplicateBookingNumber or
	// ErrDuplicateChannelBooking on unique violations.
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
	GetReservationByBookingNumber(ctx context.Context, bookingNumber string) (Reservation, error)
	FindByChannelBooking(ctx context.Context, source Source, channelBookingID string) (Reservation, error)
	// UpdateReservation replaces the stored record when its version equals expectedVersion,
	// otherwise it returns ErrConflictingVersion.
	UpdateReservation(ctx context.Context, reservation Reservation, expectedVersion int64) error
	ListReservations(ctx context.Context, filter ReservationFilter) ([]Reservation, error)
	ArchiveStatusHistory(ctx context.Context, reservationID string, entries []StatusHistoryEntry) error
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// InventoryReserver books and releases the inventory a reservation occupies.
type InventoryReserver interface {
	BookStay(ctx context.Context, stay inventory.Stay) error
	ReleaseStay(ctx context.Context, stay inventory.Stay) error
	Rebook(ctx context.Context, previous inventory.Stay, next inventory.Stay) error
}
