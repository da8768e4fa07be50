package booking

import (
	"context"
	"time"
)

// IntentKind names a side effect requested from a collaborator.
type IntentKind string

const (
	IntentStatusChangeEmail  IntentKind = "status_change_email"
	IntentStaffBroadcast     IntentKind = "staff_broadcast"
	IntentOverdueAlert       IntentKind = "overdue_alert"
	IntentRefundRequest      IntentKind = "refund_request"
	IntentHousekeepingUpdate IntentKind = "housekeeping_update"
	IntentFinalBilling       IntentKind = "final_billing"
	IntentRoomCleaning       IntentKind = "room_cleaning"
	IntentAutomaticCheckout  IntentKind = "automatic_checkout"
	IntentPenaltyRequest     IntentKind = "penalty_request"
	IntentSyncFailureAlert   IntentKind = "sync_failure_alert"
	IntentAmendmentReview    IntentKind = "amendment_review"
)

// Intent is a declarative request dispatched after a committed change.
type Intent struct {
	Kind          IntentKind  `json:"kind"`
	ReservationID string      `json:"reservationId"`
	BookingNumber string      `json:"bookingNumber,omitempty"`
	HotelID       string      `json:"hotelId,omitempty"`
	Status        Status      `json:"status,omitempty"`
	Channel       string      `json:"channel,omitempty"`
	AmountCents   AmountCents `json:"amountCents,omitempty"`
	RoomIDs       []string    `json:"roomIds,omitempty"`
	Message       string      `json:"message,omitempty"`
	At            time.Time   `json:"at"`
}

// IntentDispatcher hands intents to notification, billing and housekeeping collaborators.
type IntentDispatcher interface {
	Emit(ctx context.Context, intent Intent) error
}

// NewIntent fills the reservation fields of an intent.
func NewIntent(kind IntentKind, reservation Reservation, at time.Time) Intent {
	return Intent{
		Kind:          kind,
		ReservationID: reservation.ID,
		BookingNumber: reservation.BookingNumber,
		HotelID:       reservation.HotelID,
		Status:        reservation.Status,
		Channel:       string(reservation.Source),
		At:            at,
	}
}

type nopDispatcher struct{}

func (nopDispatcher) Emit(context.Context, Intent) error { return nil }
