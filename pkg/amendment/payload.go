package amendment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"github.com/go-playground/validator/v10"
)

// ErrInvalidPayload reports a channel payload that cannot be accepted.
var ErrInvalidPayload = fmt.Errorf("%w: amendment payload", booking.ErrInvalidReservation)

// ErrInvalidDecision reports a resolution that cannot be applied.
var ErrInvalidDecision = fmt.Errorf("%w: amendment decision", booking.ErrInvalidReservation)

// Payload is the channel wire shape of an amendment.
type Payload struct {
	ReservationRef         string                   `json:"reservationRef" validate:"required"`
	ExternalAmendmentID    string                   `json:"externalAmendmentId" validate:"required"`
	Channel                string                   `json:"channel,omitempty"`
	Type                   booking.AmendmentType    `json:"type" validate:"required,oneof=booking_modification dates_change rate_change room_change cancellation_request guest_details_change special_request_change"`
	OriginalData           booking.AmendmentChanges `json:"originalData"`
	RequestedChanges       booking.AmendmentChanges `json:"requestedChanges"`
	RequiresManualApproval bool                     `json:"requiresManualApproval"`
	Notes                  string                   `json:"notes,omitempty"`
	Timestamp              time.Time                `json:"timestamp"`
}

// Decision is an operator's resolution of a pending amendment.
type Decision struct {
	Status         booking.AmendmentStatus   `json:"decision" validate:"required,oneof=approved rejected partially_approved"`
	PartialChanges *booking.AmendmentChanges `json:"partialChanges,omitempty"`
	Reason         string                    `json:"reason,omitempty"`
}

var payloadValidator = validator.New(validator.WithRequiredStructEnabled())

// ParsePayload decodes and validates a channel amendment. Unknown fields are rejected.
func ParsePayload(raw []byte) (Payload, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	var payload Payload
	if err := decoder.Decode(&payload); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Payload{}, fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}
	if err := payload.Validate(); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

// Validate checks the payload fields.
func (payload Payload) Validate() error {
	if err := payloadValidator.Struct(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.Type != booking.AmendmentCancellationRequest && payload.RequestedChanges.Empty() {
		return fmt.Errorf("%w: %s carries no requested changes", ErrInvalidPayload, payload.Type)
	}
	changes := payload.RequestedChanges
	if changes.CheckIn != nil && changes.CheckOut != nil && !changes.CheckOut.After(*changes.CheckIn) {
		return fmt.Errorf("%w: check-out must be after check-in", ErrInvalidPayload)
	}
	if strings.ContainsAny(payload.Channel, " /") {
		return fmt.Errorf("%w: channel %q", ErrInvalidPayload, payload.Channel)
	}
	return nil
}

// Validate checks the decision against the amendment it resolves.
func (decision Decision) Validate(requested booking.AmendmentChanges) error {
	if err := payloadValidator.Struct(decision); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	if decision.Status != booking.AmendmentPartiallyApproved {
		return nil
	}
	if decision.PartialChanges == nil || decision.PartialChanges.Empty() {
		return fmt.Errorf("%w: partial approval needs changes", ErrInvalidDecision)
	}
	if !decision.PartialChanges.SubsetOf(requested) {
		return fmt.Errorf("%w: partial changes are not a subset of the request", ErrInvalidDecision)
	}
	return nil
}
