// Package amendment ingests channel amendments and applies operator resolutions
// to reservations.
package amendment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/inventory"
	"go.uber.org/zap"
)

const (
	reasonAmendmentReceived    = "OTA amendment received"
	reasonAmendmentsResolved   = "amendments resolved"
	reasonCancellationApproved = "OTA cancellation request approved"
)

// ErrInvalidProcessorConfig reports a processor built without its dependencies.
var ErrInvalidProcessorConfig = errors.New("invalid amendment processor config")

var errAlreadyRecorded = errors.New("amendment already recorded")

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the processor logger.
func WithLogger(logger *zap.Logger) Option {
	return func(processor *Processor) {
		if logger != nil {
			processor.logger = logger
		}
	}
}

// Processor records amendments against reservations and resolves them.
type Processor struct {
	service *booking.Service
	logger  *zap.Logger
}

// NewProcessor wires a Processor on top of the reservation service.
func NewProcessor(service *booking.Service, options ...Option) (*Processor, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: booking service is nil", ErrInvalidProcessorConfig)
	}
	processor := &Processor{service: service, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(processor)
		}
	}
	return processor, nil
}

// Receipt is the outcome of Receive.
type Receipt struct {
	Reservation booking.Reservation
	Amendment   booking.Amendment
	Duplicate   bool
}

// Receive records a channel amendment as pending and moves the reservation to
// modified. Replaying an external amendment id returns the recorded amendment.
// Reservations that cannot enter modified keep the amendment for operator review
// and the call fails with ErrAmendmentNotApplicable.
func (processor *Processor) Receive(ctx context.Context, reservationRef string, payload Payload) (Receipt, error) {
	if err := payload.Validate(); err != nil {
		return Receipt{}, err
	}
	reservation, err := processor.lookup(ctx, reservationRef, payload.Channel)
	if err != nil {
		return Receipt{}, err
	}
	if existing, ok := reservation.AmendmentByExternalID(payload.ExternalAmendmentID); ok {
		return Receipt{Reservation: reservation, Amendment: existing, Duplicate: true}, nil
	}

	now := processor.service.Now()
	requestedAt := payload.Timestamp
	if requestedAt.IsZero() {
		requestedAt = now
	}
	channel := payload.Channel
	if channel == "" {
		channel = string(reservation.Source)
	}
	amendment := booking.Amendment{
		ID:                     processor.service.NewAmendmentID(),
		ExternalID:             payload.ExternalAmendmentID,
		Type:                   payload.Type,
		RequestedBy:            booking.AmendmentRequester{Channel: channel, At: requestedAt},
		Status:                 booking.AmendmentPending,
		RequestedChanges:       payload.RequestedChanges.Clone(),
		RequiresManualApproval: payload.RequiresManualApproval,
		Notes:                  payload.Notes,
		CreatedAt:              now,
	}
	record := func(working *booking.Reservation) error {
		if _, ok := working.AmendmentByExternalID(amendment.ExternalID); ok {
			return errAlreadyRecorded
		}
		amendment.OriginalData = amendment.RequestedChanges.SnapshotOf(*working)
		working.Amendments = append(working.Amendments, amendment.Clone())
		working.ChannelAmendmentRefs = append(working.ChannelAmendmentRefs, amendment.ExternalID)
		working.RefreshAmendmentFlags()
		at := now
		working.AmendmentFlags.LastAmendmentAt = &at
		return nil
	}

	applicable := reservation.Status == booking.StatusModified || booking.CanTransition(reservation.Status, booking.StatusModified)
	var updated booking.Reservation
	switch {
	case reservation.Status == booking.StatusModified || !applicable:
		updated, err = processor.service.Mutate(ctx, reservation.ID, record)
	default:
		var result booking.TransitionResult
		result, err = processor.service.TransitionWith(ctx, reservation.ID, booking.StatusModified, booking.TransitionContext{
			Actor:     booking.Actor{Source: booking.ActorOTA, Channel: channel},
			Reason:    reasonAmendmentReceived,
			Automatic: true,
		}, record)
		updated = result.Reservation
	}
	if errors.Is(err, errAlreadyRecorded) {
		return processor.replay(ctx, reservation.ID, payload.ExternalAmendmentID)
	}
	if err != nil {
		processor.logger.Warn("amendment not recorded",
			zap.String("reservation_id", reservation.ID),
			zap.String("external_amendment_id", payload.ExternalAmendmentID),
			zap.Error(err))
		return Receipt{}, err
	}

	stored, _, _ := updated.Amendment(amendment.ID)
	receipt := Receipt{Reservation: updated, Amendment: stored}
	processor.logger.Info("amendment received",
		zap.String("reservation_id", updated.ID),
		zap.String("amendment_id", stored.ID),
		zap.String("type", string(stored.Type)),
		zap.Bool("applicable", applicable))
	if !applicable || payload.RequiresManualApproval {
		review := booking.NewIntent(booking.IntentAmendmentReview, updated, now)
		review.Message = fmt.Sprintf("amendment %s (%s) awaits review", stored.ID, stored.Type)
		processor.service.Dispatch(ctx, review)
	}
	if !applicable {
		return receipt, fmt.Errorf("%w: reservation %s is %s", booking.ErrAmendmentNotApplicable, updated.ID, updated.Status)
	}
	return receipt, nil
}

// Resolve applies an operator decision to a pending amendment. Accepted changes
// are written with the reservation's inventory rebooked in the same commit. Once
// no amendment is pending and one was accepted, the reservation is reconfirmed.
func (processor *Processor) Resolve(ctx context.Context, reservationID string, amendmentID string, decision Decision, approver booking.Approver) (booking.Reservation, error) {
	current, err := processor.service.Get(ctx, reservationID)
	if err != nil {
		return booking.Reservation{}, err
	}
	pending, _, ok := current.Amendment(amendmentID)
	if !ok {
		return booking.Reservation{}, fmt.Errorf("%w: %s", booking.ErrAmendmentNotFound, amendmentID)
	}
	if err := decision.Validate(pending.RequestedChanges); err != nil {
		return booking.Reservation{}, err
	}

	now := processor.service.Now()
	resolve := func(working *booking.Reservation) error {
		return applyDecision(working, amendmentID, decision, approver, now)
	}

	var resolved booking.Reservation
	if pending.Type == booking.AmendmentCancellationRequest && decision.Status.Accepted() {
		var result booking.TransitionResult
		result, err = processor.service.TransitionWith(ctx, reservationID, booking.StatusCancelled, booking.TransitionContext{
			Actor:                    booking.Actor{Source: booking.ActorOTA, UserID: approver.UserID, Channel: pending.RequestedBy.Channel},
			Reason:                   reasonCancellationApproved,
			Automatic:                true,
			BypassCancellationPolicy: true,
		}, resolve)
		resolved = result.Reservation
	} else {
		resolved, err = processor.service.Mutate(ctx, reservationID, resolve)
	}
	if err != nil {
		processor.logger.Warn("amendment not resolved",
			zap.String("reservation_id", reservationID),
			zap.String("amendment_id", amendmentID),
			zap.String("decision", string(decision.Status)),
			zap.Error(err))
		return booking.Reservation{}, err
	}
	processor.logger.Info("amendment resolved",
		zap.String("reservation_id", reservationID),
		zap.String("amendment_id", amendmentID),
		zap.String("decision", string(decision.Status)))

	processor.service.Publish(ctx, booking.AmendmentResolved{
		Reservation: resolved.Clone(),
		AmendmentID: amendmentID,
		Decision:    decision.Status,
		At:          now,
	})
	return processor.reconfirm(ctx, reservationID, resolved)
}

// reconfirm confirms a modified reservation whose amendments are settled, unless an
// event observer already did.
func (processor *Processor) reconfirm(ctx context.Context, reservationID string, fallback booking.Reservation) (booking.Reservation, error) {
	latest, err := processor.service.Get(ctx, reservationID)
	if err != nil {
		return fallback, nil
	}
	if !latest.ReadyForReconfirmation() {
		return latest, nil
	}
	result, err := processor.service.Transition(ctx, reservationID, booking.StatusConfirmed, booking.TransitionContext{
		Actor:                booking.SystemActor(),
		Reason:               reasonAmendmentsResolved,
		Automatic:            true,
		BypassAmendmentCheck: true,
	})
	if err != nil {
		processor.logger.Warn("reconfirmation after amendment failed",
			zap.String("reservation_id", reservationID),
			zap.Error(err))
		return latest, nil
	}
	return result.Reservation, nil
}

func (processor *Processor) replay(ctx context.Context, reservationID string, externalID string) (Receipt, error) {
	reservation, err := processor.service.Get(ctx, reservationID)
	if err != nil {
		return Receipt{}, err
	}
	existing, _ := reservation.AmendmentByExternalID(externalID)
	return Receipt{Reservation: reservation, Amendment: existing, Duplicate: true}, nil
}

// lookup resolves a reference by reservation id, then booking number, then the
// channel's booking id.
func (processor *Processor) lookup(ctx context.Context, reservationRef string, channel string) (booking.Reservation, error) {
	ref := strings.TrimSpace(reservationRef)
	reservation, err := processor.service.Get(ctx, ref)
	if !errors.Is(err, booking.ErrReservationNotFound) {
		return reservation, err
	}
	reservation, err = processor.service.GetByBookingNumber(ctx, ref)
	if !errors.Is(err, booking.ErrReservationNotFound) || channel == "" {
		return reservation, err
	}
	return processor.service.FindByChannelBooking(ctx, channel, ref)
}

func applyDecision(reservation *booking.Reservation, amendmentID string, decision Decision, approver booking.Approver, now time.Time) error {
	amendment, index, ok := reservation.Amendment(amendmentID)
	if !ok {
		return fmt.Errorf("%w: %s", booking.ErrAmendmentNotFound, amendmentID)
	}
	if amendment.Status != booking.AmendmentPending {
		return fmt.Errorf("%w: %s is %s", booking.ErrAmendmentAlreadyResolved, amendmentID, amendment.Status)
	}
	// Closed reservations only take rejections, which touch the amendment log alone.
	if reservation.Status.Terminal() && decision.Status.Accepted() {
		return booking.PolicyViolationError{Policy: booking.PolicyReservationClosed}
	}
	if approver.At.IsZero() {
		approver.At = now
	}
	resolvedAt := now
	amendment.Status = decision.Status
	amendment.Approver = &approver
	amendment.ResolvedAt = &resolvedAt

	var approved *booking.AmendmentChanges
	switch decision.Status {
	case booking.AmendmentApproved:
		changes := amendment.RequestedChanges.Clone()
		approved = &changes
	case booking.AmendmentPartiallyApproved:
		changes := decision.PartialChanges.Clone()
		approved = &changes
	default:
		amendment.RejectionReason = decision.Reason
	}
	if approved != nil {
		if approved.CheckIn != nil && inventory.TruncateDate(*approved.CheckIn).Before(inventory.TruncateDate(now)) {
			return booking.PolicyViolationError{Policy: booking.PolicyCheckInInPast}
		}
		amendment.ApprovedChanges = approved
		approved.ApplyTo(reservation)
	}
	reservation.Amendments[index] = amendment
	reservation.RefreshAmendmentFlags()
	return nil
}
