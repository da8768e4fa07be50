package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/clock"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/inventory"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Service owns the reservation aggregate: creation, transitions and CAS mutations.
type Service struct {
	store      Store
	clock      clock.Clock
	machine    *StateMachine
	inventory  InventoryReserver
	dispatcher IntentDispatcher
	logger     OperationLogger
	validate   *validator.Validate
	numbers    *numberGenerator
	newID      func() string

	observersMu sync.RWMutex
	observers   []EventObserver
}

// NewService wires a Service.
func NewService(store Store, clk clock.Clock, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if clk == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:      store,
		clock:      clk,
		machine:    NewStateMachine(DefaultPolicy()),
		dispatcher: nopDispatcher{},
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		numbers:    newNumberGenerator(),
		newID:      uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Policy returns the effective business policy.
func (service *Service) Policy() Policy {
	return service.machine.Policy()
}

// Now returns the service clock reading.
func (service *Service) Now() time.Time {
	return service.clock.Now()
}

// NewAmendmentID allocates an amendment id.
func (service *Service) NewAmendmentID() string {
	return service.numbers.amendmentID(service.clock.Now())
}

// Subscribe registers an observer for committed events.
func (service *Service) Subscribe(observer EventObserver) {
	if observer == nil {
		return
	}
	service.observersMu.Lock()
	defer service.observersMu.Unlock()
	service.observers = append(service.observers, observer)
}

// Publish delivers an event to every observer in subscription order.
func (service *Service) Publish(ctx context.Context, event Event) {
	service.observersMu.RLock()
	observers := append([]EventObserver(nil), service.observers...)
	service.observersMu.RUnlock()
	for _, observer := range observers {
		observer.OnEvent(ctx, event)
	}
}

// CreateInput describes a reservation submission.
type CreateInput struct {
	HotelID          string          `json:"hotelId" validate:"required"`
	GuestID          string          `json:"guestId" validate:"required"`
	Guest            GuestDetails    `json:"guest"`
	CorporateID      *string         `json:"corporateId,omitempty"`
	GroupBookingID   *string         `json:"groupBookingId,omitempty"`
	CheckIn          time.Time       `json:"checkIn" validate:"required"`
	CheckOut         time.Time       `json:"checkOut" validate:"required,gtfield=CheckIn"`
	Rooms            []RoomLine      `json:"rooms" validate:"required,min=1,dive"`
	TotalAmountCents AmountCents     `json:"totalAmountCents" validate:"gte=0"`
	Currency         string          `json:"currency,omitempty" validate:"omitempty,len=3"`
	Source           string          `json:"source,omitempty"`
	ChannelBookingID string          `json:"channelBookingId,omitempty"`
	RawPayload       json.RawMessage `json:"rawPayload,omitempty"`
	SpecialRequests  string          `json:"specialRequests,omitempty"`
	Actor            Actor           `json:"actor"`
}

// Create stores a new reservation. Regular reservations start as a pending hold;
// corporate reservations are confirmed immediately and consume inventory.
func (service *Service) Create(ctx context.Context, input CreateInput) (Reservation, error) {
	reservation, err := service.create(ctx, input)
	service.logOperation(ctx, OperationLog{
		Operation:     operationCreate,
		ReservationID: reservation.ID,
		BookingNumber: reservation.BookingNumber,
		To:            reservation.Status,
		Actor:         input.Actor,
		Error:         err,
	})
	if err != nil {
		return Reservation{}, err
	}
	if reservation.Status == StatusConfirmed {
		service.Publish(ctx, StatusChanged{
			Reservation: reservation.Clone(),
			To:          StatusConfirmed,
			Context:     TransitionContext{Actor: input.Actor, Reason: "corporate reservation", Automatic: true},
			At:          reservation.CreatedAt,
		})
	}
	return reservation, nil
}

func (service *Service) create(ctx context.Context, input CreateInput) (Reservation, error) {
	if err := service.validate.StructCtx(ctx, input); err != nil {
		return Reservation{}, fmt.Errorf("%w: %v", ErrInvalidReservation, err)
	}
	source, err := NormalizeSource(input.Source)
	if err != nil {
		return Reservation{}, err
	}
	channelBookingID := strings.TrimSpace(input.ChannelBookingID)
	if channelBookingID != "" {
		_, err := service.store.FindByChannelBooking(ctx, source, channelBookingID)
		if err == nil {
			return Reservation{}, fmt.Errorf("%w: %s/%s", ErrDuplicateChannelBooking, source, channelBookingID)
		}
		if !errors.Is(err, ErrReservationNotFound) {
			return Reservation{}, err
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	actor := input.Actor
	if actor.Source == "" {
		actor.Source = ActorGuest
	}

	now := service.clock.Now()
	reservation := Reservation{
		ID:               service.newID(),
		HotelID:          strings.TrimSpace(input.HotelID),
		GuestID:          strings.TrimSpace(input.GuestID),
		CorporateID:      cloneString(input.CorporateID),
		GroupBookingID:   cloneString(input.GroupBookingID),
		Guest:            input.Guest,
		CheckIn:          input.CheckIn.UTC(),
		CheckOut:         input.CheckOut.UTC(),
		Rooms:            append([]RoomLine(nil), input.Rooms...),
		TotalAmountCents: input.TotalAmountCents,
		Currency:         currency,
		Payment:          PaymentDetails{Status: PaymentPending},
		Source:           source,
		ChannelBookingID: channelBookingID,
		RawPayload:       append(json.RawMessage(nil), input.RawPayload...),
		SpecialRequests:  input.SpecialRequests,
		Sync:             SyncState{Channels: map[string]ChannelSyncState{}},
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if reservation.IsCorporate() {
		reservation.Status = StatusConfirmed
		reservation.StatusHistory = []StatusHistoryEntry{{Status: StatusConfirmed, At: now, Actor: actor, Reason: "corporate reservation", Automatic: true}}
		reservation.Sync.NeedsSync = !source.IsDirect()
	} else {
		reservedUntil := now.Add(service.machine.Policy().HoldTTL)
		reservation.Status = StatusPending
		reservation.ReservedUntil = &reservedUntil
		reservation.StatusHistory = []StatusHistoryEntry{{Status: StatusPending, At: now, Actor: actor, Reason: "reservation created"}}
	}
	if err := reservation.Validate(); err != nil {
		return Reservation{}, err
	}

	if reservation.Status == StatusConfirmed && service.inventory != nil {
		if err := service.inventory.BookStay(ctx, reservation.Stay()); err != nil {
			return Reservation{}, inventoryError(err)
		}
		reservation.InventoryHeld = true
	}

	var createErr error
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		reservation.BookingNumber = service.numbers.bookingNumber(now)
		createErr = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			if err := txStore.CreateReservation(ctx, reservation); err != nil {
				return err
			}
			return txStore.AppendAudit(ctx, service.auditEntry(reservation.ID, operationCreate, "", reservation.Status, actor, "", nil))
		})
		if !errors.Is(createErr, ErrDuplicateBookingNumber) {
			break
		}
	}
	if createErr != nil {
		if reservation.InventoryHeld {
			service.compensate(ctx, func(ctx context.Context) error {
				return service.inventory.ReleaseStay(ctx, reservation.Stay())
			})
		}
		return Reservation{}, createErr
	}
	return reservation, nil
}

// Get loads a reservation by id.
func (service *Service) Get(ctx context.Context, reservationID string) (Reservation, error) {
	return service.store.GetReservation(ctx, reservationID)
}

// GetByBookingNumber loads a reservation by its booking number.
func (service *Service) GetByBookingNumber(ctx context.Context, bookingNumber string) (Reservation, error) {
	return service.store.GetReservationByBookingNumber(ctx, bookingNumber)
}

// FindByChannelBooking loads a channel reservation by the channel's booking id.
func (service *Service) FindByChannelBooking(ctx context.Context, source string, channelBookingID string) (Reservation, error) {
	normalized, err := NormalizeSource(source)
	if err != nil {
		return Reservation{}, err
	}
	return service.store.FindByChannelBooking(ctx, normalized, strings.TrimSpace(channelBookingID))
}

// TransitionResult is the committed outcome of a transition.
type TransitionResult struct {
	Reservation Reservation
	From        Status
	To          Status
	Intents     []Intent
}

// Transition moves a reservation to target through the state machine.
func (service *Service) Transition(ctx context.Context, reservationID string, target Status, transitionContext TransitionContext) (TransitionResult, error) {
	return service.TransitionWith(ctx, reservationID, target, transitionContext, nil)
}

// Cancel transitions a reservation to cancelled.
func (service *Service) Cancel(ctx context.Context, reservationID string, transitionContext TransitionContext) (TransitionResult, error) {
	return service.Transition(ctx, reservationID, StatusCancelled, transitionContext)
}

// TransitionWith runs prepare on the working copy before the state machine, inside the
// same CAS attempt, so data changes and the status change commit together.
func (service *Service) TransitionWith(ctx context.Context, reservationID string, target Status, transitionContext TransitionContext, prepare func(reservation *Reservation) error) (TransitionResult, error) {
	var intents []Intent
	var from Status
	before, after, err := service.commit(ctx, reservationID, func(reservation *Reservation, now time.Time) error {
		from = reservation.Status
		if prepare != nil {
			if err := prepare(reservation); err != nil {
				return err
			}
		}
		applied, err := service.machine.Apply(reservation, target, transitionContext, now)
		if err != nil {
			return err
		}
		intents = applied
		switch target {
		case StatusConfirmed, StatusCheckedIn:
			reservation.InventoryHeld = true
		case StatusCancelled:
			reservation.InventoryHeld = false
		}
		return nil
	}, func(before Reservation, after Reservation) AuditEntry {
		return service.auditEntry(after.ID, operationTransition, before.Status, after.Status, transitionContext.Actor, transitionContext.Reason, nil)
	})
	if err == nil {
		from = before.Status
	}

	service.logOperation(ctx, OperationLog{
		Operation:     operationTransition,
		ReservationID: reservationID,
		BookingNumber: after.BookingNumber,
		From:          from,
		To:            target,
		Actor:         transitionContext.Actor,
		Error:         err,
	})
	if err != nil {
		if !errors.Is(err, ErrReservationNotFound) {
			service.auditFailure(ctx, reservationID, operationTransition, from, target, transitionContext, err)
		}
		return TransitionResult{}, err
	}

	service.dispatch(ctx, intents)
	service.Publish(ctx, StatusChanged{
		Reservation: after.Clone(),
		From:        from,
		To:          target,
		Context:     transitionContext,
		At:          after.UpdatedAt,
	})
	return TransitionResult{Reservation: after, From: from, To: target, Intents: intents}, nil
}

// Mutate applies fn to a working copy and commits it with optimistic concurrency.
// Inventory follows the change: a held stay whose dates or rooms moved is rebooked.
func (service *Service) Mutate(ctx context.Context, reservationID string, fn func(reservation *Reservation) error) (Reservation, error) {
	_, after, err := service.commit(ctx, reservationID, func(reservation *Reservation, _ time.Time) error {
		return fn(reservation)
	}, nil)
	service.logOperation(ctx, OperationLog{
		Operation:     operationMutate,
		ReservationID: reservationID,
		BookingNumber: after.BookingNumber,
		To:            after.Status,
		Error:         err,
	})
	return after, err
}

// PaymentInput is one payment applied to a reservation.
type PaymentInput struct {
	Method      string      `json:"method" validate:"required"`
	AmountCents AmountCents `json:"amountCents" validate:"gt=0"`
	Reference   string      `json:"reference,omitempty"`
}

// SubmitPayment appends a payment and recomputes the payment status.
func (service *Service) SubmitPayment(ctx context.Context, reservationID string, payment PaymentInput) (Reservation, error) {
	var previous PaymentStatus
	before, after, err := service.commit(ctx, reservationID, func(reservation *Reservation, now time.Time) error {
		if err := service.validate.StructCtx(ctx, payment); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAmountCents, err)
		}
		if reservation.Status.Terminal() {
			return policyViolation(PolicyReservationClosed)
		}
		if reservation.Payment.TotalPaidCents+payment.AmountCents > reservation.TotalAmountCents {
			return fmt.Errorf("%w: paid %d plus %d exceeds %d", ErrOverpayment, reservation.Payment.TotalPaidCents, payment.AmountCents, reservation.TotalAmountCents)
		}
		reservation.Payment.Methods = append(reservation.Payment.Methods, PaymentMethod{
			Method:      payment.Method,
			AmountCents: payment.AmountCents,
			Reference:   payment.Reference,
			PaidAt:      now,
		})
		reservation.Payment.TotalPaidCents += payment.AmountCents
		reservation.Payment.Status = derivePaymentStatus(*reservation)
		return nil
	}, nil)
	if err == nil {
		previous = before.Payment.Status
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationSubmitPayment,
		ReservationID: reservationID,
		BookingNumber: after.BookingNumber,
		To:            after.Status,
		Error:         err,
	})
	if err != nil {
		return Reservation{}, err
	}
	if previous != after.Payment.Status {
		service.Publish(ctx, PaymentStatusChanged{Reservation: after.Clone(), From: previous, To: after.Payment.Status, At: after.UpdatedAt})
	}
	return after, nil
}

// MarkPaymentStatus records a collaborator-reported payment status (failed or refunded).
func (service *Service) MarkPaymentStatus(ctx context.Context, reservationID string, status PaymentStatus) (Reservation, error) {
	var previous PaymentStatus
	before, after, err := service.commit(ctx, reservationID, func(reservation *Reservation, _ time.Time) error {
		if status != PaymentFailed && status != PaymentRefunded {
			return fmt.Errorf("%w: %q is derived from payments", ErrInvalidPaymentStatus, status)
		}
		reservation.Payment.Status = status
		return nil
	}, nil)
	if err == nil {
		previous = before.Payment.Status
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationMarkPayment,
		ReservationID: reservationID,
		BookingNumber: after.BookingNumber,
		Error:         err,
	})
	if err != nil {
		return Reservation{}, err
	}
	if previous != after.Payment.Status {
		service.Publish(ctx, PaymentStatusChanged{Reservation: after.Clone(), From: previous, To: after.Payment.Status, At: after.UpdatedAt})
	}
	return after, nil
}

// commit is the single write path: load, apply to a clone, validate, run the inventory
// effect, then persist with CAS inside a transaction. Version conflicts are retried.
func (service *Service) commit(
	ctx context.Context,
	reservationID string,
	apply func(reservation *Reservation, now time.Time) error,
	audit func(before Reservation, after Reservation) AuditEntry,
) (Reservation, Reservation, error) {
	var lastErr error
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		current, err := service.store.GetReservation(ctx, reservationID)
		if err != nil {
			return Reservation{}, Reservation{}, err
		}
		now := service.clock.Now()
		next := current.Clone()
		if err := apply(&next, now); err != nil {
			return current, Reservation{}, err
		}
		if err := next.Validate(); err != nil {
			return current, Reservation{}, err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = now
		archived := service.trimHistory(&next)

		undo, err := service.applyInventory(ctx, current, next)
		if err != nil {
			return current, Reservation{}, err
		}
		err = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			if err := txStore.UpdateReservation(ctx, next, current.Version); err != nil {
				return err
			}
			if len(archived) > 0 {
				if err := txStore.ArchiveStatusHistory(ctx, next.ID, archived); err != nil {
					return err
				}
			}
			if audit != nil {
				return txStore.AppendAudit(ctx, audit(current, next))
			}
			return nil
		})
		if err == nil {
			return current, next, nil
		}
		if undo != nil {
			service.compensate(ctx, undo)
		}
		if !errors.Is(err, ErrConflictingVersion) {
			return current, Reservation{}, err
		}
		lastErr = err
	}
	return Reservation{}, Reservation{}, WrapError("service", "reservation", "version_retries_exhausted", lastErr)
}

// applyInventory books, releases or rebooks according to InventoryHeld and the stay, and
// returns the compensation to run if the write does not commit.
func (service *Service) applyInventory(ctx context.Context, before Reservation, after Reservation) (func(context.Context) error, error) {
	if service.inventory == nil {
		return nil, nil
	}
	previous := before.Stay()
	next := after.Stay()
	switch {
	case !before.InventoryHeld && after.InventoryHeld:
		if err := service.inventory.BookStay(ctx, next); err != nil {
			return nil, inventoryError(err)
		}
		return func(ctx context.Context) error { return service.inventory.ReleaseStay(ctx, next) }, nil
	case before.InventoryHeld && !after.InventoryHeld:
		if err := service.inventory.ReleaseStay(ctx, previous); err != nil {
			return nil, inventoryError(err)
		}
		return func(ctx context.Context) error { return service.inventory.BookStay(ctx, previous) }, nil
	case before.InventoryHeld && after.InventoryHeld && !sameStay(previous, next):
		if err := service.inventory.Rebook(ctx, previous, next); err != nil {
			return nil, inventoryError(err)
		}
		return func(ctx context.Context) error { return service.inventory.Rebook(ctx, next, previous) }, nil
	}
	return nil, nil
}

func (service *Service) trimHistory(reservation *Reservation) []StatusHistoryEntry {
	limit := service.machine.Policy().HistoryCap
	overflow := len(reservation.StatusHistory) - limit
	if overflow <= 0 {
		return nil
	}
	archived := append([]StatusHistoryEntry(nil), reservation.StatusHistory[:overflow]...)
	reservation.StatusHistory = append([]StatusHistoryEntry(nil), reservation.StatusHistory[overflow:]...)
	return archived
}

func (service *Service) dispatch(ctx context.Context, intents []Intent) {
	for _, intent := range intents {
		err := service.dispatcher.Emit(ctx, intent)
		if err != nil {
			service.logOperation(ctx, OperationLog{
				Operation:     operationDispatchIntent,
				ReservationID: intent.ReservationID,
				BookingNumber: intent.BookingNumber,
				Status:        string(intent.Kind),
				Error:         err,
			})
		}
	}
}

// Dispatch hands intents produced outside a transition (alerts, reviews) to the dispatcher.
func (service *Service) Dispatch(ctx context.Context, intents ...Intent) {
	service.dispatch(ctx, intents)
}

func (service *Service) compensate(ctx context.Context, undo func(context.Context) error) {
	if err := undo(context.WithoutCancel(ctx)); err != nil {
		service.logOperation(ctx, OperationLog{Operation: "compensate_inventory", Error: err})
	}
}

func (service *Service) auditEntry(reservationID string, operation string, from Status, to Status, actor Actor, reason string, err error) AuditEntry {
	entry := AuditEntry{
		ID:            service.newID(),
		ReservationID: reservationID,
		Operation:     operation,
		From:          from,
		To:            to,
		Actor:         actor,
		Reason:        reason,
		Outcome:       auditOutcomeSucceeded,
		At:            service.clock.Now(),
	}
	if err != nil {
		entry.Outcome = auditOutcomeFailed
		entry.Error = err.Error()
	}
	return entry
}

func (service *Service) auditFailure(ctx context.Context, reservationID string, operation string, from Status, to Status, transitionContext TransitionContext, cause error) {
	entry := service.auditEntry(reservationID, operation, from, to, transitionContext.Actor, transitionContext.Reason, cause)
	if err := service.store.AppendAudit(ctx, entry); err != nil {
		service.logOperation(ctx, OperationLog{Operation: "append_audit", ReservationID: reservationID, Error: err})
	}
}

func derivePaymentStatus(reservation Reservation) PaymentStatus {
	if reservation.Payment.TotalPaidCents == reservation.TotalAmountCents {
		return PaymentPaid
	}
	return PaymentPending
}

func inventoryError(err error) error {
	var restriction inventory.RestrictionError
	if errors.As(err, &restriction) {
		return PolicyViolationError{Policy: restriction.Restriction, Err: err}
	}
	return err
}

func sameStay(left inventory.Stay, right inventory.Stay) bool {
	if left.HotelID != right.HotelID || left.Channel != right.Channel {
		return false
	}
	if !inventory.TruncateDate(left.CheckIn).Equal(inventory.TruncateDate(right.CheckIn)) {
		return false
	}
	if !inventory.TruncateDate(left.CheckOut).Equal(inventory.TruncateDate(right.CheckOut)) {
		return false
	}
	return maps.Equal(left.Rooms, right.Rooms)
}
