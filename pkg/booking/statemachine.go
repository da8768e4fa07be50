package booking

import (
	"fmt"
	"slices"
	"time"
)

var transitionTable = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled, StatusModified},
	StatusConfirmed: {StatusCheckedIn, StatusCancelled, StatusNoShow, StatusModified},
	StatusModified:  {StatusConfirmed, StatusCancelled, StatusCheckedIn, StatusNoShow},
	StatusCheckedIn: {StatusCheckedOut},
	StatusNoShow:    {StatusCancelled},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from Status, to Status) bool {
	return slices.Contains(transitionTable[from], to)
}

// AllowedTransitions lists the targets reachable from a status.
func AllowedTransitions(from Status) []Status {
	return slices.Clone(transitionTable[from])
}

// TransitionContext carries who asked for a transition and which checks to skip.
type TransitionContext struct {
	Actor                    Actor  `json:"actor"`
	Reason                   string `json:"reason,omitempty"`
	Automatic                bool   `json:"automatic,omitempty"`
	EarlyCheckIn             bool   `json:"earlyCheckIn,omitempty"`
	BypassAmendmentCheck     bool   `json:"bypassAmendmentCheck,omitempty"`
	BypassCancellationPolicy bool   `json:"bypassCancellationPolicy,omitempty"`
	ManualNoShow             bool   `json:"manualNoShow,omitempty"`
	ForceModified            bool   `json:"forceModified,omitempty"`
	SuppressNotifications    bool   `json:"suppressNotifications,omitempty"`
}

// Policy holds the tunable business rules.
type Policy struct {
	HoldTTL              time.Duration
	CancellationWindow   time.Duration
	NoShowGrace          time.Duration
	NoShowPenalty        bool
	AutoCheckoutPipeline bool
	HistoryCap           int
}

// DefaultPolicy returns the stock hotel policy.
func DefaultPolicy() Policy {
	return Policy{
		HoldTTL:            DefaultHoldTTL,
		CancellationWindow: DefaultCancellationWindow,
		NoShowGrace:        DefaultNoShowGrace,
		HistoryCap:         DefaultHistoryCap,
	}
}

func (policy Policy) normalized() Policy {
	defaults := DefaultPolicy()
	if policy.HoldTTL <= 0 {
		policy.HoldTTL = defaults.HoldTTL
	}
	if policy.CancellationWindow <= 0 {
		policy.CancellationWindow = defaults.CancellationWindow
	}
	if policy.NoShowGrace <= 0 {
		policy.NoShowGrace = defaults.NoShowGrace
	}
	if policy.HistoryCap <= 0 {
		policy.HistoryCap = defaults.HistoryCap
	}
	return policy
}

// StateMachine validates and applies status transitions. It never does I/O.
type StateMachine struct {
	policy Policy
}

// NewStateMachine builds a state machine; zero policy fields fall back to defaults.
func NewStateMachine(policy Policy) *StateMachine {
	return &StateMachine{policy: policy.normalized()}
}

// Policy returns the effective policy.
func (machine *StateMachine) Policy() Policy {
	return machine.policy
}

// Apply moves the reservation to target and returns the intents to dispatch after commit.
// The reservation is left untouched when an error is returned.
func (machine *StateMachine) Apply(reservation *Reservation, target Status, transitionContext TransitionContext, now time.Time) ([]Intent, error) {
	from := reservation.Status
	if !CanTransition(from, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
	}
	if err := machine.checkRules(*reservation, target, transitionContext, now); err != nil {
		return nil, err
	}

	reservation.Status = target
	reservation.StatusHistory = append(reservation.StatusHistory, StatusHistoryEntry{
		Status:    target,
		At:        now,
		Actor:     transitionContext.Actor,
		Reason:    transitionContext.Reason,
		Automatic: transitionContext.Automatic,
	})
	reservation.LastStatusChange = &StatusChange{From: from, To: target, At: now, Reason: transitionContext.Reason}
	return machine.enter(reservation, now), nil
}

func (machine *StateMachine) checkRules(reservation Reservation, target Status, transitionContext TransitionContext, now time.Time) error {
	switch target {
	case StatusConfirmed:
		if reservation.Payment.Status == PaymentFailed {
			return policyViolation(PolicyPaymentFailed)
		}
		if reservation.AmendmentFlags.HasPending && !transitionContext.BypassAmendmentCheck {
			return policyViolation(PolicyPendingAmendments)
		}
		if reservation.Status == StatusPending && reservation.ReservedUntil != nil && reservation.ReservedUntil.Before(now) {
			return policyViolation(PolicyHoldExpired)
		}
	case StatusCheckedIn:
		if now.Before(reservation.CheckIn) && !transitionContext.EarlyCheckIn {
			return policyViolation(PolicyEarlyCheckIn)
		}
	case StatusCancelled:
		actor := transitionContext.Actor.Source
		if (actor == ActorGuest || actor == ActorOTA) && !transitionContext.BypassCancellationPolicy {
			if reservation.CheckIn.Sub(now) <= machine.policy.CancellationWindow {
				return policyViolation(PolicyCancellationWindow)
			}
		}
	case StatusNoShow:
		if !transitionContext.ManualNoShow && !now.After(reservation.CheckIn.Add(machine.policy.NoShowGrace)) {
			return policyViolation(PolicyGracePeriod)
		}
	case StatusModified:
		if !reservation.AmendmentFlags.HasPending && !transitionContext.ForceModified {
			return policyViolation(PolicyNoPendingAmendments)
		}
	}
	return nil
}

// enter applies the state-entry side effects and returns the matching intents.
func (machine *StateMachine) enter(reservation *Reservation, now time.Time) []Intent {
	var intents []Intent
	switch reservation.Status {
	case StatusConfirmed:
		reservation.ReservedUntil = nil
		if !reservation.Source.IsDirect() {
			reservation.Sync.NeedsSync = true
		}
	case StatusCheckedIn:
		reservation.ActualCheckIn = &now
		intents = append(intents, withRooms(NewIntent(IntentHousekeepingUpdate, *reservation, now), *reservation))
	case StatusCheckedOut:
		reservation.ActualCheckOut = &now
		billing := NewIntent(IntentFinalBilling, *reservation, now)
		billing.AmountCents = reservation.TotalAmountCents - reservation.Payment.TotalPaidCents
		intents = append(intents, billing, withRooms(NewIntent(IntentRoomCleaning, *reservation, now), *reservation))
		if machine.policy.AutoCheckoutPipeline {
			intents = append(intents, NewIntent(IntentAutomaticCheckout, *reservation, now))
		}
	case StatusCancelled:
		reservation.ReservedUntil = nil
		if reservation.Payment.Status == PaymentPaid {
			refund := NewIntent(IntentRefundRequest, *reservation, now)
			refund.AmountCents = reservation.Payment.TotalPaidCents
			intents = append(intents, refund)
		}
		if !reservation.Source.IsDirect() {
			reservation.Sync.NeedsSync = true
		}
	case StatusModified:
		reservation.AmendmentFlags.RequiresReconfirmation = true
		reservation.Sync.NeedsSync = true
	case StatusNoShow:
		reservation.NoShowAt = &now
		if machine.policy.NoShowPenalty {
			penalty := NewIntent(IntentPenaltyRequest, *reservation, now)
			penalty.AmountCents = firstNightCents(*reservation)
			intents = append(intents, penalty)
		}
	}
	if reservation.Status == StatusConfirmed {
		reservation.AmendmentFlags.RequiresReconfirmation = false
	}
	return intents
}

func withRooms(intent Intent, reservation Reservation) Intent {
	for _, room := range reservation.Rooms {
		if room.RoomID != "" {
			intent.RoomIDs = append(intent.RoomIDs, room.RoomID)
		}
	}
	return intent
}

func firstNightCents(reservation Reservation) AmountCents {
	var total AmountCents
	for _, room := range reservation.Rooms {
		total += room.NightlyRateCents
	}
	return total
}
