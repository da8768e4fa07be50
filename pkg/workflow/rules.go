package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/channelsync"
	"go.uber.org/zap"
)

// Canonical rule ids.
const (
	RuleAutoConfirmOnPayment      = "auto_confirm_on_payment"
	RuleAutoReleaseExpired        = "auto_release_expired"
	RuleAutoNoShow                = "auto_no_show"
	RuleAutoConfirmAfterAmendment = "auto_confirm_after_amendment"
	RuleAutoSyncOTA               = "auto_sync_ota"
	RuleSendNotifications         = "send_notifications"
	RuleOverdueCheckoutAlert      = "overdue_checkout_alert"
)

const (
	releaseExpiredInterval = 5 * time.Minute
	noShowInterval         = 30 * time.Minute
	overdueCheckoutEvery   = time.Hour
	noShowAfter            = 6 * time.Hour
	overdueCheckoutAfter   = 2 * time.Hour
	syncDelay              = time.Second

	reasonPaymentReceived   = "payment received"
	reasonExpiredHold       = "expired hold"
	reasonNoShow            = "guest did not arrive"
	reasonAmendmentResolved = "amendments resolved"
)

func (engine *Engine) canonicalRules() []Rule {
	return []Rule{
		{
			ID:        RuleAutoConfirmOnPayment,
			Trigger:   TriggerPaymentStatusChange,
			Enabled:   true,
			Condition: paidWhilePending,
			Action: func(ctx context.Context, event booking.Event) error {
				_, err := engine.service.Transition(ctx, event.Snapshot().ID, booking.StatusConfirmed, automatic(reasonPaymentReceived))
				return err
			},
		},
		{
			ID:        RuleAutoReleaseExpired,
			Trigger:   TriggerScheduled,
			Interval:  releaseExpiredInterval,
			Enabled:   true,
			Scheduled: engine.releaseExpired,
		},
		{
			ID:        RuleAutoNoShow,
			Trigger:   TriggerScheduled,
			Interval:  noShowInterval,
			Enabled:   true,
			Scheduled: engine.markNoShows,
		},
		{
			ID:      RuleAutoConfirmAfterAmendment,
			Trigger: TriggerAmendmentResolved,
			Enabled: true,
			Action: func(ctx context.Context, event booking.Event) error {
				current, err := engine.service.Get(ctx, event.Snapshot().ID)
				if err != nil {
					return err
				}
				if !current.ReadyForReconfirmation() {
					return nil
				}
				transitionContext := automatic(reasonAmendmentResolved)
				transitionContext.BypassAmendmentCheck = true
				_, err = engine.service.Transition(ctx, current.ID, booking.StatusConfirmed, transitionContext)
				return err
			},
		},
		{
			ID:        RuleAutoSyncOTA,
			Trigger:   TriggerStatusChange,
			Enabled:   true,
			Condition: channelStatusChange,
			Action:    engine.scheduleSync,
		},
		{
			ID:      RuleSendNotifications,
			Trigger: TriggerStatusChange,
			Enabled: true,
			Condition: func(event booking.Event) bool {
				changed, ok := event.(booking.StatusChanged)
				return ok && !changed.Context.SuppressNotifications
			},
			Action: engine.notify,
		},
		{
			ID:        RuleOverdueCheckoutAlert,
			Trigger:   TriggerScheduled,
			Interval:  overdueCheckoutEvery,
			Enabled:   true,
			Scheduled: engine.alertOverdueCheckouts,
		},
	}
}

func automatic(reason string) booking.TransitionContext {
	return booking.TransitionContext{Actor: booking.SystemActor(), Reason: reason, Automatic: true}
}

func paidWhilePending(event booking.Event) bool {
	changed, ok := event.(booking.PaymentStatusChanged)
	return ok && changed.To == booking.PaymentPaid && changed.Reservation.Status == booking.StatusPending
}

func channelStatusChange(event booking.Event) bool {
	changed, ok := event.(booking.StatusChanged)
	if !ok || changed.Reservation.Source.IsDirect() {
		return false
	}
	switch changed.To {
	case booking.StatusConfirmed, booking.StatusCancelled, booking.StatusNoShow:
		return true
	}
	return false
}

func (engine *Engine) scheduleSync(ctx context.Context, event booking.Event) error {
	channel := string(event.Snapshot().Source)
	marked, err := engine.service.MarkNeedsSync(ctx, event.Snapshot().ID, channel)
	if err != nil {
		return err
	}
	if engine.syncQueue == nil {
		return nil
	}
	return channelsync.Enqueue(ctx, engine.syncQueue, marked, channel, engine.clock.Now(), syncDelay)
}

func (engine *Engine) notify(ctx context.Context, event booking.Event) error {
	changed := event.(booking.StatusChanged)
	message := fmt.Sprintf("reservation %s moved from %s to %s", changed.Reservation.BookingNumber, changed.From, changed.To)
	email := booking.NewIntent(booking.IntentStatusChangeEmail, changed.Reservation, changed.At)
	email.Message = message
	broadcast := booking.NewIntent(booking.IntentStaffBroadcast, changed.Reservation, changed.At)
	broadcast.Message = message
	engine.service.Dispatch(ctx, email, broadcast)
	return nil
}

func (engine *Engine) releaseExpired(ctx context.Context, tick time.Time) error {
	holds, err := engine.service.ExpiredHolds(ctx, tick, engine.batchSize)
	if err != nil {
		return fmt.Errorf("scan expired holds: %w", err)
	}
	for _, hold := range holds {
		_, err := engine.service.Cancel(ctx, hold.ID, automatic(reasonExpiredHold))
		engine.logOutcome(RuleAutoReleaseExpired, hold.ID, err)
	}
	return nil
}

func (engine *Engine) markNoShows(ctx context.Context, tick time.Time) error {
	arrivals, err := engine.service.OverdueArrivals(ctx, tick.Add(-noShowAfter), engine.batchSize)
	if err != nil {
		return fmt.Errorf("scan overdue arrivals: %w", err)
	}
	for _, arrival := range arrivals {
		_, err := engine.service.Transition(ctx, arrival.ID, booking.StatusNoShow, automatic(reasonNoShow))
		engine.logOutcome(RuleAutoNoShow, arrival.ID, err)
	}
	return nil
}

func (engine *Engine) alertOverdueCheckouts(ctx context.Context, tick time.Time) error {
	departures, err := engine.service.OverdueDepartures(ctx, tick.Add(-overdueCheckoutAfter), engine.batchSize)
	if err != nil {
		return fmt.Errorf("scan overdue departures: %w", err)
	}
	intents := make([]booking.Intent, 0, len(departures))
	for _, departure := range departures {
		alert := booking.NewIntent(booking.IntentOverdueAlert, departure, tick)
		alert.Message = fmt.Sprintf("guest of %s has not checked out; check-out was %s",
			departure.BookingNumber, departure.CheckOut.Format(time.RFC3339))
		intents = append(intents, alert)
	}
	engine.service.Dispatch(ctx, intents...)
	return nil
}

// logOutcome records one scheduled transition. A reservation that moved on
// since the scan is not an error.
func (engine *Engine) logOutcome(ruleID string, reservationID string, err error) {
	switch {
	case err == nil:
		engine.logger.Info("scheduled transition applied",
			zap.String("rule", ruleID),
			zap.String("reservation_id", reservationID))
	case errors.Is(err, booking.ErrInvalidTransition):
		engine.logger.Debug("scheduled transition no longer applicable",
			zap.String("rule", ruleID),
			zap.String("reservation_id", reservationID),
			zap.Error(err))
	default:
		engine.logger.Warn("scheduled transition failed",
			zap.String("rule", ruleID),
			zap.String("reservation_id", reservationID),
			zap.Error(err))
	}
}
