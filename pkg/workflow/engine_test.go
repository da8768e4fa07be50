package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/internal/testkit"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/channelsync"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/inventory"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newEngine(test *testing.T, world *testkit.World, options ...Option) *Engine {
	test.Helper()
	engine, err := NewEngine(world.Service, world.Clock, options...)
	if err != nil {
		test.Fatalf("new engine: %v", err)
	}
	return engine
}

func runScheduled(test *testing.T, engine *Engine, ruleID string, tick time.Time) {
	test.Helper()
	if err := engine.RunScheduled(context.Background(), ruleID, tick); err != nil {
		test.Fatalf("run %s: %v", ruleID, err)
	}
}

func TestPaymentConfirmsThenGuestStays(test *testing.T) {
	test.Parallel()
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-01-05T09:00:00Z"))
	newEngine(test, world)
	reservation := world.MustCreate(test, testkit.Input(test, "direct", "2025-01-10", "2025-01-12"))
	if reservation.Status != booking.StatusPending || reservation.ReservedUntil == nil {
		test.Fatalf("expected pending hold, got %s", reservation.Status)
	}

	if _, err := world.Service.SubmitPayment(context.Background(), reservation.ID, booking.PaymentInput{Method: "card", AmountCents: 10000}); err != nil {
		test.Fatalf("submit payment: %v", err)
	}
	confirmed := world.MustGet(test, reservation.ID)
	if confirmed.Status != booking.StatusConfirmed || confirmed.ReservedUntil != nil || !confirmed.LastStatusChange.At.Equal(world.Clock.Now()) {
		test.Fatalf("expected automatic confirmation, got %s", confirmed.Status)
	}
	if !confirmed.StatusHistory[len(confirmed.StatusHistory)-1].Automatic {
		test.Fatalf("expected automatic history entry, got %+v", confirmed.StatusHistory)
	}
	for _, date := range []string{"2025-01-10", "2025-01-11"} {
		if sold := world.Bucket(test, date, inventory.ChannelDirect).Sold; sold != 1 {
			test.Fatalf("expected sold=1 on %s, got %d", date, sold)
		}
	}
	if world.Dispatcher.Count(reservation.ID, booking.IntentStatusChangeEmail) != 1 ||
		world.Dispatcher.Count(reservation.ID, booking.IntentStaffBroadcast) != 1 {
		test.Fatalf("expected confirmation notifications, got %v", world.Dispatcher.Kinds())
	}

	world.Clock.Set(testkit.MustTime(test, "2025-01-10T14:00:00Z"))
	if _, err := world.Service.Transition(context.Background(), reservation.ID, booking.StatusCheckedIn, testkit.Staff()); err != nil {
		test.Fatalf("check in: %v", err)
	}
	world.Clock.Set(testkit.MustTime(test, "2025-01-12T11:00:00Z"))
	result, err := world.Service.Transition(context.Background(), reservation.ID, booking.StatusCheckedOut, testkit.Staff())
	if err != nil {
		test.Fatalf("check out: %v", err)
	}
	if result.Reservation.Status != booking.StatusCheckedOut {
		test.Fatalf("expected checked_out, got %s", result.Reservation.Status)
	}
	if world.Dispatcher.Count(reservation.ID, booking.IntentRoomCleaning) != 1 {
		test.Fatalf("expected room cleaning intent, got %v", world.Dispatcher.Kinds())
	}
}

func TestPaymentAfterExpiredHoldStaysPending(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.WarnLevel)
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-01-05T09:00:00Z"))
	newEngine(test, world, WithLogger(zap.New(core)))
	reservation := world.MustCreate(test, testkit.Input(test, "direct", "2025-01-10", "2025-01-12"))

	world.Clock.Advance(20 * time.Minute)
	if _, err := world.Service.SubmitPayment(context.Background(), reservation.ID, booking.PaymentInput{Method: "card", AmountCents: 10000}); err != nil {
		test.Fatalf("payment must commit even when the rule fails: %v", err)
	}
	if status := world.MustGet(test, reservation.ID).Status; status != booking.StatusPending {
		test.Fatalf("expected pending, got %s", status)
	}
	if logs.FilterMessage("workflow rule failed").Len() != 1 {
		test.Fatalf("expected logged rule failure, got %v", logs.All())
	}
}

func TestReleaseExpiredHold(test *testing.T) {
	test.Parallel()
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-03-01T10:00:00Z"))
	engine := newEngine(test, world)
	reservation := world.MustCreate(test, testkit.Input(test, "direct", "2025-03-10", "2025-03-12"))
	if !reservation.ReservedUntil.Equal(testkit.MustTime(test, "2025-03-01T10:15:00Z")) {
		test.Fatalf("unexpected reservedUntil %v", reservation.ReservedUntil)
	}

	runScheduled(test, engine, RuleAutoReleaseExpired, testkit.MustTime(test, "2025-03-01T10:14:00Z"))
	if status := world.MustGet(test, reservation.ID).Status; status != booking.StatusPending {
		test.Fatalf("expected hold kept before expiry, got %s", status)
	}

	world.Clock.Set(testkit.MustTime(test, "2025-03-01T10:16:00Z"))
	runScheduled(test, engine, RuleAutoReleaseExpired, world.Clock.Now())
	released := world.MustGet(test, reservation.ID)
	if released.Status != booking.StatusCancelled || released.LastStatusChange.Reason != "expired hold" {
		test.Fatalf("expected cancelled by expiry, got %s %+v", released.Status, released.LastStatusChange)
	}
	if sold := world.Bucket(test, "2025-03-10", inventory.ChannelDirect).Sold; sold != 0 {
		test.Fatalf("expected hold never to consume inventory, got sold=%d", sold)
	}
}

func TestNoShowAfterSixHours(test *testing.T) {
	test.Parallel()
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-06-01T09:00:00Z"))
	engine := newEngine(test, world)
	reservation := world.MustConfirm(test, testkit.Input(test, "direct", "2025-07-01T15:00:00Z", "2025-07-03T15:00:00Z"))

	world.Clock.Set(testkit.MustTime(test, "2025-07-01T20:59:00Z"))
	runScheduled(test, engine, RuleAutoNoShow, world.Clock.Now())
	if status := world.MustGet(test, reservation.ID).Status; status != booking.StatusConfirmed {
		test.Fatalf("expected confirmed at 20:59, got %s", status)
	}

	world.Clock.Set(testkit.MustTime(test, "2025-07-01T21:01:00Z"))
	runScheduled(test, engine, RuleAutoNoShow, world.Clock.Now())
	noShow := world.MustGet(test, reservation.ID)
	if noShow.Status != booking.StatusNoShow || noShow.NoShowAt == nil {
		test.Fatalf("expected no_show at 21:01, got %s", noShow.Status)
	}
}

func TestOverdueCheckoutAlert(test *testing.T) {
	test.Parallel()
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-01-05T09:00:00Z"))
	engine := newEngine(test, world)
	reservation := world.MustConfirm(test, testkit.Input(test, "direct", "2025-01-10", "2025-01-12"))
	world.Clock.Set(testkit.MustTime(test, "2025-01-10T15:00:00Z"))
	if _, err := world.Service.Transition(context.Background(), reservation.ID, booking.StatusCheckedIn, testkit.Staff()); err != nil {
		test.Fatalf("check in: %v", err)
	}

	runScheduled(test, engine, RuleOverdueCheckoutAlert, testkit.MustTime(test, "2025-01-12T02:00:00Z"))
	if world.Dispatcher.Count(reservation.ID, booking.IntentOverdueAlert) != 0 {
		test.Fatalf("expected no alert at the two hour mark")
	}
	runScheduled(test, engine, RuleOverdueCheckoutAlert, testkit.MustTime(test, "2025-01-12T02:01:00Z"))
	if world.Dispatcher.Count(reservation.ID, booking.IntentOverdueAlert) != 1 {
		test.Fatalf("expected one overdue alert, got %v", world.Dispatcher.Kinds())
	}
	if status := world.MustGet(test, reservation.ID).Status; status != booking.StatusCheckedIn {
		test.Fatalf("expected alert without state change, got %s", status)
	}
}

func TestChannelStatusChangesAreQueued(test *testing.T) {
	test.Parallel()
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-04-01T09:00:00Z"))
	queue := channelsync.NewMemoryQueue()
	newEngine(test, world, WithSyncQueue(queue))

	input := testkit.Input(test, "booking_com", "2025-05-01", "2025-05-03")
	input.ChannelBookingID = "BDC-1"
	reservation := world.MustConfirm(test, input)
	marked := world.MustGet(test, reservation.ID)
	if !marked.Sync.NeedsSync || marked.Sync.Channels["booking_com"].Status != booking.SyncPending {
		test.Fatalf("expected pending booking_com sync, got %+v", marked.Sync)
	}

	if _, ok, _ := queue.Dequeue(context.Background(), world.Clock.Now()); ok {
		test.Fatalf("expected sync delayed by one second")
	}
	item, ok, err := queue.Dequeue(context.Background(), world.Clock.Now().Add(time.Second))
	if err != nil || !ok {
		test.Fatalf("expected ready item, got ok=%v err=%v", ok, err)
	}
	if item.ReservationID != reservation.ID || item.Priority != channelsync.PriorityDefault || item.TargetStatus != booking.StatusConfirmed {
		test.Fatalf("unexpected item %+v", item)
	}

	if _, err := world.Service.Cancel(context.Background(), reservation.ID, testkit.Staff()); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	item, ok, _ = queue.Dequeue(context.Background(), world.Clock.Now().Add(time.Second))
	if !ok || item.Priority != channelsync.PriorityCancellation {
		test.Fatalf("expected cancellation push, got %+v", item)
	}
}

func TestDirectReservationsAreNotQueued(test *testing.T) {
	test.Parallel()
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-04-01T09:00:00Z"))
	queue := channelsync.NewMemoryQueue()
	newEngine(test, world, WithSyncQueue(queue))
	world.MustConfirm(test, testkit.Input(test, "direct", "2025-05-01", "2025-05-03"))
	if count, _ := queue.Len(context.Background()); count != 0 {
		test.Fatalf("expected no sync for direct bookings, got %d", count)
	}
}

func TestSuppressedNotifications(test *testing.T) {
	test.Parallel()
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-04-01T09:00:00Z"))
	newEngine(test, world)
	reservation := world.MustCreate(test, testkit.Input(test, "direct", "2025-05-01", "2025-05-03"))
	transitionContext := testkit.Staff()
	transitionContext.SuppressNotifications = true
	if _, err := world.Service.Transition(context.Background(), reservation.ID, booking.StatusConfirmed, transitionContext); err != nil {
		test.Fatalf("confirm: %v", err)
	}
	if world.Dispatcher.Count(reservation.ID, booking.IntentStatusChangeEmail) != 0 {
		test.Fatalf("expected suppressed email, got %v", world.Dispatcher.Kinds())
	}
}

func TestFailingRuleDoesNotStopOthers(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.WarnLevel)
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-04-01T09:00:00Z"))
	engine := newEngine(test, world, WithLogger(zap.New(core)))
	if err := engine.AddRule(Rule{
		ID:      "always_fails",
		Trigger: TriggerStatusChange,
		Enabled: true,
		Action: func(context.Context, booking.Event) error {
			return errors.New("downstream unavailable")
		},
	}); err != nil {
		test.Fatalf("add rule: %v", err)
	}

	reservation := world.MustConfirm(test, testkit.Input(test, "direct", "2025-05-01", "2025-05-03"))
	if reservation.Status != booking.StatusConfirmed {
		test.Fatalf("expected transition kept, got %s", reservation.Status)
	}
	if world.Dispatcher.Count(reservation.ID, booking.IntentStaffBroadcast) != 1 {
		test.Fatalf("expected notifications despite failing rule, got %v", world.Dispatcher.Kinds())
	}
	failures := logs.FilterMessage("workflow rule failed").All()
	if len(failures) != 1 || failures[0].ContextMap()["rule"] != "always_fails" {
		test.Fatalf("expected one logged failure, got %v", failures)
	}

	if err := engine.SetEnabled("always_fails", false); err != nil {
		test.Fatalf("disable: %v", err)
	}
	if err := engine.SetEnabled("missing", false); !errors.Is(err, ErrRuleNotFound) {
		test.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestEventDepthIsBounded(test *testing.T) {
	test.Parallel()
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-04-01T09:00:00Z"))
	engine := newEngine(test, world)
	reservation := world.MustCreate(test, testkit.Input(test, "direct", "2025-05-01", "2025-05-03"))
	world.Dispatcher.Reset()

	deep := context.WithValue(context.Background(), depthKey{}, maxEventDepth)
	engine.OnEvent(deep, booking.StatusChanged{Reservation: reservation, From: booking.StatusPending, To: booking.StatusConfirmed})
	if len(world.Dispatcher.Intents()) != 0 {
		test.Fatalf("expected event dropped at max depth, got %v", world.Dispatcher.Kinds())
	}
	engine.OnEvent(context.Background(), booking.StatusChanged{Reservation: reservation, From: booking.StatusPending, To: booking.StatusConfirmed})
	if len(world.Dispatcher.Intents()) != 2 {
		test.Fatalf("expected notifications at depth zero, got %v", world.Dispatcher.Kinds())
	}
}

func TestAddRuleValidation(test *testing.T) {
	test.Parallel()
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-04-01T09:00:00Z"))
	engine := newEngine(test, world)
	testCases := []struct {
		name string
		rule Rule
	}{
		{name: "missing id", rule: Rule{Trigger: TriggerStatusChange, Action: func(context.Context, booking.Event) error { return nil }}},
		{name: "duplicate id", rule: Rule{ID: RuleSendNotifications, Trigger: TriggerStatusChange, Action: func(context.Context, booking.Event) error { return nil }}},
		{name: "scheduled without interval", rule: Rule{ID: "tick", Trigger: TriggerScheduled, Scheduled: func(context.Context, time.Time) error { return nil }}},
		{name: "unknown trigger", rule: Rule{ID: "odd", Trigger: "weekly", Action: func(context.Context, booking.Event) error { return nil }}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			if err := engine.AddRule(testCase.rule); !errors.Is(err, ErrInvalidRule) {
				test.Fatalf("expected ErrInvalidRule, got %v", err)
			}
		})
	}
	if len(engine.Rules()) != 7 {
		test.Fatalf("expected the seven canonical rules, got %d", len(engine.Rules()))
	}
}

func TestStartRunsScheduledRules(test *testing.T) {
	test.Parallel()
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-03-01T10:00:00Z"))
	engine := newEngine(test, world)
	reservation := world.MustCreate(test, testkit.Input(test, "direct", "2025-03-10", "2025-03-12"))
	world.Clock.Set(testkit.MustTime(test, "2025-03-01T10:16:00Z"))

	engine.Start(context.Background())
	defer engine.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for world.MustGet(test, reservation.ID).Status != booking.StatusCancelled {
		if time.Now().After(deadline) {
			test.Fatalf("expected expired hold released on start")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewEngineRequiresDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewEngine(nil, nil); !errors.Is(err, ErrInvalidEngineConfig) {
		test.Fatalf("expected ErrInvalidEngineConfig, got %v", err)
	}
}
