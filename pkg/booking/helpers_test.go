package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/clock"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/inventory"
)

type stubStore struct {
	mu             sync.Mutex
	reservations   map[string]Reservation
	archived       map[string][]StatusHistoryEntry
	audits         []AuditEntry
	conflicts      int
	takenNumbers   map[string]bool
	updateFailures error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		reservations: make(map[string]Reservation),
		archived:     make(map[string][]StatusHistoryEntry),
		takenNumbers: make(map[string]bool),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) CreateReservation(_ context.Context, reservation Reservation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.takenNumbers[reservation.BookingNumber] {
		return ErrDuplicateBookingNumber
	}
	store.takenNumbers[reservation.BookingNumber] = true
	store.reservations[reservation.ID] = reservation.Clone()
	return nil
}

func (store *stubStore) GetReservation(_ context.Context, reservationID string) (Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return reservation.Clone(), nil
}

func (store *stubStore) GetReservationByBookingNumber(_ context.Context, bookingNumber string) (Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, reservation := range store.reservations {
		if reservation.BookingNumber == bookingNumber {
			return reservation.Clone(), nil
		}
	}
	return Reservation{}, ErrReservationNotFound
}

func (store *stubStore) FindByChannelBooking(_ context.Context, source Source, channelBookingID string) (Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, reservation := range store.reservations {
		if reservation.Source == source && reservation.ChannelBookingID == channelBookingID {
			return reservation.Clone(), nil
		}
	}
	return Reservation{}, ErrReservationNotFound
}

func (store *stubStore) UpdateReservation(_ context.Context, reservation Reservation, expectedVersion int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.updateFailures != nil {
		return store.updateFailures
	}
	if store.conflicts > 0 {
		store.conflicts--
		return ErrConflictingVersion
	}
	current, ok := store.reservations[reservation.ID]
	if !ok {
		return ErrReservationNotFound
	}
	if current.Version != expectedVersion {
		return ErrConflictingVersion
	}
	store.reservations[reservation.ID] = reservation.Clone()
	return nil
}

func (store *stubStore) ListReservations(_ context.Context, filter ReservationFilter) ([]Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var matches []Reservation
	for _, reservation := range store.reservations {
		if len(filter.Statuses) > 0 && reservation.Status != filter.Statuses[0] {
			continue
		}
		if filter.ReservedUntilBefore != nil && (reservation.ReservedUntil == nil || !reservation.ReservedUntil.Before(*filter.ReservedUntilBefore)) {
			continue
		}
		if filter.CheckInBefore != nil && !reservation.CheckIn.Before(*filter.CheckInBefore) {
			continue
		}
		if filter.NeedsSync != nil && reservation.Sync.NeedsSync != *filter.NeedsSync {
			continue
		}
		matches = append(matches, reservation.Clone())
	}
	return matches, nil
}

func (store *stubStore) ArchiveStatusHistory(_ context.Context, reservationID string, entries []StatusHistoryEntry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.archived[reservationID] = append(store.archived[reservationID], entries...)
	return nil
}

func (store *stubStore) AppendAudit(_ context.Context, entry AuditEntry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.audits = append(store.audits, entry)
	return nil
}

func (store *stubStore) mustReservation(test *testing.T, reservationID string) Reservation {
	test.Helper()
	reservation, err := store.GetReservation(context.Background(), reservationID)
	if err != nil {
		test.Fatalf("load reservation %s: %v", reservationID, err)
	}
	return reservation
}

type inventoryCall struct {
	operation string
	stay      inventory.Stay
}

type fakeInventory struct {
	mu      sync.Mutex
	calls   []inventoryCall
	bookErr error
}

func (fake *fakeInventory) BookStay(_ context.Context, stay inventory.Stay) error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.bookErr != nil {
		return fake.bookErr
	}
	fake.calls = append(fake.calls, inventoryCall{operation: "book", stay: stay})
	return nil
}

func (fake *fakeInventory) ReleaseStay(_ context.Context, stay inventory.Stay) error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.calls = append(fake.calls, inventoryCall{operation: "release", stay: stay})
	return nil
}

func (fake *fakeInventory) Rebook(_ context.Context, previous inventory.Stay, next inventory.Stay) error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.calls = append(fake.calls, inventoryCall{operation: "rebook", stay: next})
	return nil
}

func (fake *fakeInventory) operations() []string {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	operations := make([]string, 0, len(fake.calls))
	for _, call := range fake.calls {
		operations = append(operations, call.operation)
	}
	return operations
}

type recordingDispatcher struct {
	mu      sync.Mutex
	intents []Intent
}

func (dispatcher *recordingDispatcher) Emit(_ context.Context, intent Intent) error {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	dispatcher.intents = append(dispatcher.intents, intent)
	return nil
}

func (dispatcher *recordingDispatcher) kinds() []IntentKind {
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	kinds := make([]IntentKind, 0, len(dispatcher.intents))
	for _, intent := range dispatcher.intents {
		kinds = append(kinds, intent.Kind)
	}
	return kinds
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

type testHarness struct {
	store      *stubStore
	clock      *clock.Manual
	inventory  *fakeInventory
	dispatcher *recordingDispatcher
	logger     *recorderLogger
	service    *Service
}

func newHarness(test *testing.T, now time.Time, options ...ServiceOption) *testHarness {
	test.Helper()
	harness := &testHarness{
		store:      newStubStore(test),
		clock:      clock.NewManual(now),
		inventory:  &fakeInventory{},
		dispatcher: &recordingDispatcher{},
		logger:     &recorderLogger{},
	}
	sequence := 0
	base := []ServiceOption{
		WithInventory(harness.inventory),
		WithDispatcher(harness.dispatcher),
		WithOperationLogger(harness.logger),
		WithIDGenerator(func() string {
			sequence++
			return fmt.Sprintf("id-%03d", sequence)
		}),
	}
	service, err := NewService(harness.store, harness.clock, append(base, options...)...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	harness.service = service
	return harness
}

func mustTime(test *testing.T, raw string) time.Time {
	test.Helper()
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		test.Fatalf("parse time %q: %v", raw, err)
	}
	return parsed.UTC()
}

func standardInput(test *testing.T, checkIn string, checkOut string) CreateInput {
	test.Helper()
	return CreateInput{
		HotelID:          "H1",
		GuestID:          "G1",
		CheckIn:          mustTime(test, checkIn),
		CheckOut:         mustTime(test, checkOut),
		Rooms:            []RoomLine{{RoomID: "101", RoomTypeID: "STD", NightlyRateCents: 5000}},
		TotalAmountCents: 10000,
		Source:           "direct",
		Actor:            Actor{Source: ActorGuest, UserID: "G1"},
	}
}

func (harness *testHarness) mustCreate(test *testing.T, input CreateInput) Reservation {
	test.Helper()
	reservation, err := harness.service.Create(context.Background(), input)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	return reservation
}

func (harness *testHarness) mustTransition(test *testing.T, reservationID string, target Status, transitionContext TransitionContext) TransitionResult {
	test.Helper()
	result, err := harness.service.Transition(context.Background(), reservationID, target, transitionContext)
	if err != nil {
		test.Fatalf("transition to %s: %v", target, err)
	}
	return result
}

func staff() TransitionContext {
	return TransitionContext{Actor: Actor{Source: ActorStaff, UserID: "staff-1"}}
}

var errBoom = errors.New("boom")
