package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/clock"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/inventory"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var storeEpoch = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

func openTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/hotelcore.db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(context.Background(), db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func storedReservation(id string, number string, channelBookingID string) booking.Reservation {
	source := booking.SourceDirect
	if channelBookingID != "" {
		source = booking.SourceBookingCom
	}
	until := storeEpoch.Add(15 * time.Minute)
	return booking.Reservation{
		ID:               id,
		BookingNumber:    number,
		HotelID:          "H1",
		GuestID:          "G1",
		CheckIn:          time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		CheckOut:         time.Date(2025, 5, 3, 0, 0, 0, 0, time.UTC),
		Rooms:            []booking.RoomLine{{RoomID: "101", RoomTypeID: "STD", NightlyRateCents: 5000}},
		TotalAmountCents: 10000,
		Currency:         "USD",
		Payment:          booking.PaymentDetails{Status: booking.PaymentPending},
		Status:           booking.StatusPending,
		ReservedUntil:    &until,
		Source:           source,
		ChannelBookingID: channelBookingID,
		Version:          1,
		CreatedAt:        storeEpoch,
		UpdatedAt:        storeEpoch,
	}
}

func mustCreateReservation(test *testing.T, store *Store, reservation booking.Reservation) {
	test.Helper()
	if err := store.CreateReservation(context.Background(), reservation); err != nil {
		test.Fatalf("create %s: %v", reservation.ID, err)
	}
}

func TestReservationRoundTripAndLookups(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	mustCreateReservation(test, store, storedReservation("R1", "BK20250401001", "BDC-1"))

	byID, err := store.GetReservation(ctx, "R1")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if byID.BookingNumber != "BK20250401001" || byID.Version != 1 || !byID.ReservedUntil.Equal(storeEpoch.Add(15*time.Minute)) {
		test.Fatalf("unexpected reservation %+v", byID)
	}
	if _, err := store.GetReservationByBookingNumber(ctx, "BK20250401001"); err != nil {
		test.Fatalf("get by booking number: %v", err)
	}
	if _, err := store.FindByChannelBooking(ctx, booking.SourceBookingCom, "BDC-1"); err != nil {
		test.Fatalf("find by channel booking: %v", err)
	}
	if _, err := store.GetReservation(ctx, "missing"); !errors.Is(err, booking.ErrReservationNotFound) {
		test.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestReservationUniqueness(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	mustCreateReservation(test, store, storedReservation("R1", "BK20250401001", "BDC-1"))
	mustCreateReservation(test, store, storedReservation("R2", "BK20250401002", ""))
	mustCreateReservation(test, store, storedReservation("R3", "BK20250401003", ""))

	err := store.CreateReservation(context.Background(), storedReservation("R4", "BK20250401001", ""))
	if !errors.Is(err, booking.ErrDuplicateBookingNumber) {
		test.Fatalf("expected ErrDuplicateBookingNumber, got %v", err)
	}
	err = store.CreateReservation(context.Background(), storedReservation("R5", "BK20250401005", "BDC-1"))
	if !errors.Is(err, booking.ErrDuplicateChannelBooking) {
		test.Fatalf("expected ErrDuplicateChannelBooking, got %v", err)
	}
}

func TestUpdateReservationChecksVersion(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	reservation := storedReservation("R1", "BK20250401001", "")
	mustCreateReservation(test, store, reservation)

	reservation.Status = booking.StatusConfirmed
	reservation.ReservedUntil = nil
	reservation.Version = 2
	if err := store.UpdateReservation(ctx, reservation, 1); err != nil {
		test.Fatalf("update: %v", err)
	}
	if err := store.UpdateReservation(ctx, reservation, 1); !errors.Is(err, booking.ErrConflictingVersion) {
		test.Fatalf("expected ErrConflictingVersion, got %v", err)
	}
	missing := storedReservation("R9", "BK20250401009", "")
	if err := store.UpdateReservation(ctx, missing, 1); !errors.Is(err, booking.ErrReservationNotFound) {
		test.Fatalf("expected ErrReservationNotFound, got %v", err)
	}

	loaded, err := store.GetReservation(ctx, "R1")
	if err != nil || loaded.Status != booking.StatusConfirmed || loaded.Version != 2 || loaded.ReservedUntil != nil {
		test.Fatalf("unexpected stored reservation %+v (%v)", loaded, err)
	}
}

func TestListReservationsFilters(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()

	hold := storedReservation("R1", "BK20250401001", "")
	confirmed := storedReservation("R2", "BK20250401002", "BDC-2")
	confirmed.Status = booking.StatusConfirmed
	confirmed.ReservedUntil = nil
	confirmed.Sync.NeedsSync = true
	confirmed.CreatedAt = storeEpoch.Add(time.Minute)
	mustCreateReservation(test, store, hold)
	mustCreateReservation(test, store, confirmed)

	cutoff := storeEpoch.Add(20 * time.Minute)
	needsSync := true
	checkInCutoff := time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)
	testCases := []struct {
		name   string
		filter booking.ReservationFilter
		want   []string
	}{
		{name: "all", filter: booking.ReservationFilter{}, want: []string{"R1", "R2"}},
		{name: "expired holds", filter: booking.ReservationFilter{Statuses: []booking.Status{booking.StatusPending}, ReservedUntilBefore: &cutoff}, want: []string{"R1"}},
		{name: "needs sync", filter: booking.ReservationFilter{NeedsSync: &needsSync}, want: []string{"R2"}},
		{name: "check-in before", filter: booking.ReservationFilter{Statuses: []booking.Status{booking.StatusConfirmed}, CheckInBefore: &checkInCutoff}, want: []string{"R2"}},
		{name: "limit", filter: booking.ReservationFilter{Limit: 1}, want: []string{"R1"}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			reservations, err := store.ListReservations(ctx, testCase.filter)
			if err != nil {
				test.Fatalf("list: %v", err)
			}
			if len(reservations) != len(testCase.want) {
				test.Fatalf("expected %v, got %d reservations", testCase.want, len(reservations))
			}
			for index, reservation := range reservations {
				if reservation.ID != testCase.want[index] {
					test.Fatalf("expected %v, got %s at %d", testCase.want, reservation.ID, index)
				}
			}
		})
	}
}

func TestWithTxRollsBack(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	failure := errors.New("abort")
	err := store.WithTx(ctx, func(ctx context.Context, txStore booking.Store) error {
		if err := txStore.CreateReservation(ctx, storedReservation("R1", "BK20250401001", "")); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		test.Fatalf("expected abort, got %v", err)
	}
	if _, err := store.GetReservation(ctx, "R1"); !errors.Is(err, booking.ErrReservationNotFound) {
		test.Fatalf("expected rollback, got %v", err)
	}
}

func TestHistoryArchiveAndAudit(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	entries := []booking.StatusHistoryEntry{
		{Status: booking.StatusPending, At: storeEpoch},
		{Status: booking.StatusConfirmed, At: storeEpoch.Add(time.Minute)},
	}
	if err := store.ArchiveStatusHistory(ctx, "R1", entries[:1]); err != nil {
		test.Fatalf("archive: %v", err)
	}
	if err := store.ArchiveStatusHistory(ctx, "R1", entries[1:]); err != nil {
		test.Fatalf("archive: %v", err)
	}
	archived, err := store.ArchivedHistory(ctx, "R1")
	if err != nil || len(archived) != 2 || archived[1].Status != booking.StatusConfirmed {
		test.Fatalf("unexpected archive %+v (%v)", archived, err)
	}

	if err := store.AppendAudit(ctx, booking.AuditEntry{ID: "A1", ReservationID: "R1", Operation: "transition", Outcome: "success", At: storeEpoch}); err != nil {
		test.Fatalf("append audit: %v", err)
	}
	audits, err := store.Audits(ctx, "R1")
	if err != nil || len(audits) != 1 || audits[0].Operation != "transition" {
		test.Fatalf("unexpected audits %+v (%v)", audits, err)
	}
}

func TestInventoryDayVersioning(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	key := inventory.NewDayKey("H1", "STD", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))

	if _, err := store.GetInventoryDay(ctx, key); !errors.Is(err, inventory.ErrDayNotFound) {
		test.Fatalf("expected ErrDayNotFound, got %v", err)
	}
	day := inventory.NewDay(key, 10, false, 0, []inventory.Channel{inventory.ChannelDirect})
	day.Buckets[inventory.ChannelDirect].Allocated = 5
	day.Version = 1
	if err := store.SaveInventoryDay(ctx, day, 0); err != nil {
		test.Fatalf("insert day: %v", err)
	}
	if err := store.SaveInventoryDay(ctx, day, 0); !errors.Is(err, inventory.ErrVersionConflict) {
		test.Fatalf("expected conflict on second insert, got %v", err)
	}

	day.Buckets[inventory.ChannelDirect].Sold = 1
	day.Version = 2
	if err := store.SaveInventoryDay(ctx, day, 1); err != nil {
		test.Fatalf("update day: %v", err)
	}
	if err := store.SaveInventoryDay(ctx, day, 1); !errors.Is(err, inventory.ErrVersionConflict) {
		test.Fatalf("expected stale update rejected, got %v", err)
	}

	loaded, err := store.GetInventoryDay(ctx, key)
	if err != nil {
		test.Fatalf("get day: %v", err)
	}
	bucket, _ := loaded.Bucket(inventory.ChannelDirect)
	if loaded.Version != 2 || bucket.Sold != 1 || bucket.Allocated != 5 {
		test.Fatalf("unexpected day %+v bucket %+v", loaded, bucket)
	}
	days, err := store.ListInventoryDays(ctx, "H1", "STD", key.Date, key.Date.AddDate(0, 0, 3))
	if err != nil || len(days) != 1 {
		test.Fatalf("expected one listed day, got %d (%v)", len(days), err)
	}
}

func TestAllotmentConfigUpsert(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	config := inventory.AllotmentConfig{HotelID: "H1", RoomTypeID: "STD", Defaults: inventory.DefaultSettings{TotalInventory: 10}, UpdatedAt: storeEpoch}
	if err := store.SaveAllotmentConfig(ctx, config); err != nil {
		test.Fatalf("save: %v", err)
	}
	config.Defaults.TotalInventory = 12
	config.UpdatedAt = storeEpoch.Add(time.Hour)
	if err := store.SaveAllotmentConfig(ctx, config); err != nil {
		test.Fatalf("resave: %v", err)
	}
	loaded, err := store.GetAllotmentConfig(ctx, "H1", "STD")
	if err != nil || loaded.Defaults.TotalInventory != 12 {
		test.Fatalf("unexpected config %+v (%v)", loaded, err)
	}
	var record AllotmentRecord
	if err := store.db.WithContext(ctx).Where("hotel_id = ? AND room_type_id = ?", "H1", "STD").Take(&record).Error; err != nil {
		test.Fatalf("load record: %v", err)
	}
	if !record.UpdatedAt.Equal(storeEpoch.Add(time.Hour)) {
		test.Fatalf("expected updated_at from the config clock, got %s", record.UpdatedAt)
	}
	if _, err := store.GetAllotmentConfig(ctx, "H1", "DLX"); !errors.Is(err, inventory.ErrConfigNotFound) {
		test.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestServiceOverGormStore(test *testing.T) {
	test.Parallel()
	store := openTestStore(test)
	ctx := context.Background()
	clk := clock.NewManual(storeEpoch)
	ledger, err := inventory.NewLedger(store, clk)
	if err != nil {
		test.Fatalf("new ledger: %v", err)
	}
	if err := ledger.ConfigureAllotment(ctx, inventory.AllotmentConfig{
		HotelID:    "H1",
		RoomTypeID: "STD",
		Channels:   []inventory.ChannelConfig{{Channel: inventory.ChannelDirect, Enabled: true}},
		Rules: []inventory.AllocationRule{{
			ID: "all-direct", Type: inventory.RuleFixed, Active: true,
			Fixed: map[inventory.Channel]int{inventory.ChannelDirect: 10},
		}},
		Defaults: inventory.DefaultSettings{TotalInventory: 10},
	}); err != nil {
		test.Fatalf("configure: %v", err)
	}
	service, err := booking.NewService(store, clk, booking.WithInventory(ledger))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}

	created, err := service.Create(ctx, booking.CreateInput{
		HotelID:          "H1",
		GuestID:          "G1",
		CheckIn:          time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		CheckOut:         time.Date(2025, 5, 3, 0, 0, 0, 0, time.UTC),
		Rooms:            []booking.RoomLine{{RoomID: "101", RoomTypeID: "STD", NightlyRateCents: 5000}},
		TotalAmountCents: 10000,
		Actor:            booking.Actor{Source: booking.ActorStaff, UserID: "staff-1"},
	})
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	result, err := service.Transition(ctx, created.ID, booking.StatusConfirmed, booking.TransitionContext{Actor: booking.Actor{Source: booking.ActorStaff, UserID: "staff-1"}})
	if err != nil {
		test.Fatalf("confirm: %v", err)
	}
	if result.Reservation.Version != 2 || !result.Reservation.InventoryHeld {
		test.Fatalf("unexpected confirmed reservation %+v", result.Reservation)
	}
	day, err := ledger.Day(ctx, inventory.NewDayKey("H1", "STD", time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		test.Fatalf("load day: %v", err)
	}
	if bucket, _ := day.Bucket(inventory.ChannelDirect); bucket.Sold != 1 {
		test.Fatalf("expected sold=1, got %+v", bucket)
	}
	audits, err := store.Audits(ctx, created.ID)
	if err != nil || len(audits) != 2 {
		test.Fatalf("expected create and transition audits, got %d (%v)", len(audits), err)
	}
}
