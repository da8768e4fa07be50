package inventory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/clock"
)

type stubStore struct {
	mu          sync.Mutex
	days        map[string]Day
	configs     map[string]AllotmentConfig
	saveCalls   int
	conflictsOn int
	listErr     error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{days: make(map[string]Day), configs: make(map[string]AllotmentConfig)}
}

func (store *stubStore) GetInventoryDay(_ context.Context, key DayKey) (Day, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	day, ok := store.days[key.String()]
	if !ok {
		return Day{}, ErrDayNotFound
	}
	return day.Clone(), nil
}

func (store *stubStore) SaveInventoryDay(_ context.Context, day Day, expectedVersion int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.saveCalls++
	if store.conflictsOn > 0 {
		store.conflictsOn--
		return ErrVersionConflict
	}
	current, ok := store.days[day.Key.String()]
	if ok && current.Version != expectedVersion {
		return ErrVersionConflict
	}
	if !ok && expectedVersion != 0 {
		return ErrVersionConflict
	}
	store.days[day.Key.String()] = day.Clone()
	return nil
}

func (store *stubStore) ListInventoryDays(_ context.Context, hotelID string, roomTypeID string, from time.Time, to time.Time) ([]Day, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listErr != nil {
		return nil, store.listErr
	}
	var days []Day
	for _, day := range store.days {
		if day.Key.HotelID != hotelID || day.Key.RoomTypeID != roomTypeID {
			continue
		}
		if day.Key.Date.Before(from) || day.Key.Date.After(to) {
			continue
		}
		days = append(days, day.Clone())
	}
	sort.Slice(days, func(left, right int) bool { return days[left].Key.Date.Before(days[right].Key.Date) })
	return days, nil
}

func (store *stubStore) GetAllotmentConfig(_ context.Context, hotelID string, roomTypeID string) (AllotmentConfig, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	config, ok := store.configs[hotelID+"/"+roomTypeID]
	if !ok {
		return AllotmentConfig{}, ErrConfigNotFound
	}
	return config, nil
}

func (store *stubStore) SaveAllotmentConfig(_ context.Context, config AllotmentConfig) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.configs[config.HotelID+"/"+config.RoomTypeID] = config
	return nil
}

func (store *stubStore) putDay(day Day) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.days[day.Key.String()] = day.Clone()
}

func (store *stubStore) mustDay(test *testing.T, key DayKey) Day {
	test.Helper()
	day, err := store.GetInventoryDay(context.Background(), key)
	if err != nil {
		test.Fatalf("load day %s: %v", key, err)
	}
	return day
}

func mustDate(test *testing.T, raw string) time.Time {
	test.Helper()
	date, err := ParseDate(raw)
	if err != nil {
		test.Fatalf("parse date %q: %v", raw, err)
	}
	return date
}

func mustNewLedger(test *testing.T, store Store, now time.Time) *Ledger {
	test.Helper()
	ledger, err := NewLedger(store, clock.NewManual(now))
	if err != nil {
		test.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func mustConfigure(test *testing.T, ledger *Ledger, config AllotmentConfig) {
	test.Helper()
	if err := ledger.ConfigureAllotment(context.Background(), config); err != nil {
		test.Fatalf("configure allotment: %v", err)
	}
}

func mustBook(test *testing.T, ledger *Ledger, key DayKey, channel Channel, rooms int) Day {
	test.Helper()
	day, err := ledger.Book(context.Background(), key, channel, rooms)
	if err != nil {
		test.Fatalf("book %d on %s: %v", rooms, key, err)
	}
	return day
}

func standardConfig(total int, overbookingAllowed bool, overbookingLimit int) AllotmentConfig {
	return AllotmentConfig{
		HotelID:    "H1",
		RoomTypeID: "STD",
		Channels: []ChannelConfig{
			{Channel: ChannelDirect, Enabled: true, Priority: 3},
			{Channel: ChannelBookingCom, Enabled: true, Priority: 2},
			{Channel: ChannelExpedia, Enabled: true, Priority: 1},
		},
		Defaults: DefaultSettings{TotalInventory: total, OverbookingAllowed: overbookingAllowed, OverbookingLimit: overbookingLimit},
	}
}

var errStoreDown = errors.New("store down")
