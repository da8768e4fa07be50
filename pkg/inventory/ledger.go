package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultSaveRetries       = 3
	defaultUtilizationWindow = 30
	defaultUtilization       = 50
)

// LedgerOption configures a Ledger instance.
type LedgerOption func(*Ledger)

// WithLogger wires a zap logger.
func WithLogger(logger *zap.Logger) LedgerOption {
	return func(ledger *Ledger) {
		if logger != nil {
			ledger.logger = logger
		}
	}
}

// Ledger owns every mutation of inventory days.
type Ledger struct {
	store  Store
	clock  clock.Clock
	locks  *keyLocks
	logger *zap.Logger
	rules  *RuleEngine
}

// NewLedger wires a Ledger.
func NewLedger(store Store, clk clock.Clock, options ...LedgerOption) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidLedgerConfig)
	}
	if clk == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidLedgerConfig)
	}
	ledger := &Ledger{store: store, clock: clk, locks: newKeyLocks(), logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(ledger)
		}
	}
	ledger.rules = &RuleEngine{ledger: ledger}
	return ledger, nil
}

// Rules returns the allocation rule engine bound to this ledger.
func (ledger *Ledger) Rules() *RuleEngine {
	return ledger.rules
}

// ConfigureAllotment validates and stores an allotment configuration.
func (ledger *Ledger) ConfigureAllotment(ctx context.Context, config AllotmentConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	config.UpdatedAt = ledger.clock.Now()
	return ledger.store.SaveAllotmentConfig(ctx, config)
}

// Allotment returns the stored allotment configuration.
func (ledger *Ledger) Allotment(ctx context.Context, hotelID string, roomTypeID string) (AllotmentConfig, error) {
	return ledger.store.GetAllotmentConfig(ctx, hotelID, roomTypeID)
}

// Day returns the stored day, or the day the allotment would materialize.
func (ledger *Ledger) Day(ctx context.Context, key DayKey) (Day, error) {
	return ledger.load(ctx, NewDayKey(key.HotelID, key.RoomTypeID, key.Date))
}

// Days lists stored days in [from, to].
func (ledger *Ledger) Days(ctx context.Context, hotelID string, roomTypeID string, from time.Time, to time.Time) ([]Day, error) {
	return ledger.store.ListInventoryDays(ctx, hotelID, roomTypeID, TruncateDate(from), TruncateDate(to))
}

// Allocate sets a channel allocation on one day.
func (ledger *Ledger) Allocate(ctx context.Context, key DayKey, channel Channel, quantity int) (Day, error) {
	return ledger.mutate(ctx, key, func(day *Day) error {
		return day.Allocate(channel, quantity, ledger.clock.Now())
	})
}

// Book sells rooms on one day.
func (ledger *Ledger) Book(ctx context.Context, key DayKey, channel Channel, rooms int) (Day, error) {
	return ledger.mutate(ctx, key, func(day *Day) error {
		return day.Book(channel, rooms)
	})
}

// Release returns rooms on one day.
func (ledger *Ledger) Release(ctx context.Context, key DayKey, channel Channel, rooms int) (Day, error) {
	return ledger.mutate(ctx, key, func(day *Day) error {
		return day.Release(channel, rooms)
	})
}

// Block takes rooms out of sale on one day.
func (ledger *Ledger) Block(ctx context.Context, key DayKey, channel Channel, rooms int) (Day, error) {
	return ledger.mutate(ctx, key, func(day *Day) error {
		return day.Block(channel, rooms)
	})
}

// Unblock returns blocked rooms to sale on one day.
func (ledger *Ledger) Unblock(ctx context.Context, key DayKey, channel Channel, rooms int) (Day, error) {
	return ledger.mutate(ctx, key, func(day *Day) error {
		return day.Unblock(channel, rooms)
	})
}

// UpdateRate sets a channel rate on one day.
func (ledger *Ledger) UpdateRate(ctx context.Context, key DayKey, channel Channel, rate decimal.Decimal) (Day, error) {
	return ledger.mutate(ctx, key, func(day *Day) error {
		return day.UpdateRate(channel, rate, ledger.clock.Now())
	})
}

// BookStay books every night of the stay or none of them.
func (ledger *Ledger) BookStay(ctx context.Context, stay Stay) error {
	if err := ledger.checkRestrictions(ctx, stay); err != nil {
		return err
	}
	unlock := ledger.locks.lock(stayLockKeys(stay)...)
	defer unlock()
	return ledger.bookStayLocked(ctx, stay)
}

// ReleaseStay releases every night of the stay.
func (ledger *Ledger) ReleaseStay(ctx context.Context, stay Stay) error {
	unlock := ledger.locks.lock(stayLockKeys(stay)...)
	defer unlock()
	return ledger.releaseStayLocked(ctx, stay)
}

// Rebook moves a stay to new dates or rooms. On failure the previous stay is restored.
func (ledger *Ledger) Rebook(ctx context.Context, previous Stay, next Stay) error {
	if err := ledger.checkRestrictions(ctx, next); err != nil {
		return err
	}
	keys := append(stayLockKeys(previous), stayLockKeys(next)...)
	unlock := ledger.locks.lock(keys...)
	defer unlock()

	if err := ledger.releaseStayLocked(ctx, previous); err != nil {
		return err
	}
	if err := ledger.bookStayLocked(ctx, next); err != nil {
		if restoreErr := ledger.bookStayLocked(ctx, previous); restoreErr != nil {
			ledger.logger.Error("restore stay after failed rebook",
				zap.String("hotel_id", previous.HotelID),
				zap.String("channel", previous.Channel.String()),
				zap.Error(restoreErr))
		}
		return err
	}
	return nil
}

// Utilization averages sold/allocated (percent) over the window before date.
func (ledger *Ledger) Utilization(ctx context.Context, hotelID string, roomTypeID string, channel Channel, date time.Time) (decimal.Decimal, error) {
	end := TruncateDate(date).AddDate(0, 0, -1)
	start := end.AddDate(0, 0, -(defaultUtilizationWindow - 1))
	days, err := ledger.store.ListInventoryDays(ctx, hotelID, roomTypeID, start, end)
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	samples := 0
	for _, day := range days {
		bucket, ok := day.Bucket(channel)
		if !ok || bucket.Allocated <= 0 {
			continue
		}
		ratio := decimal.NewFromInt(int64(bucket.Sold)).Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(int64(bucket.Allocated)))
		sum = sum.Add(ratio)
		samples++
	}
	if samples == 0 {
		return decimal.NewFromInt(defaultUtilization), nil
	}
	return sum.Div(decimal.NewFromInt(int64(samples))), nil
}

func (ledger *Ledger) checkRestrictions(ctx context.Context, stay Stay) error {
	for _, roomType := range stay.RoomTypes() {
		config, err := ledger.store.GetAllotmentConfig(ctx, stay.HotelID, roomType)
		if errors.Is(err, ErrConfigNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := config.CheckStay(stay); err != nil {
			return err
		}
	}
	return nil
}

type bookedNight struct {
	key   DayKey
	rooms int
}

func (ledger *Ledger) bookStayLocked(ctx context.Context, stay Stay) error {
	var booked []bookedNight
	for _, night := range stay.Nights() {
		for _, roomType := range stay.RoomTypes() {
			rooms := stay.Rooms[roomType]
			if rooms <= 0 {
				continue
			}
			key := NewDayKey(stay.HotelID, roomType, night)
			_, err := ledger.mutateLocked(ctx, key, func(day *Day) error {
				return day.Book(stay.Channel, rooms)
			})
			if err != nil {
				ledger.rollback(ctx, stay.Channel, booked)
				return err
			}
			booked = append(booked, bookedNight{key: key, rooms: rooms})
		}
	}
	return nil
}

func (ledger *Ledger) releaseStayLocked(ctx context.Context, stay Stay) error {
	for _, night := range stay.Nights() {
		for _, roomType := range stay.RoomTypes() {
			rooms := stay.Rooms[roomType]
			if rooms <= 0 {
				continue
			}
			key := NewDayKey(stay.HotelID, roomType, night)
			_, err := ledger.mutateLocked(ctx, key, func(day *Day) error {
				return day.Release(stay.Channel, rooms)
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (ledger *Ledger) rollback(ctx context.Context, channel Channel, booked []bookedNight) {
	for index := len(booked) - 1; index >= 0; index-- {
		night := booked[index]
		_, err := ledger.mutateLocked(ctx, night.key, func(day *Day) error {
			return day.Release(channel, night.rooms)
		})
		if err != nil {
			ledger.logger.Error("rollback booked night",
				zap.String("day", night.key.String()),
				zap.String("channel", channel.String()),
				zap.Error(err))
		}
	}
}

func (ledger *Ledger) mutate(ctx context.Context, key DayKey, fn func(day *Day) error) (Day, error) {
	key = NewDayKey(key.HotelID, key.RoomTypeID, key.Date)
	unlock := ledger.locks.lock(key.String())
	defer unlock()
	return ledger.mutateLocked(ctx, key, fn)
}

// mutateLocked expects the caller to hold the key lock. The version check in the
// store guards against writers in other processes.
func (ledger *Ledger) mutateLocked(ctx context.Context, key DayKey, fn func(day *Day) error) (Day, error) {
	var lastErr error
	for attempt := 0; attempt < defaultSaveRetries; attempt++ {
		current, err := ledger.load(ctx, key)
		if err != nil {
			if errors.Is(err, ErrDayNotFound) {
				return Day{}, fmt.Errorf("%w: %w", ErrInsufficientInventory, err)
			}
			return Day{}, err
		}
		next := current.Clone()
		if err := fn(&next); err != nil {
			return Day{}, err
		}
		if err := next.Validate(); err != nil {
			return Day{}, err
		}
		next.UpdatedAt = ledger.clock.Now()
		next.Version = current.Version + 1
		err = ledger.store.SaveInventoryDay(ctx, next, current.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return Day{}, err
		}
		lastErr = err
	}
	return Day{}, lastErr
}

// load returns the stored day or materializes it from the allotment defaults.
// Materialized days carry version 0 and are persisted by the first mutation.
func (ledger *Ledger) load(ctx context.Context, key DayKey) (Day, error) {
	day, err := ledger.store.GetInventoryDay(ctx, key)
	if err == nil {
		return day, nil
	}
	if !errors.Is(err, ErrDayNotFound) {
		return Day{}, err
	}
	config, err := ledger.store.GetAllotmentConfig(ctx, key.HotelID, key.RoomTypeID)
	if errors.Is(err, ErrConfigNotFound) {
		return Day{}, fmt.Errorf("%w: %s", ErrDayNotFound, key)
	}
	if err != nil {
		return Day{}, err
	}
	return ledger.rules.materialize(ctx, config, key)
}

func stayLockKeys(stay Stay) []string {
	var keys []string
	for _, night := range stay.Nights() {
		for _, roomType := range stay.RoomTypes() {
			keys = append(keys, NewDayKey(stay.HotelID, roomType, night).String())
		}
	}
	return keys
}
