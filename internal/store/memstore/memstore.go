// Package memstore keeps reservations and inventory in process memory. It backs
// tests and single-process development runs.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/inventory"
)

type state struct {
	reservations map[string]booking.Reservation
	archives     map[string][]booking.StatusHistoryEntry
	audits       []booking.AuditEntry
	days         map[string]inventory.Day
	configs      map[string]inventory.AllotmentConfig
}

func (current *state) clone() *state {
	return &state{
		reservations: maps.Clone(current.reservations),
		archives:     maps.Clone(current.archives),
		audits:       slices.Clone(current.audits),
		days:         maps.Clone(current.days),
		configs:      maps.Clone(current.configs),
	}
}

// Store implements booking.Store and inventory.Store.
type Store struct {
	mu    *sync.Mutex
	state *state
	inTx  bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		mu: &sync.Mutex{},
		state: &state{
			reservations: make(map[string]booking.Reservation),
			archives:     make(map[string][]booking.StatusHistoryEntry),
			days:         make(map[string]inventory.Day),
			configs:      make(map[string]inventory.AllotmentConfig),
		},
	}
}

func (store *Store) lock() func() {
	if store.inTx {
		return func() {}
	}
	store.mu.Lock()
	return store.mu.Unlock
}

// WithTx runs fn against a copy of the state and publishes it when fn succeeds.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	working := &Store{mu: store.mu, state: store.state.clone(), inTx: true}
	if err := fn(ctx, working); err != nil {
		return err
	}
	store.state = working.state
	return nil
}

// CreateReservation stores a new reservation.
func (store *Store) CreateReservation(_ context.Context, reservation booking.Reservation) error {
	defer store.lock()()
	if _, exists := store.state.reservations[reservation.ID]; exists {
		return fmt.Errorf("%w: id %s", booking.ErrDuplicateBookingNumber, reservation.ID)
	}
	for _, existing := range store.state.reservations {
		if existing.BookingNumber == reservation.BookingNumber {
			return fmt.Errorf("%w: %s", booking.ErrDuplicateBookingNumber, reservation.BookingNumber)
		}
		if reservation.ChannelBookingID != "" && existing.Source == reservation.Source && existing.ChannelBookingID == reservation.ChannelBookingID {
			return fmt.Errorf("%w: %s/%s", booking.ErrDuplicateChannelBooking, reservation.Source, reservation.ChannelBookingID)
		}
	}
	store.state.reservations[reservation.ID] = reservation.Clone()
	return nil
}

// GetReservation loads a reservation by id.
func (store *Store) GetReservation(_ context.Context, reservationID string) (booking.Reservation, error) {
	defer store.lock()()
	reservation, ok := store.state.reservations[reservationID]
	if !ok {
		return booking.Reservation{}, fmt.Errorf("%w: %s", booking.ErrReservationNotFound, reservationID)
	}
	return reservation.Clone(), nil
}

// GetReservationByBookingNumber loads a reservation by booking number.
func (store *Store) GetReservationByBookingNumber(_ context.Context, bookingNumber string) (booking.Reservation, error) {
	defer store.lock()()
	for _, reservation := range store.state.reservations {
		if reservation.BookingNumber == bookingNumber {
			return reservation.Clone(), nil
		}
	}
	return booking.Reservation{}, fmt.Errorf("%w: booking number %s", booking.ErrReservationNotFound, bookingNumber)
}

// FindByChannelBooking loads a reservation by (source, channel booking id).
func (store *Store) FindByChannelBooking(_ context.Context, source booking.Source, channelBookingID string) (booking.Reservation, error) {
	defer store.lock()()
	for _, reservation := range store.state.reservations {
		if channelBookingID != "" && reservation.Source == source && reservation.ChannelBookingID == channelBookingID {
			return reservation.Clone(), nil
		}
	}
	return booking.Reservation{}, fmt.Errorf("%w: %s/%s", booking.ErrReservationNotFound, source, channelBookingID)
}

// UpdateReservation replaces the stored reservation when the version matches.
func (store *Store) UpdateReservation(_ context.Context, reservation booking.Reservation, expectedVersion int64) error {
	defer store.lock()()
	current, ok := store.state.reservations[reservation.ID]
	if !ok {
		return fmt.Errorf("%w: %s", booking.ErrReservationNotFound, reservation.ID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: stored %d, expected %d", booking.ErrConflictingVersion, current.Version, expectedVersion)
	}
	store.state.reservations[reservation.ID] = reservation.Clone()
	return nil
}

// ListReservations returns matches ordered by creation time.
func (store *Store) ListReservations(_ context.Context, filter booking.ReservationFilter) ([]booking.Reservation, error) {
	defer store.lock()()
	var matches []booking.Reservation
	for _, reservation := range store.state.reservations {
		if matchesFilter(reservation, filter) {
			matches = append(matches, reservation.Clone())
		}
	}
	sort.Slice(matches, func(left, right int) bool {
		if matches[left].CreatedAt.Equal(matches[right].CreatedAt) {
			return matches[left].ID < matches[right].ID
		}
		return matches[left].CreatedAt.Before(matches[right].CreatedAt)
	})
	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return matches, nil
}

func matchesFilter(reservation booking.Reservation, filter booking.ReservationFilter) bool {
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, reservation.Status) {
		return false
	}
	if filter.ReservedUntilBefore != nil && (reservation.ReservedUntil == nil || !reservation.ReservedUntil.Before(*filter.ReservedUntilBefore)) {
		return false
	}
	if filter.CheckInBefore != nil && !reservation.CheckIn.Before(*filter.CheckInBefore) {
		return false
	}
	if filter.CheckOutBefore != nil && !reservation.CheckOut.Before(*filter.CheckOutBefore) {
		return false
	}
	if filter.NeedsSync != nil && reservation.Sync.NeedsSync != *filter.NeedsSync {
		return false
	}
	return true
}

// ArchiveStatusHistory appends entries trimmed from a reservation's history.
func (store *Store) ArchiveStatusHistory(_ context.Context, reservationID string, entries []booking.StatusHistoryEntry) error {
	defer store.lock()()
	archived := slices.Clone(store.state.archives[reservationID])
	store.state.archives[reservationID] = append(archived, entries...)
	return nil
}

// AppendAudit appends an audit entry.
func (store *Store) AppendAudit(_ context.Context, entry booking.AuditEntry) error {
	defer store.lock()()
	store.state.audits = append(store.state.audits, entry)
	return nil
}

// Audits returns the audit entries of one reservation in write order.
func (store *Store) Audits(reservationID string) []booking.AuditEntry {
	defer store.lock()()
	var entries []booking.AuditEntry
	for _, entry := range store.state.audits {
		if entry.ReservationID == reservationID {
			entries = append(entries, entry)
		}
	}
	return entries
}

// ArchivedHistory returns the history entries moved out of a reservation.
func (store *Store) ArchivedHistory(reservationID string) []booking.StatusHistoryEntry {
	defer store.lock()()
	return slices.Clone(store.state.archives[reservationID])
}

// GetInventoryDay loads one inventory day.
func (store *Store) GetInventoryDay(_ context.Context, key inventory.DayKey) (inventory.Day, error) {
	defer store.lock()()
	day, ok := store.state.days[key.String()]
	if !ok {
		return inventory.Day{}, fmt.Errorf("%w: %s", inventory.ErrDayNotFound, key)
	}
	return day.Clone(), nil
}

// SaveInventoryDay writes a day when the stored version equals expectedVersion
// (0 for a day that was never written).
func (store *Store) SaveInventoryDay(_ context.Context, day inventory.Day, expectedVersion int64) error {
	defer store.lock()()
	current, ok := store.state.days[day.Key.String()]
	var storedVersion int64
	if ok {
		storedVersion = current.Version
	}
	if storedVersion != expectedVersion {
		return fmt.Errorf("%w: %s stored %d, expected %d", inventory.ErrVersionConflict, day.Key, storedVersion, expectedVersion)
	}
	store.state.days[day.Key.String()] = day.Clone()
	return nil
}

// ListInventoryDays lists days in [from, to] by date.
func (store *Store) ListInventoryDays(_ context.Context, hotelID string, roomTypeID string, from time.Time, to time.Time) ([]inventory.Day, error) {
	defer store.lock()()
	var days []inventory.Day
	for _, day := range store.state.days {
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

// GetAllotmentConfig loads an allotment configuration.
func (store *Store) GetAllotmentConfig(_ context.Context, hotelID string, roomTypeID string) (inventory.AllotmentConfig, error) {
	defer store.lock()()
	config, ok := store.state.configs[configKey(hotelID, roomTypeID)]
	if !ok {
		return inventory.AllotmentConfig{}, fmt.Errorf("%w: %s/%s", inventory.ErrConfigNotFound, hotelID, roomTypeID)
	}
	return cloneConfig(config), nil
}

// SaveAllotmentConfig stores an allotment configuration.
func (store *Store) SaveAllotmentConfig(_ context.Context, config inventory.AllotmentConfig) error {
	defer store.lock()()
	store.state.configs[configKey(config.HotelID, config.RoomTypeID)] = cloneConfig(config)
	return nil
}

func configKey(hotelID string, roomTypeID string) string {
	return hotelID + "/" + roomTypeID
}

func cloneConfig(config inventory.AllotmentConfig) inventory.AllotmentConfig {
	cloned := config
	cloned.Channels = slices.Clone(config.Channels)
	cloned.Rules = slices.Clone(config.Rules)
	return cloned
}
