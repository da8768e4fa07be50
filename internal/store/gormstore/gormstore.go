package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/inventory"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintBookingNumber  = "uniq_reservations_booking_number"
	constraintChannelBooking = "uniq_reservations_channel_booking"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	errorOperationStore      = "store"
	errorSubjectReservation  = "reservation"
	errorSubjectHistory      = "history"
	errorSubjectAudit        = "audit"
	errorSubjectDay          = "inventory_day"
	errorSubjectAllotment    = "allotment"
	errorCodeCreate          = "create"
	errorCodeDecode          = "decode"
	errorCodeEncode          = "encode"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeList            = "list"
	errorCodeSave            = "save"
	errorCodeUpdate          = "update"
)

// Store implements booking.Store and inventory.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateReservation(ctx context.Context, reservation booking.Reservation) error {
	record, err := reservationRecord(reservation)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeEncode, err)
	}
	err = store.db.WithContext(ctx).Create(&record).Error
	switch classifyConflict(err) {
	case constraintBookingNumber:
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, booking.ErrDuplicateBookingNumber)
	case constraintChannelBooking:
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, booking.ErrDuplicateChannelBooking)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID string) (booking.Reservation, error) {
	return store.takeReservation(ctx, "id = ?", reservationID)
}

func (store *Store) GetReservationByBookingNumber(ctx context.Context, bookingNumber string) (booking.Reservation, error) {
	return store.takeReservation(ctx, "booking_number = ?", bookingNumber)
}

func (store *Store) FindByChannelBooking(ctx context.Context, source booking.Source, channelBookingID string) (booking.Reservation, error) {
	return store.takeReservation(ctx, "source = ? AND channel_booking_id = ?", string(source), channelBookingID)
}

// UpdateReservation replaces the record when its version still equals expectedVersion.
func (store *Store) UpdateReservation(ctx context.Context, reservation booking.Reservation, expectedVersion int64) error {
	record, err := reservationRecord(reservation)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeEncode, err)
	}
	result := store.db.WithContext(ctx).
		Model(&ReservationRecord{}).
		Where("id = ? AND version = ?", reservation.ID, expectedVersion).
		Updates(map[string]interface{}{
			"status":         record.Status,
			"reserved_until": record.ReservedUntil,
			"check_in":       record.CheckIn,
			"check_out":      record.CheckOut,
			"needs_sync":     record.NeedsSync,
			"version":        record.Version,
			"document":       record.Document,
			"updated_at":     record.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&ReservationRecord{}).Where("id = ?", reservation.ID).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectReservation, errorCodeUpdate, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectReservation, errorCodeUpdate, booking.ErrReservationNotFound)
		}
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, booking.ErrConflictingVersion)
	}
	return nil
}

func (store *Store) ListReservations(ctx context.Context, filter booking.ReservationFilter) ([]booking.Reservation, error) {
	query := store.db.WithContext(ctx).Model(&ReservationRecord{})
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		query = query.Where("status IN ?", statuses)
	}
	if filter.ReservedUntilBefore != nil {
		query = query.Where("reserved_until IS NOT NULL AND reserved_until < ?", *filter.ReservedUntilBefore)
	}
	if filter.CheckInBefore != nil {
		query = query.Where("check_in < ?", *filter.CheckInBefore)
	}
	if filter.CheckOutBefore != nil {
		query = query.Where("check_out < ?", *filter.CheckOutBefore)
	}
	if filter.NeedsSync != nil {
		query = query.Where("needs_sync = ?", *filter.NeedsSync)
	}
	query = query.Order("created_at ASC").Order("id ASC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var records []ReservationRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]booking.Reservation, 0, len(records))
	for _, record := range records {
		reservation, err := decodeReservation(record)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeDecode, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func (store *Store) ArchiveStatusHistory(ctx context.Context, reservationID string, entries []booking.StatusHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	var existing int64
	if err := store.db.WithContext(ctx).Model(&StatusArchiveRecord{}).Where("reservation_id = ?", reservationID).Count(&existing).Error; err != nil {
		return wrapStoreError(errorSubjectHistory, errorCodeInsert, err)
	}
	records := make([]StatusArchiveRecord, 0, len(entries))
	for index, entry := range entries {
		encoded, err := json.Marshal(entry)
		if err != nil {
			return wrapStoreError(errorSubjectHistory, errorCodeEncode, err)
		}
		records = append(records, StatusArchiveRecord{
			ReservationID: reservationID,
			Sequence:      int(existing) + index,
			Entry:         datatypes.JSON(encoded),
			ArchivedAt:    entry.At,
		})
	}
	if err := store.db.WithContext(ctx).Create(&records).Error; err != nil {
		return wrapStoreError(errorSubjectHistory, errorCodeInsert, err)
	}
	return nil
}

// ArchivedHistory returns the trimmed history entries of a reservation in order.
func (store *Store) ArchivedHistory(ctx context.Context, reservationID string) ([]booking.StatusHistoryEntry, error) {
	var records []StatusArchiveRecord
	err := store.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Order("sequence ASC").
		Find(&records).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectHistory, errorCodeList, err)
	}
	entries := make([]booking.StatusHistoryEntry, 0, len(records))
	for _, record := range records {
		var entry booking.StatusHistoryEntry
		if err := json.Unmarshal(record.Entry, &entry); err != nil {
			return nil, wrapStoreError(errorSubjectHistory, errorCodeDecode, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) AppendAudit(ctx context.Context, entry booking.AuditEntry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeEncode, err)
	}
	record := AuditRecord{
		ID:            entry.ID,
		ReservationID: entry.ReservationID,
		Operation:     entry.Operation,
		Outcome:       entry.Outcome,
		Entry:         datatypes.JSON(encoded),
		At:            entry.At,
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
	}
	return nil
}

// Audits returns the audit trail of a reservation in write order.
func (store *Store) Audits(ctx context.Context, reservationID string) ([]booking.AuditEntry, error) {
	var records []AuditRecord
	err := store.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Order("at ASC").
		Find(&records).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
	}
	entries := make([]booking.AuditEntry, 0, len(records))
	for _, record := range records {
		var entry booking.AuditEntry
		if err := json.Unmarshal(record.Entry, &entry); err != nil {
			return nil, wrapStoreError(errorSubjectAudit, errorCodeDecode, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) GetInventoryDay(ctx context.Context, key inventory.DayKey) (inventory.Day, error) {
	var record InventoryDayRecord
	err := store.db.WithContext(ctx).
		Where("hotel_id = ? AND room_type_id = ? AND date = ?", key.HotelID, key.RoomTypeID, key.Date).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return inventory.Day{}, wrapStoreError(errorSubjectDay, errorCodeGet, fmt.Errorf("%w: %s", inventory.ErrDayNotFound, key))
	}
	if err != nil {
		return inventory.Day{}, wrapStoreError(errorSubjectDay, errorCodeGet, err)
	}
	day, err := decodeDay(record)
	if err != nil {
		return inventory.Day{}, wrapStoreError(errorSubjectDay, errorCodeDecode, err)
	}
	return day, nil
}

// SaveInventoryDay inserts a new day (expectedVersion 0) or replaces the stored one
// when its version still equals expectedVersion.
func (store *Store) SaveInventoryDay(ctx context.Context, day inventory.Day, expectedVersion int64) error {
	encoded, err := json.Marshal(day)
	if err != nil {
		return wrapStoreError(errorSubjectDay, errorCodeEncode, err)
	}
	key := inventory.NewDayKey(day.Key.HotelID, day.Key.RoomTypeID, day.Key.Date)
	if expectedVersion == 0 {
		record := InventoryDayRecord{
			HotelID:    key.HotelID,
			RoomTypeID: key.RoomTypeID,
			Date:       key.Date,
			Version:    day.Version,
			Document:   datatypes.JSON(encoded),
			UpdatedAt:  day.UpdatedAt,
		}
		err := store.db.WithContext(ctx).Create(&record).Error
		if classifyConflict(err) != "" {
			return wrapStoreError(errorSubjectDay, errorCodeSave, fmt.Errorf("%w: %s created concurrently", inventory.ErrVersionConflict, key))
		}
		if err != nil {
			return wrapStoreError(errorSubjectDay, errorCodeSave, err)
		}
		return nil
	}
	result := store.db.WithContext(ctx).
		Model(&InventoryDayRecord{}).
		Where("hotel_id = ? AND room_type_id = ? AND date = ? AND version = ?", key.HotelID, key.RoomTypeID, key.Date, expectedVersion).
		Updates(map[string]interface{}{
			"version":    day.Version,
			"document":   datatypes.JSON(encoded),
			"updated_at": day.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectDay, errorCodeSave, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectDay, errorCodeSave, fmt.Errorf("%w: %s expected %d", inventory.ErrVersionConflict, key, expectedVersion))
	}
	return nil
}

func (store *Store) ListInventoryDays(ctx context.Context, hotelID string, roomTypeID string, from time.Time, to time.Time) ([]inventory.Day, error) {
	var records []InventoryDayRecord
	err := store.db.WithContext(ctx).
		Where("hotel_id = ? AND room_type_id = ? AND date >= ? AND date <= ?", hotelID, roomTypeID, from, to).
		Order("date ASC").
		Find(&records).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectDay, errorCodeList, err)
	}
	days := make([]inventory.Day, 0, len(records))
	for _, record := range records {
		day, err := decodeDay(record)
		if err != nil {
			return nil, wrapStoreError(errorSubjectDay, errorCodeDecode, err)
		}
		days = append(days, day)
	}
	return days, nil
}

func (store *Store) GetAllotmentConfig(ctx context.Context, hotelID string, roomTypeID string) (inventory.AllotmentConfig, error) {
	var record AllotmentRecord
	err := store.db.WithContext(ctx).
		Where("hotel_id = ? AND room_type_id = ?", hotelID, roomTypeID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return inventory.AllotmentConfig{}, wrapStoreError(errorSubjectAllotment, errorCodeGet, fmt.Errorf("%w: %s/%s", inventory.ErrConfigNotFound, hotelID, roomTypeID))
	}
	if err != nil {
		return inventory.AllotmentConfig{}, wrapStoreError(errorSubjectAllotment, errorCodeGet, err)
	}
	var config inventory.AllotmentConfig
	if err := json.Unmarshal(record.Document, &config); err != nil {
		return inventory.AllotmentConfig{}, wrapStoreError(errorSubjectAllotment, errorCodeDecode, err)
	}
	return config, nil
}

func (store *Store) SaveAllotmentConfig(ctx context.Context, config inventory.AllotmentConfig) error {
	encoded, err := json.Marshal(config)
	if err != nil {
		return wrapStoreError(errorSubjectAllotment, errorCodeEncode, err)
	}
	record := AllotmentRecord{
		HotelID:    config.HotelID,
		RoomTypeID: config.RoomTypeID,
		Document:   datatypes.JSON(encoded),
		UpdatedAt:  config.UpdatedAt.UTC(),
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hotel_id"}, {Name: "room_type_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"document", "updated_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return wrapStoreError(errorSubjectAllotment, errorCodeSave, err)
	}
	return nil
}

func (store *Store) takeReservation(ctx context.Context, condition string, args ...interface{}) (booking.Reservation, error) {
	var record ReservationRecord
	err := store.db.WithContext(ctx).Where(condition, args...).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, booking.ErrReservationNotFound)
	}
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := decodeReservation(record)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeDecode, err)
	}
	return reservation, nil
}

func reservationRecord(reservation booking.Reservation) (ReservationRecord, error) {
	encoded, err := json.Marshal(reservation)
	if err != nil {
		return ReservationRecord{}, err
	}
	var channelBookingID *string
	if reservation.ChannelBookingID != "" {
		value := reservation.ChannelBookingID
		channelBookingID = &value
	}
	return ReservationRecord{
		ID:               reservation.ID,
		BookingNumber:    reservation.BookingNumber,
		HotelID:          reservation.HotelID,
		Source:           string(reservation.Source),
		ChannelBookingID: channelBookingID,
		Status:           string(reservation.Status),
		ReservedUntil:    reservation.ReservedUntil,
		CheckIn:          reservation.CheckIn,
		CheckOut:         reservation.CheckOut,
		NeedsSync:        reservation.Sync.NeedsSync,
		Version:          reservation.Version,
		Document:         datatypes.JSON(encoded),
		CreatedAt:        reservation.CreatedAt,
		UpdatedAt:        reservation.UpdatedAt,
	}, nil
}

func decodeReservation(record ReservationRecord) (booking.Reservation, error) {
	var reservation booking.Reservation
	if err := json.Unmarshal(record.Document, &reservation); err != nil {
		return booking.Reservation{}, err
	}
	reservation.Version = record.Version
	return reservation, nil
}

func decodeDay(record InventoryDayRecord) (inventory.Day, error) {
	var day inventory.Day
	if err := json.Unmarshal(record.Document, &day); err != nil {
		return inventory.Day{}, err
	}
	day.Version = record.Version
	return day, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return booking.WrapError(errorOperationStore, subject, code, err)
}

// classifyConflict returns the violated unique constraint, or "" when err is not a
// unique violation. SQLite does not report constraint names, so its message is matched.
func classifyConflict(err error) string {
	if err == nil {
		return ""
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgUniqueViolationCode {
			return ""
		}
		if pgErr.ConstraintName == "" {
			return "unique"
		}
		return pgErr.ConstraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF != sqliteConstraintCode {
			return ""
		}
		message := sqliteErr.Error()
		switch {
		case strings.Contains(message, "reservations.booking_number"):
			return constraintBookingNumber
		case strings.Contains(message, "reservations.source"), strings.Contains(message, "reservations.channel_booking_id"):
			return constraintChannelBooking
		}
		return "unique"
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return "unique"
	}
	return ""
}
