package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReservationRecord mirrors the reservations table. Queried fields are columns;
// the full aggregate lives in Document.
type ReservationRecord struct {
	ID               string         `gorm:"primaryKey"`
	BookingNumber    string         `gorm:"not null;uniqueIndex:uniq_reservations_booking_number"`
	HotelID          string         `gorm:"not null;index"`
	Source           string         `gorm:"not null;uniqueIndex:uniq_reservations_channel_booking,priority:1"`
	ChannelBookingID *string        `gorm:"uniqueIndex:uniq_reservations_channel_booking,priority:2"`
	Status           string         `gorm:"not null;index:idx_reservations_status_created,priority:1"`
	ReservedUntil    *time.Time     `gorm:""`
	CheckIn          time.Time      `gorm:"not null"`
	CheckOut         time.Time      `gorm:"not null"`
	NeedsSync        bool           `gorm:"not null;index"`
	Version          int64          `gorm:"not null"`
	Document         datatypes.JSON `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_reservations_status_created,priority:2"`
	UpdatedAt        time.Time      `gorm:"not null"`
}

func (ReservationRecord) TableName() string { return "reservations" }

// StatusArchiveRecord holds history entries trimmed from a reservation.
type StatusArchiveRecord struct {
	ID            string         `gorm:"primaryKey"`
	ReservationID string         `gorm:"not null;index:idx_status_archive_reservation,priority:1"`
	Sequence      int            `gorm:"not null;index:idx_status_archive_reservation,priority:2"`
	Entry         datatypes.JSON `gorm:"not null"`
	ArchivedAt    time.Time      `gorm:"not null"`
}

func (StatusArchiveRecord) TableName() string { return "reservation_status_archive" }

func (record *StatusArchiveRecord) BeforeCreate(tx *gorm.DB) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	return nil
}

// AuditRecord mirrors the reservation_audit table.
type AuditRecord struct {
	ID            string         `gorm:"primaryKey"`
	ReservationID string         `gorm:"not null;index:idx_audit_reservation_at,priority:1"`
	Operation     string         `gorm:"not null"`
	Outcome       string         `gorm:"not null"`
	Entry         datatypes.JSON `gorm:"not null"`
	At            time.Time      `gorm:"not null;index:idx_audit_reservation_at,priority:2"`
}

func (AuditRecord) TableName() string { return "reservation_audit" }

func (record *AuditRecord) BeforeCreate(tx *gorm.DB) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	return nil
}

// InventoryDayRecord mirrors the inventory_days table.
type InventoryDayRecord struct {
	HotelID    string         `gorm:"primaryKey"`
	RoomTypeID string         `gorm:"primaryKey"`
	Date       time.Time      `gorm:"primaryKey"`
	Version    int64          `gorm:"not null"`
	Document   datatypes.JSON `gorm:"not null"`
	UpdatedAt  time.Time      `gorm:"not null"`
}

func (InventoryDayRecord) TableName() string { return "inventory_days" }

// AllotmentRecord mirrors the allotment_configs table.
type AllotmentRecord struct {
	HotelID    string         `gorm:"primaryKey"`
	RoomTypeID string         `gorm:"primaryKey"`
	Document   datatypes.JSON `gorm:"not null"`
	UpdatedAt  time.Time      `gorm:"not null;autoUpdateTime:false"`
}

func (AllotmentRecord) TableName() string { return "allotment_configs" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&ReservationRecord{},
		&StatusArchiveRecord{},
		&AuditRecord{},
		&InventoryDayRecord{},
		&AllotmentRecord{},
	}
}
