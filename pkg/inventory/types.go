package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// Channel names a distribution channel (direct, booking_com, expedia, ...).
type Channel string

const (
	ChannelDirect     Channel = "direct"
	ChannelBookingCom Channel = "booking_com"
	ChannelExpedia    Channel = "expedia"
	ChannelAirbnb     Channel = "airbnb"
)

// String returns the channel identifier.
func (channel Channel) String() string {
	return string(channel)
}

// DayKey identifies one inventory day.
type DayKey struct {
	HotelID    string
	RoomTypeID string
	Date       time.Time
}

// NewDayKey normalizes the date to UTC midnight.
func NewDayKey(hotelID string, roomTypeID string, date time.Time) DayKey {
	return DayKey{HotelID: hotelID, RoomTypeID: roomTypeID, Date: TruncateDate(date)}
}

// String renders the key as hotel/roomType/YYYY-MM-DD.
func (key DayKey) String() string {
	return key.HotelID + "/" + key.RoomTypeID + "/" + key.Date.Format(dateLayout)
}

// DateString renders the key date as YYYY-MM-DD.
func (key DayKey) DateString() string {
	return key.Date.Format(dateLayout)
}

// TruncateDate returns the UTC calendar date of t.
func TruncateDate(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses YYYY-MM-DD into a UTC date.
func ParseDate(raw string) (time.Time, error) {
	parsed, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidDate, err)
	}
	return parsed.UTC(), nil
}

// Bucket is one channel's share of an inventory day.
type Bucket struct {
	Allocated   int             `json:"allocated"`
	Sold        int             `json:"sold"`
	Blocked     int             `json:"blocked"`
	Overbooking int             `json:"overbooking"`
	Rate        decimal.Decimal `json:"rate"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// Available is allocated minus sold minus blocked.
func (bucket Bucket) Available() int {
	return bucket.Allocated - bucket.Sold - bucket.Blocked
}

// Stay describes the rooms a reservation holds over its nights.
type Stay struct {
	HotelID  string
	Channel  Channel
	CheckIn  time.Time
	CheckOut time.Time
	// Rooms maps room type id to number of rooms.
	Rooms map[string]int
}

// Nights lists the calendar dates occupied by the stay, in order.
func (stay Stay) Nights() []time.Time {
	start := TruncateDate(stay.CheckIn)
	end := TruncateDate(stay.CheckOut)
	if !end.After(start) {
		end = start.AddDate(0, 0, 1)
	}
	var nights []time.Time
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		nights = append(nights, day)
	}
	return nights
}

// RoomTypes returns the stay's room types in sorted order.
func (stay Stay) RoomTypes() []string {
	roomTypes := make([]string, 0, len(stay.Rooms))
	for roomType := range stay.Rooms {
		roomTypes = append(roomTypes, roomType)
	}
	sort.Strings(roomTypes)
	return roomTypes
}

// Store is the persistence contract used by Ledger and RuleEngine.
type Store interface {
	GetInventoryDay(ctx context.Context, key DayKey) (Day, error)
	SaveInventoryDay(ctx context.Context, day Day, expectedVersion int64) error
	ListInventoryDays(ctx context.Context, hotelID string, roomTypeID string, from time.Time, to time.Time) ([]Day, error)
	GetAllotmentConfig(ctx context.Context, hotelID string, roomTypeID string) (AllotmentConfig, error)
	SaveAllotmentConfig(ctx context.Context, config AllotmentConfig) error
}
