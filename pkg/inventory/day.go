package inventory

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Day is the inventory record for one (hotel, room type, date).
type Day struct {
	Key                DayKey
	TotalInventory     int
	OverbookingAllowed bool
	OverbookingLimit   int
	Buckets            map[Channel]*Bucket
	Version            int64
	UpdatedAt          time.Time
}

// NewDay creates an empty day with one bucket per channel.
func NewDay(key DayKey, totalInventory int, overbookingAllowed bool, overbookingLimit int, channels []Channel) Day {
	day := Day{
		Key:                key,
		TotalInventory:     totalInventory,
		OverbookingAllowed: overbookingAllowed,
		OverbookingLimit:   overbookingLimit,
		Buckets:            make(map[Channel]*Bucket, len(channels)),
	}
	for _, channel := range channels {
		day.Buckets[channel] = &Bucket{Rate: decimal.Zero}
	}
	return day
}

// Clone returns a deep copy of the day.
func (day Day) Clone() Day {
	cloned := day
	cloned.Buckets = make(map[Channel]*Bucket, len(day.Buckets))
	for channel, bucket := range day.Buckets {
		copied := *bucket
		cloned.Buckets[channel] = &copied
	}
	return cloned
}

// Channels returns the day's channels in sorted order.
func (day Day) Channels() []Channel {
	channels := make([]Channel, 0, len(day.Buckets))
	for channel := range day.Buckets {
		channels = append(channels, channel)
	}
	sort.Slice(channels, func(left, right int) bool { return channels[left] < channels[right] })
	return channels
}

// Bucket returns a copy of the channel bucket.
func (day Day) Bucket(channel Channel) (Bucket, bool) {
	bucket, ok := day.Buckets[channel]
	if !ok {
		return Bucket{}, false
	}
	return *bucket, true
}

// TotalAllocated sums allocations over all channels.
func (day Day) TotalAllocated() int {
	total := 0
	for _, bucket := range day.Buckets {
		total += bucket.Allocated
	}
	return total
}

// TotalSold sums sold rooms over all channels.
func (day Day) TotalSold() int {
	total := 0
	for _, bucket := range day.Buckets {
		total += bucket.Sold
	}
	return total
}

// FreeStock is inventory not allocated to any channel.
func (day Day) FreeStock() int {
	return day.TotalInventory - day.TotalAllocated()
}

// OccupancyRate is sold over total inventory, 0 when the day has no inventory.
func (day Day) OccupancyRate() float64 {
	if day.TotalInventory <= 0 {
		return 0
	}
	return float64(day.TotalSold()) / float64(day.TotalInventory)
}

// Validate checks the arithmetic invariants of the day.
func (day Day) Validate() error {
	if day.TotalInventory < 0 {
		return fmt.Errorf("%w: negative total inventory", ErrInvalidQuantity)
	}
	if day.TotalAllocated() > day.TotalInventory {
		return fmt.Errorf("%w: %d allocated of %d", ErrAllocationExceeded, day.TotalAllocated(), day.TotalInventory)
	}
	for channel, bucket := range day.Buckets {
		if bucket.Allocated < 0 || bucket.Sold < 0 || bucket.Blocked < 0 || bucket.Overbooking < 0 {
			return fmt.Errorf("%w: negative counter on %s", ErrInvalidQuantity, channel)
		}
		if bucket.Available() < 0 {
			return fmt.Errorf("%w: negative availability on %s", ErrInvalidQuantity, channel)
		}
		if bucket.Overbooking > day.OverbookingLimit {
			return fmt.Errorf("%w: overbooking above limit on %s", ErrInvalidQuantity, channel)
		}
	}
	return nil
}

// Allocate sets the channel allocation.
func (day *Day) Allocate(channel Channel, quantity int, now time.Time) error {
	bucket, err := day.bucket(channel)
	if err != nil {
		return err
	}
	if quantity < 0 {
		return fmt.Errorf("%w: allocation %d", ErrInvalidQuantity, quantity)
	}
	if quantity < bucket.Sold+bucket.Blocked {
		return fmt.Errorf("%w: allocation %d below committed %d on %s", ErrInvalidQuantity, quantity, bucket.Sold+bucket.Blocked, channel)
	}
	if day.TotalAllocated()-bucket.Allocated+quantity > day.TotalInventory {
		return fmt.Errorf("%w: %s requested %d", ErrAllocationExceeded, channel, quantity)
	}
	bucket.Allocated = quantity
	bucket.LastUpdated = now
	return nil
}

// Book sells rooms from the channel bucket, falling back to overbooking.
func (day *Day) Book(channel Channel, rooms int) error {
	bucket, err := day.bucket(channel)
	if err != nil {
		return err
	}
	if rooms <= 0 {
		return fmt.Errorf("%w: rooms %d", ErrInvalidQuantity, rooms)
	}
	if bucket.Available() >= rooms {
		bucket.Sold += rooms
		return nil
	}
	if day.OverbookingAllowed && bucket.Overbooking+rooms <= day.OverbookingLimit {
		bucket.Overbooking += rooms
		return nil
	}
	return fmt.Errorf("%w: %s on %s wants %d, available %d", ErrInsufficientInventory, channel, day.Key.DateString(), rooms, bucket.Available())
}

// Release returns rooms, draining overbooking before sold.
func (day *Day) Release(channel Channel, rooms int) error {
	bucket, err := day.bucket(channel)
	if err != nil {
		return err
	}
	if rooms <= 0 {
		return fmt.Errorf("%w: rooms %d", ErrInvalidQuantity, rooms)
	}
	fromOverbooking := min(rooms, bucket.Overbooking)
	bucket.Overbooking -= fromOverbooking
	remaining := rooms - fromOverbooking
	bucket.Sold -= min(remaining, bucket.Sold)
	return nil
}

// Block takes rooms out of sale on the channel.
func (day *Day) Block(channel Channel, rooms int) error {
	bucket, err := day.bucket(channel)
	if err != nil {
		return err
	}
	if rooms <= 0 {
		return fmt.Errorf("%w: rooms %d", ErrInvalidQuantity, rooms)
	}
	if bucket.Available() < rooms {
		return fmt.Errorf("%w: cannot block %d on %s, available %d", ErrInsufficientInventory, rooms, channel, bucket.Available())
	}
	bucket.Blocked += rooms
	return nil
}

// Unblock returns blocked rooms to sale.
func (day *Day) Unblock(channel Channel, rooms int) error {
	bucket, err := day.bucket(channel)
	if err != nil {
		return err
	}
	if rooms <= 0 || rooms > bucket.Blocked {
		return fmt.Errorf("%w: cannot unblock %d on %s, blocked %d", ErrInvalidQuantity, rooms, channel, bucket.Blocked)
	}
	bucket.Blocked -= rooms
	return nil
}

// UpdateRate sets the channel rate.
func (day *Day) UpdateRate(channel Channel, rate decimal.Decimal, now time.Time) error {
	bucket, err := day.bucket(channel)
	if err != nil {
		return err
	}
	if rate.IsNegative() {
		return fmt.Errorf("%w: negative rate", ErrInvalidQuantity)
	}
	bucket.Rate = rate
	bucket.LastUpdated = now
	return nil
}

// SetAllocations replaces every channel allocation at once.
func (day *Day) SetAllocations(allocations map[Channel]int, now time.Time) error {
	total := 0
	for _, channel := range day.Channels() {
		quantity := allocations[channel]
		bucket := day.Buckets[channel]
		if quantity < bucket.Sold+bucket.Blocked {
			return fmt.Errorf("%w: allocation %d below committed %d on %s", ErrInvalidQuantity, quantity, bucket.Sold+bucket.Blocked, channel)
		}
		total += quantity
	}
	if total > day.TotalInventory {
		return fmt.Errorf("%w: %d allocated of %d", ErrAllocationExceeded, total, day.TotalInventory)
	}
	for channel, bucket := range day.Buckets {
		quantity := allocations[channel]
		if bucket.Allocated != quantity {
			bucket.Allocated = quantity
			bucket.LastUpdated = now
		}
	}
	return nil
}

func (day *Day) bucket(channel Channel) (*Bucket, error) {
	bucket, ok := day.Buckets[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotEnabled, channel)
	}
	return bucket, nil
}
