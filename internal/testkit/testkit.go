// Package testkit assembles an in-memory hotel core for package and acceptance tests.
package testkit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/clock"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/dispatch"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/inventory"
)

// Hotel and room type used by the fixtures.
const (
	HotelID    = "H1"
	RoomTypeID = "STD"
)

// World is one hotel core wired on the in-memory store and a manual clock.
type World struct {
	Store      *memstore.Store
	Clock      *clock.Manual
	Ledger     *inventory.Ledger
	Service    *booking.Service
	Dispatcher *dispatch.Recorder
}

// NewWorld wires a World at now. The allotment gives every channel 5 of 10 STD
// rooms with no overbooking.
func NewWorld(test testing.TB, now time.Time, options ...booking.ServiceOption) *World {
	test.Helper()
	world, err := Build(now, options...)
	if err != nil {
		test.Fatalf("%v", err)
	}
	return world
}

// Build is NewWorld for callers without a testing.TB, such as godog steps.
func Build(now time.Time, options ...booking.ServiceOption) (*World, error) {
	world := &World{
		Store:      memstore.New(),
		Clock:      clock.NewManual(now),
		Dispatcher: &dispatch.Recorder{},
	}
	ledger, err := inventory.NewLedger(world.Store, world.Clock)
	if err != nil {
		return nil, fmt.Errorf("new ledger: %w", err)
	}
	world.Ledger = ledger
	if err := ledger.ConfigureAllotment(context.Background(), StandardAllotment(10, false, 0)); err != nil {
		return nil, fmt.Errorf("configure allotment: %w", err)
	}

	base := []booking.ServiceOption{
		booking.WithInventory(ledger),
		booking.WithDispatcher(world.Dispatcher),
	}
	service, err := booking.NewService(world.Store, world.Clock, append(base, options...)...)
	if err != nil {
		return nil, fmt.Errorf("new service: %w", err)
	}
	world.Service = service
	return world, nil
}

// StandardAllotment is the STD allotment with a fixed split of 5 rooms per channel.
func StandardAllotment(total int, overbookingAllowed bool, overbookingLimit int) inventory.AllotmentConfig {
	return inventory.AllotmentConfig{
		HotelID:    HotelID,
		RoomTypeID: RoomTypeID,
		Channels: []inventory.ChannelConfig{
			{Channel: inventory.ChannelDirect, Enabled: true, Priority: 3},
			{Channel: inventory.ChannelBookingCom, Enabled: true, Priority: 2},
			{Channel: inventory.ChannelExpedia, Enabled: true, Priority: 1},
		},
		Rules: []inventory.AllocationRule{{
			ID:     "standard-split",
			Name:   "standard split",
			Type:   inventory.RuleFixed,
			Active: true,
			Fixed: map[inventory.Channel]int{
				inventory.ChannelDirect:     5,
				inventory.ChannelBookingCom: 5,
				inventory.ChannelExpedia:    0,
			},
		}},
		Defaults: inventory.DefaultSettings{TotalInventory: total, OverbookingAllowed: overbookingAllowed, OverbookingLimit: overbookingLimit},
	}
}

// Configure stores an allotment configuration.
func (world *World) Configure(test testing.TB, config inventory.AllotmentConfig) {
	test.Helper()
	if err := world.Ledger.ConfigureAllotment(context.Background(), config); err != nil {
		test.Fatalf("configure allotment: %v", err)
	}
}

// Input is a one-room STD reservation of 5000 per night.
func Input(test testing.TB, source string, checkIn string, checkOut string) booking.CreateInput {
	test.Helper()
	return StayInput(source, MustTime(test, checkIn), MustTime(test, checkOut))
}

// StayInput is Input over parsed instants.
func StayInput(source string, checkIn time.Time, checkOut time.Time) booking.CreateInput {
	nights := int64(checkOut.Sub(checkIn).Hours() / 24)
	return booking.CreateInput{
		HotelID:          HotelID,
		GuestID:          "G1",
		Guest:            booking.GuestDetails{FirstName: "Ada", LastName: "Guest", Email: "ada@example.com"},
		CheckIn:          checkIn,
		CheckOut:         checkOut,
		Rooms:            []booking.RoomLine{{RoomID: "101", RoomTypeID: RoomTypeID, NightlyRateCents: 5000}},
		TotalAmountCents: booking.AmountCents(5000 * nights),
		Source:           source,
		Actor:            booking.Actor{Source: booking.ActorGuest, UserID: "G1"},
	}
}

// MustCreate creates a reservation.
func (world *World) MustCreate(test testing.TB, input booking.CreateInput) booking.Reservation {
	test.Helper()
	reservation, err := world.Service.Create(context.Background(), input)
	if err != nil {
		test.Fatalf("create reservation: %v", err)
	}
	return reservation
}

// MustConfirm creates a reservation and confirms it through staff.
func (world *World) MustConfirm(test testing.TB, input booking.CreateInput) booking.Reservation {
	test.Helper()
	reservation := world.MustCreate(test, input)
	result, err := world.Service.Transition(context.Background(), reservation.ID, booking.StatusConfirmed, Staff())
	if err != nil {
		test.Fatalf("confirm reservation: %v", err)
	}
	return result.Reservation
}

// MustGet loads a reservation.
func (world *World) MustGet(test testing.TB, reservationID string) booking.Reservation {
	test.Helper()
	reservation, err := world.Service.Get(context.Background(), reservationID)
	if err != nil {
		test.Fatalf("get reservation %s: %v", reservationID, err)
	}
	return reservation
}

// Bucket returns the channel bucket of one STD day.
func (world *World) Bucket(test testing.TB, date string, channel inventory.Channel) inventory.Bucket {
	test.Helper()
	day, err := world.Ledger.Day(context.Background(), inventory.NewDayKey(HotelID, RoomTypeID, MustTime(test, date)))
	if err != nil {
		test.Fatalf("load day %s: %v", date, err)
	}
	bucket, ok := day.Bucket(channel)
	if !ok {
		test.Fatalf("day %s has no %s bucket", date, channel)
	}
	return bucket
}

// Staff is a staff-driven transition context.
func Staff() booking.TransitionContext {
	return booking.TransitionContext{Actor: booking.Actor{Source: booking.ActorStaff, UserID: "staff-1"}}
}

// MustTime parses RFC 3339 or a bare date as UTC.
func MustTime(test testing.TB, raw string) time.Time {
	test.Helper()
	parsed, err := ParseTime(raw)
	if err != nil {
		test.Fatalf("%v", err)
	}
	return parsed
}

// ParseTime parses RFC 3339 or a bare date as UTC.
func ParseTime(raw string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := inventory.ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", raw, err)
	}
	return parsed, nil
}
