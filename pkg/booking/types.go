package booking

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/inventory"
)

// Status is the reservation lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusModified   Status = "modified"
	StatusCheckedIn  Status = "checked_in"
	StatusCheckedOut Status = "checked_out"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// ParseStatus validates a raw status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.TrimSpace(strings.ToLower(raw)))
	switch status {
	case StatusPending, StatusConfirmed, StatusModified, StatusCheckedIn, StatusCheckedOut, StatusCancelled, StatusNoShow:
		return status, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, raw)
}

// Terminal reports whether no further transitions leave the status.
func (status Status) Terminal() bool {
	return status == StatusCheckedOut || status == StatusCancelled
}

// PaymentStatus tracks what has been paid against the reservation.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFailed   PaymentStatus = "failed"
)

// Source is the normalized booking origin. For OTA bookings it names the channel.
type Source string

const (
	SourceDirect     Source = "direct"
	SourceBookingCom Source = "booking_com"
	SourceExpedia    Source = "expedia"
	SourceAirbnb     Source = "airbnb"
)

var sourceAliases = map[string]Source{
	"ota-booking": SourceBookingCom,
	"ota-expedia": SourceExpedia,
	"ota-airbnb":  SourceAirbnb,
	"booking":     SourceBookingCom,
}

// NormalizeSource maps aliases onto channel names. Empty means direct.
func NormalizeSource(raw string) (Source, error) {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return SourceDirect, nil
	}
	if alias, ok := sourceAliases[normalized]; ok {
		return alias, nil
	}
	if strings.ContainsAny(normalized, " /") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, raw)
	}
	return Source(normalized), nil
}

// IsDirect reports whether the booking came through the hotel itself.
func (source Source) IsDirect() bool {
	return source == SourceDirect
}

// Channel returns the inventory channel the source sells through.
func (source Source) Channel() inventory.Channel {
	return inventory.Channel(source)
}

// ActorSource classifies who drives a transition.
type ActorSource string

const (
	ActorGuest  ActorSource = "guest"
	ActorOTA    ActorSource = "ota"
	ActorStaff  ActorSource = "staff"
	ActorAdmin  ActorSource = "admin"
	ActorSystem ActorSource = "system"
)

// Actor identifies who requested a change.
type Actor struct {
	Source  ActorSource `json:"source"`
	UserID  string      `json:"userId,omitempty"`
	Channel string      `json:"channel,omitempty"`
}

// SystemActor is used by automatic transitions.
func SystemActor() Actor {
	return Actor{Source: ActorSystem, UserID: "system"}
}

// AmountCents is an integer currency in cents.
type AmountCents int64

// NewAmountCents validates non-negative cents.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: negative value", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 exposes the raw cents.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// RoomLine is one room of the stay.
type RoomLine struct {
	RoomID           string      `json:"roomId,omitempty"`
	RoomTypeID       string      `json:"roomTypeId" validate:"required"`
	NightlyRateCents AmountCents `json:"nightlyRateCents" validate:"gte=0"`
}

// PaymentMethod is one applied payment.
type PaymentMethod struct {
	Method      string      `json:"method"`
	AmountCents AmountCents `json:"amountCents"`
	Reference   string      `json:"reference,omitempty"`
	PaidAt      time.Time   `json:"paidAt"`
}

// PaymentDetails is the payment ledger of a reservation.
type PaymentDetails struct {
	Status         PaymentStatus   `json:"status"`
	Methods        []PaymentMethod `json:"methods,omitempty"`
	TotalPaidCents AmountCents     `json:"totalPaidCents"`
}

// GuestDetails holds guest contact data.
type GuestDetails struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty" validate:"omitempty,email"`
	Phone     string `json:"phone,omitempty"`
	Country   string `json:"country,omitempty"`
}

// Merge overrides fields that are set on update.
func (guest GuestDetails) Merge(update GuestDetails) GuestDetails {
	merged := guest
	if update.FirstName != "" {
		merged.FirstName = update.FirstName
	}
	if update.LastName != "" {
		merged.LastName = update.LastName
	}
	if update.Email != "" {
		merged.Email = update.Email
	}
	if update.Phone != "" {
		merged.Phone = update.Phone
	}
	if update.Country != "" {
		merged.Country = update.Country
	}
	return merged
}

// StatusHistoryEntry records one applied transition.
type StatusHistoryEntry struct {
	Status    Status    `json:"status"`
	At        time.Time `json:"at"`
	Actor     Actor     `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	Automatic bool      `json:"automatic"`
}

// StatusChange summarizes the latest transition.
type StatusChange struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// AmendmentFlags summarize the amendment list.
type AmendmentFlags struct {
	HasPending             bool       `json:"hasPending"`
	Count                  int        `json:"amendmentCount"`
	LastAmendmentAt        *time.Time `json:"lastAmendmentDate,omitempty"`
	RequiresReconfirmation bool       `json:"requiresReconfirmation"`
}

// SyncStatus is the outcome of the last push to a channel.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
)

// ChannelSyncState records the last push to one channel.
type ChannelSyncState struct {
	Status       SyncStatus `json:"status"`
	TargetStatus Status     `json:"targetStatus,omitempty"`
	SyncedAt     *time.Time `json:"syncedAt,omitempty"`
	Attempts     int        `json:"attempts"`
	Error        string     `json:"error,omitempty"`
}

// SyncState tracks outbound channel synchronization.
type SyncState struct {
	NeedsSync bool                        `json:"needsSync"`
	Channels  map[string]ChannelSyncState `json:"channels,omitempty"`
}

// Reservation is the booking aggregate.
type Reservation struct {
	ID                   string               `json:"id"`
	BookingNumber        string               `json:"bookingNumber"`
	HotelID              string               `json:"hotelId"`
	GuestID              string               `json:"guestId"`
	CorporateID          *string              `json:"corporateId,omitempty"`
	GroupBookingID       *string              `json:"groupBookingId,omitempty"`
	Guest                GuestDetails         `json:"guest"`
	CheckIn              time.Time            `json:"checkIn"`
	CheckOut             time.Time            `json:"checkOut"`
	Rooms                []RoomLine           `json:"rooms"`
	TotalAmountCents     AmountCents          `json:"totalAmountCents"`
	Currency             string               `json:"currency"`
	Payment              PaymentDetails       `json:"paymentDetails"`
	Status               Status               `json:"status"`
	StatusHistory        []StatusHistoryEntry `json:"statusHistory"`
	LastStatusChange     *StatusChange        `json:"lastStatusChange,omitempty"`
	ReservedUntil        *time.Time           `json:"reservedUntil,omitempty"`
	Source               Source               `json:"source"`
	ChannelBookingID     string               `json:"channelBookingId,omitempty"`
	ChannelAmendmentRefs []string             `json:"channelAmendmentRefs,omitempty"`
	RawPayload           json.RawMessage      `json:"rawPayload,omitempty"`
	SpecialRequests      string               `json:"specialRequests,omitempty"`
	Amendments           []Amendment          `json:"amendments,omitempty"`
	AmendmentFlags       AmendmentFlags       `json:"amendmentFlags"`
	Sync                 SyncState            `json:"sync"`
	InventoryHeld        bool                 `json:"inventoryHeld"`
	ActualCheckIn        *time.Time           `json:"actualCheckIn,omitempty"`
	ActualCheckOut       *time.Time           `json:"actualCheckOut,omitempty"`
	NoShowAt             *time.Time           `json:"noShowAt,omitempty"`
	Version              int64                `json:"version"`
	CreatedAt            time.Time            `json:"createdAt"`
	UpdatedAt            time.Time            `json:"updatedAt"`
}

// Nights is ceil((checkOut - checkIn) / 1 day).
func (reservation Reservation) Nights() int {
	if !reservation.CheckOut.After(reservation.CheckIn) {
		return 0
	}
	days := reservation.CheckOut.Sub(reservation.CheckIn).Hours() / 24
	return int(math.Ceil(days))
}

// IsCorporate reports whether a corporate party backs the reservation.
func (reservation Reservation) IsCorporate() bool {
	return reservation.CorporateID != nil && *reservation.CorporateID != ""
}

// Stay describes the inventory the reservation occupies.
func (reservation Reservation) Stay() inventory.Stay {
	rooms := make(map[string]int, len(reservation.Rooms))
	for _, room := range reservation.Rooms {
		rooms[room.RoomTypeID]++
	}
	return inventory.Stay{
		HotelID:  reservation.HotelID,
		Channel:  reservation.Source.Channel(),
		CheckIn:  reservation.CheckIn,
		CheckOut: reservation.CheckOut,
		Rooms:    rooms,
	}
}

// Amendment looks up an amendment by id.
func (reservation Reservation) Amendment(amendmentID string) (Amendment, int, bool) {
	index := slices.IndexFunc(reservation.Amendments, func(amendment Amendment) bool { return amendment.ID == amendmentID })
	if index < 0 {
		return Amendment{}, -1, false
	}
	return reservation.Amendments[index], index, true
}

// AmendmentByExternalID looks up an amendment by the channel's id.
func (reservation Reservation) AmendmentByExternalID(externalID string) (Amendment, bool) {
	if externalID == "" {
		return Amendment{}, false
	}
	for _, amendment := range reservation.Amendments {
		if amendment.ExternalID == externalID {
			return amendment, true
		}
	}
	return Amendment{}, false
}

// RefreshAmendmentFlags recomputes HasPending and Count from the amendment list.
func (reservation *Reservation) RefreshAmendmentFlags() {
	reservation.AmendmentFlags.Count = len(reservation.Amendments)
	reservation.AmendmentFlags.HasPending = slices.ContainsFunc(reservation.Amendments, func(amendment Amendment) bool {
		return amendment.Status == AmendmentPending
	})
}

// Clone returns a deep copy.
func (reservation Reservation) Clone() Reservation {
	cloned := reservation
	cloned.CorporateID = cloneString(reservation.CorporateID)
	cloned.GroupBookingID = cloneString(reservation.GroupBookingID)
	cloned.Rooms = slices.Clone(reservation.Rooms)
	cloned.Payment.Methods = slices.Clone(reservation.Payment.Methods)
	cloned.StatusHistory = slices.Clone(reservation.StatusHistory)
	if reservation.LastStatusChange != nil {
		change := *reservation.LastStatusChange
		cloned.LastStatusChange = &change
	}
	cloned.ReservedUntil = cloneTime(reservation.ReservedUntil)
	cloned.ChannelAmendmentRefs = slices.Clone(reservation.ChannelAmendmentRefs)
	cloned.RawPayload = slices.Clone(reservation.RawPayload)
	cloned.Amendments = make([]Amendment, len(reservation.Amendments))
	for index, amendment := range reservation.Amendments {
		cloned.Amendments[index] = amendment.Clone()
	}
	if reservation.Amendments == nil {
		cloned.Amendments = nil
	}
	cloned.AmendmentFlags.LastAmendmentAt = cloneTime(reservation.AmendmentFlags.LastAmendmentAt)
	if reservation.Sync.Channels != nil {
		cloned.Sync.Channels = make(map[string]ChannelSyncState, len(reservation.Sync.Channels))
		for channel, state := range reservation.Sync.Channels {
			state.SyncedAt = cloneTime(state.SyncedAt)
			cloned.Sync.Channels[channel] = state
		}
	}
	cloned.ActualCheckIn = cloneTime(reservation.ActualCheckIn)
	cloned.ActualCheckOut = cloneTime(reservation.ActualCheckOut)
	cloned.NoShowAt = cloneTime(reservation.NoShowAt)
	return cloned
}

// Validate checks the aggregate invariants.
func (reservation Reservation) Validate() error {
	if strings.TrimSpace(reservation.HotelID) == "" {
		return fmt.Errorf("%w: hotel id is required", ErrInvalidReservation)
	}
	if strings.TrimSpace(reservation.GuestID) == "" {
		return fmt.Errorf("%w: guest id is required", ErrInvalidReservation)
	}
	if !reservation.CheckOut.After(reservation.CheckIn) {
		return fmt.Errorf("%w: check-out must be after check-in", ErrInvalidReservation)
	}
	if len(reservation.Rooms) == 0 {
		return fmt.Errorf("%w: at least one room is required", ErrInvalidReservation)
	}
	for _, room := range reservation.Rooms {
		if strings.TrimSpace(room.RoomTypeID) == "" {
			return fmt.Errorf("%w: room type is required", ErrInvalidReservation)
		}
		if room.NightlyRateCents < 0 {
			return fmt.Errorf("%w: negative nightly rate", ErrInvalidAmountCents)
		}
	}
	if reservation.TotalAmountCents < 0 {
		return fmt.Errorf("%w: negative total", ErrInvalidAmountCents)
	}
	var paid AmountCents
	for _, method := range reservation.Payment.Methods {
		paid += method.AmountCents
	}
	if paid != reservation.Payment.TotalPaidCents {
		return fmt.Errorf("%w: payment methods sum %d, total paid %d", ErrInvalidReservation, paid, reservation.Payment.TotalPaidCents)
	}
	if reservation.Payment.TotalPaidCents > reservation.TotalAmountCents {
		return fmt.Errorf("%w: paid %d of %d", ErrOverpayment, reservation.Payment.TotalPaidCents, reservation.TotalAmountCents)
	}
	if reservation.IsCorporate() && reservation.ReservedUntil != nil {
		return fmt.Errorf("%w: corporate reservations carry no hold", ErrInvalidReservation)
	}
	return nil
}

// AuditEntry records one attempted operation on a reservation.
type AuditEntry struct {
	ID            string    `json:"id"`
	ReservationID string    `json:"reservationId"`
	Operation     string    `json:"operation"`
	From          Status    `json:"from,omitempty"`
	To            Status    `json:"to,omitempty"`
	Actor         Actor     `json:"actor"`
	Reason        string    `json:"reason,omitempty"`
	Outcome       string    `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
