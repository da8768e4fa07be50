package booking

import (
	"slices"
	"time"
)

// AmendmentType classifies what a channel asks to change.
type AmendmentType string

const (
	AmendmentBookingModification   AmendmentType = "booking_modification"
	AmendmentDatesChange           AmendmentType = "dates_change"
	AmendmentRateChange            AmendmentType = "rate_change"
	AmendmentRoomChange            AmendmentType = "room_change"
	AmendmentCancellationRequest   AmendmentType = "cancellation_request"
	AmendmentGuestDetailsChange    AmendmentType = "guest_details_change"
	AmendmentSpecialRequestsChange AmendmentType = "special_request_change"
)

// AmendmentStatus is the resolution state of an amendment.
type AmendmentStatus string

const (
	AmendmentPending           AmendmentStatus = "pending"
	AmendmentApproved          AmendmentStatus = "approved"
	AmendmentRejected          AmendmentStatus = "rejected"
	AmendmentPartiallyApproved AmendmentStatus = "partially_approved"
)

// Accepted reports whether the decision applies changes.
func (status AmendmentStatus) Accepted() bool {
	return status == AmendmentApproved || status == AmendmentPartiallyApproved
}

// AmendmentChanges is the set of fields an amendment may touch. Nil means untouched.
type AmendmentChanges struct {
	CheckIn          *time.Time    `json:"checkIn,omitempty"`
	CheckOut         *time.Time    `json:"checkOut,omitempty"`
	Rooms            []RoomLine    `json:"rooms,omitempty" validate:"omitempty,dive"`
	Guest            *GuestDetails `json:"guest,omitempty"`
	SpecialRequests  *string       `json:"specialRequests,omitempty"`
	TotalAmountCents *AmountCents  `json:"totalAmountCents,omitempty" validate:"omitempty,gte=0"`
}

// Empty reports whether no field is set.
func (changes AmendmentChanges) Empty() bool {
	return changes.CheckIn == nil && changes.CheckOut == nil && changes.Rooms == nil &&
		changes.Guest == nil && changes.SpecialRequests == nil && changes.TotalAmountCents == nil
}

// SubsetOf reports whether every field set on changes is set to the same value on requested.
func (changes AmendmentChanges) SubsetOf(requested AmendmentChanges) bool {
	if changes.CheckIn != nil && (requested.CheckIn == nil || !changes.CheckIn.Equal(*requested.CheckIn)) {
		return false
	}
	if changes.CheckOut != nil && (requested.CheckOut == nil || !changes.CheckOut.Equal(*requested.CheckOut)) {
		return false
	}
	if changes.Rooms != nil && (requested.Rooms == nil || !slices.Equal(changes.Rooms, requested.Rooms)) {
		return false
	}
	if changes.Guest != nil && (requested.Guest == nil || *changes.Guest != *requested.Guest) {
		return false
	}
	if changes.SpecialRequests != nil && (requested.SpecialRequests == nil || *changes.SpecialRequests != *requested.SpecialRequests) {
		return false
	}
	if changes.TotalAmountCents != nil && (requested.TotalAmountCents == nil || *changes.TotalAmountCents != *requested.TotalAmountCents) {
		return false
	}
	return true
}

// Clone returns a deep copy.
func (changes AmendmentChanges) Clone() AmendmentChanges {
	cloned := changes
	cloned.CheckIn = cloneTime(changes.CheckIn)
	cloned.CheckOut = cloneTime(changes.CheckOut)
	cloned.Rooms = slices.Clone(changes.Rooms)
	if changes.Guest != nil {
		guest := *changes.Guest
		cloned.Guest = &guest
	}
	cloned.SpecialRequests = cloneString(changes.SpecialRequests)
	if changes.TotalAmountCents != nil {
		total := *changes.TotalAmountCents
		cloned.TotalAmountCents = &total
	}
	return cloned
}

// ApplyTo writes the changes onto a reservation.
func (changes AmendmentChanges) ApplyTo(reservation *Reservation) {
	if changes.CheckIn != nil {
		reservation.CheckIn = *changes.CheckIn
	}
	if changes.CheckOut != nil {
		reservation.CheckOut = *changes.CheckOut
	}
	if changes.Rooms != nil {
		reservation.Rooms = slices.Clone(changes.Rooms)
	}
	if changes.Guest != nil {
		reservation.Guest = reservation.Guest.Merge(*changes.Guest)
	}
	if changes.SpecialRequests != nil {
		reservation.SpecialRequests = *changes.SpecialRequests
	}
	if changes.TotalAmountCents != nil {
		reservation.TotalAmountCents = *changes.TotalAmountCents
	}
}

// SnapshotOf captures the reservation fields that changes would overwrite.
func (changes AmendmentChanges) SnapshotOf(reservation Reservation) AmendmentChanges {
	var snapshot AmendmentChanges
	if changes.CheckIn != nil {
		checkIn := reservation.CheckIn
		snapshot.CheckIn = &checkIn
	}
	if changes.CheckOut != nil {
		checkOut := reservation.CheckOut
		snapshot.CheckOut = &checkOut
	}
	if changes.Rooms != nil {
		snapshot.Rooms = slices.Clone(reservation.Rooms)
	}
	if changes.Guest != nil {
		guest := reservation.Guest
		snapshot.Guest = &guest
	}
	if changes.SpecialRequests != nil {
		requests := reservation.SpecialRequests
		snapshot.SpecialRequests = &requests
	}
	if changes.TotalAmountCents != nil {
		total := reservation.TotalAmountCents
		snapshot.TotalAmountCents = &total
	}
	return snapshot
}

// AmendmentRequester records where an amendment came from.
type AmendmentRequester struct {
	Channel string    `json:"channel"`
	At      time.Time `json:"timestamp"`
}

// Approver records who resolved an amendment.
type Approver struct {
	UserID string    `json:"userId"`
	Name   string    `json:"name,omitempty"`
	At     time.Time `json:"at"`
}

// Amendment is a requested change to a reservation.
type Amendment struct {
	ID                     string             `json:"amendmentId"`
	ExternalID             string             `json:"externalId,omitempty"`
	Type                   AmendmentType      `json:"type"`
	RequestedBy            AmendmentRequester `json:"requestedBy"`
	Status                 AmendmentStatus    `json:"status"`
	OriginalData           AmendmentChanges   `json:"originalData"`
	RequestedChanges       AmendmentChanges   `json:"requestedChanges"`
	ApprovedChanges        *AmendmentChanges  `json:"approvedChanges,omitempty"`
	Approver               *Approver          `json:"approver,omitempty"`
	RejectionReason        string             `json:"rejectionReason,omitempty"`
	RequiresManualApproval bool               `json:"requiresManualApproval"`
	Notes                  string             `json:"notes,omitempty"`
	CreatedAt              time.Time          `json:"createdAt"`
	ResolvedAt             *time.Time         `json:"resolvedAt,omitempty"`
}

// Clone returns a deep copy.
func (amendment Amendment) Clone() Amendment {
	cloned := amendment
	cloned.OriginalData = amendment.OriginalData.Clone()
	cloned.RequestedChanges = amendment.RequestedChanges.Clone()
	if amendment.ApprovedChanges != nil {
		approved := amendment.ApprovedChanges.Clone()
		cloned.ApprovedChanges = &approved
	}
	if amendment.Approver != nil {
		approver := *amendment.Approver
		cloned.Approver = &approver
	}
	cloned.ResolvedAt = cloneTime(amendment.ResolvedAt)
	return cloned
}

// ReadyForReconfirmation reports whether a modified reservation has no pending
// amendments and at least one amendment accepted since it entered modified.
func (reservation Reservation) ReadyForReconfirmation() bool {
	if reservation.Status != StatusModified || reservation.AmendmentFlags.HasPending {
		return false
	}
	var since time.Time
	if reservation.LastStatusChange != nil && reservation.LastStatusChange.To == StatusModified {
		since = reservation.LastStatusChange.At
	}
	for _, amendment := range reservation.Amendments {
		if amendment.Status.Accepted() && amendment.ResolvedAt != nil && !amendment.ResolvedAt.Before(since) {
			return true
		}
	}
	return false
}
