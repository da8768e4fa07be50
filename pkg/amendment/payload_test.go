package amendment

import (
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
)

func TestParsePayload(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "dates change",
			raw: `{"reservationRef":"BDC-3","externalAmendmentId":"EXT-1","channel":"booking_com","type":"dates_change",
				"originalData":{"checkOut":"2025-05-03T00:00:00Z"},"requestedChanges":{"checkOut":"2025-05-04T00:00:00Z"},
				"requiresManualApproval":false,"timestamp":"2025-04-01T09:00:00Z"}`,
		},
		{
			name: "cancellation without changes",
			raw:  `{"reservationRef":"BDC-3","externalAmendmentId":"EXT-2","type":"cancellation_request","requestedChanges":{}}`,
		},
		{
			name:    "unknown top-level field",
			raw:     `{"reservationRef":"BDC-3","externalAmendmentId":"EXT-3","type":"dates_change","requestedChanges":{"checkOut":"2025-05-04T00:00:00Z"},"priority":"high"}`,
			wantErr: true,
		},
		{
			name:    "unknown change field",
			raw:     `{"reservationRef":"BDC-3","externalAmendmentId":"EXT-4","type":"dates_change","requestedChanges":{"nights":3}}`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			raw:     `{"reservationRef":"BDC-3","externalAmendmentId":"EXT-5","type":"upgrade","requestedChanges":{"checkOut":"2025-05-04T00:00:00Z"}}`,
			wantErr: true,
		},
		{
			name:    "missing external id",
			raw:     `{"reservationRef":"BDC-3","type":"dates_change","requestedChanges":{"checkOut":"2025-05-04T00:00:00Z"}}`,
			wantErr: true,
		},
		{
			name:    "dates change without changes",
			raw:     `{"reservationRef":"BDC-3","externalAmendmentId":"EXT-6","type":"dates_change","requestedChanges":{}}`,
			wantErr: true,
		},
		{
			name:    "inverted dates",
			raw:     `{"reservationRef":"BDC-3","externalAmendmentId":"EXT-7","type":"dates_change","requestedChanges":{"checkIn":"2025-05-04T00:00:00Z","checkOut":"2025-05-02T00:00:00Z"}}`,
			wantErr: true,
		},
		{
			name:    "bad guest email",
			raw:     `{"reservationRef":"BDC-3","externalAmendmentId":"EXT-8","type":"guest_details_change","requestedChanges":{"guest":{"email":"nope"}}}`,
			wantErr: true,
		},
		{
			name:    "trailing document",
			raw:     `{"reservationRef":"BDC-3","externalAmendmentId":"EXT-9","type":"cancellation_request"} {}`,
			wantErr: true,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			payload, err := ParsePayload([]byte(testCase.raw))
			if testCase.wantErr {
				if !errors.Is(err, ErrInvalidPayload) || !errors.Is(err, booking.ErrInvalidReservation) {
					test.Fatalf("expected ErrInvalidPayload, got %v", err)
				}
				return
			}
			if err != nil {
				test.Fatalf("parse: %v", err)
			}
			if payload.ReservationRef != "BDC-3" {
				test.Fatalf("unexpected payload %+v", payload)
			}
		})
	}
}

func TestDecisionValidate(test *testing.T) {
	test.Parallel()
	requests := "crib"
	phone := booking.GuestDetails{Phone: "+100"}
	requested := booking.AmendmentChanges{SpecialRequests: &requests, Guest: &phone}

	if err := (Decision{Status: "maybe"}).Validate(requested); !errors.Is(err, ErrInvalidDecision) {
		test.Fatalf("expected unknown decision rejected, got %v", err)
	}
	if err := (Decision{Status: booking.AmendmentPartiallyApproved}).Validate(requested); !errors.Is(err, ErrInvalidDecision) {
		test.Fatalf("expected partial approval without changes rejected, got %v", err)
	}
	subset := booking.AmendmentChanges{SpecialRequests: &requests}
	if err := (Decision{Status: booking.AmendmentPartiallyApproved, PartialChanges: &subset}).Validate(requested); err != nil {
		test.Fatalf("expected subset accepted, got %v", err)
	}
	if err := (Decision{Status: booking.AmendmentRejected, Reason: "no"}).Validate(requested); err != nil {
		test.Fatalf("expected rejection accepted, got %v", err)
	}
}
