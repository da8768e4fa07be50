package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarkoPoloResearchLab/hotelcore/internal/testkit"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/amendment"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/inventory"
	"github.com/gin-gonic/gin"
)

const allowedOrigin = "http://localhost:8000"

type reservationEnvelope struct {
	Reservation booking.Reservation `json:"reservation"`
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Policy  string `json:"policy"`
}

func newTestRouter(test *testing.T, world *testkit.World) *gin.Engine {
	test.Helper()
	processor, err := amendment.NewProcessor(world.Service)
	if err != nil {
		test.Fatalf("new processor: %v", err)
	}
	handler, err := NewHandler(world.Service, processor, world.Ledger, nil)
	if err != nil {
		test.Fatalf("new handler: %v", err)
	}
	return NewRouter(Config{AllowedOrigins: []string{allowedOrigin}}, handler)
}

func perform(test *testing.T, router http.Handler, method string, path string, body any) *httptest.ResponseRecorder {
	test.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(typed))
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			test.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decode[T any](test *testing.T, recorder *httptest.ResponseRecorder) T {
	test.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		test.Fatalf("decode %s: %v", recorder.Body.String(), err)
	}
	return value
}

func expectStatus(test *testing.T, recorder *httptest.ResponseRecorder, status int) {
	test.Helper()
	if recorder.Code != status {
		test.Fatalf("expected status %d, got %d body=%s", status, recorder.Code, recorder.Body.String())
	}
}

func TestHealthAndCORS(test *testing.T) {
	test.Parallel()
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-04-01T09:00:00Z"))
	router := newTestRouter(test, world)

	expectStatus(test, perform(test, router, http.MethodGet, "/healthz", nil), http.StatusOK)

	preflight := httptest.NewRequest(http.MethodOptions, "/api/reservations", nil)
	preflight.Header.Set("Origin", allowedOrigin)
	preflight.Header.Set("Access-Control-Request-Method", http.MethodPost)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, preflight)
	if recorder.Code != http.StatusNoContent {
		test.Fatalf("expected preflight 204, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != allowedOrigin {
		test.Fatalf("expected allowed origin header, got %q", got)
	}
}

func TestReservationLifecycleOverHTTP(test *testing.T) {
	test.Parallel()
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-04-01T09:00:00Z"))
	router := newTestRouter(test, world)

	created := perform(test, router, http.MethodPost, "/api/reservations", testkit.Input(test, "direct", "2025-05-01", "2025-05-03"))
	expectStatus(test, created, http.StatusCreated)
	reservation := decode[reservationEnvelope](test, created).Reservation
	if reservation.Status != booking.StatusPending || reservation.ReservedUntil == nil {
		test.Fatalf("expected pending hold, got %s", reservation.Status)
	}

	fetched := perform(test, router, http.MethodGet, "/api/reservations/by-number/"+reservation.BookingNumber, nil)
	expectStatus(test, fetched, http.StatusOK)
	if decode[reservationEnvelope](test, fetched).Reservation.ID != reservation.ID {
		test.Fatalf("booking number lookup returned another reservation")
	}

	paid := perform(test, router, http.MethodPost, "/api/reservations/"+reservation.ID+"/payments", booking.PaymentInput{Method: "card", AmountCents: 10000})
	expectStatus(test, paid, http.StatusOK)
	if decode[reservationEnvelope](test, paid).Reservation.Payment.Status != booking.PaymentPaid {
		test.Fatalf("expected paid reservation")
	}

	confirmed := perform(test, router, http.MethodPost, "/api/reservations/"+reservation.ID+"/transitions", map[string]any{"status": "confirmed"})
	expectStatus(test, confirmed, http.StatusOK)
	latest := decode[reservationEnvelope](test, confirmed).Reservation
	if latest.Status != booking.StatusConfirmed {
		test.Fatalf("expected confirmed, got %s", latest.Status)
	}
	last := latest.StatusHistory[len(latest.StatusHistory)-1]
	if last.Actor.Source != booking.ActorStaff {
		test.Fatalf("expected staff attribution, got %+v", last.Actor)
	}
	if sold := world.Bucket(test, "2025-05-01", inventory.ChannelDirect).Sold; sold != 1 {
		test.Fatalf("expected sold=1, got %d", sold)
	}

	invalid := perform(test, router, http.MethodPost, "/api/reservations/"+reservation.ID+"/transitions", map[string]any{"status": "checked_out"})
	expectStatus(test, invalid, http.StatusConflict)
	if decode[errorEnvelope](test, invalid).Error != booking.KindInvalidTransition {
		test.Fatalf("expected InvalidTransition, got %s", invalid.Body.String())
	}

	cancelled := perform(test, router, http.MethodPost, "/api/reservations/"+reservation.ID+"/cancel", map[string]any{"reason": "guest called"})
	expectStatus(test, cancelled, http.StatusOK)
	if decode[reservationEnvelope](test, cancelled).Reservation.Status != booking.StatusCancelled {
		test.Fatalf("expected cancelled")
	}
}

func TestErrorMapping(test *testing.T) {
	test.Parallel()
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-04-30T12:00:00Z"))
	router := newTestRouter(test, world)
	reservation := world.MustConfirm(test, testkit.Input(test, "direct", "2025-05-01", "2025-05-03"))

	testCases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   string
		policy string
	}{
		{name: "unknown reservation", method: http.MethodGet, path: "/api/reservations/missing", status: http.StatusNotFound, kind: booking.KindNotFound},
		{name: "malformed body", method: http.MethodPost, path: "/api/reservations", body: "{", status: http.StatusBadRequest, kind: errorInvalidPayload},
		{name: "invalid reservation", method: http.MethodPost, path: "/api/reservations", body: map[string]any{"hotelId": testkit.HotelID}, status: http.StatusBadRequest, kind: booking.KindValidation},
		{name: "unknown status", method: http.MethodPost, path: "/api/reservations/" + reservation.ID + "/transitions", body: map[string]any{"status": "teleported"}, status: http.StatusConflict, kind: booking.KindInvalidTransition},
		{
			name:   "guest cancellation inside window",
			method: http.MethodPost,
			path:   "/api/reservations/" + reservation.ID + "/cancel",
			body:   map[string]any{"actor": map[string]any{"source": "guest", "userId": "G1"}},
			status: http.StatusUnprocessableEntity,
			kind:   booking.KindPolicyViolation,
			policy: booking.PolicyCancellationWindow,
		},
		{name: "overpayment", method: http.MethodPost, path: "/api/reservations/" + reservation.ID + "/payments", body: booking.PaymentInput{Method: "card", AmountCents: 999999}, status: http.StatusBadRequest, kind: booking.KindValidation},
		{name: "missing allotment", method: http.MethodGet, path: "/api/inventory/H9/STD/allotment", status: http.StatusNotFound, kind: booking.KindNotFound},
		{name: "bad range", method: http.MethodGet, path: "/api/inventory/H1/STD/days?from=2025-05-03&to=2025-05-01", status: http.StatusBadRequest, kind: errorInvalidDate},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			recorder := perform(test, router, testCase.method, testCase.path, testCase.body)
			expectStatus(test, recorder, testCase.status)
			body := decode[errorEnvelope](test, recorder)
			if body.Error != testCase.kind || body.Policy != testCase.policy {
				test.Fatalf("expected %s/%s, got %+v", testCase.kind, testCase.policy, body)
			}
		})
	}
}

func TestAmendmentReceiveAndResolve(test *testing.T) {
	test.Parallel()
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-04-01T09:00:00Z"))
	router := newTestRouter(test, world)
	input := testkit.Input(test, "booking_com", "2025-05-01", "2025-05-03")
	input.ChannelBookingID = "BDC-7"
	reservation := world.MustConfirm(test, input)

	payload := map[string]any{
		"reservationRef":      "BDC-7",
		"externalAmendmentId": "EXT-7",
		"channel":             "booking_com",
		"type":                "dates_change",
		"requestedChanges":    map[string]any{"checkOut": "2025-05-04T00:00:00Z"},
	}
	received := perform(test, router, http.MethodPost, "/api/amendments", payload)
	expectStatus(test, received, http.StatusCreated)
	receipt := decode[amendmentResponse](test, received)
	if receipt.Reservation.Status != booking.StatusModified || receipt.Amendment.Status != booking.AmendmentPending {
		test.Fatalf("expected modified reservation with pending amendment, got %s/%s", receipt.Reservation.Status, receipt.Amendment.Status)
	}

	replayed := perform(test, router, http.MethodPost, "/api/amendments", payload)
	expectStatus(test, replayed, http.StatusOK)
	if !decode[amendmentResponse](test, replayed).Duplicate {
		test.Fatalf("expected replay to be reported as duplicate")
	}

	unknownField := perform(test, router, http.MethodPost, "/api/amendments", `{"reservationRef":"BDC-7","surprise":true}`)
	expectStatus(test, unknownField, http.StatusBadRequest)

	path := fmt.Sprintf("/api/reservations/%s/amendments/%s/resolve", reservation.ID, receipt.Amendment.ID)
	resolved := perform(test, router, http.MethodPost, path, map[string]any{"decision": "approved", "approver": map[string]any{"userId": "staff-1"}})
	expectStatus(test, resolved, http.StatusOK)
	latest := decode[reservationEnvelope](test, resolved).Reservation
	if latest.Status != booking.StatusConfirmed || latest.Nights() != 3 {
		test.Fatalf("expected reconfirmed 3-night stay, got %s %d", latest.Status, latest.Nights())
	}

	again := perform(test, router, http.MethodPost, path, map[string]any{"decision": "rejected"})
	expectStatus(test, again, http.StatusConflict)
	if decode[errorEnvelope](test, again).Error != booking.KindAmendmentAlreadyResolved {
		test.Fatalf("expected AmendmentAlreadyResolved, got %s", again.Body.String())
	}
}

func TestInventoryRoutes(test *testing.T) {
	test.Parallel()
	world := testkit.NewWorld(test, testkit.MustTime(test, "2025-04-01T09:00:00Z"))
	router := newTestRouter(test, world)

	allotment := testkit.StandardAllotment(12, true, 2)
	updated := perform(test, router, http.MethodPut, "/api/inventory/H1/STD/allotment", allotment)
	expectStatus(test, updated, http.StatusOK)

	applied := perform(test, router, http.MethodPost, "/api/inventory/H1/STD/rules/apply?from=2025-05-01&to=2025-05-03", nil)
	expectStatus(test, applied, http.StatusOK)
	summary := decode[struct {
		DaysProcessed int                `json:"daysProcessed"`
		Errors        []dayErrorResponse `json:"errors"`
	}](test, applied)
	if summary.DaysProcessed != 3 || len(summary.Errors) != 0 {
		test.Fatalf("expected 3 clean days, got %+v", summary)
	}

	allocated := perform(test, router, http.MethodPost, "/api/inventory/H1/STD/days/2025-05-02/allocations", allocationRequest{Channel: inventory.ChannelExpedia, Quantity: 2})
	expectStatus(test, allocated, http.StatusOK)
	day := decode[struct {
		Day dayResponse `json:"day"`
	}](test, allocated).Day
	if day.TotalInventory != 12 || day.Channels[inventory.ChannelExpedia].Allocated != 2 || day.Channels[inventory.ChannelExpedia].Available != 2 {
		test.Fatalf("unexpected day %+v", day)
	}

	tooMany := perform(test, router, http.MethodPost, "/api/inventory/H1/STD/days/2025-05-02/allocations", allocationRequest{Channel: inventory.ChannelExpedia, Quantity: 50})
	expectStatus(test, tooMany, http.StatusBadRequest)

	listed := perform(test, router, http.MethodGet, "/api/inventory/H1/STD/days?from=2025-05-01&to=2025-05-03", nil)
	expectStatus(test, listed, http.StatusOK)
	days := decode[struct {
		Days []dayResponse `json:"days"`
	}](test, listed).Days
	if len(days) != 3 || days[0].Date != "2025-05-01" {
		test.Fatalf("expected three stored days, got %+v", days)
	}

	performance := perform(test, router, http.MethodGet, "/api/inventory/H1/STD/performance?from=2025-05-01&to=2025-05-03", nil)
	expectStatus(test, performance, http.StatusOK)
}

func TestNewHandlerRequiresDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewHandler(nil, nil, nil, nil); !errors.Is(err, ErrInvalidHandlerConfig) {
		test.Fatalf("expected ErrInvalidHandlerConfig, got %v", err)
	}
}
