package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/amendment"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/inventory"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type transitionRequest struct {
	Status string `json:"status" binding:"required"`
	booking.TransitionContext
}

type resolveRequest struct {
	amendment.Decision
	Approver booking.Approver `json:"approver"`
}

type allocationRequest struct {
	Channel  inventory.Channel `json:"channel" binding:"required"`
	Quantity int               `json:"quantity"`
}

type amendmentResponse struct {
	Reservation booking.Reservation `json:"reservation"`
	Amendment   booking.Amendment   `json:"amendment"`
	Duplicate   bool                `json:"duplicate"`
	Review      bool                `json:"pendingReview"`
}

type dayResponse struct {
	HotelID            string                                `json:"hotelId"`
	RoomTypeID         string                                `json:"roomTypeId"`
	Date               string                                `json:"date"`
	TotalInventory     int                                   `json:"totalInventory"`
	OverbookingAllowed bool                                  `json:"overbookingAllowed"`
	OverbookingLimit   int                                   `json:"overbookingLimit"`
	OccupancyRate      float64                               `json:"occupancyRate"`
	Channels           map[inventory.Channel]channelResponse `json:"channels"`
	Version            int64                                 `json:"version"`
	UpdatedAt          time.Time                             `json:"updatedAt"`
}

type channelResponse struct {
	inventory.Bucket
	Available int `json:"available"`
}

type dayErrorResponse struct {
	Date  string `json:"date"`
	Error string `json:"error"`
}

func (handler *Handler) handleCreateReservation(ctx *gin.Context) {
	var input booking.CreateInput
	if err := ctx.ShouldBindJSON(&input); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, err.Error()))
		return
	}
	reservation, err := handler.service.Create(ctx.Request.Context(), input)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"reservation": reservation})
}

func (handler *Handler) handleGetReservation(ctx *gin.Context) {
	reservation, err := handler.service.Get(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": reservation})
}

func (handler *Handler) handleGetByBookingNumber(ctx *gin.Context) {
	reservation, err := handler.service.GetByBookingNumber(ctx.Request.Context(), ctx.Param("number"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": reservation})
}

func (handler *Handler) handleTransition(ctx *gin.Context) {
	var request transitionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, err.Error()))
		return
	}
	target, err := booking.ParseStatus(request.Status)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	result, err := handler.service.Transition(ctx.Request.Context(), ctx.Param("id"), target, staffContext(request.TransitionContext))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": result.Reservation, "from": result.From})
}

func (handler *Handler) handleCancel(ctx *gin.Context) {
	var transitionContext booking.TransitionContext
	if err := ctx.ShouldBindJSON(&transitionContext); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, err.Error()))
		return
	}
	result, err := handler.service.Cancel(ctx.Request.Context(), ctx.Param("id"), staffContext(transitionContext))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": result.Reservation, "from": result.From})
}

func (handler *Handler) handlePayment(ctx *gin.Context) {
	var payment booking.PaymentInput
	if err := ctx.ShouldBindJSON(&payment); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, err.Error()))
		return
	}
	if _, err := handler.service.SubmitPayment(ctx.Request.Context(), ctx.Param("id"), payment); err != nil {
		handler.respondError(ctx, err)
		return
	}
	// Observers may have confirmed the reservation on payment; return the latest state.
	reservation, err := handler.service.Get(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": reservation})
}

func (handler *Handler) handleReceiveAmendment(ctx *gin.Context) {
	raw, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "unreadable body"))
		return
	}
	payload, err := amendment.ParsePayload(raw)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	receipt, err := handler.amendments.Receive(ctx.Request.Context(), payload.ReservationRef, payload)
	switch {
	case errors.Is(err, booking.ErrAmendmentNotApplicable):
		ctx.JSON(http.StatusAccepted, amendmentResponse{Reservation: receipt.Reservation, Amendment: receipt.Amendment, Review: true})
	case err != nil:
		handler.respondError(ctx, err)
	case receipt.Duplicate:
		ctx.JSON(http.StatusOK, amendmentResponse{Reservation: receipt.Reservation, Amendment: receipt.Amendment, Duplicate: true})
	default:
		ctx.JSON(http.StatusCreated, amendmentResponse{Reservation: receipt.Reservation, Amendment: receipt.Amendment, Review: receipt.Amendment.RequiresManualApproval})
	}
}

func (handler *Handler) handleResolveAmendment(ctx *gin.Context) {
	var request resolveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, err.Error()))
		return
	}
	if request.Approver.At.IsZero() {
		request.Approver.At = handler.service.Now()
	}
	reservation, err := handler.amendments.Resolve(ctx.Request.Context(), ctx.Param("id"), ctx.Param("amendmentId"), request.Decision, request.Approver)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": reservation})
}

func (handler *Handler) handleGetAllotment(ctx *gin.Context) {
	config, err := handler.ledger.Allotment(ctx.Request.Context(), ctx.Param("hotelId"), ctx.Param("roomTypeId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"allotment": config})
}

func (handler *Handler) handlePutAllotment(ctx *gin.Context) {
	var config inventory.AllotmentConfig
	if err := ctx.ShouldBindJSON(&config); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, err.Error()))
		return
	}
	config.HotelID = ctx.Param("hotelId")
	config.RoomTypeID = ctx.Param("roomTypeId")
	if err := handler.ledger.ConfigureAllotment(ctx.Request.Context(), config); err != nil {
		handler.respondError(ctx, err)
		return
	}
	stored, err := handler.ledger.Allotment(ctx.Request.Context(), config.HotelID, config.RoomTypeID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"allotment": stored})
}

func (handler *Handler) handleListDays(ctx *gin.Context) {
	from, to, ok := parseRange(ctx)
	if !ok {
		return
	}
	days, err := handler.ledger.Days(ctx.Request.Context(), ctx.Param("hotelId"), ctx.Param("roomTypeId"), from, to)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	views := make([]dayResponse, 0, len(days))
	for _, day := range days {
		views = append(views, newDayResponse(day))
	}
	ctx.JSON(http.StatusOK, gin.H{"days": views})
}

func (handler *Handler) handleGetDay(ctx *gin.Context) {
	date, err := inventory.ParseDate(ctx.Param("date"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidDate, err.Error()))
		return
	}
	day, err := handler.ledger.Day(ctx.Request.Context(), inventory.NewDayKey(ctx.Param("hotelId"), ctx.Param("roomTypeId"), date))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"day": newDayResponse(day)})
}

func (handler *Handler) handleAllocate(ctx *gin.Context) {
	date, err := inventory.ParseDate(ctx.Param("date"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidDate, err.Error()))
		return
	}
	var request allocationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, err.Error()))
		return
	}
	key := inventory.NewDayKey(ctx.Param("hotelId"), ctx.Param("roomTypeId"), date)
	day, err := handler.ledger.Allocate(ctx.Request.Context(), key, request.Channel, request.Quantity)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"day": newDayResponse(day)})
}

func (handler *Handler) handleApplyRules(ctx *gin.Context) {
	from, to, ok := parseRange(ctx)
	if !ok {
		return
	}
	result, err := handler.ledger.Rules().ApplyRules(ctx.Request.Context(), ctx.Param("hotelId"), ctx.Param("roomTypeId"), from, to)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	failures := make([]dayErrorResponse, 0, len(result.Errors))
	for _, dayError := range result.Errors {
		failures = append(failures, dayErrorResponse{Date: dayError.Date.Format(time.DateOnly), Error: dayError.Err.Error()})
	}
	ctx.JSON(http.StatusOK, gin.H{"daysProcessed": result.DaysProcessed, "errors": failures})
}

func (handler *Handler) handlePerformance(ctx *gin.Context) {
	from, to, ok := parseRange(ctx)
	if !ok {
		return
	}
	performance, err := handler.ledger.Performance(ctx.Request.Context(), ctx.Param("hotelId"), ctx.Param("roomTypeId"), from, to)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	proposal := inventory.ProposePercentages(performance)
	if proposal == nil {
		proposal = map[inventory.Channel]decimal.Decimal{}
	}
	ctx.JSON(http.StatusOK, gin.H{"performance": performance, "proposedPercentages": proposal})
}

func parseRange(ctx *gin.Context) (time.Time, time.Time, bool) {
	from, err := inventory.ParseDate(ctx.Query("from"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidDate, "from: "+err.Error()))
		return time.Time{}, time.Time{}, false
	}
	to, err := inventory.ParseDate(ctx.Query("to"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidDate, "to: "+err.Error()))
		return time.Time{}, time.Time{}, false
	}
	if to.Before(from) {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidDate, "to precedes from"))
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// staffContext attributes unauthenticated API calls to staff.
func staffContext(transitionContext booking.TransitionContext) booking.TransitionContext {
	if transitionContext.Actor.Source == "" {
		transitionContext.Actor = booking.Actor{Source: booking.ActorStaff, UserID: "api"}
	}
	return transitionContext
}

func newDayResponse(day inventory.Day) dayResponse {
	channels := make(map[inventory.Channel]channelResponse, len(day.Buckets))
	for _, channel := range day.Channels() {
		bucket, _ := day.Bucket(channel)
		channels[channel] = channelResponse{Bucket: bucket, Available: bucket.Available()}
	}
	return dayResponse{
		HotelID:            day.Key.HotelID,
		RoomTypeID:         day.Key.RoomTypeID,
		Date:               day.Key.DateString(),
		TotalInventory:     day.TotalInventory,
		OverbookingAllowed: day.OverbookingAllowed,
		OverbookingLimit:   day.OverbookingLimit,
		OccupancyRate:      day.OccupancyRate(),
		Channels:           channels,
		Version:            day.Version,
		UpdatedAt:          day.UpdatedAt,
	}
}
