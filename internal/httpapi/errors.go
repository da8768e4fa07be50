package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/inventory"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	errorInvalidPayload = "InvalidPayload"
	errorInvalidDate    = "InvalidDate"
	messageInternal     = "internal error"
)

var statusByKind = map[string]int{
	booking.KindValidation:               http.StatusBadRequest,
	booking.KindNotFound:                 http.StatusNotFound,
	booking.KindAmendmentNotFound:        http.StatusNotFound,
	booking.KindInvalidTransition:        http.StatusConflict,
	booking.KindConflictingVersion:       http.StatusConflict,
	booking.KindDuplicate:                http.StatusConflict,
	booking.KindInsufficientInventory:    http.StatusConflict,
	booking.KindAmendmentAlreadyResolved: http.StatusConflict,
	booking.KindPolicyViolation:          http.StatusUnprocessableEntity,
	booking.KindAmendmentNotApplicable:   http.StatusUnprocessableEntity,
	booking.KindChannelSyncTransient:     http.StatusBadGateway,
	booking.KindChannelSyncPermanent:     http.StatusBadGateway,
	booking.KindInternal:                 http.StatusInternalServerError,
}

// classify maps err onto an HTTP status and an error kind. Inventory lookups and
// configuration errors are not part of the booking taxonomy and are mapped here.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, inventory.ErrConfigNotFound), errors.Is(err, inventory.ErrDayNotFound):
		return http.StatusNotFound, booking.KindNotFound
	case errors.Is(err, inventory.ErrInvalidRule),
		errors.Is(err, inventory.ErrAllocationExceeded),
		errors.Is(err, inventory.ErrChannelNotEnabled):
		return http.StatusBadRequest, booking.KindValidation
	}
	kind := booking.ErrorKind(err)
	status, ok := statusByKind[kind]
	if !ok {
		return http.StatusInternalServerError, booking.KindInternal
	}
	return status, kind
}

func (handler *Handler) respondError(ctx *gin.Context, err error) {
	status, kind := classify(err)
	body := errorResponse(kind, err.Error())
	if status == http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		body = errorResponse(kind, messageInternal)
	}
	if policy, ok := booking.PolicyOf(err); ok {
		body["policy"] = policy
	}
	ctx.JSON(status, body)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": code, "message": message}
}
