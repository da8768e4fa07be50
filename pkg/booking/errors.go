package booking

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/inventory"
)

// Domain-level error values returned by the booking service.
var (
	ErrInvalidTransition        = errors.New("invalid transition")
	ErrPolicyViolation          = errors.New("policy violation")
	ErrInsufficientInventory    = inventory.ErrInsufficientInventory
	ErrConflictingVersion       = errors.New("conflicting version")
	ErrAmendmentNotFound        = errors.New("amendment not found")
	ErrAmendmentAlreadyResolved = errors.New("amendment already resolved")
	ErrAmendmentNotApplicable   = errors.New("amendment not applicable")
	ErrChannelSyncTransient     = errors.New("channel sync transient failure")
	ErrChannelSyncPermanent     = errors.New("channel sync permanent failure")
	ErrReservationNotFound      = errors.New("reservation not found")
	ErrDuplicateBookingNumber   = errors.New("duplicate booking number")
	ErrDuplicateChannelBooking  = errors.New("duplicate channel booking")
	ErrInvalidReservation       = errors.New("invalid reservation")
	ErrInvalidAmountCents       = errors.New("invalid amount cents")
	ErrInvalidSource            = errors.New("invalid source")
	ErrInvalidPaymentStatus     = errors.New("invalid payment status")
	ErrOverpayment              = errors.New("payment exceeds total amount")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// Policy names carried by PolicyViolationError.
const (
	PolicyCancellationWindow  = "cancellationWindow"
	PolicyGracePeriod         = "gracePeriod"
	PolicyPaymentFailed       = "paymentFailed"
	PolicyPendingAmendments   = "pendingAmendments"
	PolicyNoPendingAmendments = "noPendingAmendments"
	PolicyEarlyCheckIn        = "earlyCheckIn"
	PolicyHoldExpired         = "holdExpired"
	PolicyReservationClosed   = "reservationClosed"
	PolicyCheckInInPast       = "checkInInPast"
)

// PolicyViolationError names the business policy that rejected an operation.
type PolicyViolationError struct {
	Policy string
	Err    error
}

// Error returns the formatted error message.
func (policyError PolicyViolationError) Error() string {
	if policyError.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrPolicyViolation, policyError.Policy, policyError.Err)
	}
	return fmt.Sprintf("%v: %s", ErrPolicyViolation, policyError.Policy)
}

// Unwrap exposes ErrPolicyViolation and the underlying cause.
func (policyError PolicyViolationError) Unwrap() []error {
	if policyError.Err != nil {
		return []error{ErrPolicyViolation, policyError.Err}
	}
	return []error{ErrPolicyViolation}
}

func policyViolation(policy string) error {
	return PolicyViolationError{Policy: policy}
}

// PolicyOf returns the violated policy name, if err is a policy violation.
func PolicyOf(err error) (string, bool) {
	var policyError PolicyViolationError
	if errors.As(err, &policyError) {
		return policyError.Policy, true
	}
	return "", false
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// Error kinds surfaced to callers of the core.
const (
	KindInvalidTransition        = "InvalidTransition"
	KindPolicyViolation          = "PolicyViolation"
	KindInsufficientInventory    = "InsufficientInventory"
	KindConflictingVersion       = "ConflictingVersion"
	KindAmendmentNotFound        = "AmendmentNotFound"
	KindAmendmentAlreadyResolved = "AmendmentAlreadyResolved"
	KindAmendmentNotApplicable   = "AmendmentNotApplicable"
	KindChannelSyncTransient     = "ChannelSyncTransient"
	KindChannelSyncPermanent     = "ChannelSyncPermanent"
	KindNotFound                 = "NotFound"
	KindDuplicate                = "Duplicate"
	KindValidation               = "Validation"
	KindInternal                 = "Internal"
)

// ErrorKind classifies err into one of the Kind constants.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrPolicyViolation), errors.Is(err, inventory.ErrRestrictionViolated):
		return KindPolicyViolation
	case errors.Is(err, ErrInsufficientInventory):
		return KindInsufficientInventory
	case errors.Is(err, ErrConflictingVersion):
		return KindConflictingVersion
	case errors.Is(err, ErrAmendmentNotFound):
		return KindAmendmentNotFound
	case errors.Is(err, ErrAmendmentAlreadyResolved):
		return KindAmendmentAlreadyResolved
	case errors.Is(err, ErrAmendmentNotApplicable):
		return KindAmendmentNotApplicable
	case errors.Is(err, ErrChannelSyncPermanent):
		return KindChannelSyncPermanent
	case errors.Is(err, ErrChannelSyncTransient):
		return KindChannelSyncTransient
	case errors.Is(err, ErrReservationNotFound):
		return KindNotFound
	case errors.Is(err, ErrDuplicateBookingNumber), errors.Is(err, ErrDuplicateChannelBooking):
		return KindDuplicate
	case errors.Is(err, ErrInvalidReservation),
		errors.Is(err, ErrInvalidAmountCents),
		errors.Is(err, ErrInvalidSource),
		errors.Is(err, ErrInvalidPaymentStatus),
		errors.Is(err, ErrOverpayment),
		errors.Is(err, inventory.ErrInvalidQuantity),
		errors.Is(err, inventory.ErrInvalidDate):
		return KindValidation
	default:
		return KindInternal
	}
}
