package inventory

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the inventory ledger and rule engine.
var (
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrAllocationExceeded    = errors.New("allocation exceeds total inventory")
	ErrDayNotFound           = errors.New("inventory day not found")
	ErrConfigNotFound        = errors.New("allotment config not found")
	ErrChannelNotEnabled     = errors.New("channel not enabled")
	ErrVersionConflict       = errors.New("inventory day version conflict")
	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrInvalidDate           = errors.New("invalid date")
	ErrInvalidRule           = errors.New("invalid allocation rule")
	ErrRestrictionViolated   = errors.New("channel restriction violated")
	ErrInvalidLedgerConfig   = errors.New("invalid ledger config")
)

// Restriction names reported through RestrictionError.
const (
	RestrictionStopSell          = "stopSell"
	RestrictionClosedToArrival   = "closedToArrival"
	RestrictionClosedToDeparture = "closedToDeparture"
	RestrictionMinStay           = "minStay"
	RestrictionMaxStay           = "maxStay"
)

// RestrictionError reports which channel restriction rejected a stay.
type RestrictionError struct {
	Restriction string
	Channel     Channel
}

// Error returns the formatted error message.
func (restrictionError RestrictionError) Error() string {
	return fmt.Sprintf("%v: %s on %s", ErrRestrictionViolated, restrictionError.Restriction, restrictionError.Channel)
}

// Unwrap returns ErrRestrictionViolated.
func (restrictionError RestrictionError) Unwrap() error {
	return ErrRestrictionViolated
}
