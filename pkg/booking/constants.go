package booking

import "time"

const (
	operationCreate            = "create"
	operationTransition        = "transition"
	operationSubmitPayment     = "submit_payment"
	operationMarkPayment       = "mark_payment_status"
	operationMutate            = "mutate"
	operationMarkNeedsSync     = "mark_needs_sync"
	operationRecordChannelSync = "record_channel_sync"
	operationDispatchIntent    = "dispatch_intent"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	auditOutcomeSucceeded = "succeeded"
	auditOutcomeFailed    = "failed"

	bookingNumberPrefix     = "BK"
	bookingNumberDateLayout = "20060102"
	amendmentIDPrefix       = "AM"
	randomSuffixModulo      = 1000
	maxNumberAttempts       = 10
	maxVersionRetries       = 3

	defaultCurrency = "USD"
)

// Policy defaults.
const (
	DefaultHoldTTL            = 15 * time.Minute
	DefaultCancellationWindow = 24 * time.Hour
	DefaultNoShowGrace        = 2 * time.Hour
	DefaultHistoryCap         = 50
)
