package booking

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing booking operation.
type OperationLog struct {
	Operation     string
	ReservationID string
	BookingNumber string
	From          Status
	To            Status
	Actor         Actor
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithPolicy overrides the default business policy.
func WithPolicy(policy Policy) ServiceOption {
	return func(service *Service) {
		service.machine = NewStateMachine(policy)
	}
}

// WithInventory wires the inventory ledger. Without it transitions do not touch inventory.
func WithInventory(reserver InventoryReserver) ServiceOption {
	return func(service *Service) {
		service.inventory = reserver
	}
}

// WithDispatcher wires the intent dispatcher.
func WithDispatcher(dispatcher IntentDispatcher) ServiceOption {
	return func(service *Service) {
		if dispatcher != nil {
			service.dispatcher = dispatcher
		}
	}
}

// WithRandom replaces the random source used for booking numbers and amendment ids.
func WithRandom(intN func(n int) int) ServiceOption {
	return func(service *Service) {
		if intN != nil {
			service.numbers.intN = intN
		}
	}
}

// WithIDGenerator replaces the reservation id generator.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
