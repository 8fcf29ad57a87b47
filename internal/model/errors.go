package model

import "errors"

// Sentinel errors for domain-level error handling. The HTTP layer maps
// these to status codes; business-rule rejections happen before any side
// effect unless noted.
var (
	ErrInsufficientFunds  = errors.New("insufficient available cash")
	ErrInsufficientShares = errors.New("insufficient shares held")
	ErrMissingPrice       = errors.New("no limit or estimated price given")
	ErrNotFound           = errors.New("not found")
	ErrInvalidStatus      = errors.New("operation not valid in current status")
	ErrAccountFrozen      = errors.New("account is frozen pending review")
	ErrAccountInactive    = errors.New("account is deactivated")
	ErrCeilingExceeded    = errors.New("allocation would exceed real broker cash")
	ErrBatchInProgress    = errors.New("orders are locked while a batch is running")
	ErrNotConnected       = errors.New("broker connection is not available")
	ErrBrokerRejected     = errors.New("order rejected by broker")
	ErrAllocationFailed   = errors.New("fill allocation could not be applied")
)

// ValidationError represents a request validation failure. Returned
// before any cash or share side effect.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
