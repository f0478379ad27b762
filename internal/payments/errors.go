package payments

import "errors"

// Domain-level error values returned by the capture service.
var (
	ErrPaymentNotCompleted  = errors.New("payment not completed")
	ErrProviderUnavailable  = errors.New("payment provider unavailable")
	ErrOrderNotFound        = errors.New("provider order not found")
	ErrInvalidOrderAmount   = errors.New("invalid order amount")
	ErrInvalidServiceConfig = errors.New("invalid capture service config")
)
