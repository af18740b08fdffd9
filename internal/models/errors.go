package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidCurrency        = errors.New("invalid currency")
	ErrInvalidRail            = errors.New("invalid rail")
	ErrMissingWallet          = errors.New("payer wallet is required")
	ErrMissingEmail           = errors.New("payer email is required")
	ErrConnectionRejected     = errors.New("wallet connection rejected")
	ErrUserRejected           = errors.New("user rejected transaction")
	ErrTimeout                = errors.New("wallet request timed out")
	ErrTransportError         = errors.New("transport error")
	ErrRailVerificationFailed = errors.New("rail verification failed")
	ErrOrderExpired           = errors.New("order expired")
	ErrInvalidOrderState      = errors.New("invalid order state")
	ErrDoubleCreditAttempt    = errors.New("double credit attempt")
	ErrOrderNotFound          = errors.New("order not found")
	ErrWalletMismatch         = errors.New("wallet does not match order")
)

// OrderError is returned for every failure surfaced outside the lifecycle manager.
type OrderError struct {
	OrderID string
	Status  OrderStatus
	Err     error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order %s (%s): %v", e.OrderID, e.Status, e.Err)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

func NewOrderError(order *Order, err error) *OrderError {
	if order == nil {
		return &OrderError{Err: err}
	}
	return &OrderError{OrderID: order.OrderID, Status: order.Status, Err: err}
}

// TransportError is a transient failure talking to a rail. It is retried by the
// poll loop and never changes order state on its own.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransportError
}

func (e *TransportError) IsRetriable() bool {
	return true
}

func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// IsRetriable checks if an error is worth retrying at the poll layer.
func IsRetriable(err error) bool {
	var re interface{ IsRetriable() bool }
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}
