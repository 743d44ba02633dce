package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors for the core's failure taxonomy. Every rejected operation
// maps to exactly one of these so the calling layer can render an actionable
// message.
var (
	// ErrInvalidInput covers malformed targets, sides, amounts, and event types.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidQuote is returned when a spend cannot be converted into a
	// finite positive share quantity.
	ErrInvalidQuote = errors.New("invalid quote")

	// ErrNotFound is returned for unknown events, outcomes, and orders.
	ErrNotFound = errors.New("not found")

	// ErrTradingClosed is returned when trading is attempted on a
	// non-active event.
	ErrTradingClosed = errors.New("trading closed")

	// ErrAlreadyResolved is returned on a second resolution attempt.
	ErrAlreadyResolved = errors.New("event already resolved")

	// ErrConcurrencyConflict signals a lost optimistic-concurrency race;
	// retried internally a bounded number of times before surfacing.
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
)

// InsufficientBalanceError reports a failed sufficiency check. No mutation
// is applied once this is returned.
type InsufficientBalanceError struct {
	Asset     string
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %s %s, need %s",
		e.Available, e.Asset, e.Required)
}

// IsInsufficientBalance reports whether err is an InsufficientBalanceError.
func IsInsufficientBalance(err error) bool {
	var ib *InsufficientBalanceError
	return errors.As(err, &ib)
}

// RiskRejectedError reports a trade rejected by the risk collaborator
// before any state mutation.
type RiskRejectedError struct {
	Reason string
}

func (e *RiskRejectedError) Error() string {
	return "risk rejected: " + e.Reason
}

// IsRiskRejected reports whether err is a RiskRejectedError.
func IsRiskRejected(err error) bool {
	var rr *RiskRejectedError
	return errors.As(err, &rr)
}

// ExternalSettlementError wraps a hedge-settlement failure during
// resolution. Non-fatal: logged and payouts proceed.
type ExternalSettlementError struct {
	EventID string
	Err     error
}

func (e *ExternalSettlementError) Error() string {
	return fmt.Sprintf("external settlement failed for event %s: %v", e.EventID, e.Err)
}

func (e *ExternalSettlementError) Unwrap() error { return e.Err }
