package balance

import (
	"github.com/shopspring/decimal"
)

// Status is the outcome class of a balance-changing operation.
type Status int

const (
	// StatusSuccess means the operation was applied.
	StatusSuccess Status = iota
	// StatusFailure means the operation was rejected; Reason says why.
	StatusFailure
	// StatusNotImplemented is returned for bank operations on currencies
	// without bank support.
	StatusNotImplemented
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusNotImplemented:
		return "NOT_IMPLEMENTED"
	default:
		return "UNKNOWN"
	}
}

// Failure reasons. Callers compare against these strings.
const (
	ReasonAccountNotFound   = "Account not found"
	ReasonInsufficientFunds = "Insufficient funds"
	ReasonExceedsMax        = "Exceeds max balance"
	ReasonInvalidAmount     = "Invalid amount"
	ReasonPaymentLocked     = "Payment locked"
	ReasonUnknownCurrency   = "Unknown currency"
	ReasonSelfPayment       = "Cannot pay yourself"
	ReasonAccountExists     = "Account already exists"
)

// Result is returned by every balance-changing operation. Validation
// failures are results, not errors.
type Result struct {
	Status  Status          `json:"status"`
	Balance decimal.Decimal `json:"balance"`
	Reason  string          `json:"reason,omitempty"`
}

// Success returns a successful result carrying the new balance.
func Success(balance decimal.Decimal) Result {
	return Result{Status: StatusSuccess, Balance: balance}
}

// Failure returns a rejected result. balance is the unchanged balance.
func Failure(reason string, balance decimal.Decimal) Result {
	return Result{Status: StatusFailure, Balance: balance, Reason: reason}
}

// NotImplemented returns the result for unsupported operations.
func NotImplemented() Result {
	return Result{Status: StatusNotImplemented}
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}
