package trader

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrExecutionInFlight       = errors.New("execution already in flight")
	ErrLedgerCreate            = errors.New("failed to create trade attempt")
	ErrInvalidExecutedQuantity = errors.New("invalid executed quantity")
	ErrInvalidExecutedPrice    = errors.New("invalid executed price")
	ErrExecutionTimeout        = errors.New("execution timed out")
	ErrUnknownRoute            = errors.New("unknown route")
)

type GateReason string

const (
	ReasonInvalidAmount       GateReason = "InvalidAmount"
	ReasonBelowMinimum        GateReason = "BelowMinimum"
	ReasonMissingPriceData    GateReason = "MissingPriceData"
	ReasonStalePrice          GateReason = "StalePrice"
	ReasonExpectedLossTooHigh GateReason = "ExpectedLossTooHigh"
	ReasonCredentialsRequired GateReason = "CredentialsRequired"
)

// GateError is a pre-trade rejection. No capital has been committed when it
// is returned.
type GateError struct {
	Reason GateReason
	Detail string
	Err    error
}

func (e *GateError) Error() string {
	msg := "rejected: " + string(e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GateError) Unwrap() error { return e.Err }

// SlippageError reports a fill whose price moved further from the modeled
// price than the configured tolerance.
type SlippageError struct {
	Leg          int
	Expected     decimal.Decimal
	Executed     decimal.Decimal
	SlippagePct  decimal.Decimal
	TolerancePct decimal.Decimal
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("slippage exceeded on leg %d: expected %s, executed %s (%s%% > %s%%)",
		e.Leg, e.Expected, e.Executed, e.SlippagePct.StringFixed(4), e.TolerancePct)
}

// LegError wraps a failure of a single order placement.
type LegError struct {
	Leg    int
	Symbol string
	Err    error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("leg %d (%s): %v", e.Leg, e.Symbol, e.Err)
}

func (e *LegError) Unwrap() error { return e.Err }

// IsRejection reports whether err is a gate rejection.
func IsRejection(err error) bool {
	var ge *GateError
	return errors.As(err, &ge)
}

func rejectReason(err error) GateReason {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge.Reason
	}
	return ""
}
