package migration

import (
	"errors"
	"fmt"
)

var (
	// ErrPrecondition marks a malformed request rejected before any state is created.
	ErrPrecondition = errors.New("migration: precondition failed")

	ErrMarketPaused           = errors.New("migration: market paused")
	ErrInsufficientLiquidity  = errors.New("migration: insufficient market liquidity")
	ErrInsufficientCollateral = errors.New("migration: insufficient collateral")
	ErrInsufficientBalance    = errors.New("migration: insufficient balance")
	ErrPartialFill            = errors.New("migration: market filled a different amount")
	ErrUnknownMarket          = errors.New("migration: market not configured")

	ErrBufferExhausted  = errors.New("migration: buffer liquidity exhausted")
	ErrDuplicateDraw    = errors.New("migration: buffer entry already exists")
	ErrNoBufferEntry    = errors.New("migration: no outstanding buffer entry")
	ErrSettleMismatch   = errors.New("migration: settle amount does not match buffer entry")
	ErrBufferContention = errors.New("migration: buffer pool contention")
	ErrUnknownPool      = errors.New("migration: buffer pool not configured")

	ErrMalformedPayload  = errors.New("migration: malformed bridge payload")
	ErrDeliveryFailed    = errors.New("migration: bridge delivery failed")
	ErrInconsistency     = errors.New("migration: inconsistency")
	ErrUnexpectedStep    = errors.New("migration: record not awaiting this step")
	ErrDuplicateDelivery = errors.New("migration: message already consumed")
	ErrUnknownRecord     = errors.New("migration: record not found")
	ErrUnknownMessage    = errors.New("migration: message not issued by any record")

	ErrStaleState        = errors.New("migration: record no longer in expected state")
	ErrInvalidTransition = errors.New("migration: transition not permitted")
	ErrNotCancellable    = errors.New("migration: record can no longer be cancelled")
	ErrUnknownChain      = errors.New("migration: chain not configured")
	ErrQueueFull         = errors.New("migration: work queue full")
)

// PreconditionError describes why a request was rejected at intake.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPrecondition.Error(), e.Reason)
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

func preconditionf(format string, args ...any) error {
	return &PreconditionError{Reason: fmt.Sprintf(format, args...)}
}

// AdapterError is the typed failure surfaced by market adapters. Adapters
// must not leave partial state behind when returning one.
type AdapterError struct {
	Op     string
	Chain  uint64
	Market string
	Err    error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("migration: market %s on chain %d: %s: %v", e.Market, e.Chain, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// IsAdapterFailure reports whether err originated in a market adapter.
func IsAdapterFailure(err error) bool {
	var adapterErr *AdapterError
	return errors.As(err, &adapterErr)
}
