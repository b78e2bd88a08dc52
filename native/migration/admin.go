package migration

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Get returns the current record for key.
func (o *Orchestrator) Get(ctx context.Context, key Key) (*Record, error) {
	return o.registry.Get(ctx, key)
}

// History returns the audit trail of a record, oldest first.
func (o *Orchestrator) History(ctx context.Context, key Key) ([]StateChange, error) {
	if _, err := o.registry.Get(ctx, key); err != nil {
		return nil, err
	}
	return o.registry.History(ctx, key)
}

// Cancel aborts a migration whose collateral has not left the source chain.
func (o *Orchestrator) Cancel(ctx context.Context, key Key) (*Record, error) {
	unlock, err := o.locks.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := o.registry.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	cancelled := func(r *Record) {
		r.FailureKind = FailureCancelled
		r.FailureReason = "cancelled by owner"
	}
	switch rec.State {
	case StateCreated:
		return o.transition(ctx, rec, StateRefunded, "cancelled", cancelled)
	case StateDebtBuffered:
		if err := o.reverseDraw(ctx, rec); err != nil {
			return nil, fmt.Errorf("migration: reverse draw: %w", err)
		}
		return o.transition(ctx, rec, StateRefunded, "cancelled, buffer draw reversed", cancelled)
	case StateCollateralWithdrawn:
		// Collateral sits in source custody until an operator returns it.
		if err := o.reverseDraw(ctx, rec); err != nil {
			return nil, fmt.Errorf("migration: reverse draw: %w", err)
		}
		return o.transition(ctx, rec, StateRefunding, "cancelled, collateral held in custody", cancelled)
	default:
		return nil, fmt.Errorf("%w: record is %s", ErrNotCancellable, rec.State)
	}
}

// MarkRefunding moves a FAILED record onto the refund branch.
func (o *Orchestrator) MarkRefunding(ctx context.Context, key Key, reason string) (*Record, error) {
	return o.adminTransition(ctx, key, StateRefunding, reason)
}

// MarkRefunded closes a REFUNDING record once the funds were returned.
func (o *Orchestrator) MarkRefunded(ctx context.Context, key Key, note string) (*Record, error) {
	return o.adminTransition(ctx, key, StateRefunded, note)
}

func (o *Orchestrator) adminTransition(ctx context.Context, key Key, to State, note string) (*Record, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, fmt.Errorf("migration: admin note required")
	}
	unlock, err := o.locks.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := o.registry.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := ValidateAdminTransition(rec.State, to); err != nil {
		return nil, err
	}
	next, err := o.apply(ctx, rec, to, "admin: "+note)
	if err != nil {
		return nil, err
	}
	o.logger.Warn("administrative transition applied",
		"migration", key.Hex(), "from", rec.State, "to", to, "note", note)
	return next, nil
}

// ForceSettle clears an outstanding buffer entry under administrative
// authority. The record itself is not changed.
func (o *Orchestrator) ForceSettle(ctx context.Context, key Key, amount *big.Int, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("migration: force-settle reason required")
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("migration: force-settle amount must not be negative")
	}
	if err := o.buffer.ForceSettle(ctx, key, amount, reason); err != nil {
		return err
	}
	o.logger.Warn("buffer entry force-settled",
		"migration", key.Hex(), "amount", amount.String(), "reason", reason)
	return nil
}

// Stalled lists records sitting in an intermediate state that no trigger
// will advance, last touched before the cutoff.
func (o *Orchestrator) Stalled(ctx context.Context, before time.Time) ([]*Record, error) {
	records, err := o.registry.List(ctx,
		StateDebtBuffered,
		StateCollateralWithdrawn,
		StateCollateralSettled,
		StateDebtBorrowed,
	)
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, rec := range records {
		if rec.UpdatedAt.Before(before) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// IsClientError reports whether err describes a request the caller can fix,
// as opposed to an infrastructure failure.
func IsClientError(err error) bool {
	switch {
	case errors.Is(err, ErrPrecondition),
		errors.Is(err, ErrUnknownRecord),
		errors.Is(err, ErrUnknownMessage),
		errors.Is(err, ErrNotCancellable),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrUnexpectedStep),
		errors.Is(err, ErrMalformedPayload):
		return true
	default:
		return false
	}
}
