package migration

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var _ DeliveryHandler = (*Orchestrator)(nil)

// leg describes what a bridge message of one step is expected to carry.
type leg struct {
	step        Step
	awaiting    State
	messageID   string
	consumedAt  time.Time
	sourceChain uint64
	destChain   uint64
	asset       common.Address
	amount      *big.Int
}

func collateralLeg(rec *Record) leg {
	return leg{
		step:        StepDepositCollateral,
		awaiting:    StateCollateralInTransit,
		messageID:   rec.CollateralMessageID,
		consumedAt:  rec.CollateralDeliveredAt,
		sourceChain: rec.Request.FromChain,
		destChain:   rec.Request.ToChain,
		asset:       rec.Request.Asset,
		amount:      rec.CollateralWithdrawn,
	}
}

func debtLeg(rec *Record) leg {
	return leg{
		step:        StepSettleBuffer,
		awaiting:    StateDebtInTransit,
		messageID:   rec.DebtMessageID,
		consumedAt:  rec.DebtDeliveredAt,
		sourceChain: rec.Request.ToChain,
		destChain:   rec.Request.FromChain,
		asset:       rec.Request.DebtAsset,
		amount:      rec.DebtBorrowed,
	}
}

// consume marks the leg's message as handled so a redelivery is a no-op.
func (l leg) consume(at time.Time) Mutation {
	return func(r *Record) {
		switch l.step {
		case StepDepositCollateral:
			r.CollateralDeliveredAt = at
		case StepSettleBuffer:
			r.DebtDeliveredAt = at
		}
	}
}

// Delivered resumes a migration from a bridge delivery. It returns
// ErrDuplicateDelivery for a message that was already consumed and
// ErrUnexpectedStep when the record is not awaiting the step named in the
// payload; neither changes state. A nil error means the message was consumed
// and its outcome, success or failure, is recorded on the record.
func (o *Orchestrator) Delivered(ctx context.Context, d Delivery) (err error) {
	start := o.now()
	ctx, span := o.tracer.Start(ctx, "migration.delivered",
		trace.WithAttributes(attribute.String("bridge.message_id", d.MessageID)))
	stepLabel := "unknown"
	defer func() {
		o.endSpan(span, err, "delivery consumed")
		o.metrics.ObserveStep("delivery", o.now().Sub(start), err)
		o.metrics.RecordDelivery(stepLabel, deliveryResult(err))
	}()

	cont, err := DecodeContinuation(d.Payload)
	if err != nil {
		if failErr := o.failMalformed(ctx, d, err); failErr != nil {
			return failErr
		}
		return err
	}
	stepLabel = cont.Step.String()
	span.SetAttributes(
		attribute.String("migration.key", cont.Key.Hex()),
		attribute.String("migration.step", stepLabel))

	unlock, err := o.locks.acquire(ctx, cont.Key)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := o.registry.Get(ctx, cont.Key)
	if err != nil {
		return err
	}
	var expected leg
	switch cont.Step {
	case StepDepositCollateral:
		expected = collateralLeg(rec)
	case StepSettleBuffer:
		expected = debtLeg(rec)
	}
	if err := o.admit(rec, expected, d.MessageID); err != nil {
		return err
	}
	if mismatch := expected.mismatch(rec, cont, d); mismatch != nil {
		// A foreign id must not mark the issued message as consumed, or its
		// genuine delivery would later pass as a duplicate.
		var consumed []Mutation
		if d.MessageID == expected.messageID {
			consumed = append(consumed, expected.consume(o.now()))
		}
		_, err := o.fail(ctx, rec, FailureInconsistency, mismatch, consumed...)
		return err
	}
	switch cont.Step {
	case StepDepositCollateral:
		return o.settleCollateral(ctx, rec, d)
	default:
		return o.settleDebt(ctx, rec, d)
	}
}

// admit applies the tie-break rule: a consumed message is a duplicate and a
// record outside the step's prior state rejects the callback.
func (o *Orchestrator) admit(rec *Record, expected leg, messageID string) error {
	if expected.messageID != "" && expected.messageID == messageID && !expected.consumedAt.IsZero() {
		o.logger.Info("duplicate delivery ignored",
			"migration", rec.Key.Hex(), "message_id", messageID, "state", rec.State)
		return ErrDuplicateDelivery
	}
	if rec.State != expected.awaiting {
		o.logger.Warn("delivery rejected",
			"migration", rec.Key.Hex(), "message_id", messageID,
			"state", rec.State, "awaiting", expected.awaiting)
		return fmt.Errorf("%w: %s awaits %s, record is %s", ErrUnexpectedStep, expected.step, expected.awaiting, rec.State)
	}
	return nil
}

func (l leg) mismatch(rec *Record, cont Continuation, d Delivery) error {
	switch {
	case d.MessageID != l.messageID:
		return fmt.Errorf("%w: message %q was not issued for %s (issued %q)", ErrInconsistency, d.MessageID, l.step, l.messageID)
	case d.SourceChain != l.sourceChain || d.DestChain != l.destChain:
		return fmt.Errorf("%w: delivered on route %d->%d, want %d->%d", ErrInconsistency, d.SourceChain, d.DestChain, l.sourceChain, l.destChain)
	case d.Asset != l.asset:
		return fmt.Errorf("%w: delivered asset %s", ErrInconsistency, d.Asset.Hex())
	case cont.Owner != rec.Request.Owner || cont.ToMarket != rec.Request.ToMarket || cont.Asset != rec.Request.Asset:
		return fmt.Errorf("%w: continuation does not describe this migration", ErrInconsistency)
	case l.step == StepDepositCollateral && !amountsEqual(d.Amount, l.amount):
		return fmt.Errorf("%w: delivered %s collateral, sent %s", ErrInconsistency, cloneAmount(d.Amount), cloneAmount(l.amount))
	}
	// The debt leg amount is checked against the buffer entry at settlement.
	return nil
}

// settleCollateral runs steps 4 to 6 on the destination chain.
func (o *Orchestrator) settleCollateral(ctx context.Context, rec *Record, d Delivery) error {
	req := rec.Request
	consumed := collateralLeg(rec).consume(o.now())
	adapter, err := o.markets.Market(req.ToChain, req.ToMarket)
	if err != nil {
		_, err = o.fail(ctx, rec, FailureAdapter, err, consumed)
		return err
	}

	// Step 4. On failure the collateral stays in destination custody and the
	// buffer entry stays outstanding.
	if err := adapter.Deposit(ctx, req.ToMarket, req.Asset, d.Amount, req.Owner); err != nil {
		_, err = o.fail(ctx, rec, FailureAdapter, err, consumed)
		return err
	}
	rec, err = o.transition(ctx, rec, StateCollateralSettled, "collateral deposited", consumed, func(r *Record) {
		r.CollateralDeposited = cloneAmount(d.Amount)
	})
	if err != nil {
		return err
	}
	if !req.HasDebt() {
		_, err = o.transition(ctx, rec, StateCompleted, "no debt to migrate")
		return err
	}

	// Step 5.
	borrowed, err := adapter.Borrow(ctx, req.ToMarket, req.DebtAsset, req.DebtAmount, req.Owner)
	if err == nil && !amountsEqual(borrowed, req.DebtAmount) {
		err = partialFill("borrow", req.ToChain, req.ToMarket, borrowed, req.DebtAmount)
	}
	if err != nil {
		_, err = o.fail(ctx, rec, FailureAdapter, err, func(r *Record) {
			if borrowed != nil {
				r.DebtBorrowed = cloneAmount(borrowed)
			}
		})
		return err
	}
	rec, err = o.transition(ctx, rec, StateDebtBorrowed, "debt borrowed", func(r *Record) {
		r.DebtBorrowed = cloneAmount(borrowed)
	})
	if err != nil {
		return err
	}

	// Step 6.
	payload, err := EncodeContinuation(Continuation{
		Key:        rec.Key,
		Step:       StepSettleBuffer,
		Owner:      req.Owner,
		ToMarket:   req.ToMarket,
		Asset:      req.Asset,
		Amount:     rec.CollateralDeposited,
		DebtAsset:  req.DebtAsset,
		DebtAmount: borrowed,
	})
	if err != nil {
		_, err = o.fail(ctx, rec, FailureDelivery, err)
		return err
	}
	messageID, err := o.bridge.Send(ctx, OutboundMessage{
		SourceChain: req.ToChain,
		DestChain:   req.FromChain,
		DestAddress: o.custody[req.FromChain],
		Asset:       req.DebtAsset,
		Amount:      cloneAmount(borrowed),
		Payload:     payload,
	})
	if err != nil {
		_, err = o.fail(ctx, rec, FailureDelivery, fmt.Errorf("%w: %v", ErrDeliveryFailed, err))
		return err
	}
	if _, err := o.transition(ctx, rec, StateDebtInTransit, "debt sent", func(r *Record) {
		r.DebtMessageID = messageID
	}); err != nil {
		o.logger.Error("debt in flight but not recorded",
			"migration", rec.Key.Hex(), "message_id", messageID, "error", err)
		return err
	}
	return nil
}

// settleDebt runs step 7 on the source chain.
func (o *Orchestrator) settleDebt(ctx context.Context, rec *Record, d Delivery) error {
	consumed := debtLeg(rec).consume(o.now())
	err := o.buffer.Settle(ctx, rec.Key, d.Amount)
	if errors.Is(err, ErrNoBufferEntry) && o.alreadySettled(ctx, rec, d.Amount) {
		// A previous attempt settled the entry but did not record it.
		err = nil
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrSettleMismatch), errors.Is(err, ErrNoBufferEntry):
		_, err = o.fail(ctx, rec, FailureInconsistency, fmt.Errorf("%w: %v", ErrInconsistency, err), consumed,
			func(r *Record) { r.DebtReturned = cloneAmount(d.Amount) })
		return err
	default:
		return fmt.Errorf("migration: settle buffer: %w", err)
	}
	_, err = o.transition(ctx, rec, StateCompleted, "buffer settled", consumed, func(r *Record) {
		r.DebtReturned = cloneAmount(d.Amount)
	})
	return err
}

func (o *Orchestrator) alreadySettled(ctx context.Context, rec *Record, amount *big.Int) bool {
	entry, err := o.buffer.Entry(ctx, rec.Key)
	if err != nil {
		return false
	}
	return entry.Status == BufferSettled && amountsEqual(entry.SettledAmount, amount)
}

// failMalformed fails the record that issued a message whose payload cannot
// be decoded, if that record is still waiting for it.
func (o *Orchestrator) failMalformed(ctx context.Context, d Delivery, cause error) error {
	rec, err := o.registry.FindByMessage(ctx, d.MessageID)
	if err != nil {
		return nil
	}
	unlock, err := o.locks.acquire(ctx, rec.Key)
	if err != nil {
		return err
	}
	defer unlock()
	if rec, err = o.registry.Get(ctx, rec.Key); err != nil {
		return err
	}
	expected, ok := legFor(rec, d.MessageID)
	if !ok || rec.State != expected.awaiting || !expected.consumedAt.IsZero() {
		return nil
	}
	_, err = o.fail(ctx, rec, FailureInconsistency, fmt.Errorf("%w: %v", ErrInconsistency, cause), expected.consume(o.now()))
	return err
}

// Failed records a bridge-reported delivery failure against the record that
// issued the message.
func (o *Orchestrator) Failed(ctx context.Context, messageID, reason string) (err error) {
	ctx, span := o.tracer.Start(ctx, "migration.delivery_failed",
		trace.WithAttributes(attribute.String("bridge.message_id", messageID)))
	stepLabel := "unknown"
	defer func() {
		o.endSpan(span, err, "failure recorded")
		o.metrics.RecordDelivery(stepLabel, "failed_"+deliveryResult(err))
	}()

	found, err := o.registry.FindByMessage(ctx, messageID)
	if err != nil {
		return err
	}
	unlock, err := o.locks.acquire(ctx, found.Key)
	if err != nil {
		return err
	}
	defer unlock()
	rec, err := o.registry.Get(ctx, found.Key)
	if err != nil {
		return err
	}
	expected, ok := legFor(rec, messageID)
	if !ok {
		return ErrUnknownMessage
	}
	stepLabel = expected.step.String()
	if err := o.admit(rec, expected, messageID); err != nil {
		return err
	}
	if reason == "" {
		reason = "bridge reported failure"
	}
	_, err = o.fail(ctx, rec, FailureDelivery, fmt.Errorf("%w: %s", ErrDeliveryFailed, reason), expected.consume(o.now()))
	return err
}

func legFor(rec *Record, messageID string) (leg, bool) {
	switch {
	case messageID == "":
		return leg{}, false
	case rec.CollateralMessageID == messageID:
		return collateralLeg(rec), true
	case rec.DebtMessageID == messageID:
		return debtLeg(rec), true
	default:
		return leg{}, false
	}
}

func deliveryResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrDuplicateDelivery):
		return "duplicate"
	case errors.Is(err, ErrUnexpectedStep), errors.Is(err, ErrUnknownRecord),
		errors.Is(err, ErrUnknownMessage), errors.Is(err, ErrMalformedPayload):
		return "rejected"
	default:
		return "error"
	}
}
