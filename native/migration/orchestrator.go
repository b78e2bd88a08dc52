package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"himalaya/observability"
)

const (
	defaultSettlementDeadline = 30 * time.Minute
	defaultWorkers            = 4
	defaultQueueSize          = 1024
	defaultRescanInterval     = 30 * time.Second
)

// Orchestrator drives migration records through the state machine. The source
// half runs on its worker pool; the destination half and the final settlement
// run inside bridge callbacks.
type Orchestrator struct {
	registry Registry
	buffer   LiquidityBuffer
	bridge   BridgeClient
	markets  MarketRouter
	custody  map[uint64]common.Address

	deadline time.Duration
	workers  int
	rescan   time.Duration
	queue    chan Key
	locks    *keyedLock

	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.MigrationMetrics
	tracer  trace.Tracer
}

// Option customises the orchestrator instance.
type Option func(*Orchestrator)

// WithCustody registers the address holding in-flight funds on a chain.
func WithCustody(chain uint64, addr common.Address) Option {
	return func(o *Orchestrator) { o.custody[chain] = addr }
}

// WithSettlementDeadline sets how long a buffer draw may stay outstanding
// before it is surfaced to recovery.
func WithSettlementDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.deadline = d
		}
	}
}

// WithWorkers sets the size of the source-half worker pool.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithQueueSize bounds the number of pending records awaiting a worker.
func WithQueueSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.queue = make(chan Key, n)
		}
	}
}

// WithRescanInterval sets how often Run looks for CREATED records that
// missed the queue.
func WithRescanInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.rescan = d
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.now = clock
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.MigrationMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New constructs an orchestrator over the supplied collaborators.
func New(registry Registry, buffer LiquidityBuffer, bridge BridgeClient, markets MarketRouter, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, fmt.Errorf("migration: registry required")
	}
	if buffer == nil {
		return nil, fmt.Errorf("migration: liquidity buffer required")
	}
	if bridge == nil {
		return nil, fmt.Errorf("migration: bridge client required")
	}
	if markets == nil {
		return nil, fmt.Errorf("migration: market router required")
	}
	o := &Orchestrator{
		registry: registry,
		buffer:   buffer,
		bridge:   bridge,
		markets:  markets,
		custody:  make(map[uint64]common.Address),
		deadline: defaultSettlementDeadline,
		workers:  defaultWorkers,
		rescan:   defaultRescanInterval,
		queue:    make(chan Key, defaultQueueSize),
		locks:    newKeyedLock(),
		now:      time.Now,
		logger:   slog.Default(),
		metrics:  observability.Migrations(),
		tracer:   otel.Tracer("himalaya/migration"),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o, nil
}

// Submit validates the request, persists a CREATED record and schedules the
// source half. The key is returned before any chain interaction happens.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Key, error) {
	if err := req.Validate(); err != nil {
		return Key{}, err
	}
	if _, ok := o.custody[req.FromChain]; !ok {
		return Key{}, preconditionf("source chain %d not supported", req.FromChain)
	}
	if _, ok := o.custody[req.ToChain]; !ok {
		return Key{}, preconditionf("destination chain %d not supported", req.ToChain)
	}
	if _, err := o.markets.Market(req.FromChain, req.FromMarket); err != nil {
		return Key{}, preconditionf("source market %s: %v", req.FromMarket.Hex(), err)
	}
	if _, err := o.markets.Market(req.ToChain, req.ToMarket); err != nil {
		return Key{}, preconditionf("destination market %s: %v", req.ToMarket.Hex(), err)
	}
	rec, err := o.registry.Create(ctx, req.Normalized(), o.now())
	if err != nil {
		return Key{}, fmt.Errorf("migration: persist request: %w", err)
	}
	o.metrics.RecordSubmit()
	o.logger.Info("migration accepted",
		"migration", rec.Key.Hex(),
		"owner", req.Owner.Hex(),
		"from_chain", req.FromChain,
		"to_chain", req.ToChain,
		"has_debt", req.HasDebt())
	o.enqueue(rec.Key)
	return rec.Key, nil
}

func (o *Orchestrator) enqueue(key Key) {
	select {
	case o.queue <- key:
	default:
		// Picked up again by the next rescan.
		o.logger.Warn("migration queue full", "migration", key.Hex(), "error", ErrQueueFull)
	}
}

// Run starts the worker pool and blocks until ctx is cancelled. CREATED
// records persisted by an earlier process are re-enqueued on start and on
// every rescan tick.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.work(ctx)
		}()
	}
	o.requeueCreated(ctx)
	ticker := time.NewTicker(o.rescan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			o.requeueCreated(ctx)
		}
	}
}

func (o *Orchestrator) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-o.queue:
			if err := o.Advance(ctx, key); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("advance migration", "migration", key.Hex(), "error", err)
			}
		}
	}
}

func (o *Orchestrator) requeueCreated(ctx context.Context) {
	records, err := o.registry.List(ctx, StateCreated)
	if err != nil {
		o.logger.Error("list pending migrations", "error", err)
		return
	}
	for _, rec := range records {
		o.enqueue(rec.Key)
	}
}

// Advance runs the source half (steps 1 to 3) for a CREATED record. Records
// in any other state are left untouched: a record found mid-way through the
// source half was interrupted after an effect may already have happened on
// chain, and is resolved through recovery rather than replayed.
func (o *Orchestrator) Advance(ctx context.Context, key Key) (err error) {
	start := o.now()
	ctx, span := o.tracer.Start(ctx, "migration.advance",
		trace.WithAttributes(attribute.String("migration.key", key.Hex())))
	defer func() {
		o.endSpan(span, err, "source half processed")
		o.metrics.ObserveStep("source", o.now().Sub(start), err)
	}()

	unlock, err := o.locks.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := o.registry.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec.State != StateCreated {
		return nil
	}
	rec, err = o.drawBuffer(ctx, rec)
	if err != nil || rec.State != StateCreated && rec.State != StateDebtBuffered {
		return err
	}
	rec, err = o.releaseCollateral(ctx, rec)
	if err != nil || rec.State != StateCollateralWithdrawn {
		return err
	}
	_, err = o.sendCollateral(ctx, rec)
	return err
}

// drawBuffer is step 1. Debt-free requests pass through unchanged.
func (o *Orchestrator) drawBuffer(ctx context.Context, rec *Record) (*Record, error) {
	req := rec.Request
	if !req.HasDebt() {
		return rec, nil
	}
	deadline := o.now().Add(o.deadline)
	drawn, err := o.buffer.Draw(ctx, req.FromChain, req.DebtAsset, req.DebtAmount, rec.Key, deadline)
	if err != nil {
		switch {
		case errors.Is(err, ErrBufferExhausted):
			return o.fail(ctx, rec, FailureBufferExhausted, err, nil)
		case errors.Is(err, ErrDuplicateDraw), errors.Is(err, ErrUnknownPool):
			return o.fail(ctx, rec, FailureBuffer, err, nil)
		default:
			// Contention and storage errors leave the record CREATED for the
			// next rescan.
			return nil, fmt.Errorf("migration: draw buffer: %w", err)
		}
	}
	if !amountsEqual(drawn, req.DebtAmount) {
		if settleErr := o.buffer.Settle(ctx, rec.Key, drawn); settleErr != nil {
			o.logger.Error("reverse short buffer draw", "migration", rec.Key.Hex(), "error", settleErr)
		}
		return o.fail(ctx, rec, FailureBuffer,
			fmt.Errorf("buffer drew %s, want %s", drawn, req.DebtAmount), nil)
	}
	next, err := o.transition(ctx, rec, StateDebtBuffered, "buffer drawn", func(r *Record) {
		r.BufferDrawn = cloneAmount(drawn)
		r.BufferDeadline = deadline
	})
	if err != nil {
		if settleErr := o.buffer.Settle(ctx, rec.Key, drawn); settleErr != nil {
			o.logger.Error("reverse orphaned buffer draw", "migration", rec.Key.Hex(), "error", settleErr)
		}
		return nil, err
	}
	return next, nil
}

// releaseCollateral is step 2: repay the source debt with the buffered
// amount, then withdraw the collateral into source custody.
func (o *Orchestrator) releaseCollateral(ctx context.Context, rec *Record) (*Record, error) {
	req := rec.Request
	adapter, err := o.markets.Market(req.FromChain, req.FromMarket)
	if err != nil {
		return o.abortSource(ctx, rec, FailureAdapter, err)
	}
	custody := o.custody[req.FromChain]

	repaid := new(big.Int)
	if req.HasDebt() {
		got, err := adapter.Repay(ctx, req.FromMarket, req.DebtAsset, req.DebtAmount, req.Owner)
		if err == nil && !amountsEqual(got, req.DebtAmount) {
			err = partialFill("repay", req.FromChain, req.FromMarket, got, req.DebtAmount)
		}
		if err != nil {
			return o.abortSource(ctx, rec, FailureAdapter, err)
		}
		repaid.Set(got)
	}
	withdrawn, err := adapter.Withdraw(ctx, req.FromMarket, req.Asset, req.Amount, req.Owner, custody)
	if err == nil && !amountsEqual(withdrawn, req.Amount) {
		err = partialFill("withdraw", req.FromChain, req.FromMarket, withdrawn, req.Amount)
	}
	if err != nil {
		return o.abortSource(ctx, rec, FailureAdapter, err, func(r *Record) {
			r.DebtRepaid = repaid
		})
	}
	return o.transition(ctx, rec, StateCollateralWithdrawn, "collateral withdrawn", func(r *Record) {
		r.DebtRepaid = repaid
		r.CollateralWithdrawn = cloneAmount(withdrawn)
	})
}

// sendCollateral is step 3.
func (o *Orchestrator) sendCollateral(ctx context.Context, rec *Record) (*Record, error) {
	req := rec.Request
	payload, err := EncodeContinuation(Continuation{
		Key:        rec.Key,
		Step:       StepDepositCollateral,
		Owner:      req.Owner,
		ToMarket:   req.ToMarket,
		Asset:      req.Asset,
		Amount:     rec.CollateralWithdrawn,
		DebtAsset:  req.DebtAsset,
		DebtAmount: req.DebtAmount,
	})
	if err != nil {
		return o.abortSource(ctx, rec, FailureDelivery, err)
	}
	messageID, err := o.bridge.Send(ctx, OutboundMessage{
		SourceChain: req.FromChain,
		DestChain:   req.ToChain,
		DestAddress: o.custody[req.ToChain],
		Asset:       req.Asset,
		Amount:      cloneAmount(rec.CollateralWithdrawn),
		Payload:     payload,
	})
	if err != nil {
		return o.abortSource(ctx, rec, FailureDelivery, fmt.Errorf("%w: %v", ErrDeliveryFailed, err))
	}
	next, err := o.transition(ctx, rec, StateCollateralInTransit, "collateral sent", func(r *Record) {
		r.CollateralMessageID = messageID
	})
	if err != nil {
		o.logger.Error("collateral in flight but not recorded",
			"migration", rec.Key.Hex(), "message_id", messageID, "error", err)
		return nil, err
	}
	return next, nil
}

// abortSource handles a failure while collateral is still on the source
// chain: the buffer draw is reversed and the record moves to REFUNDING.
func (o *Orchestrator) abortSource(ctx context.Context, rec *Record, kind FailureKind, cause error, mutate ...Mutation) (*Record, error) {
	if err := o.reverseDraw(ctx, rec); err != nil {
		if errors.Is(err, ErrNoBufferEntry) || errors.Is(err, ErrSettleMismatch) {
			return o.fail(ctx, rec, FailureInconsistency, fmt.Errorf("%w: reverse draw: %v (after %v)", ErrInconsistency, err, cause), mutate...)
		}
		return nil, fmt.Errorf("migration: reverse draw: %w", err)
	}
	next, err := o.transition(ctx, rec, StateRefunding, string(kind), func(r *Record) {
		for _, m := range mutate {
			if m != nil {
				m(r)
			}
		}
		r.FailureKind = kind
		r.FailureReason = cause.Error()
	})
	if err != nil {
		return nil, err
	}
	o.metrics.RecordFailure(string(kind))
	o.logger.Warn("migration refunding",
		"migration", rec.Key.Hex(), "kind", kind, "error", cause)
	return next, nil
}

func (o *Orchestrator) reverseDraw(ctx context.Context, rec *Record) error {
	if rec.BufferDrawn == nil || rec.BufferDrawn.Sign() == 0 {
		return nil
	}
	return o.buffer.Settle(ctx, rec.Key, rec.BufferDrawn)
}

// transition validates and applies a state change, recording the audit row,
// the terminal outcome and metrics.
func (o *Orchestrator) transition(ctx context.Context, rec *Record, to State, note string, mutate ...Mutation) (*Record, error) {
	if err := ValidateTransition(rec.State, to); err != nil {
		return nil, err
	}
	return o.apply(ctx, rec, to, note, mutate...)
}

func (o *Orchestrator) apply(ctx context.Context, rec *Record, to State, note string, mutate ...Mutation) (*Record, error) {
	now := o.now()
	next, err := o.registry.Transition(ctx, rec.Key, rec.State, to, note, func(r *Record) {
		for _, m := range mutate {
			if m != nil {
				m(r)
			}
		}
		r.UpdatedAt = now
		r.Outcome = outcomeFor(to)
		if to.Terminal() {
			r.CompletedAt = now
		}
	})
	if err != nil {
		return nil, err
	}
	o.metrics.RecordTransition(string(rec.State), string(to))
	o.logger.Info("migration transition",
		"migration", rec.Key.Hex(), "from", rec.State, "to", to, "note", note)
	return next, nil
}

func (o *Orchestrator) fail(ctx context.Context, rec *Record, kind FailureKind, cause error, mutate ...Mutation) (*Record, error) {
	all := append(append([]Mutation(nil), mutate...), func(r *Record) {
		r.FailureKind = kind
		r.FailureReason = cause.Error()
	})
	next, err := o.transition(ctx, rec, StateFailed, string(kind), all...)
	if err != nil {
		return nil, err
	}
	o.metrics.RecordFailure(string(kind))
	if kind == FailureInconsistency {
		o.logger.Error("migration inconsistency",
			"migration", rec.Key.Hex(), "state", rec.State, "error", cause)
	} else {
		o.logger.Warn("migration failed",
			"migration", rec.Key.Hex(), "state", rec.State, "kind", kind, "error", cause)
	}
	return next, nil
}

func (o *Orchestrator) endSpan(span trace.Span, err error, ok string) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, ok)
	}
	span.End()
}

func partialFill(op string, chain uint64, market common.Address, got, want *big.Int) error {
	return &AdapterError{
		Op:     op,
		Chain:  chain,
		Market: market.Hex(),
		Err:    fmt.Errorf("%w: got %s, want %s", ErrPartialFill, cloneAmount(got), cloneAmount(want)),
	}
}
