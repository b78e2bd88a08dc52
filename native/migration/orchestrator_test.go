package migration_test

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"himalaya/native/migration"
	"himalaya/services/migratord/bridge"
	"himalaya/services/migratord/markets"
	"himalaya/services/migratord/storage"
)

const (
	sourceChain uint64 = 1
	destChain   uint64 = 42161
)

var (
	owner           = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	collateralAsset = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	debtAsset       = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	sourceMarket    = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	destMarket      = common.HexToAddress("0x0000000000000000000000000000000000000a02")
	sourceCustody   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	destCustody     = common.HexToAddress("0x00000000000000000000000000000000000000c2")
)

// harness wires the orchestrator to two simulated chains joined by the
// loopback bridge.
type harness struct {
	orch     *migration.Orchestrator
	registry *storage.Registry
	buffer   *storage.Ledger
	bridge   *bridge.Loopback
	source   *markets.LedgerMarket
	dest     *markets.LedgerMarket
	srcVault *markets.Vault
	dstVault *markets.Vault
}

type harnessConfig struct {
	bufferCapacity int64
	destLiquidity  int64
	collateral     int64
	debt           int64
}

func defaultHarness() harnessConfig {
	return harnessConfig{bufferCapacity: 100, destLiquidity: 1000, collateral: 100, debt: 10}
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)

	srcVault := markets.NewVault(sourceChain)
	dstVault := markets.NewVault(destChain)
	source, err := markets.NewLedgerMarket(markets.LedgerConfig{
		Chain: sourceChain, Address: sourceMarket, Operator: sourceCustody, MaxLTVBps: 8000,
	}, srcVault)
	require.NoError(t, err)
	dest, err := markets.NewLedgerMarket(markets.LedgerConfig{
		Chain: destChain, Address: destMarket, Operator: destCustody, MaxLTVBps: 8000,
	}, dstVault)
	require.NoError(t, err)

	source.Supply(debtAsset, big.NewInt(cfg.debt))
	require.NoError(t, source.Open(owner, collateralAsset, big.NewInt(cfg.collateral), debtAsset, big.NewInt(cfg.debt)))
	dest.Supply(debtAsset, big.NewInt(cfg.destLiquidity))

	router := markets.NewRouter()
	router.Register(sourceChain, sourceMarket, source)
	router.Register(destChain, destMarket, dest)

	buffer := storage.NewLedger(db)
	require.NoError(t, buffer.SetCapacity(ctx, sourceChain, debtAsset, big.NewInt(cfg.bufferCapacity)))
	srcVault.Mint(sourceCustody, debtAsset, big.NewInt(cfg.bufferCapacity))

	loopback := bridge.NewLoopback(
		bridge.WithChain(srcVault, sourceCustody),
		bridge.WithChain(dstVault, destCustody),
	)
	registry := storage.NewRegistry(db)
	orch, err := migration.New(registry, buffer, loopback, router,
		migration.WithCustody(sourceChain, sourceCustody),
		migration.WithCustody(destChain, destCustody),
		migration.WithSettlementDeadline(time.Hour),
		migration.WithRescanInterval(20*time.Millisecond),
	)
	require.NoError(t, err)
	loopback.SetHandler(orch)

	return &harness{
		orch:     orch,
		registry: registry,
		buffer:   buffer,
		bridge:   loopback,
		source:   source,
		dest:     dest,
		srcVault: srcVault,
		dstVault: dstVault,
	}
}

func request(collateral, debt int64) migration.Request {
	return migration.Request{
		Owner:      owner,
		FromMarket: sourceMarket,
		ToMarket:   destMarket,
		Asset:      collateralAsset,
		Amount:     big.NewInt(collateral),
		DebtAsset:  debtAsset,
		DebtAmount: big.NewInt(debt),
		FromChain:  sourceChain,
		ToChain:    destChain,
	}
}

func (h *harness) record(t *testing.T, key migration.Key) *migration.Record {
	t.Helper()
	rec, err := h.orch.Get(context.Background(), key)
	require.NoError(t, err)
	return rec
}

func (h *harness) states(t *testing.T, key migration.Key) []migration.State {
	t.Helper()
	history, err := h.orch.History(context.Background(), key)
	require.NoError(t, err)
	states := make([]migration.State, 0, len(history))
	for _, change := range history {
		states = append(states, change.To)
	}
	return states
}

func (h *harness) available(t *testing.T) *big.Int {
	t.Helper()
	pools, err := h.buffer.Pools(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 1)
	return pools[0].Available
}

func TestMigrationCompletesEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarness())

	key, err := h.orch.Submit(ctx, request(100, 10))
	require.NoError(t, err)
	require.Equal(t, migration.StateCreated, h.record(t, key).State)

	require.NoError(t, h.orch.Advance(ctx, key))
	rec := h.record(t, key)
	require.Equal(t, migration.StateCollateralInTransit, rec.State)
	require.Equal(t, big.NewInt(10), rec.BufferDrawn)
	require.Equal(t, big.NewInt(10), rec.DebtRepaid)
	require.Equal(t, big.NewInt(100), rec.CollateralWithdrawn)
	require.NotEmpty(t, rec.CollateralMessageID)
	require.Equal(t, big.NewInt(90), h.available(t))

	delivered, err := h.bridge.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, delivered)

	rec = h.record(t, key)
	require.Equal(t, migration.StateCompleted, rec.State)
	require.Equal(t, migration.OutcomeCompleted, rec.Outcome)
	require.Equal(t, big.NewInt(100), rec.CollateralDeposited)
	require.Equal(t, big.NewInt(10), rec.DebtBorrowed)
	require.Equal(t, big.NewInt(10), rec.DebtReturned)
	require.False(t, rec.CompletedAt.IsZero())

	// Position moved, buffer and custody made whole.
	require.Equal(t, int64(0), h.source.Collateral(owner, collateralAsset).Int64())
	require.Equal(t, int64(0), h.source.Debt(owner, debtAsset).Int64())
	require.Equal(t, int64(100), h.dest.Collateral(owner, collateralAsset).Int64())
	require.Equal(t, int64(10), h.dest.Debt(owner, debtAsset).Int64())
	require.Equal(t, big.NewInt(100), h.available(t))
	require.Equal(t, int64(100), h.srcVault.Balance(sourceCustody, debtAsset).Int64())
	require.Equal(t, int64(0), h.dstVault.Balance(destCustody, collateralAsset).Int64())

	entry, err := h.buffer.Entry(ctx, key)
	require.NoError(t, err)
	require.Equal(t, migration.BufferSettled, entry.Status)

	require.Equal(t, []migration.State{
		migration.StateCreated,
		migration.StateDebtBuffered,
		migration.StateCollateralWithdrawn,
		migration.StateCollateralInTransit,
		migration.StateCollateralSettled,
		migration.StateDebtBorrowed,
		migration.StateDebtInTransit,
		migration.StateCompleted,
	}, h.states(t, key))
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarness())
	key, err := h.orch.Submit(ctx, request(100, 10))
	require.NoError(t, err)
	require.NoError(t, h.orch.Advance(ctx, key))
	collateralMsg := h.record(t, key).CollateralMessageID

	_, err = h.bridge.Flush(ctx)
	require.NoError(t, err)
	before := h.record(t, key)

	require.NoError(t, h.bridge.Redeliver(ctx, collateralMsg))
	require.NoError(t, h.bridge.Redeliver(ctx, before.DebtMessageID))

	after := h.record(t, key)
	require.Equal(t, before.State, after.State)
	require.Equal(t, before.UpdatedAt, after.UpdatedAt)
	require.Equal(t, int64(100), h.dest.Collateral(owner, collateralAsset).Int64())
	require.Equal(t, int64(10), h.dest.Debt(owner, debtAsset).Int64())
	require.Equal(t, big.NewInt(100), h.available(t))
}

func TestMigrationWithoutDebtSkipsBuffer(t *testing.T) {
	ctx := context.Background()
	cfg := defaultHarness()
	cfg.debt = 0
	h := newHarness(t, cfg)

	req := request(100, 0)
	req.DebtAsset = common.Address{}
	key, err := h.orch.Submit(ctx, req)
	require.NoError(t, err)
	require.NoError(t, h.orch.Advance(ctx, key))
	_, err = h.bridge.Flush(ctx)
	require.NoError(t, err)

	rec := h.record(t, key)
	require.Equal(t, migration.StateCompleted, rec.State)
	require.Equal(t, int64(0), rec.BufferDrawn.Int64())
	require.Empty(t, rec.DebtMessageID)
	require.Equal(t, big.NewInt(100), h.available(t))
	_, err = h.buffer.Entry(ctx, key)
	require.ErrorIs(t, err, migration.ErrNoBufferEntry)
	require.Equal(t, []migration.State{
		migration.StateCreated,
		migration.StateCollateralWithdrawn,
		migration.StateCollateralInTransit,
		migration.StateCollateralSettled,
		migration.StateCompleted,
	}, h.states(t, key))
	require.Equal(t, int64(100), h.dest.Collateral(owner, collateralAsset).Int64())
	require.Zero(t, h.dest.Debt(owner, debtAsset).Sign())
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarness())

	cases := map[string]func(*migration.Request){
		"zero amount":      func(r *migration.Request) { r.Amount = big.NewInt(0) },
		"same chain":       func(r *migration.Request) { r.ToChain = r.FromChain },
		"missing asset":    func(r *migration.Request) { r.Asset = common.Address{} },
		"debt w/o asset":   func(r *migration.Request) { r.DebtAsset = common.Address{} },
		"unknown chain":    func(r *migration.Request) { r.ToChain = 10 },
		"unknown market":   func(r *migration.Request) { r.ToMarket = common.HexToAddress("0xdead") },
		"negative debt":    func(r *migration.Request) { r.DebtAmount = big.NewInt(-1) },
		"missing markets":  func(r *migration.Request) { r.FromMarket = common.Address{} },
		"missing the user": func(r *migration.Request) { r.Owner = common.Address{} },
	}
	for name, mutate := range cases {
		req := request(100, 10)
		mutate(&req)
		_, err := h.orch.Submit(ctx, req)
		require.ErrorIs(t, err, migration.ErrPrecondition, name)
		require.True(t, migration.IsClientError(err), name)
	}

	created, err := h.registry.List(ctx, migration.StateCreated)
	require.NoError(t, err)
	require.Empty(t, created)
}

func TestIdenticalRequestsGetDistinctKeys(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarness())

	first, err := h.orch.Submit(ctx, request(50, 5))
	require.NoError(t, err)
	second, err := h.orch.Submit(ctx, request(50, 5))
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.Equal(t, migration.DeriveKey(request(50, 5), 0), first)
	require.Equal(t, migration.DeriveKey(request(50, 5), 1), second)
	require.Equal(t, uint64(1), h.record(t, second).Nonce)
}

func TestBufferExhaustedFailsBeforeTouchingMarkets(t *testing.T) {
	ctx := context.Background()
	cfg := defaultHarness()
	cfg.bufferCapacity = 5
	h := newHarness(t, cfg)

	key, err := h.orch.Submit(ctx, request(100, 10))
	require.NoError(t, err)
	require.NoError(t, h.orch.Advance(ctx, key))

	rec := h.record(t, key)
	require.Equal(t, migration.StateFailed, rec.State)
	require.Equal(t, migration.FailureBufferExhausted, rec.FailureKind)
	require.Equal(t, int64(100), h.source.Collateral(owner, collateralAsset).Int64())
	require.Equal(t, int64(10), h.source.Debt(owner, debtAsset).Int64())
	require.Equal(t, big.NewInt(5), h.available(t))
	require.Zero(t, h.bridge.Pending())
}

func TestSourceAdapterFailureReversesDraw(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarness())
	h.source.SetPaused(true)

	key, err := h.orch.Submit(ctx, request(100, 10))
	require.NoError(t, err)
	require.NoError(t, h.orch.Advance(ctx, key))

	rec := h.record(t, key)
	require.Equal(t, migration.StateRefunding, rec.State)
	require.Equal(t, migration.FailureAdapter, rec.FailureKind)
	require.Contains(t, rec.FailureReason, "paused")
	require.Equal(t, big.NewInt(100), h.available(t))
	require.Zero(t, h.bridge.Pending())
}

func TestWithdrawBeyondCollateralRefunds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarness())

	key, err := h.orch.Submit(ctx, request(150, 10))
	require.NoError(t, err)
	require.NoError(t, h.orch.Advance(ctx, key))

	rec := h.record(t, key)
	require.Equal(t, migration.StateRefunding, rec.State)
	require.Equal(t, migration.FailureAdapter, rec.FailureKind)
	require.Contains(t, rec.FailureReason, "insufficient collateral")
	require.Equal(t, big.NewInt(10), rec.DebtRepaid)
	require.Equal(t, big.NewInt(100), h.available(t))
}

func TestDestinationBorrowFailureLeavesBufferOutstanding(t *testing.T) {
	ctx := context.Background()
	cfg := defaultHarness()
	cfg.destLiquidity = 0
	h := newHarness(t, cfg)

	key, err := h.orch.Submit(ctx, request(100, 10))
	require.NoError(t, err)
	require.NoError(t, h.orch.Advance(ctx, key))
	_, err = h.bridge.Flush(ctx)
	require.NoError(t, err)

	rec := h.record(t, key)
	require.Equal(t, migration.StateFailed, rec.State)
	require.Equal(t, migration.FailureAdapter, rec.FailureKind)
	require.Equal(t, big.NewInt(100), rec.CollateralDeposited)
	require.Equal(t, int64(100), h.dest.Collateral(owner, collateralAsset).Int64())

	entry, err := h.buffer.Entry(ctx, key)
	require.NoError(t, err)
	require.Equal(t, migration.BufferOutstanding, entry.Status)
	require.Equal(t, big.NewInt(90), h.available(t))

	require.NoError(t, h.orch.ForceSettle(ctx, key, big.NewInt(10), "repaid by treasury"))
	entry, err = h.buffer.Entry(ctx, key)
	require.NoError(t, err)
	require.Equal(t, migration.BufferForced, entry.Status)
	require.Equal(t, big.NewInt(100), h.available(t))
	require.Equal(t, migration.StateFailed, h.record(t, key).State)
}

func TestPausedDestinationDepositLeavesBufferOutstanding(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarness())
	h.dest.SetPaused(true)

	key, err := h.orch.Submit(ctx, request(100, 10))
	require.NoError(t, err)
	require.NoError(t, h.orch.Advance(ctx, key))
	_, err = h.bridge.Flush(ctx)
	require.NoError(t, err)

	rec := h.record(t, key)
	require.Equal(t, migration.StateFailed, rec.State)
	require.Equal(t, migration.FailureAdapter, rec.FailureKind)
	require.Zero(t, h.dest.Debt(owner, debtAsset).Sign())
	require.Zero(t, h.dest.Collateral(owner, collateralAsset).Sign())
	require.Equal(t, int64(100), h.dstVault.Balance(destCustody, collateralAsset).Int64())

	entry, err := h.buffer.Entry(ctx, key)
	require.NoError(t, err)
	require.Equal(t, migration.BufferOutstanding, entry.Status)

	overdue, err := h.buffer.Overdue(ctx, entry.Deadline.Add(-time.Second))
	require.NoError(t, err)
	require.Empty(t, overdue)
	overdue, err = h.buffer.Overdue(ctx, entry.Deadline.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	require.Equal(t, key, overdue[0].Key)
}

func TestBridgeFailureAndAdminRecovery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarness())

	key, err := h.orch.Submit(ctx, request(100, 10))
	require.NoError(t, err)
	require.NoError(t, h.orch.Advance(ctx, key))
	require.NoError(t, h.bridge.FailNext(ctx, "relayer gave up"))

	rec := h.record(t, key)
	require.Equal(t, migration.StateFailed, rec.State)
	require.Equal(t, migration.FailureDelivery, rec.FailureKind)
	require.Contains(t, rec.FailureReason, "relayer gave up")
	require.ErrorIs(t, h.orch.Failed(ctx, rec.CollateralMessageID, "again"), migration.ErrDuplicateDelivery)
	require.ErrorIs(t, h.orch.Failed(ctx, "never-sent", ""), migration.ErrUnknownMessage)

	_, err = h.orch.MarkRefunded(ctx, key, "skip ahead")
	require.ErrorIs(t, err, migration.ErrInvalidTransition)
	_, err = h.orch.MarkRefunding(ctx, key, " ")
	require.Error(t, err)

	rec, err = h.orch.MarkRefunding(ctx, key, "collateral returned to owner")
	require.NoError(t, err)
	require.Equal(t, migration.StateRefunding, rec.State)
	rec, err = h.orch.MarkRefunded(ctx, key, "confirmed")
	require.NoError(t, err)
	require.Equal(t, migration.StateRefunded, rec.State)
	require.Equal(t, migration.OutcomeRefunded, rec.Outcome)
}

func TestCancelBeforeCollateralLeaves(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarness())

	key, err := h.orch.Submit(ctx, request(100, 10))
	require.NoError(t, err)
	rec, err := h.orch.Cancel(ctx, key)
	require.NoError(t, err)
	require.Equal(t, migration.StateRefunded, rec.State)
	require.Equal(t, migration.FailureCancelled, rec.FailureKind)

	// The worker finds a terminal record and does nothing.
	require.NoError(t, h.orch.Advance(ctx, key))
	require.Equal(t, migration.StateRefunded, h.record(t, key).State)

	_, err = h.orch.Cancel(ctx, key)
	require.ErrorIs(t, err, migration.ErrNotCancellable)
	_, err = h.orch.Cancel(ctx, common.HexToHash("0x01"))
	require.ErrorIs(t, err, migration.ErrUnknownRecord)
}

func TestCancelInTransitIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarness())

	key, err := h.orch.Submit(ctx, request(100, 10))
	require.NoError(t, err)
	require.NoError(t, h.orch.Advance(ctx, key))
	_, err = h.orch.Cancel(ctx, key)
	require.ErrorIs(t, err, migration.ErrNotCancellable)
}

func TestDeliveryForWrongStepIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarness())

	key, err := h.orch.Submit(ctx, request(100, 10))
	require.NoError(t, err)
	require.NoError(t, h.orch.Advance(ctx, key))
	rec := h.record(t, key)

	payload, err := migration.EncodeContinuation(migration.Continuation{
		Key:        key,
		Step:       migration.StepSettleBuffer,
		Owner:      owner,
		ToMarket:   destMarket,
		Asset:      collateralAsset,
		Amount:     big.NewInt(100),
		DebtAsset:  debtAsset,
		DebtAmount: big.NewInt(10),
	})
	require.NoError(t, err)
	err = h.orch.Delivered(ctx, migration.Delivery{
		MessageID:   "forged",
		SourceChain: destChain,
		DestChain:   sourceChain,
		Asset:       debtAsset,
		Amount:      big.NewInt(10),
		Payload:     payload,
	})
	require.ErrorIs(t, err, migration.ErrUnexpectedStep)
	require.Equal(t, rec.State, h.record(t, key).State)
}

func TestDepositOnWithdrawnRecordIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarness())

	rec, err := h.registry.Create(ctx, request(100, 0), time.Now())
	require.NoError(t, err)
	_, err = h.registry.Transition(ctx, rec.Key, migration.StateCreated, migration.StateCollateralWithdrawn, "withdrawn", nil)
	require.NoError(t, err)

	payload, err := migration.EncodeContinuation(migration.Continuation{
		Key:      rec.Key,
		Step:     migration.StepDepositCollateral,
		Owner:    owner,
		ToMarket: destMarket,
		Asset:    collateralAsset,
		Amount:   big.NewInt(100),
	})
	require.NoError(t, err)
	err = h.orch.Delivered(ctx, migration.Delivery{
		MessageID:   "early",
		SourceChain: sourceChain,
		DestChain:   destChain,
		Asset:       collateralAsset,
		Amount:      big.NewInt(100),
		Payload:     payload,
	})
	require.ErrorIs(t, err, migration.ErrUnexpectedStep)

	after := h.record(t, rec.Key)
	require.Equal(t, migration.StateCollateralWithdrawn, after.State)
	require.True(t, after.CollateralDeliveredAt.IsZero())
	require.Zero(t, h.dest.Collateral(owner, collateralAsset).Sign())
}

func TestForeignMessageIDDoesNotConsumeIssuedMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarness())

	key, err := h.orch.Submit(ctx, request(100, 10))
	require.NoError(t, err)
	require.NoError(t, h.orch.Advance(ctx, key))
	issued := h.record(t, key).CollateralMessageID

	payload, err := migration.EncodeContinuation(migration.Continuation{
		Key:        key,
		Step:       migration.StepDepositCollateral,
		Owner:      owner,
		ToMarket:   destMarket,
		Asset:      collateralAsset,
		Amount:     big.NewInt(100),
		DebtAsset:  debtAsset,
		DebtAmount: big.NewInt(10),
	})
	require.NoError(t, err)
	require.NoError(t, h.orch.Delivered(ctx, migration.Delivery{
		MessageID:   "not-" + issued,
		SourceChain: sourceChain,
		DestChain:   destChain,
		Asset:       collateralAsset,
		Amount:      big.NewInt(100),
		Payload:     payload,
	}))

	rec := h.record(t, key)
	require.Equal(t, migration.StateFailed, rec.State)
	require.Equal(t, migration.FailureInconsistency, rec.FailureKind)
	require.True(t, rec.CollateralDeliveredAt.IsZero())

	// The genuine message is refused, not swallowed as a duplicate.
	err = h.bridge.DeliverNext(ctx)
	require.ErrorIs(t, err, migration.ErrUnexpectedStep)
	require.NotErrorIs(t, err, migration.ErrDuplicateDelivery)

	after := h.record(t, key)
	require.Equal(t, migration.StateFailed, after.State)
	require.Equal(t, rec.FailureReason, after.FailureReason)
	require.True(t, after.CollateralDeliveredAt.IsZero())
	require.Zero(t, h.dest.Collateral(owner, collateralAsset).Sign())
	require.Equal(t, int64(100), h.dstVault.Balance(destCustody, collateralAsset).Int64())
}

func TestMalformedPayloadFailsAwaitingRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarness())

	key, err := h.orch.Submit(ctx, request(100, 10))
	require.NoError(t, err)
	require.NoError(t, h.orch.Advance(ctx, key))
	rec := h.record(t, key)

	err = h.orch.Delivered(ctx, migration.Delivery{
		MessageID:   rec.CollateralMessageID,
		SourceChain: sourceChain,
		DestChain:   destChain,
		Asset:       collateralAsset,
		Amount:      big.NewInt(100),
		Payload:     []byte{0xde, 0xad},
	})
	require.ErrorIs(t, err, migration.ErrMalformedPayload)

	rec = h.record(t, key)
	require.Equal(t, migration.StateFailed, rec.State)
	require.Equal(t, migration.FailureInconsistency, rec.FailureKind)
}

func TestDeliveredAmountMismatchIsInconsistency(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarness())

	key, err := h.orch.Submit(ctx, request(100, 10))
	require.NoError(t, err)
	require.NoError(t, h.orch.Advance(ctx, key))
	rec := h.record(t, key)

	payload, err := migration.EncodeContinuation(migration.Continuation{
		Key:        key,
		Step:       migration.StepDepositCollateral,
		Owner:      owner,
		ToMarket:   destMarket,
		Asset:      collateralAsset,
		Amount:     big.NewInt(100),
		DebtAsset:  debtAsset,
		DebtAmount: big.NewInt(10),
	})
	require.NoError(t, err)
	require.NoError(t, h.orch.Delivered(ctx, migration.Delivery{
		MessageID:   rec.CollateralMessageID,
		SourceChain: sourceChain,
		DestChain:   destChain,
		Asset:       collateralAsset,
		Amount:      big.NewInt(99),
		Payload:     payload,
	}))

	rec = h.record(t, key)
	require.Equal(t, migration.StateFailed, rec.State)
	require.Equal(t, migration.FailureInconsistency, rec.FailureKind)
	require.Equal(t, int64(0), h.dest.Collateral(owner, collateralAsset).Int64())
}

func TestRunDrivesQueuedMigrations(t *testing.T) {
	h := newHarness(t, defaultHarness())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key, err := h.orch.Submit(ctx, request(100, 10))
	require.NoError(t, err)

	done := make(chan error, 2)
	go func() { done <- h.orch.Run(ctx) }()
	go func() { done <- h.bridge.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		rec, err := h.orch.Get(context.Background(), key)
		return err == nil && rec.State == migration.StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

func TestStalledListsIdleIntermediateRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultHarness())

	key, err := h.orch.Submit(ctx, request(100, 10))
	require.NoError(t, err)
	require.NoError(t, h.orch.Advance(ctx, key))

	// In transit is waiting on the bridge, not stalled.
	stalled, err := h.orch.Stalled(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, stalled)
}
