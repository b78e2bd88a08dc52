package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"himalaya/native/migration"
	"himalaya/observability"
)

var _ migration.LiquidityBuffer = (*Ledger)(nil)

// ErrCapacityBelowOutstanding is returned when a capacity update would leave
// less liquidity than is currently drawn.
var ErrCapacityBelowOutstanding = errors.New("storage: capacity below outstanding draws")

const defaultMaxRetries = 5

var errVersionConflict = errors.New("storage: pool version conflict")

// Ledger is the gorm-backed liquidity buffer. Pool counters change only inside
// a transaction guarded by the pool row version.
type Ledger struct {
	db         *gorm.DB
	now        func() time.Time
	maxRetries int
	metrics    *observability.BufferMetrics
	tracer     trace.Tracer
}

// LedgerOption customises the ledger instance.
type LedgerOption func(*Ledger)

// WithLedgerClock sets the function used to derive timestamps.
func WithLedgerClock(clock func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithMaxRetries bounds the optimistic concurrency retries per operation.
func WithMaxRetries(n int) LedgerOption {
	return func(l *Ledger) {
		if n > 0 {
			l.maxRetries = n
		}
	}
}

// NewLedger constructs a buffer ledger over an already migrated database.
func NewLedger(db *gorm.DB, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		db:         db,
		now:        time.Now,
		maxRetries: defaultMaxRetries,
		metrics:    observability.Buffer(),
		tracer:     otel.Tracer("himalaya/buffer"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Draw reserves amount of asset on chain for the migration key.
func (l *Ledger) Draw(ctx context.Context, chain uint64, asset common.Address, amount *big.Int, key migration.Key, deadline time.Time) (drawn *big.Int, err error) {
	ctx, span := l.tracer.Start(ctx, "buffer.draw", trace.WithAttributes(
		attribute.String("migration.key", key.Hex()),
		attribute.Int64("chain", int64(chain)),
		attribute.String("asset", asset.Hex())))
	defer func() {
		endSpan(span, err)
		l.metrics.RecordOperation("draw", err)
	}()

	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("storage: draw amount must be positive")
	}
	err = l.withPool(ctx, chain, asset, func(tx *gorm.DB, pool *BufferPool, available *big.Int) (*big.Int, error) {
		var existing int64
		if err := tx.Model(&BufferEntry{}).Where("migration_key = ?", keyString(key)).Count(&existing).Error; err != nil {
			return nil, fmt.Errorf("check entry: %w", err)
		}
		if existing > 0 {
			return nil, migration.ErrDuplicateDraw
		}
		if available.Cmp(amount) < 0 {
			return nil, fmt.Errorf("%w: %s available, %s requested", migration.ErrBufferExhausted, available, amount)
		}
		now := l.now().UTC()
		entry := BufferEntry{
			MigrationKey: keyString(key),
			Chain:        chain,
			Asset:        assetString(asset),
			Amount:       amount.String(),
			Deadline:     deadline.UTC(),
			Status:       string(migration.BufferOutstanding),
			CreatedAt:    now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return nil, fmt.Errorf("insert entry: %w", err)
		}
		return new(big.Int).Sub(available, amount), nil
	})
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

// Settle clears the outstanding entry for key when amount matches it exactly.
func (l *Ledger) Settle(ctx context.Context, key migration.Key, amount *big.Int) (err error) {
	ctx, span := l.tracer.Start(ctx, "buffer.settle",
		trace.WithAttributes(attribute.String("migration.key", key.Hex())))
	defer func() {
		endSpan(span, err)
		l.metrics.RecordOperation("settle", err)
	}()
	return l.clear(ctx, key, amount, migration.BufferSettled, "", true)
}

// ForceSettle clears an outstanding entry regardless of amount. Pool capacity
// is adjusted by the difference so the released reservation reflects what was
// actually recovered.
func (l *Ledger) ForceSettle(ctx context.Context, key migration.Key, amount *big.Int, reason string) (err error) {
	ctx, span := l.tracer.Start(ctx, "buffer.force_settle",
		trace.WithAttributes(attribute.String("migration.key", key.Hex())))
	defer func() {
		endSpan(span, err)
		l.metrics.RecordOperation("force_settle", err)
	}()
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("storage: force-settle amount must not be negative")
	}
	return l.clear(ctx, key, amount, migration.BufferForced, strings.TrimSpace(reason), false)
}

func (l *Ledger) clear(ctx context.Context, key migration.Key, amount *big.Int, status migration.BufferStatus, note string, exact bool) error {
	entry, err := l.loadEntry(ctx, l.db.WithContext(ctx), key)
	if err != nil {
		return err
	}
	if entry.Status != string(migration.BufferOutstanding) {
		return fmt.Errorf("%w: entry is %s", migration.ErrNoBufferEntry, entry.Status)
	}
	asset := common.HexToAddress(entry.Asset)
	return l.withPool(ctx, entry.Chain, asset, func(tx *gorm.DB, pool *BufferPool, available *big.Int) (*big.Int, error) {
		current, err := l.loadEntry(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		if current.Status != string(migration.BufferOutstanding) {
			return nil, fmt.Errorf("%w: entry is %s", migration.ErrNoBufferEntry, current.Status)
		}
		owed, err := parseAmount(current.Amount)
		if err != nil {
			return nil, err
		}
		if exact && (amount == nil || owed.Cmp(amount) != 0) {
			return nil, fmt.Errorf("%w: owed %s, got %s", migration.ErrSettleMismatch, owed, formatAmount(amount))
		}
		if !exact {
			capacity, err := parseAmount(pool.Capacity)
			if err != nil {
				return nil, err
			}
			capacity.Add(capacity, new(big.Int).Sub(amount, owed))
			pool.Capacity = capacity.String()
		}
		now := l.now().UTC()
		res := tx.Model(&BufferEntry{}).
			Where("migration_key = ? AND status = ?", current.MigrationKey, string(migration.BufferOutstanding)).
			Updates(map[string]any{
				"status":         string(status),
				"settled_amount": amount.String(),
				"settle_note":    note,
				"settled_at":     now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("update entry: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, errVersionConflict
		}
		return new(big.Int).Add(available, amount), nil
	})
}

// withPool runs fn against the pool row and writes back the new available
// amount with a version check, retrying on conflicts.
func (l *Ledger) withPool(ctx context.Context, chain uint64, asset common.Address, fn func(tx *gorm.DB, pool *BufferPool, available *big.Int) (*big.Int, error)) error {
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		var snapshot BufferPool
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var pool BufferPool
			if err := tx.First(&pool, "chain = ? AND asset = ?", chain, assetString(asset)).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: chain %d asset %s", migration.ErrUnknownPool, chain, asset.Hex())
				}
				return fmt.Errorf("load pool: %w", err)
			}
			available, err := parseAmount(pool.Available)
			if err != nil {
				return err
			}
			next, err := fn(tx, &pool, available)
			if err != nil {
				return err
			}
			if next.Sign() < 0 {
				return fmt.Errorf("storage: pool would go negative")
			}
			res := tx.Model(&BufferPool{}).
				Where("chain = ? AND asset = ? AND version = ?", pool.Chain, pool.Asset, pool.Version).
				Updates(map[string]any{
					"available":  next.String(),
					"capacity":   pool.Capacity,
					"version":    pool.Version + 1,
					"updated_at": l.now().UTC(),
				})
			if res.Error != nil {
				return fmt.Errorf("update pool: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return errVersionConflict
			}
			pool.Available = next.String()
			snapshot = pool
			return nil
		})
		if errors.Is(err, errVersionConflict) {
			l.metrics.RecordRetry()
			continue
		}
		if err != nil {
			return err
		}
		l.recordPool(snapshot)
		return nil
	}
	return migration.ErrBufferContention
}

func (l *Ledger) loadEntry(ctx context.Context, db *gorm.DB, key migration.Key) (BufferEntry, error) {
	var entry BufferEntry
	if err := db.WithContext(ctx).First(&entry, "migration_key = ?", keyString(key)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return BufferEntry{}, migration.ErrNoBufferEntry
		}
		return BufferEntry{}, fmt.Errorf("storage: load entry: %w", err)
	}
	return entry, nil
}

// Entry returns the ledger entry for key, outstanding or cleared.
func (l *Ledger) Entry(ctx context.Context, key migration.Key) (migration.BufferEntry, error) {
	row, err := l.loadEntry(ctx, l.db, key)
	if err != nil {
		return migration.BufferEntry{}, err
	}
	return entryFromRow(row)
}

// Overdue lists outstanding entries whose deadline passed before now.
func (l *Ledger) Overdue(ctx context.Context, now time.Time) ([]migration.BufferEntry, error) {
	var rows []BufferEntry
	if err := l.db.WithContext(ctx).
		Where("status = ? AND deadline < ?", string(migration.BufferOutstanding), now.UTC()).
		Order("deadline ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: list overdue: %w", err)
	}
	out := make([]migration.BufferEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := entryFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	l.metrics.SetOverdue(len(out))
	return out, nil
}

// MarkReported stamps the first time an overdue entry was handed to recovery.
func (l *Ledger) MarkReported(ctx context.Context, key migration.Key, at time.Time) error {
	res := l.db.WithContext(ctx).Model(&BufferEntry{}).
		Where("migration_key = ? AND reported_at IS NULL", keyString(key)).
		Update("reported_at", at.UTC())
	if res.Error != nil {
		return fmt.Errorf("storage: mark reported: %w", res.Error)
	}
	return nil
}

// SetCapacity creates or resizes the pool for asset on chain.
func (l *Ledger) SetCapacity(ctx context.Context, chain uint64, asset common.Address, capacity *big.Int) error {
	if capacity == nil || capacity.Sign() < 0 {
		return fmt.Errorf("storage: capacity must not be negative")
	}
	now := l.now().UTC()
	var snapshot BufferPool
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pool BufferPool
		err := tx.First(&pool, "chain = ? AND asset = ?", chain, assetString(asset)).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			pool = BufferPool{
				Chain:     chain,
				Asset:     assetString(asset),
				Capacity:  capacity.String(),
				Available: capacity.String(),
				Version:   1,
				UpdatedAt: now,
			}
			snapshot = pool
			return tx.Create(&pool).Error
		}
		if err != nil {
			return fmt.Errorf("load pool: %w", err)
		}
		oldCapacity, err := parseAmount(pool.Capacity)
		if err != nil {
			return err
		}
		available, err := parseAmount(pool.Available)
		if err != nil {
			return err
		}
		outstanding := new(big.Int).Sub(oldCapacity, available)
		if capacity.Cmp(outstanding) < 0 {
			return fmt.Errorf("%w: %s outstanding", ErrCapacityBelowOutstanding, outstanding)
		}
		nextAvailable := new(big.Int).Sub(capacity, outstanding)
		res := tx.Model(&BufferPool{}).
			Where("chain = ? AND asset = ? AND version = ?", pool.Chain, pool.Asset, pool.Version).
			Updates(map[string]any{
				"capacity":   capacity.String(),
				"available":  nextAvailable.String(),
				"version":    pool.Version + 1,
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("update pool: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return migration.ErrBufferContention
		}
		pool.Capacity = capacity.String()
		pool.Available = nextAvailable.String()
		snapshot = pool
		return nil
	})
	if err != nil {
		return err
	}
	l.recordPool(snapshot)
	return nil
}

// Pools lists every configured pool.
func (l *Ledger) Pools(ctx context.Context) ([]migration.BufferPool, error) {
	var rows []BufferPool
	if err := l.db.WithContext(ctx).Order("chain ASC, asset ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: list pools: %w", err)
	}
	out := make([]migration.BufferPool, 0, len(rows))
	for _, row := range rows {
		capacity, err := parseAmount(row.Capacity)
		if err != nil {
			return nil, err
		}
		available, err := parseAmount(row.Available)
		if err != nil {
			return nil, err
		}
		out = append(out, migration.BufferPool{
			Chain:     row.Chain,
			Asset:     common.HexToAddress(row.Asset),
			Capacity:  capacity,
			Available: available,
			UpdatedAt: row.UpdatedAt.UTC(),
		})
	}
	return out, nil
}

func (l *Ledger) recordPool(pool BufferPool) {
	capacity, err := parseAmount(pool.Capacity)
	if err != nil {
		return
	}
	available, err := parseAmount(pool.Available)
	if err != nil {
		return
	}
	l.metrics.RecordPool(pool.Chain, pool.Asset, capacity, available)
}

func entryFromRow(row BufferEntry) (migration.BufferEntry, error) {
	key, err := migration.ParseKey(row.MigrationKey)
	if err != nil {
		return migration.BufferEntry{}, fmt.Errorf("storage: %w", err)
	}
	amount, err := parseAmount(row.Amount)
	if err != nil {
		return migration.BufferEntry{}, err
	}
	settled, err := parseAmount(row.SettledAmount)
	if err != nil {
		return migration.BufferEntry{}, err
	}
	return migration.BufferEntry{
		Key:           key,
		Chain:         row.Chain,
		Asset:         common.HexToAddress(row.Asset),
		Amount:        amount,
		Deadline:      row.Deadline.UTC(),
		Status:        migration.BufferStatus(row.Status),
		SettledAmount: settled,
		SettleNote:    row.SettleNote,
		ReportedAt:    timeVal(row.ReportedAt),
		CreatedAt:     row.CreatedAt.UTC(),
		SettledAt:     timeVal(row.SettledAt),
	}, nil
}

func assetString(asset common.Address) string {
	return strings.ToLower(asset.Hex())
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
