package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"himalaya/native/migration"
)

var _ migration.Registry = (*Registry)(nil)

// Registry is the gorm-backed migration registry.
type Registry struct {
	db *gorm.DB
}

// ErrNonceContention is returned when concurrent submissions for one owner
// keep racing for the same nonce.
var ErrNonceContention = errors.New("storage: owner nonce contention")

var errNonceConflict = errors.New("storage: owner nonce moved")

const maxNonceAttempts = 5

// NewRegistry constructs a registry over an already migrated database.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// Create allocates the owner's next nonce and inserts the CREATED record in
// one transaction.
func (r *Registry) Create(ctx context.Context, req migration.Request, now time.Time) (*migration.Record, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("storage: registry not configured")
	}
	now = now.UTC()
	for attempt := 0; attempt < maxNonceAttempts; attempt++ {
		created, err := r.create(ctx, req, now)
		if errors.Is(err, errNonceConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return created, nil
	}
	return nil, ErrNonceContention
}

func (r *Registry) create(ctx context.Context, req migration.Request, now time.Time) (*migration.Record, error) {
	var created *migration.Record
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owner := strings.ToLower(req.Owner.Hex())
		var nonce OwnerNonce
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&nonce, "owner = ?", owner).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			nonce = OwnerNonce{Owner: owner, Next: 0}
			if err := tx.Create(&OwnerNonce{Owner: owner, Next: 1}).Error; err != nil {
				return fmt.Errorf("allocate nonce: %w", err)
			}
		case err != nil:
			return fmt.Errorf("load nonce: %w", err)
		default:
			if err := advanceNonce(tx, owner, nonce.Next); err != nil {
				return err
			}
		}

		rec := &migration.Record{
			Key:       migration.DeriveKey(req, nonce.Next),
			Nonce:     nonce.Next,
			Request:   req.Normalized(),
			State:     migration.StateCreated,
			CreatedAt: now,
			UpdatedAt: now,
		}
		row := toRow(rec)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		if err := tx.Create(&StateChange{
			MigrationKey: row.MigrationKey,
			ToState:      string(migration.StateCreated),
			Note:         "submitted",
			At:           now,
		}).Error; err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}
		created = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// advanceNonce bumps the owner's counter only if it still reads expected.
// SQLite ignores row locks, so a concurrent writer shows up as zero rows.
func advanceNonce(tx *gorm.DB, owner string, expected uint64) error {
	res := tx.Model(&OwnerNonce{}).Where("owner = ? AND next = ?", owner, expected).Update("next", expected+1)
	if res.Error != nil {
		return fmt.Errorf("advance nonce: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errNonceConflict
	}
	return nil
}

// Get loads a record by key.
func (r *Registry) Get(ctx context.Context, key migration.Key) (*migration.Record, error) {
	var row MigrationRecord
	err := r.db.WithContext(ctx).First(&row, "migration_key = ?", keyString(key)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, migration.ErrUnknownRecord
		}
		return nil, fmt.Errorf("storage: load record: %w", err)
	}
	return fromRow(row)
}

// FindByMessage returns the record that issued the bridge message.
func (r *Registry) FindByMessage(ctx context.Context, messageID string) (*migration.Record, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, migration.ErrUnknownMessage
	}
	var row MigrationRecord
	err := r.db.WithContext(ctx).
		Where("collateral_message_id = ? OR debt_message_id = ?", messageID, messageID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, migration.ErrUnknownMessage
		}
		return nil, fmt.Errorf("storage: find by message: %w", err)
	}
	return fromRow(row)
}

// Transition applies mutate and moves the record from `from` to `to` with a
// compare-and-set on the stored state.
func (r *Registry) Transition(ctx context.Context, key migration.Key, from, to migration.State, note string, mutate migration.Mutation) (*migration.Record, error) {
	var updated *migration.Record
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row MigrationRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "migration_key = ?", keyString(key)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return migration.ErrUnknownRecord
			}
			return fmt.Errorf("load record: %w", err)
		}
		if row.State != string(from) {
			return fmt.Errorf("%w: want %s, have %s", migration.ErrStaleState, from, row.State)
		}
		rec, err := fromRow(row)
		if err != nil {
			return err
		}
		if mutate != nil {
			mutate(rec)
		}
		rec.Key = key
		rec.State = to
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = time.Now().UTC()
		}
		next := toRow(rec)
		res := tx.Model(&MigrationRecord{}).
			Where("migration_key = ? AND state = ?", row.MigrationKey, string(from)).
			Select("*").
			Updates(&next)
		if res.Error != nil {
			return fmt.Errorf("update record: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: concurrent update", migration.ErrStaleState)
		}
		if err := tx.Create(&StateChange{
			MigrationKey: row.MigrationKey,
			FromState:    string(from),
			ToState:      string(to),
			Note:         note,
			At:           next.UpdatedAt,
		}).Error; err != nil {
			return fmt.Errorf("insert audit: %w", err)
		}
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// List returns records in any of the supplied states, oldest first. No states
// lists everything.
func (r *Registry) List(ctx context.Context, states ...migration.State) ([]*migration.Record, error) {
	query := r.db.WithContext(ctx).Order("created_at ASC")
	if len(states) > 0 {
		names := make([]string, 0, len(states))
		for _, s := range states {
			names = append(names, string(s))
		}
		query = query.Where("state IN ?", names)
	}
	var rows []MigrationRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: list records: %w", err)
	}
	out := make([]*migration.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// History returns the audit trail of a record, oldest first.
func (r *Registry) History(ctx context.Context, key migration.Key) ([]migration.StateChange, error) {
	var rows []StateChange
	if err := r.db.WithContext(ctx).
		Where("migration_key = ?", keyString(key)).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: load history: %w", err)
	}
	out := make([]migration.StateChange, 0, len(rows))
	for _, row := range rows {
		out = append(out, migration.StateChange{
			From: migration.State(row.FromState),
			To:   migration.State(row.ToState),
			Note: row.Note,
			At:   row.At.UTC(),
		})
	}
	return out, nil
}

func keyString(key migration.Key) string {
	return strings.ToLower(key.Hex())
}

func toRow(rec *migration.Record) MigrationRecord {
	req := rec.Request
	return MigrationRecord{
		MigrationKey:          keyString(rec.Key),
		Owner:                 strings.ToLower(req.Owner.Hex()),
		Nonce:                 rec.Nonce,
		FromMarket:            req.FromMarket.Hex(),
		ToMarket:              req.ToMarket.Hex(),
		Asset:                 req.Asset.Hex(),
		Amount:                formatAmount(req.Amount),
		DebtAsset:             req.DebtAsset.Hex(),
		DebtAmount:            formatAmount(req.DebtAmount),
		FromChain:             req.FromChain,
		ToChain:               req.ToChain,
		State:                 string(rec.State),
		DebtRepaid:            formatAmount(rec.DebtRepaid),
		CollateralWithdrawn:   formatAmount(rec.CollateralWithdrawn),
		CollateralDeposited:   formatAmount(rec.CollateralDeposited),
		DebtBorrowed:          formatAmount(rec.DebtBorrowed),
		DebtReturned:          formatAmount(rec.DebtReturned),
		BufferDrawn:           formatAmount(rec.BufferDrawn),
		BufferDeadline:        timePtr(rec.BufferDeadline),
		CollateralMessageID:   rec.CollateralMessageID,
		CollateralDeliveredAt: timePtr(rec.CollateralDeliveredAt),
		DebtMessageID:         rec.DebtMessageID,
		DebtDeliveredAt:       timePtr(rec.DebtDeliveredAt),
		Outcome:               string(rec.Outcome),
		FailureKind:           string(rec.FailureKind),
		FailureReason:         rec.FailureReason,
		CreatedAt:             rec.CreatedAt.UTC(),
		UpdatedAt:             rec.UpdatedAt.UTC(),
		CompletedAt:           timePtr(rec.CompletedAt),
	}
}

func fromRow(row MigrationRecord) (*migration.Record, error) {
	key, err := migration.ParseKey(row.MigrationKey)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	state, err := migration.ParseState(row.State)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	amounts := make(map[string]*big.Int, 8)
	for name, raw := range map[string]string{
		"amount":               row.Amount,
		"debt_amount":          row.DebtAmount,
		"debt_repaid":          row.DebtRepaid,
		"collateral_withdrawn": row.CollateralWithdrawn,
		"collateral_deposited": row.CollateralDeposited,
		"debt_borrowed":        row.DebtBorrowed,
		"debt_returned":        row.DebtReturned,
		"buffer_drawn":         row.BufferDrawn,
	} {
		v, err := parseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("%w (%s of %s)", err, name, row.MigrationKey)
		}
		amounts[name] = v
	}
	return &migration.Record{
		Key:   key,
		Nonce: row.Nonce,
		Request: migration.Request{
			Owner:      common.HexToAddress(row.Owner),
			FromMarket: common.HexToAddress(row.FromMarket),
			ToMarket:   common.HexToAddress(row.ToMarket),
			Asset:      common.HexToAddress(row.Asset),
			Amount:     amounts["amount"],
			DebtAsset:  common.HexToAddress(row.DebtAsset),
			DebtAmount: amounts["debt_amount"],
			FromChain:  row.FromChain,
			ToChain:    row.ToChain,
		},
		State:                 state,
		DebtRepaid:            amounts["debt_repaid"],
		CollateralWithdrawn:   amounts["collateral_withdrawn"],
		CollateralDeposited:   amounts["collateral_deposited"],
		DebtBorrowed:          amounts["debt_borrowed"],
		DebtReturned:          amounts["debt_returned"],
		BufferDrawn:           amounts["buffer_drawn"],
		BufferDeadline:        timeVal(row.BufferDeadline),
		CollateralMessageID:   row.CollateralMessageID,
		CollateralDeliveredAt: timeVal(row.CollateralDeliveredAt),
		DebtMessageID:         row.DebtMessageID,
		DebtDeliveredAt:       timeVal(row.DebtDeliveredAt),
		Outcome:               migration.Outcome(row.Outcome),
		FailureKind:           migration.FailureKind(row.FailureKind),
		FailureReason:         row.FailureReason,
		CreatedAt:             row.CreatedAt.UTC(),
		UpdatedAt:             row.UpdatedAt.UTC(),
		CompletedAt:           timeVal(row.CompletedAt),
	}, nil
}
