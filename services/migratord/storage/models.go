package storage

import (
	"time"

	"gorm.io/gorm"
)

// MigrationRecord persists a migration and its moved amounts. Amounts are
// stored as base-10 strings.
type MigrationRecord struct {
	MigrationKey string `gorm:"column:migration_key;primaryKey;size:66"`
	Owner        string `gorm:"size:42;index"`
	Nonce        uint64 `gorm:"not null"`
	FromMarket   string `gorm:"size:42"`
	ToMarket     string `gorm:"size:42"`
	Asset        string `gorm:"size:42"`
	Amount       string `gorm:"size:80"`
	DebtAsset    string `gorm:"size:42"`
	DebtAmount   string `gorm:"size:80"`
	FromChain    uint64
	ToChain      uint64
	State        string `gorm:"size:32;index"`

	DebtRepaid          string `gorm:"size:80"`
	CollateralWithdrawn string `gorm:"size:80"`
	CollateralDeposited string `gorm:"size:80"`
	DebtBorrowed        string `gorm:"size:80"`
	DebtReturned        string `gorm:"size:80"`
	BufferDrawn         string `gorm:"size:80"`
	BufferDeadline      *time.Time

	CollateralMessageID   string `gorm:"size:128;index"`
	CollateralDeliveredAt *time.Time
	DebtMessageID         string `gorm:"size:128;index"`
	DebtDeliveredAt       *time.Time

	Outcome       string `gorm:"size:16"`
	FailureKind   string `gorm:"size:32;index"`
	FailureReason string `gorm:"type:text"`

	CreatedAt   time.Time `gorm:"autoCreateTime:false;index"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
	CompletedAt *time.Time
}

// StateChange is the audit trail row written with every transition.
type StateChange struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	MigrationKey string `gorm:"column:migration_key;size:66;index"`
	FromState    string `gorm:"size:32"`
	ToState      string `gorm:"size:32"`
	Note         string `gorm:"type:text"`
	At           time.Time
}

// OwnerNonce tracks the next nonce handed out per owner.
type OwnerNonce struct {
	Owner string `gorm:"primaryKey;size:42"`
	Next  uint64 `gorm:"not null"`
}

// BufferPool is the liquidity available for one asset on one chain. Version
// guards concurrent updates.
type BufferPool struct {
	Chain     uint64    `gorm:"primaryKey;autoIncrement:false"`
	Asset     string    `gorm:"primaryKey;size:42"`
	Capacity  string    `gorm:"size:80"`
	Available string    `gorm:"size:80"`
	Version   uint64    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

// BufferEntry is one draw against a pool, kept after settlement.
type BufferEntry struct {
	MigrationKey  string    `gorm:"column:migration_key;primaryKey;size:66"`
	Chain         uint64    `gorm:"index:idx_buffer_entry_pool"`
	Asset         string    `gorm:"size:42;index:idx_buffer_entry_pool"`
	Amount        string    `gorm:"size:80"`
	Deadline      time.Time `gorm:"index"`
	Status        string    `gorm:"size:16;index"`
	SettledAmount string    `gorm:"size:80"`
	SettleNote    string    `gorm:"type:text"`
	ReportedAt    *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime:false"`
	SettledAt     *time.Time
}

// IdempotencyKey stores the replayable response of an intake request.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&MigrationRecord{},
		&StateChange{},
		&OwnerNonce{},
		&BufferPool{},
		&BufferEntry{},
		&IdempotencyKey{},
	)
}
