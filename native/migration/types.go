package migration

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Key identifies a migration record. It is the keccak256 digest of the
// request identity and the owner's nonce, see DeriveKey.
type Key = common.Hash

// Request is the immutable intent to move a lending position between two
// market deployments on different chains. Amounts are denominated in the
// smallest unit of the respective asset.
type Request struct {
	Owner      common.Address
	FromMarket common.Address
	ToMarket   common.Address
	Asset      common.Address
	Amount     *big.Int
	DebtAsset  common.Address
	DebtAmount *big.Int
	FromChain  uint64
	ToChain    uint64
}

// HasDebt reports whether the request carries an outstanding debt leg.
func (r Request) HasDebt() bool {
	return r.DebtAmount != nil && r.DebtAmount.Sign() > 0
}

// Validate checks the structural preconditions of a request. A failure means
// the request is rejected synchronously and no record is created.
func (r Request) Validate() error {
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return preconditionf("amount must be positive")
	}
	if r.DebtAmount != nil && r.DebtAmount.Sign() < 0 {
		return preconditionf("debt amount must not be negative")
	}
	if r.HasDebt() && r.DebtAsset == (common.Address{}) {
		return preconditionf("debt asset required when debt amount is set")
	}
	if r.FromChain == r.ToChain {
		return preconditionf("source and destination chain must differ")
	}
	if r.Owner == (common.Address{}) {
		return preconditionf("owner required")
	}
	if r.Asset == (common.Address{}) {
		return preconditionf("asset required")
	}
	if r.FromMarket == (common.Address{}) || r.ToMarket == (common.Address{}) {
		return preconditionf("source and destination market required")
	}
	return nil
}

// Normalized returns a copy with nil amounts replaced by zero and big.Int
// values detached from the caller.
func (r Request) Normalized() Request {
	out := r
	out.Amount = cloneAmount(r.Amount)
	out.DebtAmount = cloneAmount(r.DebtAmount)
	return out
}

// Outcome is the terminal result recorded on a migration.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeRefunded  Outcome = "refunded"
	OutcomeFailed    Outcome = "failed"
)

// FailureKind classifies why a record left the happy path.
type FailureKind string

const (
	FailureNone            FailureKind = ""
	FailureBufferExhausted FailureKind = "buffer_exhausted"
	FailureBuffer          FailureKind = "buffer"
	FailureAdapter         FailureKind = "adapter"
	FailureDelivery        FailureKind = "delivery"
	FailureInconsistency   FailureKind = "inconsistency"
	FailureCancelled       FailureKind = "cancelled"
)

// Record is the orchestrator-owned state of a single migration.
type Record struct {
	Key     Key
	Nonce   uint64
	Request Request
	State   State

	DebtRepaid          *big.Int
	CollateralWithdrawn *big.Int
	CollateralDeposited *big.Int
	DebtBorrowed        *big.Int
	DebtReturned        *big.Int

	BufferDrawn    *big.Int
	BufferDeadline time.Time

	CollateralMessageID   string
	CollateralDeliveredAt time.Time
	DebtMessageID         string
	DebtDeliveredAt       time.Time

	Outcome       Outcome
	FailureKind   FailureKind
	FailureReason string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Request = r.Request.Normalized()
	out.DebtRepaid = cloneAmount(r.DebtRepaid)
	out.CollateralWithdrawn = cloneAmount(r.CollateralWithdrawn)
	out.CollateralDeposited = cloneAmount(r.CollateralDeposited)
	out.DebtBorrowed = cloneAmount(r.DebtBorrowed)
	out.DebtReturned = cloneAmount(r.DebtReturned)
	out.BufferDrawn = cloneAmount(r.BufferDrawn)
	return &out
}

// StateChange is one entry in a record's audit trail.
type StateChange struct {
	From State
	To   State
	Note string
	At   time.Time
}

// BufferStatus tracks the lifecycle of a buffer ledger entry.
type BufferStatus string

const (
	BufferOutstanding BufferStatus = "outstanding"
	BufferSettled     BufferStatus = "settled"
	BufferForced      BufferStatus = "forced"
)

// BufferEntry is an outstanding (or cleared) draw against the liquidity
// buffer of one asset on one chain.
type BufferEntry struct {
	Key           Key
	Chain         uint64
	Asset         common.Address
	Amount        *big.Int
	Deadline      time.Time
	Status        BufferStatus
	SettledAmount *big.Int
	SettleNote    string
	ReportedAt    time.Time
	CreatedAt     time.Time
	SettledAt     time.Time
}

// Overdue reports whether the entry is still outstanding past its deadline.
func (e BufferEntry) Overdue(now time.Time) bool {
	return e.Status == BufferOutstanding && !e.Deadline.IsZero() && now.After(e.Deadline)
}

// BufferPool captures the liquidity available for one asset on one chain.
type BufferPool struct {
	Chain     uint64
	Asset     common.Address
	Capacity  *big.Int
	Available *big.Int
	UpdatedAt time.Time
}

// Outstanding returns the amount currently drawn from the pool.
func (p BufferPool) Outstanding() *big.Int {
	out := new(big.Int)
	if p.Capacity != nil {
		out.Set(p.Capacity)
	}
	if p.Available != nil {
		out.Sub(out, p.Available)
	}
	return out
}

// OutboundMessage is a bridge transfer request.
type OutboundMessage struct {
	SourceChain uint64
	DestChain   uint64
	DestAddress common.Address
	Asset       common.Address
	Amount      *big.Int
	Payload     []byte
}

// Delivery is the bridge report that a message reached its destination.
type Delivery struct {
	MessageID   string
	SourceChain uint64
	DestChain   uint64
	Asset       common.Address
	Amount      *big.Int
	Payload     []byte
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func amountsEqual(a, b *big.Int) bool {
	return cloneAmount(a).Cmp(cloneAmount(b)) == 0
}
