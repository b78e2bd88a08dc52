package migration

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MarketAdapter is the capability the orchestrator needs from a lending
// market. Every call is one atomic transaction on the market's chain.
type MarketAdapter interface {
	Withdraw(ctx context.Context, market, asset common.Address, amount *big.Int, owner, beneficiary common.Address) (*big.Int, error)
	Repay(ctx context.Context, market, debtAsset common.Address, amount *big.Int, onBehalfOf common.Address) (*big.Int, error)
	Deposit(ctx context.Context, market, asset common.Address, amount *big.Int, onBehalfOf common.Address) error
	Borrow(ctx context.Context, market, debtAsset common.Address, amount *big.Int, borrower common.Address) (*big.Int, error)
}

// MarketRouter resolves the adapter serving a market on a chain.
type MarketRouter interface {
	Market(chain uint64, market common.Address) (MarketAdapter, error)
}

// LiquidityBuffer fronts debt repayment on the source chain until the
// bridged debt asset returns.
type LiquidityBuffer interface {
	Draw(ctx context.Context, chain uint64, asset common.Address, amount *big.Int, key Key, deadline time.Time) (*big.Int, error)
	Settle(ctx context.Context, key Key, amount *big.Int) error
	ForceSettle(ctx context.Context, key Key, amount *big.Int, reason string) error
	Entry(ctx context.Context, key Key) (BufferEntry, error)
	Overdue(ctx context.Context, now time.Time) ([]BufferEntry, error)
	MarkReported(ctx context.Context, key Key, at time.Time) error
	SetCapacity(ctx context.Context, chain uint64, asset common.Address, capacity *big.Int) error
	Pools(ctx context.Context) ([]BufferPool, error)
}

// BridgeClient moves an asset plus an opaque payload to a counter-chain address.
type BridgeClient interface {
	Send(ctx context.Context, msg OutboundMessage) (string, error)
}

// DeliveryHandler receives the bridge's per-message outcome. Each message
// produces exactly one Delivered or Failed call, possibly repeated.
type DeliveryHandler interface {
	Delivered(ctx context.Context, d Delivery) error
	Failed(ctx context.Context, messageID, reason string) error
}

// Mutation edits a record inside a registry transition.
type Mutation func(*Record)

// Registry persists migration records.
type Registry interface {
	// Create allocates the owner's next nonce, derives the key and stores the
	// record in StateCreated.
	Create(ctx context.Context, req Request, now time.Time) (*Record, error)
	Get(ctx context.Context, key Key) (*Record, error)
	FindByMessage(ctx context.Context, messageID string) (*Record, error)
	// Transition applies mutate and moves the record to `to` only while it is
	// still in `from`; otherwise it returns ErrStaleState and changes nothing.
	Transition(ctx context.Context, key Key, from, to State, note string, mutate Mutation) (*Record, error)
	List(ctx context.Context, states ...State) ([]*Record, error)
	History(ctx context.Context, key Key) ([]StateChange, error)
}
