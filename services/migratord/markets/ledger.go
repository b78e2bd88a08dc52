package markets

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"himalaya/native/migration"
)

const bpsDenominator = 10_000

var _ migration.MarketAdapter = (*LedgerMarket)(nil)

type position struct {
	collateral map[common.Address]*big.Int
	debt       map[common.Address]*big.Int
}

func newPosition() *position {
	return &position{
		collateral: make(map[common.Address]*big.Int),
		debt:       make(map[common.Address]*big.Int),
	}
}

func amountOf(m map[common.Address]*big.Int, asset common.Address) *big.Int {
	if v, ok := m[asset]; ok {
		return v
	}
	v := new(big.Int)
	m[asset] = v
	return v
}

// LedgerConfig describes a simulated lending market deployment.
type LedgerConfig struct {
	Chain    uint64
	Address  common.Address
	Operator common.Address
	// MaxLTVBps caps debt value over collateral value; zero disables the check.
	MaxLTVBps uint64
	// Prices maps an asset to the value of one base unit. Missing assets are
	// valued at one.
	Prices map[common.Address]*big.Int
}

// LedgerMarket is an in-process lending market backed by a Vault. Liquidity
// lives in the vault under the market address. Only the operator, the
// orchestrator's custody account on this chain, pays in or receives funds.
type LedgerMarket struct {
	chain     uint64
	address   common.Address
	operator  common.Address
	vault     *Vault
	maxLTVBps uint64

	mu        sync.Mutex
	paused    bool
	prices    map[common.Address]*big.Int
	positions map[common.Address]*position
}

// NewLedgerMarket constructs a simulated market settling through vault.
func NewLedgerMarket(cfg LedgerConfig, vault *Vault) (*LedgerMarket, error) {
	if vault == nil {
		return nil, fmt.Errorf("markets: vault required")
	}
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("markets: market address required")
	}
	if cfg.Operator == (common.Address{}) {
		return nil, fmt.Errorf("markets: operator address required")
	}
	if vault.Chain() != cfg.Chain {
		return nil, fmt.Errorf("markets: vault chain %d does not match market chain %d", vault.Chain(), cfg.Chain)
	}
	prices := make(map[common.Address]*big.Int, len(cfg.Prices))
	for asset, price := range cfg.Prices {
		if price != nil {
			prices[asset] = new(big.Int).Set(price)
		}
	}
	return &LedgerMarket{
		chain:     cfg.Chain,
		address:   cfg.Address,
		operator:  cfg.Operator,
		vault:     vault,
		maxLTVBps: cfg.MaxLTVBps,
		prices:    prices,
		positions: make(map[common.Address]*position),
	}, nil
}

// Chain returns the chain the market is deployed on.
func (m *LedgerMarket) Chain() uint64 { return m.chain }

// Address returns the market address.
func (m *LedgerMarket) Address() common.Address { return m.address }

// SetPaused toggles the market pause switch.
func (m *LedgerMarket) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
}

// SetPrice updates the unit value of asset.
func (m *LedgerMarket) SetPrice(asset common.Address, price *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[asset] = new(big.Int).Set(price)
}

// Supply mints market liquidity of asset.
func (m *LedgerMarket) Supply(asset common.Address, amount *big.Int) {
	m.vault.Mint(m.address, asset, amount)
}

// Liquidity returns the market's free balance of asset.
func (m *LedgerMarket) Liquidity(asset common.Address) *big.Int {
	return m.vault.Balance(m.address, asset)
}

// Open seeds a position directly, as if owner had supplied collateral and
// borrowed debt earlier. The borrowed amount leaves market liquidity.
func (m *LedgerMarket) Open(owner, asset common.Address, collateral *big.Int, debtAsset common.Address, debt *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if debt != nil && debt.Sign() > 0 {
		if err := m.vault.Burn(m.address, debtAsset, debt); err != nil {
			return fmt.Errorf("markets: seed position: %w", err)
		}
	}
	pos := m.positionLocked(owner)
	if collateral != nil {
		c := amountOf(pos.collateral, asset)
		c.Add(c, collateral)
		m.vault.Mint(m.address, asset, collateral)
	}
	if debt != nil {
		d := amountOf(pos.debt, debtAsset)
		d.Add(d, debt)
	}
	return nil
}

// Collateral returns owner's supplied balance of asset.
func (m *LedgerMarket) Collateral(owner, asset common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(amountOf(m.positionLocked(owner).collateral, asset))
}

// Debt returns owner's outstanding borrow of asset.
func (m *LedgerMarket) Debt(owner, asset common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(amountOf(m.positionLocked(owner).debt, asset))
}

// Withdraw releases owner's collateral to beneficiary.
func (m *LedgerMarket) Withdraw(ctx context.Context, market, asset common.Address, amount *big.Int, owner, beneficiary common.Address) (*big.Int, error) {
	if err := m.precheck(ctx, "withdraw", market, amount); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return nil, m.fail("withdraw", migration.ErrMarketPaused)
	}
	pos := m.positionLocked(owner)
	held := amountOf(pos.collateral, asset)
	if held.Cmp(amount) < 0 {
		return nil, m.fail("withdraw", fmt.Errorf("%w: %s supplied, %s requested", migration.ErrInsufficientCollateral, held, amount))
	}
	remaining := m.valueLocked(pos.collateral)
	remaining.Sub(remaining, m.unitValueLocked(asset, amount))
	if !m.healthyLocked(remaining, m.valueLocked(pos.debt)) {
		return nil, m.fail("withdraw", fmt.Errorf("%w: position would exceed max ltv", migration.ErrInsufficientCollateral))
	}
	if err := m.vault.Transfer(m.address, beneficiary, asset, amount); err != nil {
		return nil, m.fail("withdraw", fmt.Errorf("%w: %v", migration.ErrInsufficientLiquidity, err))
	}
	held.Sub(held, amount)
	return new(big.Int).Set(amount), nil
}

// Repay pays down onBehalfOf's debt from the operator's balance. Only the
// outstanding debt is taken; the returned amount is what was repaid.
func (m *LedgerMarket) Repay(ctx context.Context, market, debtAsset common.Address, amount *big.Int, onBehalfOf common.Address) (*big.Int, error) {
	if err := m.precheck(ctx, "repay", market, amount); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return nil, m.fail("repay", migration.ErrMarketPaused)
	}
	owed := amountOf(m.positionLocked(onBehalfOf).debt, debtAsset)
	pay := new(big.Int).Set(amount)
	if owed.Cmp(pay) < 0 {
		pay.Set(owed)
	}
	if err := m.vault.Transfer(m.operator, m.address, debtAsset, pay); err != nil {
		return nil, m.fail("repay", err)
	}
	owed.Sub(owed, pay)
	return pay, nil
}

// Deposit supplies collateral from the operator's balance on behalf of owner.
func (m *LedgerMarket) Deposit(ctx context.Context, market, asset common.Address, amount *big.Int, onBehalfOf common.Address) error {
	if err := m.precheck(ctx, "deposit", market, amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return m.fail("deposit", migration.ErrMarketPaused)
	}
	if err := m.vault.Transfer(m.operator, m.address, asset, amount); err != nil {
		return m.fail("deposit", err)
	}
	held := amountOf(m.positionLocked(onBehalfOf).collateral, asset)
	held.Add(held, amount)
	return nil
}

// Borrow opens debt for borrower and pays the borrowed funds to the operator.
func (m *LedgerMarket) Borrow(ctx context.Context, market, debtAsset common.Address, amount *big.Int, borrower common.Address) (*big.Int, error) {
	if err := m.precheck(ctx, "borrow", market, amount); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return nil, m.fail("borrow", migration.ErrMarketPaused)
	}
	pos := m.positionLocked(borrower)
	debtValue := m.valueLocked(pos.debt)
	debtValue.Add(debtValue, m.unitValueLocked(debtAsset, amount))
	if !m.healthyLocked(m.valueLocked(pos.collateral), debtValue) {
		return nil, m.fail("borrow", fmt.Errorf("%w: position would exceed max ltv", migration.ErrInsufficientCollateral))
	}
	if err := m.vault.Transfer(m.address, m.operator, debtAsset, amount); err != nil {
		return nil, m.fail("borrow", fmt.Errorf("%w: %v", migration.ErrInsufficientLiquidity, err))
	}
	owed := amountOf(pos.debt, debtAsset)
	owed.Add(owed, amount)
	return new(big.Int).Set(amount), nil
}

func (m *LedgerMarket) precheck(ctx context.Context, op string, market common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if market != m.address {
		return m.fail(op, fmt.Errorf("%w: %s", migration.ErrUnknownMarket, market.Hex()))
	}
	if amount == nil || amount.Sign() <= 0 {
		return m.fail(op, fmt.Errorf("amount must be positive"))
	}
	return nil
}

func (m *LedgerMarket) fail(op string, err error) error {
	return &migration.AdapterError{Op: op, Chain: m.chain, Market: m.address.Hex(), Err: err}
}

func (m *LedgerMarket) positionLocked(owner common.Address) *position {
	pos, ok := m.positions[owner]
	if !ok {
		pos = newPosition()
		m.positions[owner] = pos
	}
	return pos
}

func (m *LedgerMarket) unitValueLocked(asset common.Address, amount *big.Int) *big.Int {
	price, ok := m.prices[asset]
	if !ok {
		return new(big.Int).Set(amount)
	}
	return new(big.Int).Mul(amount, price)
}

func (m *LedgerMarket) valueLocked(book map[common.Address]*big.Int) *big.Int {
	total := new(big.Int)
	for asset, amount := range book {
		total.Add(total, m.unitValueLocked(asset, amount))
	}
	return total
}

func (m *LedgerMarket) healthyLocked(collateralValue, debtValue *big.Int) bool {
	if m.maxLTVBps == 0 || debtValue.Sign() == 0 {
		return true
	}
	limit := new(big.Int).Mul(collateralValue, new(big.Int).SetUint64(m.maxLTVBps))
	return new(big.Int).Mul(debtValue, big.NewInt(bpsDenominator)).Cmp(limit) <= 0
}
