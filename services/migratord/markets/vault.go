package markets

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"himalaya/native/migration"
)

// Vault holds token balances of every account on one simulated chain.
type Vault struct {
	chain uint64

	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*big.Int
}

// NewVault returns an empty vault for chain.
func NewVault(chain uint64) *Vault {
	return &Vault{chain: chain, balances: make(map[common.Address]map[common.Address]*big.Int)}
}

// Chain returns the chain id the vault belongs to.
func (v *Vault) Chain() uint64 { return v.chain }

// Mint credits amount of asset to account out of thin air.
func (v *Vault) Mint(account, asset common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := v.balanceLocked(account, asset)
	bal.Add(bal, amount)
}

// Burn debits amount of asset from account.
func (v *Vault) Burn(account, asset common.Address, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := v.balanceLocked(account, asset)
	if amount == nil || amount.Sign() < 0 || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s", migration.ErrInsufficientBalance, account.Hex(), bal, asset.Hex())
	}
	bal.Sub(bal, amount)
	return nil
}

// Balance returns a copy of account's balance of asset.
func (v *Vault) Balance(account, asset common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.balanceLocked(account, asset))
}

// Transfer moves amount of asset between accounts.
func (v *Vault) Transfer(from, to, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("markets: transfer amount must not be negative")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	src := v.balanceLocked(from, asset)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s", migration.ErrInsufficientBalance, from.Hex(), src, asset.Hex())
	}
	src.Sub(src, amount)
	dst := v.balanceLocked(to, asset)
	dst.Add(dst, amount)
	return nil
}

func (v *Vault) balanceLocked(account, asset common.Address) *big.Int {
	byAsset, ok := v.balances[account]
	if !ok {
		byAsset = make(map[common.Address]*big.Int)
		v.balances[account] = byAsset
	}
	bal, ok := byAsset[asset]
	if !ok {
		bal = new(big.Int)
		byAsset[asset] = bal
	}
	return bal
}
