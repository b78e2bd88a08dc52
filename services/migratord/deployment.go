package main

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"

	"himalaya/native/migration"
	"himalaya/services/migratord/bridge"
	"himalaya/services/migratord/config"
	"himalaya/services/migratord/markets"
	"himalaya/services/migratord/storage"
)

// deployment bundles the chain-facing collaborators of the orchestrator.
type deployment struct {
	custody  map[uint64]common.Address
	router   *markets.Router
	bridge   migration.BridgeClient
	loopback *bridge.Loopback
	verifier *bridge.Verifier
	nonces   *bridge.BoltNonces
}

func (d *deployment) close() error {
	if d == nil || d.nonces == nil {
		return nil
	}
	return d.nonces.Close()
}

func databaseDSN(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "file:") || strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return trimmed, nil
	}
	return storage.FileDSN(trimmed)
}

func buildDeployment(ctx context.Context, cfg config.Config, ledger *storage.Ledger) (_ *deployment, err error) {
	d := &deployment{
		custody: make(map[uint64]common.Address, len(cfg.Chains)),
		router:  markets.NewRouter(),
	}
	defer func() {
		if err != nil {
			_ = d.close()
		}
	}()
	for _, chain := range cfg.Chains {
		d.custody[chain.ID] = common.HexToAddress(chain.Custody)
	}

	var vaults map[uint64]*markets.Vault
	if cfg.Bridge.Kind == config.BridgeLoopback {
		vaults = make(map[uint64]*markets.Vault, len(cfg.Chains))
		opts := make([]bridge.LoopbackOption, 0, len(cfg.Chains))
		for _, chain := range cfg.Chains {
			vault := markets.NewVault(chain.ID)
			vaults[chain.ID] = vault
			opts = append(opts, bridge.WithChain(vault, d.custody[chain.ID]))
		}
		d.loopback = bridge.NewLoopback(opts...)
		d.bridge = d.loopback
	} else {
		relayer, err := bridge.NewRelayer(bridge.RelayerConfig{
			BaseURL: cfg.Bridge.URL,
			Secret:  cfg.Bridge.Secret,
			Timeout: cfg.Bridge.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		d.bridge = relayer
		var opts []bridge.VerifierOption
		if path := cfg.Bridge.NonceStore; path != "" {
			store, err := bridge.OpenNonceStore(path, &bolt.Options{Timeout: time.Second})
			if err != nil {
				return nil, fmt.Errorf("open nonce store: %w", err)
			}
			d.nonces = store
			opts = append(opts, bridge.WithNonceStore(store))
		}
		d.verifier = bridge.NewVerifier(cfg.Bridge.Secret, cfg.Bridge.WebhookSkew.Duration, nil, opts...)
	}

	for _, mc := range cfg.Markets {
		adapter, err := buildMarket(mc, d.custody[mc.Chain], vaults)
		if err != nil {
			return nil, err
		}
		d.router.Register(mc.Chain, common.HexToAddress(mc.Address), adapter)
	}

	if err := seedBuffer(ctx, cfg.Buffer, ledger, vaults, d.custody); err != nil {
		return nil, err
	}
	return d, nil
}

func buildMarket(mc config.MarketConfig, operator common.Address, vaults map[uint64]*markets.Vault) (migration.MarketAdapter, error) {
	if mc.Kind == config.MarketRPC {
		return markets.NewRPCAdapter(markets.RPCConfig{
			Chain:             mc.Chain,
			URL:               mc.URL,
			Timeout:           mc.Timeout.Duration,
			RequestsPerSecond: mc.RequestsPerSecond,
			Burst:             mc.Burst,
		})
	}
	market, err := markets.NewLedgerMarket(markets.LedgerConfig{
		Chain:     mc.Chain,
		Address:   common.HexToAddress(mc.Address),
		Operator:  operator,
		MaxLTVBps: mc.MaxLTVBps,
	}, vaults[mc.Chain])
	if err != nil {
		return nil, err
	}
	for asset, raw := range mc.Liquidity {
		amount, err := config.ParseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("market %s liquidity: %w", mc.Address, err)
		}
		market.Supply(common.HexToAddress(asset), amount)
	}
	for asset, raw := range mc.Prices {
		price, err := config.ParseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("market %s price: %w", mc.Address, err)
		}
		market.SetPrice(common.HexToAddress(asset), price)
	}
	for _, pos := range mc.Positions {
		collateral, err := config.ParseAmount(pos.Collateral)
		if err != nil {
			return nil, fmt.Errorf("market %s position: %w", mc.Address, err)
		}
		debt := new(big.Int)
		if strings.TrimSpace(pos.Debt) != "" {
			if debt, err = config.ParseAmount(pos.Debt); err != nil {
				return nil, fmt.Errorf("market %s position: %w", mc.Address, err)
			}
		}
		if err := market.Open(common.HexToAddress(pos.Owner), common.HexToAddress(pos.Asset), collateral,
			common.HexToAddress(pos.DebtAsset), debt); err != nil {
			return nil, fmt.Errorf("market %s position: %w", mc.Address, err)
		}
	}
	return market, nil
}

// seedBuffer creates configured pools that do not exist yet. Existing pools
// keep their persisted capacity. With simulated chains the custody account is
// funded to match, since vault balances do not survive a restart.
func seedBuffer(ctx context.Context, pools []config.BufferPoolConfig, ledger *storage.Ledger, vaults map[uint64]*markets.Vault, custody map[uint64]common.Address) error {
	existing, err := ledger.Pools(ctx)
	if err != nil {
		return fmt.Errorf("list buffer pools: %w", err)
	}
	known := make(map[string]migration.BufferPool, len(existing))
	for _, pool := range existing {
		known[poolKey(pool.Chain, pool.Asset)] = pool
	}
	for _, pc := range pools {
		asset := common.HexToAddress(pc.Asset)
		capacity, err := config.ParseAmount(pc.Capacity)
		if err != nil {
			return fmt.Errorf("buffer pool %s: %w", pc.Asset, err)
		}
		funded := capacity
		if pool, ok := known[poolKey(pc.Chain, asset)]; ok {
			funded = pool.Available
		} else if err := ledger.SetCapacity(ctx, pc.Chain, asset, capacity); err != nil {
			return fmt.Errorf("seed buffer pool %s: %w", pc.Asset, err)
		}
		if vault, ok := vaults[pc.Chain]; ok && funded != nil && funded.Sign() > 0 {
			vault.Mint(custody[pc.Chain], asset, funded)
		}
	}
	return nil
}

func poolKey(chain uint64, asset common.Address) string {
	return fmt.Sprintf("%d/%s", chain, asset.Hex())
}
