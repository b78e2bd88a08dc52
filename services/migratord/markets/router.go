package markets

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"himalaya/native/migration"
)

var _ migration.MarketRouter = (*Router)(nil)

type routeKey struct {
	chain  uint64
	market common.Address
}

// Router resolves the adapter serving a market deployment.
type Router struct {
	mu     sync.RWMutex
	routes map[routeKey]migration.MarketAdapter
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[routeKey]migration.MarketAdapter)}
}

// Register binds market on chain to adapter, replacing any earlier binding.
func (r *Router) Register(chain uint64, market common.Address, adapter migration.MarketAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey{chain: chain, market: market}] = adapter
}

// Market returns the adapter for market on chain.
func (r *Router) Market(chain uint64, market common.Address) (migration.MarketAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.routes[routeKey{chain: chain, market: market}]
	if !ok {
		return nil, fmt.Errorf("%w: %s on chain %d", migration.ErrUnknownMarket, market.Hex(), chain)
	}
	return adapter, nil
}
