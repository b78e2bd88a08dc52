package markets

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"himalaya/native/migration"
)

var (
	marketAddr = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	operator   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	owner      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	collAsset  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	debtAsset  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func newLedger(t *testing.T, maxLTV uint64) (*LedgerMarket, *Vault) {
	t.Helper()
	vault := NewVault(1)
	market, err := NewLedgerMarket(LedgerConfig{Chain: 1, Address: marketAddr, Operator: operator, MaxLTVBps: maxLTV}, vault)
	require.NoError(t, err)
	market.Supply(debtAsset, big.NewInt(1_000))
	return market, vault
}

func TestLedgerMarketRepayAndWithdraw(t *testing.T) {
	ctx := context.Background()
	market, vault := newLedger(t, 8_000)
	require.NoError(t, market.Open(owner, collAsset, big.NewInt(100), debtAsset, big.NewInt(10)))
	require.Equal(t, int64(990), market.Liquidity(debtAsset).Int64())

	// Withdrawing everything while indebted breaks the ltv limit.
	_, err := market.Withdraw(ctx, marketAddr, collAsset, big.NewInt(100), owner, operator)
	require.ErrorIs(t, err, migration.ErrInsufficientCollateral)
	require.True(t, migration.IsAdapterFailure(err))

	vault.Mint(operator, debtAsset, big.NewInt(10))
	repaid, err := market.Repay(ctx, marketAddr, debtAsset, big.NewInt(25), owner)
	require.NoError(t, err)
	require.Equal(t, int64(10), repaid.Int64(), "repay is capped at the debt owed")
	require.Zero(t, market.Debt(owner, debtAsset).Sign())

	got, err := market.Withdraw(ctx, marketAddr, collAsset, big.NewInt(100), owner, operator)
	require.NoError(t, err)
	require.Equal(t, int64(100), got.Int64())
	require.Equal(t, int64(100), vault.Balance(operator, collAsset).Int64())
	require.Zero(t, market.Collateral(owner, collAsset).Sign())
}

func TestLedgerMarketDepositAndBorrow(t *testing.T) {
	ctx := context.Background()
	market, vault := newLedger(t, 5_000)
	vault.Mint(operator, collAsset, big.NewInt(100))

	require.NoError(t, market.Deposit(ctx, marketAddr, collAsset, big.NewInt(100), owner))
	require.Equal(t, int64(100), market.Collateral(owner, collAsset).Int64())

	_, err := market.Borrow(ctx, marketAddr, debtAsset, big.NewInt(60), owner)
	require.ErrorIs(t, err, migration.ErrInsufficientCollateral)

	borrowed, err := market.Borrow(ctx, marketAddr, debtAsset, big.NewInt(50), owner)
	require.NoError(t, err)
	require.Equal(t, int64(50), borrowed.Int64())
	require.Equal(t, int64(50), vault.Balance(operator, debtAsset).Int64())
	require.Equal(t, int64(50), market.Debt(owner, debtAsset).Int64())

	// Doubling the collateral price doubles the borrowing headroom.
	market.SetPrice(collAsset, big.NewInt(2))
	_, err = market.Borrow(ctx, marketAddr, debtAsset, big.NewInt(50), owner)
	require.NoError(t, err)
	_, err = market.Borrow(ctx, marketAddr, debtAsset, big.NewInt(1), owner)
	require.ErrorIs(t, err, migration.ErrInsufficientCollateral)
}

func TestLedgerMarketRejections(t *testing.T) {
	ctx := context.Background()
	market, _ := newLedger(t, 0)

	market.SetPaused(true)
	err := market.Deposit(ctx, marketAddr, collAsset, big.NewInt(1), owner)
	require.ErrorIs(t, err, migration.ErrMarketPaused)
	market.SetPaused(false)

	err = market.Deposit(ctx, marketAddr, collAsset, big.NewInt(1), owner)
	require.ErrorIs(t, err, migration.ErrInsufficientBalance)

	_, err = market.Borrow(ctx, common.HexToAddress("0x01"), debtAsset, big.NewInt(1), owner)
	require.ErrorIs(t, err, migration.ErrUnknownMarket)

	_, err = market.Withdraw(ctx, marketAddr, collAsset, big.NewInt(0), owner, operator)
	require.Error(t, err)

	_, err = market.Borrow(ctx, marketAddr, debtAsset, big.NewInt(5_000), owner)
	require.ErrorIs(t, err, migration.ErrInsufficientLiquidity)
}

func TestRouter(t *testing.T) {
	market, _ := newLedger(t, 0)
	router := NewRouter()
	router.Register(1, marketAddr, market)

	got, err := router.Market(1, marketAddr)
	require.NoError(t, err)
	require.Same(t, market, got)

	_, err = router.Market(2, marketAddr)
	require.ErrorIs(t, err, migration.ErrUnknownMarket)
}

func TestRPCAdapter(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		methods = append(methods, req.Method)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "market_borrow":
			resp["error"] = map[string]interface{}{"code": CodeMarketPaused, "message": "paused"}
		case "market_repay":
			resp["result"] = map[string]string{"amount": "7"}
		default:
			params := req.Params[0].(map[string]interface{})
			resp["result"] = map[string]string{"amount": params["amount"].(string), "txHash": "0x01"}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	adapter, err := NewRPCAdapter(RPCConfig{Chain: 1, URL: srv.URL, RequestsPerSecond: 100, Burst: 4})
	require.NoError(t, err)
	ctx := context.Background()

	got, err := adapter.Withdraw(ctx, marketAddr, collAsset, big.NewInt(100), owner, operator)
	require.NoError(t, err)
	require.Equal(t, int64(100), got.Int64())

	repaid, err := adapter.Repay(ctx, marketAddr, debtAsset, big.NewInt(10), owner)
	require.NoError(t, err)
	require.Equal(t, int64(7), repaid.Int64())

	require.NoError(t, adapter.Deposit(ctx, marketAddr, collAsset, big.NewInt(3), owner))

	_, err = adapter.Borrow(ctx, marketAddr, debtAsset, big.NewInt(1), owner)
	require.ErrorIs(t, err, migration.ErrMarketPaused)
	require.True(t, migration.IsAdapterFailure(err))

	_, err = adapter.Borrow(ctx, marketAddr, debtAsset, big.NewInt(0), owner)
	require.Error(t, err)

	require.Equal(t, []string{"market_withdraw", "market_repay", "market_deposit", "market_borrow"}, methods)
}
