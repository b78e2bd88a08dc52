package markets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"himalaya/native/migration"
)

// JSON-RPC error codes returned by a market executor.
const (
	CodeMarketPaused           = -32010
	CodeInsufficientLiquidity  = -32011
	CodeInsufficientCollateral = -32012
	CodeInsufficientBalance    = -32013
	CodeUnknownMarket          = -32014
)

var _ migration.MarketAdapter = (*RPCAdapter)(nil)

// RPCConfig describes a market executor endpoint on one chain.
type RPCConfig struct {
	Chain   uint64
	URL     string
	Timeout time.Duration
	// RequestsPerSecond paces calls to the executor; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// RPCAdapter drives a market through a JSON-RPC executor that signs and
// submits the chain transaction and reports the settled amount.
type RPCAdapter struct {
	chain      uint64
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	nextID     atomic.Int64
}

// NewRPCAdapter constructs an adapter for the configured executor.
func NewRPCAdapter(cfg RPCConfig) (*RPCAdapter, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("markets: executor url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	adapter := &RPCAdapter{
		chain:      cfg.Chain,
		url:        url,
		httpClient: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		adapter.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return adapter, nil
}

type marketCall struct {
	Market      string `json:"market"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Account     string `json:"account"`
	Beneficiary string `json:"beneficiary,omitempty"`
}

type marketResult struct {
	Amount string `json:"amount"`
	TxHash string `json:"txHash"`
}

// Withdraw calls market_withdraw.
func (a *RPCAdapter) Withdraw(ctx context.Context, market, asset common.Address, amount *big.Int, owner, beneficiary common.Address) (*big.Int, error) {
	return a.invoke(ctx, "withdraw", marketCall{
		Market:      market.Hex(),
		Asset:       asset.Hex(),
		Amount:      amount.String(),
		Account:     owner.Hex(),
		Beneficiary: beneficiary.Hex(),
	})
}

// Repay calls market_repay.
func (a *RPCAdapter) Repay(ctx context.Context, market, debtAsset common.Address, amount *big.Int, onBehalfOf common.Address) (*big.Int, error) {
	return a.invoke(ctx, "repay", marketCall{
		Market:  market.Hex(),
		Asset:   debtAsset.Hex(),
		Amount:  amount.String(),
		Account: onBehalfOf.Hex(),
	})
}

// Deposit calls market_deposit.
func (a *RPCAdapter) Deposit(ctx context.Context, market, asset common.Address, amount *big.Int, onBehalfOf common.Address) error {
	_, err := a.invoke(ctx, "deposit", marketCall{
		Market:  market.Hex(),
		Asset:   asset.Hex(),
		Amount:  amount.String(),
		Account: onBehalfOf.Hex(),
	})
	return err
}

// Borrow calls market_borrow.
func (a *RPCAdapter) Borrow(ctx context.Context, market, debtAsset common.Address, amount *big.Int, borrower common.Address) (*big.Int, error) {
	return a.invoke(ctx, "borrow", marketCall{
		Market:  market.Hex(),
		Asset:   debtAsset.Hex(),
		Amount:  amount.String(),
		Account: borrower.Hex(),
	})
}

func (a *RPCAdapter) invoke(ctx context.Context, op string, params marketCall) (*big.Int, error) {
	if amount, ok := new(big.Int).SetString(params.Amount, 10); !ok || amount.Sign() <= 0 {
		return nil, a.fail(op, params.Market, fmt.Errorf("amount must be positive"))
	}
	var result marketResult
	if err := a.call(ctx, "market_"+op, []interface{}{params}, &result); err != nil {
		return nil, a.fail(op, params.Market, err)
	}
	settled, ok := new(big.Int).SetString(strings.TrimSpace(result.Amount), 10)
	if !ok {
		return nil, a.fail(op, params.Market, fmt.Errorf("invalid settled amount %q", result.Amount))
	}
	return settled, nil
}

func (a *RPCAdapter) fail(op, market string, err error) error {
	return &migration.AdapterError{Op: op, Chain: a.chain, Market: market, Err: err}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func (a *RPCAdapter) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	id := a.nextID.Add(1)
	buf, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return mapRPCError(rpcResp.Error)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func mapRPCError(e *rpcError) error {
	var sentinel error
	switch e.Code {
	case CodeMarketPaused:
		sentinel = migration.ErrMarketPaused
	case CodeInsufficientLiquidity:
		sentinel = migration.ErrInsufficientLiquidity
	case CodeInsufficientCollateral:
		sentinel = migration.ErrInsufficientCollateral
	case CodeInsufficientBalance:
		sentinel = migration.ErrInsufficientBalance
	case CodeUnknownMarket:
		sentinel = migration.ErrUnknownMarket
	default:
		return fmt.Errorf("rpc error %d %s", e.Code, e.Message)
	}
	return fmt.Errorf("%w: %s", sentinel, e.Message)
}
