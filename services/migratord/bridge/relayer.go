package bridge

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"himalaya/native/migration"
	"himalaya/observability/metrics"
)

const (
	// HeaderTimestamp carries the unix timestamp (seconds) used when signing.
	HeaderTimestamp = "X-Relayer-Timestamp"
	// HeaderNonce makes every signed request unique.
	HeaderNonce = "X-Relayer-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature.
	HeaderSignature = "X-Relayer-Signature"

	sendPath = "/v1/xcall"
)

var _ migration.BridgeClient = (*Relayer)(nil)

// RelayerConfig configures the relayer HTTP client.
type RelayerConfig struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
}

// Relayer submits cross-chain messages to an external relayer service.
type Relayer struct {
	baseURL    string
	secret     []byte
	httpClient *http.Client
	now        func() time.Time
	metrics    *metrics.BridgeMetrics
}

// NewRelayer constructs a relayer client.
func NewRelayer(cfg RelayerConfig) (*Relayer, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("bridge: relayer url required")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, fmt.Errorf("bridge: relayer secret required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Relayer{
		baseURL:    base,
		secret:     []byte(cfg.Secret),
		httpClient: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		now:        time.Now,
		metrics:    metrics.Bridge(),
	}, nil
}

// SendRequest is the body posted to the relayer.
type SendRequest struct {
	SourceChain uint64 `json:"source_chain"`
	DestChain   uint64 `json:"dest_chain"`
	DestAddress string `json:"dest_address"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Payload     string `json:"payload"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// Send implements migration.BridgeClient.
func (r *Relayer) Send(ctx context.Context, msg migration.OutboundMessage) (id string, err error) {
	start := time.Now()
	defer func() {
		r.metrics.ObserveRelay(time.Since(start), err)
		if err == nil {
			r.metrics.IncSent(msg.SourceChain, msg.DestChain)
		}
	}()
	if msg.Amount == nil || msg.Amount.Sign() <= 0 {
		return "", fmt.Errorf("bridge: amount must be positive")
	}
	body, err := json.Marshal(SendRequest{
		SourceChain: msg.SourceChain,
		DestChain:   msg.DestChain,
		DestAddress: msg.DestAddress.Hex(),
		Asset:       msg.Asset.Hex(),
		Amount:      msg.Amount.String(),
		Payload:     hexutil.Encode(msg.Payload),
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+sendPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	Sign(req, r.secret, body, r.now())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("bridge: relayer request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("bridge: read relayer response: %w", err)
	}
	var out sendResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("bridge: decode relayer response: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		if out.Error != "" {
			return "", fmt.Errorf("bridge: relayer status %d: %s", resp.StatusCode, out.Error)
		}
		return "", fmt.Errorf("bridge: relayer status %d", resp.StatusCode)
	}
	if strings.TrimSpace(out.MessageID) == "" {
		return "", errors.New("bridge: relayer returned empty message id")
	}
	return out.MessageID, nil
}

// ComputeSignature returns the HMAC-SHA256 over the canonical request
// representation.
func ComputeSignature(secret []byte, timestamp, nonce, method, path string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	payload := strings.Join([]string{
		timestamp,
		nonce,
		strings.ToUpper(method),
		path,
		string(body),
	}, "\n")
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// Sign stamps req with the relayer authentication headers.
func Sign(req *http.Request, secret, body []byte, now time.Time) {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	nonce := uuid.NewString()
	sig := ComputeSignature(secret, timestamp, nonce, req.Method, req.URL.EscapedPath(), body)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
}

// DeliveryNotice is the webhook body the relayer posts when a message lands.
type DeliveryNotice struct {
	MessageID   string `json:"message_id"`
	SourceChain uint64 `json:"source_chain"`
	DestChain   uint64 `json:"dest_chain"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Payload     string `json:"payload"`
}

// Delivery converts the notice into the orchestrator's representation.
func (n DeliveryNotice) Delivery() (migration.Delivery, error) {
	if strings.TrimSpace(n.MessageID) == "" {
		return migration.Delivery{}, fmt.Errorf("message_id required")
	}
	if !common.IsHexAddress(n.Asset) {
		return migration.Delivery{}, fmt.Errorf("invalid asset %q", n.Asset)
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(n.Amount), 10)
	if !ok || amount.Sign() < 0 {
		return migration.Delivery{}, fmt.Errorf("invalid amount %q", n.Amount)
	}
	payload, err := hexutil.Decode(n.Payload)
	if err != nil {
		return migration.Delivery{}, fmt.Errorf("invalid payload: %w", err)
	}
	return migration.Delivery{
		MessageID:   n.MessageID,
		SourceChain: n.SourceChain,
		DestChain:   n.DestChain,
		Asset:       common.HexToAddress(n.Asset),
		Amount:      amount,
		Payload:     payload,
	}, nil
}

// FailureNotice is the webhook body the relayer posts when a message cannot
// be delivered.
type FailureNotice struct {
	MessageID string `json:"message_id"`
	Reason    string `json:"reason"`
}
