package bridge

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultVerifySkew = 2 * time.Minute

var (
	ErrMissingSignature = errors.New("bridge: missing signature headers")
	ErrBadSignature     = errors.New("bridge: signature mismatch")
	ErrStaleTimestamp   = errors.New("bridge: timestamp outside allowed skew")
	ErrReplayedNonce    = errors.New("bridge: nonce already used")
)

// Verifier authenticates relayer webhook calls signed with Sign.
type Verifier struct {
	secret []byte
	skew   time.Duration
	now    func() time.Time
	nonces NonceStore
}

// VerifierOption customises a Verifier.
type VerifierOption func(*Verifier)

// WithNonceStore replaces the in-memory replay window, typically with a
// BoltNonces store so replays are refused across restarts.
func WithNonceStore(store NonceStore) VerifierOption {
	return func(v *Verifier) {
		if store != nil {
			v.nonces = store
		}
	}
}

// NewVerifier constructs a verifier for secret. A non-positive skew uses the
// default window.
func NewVerifier(secret string, skew time.Duration, now func() time.Time, opts ...VerifierOption) *Verifier {
	if skew <= 0 {
		skew = defaultVerifySkew
	}
	if now == nil {
		now = time.Now
	}
	v := &Verifier{secret: []byte(secret), skew: skew, now: now}
	for _, opt := range opts {
		opt(v)
	}
	if v.nonces == nil {
		v.nonces = newMemoryNonces()
	}
	return v
}

// Verify checks the signature headers of r against body.
func (v *Verifier) Verify(r *http.Request, body []byte) error {
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if timestamp == "" || nonce == "" || provided == "" {
		return ErrMissingSignature
	}
	ts, err := parseUnixTimestamp(timestamp)
	if err != nil {
		return fmt.Errorf("bridge: invalid timestamp: %w", err)
	}
	now := v.now()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.skew {
		return ErrStaleTimestamp
	}
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return ErrBadSignature
	}
	expected := ComputeSignature(v.secret, timestamp, nonce, r.Method, r.URL.EscapedPath(), body)
	if !hmac.Equal(providedBytes, expected) {
		return ErrBadSignature
	}
	return v.register(nonce, now)
}

// Nonces older than twice the skew can no longer pass the timestamp check and
// are forgotten.
func (v *Verifier) register(nonce string, now time.Time) error {
	return v.nonces.Remember(nonce, now, now.Add(-2*v.skew))
}

func parseUnixTimestamp(value string) (time.Time, error) {
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if seconds < 0 || seconds > math.MaxInt64/int64(time.Second) {
		return time.Time{}, fmt.Errorf("timestamp out of range")
	}
	return time.Unix(seconds, 0).UTC(), nil
}
