package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"himalaya/native/migration"
	"himalaya/services/migratord/bridge"
	"himalaya/services/migratord/storage"
)

const (
	adminSecret   = "admin-secret"
	relayerSecret = "relayer-secret"
)

var (
	testKey   = common.HexToHash("0x5eed")
	debtAsset = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type stubService struct {
	mu        sync.Mutex
	submits   []migration.Request
	submitErr error
	records   map[migration.Key]*migration.Record
	seen      map[string]bool
	refunding []string
}

func newStubService() *stubService {
	return &stubService{records: make(map[migration.Key]*migration.Record), seen: make(map[string]bool)}
}

func (s *stubService) Submit(_ context.Context, req migration.Request) (migration.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return migration.Key{}, s.submitErr
	}
	if err := req.Validate(); err != nil {
		return migration.Key{}, err
	}
	s.submits = append(s.submits, req)
	return testKey, nil
}

func (s *stubService) Get(_ context.Context, key migration.Key) (*migration.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, migration.ErrUnknownRecord
	}
	return rec, nil
}

func (s *stubService) History(ctx context.Context, key migration.Key) ([]migration.StateChange, error) {
	if _, err := s.Get(ctx, key); err != nil {
		return nil, err
	}
	return []migration.StateChange{{From: migration.StateCreated, To: migration.StateDebtBuffered, Note: "buffer drawn"}}, nil
}

func (s *stubService) Cancel(ctx context.Context, key migration.Key) (*migration.Record, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.State != migration.StateCreated {
		return nil, fmt.Errorf("%w: record is %s", migration.ErrNotCancellable, rec.State)
	}
	rec.State = migration.StateRefunded
	return rec, nil
}

func (s *stubService) MarkRefunding(ctx context.Context, key migration.Key, reason string) (*migration.Record, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.refunding = append(s.refunding, reason)
	s.mu.Unlock()
	rec.State = migration.StateRefunding
	return rec, nil
}

func (s *stubService) MarkRefunded(ctx context.Context, key migration.Key, note string) (*migration.Record, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	rec.State = migration.StateRefunded
	return rec, nil
}

func (s *stubService) ForceSettle(context.Context, migration.Key, *big.Int, string) error {
	return migration.ErrNoBufferEntry
}

func (s *stubService) Delivered(_ context.Context, d migration.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[d.MessageID] {
		return migration.ErrDuplicateDelivery
	}
	s.seen[d.MessageID] = true
	return nil
}

func (s *stubService) Failed(_ context.Context, messageID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if messageID == "unknown" {
		return migration.ErrUnknownMessage
	}
	return nil
}

type fixture struct {
	service *stubService
	ledger  *storage.Ledger
	db      *gorm.DB
	handler http.Handler
	now     time.Time
}

func newFixture(t *testing.T, limit RateLimit) *fixture {
	t.Helper()
	db, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	now := time.Unix(1700000000, 0).UTC()
	clock := func() time.Time { return now }
	ledger := storage.NewLedger(db, storage.WithLedgerClock(clock))
	require.NoError(t, ledger.SetCapacity(context.Background(), 1, debtAsset, big.NewInt(500)))

	svc := newStubService()
	srv := New(Config{
		Service:        svc,
		Buffer:         ledger,
		DB:             db,
		Verifier:       bridge.NewVerifier(relayerSecret, time.Minute, clock),
		Auth:           AuthConfig{HMACSecret: adminSecret, Issuer: "ops"},
		RateLimit:      limit,
		IdempotencyTTL: time.Hour,
		Now:            clock,
	})
	return &fixture{service: svc, ledger: ledger, db: db, handler: srv.Handler(), now: now}
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func submitBody(amount string) string {
	return fmt.Sprintf(`{
		"owner": "0x00000000000000000000000000000000000000a1",
		"from_market": "0x0000000000000000000000000000000000000a01",
		"to_market": "0x0000000000000000000000000000000000000a02",
		"asset": "0x00000000000000000000000000000000000000cc",
		"amount": %q,
		"debt_asset": "0x00000000000000000000000000000000000000bb",
		"debt_amount": "10",
		"from_chain": 1,
		"to_chain": 2
	}`, amount)
}

func adminToken(t *testing.T, scope string, now time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "operator-1",
		"iss":   "ops",
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(adminSecret))
	require.NoError(t, err)
	return signed
}

func TestSubmitAcceptsAndReplaysIdempotentRequest(t *testing.T) {
	f := newFixture(t, RateLimit{RequestsPerSecond: 100, Burst: 100})

	first := httptest.NewRequest(http.MethodPost, "/v1/migrations", strings.NewReader(submitBody("100")))
	first.Header.Set("Idempotency-Key", "req-1")
	resp := f.do(t, first)
	require.Equal(t, http.StatusAccepted, resp.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, testKey.Hex(), body["key"])

	replay := httptest.NewRequest(http.MethodPost, "/v1/migrations", strings.NewReader(submitBody("100")))
	replay.Header.Set("Idempotency-Key", "req-1")
	again := f.do(t, replay)
	require.Equal(t, http.StatusAccepted, again.Code)
	require.Equal(t, "true", again.Header().Get("Idempotent-Replay"))
	require.JSONEq(t, resp.Body.String(), again.Body.String())

	require.Len(t, f.service.submits, 1)
	require.Equal(t, big.NewInt(100), f.service.submits[0].Amount)
	require.Equal(t, uint64(2), f.service.submits[0].ToChain)
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t, RateLimit{RequestsPerSecond: 100, Burst: 100})

	bad := f.do(t, httptest.NewRequest(http.MethodPost, "/v1/migrations", strings.NewReader(`{"owner":"nope"}`)))
	require.Equal(t, http.StatusBadRequest, bad.Code)

	zero := f.do(t, httptest.NewRequest(http.MethodPost, "/v1/migrations", strings.NewReader(submitBody("0"))))
	require.Equal(t, http.StatusUnprocessableEntity, zero.Code)
	require.Contains(t, zero.Body.String(), "precondition")

	unknownField := f.do(t, httptest.NewRequest(http.MethodPost, "/v1/migrations", strings.NewReader(`{"surprise":1}`)))
	require.Equal(t, http.StatusBadRequest, unknownField.Code)

	f.service.submitErr = fmt.Errorf("database on fire")
	internal := f.do(t, httptest.NewRequest(http.MethodPost, "/v1/migrations", strings.NewReader(submitBody("5"))))
	require.Equal(t, http.StatusInternalServerError, internal.Code)
	require.NotContains(t, internal.Body.String(), "fire")
	require.Empty(t, f.service.submits)
}

func TestSubmitRateLimited(t *testing.T) {
	f := newFixture(t, RateLimit{RequestsPerSecond: 1, Burst: 1})

	first := f.do(t, httptest.NewRequest(http.MethodPost, "/v1/migrations", strings.NewReader(submitBody("1"))))
	require.Equal(t, http.StatusAccepted, first.Code)
	second := f.do(t, httptest.NewRequest(http.MethodPost, "/v1/migrations", strings.NewReader(submitBody("1"))))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestRecordQueries(t *testing.T) {
	f := newFixture(t, RateLimit{RequestsPerSecond: 100, Burst: 100})
	f.service.records[testKey] = &migration.Record{
		Key:   testKey,
		State: migration.StateCreated,
		Request: migration.Request{
			Amount:     big.NewInt(100),
			DebtAsset:  debtAsset,
			DebtAmount: big.NewInt(10),
		},
		BufferDrawn: big.NewInt(10),
	}

	got := f.do(t, httptest.NewRequest(http.MethodGet, "/v1/migrations/"+testKey.Hex(), nil))
	require.Equal(t, http.StatusOK, got.Code)
	var view recordView
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &view))
	require.Equal(t, string(migration.StateCreated), view.State)
	require.Equal(t, "100", view.Amount)
	require.Equal(t, "10", view.BufferDrawn)
	require.Equal(t, "0", view.DebtBorrowed)
	require.Equal(t, debtAsset.Hex(), view.DebtAsset)

	hist := f.do(t, httptest.NewRequest(http.MethodGet, "/v1/migrations/"+testKey.Hex()+"/history", nil))
	require.Equal(t, http.StatusOK, hist.Code)
	require.Contains(t, hist.Body.String(), "buffer drawn")

	missing := f.do(t, httptest.NewRequest(http.MethodGet, "/v1/migrations/"+common.HexToHash("0x01").Hex(), nil))
	require.Equal(t, http.StatusNotFound, missing.Code)

	malformed := f.do(t, httptest.NewRequest(http.MethodGet, "/v1/migrations/0x1234", nil))
	require.Equal(t, http.StatusBadRequest, malformed.Code)

	cancelled := f.do(t, httptest.NewRequest(http.MethodPost, "/v1/migrations/"+testKey.Hex()+"/cancel", nil))
	require.Equal(t, http.StatusOK, cancelled.Code)
	again := f.do(t, httptest.NewRequest(http.MethodPost, "/v1/migrations/"+testKey.Hex()+"/cancel", nil))
	require.Equal(t, http.StatusConflict, again.Code)
	require.Contains(t, again.Body.String(), "not_cancellable")
}

func TestAdminRoutesRequireScopedToken(t *testing.T) {
	f := newFixture(t, RateLimit{})
	f.service.records[testKey] = &migration.Record{Key: testKey, State: migration.StateFailed, Request: migration.Request{Amount: big.NewInt(1)}}

	anonymous := f.do(t, httptest.NewRequest(http.MethodGet, "/v1/admin/buffer/pools", nil))
	require.Equal(t, http.StatusUnauthorized, anonymous.Code)

	wrongScope := httptest.NewRequest(http.MethodGet, "/v1/admin/buffer/pools", nil)
	wrongScope.Header.Set("Authorization", "Bearer "+adminToken(t, "migrations:read", time.Now()))
	require.Equal(t, http.StatusForbidden, f.do(t, wrongScope).Code)

	forged := httptest.NewRequest(http.MethodGet, "/v1/admin/buffer/pools", nil)
	forged.Header.Set("Authorization", "Bearer not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, f.do(t, forged).Code)

	token := adminToken(t, AdminScope, time.Now())
	pools := httptest.NewRequest(http.MethodGet, "/v1/admin/buffer/pools", nil)
	pools.Header.Set("Authorization", "Bearer "+token)
	resp := f.do(t, pools)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), `"capacity":"500"`)

	refund := httptest.NewRequest(http.MethodPost, "/v1/admin/migrations/"+testKey.Hex()+"/refunding", strings.NewReader(`{"note":"collateral returned manually"}`))
	refund.Header.Set("Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, f.do(t, refund).Code)
	require.Equal(t, []string{"operator-1: collateral returned manually"}, f.service.refunding)

	noNote := httptest.NewRequest(http.MethodPost, "/v1/admin/migrations/"+testKey.Hex()+"/refunded", strings.NewReader(`{"note":" "}`))
	noNote.Header.Set("Authorization", "Bearer "+token)
	require.Equal(t, http.StatusBadRequest, f.do(t, noNote).Code)

	force := httptest.NewRequest(http.MethodPost, "/v1/admin/buffer/"+testKey.Hex()+"/force-settle", strings.NewReader(`{"amount":"5","reason":"manual"}`))
	force.Header.Set("Authorization", "Bearer "+token)
	require.Equal(t, http.StatusNotFound, f.do(t, force).Code)
}

func TestAdminCapacityUpdate(t *testing.T) {
	f := newFixture(t, RateLimit{})
	ctx := context.Background()
	_, err := f.ledger.Draw(ctx, 1, debtAsset, big.NewInt(200), testKey, f.now.Add(-time.Minute))
	require.NoError(t, err)
	token := adminToken(t, AdminScope, time.Now())

	shrink := httptest.NewRequest(http.MethodPut, "/v1/admin/buffer/capacity",
		strings.NewReader(fmt.Sprintf(`{"chain":1,"asset":%q,"capacity":"100"}`, debtAsset.Hex())))
	shrink.Header.Set("Authorization", "Bearer "+token)
	resp := f.do(t, shrink)
	require.Equal(t, http.StatusConflict, resp.Code)
	require.Contains(t, resp.Body.String(), "capacity_below_outstanding")

	grow := httptest.NewRequest(http.MethodPut, "/v1/admin/buffer/capacity",
		strings.NewReader(fmt.Sprintf(`{"chain":1,"asset":%q,"capacity":"800"}`, debtAsset.Hex())))
	grow.Header.Set("Authorization", "Bearer "+token)
	resp = f.do(t, grow)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), `"available":"600"`)
	require.Contains(t, resp.Body.String(), `"outstanding":"200"`)

	overdue := httptest.NewRequest(http.MethodGet, "/v1/admin/buffer/overdue", nil)
	overdue.Header.Set("Authorization", "Bearer "+token)
	resp = f.do(t, overdue)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), testKey.Hex())
}

func signedRequest(t *testing.T, path string, payload any, secret string, now time.Time) *http.Request {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	bridge.Sign(req, []byte(secret), body, now)
	return req
}

func TestBridgeWebhooks(t *testing.T) {
	f := newFixture(t, RateLimit{})
	notice := bridge.DeliveryNotice{
		MessageID:   "msg-1",
		SourceChain: 1,
		DestChain:   2,
		Asset:       debtAsset.Hex(),
		Amount:      "10",
		Payload:     "0x01",
	}

	unsigned := httptest.NewRequest(http.MethodPost, "/v1/bridge/delivered", strings.NewReader(`{}`))
	require.Equal(t, http.StatusUnauthorized, f.do(t, unsigned).Code)

	forged := signedRequest(t, "/v1/bridge/delivered", notice, "wrong-secret", f.now)
	require.Equal(t, http.StatusUnauthorized, f.do(t, forged).Code)

	resp := f.do(t, signedRequest(t, "/v1/bridge/delivered", notice, relayerSecret, f.now))
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), "consumed")

	dup := f.do(t, signedRequest(t, "/v1/bridge/delivered", notice, relayerSecret, f.now))
	require.Equal(t, http.StatusOK, dup.Code)
	require.Contains(t, dup.Body.String(), "duplicate")

	notice.Payload = "zz"
	malformed := f.do(t, signedRequest(t, "/v1/bridge/delivered", notice, relayerSecret, f.now))
	require.Equal(t, http.StatusBadRequest, malformed.Code)

	failed := f.do(t, signedRequest(t, "/v1/bridge/failed", bridge.FailureNotice{MessageID: "msg-2", Reason: "reverted"}, relayerSecret, f.now))
	require.Equal(t, http.StatusOK, failed.Code)

	unknown := f.do(t, signedRequest(t, "/v1/bridge/failed", bridge.FailureNotice{MessageID: "unknown"}, relayerSecret, f.now))
	require.Equal(t, http.StatusNotFound, unknown.Code)
}

func TestWebhookRoutesAbsentWithoutVerifier(t *testing.T) {
	srv := New(Config{Service: newStubService(), Auth: AuthConfig{HMACSecret: adminSecret}})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/bridge/delivered", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, RateLimit{})
	resp := f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), "ok")
}
