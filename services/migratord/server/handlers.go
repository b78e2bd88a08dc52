package server

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"himalaya/native/migration"
	"himalaya/observability/metrics"
	"himalaya/services/migratord/bridge"
)

const maxBodyBytes = 1 << 20

type submitRequest struct {
	Owner      string `json:"owner"`
	FromMarket string `json:"from_market"`
	ToMarket   string `json:"to_market"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	DebtAsset  string `json:"debt_asset"`
	DebtAmount string `json:"debt_amount"`
	FromChain  uint64 `json:"from_chain"`
	ToChain    uint64 `json:"to_chain"`
}

func (r submitRequest) toRequest() (migration.Request, error) {
	var (
		req migration.Request
		err error
	)
	if req.Owner, err = parseAddress("owner", r.Owner); err != nil {
		return req, err
	}
	if req.FromMarket, err = parseAddress("from_market", r.FromMarket); err != nil {
		return req, err
	}
	if req.ToMarket, err = parseAddress("to_market", r.ToMarket); err != nil {
		return req, err
	}
	if req.Asset, err = parseAddress("asset", r.Asset); err != nil {
		return req, err
	}
	if req.Amount, err = parseDecimal("amount", r.Amount); err != nil {
		return req, err
	}
	if strings.TrimSpace(r.DebtAmount) != "" {
		if req.DebtAmount, err = parseDecimal("debt_amount", r.DebtAmount); err != nil {
			return req, err
		}
	}
	if strings.TrimSpace(r.DebtAsset) != "" {
		if req.DebtAsset, err = parseAddress("debt_asset", r.DebtAsset); err != nil {
			return req, err
		}
	}
	req.FromChain = r.FromChain
	req.ToChain = r.ToChain
	return req, nil
}

func parseDecimal(field, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, badRequestf("%s must be a base-10 integer", field)
	}
	return v, nil
}

type recordView struct {
	Key                 string     `json:"key"`
	Nonce               uint64     `json:"nonce"`
	State               string     `json:"state"`
	Owner               string     `json:"owner"`
	FromChain           uint64     `json:"from_chain"`
	ToChain             uint64     `json:"to_chain"`
	FromMarket          string     `json:"from_market"`
	ToMarket            string     `json:"to_market"`
	Asset               string     `json:"asset"`
	Amount              string     `json:"amount"`
	DebtAsset           string     `json:"debt_asset,omitempty"`
	DebtAmount          string     `json:"debt_amount"`
	BufferDrawn         string     `json:"buffer_drawn"`
	BufferDeadline      *time.Time `json:"buffer_deadline,omitempty"`
	DebtRepaid          string     `json:"debt_repaid"`
	CollateralWithdrawn string     `json:"collateral_withdrawn"`
	CollateralDeposited string     `json:"collateral_deposited"`
	DebtBorrowed        string     `json:"debt_borrowed"`
	DebtReturned        string     `json:"debt_returned"`
	CollateralMessageID string     `json:"collateral_message_id,omitempty"`
	DebtMessageID       string     `json:"debt_message_id,omitempty"`
	Outcome             string     `json:"outcome,omitempty"`
	FailureKind         string     `json:"failure_kind,omitempty"`
	FailureReason       string     `json:"failure_reason,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

func viewOf(rec *migration.Record) recordView {
	req := rec.Request
	view := recordView{
		Key:                 rec.Key.Hex(),
		Nonce:               rec.Nonce,
		State:               string(rec.State),
		Owner:               req.Owner.Hex(),
		FromChain:           req.FromChain,
		ToChain:             req.ToChain,
		FromMarket:          req.FromMarket.Hex(),
		ToMarket:            req.ToMarket.Hex(),
		Asset:               req.Asset.Hex(),
		Amount:              amountString(req.Amount),
		DebtAmount:          amountString(req.DebtAmount),
		BufferDrawn:         amountString(rec.BufferDrawn),
		DebtRepaid:          amountString(rec.DebtRepaid),
		CollateralWithdrawn: amountString(rec.CollateralWithdrawn),
		CollateralDeposited: amountString(rec.CollateralDeposited),
		DebtBorrowed:        amountString(rec.DebtBorrowed),
		DebtReturned:        amountString(rec.DebtReturned),
		CollateralMessageID: rec.CollateralMessageID,
		DebtMessageID:       rec.DebtMessageID,
		Outcome:             string(rec.Outcome),
		FailureKind:         string(rec.FailureKind),
		FailureReason:       rec.FailureReason,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}
	if req.HasDebt() {
		view.DebtAsset = req.DebtAsset.Hex()
	}
	if !rec.BufferDeadline.IsZero() {
		deadline := rec.BufferDeadline
		view.BufferDeadline = &deadline
	}
	if !rec.CompletedAt.IsZero() {
		completed := rec.CompletedAt
		view.CompletedAt = &completed
	}
	return view
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return badRequestf("invalid payload: %v", err)
	}
	return nil
}

func keyParam(r *http.Request) (migration.Key, error) {
	key, err := migration.ParseKey(chi.URLParam(r, "key"))
	if err != nil {
		return migration.Key{}, badRequestf("invalid key: %v", err)
	}
	return key, nil
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	key, err := s.service.Submit(r.Context(), req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"key": key.Hex()})
}

func (s *Server) getMigration(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	rec, err := s.service.Get(r.Context(), key)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

type historyEntry struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	Note string    `json:"note,omitempty"`
	At   time.Time `json:"at"`
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	changes, err := s.service.History(r.Context(), key)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	out := make([]historyEntry, 0, len(changes))
	for _, c := range changes {
		out = append(out, historyEntry{From: string(c.From), To: string(c.To), Note: c.Note, At: c.At})
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key.Hex(), "history": out})
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	rec, err := s.service.Cancel(r.Context(), key)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

// readSigned reads the webhook body and checks the relayer signature.
func (s *Server) readSigned(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	if err := s.verifier.Verify(r, body); err != nil {
		metrics.Bridge().IncWebhookRejection(webhookReason(err))
		s.logger.Warn("relayer webhook rejected", "error", err)
		writeMessage(w, http.StatusUnauthorized, "invalid signature")
		return nil, false
	}
	return body, true
}

func webhookReason(err error) string {
	switch {
	case errors.Is(err, bridge.ErrMissingSignature):
		return "missing"
	case errors.Is(err, bridge.ErrStaleTimestamp):
		return "stale"
	case errors.Is(err, bridge.ErrReplayedNonce):
		return "replay"
	default:
		return "signature"
	}
}

func (s *Server) delivered(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSigned(w, r)
	if !ok {
		return
	}
	var notice bridge.DeliveryNotice
	if err := json.Unmarshal(body, &notice); err != nil {
		writeError(w, s.logger, badRequestf("invalid payload: %v", err))
		return
	}
	delivery, err := notice.Delivery()
	if err != nil {
		writeError(w, s.logger, badRequestf("%v", err))
		return
	}
	err = s.service.Delivered(r.Context(), delivery)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "consumed"})
	case errors.Is(err, migration.ErrDuplicateDelivery):
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	default:
		writeError(w, s.logger, err)
	}
}

func (s *Server) failed(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSigned(w, r)
	if !ok {
		return
	}
	var notice bridge.FailureNotice
	if err := json.Unmarshal(body, &notice); err != nil || strings.TrimSpace(notice.MessageID) == "" {
		writeError(w, s.logger, badRequestf("invalid payload"))
		return
	}
	err := s.service.Failed(r.Context(), notice.MessageID, notice.Reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "consumed"})
	case errors.Is(err, migration.ErrDuplicateDelivery):
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	default:
		writeError(w, s.logger, err)
	}
}

type noteRequest struct {
	Note string `json:"note"`
}

func (s *Server) adminNote(r *http.Request) (migration.Key, string, error) {
	key, err := keyParam(r)
	if err != nil {
		return key, "", err
	}
	var body noteRequest
	if err := decodeBody(r, &body); err != nil {
		return key, "", err
	}
	note := strings.TrimSpace(body.Note)
	if note == "" {
		return key, "", badRequestf("note required")
	}
	if subject := subjectFrom(r.Context()); subject != "" {
		note = subject + ": " + note
	}
	return key, note, nil
}

func (s *Server) markRefunding(w http.ResponseWriter, r *http.Request) {
	key, note, err := s.adminNote(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	rec, err := s.service.MarkRefunding(r.Context(), key, note)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) markRefunded(w http.ResponseWriter, r *http.Request) {
	key, note, err := s.adminNote(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	rec, err := s.service.MarkRefunded(r.Context(), key, note)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

type forceSettleRequest struct {
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) forceSettle(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var body forceSettleRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	amount, err := parseDecimal("amount", body.Amount)
	if err != nil || amount.Sign() < 0 {
		writeError(w, s.logger, badRequestf("amount must be a non-negative integer"))
		return
	}
	if strings.TrimSpace(body.Reason) == "" {
		writeError(w, s.logger, badRequestf("reason required"))
		return
	}
	if err := s.service.ForceSettle(r.Context(), key, amount, body.Reason); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}

type capacityRequest struct {
	Chain    uint64 `json:"chain"`
	Asset    string `json:"asset"`
	Capacity string `json:"capacity"`
}

type poolView struct {
	Chain       uint64    `json:"chain"`
	Asset       string    `json:"asset"`
	Capacity    string    `json:"capacity"`
	Available   string    `json:"available"`
	Outstanding string    `json:"outstanding"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Server) setCapacity(w http.ResponseWriter, r *http.Request) {
	var body capacityRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	asset, err := parseAddress("asset", body.Asset)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	capacity, err := parseDecimal("capacity", body.Capacity)
	if err != nil || capacity.Sign() < 0 {
		writeError(w, s.logger, badRequestf("capacity must be a non-negative integer"))
		return
	}
	if err := s.buffer.SetCapacity(r.Context(), body.Chain, asset, capacity); err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.logger.Info("buffer capacity updated",
		"chain", body.Chain, "asset", asset.Hex(), "capacity", capacity.String(), "by", subjectFrom(r.Context()))
	s.pools(w, r)
}

func (s *Server) pools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.buffer.Pools(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	out := make([]poolView, 0, len(pools))
	for _, p := range pools {
		out = append(out, poolView{
			Chain:       p.Chain,
			Asset:       p.Asset.Hex(),
			Capacity:    amountString(p.Capacity),
			Available:   amountString(p.Available),
			Outstanding: p.Outstanding().String(),
			UpdatedAt:   p.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": out})
}

type entryView struct {
	Key        string     `json:"key"`
	Chain      uint64     `json:"chain"`
	Asset      string     `json:"asset"`
	Amount     string     `json:"amount"`
	Deadline   time.Time  `json:"deadline"`
	ReportedAt *time.Time `json:"reported_at,omitempty"`
}

func (s *Server) overdue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.buffer.Overdue(r.Context(), s.now())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		view := entryView{
			Key:      e.Key.Hex(),
			Chain:    e.Chain,
			Asset:    e.Asset.Hex(),
			Amount:   amountString(e.Amount),
			Deadline: e.Deadline,
		}
		if !e.ReportedAt.IsZero() {
			reported := e.ReportedAt
			view.ReportedAt = &reported
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"overdue": out})
}
