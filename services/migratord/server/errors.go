package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"himalaya/native/migration"
	"himalaya/services/migratord/storage"
)

type badRequest struct {
	msg string
}

func (e *badRequest) Error() string { return e.msg }

func badRequestf(format string, args ...any) error {
	return &badRequest{msg: fmt.Sprintf(format, args...)}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError maps domain errors onto HTTP statuses. Unknown errors are logged
// and reported as 500 without detail.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		writeJSON(w, status, errorResponse{Error: http.StatusText(status), Code: code})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func classify(err error) (int, string) {
	var bad *badRequest
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, migration.ErrPrecondition):
		return http.StatusUnprocessableEntity, "precondition"
	case errors.Is(err, migration.ErrMalformedPayload):
		return http.StatusUnprocessableEntity, "malformed_payload"
	case errors.Is(err, migration.ErrUnknownRecord):
		return http.StatusNotFound, "unknown_record"
	case errors.Is(err, migration.ErrUnknownMessage):
		return http.StatusNotFound, "unknown_message"
	case errors.Is(err, migration.ErrNoBufferEntry):
		return http.StatusNotFound, "no_buffer_entry"
	case errors.Is(err, migration.ErrUnknownPool):
		return http.StatusNotFound, "unknown_pool"
	case errors.Is(err, migration.ErrNotCancellable):
		return http.StatusConflict, "not_cancellable"
	case errors.Is(err, migration.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, migration.ErrStaleState):
		return http.StatusConflict, "stale_state"
	case errors.Is(err, migration.ErrUnexpectedStep):
		return http.StatusConflict, "unexpected_step"
	case errors.Is(err, migration.ErrSettleMismatch):
		return http.StatusConflict, "settle_mismatch"
	case errors.Is(err, storage.ErrCapacityBelowOutstanding):
		return http.StatusConflict, "capacity_below_outstanding"
	case errors.Is(err, migration.ErrBufferContention):
		return http.StatusServiceUnavailable, "contention"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
