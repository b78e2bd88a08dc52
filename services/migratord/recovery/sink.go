package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"himalaya/native/migration"
)

// AlertKind classifies what the watchdog found.
type AlertKind string

const (
	// AlertBufferOverdue flags a buffer draw still outstanding past its deadline.
	AlertBufferOverdue AlertKind = "buffer_overdue"
	// AlertMigrationStalled flags a record sitting in an intermediate source or
	// destination state without progress.
	AlertMigrationStalled AlertKind = "migration_stalled"
)

// Alert is handed to the recovery process. It carries enough context for an
// operator to reconcile the record manually.
type Alert struct {
	ID       string         `json:"id"`
	Kind     AlertKind      `json:"kind"`
	Key      migration.Key  `json:"key"`
	Chain    uint64         `json:"chain"`
	Asset    common.Address `json:"asset"`
	Amount   string         `json:"amount"`
	State    string         `json:"state,omitempty"`
	Deadline time.Time      `json:"deadline,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	RaisedAt time.Time      `json:"raisedAt"`
}

func overdueAlert(entry migration.BufferEntry, now time.Time) Alert {
	return Alert{
		ID:       fmt.Sprintf("%s/%s", AlertBufferOverdue, entry.Key.Hex()),
		Kind:     AlertBufferOverdue,
		Key:      entry.Key,
		Chain:    entry.Chain,
		Asset:    entry.Asset,
		Amount:   amountString(entry.Amount),
		Deadline: entry.Deadline,
		Detail:   "buffer draw not settled before deadline",
		RaisedAt: now,
	}
}

func stalledAlert(rec *migration.Record, now time.Time) Alert {
	return Alert{
		ID:       fmt.Sprintf("%s/%s/%s", AlertMigrationStalled, rec.Key.Hex(), rec.State),
		Kind:     AlertMigrationStalled,
		Key:      rec.Key,
		Chain:    rec.Request.FromChain,
		Asset:    rec.Request.Asset,
		Amount:   amountString(rec.Request.Amount),
		State:    string(rec.State),
		Deadline: rec.BufferDeadline,
		Detail:   fmt.Sprintf("no progress since %s", rec.UpdatedAt.UTC().Format(time.RFC3339)),
		RaisedAt: now,
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Sink receives alerts. Report must be idempotent per alert ID.
type Sink interface {
	Report(ctx context.Context, alert Alert) error
}

// LogSink writes alerts to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// Report implements Sink.
func (s LogSink) Report(_ context.Context, alert Alert) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("recovery alert",
		"alert", alert.ID,
		"kind", alert.Kind,
		"migration", alert.Key.Hex(),
		"chain", alert.Chain,
		"asset", alert.Asset.Hex(),
		"amount", alert.Amount,
		"state", alert.State,
		"detail", alert.Detail)
	return nil
}

// MultiSink fans alerts out to every sink and joins their errors.
type MultiSink []Sink

// Report implements Sink.
func (m MultiSink) Report(ctx context.Context, alert Alert) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Report(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
