package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"himalaya/native/migration"
	"himalaya/observability"
)

// StalledSource lists records stuck in an intermediate state.
type StalledSource interface {
	Stalled(ctx context.Context, before time.Time) ([]*migration.Record, error)
}

// WatchdogConfig configures the recovery watchdog.
type WatchdogConfig struct {
	Buffer   migration.LiquidityBuffer
	Stalled  StalledSource
	Sink     Sink
	Interval time.Duration
	// StallAfter is how long a record may sit in an intermediate state before
	// it is reported. Zero disables stall detection.
	StallAfter time.Duration
	Clock      func() time.Time
	Logger     *slog.Logger
}

// Watchdog periodically surfaces overdue buffer entries and stalled records to
// the recovery sink. It never settles or transitions anything itself.
type Watchdog struct {
	buffer     migration.LiquidityBuffer
	stalled    StalledSource
	sink       Sink
	interval   time.Duration
	stallAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.AlertMetrics

	mu       sync.Mutex
	reported map[migration.Key]migration.State
}

// Report summarises one sweep.
type Report struct {
	Overdue  int
	Stalled  int
	Raised   int
	Failures int
}

// NewWatchdog constructs a watchdog with sane defaults.
func NewWatchdog(cfg WatchdogConfig) (*Watchdog, error) {
	if cfg.Buffer == nil {
		return nil, fmt.Errorf("recovery: buffer required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("recovery: sink required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		buffer:     cfg.Buffer,
		stalled:    cfg.Stalled,
		sink:       cfg.Sink,
		interval:   interval,
		stallAfter: cfg.StallAfter,
		now:        clock,
		logger:     logger.With("component", "recovery_watchdog"),
		metrics:    observability.Alerts(),
		reported:   make(map[migration.Key]migration.State),
	}, nil
}

// Start runs sweeps on the configured cadence until ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) error {
	for {
		timer := time.NewTimer(w.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if _, err := w.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.metrics.RecordSweepError()
				w.logger.Error("recovery sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one detection pass. Overdue entries are reported once: the entry
// is marked reported only after the sink accepted it, so a failing sink is
// retried on the next sweep.
func (w *Watchdog) Sweep(ctx context.Context) (Report, error) {
	var report Report
	now := w.now()

	overdue, err := w.buffer.Overdue(ctx, now)
	if err != nil {
		return report, fmt.Errorf("recovery: list overdue: %w", err)
	}
	report.Overdue = len(overdue)
	for _, entry := range overdue {
		if !entry.ReportedAt.IsZero() {
			continue
		}
		alert := overdueAlert(entry, now)
		if err := w.raise(ctx, alert); err != nil {
			report.Failures++
			continue
		}
		if err := w.buffer.MarkReported(ctx, entry.Key, now); err != nil {
			return report, fmt.Errorf("recovery: mark reported: %w", err)
		}
		report.Raised++
	}

	if w.stalled == nil || w.stallAfter <= 0 {
		return report, nil
	}
	records, err := w.stalled.Stalled(ctx, now.Add(-w.stallAfter))
	if err != nil {
		return report, fmt.Errorf("recovery: list stalled: %w", err)
	}
	report.Stalled = len(records)
	for _, rec := range records {
		if w.alreadyReported(rec) {
			continue
		}
		if err := w.raise(ctx, stalledAlert(rec, now)); err != nil {
			report.Failures++
			continue
		}
		w.markStalled(rec)
		report.Raised++
	}
	return report, nil
}

func (w *Watchdog) raise(ctx context.Context, alert Alert) error {
	if err := w.sink.Report(ctx, alert); err != nil {
		w.metrics.RecordSinkError(fmt.Sprintf("%T", w.sink))
		w.logger.Error("recovery sink rejected alert", "alert", alert.ID, "error", err)
		return err
	}
	w.metrics.RecordAlert(string(alert.Kind))
	return nil
}

func (w *Watchdog) alreadyReported(rec *migration.Record) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	state, ok := w.reported[rec.Key]
	return ok && state == rec.State
}

func (w *Watchdog) markStalled(rec *migration.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reported[rec.Key] = rec.State
}
