package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer reruns reconciliation on an interval and keeps the latest report
// for the admin API and the health registry.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	lastRun  atomic.Int64
	report   atomic.Pointer[Report]
}

// NewTimer creates a reconciliation timer. A non-positive interval means
// every five minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

func (t *Timer) Running() bool           { return t.running.Load() }
func (t *Timer) Interval() time.Duration { return t.interval }

// LastRun returns when the last successful run finished, or the zero time.
func (t *Timer) LastRun() time.Time {
	ns := t.lastRun.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// LastReport returns the most recent successful report, or nil.
func (t *Timer) LastReport() *Report {
	return t.report.Load()
}

// Start runs reconciliation once, then on every tick until ctx is done or
// Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeRun(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			reconcileRuns.WithLabelValues("panic").Inc()
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.runner.RunAll(ctx)
	if err != nil {
		reconcileRuns.WithLabelValues("error").Inc()
		t.logger.Warn("reconciliation run failed", "error", err)
		return
	}
	if prev := t.report.Swap(report); prev != nil && prev.Healthy && !report.Healthy {
		t.logger.Error("reconciliation became unhealthy",
			"mismatches", len(report.Mismatches),
			"late_payments", len(report.LatePayments),
		)
	}
	t.lastRun.Store(report.CheckedAt.UnixNano())
	reconcileRuns.WithLabelValues("ok").Inc()
}
