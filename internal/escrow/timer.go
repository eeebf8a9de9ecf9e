package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/techswap/marketplace/internal/lock"
	"github.com/techswap/marketplace/internal/metrics"
	"github.com/techswap/marketplace/internal/order"
	"github.com/techswap/marketplace/internal/traces"
)

const (
	sweepBatchSize = 100
	sweepLockName  = "escrow-auto-release"
)

// Expirer cancels or recovers orders stuck waiting for payment.
type Expirer interface {
	ExpireStalePending(ctx context.Context) (int, error)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Released int  `json:"released"`
	Failed   int  `json:"failed"`
	Expired  int  `json:"expired"`
	Skipped  bool `json:"skipped"`
}

// Timer periodically releases escrow on orders whose inspection window has
// elapsed without a dispute.
type Timer struct {
	ledger   *Ledger
	store    order.Store
	interval time.Duration
	logger   *slog.Logger
	locker   lock.Locker
	expirer  Expirer
	now      func() time.Time
	stop     chan struct{}
	running  atomic.Bool
	sweeping atomic.Bool
	lastRun  atomic.Int64
}

// NewTimer creates a new escrow auto-release timer.
func NewTimer(ledger *Ledger, store order.Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Timer{
		ledger:   ledger,
		store:    store,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// WithLocker elects one instance per sweep across a deployment.
func (t *Timer) WithLocker(l lock.Locker) *Timer {
	t.locker = l
	return t
}

// WithExpirer also expires stale pending payments on every sweep.
func (t *Timer) WithExpirer(e Expirer) *Timer {
	t.expirer = e
	return t
}

// WithClock replaces the time source.
func (t *Timer) WithClock(now func() time.Time) *Timer {
	t.now = now
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastRun returns when the last sweep finished, or the zero time.
func (t *Timer) LastRun() time.Time {
	ns := t.lastRun.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Interval returns the sweep interval.
func (t *Timer) Interval() time.Duration {
	return t.interval
}

// Start begins the auto-release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
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

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SweepRunsTotal.WithLabelValues("error").Inc()
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.Sweep(ctx); err != nil {
		t.logger.Warn("escrow sweep failed", "error", err)
	}
}

// Sweep runs one auto-release pass. A sweep already in progress on this
// instance, or held by another instance, makes this call a no-op with
// Skipped set.
func (t *Timer) Sweep(ctx context.Context) (*SweepResult, error) {
	if !t.sweeping.CompareAndSwap(false, true) {
		metrics.SweepRunsTotal.WithLabelValues("busy").Inc()
		return &SweepResult{Skipped: true}, nil
	}
	defer t.sweeping.Store(false)

	if t.locker != nil {
		unlock, acquired, err := t.locker.TryLock(ctx, sweepLockName, t.interval)
		if err != nil {
			metrics.SweepRunsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !acquired {
			metrics.SweepRunsTotal.WithLabelValues("not_leader").Inc()
			t.logger.Debug("escrow sweep held by another instance")
			return &SweepResult{Skipped: true}, nil
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				t.logger.Warn("failed to release sweep lock", "error", err)
			}
		}()
	}

	ctx, span := traces.StartSpan(ctx, "escrow.sweep")
	start := time.Now()
	res, err := t.releaseExpired(ctx)
	if err == nil && t.expirer != nil {
		n, expErr := t.expirer.ExpireStalePending(ctx)
		if expErr != nil {
			t.logger.Warn("failed to expire stale payments", "error", expErr)
		}
		res.Expired = n
	}
	traces.End(span, err)
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	t.lastRun.Store(t.now().UnixNano())

	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SweepRunsTotal.WithLabelValues("ran").Inc()
	if res.Released > 0 || res.Failed > 0 || res.Expired > 0 {
		t.logger.Info("escrow sweep finished",
			"released", res.Released, "failed", res.Failed, "expired", res.Expired)
	}
	return res, nil
}

func (t *Timer) releaseExpired(ctx context.Context) (*SweepResult, error) {
	now := t.now()
	res := &SweepResult{}
	failed := make(map[string]bool)

	for {
		limit := sweepBatchSize + len(failed)
		due, err := t.store.ListReleasable(ctx, now, limit)
		if err != nil {
			return res, fmt.Errorf("list releasable orders: %w", err)
		}

		progressed := false
		for _, o := range due {
			if failed[o.ID] {
				continue
			}
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if _, err := t.ledger.Release(ctx, o.ID, order.TriggerAutoRelease); err != nil {
				failed[o.ID] = true
				res.Failed++
				metrics.SweepOrdersTotal.WithLabelValues("release_failed").Inc()
				t.logger.Warn("failed to auto-release escrow",
					"order_id", o.ID,
					"error", err,
				)
				continue
			}
			progressed = true
			res.Released++
			metrics.SweepOrdersTotal.WithLabelValues("released").Inc()
			t.logger.Info("auto-released escrow",
				"order_id", o.ID,
				"seller", o.SellerID,
				"seller_amount", o.SellerAmount,
				"deadline", o.InspectionDeadline,
			)
		}

		if !progressed || len(due) < limit {
			return res, nil
		}
	}
}
