// Package reconciliation cross-checks the escrow ledger against order state.
//
// Money that entered through completed gateway payments must be accounted
// for exactly once: still held, released to a seller (plus the platform
// fee), or refunded to a buyer.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/techswap/marketplace/internal/order"
)

// Source reads the aggregates reconciliation compares.
type Source interface {
	Stats(ctx context.Context) (*order.EscrowStats, error)
	TransactionTotals(ctx context.Context) (map[order.TxType]int64, error)
	ListReleasable(ctx context.Context, now time.Time, limit int) ([]*order.Order, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*order.Order, error)
	ListLatePayments(ctx context.Context, limit int) ([]*order.Order, error)
}

// sampleLimit caps how many offending order IDs a report lists.
const sampleLimit = 20

// checkCount is the number of independent checks RunAll performs.
const checkCount = 4

// Mismatch is one ledger total that disagrees with order state.
type Mismatch struct {
	Check  string `json:"check"`
	Ledger int64  `json:"ledger"`
	Orders int64  `json:"orders"`
	Diff   int64  `json:"diff"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Mismatches     []Mismatch `json:"mismatches"`
	StuckEscrows   []string   `json:"stuckEscrows"`  // shipped, held, overdue for auto-release
	StalePayments  []string   `json:"stalePayments"` // pending past the payment timeout
	LatePayments   []string   `json:"latePayments"`  // paid at the gateway after cancellation
	Healthy        bool       `json:"healthy"`
	CheckedAt      time.Time  `json:"checkedAt"`
	DurationMillis int64      `json:"durationMs"`
}

// Runner executes reconciliation checks.
type Runner struct {
	source         Source
	stuckGrace     time.Duration
	paymentTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewRunner creates a runner. An order is stuck once its inspection deadline
// is more than stuckGrace in the past; a payment is stale once it has been
// pending for longer than twice paymentTimeout.
func NewRunner(source Source, stuckGrace, paymentTimeout time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		source:         source,
		stuckGrace:     stuckGrace,
		paymentTimeout: paymentTimeout,
		logger:         logger,
		now:            time.Now,
	}
}

// RunAll runs every check. A failing check is logged and counted; the run
// fails only when every check failed.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	now := r.now()
	report := &Report{CheckedAt: now}

	var errs []error
	if err := r.checkLedger(ctx, report); err != nil {
		errs = append(errs, fmt.Errorf("ledger totals: %w", err))
	}
	if err := r.checkStuck(ctx, now, report); err != nil {
		errs = append(errs, fmt.Errorf("stuck escrows: %w", err))
	}
	if err := r.checkStalePayments(ctx, now, report); err != nil {
		errs = append(errs, fmt.Errorf("stale payments: %w", err))
	}
	if err := r.checkLatePayments(ctx, report); err != nil {
		errs = append(errs, fmt.Errorf("late payments: %w", err))
	}

	elapsed := time.Since(start)
	report.DurationMillis = elapsed.Milliseconds()
	reconcileDuration.Observe(elapsed.Seconds())
	for _, err := range errs {
		reconcileErrors.Inc()
		r.logger.Warn("reconciliation check failed", "error", err)
	}
	if len(errs) == checkCount {
		return nil, errs[0]
	}

	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))
	reconcileStuckEscrows.Set(float64(len(report.StuckEscrows)))
	reconcileStalePayments.Set(float64(len(report.StalePayments)))
	reconcileLatePayments.Set(float64(len(report.LatePayments)))

	report.Healthy = len(errs) == 0 && len(report.Mismatches) == 0 &&
		len(report.StuckEscrows) == 0 && len(report.LatePayments) == 0
	if !report.Healthy {
		r.logger.Warn("reconciliation found problems",
			"mismatches", len(report.Mismatches),
			"stuck_escrows", len(report.StuckEscrows),
			"stale_payments", len(report.StalePayments),
			"late_payments", len(report.LatePayments),
		)
	}
	return report, nil
}

func (r *Runner) checkLedger(ctx context.Context, report *Report) error {
	stats, err := r.source.Stats(ctx)
	if err != nil {
		return err
	}
	totals, err := r.source.TransactionTotals(ctx)
	if err != nil {
		return err
	}

	accounted := stats.Held.Amount + stats.Released.Amount + stats.PlatformFees + stats.Refunded.Amount
	compare := func(check string, ledger, orders int64) {
		if ledger != orders {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Check:  check,
				Ledger: ledger,
				Orders: orders,
				Diff:   ledger - orders,
			})
		}
	}
	compare("payments", totals[order.TxPayment], accounted)
	compare("releases", totals[order.TxRelease], stats.Released.Amount)
	compare("refunds", totals[order.TxRefund], stats.Refunded.Amount)
	return nil
}

func (r *Runner) checkStuck(ctx context.Context, now time.Time, report *Report) error {
	due, err := r.source.ListReleasable(ctx, now.Add(-r.stuckGrace), sampleLimit)
	if err != nil {
		return err
	}
	report.StuckEscrows = ids(due)
	return nil
}

func (r *Runner) checkStalePayments(ctx context.Context, now time.Time, report *Report) error {
	stale, err := r.source.ListStalePending(ctx, now.Add(-2*r.paymentTimeout), sampleLimit)
	if err != nil {
		return err
	}
	report.StalePayments = ids(stale)
	return nil
}

// checkLatePayments lists cancelled orders the gateway captured money for.
// Their payment shows up in the ledger totals without a matching escrow,
// so the "payments" check disagrees by the same amount until an operator
// refunds them at the gateway.
func (r *Runner) checkLatePayments(ctx context.Context, report *Report) error {
	late, err := r.source.ListLatePayments(ctx, sampleLimit)
	if err != nil {
		return err
	}
	report.LatePayments = ids(late)
	return nil
}

func ids(orders []*order.Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}
