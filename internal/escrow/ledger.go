// Package escrow moves buyer money held against an order.
//
// Money enters escrow when the gateway confirms payment (see package order)
// and leaves exactly once:
//   - Release: to the seller, minus the platform fee
//   - Refund:  back to the buyer in full
//
// Every movement commits the order and its ledger entry atomically.
package escrow

import (
	"context"
	"log/slog"
	"time"

	"github.com/techswap/marketplace/internal/catalog"
	"github.com/techswap/marketplace/internal/logging"
	"github.com/techswap/marketplace/internal/metrics"
	"github.com/techswap/marketplace/internal/order"
	"github.com/techswap/marketplace/internal/traces"
)

// Ledger releases and refunds escrow held on orders.
type Ledger struct {
	store   order.Store
	catalog catalog.Catalog
	events  order.EventEmitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewLedger creates an escrow ledger.
func NewLedger(store order.Store, cat catalog.Catalog) *Ledger {
	return &Ledger{
		store:   store,
		catalog: cat,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithEvents sets the emitter notified after a release or refund.
func (l *Ledger) WithEvents(e order.EventEmitter) *Ledger {
	l.events = e
	return l
}

// WithLogger sets the ledger logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// WithClock replaces the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Release completes the order and pays the seller. Releasing an order whose
// escrow is no longer held returns the order unchanged.
func (l *Ledger) Release(ctx context.Context, orderID string, trigger order.ReleaseTrigger) (*order.Order, error) {
	event := trigger.Event()
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.OrderID(orderID), traces.Trigger(string(trigger)))

	o, committed, err := order.Apply(ctx, l.store, orderID, event, func(cur *order.Order) (*order.Order, order.Change, error) {
		if cur.EscrowStatus != order.EscrowHeld {
			return nil, order.Change{}, nil
		}
		now := l.now()
		next, err := cur.Release(trigger, now)
		if err != nil {
			return nil, order.Change{}, err
		}
		return next, order.Change{Append: []*order.Transaction{order.NewReleaseTransaction(next, trigger, now)}}, nil
	})
	traces.End(span, err)
	if err != nil {
		metrics.OrderTransitionsTotal.WithLabelValues(string(event), "rejected").Inc()
		return nil, err
	}
	if !committed {
		return o, nil
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(event), "ok").Inc()
	metrics.EscrowReleasesTotal.WithLabelValues(string(trigger)).Inc()
	if o.PaidAt != nil && o.CompletedAt != nil {
		metrics.EscrowHoldDuration.Observe(o.CompletedAt.Sub(*o.PaidAt).Seconds())
	}
	if err := l.catalog.SetProductStatus(ctx, o.ProductID, catalog.StatusSold); err != nil {
		logging.L(ctx).Warn("failed to mark product sold", "order_id", o.ID, "product_id", o.ProductID, "error", err)
	}
	logging.L(ctx).Info("escrow released",
		"order_id", o.ID,
		"trigger", trigger,
		"seller", o.SellerID,
		"seller_amount", o.SellerAmount,
		"platform_fee", o.PlatformFee,
	)
	l.emit(ctx, event, o)
	return o, nil
}

// Refund cancels the order and returns the full amount to the buyer. Escrow
// that is no longer held is a state conflict.
func (l *Ledger) Refund(ctx context.Context, orderID, reason string) (*order.Order, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.refund", traces.OrderID(orderID))

	o, _, err := order.Apply(ctx, l.store, orderID, order.EventRefund, func(cur *order.Order) (*order.Order, order.Change, error) {
		now := l.now()
		next, err := cur.Refund(now)
		if err != nil {
			return nil, order.Change{}, err
		}
		return next, order.Change{Append: []*order.Transaction{order.NewRefundTransaction(next, reason, now)}}, nil
	})
	traces.End(span, err)
	if err != nil {
		metrics.OrderTransitionsTotal.WithLabelValues(string(order.EventRefund), "rejected").Inc()
		return nil, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(order.EventRefund), "ok").Inc()
	metrics.EscrowRefundsTotal.Inc()
	if err := l.catalog.SetProductStatus(ctx, o.ProductID, catalog.StatusAvailable); err != nil {
		logging.L(ctx).Warn("failed to relist product", "order_id", o.ID, "product_id", o.ProductID, "error", err)
	}
	logging.L(ctx).Info("escrow refunded", "order_id", o.ID, "buyer", o.BuyerID, "amount", o.Amount, "reason", reason)
	l.emit(ctx, order.EventRefund, o)
	return o, nil
}

// Stats summarizes escrow by state.
func (l *Ledger) Stats(ctx context.Context) (*order.EscrowStats, error) {
	return l.store.Stats(ctx)
}

func (l *Ledger) emit(ctx context.Context, event order.Event, o *order.Order) {
	if l.events != nil {
		l.events.EmitOrderEvent(ctx, event, o)
	}
}

var _ order.EscrowLedger = (*Ledger)(nil)
