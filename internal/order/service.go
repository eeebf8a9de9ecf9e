package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/techswap/marketplace/internal/authz"
	"github.com/techswap/marketplace/internal/catalog"
	"github.com/techswap/marketplace/internal/idgen"
	"github.com/techswap/marketplace/internal/logging"
	"github.com/techswap/marketplace/internal/metrics"
	"github.com/techswap/marketplace/internal/pagination"
	"github.com/techswap/marketplace/internal/paygate"
	"github.com/techswap/marketplace/internal/traces"
	"github.com/techswap/marketplace/internal/validation"
)

// ErrMockPaymentsDisabled is returned by MockPayment outside development.
var ErrMockPaymentsDisabled = errors.New("mock payments are disabled")

// Callback sources, used as metric labels and in logs.
const (
	SourceIPN    = "ipn"
	SourceReturn = "return"
	SourceMock   = "mock"
	SourceQuery  = "query"
)

const (
	maxShippingAddressLen = 500
	maxReasonLen          = 2000
	expiryBatchSize       = 100

	// paymentExpiryGrace covers checkouts the gateway is still completing
	// when the URL expires.
	paymentExpiryGrace = 10 * time.Minute
)

// Gateway builds and verifies signed payment gateway messages.
type Gateway interface {
	BuildPaymentURL(req paygate.PaymentRequest) (string, error)
	Verify(params map[string]string) (*paygate.Result, error)
	SignedCallback(p paygate.CallbackParams) map[string]string
}

// GatewayQuerier asks the gateway for the status of a payment.
type GatewayQuerier interface {
	QueryTransaction(ctx context.Context, txnRef string, createdAt time.Time) (*paygate.QueryResult, error)
}

// EscrowLedger moves held escrow money out of an order.
type EscrowLedger interface {
	Release(ctx context.Context, orderID string, trigger ReleaseTrigger) (*Order, error)
	Refund(ctx context.Context, orderID, reason string) (*Order, error)
}

// EventEmitter is notified after every committed transition.
type EventEmitter interface {
	EmitOrderEvent(ctx context.Context, event Event, o *Order)
}

// Service runs order commands: authorization, state guards, persistence and
// side effects.
type Service struct {
	store   Store
	catalog catalog.Catalog
	gateway Gateway
	ledger  EscrowLedger
	querier GatewayQuerier
	events  EventEmitter
	logger  *slog.Logger

	inspectionWindow time.Duration
	paymentTimeout   time.Duration
	mockPayments     bool
	now              func() time.Time
}

// NewService creates an order service.
func NewService(store Store, cat catalog.Catalog, gateway Gateway, ledger EscrowLedger) *Service {
	return &Service{
		store:            store,
		catalog:          cat,
		gateway:          gateway,
		ledger:           ledger,
		logger:           slog.Default(),
		inspectionWindow: DefaultInspectionWindow,
		paymentTimeout:   15 * time.Minute,
		now:              time.Now,
	}
}

// WithEvents sets the transition event emitter.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// WithQuerier enables stale pending-payment expiry via the gateway query API.
func (s *Service) WithQuerier(q GatewayQuerier) *Service {
	s.querier = q
	return s
}

// WithInspectionWindow overrides the buyer inspection window.
func (s *Service) WithInspectionWindow(d time.Duration) *Service {
	if d > 0 {
		s.inspectionWindow = d
	}
	return s
}

// WithPaymentTimeout sets how long an order may stay pending before the
// gateway is asked about it.
func (s *Service) WithPaymentTimeout(d time.Duration) *Service {
	if d > 0 {
		s.paymentTimeout = d
	}
	return s
}

// WithMockPayments enables the development-only simulated payment.
func (s *Service) WithMockPayments(enabled bool) *Service {
	s.mockPayments = enabled
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// CreateRequest opens an order for one product.
type CreateRequest struct {
	ProductID       string `json:"productId" binding:"required"`
	ShippingAddress string `json:"shippingAddress" binding:"required"`
	ClientIP        string `json:"-"`
}

// CreateResult is the new order and where to send the buyer to pay.
type CreateResult struct {
	Order      *Order `json:"order"`
	PaymentURL string `json:"paymentUrl"`
}

// CreateOrder opens a pending order for an available product and returns
// the signed gateway checkout URL.
func (s *Service) CreateOrder(ctx context.Context, buyer authz.Actor, req CreateRequest) (*CreateResult, error) {
	productID := validation.Clean(req.ProductID)
	address := validation.Clean(req.ShippingAddress)
	switch {
	case productID == "":
		return nil, &ValidationError{Field: "productId", Message: "is required"}
	case address == "":
		return nil, &ValidationError{Field: "shippingAddress", Message: "is required"}
	case len(address) > maxShippingAddressLen:
		return nil, &ValidationError{Field: "shippingAddress", Message: fmt.Sprintf("at most %d characters", maxShippingAddressLen)}
	}

	product, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product.Status != catalog.StatusAvailable {
		return nil, catalog.ErrProductUnavailable
	}
	if product.SellerID == buyer.ID {
		return nil, ErrSelfPurchase
	}
	if product.Price <= 0 {
		return nil, &ValidationError{Field: "productId", Message: "product has no price"}
	}

	now := s.now()
	fee, sellerAmount := SplitAmount(product.Price)
	o := &Order{
		ID:              idgen.New(),
		PaymentRef:      idgen.PaymentRef(now),
		BuyerID:         buyer.ID,
		SellerID:        product.SellerID,
		ProductID:       product.ID,
		Amount:          product.Price,
		PlatformFee:     fee,
		SellerAmount:    sellerAmount,
		Status:          StatusPending,
		EscrowStatus:    EscrowHeld,
		ShippingAddress: address,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	ctx, span := traces.StartSpan(ctx, "order.create",
		traces.OrderID(o.ID), traces.PaymentRef(o.PaymentRef), traces.Amount(o.Amount))
	payURL, err := s.gateway.BuildPaymentURL(paygate.PaymentRequest{
		TxnRef:    o.PaymentRef,
		Amount:    o.Amount,
		OrderInfo: "Thanh toan don hang " + o.PaymentRef,
		IPAddr:    req.ClientIP,
		CreatedAt: now,
		ExpiresAt: s.paymentDeadline(o),
	})
	if err != nil {
		traces.End(span, err)
		return nil, fmt.Errorf("build payment url: %w", err)
	}

	if err := s.store.Create(ctx, o, NewPaymentTransaction(o, now)); err != nil {
		traces.End(span, err)
		return nil, fmt.Errorf("create order: %w", err)
	}
	traces.End(span, nil)

	metrics.OrdersCreatedTotal.Inc()
	logging.L(ctx).Info("order created",
		"order_id", o.ID, "payment_ref", o.PaymentRef, "product_id", o.ProductID, "amount", o.Amount)

	return &CreateResult{Order: o, PaymentURL: payURL}, nil
}

// paymentDeadline is when every checkout URL issued for o expires.
func (s *Service) paymentDeadline(o *Order) time.Time {
	return o.CreatedAt.Add(s.paymentTimeout)
}

// PaymentURL signs a fresh checkout URL for a pending order. Re-issued URLs
// keep the order's original payment deadline.
func (s *Service) PaymentURL(ctx context.Context, actor authz.Actor, id, clientIP string) (string, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if err := authz.Check(actor, authz.ActionPay, parties(o)); err != nil {
		return "", err
	}
	if o.Status != StatusPending {
		return "", o.conflict(EventPaymentSucceeded)
	}
	now, deadline := s.now(), s.paymentDeadline(o)
	if !now.Before(deadline) {
		return "", fmt.Errorf("%w: expired at %s", ErrPaymentExpired, deadline.Format(time.RFC3339))
	}
	return s.gateway.BuildPaymentURL(paygate.PaymentRequest{
		TxnRef:    o.PaymentRef,
		Amount:    o.Amount,
		OrderInfo: "Thanh toan don hang " + o.PaymentRef,
		IPAddr:    clientIP,
		CreatedAt: now,
		ExpiresAt: deadline,
	})
}

// CallbackResult is the outcome of a gateway callback.
type CallbackResult struct {
	Order     *Order `json:"order"`
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate"`
	// LatePayment is set when the gateway captured money for an order that
	// had already been cancelled.
	LatePayment bool `json:"latePayment,omitempty"`
}

// HandleGatewayCallback verifies a gateway callback and applies it to the
// matching order. Callbacks for orders that already left pending are
// acknowledged without effect.
func (s *Service) HandleGatewayCallback(ctx context.Context, source string, params map[string]string) (*CallbackResult, error) {
	res, err := s.gateway.Verify(params)
	if err != nil {
		metrics.PaymentCallbacksTotal.WithLabelValues(source, "rejected").Inc()
		logging.L(ctx).Warn("gateway callback verification failed",
			"source", source, "txn_ref", params["vnp_TxnRef"], "error", err)
		return nil, err
	}

	o, err := s.store.GetByPaymentRef(ctx, res.TxnRef)
	if err != nil {
		metrics.PaymentCallbacksTotal.WithLabelValues(source, "unknown_order").Inc()
		return nil, err
	}

	return s.settlePayment(ctx, source, o.ID, paymentOutcome{
		success:       res.Success,
		amount:        res.Amount,
		transactionNo: res.TransactionNo,
		bankCode:      res.BankCode,
		cardType:      res.CardType,
	})
}

// MockPayment simulates a successful gateway payment for a pending order by
// signing a callback and feeding it through HandleGatewayCallback.
func (s *Service) MockPayment(ctx context.Context, actor authz.Actor, id string) (*CallbackResult, error) {
	if !s.mockPayments {
		return nil, ErrMockPaymentsDisabled
	}
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authz.Check(actor, authz.ActionPay, parties(o)); err != nil {
		return nil, err
	}
	params := s.gateway.SignedCallback(paygate.CallbackParams{
		TxnRef:        o.PaymentRef,
		Amount:        o.Amount,
		ResponseCode:  paygate.ResponseSuccess,
		TransactionNo: "MOCK" + idgen.Code(8),
		BankCode:      "NCB",
		CardType:      "ATM",
		PaidAt:        s.now(),
	})
	return s.HandleGatewayCallback(ctx, SourceMock, params)
}

type paymentOutcome struct {
	success       bool
	amount        int64
	transactionNo string
	bankCode      string
	cardType      string
}

func (s *Service) settlePayment(ctx context.Context, source, id string, p paymentOutcome) (*CallbackResult, error) {
	event := EventPaymentFailed
	if p.success {
		event = EventPaymentSucceeded
	}
	ctx, span := traces.StartSpan(ctx, "order.payment", traces.OrderID(id), traces.Event(string(event)))

	duplicate, late := false, false
	o, committed, err := Apply(ctx, s.store, id, event, func(cur *Order) (*Order, Change, error) {
		duplicate, late = false, false
		now := s.now()
		if cur.Status != StatusPending {
			duplicate = true
			if p.success && cur.Status == StatusCancelled && cur.PaidAt == nil && cur.GatewayTxnNo == "" {
				late = true
				details := PaymentDetails{Amount: p.amount, TransactionNo: p.transactionNo, BankCode: p.bankCode}
				next, err := cur.RecordLatePayment(details, now)
				if err != nil {
					return nil, Change{}, err
				}
				return next, Change{Append: []*Transaction{NewLatePaymentTransaction(cur, details, p.cardType, now)}}, nil
			}
			return nil, Change{}, nil
		}
		settle := &Settlement{
			Type:         TxPayment,
			GatewayTxnNo: p.transactionNo,
			BankCode:     p.bankCode,
			CardType:     p.cardType,
		}
		if p.success {
			settle.Status = TxCompleted
			next, err := cur.MarkPaid(PaymentDetails{Amount: p.amount, TransactionNo: p.transactionNo, BankCode: p.bankCode}, now)
			return next, Change{Settle: settle}, err
		}
		settle.Status = TxFailed
		next, err := cur.MarkPaymentFailed(now)
		return next, Change{Settle: settle}, err
	})
	traces.End(span, err)
	if err != nil {
		result := "error"
		if errors.Is(err, ErrAmountMismatch) {
			result = "amount_mismatch"
		}
		metrics.PaymentCallbacksTotal.WithLabelValues(source, result).Inc()
		metrics.OrderTransitionsTotal.WithLabelValues(string(event), "rejected").Inc()
		logging.L(ctx).Warn("payment callback rejected", "order_id", id, "source", source, "error", err)
		return nil, err
	}

	if late {
		metrics.PaymentCallbacksTotal.WithLabelValues(source, "late_payment").Inc()
		logging.L(ctx).Error("payment captured for cancelled order; refund required",
			"order_id", o.ID, "payment_ref", o.PaymentRef, "source", source,
			"amount", p.amount, "gateway_txn_no", p.transactionNo)
		return &CallbackResult{Order: o, Duplicate: true, LatePayment: true}, nil
	}

	if !committed {
		metrics.PaymentCallbacksTotal.WithLabelValues(source, "duplicate").Inc()
		logging.L(ctx).Info("duplicate payment callback ignored", "order_id", id, "source", source, "status", o.Status)
		return &CallbackResult{Order: o, Success: o.Status != StatusCancelled && o.Status != StatusPending, Duplicate: duplicate}, nil
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(event), "ok").Inc()
	if p.success {
		metrics.PaymentCallbacksTotal.WithLabelValues(source, "paid").Inc()
		if err := s.catalog.SetProductStatus(ctx, o.ProductID, catalog.StatusReserved); err != nil {
			logging.L(ctx).Warn("failed to reserve product", "order_id", o.ID, "product_id", o.ProductID, "error", err)
		}
	} else {
		metrics.PaymentCallbacksTotal.WithLabelValues(source, "failed").Inc()
	}
	logging.L(ctx).Info("payment settled",
		"order_id", o.ID, "source", source, "status", o.Status, "gateway_txn_no", p.transactionNo)
	s.emit(ctx, event, o)

	return &CallbackResult{Order: o, Success: p.success}, nil
}

// Ship records the seller's tracking number and starts the inspection window.
func (s *Service) Ship(ctx context.Context, actor authz.Actor, id, trackingNumber string) (*Order, error) {
	return s.transition(ctx, actor, id, EventShip, authz.ActionShip, func(cur *Order) (*Order, Change, error) {
		next, err := cur.Ship(trackingNumber, s.inspectionWindow, s.now())
		return next, Change{}, err
	})
}

// Dispute freezes escrow on a shipped order at the buyer's request.
func (s *Service) Dispute(ctx context.Context, actor authz.Actor, id, reason string, evidence []string) (*Order, error) {
	reason = validation.Clean(reason)
	return s.transition(ctx, actor, id, EventDispute, authz.ActionDispute, func(cur *Order) (*Order, Change, error) {
		if len(reason) > maxReasonLen {
			return nil, Change{}, &ValidationError{Field: "reason", Message: fmt.Sprintf("at most %d characters", maxReasonLen)}
		}
		next, err := cur.Dispute(reason, evidence, s.now())
		return next, Change{}, err
	})
}

// Confirm is the buyer accepting delivery; escrow is released to the seller.
func (s *Service) Confirm(ctx context.Context, actor authz.Actor, id string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authz.Check(actor, authz.ActionConfirm, parties(o)); err != nil {
		return nil, err
	}
	if o.Status != StatusShipped {
		return nil, o.conflict(EventConfirm)
	}
	return s.ledger.Release(ctx, id, TriggerBuyerConfirm)
}

// Release releases escrow to the seller ahead of the inspection deadline.
// Releasing an order whose escrow already left is a no-op.
func (s *Service) Release(ctx context.Context, actor authz.Actor, id string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authz.Check(actor, authz.ActionRelease, parties(o)); err != nil {
		return nil, err
	}
	return s.ledger.Release(ctx, id, TriggerManualRelease)
}

// Refund returns held escrow to the buyer and cancels the order.
func (s *Service) Refund(ctx context.Context, actor authz.Actor, id, reason string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authz.Check(actor, authz.ActionRefund, parties(o)); err != nil {
		return nil, err
	}
	reason = validation.Clean(reason)
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Message: "is required"}
	}
	if len(reason) > maxReasonLen {
		return nil, &ValidationError{Field: "reason", Message: fmt.Sprintf("at most %d characters", maxReasonLen)}
	}
	return s.ledger.Refund(ctx, id, reason)
}

// Get returns an order visible to the actor.
func (s *Service) Get(ctx context.Context, actor authz.Actor, id string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authz.Check(actor, authz.ActionView, parties(o)); err != nil {
		return nil, err
	}
	return o, nil
}

// Transactions returns the ledger entries of an order visible to the actor.
func (s *Service) Transactions(ctx context.Context, actor authz.Actor, id string) ([]*Transaction, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.store.Transactions(ctx, id)
}

// Roles accepted by List.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleAll    = "all"
)

// ListQuery selects the actor's orders.
type ListQuery struct {
	Role   string
	Status Status
	Page   pagination.Page
}

// List returns one page of the actor's orders as buyer or seller. Operators
// may list every order with RoleAll.
func (s *Service) List(ctx context.Context, actor authz.Actor, q ListQuery) ([]*Order, pagination.Meta, error) {
	filter := ListFilter{Status: q.Status, Offset: q.Page.Offset(), Limit: q.Page.Limit}
	switch q.Role {
	case "", RoleBuyer:
		filter.BuyerID = actor.ID
	case RoleSeller:
		filter.SellerID = actor.ID
	case RoleAll:
		if !actor.Operator {
			return nil, pagination.Meta{}, fmt.Errorf("%w: listing all orders requires operator", authz.ErrForbidden)
		}
	default:
		return nil, pagination.Meta{}, &ValidationError{Field: "role", Message: "must be buyer or seller"}
	}
	if q.Status != "" && !validStatus(q.Status) {
		return nil, pagination.Meta{}, &ValidationError{Field: "status", Message: "unknown status"}
	}

	orders, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, pagination.Meta{}, err
	}
	return orders, q.Page.MetaFor(total), nil
}

// ExpireStalePending asks the gateway about pending orders whose payment
// deadline passed more than paymentExpiryGrace ago, so no checkout URL for
// them can still be used. Orders the gateway reports as paid are
// marked paid; failed or unknown payments are cancelled; anything else is
// left for the next run. Returns the number of orders changed.
func (s *Service) ExpireStalePending(ctx context.Context) (int, error) {
	if s.querier == nil {
		return 0, nil
	}
	stale, err := s.store.ListStalePending(ctx, s.now().Add(-s.paymentTimeout-paymentExpiryGrace), expiryBatchSize)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, o := range stale {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		q, err := s.querier.QueryTransaction(ctx, o.PaymentRef, o.CreatedAt)
		if err != nil {
			s.logger.Warn("payment query failed", "order_id", o.ID, "payment_ref", o.PaymentRef, "error", err)
			metrics.SweepOrdersTotal.WithLabelValues("query_failed").Inc()
			continue
		}

		var outcome paymentOutcome
		switch {
		case q.Paid():
			outcome = paymentOutcome{success: true, amount: q.Amount, transactionNo: q.TransactionNo, bankCode: q.BankCode}
		case q.Failed(), q.NotFound():
			outcome = paymentOutcome{transactionNo: q.TransactionNo, bankCode: q.BankCode}
		default:
			continue
		}

		res, err := s.settlePayment(ctx, SourceQuery, o.ID, outcome)
		if err != nil {
			s.logger.Warn("failed to settle stale payment", "order_id", o.ID, "error", err)
			continue
		}
		if !res.Duplicate {
			changed++
			kind := "expired"
			if outcome.success {
				kind = "recovered_payment"
			}
			metrics.SweepOrdersTotal.WithLabelValues(kind).Inc()
		}
	}
	return changed, nil
}

// transition checks authorization and applies a single-order mutation.
func (s *Service) transition(ctx context.Context, actor authz.Actor, id string, event Event, action authz.Action, mutate func(cur *Order) (*Order, Change, error)) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order."+string(event), traces.OrderID(id), traces.ActorID(actor.ID))
	o, _, err := Apply(ctx, s.store, id, event, func(cur *Order) (*Order, Change, error) {
		if err := authz.Check(actor, action, parties(cur)); err != nil {
			return nil, Change{}, err
		}
		return mutate(cur)
	})
	traces.End(span, err)
	if err != nil {
		metrics.OrderTransitionsTotal.WithLabelValues(string(event), "rejected").Inc()
		return nil, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(event), "ok").Inc()
	logging.L(ctx).Info("order transition", "order_id", o.ID, "event", event, "status", o.Status)
	s.emit(ctx, event, o)
	return o, nil
}

func (s *Service) emit(ctx context.Context, event Event, o *Order) {
	if s.events != nil {
		s.events.EmitOrderEvent(ctx, event, o)
	}
}

func parties(o *Order) authz.Parties {
	return authz.Parties{BuyerID: o.BuyerID, SellerID: o.SellerID}
}

func validStatus(st Status) bool {
	switch st {
	case StatusPending, StatusPaid, StatusShipped, StatusInspecting,
		StatusCompleted, StatusDisputed, StatusCancelled:
		return true
	}
	return false
}
