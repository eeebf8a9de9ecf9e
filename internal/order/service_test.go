package order_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techswap/marketplace/internal/authz"
	"github.com/techswap/marketplace/internal/catalog"
	"github.com/techswap/marketplace/internal/escrow"
	"github.com/techswap/marketplace/internal/logging"
	"github.com/techswap/marketplace/internal/order"
	"github.com/techswap/marketplace/internal/pagination"
	"github.com/techswap/marketplace/internal/paygate"
)

var (
	buyer    = authz.Actor{ID: "buyer-1"}
	seller   = authz.Actor{ID: "seller-1"}
	stranger = authz.Actor{ID: "stranger"}
	operator = authz.Actor{ID: "ops", Operator: true}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordedEvent struct {
	event order.Event
	id    string
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) EmitOrderEvent(_ context.Context, e order.Event, o *order.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{event: e, id: o.ID})
}

func (r *eventRecorder) Events() []order.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]order.Event, len(r.events))
	for i, e := range r.events {
		out[i] = e.event
	}
	return out
}

type fixture struct {
	store   *order.MemoryStore
	catalog *catalog.MemoryCatalog
	signer  *paygate.Signer
	ledger  *escrow.Ledger
	service *order.Service
	clock   *clock
	events  *eventRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signer, err := paygate.NewSigner(paygate.Config{
		TmnCode:    "TESTTMN1",
		HashSecret: "SECRETSECRETSECRETSECRETSECRET12",
		PayURL:     "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		ReturnURL:  "http://localhost:8080/v1/payments/return",
	})
	require.NoError(t, err)

	f := &fixture{
		store:   order.NewMemoryStore(),
		catalog: catalog.NewMemoryCatalog(),
		signer:  signer,
		clock:   &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		events:  &eventRecorder{},
	}
	f.catalog.Put(&catalog.Product{ID: "iphone", SellerID: seller.ID, Title: "iPhone 13", Price: 1_000_000})
	f.ledger = escrow.NewLedger(f.store, f.catalog).WithClock(f.clock.Now).WithEvents(f.events)
	f.service = order.NewService(f.store, f.catalog, signer, f.ledger).
		WithClock(f.clock.Now).
		WithEvents(f.events).
		WithMockPayments(true)
	return f
}

func (f *fixture) create(t *testing.T) *order.Order {
	t.Helper()
	return f.createFor(t, "iphone")
}

// createFor opens an order for productID, listing the product first if the
// catalog does not have it yet.
func (f *fixture) createFor(t *testing.T, productID string) *order.Order {
	t.Helper()
	if _, err := f.catalog.GetProduct(context.Background(), productID); err != nil {
		f.catalog.Put(&catalog.Product{ID: productID, SellerID: seller.ID, Title: productID, Price: 1_000_000})
	}
	res, err := f.service.CreateOrder(context.Background(), buyer, order.CreateRequest{
		ProductID:       productID,
		ShippingAddress: "12 Ly Thuong Kiet, Ha Noi",
		ClientIP:        "10.0.0.1",
	})
	require.NoError(t, err)
	return res.Order
}

func (f *fixture) callback(o *order.Order, code string, amount int64) map[string]string {
	return f.signer.SignedCallback(paygate.CallbackParams{
		TxnRef:        o.PaymentRef,
		Amount:        amount,
		ResponseCode:  code,
		TransactionNo: "14000001",
		BankCode:      "NCB",
		PaidAt:        f.clock.Now(),
	})
}

func (f *fixture) paid(t *testing.T) *order.Order {
	t.Helper()
	o := f.create(t)
	res, err := f.service.HandleGatewayCallback(context.Background(), order.SourceIPN, f.callback(o, "00", o.Amount))
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, res.Order.Status)
	return res.Order
}

func (f *fixture) shipped(t *testing.T) *order.Order {
	t.Helper()
	o := f.paid(t)
	shipped, err := f.service.Ship(context.Background(), seller, o.ID, "VN123456")
	require.NoError(t, err)
	return shipped
}

func (f *fixture) productStatus(t *testing.T) catalog.Status {
	t.Helper()
	p, err := f.catalog.GetProduct(context.Background(), "iphone")
	require.NoError(t, err)
	return p.Status
}

func (f *fixture) transactions(t *testing.T, id string) []*order.Transaction {
	t.Helper()
	txs, err := f.store.Transactions(context.Background(), id)
	require.NoError(t, err)
	return txs
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	res, err := f.service.CreateOrder(context.Background(), buyer, order.CreateRequest{
		ProductID:       "iphone",
		ShippingAddress: "12 Ly Thuong Kiet, Ha Noi",
		ClientIP:        "10.0.0.1",
	})
	require.NoError(t, err)

	o := res.Order
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, order.EscrowHeld, o.EscrowStatus)
	assert.Equal(t, int64(1_000_000), o.Amount)
	assert.Equal(t, int64(50_000), o.PlatformFee)
	assert.Equal(t, int64(950_000), o.SellerAmount)
	assert.Equal(t, seller.ID, o.SellerID)
	assert.Regexp(t, `^ORD\d{13}[A-Z0-9]{6}$`, o.PaymentRef)

	u, err := url.Parse(res.PaymentURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, o.PaymentRef, q.Get("vnp_TxnRef"))
	assert.Equal(t, "100000000", q.Get("vnp_Amount"))
	assert.Equal(t, "10.0.0.1", q.Get("vnp_IpAddr"))
	assert.NotEmpty(t, q.Get("vnp_SecureHash"))

	txs := f.transactions(t, o.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, order.TxPayment, txs[0].Type)
	assert.Equal(t, order.TxPending, txs[0].Status)
	assert.Equal(t, o.PaymentRef, txs[0].GatewayRef)

	assert.Equal(t, catalog.StatusAvailable, f.productStatus(t), "product is reserved only on payment")
}

func TestCreateOrder_Rejections(t *testing.T) {
	f := newFixture(t)
	f.catalog.Put(&catalog.Product{ID: "sold", SellerID: seller.ID, Price: 10, Status: catalog.StatusSold})
	ctx := context.Background()

	tests := []struct {
		name  string
		actor authz.Actor
		req   order.CreateRequest
		want  error
	}{
		{"self purchase", seller, order.CreateRequest{ProductID: "iphone", ShippingAddress: "x"}, order.ErrSelfPurchase},
		{"unavailable", buyer, order.CreateRequest{ProductID: "sold", ShippingAddress: "x"}, catalog.ErrProductUnavailable},
		{"unknown product", buyer, order.CreateRequest{ProductID: "nope", ShippingAddress: "x"}, catalog.ErrProductNotFound},
		{"missing address", buyer, order.CreateRequest{ProductID: "iphone", ShippingAddress: "  "}, order.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.CreateOrder(ctx, tt.actor, tt.req)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestGatewayCallback_Success(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)

	res, err := f.service.HandleGatewayCallback(context.Background(), order.SourceIPN, f.callback(o, "00", o.Amount))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Duplicate)
	assert.Equal(t, order.StatusPaid, res.Order.Status)
	assert.Equal(t, order.EscrowHeld, res.Order.EscrowStatus)
	assert.Equal(t, "14000001", res.Order.GatewayTxnNo)
	assert.NotNil(t, res.Order.PaidAt)

	txs := f.transactions(t, o.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, order.TxCompleted, txs[0].Status)
	assert.Equal(t, "14000001", txs[0].GatewayTxnNo)

	assert.Equal(t, catalog.StatusReserved, f.productStatus(t))
	assert.Equal(t, []order.Event{order.EventPaymentSucceeded}, f.events.Events())
}

func TestGatewayCallback_Duplicate(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	params := f.callback(o, "00", o.Amount)
	ctx := context.Background()

	first, err := f.service.HandleGatewayCallback(ctx, order.SourceIPN, params)
	require.NoError(t, err)

	second, err := f.service.HandleGatewayCallback(ctx, order.SourceReturn, params)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.True(t, second.Success)
	assert.Equal(t, first.Order.Version, second.Order.Version, "duplicate callback must not mutate")
	assert.Len(t, f.transactions(t, o.ID), 1)
	assert.Len(t, f.events.Events(), 1)
}

func TestGatewayCallback_Failure(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)

	res, err := f.service.HandleGatewayCallback(context.Background(), order.SourceIPN, f.callback(o, "24", o.Amount))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, order.StatusCancelled, res.Order.Status)
	assert.NotNil(t, res.Order.CancelledAt)

	txs := f.transactions(t, o.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, order.TxFailed, txs[0].Status)
	assert.Equal(t, catalog.StatusAvailable, f.productStatus(t))
}

func TestGatewayCallback_TamperedSignature(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	params := f.callback(o, "00", o.Amount)
	params["vnp_Amount"] = "100"

	_, err := f.service.HandleGatewayCallback(context.Background(), order.SourceIPN, params)
	assert.True(t, errors.Is(err, paygate.ErrInvalidSignature))

	got, _ := f.store.Get(context.Background(), o.ID)
	assert.Equal(t, order.StatusPending, got.Status)
}

func TestGatewayCallback_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)

	_, err := f.service.HandleGatewayCallback(context.Background(), order.SourceIPN, f.callback(o, "00", o.Amount-1))
	assert.True(t, errors.Is(err, order.ErrAmountMismatch))

	got, _ := f.store.Get(context.Background(), o.ID)
	assert.Equal(t, order.StatusPending, got.Status)
}

func TestGatewayCallback_UnknownOrder(t *testing.T) {
	f := newFixture(t)
	params := f.signer.SignedCallback(paygate.CallbackParams{TxnRef: "ORD-NOPE", Amount: 10, ResponseCode: "00"})

	_, err := f.service.HandleGatewayCallback(context.Background(), order.SourceIPN, params)
	assert.True(t, errors.Is(err, order.ErrOrderNotFound))
}

func TestMockPayment(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)

	_, err := f.service.MockPayment(context.Background(), stranger, o.ID)
	assert.True(t, errors.Is(err, authz.ErrForbidden))

	res, err := f.service.MockPayment(context.Background(), buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, res.Order.Status)

	f.service.WithMockPayments(false)
	_, err = f.service.MockPayment(context.Background(), buyer, o.ID)
	assert.True(t, errors.Is(err, order.ErrMockPaymentsDisabled))
}

func TestShip(t *testing.T) {
	f := newFixture(t)
	o := f.paid(t)
	ctx := context.Background()

	_, err := f.service.Ship(ctx, buyer, o.ID, "VN1")
	assert.True(t, errors.Is(err, authz.ErrForbidden), "only the seller ships")

	_, err = f.service.Ship(ctx, seller, o.ID, "")
	assert.True(t, errors.Is(err, order.ErrValidation))

	shipped, err := f.service.Ship(ctx, seller, o.ID, "VN1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusShipped, shipped.Status)
	require.NotNil(t, shipped.InspectionDeadline)
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), *shipped.InspectionDeadline)
}

func TestShip_ForbiddenBeforeStateCheck(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)

	_, err := f.service.Ship(context.Background(), buyer, o.ID, "VN1")
	assert.True(t, errors.Is(err, authz.ErrForbidden), "authorization is checked before the state guard")
}

func TestConfirm_ReleasesEscrow(t *testing.T) {
	f := newFixture(t)
	o := f.shipped(t)
	ctx := context.Background()

	_, err := f.service.Confirm(ctx, seller, o.ID)
	assert.True(t, errors.Is(err, authz.ErrForbidden))

	done, err := f.service.Confirm(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, done.Status)
	assert.Equal(t, order.EscrowReleased, done.EscrowStatus)
	assert.NotNil(t, done.DeliveredAt)

	txs := f.transactions(t, o.ID)
	require.Len(t, txs, 2)
	release := txs[1]
	assert.Equal(t, order.TxRelease, release.Type)
	assert.Equal(t, order.TxCompleted, release.Status)
	assert.Equal(t, int64(950_000), release.Amount)
	assert.Equal(t, strconv.Itoa(50_000), release.Metadata[order.MetaPlatformFee])
	assert.Equal(t, string(order.TriggerBuyerConfirm), release.Metadata[order.MetaReleaseTrigger])

	assert.Equal(t, catalog.StatusSold, f.productStatus(t))
}

func TestConfirm_RequiresShipped(t *testing.T) {
	f := newFixture(t)
	o := f.paid(t)

	_, err := f.service.Confirm(context.Background(), buyer, o.ID)
	var conflict *order.StateConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, order.StatusPaid, conflict.Current)
	assert.Equal(t, order.EventConfirm, conflict.Event)
}

func TestConfirm_Twice(t *testing.T) {
	f := newFixture(t)
	o := f.shipped(t)
	ctx := context.Background()

	_, err := f.service.Confirm(ctx, buyer, o.ID)
	require.NoError(t, err)
	_, err = f.service.Confirm(ctx, buyer, o.ID)
	assert.True(t, errors.Is(err, order.ErrStateConflict))
}

func TestLedgerRelease_Idempotent(t *testing.T) {
	f := newFixture(t)
	o := f.shipped(t)
	ctx := context.Background()

	first, err := f.ledger.Release(ctx, o.ID, order.TriggerManualRelease)
	require.NoError(t, err)
	second, err := f.ledger.Release(ctx, o.ID, order.TriggerAutoRelease)
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	releases := 0
	for _, tx := range f.transactions(t, o.ID) {
		if tx.Type == order.TxRelease {
			releases++
		}
	}
	assert.Equal(t, 1, releases)
}

func TestDispute_BlocksRelease(t *testing.T) {
	f := newFixture(t)
	o := f.shipped(t)
	ctx := context.Background()

	_, err := f.service.Dispute(ctx, seller, o.ID, "x", nil)
	assert.True(t, errors.Is(err, authz.ErrForbidden))

	disputed, err := f.service.Dispute(ctx, buyer, o.ID, "screen cracked", []string{"https://img/1.jpg"})
	require.NoError(t, err)
	assert.Equal(t, order.StatusDisputed, disputed.Status)

	_, err = f.service.Release(ctx, buyer, o.ID)
	assert.True(t, errors.Is(err, order.ErrStateConflict))

	_, err = f.service.Confirm(ctx, buyer, o.ID)
	assert.True(t, errors.Is(err, order.ErrStateConflict))
}

func TestRelease_ManualByOperator(t *testing.T) {
	f := newFixture(t)
	o := f.shipped(t)
	ctx := context.Background()

	_, err := f.service.Release(ctx, seller, o.ID)
	assert.True(t, errors.Is(err, authz.ErrForbidden))

	done, err := f.service.Release(ctx, operator, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, done.Status)
	assert.Nil(t, done.DeliveredAt)
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	o := f.shipped(t)
	ctx := context.Background()
	_, err := f.service.Dispute(ctx, buyer, o.ID, "fake", nil)
	require.NoError(t, err)

	_, err = f.service.Refund(ctx, buyer, o.ID, "fake")
	assert.True(t, errors.Is(err, authz.ErrForbidden))

	_, err = f.service.Refund(ctx, operator, o.ID, " ")
	assert.True(t, errors.Is(err, order.ErrValidation))

	refunded, err := f.service.Refund(ctx, operator, o.ID, "counterfeit confirmed")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, refunded.Status)
	assert.Equal(t, order.EscrowRefunded, refunded.EscrowStatus)

	txs := f.transactions(t, o.ID)
	require.Len(t, txs, 2)
	assert.Equal(t, order.TxRefund, txs[1].Type)
	assert.Equal(t, int64(1_000_000), txs[1].Amount)
	assert.Equal(t, "counterfeit confirmed", txs[1].Metadata[order.MetaRefundReason])
	assert.Equal(t, catalog.StatusAvailable, f.productStatus(t))

	_, err = f.service.Refund(ctx, operator, o.ID, "again")
	var conflict *order.StateConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, order.StatusCancelled, conflict.Current)
}

func TestRefund_AfterReleaseConflicts(t *testing.T) {
	f := newFixture(t)
	o := f.shipped(t)
	ctx := context.Background()
	_, err := f.service.Confirm(ctx, buyer, o.ID)
	require.NoError(t, err)

	_, err = f.service.Refund(ctx, operator, o.ID, "late complaint")
	assert.True(t, errors.Is(err, order.ErrStateConflict))
}

func TestConcurrentConfirmAndDispute(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		o := f.shipped(t)
		ctx := context.Background()

		var (
			wg        sync.WaitGroup
			confirmed atomic.Bool
			disputed  atomic.Bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := f.service.Confirm(ctx, buyer, o.ID); err == nil {
				confirmed.Store(true)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := f.service.Dispute(ctx, buyer, o.ID, "broken", nil); err == nil {
				disputed.Store(true)
			}
		}()
		wg.Wait()

		if confirmed.Load() == disputed.Load() {
			t.Fatalf("run %d: expected exactly one winner, confirmed=%v disputed=%v", i, confirmed.Load(), disputed.Load())
		}
		got, _ := f.store.Get(ctx, o.ID)
		if confirmed.Load() {
			assert.Equal(t, order.StatusCompleted, got.Status)
		} else {
			assert.Equal(t, order.StatusDisputed, got.Status)
			assert.Equal(t, order.EscrowHeld, got.EscrowStatus)
		}
	}
}

func TestGetAndTransactions_ViewAuthorization(t *testing.T) {
	f := newFixture(t)
	o := f.paid(t)
	ctx := context.Background()

	for _, actor := range []authz.Actor{buyer, seller, operator} {
		_, err := f.service.Get(ctx, actor, o.ID)
		assert.NoError(t, err, "actor %s", actor.ID)
	}
	_, err := f.service.Get(ctx, stranger, o.ID)
	assert.True(t, errors.Is(err, authz.ErrForbidden))

	_, err = f.service.Transactions(ctx, stranger, o.ID)
	assert.True(t, errors.Is(err, authz.ErrForbidden))

	txs, err := f.service.Transactions(ctx, seller, o.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	_, err = f.service.Get(ctx, buyer, "missing")
	assert.True(t, errors.Is(err, order.ErrOrderNotFound))
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.create(t)
		f.clock.Advance(time.Minute)
	}

	orders, meta, err := f.service.List(ctx, buyer, order.ListQuery{Page: pagination.Parse("1", "2")})
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	assert.Equal(t, pagination.Meta{Total: 3, Page: 1, Limit: 2, Pages: 2}, meta)

	sold, meta, err := f.service.List(ctx, seller, order.ListQuery{Role: order.RoleSeller, Page: pagination.Parse("", "")})
	require.NoError(t, err)
	assert.Len(t, sold, 3)
	assert.Equal(t, 3, meta.Total)

	none, _, err := f.service.List(ctx, seller, order.ListQuery{Role: order.RoleBuyer, Page: pagination.Parse("", "")})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, _, err = f.service.List(ctx, buyer, order.ListQuery{Role: "admin", Page: pagination.Parse("", "")})
	assert.True(t, errors.Is(err, order.ErrValidation))

	_, _, err = f.service.List(ctx, buyer, order.ListQuery{Role: order.RoleAll, Page: pagination.Parse("", "")})
	assert.True(t, errors.Is(err, authz.ErrForbidden))

	_, _, err = f.service.List(ctx, buyer, order.ListQuery{Status: "lost", Page: pagination.Parse("", "")})
	assert.True(t, errors.Is(err, order.ErrValidation))
}

func TestPaymentURL(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	ctx := context.Background()

	u, err := f.service.PaymentURL(ctx, buyer, o.ID, "10.0.0.2")
	require.NoError(t, err)
	assert.Contains(t, u, "vnp_TxnRef="+o.PaymentRef)

	_, err = f.service.PaymentURL(ctx, seller, o.ID, "")
	assert.True(t, errors.Is(err, authz.ErrForbidden))

	_, err = f.service.HandleGatewayCallback(ctx, order.SourceIPN, f.callback(o, "00", o.Amount))
	require.NoError(t, err)
	_, err = f.service.PaymentURL(ctx, buyer, o.ID, "")
	assert.True(t, errors.Is(err, order.ErrStateConflict))
}

type fakeQuerier struct {
	results map[string]*paygate.QueryResult
	err     error
	calls   atomic.Int32
}

func (q *fakeQuerier) QueryTransaction(_ context.Context, txnRef string, _ time.Time) (*paygate.QueryResult, error) {
	q.calls.Add(1)
	if q.err != nil {
		return nil, q.err
	}
	if r, ok := q.results[txnRef]; ok {
		return r, nil
	}
	return &paygate.QueryResult{TxnRef: txnRef, ResponseCode: paygate.QueryCodeNotFound}, nil
}

func TestExpireStalePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paidAtGateway := f.create(t)
	stillPending := f.create(t)
	unknown := f.create(t)
	failed := f.create(t)
	// Past the 15m deadline plus the expiry grace.
	f.clock.Advance(30 * time.Minute)
	fresh := f.create(t)

	q := &fakeQuerier{results: map[string]*paygate.QueryResult{
		paidAtGateway.PaymentRef: {ResponseCode: paygate.QueryCodeOK, TransactionStatus: paygate.TxnStatusSuccess, Amount: paidAtGateway.Amount, TransactionNo: "14000099"},
		stillPending.PaymentRef:  {ResponseCode: paygate.QueryCodeOK, TransactionStatus: paygate.TxnStatusPending},
		failed.PaymentRef:        {ResponseCode: paygate.QueryCodeOK, TransactionStatus: "02"},
	}}
	f.service.WithQuerier(q).WithPaymentTimeout(15 * time.Minute)

	n, err := f.service.ExpireStalePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int32(4), q.calls.Load(), "fresh orders are not queried")

	status := func(o *order.Order) order.Status {
		got, err := f.store.Get(ctx, o.ID)
		require.NoError(t, err)
		return got.Status
	}
	assert.Equal(t, order.StatusPaid, status(paidAtGateway), "never cancel an order the gateway reports paid")
	assert.Equal(t, order.StatusPending, status(stillPending))
	assert.Equal(t, order.StatusCancelled, status(unknown))
	assert.Equal(t, order.StatusCancelled, status(failed))
	assert.Equal(t, order.StatusPending, status(fresh))
}

func TestExpireStalePending_QueryErrorsLeaveOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.create(t)
	f.clock.Advance(time.Hour)

	f.service.WithQuerier(&fakeQuerier{err: errors.New("gateway down")})
	n, err := f.service.ExpireStalePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, _ := f.store.Get(ctx, o.ID)
	assert.Equal(t, order.StatusPending, got.Status)
}

func TestExpireStalePending_DisabledWithoutQuerier(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	f.clock.Advance(time.Hour)

	n, err := f.service.ExpireStalePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPaymentURL_KeepsOriginalDeadline(t *testing.T) {
	f := newFixture(t)
	f.service.WithPaymentTimeout(15 * time.Minute)
	o := f.create(t)
	ctx := context.Background()

	f.clock.Advance(14 * time.Minute)
	raw, err := f.service.PaymentURL(ctx, buyer, o.ID, "")
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, paygate.FormatDate(o.CreatedAt.Add(15*time.Minute)), u.Query().Get("vnp_ExpireDate"))

	f.clock.Advance(time.Minute)
	_, err = f.service.PaymentURL(ctx, buyer, o.ID, "")
	assert.True(t, errors.Is(err, order.ErrPaymentExpired), "got %v", err)
}

func TestExpireStalePending_WaitsForReissuedURL(t *testing.T) {
	f := newFixture(t)
	q := &fakeQuerier{}
	f.service.WithQuerier(q).WithPaymentTimeout(15 * time.Minute)
	o := f.create(t)
	ctx := context.Background()

	f.clock.Advance(14 * time.Minute)
	_, err := f.service.PaymentURL(ctx, buyer, o.ID, "")
	require.NoError(t, err)

	// The re-issued URL expires with the original; the order is not yet
	// old enough to ask the gateway about.
	f.clock.Advance(2 * time.Minute)
	n, err := f.service.ExpireStalePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int32(0), q.calls.Load())

	res, err := f.service.HandleGatewayCallback(ctx, order.SourceIPN, f.callback(o, "00", o.Amount))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, order.StatusPaid, res.Order.Status)
}

func TestGatewayCallback_LatePaymentOnCancelledOrder(t *testing.T) {
	f := newFixture(t)
	f.service.WithQuerier(&fakeQuerier{}).WithPaymentTimeout(15 * time.Minute)
	o := f.create(t)
	ctx := context.Background()

	f.clock.Advance(30 * time.Minute)
	n, err := f.service.ExpireStalePending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err := f.service.HandleGatewayCallback(ctx, order.SourceIPN, f.callback(o, "00", o.Amount))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, res.LatePayment)
	assert.False(t, res.Success)
	assert.Equal(t, order.StatusCancelled, res.Order.Status)
	assert.Equal(t, "14000001", res.Order.GatewayTxnNo)
	assert.Nil(t, res.Order.PaidAt)

	txs := f.transactions(t, o.ID)
	require.Len(t, txs, 2)
	assert.Equal(t, order.TxFailed, txs[0].Status)
	assert.Equal(t, order.TxPayment, txs[1].Type)
	assert.Equal(t, order.TxCompleted, txs[1].Status)
	assert.Equal(t, o.Amount, txs[1].Amount)
	assert.Equal(t, "true", txs[1].Metadata[order.MetaLatePayment])

	late, err := f.store.ListLatePayments(ctx, 10)
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.Equal(t, o.ID, late[0].ID)

	again, err := f.service.HandleGatewayCallback(ctx, order.SourceReturn, f.callback(o, "00", o.Amount))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.False(t, again.LatePayment)
	assert.Len(t, f.transactions(t, o.ID), 2)
}

func TestGatewayCallback_DeclinedAfterCancelIsNotLatePayment(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	ctx := context.Background()

	_, err := f.service.HandleGatewayCallback(ctx, order.SourceIPN, f.callback(o, "24", o.Amount))
	require.NoError(t, err)
	res, err := f.service.HandleGatewayCallback(ctx, order.SourceIPN, f.callback(o, "24", o.Amount))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, res.LatePayment)
	assert.Len(t, f.transactions(t, o.ID), 1)
}

func TestDispute_ForbiddenBeforeValidation(t *testing.T) {
	f := newFixture(t)
	o := f.shipped(t)
	long := strings.Repeat("x", 2001)

	_, err := f.service.Dispute(context.Background(), stranger, o.ID, long, nil)
	assert.True(t, errors.Is(err, authz.ErrForbidden), "got %v", err)

	_, err = f.service.Dispute(context.Background(), buyer, o.ID, long, nil)
	assert.True(t, errors.Is(err, order.ErrValidation), "got %v", err)
}

func capturedLogs() (context.Context, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logging.WithLogger(context.Background(), logger), &buf
}

func TestGatewayCallback_RejectedSignatureIsLogged(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	params := f.callback(o, "00", o.Amount)
	params["vnp_Amount"] = "100"
	hash := params[paygate.ParamSecureHash]

	ctx, logs := capturedLogs()
	_, err := f.service.HandleGatewayCallback(ctx, order.SourceIPN, params)
	require.True(t, errors.Is(err, paygate.ErrInvalidSignature))

	out := logs.String()
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, "gateway callback verification failed")
	assert.Contains(t, out, `"source":"ipn"`)
	assert.Contains(t, out, `"txn_ref":"`+o.PaymentRef+`"`)
	assert.NotContains(t, out, hash)
}

func TestGatewayCallback_LatePaymentIsLoggedAsError(t *testing.T) {
	f := newFixture(t)
	o := f.create(t)
	_, err := f.service.HandleGatewayCallback(context.Background(), order.SourceIPN, f.callback(o, "24", o.Amount))
	require.NoError(t, err)

	ctx, logs := capturedLogs()
	res, err := f.service.HandleGatewayCallback(ctx, order.SourceIPN, f.callback(o, "00", o.Amount))
	require.NoError(t, err)
	require.True(t, res.LatePayment)

	out := logs.String()
	assert.Contains(t, out, `"level":"ERROR"`)
	assert.Contains(t, out, `"order_id":"`+o.ID+`"`)
}
