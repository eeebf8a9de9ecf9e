package order

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func pendingOrder() *Order {
	fee, seller := SplitAmount(1_000_000)
	return &Order{
		ID:           "ord-1",
		PaymentRef:   "ORD1",
		BuyerID:      "buyer",
		SellerID:     "seller",
		ProductID:    "prod",
		Amount:       1_000_000,
		PlatformFee:  fee,
		SellerAmount: seller,
		Status:       StatusPending,
		EscrowStatus: EscrowHeld,
		Version:      1,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func mustPaid(t *testing.T) *Order {
	t.Helper()
	o, err := pendingOrder().MarkPaid(PaymentDetails{Amount: 1_000_000, TransactionNo: "14000001"}, t0)
	require.NoError(t, err)
	return o
}

func mustShipped(t *testing.T) *Order {
	t.Helper()
	o, err := mustPaid(t).Ship("VN123", 0, t0.Add(time.Hour))
	require.NoError(t, err)
	return o
}

func TestSplitAmount(t *testing.T) {
	tests := []struct {
		amount, fee, seller int64
	}{
		{1_000_000, 50_000, 950_000},
		{10, 1, 9},  // 0.5 rounds away from zero
		{9, 0, 9},   // 0.45
		{30, 2, 28}, // 1.5
		{1, 0, 1},
		{12_345_678, 617_284, 11_728_394},
	}
	for _, tt := range tests {
		fee, seller := SplitAmount(tt.amount)
		assert.Equal(t, tt.fee, fee, "fee for %d", tt.amount)
		assert.Equal(t, tt.seller, seller, "seller for %d", tt.amount)
		assert.Equal(t, tt.amount, fee+seller)
	}
}

func TestMarkPaid(t *testing.T) {
	o := pendingOrder()
	paid, err := o.MarkPaid(PaymentDetails{Amount: 1_000_000, TransactionNo: "14000001", BankCode: "NCB"}, t0)
	require.NoError(t, err)

	assert.Equal(t, StatusPaid, paid.Status)
	assert.Equal(t, EscrowHeld, paid.EscrowStatus)
	assert.Equal(t, int64(2), paid.Version)
	assert.Equal(t, "14000001", paid.GatewayTxnNo)
	assert.Equal(t, "NCB", paid.BankCode)
	require.NotNil(t, paid.PaidAt)

	// Original is untouched.
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, int64(1), o.Version)
	assert.Nil(t, o.PaidAt)
}

func TestMarkPaid_AmountMismatch(t *testing.T) {
	_, err := pendingOrder().MarkPaid(PaymentDetails{Amount: 999_999}, t0)
	assert.True(t, errors.Is(err, ErrAmountMismatch))
}

func TestMarkPaid_NotPending(t *testing.T) {
	_, err := mustPaid(t).MarkPaid(PaymentDetails{Amount: 1_000_000}, t0)

	var conflict *StateConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, StatusPaid, conflict.Current)
	assert.Equal(t, EventPaymentSucceeded, conflict.Event)
	assert.True(t, errors.Is(err, ErrStateConflict))
}

func TestMarkPaymentFailed(t *testing.T) {
	o, err := pendingOrder().MarkPaymentFailed(t0)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, EscrowHeld, o.EscrowStatus, "no money moved, escrow marker unchanged")
	assert.NotNil(t, o.CancelledAt)
	assert.True(t, o.IsTerminal())
}

func TestShip_SetsInspectionDeadline(t *testing.T) {
	now := t0.Add(time.Hour)
	o, err := mustPaid(t).Ship("  VN123  ", 0, now)
	require.NoError(t, err)

	assert.Equal(t, StatusShipped, o.Status)
	assert.Equal(t, "VN123", o.TrackingNumber)
	require.NotNil(t, o.InspectionDeadline)
	assert.Equal(t, now.Add(72*time.Hour), *o.InspectionDeadline)
}

func TestShip_Guards(t *testing.T) {
	_, err := pendingOrder().Ship("VN123", 0, t0)
	assert.True(t, errors.Is(err, ErrStateConflict), "pending cannot ship")

	_, err = mustPaid(t).Ship("   ", 0, t0)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "trackingNumber", verr.Field)
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = mustShipped(t).Ship("VN999", 0, t0)
	assert.True(t, errors.Is(err, ErrStateConflict), "cannot ship twice")
}

func TestDispute(t *testing.T) {
	o, err := mustShipped(t).Dispute("screen cracked", []string{"https://img/1.jpg"}, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, o.Status)
	assert.Equal(t, EscrowHeld, o.EscrowStatus)
	assert.Equal(t, "screen cracked", o.DisputeReason)
	assert.Equal(t, []string{"https://img/1.jpg"}, o.DisputeEvidence)
	assert.NotNil(t, o.DisputedAt)
}

func TestDispute_Guards(t *testing.T) {
	_, err := mustPaid(t).Dispute("late", nil, t0)
	assert.True(t, errors.Is(err, ErrStateConflict), "paid orders cannot be disputed")

	_, err = mustShipped(t).Dispute("", nil, t0)
	assert.True(t, errors.Is(err, ErrValidation))

	tooMany := make([]string, MaxDisputeEvidence+1)
	_, err = mustShipped(t).Dispute("broken", tooMany, t0)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestRelease(t *testing.T) {
	now := t0.Add(24 * time.Hour)
	o, err := mustShipped(t).Release(TriggerBuyerConfirm, now)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, o.Status)
	assert.Equal(t, EscrowReleased, o.EscrowStatus)
	require.NotNil(t, o.CompletedAt)
	require.NotNil(t, o.DeliveredAt)
	assert.Equal(t, now, *o.DeliveredAt)

	auto, err := mustShipped(t).Release(TriggerAutoRelease, now)
	require.NoError(t, err)
	assert.Nil(t, auto.DeliveredAt, "auto release does not claim delivery")
}

func TestRelease_Guards(t *testing.T) {
	disputed, err := mustShipped(t).Dispute("fake", nil, t0)
	require.NoError(t, err)

	_, err = disputed.Release(TriggerAutoRelease, t0)
	var conflict *StateConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, StatusDisputed, conflict.Current)
	assert.Equal(t, EventAutoRelease, conflict.Event)

	_, err = mustPaid(t).Release(TriggerBuyerConfirm, t0)
	assert.True(t, errors.Is(err, ErrStateConflict), "paid orders are not yet releasable")

	done, err := mustShipped(t).Release(TriggerBuyerConfirm, t0)
	require.NoError(t, err)
	_, err = done.Release(TriggerManualRelease, t0)
	assert.True(t, errors.Is(err, ErrStateConflict))
}

func TestRefund(t *testing.T) {
	disputed, err := mustShipped(t).Dispute("fake", nil, t0)
	require.NoError(t, err)

	for _, from := range []*Order{mustPaid(t), mustShipped(t), disputed} {
		o, err := from.Refund(t0)
		require.NoError(t, err, "refund from %s", from.Status)
		assert.Equal(t, StatusCancelled, o.Status)
		assert.Equal(t, EscrowRefunded, o.EscrowStatus)
	}
}

func TestRefund_Guards(t *testing.T) {
	_, err := pendingOrder().Refund(t0)
	assert.True(t, errors.Is(err, ErrStateConflict), "nothing to refund before payment")

	refunded, err := mustPaid(t).Refund(t0)
	require.NoError(t, err)
	_, err = refunded.Refund(t0)
	assert.True(t, errors.Is(err, ErrStateConflict), "cannot refund twice")

	released, err := mustShipped(t).Release(TriggerBuyerConfirm, t0)
	require.NoError(t, err)
	_, err = released.Refund(t0)
	assert.True(t, errors.Is(err, ErrStateConflict), "cannot refund released escrow")
}

func TestClone_IsDeep(t *testing.T) {
	o, err := mustShipped(t).Dispute("x", []string{"a"}, t0)
	require.NoError(t, err)

	cp := o.Clone()
	cp.DisputeEvidence[0] = "b"
	*cp.InspectionDeadline = t0

	assert.Equal(t, "a", o.DisputeEvidence[0])
	assert.NotEqual(t, t0, *o.InspectionDeadline)
}

func TestReleaseTriggerEvent(t *testing.T) {
	assert.Equal(t, EventConfirm, TriggerBuyerConfirm.Event())
	assert.Equal(t, EventAutoRelease, TriggerAutoRelease.Event())
	assert.Equal(t, EventManualRelease, TriggerManualRelease.Event())
}
