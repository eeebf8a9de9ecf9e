// Package order implements the escrow order lifecycle of the marketplace.
//
// Flow:
//  1. Buyer opens an order  -> pending, payment transaction pending
//  2. Gateway confirms      -> paid, funds held in escrow, product reserved
//  3. Seller ships          -> shipped, inspection window starts
//  4. Buyer confirms, or the window elapses -> completed, escrow released to seller
//  5. Buyer disputes during inspection      -> disputed, escrow stays held
//  6. Operator refunds      -> cancelled, escrow refunded to buyer
//
// Transitions are pure methods on Order that return the next version of the
// order. Stores apply them with a compare-and-set on Version.
package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrStateConflict  = errors.New("order state conflict")
	ErrStaleWrite     = errors.New("order was modified concurrently")
	ErrValidation     = errors.New("validation failed")
	ErrAmountMismatch = errors.New("paid amount does not match order amount")
	ErrSelfPurchase   = errors.New("cannot buy your own product")
	ErrPaymentExpired = errors.New("payment window has closed")
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "pending"    // Awaiting gateway confirmation
	StatusPaid       Status = "paid"       // Funds held, awaiting shipment
	StatusShipped    Status = "shipped"    // In transit or in the buyer's inspection window
	StatusInspecting Status = "inspecting" // Reserved; nothing transitions into it yet
	StatusCompleted  Status = "completed"  // Escrow released to seller
	StatusDisputed   Status = "disputed"   // Buyer raised a dispute; escrow frozen
	StatusCancelled  Status = "cancelled"  // Payment failed, expired, or refunded
)

// EscrowStatus tracks where the buyer's money is.
type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Event names a state machine input.
type Event string

const (
	EventPaymentSucceeded Event = "payment_succeeded"
	EventPaymentFailed    Event = "payment_failed"
	EventShip             Event = "ship"
	EventConfirm          Event = "confirm"
	EventDispute          Event = "dispute"
	EventAutoRelease      Event = "auto_release"
	EventManualRelease    Event = "manual_release"
	EventRefund           Event = "refund"
)

// ReleaseTrigger records why escrow was released.
type ReleaseTrigger string

const (
	TriggerBuyerConfirm  ReleaseTrigger = "buyer_confirm"
	TriggerAutoRelease   ReleaseTrigger = "auto_release"
	TriggerManualRelease ReleaseTrigger = "manual_release"
)

// Event returns the state machine event a release trigger corresponds to.
func (t ReleaseTrigger) Event() Event {
	switch t {
	case TriggerBuyerConfirm:
		return EventConfirm
	case TriggerAutoRelease:
		return EventAutoRelease
	default:
		return EventManualRelease
	}
}

// DefaultInspectionWindow is how long a buyer has to inspect a shipment.
const DefaultInspectionWindow = 72 * time.Hour

// MaxDisputeEvidence caps the number of evidence links on a dispute.
const MaxDisputeEvidence = 10

var platformFeeRate = decimal.New(5, -2)

// SplitAmount computes the platform fee (5%, rounded half away from zero)
// and the seller's share. fee + seller == amount always holds.
func SplitAmount(amount int64) (fee, seller int64) {
	fee = decimal.NewFromInt(amount).Mul(platformFeeRate).Round(0).IntPart()
	return fee, amount - fee
}

// Order is one purchase of one product.
type Order struct {
	ID                 string       `json:"id"`
	PaymentRef         string       `json:"paymentRef"`
	BuyerID            string       `json:"buyerId"`
	SellerID           string       `json:"sellerId"`
	ProductID          string       `json:"productId"`
	Amount             int64        `json:"amount"`
	PlatformFee        int64        `json:"platformFee"`
	SellerAmount       int64        `json:"sellerAmount"`
	Status             Status       `json:"status"`
	EscrowStatus       EscrowStatus `json:"escrowStatus"`
	ShippingAddress    string       `json:"shippingAddress"`
	TrackingNumber     string       `json:"trackingNumber,omitempty"`
	InspectionDeadline *time.Time   `json:"inspectionDeadline,omitempty"`
	PaidAt             *time.Time   `json:"paidAt,omitempty"`
	ShippedAt          *time.Time   `json:"shippedAt,omitempty"`
	DeliveredAt        *time.Time   `json:"deliveredAt,omitempty"`
	CompletedAt        *time.Time   `json:"completedAt,omitempty"`
	CancelledAt        *time.Time   `json:"cancelledAt,omitempty"`
	GatewayTxnNo       string       `json:"gatewayTxnNo,omitempty"`
	BankCode           string       `json:"bankCode,omitempty"`
	DisputeReason      string       `json:"disputeReason,omitempty"`
	DisputeEvidence    []string     `json:"disputeEvidence,omitempty"`
	DisputedAt         *time.Time   `json:"disputedAt,omitempty"`
	Version            int64        `json:"version"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// IsTerminal returns true if no further transition can occur.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusCancelled
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	cp := *o
	if o.DisputeEvidence != nil {
		cp.DisputeEvidence = append([]string(nil), o.DisputeEvidence...)
	}
	cp.InspectionDeadline = cloneTime(o.InspectionDeadline)
	cp.PaidAt = cloneTime(o.PaidAt)
	cp.ShippedAt = cloneTime(o.ShippedAt)
	cp.DeliveredAt = cloneTime(o.DeliveredAt)
	cp.CompletedAt = cloneTime(o.CompletedAt)
	cp.CancelledAt = cloneTime(o.CancelledAt)
	cp.DisputedAt = cloneTime(o.DisputedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// next starts a new version of the order.
func (o *Order) next(now time.Time) *Order {
	n := o.Clone()
	n.Version = o.Version + 1
	n.UpdatedAt = now
	return n
}

func (o *Order) conflict(e Event) error {
	return &StateConflictError{Current: o.Status, Event: e}
}

// PaymentDetails are the gateway fields recorded on a successful payment.
type PaymentDetails struct {
	Amount        int64
	TransactionNo string
	BankCode      string
}

// MarkPaid applies a successful, verified payment.
func (o *Order) MarkPaid(p PaymentDetails, now time.Time) (*Order, error) {
	if o.Status != StatusPending {
		return nil, o.conflict(EventPaymentSucceeded)
	}
	if p.Amount != o.Amount {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrAmountMismatch, o.Amount, p.Amount)
	}
	n := o.next(now)
	n.Status = StatusPaid
	n.EscrowStatus = EscrowHeld
	n.PaidAt = &now
	n.GatewayTxnNo = p.TransactionNo
	n.BankCode = p.BankCode
	return n, nil
}

// MarkPaymentFailed cancels an order whose payment was declined or expired.
func (o *Order) MarkPaymentFailed(now time.Time) (*Order, error) {
	if o.Status != StatusPending {
		return nil, o.conflict(EventPaymentFailed)
	}
	n := o.next(now)
	n.Status = StatusCancelled
	n.CancelledAt = &now
	return n, nil
}

// RecordLatePayment marks a cancelled, never-funded order as having been
// paid at the gateway after it was cancelled. The order stays cancelled;
// the money needs an operator refund.
func (o *Order) RecordLatePayment(p PaymentDetails, now time.Time) (*Order, error) {
	if o.Status != StatusCancelled || o.PaidAt != nil || o.GatewayTxnNo != "" {
		return nil, o.conflict(EventPaymentSucceeded)
	}
	n := o.next(now)
	n.GatewayTxnNo = p.TransactionNo
	n.BankCode = p.BankCode
	return n, nil
}

// HasLatePayment reports whether the gateway captured money for the order
// after it was cancelled unpaid.
func (o *Order) HasLatePayment() bool {
	return o.Status == StatusCancelled && o.PaidAt == nil && o.GatewayTxnNo != ""
}

// Ship records the seller's shipment and opens the inspection window.
func (o *Order) Ship(trackingNumber string, window time.Duration, now time.Time) (*Order, error) {
	if o.Status != StatusPaid {
		return nil, o.conflict(EventShip)
	}
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return nil, &ValidationError{Field: "trackingNumber", Message: "is required"}
	}
	if window <= 0 {
		window = DefaultInspectionWindow
	}
	deadline := now.Add(window)

	n := o.next(now)
	n.Status = StatusShipped
	n.TrackingNumber = trackingNumber
	n.ShippedAt = &now
	n.InspectionDeadline = &deadline
	return n, nil
}

// Dispute freezes escrow while the buyer's complaint is reviewed.
func (o *Order) Dispute(reason string, evidence []string, now time.Time) (*Order, error) {
	if o.Status != StatusShipped && o.Status != StatusInspecting {
		return nil, o.conflict(EventDispute)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Message: "is required"}
	}
	if len(evidence) > MaxDisputeEvidence {
		return nil, &ValidationError{Field: "evidence", Message: fmt.Sprintf("at most %d items", MaxDisputeEvidence)}
	}

	n := o.next(now)
	n.Status = StatusDisputed
	n.DisputeReason = reason
	n.DisputeEvidence = append([]string(nil), evidence...)
	n.DisputedAt = &now
	return n, nil
}

// Release completes the order and releases escrow to the seller. Disputed
// orders are never releasable.
func (o *Order) Release(trigger ReleaseTrigger, now time.Time) (*Order, error) {
	if o.Status != StatusShipped && o.Status != StatusInspecting {
		return nil, o.conflict(trigger.Event())
	}
	if o.EscrowStatus != EscrowHeld {
		return nil, o.conflict(trigger.Event())
	}
	n := o.next(now)
	n.Status = StatusCompleted
	n.EscrowStatus = EscrowReleased
	n.CompletedAt = &now
	if trigger == TriggerBuyerConfirm && n.DeliveredAt == nil {
		n.DeliveredAt = &now
	}
	return n, nil
}

// Refund cancels the order and returns escrow to the buyer.
func (o *Order) Refund(now time.Time) (*Order, error) {
	switch o.Status {
	case StatusPaid, StatusShipped, StatusInspecting, StatusDisputed:
	default:
		return nil, o.conflict(EventRefund)
	}
	if o.EscrowStatus != EscrowHeld {
		return nil, o.conflict(EventRefund)
	}
	n := o.next(now)
	n.Status = StatusCancelled
	n.EscrowStatus = EscrowRefunded
	n.CancelledAt = &now
	return n, nil
}

// StateConflictError reports an event that is not legal in the current state.
type StateConflictError struct {
	Current Status `json:"current"`
	Event   Event  `json:"event"`
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s an order that is %s", e.Event, e.Current)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

func (e *ValidationError) Unwrap() error { return ErrValidation }
