package order

import (
	"strconv"
	"time"

	"github.com/techswap/marketplace/internal/idgen"
)

// TxType classifies a ledger entry.
type TxType string

const (
	TxPayment TxType = "payment"
	TxRelease TxType = "release"
	TxRefund  TxType = "refund"
)

// TxStatus is the settlement state of a ledger entry. Entries only move
// from pending to completed or failed.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// Payment methods recorded on transactions.
const (
	MethodGateway       = "vnpay"
	MethodEscrowRelease = "escrow_release"
	MethodEscrowRefund  = "escrow_refund"
)

// Metadata keys on release and refund entries.
const (
	MetaPlatformFee    = "platform_fee"
	MetaReleaseTrigger = "release_trigger"
	MetaRefundReason   = "reason"
	MetaLatePayment    = "late_payment"
)

// Transaction is an append-only ledger entry for an order.
type Transaction struct {
	ID            string            `json:"id"`
	OrderID       string            `json:"orderId"`
	Type          TxType            `json:"type"`
	Status        TxStatus          `json:"status"`
	Amount        int64             `json:"amount"`
	PaymentMethod string            `json:"paymentMethod"`
	GatewayRef    string            `json:"gatewayRef,omitempty"`
	GatewayTxnNo  string            `json:"gatewayTxnNo,omitempty"`
	BankCode      string            `json:"bankCode,omitempty"`
	CardType      string            `json:"cardType,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// NewPaymentTransaction opens the pending gateway payment for o.
func NewPaymentTransaction(o *Order, now time.Time) *Transaction {
	return &Transaction{
		ID:            idgen.New(),
		OrderID:       o.ID,
		Type:          TxPayment,
		Status:        TxPending,
		Amount:        o.Amount,
		PaymentMethod: MethodGateway,
		GatewayRef:    o.PaymentRef,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// NewLatePaymentTransaction records money the gateway captured for an order
// that had already been cancelled.
func NewLatePaymentTransaction(o *Order, p PaymentDetails, cardType string, now time.Time) *Transaction {
	return &Transaction{
		ID:            idgen.New(),
		OrderID:       o.ID,
		Type:          TxPayment,
		Status:        TxCompleted,
		Amount:        p.Amount,
		PaymentMethod: MethodGateway,
		GatewayRef:    o.PaymentRef,
		GatewayTxnNo:  p.TransactionNo,
		BankCode:      p.BankCode,
		CardType:      cardType,
		Metadata:      map[string]string{MetaLatePayment: "true"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// NewReleaseTransaction records the seller payout for a released order.
func NewReleaseTransaction(o *Order, trigger ReleaseTrigger, now time.Time) *Transaction {
	return &Transaction{
		ID:            idgen.New(),
		OrderID:       o.ID,
		Type:          TxRelease,
		Status:        TxCompleted,
		Amount:        o.SellerAmount,
		PaymentMethod: MethodEscrowRelease,
		Metadata: map[string]string{
			MetaPlatformFee:    strconv.FormatInt(o.PlatformFee, 10),
			MetaReleaseTrigger: string(trigger),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewRefundTransaction records the buyer refund for a refunded order.
func NewRefundTransaction(o *Order, reason string, now time.Time) *Transaction {
	return &Transaction{
		ID:            idgen.New(),
		OrderID:       o.ID,
		Type:          TxRefund,
		Status:        TxCompleted,
		Amount:        o.Amount,
		PaymentMethod: MethodEscrowRefund,
		Metadata:      map[string]string{MetaRefundReason: reason},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Settlement flips the pending entry of a type to a final status.
type Settlement struct {
	Type         TxType
	Status       TxStatus
	GatewayTxnNo string
	BankCode     string
	CardType     string
}

// Change is the ledger side of a committed transition.
type Change struct {
	Append []*Transaction
	Settle *Settlement
}
