package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	orders map[string]*Order
	byRef  map[string]string
	txs    map[string][]*Transaction
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		byRef:  make(map[string]string),
		txs:    make(map[string][]*Transaction),
	}
}

func (m *MemoryStore) Create(_ context.Context, o *Order, payment *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	if _, exists := m.byRef[o.PaymentRef]; exists {
		return fmt.Errorf("payment reference %s already in use", o.PaymentRef)
	}
	m.orders[o.ID] = o.Clone()
	m.byRef[o.PaymentRef] = o.ID
	if payment != nil {
		m.txs[o.ID] = append(m.txs[o.ID], payment.Clone())
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) GetByPaymentRef(_ context.Context, ref string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[ref]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return m.orders[id].Clone(), nil
}

func (m *MemoryStore) Commit(_ context.Context, expectedVersion int64, next *Order, change Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[next.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if cur.Version != expectedVersion {
		return ErrStaleWrite
	}

	existing := m.txs[next.ID]
	for _, tx := range change.Append {
		if tx.Status == TxCompleted && (tx.Type == TxRelease || tx.Type == TxRefund) && hasCompletedSettlement(existing) {
			return ErrStaleWrite
		}
	}

	settleIdx := -1
	if s := change.Settle; s != nil {
		for i, tx := range existing {
			if tx.Type == s.Type && tx.Status == TxPending {
				settleIdx = i
				break
			}
		}
		if settleIdx < 0 {
			return fmt.Errorf("no pending %s transaction for order %s", s.Type, next.ID)
		}
	}

	// All checks passed; apply atomically.
	if settleIdx >= 0 {
		s := change.Settle
		tx := existing[settleIdx].Clone()
		tx.Status = s.Status
		tx.GatewayTxnNo = s.GatewayTxnNo
		tx.BankCode = s.BankCode
		tx.CardType = s.CardType
		tx.UpdatedAt = next.UpdatedAt
		existing[settleIdx] = tx
	}
	for _, tx := range change.Append {
		existing = append(existing, tx.Clone())
	}
	m.txs[next.ID] = existing
	m.orders[next.ID] = next.Clone()
	return nil
}

func hasCompletedSettlement(txs []*Transaction) bool {
	for _, tx := range txs {
		if tx.Status == TxCompleted && (tx.Type == TxRelease || tx.Type == TxRefund) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Order, int, error) {
	m.mu.RLock()
	var matched []*Order
	for _, o := range m.orders {
		if f.BuyerID != "" && o.BuyerID != f.BuyerID {
			continue
		}
		if f.SellerID != "" && o.SellerID != f.SellerID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		matched = append(matched, o.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset >= total {
		return []*Order{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return matched[f.Offset:end], total, nil
}

func (m *MemoryStore) ListReleasable(_ context.Context, now time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	var result []*Order
	for _, o := range m.orders {
		if o.Status == StatusShipped && o.EscrowStatus == EscrowHeld &&
			o.InspectionDeadline != nil && !o.InspectionDeadline.After(now) {
			result = append(result, o.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].InspectionDeadline.Before(*result[j].InspectionDeadline)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListStalePending(_ context.Context, createdBefore time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	var result []*Order
	for _, o := range m.orders {
		if o.Status == StatusPending && o.CreatedAt.Before(createdBefore) {
			result = append(result, o.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListLatePayments(_ context.Context, limit int) ([]*Order, error) {
	m.mu.RLock()
	var result []*Order
	for _, o := range m.orders {
		if o.HasLatePayment() {
			result = append(result, o.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Transactions(_ context.Context, orderID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.orders[orderID]; !ok {
		return nil, ErrOrderNotFound
	}
	txs := m.txs[orderID]
	result := make([]*Transaction, len(txs))
	for i, tx := range txs {
		result[i] = tx.Clone()
	}
	return result, nil
}

func (m *MemoryStore) Stats(_ context.Context) (*EscrowStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &EscrowStats{}
	for _, o := range m.orders {
		switch o.EscrowStatus {
		case EscrowHeld:
			if isFunded(o.Status) {
				stats.Held.Count++
				stats.Held.Amount += o.Amount
			}
		case EscrowReleased:
			stats.Released.Count++
			stats.Released.Amount += o.SellerAmount
			stats.PlatformFees += o.PlatformFee
		case EscrowRefunded:
			stats.Refunded.Count++
			stats.Refunded.Amount += o.Amount
		}
	}
	return stats, nil
}

func (m *MemoryStore) TransactionTotals(_ context.Context) (map[TxType]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[TxType]int64)
	for _, txs := range m.txs {
		for _, tx := range txs {
			if tx.Status == TxCompleted {
				totals[tx.Type] += tx.Amount
			}
		}
	}
	return totals, nil
}

var _ Store = (*MemoryStore)(nil)
