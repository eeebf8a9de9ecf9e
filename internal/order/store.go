package order

import (
	"context"
	"errors"
	"time"

	"github.com/techswap/marketplace/internal/retry"
)

// Store persists orders and their ledger entries.
//
// Commit is the only mutation after Create: it writes next if and only if
// the stored version still equals expectedVersion, and applies change in the
// same atomic step. A lost race returns ErrStaleWrite.
type Store interface {
	Create(ctx context.Context, o *Order, payment *Transaction) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByPaymentRef(ctx context.Context, ref string) (*Order, error)
	Commit(ctx context.Context, expectedVersion int64, next *Order, change Change) error
	List(ctx context.Context, filter ListFilter) ([]*Order, int, error)
	ListReleasable(ctx context.Context, now time.Time, limit int) ([]*Order, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Order, error)
	ListLatePayments(ctx context.Context, limit int) ([]*Order, error)
	Transactions(ctx context.Context, orderID string) ([]*Transaction, error)
	Stats(ctx context.Context) (*EscrowStats, error)
	TransactionTotals(ctx context.Context) (map[TxType]int64, error)
}

// ListFilter selects orders for listing. Empty fields match everything.
type ListFilter struct {
	BuyerID  string
	SellerID string
	Status   Status
	Offset   int
	Limit    int
}

// Bucket is a count and sum of amounts.
type Bucket struct {
	Count  int   `json:"count"`
	Amount int64 `json:"amount"`
}

// EscrowStats summarizes money by escrow state. Held counts Amount of funded
// orders, Released counts SellerAmount with the retained fees in
// PlatformFees, Refunded counts Amount.
type EscrowStats struct {
	Held         Bucket `json:"held"`
	Released     Bucket `json:"released"`
	Refunded     Bucket `json:"refunded"`
	PlatformFees int64  `json:"platformFees"`
}

// fundedStatuses are the statuses in which held escrow is backed by a payment.
var fundedStatuses = []Status{StatusPaid, StatusShipped, StatusInspecting, StatusDisputed}

func isFunded(s Status) bool {
	for _, f := range fundedStatuses {
		if s == f {
			return true
		}
	}
	return false
}

// Mutation computes the next version of cur. Returning a nil order and a nil
// error leaves the order untouched.
type Mutation func(cur *Order) (*Order, Change, error)

var casPolicy = retry.Policy{Attempts: 5, BaseDelay: 2 * time.Millisecond, MaxDelay: 50 * time.Millisecond}

// Apply reads the order, runs mutate, and commits the result, re-reading and
// re-running mutate when a concurrent writer wins. It returns the order as
// stored afterwards and whether this call changed it.
func Apply(ctx context.Context, store Store, id string, event Event, mutate Mutation) (*Order, bool, error) {
	var (
		result    *Order
		committed bool
		last      *Order
	)
	err := retry.Do(ctx, casPolicy, func(ctx context.Context) error {
		cur, err := store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		last = cur

		next, change, err := mutate(cur)
		if err != nil {
			return retry.Permanent(err)
		}
		if next == nil {
			result = cur
			return nil
		}

		if err := store.Commit(ctx, cur.Version, next, change); err != nil {
			if errors.Is(err, ErrStaleWrite) {
				return err
			}
			return retry.Permanent(err)
		}
		result, committed = next, true
		return nil
	})
	if errors.Is(err, ErrStaleWrite) {
		status := StatusPending
		if fresh, gerr := store.Get(ctx, id); gerr == nil {
			status = fresh.Status
		} else if last != nil {
			status = last.Status
		}
		return nil, false, &StateConflictError{Current: status, Event: event}
	}
	if err != nil {
		return nil, false, err
	}
	return result, committed, nil
}
