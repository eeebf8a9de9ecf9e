package order

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s Store, o *Order) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), o, NewPaymentTransaction(o, o.CreatedAt)))
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	o := pendingOrder()
	seed(t, s, o)

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.PaymentRef, got.PaymentRef)

	byRef, err := s.GetByPaymentRef(ctx, "ORD1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, byRef.ID)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrOrderNotFound))

	dup := pendingOrder()
	dup.ID = "ord-2"
	assert.Error(t, s.Create(ctx, dup, nil), "payment ref must be unique")
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, pendingOrder())

	got, _ := s.Get(context.Background(), "ord-1")
	got.Status = StatusCompleted

	again, _ := s.Get(context.Background(), "ord-1")
	assert.Equal(t, StatusPending, again.Status)
}

func TestMemoryStore_CommitStaleVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	o := pendingOrder()
	seed(t, s, o)

	next, err := o.MarkPaid(PaymentDetails{Amount: o.Amount}, t0)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, 1, next, Change{Settle: &Settlement{Type: TxPayment, Status: TxCompleted}}))

	// A second writer that read version 1 loses.
	other, err := o.MarkPaymentFailed(t0)
	require.NoError(t, err)
	err = s.Commit(ctx, 1, other, Change{})
	assert.True(t, errors.Is(err, ErrStaleWrite))

	got, _ := s.Get(ctx, o.ID)
	assert.Equal(t, StatusPaid, got.Status)

	txs, err := s.Transactions(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, TxCompleted, txs[0].Status)
}

func TestMemoryStore_SettleRequiresPendingEntry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	o := pendingOrder()
	require.NoError(t, s.Create(ctx, o, nil))

	next, _ := o.MarkPaid(PaymentDetails{Amount: o.Amount}, t0)
	err := s.Commit(ctx, 1, next, Change{Settle: &Settlement{Type: TxPayment, Status: TxCompleted}})
	require.Error(t, err)

	got, _ := s.Get(ctx, o.ID)
	assert.Equal(t, StatusPending, got.Status, "failed commit must not apply")
}

func TestMemoryStore_SingleSettlement(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	o := mustShipped(t)
	require.NoError(t, s.Create(ctx, o, nil))

	released, _ := o.Release(TriggerBuyerConfirm, t0)
	require.NoError(t, s.Commit(ctx, o.Version, released, Change{Append: []*Transaction{NewReleaseTransaction(released, TriggerBuyerConfirm, t0)}}))

	// Even with a matching version, a second completed settlement is refused.
	bogus := released.Clone()
	bogus.Version++
	err := s.Commit(ctx, released.Version, bogus, Change{Append: []*Transaction{NewRefundTransaction(bogus, "x", t0)}})
	assert.True(t, errors.Is(err, ErrStaleWrite))
}

func TestMemoryStore_ListReleasable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := t0.Add(100 * time.Hour)

	mk := func(id string, status Status, escrow EscrowStatus, deadline *time.Time) {
		o := pendingOrder()
		o.ID, o.PaymentRef = id, "REF-"+id
		o.Status, o.EscrowStatus, o.InspectionDeadline = status, escrow, deadline
		require.NoError(t, s.Create(ctx, o, nil))
	}
	past := now.Add(-time.Hour)
	earlier := now.Add(-2 * time.Hour)
	future := now.Add(time.Hour)

	mk("due", StatusShipped, EscrowHeld, &past)
	mk("due-earlier", StatusShipped, EscrowHeld, &earlier)
	mk("due-exact", StatusShipped, EscrowHeld, &now)
	mk("not-yet", StatusShipped, EscrowHeld, &future)
	mk("disputed", StatusDisputed, EscrowHeld, &past)
	mk("released", StatusCompleted, EscrowReleased, &past)
	mk("paid", StatusPaid, EscrowHeld, nil)

	due, err := s.ListReleasable(ctx, now, 100)
	require.NoError(t, err)
	ids := make([]string, len(due))
	for i, o := range due {
		ids[i] = o.ID
	}
	assert.Equal(t, []string{"due-earlier", "due", "due-exact"}, ids)

	limited, _ := s.ListReleasable(ctx, now, 2)
	assert.Len(t, limited, 2)
}

func TestMemoryStore_ListPaginates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		o := pendingOrder()
		o.ID = string(rune('a' + i))
		o.PaymentRef = "REF-" + o.ID
		o.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Create(ctx, o, nil))
	}
	other := pendingOrder()
	other.ID, other.PaymentRef, other.BuyerID = "z", "REF-z", "someone-else"
	require.NoError(t, s.Create(ctx, other, nil))

	page, total, err := s.List(ctx, ListFilter{BuyerID: "buyer", Offset: 0, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "e", page[0].ID, "newest first")
	assert.Equal(t, "d", page[1].ID)

	last, _, _ := s.List(ctx, ListFilter{BuyerID: "buyer", Offset: 4, Limit: 2})
	require.Len(t, last, 1)
	assert.Equal(t, "a", last[0].ID)

	empty, total, _ := s.List(ctx, ListFilter{SellerID: "nobody"})
	assert.Empty(t, empty)
	assert.Equal(t, 0, total)
}

func TestMemoryStore_Stats(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mk := func(id string, status Status, escrow EscrowStatus) {
		o := pendingOrder()
		o.ID, o.PaymentRef = id, "REF-"+id
		o.Status, o.EscrowStatus = status, escrow
		require.NoError(t, s.Create(ctx, o, nil))
	}
	mk("pending", StatusPending, EscrowHeld) // unfunded, not counted
	mk("paid", StatusPaid, EscrowHeld)
	mk("disputed", StatusDisputed, EscrowHeld)
	mk("released", StatusCompleted, EscrowReleased)
	mk("refunded", StatusCancelled, EscrowRefunded)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Bucket{Count: 2, Amount: 2_000_000}, stats.Held)
	assert.Equal(t, Bucket{Count: 1, Amount: 950_000}, stats.Released)
	assert.Equal(t, int64(50_000), stats.PlatformFees)
	assert.Equal(t, Bucket{Count: 1, Amount: 1_000_000}, stats.Refunded)
}

func TestApply_RetriesStaleWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s, mustShipped(t))

	var calls atomic.Int32
	o, committed, err := Apply(ctx, s, "ord-1", EventDispute, func(cur *Order) (*Order, Change, error) {
		if calls.Add(1) == 1 {
			// Another writer bumps the version between read and commit.
			bump := cur.Clone()
			bump.Version++
			require.NoError(t, s.Commit(ctx, cur.Version, bump, Change{}))
		}
		next, err := cur.Dispute("broken", nil, t0)
		return next, Change{}, err
	})
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, StatusDisputed, o.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestApply_NilMutationIsNoop(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, pendingOrder())

	o, committed, err := Apply(context.Background(), s, "ord-1", EventPaymentSucceeded, func(*Order) (*Order, Change, error) {
		return nil, Change{}, nil
	})
	require.NoError(t, err)
	assert.False(t, committed)
	assert.Equal(t, int64(1), o.Version)
}

func TestApply_ConcurrentWritersOneWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seed(t, s, mustShipped(t))

	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, _, err = Apply(ctx, s, "ord-1", EventConfirm, func(cur *Order) (*Order, Change, error) {
					next, err := cur.Release(TriggerBuyerConfirm, t0)
					if err != nil {
						return nil, Change{}, err
					}
					return next, Change{Append: []*Transaction{NewReleaseTransaction(next, TriggerBuyerConfirm, t0)}}, nil
				})
			} else {
				_, _, err = Apply(ctx, s, "ord-1", EventDispute, func(cur *Order) (*Order, Change, error) {
					next, err := cur.Dispute("broken", nil, t0)
					return next, Change{}, err
				})
			}
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrStateConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one transition wins")
	assert.Equal(t, int32(19), conflicts.Load())
}
