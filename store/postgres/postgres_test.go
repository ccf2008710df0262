package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/store/postgres"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// Set LEDGER_TEST_POSTGRES_DSN to run these against a disposable database.
// Every test truncates all ledger tables.
const dsnEnv = "LEDGER_TEST_POSTGRES_DSN"

var t0 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}

	ctx := context.Background()
	store, err := postgres.New(ctx, postgres.Config{DSN: dsn, MaxConns: 8})
	require.NoError(t, err)
	require.NoError(t, store.Reset(ctx))
	t.Cleanup(func() { store.Close() })
	return store
}

func entry(user generic.UserID, kind generic.SourceKind, key string, points int64) generic.LedgerEntry {
	return generic.LedgerEntry{
		ID:            generic.EntryID(generic.NewID()),
		UserID:        user,
		Kind:          kind,
		Key:           key,
		PointsDelta:   points,
		CashbackDelta: decimal.Zero,
		Metadata:      map[string]string{"source": "test"},
		CreatedAt:     t0,
	}
}

// =============================================================================
// CONTRACT
// =============================================================================

func TestPostgres_LedgerUniqueness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertEntry(ctx, entry("alice", generic.SourceCheckin, "2025-03-10", 10)))
	err := store.InsertEntry(ctx, entry("alice", generic.SourceCheckin, "2025-03-10", 10))
	assert.ErrorIs(t, err, generic.ErrDuplicateEvent)
	assert.NoError(t, store.InsertEntry(ctx, entry("bob", generic.SourceCheckin, "2025-03-10", 10)))

	entries, err := store.ListEntries(ctx, "alice", generic.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "test", entries[0].Metadata["source"])
}

func TestPostgres_CreditAndConditionalDebit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreditBalance(ctx, "alice", generic.BalanceDelta{Points: 100, Cashback: generic.MustParseDecimal("5.00")}, t0))
	require.NoError(t, store.CreditBalance(ctx, "alice", generic.BalanceDelta{Points: 20}, t0))

	assert.ErrorIs(t, store.DebitPoints(ctx, "alice", 150, t0), generic.ErrInsufficientBalance)
	require.NoError(t, store.DebitPoints(ctx, "alice", 120, t0))
	require.NoError(t, store.DebitCashback(ctx, "alice", generic.MustParseDecimal("1.50"), t0))

	b, err := store.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.CurrentPoints)
	assert.Equal(t, int64(120), b.LifetimePoints)
	assert.Equal(t, int64(120), b.PointsSpent)
	assert.Equal(t, "3.50", b.CashbackBalance.StringFixed(2))
	assert.NoError(t, b.CheckInvariants())
}

func TestPostgres_WithTxRollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx generic.Store) error {
		if err := tx.InsertEntry(ctx, entry("alice", generic.SourceCheckin, "2025-03-10", 10)); err != nil {
			return err
		}
		if err := tx.CreditBalance(ctx, "alice", generic.BalanceDelta{Points: 10}, t0); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	b, err := store.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.CurrentPoints)
	totals, err := store.EntryTotals(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), totals.Count)
}

func TestPostgres_ConcurrentPlotClaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreatePlot(ctx, generic.Plot{ID: "plot-1", Name: "Meadow", PointsPrice: 100, CreatedAt: t0}))

	// GIVEN: 8 buyers race for one plot
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []generic.UserID
	)
	for _, user := range []generic.UserID{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"} {
		wg.Add(1)
		go func(user generic.UserID) {
			defer wg.Done()
			err := store.WithTx(ctx, func(tx generic.Store) error {
				return tx.ClaimPlot(ctx, "plot-1", user, t0)
			})
			if err == nil {
				mu.Lock()
				winners = append(winners, user)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, generic.ErrResourceUnavailable)
		}(user)
	}
	wg.Wait()

	// THEN: exactly one owner
	require.Len(t, winners, 1)
	p, err := store.GetPlot(ctx, "plot-1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], p.OwnerID)
	assert.False(t, p.IsAvailable)
}

func TestPostgres_ReviewsAndReferrals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	four := 4

	r := generic.ReviewRecord{ID: "r1", UserID: "alice", ProductID: "p1", Rating: &four, Content: "ok",
		Status: generic.ReviewPending, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, store.InsertReview(ctx, r))
	r.ID = "r2"
	assert.ErrorIs(t, store.InsertReview(ctx, r), generic.ErrReviewExists)

	require.NoError(t, store.WithTx(ctx, func(tx generic.Store) error {
		if err := tx.LockUser(ctx, "alice"); err != nil {
			return err
		}
		return tx.TransitionReview(ctx, "r1", generic.ReviewPending, generic.ReviewApproved, 15, t0)
	}))
	counts, err := store.ApprovedReviewCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, generic.ReviewCounts{Reviews: 1, Ratings: 1}, counts["alice"])

	ref := generic.ReferralRecord{ID: "ref-1", ReferrerID: "alice", ReferredID: "bob",
		Status: generic.ReferralPending, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, store.InsertReferral(ctx, ref))
	ref.ID, ref.ReferrerID = "ref-2", "carol"
	assert.ErrorIs(t, store.InsertReferral(ctx, ref), generic.ErrReferralExists)
	self := generic.ReferralRecord{ID: "ref-3", ReferrerID: "dave", ReferredID: "dave",
		Status: generic.ReferralPending, CreatedAt: t0, UpdatedAt: t0}
	assert.ErrorIs(t, store.InsertReferral(ctx, self), generic.ErrSelfReferral)

	require.NoError(t, store.MarkReferralEarned(ctx, "ref-1", "order-1", t0))
	got, err := store.GetReferralByReferred(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, generic.ReferralEarned, got.Status)
	assert.Equal(t, "order-1", got.FirstOrderID)
}
