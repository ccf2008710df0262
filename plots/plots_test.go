package plots_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/internal/cache"
	"github.com/warp/rewards-ledger/internal/events"
	"github.com/warp/rewards-ledger/plots"
	"github.com/warp/rewards-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestService(t *testing.T, dbPath string) (*plots.Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	lru, err := cache.NewLRUCache(16)
	require.NoError(t, err)

	mgr := events.NewManager(true)
	t.Cleanup(mgr.Shutdown)

	coord := generic.NewCoordinator(store)
	coord.Clock = generic.NewFixedClock(time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC))
	coord.Events = mgr
	svc := plots.NewService(coord, cache.NewReadThrough(lru, time.Minute))
	svc.Watch(mgr)
	return svc, store
}

func fund(t *testing.T, svc *plots.Service, user generic.UserID, points int64) {
	t.Helper()
	_, err := svc.Ledger.ApplyReward(context.Background(), generic.Reward{
		UserID: user, Kind: generic.SourceReview, Key: "seed-" + string(user), Points: points,
	})
	require.NoError(t, err)
}

// =============================================================================
// PURCHASE
// =============================================================================

func TestPurchase_DebitsAndTransfersOwnership(t *testing.T) {
	svc, store := newTestService(t, ":memory:")
	ctx := context.Background()
	fund(t, svc, "alice", 150)
	plot, err := svc.Create(ctx, generic.Plot{ID: "plot-1", Name: "Meadow", PointsPrice: 100})
	require.NoError(t, err)
	assert.True(t, plot.IsAvailable)

	got, err := svc.Purchase(ctx, "alice", "plot-1")

	require.NoError(t, err)
	assert.Equal(t, generic.UserID("alice"), got.Plot.OwnerID)
	assert.False(t, got.Plot.IsAvailable)
	assert.Equal(t, int64(50), got.Balance.CurrentPoints)
	assert.Equal(t, int64(100), got.Balance.PointsSpent)
	assert.Equal(t, int64(-100), got.Entry.PointsDelta)

	stored, err := store.GetPlot(ctx, "plot-1")
	require.NoError(t, err)
	assert.Equal(t, generic.UserID("alice"), stored.OwnerID)
	require.NotNil(t, stored.PurchasedAt)

	owned, err := svc.Owned(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "plot-1", owned[0].ID)
}

func TestPurchase_InsufficientBalanceChangesNothing(t *testing.T) {
	svc, store := newTestService(t, ":memory:")
	ctx := context.Background()
	fund(t, svc, "alice", 100)
	_, err := svc.Create(ctx, generic.Plot{ID: "plot-1", Name: "Orchard", PointsPrice: 150})
	require.NoError(t, err)

	_, err = svc.Purchase(ctx, "alice", "plot-1")

	var insufficient *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "50", insufficient.Shortfall.String())
	b, _ := store.GetBalance(ctx, "alice")
	assert.Equal(t, int64(100), b.CurrentPoints)
	p, _ := store.GetPlot(ctx, "plot-1")
	assert.True(t, p.IsAvailable)
	assert.Empty(t, p.OwnerID)
}

func TestPurchase_AlreadySoldToSomeoneElse(t *testing.T) {
	svc, store := newTestService(t, ":memory:")
	ctx := context.Background()
	fund(t, svc, "alice", 100)
	fund(t, svc, "bob", 100)
	_, err := svc.Create(ctx, generic.Plot{ID: "plot-1", Name: "Meadow", PointsPrice: 100})
	require.NoError(t, err)
	_, err = svc.Purchase(ctx, "alice", "plot-1")
	require.NoError(t, err)

	_, err = svc.Purchase(ctx, "bob", "plot-1")

	var unavailable *generic.ResourceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "plot-1", unavailable.ResourceID)
	b, _ := store.GetBalance(ctx, "bob")
	assert.Equal(t, int64(100), b.CurrentPoints)
	assert.Equal(t, int64(0), b.PointsSpent)
}

func TestPurchase_RetryByOwnerIsDuplicate(t *testing.T) {
	svc, store := newTestService(t, ":memory:")
	ctx := context.Background()
	fund(t, svc, "alice", 300)
	_, err := svc.Create(ctx, generic.Plot{ID: "plot-1", Name: "Meadow", PointsPrice: 100})
	require.NoError(t, err)
	_, err = svc.Purchase(ctx, "alice", "plot-1")
	require.NoError(t, err)

	_, err = svc.Purchase(ctx, "alice", "plot-1")

	assert.ErrorIs(t, err, generic.ErrDuplicateEvent)
	b, _ := store.GetBalance(ctx, "alice")
	assert.Equal(t, int64(200), b.CurrentPoints)
}

func TestPurchase_UnknownPlot(t *testing.T) {
	svc, _ := newTestService(t, ":memory:")
	_, err := svc.Purchase(context.Background(), "alice", "nope")
	assert.ErrorIs(t, err, generic.ErrPlotNotFound)
}

func TestPurchase_ConcurrentBuyersExactlyOneWins(t *testing.T) {
	// GIVEN: A file-backed database and ten funded buyers
	svc, store := newTestService(t, filepath.Join(t.TempDir(), "race.db"))
	ctx := context.Background()
	_, err := svc.Create(ctx, generic.Plot{ID: "plot-1", Name: "Hilltop", PointsPrice: 100})
	require.NoError(t, err)

	var users []generic.UserID
	for i := 0; i < 10; i++ {
		u := generic.UserID(fmt.Sprintf("buyer-%d", i))
		fund(t, svc, u, 100)
		users = append(users, u)
	}

	// WHEN: All of them try to buy at once
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []generic.UserID
	)
	for _, u := range users {
		wg.Add(1)
		go func(u generic.UserID) {
			defer wg.Done()
			_, err := svc.Purchase(ctx, u, "plot-1")
			if err == nil {
				mu.Lock()
				winners = append(winners, u)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, generic.ErrResourceUnavailable)
		}(u)
	}
	wg.Wait()

	// THEN: One owner, one debit, everyone else untouched
	require.Len(t, winners, 1)
	p, err := store.GetPlot(ctx, "plot-1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], p.OwnerID)

	for _, u := range users {
		b, err := store.GetBalance(ctx, u)
		require.NoError(t, err)
		assert.NoError(t, b.CheckInvariants())
		if u == winners[0] {
			assert.Equal(t, int64(0), b.CurrentPoints)
		} else {
			assert.Equal(t, int64(100), b.CurrentPoints, "user %s", u)
		}
	}
}

// =============================================================================
// CATALOGUE
// =============================================================================

func TestAvailable_CacheInvalidatedOnCreateAndPurchase(t *testing.T) {
	svc, _ := newTestService(t, ":memory:")
	ctx := context.Background()
	fund(t, svc, "alice", 100)

	_, err := svc.Create(ctx, generic.Plot{ID: "plot-a", Name: "A", PointsPrice: 50})
	require.NoError(t, err)
	avail, err := svc.Available(ctx)
	require.NoError(t, err)
	require.Len(t, avail, 1)

	_, err = svc.Create(ctx, generic.Plot{ID: "plot-b", Name: "B", PointsPrice: 20})
	require.NoError(t, err)
	avail, err = svc.Available(ctx)
	require.NoError(t, err)
	require.Len(t, avail, 2)
	assert.Equal(t, "plot-b", avail[0].ID, "cheapest first")

	_, err = svc.Purchase(ctx, "alice", "plot-b")
	require.NoError(t, err)
	avail, err = svc.Available(ctx)
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, "plot-a", avail[0].ID)

	assert.Positive(t, svc.Catalog.Stats().Hits+svc.Catalog.Stats().Misses)
}

func TestAvailable_AnyCommittedPlotSpendInvalidatesCatalogue(t *testing.T) {
	// GIVEN: A cached catalogue with one plot
	svc, _ := newTestService(t, ":memory:")
	ctx := context.Background()
	fund(t, svc, "alice", 100)
	_, err := svc.Create(ctx, generic.Plot{ID: "plot-a", Name: "A", PointsPrice: 50})
	require.NoError(t, err)
	avail, err := svc.Available(ctx)
	require.NoError(t, err)
	require.Len(t, avail, 1)

	// WHEN: The plot is claimed through the coordinator directly
	_, err = svc.Ledger.ApplySpend(ctx, generic.Spend{
		UserID: "alice", Kind: generic.SourcePlot, Key: "plot-a", Cost: 50,
		Claim: func(ctx context.Context, tx generic.Store, entry generic.LedgerEntry) error {
			return tx.ClaimPlot(ctx, "plot-a", "alice", entry.CreatedAt)
		},
	})
	require.NoError(t, err)

	// THEN: The next read reloads from the store
	avail, err = svc.Available(ctx)
	require.NoError(t, err)
	assert.Empty(t, avail)
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService(t, ":memory:")
	ctx := context.Background()

	_, err := svc.Create(ctx, generic.Plot{Name: "  ", PointsPrice: 10})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
	_, err = svc.Create(ctx, generic.Plot{Name: "Bad", PointsPrice: -1})
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)

	p, err := svc.Create(ctx, generic.Plot{Name: "Generated"})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	_, err = svc.Create(ctx, generic.Plot{ID: p.ID, Name: "Again"})
	assert.ErrorIs(t, err, generic.ErrPlotExists)
}
