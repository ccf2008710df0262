package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/reconcile"
	"github.com/warp/rewards-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store *sqlite.Store
	coord *generic.Coordinator
	job   *reconcile.Job
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := generic.NewFixedClock(t0)
	coord := generic.NewCoordinator(store)
	coord.Clock = clock
	job := reconcile.NewJob(store)
	job.Clock = clock
	return &fixture{store: store, coord: coord, job: job}
}

func (f *fixture) checkin(t *testing.T, user generic.UserID, day string) {
	t.Helper()
	_, err := f.coord.ApplyReward(context.Background(), generic.Reward{
		UserID: user, Kind: generic.SourceCheckin, Key: day, Points: 10,
	})
	require.NoError(t, err)
}

// approvedReview writes an approved, rated review the way the review
// workflow does: record, award and counters in one unit.
func (f *fixture) approvedReview(t *testing.T, user generic.UserID, id string, points int64) {
	t.Helper()
	five := 5
	_, err := f.coord.ApplyReward(context.Background(), generic.Reward{
		UserID: user, Kind: generic.SourceReview, Key: id, Points: points,
		Summary: generic.SummaryDelta{Reviews: 1, Ratings: 1},
		Effect: func(ctx context.Context, tx generic.Store, e generic.LedgerEntry) error {
			return tx.InsertReview(ctx, generic.ReviewRecord{
				ID: id, UserID: user, ProductID: "product-" + id, Rating: &five, Content: "great",
				Status: generic.ReviewApproved, PointsAwarded: points, CreatedAt: e.CreatedAt, UpdatedAt: e.CreatedAt,
			})
		},
	})
	require.NoError(t, err)
}

// drift corrupts counters and one balance behind the coordinator's back.
func (f *fixture) drift(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	f.checkin(t, "alice", "2025-03-10")
	f.approvedReview(t, "alice", "r1", 15)
	f.checkin(t, "bob", "2025-03-10")

	require.NoError(t, f.store.SetReviewCounters(ctx, "alice", generic.ReviewCounts{Reviews: 3, Ratings: 0}, t0))
	require.NoError(t, f.store.SetPointsEarned(ctx, "bob", 99, t0))
	require.NoError(t, f.store.CreditBalance(ctx, "carol", generic.BalanceDelta{Points: 5}, t0))
}

// =============================================================================
// JOBS
// =============================================================================

func TestRun_ConsistentDataNeedsNoCorrections(t *testing.T) {
	f := newFixture(t)
	f.checkin(t, "alice", "2025-03-10")
	f.approvedReview(t, "alice", "r1", 15)

	report, err := f.job.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, reconcile.RunCompleted, report.Run.Status)
	assert.Equal(t, 1, report.Run.Users)
	assert.Empty(t, report.Corrections)
	assert.Empty(t, report.Alarms)
}

func TestRun_CorrectsCountersAndReportsBalanceDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.drift(t)

	// WHEN: Reconciling
	report, err := f.job.Run(ctx)
	require.NoError(t, err)

	// THEN: Counters match the event tables again
	alice, err := f.store.GetSummary(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), alice.ReviewCount)
	assert.Equal(t, int64(1), alice.RatingCount)
	assert.Equal(t, int64(25), alice.TotalPointsEarned)

	bob, err := f.store.GetSummary(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bob.TotalPointsEarned)

	// AND: Carol's balance is reported but untouched
	carol, err := f.store.GetBalance(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(5), carol.CurrentPoints)
	require.Len(t, report.Alarms, 1)
	assert.Equal(t, "lifetime_points", report.Alarms[0].Check)

	// AND: Corrections are persisted under the run
	stored, err := f.store.ListCorrections(ctx, report.Run.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "reconcile_report", []byte(report.Render()))
}

func TestRun_SecondRunFindsNothingToCorrect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.drift(t)

	first, err := f.job.Run(ctx)
	require.NoError(t, err)
	require.Len(t, first.Corrections, 3)

	second, err := f.job.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.Corrections)
	assert.Len(t, second.Alarms, 1, "balance drift is never auto-corrected")

	runs, err := f.store.ListReconciliationRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, reconcile.RunCompleted, r.Status)
		require.NotNil(t, r.CompletedAt)
	}
}

func TestRecomputeReviewCounts_OnlyTouchesReviewCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.drift(t)

	report, err := f.job.RecomputeReviewCounts(ctx)
	require.NoError(t, err)

	require.Len(t, report.Corrections, 2)
	for _, c := range report.Corrections {
		assert.Equal(t, generic.UserID("alice"), c.UserID)
	}
	bob, err := f.store.GetSummary(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(99), bob.TotalPointsEarned, "points total is a separate job")
	assert.Empty(t, report.Alarms)
}

func TestRecomputeReviewCounts_UserWithoutReviewsIsZeroed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: alice is consistent, bob claims reviews he never wrote
	f.approvedReview(t, "alice", "r1", 15)
	f.checkin(t, "bob", "2025-03-10")
	require.NoError(t, f.store.SetReviewCounters(ctx, "bob", generic.ReviewCounts{Reviews: 2, Ratings: 1}, t0))

	// WHEN
	report, err := f.job.RecomputeReviewCounts(ctx)

	// THEN: Only bob is corrected, down to zero
	require.NoError(t, err)
	require.Len(t, report.Corrections, 2)
	for _, c := range report.Corrections {
		assert.Equal(t, generic.UserID("bob"), c.UserID)
		assert.Equal(t, int64(0), c.NewValue)
	}
	bob, err := f.store.GetSummary(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bob.ReviewCount)
	assert.Equal(t, int64(0), bob.RatingCount)
	alice, err := f.store.GetSummary(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), alice.ReviewCount)
}

func TestRecomputePointTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.drift(t)

	report, err := f.job.RecomputePointTotals(ctx)
	require.NoError(t, err)

	require.Len(t, report.Corrections, 1)
	c := report.Corrections[0]
	assert.Equal(t, generic.UserID("bob"), c.UserID)
	assert.Equal(t, reconcile.FieldTotalPointsEarned, c.Field)
	assert.Equal(t, int64(99), c.OldValue)
	assert.Equal(t, int64(10), c.NewValue)
}

func TestAuditBalances_NeverWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.drift(t)

	report, err := f.job.AuditBalances(ctx)
	require.NoError(t, err)

	assert.Empty(t, report.Corrections)
	require.Len(t, report.Alarms, 1)
	assert.Equal(t, generic.UserID("carol"), report.Alarms[0].UserID)
	alice, err := f.store.GetSummary(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), alice.ReviewCount)
}

func TestRun_ConcurrencyOfOneMatchesParallel(t *testing.T) {
	f := newFixture(t)
	f.job.Concurrency = 1
	f.drift(t)

	report, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Corrections, 3)
}
