package checkin_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rewards-ledger/checkin"
	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/rewards"
	"github.com/warp/rewards-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// Store-local time is UTC-5, so 04:59 UTC is still the previous day.
var local = time.FixedZone("UTC-5", -5*60*60)

type fixture struct {
	store *sqlite.Store
	clock *generic.FixedClock
	svc   *checkin.Service
}

func newFixture(t *testing.T, start time.Time) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := generic.NewFixedClock(start)
	coord := generic.NewCoordinator(store)
	coord.Clock = clock
	svc := checkin.NewService(coord, rewards.DefaultRules(), generic.NewCalendar(clock, local))
	return &fixture{store: store, clock: clock, svc: svc}
}

func localTime(day, hour, minute int) time.Time {
	return time.Date(2025, time.March, day, hour, minute, 0, 0, local)
}

// =============================================================================
// CHECK IN
// =============================================================================

func TestCheckIn_FirstCheckinAwardsTenPoints(t *testing.T) {
	// GIVEN: A user with no balance row
	f := newFixture(t, localTime(10, 9, 0))
	ctx := context.Background()

	// WHEN: Checking in for the first time
	res, err := f.svc.CheckIn(ctx, "alice")

	// THEN: 0 -> 10, streak 1
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.AlreadyCheckedIn)
	assert.Equal(t, int64(10), res.PointsAwarded)
	assert.Equal(t, "2025-03-10", res.Date)
	assert.Equal(t, 1, res.Streak)
	assert.Equal(t, int64(10), res.Balance.CurrentPoints)
	assert.Equal(t, int64(10), res.Balance.LifetimePoints)

	s, err := f.store.GetSummary(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), s.TotalPointsEarned)
}

func TestCheckIn_SecondSameDayIsSuccessWithoutPoints(t *testing.T) {
	f := newFixture(t, localTime(10, 9, 0))
	ctx := context.Background()
	_, err := f.svc.CheckIn(ctx, "alice")
	require.NoError(t, err)

	// WHEN: Checking in again later the same local day
	f.clock.Set(localTime(10, 23, 59))
	res, err := f.svc.CheckIn(ctx, "alice")

	// THEN: Not an error, nothing awarded
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.AlreadyCheckedIn)
	assert.Equal(t, int64(0), res.PointsAwarded)
	assert.Equal(t, int64(10), res.Balance.CurrentPoints)
	assert.Equal(t, 1, res.Streak)

	totals, err := f.svc.Totals(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.TotalCheckins)
}

func TestCheckIn_ConcurrentRequestsAwardOnce(t *testing.T) {
	f := newFixture(t, localTime(10, 9, 0))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		awarded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.CheckIn(ctx, "alice")
			assert.NoError(t, err)
			if res.PointsAwarded > 0 {
				mu.Lock()
				awarded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, awarded)
	b, err := f.svc.Ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.CurrentPoints)
}

func TestCheckIn_DayBoundaryIsLocalMidnight(t *testing.T) {
	// GIVEN: 23:59 local, which is already the next day in UTC
	f := newFixture(t, localTime(10, 23, 59))
	ctx := context.Background()
	res, err := f.svc.CheckIn(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-10", res.Date)

	// WHEN: Two minutes later, past local midnight
	f.clock.Advance(2 * time.Minute)
	res, err = f.svc.CheckIn(ctx, "alice")

	// THEN: A new day, a new award
	require.NoError(t, err)
	assert.Equal(t, "2025-03-11", res.Date)
	assert.False(t, res.AlreadyCheckedIn)
	assert.Equal(t, 2, res.Streak)
	assert.Equal(t, int64(20), res.Balance.CurrentPoints)
}

func TestCheckIn_UsesConfiguredPoints(t *testing.T) {
	f := newFixture(t, localTime(10, 9, 0))
	f.svc.Rules.CheckinPoints = 3

	res, err := f.svc.CheckIn(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.PointsAwarded)
}

// =============================================================================
// STREAKS
// =============================================================================

func TestStreak(t *testing.T) {
	f := newFixture(t, localTime(1, 9, 0))
	ctx := context.Background()

	// GIVEN: Check-ins on Mar 1, 2, 3, skip 4, then 5, 6
	for _, day := range []int{1, 2, 3, 5, 6} {
		f.clock.Set(localTime(day, 9, 0))
		_, err := f.svc.CheckIn(ctx, "alice")
		require.NoError(t, err)
	}

	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"same day as last check-in", localTime(6, 20, 0), 2},
		{"day after, not yet checked in", localTime(7, 8, 0), 2},
		{"gap of two days", localTime(8, 8, 0), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.clock.Set(tt.now)
			got, err := f.svc.Streak(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCountStreak(t *testing.T) {
	tests := []struct {
		name  string
		dates []string
		today string
		want  int
	}{
		{"empty", nil, "2025-03-10", 0},
		{"today only", []string{"2025-03-10"}, "2025-03-10", 1},
		{"yesterday only", []string{"2025-03-09"}, "2025-03-10", 1},
		{"stale", []string{"2025-03-08"}, "2025-03-10", 0},
		{"run across month end", []string{"2025-03-01", "2025-02-28", "2025-02-27"}, "2025-03-01", 3},
		{"run broken by gap", []string{"2025-03-10", "2025-03-09", "2025-03-07"}, "2025-03-10", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := checkin.CountStreak(tt.dates, tt.today)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// STATUS & HISTORY
// =============================================================================

func TestStatus(t *testing.T) {
	f := newFixture(t, localTime(9, 9, 0))
	ctx := context.Background()
	_, err := f.svc.CheckIn(ctx, "alice")
	require.NoError(t, err)

	f.clock.Set(localTime(10, 9, 0))
	st, err := f.svc.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-10", st.Date)
	assert.False(t, st.CheckedInToday)
	assert.Equal(t, 1, st.Streak)
	assert.Equal(t, localTime(11, 0, 0), st.NextReset)
	assert.Equal(t, int64(10), st.PointsPerCheckin)
	require.Len(t, st.Recent, 1)

	_, err = f.svc.CheckIn(ctx, "alice")
	require.NoError(t, err)
	st, err = f.svc.Status(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, st.CheckedInToday)
	assert.Equal(t, 2, st.Streak)
	assert.Equal(t, int64(2), st.Totals.TotalCheckins)
	assert.Equal(t, int64(20), st.Totals.TotalPoints)
	assert.Equal(t, "2025-03-09", st.Totals.FirstDate)
	assert.Equal(t, "2025-03-10", st.Totals.LastDate)
}

func TestHistory_NewestFirst(t *testing.T) {
	f := newFixture(t, localTime(1, 9, 0))
	ctx := context.Background()
	for day := 1; day <= 10; day++ {
		f.clock.Set(localTime(day, 9, 0))
		_, err := f.svc.CheckIn(ctx, "alice")
		require.NoError(t, err)
	}

	recs, err := f.svc.History(ctx, "alice", 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "2025-03-10", recs[0].Date)
	assert.Equal(t, "2025-03-08", recs[2].Date)

	all, err := f.svc.History(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}
