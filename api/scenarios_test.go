/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
  Each scenario produces the documented balances, and loading a scenario
  a second time changes nothing.
*/
package api_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rewards-ledger/api"
	"github.com/warp/rewards-ledger/generic"
)

func TestScenario_StarterAwardsCheckinAndReviews(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.handler.LoadScenarioByID(ctx, "starter"))

	// check-in 10 + rated detailed review 20 + rated short review 15
	b, err := s.app.Ledger.Balance(ctx, "demo-alice")
	require.NoError(t, err)
	assert.Equal(t, int64(45), b.CurrentPoints)

	sum, err := s.app.Store.GetSummary(ctx, "demo-alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.ReviewCount)
	assert.Equal(t, int64(2), sum.RatingCount)
}

func TestScenario_ReferralMatchesTwoHundredDollarOrder(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.handler.LoadScenarioByID(ctx, "referral"))

	alice, err := s.app.Ledger.Balance(ctx, "demo-alice")
	require.NoError(t, err)
	assert.Equal(t, int64(25), alice.CurrentPoints)
	assert.Equal(t, "5.00", alice.CashbackBalance.StringFixed(2))

	bob, err := s.app.Ledger.Balance(ctx, "demo-bob")
	require.NoError(t, err)
	assert.Equal(t, "10.00", bob.CashbackBalance.StringFixed(2))
}

func TestScenario_DriftIsReconciled(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.handler.LoadScenarioByID(ctx, "drift"))

	sum, err := s.app.Store.GetSummary(ctx, "demo-alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.ReviewCount)
	runs, err := s.app.Store.ListReconciliationRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestScenario_FullIsIdempotent(t *testing.T) {
	// GIVEN: The full demo loaded once
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.handler.LoadScenarioByID(ctx, "full"))

	snapshot := func() map[generic.UserID]generic.UserBalance {
		out := map[generic.UserID]generic.UserBalance{}
		for _, u := range []generic.UserID{"demo-alice", "demo-bob"} {
			b, err := s.app.Ledger.Balance(ctx, u)
			require.NoError(t, err)
			out[u] = b
		}
		return out
	}
	before := snapshot()

	// WHEN: Loading it again
	require.NoError(t, s.handler.LoadScenarioByID(ctx, "full"))

	// THEN: Balances are unchanged
	after := snapshot()
	for u, b := range before {
		assert.Equal(t, b.CurrentPoints, after[u].CurrentPoints, "user %s", u)
		assert.True(t, b.CashbackBalance.Equal(after[u].CashbackBalance), "user %s", u)
	}
	assert.Equal(t, int64(70), after["demo-alice"].CurrentPoints)
	assert.Equal(t, int64(0), after["demo-bob"].CurrentPoints)
	assert.Equal(t, int64(10), after["demo-bob"].PointsSpent)
	for _, b := range after {
		assert.NoError(t, b.CheckInvariants())
	}
}

func TestScenario_HTTP(t *testing.T) {
	s := newTestServer(t)

	list := decode[[]api.ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios", nil))
	assert.NotEmpty(t, list)

	unknown := s.do(t, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusNotFound, unknown.Code)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", api.LoadScenarioRequest{ScenarioID: "plot-market"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	current := decode[api.ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios/current", nil))
	assert.Equal(t, "plot-market", current.ID)

	avail := decode[[]api.PlotDTO](t, s.do(t, http.MethodGet, "/api/plots", nil))
	assert.Len(t, avail, 2)
}

func TestScenario_EveryCatalogEntryLoads(t *testing.T) {
	for _, sc := range api.Scenarios() {
		t.Run(sc.ID, func(t *testing.T) {
			s := newTestServer(t)
			assert.NoError(t, s.handler.LoadScenarioByID(context.Background(), sc.ID))
		})
	}
}
