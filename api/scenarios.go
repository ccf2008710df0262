/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the ledger with realistic
  data for demos. Every scenario goes through the same workflow services
  as real traffic, so balances, summaries and ledger entries are always
  consistent.

AVAILABLE SCENARIOS:
  starter:      One user checks in and gets two reviews approved
  referral:     Referral registered, $200 first order paid out
  plot-market:  Three plots listed, one bought
  drift:        Corrupted review counters, fixed by reconciliation
  full:         All of the above

IDEMPOTENCE:
  Scenarios never reset data. Loading one twice changes nothing the
  second time: duplicates and conflicts are treated as "already loaded".
  Demo users are prefixed "demo-" so they never collide with real ones.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "referral"}

ADDING NEW SCENARIOS:
  1. Add to 'scenarios' slice with ID, name, description
  2. Create loader function: loadXxxScenario(ctx, h)
  3. Add it to 'loaders'

SEE ALSO:
  - handlers.go: Handler dependencies
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/referrals"
	"github.com/warp/rewards-ledger/reviews"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "starter",
		Name:        "Starter",
		Description: "Daily check-in plus two approved reviews (rated and detailed)",
	},
	{
		ID:          "referral",
		Name:        "Referral Payout",
		Description: "Referrer earns 25 points + 2.5% cashback, referred user earns 5% on a $200 order",
	},
	{
		ID:          "plot-market",
		Name:        "Plot Market",
		Description: "Three plots for sale, the cheapest one bought with points",
	},
	{
		ID:          "drift",
		Name:        "Counter Drift",
		Description: "Review counters corrupted behind the ledger's back, then reconciled",
	},
	{
		ID:          "full",
		Name:        "Full Demo",
		Description: "Every scenario above, in order",
	},
}

var loaders = map[string]func(ctx context.Context, h *Handler) error{
	"starter":     loadStarterScenario,
	"referral":    loadReferralScenario,
	"plot-market": loadPlotMarketScenario,
	"drift":       loadDriftScenario,
	"full":        loadFullScenario,
}

const (
	demoAlice = generic.UserID("demo-alice")
	demoBob   = generic.UserID("demo-bob")
)

// Scenarios returns the scenario catalog.
func Scenarios() []ScenarioDTO {
	return append([]ScenarioDTO(nil), scenarios...)
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a demo scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusNotFound, "Unknown scenario", err)
			return
		}
		h.writeDomainError(w, r, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

var errUnknownScenario = errors.New("unknown scenario")

// LoadScenarioByID runs one loader and records it as current.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	load, ok := loaders[id]
	if !ok {
		return fmt.Errorf("%w: %q", errUnknownScenario, id)
	}
	if err := load(ctx, h); err != nil {
		return err
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.log().InfoContext(ctx, "scenario loaded", slog.String("scenario_id", id))
	return nil
}

// =============================================================================
// LOADERS
// =============================================================================

func loadStarterScenario(ctx context.Context, h *Handler) error {
	if _, err := h.Checkin.CheckIn(ctx, demoAlice); err != nil {
		return err
	}

	five, four := 5, 4
	subs := []reviews.Submission{
		{UserID: demoAlice, ProductID: "demo-headphones", Rating: &five,
			Content: "Clear sound, comfortable for long sessions, and the battery easily lasts a full week."},
		{UserID: demoAlice, ProductID: "demo-kettle", Rating: &four, Content: "Boils fast."},
	}
	for _, sub := range subs {
		rec, err := ensureReview(ctx, h, sub)
		if err != nil {
			return err
		}
		if rec.Status != generic.ReviewPending {
			continue
		}
		if _, err := h.Reviews.Approve(ctx, rec.ID); ignoreConflict(err) != nil {
			return err
		}
	}
	return nil
}

func loadReferralScenario(ctx context.Context, h *Handler) error {
	if _, err := h.Referrals.Register(ctx, demoAlice, demoBob, "DEMO-ALICE"); ignoreConflict(err) != nil {
		return err
	}
	_, err := h.Referrals.CompleteOrder(ctx, referrals.Order{
		ID:     "demo-order-1",
		UserID: demoBob,
		Total:  decimal.NewFromInt(200),
	})
	if errors.Is(err, generic.ErrReferralNotEligible) {
		// bob's first order was already paid out by an earlier load
		return nil
	}
	return err
}

func loadPlotMarketScenario(ctx context.Context, h *Handler) error {
	for _, p := range []generic.Plot{
		{ID: "demo-plot-meadow", Name: "Meadow", PointsPrice: 10},
		{ID: "demo-plot-orchard", Name: "Orchard", PointsPrice: 100},
		{ID: "demo-plot-hilltop", Name: "Hilltop", PointsPrice: 250},
	} {
		if _, err := h.Plots.Create(ctx, p); ignoreConflict(err) != nil {
			return err
		}
	}

	if _, err := h.Checkin.CheckIn(ctx, demoBob); err != nil {
		return err
	}
	_, err := h.Plots.Purchase(ctx, demoBob, "demo-plot-meadow")
	return ignoreConflict(err)
}

func loadDriftScenario(ctx context.Context, h *Handler) error {
	if err := loadStarterScenario(ctx, h); err != nil {
		return err
	}
	now := h.Ledger.Clock.Now()
	if err := h.Ledger.Store.SetReviewCounters(ctx, demoAlice, generic.ReviewCounts{Reviews: 7, Ratings: 0}, now); err != nil {
		return err
	}
	_, err := h.Reconcile.RecomputeReviewCounts(ctx)
	return err
}

func loadFullScenario(ctx context.Context, h *Handler) error {
	steps := []struct {
		id   string
		load func(context.Context, *Handler) error
	}{
		{"starter", loadStarterScenario},
		{"referral", loadReferralScenario},
		{"plot-market", loadPlotMarketScenario},
		{"drift", loadDriftScenario},
	}
	for _, step := range steps {
		if err := step.load(ctx, h); err != nil {
			return fmt.Errorf("scenario %s: %w", step.id, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// ensureReview submits the review or returns the one already stored for
// the same product.
func ensureReview(ctx context.Context, h *Handler, sub reviews.Submission) (generic.ReviewRecord, error) {
	rec, err := h.Reviews.Submit(ctx, sub)
	if !errors.Is(err, generic.ErrReviewExists) {
		return rec, err
	}
	existing, err := h.Reviews.List(ctx, generic.ReviewFilter{UserID: sub.UserID})
	if err != nil {
		return generic.ReviewRecord{}, err
	}
	for _, r := range existing {
		if r.ProductID == sub.ProductID {
			return r, nil
		}
	}
	return generic.ReviewRecord{}, fmt.Errorf("%w: review for %s vanished", generic.ErrReviewNotFound, sub.ProductID)
}

func ignoreConflict(err error) error {
	if generic.IsConflict(err) {
		return nil
	}
	return err
}
