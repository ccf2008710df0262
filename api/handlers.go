/*
handlers.go - HTTP API handlers for the rewards ledger

PURPOSE:
  Exposes the reward workflows via REST API. Handles HTTP request/response
  and JSON serialization, and delegates every mutation to a workflow
  service so that each request is exactly one (or, for referrals, two)
  units of work.

ENDPOINTS:
  Users:
    GET    /api/users/{id}/balance               Balance, summary, totals, streak
    GET    /api/users/{id}/ledger                Ledger entries (?limit=&kind=)
    POST   /api/users/{id}/checkin               Daily check-in
    GET    /api/users/{id}/checkin               Today's status + last 7 days
    GET    /api/users/{id}/checkins              Check-in history (?limit=)
    POST   /api/users/{id}/reviews               Submit a review
    GET    /api/users/{id}/reviews               List the user's reviews (?status=)
    GET    /api/users/{id}/reviews/pending-count Pending review count
    GET    /api/users/{id}/referrals             Referral totals + list
    GET    /api/users/{id}/referral-code         Referral code (issued on first use)
    PUT    /api/users/{id}/referral-code/active  Enable or disable the code
    GET    /api/users/{id}/plots                 Owned plots
    POST   /api/users/{id}/cashback/redeem       Spend cashback

  Reviews:
    GET    /api/reviews/{id}                     Get review
    POST   /api/reviews/{id}/approve             Approve and award
    POST   /api/reviews/{id}/reject              Reject
    PUT    /api/reviews/{id}/content             Edit content (award unchanged)

  Referrals & orders:
    POST   /api/referrals                        Register (by referrer id or code)
    POST   /api/referrals/{id}/void              Void a pending referral
    POST   /api/orders/complete                  Referral payout for an order

  Plots:
    GET    /api/plots                            Available plots (cached)
    POST   /api/plots                            Create plot
    POST   /api/plots/{id}/purchase              Spend points on a plot

  Admin:
    POST   /api/admin/reconcile                  Run reconciliation (?job=)
    GET    /api/admin/reconciliation/runs        Run history
    GET    /api/admin/reconciliation/runs/{id}   One run with its corrections

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the domain
  taxonomy in generic/errors.go:
  - 400: Validation errors, insufficient balance
  - 404: Review, referral or plot not found
  - 409: Duplicate event, resource unavailable, existing review/referral
  - 429: Too many pending reviews
  - 503: Storage failure, rolled back, "retryable": true
  - 500: Anything else

SECURITY NOTE:
  No authentication or authorization. User ids are taken from the path.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/rewards-ledger/checkin"
	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/internal/app"
	"github.com/warp/rewards-ledger/plots"
	"github.com/warp/rewards-ledger/reconcile"
	"github.com/warp/rewards-ledger/referrals"
	"github.com/warp/rewards-ledger/reviews"
	"github.com/warp/rewards-ledger/rewards"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *generic.Coordinator
	Checkin   *checkin.Service
	Reviews   *reviews.Service
	Referrals *referrals.Service
	Plots     *plots.Service
	Reconcile *reconcile.Job
	Rules     rewards.Rules
	Logger    *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over a wired application.
func NewHandler(a *app.App) *Handler {
	return &Handler{
		Ledger:    a.Ledger,
		Checkin:   a.Checkin,
		Reviews:   a.Reviews,
		Referrals: a.Referrals,
		Plots:     a.Plots,
		Reconcile: a.Reconcile,
		Rules:     a.Config.Rewards,
		Logger:    a.Logger.With(slog.String("component", "api")),
	}
}

// =============================================================================
// BALANCE & LEDGER
// =============================================================================

// GetBalance returns the read-only dashboard for a user.
// GET /api/users/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userParam(r)

	balance, err := h.Ledger.Balance(ctx, userID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get balance", err)
		return
	}
	summary, err := h.Ledger.Store.GetSummary(ctx, userID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get summary", err)
		return
	}
	checkins, err := h.Checkin.Totals(ctx, userID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get check-in totals", err)
		return
	}
	refs, err := h.Referrals.Totals(ctx, userID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get referral totals", err)
		return
	}
	streak, err := h.Checkin.Streak(ctx, userID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get streak", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceResponse{
		Balance: toBalanceDTO(balance),
		Summary: SummaryDTO{
			TotalPointsEarned: summary.TotalPointsEarned,
			ReviewCount:       summary.ReviewCount,
			RatingCount:       summary.RatingCount,
		},
		Checkins:  toCheckinTotalsDTO(checkins),
		Referrals: toReferralTotalsDTO(refs),
		Streak:    streak,
	})
}

// GetLedger returns ledger entries, newest first.
// GET /api/users/{id}/ledger?limit=&kind=
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	filter := generic.EntryFilter{Kind: generic.SourceKind(r.URL.Query().Get("kind")), Limit: limit}

	entries, err := h.Ledger.Entries(r.Context(), userParam(r), filter)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list ledger entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// RedeemCashback spends cashback under the client's idempotency key.
// POST /api/users/{id}/cashback/redeem
func (h *Handler) RedeemCashback(w http.ResponseWriter, r *http.Request) {
	var req RedeemCashbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "cashback redemption"
	}

	res, err := h.Ledger.RedeemCashback(r.Context(), userParam(r), req.Key, amount, reason)
	if err != nil {
		h.writeDomainError(w, r, "Failed to redeem cashback", err)
		return
	}
	writeJSON(w, http.StatusCreated, RedeemResponse{Entry: toEntryDTO(res.Entry), Balance: toBalanceDTO(res.Balance)})
}

// =============================================================================
// CHECK-IN
// =============================================================================

// CheckIn awards the daily check-in. A second call on the same local day
// succeeds with already_checked_in=true and awards nothing.
// POST /api/users/{id}/checkin
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	res, err := h.Checkin.CheckIn(r.Context(), userParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to check in", err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyCheckedIn {
		status = http.StatusOK
	}
	writeJSON(w, status, CheckinResponse{
		Success:          res.Success,
		PointsAwarded:    res.PointsAwarded,
		AlreadyCheckedIn: res.AlreadyCheckedIn,
		Date:             res.Date,
		Streak:           res.Streak,
		Balance:          toBalanceDTO(res.Balance),
	})
}

// GetCheckinStatus returns today's status and the last week of check-ins.
// GET /api/users/{id}/checkin
func (h *Handler) GetCheckinStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Checkin.Status(r.Context(), userParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get check-in status", err)
		return
	}
	writeJSON(w, http.StatusOK, toCheckinStatusDTO(status))
}

// ListCheckins returns check-in history, newest first.
// GET /api/users/{id}/checkins?limit=
func (h *Handler) ListCheckins(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	records, err := h.Checkin.History(r.Context(), userParam(r), limit)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list check-ins", err)
		return
	}
	writeJSON(w, http.StatusOK, toCheckinDTOs(records))
}

// =============================================================================
// REVIEWS
// =============================================================================

// SubmitReview stores a review pending moderation.
// POST /api/users/{id}/reviews
func (h *Handler) SubmitReview(w http.ResponseWriter, r *http.Request) {
	var req SubmitReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rec, err := h.Reviews.Submit(r.Context(), reviews.Submission{
		UserID:    userParam(r),
		ProductID: req.ProductID,
		Rating:    req.Rating,
		Content:   req.Content,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to submit review", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReviewDTO(rec))
}

// ListUserReviews returns a user's reviews.
// GET /api/users/{id}/reviews?status=
func (h *Handler) ListUserReviews(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	recs, err := h.Reviews.List(r.Context(), generic.ReviewFilter{
		UserID: userParam(r),
		Status: generic.ReviewStatus(r.URL.Query().Get("status")),
		Limit:  limit,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to list reviews", err)
		return
	}
	dtos := make([]ReviewDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toReviewDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPendingReviewCount returns how many reviews await moderation.
// GET /api/users/{id}/reviews/pending-count
func (h *Handler) GetPendingReviewCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.Reviews.PendingCount(r.Context(), userParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to count pending reviews", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": n, "limit": h.Reviews.MaxPending})
}

// GetReview returns one review.
// GET /api/reviews/{id}
func (h *Handler) GetReview(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Reviews.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get review", err)
		return
	}
	writeJSON(w, http.StatusOK, toReviewDTO(rec))
}

// ApproveReview approves a pending review and awards its points.
// POST /api/reviews/{id}/approve
func (h *Handler) ApproveReview(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reviews.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to approve review", err)
		return
	}
	writeJSON(w, http.StatusOK, ApprovalResponse{Review: toReviewDTO(res.Review), Balance: toBalanceDTO(res.Balance)})
}

// RejectReview rejects a pending review. No points are awarded.
// POST /api/reviews/{id}/reject
func (h *Handler) RejectReview(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Reviews.Reject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to reject review", err)
		return
	}
	writeJSON(w, http.StatusOK, toReviewDTO(rec))
}

// EditReview changes a review's text. The award is never recomputed.
// PUT /api/reviews/{id}/content
func (h *Handler) EditReview(w http.ResponseWriter, r *http.Request) {
	var req EditReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rec, err := h.Reviews.EditContent(r.Context(), chi.URLParam(r, "id"), generic.UserID(req.UserID), req.Content)
	if err != nil {
		h.writeDomainError(w, r, "Failed to edit review", err)
		return
	}
	writeJSON(w, http.StatusOK, toReviewDTO(rec))
}

// =============================================================================
// REFERRALS & ORDERS
// =============================================================================

// RegisterReferral links a referred user to a referrer.
// POST /api/referrals
func (h *Handler) RegisterReferral(w http.ResponseWriter, r *http.Request) {
	var req RegisterReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	var (
		rec generic.ReferralRecord
		err error
	)
	if req.ReferrerID == "" && req.Code != "" {
		rec, err = h.Referrals.RegisterByCode(r.Context(), req.Code, generic.UserID(req.ReferredID))
	} else {
		rec, err = h.Referrals.Register(r.Context(), generic.UserID(req.ReferrerID), generic.UserID(req.ReferredID), req.Code)
	}
	if err != nil {
		h.writeDomainError(w, r, "Failed to register referral", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReferralDTO(rec))
}

// GetReferralCode returns the user's referral code, issuing it on first use.
// GET /api/users/{id}/referral-code
func (h *Handler) GetReferralCode(w http.ResponseWriter, r *http.Request) {
	rc, err := h.Referrals.CodeFor(r.Context(), userParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get referral code", err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralCodeDTO(rc))
}

// SetReferralCodeActive enables or disables the user's referral code.
// PUT /api/users/{id}/referral-code/active
func (h *Handler) SetReferralCodeActive(w http.ResponseWriter, r *http.Request) {
	var req SetReferralCodeActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rc, err := h.Referrals.SetCodeActive(r.Context(), userParam(r), req.Active)
	if err != nil {
		h.writeDomainError(w, r, "Failed to update referral code", err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralCodeDTO(rc))
}

// ListReferrals returns a referrer's totals and referrals.
// GET /api/users/{id}/referrals
func (h *Handler) ListReferrals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userParam(r)

	totals, err := h.Referrals.Totals(ctx, userID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to get referral totals", err)
		return
	}
	recs, err := h.Referrals.List(ctx, userID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list referrals", err)
		return
	}
	resp := ReferralsResponse{Totals: toReferralTotalsDTO(totals), Referrals: make([]ReferralDTO, len(recs))}
	for i, rec := range recs {
		resp.Referrals[i] = toReferralDTO(rec)
	}
	writeJSON(w, http.StatusOK, resp)
}

// VoidReferral voids a pending referral so it never pays out.
// POST /api/referrals/{id}/void
func (h *Handler) VoidReferral(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Referrals.Void(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to void referral", err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralDTO(rec))
}

// CompleteOrder pays the referral rewards for a referred user's first
// order. Reprocessing the same order reports already_processed.
// POST /api/orders/complete
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	var req CompleteOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	total, err := decimal.NewFromString(req.Total)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order total", err)
		return
	}

	payout, err := h.Referrals.CompleteOrder(r.Context(), referrals.Order{
		ID:     req.OrderID,
		UserID: generic.UserID(req.UserID),
		Total:  total,
	})
	if err != nil {
		h.writeDomainError(w, r, "Failed to process order", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(payout))
}

// =============================================================================
// PLOTS
// =============================================================================

// ListPlots returns available plots, cheapest first.
// GET /api/plots
func (h *Handler) ListPlots(w http.ResponseWriter, r *http.Request) {
	avail, err := h.Plots.Available(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list plots", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlotDTOs(avail))
}

// CreatePlot adds a plot to the catalogue.
// POST /api/plots
func (h *Handler) CreatePlot(w http.ResponseWriter, r *http.Request) {
	var req CreatePlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	p, err := h.Plots.Create(r.Context(), generic.Plot{ID: req.ID, Name: req.Name, PointsPrice: req.PointsPrice})
	if err != nil {
		h.writeDomainError(w, r, "Failed to create plot", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlotDTO(p))
}

// PurchasePlot spends the buyer's points on a plot.
// POST /api/plots/{id}/purchase
func (h *Handler) PurchasePlot(w http.ResponseWriter, r *http.Request) {
	var req PurchasePlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Plots.Purchase(r.Context(), generic.UserID(req.UserID), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to purchase plot", err)
		return
	}
	writeJSON(w, http.StatusOK, PurchaseResponse{
		Plot:    toPlotDTO(res.Plot),
		Entry:   toEntryDTO(res.Entry),
		Balance: toBalanceDTO(res.Balance),
	})
}

// ListOwnedPlots returns plots owned by a user.
// GET /api/users/{id}/plots
func (h *Handler) ListOwnedPlots(w http.ResponseWriter, r *http.Request) {
	owned, err := h.Plots.Owned(r.Context(), userParam(r))
	if err != nil {
		h.writeDomainError(w, r, "Failed to list owned plots", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlotDTOs(owned))
}

// =============================================================================
// RULES & ADMIN
// =============================================================================

// GetRules returns the active reward constants.
// GET /api/rules
func (h *Handler) GetRules(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, h.Rules.Table())
		return
	}
	writeJSON(w, http.StatusOK, toRulesDTO(h.Rules))
}

// TriggerReconciliation runs reconciliation synchronously.
// POST /api/admin/reconcile?job=all|reviews|points|balances
func (h *Handler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		report reconcile.Report
		err    error
	)
	switch job := r.URL.Query().Get("job"); job {
	case "", "all":
		report, err = h.Reconcile.Run(ctx)
	case "reviews":
		report, err = h.Reconcile.RecomputeReviewCounts(ctx)
	case "points":
		report, err = h.Reconcile.RecomputePointTotals(ctx)
	case "balances":
		report, err = h.Reconcile.AuditBalances(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown reconciliation job", fmt.Errorf("job %q", job))
		return
	}
	if err != nil {
		h.writeDomainError(w, r, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(report))
}

// ListReconciliationRuns returns recent reconciliation runs, newest first.
// GET /api/admin/reconciliation/runs
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	runs, err := h.Reconcile.Store.ListReconciliationRuns(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list reconciliation runs", err)
		return
	}
	dtos := make([]ReconciliationRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReconciliationRun returns one run with the corrections it persisted.
// GET /api/admin/reconciliation/runs/{id}
func (h *Handler) GetReconciliationRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := h.Reconcile.Store.GetReconciliationRun(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, "Failed to get reconciliation run", err)
		return
	}
	corrections, err := h.Reconcile.Store.ListCorrections(ctx, run.ID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list corrections", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDetailDTO(run, corrections))
}

// =============================================================================
// HELPERS
// =============================================================================

func userParam(r *http.Request) generic.UserID {
	return generic.UserID(chi.URLParam(r, "id"))
}

func limitParam(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", v)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, generic.ErrPendingReviewLimit):
		return http.StatusTooManyRequests
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsConflict(err):
		return http.StatusConflict
	case generic.IsClientError(err):
		return http.StatusBadRequest
	case generic.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log().ErrorContext(r.Context(), message,
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err))
	}

	resp := ErrorResponse{Error: message, Details: err.Error(), Retryable: generic.IsRetryable(err)}
	var insufficient *generic.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		resp.Details = map[string]string{
			"message":   err.Error(),
			"currency":  insufficient.Currency,
			"available": insufficient.Available.String(),
			"requested": insufficient.Requested.String(),
			"shortfall": insufficient.Shortfall.String(),
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func (h *Handler) log() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
