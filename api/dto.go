/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain records from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Composite response wrappers

AMOUNTS:
  Points are JSON integers. Cashback is a string with exactly two decimal
  places ("5.00") so clients never see binary floating point.

TYPES:
  Balance:   BalanceDTO, SummaryDTO, BalanceResponse, EntryDTO
  Check-in:  CheckinResponse, CheckinStatusDTO, CheckinDTO
  Reviews:   SubmitReviewRequest, ReviewDTO, ApprovalResponse
  Referrals: RegisterReferralRequest, ReferralCodeDTO, ReferralDTO, CompleteOrderRequest, PayoutDTO
  Plots:     CreatePlotRequest, PlotDTO, PurchaseResponse
  Admin:     RulesDTO, ReconciliationRunDTO, ReconcileResponse, ReconciliationRunDetailDTO
  Scenarios: ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the workflow services, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/rewards-ledger/checkin"
	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/reconcile"
	"github.com/warp/rewards-ledger/referrals"
	"github.com/warp/rewards-ledger/rewards"
)

// =============================================================================
// BALANCE & LEDGER
// =============================================================================

type BalanceDTO struct {
	UserID          string `json:"user_id"`
	CurrentPoints   int64  `json:"current_points"`
	LifetimePoints  int64  `json:"lifetime_points"`
	PointsSpent     int64  `json:"points_spent"`
	CashbackBalance string `json:"cashback_balance"`
	CashbackEarned  string `json:"cashback_earned"`
	CashbackUsed    string `json:"cashback_used"`
	UpdatedAt       string `json:"updated_at,omitempty"`
}

type SummaryDTO struct {
	TotalPointsEarned int64 `json:"total_points_earned"`
	ReviewCount       int64 `json:"review_count"`
	RatingCount       int64 `json:"rating_count"`
}

type CheckinTotalsDTO struct {
	TotalCheckins int64  `json:"total_checkins"`
	TotalPoints   int64  `json:"total_points"`
	FirstDate     string `json:"first_date,omitempty"`
	LastDate      string `json:"last_date,omitempty"`
}

type ReferralTotalsDTO struct {
	Pending        int64  `json:"pending"`
	Earned         int64  `json:"earned"`
	Void           int64  `json:"void"`
	PointsEarned   int64  `json:"points_earned"`
	CashbackEarned string `json:"cashback_earned"`
}

// BalanceResponse is the read-only dashboard for one user.
type BalanceResponse struct {
	Balance   BalanceDTO        `json:"balance"`
	Summary   SummaryDTO        `json:"summary"`
	Checkins  CheckinTotalsDTO  `json:"checkins"`
	Referrals ReferralTotalsDTO `json:"referrals"`
	Streak    int               `json:"streak"`
}

// EntryDTO represents one ledger entry.
type EntryDTO struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Kind          string            `json:"kind"`
	Key           string            `json:"key"`
	PointsDelta   int64             `json:"points_delta"`
	CashbackDelta string            `json:"cashback_delta"`
	Reason        string            `json:"reason,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     string            `json:"created_at"`
}

// RedeemCashbackRequest spends cashback. Key is the client's idempotency key.
type RedeemCashbackRequest struct {
	Key    string `json:"key"`
	Amount string `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

type RedeemResponse struct {
	Entry   EntryDTO   `json:"entry"`
	Balance BalanceDTO `json:"balance"`
}

// =============================================================================
// CHECK-IN
// =============================================================================

type CheckinResponse struct {
	Success          bool       `json:"success"`
	PointsAwarded    int64      `json:"points_awarded"`
	AlreadyCheckedIn bool       `json:"already_checked_in"`
	Date             string     `json:"date"`
	Streak           int        `json:"streak"`
	Balance          BalanceDTO `json:"balance"`
}

type CheckinDTO struct {
	Date         string `json:"date"`
	PointsEarned int64  `json:"points_earned"`
	CreatedAt    string `json:"created_at"`
}

type CheckinStatusDTO struct {
	Date             string           `json:"date"`
	CheckedInToday   bool             `json:"checked_in_today"`
	Streak           int              `json:"streak"`
	NextReset        string           `json:"next_reset"`
	PointsPerCheckin int64            `json:"points_per_checkin"`
	Recent           []CheckinDTO     `json:"recent"`
	Totals           CheckinTotalsDTO `json:"totals"`
}

// =============================================================================
// REVIEWS
// =============================================================================

type SubmitReviewRequest struct {
	ProductID string `json:"product_id"`
	Rating    *int   `json:"rating,omitempty"`
	Content   string `json:"content"`
}

type EditReviewRequest struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

type ReviewDTO struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	ProductID     string `json:"product_id"`
	Rating        *int   `json:"rating,omitempty"`
	Content       string `json:"content"`
	Status        string `json:"status"`
	PointsAwarded int64  `json:"points_awarded"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

type ApprovalResponse struct {
	Review  ReviewDTO  `json:"review"`
	Balance BalanceDTO `json:"balance"`
}

// =============================================================================
// REFERRALS
// =============================================================================

// RegisterReferralRequest names the referrer directly or by code. A code
// is used when referrer_id is empty.
type RegisterReferralRequest struct {
	ReferrerID string `json:"referrer_id,omitempty"`
	ReferredID string `json:"referred_id"`
	Code       string `json:"code,omitempty"`
}

type ReferralCodeDTO struct {
	Code      string `json:"code"`
	UserID    string `json:"user_id"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at"`
}

type SetReferralCodeActiveRequest struct {
	Active bool `json:"active"`
}

type ReferralDTO struct {
	ID           string `json:"id"`
	ReferrerID   string `json:"referrer_id"`
	ReferredID   string `json:"referred_id"`
	Code         string `json:"code,omitempty"`
	Status       string `json:"status"`
	FirstOrderID string `json:"first_order_id,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// CompleteOrderRequest reports a completed order. Total is a decimal string.
type CompleteOrderRequest struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Total   string `json:"total"`
}

type OutcomeDTO struct {
	UserID    string     `json:"user_id"`
	Points    int64      `json:"points"`
	Cashback  string     `json:"cashback"`
	Applied   bool       `json:"applied"`
	Duplicate bool       `json:"duplicate"`
	Balance   BalanceDTO `json:"balance"`
}

type PayoutDTO struct {
	ReferralID       string     `json:"referral_id"`
	OrderID          string     `json:"order_id"`
	AlreadyProcessed bool       `json:"already_processed"`
	Referrer         OutcomeDTO `json:"referrer"`
	Referred         OutcomeDTO `json:"referred"`
}

type ReferralsResponse struct {
	Totals    ReferralTotalsDTO `json:"totals"`
	Referrals []ReferralDTO     `json:"referrals"`
}

// =============================================================================
// PLOTS
// =============================================================================

type CreatePlotRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	PointsPrice int64  `json:"points_price"`
}

type PurchasePlotRequest struct {
	UserID string `json:"user_id"`
}

type PlotDTO struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	OwnerID     string  `json:"owner_id,omitempty"`
	PointsPrice int64   `json:"points_price"`
	IsAvailable bool    `json:"is_available"`
	PurchasedAt *string `json:"purchased_at,omitempty"`
}

type PurchaseResponse struct {
	Plot    PlotDTO    `json:"plot"`
	Entry   EntryDTO   `json:"entry"`
	Balance BalanceDTO `json:"balance"`
}

// =============================================================================
// RULES & ADMIN
// =============================================================================

type RulesDTO struct {
	CheckinPoints           int64  `json:"checkin_points"`
	ReviewBasePoints        int64  `json:"review_base_points"`
	RatingBonus             int64  `json:"rating_bonus"`
	DetailBonus             int64  `json:"detail_bonus"`
	DetailThreshold         int    `json:"detail_threshold"`
	ReviewCap               int64  `json:"review_cap"`
	ReferrerPoints          int64  `json:"referrer_points"`
	ReferrerCashbackPercent string `json:"referrer_cashback_percent"`
	ReferredCashbackPercent string `json:"referred_cashback_percent"`
}

type ReconciliationRunDTO struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	Users       int     `json:"users"`
	Corrections int     `json:"corrections"`
	Alarms      int     `json:"alarms"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type CorrectionDTO struct {
	UserID   string `json:"user_id"`
	Field    string `json:"field"`
	OldValue int64  `json:"old_value"`
	NewValue int64  `json:"new_value"`
}

type AlarmDTO struct {
	UserID string `json:"user_id"`
	Check  string `json:"check"`
	Detail string `json:"detail"`
}

type ReconcileResponse struct {
	Run         ReconciliationRunDTO `json:"run"`
	Corrections []CorrectionDTO      `json:"corrections"`
	Alarms      []AlarmDTO           `json:"alarms"`
}

// ReconciliationRunDetailDTO is a stored run with its persisted
// corrections. Alarms are only reported by the run that raised them.
type ReconciliationRunDetailDTO struct {
	Run         ReconciliationRunDTO `json:"run"`
	Corrections []CorrectionDTO      `json:"corrections"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response. Retryable is set when the
// unit of work rolled back and the same request may be sent again.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(generic.CashbackPlaces)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func timestampPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timestamp(*t)
	return &s
}

func toBalanceDTO(b generic.UserBalance) BalanceDTO {
	return BalanceDTO{
		UserID:          string(b.UserID),
		CurrentPoints:   b.CurrentPoints,
		LifetimePoints:  b.LifetimePoints,
		PointsSpent:     b.PointsSpent,
		CashbackBalance: money(b.CashbackBalance),
		CashbackEarned:  money(b.CashbackEarned),
		CashbackUsed:    money(b.CashbackUsed),
		UpdatedAt:       timestamp(b.UpdatedAt),
	}
}

func toEntryDTO(e generic.LedgerEntry) EntryDTO {
	return EntryDTO{
		ID:            string(e.ID),
		UserID:        string(e.UserID),
		Kind:          string(e.Kind),
		Key:           e.Key,
		PointsDelta:   e.PointsDelta,
		CashbackDelta: money(e.CashbackDelta),
		Reason:        e.Reason,
		Metadata:      e.Metadata,
		CreatedAt:     timestamp(e.CreatedAt),
	}
}

func toEntryDTOs(entries []generic.LedgerEntry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toCheckinTotalsDTO(t generic.CheckinTotals) CheckinTotalsDTO {
	return CheckinTotalsDTO{
		TotalCheckins: t.TotalCheckins,
		TotalPoints:   t.TotalPoints,
		FirstDate:     t.FirstDate,
		LastDate:      t.LastDate,
	}
}

func toCheckinDTOs(records []generic.CheckinRecord) []CheckinDTO {
	dtos := make([]CheckinDTO, len(records))
	for i, r := range records {
		dtos[i] = CheckinDTO{Date: r.Date, PointsEarned: r.PointsEarned, CreatedAt: timestamp(r.CreatedAt)}
	}
	return dtos
}

func toCheckinStatusDTO(s checkin.Status) CheckinStatusDTO {
	return CheckinStatusDTO{
		Date:             s.Date,
		CheckedInToday:   s.CheckedInToday,
		Streak:           s.Streak,
		NextReset:        timestamp(s.NextReset),
		PointsPerCheckin: s.PointsPerCheckin,
		Recent:           toCheckinDTOs(s.Recent),
		Totals:           toCheckinTotalsDTO(s.Totals),
	}
}

func toReviewDTO(r generic.ReviewRecord) ReviewDTO {
	return ReviewDTO{
		ID:            r.ID,
		UserID:        string(r.UserID),
		ProductID:     r.ProductID,
		Rating:        r.Rating,
		Content:       r.Content,
		Status:        string(r.Status),
		PointsAwarded: r.PointsAwarded,
		CreatedAt:     timestamp(r.CreatedAt),
		UpdatedAt:     timestamp(r.UpdatedAt),
	}
}

func toReferralDTO(r generic.ReferralRecord) ReferralDTO {
	return ReferralDTO{
		ID:           r.ID,
		ReferrerID:   string(r.ReferrerID),
		ReferredID:   string(r.ReferredID),
		Code:         r.Code,
		Status:       string(r.Status),
		FirstOrderID: r.FirstOrderID,
		CreatedAt:    timestamp(r.CreatedAt),
	}
}

func toReferralCodeDTO(c generic.ReferralCode) ReferralCodeDTO {
	return ReferralCodeDTO{
		Code:      c.Code,
		UserID:    string(c.UserID),
		IsActive:  c.IsActive,
		CreatedAt: timestamp(c.CreatedAt),
	}
}

func toReferralTotalsDTO(t generic.ReferralTotals) ReferralTotalsDTO {
	return ReferralTotalsDTO{
		Pending:        t.Pending,
		Earned:         t.Earned,
		Void:           t.Void,
		PointsEarned:   t.PointsEarned,
		CashbackEarned: money(t.CashbackEarned),
	}
}

func toOutcomeDTO(o referrals.Outcome) OutcomeDTO {
	return OutcomeDTO{
		UserID:    string(o.UserID),
		Points:    o.Points,
		Cashback:  money(o.Cashback),
		Applied:   o.Applied,
		Duplicate: o.Duplicate,
		Balance:   toBalanceDTO(o.Balance),
	}
}

func toPayoutDTO(p referrals.Payout) PayoutDTO {
	return PayoutDTO{
		ReferralID:       p.ReferralID,
		OrderID:          p.OrderID,
		AlreadyProcessed: p.AlreadyProcessed,
		Referrer:         toOutcomeDTO(p.Referrer),
		Referred:         toOutcomeDTO(p.Referred),
	}
}

func toPlotDTO(p generic.Plot) PlotDTO {
	return PlotDTO{
		ID:          p.ID,
		Name:        p.Name,
		OwnerID:     string(p.OwnerID),
		PointsPrice: p.PointsPrice,
		IsAvailable: p.IsAvailable,
		PurchasedAt: timestampPtr(p.PurchasedAt),
	}
}

func toPlotDTOs(plots []generic.Plot) []PlotDTO {
	dtos := make([]PlotDTO, len(plots))
	for i, p := range plots {
		dtos[i] = toPlotDTO(p)
	}
	return dtos
}

func toRulesDTO(r rewards.Rules) RulesDTO {
	return RulesDTO{
		CheckinPoints:           r.CheckinPoints,
		ReviewBasePoints:        r.ReviewBasePoints,
		RatingBonus:             r.RatingBonus,
		DetailBonus:             r.DetailBonus,
		DetailThreshold:         r.DetailThreshold,
		ReviewCap:               r.ReviewCap,
		ReferrerPoints:          r.ReferrerPoints,
		ReferrerCashbackPercent: r.ReferrerCashbackPercent.String(),
		ReferredCashbackPercent: r.ReferredCashbackPercent.String(),
	}
}

func toRunDTO(r generic.ReconciliationRun) ReconciliationRunDTO {
	return ReconciliationRunDTO{
		ID:          r.ID,
		Status:      r.Status,
		Users:       r.Users,
		Corrections: r.Corrections,
		Alarms:      r.Alarms,
		Error:       r.Error,
		StartedAt:   timestamp(r.StartedAt),
		CompletedAt: timestampPtr(r.CompletedAt),
	}
}

func toReconcileResponse(rep reconcile.Report) ReconcileResponse {
	resp := ReconcileResponse{
		Run:         toRunDTO(rep.Run),
		Corrections: make([]CorrectionDTO, len(rep.Corrections)),
		Alarms:      make([]AlarmDTO, len(rep.Alarms)),
	}
	for i, c := range rep.Corrections {
		resp.Corrections[i] = toCorrectionDTO(c)
	}
	for i, a := range rep.Alarms {
		resp.Alarms[i] = AlarmDTO{UserID: string(a.UserID), Check: a.Check, Detail: a.Detail}
	}
	return resp
}

func toCorrectionDTO(c generic.Correction) CorrectionDTO {
	return CorrectionDTO{UserID: string(c.UserID), Field: c.Field, OldValue: c.OldValue, NewValue: c.NewValue}
}

func toRunDetailDTO(run generic.ReconciliationRun, corrections []generic.Correction) ReconciliationRunDetailDTO {
	out := ReconciliationRunDetailDTO{Run: toRunDTO(run), Corrections: make([]CorrectionDTO, len(corrections))}
	for i, c := range corrections {
		out.Corrections[i] = toCorrectionDTO(c)
	}
	return out
}
