/*
store.go - Persistence interfaces for the ledger, balances and event tables

PURPOSE:
  Defines the interface between the workflows and the database. Different
  implementations use SQLite (default) or PostgreSQL; both expose the same
  operations inside and outside a unit of work.

KEY INTERFACES:
  LedgerStore:         Append-only ledger entries
  BalanceStore:        Relative credits and conditional debits
  SummaryStore:        Denormalized profile counters
  CheckinStore:        One record per user per day
  ReviewStore:         Reviews and their moderation status
  ReferralStore:       Referral relationships and payout status
  PlotStore:           Plot catalogue and compare-and-set ownership
  ReconciliationStore: Run history and correction audit trail
  Store:               All of the above
  TxStore:             Store + WithTx (atomic multi-table writes)

APPEND-ONLY CONTRACT:
  ledger_entries and checkins have no update or delete operations.
  Corrections never rewrite history; spends are negative entries.

IDEMPOTENCY:
  InsertEntry relies on a UNIQUE (user_id, source_kind, source_key)
  constraint and maps its violation to ErrDuplicateEvent. A pre-check in
  application code would race under concurrent callers; the constraint
  does not.

CONDITIONAL WRITES:
  DebitPoints, DebitCashback, ClaimPlot, TransitionReview and
  MarkReferralEarned are single compare-and-set statements. They never read
  then write.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go:     SQLite (WAL, single writer)
  - store/postgres/postgres.go: PostgreSQL via bun + pgx

SEE ALSO:
  - unit.go: RunUnit, the scoped-transaction helper over TxStore
  - ledger.go: Coordinator built on Store
*/
package generic

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER & BALANCES
// =============================================================================

type LedgerStore interface {
	// InsertEntry appends an entry. Returns ErrDuplicateEvent when the
	// (user, kind, key) triple already exists.
	InsertEntry(ctx context.Context, e LedgerEntry) error

	// ListEntries returns a user's entries, newest first.
	ListEntries(ctx context.Context, userID UserID, filter EntryFilter) ([]LedgerEntry, error)

	// EntryTotals aggregates a user's entries. An empty kind means all kinds.
	EntryTotals(ctx context.Context, userID UserID, kind SourceKind) (EntryTotals, error)
}

type BalanceStore interface {
	// GetBalance returns the user's balance, or a zero balance if the user has
	// never been credited. It never creates a row.
	GetBalance(ctx context.Context, userID UserID) (UserBalance, error)

	// CreditBalance upserts the balance row and adds the delta with relative
	// increments to current, lifetime and cashback components.
	CreditBalance(ctx context.Context, userID UserID, delta BalanceDelta, at time.Time) error

	// DebitPoints moves cost from current_points to points_spent only if
	// current_points >= cost. Returns ErrInsufficientBalance otherwise.
	DebitPoints(ctx context.Context, userID UserID, cost int64, at time.Time) error

	// DebitCashback moves amount from cashback_balance to cashback_used only
	// if the balance covers it. Returns ErrInsufficientBalance otherwise.
	DebitCashback(ctx context.Context, userID UserID, amount decimal.Decimal, at time.Time) error

	// ListUserIDs returns every user known to the balance or summary tables.
	ListUserIDs(ctx context.Context) ([]UserID, error)
}

type SummaryStore interface {
	GetSummary(ctx context.Context, userID UserID) (UserSummary, error)

	// IncrementSummary upserts the summary row with relative increments.
	IncrementSummary(ctx context.Context, userID UserID, delta SummaryDelta, at time.Time) error

	// SetReviewCounters overwrites the review counters (reconciliation only).
	SetReviewCounters(ctx context.Context, userID UserID, counts ReviewCounts, at time.Time) error

	// SetPointsEarned overwrites total_points_earned (reconciliation only).
	SetPointsEarned(ctx context.Context, userID UserID, total int64, at time.Time) error

	// LockUser serializes writers for one user for the rest of the unit.
	// Used where an invariant spans rows (the pending review limit).
	LockUser(ctx context.Context, userID UserID) error
}

// =============================================================================
// PER-SOURCE EVENT TABLES
// =============================================================================

type CheckinStore interface {
	// InsertCheckin returns ErrDuplicateEvent if the user already has a
	// record for that date.
	InsertCheckin(ctx context.Context, r CheckinRecord) error

	// ListCheckins returns records newest first. limit <= 0 means all.
	ListCheckins(ctx context.Context, userID UserID, limit int) ([]CheckinRecord, error)

	CheckinTotals(ctx context.Context, userID UserID) (CheckinTotals, error)
}

type ReviewStore interface {
	// InsertReview returns ErrReviewExists on a duplicate (user, product).
	InsertReview(ctx context.Context, r ReviewRecord) error

	GetReview(ctx context.Context, id string) (ReviewRecord, error)

	CountPendingReviews(ctx context.Context, userID UserID) (int, error)

	// TransitionReview moves a review from one status to another and records
	// the award. Returns ErrInvalidTransition if the status is not from.
	TransitionReview(ctx context.Context, id string, from, to ReviewStatus, pointsAwarded int64, at time.Time) error

	UpdateReviewContent(ctx context.Context, id string, content string, at time.Time) error

	ListReviews(ctx context.Context, filter ReviewFilter) ([]ReviewRecord, error)

	// ApprovedReviewCounts returns authoritative counts per user.
	ApprovedReviewCounts(ctx context.Context) (map[UserID]ReviewCounts, error)
}

type ReferralStore interface {
	// InsertReferral returns ErrReferralExists when the referred user
	// already has a referrer.
	InsertReferral(ctx context.Context, r ReferralRecord) error

	GetReferral(ctx context.Context, id string) (ReferralRecord, error)
	GetReferralByReferred(ctx context.Context, referredID UserID) (ReferralRecord, error)

	// MarkReferralEarned moves pending -> earned and records the order.
	MarkReferralEarned(ctx context.Context, id string, orderID string, at time.Time) error

	// VoidReferral moves pending -> void.
	VoidReferral(ctx context.Context, id string, at time.Time) error

	ListReferrals(ctx context.Context, referrerID UserID) ([]ReferralRecord, error)

	// InsertReferralCode returns ErrReferralCodeExists when the code is
	// taken or the user already has one.
	InsertReferralCode(ctx context.Context, c ReferralCode) error

	// GetReferralCode and GetReferralCodeByUser return ErrReferralCodeNotFound.
	GetReferralCode(ctx context.Context, code string) (ReferralCode, error)
	GetReferralCodeByUser(ctx context.Context, userID UserID) (ReferralCode, error)

	SetReferralCodeActive(ctx context.Context, code string, active bool, at time.Time) error
}

type PlotStore interface {
	CreatePlot(ctx context.Context, p Plot) error
	GetPlot(ctx context.Context, id string) (Plot, error)

	// ClaimPlot sets the owner only while the plot is unowned. Returns
	// ErrResourceUnavailable when the conditional update matches no row.
	ClaimPlot(ctx context.Context, id string, owner UserID, at time.Time) error

	ListPlots(ctx context.Context, filter PlotFilter) ([]Plot, error)
}

// =============================================================================
// RECONCILIATION - Run history and corrections
// =============================================================================

type ReconciliationRun struct {
	ID          string
	Status      string // running, completed, failed
	Users       int
	Corrections int
	Alarms      int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Correction records one counter overwritten by reconciliation.
type Correction struct {
	ID        string
	RunID     string
	UserID    UserID
	Field     string
	OldValue  int64
	NewValue  int64
	CreatedAt time.Time
}

type ReconciliationStore interface {
	SaveReconciliationRun(ctx context.Context, r ReconciliationRun) error
	ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error)
	// GetReconciliationRun returns ErrRunNotFound for an unknown id.
	GetReconciliationRun(ctx context.Context, id string) (ReconciliationRun, error)
	InsertCorrection(ctx context.Context, c Correction) error
	ListCorrections(ctx context.Context, runID string) ([]Correction, error)
}

// =============================================================================
// STORE - Everything, usable inside or outside a unit of work
// =============================================================================

type Store interface {
	LedgerStore
	BalanceStore
	SummaryStore
	CheckinStore
	ReviewStore
	ReferralStore
	PlotStore
	ReconciliationStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
