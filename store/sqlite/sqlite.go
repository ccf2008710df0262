/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.Store and generic.TxStore using SQLite. This is the
  default backend for the server, the CLI and every test in the repository.
  store/postgres implements the same contract for PostgreSQL.

INTERFACES IMPLEMENTED:
  generic.Store:   Ledger, balances, summaries and per-source event tables
  generic.TxStore: WithTx for atomic multi-table writes

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on ledger_entries or checkins
  - Spends are negative entries, never edits

KEY TABLES:
  ledger_entries:             One row per reward/spend, unique per source
  user_balances:              Points and cashback aggregates (cents)
  user_summaries:             Informational counters
  checkins / reviews / referrals / plots: per-source event tables
  reconciliation_runs / reconciliation_corrections: audit trail

CONSTRAINTS:
  Correctness lives in the schema, not in application pre-checks:
  - idx_ledger_source:     UNIQUE (user_id, source_kind, source_key)
  - checkins primary key:  (user_id, checkin_date)
  - reviews:               UNIQUE (user_id, product_id)
  - referrals:             UNIQUE referred_id, UNIQUE (referrer_id, referred_id)
  - referral_codes:        code primary key, UNIQUE user_id
  - plots:                 owner_id IS NULL exactly when is_available
  - user_balances:         CHECK non-negative components

CONCURRENCY:
  The database is opened with a single connection, WAL and a busy timeout.
  A transaction holds the only connection, so units of work serialize in
  the driver instead of behind an application mutex. Balance updates are
  relative increments and ownership changes are conditional updates.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  coord := generic.NewCoordinator(store)

MIGRATION:
  Schema is auto-migrated on New(). Every statement is idempotent.

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/unit.go: RunUnit over WithTx
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/rewards-ledger/generic"
)

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store implements generic.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement. Store runs them on the database and
// WithTx runs them on the transaction.
type queries struct {
	q querier
}

var _ generic.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		source_key TEXT NOT NULL,
		points_delta INTEGER NOT NULL,
		cashback_cents INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: one entry per source event per user
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_source
		ON ledger_entries(user_id, source_kind, source_key);

	CREATE INDEX IF NOT EXISTS idx_ledger_user_created
		ON ledger_entries(user_id, created_at DESC);

	-- Balances (materialized from the ledger, relative updates only)
	CREATE TABLE IF NOT EXISTS user_balances (
		user_id TEXT PRIMARY KEY,
		current_points INTEGER NOT NULL DEFAULT 0 CHECK (current_points >= 0),
		lifetime_points INTEGER NOT NULL DEFAULT 0 CHECK (lifetime_points >= 0),
		points_spent INTEGER NOT NULL DEFAULT 0 CHECK (points_spent >= 0),
		cashback_cents INTEGER NOT NULL DEFAULT 0 CHECK (cashback_cents >= 0),
		cashback_earned_cents INTEGER NOT NULL DEFAULT 0,
		cashback_used_cents INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Profile counters
	CREATE TABLE IF NOT EXISTS user_summaries (
		user_id TEXT PRIMARY KEY,
		total_points_earned INTEGER NOT NULL DEFAULT 0,
		review_count INTEGER NOT NULL DEFAULT 0,
		rating_count INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Check-ins (one per user per local day)
	CREATE TABLE IF NOT EXISTS checkins (
		user_id TEXT NOT NULL,
		checkin_date TEXT NOT NULL,
		points_earned INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (user_id, checkin_date)
	);

	-- Reviews
	CREATE TABLE IF NOT EXISTS reviews (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		rating INTEGER CHECK (rating IS NULL OR rating BETWEEN 1 AND 5),
		content TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected')),
		points_awarded INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (user_id, product_id)
	);

	CREATE INDEX IF NOT EXISTS idx_reviews_user_status
		ON reviews(user_id, status);

	-- Referrals
	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		referred_id TEXT NOT NULL UNIQUE,
		referral_code TEXT,
		reward_status TEXT NOT NULL CHECK (reward_status IN ('pending', 'earned', 'void')),
		first_order_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (referrer_id, referred_id),
		CHECK (referrer_id <> referred_id)
	);

	CREATE INDEX IF NOT EXISTS idx_referrals_referrer
		ON referrals(referrer_id);

	-- Referral codes (one per user)
	CREATE TABLE IF NOT EXISTS referral_codes (
		code TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Plots (owner set exactly when unavailable)
	CREATE TABLE IF NOT EXISTS plots (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT,
		points_price INTEGER NOT NULL CHECK (points_price >= 0),
		is_available INTEGER NOT NULL DEFAULT 1,
		purchased_at TEXT,
		created_at TEXT NOT NULL,
		CHECK ((owner_id IS NULL AND is_available = 1) OR (owner_id IS NOT NULL AND is_available = 0))
	);

	CREATE INDEX IF NOT EXISTS idx_plots_owner
		ON plots(owner_id) WHERE owner_id IS NOT NULL;

	-- Reconciliation audit trail
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		users INTEGER NOT NULL DEFAULT 0,
		corrections INTEGER NOT NULL DEFAULT 0,
		alarms INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS reconciliation_corrections (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		field TEXT NOT NULL,
		old_value INTEGER NOT NULL,
		new_value INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_corrections_run
		ON reconciliation_corrections(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// Reset deletes all rows. Used by demo scenarios and tests only.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"ledger_entries", "user_balances", "user_summaries", "checkins",
		"reviews", "referrals", "referral_codes", "plots", "reconciliation_runs", "reconciliation_corrections",
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, table := range tables {
		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return sqlTx.Commit()
}

// =============================================================================
// LEDGER (generic.LedgerStore)
// =============================================================================

// InsertEntry appends a ledger entry.
func (qs *queries) InsertEntry(ctx context.Context, e generic.LedgerEntry) error {
	cents, err := generic.CashbackToCents(e.CashbackDelta)
	if err != nil {
		return err
	}
	var metadataJSON sql.NullString
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, user_id, source_kind, source_key, points_delta, cashback_cents, reason, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(e.ID),
		string(e.UserID),
		string(e.Kind),
		e.Key,
		e.PointsDelta,
		cents,
		nullString(e.Reason),
		metadataJSON,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// ListEntries returns a user's entries, newest first.
func (qs *queries) ListEntries(ctx context.Context, userID generic.UserID, filter generic.EntryFilter) ([]generic.LedgerEntry, error) {
	query := `
		SELECT id, user_id, source_kind, source_key, points_delta, cashback_cents,
		       reason, metadata_json, created_at
		FROM ledger_entries
		WHERE user_id = ?`
	args := []any{string(userID)}
	if filter.Kind != "" {
		query += ` AND source_kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []generic.LedgerEntry
	for rows.Next() {
		var (
			e                           generic.LedgerEntry
			id, userIDStr, kind         string
			cents                       int64
			reason, metadata, createdAt sql.NullString
		)
		if err := rows.Scan(&id, &userIDStr, &kind, &e.Key, &e.PointsDelta, &cents,
			&reason, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.ID = generic.EntryID(id)
		e.UserID = generic.UserID(userIDStr)
		e.Kind = generic.SourceKind(kind)
		e.CashbackDelta = generic.CashbackFromCents(cents)
		e.Reason = reason.String
		e.CreatedAt = parseTime(createdAt.String)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for entry %s: %w", id, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EntryTotals aggregates a user's entries.
func (qs *queries) EntryTotals(ctx context.Context, userID generic.UserID, kind generic.SourceKind) (generic.EntryTotals, error) {
	var (
		t                  generic.EntryTotals
		earnedC, usedCents int64
	)
	err := qs.q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN points_delta > 0 THEN points_delta END), 0),
		       COALESCE(SUM(CASE WHEN points_delta < 0 THEN -points_delta END), 0),
		       COALESCE(SUM(CASE WHEN cashback_cents > 0 THEN cashback_cents END), 0),
		       COALESCE(SUM(CASE WHEN cashback_cents < 0 THEN -cashback_cents END), 0)
		FROM ledger_entries
		WHERE user_id = ? AND (? = '' OR source_kind = ?)
	`, string(userID), string(kind), string(kind)).Scan(&t.Count, &t.PointsEarned, &t.PointsSpent, &earnedC, &usedCents)
	if err != nil {
		return generic.EntryTotals{}, fmt.Errorf("failed to total ledger entries: %w", err)
	}
	t.CashbackEarned = generic.CashbackFromCents(earnedC)
	t.CashbackUsed = generic.CashbackFromCents(usedCents)
	return t, nil
}

// =============================================================================
// BALANCES (generic.BalanceStore)
// =============================================================================

// GetBalance returns the balance row or a zero balance.
func (qs *queries) GetBalance(ctx context.Context, userID generic.UserID) (generic.UserBalance, error) {
	var (
		b                      generic.UserBalance
		cashback, earned, used int64
		updatedAt              string
	)
	err := qs.q.QueryRowContext(ctx, `
		SELECT current_points, lifetime_points, points_spent,
		       cashback_cents, cashback_earned_cents, cashback_used_cents, updated_at
		FROM user_balances WHERE user_id = ?
	`, string(userID)).Scan(&b.CurrentPoints, &b.LifetimePoints, &b.PointsSpent,
		&cashback, &earned, &used, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ZeroBalance(userID), nil
	}
	if err != nil {
		return generic.UserBalance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	b.UserID = userID
	b.CashbackBalance = generic.CashbackFromCents(cashback)
	b.CashbackEarned = generic.CashbackFromCents(earned)
	b.CashbackUsed = generic.CashbackFromCents(used)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

// CreditBalance upserts the balance row with relative increments.
func (qs *queries) CreditBalance(ctx context.Context, userID generic.UserID, delta generic.BalanceDelta, at time.Time) error {
	cents, err := generic.CashbackToCents(delta.Cashback)
	if err != nil {
		return err
	}
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO user_balances
		(user_id, current_points, lifetime_points, points_spent,
		 cashback_cents, cashback_earned_cents, cashback_used_cents, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, 0, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			current_points = current_points + excluded.current_points,
			lifetime_points = lifetime_points + excluded.lifetime_points,
			cashback_cents = cashback_cents + excluded.cashback_cents,
			cashback_earned_cents = cashback_earned_cents + excluded.cashback_earned_cents,
			updated_at = excluded.updated_at
	`, string(userID), delta.Points, delta.Points, cents, cents, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}

// DebitPoints is a conditional update: it only matches while the balance covers cost.
func (qs *queries) DebitPoints(ctx context.Context, userID generic.UserID, cost int64, at time.Time) error {
	n, err := qs.execAffected(ctx, `
		UPDATE user_balances
		SET current_points = current_points - ?,
		    points_spent = points_spent + ?,
		    updated_at = ?
		WHERE user_id = ? AND current_points >= ?
	`, cost, cost, formatTime(at), string(userID), cost)
	if err != nil {
		return fmt.Errorf("failed to debit points: %w", err)
	}
	if n == 0 {
		return generic.ErrInsufficientBalance
	}
	return nil
}

// DebitCashback is a conditional update on the cashback balance.
func (qs *queries) DebitCashback(ctx context.Context, userID generic.UserID, amount decimal.Decimal, at time.Time) error {
	cents, err := generic.CashbackToCents(amount)
	if err != nil {
		return err
	}
	n, err := qs.execAffected(ctx, `
		UPDATE user_balances
		SET cashback_cents = cashback_cents - ?,
		    cashback_used_cents = cashback_used_cents + ?,
		    updated_at = ?
		WHERE user_id = ? AND cashback_cents >= ?
	`, cents, cents, formatTime(at), string(userID), cents)
	if err != nil {
		return fmt.Errorf("failed to debit cashback: %w", err)
	}
	if n == 0 {
		return generic.ErrInsufficientBalance
	}
	return nil
}

// ListUserIDs returns every user with a balance, summary or review.
func (qs *queries) ListUserIDs(ctx context.Context) ([]generic.UserID, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT user_id FROM user_balances
		UNION SELECT user_id FROM user_summaries
		UNION SELECT user_id FROM reviews
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []generic.UserID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, generic.UserID(id))
	}
	return ids, rows.Err()
}

// =============================================================================
// SUMMARIES (generic.SummaryStore)
// =============================================================================

// GetSummary returns the summary row or a zero summary.
func (qs *queries) GetSummary(ctx context.Context, userID generic.UserID) (generic.UserSummary, error) {
	s := generic.UserSummary{UserID: userID}
	var updatedAt string
	err := qs.q.QueryRowContext(ctx, `
		SELECT total_points_earned, review_count, rating_count, updated_at
		FROM user_summaries WHERE user_id = ?
	`, string(userID)).Scan(&s.TotalPointsEarned, &s.ReviewCount, &s.RatingCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return generic.UserSummary{}, fmt.Errorf("failed to get summary: %w", err)
	}
	s.UpdatedAt = parseTime(updatedAt)
	return s, nil
}

// IncrementSummary upserts the summary row with relative increments.
func (qs *queries) IncrementSummary(ctx context.Context, userID generic.UserID, d generic.SummaryDelta, at time.Time) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO user_summaries (user_id, total_points_earned, review_count, rating_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total_points_earned = total_points_earned + excluded.total_points_earned,
			review_count = review_count + excluded.review_count,
			rating_count = rating_count + excluded.rating_count,
			updated_at = excluded.updated_at
	`, string(userID), d.PointsEarned, d.Reviews, d.Ratings, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to increment summary: %w", err)
	}
	return nil
}

// SetReviewCounters overwrites the review counters.
func (qs *queries) SetReviewCounters(ctx context.Context, userID generic.UserID, c generic.ReviewCounts, at time.Time) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO user_summaries (user_id, total_points_earned, review_count, rating_count, updated_at)
		VALUES (?, 0, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			review_count = excluded.review_count,
			rating_count = excluded.rating_count,
			updated_at = excluded.updated_at
	`, string(userID), c.Reviews, c.Ratings, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to set review counters: %w", err)
	}
	return nil
}

// SetPointsEarned overwrites total_points_earned.
func (qs *queries) SetPointsEarned(ctx context.Context, userID generic.UserID, total int64, at time.Time) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO user_summaries (user_id, total_points_earned, review_count, rating_count, updated_at)
		VALUES (?, ?, 0, 0, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total_points_earned = excluded.total_points_earned,
			updated_at = excluded.updated_at
	`, string(userID), total, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to set points earned: %w", err)
	}
	return nil
}

// LockUser is a no-op: the single connection already serializes units.
func (qs *queries) LockUser(ctx context.Context, userID generic.UserID) error {
	return nil
}

// =============================================================================
// CHECK-INS (generic.CheckinStore)
// =============================================================================

// InsertCheckin records a check-in. The primary key rejects a second one per day.
func (qs *queries) InsertCheckin(ctx context.Context, r generic.CheckinRecord) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO checkins (user_id, checkin_date, points_earned, created_at)
		VALUES (?, ?, ?, ?)
	`, string(r.UserID), r.Date, r.PointsEarned, formatTime(r.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to insert checkin: %w", err)
	}
	return nil
}

// ListCheckins returns check-ins newest first.
func (qs *queries) ListCheckins(ctx context.Context, userID generic.UserID, limit int) ([]generic.CheckinRecord, error) {
	query := `
		SELECT user_id, checkin_date, points_earned, created_at
		FROM checkins
		WHERE user_id = ?
		ORDER BY checkin_date DESC`
	args := []any{string(userID)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkins: %w", err)
	}
	defer rows.Close()

	var records []generic.CheckinRecord
	for rows.Next() {
		var r generic.CheckinRecord
		var uid, createdAt string
		if err := rows.Scan(&uid, &r.Date, &r.PointsEarned, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkin: %w", err)
		}
		r.UserID = generic.UserID(uid)
		r.CreatedAt = parseTime(createdAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// CheckinTotals aggregates a user's check-ins.
func (qs *queries) CheckinTotals(ctx context.Context, userID generic.UserID) (generic.CheckinTotals, error) {
	var t generic.CheckinTotals
	err := qs.q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(points_earned), 0),
		       COALESCE(MIN(checkin_date), ''), COALESCE(MAX(checkin_date), '')
		FROM checkins WHERE user_id = ?
	`, string(userID)).Scan(&t.TotalCheckins, &t.TotalPoints, &t.FirstDate, &t.LastDate)
	if err != nil {
		return generic.CheckinTotals{}, fmt.Errorf("failed to total checkins: %w", err)
	}
	return t, nil
}

// =============================================================================
// REVIEWS (generic.ReviewStore)
// =============================================================================

const reviewColumns = `id, user_id, product_id, rating, content, status, points_awarded, created_at, updated_at`

// InsertReview stores a new review.
func (qs *queries) InsertReview(ctx context.Context, r generic.ReviewRecord) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO reviews (`+reviewColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, string(r.UserID), r.ProductID, nullInt(r.Rating), r.Content, string(r.Status),
		r.PointsAwarded, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrReviewExists
		}
		return fmt.Errorf("failed to insert review: %w", err)
	}
	return nil
}

// GetReview returns a review by id.
func (qs *queries) GetReview(ctx context.Context, id string) (generic.ReviewRecord, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id = ?`, id)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ReviewRecord{}, generic.ErrReviewNotFound
	}
	return r, err
}

// CountPendingReviews counts a user's pending reviews.
func (qs *queries) CountPendingReviews(ctx context.Context, userID generic.UserID) (int, error) {
	var n int
	err := qs.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reviews WHERE user_id = ? AND status = 'pending'`,
		string(userID),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending reviews: %w", err)
	}
	return n, nil
}

// TransitionReview is a compare-and-set on the review status.
func (qs *queries) TransitionReview(ctx context.Context, id string, from, to generic.ReviewStatus, pointsAwarded int64, at time.Time) error {
	n, err := qs.execAffected(ctx, `
		UPDATE reviews SET status = ?, points_awarded = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), pointsAwarded, formatTime(at), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition review: %w", err)
	}
	if n == 0 {
		if _, err := qs.GetReview(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: review %s is not %s", generic.ErrInvalidTransition, id, from)
	}
	return nil
}

// UpdateReviewContent edits the text. The award is untouched.
func (qs *queries) UpdateReviewContent(ctx context.Context, id string, content string, at time.Time) error {
	n, err := qs.execAffected(ctx,
		`UPDATE reviews SET content = ?, updated_at = ? WHERE id = ?`,
		content, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update review: %w", err)
	}
	if n == 0 {
		return generic.ErrReviewNotFound
	}
	return nil
}

// ListReviews returns reviews newest first.
func (qs *queries) ListReviews(ctx context.Context, filter generic.ReviewFilter) ([]generic.ReviewRecord, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, string(filter.UserID))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + reviewColumns + ` FROM reviews`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reviews: %w", err)
	}
	defer rows.Close()

	var reviews []generic.ReviewRecord
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

// ApprovedReviewCounts counts approved reviews and ratings per user.
func (qs *queries) ApprovedReviewCounts(ctx context.Context) (map[generic.UserID]generic.ReviewCounts, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT user_id, COUNT(*), COUNT(rating)
		FROM reviews
		WHERE status = 'approved'
		GROUP BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count reviews: %w", err)
	}
	defer rows.Close()

	counts := make(map[generic.UserID]generic.ReviewCounts)
	for rows.Next() {
		var uid string
		var c generic.ReviewCounts
		if err := rows.Scan(&uid, &c.Reviews, &c.Ratings); err != nil {
			return nil, err
		}
		counts[generic.UserID(uid)] = c
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReview(row rowScanner) (generic.ReviewRecord, error) {
	var (
		r                    generic.ReviewRecord
		uid, status          string
		rating               sql.NullInt64
		createdAt, updatedAt string
	)
	if err := row.Scan(&r.ID, &uid, &r.ProductID, &rating, &r.Content, &status,
		&r.PointsAwarded, &createdAt, &updatedAt); err != nil {
		return generic.ReviewRecord{}, err
	}
	r.UserID = generic.UserID(uid)
	r.Status = generic.ReviewStatus(status)
	if rating.Valid {
		v := int(rating.Int64)
		r.Rating = &v
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// =============================================================================
// REFERRALS (generic.ReferralStore)
// =============================================================================

const referralColumns = `id, referrer_id, referred_id, referral_code, reward_status, first_order_id, created_at, updated_at`

// InsertReferral stores a referral relationship.
func (qs *queries) InsertReferral(ctx context.Context, r generic.ReferralRecord) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO referrals (`+referralColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, string(r.ReferrerID), string(r.ReferredID), nullString(r.Code), string(r.Status),
		nullString(r.FirstOrderID), formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrReferralExists
		}
		if isCheckConstraintError(err) {
			return generic.ErrSelfReferral
		}
		return fmt.Errorf("failed to insert referral: %w", err)
	}
	return nil
}

// GetReferral returns a referral by id.
func (qs *queries) GetReferral(ctx context.Context, id string) (generic.ReferralRecord, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM referrals WHERE id = ?`, id)
	r, err := scanReferral(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ReferralRecord{}, generic.ErrReferralNotFound
	}
	return r, err
}

// GetReferralByReferred returns the referral of a referred user.
func (qs *queries) GetReferralByReferred(ctx context.Context, referredID generic.UserID) (generic.ReferralRecord, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM referrals WHERE referred_id = ?`, string(referredID))
	r, err := scanReferral(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ReferralRecord{}, generic.ErrReferralNotFound
	}
	return r, err
}

// MarkReferralEarned moves pending -> earned.
func (qs *queries) MarkReferralEarned(ctx context.Context, id string, orderID string, at time.Time) error {
	return qs.transitionReferral(ctx, id, generic.ReferralPending, generic.ReferralEarned, orderID, at)
}

// VoidReferral moves pending -> void.
func (qs *queries) VoidReferral(ctx context.Context, id string, at time.Time) error {
	return qs.transitionReferral(ctx, id, generic.ReferralPending, generic.ReferralVoid, "", at)
}

func (qs *queries) transitionReferral(ctx context.Context, id string, from, to generic.ReferralStatus, orderID string, at time.Time) error {
	n, err := qs.execAffected(ctx, `
		UPDATE referrals
		SET reward_status = ?, first_order_id = COALESCE(?, first_order_id), updated_at = ?
		WHERE id = ? AND reward_status = ?
	`, string(to), nullString(orderID), formatTime(at), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update referral: %w", err)
	}
	if n == 0 {
		if _, err := qs.GetReferral(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: referral %s is not %s", generic.ErrInvalidTransition, id, from)
	}
	return nil
}

// ListReferrals returns the referrals made by a referrer.
func (qs *queries) ListReferrals(ctx context.Context, referrerID generic.UserID) ([]generic.ReferralRecord, error) {
	rows, err := qs.q.QueryContext(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE referrer_id = ? ORDER BY created_at, id`,
		string(referrerID))
	if err != nil {
		return nil, fmt.Errorf("failed to query referrals: %w", err)
	}
	defer rows.Close()

	var referrals []generic.ReferralRecord
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		referrals = append(referrals, r)
	}
	return referrals, rows.Err()
}

const referralCodeColumns = `code, user_id, is_active, created_at, updated_at`

// InsertReferralCode issues a code. Both the code and the owner are unique.
func (qs *queries) InsertReferralCode(ctx context.Context, c generic.ReferralCode) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO referral_codes (`+referralCodeColumns+`)
		VALUES (?, ?, ?, ?, ?)
	`, c.Code, string(c.UserID), c.IsActive, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrReferralCodeExists
		}
		return fmt.Errorf("failed to insert referral code: %w", err)
	}
	return nil
}

// GetReferralCode resolves a code to its owner.
func (qs *queries) GetReferralCode(ctx context.Context, code string) (generic.ReferralCode, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+referralCodeColumns+` FROM referral_codes WHERE code = ?`, code)
	return scanReferralCode(row)
}

// GetReferralCodeByUser returns the code a user shares.
func (qs *queries) GetReferralCodeByUser(ctx context.Context, userID generic.UserID) (generic.ReferralCode, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+referralCodeColumns+` FROM referral_codes WHERE user_id = ?`, string(userID))
	return scanReferralCode(row)
}

// SetReferralCodeActive enables or disables a code.
func (qs *queries) SetReferralCodeActive(ctx context.Context, code string, active bool, at time.Time) error {
	n, err := qs.execAffected(ctx, `
		UPDATE referral_codes SET is_active = ?, updated_at = ? WHERE code = ?
	`, active, formatTime(at), code)
	if err != nil {
		return fmt.Errorf("failed to update referral code: %w", err)
	}
	if n == 0 {
		return generic.ErrReferralCodeNotFound
	}
	return nil
}

func scanReferralCode(row rowScanner) (generic.ReferralCode, error) {
	var (
		c                    generic.ReferralCode
		userID               string
		active               int
		createdAt, updatedAt string
	)
	err := row.Scan(&c.Code, &userID, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ReferralCode{}, generic.ErrReferralCodeNotFound
	}
	if err != nil {
		return generic.ReferralCode{}, fmt.Errorf("failed to scan referral code: %w", err)
	}
	c.UserID = generic.UserID(userID)
	c.IsActive = active == 1
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

func scanReferral(row rowScanner) (generic.ReferralRecord, error) {
	var (
		r                          generic.ReferralRecord
		referrer, referred, status string
		code, orderID              sql.NullString
		createdAt, updatedAt       string
	)
	if err := row.Scan(&r.ID, &referrer, &referred, &code, &status, &orderID, &createdAt, &updatedAt); err != nil {
		return generic.ReferralRecord{}, err
	}
	r.ReferrerID = generic.UserID(referrer)
	r.ReferredID = generic.UserID(referred)
	r.Code = code.String
	r.Status = generic.ReferralStatus(status)
	r.FirstOrderID = orderID.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// =============================================================================
// PLOTS (generic.PlotStore)
// =============================================================================

const plotColumns = `id, name, owner_id, points_price, is_available, purchased_at, created_at`

// CreatePlot stores a new, available plot.
func (qs *queries) CreatePlot(ctx context.Context, p generic.Plot) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO plots (id, name, owner_id, points_price, is_available, purchased_at, created_at)
		VALUES (?, ?, NULL, ?, 1, NULL, ?)
	`, p.ID, p.Name, p.PointsPrice, formatTime(p.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrPlotExists
		}
		return fmt.Errorf("failed to create plot: %w", err)
	}
	return nil
}

// GetPlot returns a plot by id.
func (qs *queries) GetPlot(ctx context.Context, id string) (generic.Plot, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+plotColumns+` FROM plots WHERE id = ?`, id)
	p, err := scanPlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Plot{}, generic.ErrPlotNotFound
	}
	return p, err
}

// ClaimPlot is the compare-and-set that prevents double sale.
func (qs *queries) ClaimPlot(ctx context.Context, id string, owner generic.UserID, at time.Time) error {
	n, err := qs.execAffected(ctx, `
		UPDATE plots
		SET owner_id = ?, is_available = 0, purchased_at = ?
		WHERE id = ? AND owner_id IS NULL AND is_available = 1
	`, string(owner), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to claim plot: %w", err)
	}
	if n == 0 {
		if _, err := qs.GetPlot(ctx, id); err != nil {
			return err
		}
		return &generic.ResourceUnavailableError{Kind: generic.SourcePlot, ResourceID: id}
	}
	return nil
}

// ListPlots returns plots ordered by price then id.
func (qs *queries) ListPlots(ctx context.Context, filter generic.PlotFilter) ([]generic.Plot, error) {
	var where []string
	var args []any
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, string(filter.OwnerID))
	}
	if filter.AvailableOnly {
		where = append(where, "is_available = 1")
	}
	query := `SELECT ` + plotColumns + ` FROM plots`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY points_price, id`

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query plots: %w", err)
	}
	defer rows.Close()

	var plots []generic.Plot
	for rows.Next() {
		p, err := scanPlot(rows)
		if err != nil {
			return nil, err
		}
		plots = append(plots, p)
	}
	return plots, rows.Err()
}

func scanPlot(row rowScanner) (generic.Plot, error) {
	var (
		p                  generic.Plot
		owner, purchasedAt sql.NullString
		available          int
		createdAt          string
	)
	if err := row.Scan(&p.ID, &p.Name, &owner, &p.PointsPrice, &available, &purchasedAt, &createdAt); err != nil {
		return generic.Plot{}, err
	}
	p.OwnerID = generic.UserID(owner.String)
	p.IsAvailable = available == 1
	if purchasedAt.Valid {
		t := parseTime(purchasedAt.String)
		p.PurchasedAt = &t
	}
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

// =============================================================================
// RECONCILIATION (generic.ReconciliationStore)
// =============================================================================

// SaveReconciliationRun inserts or updates a run record.
func (qs *queries) SaveReconciliationRun(ctx context.Context, r generic.ReconciliationRun) error {
	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*r.CompletedAt), Valid: true}
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO reconciliation_runs (id, status, users, corrections, alarms, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			users = excluded.users,
			corrections = excluded.corrections,
			alarms = excluded.alarms,
			error = excluded.error,
			completed_at = excluded.completed_at
	`, r.ID, r.Status, r.Users, r.Corrections, r.Alarms, nullString(r.Error),
		formatTime(r.StartedAt), completedAt)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation run: %w", err)
	}
	return nil
}

// ListReconciliationRuns returns runs, newest first.
func (qs *queries) ListReconciliationRuns(ctx context.Context, limit int) ([]generic.ReconciliationRun, error) {
	query := `
		SELECT id, status, users, corrections, alarms, error, started_at, completed_at
		FROM reconciliation_runs
		ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []generic.ReconciliationRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetReconciliationRun returns one run by id.
func (qs *queries) GetReconciliationRun(ctx context.Context, id string) (generic.ReconciliationRun, error) {
	row := qs.q.QueryRowContext(ctx, `
		SELECT id, status, users, corrections, alarms, error, started_at, completed_at
		FROM reconciliation_runs
		WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ReconciliationRun{}, generic.ErrRunNotFound
	}
	if err != nil {
		return generic.ReconciliationRun{}, fmt.Errorf("failed to get reconciliation run: %w", err)
	}
	return r, nil
}

func scanRun(row rowScanner) (generic.ReconciliationRun, error) {
	var r generic.ReconciliationRun
	var errText, completedAt sql.NullString
	var startedAt string
	if err := row.Scan(&r.ID, &r.Status, &r.Users, &r.Corrections, &r.Alarms,
		&errText, &startedAt, &completedAt); err != nil {
		return generic.ReconciliationRun{}, err
	}
	r.Error = errText.String
	r.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		r.CompletedAt = &t
	}
	return r, nil
}

// InsertCorrection records one reconciliation correction.
func (qs *queries) InsertCorrection(ctx context.Context, c generic.Correction) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO reconciliation_corrections (id, run_id, user_id, field, old_value, new_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.RunID, string(c.UserID), c.Field, c.OldValue, c.NewValue, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert correction: %w", err)
	}
	return nil
}

// ListCorrections returns the corrections of a run.
func (qs *queries) ListCorrections(ctx context.Context, runID string) ([]generic.Correction, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, run_id, user_id, field, old_value, new_value, created_at
		FROM reconciliation_corrections
		WHERE run_id = ?
		ORDER BY user_id, field
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query corrections: %w", err)
	}
	defer rows.Close()

	var corrections []generic.Correction
	for rows.Next() {
		var c generic.Correction
		var uid, createdAt string
		if err := rows.Scan(&c.ID, &c.RunID, &uid, &c.Field, &c.OldValue, &c.NewValue, &createdAt); err != nil {
			return nil, err
		}
		c.UserID = generic.UserID(uid)
		c.CreatedAt = parseTime(createdAt)
		corrections = append(corrections, c)
	}
	return corrections, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func (qs *queries) execAffected(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := qs.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isCheckConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintCheck
	}
	return false
}
