/*
Package postgres provides a PostgreSQL implementation of the storage interfaces.

PURPOSE:
  Implements generic.Store and generic.TxStore for production deployments
  where several server processes share one database. Semantics match
  store/sqlite exactly; only the concurrency mechanism differs.

CONNECTIONS:
  pgxpool: connection pool, health checks and schema DDL
  bun:     query builder over pgdriver for every ledger statement

CONCURRENCY:
  Units run at READ COMMITTED. Correctness never depends on a read:
  - balance credits are INSERT .. ON CONFLICT DO UPDATE with increments
  - debits and plot claims are conditional UPDATEs (compare-and-set)
  - ledger and event uniqueness are table constraints
  - LockUser takes a transaction-scoped advisory lock for invariants that
    span rows (pending review limit)

ERROR MAPPING:
  SQLSTATE 23505 (unique_violation) -> per-table domain error
  SQLSTATE 23514 (check_violation)  -> ErrSelfReferral on referrals

USAGE:
  store, err := postgres.New(ctx, postgres.Config{DSN: "postgres://..."})
  if err != nil {
      return err
  }
  defer store.Close()

SEE ALSO:
  - store/sqlite/sqlite.go: Default implementation with the same contract
  - models.go: bun row models
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/warp/rewards-ledger/generic"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// Config configures the connection pool.
type Config struct {
	DSN             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
}

// Store implements generic.TxStore on PostgreSQL.
type Store struct {
	*queries
	pool  *pgxpool.Pool
	bunDB *bun.DB
}

// queries runs every statement against a bun.IDB: the database outside a
// unit of work, the transaction inside one.
type queries struct {
	db bun.IDB
}

var _ generic.TxStore = (*Store)(nil)

// New connects, verifies the connection and migrates the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: postgres DSN is required", generic.ErrInvalidInput)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(withSSLMode(cfg.DSN))))
	if cfg.MaxConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxConns)
	}
	bunDB := bun.NewDB(sqldb, pgdialect.New())

	store := &Store{queries: &queries{db: bunDB}, pool: pool, bunDB: bunDB}
	if err := store.migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// withSSLMode defaults pgdriver to sslmode=disable unless the DSN sets it.
func withSSLMode(dsn string) string {
	if strings.Contains(dsn, "sslmode=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "sslmode=disable"
}

// Close releases both connection pools.
func (s *Store) Close() error {
	s.pool.Close()
	return s.bunDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		source_key TEXT NOT NULL,
		points_delta BIGINT NOT NULL,
		cashback_cents BIGINT NOT NULL DEFAULT 0,
		reason TEXT,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_source
		ON ledger_entries(user_id, source_kind, source_key);
	CREATE INDEX IF NOT EXISTS idx_ledger_user_created
		ON ledger_entries(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS user_balances (
		user_id TEXT PRIMARY KEY,
		current_points BIGINT NOT NULL DEFAULT 0 CHECK (current_points >= 0),
		lifetime_points BIGINT NOT NULL DEFAULT 0 CHECK (lifetime_points >= 0),
		points_spent BIGINT NOT NULL DEFAULT 0 CHECK (points_spent >= 0),
		cashback_cents BIGINT NOT NULL DEFAULT 0 CHECK (cashback_cents >= 0),
		cashback_earned_cents BIGINT NOT NULL DEFAULT 0,
		cashback_used_cents BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_summaries (
		user_id TEXT PRIMARY KEY,
		total_points_earned BIGINT NOT NULL DEFAULT 0,
		review_count BIGINT NOT NULL DEFAULT 0,
		rating_count BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkins (
		user_id TEXT NOT NULL,
		checkin_date TEXT NOT NULL,
		points_earned BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, checkin_date)
	);

	CREATE TABLE IF NOT EXISTS reviews (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		rating INT CHECK (rating IS NULL OR rating BETWEEN 1 AND 5),
		content TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected')),
		points_awarded BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, product_id)
	);
	CREATE INDEX IF NOT EXISTS idx_reviews_user_status ON reviews(user_id, status);

	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		referred_id TEXT NOT NULL UNIQUE,
		referral_code TEXT,
		reward_status TEXT NOT NULL CHECK (reward_status IN ('pending', 'earned', 'void')),
		first_order_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (referrer_id, referred_id),
		CONSTRAINT referrals_not_self CHECK (referrer_id <> referred_id)
	);
	CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals(referrer_id);

	CREATE TABLE IF NOT EXISTS referral_codes (
		code TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plots (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT,
		points_price BIGINT NOT NULL CHECK (points_price >= 0),
		is_available BOOLEAN NOT NULL DEFAULT TRUE,
		purchased_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		CHECK ((owner_id IS NULL) = is_available)
	);

	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		users INT NOT NULL DEFAULT 0,
		corrections INT NOT NULL DEFAULT 0,
		alarms INT NOT NULL DEFAULT 0,
		error TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS reconciliation_corrections (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		field TEXT NOT NULL,
		old_value BIGINT NOT NULL,
		new_value BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_corrections_run ON reconciliation_corrections(run_id);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// WithTx executes fn within a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	return s.bunDB.RunInTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		func(ctx context.Context, tx bun.Tx) error {
			return fn(&queries{db: tx})
		})
}

// Reset truncates all tables. Used by demo scenarios and tests only.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE TABLE
		ledger_entries, user_balances, user_summaries, checkins, reviews,
		referrals, referral_codes, plots, reconciliation_runs, reconciliation_corrections`)
	return err
}

// =============================================================================
// LEDGER
// =============================================================================

func (qs *queries) InsertEntry(ctx context.Context, e generic.LedgerEntry) error {
	m, err := newEntryModel(e)
	if err != nil {
		return err
	}
	_, err = qs.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return generic.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (qs *queries) ListEntries(ctx context.Context, userID generic.UserID, filter generic.EntryFilter) ([]generic.LedgerEntry, error) {
	var rows []entryModel
	q := qs.db.NewSelect().Model(&rows).
		Where("user_id = ?", string(userID)).
		Order("created_at DESC", "id DESC")
	if filter.Kind != "" {
		q = q.Where("source_kind = ?", string(filter.Kind))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}

	entries := make([]generic.LedgerEntry, 0, len(rows))
	for _, m := range rows {
		entries = append(entries, m.toEntry())
	}
	return entries, nil
}

func (qs *queries) EntryTotals(ctx context.Context, userID generic.UserID, kind generic.SourceKind) (generic.EntryTotals, error) {
	var (
		t              generic.EntryTotals
		earnedC, usedC int64
	)
	q := qs.db.NewSelect().Model((*entryModel)(nil)).
		ColumnExpr("COUNT(*)").
		ColumnExpr("COALESCE(SUM(points_delta) FILTER (WHERE points_delta > 0), 0)").
		ColumnExpr("COALESCE(-SUM(points_delta) FILTER (WHERE points_delta < 0), 0)").
		ColumnExpr("COALESCE(SUM(cashback_cents) FILTER (WHERE cashback_cents > 0), 0)").
		ColumnExpr("COALESCE(-SUM(cashback_cents) FILTER (WHERE cashback_cents < 0), 0)").
		Where("user_id = ?", string(userID))
	if kind != "" {
		q = q.Where("source_kind = ?", string(kind))
	}
	if err := q.Scan(ctx, &t.Count, &t.PointsEarned, &t.PointsSpent, &earnedC, &usedC); err != nil {
		return generic.EntryTotals{}, fmt.Errorf("failed to total ledger entries: %w", err)
	}
	t.CashbackEarned = generic.CashbackFromCents(earnedC)
	t.CashbackUsed = generic.CashbackFromCents(usedC)
	return t, nil
}

// =============================================================================
// BALANCES
// =============================================================================

func (qs *queries) GetBalance(ctx context.Context, userID generic.UserID) (generic.UserBalance, error) {
	var m balanceModel
	err := qs.db.NewSelect().Model(&m).Where("user_id = ?", string(userID)).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ZeroBalance(userID), nil
	}
	if err != nil {
		return generic.UserBalance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	return m.toBalance(), nil
}

func (qs *queries) CreditBalance(ctx context.Context, userID generic.UserID, delta generic.BalanceDelta, at time.Time) error {
	cents, err := generic.CashbackToCents(delta.Cashback)
	if err != nil {
		return err
	}
	m := &balanceModel{
		UserID:              string(userID),
		CurrentPoints:       delta.Points,
		LifetimePoints:      delta.Points,
		CashbackCents:       cents,
		CashbackEarnedCents: cents,
		UpdatedAt:           at.UTC(),
	}
	_, err = qs.db.NewInsert().Model(m).
		On("CONFLICT (user_id) DO UPDATE").
		Set("current_points = ub.current_points + EXCLUDED.current_points").
		Set("lifetime_points = ub.lifetime_points + EXCLUDED.lifetime_points").
		Set("cashback_cents = ub.cashback_cents + EXCLUDED.cashback_cents").
		Set("cashback_earned_cents = ub.cashback_earned_cents + EXCLUDED.cashback_earned_cents").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	return nil
}

func (qs *queries) DebitPoints(ctx context.Context, userID generic.UserID, cost int64, at time.Time) error {
	res, err := qs.db.NewUpdate().Model((*balanceModel)(nil)).
		Set("current_points = current_points - ?", cost).
		Set("points_spent = points_spent + ?", cost).
		Set("updated_at = ?", at.UTC()).
		Where("user_id = ?", string(userID)).
		Where("current_points >= ?", cost).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to debit points: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrInsufficientBalance
	}
	return nil
}

func (qs *queries) DebitCashback(ctx context.Context, userID generic.UserID, amount decimal.Decimal, at time.Time) error {
	cents, err := generic.CashbackToCents(amount)
	if err != nil {
		return err
	}
	res, err := qs.db.NewUpdate().Model((*balanceModel)(nil)).
		Set("cashback_cents = cashback_cents - ?", cents).
		Set("cashback_used_cents = cashback_used_cents + ?", cents).
		Set("updated_at = ?", at.UTC()).
		Where("user_id = ?", string(userID)).
		Where("cashback_cents >= ?", cents).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to debit cashback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrInsufficientBalance
	}
	return nil
}

func (qs *queries) ListUserIDs(ctx context.Context) ([]generic.UserID, error) {
	var ids []string
	err := qs.db.NewRaw(`
		SELECT user_id FROM user_balances
		UNION SELECT user_id FROM user_summaries
		UNION SELECT user_id FROM reviews
		ORDER BY 1`).Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	out := make([]generic.UserID, len(ids))
	for i, id := range ids {
		out[i] = generic.UserID(id)
	}
	return out, nil
}

// =============================================================================
// SUMMARIES
// =============================================================================

func (qs *queries) GetSummary(ctx context.Context, userID generic.UserID) (generic.UserSummary, error) {
	var m summaryModel
	err := qs.db.NewSelect().Model(&m).Where("user_id = ?", string(userID)).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.UserSummary{UserID: userID}, nil
	}
	if err != nil {
		return generic.UserSummary{}, fmt.Errorf("failed to get summary: %w", err)
	}
	return generic.UserSummary{
		UserID:            userID,
		TotalPointsEarned: m.TotalPointsEarned,
		ReviewCount:       m.ReviewCount,
		RatingCount:       m.RatingCount,
		UpdatedAt:         m.UpdatedAt,
	}, nil
}

func (qs *queries) IncrementSummary(ctx context.Context, userID generic.UserID, d generic.SummaryDelta, at time.Time) error {
	m := &summaryModel{
		UserID:            string(userID),
		TotalPointsEarned: d.PointsEarned,
		ReviewCount:       d.Reviews,
		RatingCount:       d.Ratings,
		UpdatedAt:         at.UTC(),
	}
	_, err := qs.db.NewInsert().Model(m).
		On("CONFLICT (user_id) DO UPDATE").
		Set("total_points_earned = us.total_points_earned + EXCLUDED.total_points_earned").
		Set("review_count = us.review_count + EXCLUDED.review_count").
		Set("rating_count = us.rating_count + EXCLUDED.rating_count").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to increment summary: %w", err)
	}
	return nil
}

func (qs *queries) SetReviewCounters(ctx context.Context, userID generic.UserID, c generic.ReviewCounts, at time.Time) error {
	m := &summaryModel{UserID: string(userID), ReviewCount: c.Reviews, RatingCount: c.Ratings, UpdatedAt: at.UTC()}
	_, err := qs.db.NewInsert().Model(m).
		On("CONFLICT (user_id) DO UPDATE").
		Set("review_count = EXCLUDED.review_count").
		Set("rating_count = EXCLUDED.rating_count").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set review counters: %w", err)
	}
	return nil
}

func (qs *queries) SetPointsEarned(ctx context.Context, userID generic.UserID, total int64, at time.Time) error {
	m := &summaryModel{UserID: string(userID), TotalPointsEarned: total, UpdatedAt: at.UTC()}
	_, err := qs.db.NewInsert().Model(m).
		On("CONFLICT (user_id) DO UPDATE").
		Set("total_points_earned = EXCLUDED.total_points_earned").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to set points earned: %w", err)
	}
	return nil
}

// LockUser holds a per-user advisory lock until the transaction ends. It
// works whether or not the user has any rows yet.
func (qs *queries) LockUser(ctx context.Context, userID generic.UserID) error {
	if _, err := qs.db.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?))", string(userID)); err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	return nil
}

// =============================================================================
// CHECK-INS
// =============================================================================

func (qs *queries) InsertCheckin(ctx context.Context, r generic.CheckinRecord) error {
	m := &checkinModel{
		UserID:       string(r.UserID),
		CheckinDate:  r.Date,
		PointsEarned: r.PointsEarned,
		CreatedAt:    r.CreatedAt.UTC(),
	}
	if _, err := qs.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return generic.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to insert checkin: %w", err)
	}
	return nil
}

func (qs *queries) ListCheckins(ctx context.Context, userID generic.UserID, limit int) ([]generic.CheckinRecord, error) {
	var rows []checkinModel
	q := qs.db.NewSelect().Model(&rows).
		Where("user_id = ?", string(userID)).
		Order("checkin_date DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to query checkins: %w", err)
	}
	out := make([]generic.CheckinRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toRecord())
	}
	return out, nil
}

func (qs *queries) CheckinTotals(ctx context.Context, userID generic.UserID) (generic.CheckinTotals, error) {
	var t generic.CheckinTotals
	err := qs.db.NewSelect().Model((*checkinModel)(nil)).
		ColumnExpr("COUNT(*)").
		ColumnExpr("COALESCE(SUM(points_earned), 0)").
		ColumnExpr("COALESCE(MIN(checkin_date), '')").
		ColumnExpr("COALESCE(MAX(checkin_date), '')").
		Where("user_id = ?", string(userID)).
		Scan(ctx, &t.TotalCheckins, &t.TotalPoints, &t.FirstDate, &t.LastDate)
	if err != nil {
		return generic.CheckinTotals{}, fmt.Errorf("failed to total checkins: %w", err)
	}
	return t, nil
}

// =============================================================================
// REVIEWS
// =============================================================================

func (qs *queries) InsertReview(ctx context.Context, r generic.ReviewRecord) error {
	if _, err := qs.db.NewInsert().Model(newReviewModel(r)).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return generic.ErrReviewExists
		}
		return fmt.Errorf("failed to insert review: %w", err)
	}
	return nil
}

func (qs *queries) GetReview(ctx context.Context, id string) (generic.ReviewRecord, error) {
	var m reviewModel
	err := qs.db.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ReviewRecord{}, generic.ErrReviewNotFound
	}
	if err != nil {
		return generic.ReviewRecord{}, fmt.Errorf("failed to get review: %w", err)
	}
	return m.toRecord(), nil
}

func (qs *queries) CountPendingReviews(ctx context.Context, userID generic.UserID) (int, error) {
	n, err := qs.db.NewSelect().Model((*reviewModel)(nil)).
		Where("user_id = ?", string(userID)).
		Where("status = ?", string(generic.ReviewPending)).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending reviews: %w", err)
	}
	return n, nil
}

func (qs *queries) TransitionReview(ctx context.Context, id string, from, to generic.ReviewStatus, pointsAwarded int64, at time.Time) error {
	res, err := qs.db.NewUpdate().Model((*reviewModel)(nil)).
		Set("status = ?", string(to)).
		Set("points_awarded = ?", pointsAwarded).
		Set("updated_at = ?", at.UTC()).
		Where("id = ?", id).
		Where("status = ?", string(from)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to transition review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := qs.GetReview(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: review %s is not %s", generic.ErrInvalidTransition, id, from)
	}
	return nil
}

func (qs *queries) UpdateReviewContent(ctx context.Context, id string, content string, at time.Time) error {
	res, err := qs.db.NewUpdate().Model((*reviewModel)(nil)).
		Set("content = ?", content).
		Set("updated_at = ?", at.UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrReviewNotFound
	}
	return nil
}

func (qs *queries) ListReviews(ctx context.Context, filter generic.ReviewFilter) ([]generic.ReviewRecord, error) {
	var rows []reviewModel
	q := qs.db.NewSelect().Model(&rows).Order("created_at DESC", "id")
	if filter.UserID != "" {
		q = q.Where("user_id = ?", string(filter.UserID))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to query reviews: %w", err)
	}
	out := make([]generic.ReviewRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toRecord())
	}
	return out, nil
}

type reviewCountRow struct {
	UserID  string `bun:"user_id"`
	Reviews int64  `bun:"reviews"`
	Ratings int64  `bun:"ratings"`
}

func (qs *queries) ApprovedReviewCounts(ctx context.Context) (map[generic.UserID]generic.ReviewCounts, error) {
	var rows []reviewCountRow
	err := qs.db.NewSelect().Model((*reviewModel)(nil)).
		Column("user_id").
		ColumnExpr("COUNT(*) AS reviews").
		ColumnExpr("COUNT(rating) AS ratings").
		Where("status = ?", string(generic.ReviewApproved)).
		Group("user_id").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("failed to count reviews: %w", err)
	}
	counts := make(map[generic.UserID]generic.ReviewCounts, len(rows))
	for _, r := range rows {
		counts[generic.UserID(r.UserID)] = generic.ReviewCounts{Reviews: r.Reviews, Ratings: r.Ratings}
	}
	return counts, nil
}

// =============================================================================
// REFERRALS
// =============================================================================

func (qs *queries) InsertReferral(ctx context.Context, r generic.ReferralRecord) error {
	m := &referralModel{
		ID:           r.ID,
		ReferrerID:   string(r.ReferrerID),
		ReferredID:   string(r.ReferredID),
		Code:         r.Code,
		Status:       string(r.Status),
		FirstOrderID: r.FirstOrderID,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if _, err := qs.db.NewInsert().Model(m).Exec(ctx); err != nil {
		switch {
		case isUniqueViolation(err):
			return generic.ErrReferralExists
		case hasSQLState(err, pgCheckViolation):
			return generic.ErrSelfReferral
		}
		return fmt.Errorf("failed to insert referral: %w", err)
	}
	return nil
}

func (qs *queries) GetReferral(ctx context.Context, id string) (generic.ReferralRecord, error) {
	return qs.getReferral(ctx, "id = ?", id)
}

func (qs *queries) GetReferralByReferred(ctx context.Context, referredID generic.UserID) (generic.ReferralRecord, error) {
	return qs.getReferral(ctx, "referred_id = ?", string(referredID))
}

func (qs *queries) getReferral(ctx context.Context, where string, arg string) (generic.ReferralRecord, error) {
	var m referralModel
	err := qs.db.NewSelect().Model(&m).Where(where, arg).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ReferralRecord{}, generic.ErrReferralNotFound
	}
	if err != nil {
		return generic.ReferralRecord{}, fmt.Errorf("failed to get referral: %w", err)
	}
	return m.toRecord(), nil
}

func (qs *queries) MarkReferralEarned(ctx context.Context, id string, orderID string, at time.Time) error {
	return qs.transitionReferral(ctx, id, generic.ReferralPending, generic.ReferralEarned, orderID, at)
}

func (qs *queries) VoidReferral(ctx context.Context, id string, at time.Time) error {
	return qs.transitionReferral(ctx, id, generic.ReferralPending, generic.ReferralVoid, "", at)
}

func (qs *queries) transitionReferral(ctx context.Context, id string, from, to generic.ReferralStatus, orderID string, at time.Time) error {
	q := qs.db.NewUpdate().Model((*referralModel)(nil)).
		Set("reward_status = ?", string(to)).
		Set("updated_at = ?", at.UTC()).
		Where("id = ?", id).
		Where("reward_status = ?", string(from))
	if orderID != "" {
		q = q.Set("first_order_id = ?", orderID)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update referral: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := qs.GetReferral(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: referral %s is not %s", generic.ErrInvalidTransition, id, from)
	}
	return nil
}

func (qs *queries) ListReferrals(ctx context.Context, referrerID generic.UserID) ([]generic.ReferralRecord, error) {
	var rows []referralModel
	err := qs.db.NewSelect().Model(&rows).
		Where("referrer_id = ?", string(referrerID)).
		Order("created_at", "id").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query referrals: %w", err)
	}
	out := make([]generic.ReferralRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toRecord())
	}
	return out, nil
}

func (qs *queries) InsertReferralCode(ctx context.Context, c generic.ReferralCode) error {
	m := &referralCodeModel{
		Code:      c.Code,
		UserID:    string(c.UserID),
		IsActive:  c.IsActive,
		CreatedAt: c.CreatedAt.UTC(),
		UpdatedAt: c.UpdatedAt.UTC(),
	}
	if _, err := qs.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return generic.ErrReferralCodeExists
		}
		return fmt.Errorf("failed to insert referral code: %w", err)
	}
	return nil
}

func (qs *queries) GetReferralCode(ctx context.Context, code string) (generic.ReferralCode, error) {
	return qs.getReferralCode(ctx, "code = ?", code)
}

func (qs *queries) GetReferralCodeByUser(ctx context.Context, userID generic.UserID) (generic.ReferralCode, error) {
	return qs.getReferralCode(ctx, "user_id = ?", string(userID))
}

func (qs *queries) getReferralCode(ctx context.Context, where string, arg string) (generic.ReferralCode, error) {
	var m referralCodeModel
	err := qs.db.NewSelect().Model(&m).Where(where, arg).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ReferralCode{}, generic.ErrReferralCodeNotFound
	}
	if err != nil {
		return generic.ReferralCode{}, fmt.Errorf("failed to get referral code: %w", err)
	}
	return m.toCode(), nil
}

func (qs *queries) SetReferralCodeActive(ctx context.Context, code string, active bool, at time.Time) error {
	res, err := qs.db.NewUpdate().Model((*referralCodeModel)(nil)).
		Set("is_active = ?", active).
		Set("updated_at = ?", at.UTC()).
		Where("code = ?", code).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update referral code: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrReferralCodeNotFound
	}
	return nil
}

// =============================================================================
// PLOTS
// =============================================================================

func (qs *queries) CreatePlot(ctx context.Context, p generic.Plot) error {
	m := &plotModel{
		ID:          p.ID,
		Name:        p.Name,
		PointsPrice: p.PointsPrice,
		IsAvailable: true,
		CreatedAt:   p.CreatedAt.UTC(),
	}
	if _, err := qs.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return generic.ErrPlotExists
		}
		return fmt.Errorf("failed to create plot: %w", err)
	}
	return nil
}

func (qs *queries) GetPlot(ctx context.Context, id string) (generic.Plot, error) {
	var m plotModel
	err := qs.db.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Plot{}, generic.ErrPlotNotFound
	}
	if err != nil {
		return generic.Plot{}, fmt.Errorf("failed to get plot: %w", err)
	}
	return m.toPlot(), nil
}

func (qs *queries) ClaimPlot(ctx context.Context, id string, owner generic.UserID, at time.Time) error {
	res, err := qs.db.NewUpdate().Model((*plotModel)(nil)).
		Set("owner_id = ?", string(owner)).
		Set("is_available = FALSE").
		Set("purchased_at = ?", at.UTC()).
		Where("id = ?", id).
		Where("owner_id IS NULL").
		Where("is_available").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to claim plot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := qs.GetPlot(ctx, id); err != nil {
			return err
		}
		return &generic.ResourceUnavailableError{Kind: generic.SourcePlot, ResourceID: id}
	}
	return nil
}

func (qs *queries) ListPlots(ctx context.Context, filter generic.PlotFilter) ([]generic.Plot, error) {
	var rows []plotModel
	q := qs.db.NewSelect().Model(&rows).Order("points_price", "id")
	if filter.OwnerID != "" {
		q = q.Where("owner_id = ?", string(filter.OwnerID))
	}
	if filter.AvailableOnly {
		q = q.Where("is_available")
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to query plots: %w", err)
	}
	out := make([]generic.Plot, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toPlot())
	}
	return out, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func (qs *queries) SaveReconciliationRun(ctx context.Context, r generic.ReconciliationRun) error {
	m := &runModel{
		ID:          r.ID,
		Status:      r.Status,
		Users:       r.Users,
		Corrections: r.Corrections,
		Alarms:      r.Alarms,
		Error:       r.Error,
		StartedAt:   r.StartedAt.UTC(),
		CompletedAt: r.CompletedAt,
	}
	_, err := qs.db.NewInsert().Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("users = EXCLUDED.users").
		Set("corrections = EXCLUDED.corrections").
		Set("alarms = EXCLUDED.alarms").
		Set("error = EXCLUDED.error").
		Set("completed_at = EXCLUDED.completed_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation run: %w", err)
	}
	return nil
}

func (qs *queries) ListReconciliationRuns(ctx context.Context, limit int) ([]generic.ReconciliationRun, error) {
	var rows []runModel
	q := qs.db.NewSelect().Model(&rows).Order("started_at DESC", "id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to query reconciliation runs: %w", err)
	}
	out := make([]generic.ReconciliationRun, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toRun())
	}
	return out, nil
}

func (qs *queries) GetReconciliationRun(ctx context.Context, id string) (generic.ReconciliationRun, error) {
	var m runModel
	err := qs.db.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ReconciliationRun{}, generic.ErrRunNotFound
	}
	if err != nil {
		return generic.ReconciliationRun{}, fmt.Errorf("failed to get reconciliation run: %w", err)
	}
	return m.toRun(), nil
}

func (qs *queries) InsertCorrection(ctx context.Context, c generic.Correction) error {
	m := &correctionModel{
		ID:        c.ID,
		RunID:     c.RunID,
		UserID:    string(c.UserID),
		Field:     c.Field,
		OldValue:  c.OldValue,
		NewValue:  c.NewValue,
		CreatedAt: c.CreatedAt.UTC(),
	}
	if _, err := qs.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert correction: %w", err)
	}
	return nil
}

func (qs *queries) ListCorrections(ctx context.Context, runID string) ([]generic.Correction, error) {
	var rows []correctionModel
	err := qs.db.NewSelect().Model(&rows).
		Where("run_id = ?", runID).
		Order("user_id", "field").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query corrections: %w", err)
	}
	out := make([]generic.Correction, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toCorrection())
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueViolation(err error) bool {
	return hasSQLState(err, pgUniqueViolation)
}

func hasSQLState(err error, code string) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == code
	}
	return false
}
