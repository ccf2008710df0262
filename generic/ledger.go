/*
ledger.go - The transaction coordinator

PURPOSE:
  The Coordinator applies a named reward or spend as one atomic step:
  idempotency check, ledger entry, workflow effect and balance mutation all
  commit together or not at all. Workflows never write balances directly;
  they hand the coordinator deltas.

CRITICAL INVARIANTS:
  1. ONE ENTRY PER EVENT: (user, kind, key) is unique in storage
  2. NO ORPHANS: an entry never exists without its balance change, and a
    balance change never exists without its entry
  3. CURRENT = LIFETIME - SPENT after every commit
  4. RELATIVE UPDATES: balances change via SQL increments, so concurrent
    writers to one user are serialized by the database, not by us

REWARD FLOW (ApplyReward):
  0. Lock the user                  -> serializes with reconciliation
  1. Insert ledger entry            -> ErrDuplicateEvent if already applied
  2. Run workflow effect            -> e.g. insert CheckinRecord
  3. Credit balance (upsert)        -> current += p, lifetime += p, cashback += c
  4. Increment summary counters     -> total_points_earned += p (+ review counters)
  5. Commit, publish event

SPEND FLOW (ApplySpend):
  1. Conditional debit              -> ErrInsufficientBalance if short
  2. Claim the resource (CAS)       -> ErrResourceUnavailable if taken
  3. Insert ledger entry (-cost)    -> ErrDuplicateEvent if already applied
  4. Commit, publish event

EXAMPLE:
  res, err := coord.ApplyReward(ctx, generic.Reward{
      UserID: "user-1", Kind: generic.SourceCheckin, Key: "2025-03-10", Points: 10,
  })

SEE ALSO:
  - unit.go: RunUnit, the transaction boundary used here
  - store.go: Persistence operations called inside the unit
  - checkin/, reviews/, referrals/, plots/: Workflows built on this
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// REQUESTS & RESULTS
// =============================================================================

// Effect runs inside the coordinator's unit of work after the ledger entry
// has been written. Returning an error rolls back the whole unit.
type Effect func(ctx context.Context, tx Store, entry LedgerEntry) error

// Reward is a credit request.
type Reward struct {
	UserID   UserID
	Kind     SourceKind
	Key      string
	Points   int64
	Cashback decimal.Decimal
	Reason   string
	Metadata map[string]string

	// Summary holds extra counter changes applied in the same unit.
	// PointsEarned is filled in from Points automatically.
	Summary SummaryDelta

	// Resolve, when set, runs inside the unit before the entry is written
	// and may rewrite the amounts from state read through tx.
	Resolve func(ctx context.Context, tx Store, r *Reward) error

	Effect Effect
}

// Spend is a points debit that buys a resource.
type Spend struct {
	UserID   UserID
	Kind     SourceKind
	Key      string
	Cost     int64
	Reason   string
	Metadata map[string]string

	// Claim flips the resource's ownership. It must be a conditional
	// update so that concurrent buyers resolve to exactly one winner.
	Claim Effect
}

// Result is returned for display after a committed reward or spend.
type Result struct {
	Entry           LedgerEntry
	Balance         UserBalance
	PointsApplied   int64
	CashbackApplied decimal.Decimal
}

// Publisher receives committed entries. Implementations must not block.
type Publisher interface {
	PublishEntry(ctx context.Context, entry LedgerEntry, balance UserBalance)
}

// =============================================================================
// COORDINATOR
// =============================================================================

type Coordinator struct {
	Store   TxStore
	Clock   Clock
	Logger  *slog.Logger
	Events  Publisher
	Timeout time.Duration
}

func NewCoordinator(store TxStore) *Coordinator {
	return &Coordinator{
		Store:   store,
		Clock:   SystemClock{},
		Logger:  slog.Default(),
		Timeout: DefaultUnitTimeout,
	}
}

// ApplyReward credits points and/or cashback for one source event.
func (c *Coordinator) ApplyReward(ctx context.Context, r Reward) (Result, error) {
	if err := validateSource(r.UserID, r.Kind, r.Key); err != nil {
		return Result{}, err
	}
	if r.Points < 0 || r.Cashback.IsNegative() {
		return Result{}, fmt.Errorf("%w: reward deltas must be non-negative (points=%d cashback=%s)",
			ErrInvalidAmount, r.Points, r.Cashback)
	}
	cashback := RoundCashback(r.Cashback)
	if err := ValidateCashback(cashback); err != nil {
		return Result{}, err
	}

	ctx, span := tracer.Start(ctx, "ledger.ApplyReward", trace.WithAttributes(
		attribute.String("ledger.user_id", string(r.UserID)),
		attribute.String("ledger.kind", string(r.Kind)),
		attribute.String("ledger.key", r.Key),
		attribute.Int64("ledger.points", r.Points),
	))
	defer span.End()

	now := c.now()
	var (
		entry   LedgerEntry
		applied Reward
		balance UserBalance
	)
	err := RunUnit(ctx, c.Store, c.unit("reward."+string(r.Kind)), func(ctx context.Context, tx Store) error {
		if err := tx.LockUser(ctx, r.UserID); err != nil {
			return err
		}
		cur := r
		if r.Resolve != nil {
			if err := r.Resolve(ctx, tx, &cur); err != nil {
				return err
			}
			if cur.Points < 0 || cur.Cashback.IsNegative() {
				return fmt.Errorf("%w: reward deltas must be non-negative (points=%d cashback=%s)",
					ErrInvalidAmount, cur.Points, cur.Cashback)
			}
			cur.Cashback = RoundCashback(cur.Cashback)
			if err := ValidateCashback(cur.Cashback); err != nil {
				return err
			}
		} else {
			cur.Cashback = cashback
		}

		entry = LedgerEntry{
			ID:            EntryID(NewID()),
			UserID:        r.UserID,
			Kind:          r.Kind,
			Key:           r.Key,
			PointsDelta:   cur.Points,
			CashbackDelta: cur.Cashback,
			Reason:        cur.Reason,
			Metadata:      cur.Metadata,
			CreatedAt:     now,
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if cur.Effect != nil {
			if err := cur.Effect(ctx, tx, entry); err != nil {
				return err
			}
		}
		if err := tx.CreditBalance(ctx, r.UserID, BalanceDelta{Points: cur.Points, Cashback: cur.Cashback}, now); err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}

		summary := cur.Summary
		summary.PointsEarned += cur.Points
		if !summary.IsZero() {
			if err := tx.IncrementSummary(ctx, r.UserID, summary, now); err != nil {
				return fmt.Errorf("increment summary: %w", err)
			}
		}

		b, err := tx.GetBalance(ctx, r.UserID)
		if err != nil {
			return err
		}
		if err := b.CheckInvariants(); err != nil {
			return fmt.Errorf("refusing to commit: %w", err)
		}
		balance = b
		applied = cur
		return nil
	})
	if err != nil {
		span.RecordError(err)
		c.logFailure(ctx, "reward", r.UserID, r.Kind, r.Key, err)
		return Result{}, err
	}

	c.log().InfoContext(ctx, "reward applied",
		slog.String("user_id", string(r.UserID)),
		slog.String("kind", string(r.Kind)),
		slog.String("key", r.Key),
		slog.Int64("points", applied.Points),
		slog.String("cashback", applied.Cashback.StringFixed(CashbackPlaces)),
		slog.Int64("current_points", balance.CurrentPoints))
	c.publish(ctx, entry, balance)

	return Result{
		Entry:           entry,
		Balance:         balance,
		PointsApplied:   applied.Points,
		CashbackApplied: applied.Cashback,
	}, nil
}

// ApplySpend debits points and claims the purchased resource atomically.
func (c *Coordinator) ApplySpend(ctx context.Context, s Spend) (Result, error) {
	if err := validateSource(s.UserID, s.Kind, s.Key); err != nil {
		return Result{}, err
	}
	if s.Cost < 0 {
		return Result{}, fmt.Errorf("%w: spend cost must be non-negative (cost=%d)", ErrInvalidAmount, s.Cost)
	}

	ctx, span := tracer.Start(ctx, "ledger.ApplySpend", trace.WithAttributes(
		attribute.String("ledger.user_id", string(s.UserID)),
		attribute.String("ledger.kind", string(s.Kind)),
		attribute.String("ledger.key", s.Key),
		attribute.Int64("ledger.cost", s.Cost),
	))
	defer span.End()

	now := c.now()
	entry := LedgerEntry{
		ID:            EntryID(NewID()),
		UserID:        s.UserID,
		Kind:          s.Kind,
		Key:           s.Key,
		PointsDelta:   -s.Cost,
		CashbackDelta: decimal.Zero,
		Reason:        s.Reason,
		Metadata:      s.Metadata,
		CreatedAt:     now,
	}

	var balance UserBalance
	err := RunUnit(ctx, c.Store, c.unit("spend."+string(s.Kind)), func(ctx context.Context, tx Store) error {
		if s.Cost > 0 {
			if err := tx.DebitPoints(ctx, s.UserID, s.Cost, now); err != nil {
				if errors.Is(err, ErrInsufficientBalance) {
					return c.insufficientPoints(ctx, tx, s.UserID, s.Cost)
				}
				return fmt.Errorf("debit points: %w", err)
			}
		}
		if s.Claim != nil {
			if err := s.Claim(ctx, tx, entry); err != nil {
				return err
			}
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}

		b, err := tx.GetBalance(ctx, s.UserID)
		if err != nil {
			return err
		}
		if err := b.CheckInvariants(); err != nil {
			return fmt.Errorf("refusing to commit: %w", err)
		}
		balance = b
		return nil
	})
	if err != nil {
		span.RecordError(err)
		c.logFailure(ctx, "spend", s.UserID, s.Kind, s.Key, err)
		return Result{}, err
	}

	c.log().InfoContext(ctx, "spend applied",
		slog.String("user_id", string(s.UserID)),
		slog.String("kind", string(s.Kind)),
		slog.String("key", s.Key),
		slog.Int64("cost", s.Cost),
		slog.Int64("current_points", balance.CurrentPoints))
	c.publish(ctx, entry, balance)

	return Result{
		Entry:           entry,
		Balance:         balance,
		PointsApplied:   -s.Cost,
		CashbackApplied: decimal.Zero,
	}, nil
}

// RedeemCashback spends cashback, e.g. as a discount on an order. The key
// is the caller's natural dedup key (order id or client idempotency key).
func (c *Coordinator) RedeemCashback(ctx context.Context, userID UserID, key string, amount decimal.Decimal, reason string) (Result, error) {
	if err := validateSource(userID, SourceCashback, key); err != nil {
		return Result{}, err
	}
	amount = RoundCashback(amount)
	if !amount.IsPositive() {
		return Result{}, fmt.Errorf("%w: redemption must be positive (amount=%s)", ErrInvalidAmount, amount)
	}
	if err := ValidateCashback(amount); err != nil {
		return Result{}, err
	}

	ctx, span := tracer.Start(ctx, "ledger.RedeemCashback", trace.WithAttributes(
		attribute.String("ledger.user_id", string(userID)),
		attribute.String("ledger.key", key),
		attribute.String("ledger.amount", amount.String()),
	))
	defer span.End()

	now := c.now()
	entry := LedgerEntry{
		ID:            EntryID(NewID()),
		UserID:        userID,
		Kind:          SourceCashback,
		Key:           key,
		CashbackDelta: amount.Neg(),
		Reason:        reason,
		CreatedAt:     now,
	}

	var balance UserBalance
	err := RunUnit(ctx, c.Store, c.unit("spend.cashback"), func(ctx context.Context, tx Store) error {
		if err := tx.DebitCashback(ctx, userID, amount, now); err != nil {
			if errors.Is(err, ErrInsufficientBalance) {
				b, rerr := tx.GetBalance(ctx, userID)
				if rerr != nil {
					return rerr
				}
				return NewInsufficientCashback(userID, b.CashbackBalance, amount)
			}
			return fmt.Errorf("debit cashback: %w", err)
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		b, err := tx.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		if err := b.CheckInvariants(); err != nil {
			return fmt.Errorf("refusing to commit: %w", err)
		}
		balance = b
		return nil
	})
	if err != nil {
		span.RecordError(err)
		c.logFailure(ctx, "redeem", userID, SourceCashback, key, err)
		return Result{}, err
	}

	c.log().InfoContext(ctx, "cashback redeemed",
		slog.String("user_id", string(userID)),
		slog.String("key", key),
		slog.String("amount", amount.StringFixed(CashbackPlaces)))
	c.publish(ctx, entry, balance)

	return Result{Entry: entry, Balance: balance, CashbackApplied: amount.Neg()}, nil
}

// Balance reads the durable balance. It is never served from a cache.
func (c *Coordinator) Balance(ctx context.Context, userID UserID) (UserBalance, error) {
	b, err := c.Store.GetBalance(ctx, userID)
	if err != nil {
		return UserBalance{}, classify("balance.read", err)
	}
	return b, nil
}

// Entries returns the user's ledger, newest first.
func (c *Coordinator) Entries(ctx context.Context, userID UserID, filter EntryFilter) ([]LedgerEntry, error) {
	entries, err := c.Store.ListEntries(ctx, userID, filter)
	if err != nil {
		return nil, classify("ledger.read", err)
	}
	return entries, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (c *Coordinator) insufficientPoints(ctx context.Context, tx Store, userID UserID, cost int64) error {
	b, err := tx.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	return NewInsufficientPoints(userID, b.CurrentPoints, cost)
}

func (c *Coordinator) unit(name string) UnitOptions {
	return UnitOptions{Name: name, Timeout: c.Timeout}
}

func (c *Coordinator) now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now().UTC()
}

func (c *Coordinator) publish(ctx context.Context, entry LedgerEntry, balance UserBalance) {
	if c.Events != nil {
		c.Events.PublishEntry(ctx, entry, balance)
	}
}

func (c *Coordinator) logFailure(ctx context.Context, op string, userID UserID, kind SourceKind, key string, err error) {
	attrs := []any{
		slog.String("op", op),
		slog.String("user_id", string(userID)),
		slog.String("kind", string(kind)),
		slog.String("key", key),
		slog.Any("error", err),
	}
	switch {
	case errors.Is(err, ErrDuplicateEvent):
		c.log().DebugContext(ctx, "duplicate event ignored", attrs...)
	case IsRetryable(err):
		c.log().ErrorContext(ctx, "unit rolled back", attrs...)
	default:
		c.log().InfoContext(ctx, "request rejected", attrs...)
	}
}

func validateSource(userID UserID, kind SourceKind, key string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalidInput, kind)
	}
	if key == "" {
		return fmt.Errorf("%w: source key is required", ErrInvalidInput)
	}
	return nil
}

func (c *Coordinator) log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
