/*
balance.go - User balances, summaries and their invariants

PURPOSE:
  Defines the aggregate a user actually spends from. The balance row is a
  materialized cache of the ledger: the ledger is the source of truth and
  the balance is only ever mutated through the coordinator's deltas.

BALANCE COMPONENTS:
  CurrentPoints:   Spendable points
  LifetimePoints:  Everything ever earned (never reduced by spending)
  PointsSpent:     Everything ever spent
  CashbackBalance: Spendable cashback (separate currency from points)
  CashbackEarned:  Everything ever earned in cashback
  CashbackUsed:    Everything ever redeemed

INVARIANTS:
  CurrentPoints   = LifetimePoints - PointsSpent
  CashbackBalance = CashbackEarned - CashbackUsed
  All components >= 0

SUMMARY:
  UserSummary holds informational counters (review counts, total points
  earned) that the storefront shows next to the profile. They are kept in
  the same unit of work as the balance and corrected by reconciliation.

SEE ALSO:
  - ledger.go: The only writer of balances
  - reconcile/: Recomputes summary counters from event tables
*/
package generic

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// USER BALANCE
// =============================================================================

// UserBalance is the per-user aggregate of points and cashback.
type UserBalance struct {
	UserID          UserID
	CurrentPoints   int64
	LifetimePoints  int64
	PointsSpent     int64
	CashbackBalance decimal.Decimal
	CashbackEarned  decimal.Decimal
	CashbackUsed    decimal.Decimal
	UpdatedAt       time.Time
}

// ZeroBalance is the balance of a user that has never been credited.
func ZeroBalance(userID UserID) UserBalance {
	return UserBalance{
		UserID:          userID,
		CashbackBalance: decimal.Zero,
		CashbackEarned:  decimal.Zero,
		CashbackUsed:    decimal.Zero,
	}
}

// CheckInvariants returns a descriptive error when the balance row is
// internally inconsistent.
func (b UserBalance) CheckInvariants() error {
	if b.CurrentPoints < 0 || b.LifetimePoints < 0 || b.PointsSpent < 0 {
		return fmt.Errorf("negative point component: current=%d lifetime=%d spent=%d",
			b.CurrentPoints, b.LifetimePoints, b.PointsSpent)
	}
	if b.CurrentPoints != b.LifetimePoints-b.PointsSpent {
		return fmt.Errorf("points invariant violated: current=%d lifetime=%d spent=%d",
			b.CurrentPoints, b.LifetimePoints, b.PointsSpent)
	}
	if b.CashbackBalance.IsNegative() || b.CashbackEarned.IsNegative() || b.CashbackUsed.IsNegative() {
		return fmt.Errorf("negative cashback component: balance=%s earned=%s used=%s",
			b.CashbackBalance, b.CashbackEarned, b.CashbackUsed)
	}
	if !b.CashbackBalance.Equal(b.CashbackEarned.Sub(b.CashbackUsed)) {
		return fmt.Errorf("cashback invariant violated: balance=%s earned=%s used=%s",
			b.CashbackBalance, b.CashbackEarned, b.CashbackUsed)
	}
	return nil
}

// CanSpend reports whether the balance covers cost points.
func (b UserBalance) CanSpend(cost int64) bool {
	return b.CurrentPoints >= cost
}

// =============================================================================
// USER SUMMARY - Denormalized informational counters
// =============================================================================

// UserSummary carries the profile counters that mirror event tables.
type UserSummary struct {
	UserID            UserID
	TotalPointsEarned int64
	ReviewCount       int64
	RatingCount       int64
	UpdatedAt         time.Time
}

// SummaryDelta is a relative change to a UserSummary.
type SummaryDelta struct {
	PointsEarned int64
	Reviews      int64
	Ratings      int64
}

func (d SummaryDelta) IsZero() bool {
	return d.PointsEarned == 0 && d.Reviews == 0 && d.Ratings == 0
}

// BalanceDelta is a relative credit applied to a balance row.
type BalanceDelta struct {
	Points   int64
	Cashback decimal.Decimal
}
