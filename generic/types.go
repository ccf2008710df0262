/*
Package generic provides the core rewards ledger engine.

PURPOSE:
  This package contains the source-agnostic types and algorithms for keeping
  a user's points and cashback balances consistent. Whether the credit comes
  from a daily check-in, an approved review or a referral payout, and whether
  the debit buys a plot or redeems cashback, the same coordinator applies it:
  one ledger entry, one balance mutation, one atomic unit.

KEY CONCEPTS IN THIS FILE (types.go):
  - UserID / EntryID: Type-safe identifiers
  - SourceKind + SourceKey: The provenance of every balance change
  - LedgerEntry: An immutable record of one reward or spend
  - Cashback helpers: decimal amounts persisted as integer cents

DESIGN PRINCIPLES:
  1. Provenance: Every balance change is one LedgerEntry keyed by its source
  2. Precision: Cashback uses decimal.Decimal, never float64
  3. Idempotency: (user, kind, key) is unique in storage
  4. Deltas only: Workflows hand the coordinator deltas, never balances

USAGE:
  entry := generic.LedgerEntry{
      UserID:      "user-1",
      Kind:        generic.SourceCheckin,
      Key:         "2025-03-10",
      PointsDelta: 10,
  }

SEE ALSO:
  - balance.go: UserBalance and its invariants
  - records.go: Per-source event records (check-ins, reviews, referrals, plots)
  - ledger.go: The transaction coordinator
*/
package generic

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string

// NewID returns a fresh random identifier for entries, reviews, referrals and runs.
func NewID() string {
	return uuid.NewString()
}

// =============================================================================
// SOURCE - Where a balance change came from
// =============================================================================

// SourceKind identifies the workflow that produced a ledger entry.
type SourceKind string

const (
	SourceCheckin  SourceKind = "checkin"
	SourceReview   SourceKind = "review"
	SourceReferral SourceKind = "referral"
	SourcePlot     SourceKind = "plot"
	SourceCashback SourceKind = "cashback"
)

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceCheckin, SourceReview, SourceReferral, SourcePlot, SourceCashback:
		return true
	}
	return false
}

func (k SourceKind) String() string { return string(k) }

// ReferralKey builds the per-role source key for a referral payout.
// Each order produces two independent entries: one for the referrer and one
// for the referred customer.
func ReferralKey(orderID, role string) string {
	return fmt.Sprintf("referral:%s:%s", orderID, role)
}

const (
	RoleReferrer = "referrer"
	RoleReferred = "referred"
)

// =============================================================================
// LEDGER ENTRY - Immutable record of one balance change
// =============================================================================

// LedgerEntry is the append-only provenance record for a reward or spend.
// Rewards carry non-negative deltas, spends carry negative ones.
type LedgerEntry struct {
	ID            EntryID
	UserID        UserID
	Kind          SourceKind
	Key           string
	PointsDelta   int64
	CashbackDelta decimal.Decimal
	Reason        string
	Metadata      map[string]string
	CreatedAt     time.Time
}

// IsSpend reports whether the entry debits the user.
func (e LedgerEntry) IsSpend() bool {
	return e.PointsDelta < 0 || e.CashbackDelta.IsNegative()
}

// EntryFilter narrows ledger queries. Zero values mean "no filter".
type EntryFilter struct {
	Kind  SourceKind
	Limit int
}

// EntryTotals aggregates ledger entries for one user.
type EntryTotals struct {
	Count          int64
	PointsEarned   int64 // sum of positive point deltas
	PointsSpent    int64 // sum of negative point deltas, as a positive number
	CashbackEarned decimal.Decimal
	CashbackUsed   decimal.Decimal
}

// =============================================================================
// CASHBACK - Decimal money persisted as integer cents
// =============================================================================

// CashbackPlaces is the number of decimal places cashback is rounded to.
const CashbackPlaces = 2

// RoundCashback rounds a cashback amount to cents.
func RoundCashback(d decimal.Decimal) decimal.Decimal {
	return d.Round(CashbackPlaces)
}

// MaxCashbackCents bounds a single cashback amount. Balances are sums of
// such amounts and must stay inside int64 cents.
const MaxCashbackCents int64 = 100_000_000_000_000

// CashbackToCents converts a cashback amount to integer cents for storage.
// Stores keep cents so that balance updates stay relative increments in SQL.
// Amounts beyond MaxCashbackCents in either direction fail with ErrInvalidAmount.
func CashbackToCents(d decimal.Decimal) (int64, error) {
	shifted := RoundCashback(d).Shift(CashbackPlaces)
	big := shifted.BigInt()
	if !big.IsInt64() {
		return 0, fmt.Errorf("%w: cashback %s out of range", ErrInvalidAmount, d)
	}
	cents := big.Int64()
	if cents > MaxCashbackCents || cents < -MaxCashbackCents {
		return 0, fmt.Errorf("%w: cashback %s out of range", ErrInvalidAmount, d)
	}
	return cents, nil
}

// ValidateCashback reports whether d can be stored as cents.
func ValidateCashback(d decimal.Decimal) error {
	_, err := CashbackToCents(d)
	return err
}

// CashbackFromCents converts stored cents back into a decimal amount.
func CashbackFromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -CashbackPlaces)
}

// MustParseDecimal parses s, returning zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
