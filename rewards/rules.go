/*
Package rewards computes how many points and how much cashback an event earns.

PURPOSE:
  The rules engine is a set of pure functions from an event to a delta.
  It never sees the current balance and never touches storage, so the same
  event always earns the same amount no matter when or how often it is
  evaluated. Workflows call it and hand the result to the coordinator.

RULES (defaults):
  Check-in:   10 points per local day
  Review:     10 base, +5 with a rating, +5 with detailed content
              (>= 50 characters), capped at 20
  Referral:   referrer earns 25 points + 2.5% of the order total as cashback
              referred user earns 5% of the order total as cashback

PRECISION:
  Cashback is a decimal rounded half-up to cents. Percentages are decimals,
  never float64: 2.5% of 199.99 is 4.99975, stored as 5.00.

CONFIGURATION:
  Every constant is a field on Rules. DefaultRules() returns the values
  above; internal/config overrides them from the [rewards] section.

SEE ALSO:
  - generic/ledger.go: Coordinator that applies the deltas
  - checkin/, reviews/, referrals/: Callers
*/
package rewards

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/warp/rewards-ledger/generic"
	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// RULES
// =============================================================================

// Rules holds the business constants of the reward economy.
type Rules struct {
	CheckinPoints int64 `toml:"checkin_points" yaml:"checkin_points"`

	ReviewBasePoints int64 `toml:"review_base_points" yaml:"review_base_points"`
	RatingBonus      int64 `toml:"rating_bonus" yaml:"rating_bonus"`
	DetailBonus      int64 `toml:"detail_bonus" yaml:"detail_bonus"`
	DetailThreshold  int   `toml:"detail_threshold" yaml:"detail_threshold"` // characters
	ReviewCap        int64 `toml:"review_cap" yaml:"review_cap"`

	ReferrerPoints int64 `toml:"referrer_points" yaml:"referrer_points"`
	// Percent of the order total, e.g. 2.5 means 2.5%.
	ReferrerCashbackPercent decimal.Decimal `toml:"referrer_cashback_percent" yaml:"referrer_cashback_percent"`
	ReferredCashbackPercent decimal.Decimal `toml:"referred_cashback_percent" yaml:"referred_cashback_percent"`
}

// DefaultRules returns the production reward constants.
func DefaultRules() Rules {
	return Rules{
		CheckinPoints:           10,
		ReviewBasePoints:        10,
		RatingBonus:             5,
		DetailBonus:             5,
		DetailThreshold:         50,
		ReviewCap:               20,
		ReferrerPoints:          25,
		ReferrerCashbackPercent: decimal.RequireFromString("2.5"),
		ReferredCashbackPercent: decimal.NewFromInt(5),
	}
}

// Validate rejects rule sets that could produce negative or inconsistent awards.
func (r Rules) Validate() error {
	ints := []struct {
		name string
		v    int64
	}{
		{"checkin_points", r.CheckinPoints},
		{"review_base_points", r.ReviewBasePoints},
		{"rating_bonus", r.RatingBonus},
		{"detail_bonus", r.DetailBonus},
		{"detail_threshold", int64(r.DetailThreshold)},
		{"review_cap", r.ReviewCap},
		{"referrer_points", r.ReferrerPoints},
	}
	for _, f := range ints {
		if f.v < 0 {
			return fmt.Errorf("%w: %s must be non-negative, got %d", generic.ErrInvalidInput, f.name, f.v)
		}
	}
	if r.ReviewCap < r.ReviewBasePoints {
		return fmt.Errorf("%w: review_cap (%d) is below review_base_points (%d)",
			generic.ErrInvalidInput, r.ReviewCap, r.ReviewBasePoints)
	}
	hundred := decimal.NewFromInt(100)
	for name, pct := range map[string]decimal.Decimal{
		"referrer_cashback_percent": r.ReferrerCashbackPercent,
		"referred_cashback_percent": r.ReferredCashbackPercent,
	} {
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return fmt.Errorf("%w: %s must be within [0, 100], got %s", generic.ErrInvalidInput, name, pct)
		}
	}
	return nil
}

// =============================================================================
// DELTAS
// =============================================================================

// Delta is what one party earns for one event.
type Delta struct {
	Points   int64
	Cashback decimal.Decimal
}

func (d Delta) IsZero() bool {
	return d.Points == 0 && d.Cashback.IsZero()
}

// ReferralDeltas splits a referral payout between the two parties.
type ReferralDeltas struct {
	Referrer Delta
	Referred Delta
}

// CheckinReward is the award for one daily check-in.
func (r Rules) CheckinReward() Delta {
	return Delta{Points: r.CheckinPoints, Cashback: decimal.Zero}
}

// ReviewReward computes the review award from its two observable properties.
func (r Rules) ReviewReward(hasRating bool, contentLength int) Delta {
	points := r.ReviewBasePoints
	if hasRating {
		points += r.RatingBonus
	}
	if contentLength >= r.DetailThreshold {
		points += r.DetailBonus
	}
	if points > r.ReviewCap {
		points = r.ReviewCap
	}
	return Delta{Points: points, Cashback: decimal.Zero}
}

// ReviewRewardFor applies ReviewReward to a stored review. A nil rating
// earns no bonus and content length is measured in characters.
func (r Rules) ReviewRewardFor(rating *int, content string) Delta {
	return r.ReviewReward(rating != nil, ContentLength(content))
}

// ContentLength counts user-perceived characters: content is NFC-normalized
// first so "é" scores the same whether it arrived composed or decomposed.
func ContentLength(content string) int {
	return utf8.RuneCountInString(norm.NFC.String(content))
}

// ReferralReward computes both sides of a referral payout for an order.
// Referrer points do not depend on the total.
func (r Rules) ReferralReward(orderTotal decimal.Decimal) ReferralDeltas {
	out := ReferralDeltas{
		Referrer: Delta{Points: r.ReferrerPoints, Cashback: decimal.Zero},
		Referred: Delta{Cashback: decimal.Zero},
	}
	if !orderTotal.IsPositive() {
		return out
	}
	out.Referrer.Cashback = percentOf(orderTotal, r.ReferrerCashbackPercent)
	out.Referred.Cashback = percentOf(orderTotal, r.ReferredCashbackPercent)
	return out
}

func percentOf(total, pct decimal.Decimal) decimal.Decimal {
	return generic.RoundCashback(total.Mul(pct).Div(decimal.NewFromInt(100)))
}

// =============================================================================
// DISPLAY
// =============================================================================

// Table renders the rule set as an aligned two-column table.
func (r Rules) Table() string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RULE\tAWARD")
	fmt.Fprintf(w, "checkin\t%d points per day\n", r.CheckinPoints)
	fmt.Fprintf(w, "review\t%d points base\n", r.ReviewBasePoints)
	fmt.Fprintf(w, "review.rating\t+%d points when rated\n", r.RatingBonus)
	fmt.Fprintf(w, "review.detail\t+%d points at %d+ characters\n", r.DetailBonus, r.DetailThreshold)
	fmt.Fprintf(w, "review.cap\t%d points max\n", r.ReviewCap)
	fmt.Fprintf(w, "referral.referrer\t%d points + %s%% cashback\n", r.ReferrerPoints, r.ReferrerCashbackPercent.String())
	fmt.Fprintf(w, "referral.referred\t%s%% cashback\n", r.ReferredCashbackPercent.String())
	w.Flush()
	return b.String()
}
