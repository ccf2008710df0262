package rewards_test

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/rewards"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func rating(v int) *int {
	return &v
}

// =============================================================================
// CHECK-IN
// =============================================================================

func TestCheckinReward_Default(t *testing.T) {
	d := rewards.DefaultRules().CheckinReward()

	assert.Equal(t, int64(10), d.Points)
	assert.True(t, d.Cashback.IsZero())
}

// =============================================================================
// REVIEWS
// =============================================================================

func TestReviewReward_Table(t *testing.T) {
	rules := rewards.DefaultRules()

	tests := []struct {
		name      string
		hasRating bool
		length    int
		want      int64
	}{
		{"plain short review", false, 10, 10},
		{"rated short review", true, 10, 15},
		{"unrated at threshold", false, 50, 15},
		{"unrated one below threshold", false, 49, 10},
		{"rated and detailed hits cap", true, 50, 20},
		{"rated and very long stays capped", true, 5000, 20},
		{"empty content", false, 0, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rules.ReviewReward(tt.hasRating, tt.length)
			assert.Equal(t, tt.want, got.Points)
			assert.True(t, got.Cashback.IsZero())
		})
	}
}

func TestReviewReward_CapBindsWhenBonusesGrow(t *testing.T) {
	// GIVEN: Bonuses that would exceed the cap
	rules := rewards.DefaultRules()
	rules.RatingBonus = 8
	rules.DetailBonus = 8

	// WHEN / THEN: Award is clamped
	assert.Equal(t, int64(20), rules.ReviewReward(true, 100).Points)
	assert.Equal(t, int64(18), rules.ReviewReward(true, 0).Points)
}

func TestReviewRewardFor_NullSafe(t *testing.T) {
	rules := rewards.DefaultRules()

	assert.Equal(t, int64(10), rules.ReviewRewardFor(nil, "").Points)
	assert.Equal(t, int64(15), rules.ReviewRewardFor(rating(4), "ok").Points)
	assert.Equal(t, int64(20), rules.ReviewRewardFor(rating(1), strings.Repeat("x", 50)).Points)
}

func TestReviewRewardFor_CountsCharactersNotBytes(t *testing.T) {
	rules := rewards.DefaultRules()

	// 49 two-byte characters: 98 bytes, still below the threshold
	short := strings.Repeat("é", 49)
	require.Equal(t, 98, len(short))
	assert.Equal(t, int64(10), rules.ReviewRewardFor(nil, short).Points)

	// 50 characters reaches it
	assert.Equal(t, int64(15), rules.ReviewRewardFor(nil, strings.Repeat("é", 50)).Points)
}

func TestContentLength_NormalizesComposition(t *testing.T) {
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"

	assert.Equal(t, 4, rewards.ContentLength(composed))
	assert.Equal(t, 4, rewards.ContentLength(decomposed))
}

// =============================================================================
// REFERRALS
// =============================================================================

func TestReferralReward_Order200(t *testing.T) {
	// GIVEN: A $200.00 first order
	d := rewards.DefaultRules().ReferralReward(dec("200.00"))

	// THEN: Referrer earns 25 points + $5.00, referred earns $10.00
	assert.Equal(t, int64(25), d.Referrer.Points)
	assert.True(t, d.Referrer.Cashback.Equal(dec("5.00")), "got %s", d.Referrer.Cashback)
	assert.Equal(t, int64(0), d.Referred.Points)
	assert.True(t, d.Referred.Cashback.Equal(dec("10.00")), "got %s", d.Referred.Cashback)
}

func TestReferralReward_RoundsToCents(t *testing.T) {
	d := rewards.DefaultRules().ReferralReward(dec("199.99"))

	// 2.5% = 4.99975, 5% = 9.9995
	assert.Equal(t, "5.00", d.Referrer.Cashback.StringFixed(generic.CashbackPlaces))
	assert.Equal(t, "10.00", d.Referred.Cashback.StringFixed(generic.CashbackPlaces))

	d = rewards.DefaultRules().ReferralReward(dec("0.19"))
	assert.Equal(t, "0.00", d.Referrer.Cashback.StringFixed(generic.CashbackPlaces))
	assert.Equal(t, "0.01", d.Referred.Cashback.StringFixed(generic.CashbackPlaces))
}

func TestReferralReward_NonPositiveTotal(t *testing.T) {
	for _, total := range []string{"0", "-15.00"} {
		d := rewards.DefaultRules().ReferralReward(dec(total))

		assert.Equal(t, int64(25), d.Referrer.Points, "total %s", total)
		assert.True(t, d.Referrer.Cashback.IsZero(), "total %s", total)
		assert.True(t, d.Referred.IsZero(), "total %s", total)
	}
}

// =============================================================================
// VALIDATION & DISPLAY
// =============================================================================

func TestValidate(t *testing.T) {
	require.NoError(t, rewards.DefaultRules().Validate())

	negative := rewards.DefaultRules()
	negative.CheckinPoints = -1
	assert.ErrorIs(t, negative.Validate(), generic.ErrInvalidInput)

	lowCap := rewards.DefaultRules()
	lowCap.ReviewCap = 5
	assert.ErrorIs(t, lowCap.Validate(), generic.ErrInvalidInput)

	badPct := rewards.DefaultRules()
	badPct.ReferredCashbackPercent = dec("150")
	assert.ErrorIs(t, badPct.Validate(), generic.ErrInvalidInput)
}

func TestTable_Golden(t *testing.T) {
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "rules_table", []byte(rewards.DefaultRules().Table()))
}
