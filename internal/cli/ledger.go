package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/internal/app"
)

// BalanceOutput is the JSON shape of `balance`.
type BalanceOutput struct {
	UserID            string `json:"user_id"`
	CurrentPoints     int64  `json:"current_points"`
	LifetimePoints    int64  `json:"lifetime_points"`
	PointsSpent       int64  `json:"points_spent"`
	CashbackBalance   string `json:"cashback_balance"`
	CashbackEarned    string `json:"cashback_earned"`
	CashbackUsed      string `json:"cashback_used"`
	TotalPointsEarned int64  `json:"total_points_earned"`
	ReviewCount       int64  `json:"review_count"`
	RatingCount       int64  `json:"rating_count"`
}

func toBalanceOutput(b generic.UserBalance, s generic.UserSummary) BalanceOutput {
	return BalanceOutput{
		UserID:            string(b.UserID),
		CurrentPoints:     b.CurrentPoints,
		LifetimePoints:    b.LifetimePoints,
		PointsSpent:       b.PointsSpent,
		CashbackBalance:   b.CashbackBalance.StringFixed(2),
		CashbackEarned:    b.CashbackEarned.StringFixed(2),
		CashbackUsed:      b.CashbackUsed.StringFixed(2),
		TotalPointsEarned: s.TotalPointsEarned,
		ReviewCount:       s.ReviewCount,
		RatingCount:       s.RatingCount,
	}
}

func (o BalanceOutput) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "user:     %s\n", o.UserID)
	fmt.Fprintf(&b, "points:   %d (lifetime %d, spent %d)\n", o.CurrentPoints, o.LifetimePoints, o.PointsSpent)
	fmt.Fprintf(&b, "cashback: %s (earned %s, used %s)\n", o.CashbackBalance, o.CashbackEarned, o.CashbackUsed)
	fmt.Fprintf(&b, "reviews:  %d (%d rated)\n", o.ReviewCount, o.RatingCount)
	return b.String()
}

// =============================================================================
// BALANCE
// =============================================================================

func NewBalanceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user>",
		Short: "Show a user's points and cashback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				return runBalance(ctx, a, out, generic.UserID(args[0]))
			})
		},
	}
}

func runBalance(ctx context.Context, a *app.App, out *OutputFormatter, userID generic.UserID) error {
	bal, err := a.Ledger.Balance(ctx, userID)
	if err != nil {
		return out.Fail(domainError("get balance", err))
	}
	sum, err := a.Store.GetSummary(ctx, userID)
	if err != nil {
		return out.Fail(domainError("get summary", err))
	}
	o := toBalanceOutput(bal, sum)
	return out.Success(o, o.text())
}

// =============================================================================
// CHECK-IN
// =============================================================================

// CheckinOutput is the JSON shape of `checkin`.
type CheckinOutput struct {
	UserID           string `json:"user_id"`
	Date             string `json:"date"`
	PointsAwarded    int64  `json:"points_awarded"`
	AlreadyCheckedIn bool   `json:"already_checked_in"`
	Streak           int    `json:"streak"`
	CurrentPoints    int64  `json:"current_points"`
}

func NewCheckinCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkin <user>",
		Short: "Record today's check-in for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				res, err := a.Checkin.CheckIn(ctx, generic.UserID(args[0]))
				if err != nil {
					return out.Fail(domainError("check in", err))
				}
				o := CheckinOutput{
					UserID:           args[0],
					Date:             res.Date,
					PointsAwarded:    res.PointsAwarded,
					AlreadyCheckedIn: res.AlreadyCheckedIn,
					Streak:           res.Streak,
					CurrentPoints:    res.Balance.CurrentPoints,
				}
				text := fmt.Sprintf("checked in %s on %s: +%d points (streak %d, balance %d)\n",
					o.UserID, o.Date, o.PointsAwarded, o.Streak, o.CurrentPoints)
				if o.AlreadyCheckedIn {
					text = fmt.Sprintf("%s already checked in on %s (streak %d, balance %d)\n",
						o.UserID, o.Date, o.Streak, o.CurrentPoints)
				}
				return out.Success(o, text)
			})
		},
	}
}

// =============================================================================
// REDEEM
// =============================================================================

// RedeemOptions holds flags for the redeem command.
type RedeemOptions struct {
	Key    string
	Reason string
}

// RedeemOutput is the JSON shape of `redeem`.
type RedeemOutput struct {
	UserID          string `json:"user_id"`
	Key             string `json:"key"`
	Amount          string `json:"amount"`
	CashbackBalance string `json:"cashback_balance"`
}

func NewRedeemCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RedeemOptions{}

	cmd := &cobra.Command{
		Use:   "redeem <user> <amount>",
		Short: "Spend cashback from a user's balance",
		Long: `Spend cashback from a user's balance.

Pass --key to make the redemption idempotent; retries with the same key
are rejected as duplicates. Without --key a random key is generated.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "parse amount", err)
			}
			key := opts.Key
			if key == "" {
				key = uuid.NewString()
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				res, err := a.Ledger.RedeemCashback(ctx, generic.UserID(args[0]), key, amount, opts.Reason)
				if err != nil {
					return out.Fail(domainError("redeem cashback", err))
				}
				o := RedeemOutput{
					UserID:          args[0],
					Key:             key,
					Amount:          amount.StringFixed(2),
					CashbackBalance: res.Balance.CashbackBalance.StringFixed(2),
				}
				return out.Success(o, fmt.Sprintf("redeemed %s for %s (remaining %s)\n",
					o.Amount, o.UserID, o.CashbackBalance))
			})
		},
	}

	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key")
	cmd.Flags().StringVar(&opts.Reason, "reason", "cli redemption", "ledger reason")

	return cmd
}
