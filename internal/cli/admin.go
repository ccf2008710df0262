package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/warp/rewards-ledger/api"
	"github.com/warp/rewards-ledger/internal/app"
	"github.com/warp/rewards-ledger/reconcile"
)

// =============================================================================
// RULES
// =============================================================================

// RulesOutput is the JSON shape of `rules`.
type RulesOutput struct {
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

// NewRulesCommand prints the configured reward constants. It reads config
// only and never opens the store.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Show the reward rules in effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			r := cfg.Rewards
			o := RulesOutput{
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
			return newFormatter(cmd, rootOpts).Success(o, r.Table())
		},
	}
}

// =============================================================================
// RECONCILE
// =============================================================================

// ReconcileOutput is the JSON shape of `reconcile`.
type ReconcileOutput struct {
	RunID       string             `json:"run_id"`
	Status      string             `json:"status"`
	Users       int                `json:"users"`
	Corrections []CorrectionOutput `json:"corrections"`
	Alarms      []AlarmOutput      `json:"alarms"`
	Error       string             `json:"error,omitempty"`
}

type CorrectionOutput struct {
	UserID   string `json:"user_id"`
	Field    string `json:"field"`
	OldValue int64  `json:"old_value"`
	NewValue int64  `json:"new_value"`
}

type AlarmOutput struct {
	UserID string `json:"user_id"`
	Check  string `json:"check"`
	Detail string `json:"detail"`
}

func toReconcileOutput(r reconcile.Report) ReconcileOutput {
	o := ReconcileOutput{
		RunID:       r.Run.ID,
		Status:      r.Run.Status,
		Users:       r.Run.Users,
		Corrections: make([]CorrectionOutput, 0, len(r.Corrections)),
		Alarms:      make([]AlarmOutput, 0, len(r.Alarms)),
		Error:       r.Run.Error,
	}
	for _, c := range r.Corrections {
		o.Corrections = append(o.Corrections, CorrectionOutput{
			UserID: string(c.UserID), Field: c.Field, OldValue: c.OldValue, NewValue: c.NewValue,
		})
	}
	for _, a := range r.Alarms {
		o.Alarms = append(o.Alarms, AlarmOutput{UserID: string(a.UserID), Check: a.Check, Detail: a.Detail})
	}
	return o
}

type reconcileOptions struct {
	Job string
}

// NewReconcileCommand runs reconciliation once and prints the report.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &reconcileOptions{}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild drifted counters and audit balances",
		Long: `Rebuild drifted counters and audit balances.

Jobs:
  all       every job below, in one run
  reviews   review_count and rating_count from approved reviews
  points    total_points_earned from the ledger
  balances  audit only, reports alarms and never writes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				var run func(context.Context) (reconcile.Report, error)
				switch opts.Job {
				case "all":
					run = a.Reconcile.Run
				case "reviews":
					run = a.Reconcile.RecomputeReviewCounts
				case "points":
					run = a.Reconcile.RecomputePointTotals
				case "balances":
					run = a.Reconcile.AuditBalances
				default:
					return out.Fail(NewExitError(ExitCommandError, fmt.Sprintf("unknown job %q", opts.Job)))
				}

				report, err := run(ctx)
				if err != nil {
					return out.Fail(domainError("reconcile", err))
				}
				return out.Success(toReconcileOutput(report), report.Render())
			})
		},
	}

	cmd.Flags().StringVar(&opts.Job, "job", "all", "job to run (all|reviews|points|balances)")

	return cmd
}

// =============================================================================
// DEMO
// =============================================================================

// NewDemoCommand lists and loads the demo scenarios the server exposes.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Demo scenarios",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List demo scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list := api.Scenarios()
			var b strings.Builder
			w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDESCRIPTION")
			for _, s := range list {
				fmt.Fprintf(w, "%s\t%s\n", s.ID, s.Description)
			}
			w.Flush()
			return newFormatter(cmd, rootOpts).Success(list, b.String())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "load <scenario>",
		Short: "Load a demo scenario (safe to repeat)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				if err := api.NewHandler(a).LoadScenarioByID(ctx, args[0]); err != nil {
					return out.Fail(domainError("load scenario", err))
				}
				return out.Success(map[string]string{"scenario_id": args[0]},
					fmt.Sprintf("loaded scenario %s\n", args[0]))
			})
		},
	})

	return cmd
}
