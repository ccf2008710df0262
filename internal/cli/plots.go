package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/internal/app"
)

// PlotOutput is the JSON shape of one plot.
type PlotOutput struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PointsPrice int64  `json:"points_price"`
	OwnerID     string `json:"owner_id,omitempty"`
	IsAvailable bool   `json:"is_available"`
}

func toPlotOutputs(plots []generic.Plot) []PlotOutput {
	out := make([]PlotOutput, 0, len(plots))
	for _, p := range plots {
		out = append(out, PlotOutput{
			ID:          p.ID,
			Name:        p.Name,
			PointsPrice: p.PointsPrice,
			OwnerID:     string(p.OwnerID),
			IsAvailable: p.IsAvailable,
		})
	}
	return out
}

func plotTable(plots []PlotOutput) string {
	if len(plots) == 0 {
		return "no plots\n"
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPRICE\tOWNER")
	for _, p := range plots {
		owner := p.OwnerID
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.ID, p.Name, p.PointsPrice, owner)
	}
	w.Flush()
	return b.String()
}

// NewPlotsCommand groups the marketplace subcommands.
func NewPlotsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plots",
		Short: "Browse, create and buy plots",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List plots that are for sale",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				plots, err := a.Plots.Available(ctx)
				if err != nil {
					return out.Fail(domainError("list plots", err))
				}
				o := toPlotOutputs(plots)
				return out.Success(o, plotTable(o))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "owned <user>",
		Short: "List plots a user owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				plots, err := a.Plots.Owned(ctx, generic.UserID(args[0]))
				if err != nil {
					return out.Fail(domainError("list owned plots", err))
				}
				o := toPlotOutputs(plots)
				return out.Success(o, plotTable(o))
			})
		},
	})

	cmd.AddCommand(newPlotCreateCommand(rootOpts))

	cmd.AddCommand(&cobra.Command{
		Use:   "buy <user> <plot-id>",
		Short: "Buy a plot with points",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				p, err := a.Plots.Purchase(ctx, generic.UserID(args[0]), args[1])
				if err != nil {
					return out.Fail(domainError("buy plot", err))
				}
				o := toPlotOutputs([]generic.Plot{p.Plot})[0]
				return out.Success(o, fmt.Sprintf("%s bought %s for %d points (balance %d)\n",
					args[0], p.Plot.Name, p.Plot.PointsPrice, p.Balance.CurrentPoints))
			})
		},
	})

	return cmd
}

type plotCreateOptions struct {
	ID    string
	Price int64
}

func newPlotCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &plotCreateOptions{}

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Put a new plot up for sale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				p, err := a.Plots.Create(ctx, generic.Plot{ID: opts.ID, Name: args[0], PointsPrice: opts.Price})
				if err != nil {
					return out.Fail(domainError("create plot", err))
				}
				o := toPlotOutputs([]generic.Plot{p})[0]
				return out.Success(o, fmt.Sprintf("created plot %s (%s, %d points)\n", o.ID, o.Name, o.PointsPrice))
			})
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "plot id (generated when empty)")
	cmd.Flags().Int64Var(&opts.Price, "price", 0, "price in points")

	return cmd
}
