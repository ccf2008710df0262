/*
root.go - ledgerctl command tree

PURPOSE:
  Operator CLI over the same services the HTTP server wires. Every command
  opens the configured store, does its work, and closes it again.

COMMANDS:
  balance <user>              Balance and point totals
  checkin <user>              Daily check-in
  redeem <user> <amount>      Spend cashback
  rules                       Reward constants
  reconcile                   Run all reconciliation jobs
  plots list|owned|create|buy Plot marketplace
  demo list|load              Demo scenarios

GLOBAL FLAGS:
  --config   TOML or YAML config file
  --db       SQLite path, overrides the config
  --format   text or json
  -v         Log to stderr at debug level

SEE ALSO:
  - cmd/ledgerctl/main.go: Entry point
  - internal/app/app.go: Wiring
*/
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/warp/rewards-ledger/internal/app"
	"github.com/warp/rewards-ledger/internal/config"
	"github.com/warp/rewards-ledger/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	DBPath     string
	Format     string // "json" | "text"
	Verbose    bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for ledgerctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "ledgerctl - rewards ledger operations",
		Long:  "Inspect balances, award check-ins, manage plots and reconcile the rewards ledger.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (.toml, .yaml, .yml)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "sqlite database path (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewBalanceCommand(opts))
	cmd.AddCommand(NewCheckinCommand(opts))
	cmd.AddCommand(NewRedeemCommand(opts))
	cmd.AddCommand(NewRulesCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewPlotsCommand(opts))
	cmd.AddCommand(NewDemoCommand(opts))

	return cmd
}

// loadConfig applies --config and --db on top of defaults and environment.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if opts.DBPath != "" {
		cfg.Database.Driver = config.DriverSQLite
		cfg.Database.Path = opts.DBPath
	}
	return cfg, nil
}

// withApp opens the application for one command and closes it afterwards.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app.App, out *OutputFormatter) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logCfg := cfg.Log
	logCfg.Level = slog.LevelWarn
	if opts.Verbose {
		logCfg.Level = slog.LevelDebug
	}
	logger := logging.New(cmd.ErrOrStderr(), logCfg)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "open ledger", err)
	}
	defer a.Close()

	return fn(ctx, a, newFormatter(cmd, opts))
}
