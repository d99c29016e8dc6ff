package commands

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"itchclaim/internal/components/telemetry"
	"itchclaim/internal/config"
	"itchclaim/internal/ledger/db"
	"itchclaim/internal/scrapers/itch"
	"itchclaim/internal/service"
	"itchclaim/lib/restyutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	configPath *string
	verbose    *bool
	dumpDir    *string
)

var rootCmd = &cobra.Command{
	Use:           "itchclaim",
	Short:         "itchclaim claims free items and community copies on itch.io.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(*verbose)
	},
}

func init() {
	configPath = rootCmd.PersistentFlags().String("config", config.DefaultName, "The config file, a .local.json5 next to it overrides it.")
	verbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Show debug output.")
	dumpDir = rootCmd.PersistentFlags().String("dump", "", "Write every failed request and its response to this directory.")
}

// ExecuteContext runs the command line and returns the exit code.
func ExecuteContext(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		slog.Error("itchclaim failed", "err", err)
		return 1
	}
	return 0
}

// env is everything a mode needs, close releases the ledger.
type env struct {
	cfg     config.Config
	service service.Service
	db      *sql.DB
}

func (e env) close() {
	err := e.db.Close()
	if err != nil {
		slog.Warn("failed to close ledger", "err", err)
	}
}

func openEnv() (env, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return env{}, fmt.Errorf("read config: %w", err)
	}

	opts := itch.ClientOptions{
		RetryBudget:       cfg.RetryBudgetDuration(),
		RequestsPerSecond: cfg.RequestsPerSecond,
	}
	if *dumpDir != "" {
		output, err := restyutil.NewFilesystemOutput(*dumpDir)
		if err != nil {
			return env{}, err
		}
		opts.Dump = output
	}
	client, err := itch.NewClient(opts, telemetry.SlogAPI{})
	if err != nil {
		return env{}, fmt.Errorf("create client: %w", err)
	}

	database, err := cfg.Ledger.OpenDB(db.Schema)
	if err != nil {
		return env{}, fmt.Errorf("open ledger: %w", err)
	}

	return env{
		cfg:     cfg,
		service: service.New(client, database, service.OptionsFromConfig(cfg)),
		db:      database,
	}, nil
}

type mode func(ctx context.Context, svc service.Service, args []string) (service.Summary, error)

// runMode opens the environment, runs the mode and prints what it did. The
// summary is printed even when the mode failed halfway.
func runMode(run mode) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		summary, err := run(cmd.Context(), e.service, args)
		if summary.Mode != "" {
			printSummary(summary)
		}
		return err
	}
}

func printSummary(summary service.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(summary.Mode)
	t.AppendHeader(table.Row{"", "Count"})

	if summary.Sales > 0 {
		t.AppendRow(table.Row{"sales", summary.Sales})
	}
	t.AppendRow(table.Row{"items", summary.Items})
	if summary.Checks > 0 {
		t.AppendRow(table.Row{"reward checks", summary.Checks})
	}
	if summary.Cursor > 0 {
		t.AppendRow(table.Row{"next sale", summary.Cursor})
	}

	outcomes := make([]string, 0, len(summary.Outcomes))
	for outcome := range summary.Outcomes {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	if len(outcomes) > 0 {
		t.AppendSeparator()
	}
	for _, outcome := range outcomes {
		t.AppendRow(table.Row{outcome, summary.Outcomes[outcome]})
	}
	t.Render()
}
