// Command festa-admin runs maintenance tasks against the festa database:
// migrations, roster seeding, wallet exports, ledger sync recovery and
// ledger verification.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"festa/internal/backend"
	"festa/internal/cli"
	"festa/internal/config"
	"festa/internal/export"
	"festa/internal/log"
	"festa/internal/seed"
	"festa/internal/services"
	"festa/internal/sheets"
	"festa/internal/storage"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(log.ComponentAdmin)
	if err := newRootCmd(config.Load(), logger).Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	cfg    *config.Config
	logger *slog.Logger
	dbPath string
}

func newRootCmd(cfg *config.Config, logger *slog.Logger) *cobra.Command {
	a := &app{cfg: cfg, logger: logger}

	root := &cobra.Command{
		Use:          "festa-admin",
		Short:        "Maintenance commands for the festa database",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.dbPath, "db", cfg.SQLiteDBPath, "Path to the SQLite database")

	root.AddCommand(a.migrateCmd(), a.seedCmd(), a.exportCmd(), a.retrySyncCmd(), a.ledgerCmd())
	return root
}

func (a *app) open() (*storage.SQLiteRepository, error) {
	repo, err := storage.NewSQLiteRepository(a.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", a.dbPath, err)
	}
	return repo, nil
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := storage.RunMigrations(a.dbPath); err != nil {
				return err
			}
			a.logger.Info("Migrations applied", "db", a.dbPath)
			fmt.Fprintln(cmd.OutOrStdout(), "migrations up to date")
			return nil
		},
	}
}

func (a *app) seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load users, wallets and parts from a YAML roster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			roster, err := seed.Load(f)
			if err != nil {
				return err
			}
			repo, err := a.open()
			if err != nil {
				return err
			}
			defer repo.Close()

			res, err := seed.Apply(cmd.Context(), repo, roster)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d users, %d wallets, %d parts; added %d members\n",
				res.Users, res.Wallets, res.Parts, res.Members)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "roster.yaml", "Roster file")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var walletID, format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a wallet report as CSV or PDF",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format = strings.ToLower(format)
			if format != "csv" && format != "pdf" {
				return fmt.Errorf("unknown format %q, want csv or pdf", format)
			}
			repo, err := a.open()
			if err != nil {
				return err
			}
			defer repo.Close()

			budgets := services.NewBudgetService(repo, 1, a.cfg.CacheTTL)
			exports := services.NewExportService(repo, budgets, export.PDFOptions{FontPath: a.cfg.PDFFontPath})

			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			// No user: the operator is trusted with every wallet
			write := exports.WriteCSV
			if format == "pdf" {
				write = exports.WritePDF
			}
			if err := write(cmd.Context(), w, walletID, ""); err != nil {
				return err
			}
			a.logger.Info("Wallet exported", "wallet_id", walletID, "format", format, "out", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&walletID, "wallet", "w", "", "Wallet ID")
	cmd.Flags().StringVar(&format, "format", "csv", "Report format: csv or pdf")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "Output file, - for stdout")
	_ = cmd.MarkFlagRequired("wallet")
	return cmd
}

func (a *app) retrySyncCmd() *cobra.Command {
	var now bool
	cmd := &cobra.Command{
		Use:   "retry-sync",
		Short: "Make purchases whose ledger sync gave up eligible again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := a.open()
			if err != nil {
				return err
			}
			defer repo.Close()

			processor, err := a.processor(cmd.Context(), repo)
			if err != nil {
				return err
			}

			n, err := processor.RetryFailed(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d purchases\n", n)

			if now {
				synced, failed := processor.ProcessPending(cmd.Context(), a.cfg.SyncBatchSize)
				fmt.Fprintf(cmd.OutOrStdout(), "synced %d, failed %d\n", synced, failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&now, "now", false, "Also write one batch to the ledger immediately")
	return cmd
}

func (a *app) ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the accounting ledger",
	}

	var year int
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Compare the ledger rows of a year with the purchases marked synced",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := a.open()
			if err != nil {
				return err
			}
			defer repo.Close()

			processor, err := a.processor(cmd.Context(), repo)
			if err != nil {
				return err
			}
			check, err := processor.Verify(cmd.Context(), year)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d: %d synced purchases, %d ledger rows\n", check.Year, check.Synced, check.Rows)
			for _, id := range check.Missing {
				fmt.Fprintf(out, "missing from ledger: %s\n", id)
			}
			for _, id := range check.Unknown {
				fmt.Fprintf(out, "not marked synced: %s\n", id)
			}
			if !check.OK() {
				return fmt.Errorf("ledger for %d disagrees with the sync queue", check.Year)
			}
			return nil
		},
	}
	verify.Flags().IntVar(&year, "year", time.Now().Year(), "Year of the ledger sheet")

	cmd.AddCommand(verify)
	return cmd
}

func (a *app) processor(ctx context.Context, repo *storage.SQLiteRepository) (*services.LedgerSyncProcessor, error) {
	ledger, err := a.ledger(ctx)
	if err != nil {
		return nil, err
	}
	return services.NewLedgerSyncProcessor(repo, ledger, services.LedgerSyncConfig{
		PollInterval: a.cfg.SyncInterval,
		BatchSize:    a.cfg.SyncBatchSize,
		MaxRetries:   a.cfg.SyncMaxRetries,
	}), nil
}

func (a *app) ledger(ctx context.Context) (sheets.Ledger, error) {
	c, err := backend.FromAppConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	return backend.NewLedger(ctx, a.logger, c)
}
