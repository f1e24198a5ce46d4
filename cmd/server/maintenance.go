package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/storecredit/ledger"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().Bool("repair", false, "Rewrite drifted aggregates from the transaction log")
}

// =============================================================================
// MIGRATE
// =============================================================================

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Manage the database schema",
	Long:      `Apply (up), roll back (down) or show (version) schema migrations. Opening the store already applies pending migrations.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"up", "down", "version"},
	RunE:      runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	action := "up"
	if len(args) == 1 {
		action = args[0]
	}

	switch action {
	case "up":
		if err := store.MigrateUp(); err != nil {
			return err
		}
	case "down":
		if err := store.MigrateDown(); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}

	version, dirty, err := store.MigrationVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %t)\n", version, dirty)
	return nil
}

// =============================================================================
// AUDIT
// =============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Replay every debt and compare with stored aggregates",
	Long: `Replays each debt's transaction log and reports debts whose stored amount,
remaining amount or status differ from the replayed values. With --repair the
aggregates are rewritten from replay; the log itself is never modified.`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func runAudit(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	mutator := ledger.NewMutator(store,
		ledger.WithLogger(logger),
		ledger.WithMaxConflictRetries(cfg.Ledger.MaxConflictRetries),
	)

	repair, _ := cmd.Flags().GetBool("repair")
	var report *ledger.AuditReport
	if repair {
		report, err = mutator.RepairAggregates(cmd.Context())
	} else {
		report, err = mutator.Audit(cmd.Context())
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "checked %d debts, %d drifted, %d repaired\n", report.Checked, len(report.Warnings), report.Repaired)
	for _, w := range report.Warnings {
		fmt.Fprintf(out, "  %s\n", w.Error())
	}
	if len(report.Warnings) > report.Repaired {
		return fmt.Errorf("%d debts need repair", len(report.Warnings)-report.Repaired)
	}
	return nil
}
