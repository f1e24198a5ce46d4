/*
main.go - Application entry point

PURPOSE:
  Starts the store-credit ledger service and its maintenance commands.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve     Run the HTTP API (default when no command is given)
  migrate   Apply or roll back schema migrations (up | down | version)
  audit     Replay every debt and report drifted aggregates (--repair to fix)

STARTUP SEQUENCE (serve):
  1. Load configuration (defaults, --config TOML, .env, environment)
  2. Initialize logger and SQLite store (migrations run on open)
  3. Register Prometheus metrics and build the ledger Mutator
  4. Configure HTTP router and the audit scheduler
  5. Start server with graceful shutdown

GLOBAL FLAGS:
  --config   TOML configuration file
  --db       SQLite database path (overrides DB_PATH)
             Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SHUTDOWN_TIMEOUT, 30s)
  3. Stop the audit scheduler
  4. Close database connection

EXAMPLES:
  ./server serve --config=./storecredit.toml
  ./server serve --port=3000 --db=":memory:"
  ./server migrate version
  ./server audit --repair

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/storecredit/config"
	"github.com/warp/storecredit/store/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Store-credit debt ledger service",
	Long: `Store-credit debt ledger: records credit orders, payments and
adjustments as an append-only transaction log per customer debt, and serves
them over HTTP.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "TOML configuration file")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides DB_PATH)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves configuration and applies global flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Database.Path = db
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

func openStore(cfg config.Config, log logrus.FieldLogger) (*sqlite.Store, error) {
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	log.WithField("path", cfg.Database.Path).Info("database ready")
	return store, nil
}
