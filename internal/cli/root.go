// Package cli defines the cobra command tree for threadctl, the operator
// tool for the comments service.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/config"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/store"
)

var (
	flagFormat      string
	flagDatabaseURL string
	flagRedisURL    string
)

// NewRootCmd creates the root cobra command with global flags.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "threadctl",
		Short:         "Inspect and maintain review comment threads",
		Long:          "Operator tool for the comments service. Applies migrations, prints and follows comment threads, and manages the search index.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagFormat, "format", "text", "output format (text|json)")
	root.PersistentFlags().StringVar(&flagDatabaseURL, "database-url", "", "Postgres URL (default: DATABASE_URL)")
	root.PersistentFlags().StringVar(&flagRedisURL, "redis-url", "", "Redis URL (default: REDIS_URL)")

	root.AddCommand(
		newMigrateCmd(),
		newTreeCmd(),
		newWatchCmd(),
		newSearchCmd(),
		newReindexCmd(),
		newExportCmd(),
	)

	return root
}

// loadConfig reads the service configuration and applies flag overrides.
func loadConfig() config.Config {
	cfg := config.Load()
	if v := strings.TrimSpace(flagDatabaseURL); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(flagRedisURL); v != "" {
		cfg.RedisURL = v
	}
	return cfg
}

// openStore connects to Postgres. Callers close the returned *sql.DB.
func openStore(ctx context.Context, cfg config.Config) (*store.PostgresStore, *sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return store.NewPostgresStore(db), db, nil
}

// isJSON returns true if the --format flag is set to json.
func isJSON() bool {
	return flagFormat == "json"
}

// closeDB closes the database, logging any error to stderr.
func closeDB(database *sql.DB) {
	if err := database.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing database: %v\n", err)
	}
}
