package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/store"
)

func newMigrateCmd() *cobra.Command {
	var (
		dir    string
		status bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  "Apply every pending *.up.sql migration, or list which ones are applied with --status.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			if dir == "" {
				dir = cfg.MigrationsDir
			}
			_, database, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeDB(database)

			if !status {
				if err := store.ApplyMigrations(cmd.Context(), database, dir); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
				return nil
			}

			states, err := store.MigrationStatus(cmd.Context(), database, dir)
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), states)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tAPPLIED")
			for _, s := range states {
				fmt.Fprintf(w, "%s\t%t\n", s.Version, s.Applied)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "migrations directory (default: AGENCY_MIGRATIONS_DIR)")
	cmd.Flags().BoolVar(&status, "status", false, "list migrations instead of applying them")
	return cmd
}
