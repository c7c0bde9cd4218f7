package cli

import (
	"github.com/spf13/cobra"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/thread"
)

func newTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <subject-id>",
		Short: "Print the comment threads of a subject",
		Long:  "Load every comment of a subject from the database and print them as reply trees, oldest first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			comments, database, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeDB(database)

			rows, err := comments.FetchBySubject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printForest(cmd.OutOrStdout(), args[0], thread.Build(thread.SortByCreated(rows)))
		},
	}
}
