package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/search"
)

func newSearchCmd() *cobra.Command {
	var (
		subjectID  string
		unresolved bool
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over comments",
		Long:  "Search comment bodies and author names with Postgres full-text search.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			_, database, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeDB(database)

			q := search.Query{
				Text:      strings.Join(args, " "),
				SubjectID: strings.TrimSpace(subjectID),
				Limit:     limit,
			}
			if unresolved {
				open := false
				q.Resolved = &open
			}
			svc := search.NewService(nil, search.NewPgFTS(database))
			return printSearchResults(cmd.OutOrStdout(), svc.Search(cmd.Context(), q))
		},
	}
	cmd.Flags().StringVar(&subjectID, "subject", "", "only search comments on this subject")
	cmd.Flags().BoolVar(&unresolved, "unresolved", false, "only return open comments")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of results")
	return cmd
}
