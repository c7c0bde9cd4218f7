package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/search"
)

func newReindexCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the Meilisearch comment index from Postgres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			if strings.TrimSpace(cfg.MeiliURL) == "" {
				return errors.New("MEILI_URL is not set")
			}
			_, database, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeDB(database)

			meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
			svc := search.NewService(meili, search.NewPgFTS(database))
			defer svc.Close()

			if err := waitHealthy(cmd.Context(), meili, wait); err != nil {
				return err
			}
			count, err := svc.ReindexAllFromPG(cmd.Context())
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), map[string]int{"indexed": count})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d comments.\n", count)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for Meilisearch to report healthy")
	return cmd
}

func waitHealthy(ctx context.Context, meili *search.Meili, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for !meili.Healthy() {
		if time.Now().After(deadline) {
			return errors.New("meilisearch is not healthy")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return nil
}
