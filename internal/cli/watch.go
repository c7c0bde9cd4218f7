package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/feed"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/thread"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <subject-id>",
		Short: "Follow the comment threads of a subject live",
		Long:  "Open a live thread cache for a subject and reprint its reply trees whenever a comment is added, edited, resolved or deleted. Stop with Ctrl-C.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd, args[0])
		},
	}
}

func runWatch(ctx context.Context, cmd *cobra.Command, subjectID string) error {
	cfg := loadConfig()
	comments, database, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB(database)

	changes, err := feed.NewRedisFeed(cfg.RedisURL, cfg.FeedPrefix)
	if err != nil {
		return fmt.Errorf("connecting to feed: %w", err)
	}
	defer changes.Close()

	cache := thread.NewCache(subjectID, comments, changes)
	cache.SetResyncTimeout(cfg.ResyncTimeout)

	updates := make(chan []*thread.Node, 1)
	cancel := cache.Watch(func(forest []*thread.Node) {
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- forest:
		default:
		}
	})
	defer cancel()

	if err := cache.Open(ctx); err != nil {
		return err
	}
	defer cache.Close()

	out := cmd.OutOrStdout()
	if err := printForest(out, subjectID, cache.Forest()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case forest := <-updates:
			if !isJSON() {
				fmt.Fprintln(out)
			}
			if err := printForest(out, subjectID, forest); err != nil {
				return err
			}
		}
	}
}
