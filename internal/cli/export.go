package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/export"
)

func newExportCmd() *cobra.Command {
	var (
		format          string
		output          string
		title           string
		includeResolved bool
	)
	cmd := &cobra.Command{
		Use:   "export <subject-id>",
		Short: "Write a review report of a subject's threads",
		Long:  "Render the comment threads of a subject as html, pdf or docx. PDF needs a local chromium, DOCX needs pandoc.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			cfg := loadConfig()
			comments, database, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeDB(database)

			res, err := export.NewService(comments).Export(cmd.Context(), export.Request{
				SubjectID:       args[0],
				Title:           title,
				Format:          f,
				IncludeResolved: includeResolved,
			})
			if err != nil {
				return err
			}
			if output == "" {
				output = res.Filename
			}
			if output == "-" {
				_, err = cmd.OutOrStdout().Write(res.Data)
				return err
			}
			if err := os.WriteFile(output, res.Data, 0o644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d bytes)\n", output, len(res.Data))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "to", "pdf", "output format: pdf, docx or html")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file, - for stdout (default: derived from the title)")
	cmd.Flags().StringVar(&title, "title", "", "report title")
	cmd.Flags().BoolVar(&includeResolved, "resolved", false, "include resolved threads")
	return cmd
}
