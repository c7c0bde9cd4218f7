package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/search"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/thread"
)

// printJSON marshals v as indented JSON and writes it to w.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// forestJSON is the JSON shape of a printed forest.
type forestJSON struct {
	SubjectID string         `json:"subjectId"`
	Threads   []*thread.Node `json:"threads"`
	Total     int            `json:"total"`
}

// printForest writes the reply trees of a subject, one comment per line,
// replies indented under their parent.
func printForest(w io.Writer, subjectID string, forest []*thread.Node) error {
	if isJSON() {
		if forest == nil {
			forest = []*thread.Node{}
		}
		return printJSON(w, forestJSON{SubjectID: subjectID, Threads: forest, Total: thread.Count(forest)})
	}

	if len(forest) == 0 {
		_, err := fmt.Fprintf(w, "No comments on %s.\n", subjectID)
		return err
	}
	if _, err := fmt.Fprintf(w, "%s (%d comments)\n", subjectID, thread.Count(forest)); err != nil {
		return err
	}
	var err error
	thread.Walk(forest, func(n *thread.Node, depth int) {
		if err != nil {
			return
		}
		_, err = fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth+1), formatComment(n.Comment))
	})
	return err
}

// formatComment renders one comment as a single line.
func formatComment(c thread.Comment) string {
	var b strings.Builder
	mark := "[ ]"
	if c.Resolved {
		mark = "[x]"
	}
	author := c.AuthorName
	if author == "" {
		author = c.AuthorID
	}
	fmt.Fprintf(&b, "%s %s %s", mark, c.ID, author)
	if c.MediaTimestamp != nil {
		fmt.Fprintf(&b, " @%s", formatTimestamp(*c.MediaTimestamp))
	}
	fmt.Fprintf(&b, ": %s", truncate(oneLine(c.Body), 80))
	return b.String()
}

// formatTimestamp renders a media offset in seconds as m:ss.s.
func formatTimestamp(seconds float64) string {
	minutes := int(seconds) / 60
	rest := seconds - float64(minutes*60)
	return fmt.Sprintf("%d:%04.1f", minutes, rest)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate shortens s to at most max runes, ending in "..." when cut.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// printSearchResults writes search hits as a table.
func printSearchResults(w io.Writer, resp search.Response) error {
	if isJSON() {
		return printJSON(w, resp)
	}
	if len(resp.Results) == 0 {
		_, err := fmt.Fprintf(w, "No comments match %q.\n", resp.Query)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "ID\tSUBJECT\tAUTHOR\tRESOLVED\tSNIPPET"); err != nil {
		return fmt.Errorf("writing table header: %w", err)
	}
	for _, r := range resp.Results {
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", r.ID, r.SubjectID, r.AuthorName, r.Resolved, truncate(oneLine(r.Snippet), 60)); err != nil {
			return fmt.Errorf("writing table row: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d of %d results\n", len(resp.Results), resp.Total)
	return err
}
