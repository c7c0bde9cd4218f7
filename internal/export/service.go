package export

import (
	"context"
	"fmt"
	"time"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/thread"
)

// CommentSource loads the flat comment rows of a subject.
type CommentSource interface {
	FetchBySubject(ctx context.Context, subjectID string) ([]thread.Comment, error)
}

// Service provides review report export
type Service struct {
	source CommentSource
	now    func() time.Time
	pdf    func(ctx context.Context, html, title string) (*Result, error)
	docx   func(ctx context.Context, html, title string) (*Result, error)
}

// NewService creates a new export service
func NewService(source CommentSource) *Service {
	return &Service{
		source: source,
		now:    time.Now,
		pdf:    exportPDF,
		docx:   exportDOCX,
	}
}

// Export generates a report in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	comments, err := s.source.FetchBySubject(ctx, req.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("fetch comments: %w", err)
	}
	forest := thread.Build(thread.SortByCreated(comments))

	title := req.Title
	if title == "" {
		title = "Review notes for " + req.SubjectID
	}
	data := TemplateData{
		Title:       title,
		SubjectID:   req.SubjectID,
		GeneratedAt: s.now().UTC(),
		Threads:     []TemplateThread{},
	}
	for _, root := range forest {
		if root.Resolved && !req.IncludeResolved {
			data.Skipped++
			continue
		}
		data.Threads = append(data.Threads, templateThread(root))
	}
	data.Total = len(data.Threads)

	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.pdf(ctx, html, title)
	case FormatDOCX:
		return s.docx(ctx, html, title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

func templateThread(root *thread.Node) TemplateThread {
	t := TemplateThread{
		TemplateReply: templateReply(root.Comment, 0),
		Resolved:      root.Resolved,
		Replies:       []TemplateReply{},
	}
	thread.Walk(root.Replies, func(n *thread.Node, depth int) {
		t.Replies = append(t.Replies, templateReply(n.Comment, depth+1))
	})
	return t
}

func templateReply(c thread.Comment, depth int) TemplateReply {
	r := TemplateReply{
		Author:    c.AuthorName,
		Body:      c.Body,
		CreatedAt: c.CreatedAt,
		Depth:     depth,
	}
	if r.Author == "" {
		r.Author = c.AuthorID
	}
	if c.MediaTimestamp != nil {
		r.Timestamp = formatTimestamp(*c.MediaTimestamp)
	}
	return r
}

func formatTimestamp(seconds float64) string {
	minutes := int(seconds) / 60
	rest := seconds - float64(minutes*60)
	return fmt.Sprintf("%d:%04.1f", minutes, rest)
}
