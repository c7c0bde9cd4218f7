package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(template.New("report.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"indent": func(depth int) int {
		return depth * 24
	},
}).ParseFS(templateFS, "templates/report.html"))

// TemplateData holds data for report template rendering
type TemplateData struct {
	Title       string
	SubjectID   string
	GeneratedAt time.Time
	Threads     []TemplateThread
	Total       int
	Skipped     int
}

// TemplateThread is a top-level comment and its replies, flattened in
// reading order.
type TemplateThread struct {
	TemplateReply
	Resolved bool
	Replies  []TemplateReply
}

// TemplateReply holds one comment for the template
type TemplateReply struct {
	Author    string
	Body      string
	Timestamp string
	CreatedAt time.Time
	Depth     int
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
