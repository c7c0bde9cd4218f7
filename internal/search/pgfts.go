package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// buildQuery renders the count and page queries over comments.fts for q.
func buildQuery(q Query) (countSQL, dataSQL string, args []any) {
	tsQuery := "plainto_tsquery('english', $1)"
	args = []any{q.Text}
	where := []string{"c.fts @@ " + tsQuery}

	if q.SubjectID != "" {
		args = append(args, q.SubjectID)
		where = append(where, fmt.Sprintf("c.subject_id = $%d", len(args)))
	}
	if q.SubjectType != "" {
		args = append(args, q.SubjectType)
		where = append(where, fmt.Sprintf("c.subject_type = $%d", len(args)))
	}
	if q.Resolved != nil {
		args = append(args, *q.Resolved)
		where = append(where, fmt.Sprintf("c.resolved = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	countSQL = "SELECT count(*) FROM comments c WHERE " + clause
	dataSQL = fmt.Sprintf(`
		SELECT c.id, c.subject_id, c.subject_type, COALESCE(c.parent_comment_id, ''), c.author_display_name,
			ts_headline('english', c.body, %s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
			c.resolved
		FROM comments c
		WHERE %s
		ORDER BY ts_rank(c.fts, %s) DESC, c.created_at DESC
		LIMIT %d OFFSET %d`,
		tsQuery, clause, tsQuery, normalizeLimit(q.Limit), max(q.Offset, 0))
	return countSQL, dataSQL, args
}

// Search ranks comments with ts_rank and highlights the body with ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	countSQL, dataSQL, args := buildQuery(q)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.SubjectID, &r.SubjectType, &r.ParentID, &r.AuthorName, &r.Snippet, &r.Resolved); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every comment as an index record for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CommentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, subject_id, subject_type, COALESCE(parent_comment_id, ''), author_display_name, body, resolved, EXTRACT(EPOCH FROM created_at)::bigint
		FROM comments
	`)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	defer rows.Close()

	records := make([]CommentRecord, 0)
	for rows.Next() {
		var r CommentRecord
		if err := rows.Scan(&r.ID, &r.SubjectID, &r.SubjectType, &r.ParentID, &r.AuthorName, &r.Body, &r.Resolved, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return records, nil
}
