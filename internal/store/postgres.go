package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/thread"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/util"
)

const defaultRole = "commenter"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const upsert = `
		INSERT INTO users (display_name)
		VALUES ($1)
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, COALESCE(email, ''), COALESCE(password_hash, ''), role, created_at, updated_at
	`
	user, err := scanUser(s.db.QueryRowContext(ctx, upsert, name))
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, display_name, COALESCE(email, ''), COALESCE(password_hash, ''), role, created_at, updated_at
		FROM users WHERE id=$1
	`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, display_name, COALESCE(email, ''), COALESCE(password_hash, ''), role, created_at, updated_at
		FROM users WHERE LOWER(email)=LOWER($1)
	`, email))
}

// CreateUser inserts an account with a password hash. A taken email or
// display name yields ErrDuplicate.
func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	if user.Role == "" {
		user.Role = defaultRole
	}
	created, err := scanUser(s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name, email, password_hash, role)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4)
		RETURNING id, display_name, COALESCE(email, ''), COALESCE(password_hash, ''), role, created_at, updated_at
	`, user.DisplayName, user.Email, user.PasswordHash, user.Role))
	if isUniqueViolation(err) {
		return User{}, ErrDuplicate
	}
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

const commentColumns = `id, subject_id, subject_type, parent_comment_id, author_id, author_display_name, body, resolved, position_x, position_y, media_timestamp, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComment(row rowScanner) (thread.Comment, error) {
	var (
		c         thread.Comment
		parentID  sql.NullString
		posX      sql.NullFloat64
		posY      sql.NullFloat64
		timestamp sql.NullFloat64
	)
	if err := row.Scan(
		&c.ID,
		&c.SubjectID,
		&c.SubjectType,
		&parentID,
		&c.AuthorID,
		&c.AuthorName,
		&c.Body,
		&c.Resolved,
		&posX,
		&posY,
		&timestamp,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return thread.Comment{}, err
	}
	if parentID.Valid {
		c.ParentID = &parentID.String
	}
	if posX.Valid && posY.Valid {
		c.Position = &thread.Position{X: posX.Float64, Y: posY.Float64}
	}
	if timestamp.Valid {
		c.MediaTimestamp = &timestamp.Float64
	}
	return c, nil
}

func (s *PostgresStore) queryComments(ctx context.Context, query string, args ...any) ([]thread.Comment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]thread.Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		if err := thread.Validate(item); err != nil {
			log.Printf("store: skipping comment %q: %v", item.ID, err)
			continue
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// FetchBySubject returns every comment of the subject, oldest first.
func (s *PostgresStore) FetchBySubject(ctx context.Context, subjectID string) ([]thread.Comment, error) {
	return s.queryComments(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE subject_id=$1
		ORDER BY created_at ASC, id ASC
	`, subjectID)
}

// ListAllComments returns every stored comment, used to rebuild the search index.
func (s *PostgresStore) ListAllComments(ctx context.Context) ([]thread.Comment, error) {
	return s.queryComments(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		ORDER BY subject_id, created_at ASC, id ASC
	`)
}

func (s *PostgresStore) GetComment(ctx context.Context, id string) (thread.Comment, error) {
	c, err := scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return thread.Comment{}, fmt.Errorf("%w: %s", thread.ErrNotFound, id)
	}
	if err != nil {
		return thread.Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return c, nil
}

// Insert stores a draft. A parent that does not exist or belongs to another
// subject is rejected with thread.ErrInvalidParent. Inserting an id that
// already exists returns the stored row unchanged.
func (s *PostgresStore) Insert(ctx context.Context, draft thread.Draft) (thread.Comment, error) {
	if draft.ID == "" {
		draft.ID = util.NewID("cmt")
	}
	if draft.ParentID != nil && *draft.ParentID == "" {
		draft.ParentID = nil
	}
	if err := thread.Validate(draft); err != nil {
		return thread.Comment{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return thread.Comment{}, fmt.Errorf("begin insert comment: %w", err)
	}
	defer tx.Rollback()

	if draft.ParentID != nil {
		var parentSubject string
		err := tx.QueryRowContext(ctx, `SELECT subject_id FROM comments WHERE id=$1`, *draft.ParentID).Scan(&parentSubject)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && parentSubject != draft.SubjectID) {
			return thread.Comment{}, thread.ErrInvalidParent
		}
		if err != nil {
			return thread.Comment{}, fmt.Errorf("lookup parent comment: %w", err)
		}
	}

	var posX, posY *float64
	if draft.Position != nil {
		posX, posY = &draft.Position.X, &draft.Position.Y
	}

	saved, err := scanComment(tx.QueryRowContext(ctx, `
		INSERT INTO comments (id, subject_id, subject_type, parent_comment_id, author_id, author_display_name, body, position_x, position_y, media_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+commentColumns,
		draft.ID, draft.SubjectID, draft.SubjectType, draft.ParentID, draft.AuthorID, draft.AuthorName, draft.Body, posX, posY, draft.MediaTimestamp,
	))
	if errors.Is(err, sql.ErrNoRows) {
		saved, err = scanComment(tx.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, draft.ID))
	}
	if err != nil {
		return thread.Comment{}, fmt.Errorf("insert comment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return thread.Comment{}, fmt.Errorf("commit insert comment: %w", err)
	}
	return saved, nil
}

// Update applies the non-nil fields of patch. Editing the body moves
// updated_at; toggling resolved does not.
func (s *PostgresStore) Update(ctx context.Context, id string, patch thread.Patch) (thread.Comment, error) {
	if err := thread.Validate(patch); err != nil {
		return thread.Comment{}, err
	}
	saved, err := scanComment(s.db.QueryRowContext(ctx, `
		UPDATE comments
		SET body = COALESCE($2::text, body),
			resolved = COALESCE($3::boolean, resolved),
			updated_at = CASE WHEN $2::text IS NULL THEN updated_at ELSE NOW() END
		WHERE id=$1
		RETURNING `+commentColumns,
		id, patch.Body, patch.Resolved,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return thread.Comment{}, fmt.Errorf("%w: %s", thread.ErrNotFound, id)
	}
	if err != nil {
		return thread.Comment{}, fmt.Errorf("update comment: %w", err)
	}
	return saved, nil
}

// Delete removes a comment. Its replies keep their rows and become top-level.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", thread.ErrNotFound, id)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
