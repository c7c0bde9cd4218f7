package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nikosmaheras11/AGENCY-CRM/internal/auth"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/authpw"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/config"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/email"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/export"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/feed"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/rbac"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/search"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/session"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/store"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/thread"
	"github.com/nikosmaheras11/AGENCY-CRM/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// CommentInput is the body of a new comment or reply.
type CommentInput struct {
	Body            string           `json:"body"`
	SubjectType     string           `json:"subjectType"`
	ParentCommentID *string          `json:"parentCommentId"`
	Position        *thread.Position `json:"position"`
	MediaTimestamp  *float64         `json:"mediaTimestamp"`
}

// ThreadsView is the reply forest of one subject.
type ThreadsView struct {
	SubjectID string         `json:"subjectId"`
	Threads   []*thread.Node `json:"threads"`
	Total     int            `json:"total"`
}

type dataStore interface {
	feed.Store
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

type changeFeed interface {
	thread.Feed
	feed.Publisher
}

type sessionStore interface {
	Save(context.Context, string, session.TokenData, time.Time) error
	Consume(context.Context, string) (session.TokenData, error)
	Revoke(context.Context, string) error
}

type commentIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexComment(thread.Comment)
	DeleteComment(string)
}

type passwordAuth interface {
	SignUp(context.Context, authpw.SignUpRequest) (store.User, error)
	SignIn(context.Context, string, string) (store.User, error)
}

type replyMailer interface {
	SendReplyNotification(to string, data email.ReplyData) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	comments  *feed.PublishingStore
	sessions  sessionStore
	search    commentIndex
	passwords passwordAuth
	mailer    replyMailer
	exporter  *export.Service
	signer    *auth.Signer
	hub       *Hub
}

func New(cfg config.Config, dataStore *store.PostgresStore, redisFeed *feed.RedisFeed, sessions *session.RedisStore, searchService *search.Service) *Service {
	s := newService(cfg, dataStore, redisFeed, sessions, searchService, authpw.NewService(dataStore))
	if strings.TrimSpace(cfg.SMTPHost) != "" {
		s.mailer = email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: "Agency Review",
		})
	}
	return s
}

func newService(cfg config.Config, data dataStore, changes changeFeed, sessions sessionStore, index commentIndex, passwords passwordAuth) *Service {
	s := &Service{
		cfg:       cfg,
		store:     data,
		comments:  feed.NewPublishingStore(data, changes),
		sessions:  sessions,
		search:    index,
		passwords: passwords,
		signer:    auth.NewSigner(cfg.JWTSecret),
	}
	s.exporter = export.NewService(s.comments)
	s.hub = NewHub(func(subjectID string) *thread.Cache {
		cache := thread.NewCache(subjectID, s.comments, changes)
		if cfg.ResyncTimeout > 0 {
			cache.SetResyncTimeout(cfg.ResyncTimeout)
		}
		return cache
	})
	return s
}

// Close releases every live subject cache.
func (s *Service) Close() {
	s.hub.Close()
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user.ID, user.DisplayName, user.Role)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user.ID, user.DisplayName, user.Role)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user.ID, user.DisplayName, user.Role)
}

// Refresh trades a refresh token for a new session. The old token is
// consumed, so replaying it fails.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, session.ErrNotFound
	}
	data, err := s.sessions.Consume(ctx, auth.HashToken(refreshToken))
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, data.UserID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user.ID, user.DisplayName, user.Role)
}

func (s *Service) issueSession(ctx context.Context, userID, userName, role string) (Session, error) {
	role = string(rbac.Normalize(role))
	jti := util.NewID("jti")

	token, claims, err := s.signer.Issue(userID, userName, role, jti, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	now := time.Now()
	if err := s.sessions.Save(ctx, auth.HashToken(refresh), session.TokenData{
		UserID:    userID,
		UserName:  userName,
		Role:      role,
		CreatedAt: now,
	}, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       userID,
		UserName:     userName,
		Role:         role,
		JTI:          jti,
		ExpiresAt:    time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      string(rbac.Normalize(user.Role)),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt); err != nil {
			log.Printf("app: revoke access token: %v", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.Revoke(ctx, auth.HashToken(refreshToken)); err != nil {
			log.Printf("app: revoke refresh token: %v", err)
		}
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) require(sess Session, action rbac.Action) error {
	if !s.Can(sess.Role, action) {
		return forbidden(fmt.Sprintf("role %q may not %s", sess.Role, action))
	}
	return nil
}

// ListThreads returns the subject's reply forest. A live cache answers
// directly; otherwise the rows are loaded and built on the spot.
func (s *Service) ListThreads(ctx context.Context, sess Session, subjectID string) (ThreadsView, error) {
	if err := s.require(sess, rbac.ActionRead); err != nil {
		return ThreadsView{}, err
	}
	if cache := s.hub.Peek(subjectID); cache != nil {
		return threadsView(subjectID, cache.Forest()), nil
	}
	rows, err := s.comments.FetchBySubject(ctx, subjectID)
	if err != nil {
		return ThreadsView{}, fmt.Errorf("list threads: %w", err)
	}
	return threadsView(subjectID, thread.Build(thread.SortByCreated(rows))), nil
}

func threadsView(subjectID string, forest []*thread.Node) ThreadsView {
	if forest == nil {
		forest = []*thread.Node{}
	}
	return ThreadsView{SubjectID: subjectID, Threads: forest, Total: thread.Count(forest)}
}

// AddComment posts a top-level comment, or a reply when the input names a
// parent comment.
func (s *Service) AddComment(ctx context.Context, sess Session, subjectID string, input CommentInput) (thread.Comment, error) {
	if err := s.require(sess, rbac.ActionComment); err != nil {
		return thread.Comment{}, err
	}
	draft := thread.Draft{
		ID:             util.NewID("cmt"),
		SubjectID:      subjectID,
		SubjectType:    strings.TrimSpace(input.SubjectType),
		ParentID:       input.ParentCommentID,
		AuthorID:       sess.UserID,
		AuthorName:     sess.UserName,
		Body:           strings.TrimSpace(input.Body),
		Position:       input.Position,
		MediaTimestamp: input.MediaTimestamp,
	}
	if draft.ParentID != nil && strings.TrimSpace(*draft.ParentID) == "" {
		draft.ParentID = nil
	}
	if err := thread.Validate(draft); err != nil {
		return thread.Comment{}, err
	}

	var (
		saved thread.Comment
		err   error
	)
	if cache := s.hub.Peek(subjectID); cache != nil {
		saved, err = cache.AddComment(ctx, draft)
	} else {
		saved, err = s.comments.Insert(ctx, draft)
	}
	if err != nil {
		return thread.Comment{}, err
	}
	s.search.IndexComment(saved)
	s.notifyReply(ctx, saved)
	return saved, nil
}

// notifyReply emails the author of the parent comment in the background.
// Self-replies and authors without an email address are skipped.
func (s *Service) notifyReply(ctx context.Context, reply thread.Comment) {
	if s.mailer == nil || reply.IsRoot() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		parent, err := s.comments.GetComment(ctx, *reply.ParentID)
		if err != nil {
			log.Printf("app: reply notification for %s: %v", reply.ID, err)
			return
		}
		if parent.AuthorID == reply.AuthorID {
			return
		}
		author, err := s.store.GetUserByID(ctx, parent.AuthorID)
		if err != nil || author.Email == "" {
			return
		}
		threadURL := strings.TrimRight(s.cfg.AppURL, "/") + "/subjects/" + url.PathEscape(reply.SubjectID)
		if err := s.mailer.SendReplyNotification(author.Email, email.ReplyData{
			RecipientName: author.DisplayName,
			ReplierName:   reply.AuthorName,
			SubjectID:     reply.SubjectID,
			ParentBody:    parent.Body,
			ReplyBody:     reply.Body,
			ThreadURL:     threadURL,
		}); err != nil {
			log.Printf("app: send reply notification for %s: %v", reply.ID, err)
		}
	}()
}

// Reply posts a reply to parentID within the subject.
func (s *Service) Reply(ctx context.Context, sess Session, subjectID, parentID string, input CommentInput) (thread.Comment, error) {
	parentID = strings.TrimSpace(parentID)
	if parentID == "" {
		return thread.Comment{}, invalidInput("parent comment id is required")
	}
	input.ParentCommentID = &parentID
	return s.AddComment(ctx, sess, subjectID, input)
}

// SetResolved marks a comment resolved or open again.
func (s *Service) SetResolved(ctx context.Context, sess Session, subjectID, commentID string, resolved bool) (thread.Comment, error) {
	if err := s.require(sess, rbac.ActionResolve); err != nil {
		return thread.Comment{}, err
	}

	var (
		saved thread.Comment
		err   error
	)
	if cache := s.hub.Peek(subjectID); cache != nil {
		saved, err = cache.SetResolved(ctx, commentID, resolved)
	} else {
		if _, err := s.commentInSubject(ctx, subjectID, commentID); err != nil {
			return thread.Comment{}, err
		}
		saved, err = s.comments.Update(ctx, commentID, thread.Patch{Resolved: &resolved})
	}
	if err != nil {
		return thread.Comment{}, err
	}
	s.search.IndexComment(saved)
	return saved, nil
}

// EditComment replaces a comment body. Authors may edit their own comments;
// moderators may edit any.
func (s *Service) EditComment(ctx context.Context, sess Session, subjectID, commentID, body string) (thread.Comment, error) {
	if err := s.require(sess, rbac.ActionComment); err != nil {
		return thread.Comment{}, err
	}
	current, err := s.commentInSubject(ctx, subjectID, commentID)
	if err != nil {
		return thread.Comment{}, err
	}
	if current.AuthorID != sess.UserID && !s.Can(sess.Role, rbac.ActionModerate) {
		return thread.Comment{}, forbidden("only the author or a moderator may edit this comment")
	}

	body = strings.TrimSpace(body)
	patch := thread.Patch{Body: &body}
	if err := thread.Validate(patch); err != nil {
		return thread.Comment{}, err
	}
	saved, err := s.comments.Update(ctx, commentID, patch)
	if err != nil {
		return thread.Comment{}, err
	}
	if cache := s.hub.Peek(subjectID); cache != nil {
		cache.Apply(thread.Updated(saved))
	}
	s.search.IndexComment(saved)
	return saved, nil
}

// DeleteComment removes a comment. Its replies stay and become top-level
// comments. Authors may delete their own comments; moderators may delete any.
func (s *Service) DeleteComment(ctx context.Context, sess Session, subjectID, commentID string) error {
	if err := s.require(sess, rbac.ActionComment); err != nil {
		return err
	}
	current, err := s.commentInSubject(ctx, subjectID, commentID)
	if err != nil {
		return err
	}
	if current.AuthorID != sess.UserID && !s.Can(sess.Role, rbac.ActionModerate) {
		return forbidden("only the author or a moderator may delete this comment")
	}

	if err := s.comments.Delete(ctx, commentID); err != nil {
		return err
	}
	if cache := s.hub.Peek(subjectID); cache != nil {
		cache.Apply(thread.Deleted(subjectID, commentID))
	}
	s.search.DeleteComment(commentID)
	return nil
}

func (s *Service) commentInSubject(ctx context.Context, subjectID, commentID string) (thread.Comment, error) {
	c, err := s.comments.GetComment(ctx, commentID)
	if err != nil {
		return thread.Comment{}, err
	}
	if c.SubjectID != subjectID {
		return thread.Comment{}, fmt.Errorf("%w: %s", thread.ErrNotFound, commentID)
	}
	return c, nil
}

// CommentsAt returns the subject's comments anchored near media offset t,
// in timestamp order.
func (s *Service) CommentsAt(ctx context.Context, sess Session, subjectID string, t, tolerance float64) ([]thread.Comment, error) {
	if err := s.require(sess, rbac.ActionRead); err != nil {
		return nil, err
	}
	if t < 0 {
		return nil, invalidInput("t must not be negative")
	}

	var rows []thread.Comment
	if cache := s.hub.Peek(subjectID); cache != nil {
		rows = cache.Comments()
	} else {
		fetched, err := s.comments.FetchBySubject(ctx, subjectID)
		if err != nil {
			return nil, fmt.Errorf("comments at timestamp: %w", err)
		}
		rows = fetched
	}
	matches := thread.TimeOrdered(thread.AtTimestamp(rows, t, tolerance))
	if matches == nil {
		matches = []thread.Comment{}
	}
	return matches, nil
}

// ExportThreads renders the subject's threads as a review report.
// Resolved threads are left out unless includeResolved is set.
func (s *Service) ExportThreads(ctx context.Context, sess Session, subjectID string, format export.Format, includeResolved bool) (*export.Result, error) {
	if err := s.require(sess, rbac.ActionRead); err != nil {
		return nil, err
	}
	res, err := s.exporter.Export(ctx, export.Request{
		SubjectID:       subjectID,
		Format:          format,
		IncludeResolved: includeResolved,
	})
	if err != nil {
		return nil, fmt.Errorf("export threads: %w", err)
	}
	return res, nil
}

// Watch opens, or joins, the live cache of a subject and calls fn with every
// new forest. It returns the forest at the time of the call and a stop func
// that must be called once the watcher is done.
func (s *Service) Watch(ctx context.Context, sess Session, subjectID string, fn func(ThreadsView)) (ThreadsView, func(), error) {
	if err := s.require(sess, rbac.ActionRead); err != nil {
		return ThreadsView{}, nil, err
	}
	cache, err := s.hub.Acquire(ctx, subjectID)
	if err != nil {
		return ThreadsView{}, nil, fmt.Errorf("watch subject: %w", err)
	}
	cancel := cache.Watch(func(forest []*thread.Node) {
		fn(threadsView(subjectID, forest))
	})
	stop := func() {
		cancel()
		s.hub.Release(subjectID)
	}
	return threadsView(subjectID, cache.Forest()), stop, nil
}

func (s *Service) Search(ctx context.Context, sess Session, q search.Query) (search.Response, error) {
	if err := s.require(sess, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return search.Response{}, domainError(http.StatusBadRequest, "QUERY_REQUIRED", "q is required", nil)
	}
	return s.search.Search(ctx, q), nil
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func isAuthFailure(err error) bool {
	return errors.Is(err, auth.ErrInvalidToken) ||
		errors.Is(err, auth.ErrExpiredToken) ||
		errors.Is(err, session.ErrNotFound) ||
		errors.Is(err, authpw.ErrInvalidCredentials)
}
