package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/mirror/internal/llm/prompts"
	"github.com/pavelanni/mirror/internal/model"
)

var (
	// ErrNotFound is returned for unknown or inactive tests and unknown sessions.
	ErrNotFound = errors.New("not found")
	// ErrSessionClosed is returned when answers arrive for an analyzed session.
	ErrSessionClosed = errors.New("session already analyzed")
	// ErrAnalysisFailed wraps every failure of the generative service call.
	ErrAnalysisFailed = errors.New("analysis failed")
	// ErrInvalidInput is returned for requests missing required fields.
	ErrInvalidInput = errors.New("invalid input")
)

// TestStore looks up active tests with their ordered questions.
// A nil test and nil error mean the slug is unknown or inactive.
type TestStore interface {
	GetTestBySlug(ctx context.Context, slug string) (*model.Test, error)
}

// SessionStore persists sessions through their lifecycle.
type SessionStore interface {
	CreateSession(ctx context.Context, userID, testID int64) (string, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	// SaveAnswers stores answers and moves the session to analyzing. It
	// reports false when the session is already analyzed.
	SaveAnswers(ctx context.Context, id string, answers map[string]string) (bool, error)
	// CompleteAnalysis stores results, the derived profile and an optional
	// notification as one unit. It reports false when another submission
	// completed the session first.
	CompleteAnalysis(ctx context.Context, c model.Completion) (bool, error)
}

// UserStore upserts users by their external identity.
type UserStore interface {
	UpsertUser(ctx context.Context, u model.User) error
}

// Store is the persistence the pipeline needs.
type Store interface {
	TestStore
	SessionStore
	UserStore
}

// Generator is the external text-generation service.
type Generator interface {
	Analyze(ctx context.Context, instructions, transcript string) (string, error)
}

// Options tunes the pipeline.
type Options struct {
	// Notify enables the deferred result notification.
	Notify bool
	// NotifyDelay is how long after analysis the notification becomes due.
	NotifyDelay time.Duration
}

// DefaultNotifyDelay is used when Options.NotifyDelay is zero.
const DefaultNotifyDelay = 5 * time.Minute

// Service runs the submission-and-analysis pipeline.
type Service struct {
	store Store
	gen   Generator
	opts  Options
	now   func() time.Time
}

// NewService creates a pipeline over the given store and generator.
func NewService(st Store, gen Generator, opts Options) *Service {
	if opts.NotifyDelay <= 0 {
		opts.NotifyDelay = DefaultNotifyDelay
	}
	return &Service{store: st, gen: gen, opts: opts, now: time.Now}
}

// SubmitRequest carries one answer submission.
type SubmitRequest struct {
	SessionID string
	User      model.User
	TestSlug  string
	Answers   map[string]string
}

// Outcome is returned to the caller after a successful analysis.
type Outcome struct {
	Status  model.SessionStatus `json:"status"`
	ForUser any                 `json:"for_user"`
	ForCRM  map[string]any      `json:"for_crm"`
}

// StartSession upserts the user and opens a pending session for the test.
// The user upsert happens before the test lookup, so an unknown slug still
// records the user.
func (s *Service) StartSession(ctx context.Context, user model.User, slug string) (string, error) {
	if user.ID == 0 || slug == "" {
		return "", fmt.Errorf("%w: user id and test slug are required", ErrInvalidInput)
	}
	if err := s.store.UpsertUser(ctx, user); err != nil {
		return "", fmt.Errorf("upsert user: %w", err)
	}

	test, err := s.store.GetTestBySlug(ctx, slug)
	if err != nil {
		return "", fmt.Errorf("get test: %w", err)
	}
	if test == nil {
		return "", fmt.Errorf("test %q: %w", slug, ErrNotFound)
	}

	id, err := s.store.CreateSession(ctx, user.ID, test.ID)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	slog.Info("session started", "session_id", id, "user_id", user.ID, "test", slug)
	return id, nil
}

// Submit persists the answers, asks the model for an analysis and stores the
// result. On a generation failure the session stays in analyzing and the
// error wraps ErrAnalysisFailed.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Outcome, error) {
	if req.SessionID == "" || req.User.ID == 0 || req.TestSlug == "" {
		return nil, fmt.Errorf("%w: session_id, user and test_slug are required", ErrInvalidInput)
	}

	test, err := s.store.GetTestBySlug(ctx, req.TestSlug)
	if err != nil {
		return nil, fmt.Errorf("get test: %w", err)
	}
	if test == nil {
		return nil, fmt.Errorf("test %q: %w", req.TestSlug, ErrNotFound)
	}

	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil || sess.UserID != req.User.ID || sess.TestID != test.ID {
		return nil, fmt.Errorf("session %q: %w", req.SessionID, ErrNotFound)
	}
	if sess.Status == model.StatusAnalyzed {
		return nil, fmt.Errorf("session %q: %w", req.SessionID, ErrSessionClosed)
	}

	answers := req.Answers
	if answers == nil {
		answers = map[string]string{}
	}
	saved, err := s.store.SaveAnswers(ctx, req.SessionID, answers)
	if err != nil {
		return nil, fmt.Errorf("save answers: %w", err)
	}
	if !saved {
		return nil, fmt.Errorf("session %q: %w", req.SessionID, ErrSessionClosed)
	}

	transcript := prompts.FormatAnswers(test.Questions, answers)
	instructions := prompts.Sanitize(test.Instructions)

	raw, err := s.gen.Analyze(ctx, instructions, transcript)
	if err != nil {
		slog.Error("analysis failed", "session_id", req.SessionID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrAnalysisFailed, err)
	}

	result := Extract(raw)
	crm := result.CRMPayload()
	forUser := result.UserPayload()
	if forUser == nil {
		forUser = ""
	}

	completion := model.Completion{
		SessionID:   req.SessionID,
		UserID:      req.User.ID,
		UserResult:  result.DisplayText(),
		UserPayload: forUser,
		CRMResult:   crm,
		Profile:     ProfileFromCRM(crm),
	}
	if payload, ok := result.NotificationPayload(); ok && s.opts.Notify {
		completion.Notification = &model.Notification{
			SessionID: req.SessionID,
			ChatID:    req.User.ID,
			Payload:   payload,
			DueAt:     s.now().Add(s.opts.NotifyDelay),
			Status:    model.NotificationPending,
		}
	}

	done, err := s.store.CompleteAnalysis(ctx, completion)
	if err != nil {
		return nil, fmt.Errorf("store analysis: %w", err)
	}
	if !done {
		return nil, fmt.Errorf("session %q: %w", req.SessionID, ErrSessionClosed)
	}

	slog.Info("session analyzed",
		"session_id", req.SessionID,
		"user_id", req.User.ID,
		"test", req.TestSlug,
		"answers", len(answers),
		"notification", completion.Notification != nil,
	)
	return &Outcome{
		Status:  model.StatusAnalyzed,
		ForUser: forUser,
		ForCRM:  crm,
	}, nil
}
