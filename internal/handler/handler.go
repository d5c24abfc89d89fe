package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/mirror/internal/analysis"
	"github.com/pavelanni/mirror/internal/handler/views"
	"github.com/pavelanni/mirror/internal/i18n"
	"github.com/pavelanni/mirror/internal/model"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Store is the read side the handlers need beyond the pipeline.
type Store interface {
	GetTestBySlug(ctx context.Context, slug string) (*model.Test, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetSessionView(ctx context.Context, id string) (*model.SessionView, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	svc   *analysis.Service
	store Store
}

// New creates a new Handler.
func New(svc *analysis.Service, st Store) *Handler {
	return &Handler{svc: svc, store: st}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/test/{slug}", h.handleGetTest)
	r.Post("/session/start", h.handleStartSession)
	r.Post("/submit", h.handleSubmit)
	r.Get("/user/{userID}/profile", h.handleUserProfile)
	r.With(i18n.Middleware).Get("/session/{sessionID}", h.handleSessionPage)
}

// UserInfo identifies the person taking a test.
type UserInfo struct {
	TelegramID int64   `json:"telegram_id"`
	Username   *string `json:"username"`
	FirstName  *string `json:"first_name"`
	LastName   *string `json:"last_name"`
}

func (u UserInfo) toModel() model.User {
	return model.User{
		ID:        u.TelegramID,
		Username:  nonEmpty(u.Username),
		FirstName: nonEmpty(u.FirstName),
		LastName:  nonEmpty(u.LastName),
	}
}

// startRequest accepts either a bare UserInfo with test_slug in the query
// string, or {"user": {...}, "test_slug": "..."}.
type startRequest struct {
	UserInfo
	User     *UserInfo `json:"user"`
	TestSlug string    `json:"test_slug"`
}

type submitRequest struct {
	SessionID string         `json:"session_id"`
	User      UserInfo       `json:"user"`
	TestSlug  string         `json:"test_slug"`
	Answers   map[string]any `json:"answers"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleGetTest(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	test, err := h.store.GetTestBySlug(r.Context(), slug)
	if err != nil {
		writeError(w, fmt.Errorf("get test: %w", err))
		return
	}
	if test == nil {
		writeError(w, fmt.Errorf("test %q: %w", slug, analysis.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, test)
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	user := req.UserInfo
	if req.User != nil {
		user = *req.User
	}
	slug := r.URL.Query().Get("test_slug")
	if slug == "" {
		slug = req.TestSlug
	}

	id, err := h.svc.StartSession(r.Context(), user.toModel(), slug)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	out, err := h.svc.Submit(r.Context(), analysis.SubmitRequest{
		SessionID: req.SessionID,
		User:      req.User.toModel(),
		TestSlug:  req.TestSlug,
		Answers:   answerStrings(req.Answers),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleUserProfile(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: user id must be an integer", analysis.ErrInvalidInput))
		return
	}
	u, err := h.store.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, fmt.Errorf("get user: %w", err))
		return
	}
	if u == nil {
		writeError(w, fmt.Errorf("user %d: %w", id, analysis.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) handleSessionPage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	view, err := h.store.GetSessionView(r.Context(), id)
	if err != nil {
		slog.Error("failed to load session", "session_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if view == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := views.ResultPage(*view).Render(r.Context(), w); err != nil {
		slog.Error("render error", "error", err)
	}
}

// answerStrings flattens answer values to the option ids or free text the
// pipeline formats. Non-string values keep their JSON form.
func answerStrings(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(t)
			if err != nil {
				out[k] = fmt.Sprint(t)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

func nonEmpty(p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	return p
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %w", analysis.ErrInvalidInput, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, analysis.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, analysis.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, analysis.ErrSessionClosed):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
