package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/mirror/internal/analysis"
	"github.com/pavelanni/mirror/internal/i18n"
	"github.com/pavelanni/mirror/internal/llm"
	"github.com/pavelanni/mirror/internal/model"
	"github.com/pavelanni/mirror/internal/store"
)

const structuredAnalysis = `{
  "for_user": {
    "title": "Quiet Observer",
    "short_summary": "You notice everything.",
    "full_text": "You take in the world through pictures.\n\nYou stay calm.",
    "strengths": ["patience", "focus"],
    "blind_spots": ["overthinking"]
  },
  "for_crm": {
    "vak_type": "visual",
    "stress_response": "freeze",
    "attachment_type": null,
    "decision_style": "deliberate",
    "anxiety_level": null,
    "buying_power": "medium",
    "personality_tags": ["calm", "curious"]
  }
}`

// fakeModel is an OpenAI-compatible endpoint returning a configurable reply.
type fakeModel struct {
	mu    sync.Mutex
	reply string
	delay time.Duration
	calls int
}

func (f *fakeModel) set(reply string, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply, f.delay = reply, delay
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeModel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	reply, delay := f.reply, f.delay
	f.calls++
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(delay):
		}
	}
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": reply},
			"finish_reason": "stop",
		}},
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

type testEnv struct {
	srv   *httptest.Server
	store *store.Store
	model *fakeModel
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}

	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	_, err = st.ImportTest(context.Background(), model.Test{
		Slug:         "profile-v1",
		Title:        "Mirror profile",
		Description:  "Two short questions",
		Instructions: "You are a psychologist. Reply with JSON.",
		Active:       true,
		Questions: []model.Question{
			{ID: "q2", Order: 2, Text: "Morning or evening?", Options: []model.Option{{ID: "m", Text: "Morning"}, {ID: "e", Text: "Evening"}}},
			{ID: "q1", Order: 1, Text: "Favourite colour?", Options: []model.Option{{ID: "r", Text: "Red"}, {ID: "b", Text: "Blue"}}},
		},
	})
	if err != nil {
		t.Fatalf("ImportTest: %v", err)
	}

	fm := &fakeModel{reply: structuredAnalysis}
	modelSrv := httptest.NewServer(fm)
	t.Cleanup(modelSrv.Close)

	client := llm.New(modelSrv.URL, "key", "test-model", 0, 200*time.Millisecond)
	svc := analysis.NewService(st, client, analysis.Options{})

	r := chi.NewRouter()
	r.Use(CORS)
	New(svc, st).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: st, model: fm}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func (e *testEnv) startSession(t *testing.T, userID string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/session/start?test_slug=profile-v1",
		`{"telegram_id": `+userID+`, "username": "ann", "first_name": "Ann"}`)
	if status != http.StatusOK {
		t.Fatalf("start session: %d %s", status, body)
	}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.SessionID == "" {
		t.Fatalf("start session response %s: %v", body, err)
	}
	return resp.SessionID
}

func submitBody(sessionID string, userID string, slug string) string {
	return `{"session_id": "` + sessionID + `", "user": {"telegram_id": ` + userID + `}, "test_slug": "` + slug + `", "answers": {"q1": "b", "q2": "m"}}`
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	status, body := e.do(t, http.MethodGet, "/health", "")
	if status != http.StatusOK || strings.TrimSpace(string(body)) != `{"status":"ok"}` {
		t.Errorf("health = %d %s", status, body)
	}
}

func TestGetTest(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.do(t, http.MethodGet, "/test/profile-v1", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d %s", status, body)
	}
	var got model.Test
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Slug != "profile-v1" || len(got.Questions) != 2 || got.Questions[0].ID != "q1" {
		t.Errorf("unexpected test %+v", got)
	}
	if strings.Contains(string(body), "psychologist") {
		t.Error("instructions must not be exposed")
	}

	if status, _ := e.do(t, http.MethodGet, "/test/unknown", ""); status != http.StatusNotFound {
		t.Errorf("unknown slug status = %d", status)
	}

	if err := e.store.SetTestActive(context.Background(), "profile-v1", false); err != nil {
		t.Fatalf("SetTestActive: %v", err)
	}
	if status, _ := e.do(t, http.MethodGet, "/test/profile-v1", ""); status != http.StatusNotFound {
		t.Errorf("inactive test status = %d", status)
	}
}

func TestStartSession(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"flat user with query slug", "/session/start?test_slug=profile-v1", `{"telegram_id": 1, "first_name": "Ann"}`, http.StatusOK},
		{"nested user with body slug", "/session/start", `{"user": {"telegram_id": 2}, "test_slug": "profile-v1"}`, http.StatusOK},
		{"missing slug", "/session/start", `{"telegram_id": 3}`, http.StatusBadRequest},
		{"missing user", "/session/start?test_slug=profile-v1", `{}`, http.StatusBadRequest},
		{"malformed body", "/session/start?test_slug=profile-v1", `{"telegram_id":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := e.do(t, http.MethodPost, tt.path, tt.body)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", status, tt.wantStatus, body)
			}
			m := decode(t, body)
			if tt.wantStatus == http.StatusOK && m["session_id"] == "" {
				t.Errorf("missing session id in %s", body)
			}
			if tt.wantStatus != http.StatusOK && m["error"] == nil {
				t.Errorf("missing error in %s", body)
			}
		})
	}

	u, err := e.store.GetUser(context.Background(), 1)
	if err != nil || u == nil || u.FirstName == nil || *u.FirstName != "Ann" {
		t.Errorf("user 1 not recorded: %+v %v", u, err)
	}
}

func TestSubmitAnalyzes(t *testing.T) {
	e := newTestEnv(t)
	id := e.startSession(t, "42")

	status, body := e.do(t, http.MethodPost, "/submit", submitBody(id, "42", "profile-v1"))
	if status != http.StatusOK {
		t.Fatalf("submit = %d %s", status, body)
	}
	resp := decode(t, body)
	if resp["status"] != "analyzed" {
		t.Errorf("status = %v", resp["status"])
	}
	forUser, ok := resp["for_user"].(map[string]any)
	if !ok || forUser["title"] != "Quiet Observer" {
		t.Errorf("for_user = %v", resp["for_user"])
	}
	crm, ok := resp["for_crm"].(map[string]any)
	if !ok {
		t.Fatalf("for_crm = %v", resp["for_crm"])
	}
	for _, k := range analysis.ModeledCRMKeys {
		if _, ok := crm[k]; !ok {
			t.Errorf("for_crm missing %q", k)
		}
	}

	sess, err := e.store.GetSession(context.Background(), id)
	if err != nil || sess == nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != model.StatusAnalyzed || sess.UserResult == "" || sess.AnalyzedAt == nil {
		t.Errorf("session not completed: %+v", sess)
	}
	if !reflect.DeepEqual(sess.Answers, map[string]string{"q1": "b", "q2": "m"}) {
		t.Errorf("answers = %v", sess.Answers)
	}

	status, body = e.do(t, http.MethodGet, "/user/42/profile", "")
	if status != http.StatusOK {
		t.Fatalf("profile = %d %s", status, body)
	}
	var u model.User
	if err := json.Unmarshal(body, &u); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if u.Profile.PerceptionType == nil || *u.Profile.PerceptionType != "visual" || u.Profile.AttachmentType != nil {
		t.Errorf("profile = %+v", u.Profile)
	}
	if !reflect.DeepEqual(u.Profile.PersonalityTags, []string{"calm", "curious"}) {
		t.Errorf("tags = %v", u.Profile.PersonalityTags)
	}

	// Profile fields sit at the top level next to the identity fields.
	flat := decode(t, body)
	if _, nested := flat["profile"]; nested {
		t.Errorf("profile must not be nested: %s", body)
	}
	if flat["id"] != float64(42) || flat["username"] != "ann" || flat["vak_type"] != "visual" || flat["stress_response"] != "freeze" {
		t.Errorf("unexpected user shape %s", body)
	}
	if _, ok := flat["attachment_type"]; !ok || flat["attachment_type"] != nil {
		t.Errorf("attachment_type should be present and null: %s", body)
	}
	if !reflect.DeepEqual(flat["personality_tags"], []any{"calm", "curious"}) {
		t.Errorf("personality_tags = %v", flat["personality_tags"])
	}
	if raw, ok := flat["raw_profile"].(map[string]any); !ok || raw["buying_power"] != "medium" {
		t.Errorf("raw_profile = %v", flat["raw_profile"])
	}

	// An analyzed session is closed.
	status, _ = e.do(t, http.MethodPost, "/submit", submitBody(id, "42", "profile-v1"))
	if status != http.StatusConflict {
		t.Errorf("resubmit status = %d, want 409", status)
	}
}

func TestSubmitFencedResponse(t *testing.T) {
	e := newTestEnv(t)
	e.model.set("```json\n{\"for_user\":\"x\",\"for_crm\":{}}\n```", 0)
	id := e.startSession(t, "7")

	status, body := e.do(t, http.MethodPost, "/submit", submitBody(id, "7", "profile-v1"))
	if status != http.StatusOK {
		t.Fatalf("submit = %d %s", status, body)
	}
	resp := decode(t, body)
	if resp["for_user"] != "x" || !reflect.DeepEqual(resp["for_crm"], map[string]any{}) {
		t.Errorf("unexpected outcome %s", body)
	}
}

func TestSubmitModelTimeout(t *testing.T) {
	e := newTestEnv(t)
	e.model.set(structuredAnalysis, 2*time.Second)
	id := e.startSession(t, "9")

	status, body := e.do(t, http.MethodPost, "/submit", submitBody(id, "9", "profile-v1"))
	if status != http.StatusInternalServerError {
		t.Fatalf("submit = %d %s, want 500", status, body)
	}
	if !strings.Contains(decode(t, body)["error"].(string), "analysis failed") {
		t.Errorf("error = %s", body)
	}

	sess, err := e.store.GetSession(context.Background(), id)
	if err != nil || sess == nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != model.StatusAnalyzing {
		t.Errorf("status = %s, want analyzing", sess.Status)
	}

	// The session can be resubmitted once the model recovers.
	e.model.set(structuredAnalysis, 0)
	if status, body := e.do(t, http.MethodPost, "/submit", submitBody(id, "9", "profile-v1")); status != http.StatusOK {
		t.Errorf("retry = %d %s", status, body)
	}
}

func TestStartSessionUnknownTest(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	status, body := e.do(t, http.MethodPost, "/session/start?test_slug=nope", `{"telegram_id": 5, "username": "bob"}`)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d %s, want 404", status, body)
	}

	u, err := e.store.GetUser(ctx, 5)
	if err != nil || u == nil || u.Username == nil || *u.Username != "bob" {
		t.Errorf("user upsert should precede the lookup: %+v %v", u, err)
	}
	pending, err := e.store.ListSessionsByStatus(ctx, model.StatusPending)
	if err != nil {
		t.Fatalf("ListSessionsByStatus: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("no session expected, got %+v", pending)
	}
}

func TestSubmitRejected(t *testing.T) {
	e := newTestEnv(t)
	id := e.startSession(t, "11")

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"other user", submitBody(id, "12", "profile-v1"), http.StatusNotFound},
		{"other test", submitBody(id, "11", "other"), http.StatusNotFound},
		{"unknown session", submitBody("missing", "11", "profile-v1"), http.StatusNotFound},
		{"missing session id", submitBody("", "11", "profile-v1"), http.StatusBadRequest},
		{"not json", `answers`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, body := e.do(t, http.MethodPost, "/submit", tt.body); status != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", status, tt.wantStatus, body)
			}
		})
	}
	if n := e.model.callCount(); n != 0 {
		t.Errorf("model called %d times for rejected submissions", n)
	}
}

func TestUserProfileErrors(t *testing.T) {
	e := newTestEnv(t)
	if status, _ := e.do(t, http.MethodGet, "/user/404/profile", ""); status != http.StatusNotFound {
		t.Errorf("unknown user status = %d", status)
	}
	if status, _ := e.do(t, http.MethodGet, "/user/abc/profile", ""); status != http.StatusBadRequest {
		t.Errorf("bad id status = %d", status)
	}
}

func TestSessionPage(t *testing.T) {
	e := newTestEnv(t)
	id := e.startSession(t, "21")

	status, body := e.do(t, http.MethodGet, "/session/"+id, "")
	if status != http.StatusOK || !strings.Contains(string(body), "No answers have been submitted yet.") {
		t.Errorf("pending page = %d %s", status, body)
	}

	if status, body := e.do(t, http.MethodPost, "/submit", submitBody(id, "21", "profile-v1")); status != http.StatusOK {
		t.Fatalf("submit = %d %s", status, body)
	}

	status, body = e.do(t, http.MethodGet, "/session/"+id+"?lang=ru", "")
	if status != http.StatusOK {
		t.Fatalf("page = %d", status)
	}
	page := string(body)
	for _, want := range []string{`<html lang="ru">`, "<h2>Quiet Observer</h2>", "Сильные стороны", "<li>patience</li>", "<p>You stay calm.</p>"} {
		if !strings.Contains(page, want) {
			t.Errorf("page missing %q", want)
		}
	}

	if status, _ := e.do(t, http.MethodGet, "/session/unknown", ""); status != http.StatusNotFound {
		t.Errorf("unknown session status = %d", status)
	}
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t)
	req, _ := http.NewRequest(http.MethodOptions, e.srv.URL+"/submit", nil)
	req.Header.Set("Origin", "https://webapp.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d %v", resp.StatusCode, resp.Header)
	}
}

func TestAnswerStrings(t *testing.T) {
	got := answerStrings(map[string]any{"q1": "a", "q2": float64(3), "q3": nil, "q4": []any{"a", "b"}})
	want := map[string]string{"q1": "a", "q2": "3", "q3": "", "q4": `["a","b"]`}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("answerStrings() = %v, want %v", got, want)
	}
}
