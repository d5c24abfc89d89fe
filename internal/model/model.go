package model

import (
	"time"
)

// SessionStatus represents the lifecycle state of a test-taking session.
type SessionStatus string

const (
	// StatusPending is set when the session is created and no answers exist yet.
	StatusPending SessionStatus = "pending"
	// StatusAnalyzing is set together with answer persistence, before the model call.
	StatusAnalyzing SessionStatus = "analyzing"
	// StatusAnalyzed is terminal: results are stored.
	StatusAnalyzed SessionStatus = "analyzed"
)

// Test is a psychometric test definition. Instructions is the operator-authored
// brief sent to the model as system context and is never exposed to clients.
type Test struct {
	ID           int64      `json:"id"`
	Slug         string     `json:"slug"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Instructions string     `json:"-"`
	Active       bool       `json:"is_active"`
	Questions    []Question `json:"questions"`
}

// Question belongs to exactly one test. Order defines the transcript sequence.
type Question struct {
	ID      string   `json:"id"`
	TestID  int64    `json:"test_id"`
	Order   int      `json:"order_num"`
	Text    string   `json:"text"`
	Options []Option `json:"options"`
}

// Option is a selectable answer of a question.
type Option struct {
	ID   string `json:"id" yaml:"id"`
	Text string `json:"text" yaml:"text"`
}

// Session is one attempt by one user at one test.
type Session struct {
	ID          string            `json:"id"`
	UserID      int64             `json:"user_id"`
	TestID      int64             `json:"test_id"`
	Answers     map[string]string `json:"answers"`
	Status      SessionStatus     `json:"status"`
	UserResult  string            `json:"user_result,omitempty"`
	UserPayload any               `json:"for_user,omitempty"`
	CRMResult   map[string]any    `json:"for_crm,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	SubmittedAt *time.Time        `json:"submitted_at,omitempty"`
	AnalyzedAt  *time.Time        `json:"analyzed_at,omitempty"`
}

// User is keyed by the messaging-platform account id. The derived profile is
// embedded, so its fields sit next to the identity fields in JSON.
type User struct {
	ID        int64   `json:"id"`
	Username  *string `json:"username"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Profile
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Profile holds the attributes derived from the most recent analysis.
// Every field is independently optional; nil means the model did not report it.
type Profile struct {
	PerceptionType  *string        `json:"vak_type"`
	StressResponse  *string        `json:"stress_response"`
	AttachmentType  *string        `json:"attachment_type"`
	DecisionStyle   *string        `json:"decision_style"`
	AnxietyLevel    *string        `json:"anxiety_level"`
	BuyingPower     *string        `json:"buying_power"`
	PersonalityTags []string       `json:"personality_tags"`
	Raw             map[string]any `json:"raw_profile"`
}

// Completion carries everything written when an analysis finishes.
type Completion struct {
	SessionID    string
	UserID       int64
	UserResult   string
	UserPayload  any
	CRMResult    map[string]any
	Profile      Profile
	Notification *Notification
}

// NotificationStatus tracks delivery of a deferred notification.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification is a deferred message scheduled after an analysis.
type Notification struct {
	ID        int64              `json:"id"`
	SessionID string             `json:"session_id"`
	ChatID    int64              `json:"chat_id"`
	Payload   map[string]any     `json:"payload"`
	DueAt     time.Time          `json:"due_at"`
	Status    NotificationStatus `json:"status"`
	LastError string             `json:"last_error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	SentAt    *time.Time         `json:"sent_at,omitempty"`
}

// SessionView combines a session with its test and owner for display.
type SessionView struct {
	Session Session
	Test    Test
	User    *User
}
