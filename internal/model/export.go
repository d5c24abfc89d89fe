package model

import "time"

// ProfileExport is the top-level JSON structure for CRM export.
type ProfileExport struct {
	GeneratedAt time.Time       `json:"generated_at"`
	TestSlug    string          `json:"test_slug,omitempty"`
	Count       int             `json:"count"`
	Results     []SessionResult `json:"results"`
}

// SessionResult holds one analyzed session for export.
type SessionResult struct {
	SessionID  string         `json:"session_id"`
	UserID     int64          `json:"user_id"`
	Username   string         `json:"username,omitempty"`
	FirstName  string         `json:"first_name,omitempty"`
	TestSlug   string         `json:"test_slug"`
	AnalyzedAt *time.Time     `json:"analyzed_at,omitempty"`
	UserResult string         `json:"user_result"`
	CRMResult  map[string]any `json:"for_crm"`
	Profile    Profile        `json:"profile"`
}
