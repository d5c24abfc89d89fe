package analysis

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const (
	// KeyUser holds the narrative payload shown to the respondent.
	KeyUser = "for_user"
	// KeyCRM holds the categorical payload stored on the user profile.
	KeyCRM = "for_crm"

	keyFullText     = "full_text"
	keyShortSummary = "short_summary"
	keyTitle        = "title"
)

var fenceOpen = regexp.MustCompile("^```[A-Za-z0-9_+.-]*[ \t]*\r?\n?")

// Result is the structured object recovered from a model response. Its shape
// varies between model versions, so every key is optional.
type Result map[string]any

// Extract recovers a Result from raw model output. It never fails: text that
// holds no JSON object degrades to a result whose user payload carries the
// raw text under "full_text" and whose CRM payload is empty.
func Extract(raw string) Result {
	text := stripFence(raw)

	if obj, ok := parseObject(text); ok {
		return obj
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if obj, ok := parseObject(text[start : end+1]); ok {
			return obj
		}
	}

	return Result{
		KeyUser: map[string]any{keyFullText: raw},
		KeyCRM:  map[string]any{},
	}
}

func stripFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = fenceOpen.ReplaceAllString(text, "")
	// A closing fence on its own line ends the block; anything after it is
	// commentary.
	if i := strings.Index(text, "\n```"); i >= 0 {
		return strings.TrimSpace(text[:i])
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// parseObject decodes a single JSON object. Numbers stay json.Number so
// payloads survive re-encoding unchanged.
func parseObject(text string) (Result, bool) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	return Result(obj), true
}

// UserPayload returns the user-facing payload, or nil when absent.
func (r Result) UserPayload() any {
	return r[KeyUser]
}

// CRMPayload returns the CRM payload. A missing or non-object payload yields
// an empty map.
func (r Result) CRMPayload() map[string]any {
	if crm, ok := r[KeyCRM].(map[string]any); ok {
		return crm
	}
	return map[string]any{}
}

// DisplayText derives the single string persisted as the user-visible result.
// Structured payloads prefer "full_text", then "short_summary", then a JSON
// rendering of the whole object.
func (r Result) DisplayText() string {
	switch p := r.UserPayload().(type) {
	case nil:
		return ""
	case string:
		return p
	case map[string]any:
		if s, ok := p[keyFullText].(string); ok && s != "" {
			return s
		}
		if s, ok := p[keyShortSummary].(string); ok && s != "" {
			return s
		}
		return render(p)
	default:
		return render(p)
	}
}

// NotificationPayload returns the structured user payload when it carries a
// title, which is what the deferred notification needs. The raw-text fallback
// shape never qualifies.
func (r Result) NotificationPayload() (map[string]any, bool) {
	p, ok := r.UserPayload().(map[string]any)
	if !ok {
		return nil, false
	}
	if title, ok := p[keyTitle].(string); !ok || strings.TrimSpace(title) == "" {
		return nil, false
	}
	return p, true
}

func render(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
