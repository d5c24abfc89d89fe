package analysis

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestExtractRoundTrip(t *testing.T) {
	inputs := []string{
		`{"for_user":"x","for_crm":{}}`,
		`{"for_user":{"title":"Mirror","full_text":"Long story","strengths":["calm"]},"for_crm":{"vak_type":"visual","anxiety_level":3,"personality_tags":["a","b"]}}`,
		`{"unexpected":true,"nested":{"deep":[1,2,{"x":null}]}}`,
		`{}`,
		`{"for_user":"x","for_crm":{"buying_power":9007199254740993,"anxiety_level":2.50}}`,
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			dec := json.NewDecoder(strings.NewReader(in))
			dec.UseNumber()
			var want map[string]any
			if err := dec.Decode(&want); err != nil {
				t.Fatalf("bad fixture: %v", err)
			}
			got := Extract(in)
			if !reflect.DeepEqual(map[string]any(got), want) {
				t.Errorf("Extract(%s) = %#v, want %#v", in, got, want)
			}

			gotJSON, err := json.Marshal(got)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			wantJSON, _ := json.Marshal(want)
			if string(gotJSON) != string(wantJSON) {
				t.Errorf("re-encoded %s, want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestExtractKeepsNumberLiterals(t *testing.T) {
	got := Extract("```json\n{\"for_crm\":{\"buying_power\":9007199254740993}}\n```")
	b, err := json.Marshal(got.CRMPayload())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"buying_power":9007199254740993}` {
		t.Errorf("for_crm = %s", b)
	}
}

func TestExtractRejectsTrailingData(t *testing.T) {
	raw := `{"for_user":"a"} {"for_user":"b"}`
	got := Extract(raw)
	p, ok := got.UserPayload().(map[string]any)
	if !ok || p["full_text"] != raw {
		t.Errorf("expected raw-text fallback, got %#v", got)
	}
}

func TestExtractFenced(t *testing.T) {
	plain := `{"for_user":"x","for_crm":{}}`
	want := Extract(plain)

	tests := []struct {
		name string
		raw  string
	}{
		{"json tag", "```json\n" + plain + "\n```"},
		{"no tag", "```\n" + plain + "\n```"},
		{"surrounding whitespace", "  \n```json\n" + plain + "\n```\n  "},
		{"single line", "```" + plain + "```"},
		{"crlf", "```json\r\n" + plain + "\r\n```"},
		{"prose after fence", "```json\n" + plain + "\n```\nHope this helps {smile}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.raw)
			if !reflect.DeepEqual(got, want) {
				t.Errorf("Extract(%q) = %#v, want %#v", tt.raw, got, want)
			}
		})
	}
}

func TestExtractFencedScenario(t *testing.T) {
	got := Extract("```json\n{\"for_user\":\"x\",\"for_crm\":{}}\n```")
	b, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"for_crm":{},"for_user":"x"}` {
		t.Errorf("unexpected result %s", b)
	}
	if got.UserPayload() != "x" {
		t.Errorf("for_user = %#v", got.UserPayload())
	}
	if len(got.CRMPayload()) != 0 {
		t.Errorf("for_crm = %#v", got.CRMPayload())
	}
}

func TestExtractEmbeddedObject(t *testing.T) {
	raw := "Here is your analysis:\n{\"for_user\":{\"title\":\"T\"},\"for_crm\":{\"vak_type\":\"audial\"}}\nHope it helps!"
	got := Extract(raw)
	if got.CRMPayload()["vak_type"] != "audial" {
		t.Errorf("expected embedded object to be recovered, got %#v", got)
	}
}

func TestExtractFallback(t *testing.T) {
	tests := []string{
		"You are a deeply reflective person.",
		"Braces } in the { wrong order",
		"{ not json at all }",
		"[1, 2, 3]",
		"```\njust prose in a fence\n```",
	}

	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			got := Extract(raw)
			user, ok := got.UserPayload().(map[string]any)
			if !ok {
				t.Fatalf("expected object user payload, got %#v", got.UserPayload())
			}
			if user["full_text"] != raw {
				t.Errorf("full_text = %#v, want %q", user["full_text"], raw)
			}
			if crm := got.CRMPayload(); len(crm) != 0 {
				t.Errorf("expected empty CRM payload, got %#v", crm)
			}
			if got.DisplayText() != raw {
				t.Errorf("DisplayText() = %q, want %q", got.DisplayText(), raw)
			}
			if _, ok := got.NotificationPayload(); ok {
				t.Error("fallback shape must not qualify for notification")
			}
		})
	}
}

func TestExtractEmpty(t *testing.T) {
	got := Extract("")
	user, ok := got.UserPayload().(map[string]any)
	if !ok || user["full_text"] != "" {
		t.Errorf("expected empty full_text, got %#v", got.UserPayload())
	}
	if len(got.CRMPayload()) != 0 {
		t.Errorf("expected empty CRM payload, got %#v", got.CRMPayload())
	}
}

func TestCRMPayloadNonObject(t *testing.T) {
	for _, r := range []Result{
		{},
		{"for_crm": nil},
		{"for_crm": "visual"},
		{"for_crm": []any{"a"}},
	} {
		if crm := r.CRMPayload(); crm == nil || len(crm) != 0 {
			t.Errorf("CRMPayload(%#v) = %#v, want empty map", r, crm)
		}
	}
}

func TestDisplayText(t *testing.T) {
	tests := []struct {
		name string
		r    Result
		want string
	}{
		{"absent", Result{}, ""},
		{"string", Result{"for_user": "hello"}, "hello"},
		{"full text preferred", Result{"for_user": map[string]any{"full_text": "full", "short_summary": "short"}}, "full"},
		{"short summary second", Result{"for_user": map[string]any{"short_summary": "short", "title": "T"}}, "short"},
		{"empty full text skipped", Result{"for_user": map[string]any{"full_text": "", "short_summary": "short"}}, "short"},
		{"generic rendering", Result{"for_user": map[string]any{"title": "T"}}, `{"title":"T"}`},
		{"number", Result{"for_user": float64(42)}, "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.DisplayText(); got != tt.want {
				t.Errorf("DisplayText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNotificationPayload(t *testing.T) {
	tests := []struct {
		name string
		r    Result
		want bool
	}{
		{"with title", Result{"for_user": map[string]any{"title": "Mirror"}}, true},
		{"blank title", Result{"for_user": map[string]any{"title": "  "}}, false},
		{"no title", Result{"for_user": map[string]any{"full_text": "x"}}, false},
		{"string payload", Result{"for_user": "x"}, false},
		{"absent", Result{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := tt.r.NotificationPayload()
			if ok != tt.want {
				t.Errorf("NotificationPayload() ok = %v, want %v", ok, tt.want)
			}
		})
	}
}
