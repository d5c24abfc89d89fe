package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pavelanni/mirror/internal/store"
)

const validYAML = `
slug: mini
title: Mini test
instructions: |
  Analyze.
questions:
  - id: q2
    order: 2
    text: Second?
    options:
      - {id: a, text: Yes}
  - id: q1
    order: 1
    text: First?
    options:
      - {id: a, text: Red}
      - {id: b, text: Blue}
`

func TestParse(t *testing.T) {
	got, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Slug != "mini" || !got.Active {
		t.Errorf("unexpected test %+v", got)
	}
	if got.Instructions != "Analyze." {
		t.Errorf("instructions = %q", got.Instructions)
	}
	if len(got.Questions) != 2 || got.Questions[1].Options[1].Text != "Blue" {
		t.Errorf("questions = %+v", got.Questions)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"no slug", "title: T\nquestions: [{id: q1, order: 1, text: x}]", "slug is required"},
		{"no title", "slug: s\nquestions: [{id: q1, order: 1, text: x}]", "title is required"},
		{"no questions", "slug: s\ntitle: T", "no questions"},
		{"duplicate id", "slug: s\ntitle: T\nquestions: [{id: q1, order: 1, text: x}, {id: q1, order: 2, text: y}]", "duplicate question id"},
		{"duplicate order", "slug: s\ntitle: T\nquestions: [{id: q1, order: 1, text: x}, {id: q2, order: 1, text: y}]", "duplicate order"},
		{"duplicate option", "slug: s\ntitle: T\nquestions: [{id: q1, order: 1, text: x, options: [{id: a, text: A}, {id: a, text: B}]}]", "duplicate option id"},
		{"empty text", "slug: s\ntitle: T\nquestions: [{id: q1, order: 1, text: ' '}]", "has no text"},
		{"bad yaml", "slug: [", "parse YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseInactive(t *testing.T) {
	got, err := Parse([]byte("slug: s\ntitle: T\nactive: false\nquestions: [{id: q1, order: 1, text: x}]"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Active {
		t.Error("expected inactive test")
	}
}

func TestSync(t *testing.T) {
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "mini.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Sync(ctx, s, []string{path}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	got, err := s.GetTestBySlug(ctx, "mini")
	if err != nil || got == nil {
		t.Fatalf("GetTestBySlug: %+v, %v", got, err)
	}
	if got.Questions[0].ID != "q1" {
		t.Errorf("questions not ordered: %+v", got.Questions)
	}

	// A changed file is left alone.
	changed := strings.Replace(validYAML, "Second?", "Changed?", 1)
	if err := os.WriteFile(path, []byte(changed), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Sync(ctx, s, []string{path}); err != nil {
		t.Fatalf("Sync changed: %v", err)
	}
	got, _ = s.GetTestBySlug(ctx, "mini")
	if got.Questions[1].Text != "Second?" {
		t.Errorf("changed catalog was re-imported: %q", got.Questions[1].Text)
	}
}

func TestSyncErrors(t *testing.T) {
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := Sync(context.Background(), s, []string{filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("slug: s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Sync(context.Background(), s, []string{bad}); err == nil {
		t.Error("expected validation error")
	}
	if h, _ := s.CatalogHash(context.Background(), bad); h != "" {
		t.Errorf("hash recorded for invalid file: %q", h)
	}
}

func TestSampleCatalog(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "catalog", "profile-v1.yaml"))
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	got, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse sample: %v", err)
	}
	if got.Slug != "profile-v1" || len(got.Questions) != 12 {
		t.Errorf("unexpected sample %q with %d questions", got.Slug, len(got.Questions))
	}
}
