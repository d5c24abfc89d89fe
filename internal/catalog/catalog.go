// Package catalog loads test definitions from YAML files into the store.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/mirror/internal/model"
)

// File is the on-disk shape of one test definition.
type File struct {
	Slug         string     `yaml:"slug"`
	Title        string     `yaml:"title"`
	Description  string     `yaml:"description"`
	Active       *bool      `yaml:"active"`
	Instructions string     `yaml:"instructions"`
	Questions    []Question `yaml:"questions"`
}

// Question is one catalog question.
type Question struct {
	ID      string         `yaml:"id"`
	Order   int            `yaml:"order"`
	Text    string         `yaml:"text"`
	Options []model.Option `yaml:"options"`
}

// Importer is the persistence the catalog sync needs.
type Importer interface {
	ImportTest(ctx context.Context, t model.Test) (int64, error)
	CatalogHash(ctx context.Context, path string) (string, error)
	SetCatalogHash(ctx context.Context, path, hash string) error
}

// Parse decodes and validates a test definition.
func Parse(data []byte) (model.Test, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return model.Test{}, fmt.Errorf("parse YAML: %w", err)
	}
	if err := validate(&f); err != nil {
		return model.Test{}, fmt.Errorf("validate: %w", err)
	}

	t := model.Test{
		Slug:         f.Slug,
		Title:        f.Title,
		Description:  strings.TrimSpace(f.Description),
		Instructions: strings.TrimSpace(f.Instructions),
		Active:       f.Active == nil || *f.Active,
	}
	for _, q := range f.Questions {
		t.Questions = append(t.Questions, model.Question{
			ID:      q.ID,
			Order:   q.Order,
			Text:    strings.TrimSpace(q.Text),
			Options: q.Options,
		})
	}
	return t, nil
}

func validate(f *File) error {
	if f.Slug == "" {
		return fmt.Errorf("slug is required")
	}
	if f.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(f.Questions) == 0 {
		return fmt.Errorf("test %q has no questions", f.Slug)
	}

	ids := make(map[string]bool)
	orders := make(map[int]bool)
	for i, q := range f.Questions {
		if q.ID == "" {
			return fmt.Errorf("question %d has no id", i+1)
		}
		if ids[q.ID] {
			return fmt.Errorf("duplicate question id %q", q.ID)
		}
		ids[q.ID] = true

		if orders[q.Order] {
			return fmt.Errorf("question %q: duplicate order %d", q.ID, q.Order)
		}
		orders[q.Order] = true

		if strings.TrimSpace(q.Text) == "" {
			return fmt.Errorf("question %q has no text", q.ID)
		}

		optIDs := make(map[string]bool)
		for _, o := range q.Options {
			if o.ID == "" {
				return fmt.Errorf("question %q: option without id", q.ID)
			}
			if optIDs[o.ID] {
				return fmt.Errorf("question %q: duplicate option id %q", q.ID, o.ID)
			}
			optIDs[o.ID] = true
		}
	}
	return nil
}

// Sync imports the given catalog files. A file whose content hash matches the
// recorded one is skipped. A file that changed after its first import is also
// skipped with a warning, so live sessions keep the questions they started with.
func Sync(ctx context.Context, imp Importer, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		sum := sha256.Sum256(data)
		hash := hex.EncodeToString(sum[:])

		prev, err := imp.CatalogHash(ctx, path)
		if err != nil {
			return fmt.Errorf("catalog hash %s: %w", path, err)
		}
		if prev == hash {
			slog.Debug("catalog unchanged, skipping", "path", path)
			continue
		}
		if prev != "" {
			slog.Warn("catalog file changed since import, not re-importing", "path", path)
			continue
		}

		t, err := Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		id, err := imp.ImportTest(ctx, t)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		if err := imp.SetCatalogHash(ctx, path, hash); err != nil {
			return fmt.Errorf("record hash %s: %w", path, err)
		}
		slog.Info("imported test", "path", path, "slug", t.Slug, "id", id, "questions", len(t.Questions))
	}
	return nil
}
