package store

import (
	"context"
	"database/sql"
	"errors"
)

const catalogKeyPrefix = "catalog:"

// SetMetadata upserts a key-value pair in the metadata table.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM metadata WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// CatalogHash returns the content hash recorded for a catalog file, or ""
// if the file was never imported.
func (s *Store) CatalogHash(ctx context.Context, path string) (string, error) {
	return s.GetMetadata(ctx, catalogKeyPrefix+path)
}

// SetCatalogHash records the content hash of an imported catalog file.
func (s *Store) SetCatalogHash(ctx context.Context, path, hash string) error {
	return s.SetMetadata(ctx, catalogKeyPrefix+path, hash)
}
