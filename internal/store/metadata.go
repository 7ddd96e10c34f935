package store

import (
	"context"
	"database/sql"
	"errors"
)

// SetMetadata upserts a key-value pair.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMetadata returns the value for a key, or "" if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// GetBankHash returns the recorded content hash of a question bank file.
func (s *Store) GetBankHash(ctx context.Context, path string) (string, error) {
	return s.GetMetadata(ctx, "bank_hash:"+path)
}

// SetBankHash records the content hash of a question bank file.
func (s *Store) SetBankHash(ctx context.Context, path, hash string) error {
	return s.SetMetadata(ctx, "bank_hash:"+path, hash)
}
