package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SharedValue is one entry of the shared state table.
type SharedValue struct {
	Key       string
	Value     []byte
	Version   int64
	UpdatedAt time.Time
}

// PutShared stores value under key. Writing a value identical to the
// stored one is a no-op: neither the version nor updated_at move, so
// watchers are not woken for it. It reports whether a write happened.
func (s *Store) PutShared(ctx context.Context, key string, value []byte) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, fmt.Errorf("store: put shared: empty key")
	}

	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT value FROM shared_state WHERE key = ?`, key).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("store: read shared %q: %w", key, err)
		default:
			if bytes.Equal([]byte(current), value) {
				return nil
			}
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO shared_state (key, value, version, updated_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				version = shared_state.version + 1,
				updated_at = excluded.updated_at
		`, key, string(value), now); err != nil {
			return fmt.Errorf("store: write shared %q: %w", key, err)
		}
		changed = true
		return nil
	})
	return changed, err
}

// GetShared returns the entry stored under key or a NotFoundError.
func (s *Store) GetShared(ctx context.Context, key string) (SharedValue, error) {
	var (
		value     string
		updatedAt string
		out       = SharedValue{Key: key}
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT value, version, updated_at FROM shared_state WHERE key = ?
	`, key).Scan(&value, &out.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SharedValue{}, NotFoundError{Entity: "shared state", Key: key}
	}
	if err != nil {
		return SharedValue{}, fmt.Errorf("store: get shared %q: %w", key, err)
	}
	out.Value = []byte(value)
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		out.UpdatedAt = t
	}
	return out, nil
}

// sharedVersions returns the version of every requested key; absent keys
// map to 0.
func (s *Store) sharedVersions(ctx context.Context, keys []string) (map[string]int64, error) {
	versions := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return versions, nil
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		versions[key] = 0
		args = append(args, key)
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT key, version FROM shared_state WHERE key IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("store: load shared versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key     string
			version int64
		)
		if err := rows.Scan(&key, &version); err != nil {
			return nil, fmt.Errorf("store: scan shared version: %w", err)
		}
		versions[key] = version
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate shared versions: %w", err)
	}
	return versions, nil
}
