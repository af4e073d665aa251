package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nous-labs/engage/pkg/store"
)

// KVGet retrieves a value. A missing key returns "" and no error.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", store.Read("kv get", err)
	}
	return value, nil
}

// KVSet stores a value.
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(time.Now()),
	)
	return store.Write("kv set", err)
}

// KVList returns every entry whose key starts with prefix.
func (s *Store) KVList(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM kv WHERE substr(key, 1, length(?)) = ?", prefix, prefix)
	if err != nil {
		return nil, store.Read("kv list", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, store.Read("kv list", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, store.Read("kv list", err)
	}
	return out, nil
}
