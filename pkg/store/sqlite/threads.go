package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/nous-labs/engage/pkg/store"
	"github.com/nous-labs/engage/pkg/thread"
)

// ListThreads returns the scope's threads, oldest first.
func (s *Store) ListThreads(ctx context.Context, scope string) ([]thread.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, content, thread_type, salience, initial_salience, decay_rate, created_at, decayed_at
		 FROM threads WHERE scope = ? ORDER BY created_at ASC, id ASC`, scope)
	if err != nil {
		return nil, store.Read("list threads", err)
	}
	defer rows.Close()

	var threads []thread.Thread
	for rows.Next() {
		var (
			t         thread.Thread
			typ       string
			createdAt string
			decayedAt sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Scope, &t.Content, &typ, &t.Salience, &t.Initial, &t.DecayRate, &createdAt, &decayedAt); err != nil {
			return nil, store.Read("scan thread", err)
		}
		t.Type = thread.Type(typ)
		t.CreatedAt = parseTime(createdAt)
		if decayedAt.Valid {
			t.DecayedAt = parseTime(decayedAt.String)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Read("list threads", err)
	}
	return threads, nil
}

// InsertThread stores a new thread and returns its generated id.
func (s *Store) InsertThread(ctx context.Context, scope string, t thread.Thread) (string, error) {
	if !t.Type.Valid() {
		return "", fmt.Errorf("insert thread: invalid type %q", t.Type)
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, scope, content, thread_type, salience, initial_salience, decay_rate, created_at, decayed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, scope, t.Content, string(t.Type), t.Salience, t.Base(), t.DecayRate,
		formatTime(t.CreatedAt), nullTime(t),
	)
	if err != nil {
		return "", store.Write("insert thread", err)
	}
	return id, nil
}

// UpdateThreads persists the current salience of the given threads. The
// initial salience is never rewritten.
func (s *Store) UpdateThreads(ctx context.Context, scope string, threads []thread.Thread) error {
	if len(threads) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Write("update threads", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE threads SET salience = ?, decayed_at = ? WHERE scope = ? AND id = ?`)
	if err != nil {
		return store.Write("update threads", err)
	}
	defer stmt.Close()

	for _, t := range threads {
		if _, err := stmt.ExecContext(ctx, t.Salience, nullTime(t), scope, t.ID); err != nil {
			return store.Write("update thread "+t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return store.Write("update threads", err)
	}
	return nil
}

// DeleteThreads removes threads by id.
func (s *Store) DeleteThreads(ctx context.Context, scope string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []interface{}{scope}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM threads WHERE scope = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	return store.Write("delete threads", err)
}

func nullTime(t thread.Thread) sql.NullString {
	if t.DecayedAt.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t.DecayedAt), Valid: true}
}
