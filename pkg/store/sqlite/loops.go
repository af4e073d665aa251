package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/engage/pkg/loop"
	"github.com/nous-labs/engage/pkg/store"
)

const loopColumns = `id, scope, topic, loop_type, salience, timeframe, created_at, expires_at,
	surfaced_count, status, topic_embedding`

// InsertLoop stores a new loop and returns its generated id.
func (s *Store) InsertLoop(ctx context.Context, scope string, l loop.OpenLoop) (string, error) {
	if !l.Type.Valid() {
		return "", &loop.InvalidTypeError{Value: string(l.Type)}
	}
	if l.Status == "" {
		l.Status = loop.StatusActive
	}
	if l.ExpiresAt.Before(l.CreatedAt) {
		return "", fmt.Errorf("insert loop: expires_at before created_at")
	}

	var embedding sql.NullString
	if len(l.TopicEmbedding) > 0 {
		b, err := json.Marshal(l.TopicEmbedding)
		if err != nil {
			return "", fmt.Errorf("encode topic embedding: %w", err)
		}
		embedding = sql.NullString{String: string(b), Valid: true}
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO open_loops (id, scope, topic, loop_type, salience, timeframe, created_at, expires_at,
			surfaced_count, status, topic_embedding, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, scope, l.Topic, string(l.Type), loop.Clamp(l.Salience), l.Timeframe,
		formatTime(l.CreatedAt), formatTime(l.ExpiresAt), l.SurfacedCount, string(l.Status),
		embedding, formatTime(time.Now()),
	)
	if err != nil {
		return "", store.Write("insert loop", err)
	}
	slog.Debug("loop stored", "scope", scope, "id", id, "type", l.Type)
	return id, nil
}

// GetLoop returns a single loop.
func (s *Store) GetLoop(ctx context.Context, scope, id string) (loop.OpenLoop, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+loopColumns+` FROM open_loops WHERE scope = ? AND id = ?`, scope, id)
	l, err := scanLoop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loop.OpenLoop{}, store.ErrNotFound
	}
	if err != nil {
		return loop.OpenLoop{}, store.Read("get loop", err)
	}
	return l, nil
}

// FetchActive returns the scope's active loops.
func (s *Store) FetchActive(ctx context.Context, scope string) ([]loop.OpenLoop, error) {
	return s.FetchByStatus(ctx, scope, loop.StatusActive)
}

// FetchByStatus returns loops in any of the given statuses, oldest first.
// No statuses means all loops.
func (s *Store) FetchByStatus(ctx context.Context, scope string, statuses ...loop.Status) ([]loop.OpenLoop, error) {
	query := `SELECT ` + loopColumns + ` FROM open_loops WHERE scope = ?`
	args := []interface{}{scope}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Read("fetch loops", err)
	}
	defer rows.Close()

	var loops []loop.OpenLoop
	for rows.Next() {
		l, err := scanLoop(rows)
		if err != nil {
			return nil, store.Read("scan loop", err)
		}
		loops = append(loops, l)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Read("fetch loops", err)
	}
	return loops, nil
}

// UpdateStatus moves loops to status to. Only loops whose current status
// may transition to to are changed and counted.
func (s *Store) UpdateStatus(ctx context.Context, scope string, ids []string, to loop.Status) (int, error) {
	if !to.Valid() {
		return 0, fmt.Errorf("update status: invalid status %q", to)
	}
	from := loop.SourcesOf(to)
	if len(ids) == 0 || len(from) == 0 {
		return 0, nil
	}
	args := []interface{}{string(to), formatTime(time.Now()), scope}
	for _, st := range from {
		args = append(args, string(st))
	}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE open_loops SET status = ?, updated_at = ?
		 WHERE scope = ? AND status IN (`+placeholders(len(from))+`) AND id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return 0, store.Write("update status", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkSurfaced records that a loop was proactively mentioned.
func (s *Store) MarkSurfaced(ctx context.Context, scope, id string) error {
	from := loop.SourcesOf(loop.StatusSurfaced)
	args := []interface{}{formatTime(time.Now()), scope, id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE open_loops SET status = 'surfaced', surfaced_count = surfaced_count + 1, updated_at = ?
		 WHERE scope = ? AND id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return store.Write("mark surfaced", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLoop(r rowScanner) (loop.OpenLoop, error) {
	var (
		l                    loop.OpenLoop
		loopType, status     string
		createdAt, expiresAt string
		embedding            sql.NullString
	)
	err := r.Scan(&l.ID, &l.Scope, &l.Topic, &loopType, &l.Salience, &l.Timeframe,
		&createdAt, &expiresAt, &l.SurfacedCount, &status, &embedding)
	if err != nil {
		return l, err
	}
	l.Type = loop.Type(loopType)
	l.Status = loop.Status(status)
	l.CreatedAt = parseTime(createdAt)
	l.ExpiresAt = parseTime(expiresAt)
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &l.TopicEmbedding); err != nil {
			slog.Warn("sqlite: bad topic embedding", "id", l.ID, "error", err)
			l.TopicEmbedding = nil
		}
	}
	return l, nil
}
