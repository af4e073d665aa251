// Package postgres is the production engagement store. Loop topic
// embeddings are kept in a pgvector column next to the loop.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/nous-labs/engage/pkg/loop"
	"github.com/nous-labs/engage/pkg/store"
	"github.com/nous-labs/engage/pkg/thread"
)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL and creates the schema if needed.
func Open(ctx context.Context, pgURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	// Register pgvector types on each new connection
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("store opened", "driver", "postgres")
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	stmts := []struct {
		name string
		sql  string
	}{
		{"vector extension", `CREATE EXTENSION IF NOT EXISTS vector`},
		{"open_loops", `
			CREATE TABLE IF NOT EXISTS open_loops (
				id              UUID PRIMARY KEY,
				scope           TEXT NOT NULL,
				topic           TEXT NOT NULL,
				loop_type       TEXT NOT NULL,
				salience        DOUBLE PRECISION NOT NULL,
				timeframe       TEXT NOT NULL DEFAULT '',
				created_at      TIMESTAMPTZ NOT NULL,
				expires_at      TIMESTAMPTZ NOT NULL,
				surfaced_count  INTEGER NOT NULL DEFAULT 0,
				status          TEXT NOT NULL,
				topic_embedding vector,
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
				CHECK (expires_at >= created_at),
				CHECK (salience >= 0 AND salience <= 1)
			)`},
		{"idx_open_loops_scope_status", `CREATE INDEX IF NOT EXISTS idx_open_loops_scope_status ON open_loops(scope, status, created_at)`},
		{"threads", `
			CREATE TABLE IF NOT EXISTS threads (
				id               UUID PRIMARY KEY,
				scope            TEXT NOT NULL,
				content          TEXT NOT NULL,
				thread_type      TEXT NOT NULL,
				salience         DOUBLE PRECISION NOT NULL,
				initial_salience DOUBLE PRECISION NOT NULL,
				decay_rate       DOUBLE PRECISION NOT NULL,
				created_at       TIMESTAMPTZ NOT NULL,
				decayed_at       TIMESTAMPTZ
			)`},
		{"idx_threads_scope", `CREATE INDEX IF NOT EXISTS idx_threads_scope ON threads(scope)`},
		{"kv", `
			CREATE TABLE IF NOT EXISTS kv (
				key        TEXT PRIMARY KEY,
				value      TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`},
	}
	for _, st := range stmts {
		if _, err := s.pool.Exec(ctx, st.sql); err != nil {
			return fmt.Errorf("create %s: %w", st.name, err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const loopColumns = `id::text, scope, topic, loop_type, salience, timeframe, created_at, expires_at,
	surfaced_count, status, topic_embedding`

// InsertLoop stores a new loop and returns its generated id.
func (s *Store) InsertLoop(ctx context.Context, scope string, l loop.OpenLoop) (string, error) {
	if !l.Type.Valid() {
		return "", &loop.InvalidTypeError{Value: string(l.Type)}
	}
	if l.Status == "" {
		l.Status = loop.StatusActive
	}
	var vec *pgvector.Vector
	if len(l.TopicEmbedding) > 0 {
		v := pgvector.NewVector(l.TopicEmbedding)
		vec = &v
	}

	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO open_loops (id, scope, topic, loop_type, salience, timeframe, created_at, expires_at,
			surfaced_count, status, topic_embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, id, scope, l.Topic, string(l.Type), loop.Clamp(l.Salience), l.Timeframe,
		l.CreatedAt.UTC(), l.ExpiresAt.UTC(), l.SurfacedCount, string(l.Status), vec)
	if err != nil {
		return "", store.Write("insert loop", err)
	}
	return id.String(), nil
}

// GetLoop returns a single loop.
func (s *Store) GetLoop(ctx context.Context, scope, id string) (loop.OpenLoop, error) {
	if _, err := uuid.Parse(id); err != nil {
		return loop.OpenLoop{}, store.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+loopColumns+` FROM open_loops WHERE scope = $1 AND id = $2`, scope, id)
	l, err := scanLoop(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	query := `SELECT ` + loopColumns + ` FROM open_loops WHERE scope = $1`
	args := []any{scope}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, statusNames(statuses))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
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

// UpdateStatus moves loops to status to when loop.SourcesOf allows it.
func (s *Store) UpdateStatus(ctx context.Context, scope string, ids []string, to loop.Status) (int, error) {
	if !to.Valid() {
		return 0, fmt.Errorf("update status: invalid status %q", to)
	}
	ids = validUUIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE open_loops SET status = $1, updated_at = now()
		WHERE scope = $2 AND status = ANY($3) AND id = ANY($4::uuid[])
	`, string(to), scope, statusNames(loop.SourcesOf(to)), ids)
	if err != nil {
		return 0, store.Write("update status", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkSurfaced records that a loop was proactively mentioned.
func (s *Store) MarkSurfaced(ctx context.Context, scope, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return store.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE open_loops SET status = 'surfaced', surfaced_count = surfaced_count + 1, updated_at = now()
		WHERE scope = $1 AND id = $2 AND status = ANY($3)
	`, scope, id, statusNames(loop.SourcesOf(loop.StatusSurfaced)))
	if err != nil {
		return store.Write("mark surfaced", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SimilarOpen returns open loops whose topic embedding lies within
// maxDistance (cosine distance) of vec, nearest first.
func (s *Store) SimilarOpen(ctx context.Context, scope string, vec []float32, maxDistance float64, limit int) ([]loop.OpenLoop, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+loopColumns+`
		FROM open_loops
		WHERE scope = $1 AND status IN ('active', 'surfaced') AND topic_embedding IS NOT NULL
			AND topic_embedding <=> $2 <= $3
		ORDER BY topic_embedding <=> $2
		LIMIT $4
	`, scope, pgvector.NewVector(vec), maxDistance, limit)
	if err != nil {
		return nil, store.Read("similar loops", err)
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
	return loops, store.Read("similar loops", rows.Err())
}

func scanLoop(r pgx.Row) (loop.OpenLoop, error) {
	var (
		l                loop.OpenLoop
		loopType, status string
		vec              *pgvector.Vector
	)
	err := r.Scan(&l.ID, &l.Scope, &l.Topic, &loopType, &l.Salience, &l.Timeframe,
		&l.CreatedAt, &l.ExpiresAt, &l.SurfacedCount, &status, &vec)
	if err != nil {
		return l, err
	}
	l.Type = loop.Type(loopType)
	l.Status = loop.Status(status)
	l.CreatedAt = l.CreatedAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	if vec != nil {
		l.TopicEmbedding = vec.Slice()
	}
	return l, nil
}

// ListThreads returns the scope's threads, oldest first.
func (s *Store) ListThreads(ctx context.Context, scope string) ([]thread.Thread, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, scope, content, thread_type, salience, initial_salience, decay_rate, created_at, decayed_at
		FROM threads WHERE scope = $1 ORDER BY created_at ASC, id ASC
	`, scope)
	if err != nil {
		return nil, store.Read("list threads", err)
	}
	defer rows.Close()

	var threads []thread.Thread
	for rows.Next() {
		var (
			t         thread.Thread
			typ       string
			decayedAt *time.Time
		)
		if err := rows.Scan(&t.ID, &t.Scope, &t.Content, &typ, &t.Salience, &t.Initial, &t.DecayRate, &t.CreatedAt, &decayedAt); err != nil {
			return nil, store.Read("scan thread", err)
		}
		t.Type = thread.Type(typ)
		t.CreatedAt = t.CreatedAt.UTC()
		if decayedAt != nil {
			t.DecayedAt = decayedAt.UTC()
		}
		threads = append(threads, t)
	}
	return threads, store.Read("list threads", rows.Err())
}

// InsertThread stores a new thread and returns its generated id.
func (s *Store) InsertThread(ctx context.Context, scope string, t thread.Thread) (string, error) {
	if !t.Type.Valid() {
		return "", fmt.Errorf("insert thread: invalid type %q", t.Type)
	}
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO threads (id, scope, content, thread_type, salience, initial_salience, decay_rate, created_at, decayed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, scope, t.Content, string(t.Type), t.Salience, t.Base(), t.DecayRate, t.CreatedAt.UTC(), decayedAt(t))
	if err != nil {
		return "", store.Write("insert thread", err)
	}
	return id.String(), nil
}

// UpdateThreads persists current salience in a single batch. The initial
// salience is never rewritten.
func (s *Store) UpdateThreads(ctx context.Context, scope string, threads []thread.Thread) error {
	if len(threads) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range threads {
		batch.Queue(`UPDATE threads SET salience = $1, decayed_at = $2 WHERE scope = $3 AND id = $4`,
			t.Salience, decayedAt(t), scope, t.ID)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return store.Write("update threads", err)
	}
	return nil
}

// DeleteThreads removes threads by id.
func (s *Store) DeleteThreads(ctx context.Context, scope string, ids []string) error {
	ids = validUUIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM threads WHERE scope = $1 AND id = ANY($2::uuid[])`, scope, ids)
	return store.Write("delete threads", err)
}

// KVGet retrieves a value. A missing key returns "" and no error.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", store.Read("kv get", err)
	}
	return value, nil
}

// KVSet stores a value.
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	return store.Write("kv set", err)
}

// KVList returns every entry whose key starts with prefix.
func (s *Store) KVList(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM kv WHERE starts_with(key, $1)`, prefix)
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
	return out, store.Read("kv list", rows.Err())
}

func statusNames(statuses []loop.Status) []string {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return names
}

func decayedAt(t thread.Thread) *time.Time {
	if t.DecayedAt.IsZero() {
		return nil
	}
	d := t.DecayedAt.UTC()
	return &d
}

// validUUIDs drops ids that cannot be stored in a uuid column.
func validUUIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			out = append(out, id)
		}
	}
	return out
}
