package thread

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Defaults for the thread set.
const (
	DefaultMinThreads   = 3
	DefaultMaxThreads   = 5
	DefaultRemovalFloor = 0.1
)

// Config controls the decay pass.
type Config struct {
	MinThreads   int
	MaxThreads   int
	RemovalFloor float64
}

// DefaultConfig returns the default thread limits.
func DefaultConfig() Config {
	return Config{
		MinThreads:   DefaultMinThreads,
		MaxThreads:   DefaultMaxThreads,
		RemovalFloor: DefaultRemovalFloor,
	}
}

// Generator produces new threads for a scope. It is an external collaborator
// (usually an LLM).
type Generator interface {
	GenerateThreads(ctx context.Context, scope string, n int) ([]Thread, error)
}

// Store persists threads. The store packages satisfy it.
type Store interface {
	ListThreads(ctx context.Context, scope string) ([]Thread, error)
	InsertThread(ctx context.Context, scope string, t Thread) (string, error)
	UpdateThreads(ctx context.Context, scope string, threads []Thread) error
	DeleteThreads(ctx context.Context, scope string, ids []string) error
}

// DecayManager applies decay to a scope's threads and keeps the set sized.
type DecayManager struct {
	config    Config
	store     Store
	generator Generator
	now       func() time.Time
}

// NewDecayManager creates a DecayManager. generator may be nil, in which
// case the set is never backfilled.
func NewDecayManager(cfg Config, store Store, generator Generator, now func() time.Time) *DecayManager {
	def := DefaultConfig()
	if cfg.MinThreads <= 0 {
		cfg.MinThreads = def.MinThreads
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = def.MaxThreads
	}
	if cfg.MaxThreads < cfg.MinThreads {
		cfg.MaxThreads = cfg.MinThreads
	}
	if cfg.RemovalFloor <= 0 {
		cfg.RemovalFloor = def.RemovalFloor
	}
	if now == nil {
		now = time.Now
	}
	return &DecayManager{config: cfg, store: store, generator: generator, now: now}
}

// Decay brings every thread's salience up to now and splits the set into
// threads to keep and threads that faded below the floor. A thread sitting
// exactly on the floor is kept.
func Decay(threads []Thread, now time.Time, floor float64) (kept, removed []Thread) {
	for _, t := range threads {
		d := t.DecayedTo(now)
		if d.Salience < floor {
			removed = append(removed, d)
			continue
		}
		kept = append(kept, d)
	}
	return kept, removed
}

// Trim keeps the max highest-salience threads (newest first on ties) and
// returns the rest as dropped.
func Trim(threads []Thread, max int) (kept, dropped []Thread) {
	if len(threads) <= max {
		return threads, nil
	}
	sorted := make([]Thread, len(threads))
	copy(sorted, threads)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Salience != sorted[j].Salience {
			return sorted[i].Salience > sorted[j].Salience
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	return sorted[:max], sorted[max:]
}

// Result summarizes one maintenance pass.
type Result struct {
	Kept      int      `json:"kept"`
	Removed   []string `json:"removed,omitempty"`
	Generated int      `json:"generated"`
	Trimmed   []string `json:"trimmed,omitempty"`
}

// Maintain runs one decay pass for scope: decay, drop faded threads,
// backfill toward the minimum, and trim to the maximum.
func (m *DecayManager) Maintain(ctx context.Context, scope string) (Result, error) {
	var res Result
	now := m.now().UTC()

	threads, err := m.store.ListThreads(ctx, scope)
	if err != nil {
		return res, fmt.Errorf("list threads: %w", err)
	}

	kept, removed := Decay(threads, now, m.config.RemovalFloor)
	if len(removed) > 0 {
		ids := threadIDs(removed)
		if err := m.store.DeleteThreads(ctx, scope, ids); err != nil {
			return res, fmt.Errorf("delete faded threads: %w", err)
		}
		res.Removed = ids
	}
	if len(kept) > 0 {
		if err := m.store.UpdateThreads(ctx, scope, kept); err != nil {
			return res, fmt.Errorf("update decayed threads: %w", err)
		}
	}

	if missing := m.config.MinThreads - len(kept); missing > 0 && m.generator != nil {
		fresh, err := m.generator.GenerateThreads(ctx, scope, missing)
		if err != nil {
			slog.Warn("thread: backfill generation failed", "scope", scope, "missing", missing, "error", err)
		}
		for _, t := range fresh {
			t = m.prepare(scope, t, now)
			id, err := m.store.InsertThread(ctx, scope, t)
			if err != nil {
				return res, fmt.Errorf("insert backfilled thread: %w", err)
			}
			t.ID = id
			kept = append(kept, t)
			res.Generated++
		}
	}

	kept, dropped := Trim(kept, m.config.MaxThreads)
	if len(dropped) > 0 {
		ids := threadIDs(dropped)
		if err := m.store.DeleteThreads(ctx, scope, ids); err != nil {
			return res, fmt.Errorf("trim threads: %w", err)
		}
		res.Trimmed = ids
	}
	res.Kept = len(kept)

	if len(res.Removed) > 0 || res.Generated > 0 || len(res.Trimmed) > 0 {
		slog.Info("thread: maintenance complete",
			"scope", scope,
			"kept", res.Kept,
			"removed", len(res.Removed),
			"generated", res.Generated,
			"trimmed", len(res.Trimmed),
		)
	}
	return res, nil
}

// Add stores a single new thread for scope (used by the idle-thought check)
// and returns it with its id. When the scope already holds MaxThreads, the
// lowest-salience thread is evicted first so the set never exceeds the cap.
func (m *DecayManager) Add(ctx context.Context, scope string, t Thread) (Thread, error) {
	now := m.now().UTC()
	t = m.prepare(scope, t, now)

	existing, err := m.store.ListThreads(ctx, scope)
	if err != nil {
		return t, fmt.Errorf("list threads: %w", err)
	}
	if len(existing) >= m.config.MaxThreads {
		current := make([]Thread, len(existing))
		for i, e := range existing {
			current[i] = e.DecayedTo(now)
		}
		_, evicted := Trim(current, m.config.MaxThreads-1)
		if ids := threadIDs(evicted); len(ids) > 0 {
			if err := m.store.DeleteThreads(ctx, scope, ids); err != nil {
				return t, fmt.Errorf("evict threads: %w", err)
			}
			slog.Debug("thread: evicted to make room", "scope", scope, "evicted", len(ids))
		}
	}

	id, err := m.store.InsertThread(ctx, scope, t)
	if err != nil {
		return t, fmt.Errorf("insert thread: %w", err)
	}
	t.ID = id
	return t, nil
}

// prepare fills defaults on a generated thread.
func (m *DecayManager) prepare(scope string, t Thread, now time.Time) Thread {
	t.Scope = scope
	if !t.Type.Valid() {
		t.Type = TypeReflection
	}
	if t.Salience <= 0 || t.Salience > 1 {
		t.Salience = 0.5
	}
	if t.DecayRate <= 0 {
		t.DecayRate = DefaultDecayRate
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.DecayedAt = time.Time{}
	return t
}

func threadIDs(threads []Thread) []string {
	ids := make([]string, 0, len(threads))
	for _, t := range threads {
		ids = append(ids, t.ID)
	}
	return ids
}
