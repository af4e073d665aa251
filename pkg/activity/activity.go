// Package activity tracks when each scope last interacted, when the
// scheduler last generated an idle thought, and when a nudge was last sent.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// keyPrefix namespaces activity records in the KV table.
const keyPrefix = "activity:"

// State is the bookkeeping for one scope.
type State struct {
	Scope           string    `json:"scope"`
	LastInteraction time.Time `json:"last_interaction"`
	LastIdleThought time.Time `json:"last_idle_thought,omitzero"`
	LastNudge       time.Time `json:"last_nudge,omitzero"`

	// Channel and Target identify where proactive messages go (e.g. a
	// Matrix room). Empty when the scope has no delivery route.
	Channel string `json:"channel,omitempty"`
	Target  string `json:"target,omitempty"`
}

// Absence returns the time since the last interaction. A scope that never
// interacted has zero absence.
func (s State) Absence(now time.Time) time.Duration {
	if s.LastInteraction.IsZero() {
		return 0
	}
	return now.Sub(s.LastInteraction)
}

// KV is the persistence the tracker uses. The stores satisfy it.
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, value string) error
	KVList(ctx context.Context, prefix string) (map[string]string, error)
}

// Tracker holds State per scope in memory, optionally persisted.
type Tracker struct {
	kv  KV
	now func() time.Time

	mu     sync.RWMutex
	scopes map[string]State
}

// NewTracker creates a Tracker. kv may be nil for in-memory tracking.
func NewTracker(kv KV, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{kv: kv, now: now, scopes: make(map[string]State)}
}

// Load reads persisted state. Records that fail to decode are skipped.
func (t *Tracker) Load(ctx context.Context) error {
	if t.kv == nil {
		return nil
	}
	entries, err := t.kv.KVList(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("load activity: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, raw := range entries {
		var st State
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			slog.Warn("activity: bad record", "key", key, "error", err)
			continue
		}
		if st.Scope == "" {
			st.Scope = strings.TrimPrefix(key, keyPrefix)
		}
		t.scopes[st.Scope] = st
	}
	slog.Debug("activity loaded", "scopes", len(t.scopes))
	return nil
}

// Get returns the state for scope.
func (t *Tracker) Get(scope string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.scopes[scope]
	return st, ok
}

// Scopes returns every tracked scope, sorted.
func (t *Tracker) Scopes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.scopes))
	for s := range t.scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Touch records a user interaction now.
func (t *Tracker) Touch(ctx context.Context, scope string) (State, error) {
	return t.update(ctx, scope, func(st *State) {
		st.LastInteraction = t.now().UTC()
	})
}

// SetRoute records where proactive messages for scope should go.
func (t *Tracker) SetRoute(ctx context.Context, scope, channel, target string) (State, error) {
	return t.update(ctx, scope, func(st *State) {
		st.Channel = channel
		st.Target = target
	})
}

// MarkIdleThought records that an idle thought was generated now.
func (t *Tracker) MarkIdleThought(ctx context.Context, scope string) (State, error) {
	return t.update(ctx, scope, func(st *State) {
		st.LastIdleThought = t.now().UTC()
	})
}

// MarkNudge records that a proactive message was sent now.
func (t *Tracker) MarkNudge(ctx context.Context, scope string) (State, error) {
	return t.update(ctx, scope, func(st *State) {
		st.LastNudge = t.now().UTC()
	})
}

// update applies fn under the lock and persists the result. The in-memory
// state is updated even when persistence fails.
func (t *Tracker) update(ctx context.Context, scope string, fn func(*State)) (State, error) {
	t.mu.Lock()
	st := t.scopes[scope]
	st.Scope = scope
	fn(&st)
	t.scopes[scope] = st
	t.mu.Unlock()

	if t.kv == nil {
		return st, nil
	}
	b, err := json.Marshal(st)
	if err != nil {
		return st, fmt.Errorf("encode activity: %w", err)
	}
	if err := t.kv.KVSet(ctx, keyPrefix+scope, string(b)); err != nil {
		return st, fmt.Errorf("persist activity %s: %w", scope, err)
	}
	return st, nil
}
