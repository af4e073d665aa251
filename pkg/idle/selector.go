// Package idle picks what to proactively bring up when the user has been
// quiet. Selection always produces a decision; the caller decides whether
// to actually send anything.
package idle

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nous-labs/engage/pkg/loop"
	"github.com/nous-labs/engage/pkg/thread"
)

// Tier thresholds.
const (
	UrgentSalience   = 0.8 // tier 1: loops at or above
	ElevatedSalience = 0.7 // tier 3: loops at or above (below UrgentSalience)

	// DefaultThreadSalience is the minimum current salience for the
	// default thread policy.
	DefaultThreadSalience = 0.5
)

// Kind is the source of a decision.
type Kind string

const (
	KindLoop    Kind = "loop"
	KindThread  Kind = "thread"
	KindGeneric Kind = "generic"
)

// Tier is the policy tier that produced a decision.
type Tier int

const (
	TierUrgentLoop   Tier = 1
	TierThread       Tier = 2
	TierElevatedLoop Tier = 3
	TierGeneric      Tier = 4
)

func (t Tier) String() string {
	switch t {
	case TierUrgentLoop:
		return "urgent_loop"
	case TierThread:
		return "thread"
	case TierElevatedLoop:
		return "elevated_loop"
	case TierGeneric:
		return "generic"
	}
	return "unknown"
}

// Decision is what the selector chose to surface.
type Decision struct {
	Kind     Kind   `json:"kind"`
	Topic    string `json:"topic"`
	Tier     Tier   `json:"tier"`
	LoopID   string `json:"loop_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`

	// LoopType is set for loop decisions; renderers use it for tone.
	LoopType loop.Type `json:"loop_type,omitempty"`
}

// ThreadPicker is the "which thought is worth sharing" policy.
type ThreadPicker interface {
	PickThread(threads []thread.Thread, now time.Time) (thread.Thread, bool)
}

// ThreadPickerFunc adapts a function to ThreadPicker.
type ThreadPickerFunc func(threads []thread.Thread, now time.Time) (thread.Thread, bool)

// PickThread implements ThreadPicker.
func (f ThreadPickerFunc) PickThread(threads []thread.Thread, now time.Time) (thread.Thread, bool) {
	return f(threads, now)
}

// SalientThreadPicker picks the thread with the highest current salience,
// provided it reaches Min.
type SalientThreadPicker struct {
	Min float64
}

// PickThread implements ThreadPicker.
func (p SalientThreadPicker) PickThread(threads []thread.Thread, now time.Time) (thread.Thread, bool) {
	min := p.Min
	if min <= 0 {
		min = DefaultThreadSalience
	}
	var (
		best  thread.Thread
		score float64
		found bool
	)
	for _, t := range threads {
		s := t.SalienceAt(now)
		if s < min {
			continue
		}
		if !found || s > score || (s == score && t.CreatedAt.After(best.CreatedAt)) {
			best, score, found = t, s, true
		}
	}
	return best, found
}

// FallbackSource supplies the generic tier-4 topic.
type FallbackSource interface {
	Fallback(scope string) string
}

// DefaultFallbacks are context-free conversation openers.
var DefaultFallbacks = []string{
	"how your week is going",
	"anything new you have been reading or watching",
	"what you are looking forward to",
	"how you have been sleeping lately",
	"something that made you smile recently",
}

// RotatingFallback cycles through Topics per scope.
type RotatingFallback struct {
	Topics []string

	mu   sync.Mutex
	next map[string]int
}

// NewRotatingFallback returns a RotatingFallback over topics, or over
// DefaultFallbacks when topics is empty.
func NewRotatingFallback(topics ...string) *RotatingFallback {
	if len(topics) == 0 {
		topics = DefaultFallbacks
	}
	return &RotatingFallback{Topics: topics}
}

// Fallback implements FallbackSource.
func (r *RotatingFallback) Fallback(scope string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Topics) == 0 {
		return DefaultFallbacks[0]
	}
	if r.next == nil {
		r.next = make(map[string]int)
	}
	i := r.next[scope] % len(r.Topics)
	r.next[scope] = i + 1
	return r.Topics[i]
}

// Surfacer records that a loop was surfaced.
type Surfacer interface {
	MarkSurfaced(ctx context.Context, scope, id string) error
}

// Selector applies the four-tier policy.
type Selector struct {
	picker   ThreadPicker
	fallback FallbackSource
	surfacer Surfacer
	now      func() time.Time
}

// Option configures a Selector.
type Option func(*Selector)

// WithThreadPicker sets the tier-2 policy.
func WithThreadPicker(p ThreadPicker) Option {
	return func(s *Selector) {
		if p != nil {
			s.picker = p
		}
	}
}

// WithFallback sets the tier-4 source.
func WithFallback(f FallbackSource) Option {
	return func(s *Selector) {
		if f != nil {
			s.fallback = f
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSelector creates a selector. surfacer may be nil, in which case
// selecting a loop has no store side effect.
func NewSelector(surfacer Surfacer, opts ...Option) *Selector {
	s := &Selector{
		picker:   SalientThreadPicker{Min: DefaultThreadSalience},
		fallback: NewRotatingFallback(),
		surfacer: surfacer,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Select picks one topic for scope. It never fails: tier 4 always yields a
// decision. Only loops with status active are considered. When a loop is
// chosen it is marked surfaced; a store failure there is logged and the
// decision is still returned.
func (s *Selector) Select(ctx context.Context, scope string, loops []loop.OpenLoop, threads []thread.Thread) Decision {
	d := s.Decide(scope, loops, threads)
	if d.Kind == KindLoop && s.surfacer != nil {
		if err := s.surfacer.MarkSurfaced(ctx, scope, d.LoopID); err != nil {
			slog.Warn("idle: mark surfaced failed", "scope", scope, "loop_id", d.LoopID, "error", err)
		}
	}
	slog.Debug("idle: decision", "scope", scope, "kind", d.Kind, "tier", d.Tier, "topic", d.Topic)
	return d
}

// Decide evaluates the policy without side effects.
func (s *Selector) Decide(scope string, loops []loop.OpenLoop, threads []thread.Thread) Decision {
	if l, ok := topLoop(loops, UrgentSalience, 1.01); ok {
		return loopDecision(l, TierUrgentLoop)
	}
	if t, ok := s.picker.PickThread(threads, s.now()); ok {
		return Decision{Kind: KindThread, Topic: t.Content, Tier: TierThread, ThreadID: t.ID}
	}
	if l, ok := topLoop(loops, ElevatedSalience, UrgentSalience); ok {
		return loopDecision(l, TierElevatedLoop)
	}
	return Decision{Kind: KindGeneric, Topic: s.fallback.Fallback(scope), Tier: TierGeneric}
}

func loopDecision(l loop.OpenLoop, tier Tier) Decision {
	return Decision{Kind: KindLoop, Topic: l.Topic, Tier: tier, LoopID: l.ID, LoopType: l.Type}
}

// topLoop returns the best active loop with lo <= salience < hi: highest
// salience, then most recent.
func topLoop(loops []loop.OpenLoop, lo, hi float64) (loop.OpenLoop, bool) {
	var band []loop.OpenLoop
	for _, l := range loops {
		if l.Status == loop.StatusActive && l.Salience >= lo && l.Salience < hi {
			band = append(band, l)
		}
	}
	if len(band) == 0 {
		return loop.OpenLoop{}, false
	}
	sort.SliceStable(band, func(i, j int) bool {
		if band[i].Salience != band[j].Salience {
			return band[i].Salience > band[j].Salience
		}
		return band[i].CreatedAt.After(band[j].CreatedAt)
	})
	return band[0], true
}
