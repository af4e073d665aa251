package loop

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// Default maximum ages per loop type.
const (
	DefaultEventMaxAge     = 7 * 24 * time.Hour
	DefaultEmotionalMaxAge = 3 * 24 * time.Hour
	DefaultTaskMaxAge      = 14 * 24 * time.Hour
	DefaultCuriosityMaxAge = 30 * 24 * time.Hour
)

// EmotionalSalience is the fixed urgency of emotional follow-ups.
const EmotionalSalience = 0.8

// Base urgency per type before the timeframe boost.
const (
	eventBase     = 0.50
	taskBase      = 0.45
	curiosityBase = 0.35
)

// Timeframe boosts, from most to least pressing.
const (
	boostImmediate = 0.40
	boostTomorrow  = 0.35
	boostNear      = 0.25
	boostNextWeek  = 0.15
	boostLater     = 0.05
)

// timeframeBoosts is checked in order; the first matching phrase wins.
var timeframeBoosts = []struct {
	phrases []string
	boost   float64
}{
	{[]string{"right now", "now", "today", "tonight", "asap", "this morning", "this afternoon", "this evening"}, boostImmediate},
	{[]string{"tomorrow"}, boostTomorrow},
	{[]string{"next week"}, boostNextWeek},
	{[]string{"soon", "this week", "this weekend", "in a few days", "few days", "couple of days"}, boostNear},
	{[]string{"this month", "next month", "later"}, boostLater},
}

// Config controls loop creation.
type Config struct {
	MaxAges map[Type]time.Duration
}

// DefaultConfig returns the default per-type max ages.
func DefaultConfig() Config {
	return Config{MaxAges: map[Type]time.Duration{
		TypeEvent:     DefaultEventMaxAge,
		TypeEmotional: DefaultEmotionalMaxAge,
		TypeTask:      DefaultTaskMaxAge,
		TypeCuriosity: DefaultCuriosityMaxAge,
	}}
}

// MaxAge returns the configured max age for t, falling back to the default.
func (c Config) MaxAge(t Type) time.Duration {
	if d, ok := c.MaxAges[t]; ok && d > 0 {
		return d
	}
	switch t {
	case TypeEvent:
		return DefaultEventMaxAge
	case TypeEmotional:
		return DefaultEmotionalMaxAge
	case TypeTask:
		return DefaultTaskMaxAge
	case TypeCuriosity:
		return DefaultCuriosityMaxAge
	}
	return DefaultEventMaxAge
}

// Manager creates loops from candidate signals.
type Manager struct {
	config Config
	now    func() time.Time
}

// NewManager creates a Manager. A nil now uses time.Now.
func NewManager(cfg Config, now func() time.Time) *Manager {
	if cfg.MaxAges == nil {
		cfg = DefaultConfig()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{config: cfg, now: now}
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Create builds a new active loop. The loop is not persisted.
func (m *Manager) Create(topic string, loopType Type, timeframe string, sourceSalience float64) (OpenLoop, error) {
	if !loopType.Valid() {
		return OpenLoop{}, &InvalidTypeError{Value: string(loopType)}
	}
	now := m.now().UTC()
	salience := math.Max(clampSalience(sourceSalience), Urgency(loopType, timeframe))
	return OpenLoop{
		Topic:     strings.TrimSpace(topic),
		Type:      loopType,
		Salience:  salience,
		Timeframe: strings.TrimSpace(timeframe),
		CreatedAt: now,
		ExpiresAt: now.Add(m.config.MaxAge(loopType)),
		Status:    StatusActive,
	}, nil
}

// FromCandidate builds a loop from an extracted candidate. ok is false when
// the candidate does not ask for a follow-up.
func (m *Manager) FromCandidate(c Candidate) (l OpenLoop, ok bool, err error) {
	if !c.HasFollowUp || strings.TrimSpace(c.Topic) == "" {
		return OpenLoop{}, false, nil
	}
	t, err := ParseType(c.Type)
	if err != nil {
		return OpenLoop{}, false, err
	}
	l, err = m.Create(c.Topic, t, c.Timeframe, c.Salience)
	if err != nil {
		return OpenLoop{}, false, err
	}
	return l, true, nil
}

// Urgency derives a salience from the loop type and its timeframe hint.
func Urgency(t Type, timeframe string) float64 {
	var base float64
	switch t {
	case TypeEmotional:
		return EmotionalSalience
	case TypeEvent:
		base = eventBase
	case TypeTask:
		base = taskBase
	case TypeCuriosity:
		base = curiosityBase
	}
	return clampSalience(base + TimeframeBoost(timeframe))
}

// TimeframeBoost maps a free-text timeframe to an urgency boost.
// Unknown, empty and "someday" timeframes get no boost.
func TimeframeBoost(timeframe string) float64 {
	tf := " " + strings.Join(strings.Fields(strings.ToLower(timeframe)), " ") + " "
	if strings.TrimSpace(tf) == "" {
		return 0
	}
	for _, tb := range timeframeBoosts {
		for _, p := range tb.phrases {
			if strings.Contains(tf, " "+p+" ") {
				return tb.boost
			}
		}
	}
	return 0
}

func clampSalience(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return Clamp(v)
}

// Sink persists loops. The store packages satisfy it.
type Sink interface {
	InsertLoop(ctx context.Context, scope string, l OpenLoop) (string, error)
	UpdateStatus(ctx context.Context, scope string, ids []string, to Status) (int, error)
}

// Embedder turns a topic into a vector.
type Embedder interface {
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
}

// Tracker is the interactive-path entry point: it creates loops from
// candidates and persists them.
type Tracker struct {
	manager  *Manager
	sink     Sink
	embedder Embedder
}

// NewTracker creates a Tracker. embedder may be nil.
func NewTracker(m *Manager, sink Sink, embedder Embedder) *Tracker {
	return &Tracker{manager: m, sink: sink, embedder: embedder}
}

// Track creates and stores a loop for the candidate. When the store write
// fails the unsaved loop is still returned together with the error, so the
// caller can decide what to do with it. ok is false for candidates without
// a follow-up.
func (t *Tracker) Track(ctx context.Context, scope string, c Candidate) (l OpenLoop, ok bool, err error) {
	l, ok, err = t.manager.FromCandidate(c)
	if err != nil || !ok {
		return l, ok, err
	}
	l.Scope = scope

	if t.embedder != nil {
		vec, err := t.embedder.EmbedDocument(ctx, l.Topic)
		if err != nil {
			slog.Warn("loop: topic embedding failed", "scope", scope, "error", err)
		} else {
			l.TopicEmbedding = vec
		}
	}

	id, err := t.sink.InsertLoop(ctx, scope, l)
	if err != nil {
		return l, true, fmt.Errorf("track loop %q: %w", l.Topic, err)
	}
	l.ID = id
	slog.Debug("loop tracked", "scope", scope, "id", id, "type", l.Type, "salience", l.Salience)
	return l, true, nil
}

// Resolve marks a loop as resolved. It reports false when the loop was
// already closed or does not exist.
func (t *Tracker) Resolve(ctx context.Context, scope, id string) (bool, error) {
	n, err := t.sink.UpdateStatus(ctx, scope, []string{id}, StatusResolved)
	if err != nil {
		return false, fmt.Errorf("resolve loop %s: %w", id, err)
	}
	return n > 0, nil
}
