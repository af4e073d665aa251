package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/nous-labs/engage/pkg/activity"
	"github.com/nous-labs/engage/pkg/channel"
	"github.com/nous-labs/engage/pkg/idle"
	"github.com/nous-labs/engage/pkg/loop"
	"github.com/nous-labs/engage/pkg/thread"
)

const (
	DefaultNudgeAbsence  = 24 * time.Hour
	DefaultNudgeCooldown = 24 * time.Hour
	DefaultNudgesPerHour = 30
)

// NudgeConfig controls proactive messages.
type NudgeConfig struct {
	Absence  time.Duration // silence before the first nudge
	Cooldown time.Duration // minimum time between nudges to one scope
	PerHour  int           // global delivery budget; <= 0 is unlimited
}

// NudgeStore is what the nudger reads and marks.
type NudgeStore interface {
	FetchActive(ctx context.Context, scope string) ([]loop.OpenLoop, error)
	ListThreads(ctx context.Context, scope string) ([]thread.Thread, error)
	MarkSurfaced(ctx context.Context, scope, id string) error
}

// Renderer turns a decision into text.
type Renderer interface {
	Render(ctx context.Context, scope string, d idle.Decision) string
}

// Sender delivers a response over a named channel.
type Sender interface {
	Send(ctx context.Context, channelName string, resp channel.Response) error
}

// NudgeObserver receives decision and delivery outcomes (metrics).
type NudgeObserver interface {
	ObserveDecision(d idle.Decision)
	ObserveNudge(err error)
}

// Nudger sends an idle-breaker message to users who have gone quiet. Its
// Hook method runs as the scheduler's idle hook.
type Nudger struct {
	cfg      NudgeConfig
	store    NudgeStore
	selector *idle.Selector
	renderer Renderer
	sender   Sender
	activity *activity.Tracker
	limiter  *rate.Limiter
	observer NudgeObserver
	events   *EventBus
	now      func() time.Time
}

// NewNudger creates a nudger. observer and events may be nil.
func NewNudger(cfg NudgeConfig, s NudgeStore, selector *idle.Selector, renderer Renderer, sender Sender,
	tracker *activity.Tracker, observer NudgeObserver, events *EventBus, now func() time.Time) *Nudger {
	if cfg.Absence <= 0 {
		cfg.Absence = DefaultNudgeAbsence
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultNudgeCooldown
	}
	limit := rate.Inf
	burst := 1
	if cfg.PerHour > 0 {
		limit = rate.Every(time.Hour / time.Duration(cfg.PerHour))
		burst = cfg.PerHour
	}
	if now == nil {
		now = time.Now
	}
	return &Nudger{
		cfg:      cfg,
		store:    s,
		selector: selector,
		renderer: renderer,
		sender:   sender,
		activity: tracker,
		limiter:  rate.NewLimiter(limit, burst),
		observer: observer,
		events:   events,
		now:      now,
	}
}

// Due reports whether scope should be nudged now: it has a delivery route,
// has been silent for at least Absence, was not nudged since it last spoke,
// and is out of cooldown.
func (n *Nudger) Due(st activity.State, now time.Time) bool {
	if st.Channel == "" || st.Target == "" || st.LastInteraction.IsZero() {
		return false
	}
	if st.Absence(now) < n.cfg.Absence {
		return false
	}
	if st.LastNudge.IsZero() {
		return true
	}
	return st.LastNudge.Before(st.LastInteraction) && now.Sub(st.LastNudge) >= n.cfg.Cooldown
}

// Hook delivers one nudge for scope when due. The loop is marked surfaced
// only after delivery succeeds.
func (n *Nudger) Hook(ctx context.Context, scope string, st activity.State) error {
	now := n.now()
	if !n.Due(st, now) {
		return nil
	}
	if !n.limiter.AllowN(now, 1) {
		slog.Debug("nudge: rate limited", "scope", scope)
		return nil
	}

	loops, err := n.store.FetchActive(ctx, scope)
	if err != nil {
		return fmt.Errorf("nudge: %w", err)
	}
	threads, err := n.store.ListThreads(ctx, scope)
	if err != nil {
		return fmt.Errorf("nudge: %w", err)
	}
	d := n.selector.Decide(scope, loops, threads)
	text := n.renderer.Render(ctx, scope, d)

	err = n.sender.Send(ctx, st.Channel, channel.Response{RoomID: st.Target, Content: text})
	if n.observer != nil {
		n.observer.ObserveDecision(d)
		n.observer.ObserveNudge(err)
	}
	if err != nil {
		return fmt.Errorf("deliver nudge via %s: %w", st.Channel, err)
	}

	if d.LoopID != "" {
		if err := n.store.MarkSurfaced(ctx, scope, d.LoopID); err != nil {
			slog.Warn("nudge: mark surfaced", "scope", scope, "loop_id", d.LoopID, "error", err)
		}
	}
	if _, err := n.activity.MarkNudge(ctx, scope); err != nil {
		slog.Warn("nudge: record nudge", "scope", scope, "error", err)
	}
	slog.Info("nudge sent", "scope", scope, "tier", d.Tier, "kind", d.Kind, "channel", st.Channel)
	if n.events != nil {
		n.events.Publish(Event{Type: EventNudge, Scope: scope, Message: fmt.Sprintf("%s (tier %d)", d.Kind, d.Tier)})
	}
	return nil
}
