package idle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/engage/pkg/loop"
	"github.com/nous-labs/engage/pkg/thread"
)

var now = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeSurfacer struct {
	loops map[string]*loop.OpenLoop
	err   error
	calls int
}

func (f *fakeSurfacer) MarkSurfaced(_ context.Context, _ string, id string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if l, ok := f.loops[id]; ok {
		l.SurfacedCount++
		l.Status = loop.StatusSurfaced
	}
	return nil
}

func newSelector(s Surfacer, opts ...Option) *Selector {
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewSelector(s, opts...)
}

func active(id, topic string, salience float64, age time.Duration) loop.OpenLoop {
	return loop.OpenLoop{ID: id, Topic: topic, Type: loop.TypeEvent, Salience: salience, Status: loop.StatusActive, CreatedAt: now.Add(-age)}
}

func TestScenarioC_UrgentLoopIsSurfaced(t *testing.T) {
	l := active("exam", "final exam", 0.85, time.Hour)
	surf := &fakeSurfacer{loops: map[string]*loop.OpenLoop{"exam": &l}}

	d := newSelector(surf).Select(context.Background(), "u", []loop.OpenLoop{l}, nil)
	assert.Equal(t, Decision{Kind: KindLoop, Topic: "final exam", Tier: TierUrgentLoop, LoopID: "exam", LoopType: loop.TypeEvent}, d)
	assert.Equal(t, 1, l.SurfacedCount)
	assert.Equal(t, loop.StatusSurfaced, l.Status)
}

func TestTier1_TieBreaks(t *testing.T) {
	loops := []loop.OpenLoop{
		active("a", "older", 0.9, 2*time.Hour),
		active("b", "newer", 0.9, time.Hour),
		active("c", "lower", 0.8, 0),
	}
	d := newSelector(nil).Decide("u", loops, nil)
	assert.Equal(t, "b", d.LoopID)
	assert.Equal(t, TierUrgentLoop, d.Tier)
}

func TestTier1_BeatsThreads(t *testing.T) {
	threads := []thread.Thread{{ID: "t", Content: "a thought", Salience: 1, CreatedAt: now}}
	d := newSelector(nil).Decide("u", []loop.OpenLoop{active("a", "x", 0.8, 0)}, threads)
	assert.Equal(t, KindLoop, d.Kind)
}

func TestTier2_ThreadBeatsElevatedLoop(t *testing.T) {
	threads := []thread.Thread{
		{ID: "weak", Content: "faded", Salience: 0.3, CreatedAt: now},
		{ID: "strong", Content: "been thinking about your garden", Salience: 0.7, CreatedAt: now},
	}
	surf := &fakeSurfacer{}
	d := newSelector(surf).Select(context.Background(), "u", []loop.OpenLoop{active("a", "x", 0.75, 0)}, threads)
	assert.Equal(t, Decision{Kind: KindThread, Topic: "been thinking about your garden", Tier: TierThread, ThreadID: "strong"}, d)
	assert.Zero(t, surf.calls, "threads have no store side effect")
}

func TestTier2_UsesDecayedSalience(t *testing.T) {
	// 0.6 at creation, 0.3 after 10h at 0.03/h: below the default minimum.
	threads := []thread.Thread{{ID: "t", Content: "old thought", Salience: 0.6, DecayRate: 0.03, CreatedAt: now.Add(-10 * time.Hour)}}
	d := newSelector(nil).Decide("u", nil, threads)
	assert.Equal(t, TierGeneric, d.Tier)
}

func TestTier3_ElevatedBand(t *testing.T) {
	loops := []loop.OpenLoop{
		active("a", "band", 0.7, time.Hour),
		active("b", "below", 0.69, 0),
	}
	d := newSelector(nil).Decide("u", loops, nil)
	assert.Equal(t, TierElevatedLoop, d.Tier)
	assert.Equal(t, "a", d.LoopID)
}

func TestOnlyActiveLoopsConsidered(t *testing.T) {
	l := active("a", "already mentioned", 0.95, 0)
	l.Status = loop.StatusSurfaced
	d := newSelector(nil).Decide("u", []loop.OpenLoop{l}, nil)
	assert.Equal(t, KindGeneric, d.Kind)
}

func TestTier4_AlwaysProducesDecision(t *testing.T) {
	fb := NewRotatingFallback("one", "two")
	s := newSelector(nil, WithFallback(fb))

	d1 := s.Decide("u", nil, nil)
	d2 := s.Decide("u", nil, nil)
	d3 := s.Decide("u", nil, nil)
	other := s.Decide("v", nil, nil)

	assert.Equal(t, Decision{Kind: KindGeneric, Topic: "one", Tier: TierGeneric}, d1)
	assert.Equal(t, "two", d2.Topic)
	assert.Equal(t, "one", d3.Topic)
	assert.Equal(t, "one", other.Topic, "rotation is per scope")
}

func TestSelect_SurfaceFailureStillReturnsDecision(t *testing.T) {
	surf := &fakeSurfacer{err: errors.New("database is locked")}
	d := newSelector(surf).Select(context.Background(), "u", []loop.OpenLoop{active("a", "move", 0.9, 0)}, nil)
	assert.Equal(t, "a", d.LoopID)
	assert.Equal(t, 1, surf.calls)
}

func TestCustomThreadPicker(t *testing.T) {
	first := ThreadPickerFunc(func(threads []thread.Thread, _ time.Time) (thread.Thread, bool) {
		if len(threads) == 0 {
			return thread.Thread{}, false
		}
		return threads[0], true
	})
	threads := []thread.Thread{{ID: "x", Content: "low but chosen", Salience: 0.1, CreatedAt: now}}
	d := newSelector(nil, WithThreadPicker(first)).Decide("u", nil, threads)
	require.Equal(t, KindThread, d.Kind)
	assert.Equal(t, "x", d.ThreadID)
}
