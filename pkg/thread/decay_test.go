package thread

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func TestDecay_BoundaryIsRetained(t *testing.T) {
	th := Thread{ID: "a", Salience: 0.5, DecayRate: 0.05, CreatedAt: t0}

	kept, removed := Decay([]Thread{th}, t0.Add(8*time.Hour), DefaultRemovalFloor)
	require.Len(t, kept, 1)
	assert.Empty(t, removed)
	assert.Equal(t, 0.1, kept[0].Salience)

	kept, removed = Decay([]Thread{th}, t0.Add(8*time.Hour+time.Minute), DefaultRemovalFloor)
	assert.Empty(t, kept)
	require.Len(t, removed, 1)
	assert.Less(t, removed[0].Salience, 0.1)
}

func TestDecay_ZeroElapsedIsNoop(t *testing.T) {
	threads := []Thread{
		{ID: "a", Salience: 0.7, DecayRate: 0.1, CreatedAt: t0},
		{ID: "b", Salience: 0.3, DecayRate: 0.02, CreatedAt: t0},
	}
	kept, removed := Decay(threads, t0, DefaultRemovalFloor)
	assert.Empty(t, removed)
	assert.Equal(t, threads, kept)

	again, removed := Decay(kept, t0, DefaultRemovalFloor)
	assert.Empty(t, removed)
	assert.Equal(t, kept, again)
}

func TestDecay_Monotonic(t *testing.T) {
	th := Thread{ID: "a", Salience: 0.9, DecayRate: 0.03, CreatedAt: t0}
	prev := th.Salience
	removedAt := -1
	for h := 1; h <= 40; h++ {
		s := th.SalienceAt(t0.Add(time.Duration(h) * time.Hour))
		assert.LessOrEqual(t, s, prev, "hour %d", h)
		prev = s
		if removedAt < 0 && s < DefaultRemovalFloor {
			removedAt = h
		}
	}
	// 0.9 - 0.03h < 0.1 first holds at h = 27.
	assert.Equal(t, 27, removedAt)
}

func TestDecay_StepwiseEqualsDirect(t *testing.T) {
	th := Thread{ID: "a", Salience: 0.8, DecayRate: 0.05, CreatedAt: t0}
	step := th
	for i := 1; i <= 6; i++ {
		step = step.DecayedTo(t0.Add(time.Duration(i) * time.Hour))
	}
	direct := th.DecayedTo(t0.Add(6 * time.Hour))
	assert.Equal(t, direct.Salience, step.Salience)
	assert.InDelta(t, 0.5, step.Salience, 1e-9)
}

func TestDecay_IrregularTicksKeepBoundary(t *testing.T) {
	end := t0.Add(8 * time.Hour)
	for seed := uint64(0); seed < 64; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed))
		th := Thread{ID: "a", Salience: 0.5, DecayRate: 0.05, CreatedAt: t0}
		now := t0
		for now.Before(end) {
			jitter := time.Duration(rng.Int64N(2000)-1000) * time.Microsecond
			now = now.Add(15*time.Minute + jitter)
			if now.After(end) {
				now = end
			}
			kept, removed := Decay([]Thread{th}, now, DefaultRemovalFloor)
			require.Empty(t, removed, "seed %d removed at %s", seed, now.Sub(t0))
			th = kept[0]
		}
		assert.Equal(t, 0.1, th.Salience, "seed %d", seed)
		assert.Equal(t, 0.5, th.Initial, "seed %d", seed)
	}
}

func TestDecay_NeverNegative(t *testing.T) {
	th := Thread{Salience: 0.2, DecayRate: 1, CreatedAt: t0}
	assert.Equal(t, 0.0, th.SalienceAt(t0.Add(48*time.Hour)))
}

func TestTrim_KeepsHighestSalience(t *testing.T) {
	threads := []Thread{
		{ID: "a", Salience: 0.2},
		{ID: "b", Salience: 0.9},
		{ID: "c", Salience: 0.5},
		{ID: "d", Salience: 0.7},
	}
	kept, dropped := Trim(threads, 2)
	assert.Equal(t, []string{"b", "d"}, threadIDs(kept))
	assert.Equal(t, []string{"c", "a"}, threadIDs(dropped))

	kept, dropped = Trim(threads, 5)
	assert.Len(t, kept, 4)
	assert.Empty(t, dropped)
}

type memStore struct {
	threads map[string]Thread
	next    int
	listErr error
}

func newMemStore(threads ...Thread) *memStore {
	s := &memStore{threads: map[string]Thread{}}
	for _, t := range threads {
		s.threads[t.ID] = t
	}
	return s
}

func (s *memStore) ListThreads(context.Context, string) ([]Thread, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	return out, nil
}

func (s *memStore) InsertThread(_ context.Context, _ string, t Thread) (string, error) {
	s.next++
	t.ID = fmt.Sprintf("gen-%d", s.next)
	s.threads[t.ID] = t
	return t.ID, nil
}

func (s *memStore) UpdateThreads(_ context.Context, _ string, threads []Thread) error {
	for _, t := range threads {
		s.threads[t.ID] = t
	}
	return nil
}

func (s *memStore) DeleteThreads(_ context.Context, _ string, ids []string) error {
	for _, id := range ids {
		delete(s.threads, id)
	}
	return nil
}

type stubGenerator struct {
	calls int
	asked int
	err   error
}

func (g *stubGenerator) GenerateThreads(_ context.Context, _ string, n int) ([]Thread, error) {
	g.calls++
	g.asked = n
	if g.err != nil {
		return nil, g.err
	}
	out := make([]Thread, n)
	for i := range out {
		out[i] = Thread{Content: fmt.Sprintf("thought %d", i), Type: TypeCuriosity, Salience: 0.6}
	}
	return out, nil
}

func TestMaintain_BackfillsToMinimum(t *testing.T) {
	store := newMemStore(
		Thread{ID: "faded", Salience: 0.2, DecayRate: 0.1, CreatedAt: t0},
		Thread{ID: "fresh", Salience: 0.9, DecayRate: 0.01, CreatedAt: t0},
	)
	gen := &stubGenerator{}
	m := NewDecayManager(DefaultConfig(), store, gen, func() time.Time { return t0.Add(2 * time.Hour) })

	res, err := m.Maintain(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"faded"}, res.Removed)
	assert.Equal(t, 2, gen.asked)
	assert.Equal(t, 2, res.Generated)
	assert.Equal(t, 3, res.Kept)
	assert.Len(t, store.threads, 3)

	for _, th := range store.threads {
		assert.Equal(t, "user-1", th.Scope)
		assert.Positive(t, th.DecayRate)
	}
	assert.InDelta(t, 0.88, store.threads["fresh"].Salience, 1e-9)
}

func TestMaintain_TrimsToMaximum(t *testing.T) {
	var seed []Thread
	for i := 0; i < 7; i++ {
		seed = append(seed, Thread{ID: fmt.Sprintf("t%d", i), Salience: 0.2 + 0.1*float64(i), DecayRate: 0.01, CreatedAt: t0})
	}
	store := newMemStore(seed...)
	m := NewDecayManager(DefaultConfig(), store, &stubGenerator{}, func() time.Time { return t0 })

	res, err := m.Maintain(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxThreads, res.Kept)
	assert.ElementsMatch(t, []string{"t0", "t1"}, res.Trimmed)
	assert.Len(t, store.threads, DefaultMaxThreads)
}

func TestMaintain_IsIdempotentWithoutElapsedTime(t *testing.T) {
	store := newMemStore(
		Thread{ID: "a", Salience: 0.5, DecayRate: 0.05, CreatedAt: t0},
		Thread{ID: "b", Salience: 0.6, DecayRate: 0.05, CreatedAt: t0},
		Thread{ID: "c", Salience: 0.7, DecayRate: 0.05, CreatedAt: t0},
	)
	now := t0.Add(3 * time.Hour)
	m := NewDecayManager(DefaultConfig(), store, &stubGenerator{}, func() time.Time { return now })

	_, err := m.Maintain(context.Background(), "s")
	require.NoError(t, err)
	first := map[string]float64{}
	for id, th := range store.threads {
		first[id] = th.Salience
	}

	res, err := m.Maintain(context.Background(), "s")
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	assert.Zero(t, res.Generated)
	for id, th := range store.threads {
		assert.Equal(t, first[id], th.Salience, "thread %s", id)
	}
}

func TestMaintain_GeneratorFailureIsNotFatal(t *testing.T) {
	store := newMemStore()
	gen := &stubGenerator{err: errors.New("llm down")}
	m := NewDecayManager(DefaultConfig(), store, gen, func() time.Time { return t0 })

	res, err := m.Maintain(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls)
	assert.Zero(t, res.Kept)
}

func TestMaintain_ListErrorPropagates(t *testing.T) {
	boom := errors.New("read failed")
	store := newMemStore()
	store.listErr = boom
	m := NewDecayManager(DefaultConfig(), store, nil, nil)

	_, err := m.Maintain(context.Background(), "s")
	assert.ErrorIs(t, err, boom)
}

func TestAdd_FillsDefaults(t *testing.T) {
	store := newMemStore()
	m := NewDecayManager(DefaultConfig(), store, nil, func() time.Time { return t0 })

	th, err := m.Add(context.Background(), "s", Thread{Content: "wonder how the garden is doing", Type: "bogus"})
	require.NoError(t, err)
	assert.NotEmpty(t, th.ID)
	assert.Equal(t, TypeReflection, th.Type)
	assert.Equal(t, 0.5, th.Salience)
	assert.Equal(t, DefaultDecayRate, th.DecayRate)
	assert.Equal(t, t0, th.CreatedAt)
}

func TestAdd_EvictsLowestAtMaximum(t *testing.T) {
	var seed []Thread
	for i := 0; i < DefaultMaxThreads; i++ {
		seed = append(seed, Thread{ID: fmt.Sprintf("t%d", i), Salience: 0.5 + 0.1*float64(i%3), DecayRate: 0.01, CreatedAt: t0})
	}
	seed[2].Salience = 0.3
	store := newMemStore(seed...)
	m := NewDecayManager(DefaultConfig(), store, nil, func() time.Time { return t0.Add(time.Hour) })

	th, err := m.Add(context.Background(), "s", Thread{Content: "idle musing", Type: TypeReflection, Salience: 0.6})
	require.NoError(t, err)
	assert.Len(t, store.threads, DefaultMaxThreads)
	assert.NotContains(t, store.threads, "t2")
	assert.Contains(t, store.threads, th.ID)
}

func TestAdd_BelowMaximumKeepsAll(t *testing.T) {
	store := newMemStore(
		Thread{ID: "a", Salience: 0.2, DecayRate: 0.01, CreatedAt: t0},
		Thread{ID: "b", Salience: 0.4, DecayRate: 0.01, CreatedAt: t0},
	)
	m := NewDecayManager(DefaultConfig(), store, nil, func() time.Time { return t0 })

	_, err := m.Add(context.Background(), "s", Thread{Content: "x", Type: TypeCuriosity})
	require.NoError(t, err)
	assert.Len(t, store.threads, 3)
}
