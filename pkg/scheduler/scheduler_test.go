package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nous-labs/engage/pkg/activity"
	"github.com/nous-labs/engage/pkg/cleanup"
	"github.com/nous-labs/engage/pkg/loop"
	"github.com/nous-labs/engage/pkg/store"
	"github.com/nous-labs/engage/pkg/thread"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type fakeCleaner struct {
	mu      sync.Mutex
	runs    map[string]int
	block   chan struct{} // when set, Run waits on it
	started chan struct{}
	fail    error
	panic   bool
}

func (f *fakeCleaner) Run(ctx context.Context, scope string) *cleanup.Report {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		<-f.block
	}
	if f.panic {
		panic("cleaner exploded")
	}
	f.mu.Lock()
	if f.runs == nil {
		f.runs = map[string]int{}
	}
	f.runs[scope]++
	f.mu.Unlock()

	r := &cleanup.Report{Scope: scope}
	for _, p := range cleanup.Passes {
		pr := cleanup.PassResult{Pass: p}
		if p == cleanup.PassAgeExpiry && f.fail != nil {
			pr.Err = f.fail
			pr.Error = f.fail.Error()
		}
		if p == cleanup.PassCapEnforcement {
			pr.Expired = 1
		}
		r.Passes = append(r.Passes, pr)
	}
	return r
}

func (f *fakeCleaner) count(scope string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[scope]
}

type fakeThreads struct {
	maintained []string
	added      []thread.Thread
	err        error
}

func (f *fakeThreads) Maintain(_ context.Context, scope string) (thread.Result, error) {
	f.maintained = append(f.maintained, scope)
	return thread.Result{Kept: 3}, f.err
}

func (f *fakeThreads) Add(_ context.Context, scope string, t thread.Thread) (thread.Thread, error) {
	t.ID = "th-1"
	t.Scope = scope
	f.added = append(f.added, t)
	return t, nil
}

type fakeGen struct{ calls int }

func (g *fakeGen) GenerateThreads(_ context.Context, _ string, n int) ([]thread.Thread, error) {
	g.calls++
	return []thread.Thread{{Content: "wondering how the move went", Type: thread.TypeCuriosity, Salience: 0.6}}, nil
}

type recorder struct {
	mu      sync.Mutex
	reports []*Report
}

func (r *recorder) ObserveTick(rep *Report) {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
}

func TestTick_RunsStepsPerScope(t *testing.T) {
	clock := t0
	now := func() time.Time { return clock }
	act := activity.NewTracker(nil, now)
	_, _ = act.Touch(context.Background(), "bob")

	cl := &fakeCleaner{}
	th := &fakeThreads{}
	rec := &recorder{}
	s := New(Config{Scopes: []string{"alice"}}, Deps{
		Cleaner:   cl,
		Threads:   th,
		Thoughts:  &fakeGen{},
		Activity:  act,
		Observers: []Observer{rec},
		Now:       now,
	})

	r := s.Tick(context.Background())
	require.Empty(t, r.Errors)
	require.Len(t, r.Scopes, 2)
	assert.Equal(t, "alice", r.Scopes[0].Scope)
	assert.Equal(t, "bob", r.Scopes[1].Scope)
	assert.Equal(t, 1, cl.count("alice"))
	assert.Equal(t, 1, cl.count("bob"))
	assert.Equal(t, []string{"alice", "bob"}, th.maintained)
	assert.Equal(t, 2, r.Expired())
	assert.Same(t, r, s.LastReport())
	assert.Len(t, rec.reports, 1)

	st := s.Stats()
	assert.Equal(t, 1, st.Ticks)
	assert.Equal(t, 2, st.TotalExpired)
	assert.Equal(t, 2, st.Steps[StepCleanup].Runs)
	assert.Equal(t, 2, st.Passes[string(cleanup.PassAgeExpiry)].Runs)
}

func TestTick_IdleThoughtRespectsThresholdAndCooldown(t *testing.T) {
	clock := t0
	now := func() time.Time { return clock }
	act := activity.NewTracker(nil, now)
	_, _ = act.Touch(context.Background(), "u")

	gen := &fakeGen{}
	th := &fakeThreads{}
	s := New(Config{AbsenceThreshold: 4 * time.Hour, ThoughtCooldown: 6 * time.Hour}, Deps{
		Cleaner:  &fakeCleaner{},
		Threads:  th,
		Thoughts: gen,
		Activity: act,
		Now:      now,
	})

	clock = t0.Add(3 * time.Hour)
	r := s.Tick(context.Background())
	assert.Empty(t, r.Scopes[0].IdleThought, "absence below threshold")

	clock = t0.Add(4 * time.Hour)
	r = s.Tick(context.Background())
	assert.Equal(t, "th-1", r.Scopes[0].IdleThought)
	require.Len(t, th.added, 1)
	assert.Equal(t, "u", th.added[0].Scope)

	clock = t0.Add(9 * time.Hour)
	r = s.Tick(context.Background())
	assert.Empty(t, r.Scopes[0].IdleThought, "cooldown not elapsed")

	clock = t0.Add(10 * time.Hour)
	r = s.Tick(context.Background())
	assert.NotEmpty(t, r.Scopes[0].IdleThought)
	assert.Equal(t, 2, gen.calls)
	assert.Equal(t, 2, s.Stats().IdleThoughts)
}

func TestTick_StepErrorsAreRecordedNotPropagated(t *testing.T) {
	readErr := store.Read("fetch loops", errors.New("database is locked"))
	act := activity.NewTracker(nil, nil)
	_, _ = act.Touch(context.Background(), "u")

	var hookCalls atomic.Int32
	s := New(Config{}, Deps{
		Cleaner:  &fakeCleaner{fail: readErr},
		Threads:  &fakeThreads{err: store.Write("update threads", errors.New("readonly"))},
		Activity: act,
		IdleHook: func(ctx context.Context, scope string, st activity.State) error {
			hookCalls.Add(1)
			assert.Equal(t, "u", st.Scope)
			return nil
		},
	})

	r := s.Tick(context.Background())
	require.Len(t, r.StepErrors, 2)
	assert.Equal(t, int32(1), hookCalls.Load(), "later steps still run")

	cleanupErr := r.StepErrors[0]
	assert.Equal(t, StepCleanup, cleanupErr.Step)
	assert.Equal(t, "u", cleanupErr.Scope)
	assert.True(t, store.IsReadError(cleanupErr))

	var se *StepError
	require.True(t, errors.As(error(r.StepErrors[1]), &se))
	assert.Equal(t, StepThreads, se.Step)
	assert.True(t, store.IsWriteError(se))

	st := s.Stats()
	assert.Equal(t, 1, st.Steps[StepCleanup].Failures)
	assert.Equal(t, 1, st.Passes[string(cleanup.PassAgeExpiry)].Failures)
	assert.Contains(t, st.Passes[string(cleanup.PassAgeExpiry)].LastError, "database is locked")
}

func TestTick_RecoversPanics(t *testing.T) {
	s := New(Config{Scopes: []string{"u"}}, Deps{Cleaner: &fakeCleaner{panic: true}, Threads: &fakeThreads{}})
	r := s.Tick(context.Background())
	require.Len(t, r.StepErrors, 1)
	assert.ErrorIs(t, r.StepErrors[0], ErrPanic)
	require.NotNil(t, r.Scopes[0].Threads, "threads step ran after the panic")
}

func TestStartStop_NoLeaks(t *testing.T) {
	cl := &fakeCleaner{}
	s := New(Config{Interval: 5 * time.Millisecond, Scopes: []string{"u"}}, Deps{Cleaner: cl})

	s.Start(context.Background())
	assert.True(t, s.Running())
	require.Eventually(t, func() bool { return cl.count("u") >= 2 }, time.Second, time.Millisecond)
	s.Stop()
	assert.False(t, s.Running())

	n := cl.count("u")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, cl.count("u"), "no ticks after Stop")

	s.Stop() // idempotent
}

func TestStart_ReplacesRunningTimer(t *testing.T) {
	cl := &fakeCleaner{}
	s := New(Config{Interval: time.Hour, InitialDelay: time.Millisecond, Scopes: []string{"u"}}, Deps{Cleaner: cl})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return cl.count("u") == 1 }, time.Second, time.Millisecond)
	s.Start(context.Background())
	require.Eventually(t, func() bool { return cl.count("u") == 2 }, time.Second, time.Millisecond)
	s.Stop()
}

func TestStop_WaitsForInFlightTick(t *testing.T) {
	cl := &fakeCleaner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := New(Config{Interval: time.Hour, InitialDelay: time.Millisecond, Scopes: []string{"u"}}, Deps{Cleaner: cl})
	s.Start(context.Background())
	<-cl.started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a tick was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(cl.block)
	<-stopped
	assert.Equal(t, 1, cl.count("u"), "in-flight tick completed")
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := &fakeCleaner{}, &fakeCleaner{}
	sa := New(Config{Interval: 5 * time.Millisecond, Scopes: []string{"x"}}, Deps{Cleaner: a})
	sb := New(Config{Interval: 5 * time.Millisecond, Scopes: []string{"x"}}, Deps{Cleaner: b})
	sa.Start(context.Background())
	sb.Start(context.Background())
	sa.Stop()

	require.Eventually(t, func() bool { return b.count("x") >= 1 }, time.Second, time.Millisecond)
	assert.True(t, sb.Running())
	sb.Stop()
}

// Wiring against the real cleanup engine and thread manager.
type loopStore struct {
	mu    sync.Mutex
	loops map[string]*loop.OpenLoop
}

func (s *loopStore) FetchByStatus(_ context.Context, _ string, statuses ...loop.Status) ([]loop.OpenLoop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []loop.OpenLoop
	for _, l := range s.loops {
		for _, st := range statuses {
			if l.Status == st {
				out = append(out, *l)
			}
		}
	}
	return out, nil
}

func (s *loopStore) UpdateStatus(_ context.Context, _ string, ids []string, to loop.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if l := s.loops[id]; l != nil && l.Status.Open() {
			l.Status = to
			n++
		}
	}
	return n, nil
}

func TestTick_WithCleanupEngine(t *testing.T) {
	now := func() time.Time { return t0 }
	ls := &loopStore{loops: map[string]*loop.OpenLoop{
		"old": {ID: "old", Topic: "job interview", Type: loop.TypeEvent, Salience: 0.7, Status: loop.StatusActive, CreatedAt: t0.Add(-48 * time.Hour)},
		"new": {ID: "new", Topic: "interview tomorrow", Type: loop.TypeEvent, Salience: 0.6, Status: loop.StatusActive, CreatedAt: t0},
	}}
	engine := cleanup.NewEngine(ls, cleanup.DefaultConfig(), cleanup.WithClock(now))
	s := New(Config{Scopes: []string{"u"}}, Deps{Cleaner: engine, Now: now})

	r := s.Tick(context.Background())
	assert.Equal(t, 1, r.Expired())
	assert.Equal(t, loop.StatusExpired, ls.loops["old"].Status)

	r = s.Tick(context.Background())
	assert.Zero(t, r.Expired(), "second tick is a no-op")
}

type threadStore struct {
	mu      sync.Mutex
	threads map[string]thread.Thread
	next    int
}

func (s *threadStore) ListThreads(_ context.Context, _ string) ([]thread.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]thread.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	return out, nil
}

func (s *threadStore) InsertThread(_ context.Context, _ string, t thread.Thread) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	t.ID = "new-" + strconv.Itoa(s.next)
	s.threads[t.ID] = t
	return t.ID, nil
}

func (s *threadStore) UpdateThreads(_ context.Context, _ string, threads []thread.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range threads {
		s.threads[t.ID] = t
	}
	return nil
}

func (s *threadStore) DeleteThreads(_ context.Context, _ string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.threads, id)
	}
	return nil
}

func TestTick_IdleThoughtStaysWithinThreadCap(t *testing.T) {
	clock := t0
	now := func() time.Time { return clock }
	act := activity.NewTracker(nil, now)
	_, _ = act.Touch(context.Background(), "u")

	ts := &threadStore{threads: map[string]thread.Thread{}}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		ts.threads[id] = thread.Thread{ID: id, Scope: "u", Content: id, Type: thread.TypeReflection, Salience: 0.9, DecayRate: 0.001, CreatedAt: t0}
	}
	dm := thread.NewDecayManager(thread.DefaultConfig(), ts, nil, now)
	s := New(Config{AbsenceThreshold: 4 * time.Hour}, Deps{
		Threads:  dm,
		Thoughts: &fakeGen{},
		Activity: act,
		Now:      now,
	})

	clock = t0.Add(10 * time.Hour)
	r := s.Tick(context.Background())
	require.Empty(t, r.Errors)
	require.NotEmpty(t, r.Scopes[0].IdleThought)

	threads, _ := ts.ListThreads(context.Background(), "u")
	assert.Len(t, threads, thread.DefaultMaxThreads)
	assert.Contains(t, ts.threads, r.Scopes[0].IdleThought)
}
