// Package scheduler runs engagement maintenance in the background.
//
// A Scheduler owns a single timer. Each tick, for every known scope, it:
//   - runs the cleanup passes
//   - runs thread decay maintenance
//   - generates an idle thought when the user has been away long enough
//     and the thought cooldown has elapsed
//   - calls the optional idle hook (proactive delivery)
//
// Ticks are supervised: step failures and panics are recorded in the tick
// report and never stop the scheduler. Stop prevents new ticks but lets an
// in-flight tick finish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nous-labs/engage/pkg/activity"
	"github.com/nous-labs/engage/pkg/cleanup"
	"github.com/nous-labs/engage/pkg/thread"
)

// Step names.
const (
	StepCleanup     = "cleanup"
	StepThreads     = "threads"
	StepIdleThought = "idle_thought"
	StepIdleHook    = "idle_hook"
)

// StepError wraps a failure inside a scheduled step.
type StepError struct {
	Step  string
	Scope string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("scheduler step %s (scope %s): %v", e.Step, e.Scope, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ErrPanic is wrapped by step errors produced from a recovered panic.
var ErrPanic = errors.New("step panicked")

// Config holds scheduler configuration.
type Config struct {
	Interval         time.Duration // time between ticks (default 15m)
	InitialDelay     time.Duration // startup tick delay; zero waits for the first interval
	AbsenceThreshold time.Duration // minimum absence before an idle thought (default 4h)
	ThoughtCooldown  time.Duration // minimum time between idle thoughts (default 6h)
	Scopes           []string      // always maintained, in addition to active scopes
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:         15 * time.Minute,
		InitialDelay:     30 * time.Second,
		AbsenceThreshold: 4 * time.Hour,
		ThoughtCooldown:  6 * time.Hour,
	}
}

// Cleaner runs the cleanup passes for a scope.
type Cleaner interface {
	Run(ctx context.Context, scope string) *cleanup.Report
}

// ThreadMaintainer decays and stores threads.
type ThreadMaintainer interface {
	Maintain(ctx context.Context, scope string) (thread.Result, error)
	Add(ctx context.Context, scope string, t thread.Thread) (thread.Thread, error)
}

// Activity supplies the absence and last-idle-thought context.
type Activity interface {
	Scopes() []string
	Get(scope string) (activity.State, bool)
	MarkIdleThought(ctx context.Context, scope string) (activity.State, error)
}

// IdleHook runs after the idle-thought check for each scope.
type IdleHook func(ctx context.Context, scope string, st activity.State) error

// Observer receives every tick report.
type Observer interface {
	ObserveTick(r *Report)
}

// Deps are the scheduler's collaborators. Only Cleaner is required.
type Deps struct {
	Cleaner   Cleaner
	Threads   ThreadMaintainer
	Thoughts  thread.Generator
	Activity  Activity
	IdleHook  IdleHook
	Observers []Observer
	Now       func() time.Time
}

// ScopeReport is the outcome of one tick for one scope.
type ScopeReport struct {
	Scope       string          `json:"scope"`
	Cleanup     *cleanup.Report `json:"cleanup,omitempty"`
	Threads     *thread.Result  `json:"threads,omitempty"`
	IdleThought string          `json:"idle_thought,omitempty"` // id of the generated thread
	HookRan     bool            `json:"hook_ran"`
}

// StepOutcome is the timing and result of one step for one scope.
type StepOutcome struct {
	Step     string        `json:"step"`
	Scope    string        `json:"scope"`
	Duration time.Duration `json:"duration_ns"`
	Err      error         `json:"-"`
}

// Report holds the results of a single tick.
type Report struct {
	Cycle     int           `json:"cycle"`
	StartedAt time.Time     `json:"started_at"`
	Duration  string        `json:"duration"`
	Scopes    []ScopeReport `json:"scopes"`
	Steps     []StepOutcome `json:"-"`
	Errors    []string      `json:"errors,omitempty"`

	StepErrors []*StepError `json:"-"`
}

// Expired returns the loops expired across all scopes.
func (r *Report) Expired() int {
	n := 0
	for _, s := range r.Scopes {
		if s.Cleanup != nil {
			n += s.Cleanup.Expired()
		}
	}
	return n
}

func (r *Report) fail(err *StepError) {
	r.StepErrors = append(r.StepErrors, err)
	r.Errors = append(r.Errors, err.Error())
}

// Scheduler is a single-instance background timer.
type Scheduler struct {
	config Config
	deps   Deps

	running atomic.Bool
	ctlMu   sync.Mutex // serializes Start/Stop
	cancel  context.CancelFunc
	done    chan struct{}

	tickMu sync.Mutex // one tick at a time

	mu         sync.RWMutex
	lastReport *Report
	cycleCount int
	stats      Stats
}

// New creates a scheduler. It does not start it.
func New(cfg Config, deps Deps) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.AbsenceThreshold <= 0 {
		cfg.AbsenceThreshold = def.AbsenceThreshold
	}
	if cfg.ThoughtCooldown <= 0 {
		cfg.ThoughtCooldown = def.ThoughtCooldown
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Scheduler{config: cfg, deps: deps, stats: newStats()}
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() Config {
	return s.config
}

// Running reports whether the timer is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start starts the timer. A scheduler that is already running is stopped
// first, so at most one timer exists per Scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	if s.cancel != nil {
		slog.Info("scheduler: restarting")
		s.stopLocked()
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.running.Store(true)

	go func() {
		defer close(done)
		defer s.running.Store(false)
		s.run(runCtx)
	}()
}

// Stop stops the timer and waits for an in-flight tick to complete.
// It is safe to call on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

// run is the timer loop. It blocks until ctx is cancelled.
func (s *Scheduler) run(ctx context.Context) {
	slog.Info("scheduler started",
		"interval", s.config.Interval,
		"absence_threshold", s.config.AbsenceThreshold,
		"thought_cooldown", s.config.ThoughtCooldown,
		"static_scopes", len(s.config.Scopes),
	)

	if s.config.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping")
			return
		case <-time.After(s.config.InitialDelay):
		}
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one supervised tick. The tick is detached from ctx so that
// Stop never interrupts in-flight store writes.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler: tick panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	s.Tick(context.WithoutCancel(ctx))
}

// Tick runs one tick synchronously and returns its report. Each step is
// supervised: errors and panics are recorded and the next step runs.
func (s *Scheduler) Tick(ctx context.Context) *Report {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	s.cycleCount++
	cycle := s.cycleCount
	s.mu.Unlock()

	start := s.deps.Now()
	wall := time.Now()
	report := &Report{Cycle: cycle, StartedAt: start}

	for _, scope := range s.scopes() {
		report.Scopes = append(report.Scopes, s.tickScope(ctx, scope, report))
	}
	report.Duration = time.Since(wall).Round(time.Millisecond).String()

	s.mu.Lock()
	s.lastReport = report
	s.stats.record(report, time.Since(wall))
	s.mu.Unlock()

	for _, o := range s.deps.Observers {
		s.observe(o, report)
	}
	s.logReport(report)
	return report
}

func (s *Scheduler) tickScope(ctx context.Context, scope string, report *Report) ScopeReport {
	sr := ScopeReport{Scope: scope}

	s.step(ctx, report, StepCleanup, scope, func(ctx context.Context) error {
		if s.deps.Cleaner == nil {
			return nil
		}
		cr := s.deps.Cleaner.Run(ctx, scope)
		sr.Cleanup = cr
		if cr == nil {
			return nil
		}
		var errs []error
		for _, p := range cr.Failed() {
			errs = append(errs, p.Err)
		}
		return errors.Join(errs...)
	})

	s.step(ctx, report, StepThreads, scope, func(ctx context.Context) error {
		if s.deps.Threads == nil {
			return nil
		}
		res, err := s.deps.Threads.Maintain(ctx, scope)
		sr.Threads = &res
		return err
	})

	s.step(ctx, report, StepIdleThought, scope, func(ctx context.Context) error {
		id, err := s.idleThought(ctx, scope)
		sr.IdleThought = id
		return err
	})

	if s.deps.IdleHook != nil {
		s.step(ctx, report, StepIdleHook, scope, func(ctx context.Context) error {
			st, _ := s.state(scope)
			sr.HookRan = true
			return s.deps.IdleHook(ctx, scope, st)
		})
	}
	return sr
}

// idleThought generates and stores one thread when the scope has been
// absent at least AbsenceThreshold and ThoughtCooldown has passed since the
// previous idle thought. It returns the new thread's id.
func (s *Scheduler) idleThought(ctx context.Context, scope string) (string, error) {
	if s.deps.Thoughts == nil || s.deps.Threads == nil || s.deps.Activity == nil {
		return "", nil
	}
	st, ok := s.deps.Activity.Get(scope)
	if !ok || !s.idleThoughtDue(st, s.deps.Now()) {
		return "", nil
	}

	generated, err := s.deps.Thoughts.GenerateThreads(ctx, scope, 1)
	if err != nil {
		return "", fmt.Errorf("generate idle thought: %w", err)
	}
	if len(generated) == 0 {
		return "", nil
	}
	t, err := s.deps.Threads.Add(ctx, scope, generated[0])
	if err != nil {
		return "", err
	}
	if _, err := s.deps.Activity.MarkIdleThought(ctx, scope); err != nil {
		slog.Warn("scheduler: record idle thought failed", "scope", scope, "error", err)
	}
	slog.Info("scheduler: idle thought created", "scope", scope, "thread_id", t.ID, "type", t.Type)
	return t.ID, nil
}

// idleThoughtDue applies the absence threshold and cooldown.
func (s *Scheduler) idleThoughtDue(st activity.State, now time.Time) bool {
	if st.LastInteraction.IsZero() || st.Absence(now) < s.config.AbsenceThreshold {
		return false
	}
	return st.LastIdleThought.IsZero() || now.Sub(st.LastIdleThought) >= s.config.ThoughtCooldown
}

// step runs fn with panic recovery and records its outcome.
func (s *Scheduler) step(ctx context.Context, report *Report, name, scope string, fn func(context.Context) error) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("scheduler: step panicked", "step", name, "scope", scope, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		return fn(ctx)
	}()

	outcome := StepOutcome{Step: name, Scope: scope, Duration: time.Since(start)}
	if err != nil {
		se := &StepError{Step: name, Scope: scope, Err: err}
		outcome.Err = se
		report.fail(se)
		slog.Warn("scheduler: step failed", "step", name, "scope", scope, "error", err)
	}
	report.Steps = append(report.Steps, outcome)
}

func (s *Scheduler) observe(o Observer, r *Report) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("scheduler: observer panicked", "panic", p)
		}
	}()
	o.ObserveTick(r)
}

func (s *Scheduler) state(scope string) (activity.State, bool) {
	if s.deps.Activity == nil {
		return activity.State{Scope: scope}, false
	}
	return s.deps.Activity.Get(scope)
}

// scopes returns configured scopes plus every scope with recorded activity.
func (s *Scheduler) scopes() []string {
	set := make(map[string]struct{})
	for _, sc := range s.config.Scopes {
		if sc != "" {
			set[sc] = struct{}{}
		}
	}
	if s.deps.Activity != nil {
		for _, sc := range s.deps.Activity.Scopes() {
			set[sc] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for sc := range set {
		out = append(out, sc)
	}
	sort.Strings(out)
	return out
}

// LastReport returns the most recent tick report.
func (s *Scheduler) LastReport() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReport
}

func (s *Scheduler) logReport(r *Report) {
	if len(r.Scopes) == 0 {
		slog.Debug("scheduler: tick complete", "cycle", r.Cycle, "scopes", 0)
		return
	}
	thoughts := 0
	for _, sr := range r.Scopes {
		if sr.IdleThought != "" {
			thoughts++
		}
	}
	slog.Info("scheduler: tick complete",
		"cycle", r.Cycle,
		"duration", r.Duration,
		"scopes", len(r.Scopes),
		"expired", r.Expired(),
		"idle_thoughts", thoughts,
		"errors", len(r.Errors),
	)
}
