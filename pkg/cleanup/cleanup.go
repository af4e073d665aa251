// Package cleanup runs the maintenance passes over a scope's open loops.
//
// One invocation always runs three passes in order:
//   - age expiry: loops older than their type's max age
//   - duplicate expiry: collapse groups of similar topics to one survivor
//   - cap enforcement: expire the least salient active loops over the cap
//
// Expiry is a status change; loops are never deleted. A failing pass is
// recorded in the report and the next pass still runs.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nous-labs/engage/pkg/loop"
	"github.com/nous-labs/engage/pkg/similarity"
)

// DefaultMaxActiveLoops is the default active-loop cap.
const DefaultMaxActiveLoops = 10

// Pass names a cleanup pass.
type Pass string

const (
	PassAgeExpiry       Pass = "age_expiry"
	PassDuplicateExpiry Pass = "duplicate_expiry"
	PassCapEnforcement  Pass = "cap_enforcement"
)

// Passes lists the passes in execution order.
var Passes = []Pass{PassAgeExpiry, PassDuplicateExpiry, PassCapEnforcement}

// Store is the subset of the loop store the engine needs.
type Store interface {
	FetchByStatus(ctx context.Context, scope string, statuses ...loop.Status) ([]loop.OpenLoop, error)
	UpdateStatus(ctx context.Context, scope string, ids []string, to loop.Status) (int, error)
}

// EventFunc is a callback for publishing cleanup events.
type EventFunc func(typ, message string)

// Config holds engine configuration.
type Config struct {
	MaxActiveLoops int
	Loop           loop.Config // per-type max ages
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxActiveLoops: DefaultMaxActiveLoops,
		Loop:           loop.DefaultConfig(),
	}
}

// PassResult is the outcome of one pass.
type PassResult struct {
	Pass     Pass       `json:"pass"`
	Expired  int        `json:"expired"`
	IDs      []string   `json:"ids,omitempty"`
	Groups   [][]string `json:"groups,omitempty"` // duplicate groups, by topic
	Duration string     `json:"duration"`
	Error    string     `json:"error,omitempty"`

	Err     error         `json:"-"`
	Elapsed time.Duration `json:"-"`
}

// Report aggregates one invocation.
type Report struct {
	Scope     string       `json:"scope"`
	StartedAt time.Time    `json:"started_at"`
	Duration  string       `json:"duration"`
	Passes    []PassResult `json:"passes"`
	Errors    []string     `json:"errors,omitempty"`
}

// Expired returns the number of loops expired across all passes.
func (r *Report) Expired() int {
	n := 0
	for _, p := range r.Passes {
		n += p.Expired
	}
	return n
}

// Pass returns the result for a pass.
func (r *Report) Pass(p Pass) PassResult {
	for _, pr := range r.Passes {
		if pr.Pass == p {
			return pr
		}
	}
	return PassResult{Pass: p}
}

// Failed returns the results of passes that recorded an error.
func (r *Report) Failed() []PassResult {
	var out []PassResult
	for _, p := range r.Passes {
		if p.Err != nil {
			out = append(out, p)
		}
	}
	return out
}

// Engine runs cleanup passes.
type Engine struct {
	store   Store
	matcher similarity.Matcher
	config  Config
	now     func() time.Time
	onEvent EventFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithMatcher replaces the default heuristic matcher.
func WithMatcher(m similarity.Matcher) Option {
	return func(e *Engine) {
		if m != nil {
			e.matcher = m
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEvents publishes a summary event whenever a run expires loops.
func WithEvents(fn EventFunc) Option {
	return func(e *Engine) { e.onEvent = fn }
}

// NewEngine creates a cleanup engine.
func NewEngine(s Store, cfg Config, opts ...Option) *Engine {
	if cfg.MaxActiveLoops <= 0 {
		cfg.MaxActiveLoops = DefaultMaxActiveLoops
	}
	if cfg.Loop.MaxAges == nil {
		cfg.Loop = loop.DefaultConfig()
	}
	e := &Engine{
		store:   s,
		matcher: similarity.Heuristic{},
		config:  cfg,
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Run executes the three passes for scope, strictly in order, and never
// returns an error: failures are recorded per pass in the report.
func (e *Engine) Run(ctx context.Context, scope string) *Report {
	wall := time.Now()
	report := &Report{Scope: scope, StartedAt: e.now()}

	steps := []struct {
		pass Pass
		fn   func(context.Context, string, *PassResult) error
	}{
		{PassAgeExpiry, e.expireAged},
		{PassDuplicateExpiry, e.expireDuplicates},
		{PassCapEnforcement, e.enforceCap},
	}
	for _, st := range steps {
		passStart := time.Now()
		res := PassResult{Pass: st.pass}
		if err := st.fn(ctx, scope, &res); err != nil {
			res.Err = fmt.Errorf("%s: %w", st.pass, err)
			res.Error = res.Err.Error()
			report.Errors = append(report.Errors, res.Error)
			slog.Warn("cleanup: pass failed", "scope", scope, "pass", st.pass, "error", err)
		}
		res.Elapsed = time.Since(passStart)
		res.Duration = res.Elapsed.Round(time.Microsecond).String()
		report.Passes = append(report.Passes, res)
	}
	report.Duration = time.Since(wall).Round(time.Millisecond).String()

	if n := report.Expired(); n > 0 {
		summary := fmt.Sprintf("Cleanup for %s: %d aged, %d duplicates, %d over cap",
			scope,
			report.Pass(PassAgeExpiry).Expired,
			report.Pass(PassDuplicateExpiry).Expired,
			report.Pass(PassCapEnforcement).Expired,
		)
		slog.Info("cleanup: run complete", "scope", scope, "expired", n, "errors", len(report.Errors))
		e.emit("cleanup", summary)
	}
	return report
}

// expireAged expires open loops whose age exceeds their type's max age.
// A loop exactly at its max age survives.
func (e *Engine) expireAged(ctx context.Context, scope string, res *PassResult) error {
	loops, err := e.store.FetchByStatus(ctx, scope, loop.OpenStatuses...)
	if err != nil {
		return err
	}
	now := e.now()
	var ids []string
	for _, l := range loops {
		if l.Age(now) > e.config.Loop.MaxAge(l.Type) {
			ids = append(ids, l.ID)
		}
	}
	return e.expire(ctx, scope, ids, res)
}

// expireDuplicates groups open loops by the matcher (transitively) and
// keeps one survivor per group.
func (e *Engine) expireDuplicates(ctx context.Context, scope string, res *PassResult) error {
	loops, err := e.store.FetchByStatus(ctx, scope, loop.OpenStatuses...)
	if err != nil {
		return err
	}

	var ids []string
	for _, group := range DuplicateGroups(loops, e.matcher) {
		keep := Survivor(group)
		topics := make([]string, 0, len(group))
		for _, l := range group {
			topics = append(topics, l.Topic)
			if l.ID != keep.ID {
				ids = append(ids, l.ID)
			}
		}
		res.Groups = append(res.Groups, topics)
		slog.Debug("cleanup: duplicate group", "scope", scope, "keep", keep.Topic, "topics", strings.Join(topics, " | "))
	}
	return e.expire(ctx, scope, ids, res)
}

// enforceCap expires the least salient active loops until the cap holds.
func (e *Engine) enforceCap(ctx context.Context, scope string, res *PassResult) error {
	active, err := e.store.FetchByStatus(ctx, scope, loop.StatusActive)
	if err != nil {
		return err
	}
	excess := len(active) - e.config.MaxActiveLoops
	if excess <= 0 {
		return nil
	}
	victims := make([]string, 0, excess)
	for _, l := range EvictionOrder(active)[:excess] {
		victims = append(victims, l.ID)
	}
	return e.expire(ctx, scope, victims, res)
}

// expire moves ids to expired one at a time so that res.IDs lists exactly
// the loops that changed. A loop closed since it was fetched is skipped.
func (e *Engine) expire(ctx context.Context, scope string, ids []string, res *PassResult) error {
	for _, id := range ids {
		n, err := e.store.UpdateStatus(ctx, scope, []string{id}, loop.StatusExpired)
		if err != nil {
			return err
		}
		if n > 0 {
			res.Expired += n
			res.IDs = append(res.IDs, id)
		}
	}
	return nil
}

func (e *Engine) emit(typ, message string) {
	if e.onEvent != nil {
		e.onEvent(typ, message)
	}
}

// DuplicateGroups partitions loops into groups of mutually similar topics
// (the transitive closure of the matcher) and returns only groups with more
// than one member. Groups and members keep input order.
func DuplicateGroups(loops []loop.OpenLoop, m similarity.Matcher) [][]loop.OpenLoop {
	if m == nil {
		m = similarity.Heuristic{}
	}
	parent := make([]int, len(loops))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}

	for i := 0; i < len(loops); i++ {
		a := similarity.Subject{Topic: loops[i].Topic, Embedding: loops[i].TopicEmbedding}
		for j := i + 1; j < len(loops); j++ {
			b := similarity.Subject{Topic: loops[j].Topic, Embedding: loops[j].TopicEmbedding}
			if m.Duplicate(a, b) {
				ri, rj := find(i), find(j)
				if ri != rj {
					if ri < rj {
						parent[rj] = ri
					} else {
						parent[ri] = rj
					}
				}
			}
		}
	}

	byRoot := make(map[int][]loop.OpenLoop)
	var roots []int
	for i, l := range loops {
		r := find(i)
		if _, ok := byRoot[r]; !ok {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], l)
	}

	var groups [][]loop.OpenLoop
	for _, r := range roots {
		if len(byRoot[r]) > 1 {
			groups = append(groups, byRoot[r])
		}
	}
	return groups
}

// Survivor picks the loop a duplicate group keeps: latest CreatedAt, then
// higher salience, then the smaller id.
func Survivor(group []loop.OpenLoop) loop.OpenLoop {
	best := group[0]
	for _, l := range group[1:] {
		switch {
		case l.CreatedAt.After(best.CreatedAt):
			best = l
		case l.CreatedAt.Equal(best.CreatedAt) && l.Salience > best.Salience:
			best = l
		case l.CreatedAt.Equal(best.CreatedAt) && l.Salience == best.Salience && l.ID < best.ID:
			best = l
		}
	}
	return best
}

// EvictionOrder returns loops sorted for cap eviction: ascending salience,
// oldest first on ties, then by id.
func EvictionOrder(loops []loop.OpenLoop) []loop.OpenLoop {
	out := make([]loop.OpenLoop, len(loops))
	copy(out, loops)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Salience != out[j].Salience {
			return out[i].Salience < out[j].Salience
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
