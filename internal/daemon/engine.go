package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nous-labs/engage/internal/llm"
	"github.com/nous-labs/engage/pkg/activity"
	"github.com/nous-labs/engage/pkg/cleanup"
	"github.com/nous-labs/engage/pkg/embeddings"
	"github.com/nous-labs/engage/pkg/idle"
	"github.com/nous-labs/engage/pkg/loop"
	"github.com/nous-labs/engage/pkg/similarity"
	"github.com/nous-labs/engage/pkg/store"
	"github.com/nous-labs/engage/pkg/store/postgres"
	"github.com/nous-labs/engage/pkg/store/sqlite"
	"github.com/nous-labs/engage/pkg/thread"
)

// OpenStore opens the configured backend.
func OpenStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := postgres.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite", "":
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// NewRouter builds the LLM router. It returns nil when no provider has
// credentials; callers fall back to templates.
func NewRouter(cfg LLMConfig) *llm.Router {
	var p llm.Provider
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil
		}
		p = llm.NewOpenAICompat("openai", cfg.BaseURL, cfg.APIKey, cfg.Model)
	case "anthropic-compat", "kimi":
		if cfg.BaseURL == "" {
			return nil
		}
		p = llm.NewAnthropicCompat(cfg.Provider, cfg.BaseURL, cfg.APIKey, cfg.Model)
	case "anthropic", "":
		if cfg.APIKey == "" {
			return nil
		}
		p = llm.NewAnthropic(cfg.APIKey, cfg.Model)
	default:
		slog.Warn("unknown llm provider, running without one", "provider", cfg.Provider)
		return nil
	}
	return llm.NewRouter(map[llm.Tier]llm.Provider{llm.TierFast: p, llm.TierDeep: p})
}

// Engine holds the engagement components built over one store.
type Engine struct {
	Store     store.Store
	Loops     *loop.Tracker
	Cleanup   *cleanup.Engine
	Threads   *thread.DecayManager
	Selector  *idle.Selector
	Activity  *activity.Tracker
	Renderer  *llm.Renderer
	Extractor *llm.Extractor // nil without an LLM
	Router    *llm.Router    // nil without an LLM

	thoughts thread.Generator
	embedder *embeddings.Cached
}

// EngineOptions are the optional collaborators of an Engine.
type EngineOptions struct {
	Router   *llm.Router
	Embedder embeddings.Embedder
	Events   cleanup.EventFunc
	Now      func() time.Time
}

// NewEngine wires the components over s.
func NewEngine(cfg *Config, s store.Store, opts EngineOptions) (*Engine, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{Store: s, Router: opts.Router}

	var embedder loop.Embedder
	if opts.Embedder != nil {
		cached, err := embeddings.NewCached(opts.Embedder, cfg.Embeddings.CacheBytes)
		if err != nil {
			return nil, err
		}
		e.embedder = cached
		embedder = cached
	}

	var matcher similarity.Matcher = similarity.Heuristic{}
	if embedder != nil {
		matcher = similarity.NewSemantic(cfg.Embeddings.SimilarityThreshold)
	}

	manager := loop.NewManager(cfg.LoopConfig(), now)
	e.Loops = loop.NewTracker(manager, s, embedder)
	e.Cleanup = cleanup.NewEngine(s, cfg.CleanupConfig(),
		cleanup.WithMatcher(matcher),
		cleanup.WithClock(now),
		cleanup.WithEvents(opts.Events),
	)

	if opts.Router.Available() {
		e.thoughts = llm.NewThoughtGenerator(opts.Router, e.describe, now)
		e.Extractor = llm.NewExtractor(opts.Router)
	}
	e.Threads = thread.NewDecayManager(cfg.ThreadConfig(), s, e.thoughts, now)
	e.Selector = idle.NewSelector(s, idle.WithClock(now))
	e.Activity = activity.NewTracker(s, now)
	e.Renderer = llm.NewRenderer(opts.Router)
	return e, nil
}

// Thoughts returns the idle-thought generator, or nil without an LLM.
func (e *Engine) Thoughts() thread.Generator {
	return e.thoughts
}

// Ingest is the interactive path for one user message: it records the
// interaction and delivery route, then tracks any loop candidates found.
func (e *Engine) Ingest(ctx context.Context, scope, channelName, target, text string) ([]loop.OpenLoop, error) {
	if _, err := e.Activity.Touch(ctx, scope); err != nil {
		slog.Warn("ingest: record activity", "scope", scope, "error", err)
	}
	if channelName != "" {
		if _, err := e.Activity.SetRoute(ctx, scope, channelName, target); err != nil {
			slog.Warn("ingest: record route", "scope", scope, "error", err)
		}
	}
	if e.Extractor == nil || strings.TrimSpace(text) == "" {
		return nil, nil
	}

	candidates, err := e.Extractor.Extract(ctx, text)
	if err != nil {
		return nil, err
	}
	var tracked []loop.OpenLoop
	for _, c := range candidates {
		l, ok, err := e.Loops.Track(ctx, scope, c)
		if err != nil {
			return tracked, err
		}
		if ok {
			tracked = append(tracked, l)
		}
	}
	return tracked, nil
}

// describe summarizes what the engine knows about scope for prompts.
func (e *Engine) describe(ctx context.Context, scope string) string {
	loops, err := e.Store.FetchActive(ctx, scope)
	if err != nil {
		slog.Debug("describe: fetch loops", "scope", scope, "error", err)
		return ""
	}
	var b strings.Builder
	for _, l := range loops {
		fmt.Fprintf(&b, "- %s (%s)\n", l.Topic, l.Type)
	}
	return b.String()
}

// Close releases the embedding cache. The store is closed by its owner.
func (e *Engine) Close() {
	if e.embedder != nil {
		e.embedder.Close()
	}
}
