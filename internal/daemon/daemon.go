// Package daemon wires the engagement engine into a long-running process:
// chat channels feed the interactive path, the scheduler maintains every
// scope in the background, and an HTTP API exposes both.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/engage/internal/channel/matrix"
	"github.com/nous-labs/engage/internal/channel/telegram"
	"github.com/nous-labs/engage/internal/llm"
	"github.com/nous-labs/engage/internal/metrics"
	"github.com/nous-labs/engage/pkg/channel"
	"github.com/nous-labs/engage/pkg/embeddings"
	"github.com/nous-labs/engage/pkg/scheduler"
	"github.com/nous-labs/engage/pkg/store"
)

// Daemon is the running engagement service.
type Daemon struct {
	config    *Config
	store     store.Store
	engine    *Engine
	events    *EventBus
	metrics   *metrics.Exporter
	channels  *channel.Registry
	scheduler *scheduler.Scheduler
	nudger    *Nudger

	httpServer *http.Server
	healthy    atomic.Bool
	startedAt  time.Time
}

// Options overrides collaborators; zero values use the configured ones.
type Options struct {
	Router   *llm.Router
	Embedder embeddings.Embedder
	Channels []channel.Channel
	Now      func() time.Time
}

// New opens the store and builds the daemon from cfg.
func New(ctx context.Context, cfg *Config) (*Daemon, error) {
	s, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	opts := Options{Router: NewRouter(cfg.LLM)}
	if cfg.Embeddings.Enabled && cfg.Embeddings.TEIURL != "" {
		opts.Embedder = embeddings.NewTEIClient(cfg.Embeddings.TEIURL)
	}
	if cfg.Matrix.Homeserver != "" {
		opts.Channels = append(opts.Channels, matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			Password:     cfg.Matrix.Password,
			ServerName:   cfg.Matrix.ServerName,
			AllowedUsers: cfg.Matrix.AllowedUsers,
			DataDir:      cfg.Matrix.DataDir,
		}))
	}
	if cfg.Telegram.BotToken != "" {
		opts.Channels = append(opts.Channels, telegram.New(telegram.Config{
			BotToken:     cfg.Telegram.BotToken,
			AllowedUsers: cfg.Telegram.AllowedUsers,
		}))
	}

	d, err := NewWithStore(ctx, cfg, s, opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	return d, nil
}

// NewWithStore builds the daemon over an open store. The daemon takes
// ownership of s.
func NewWithStore(ctx context.Context, cfg *Config, s store.Store, opts Options) (*Daemon, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	d := &Daemon{
		config:    cfg,
		store:     s,
		events:    NewEventBus(0),
		metrics:   metrics.New(prometheus.NewRegistry()),
		channels:  channel.NewRegistry(opts.Channels...),
		startedAt: now(),
	}

	engine, err := NewEngine(cfg, s, EngineOptions{
		Router:   opts.Router,
		Embedder: opts.Embedder,
		Events:   d.onCleanupEvent,
		Now:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	d.engine = engine
	if err := engine.Activity.Load(ctx); err != nil {
		slog.Warn("activity load failed, starting empty", "error", err)
	}

	d.nudger = NewNudger(cfg.NudgeConfig(), s, engine.Selector, engine.Renderer, d.channels,
		engine.Activity, d.metrics, d.events, now)

	deps := scheduler.Deps{
		Cleaner:   engine.Cleanup,
		Threads:   engine.Threads,
		Activity:  engine.Activity,
		IdleHook:  d.nudger.Hook,
		Observers: []scheduler.Observer{d.metrics, tickPublisher{d.events}},
		Now:       now,
	}
	if g := engine.Thoughts(); g != nil {
		deps.Thoughts = g
	}
	d.scheduler = scheduler.New(cfg.SchedulerConfig(), deps)
	return d, nil
}

// Engine returns the engagement engine.
func (d *Daemon) Engine() *Engine { return d.engine }

// Scheduler returns the background scheduler.
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.scheduler }

// Run serves the API, starts the channels and the scheduler, and blocks
// until ctx is cancelled or a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("engage daemon running",
		"name", d.config.Name,
		"store", d.config.Store.Driver,
		"llm", d.engine.Router.Available(),
		"channels", len(d.channels.All()),
	)

	g, ctx := errgroup.WithContext(ctx)

	d.httpServer = &http.Server{
		Addr:              d.config.HTTPAddr,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("API listening", "addr", d.config.HTTPAddr)
		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	for _, ch := range d.channels.All() {
		g.Go(func() error {
			slog.Info("starting channel", "channel", ch.Name())
			if err := ch.Start(ctx, d.onMessage); err != nil && ctx.Err() == nil {
				return fmt.Errorf("channel %s: %w", ch.Name(), err)
			}
			return nil
		})
	}

	if d.config.Scheduler.Disabled {
		slog.Info("scheduler disabled by config")
	} else {
		d.scheduler.Start(ctx)
	}
	d.healthy.Store(true)

	g.Go(func() error {
		<-ctx.Done()
		d.shutdown()
		return nil
	})

	err := g.Wait()
	slog.Info("engage daemon shutting down")
	return err
}

// shutdown stops the scheduler first so no tick runs against a closing
// store, then the channels and the HTTP server.
func (d *Daemon) shutdown() {
	d.healthy.Store(false)
	d.scheduler.Stop()

	for _, ch := range d.channels.All() {
		if err := ch.Stop(); err != nil {
			slog.Warn("channel stop failed", "channel", ch.Name(), "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if d.httpServer != nil {
		_ = d.httpServer.Shutdown(shutdownCtx)
	}
}

// Close releases the engine and the store. Call after Run returns.
func (d *Daemon) Close() error {
	d.engine.Close()
	return d.store.Close()
}

// onMessage is the interactive path for every channel. It never replies;
// replies belong to the conversational agent, not the engagement engine.
func (d *Daemon) onMessage(ctx context.Context, msg channel.Message) error {
	tracked, err := d.engine.Ingest(ctx, msg.Scope(), msg.Source, msg.RoomID, msg.Content)
	for _, l := range tracked {
		d.events.Publish(Event{
			Type:    EventLoop,
			Scope:   l.Scope,
			Message: fmt.Sprintf("tracked %s loop %q (salience %.2f)", l.Type, l.Topic, l.Salience),
		})
	}
	if err != nil {
		slog.Warn("ingest failed", "channel", msg.Source, "scope", msg.Scope(), "error", err)
		return err
	}
	return nil
}

func (d *Daemon) onCleanupEvent(_, message string) {
	d.events.Publish(Event{Type: EventCleanup, Message: message, Level: "info"})
}

// tickPublisher forwards tick summaries to the event stream.
type tickPublisher struct {
	events *EventBus
}

func (p tickPublisher) ObserveTick(r *scheduler.Report) {
	level := "info"
	if len(r.Errors) > 0 {
		level = "warn"
	}
	p.events.Publish(Event{
		Type:    EventTick,
		Message: fmt.Sprintf("tick %d: %d scopes, %d expired, %d errors", r.Cycle, len(r.Scopes), r.Expired(), len(r.Errors)),
		Level:   level,
	})
}
