package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nous-labs/engage/pkg/idle"
	"github.com/nous-labs/engage/pkg/loop"
	"github.com/nous-labs/engage/pkg/scheduler"
	"github.com/nous-labs/engage/pkg/store"
	"github.com/nous-labs/engage/pkg/thread"
)

// Handler returns the HTTP API.
// Endpoints:
//   - GET  /health, /metrics, /v1/events (SSE)
//   - POST /v1/scopes/{scope}/activity
//   - POST /v1/scopes/{scope}/candidates
//   - GET  /v1/scopes/{scope}/loops, POST /v1/scopes/{scope}/loops/{id}/resolve
//   - GET  /v1/scopes/{scope}/threads
//   - POST /v1/scopes/{scope}/idle-breaker
//   - POST /v1/scopes/{scope}/cleanup
//   - GET  /v1/scheduler
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.Handle("GET /metrics", d.metrics.Handler())
	mux.HandleFunc("GET /v1/events", d.handleEvents)
	mux.HandleFunc("POST /v1/scopes/{scope}/activity", d.handleActivity)
	mux.HandleFunc("POST /v1/scopes/{scope}/candidates", d.handleCandidate)
	mux.HandleFunc("GET /v1/scopes/{scope}/loops", d.handleLoops)
	mux.HandleFunc("POST /v1/scopes/{scope}/loops/{id}/resolve", d.handleResolve)
	mux.HandleFunc("GET /v1/scopes/{scope}/threads", d.handleThreads)
	mux.HandleFunc("POST /v1/scopes/{scope}/idle-breaker", d.handleIdleBreaker)
	mux.HandleFunc("POST /v1/scopes/{scope}/cleanup", d.handleCleanup)
	mux.HandleFunc("GET /v1/scheduler", d.handleScheduler)
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if d.healthy.Load() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","uptime":"%s"}`, time.Since(d.startedAt).Round(time.Second))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, `{"status":"starting"}`)
}

func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, unsubscribe := d.events.Subscribe()
	defer unsubscribe()

	for _, e := range d.events.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.MarshalEvent())
			flusher.Flush()
		}
	}
}

type activityRequest struct {
	Channel string `json:"channel,omitempty"`
	Target  string `json:"target,omitempty"`
}

func (d *Daemon) handleActivity(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	var req activityRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	st, err := d.engine.Activity.Touch(r.Context(), scope)
	if err == nil && req.Channel != "" {
		st, err = d.engine.Activity.SetRoute(r.Context(), scope, req.Channel, req.Target)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type candidateResponse struct {
	Tracked bool           `json:"tracked"`
	Loop    *loop.OpenLoop `json:"loop,omitempty"`
}

func (d *Daemon) handleCandidate(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	var c loop.Candidate
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode candidate: %w", err))
		return
	}
	if _, err := d.engine.Activity.Touch(r.Context(), scope); err != nil {
		slog.Warn("candidate: record activity", "scope", scope, "error", err)
	}

	l, ok, err := d.engine.Loops.Track(r.Context(), scope, c)
	switch {
	case errors.Is(err, loop.ErrInvalidType):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	case !ok:
		writeJSON(w, http.StatusOK, candidateResponse{})
		return
	}
	d.events.Publish(Event{Type: EventLoop, Scope: scope, Message: fmt.Sprintf("tracked %s loop %q", l.Type, l.Topic)})
	writeJSON(w, http.StatusCreated, candidateResponse{Tracked: true, Loop: &l})
}

func (d *Daemon) handleLoops(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	statuses := loop.OpenStatuses
	if v := r.URL.Query().Get("status"); v != "" {
		s, err := loop.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		statuses = []loop.Status{s}
	}
	loops, err := d.store.FetchByStatus(r.Context(), scope, statuses...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if loops == nil {
		loops = []loop.OpenLoop{}
	}
	writeJSON(w, http.StatusOK, loops)
}

func (d *Daemon) handleResolve(w http.ResponseWriter, r *http.Request) {
	scope, id := r.PathValue("scope"), r.PathValue("id")
	ok, err := d.engine.Loops.Resolve(r.Context(), scope, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("loop %s: %w", id, store.ErrNotFound))
		return
	}
	d.events.Publish(Event{Type: EventLoop, Scope: scope, Message: "resolved loop " + id})
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(loop.StatusResolved)})
}

func (d *Daemon) handleThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := d.store.ListThreads(r.Context(), r.PathValue("scope"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if threads == nil {
		threads = []thread.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

type idleBreakerResponse struct {
	Decision idle.Decision `json:"decision"`
	Message  string        `json:"message"`
}

func (d *Daemon) handleIdleBreaker(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	loops, err := d.store.FetchActive(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	threads, err := d.store.ListThreads(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	decision := d.engine.Selector.Select(r.Context(), scope, loops, threads)
	d.metrics.ObserveDecision(decision)
	writeJSON(w, http.StatusOK, idleBreakerResponse{
		Decision: decision,
		Message:  d.engine.Renderer.Render(r.Context(), scope, decision),
	})
}

func (d *Daemon) handleCleanup(w http.ResponseWriter, r *http.Request) {
	report := d.engine.Cleanup.Run(r.Context(), r.PathValue("scope"))
	writeJSON(w, http.StatusOK, report)
}

type schedulerResponse struct {
	Running    bool              `json:"running"`
	LastReport *scheduler.Report `json:"last_report,omitempty"`
	Stats      scheduler.Stats   `json:"stats"`
}

func (d *Daemon) handleScheduler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, schedulerResponse{
		Running:    d.scheduler.Running(),
		LastReport: d.scheduler.LastReport(),
		Stats:      d.scheduler.Stats(),
	})
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
