package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nous-labs/engage/pkg/idle"
	"github.com/nous-labs/engage/pkg/loop"
	"github.com/nous-labs/engage/pkg/thread"
)

// RecordOpenLoopTool is the tool name the extractor offers.
const RecordOpenLoopTool = "record_open_loop"

const thoughtSystem = `You are the inner monologue of a companion who talks with one person over weeks.
Produce short background thoughts the companion keeps mulling over between conversations.
Reply with a JSON array only. Each element: {"content": string, "type": one of reflection|curiosity|anticipation|concern|excitement, "salience": number between 0 and 1}.`

const renderSystem = `You write one short, warm message to restart a conversation after a quiet stretch.
No greeting boilerplate, no questions stacked together, at most two sentences. Plain text only.`

const extractSystem = `Read the user's message and call record_open_loop once for every unresolved thing worth following up on later:
an upcoming event, an emotional situation, a task they intend to do, or something they are curious about.
Do not call the tool for small talk or things already finished.`

// ContextFunc returns background text (recent topics, open loops) for a scope.
type ContextFunc func(ctx context.Context, scope string) string

// ThoughtGenerator asks the LLM for background thoughts. It satisfies
// thread.Generator.
type ThoughtGenerator struct {
	router  *Router
	context ContextFunc
	now     func() time.Time
}

// NewThoughtGenerator creates a generator. contextFn may be nil.
func NewThoughtGenerator(router *Router, contextFn ContextFunc, now func() time.Time) *ThoughtGenerator {
	if now == nil {
		now = time.Now
	}
	return &ThoughtGenerator{router: router, context: contextFn, now: now}
}

type generatedThought struct {
	Content  string   `json:"content"`
	Type     string   `json:"type"`
	Salience *float64 `json:"salience"`
}

// GenerateThreads returns up to n new threads for scope. IDs are left empty
// for the store to assign.
func (g *ThoughtGenerator) GenerateThreads(ctx context.Context, scope string, n int) ([]thread.Thread, error) {
	if n <= 0 {
		return nil, nil
	}
	prompt := fmt.Sprintf("Write %d new thoughts.", n)
	if g.context != nil {
		if bg := strings.TrimSpace(g.context(ctx, scope)); bg != "" {
			prompt = "What you know about them:\n" + bg + "\n\n" + prompt
		}
	}

	resp, err := g.router.Complete(ctx, TierDeep, CompletionRequest{
		System:      thoughtSystem,
		Messages:    []Message{{Role: "user", Content: prompt}},
		MaxTokens:   800,
		Temperature: 0.9,
	})
	if err != nil {
		return nil, fmt.Errorf("generate thoughts: %w", err)
	}

	threads, err := ParseThoughts(resp.Content, scope, g.now())
	if err != nil {
		return nil, err
	}
	if len(threads) > n {
		threads = threads[:n]
	}
	return threads, nil
}

// ParseThoughts decodes the JSON array a model returned, tolerating prose
// around it. Unknown types become reflections; salience is clamped.
func ParseThoughts(raw, scope string, now time.Time) ([]thread.Thread, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("parse thoughts: no JSON array in response")
	}
	var items []generatedThought
	if err := json.Unmarshal([]byte(raw[start:end+1]), &items); err != nil {
		return nil, fmt.Errorf("parse thoughts: %w", err)
	}

	out := make([]thread.Thread, 0, len(items))
	for _, it := range items {
		content := strings.TrimSpace(it.Content)
		if content == "" {
			continue
		}
		typ, err := thread.ParseType(it.Type)
		if err != nil {
			typ = thread.TypeReflection
		}
		salience := 0.5
		if it.Salience != nil {
			salience = loop.Clamp(*it.Salience)
		}
		out = append(out, thread.Thread{
			Scope:     scope,
			Content:   content,
			Type:      typ,
			Salience:  salience,
			DecayRate: thread.DefaultDecayRate,
			CreatedAt: now,
		})
	}
	return out, nil
}

// Renderer turns an idle-breaker decision into message text.
type Renderer struct {
	router *Router
}

// NewRenderer creates a renderer. A nil router renders from templates only.
func NewRenderer(router *Router) *Renderer {
	return &Renderer{router: router}
}

// Render returns the message for d. LLM failures fall back to the template
// and are only logged.
func (r *Renderer) Render(ctx context.Context, scope string, d idle.Decision) string {
	if !r.router.Available() {
		return Template(d)
	}
	resp, err := r.router.Complete(ctx, TierFast, CompletionRequest{
		System:      renderSystem,
		Messages:    []Message{{Role: "user", Content: renderPrompt(d)}},
		MaxTokens:   200,
		Temperature: 0.7,
	})
	if err != nil {
		slog.Warn("render: llm failed, using template", "scope", scope, "tier", d.Tier, "error", err)
		return Template(d)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return Template(d)
	}
	return text
}

func renderPrompt(d idle.Decision) string {
	switch d.Kind {
	case idle.KindLoop:
		return fmt.Sprintf("Follow up on something they mentioned (%s): %q", d.LoopType, d.Topic)
	case idle.KindThread:
		return fmt.Sprintf("Share a thought you have been having: %q", d.Topic)
	default:
		return fmt.Sprintf("Open a light conversation about: %q", d.Topic)
	}
}

// Template renders d without a model.
func Template(d idle.Decision) string {
	switch d.Kind {
	case idle.KindLoop:
		switch d.LoopType {
		case loop.TypeEvent:
			return fmt.Sprintf("How did %s go?", d.Topic)
		case loop.TypeEmotional:
			return fmt.Sprintf("I've been thinking about you. How are you feeling about %s?", d.Topic)
		case loop.TypeTask:
			return fmt.Sprintf("Did you get a chance to %s?", d.Topic)
		default:
			return fmt.Sprintf("Did you ever find out more about %s?", d.Topic)
		}
	case idle.KindThread:
		return fmt.Sprintf("Something's been on my mind: %s", d.Topic)
	default:
		return fmt.Sprintf("Hey! I was wondering about %s.", d.Topic)
	}
}

// Extractor turns user text into loop candidates via a tool call.
type Extractor struct {
	router *Router
}

// NewExtractor creates an extractor.
func NewExtractor(router *Router) *Extractor {
	return &Extractor{router: router}
}

// RecordOpenLoop is the tool definition offered to the model.
func RecordOpenLoop() ToolDefinition {
	types := make([]string, 0, len(loop.Types))
	for _, t := range loop.Types {
		types = append(types, string(t))
	}
	return ToolDefinition{
		Name:        RecordOpenLoopTool,
		Description: "Record something the user mentioned that is worth following up on later.",
		InputSchema: map[string]any{
			"topic":         map[string]any{"type": "string", "description": "a few words naming the thing, e.g. 'job interview'"},
			"loop_type":     map[string]any{"type": "string", "enum": types},
			"timeframe":     map[string]any{"type": "string", "description": "when it happens: today, tomorrow, this week, next week, someday"},
			"has_follow_up": map[string]any{"type": "boolean"},
			"salience":      map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		},
		Required: []string{"topic", "loop_type", "has_follow_up"},
	}
}

// Extract returns the candidates the model recorded for text.
func (e *Extractor) Extract(ctx context.Context, text string) ([]loop.Candidate, error) {
	resp, err := e.router.CompleteWithTools(ctx, TierFast, CompletionRequest{
		System:    extractSystem,
		Messages:  []Message{{Role: "user", Content: text}},
		MaxTokens: 600,
	}, []ToolDefinition{RecordOpenLoop()})
	if err != nil {
		return nil, fmt.Errorf("extract candidates: %w", err)
	}
	return Candidates(resp.ToolCalls), nil
}

// Candidates decodes record_open_loop calls. Other tools and malformed
// input are skipped.
func Candidates(calls []ToolCall) []loop.Candidate {
	var out []loop.Candidate
	for _, call := range calls {
		if call.Name != RecordOpenLoopTool {
			continue
		}
		var c loop.Candidate
		if err := json.Unmarshal(call.Input, &c); err != nil {
			slog.Warn("extract: bad tool input", "tool_call_id", call.ID, "error", err)
			continue
		}
		if strings.TrimSpace(c.Topic) == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}
