// Package loop models open loops: unresolved things a user mentioned that
// are worth following up on later.
package loop

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type classifies what kind of follow-up a loop represents.
type Type string

const (
	TypeEvent     Type = "event"
	TypeEmotional Type = "emotional"
	TypeTask      Type = "task"
	TypeCuriosity Type = "curiosity"
)

// Types lists every loop type.
var Types = []Type{TypeEvent, TypeEmotional, TypeTask, TypeCuriosity}

// Valid reports whether t is one of the enumerated types.
func (t Type) Valid() bool {
	switch t {
	case TypeEvent, TypeEmotional, TypeTask, TypeCuriosity:
		return true
	}
	return false
}

// ParseType converts free text to a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", &InvalidTypeError{Value: s}
	}
	return t, nil
}

// Status is the lifecycle state of a loop.
type Status string

const (
	StatusActive   Status = "active"
	StatusSurfaced Status = "surfaced"
	StatusExpired  Status = "expired"
	StatusResolved Status = "resolved"
)

// Statuses lists every status.
var Statuses = []Status{StatusActive, StatusSurfaced, StatusExpired, StatusResolved}

// Valid reports whether s is one of the enumerated statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSurfaced, StatusExpired, StatusResolved:
		return true
	}
	return false
}

// ParseStatus converts free text to a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown loop status %q", v)
	}
	return s, nil
}

// Open reports whether a loop in this status is still being tracked.
func (s Status) Open() bool {
	switch s {
	case StatusActive, StatusSurfaced:
		return true
	case StatusExpired, StatusResolved:
		return false
	}
	return false
}

// CanTransition reports whether s may move to next.
// Surfacing an already surfaced loop is allowed (it bumps SurfacedCount).
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusActive:
		return next == StatusSurfaced || next == StatusExpired || next == StatusResolved
	case StatusSurfaced:
		return next == StatusSurfaced || next == StatusExpired || next == StatusResolved
	case StatusExpired, StatusResolved:
		return false
	}
	return false
}

// SourcesOf returns the statuses a loop may be in to move to next, in
// Statuses order. Stores use it as the guard on conditional status writes.
func SourcesOf(next Status) []Status {
	var out []Status
	for _, s := range Statuses {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}

// OpenStatuses are the statuses cleanup operates on.
var OpenStatuses = []Status{StatusActive, StatusSurfaced}

// OpenLoop is a remembered, unresolved topic.
type OpenLoop struct {
	ID            string    `json:"id"`
	Scope         string    `json:"scope"`
	Topic         string    `json:"topic"`
	Type          Type      `json:"loop_type"`
	Salience      float64   `json:"salience"`
	Timeframe     string    `json:"timeframe,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	SurfacedCount int       `json:"surfaced_count"`
	Status        Status    `json:"status"`

	// TopicEmbedding is optional; set when an embedder is configured.
	TopicEmbedding []float32 `json:"-"`
}

// Age returns how long ago the loop was created.
func (l OpenLoop) Age(now time.Time) time.Duration {
	return now.Sub(l.CreatedAt)
}

// Candidate is a follow-up signal extracted from user text by an
// external classifier.
type Candidate struct {
	Topic       string  `json:"topic"`
	Type        string  `json:"loop_type"`
	Timeframe   string  `json:"timeframe"`
	HasFollowUp bool    `json:"has_follow_up"`
	Salience    float64 `json:"salience"`
}

// ErrInvalidType is matched by every InvalidTypeError.
var ErrInvalidType = errors.New("invalid loop type")

// InvalidTypeError reports a loop type outside the enumerated set.
type InvalidTypeError struct {
	Value string
}

func (e *InvalidTypeError) Error() string {
	return fmt.Sprintf("invalid loop type %q", e.Value)
}

// Is makes errors.Is(err, ErrInvalidType) succeed.
func (e *InvalidTypeError) Is(target error) bool {
	return target == ErrInvalidType
}

// Clamp bounds a salience value to [0,1].
func Clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
