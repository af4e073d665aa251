// Package thread keeps the agent's own ongoing background thoughts.
//
// A user scope holds a small set of threads (3-5 by default). Each thread
// loses salience linearly over time at its own per-hour rate and is dropped
// once it falls below a floor. When too few remain, an external generator
// tops the set back up.
package thread

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Type classifies an ongoing thread.
type Type string

const (
	TypeReflection   Type = "reflection"
	TypeCuriosity    Type = "curiosity"
	TypeAnticipation Type = "anticipation"
	TypeConcern      Type = "concern"
	TypeExcitement   Type = "excitement"
)

// Types lists every thread type.
var Types = []Type{TypeReflection, TypeCuriosity, TypeAnticipation, TypeConcern, TypeExcitement}

// Valid reports whether t is one of the enumerated types.
func (t Type) Valid() bool {
	switch t {
	case TypeReflection, TypeCuriosity, TypeAnticipation, TypeConcern, TypeExcitement:
		return true
	}
	return false
}

// ParseType converts free text to a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown thread type %q", s)
	}
	return t, nil
}

// DefaultDecayRate is the per-hour salience loss used when a generator
// does not specify one.
const DefaultDecayRate = 0.02

// salienceResolution is the precision decayed salience is compared at.
const salienceResolution = 1e9

// Thread is an agent-originated background thought.
type Thread struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	Content   string    `json:"content"`
	Type      Type      `json:"thread_type"`
	Salience  float64   `json:"salience"`
	DecayRate float64   `json:"decay_rate"`
	CreatedAt time.Time `json:"created_at"`

	// Initial is the salience at CreatedAt. Decay is always computed from
	// it, so Salience is only a cached view as of DecayedAt. Zero means
	// Salience has not been decayed yet and is itself the initial value.
	Initial   float64   `json:"initial_salience,omitempty"`
	DecayedAt time.Time `json:"decayed_at,omitzero"`
}

// Base returns the salience the thread started with.
func (t Thread) Base() float64 {
	if t.Initial > 0 {
		return t.Initial
	}
	return t.Salience
}

// SalienceAt returns max(0, initial - rate*hours since creation) without
// mutating t. The result is rounded so that boundary values such as
// 0.5 - 0.05*8 compare equal to the floor.
func (t Thread) SalienceAt(now time.Time) float64 {
	hours := now.Sub(t.CreatedAt).Hours()
	if hours <= 0 {
		return t.Base()
	}
	return round(math.Max(0, t.Base()-t.DecayRate*hours))
}

// DecayedTo returns a copy of t with Salience brought up to now. Initial
// is left untouched.
func (t Thread) DecayedTo(now time.Time) Thread {
	if !now.After(t.CreatedAt) {
		return t
	}
	t.Initial = t.Base()
	t.Salience = t.SalienceAt(now)
	t.DecayedAt = now
	return t
}

func round(v float64) float64 {
	return math.Round(v*salienceResolution) / salienceResolution
}
