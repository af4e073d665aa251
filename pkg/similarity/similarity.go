// Package similarity decides whether two open-loop topics refer to the
// same real-world thing.
//
// The default matcher is a cheap, deterministic text heuristic:
//   - lower-case, strip terminal punctuation
//   - drop temporal filler ("tomorrow", "next week", ...)
//   - naively singularize each word ending in "s"
//   - duplicate when equal, or when one normalized topic is a substring of
//     the other ("interview" ~ "job interview")
//
// A topic made only of filler normalizes to "". Two such topics are compared
// on their lower-cased, punctuation-trimmed raw text instead.
//
// Semantic wraps the heuristic and additionally compares topic embeddings
// when both sides carry one.
package similarity

import (
	"math"
	"strings"
	"unicode"
)

// Normalization rules.
const (
	// terminalPunctuation is trimmed from both ends of a topic.
	terminalPunctuation = ".,!?;:'\"()[]-"

	// minSingularizeLen guards short words ("is", "gas") from losing their s.
	minSingularizeLen = 4

	// DefaultCosineThreshold is the embedding similarity at or above which
	// two topics are considered duplicates.
	DefaultCosineThreshold = 0.88
)

// temporalPhrases are removed before temporalWords so "next week" goes as a unit.
var temporalPhrases = []string{
	"next week", "this week", "next month", "this month",
	"this weekend", "next weekend", "in a few days", "later today",
	"this morning", "this afternoon", "this evening",
}

var temporalWords = map[string]struct{}{
	"today": {}, "tonight": {}, "tomorrow": {}, "yesterday": {},
	"soon": {}, "later": {}, "asap": {}, "someday": {}, "eventually": {},
}

// Subject is one side of a comparison.
type Subject struct {
	Topic     string
	Embedding []float32
}

// Matcher reports whether two subjects are duplicates.
type Matcher interface {
	Duplicate(a, b Subject) bool
}

// Heuristic is the default text matcher. The zero value uses plain
// substring containment.
type Heuristic struct {
	// WholeWord restricts containment to word boundaries, so "art" no
	// longer matches "party".
	WholeWord bool
}

// Duplicate implements Matcher.
func (h Heuristic) Duplicate(a, b Subject) bool {
	return duplicate(a.Topic, b.Topic, h.WholeWord)
}

// Duplicate compares two raw topic strings with plain substring containment.
func Duplicate(a, b string) bool {
	return duplicate(a, b, false)
}

func duplicate(a, b string, wholeWord bool) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" && nb == "" {
		ra, rb := trimRaw(a), trimRaw(b)
		return ra != "" && ra == rb
	}
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	return contains(na, nb, wholeWord) || contains(nb, na, wholeWord)
}

func contains(haystack, needle string, wholeWord bool) bool {
	if !wholeWord {
		return strings.Contains(haystack, needle)
	}
	return strings.Contains(" "+haystack+" ", " "+needle+" ")
}

func trimRaw(topic string) string {
	s := strings.ToLower(strings.TrimSpace(topic))
	return strings.Join(strings.Fields(strings.Trim(s, terminalPunctuation+" ")), " ")
}

// Normalize returns the canonical form used for comparison.
func Normalize(topic string) string {
	s := trimRaw(topic)

	for _, p := range temporalPhrases {
		s = strings.ReplaceAll(" "+s+" ", " "+p+" ", " ")
		s = strings.TrimSpace(s)
	}

	words := strings.Fields(s)
	out := words[:0]
	for _, w := range words {
		w = strings.TrimSuffix(w, "'s")
		w = strings.TrimFunc(w, func(r rune) bool {
			return unicode.IsPunct(r)
		})
		if w == "" {
			continue
		}
		if _, ok := temporalWords[w]; ok {
			continue
		}
		out = append(out, singularize(w))
	}
	return strings.Join(out, " ")
}

func singularize(w string) string {
	if len(w) < minSingularizeLen || !strings.HasSuffix(w, "s") || strings.HasSuffix(w, "ss") {
		return w
	}
	return strings.TrimSuffix(w, "s")
}

// Semantic treats two subjects as duplicates when the heuristic says so, or
// when both have embeddings whose cosine similarity reaches Threshold.
type Semantic struct {
	Threshold float64
	Fallback  Matcher
}

// NewSemantic returns a Semantic matcher over the heuristic.
func NewSemantic(threshold float64) *Semantic {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultCosineThreshold
	}
	return &Semantic{Threshold: threshold, Fallback: Heuristic{}}
}

// Duplicate implements Matcher.
func (s *Semantic) Duplicate(a, b Subject) bool {
	fallback := s.Fallback
	if fallback == nil {
		fallback = Heuristic{}
	}
	if fallback.Duplicate(a, b) {
		return true
	}
	if len(a.Embedding) == 0 || len(a.Embedding) != len(b.Embedding) {
		return false
	}
	return Cosine(a.Embedding, b.Embedding) >= s.Threshold
}

// Cosine returns the cosine similarity of two equal-length vectors, or 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
