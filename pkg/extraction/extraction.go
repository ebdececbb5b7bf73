// Package extraction turns raw text into candidate facts and decides how each
// candidate relates to the facts already stored.
package extraction

import (
	"context"
	"strings"
)

// Event is the structural change a classifier proposes for a candidate.
type Event string

const (
	EventAdd    Event = "ADD"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventNoop   Event = "NOOP"
)

// ParseEvent accepts the spellings models tend to produce. Unknown values
// report false.
func ParseEvent(s string) (Event, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ADD":
		return EventAdd, true
	case "UPDATE":
		return EventUpdate, true
	case "DELETE":
		return EventDelete, true
	case "NOOP", "NONE", "NO_CHANGE":
		return EventNoop, true
	default:
		return "", false
	}
}

// Fact is one candidate statement extracted from input text.
type Fact struct {
	Content  string
	Metadata map[string]interface{}
}

// Neighbor is an existing memory shown to the classifier.
type Neighbor struct {
	ID      string
	Content string

	// Score is the normalized similarity to the candidate, 0..1
	Score float64
}

// Decision is the classifier's verdict on one candidate.
type Decision struct {
	Event Event

	// TargetID names the neighbor an UPDATE, DELETE or NOOP refers to
	TargetID string

	// Content is the text to store for ADD and UPDATE; empty means the candidate
	Content string

	// Reason is the classifier's justification, recorded as a note
	Reason string
}

// Extractor produces candidate facts from text.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Fact, error)
}

// Classifier maps a candidate and its nearest neighbors to one action.
type Classifier interface {
	Classify(ctx context.Context, candidate Fact, neighbors []Neighbor) (Decision, error)
}

// ExtractorClassifier is the usual shape of a fact extraction backend.
type ExtractorClassifier interface {
	Extractor
	Classifier
}

// NormalizeContent lower-cases, collapses whitespace, and strips trailing
// punctuation so trivially different spellings of a fact compare equal.
func NormalizeContent(s string) string {
	s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
	return strings.TrimRight(s, ".!?;:, ")
}
