package extraction

import (
	"context"
	"strings"
	"unicode"
)

// DefaultUpdateThreshold is used when Rules is given a non-positive threshold.
const DefaultUpdateThreshold = 0.9

// Rules is a deterministic extractor and classifier that needs no model.
//
// Extract splits text into sentences. Classify returns NOOP when a neighbor
// holds the same normalized content, UPDATE when the closest neighbor scores at
// or above the threshold, and ADD otherwise.
type Rules struct {
	threshold float64
}

// NewRules creates a rules classifier with the given update threshold.
func NewRules(updateThreshold float64) *Rules {
	if updateThreshold <= 0 {
		updateThreshold = DefaultUpdateThreshold
	}
	return &Rules{threshold: updateThreshold}
}

// Extract implements Extractor.
func (r *Rules) Extract(ctx context.Context, text string) ([]Fact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var facts []Fact
	for _, s := range splitSentences(text) {
		facts = append(facts, Fact{Content: s})
	}
	return facts, nil
}

// Classify implements Classifier.
func (r *Rules) Classify(ctx context.Context, candidate Fact, neighbors []Neighbor) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	want := NormalizeContent(candidate.Content)
	var best *Neighbor
	for i := range neighbors {
		n := &neighbors[i]
		if NormalizeContent(n.Content) == want {
			return Decision{Event: EventNoop, TargetID: n.ID, Reason: "already stored"}, nil
		}
		if best == nil || n.Score > best.Score {
			best = n
		}
	}

	if best != nil && best.Score >= r.threshold {
		return Decision{Event: EventUpdate, TargetID: best.ID, Content: candidate.Content, Reason: "supersedes a close match"}, nil
	}
	return Decision{Event: EventAdd, Content: candidate.Content, Reason: "new information"}, nil
}

// splitSentences breaks on '.', '!' and '?' followed by space or end of text,
// and on newlines. Terminators stay with their sentence.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	flush := func(end int) {
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		start = end
	}

	for i, r := range runes {
		switch r {
		case '\n':
			flush(i + 1)
		case '.', '!', '?':
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush(i + 1)
			}
		}
	}
	flush(len(runes))
	return out
}
