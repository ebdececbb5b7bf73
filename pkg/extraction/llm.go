package extraction

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	memerrors "github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
	"github.com/lexlapax/memfact/pkg/reasoning"
)

// LLMConfig configures the prompt-driven extractor.
type LLMConfig struct {
	// FactPrompt replaces the built-in extraction prompt
	FactPrompt string

	// UpdatePrompt replaces the built-in classification prompt
	UpdatePrompt string

	// Options are passed to every reasoning call
	Options []reasoning.Option
}

// LLM extracts and classifies facts by prompting a reasoning engine.
type LLM struct {
	engine reasoning.Engine
	cfg    LLMConfig
	now    func() time.Time
}

// NewLLM creates an LLM extractor over engine.
func NewLLM(engine reasoning.Engine, cfg LLMConfig) *LLM {
	return &LLM{engine: engine, cfg: cfg, now: time.Now}
}

// Extract implements Extractor. A response that is not valid facts JSON is a
// permanent adapter error.
func (l *LLM) Extract(ctx context.Context, text string) ([]Fact, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	prompt, system := buildExtractionPrompt(l.cfg.FactPrompt, text, l.now())
	opts := append([]reasoning.Option{reasoning.WithJSON()}, l.cfg.Options...)
	if system != "" {
		opts = append(opts, reasoning.WithSystem(system))
	}

	response, err := l.engine.Process(ctx, prompt, opts...)
	if err != nil {
		return nil, memerrors.Wrap(err, "extract facts")
	}

	facts, err := parseFacts(response)
	if err != nil {
		return nil, memerrors.NewAdapterError("extractor", "extract", false, err)
	}

	log.DebugContext(ctx, "Extracted facts", "count", len(facts))
	return facts, nil
}

// Classify implements Classifier.
func (l *LLM) Classify(ctx context.Context, candidate Fact, neighbors []Neighbor) (Decision, error) {
	prompt := buildUpdatePrompt(l.cfg.UpdatePrompt, candidate, neighbors)
	opts := append([]reasoning.Option{reasoning.WithJSON()}, l.cfg.Options...)

	response, err := l.engine.Process(ctx, prompt, opts...)
	if err != nil {
		return Decision{}, memerrors.Wrap(err, "classify fact")
	}

	actions, err := parseMemoryActions(response)
	if err != nil {
		return Decision{}, err
	}
	return decide(actions, candidate, neighbors)
}

// decide picks the first structural action, falling back to the first NOOP.
// Neighbor positions are mapped back to real ids; an id that names no
// neighbor is kept verbatim so the caller can treat the target as missing.
func decide(actions []memoryAction, candidate Fact, neighbors []Neighbor) (Decision, error) {
	var noop *Decision
	for _, a := range actions {
		event, ok := ParseEvent(a.Event)
		if !ok {
			return Decision{}, fmt.Errorf("unknown memory event %q", a.Event)
		}

		d := Decision{
			Event:    event,
			TargetID: resolveID(string(a.ID), neighbors),
			Content:  strings.TrimSpace(a.Text),
			Reason:   a.Reason,
		}
		switch event {
		case EventAdd:
			d.TargetID = ""
			if d.Content == "" {
				d.Content = candidate.Content
			}
			return d, nil
		case EventUpdate:
			if d.Content == "" {
				d.Content = candidate.Content
			}
			return d, nil
		case EventDelete:
			d.Content = ""
			return d, nil
		case EventNoop:
			if noop == nil {
				d.Content = ""
				noop = &d
			}
		}
	}

	if noop != nil {
		return *noop, nil
	}
	return Decision{Event: EventNoop, Reason: "classifier returned no actions"}, nil
}

func resolveID(raw string, neighbors []Neighbor) string {
	raw = strings.TrimSpace(raw)
	if i, err := strconv.Atoi(raw); err == nil && i >= 0 && i < len(neighbors) {
		return neighbors[i].ID
	}
	return raw
}
