package mock

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/lexlapax/memfact/pkg/log"
	"github.com/lexlapax/memfact/pkg/reasoning"
)

// ErrMock is returned when the engine is configured to fail.
var ErrMock = errors.New("mock reasoning engine error")

// Call represents a recorded Process call.
type Call struct {
	Prompt  string
	Options reasoning.Options
}

type cannedResponse struct {
	match    string
	response string
}

// MockEngine implements reasoning.Engine with canned responses.
//
// Queued responses are returned first, in order. Otherwise the first canned
// response whose key is contained in the prompt wins, then the default.
type MockEngine struct {
	mu              sync.Mutex
	queue           []string
	canned          []cannedResponse
	defaultResponse string
	err             error
	calls           []Call
}

// MockOption is a function that configures a MockEngine.
type MockOption func(*MockEngine)

// WithDefaultResponse sets the default response for the mock engine.
func WithDefaultResponse(resp string) MockOption {
	return func(m *MockEngine) {
		m.defaultResponse = resp
	}
}

// WithError makes every call fail with err.
func WithError(err error) MockOption {
	return func(m *MockEngine) {
		m.err = err
	}
}

// NewMockEngine creates a new MockEngine with the given options.
func NewMockEngine(opts ...MockOption) *MockEngine {
	m := &MockEngine{defaultResponse: `{"facts": []}`}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Process implements the reasoning.Engine interface.
func (m *MockEngine) Process(ctx context.Context, prompt string, opts ...reasoning.Option) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Prompt: prompt, Options: reasoning.Apply(opts...)})

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.err != nil {
		return "", m.err
	}

	log.DebugContext(ctx, "Processing prompt with mock engine", "prompt_length", len(prompt))

	if len(m.queue) > 0 {
		resp := m.queue[0]
		m.queue = m.queue[1:]
		return resp, nil
	}
	for _, c := range m.canned {
		if strings.Contains(prompt, c.match) {
			return c.response, nil
		}
	}
	return m.defaultResponse, nil
}

// AddResponse registers response for prompts containing match.
func (m *MockEngine) AddResponse(match, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canned = append(m.canned, cannedResponse{match: match, response: response})
}

// QueueResponses appends responses returned by the next calls, in order.
func (m *MockEngine) QueueResponses(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, responses...)
}

// SetError makes subsequent calls fail with err; nil clears it.
func (m *MockEngine) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns a copy of the recorded calls.
func (m *MockEngine) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]Call, len(m.calls))
	copy(calls, m.calls)
	return calls
}
