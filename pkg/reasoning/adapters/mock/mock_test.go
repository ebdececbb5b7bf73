package mock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexlapax/memfact/pkg/reasoning"
)

func TestMockEngine_Process(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*MockEngine)
		prompt   string
		expected string
	}{
		{
			name:     "default response",
			setup:    func(m *MockEngine) {},
			prompt:   "anything",
			expected: `{"facts": []}`,
		},
		{
			name: "first matching canned response wins",
			setup: func(m *MockEngine) {
				m.AddResponse("tea", "first")
				m.AddResponse("tea", "second")
			},
			prompt:   "I like tea",
			expected: "first",
		},
		{
			name: "queued responses take priority",
			setup: func(m *MockEngine) {
				m.AddResponse("tea", "canned")
				m.QueueResponses("queued")
			},
			prompt:   "I like tea",
			expected: "queued",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMockEngine()
			tt.setup(m)
			out, err := m.Process(context.Background(), tt.prompt)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestMockEngine_QueueDrains(t *testing.T) {
	m := NewMockEngine(WithDefaultResponse("fallback"))
	m.QueueResponses("a", "b")

	for _, want := range []string{"a", "b", "fallback"} {
		out, err := m.Process(context.Background(), "p")
		require.NoError(t, err)
		assert.Equal(t, want, out)
	}
	assert.Len(t, m.Calls(), 3)
}

func TestMockEngine_Errors(t *testing.T) {
	m := NewMockEngine(WithError(ErrMock))
	_, err := m.Process(context.Background(), "p")
	assert.ErrorIs(t, err, ErrMock)

	m.SetError(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Process(ctx, "p")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMockEngine_RecordsOptions(t *testing.T) {
	m := NewMockEngine()
	_, err := m.Process(context.Background(), "p", reasoning.WithSystem("sys"), reasoning.WithJSON())
	require.NoError(t, err)

	calls := m.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "p", calls[0].Prompt)
	assert.Equal(t, "sys", calls[0].Options.System)
	assert.True(t, calls[0].Options.JSON)
}
