package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterMatches(t *testing.T) {
	metadata := map[string]interface{}{
		"category": "food",
		"priority": float64(2),
		"tags":     []interface{}{"a", "b"},
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter", nil, true},
		{"string match", Filter{"category": "food"}, true},
		{"string mismatch", Filter{"category": "travel"}, false},
		{"int matches float", Filter{"priority": 2}, true},
		{"number mismatch", Filter{"priority": 3}, false},
		{"missing key", Filter{"source": "chat"}, false},
		{"all keys required", Filter{"category": "food", "priority": 3}, false},
		{"slice equality", Filter{"tags": []interface{}{"a", "b"}}, true},
		{"number against string", Filter{"category": 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(metadata))
		})
	}
}

func TestCheckDimensions(t *testing.T) {
	assert.NoError(t, CheckDimensions([]float32{1, 2}, 2))
	assert.NoError(t, CheckDimensions([]float32{1, 2}, 0))
	assert.Error(t, CheckDimensions([]float32{1}, 2))
	assert.Error(t, CheckDimensions(nil, 0))
}
