package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.Action("ADD")
	m.Action("ADD")
	m.Action("NOOP")
	m.Demotion("UPDATE", "ADD")
	m.ClassifierFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Actions.WithLabelValues("ADD")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Actions.WithLabelValues("NOOP")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Demotions.WithLabelValues("UPDATE", "ADD")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClassifierFailures))
}

func TestHistograms(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.Adapter("embedder", "embed", time.Now(), nil)
	m.Adapter("index", "query", time.Now(), errors.New("down"))
	m.Search(3)

	assert.Equal(t, 2, testutil.CollectAndCount(m.AdapterDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SearchResults))

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "memfact_adapter_call_duration_seconds")
	assert.Contains(t, names, "memfact_search_results")
}

func TestSharedRegistererReusesInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	require.NoError(t, err)
	second, err := New(reg)
	require.NoError(t, err)

	first.Action("DELETE")
	second.Action("DELETE")
	assert.Equal(t, 2.0, testutil.ToFloat64(second.Actions.WithLabelValues("DELETE")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Action("ADD")
		m.Demotion("DELETE", "NOOP")
		m.ClassifierFailure()
		m.Adapter("index", "query", time.Now(), nil)
		m.Search(0)
	})
	assert.Nil(t, m.Gatherer())
}
