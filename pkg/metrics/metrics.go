// Package metrics exposes Prometheus instruments for reconciliation and search.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "memfact"

// Metrics holds the instruments. A nil *Metrics records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	// Actions counts applied reconciliation actions by kind
	Actions *prometheus.CounterVec

	// Demotions counts actions rewritten because their target was gone
	Demotions *prometheus.CounterVec

	// ClassifierFailures counts candidates recorded as NOOP after a classifier error
	ClassifierFailures prometheus.Counter

	// AdapterDuration observes adapter call latency by adapter, op and status
	AdapterDuration *prometheus.HistogramVec

	// SearchResults observes the number of results returned per search
	SearchResults prometheus.Histogram
}

// New creates the instruments and registers them on reg. A nil reg uses a
// private registry. Instruments already registered on reg are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	var gatherer prometheus.Gatherer
	if reg == nil {
		private := prometheus.NewRegistry()
		reg, gatherer = private, private
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		registry: gatherer,
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_actions_total",
			Help:      "Reconciliation actions applied, by kind",
		}, []string{"kind"}),
		Demotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_demotions_total",
			Help:      "Actions demoted because their target no longer exists",
		}, []string{"from", "to"}),
		ClassifierFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_classifier_failures_total",
			Help:      "Candidates recorded as NOOP after a classifier failure",
		}),
		AdapterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_call_duration_seconds",
			Help:      "Latency of calls to external adapters",
			Buckets:   prometheus.DefBuckets,
		}, []string{"adapter", "op", "status"}),
		SearchResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Number of results returned per search",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
	}

	var err error
	if m.Actions, err = register(reg, m.Actions); err != nil {
		return nil, err
	}
	if m.Demotions, err = register(reg, m.Demotions); err != nil {
		return nil, err
	}
	if m.ClassifierFailures, err = register(reg, m.ClassifierFailures); err != nil {
		return nil, err
	}
	if m.AdapterDuration, err = register(reg, m.AdapterDuration); err != nil {
		return nil, err
	}
	if m.SearchResults, err = register(reg, m.SearchResults); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Gatherer returns the registry the instruments were registered on, or nil
// when the caller's Registerer cannot gather.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.registry
}

// Action counts one applied action.
func (m *Metrics) Action(kind string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(kind).Inc()
}

// Demotion counts one action rewritten from one kind to another.
func (m *Metrics) Demotion(from, to string) {
	if m == nil {
		return
	}
	m.Demotions.WithLabelValues(from, to).Inc()
}

// ClassifierFailure counts one classifier failure.
func (m *Metrics) ClassifierFailure() {
	if m == nil {
		return
	}
	m.ClassifierFailures.Inc()
}

// Adapter observes the latency of an adapter call that started at start.
func (m *Metrics) Adapter(adapter, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.AdapterDuration.WithLabelValues(adapter, op, status).Observe(time.Since(start).Seconds())
}

// Search observes the size of one result set.
func (m *Metrics) Search(results int) {
	if m == nil {
		return
	}
	m.SearchResults.Observe(float64(results))
}
