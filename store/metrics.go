package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Write outcomes recorded by Metrics.
const (
	outcomeWritten   = "written"
	outcomeDuplicate = "duplicate"
	outcomeConflict  = "conflict"
	outcomeDeleted   = "deleted"
	outcomeError     = "error"
)

// Metrics holds the Prometheus collectors updated by a Store. A nil
// *Metrics records nothing.
type Metrics struct {
	writes          *prometheus.CounterVec
	itemBytes       *prometheus.HistogramVec
	queryPages      prometheus.Counter
	queryItems      prometheus.Counter
	sequenceRetries prometheus.Counter
}

// NewMetrics creates the store collectors and registers them with reg
// when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eps",
			Subsystem: "datastore",
			Name:      "writes_total",
			Help:      "Item writes by sort key and outcome.",
		}, []string{"sort_key", "outcome"}),
		itemBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eps",
			Subsystem: "datastore",
			Name:      "item_size_bytes",
			Help:      "Estimated size of items written.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 7),
		}, []string{"sort_key"}),
		queryPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eps",
			Subsystem: "datastore",
			Name:      "query_pages_total",
			Help:      "Query result pages fetched.",
		}),
		queryItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eps",
			Subsystem: "datastore",
			Name:      "query_items_total",
			Help:      "Items returned by query pages.",
		}),
		sequenceRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eps",
			Subsystem: "datastore",
			Name:      "sequence_retries_total",
			Help:      "Sequence number allocations retried after a conflict.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.writes, m.itemBytes, m.queryPages, m.queryItems, m.sequenceRetries)
	}
	return m
}

func (m *Metrics) write(sk SortKey, outcome string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(string(sk), outcome).Inc()
}

func (m *Metrics) itemSize(sk SortKey, n int) {
	if m == nil {
		return
	}
	m.itemBytes.WithLabelValues(string(sk)).Observe(float64(n))
}

func (m *Metrics) page(items int) {
	if m == nil {
		return
	}
	m.queryPages.Inc()
	m.queryItems.Add(float64(items))
}

func (m *Metrics) sequenceRetry() {
	if m == nil {
		return
	}
	m.sequenceRetries.Inc()
}
