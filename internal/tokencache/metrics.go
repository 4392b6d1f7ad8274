package tokencache

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats is a point-in-time snapshot of the cache counters. Token material
// never appears here.
type Stats struct {
	Hits               int64
	Misses             int64
	DecryptionFailures int64
	Evictions          int64
	ActiveSessions     int64
	EntriesTotal       int64
	ApproxMemoryBytes  int64
}

// metrics tracks counters both as plain atomics (for Stats) and as
// Prometheus collectors (for /metrics).
type metrics struct {
	hits               atomic.Int64
	misses             atomic.Int64
	decryptionFailures atomic.Int64
	evictions          atomic.Int64
	activeSessions     atomic.Int64
	entriesTotal       atomic.Int64
	approxMemoryBytes  atomic.Int64

	promHits      prometheus.Counter
	promMisses    prometheus.Counter
	promDecFails  prometheus.Counter
	promEvictions prometheus.Counter
	promSessions  prometheus.Gauge
	promEntries   prometheus.Gauge
	promMemory    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{}
	if reg == nil {
		return m
	}
	factory := promauto.With(reg)
	m.promHits = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "tokengate", Subsystem: "token_cache", Name: "hits_total",
		Help: "Delegation token cache hits.",
	})
	m.promMisses = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "tokengate", Subsystem: "token_cache", Name: "misses_total",
		Help: "Delegation token cache misses.",
	})
	m.promDecFails = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "tokengate", Subsystem: "token_cache", Name: "decryption_failures_total",
		Help: "AEAD open failures, including AAD mismatches from foreign subject tokens.",
	})
	m.promEvictions = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "tokengate", Subsystem: "token_cache", Name: "evictions_total",
		Help: "Entries evicted by TTL, LRU pressure or session cleanup.",
	})
	m.promSessions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "tokengate", Subsystem: "token_cache", Name: "active_sessions",
		Help: "Live cache session records.",
	})
	m.promEntries = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "tokengate", Subsystem: "token_cache", Name: "entries",
		Help: "Stored delegation token entries.",
	})
	m.promMemory = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "tokengate", Subsystem: "token_cache", Name: "approx_memory_bytes",
		Help: "Approximate memory held by ciphertexts and nonces.",
	})
	return m
}

func (m *metrics) hit() {
	m.hits.Add(1)
	if m.promHits != nil {
		m.promHits.Inc()
	}
}

func (m *metrics) miss() {
	m.misses.Add(1)
	if m.promMisses != nil {
		m.promMisses.Inc()
	}
}

func (m *metrics) decryptionFailure() {
	m.decryptionFailures.Add(1)
	if m.promDecFails != nil {
		m.promDecFails.Inc()
	}
}

func (m *metrics) eviction() {
	m.evictions.Add(1)
	if m.promEvictions != nil {
		m.promEvictions.Inc()
	}
}

func (m *metrics) sessionDelta(d int64) {
	v := m.activeSessions.Add(d)
	if m.promSessions != nil {
		m.promSessions.Set(float64(v))
	}
}

func (m *metrics) entryDelta(d int64, bytes int64) {
	v := m.entriesTotal.Add(d)
	b := m.approxMemoryBytes.Add(bytes)
	if m.promEntries != nil {
		m.promEntries.Set(float64(v))
		m.promMemory.Set(float64(b))
	}
}

func (m *metrics) snapshot() Stats {
	return Stats{
		Hits:               m.hits.Load(),
		Misses:             m.misses.Load(),
		DecryptionFailures: m.decryptionFailures.Load(),
		Evictions:          m.evictions.Load(),
		ActiveSessions:     m.activeSessions.Load(),
		EntriesTotal:       m.entriesTotal.Load(),
		ApproxMemoryBytes:  m.approxMemoryBytes.Load(),
	}
}
