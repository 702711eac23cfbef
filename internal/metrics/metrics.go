// Package metrics holds the prometheus collectors exported by the engine.
// Every method is safe on a nil receiver so components can run unobserved.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "novacore"

type Metrics struct {
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheWaits     *prometheus.CounterVec

	walAppends prometheus.Counter
	walBytes   prometheus.Counter

	lockWaits     prometheus.Counter
	lockDeadlocks prometheus.Counter

	txBegun     prometheus.Counter
	txCommitted prometheus.Counter
	txAborted   prometheus.Counter
}

// New registers all collectors on reg. Use prometheus.NewRegistry() in tests
// so engines opened side by side do not collide.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	cacheVec := func(name, help string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      name,
			Help:      help,
		}, []string{"cache"})
	}
	counter := func(subsystem, name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		cacheHits:      cacheVec("hits_total", "Cache lookups served from memory."),
		cacheMisses:    cacheVec("misses_total", "Cache lookups that loaded from the backing source."),
		cacheEvictions: cacheVec("evictions_total", "Entries dropped from a cache."),
		cacheWaits:     cacheVec("waits_total", "Lookups that blocked on a full cache."),

		walAppends: counter("wal", "appends_total", "Records appended to the write-ahead log."),
		walBytes:   counter("wal", "bytes_total", "Payload bytes appended to the write-ahead log."),

		lockWaits:     counter("lock", "waits_total", "Lock requests that had to wait for a holder."),
		lockDeadlocks: counter("lock", "deadlocks_total", "Lock requests rejected by deadlock detection."),

		txBegun:     counter("tx", "begun_total", "Transactions started."),
		txCommitted: counter("tx", "committed_total", "Transactions committed."),
		txAborted:   counter("tx", "aborted_total", "Transactions aborted, including automatic aborts."),
	}
}

// CacheCounters is the per-cache view handed to a bufferpool.Cache.
type CacheCounters struct {
	hits, misses, evictions, waits prometheus.Counter
}

// Cache returns the counters labelled with name, or nil when m is nil.
func (m *Metrics) Cache(name string) *CacheCounters {
	if m == nil {
		return nil
	}
	return &CacheCounters{
		hits:      m.cacheHits.WithLabelValues(name),
		misses:    m.cacheMisses.WithLabelValues(name),
		evictions: m.cacheEvictions.WithLabelValues(name),
		waits:     m.cacheWaits.WithLabelValues(name),
	}
}

func (c *CacheCounters) Hit() {
	if c != nil {
		c.hits.Inc()
	}
}

func (c *CacheCounters) Miss() {
	if c != nil {
		c.misses.Inc()
	}
}

func (c *CacheCounters) Evict() {
	if c != nil {
		c.evictions.Inc()
	}
}

func (c *CacheCounters) Wait() {
	if c != nil {
		c.waits.Inc()
	}
}

func (m *Metrics) WALAppend(n int) {
	if m == nil {
		return
	}
	m.walAppends.Inc()
	m.walBytes.Add(float64(n))
}

func (m *Metrics) LockWait() {
	if m != nil {
		m.lockWaits.Inc()
	}
}

func (m *Metrics) Deadlock() {
	if m != nil {
		m.lockDeadlocks.Inc()
	}
}

func (m *Metrics) TxBegun() {
	if m != nil {
		m.txBegun.Inc()
	}
}

func (m *Metrics) TxCommitted() {
	if m != nil {
		m.txCommitted.Inc()
	}
}

func (m *Metrics) TxAborted() {
	if m != nil {
		m.txAborted.Inc()
	}
}
