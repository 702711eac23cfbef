package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.WALAppend(10)
		m.LockWait()
		m.Deadlock()
		m.TxBegun()
		m.TxCommitted()
		m.TxAborted()

		c := m.Cache("pages")
		require.Nil(t, c)
		c.Hit()
		c.Miss()
		c.Evict()
		c.Wait()
	})
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.WALAppend(10)
	m.WALAppend(5)
	require.Equal(t, 2.0, testutil.ToFloat64(m.walAppends))
	require.Equal(t, 15.0, testutil.ToFloat64(m.walBytes))

	pages := m.Cache("pages")
	pages.Hit()
	pages.Hit()
	pages.Miss()
	m.Cache("items").Hit()

	require.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits.WithLabelValues("pages")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.cacheHits.WithLabelValues("items")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.cacheMisses.WithLabelValues("pages")))

	m.Deadlock()
	require.Equal(t, 1.0, testutil.ToFloat64(m.lockDeadlocks))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	require.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
