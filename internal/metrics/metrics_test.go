package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.ObserveDispatch("cancel", 10*time.Millisecond)
	m.ObserveDispatch("cancel", 5*time.Millisecond)
	m.ObserveDispatch("default", time.Millisecond)
	m.AddSwept(3)
	m.AddSwept(0)
	m.IncExternalFailure(DependencyLLM)
	m.IncPlateLookup(PlatePublished)
	m.ObserveCache(true)
	m.ObserveCache(false)
	m.ObserveCache(false)
	m.IncDuplicate()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messages.WithLabelValues("cancel")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("default")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sessionsSwept))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.externalFailures.WithLabelValues(DependencyLLM)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.externalFailures.WithLabelValues(DependencyQueue)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.plateLookups.WithLabelValues(PlatePublished)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.catalogCache.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.catalogCache.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicates))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["dealerpipe_dispatch_duration_seconds"])
	assert.True(t, names["dealerpipe_messages_total"])
}

func TestMustNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.IncExternalFailure(DependencyQueue)
	assert.Equal(t, 1.0, testutil.ToFloat64(second.externalFailures.WithLabelValues(DependencyQueue)))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDispatch("x", time.Second)
		m.AddSwept(1)
		m.IncExternalFailure(DependencyStore)
		m.IncPlateLookup(PlateFailed)
		m.ObserveCache(true)
		m.IncDuplicate()
	})
}
