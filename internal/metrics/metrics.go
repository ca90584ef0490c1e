// Package metrics exposes the Prometheus collectors reported by the webhook.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dealerpipe"

// Dependency labels for ExternalFailure.
const (
	DependencyLLM   = "llm"
	DependencyQueue = "queue"
	DependencyStore = "store"
)

// Plate lookup outcomes.
const (
	PlatePublished = "published"
	PlateInvalid   = "invalid"
	PlateFailed    = "failed"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	messages         *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	sessionsSwept    prometheus.Counter
	externalFailures *prometheus.CounterVec
	plateLookups     *prometheus.CounterVec
	catalogCache     *prometheus.CounterVec
	duplicates       prometheus.Counter
}

// MustNewMetrics registers the collectors on reg and panics on conflicting
// registrations. Already registered collectors of the same shape are reused.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by the rule that handled them.",
		}, []string{"rule"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent dispatching one message, by rule.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"rule"}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Sessions removed by the inactivity sweeper.",
		}),
		externalFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_failures_total",
			Help:      "Failed calls to external dependencies.",
		}, []string{"dependency"}),
		plateLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plate_lookups_total",
			Help:      "Plate lookup requests by outcome.",
		}, []string{"result"}),
		catalogCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_cache_total",
			Help:      "Catalog search cache lookups by result.",
		}, []string{"result"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_deliveries_total",
			Help:      "Inbound webhook deliveries dropped as duplicates.",
		}),
	}

	m.messages = register(reg, m.messages)
	m.dispatchDuration = register(reg, m.dispatchDuration)
	m.sessionsSwept = register(reg, m.sessionsSwept)
	m.externalFailures = register(reg, m.externalFailures)
	m.plateLookups = register(reg, m.plateLookups)
	m.catalogCache = register(reg, m.catalogCache)
	m.duplicates = register(reg, m.duplicates)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveDispatch counts one message for rule and records its duration.
func (m *Metrics) ObserveDispatch(rule string, d time.Duration) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(rule).Inc()
	m.dispatchDuration.WithLabelValues(rule).Observe(d.Seconds())
}

// AddSwept adds n to the swept sessions counter.
func (m *Metrics) AddSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsSwept.Add(float64(n))
}

// IncExternalFailure counts a failed call to dependency.
func (m *Metrics) IncExternalFailure(dependency string) {
	if m == nil {
		return
	}
	m.externalFailures.WithLabelValues(dependency).Inc()
}

// IncPlateLookup counts a plate lookup with the given outcome.
func (m *Metrics) IncPlateLookup(result string) {
	if m == nil {
		return
	}
	m.plateLookups.WithLabelValues(result).Inc()
}

// ObserveCache records a catalog cache hit or miss. It matches catalog.CacheObserver.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.catalogCache.WithLabelValues(result).Inc()
}

// IncDuplicate counts a dropped duplicate delivery.
func (m *Metrics) IncDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}
