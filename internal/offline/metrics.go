package offline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request results recorded by Metrics.
const (
	resultHit      = "hit"
	resultNetwork  = "network"
	resultFallback = "fallback"
	resultError    = "error"
	resultBypass   = "bypass"
)

// Metrics holds the offline cache collectors. A nil *Metrics records nothing.
type Metrics struct {
	requests    *prometheus.CounterVec
	refreshes   *prometheus.CounterVec
	precache    *prometheus.CounterVec
	activations prometheus.Counter
	evictions   *prometheus.CounterVec
	entries     *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "entregas_offline_requests_total",
			Help: "Requests handled by the offline cache, by strategy and result",
		}, []string{"strategy", "result"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "entregas_offline_background_refresh_total",
			Help: "Background refreshes of essential resources, by result",
		}, []string{"result"}),
		precache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "entregas_offline_precache_total",
			Help: "Cache version installs, by result",
		}, []string{"result"}),
		activations: f.NewCounter(prometheus.CounterOpts{
			Name: "entregas_offline_activations_total",
			Help: "Cache versions activated",
		}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "entregas_offline_evictions_total",
			Help: "Entries evicted for capacity, by cache",
		}, []string{"cache"}),
		entries: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "entregas_offline_cache_entries",
			Help: "Entries held per cache",
		}, []string{"cache"}),
	}
}

func (m *Metrics) request(strategy, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strategy, result).Inc()
}

func (m *Metrics) refresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) install(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = resultError
	}
	m.precache.WithLabelValues(result).Inc()
}

func (m *Metrics) activated() {
	if m == nil {
		return
	}
	m.activations.Inc()
}

func (m *Metrics) evicted(cacheName string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(cacheName).Inc()
}

func (m *Metrics) setEntries(cacheName string, n int) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(cacheName).Set(float64(n))
}

func (m *Metrics) dropCache(cacheName string) {
	if m == nil {
		return
	}
	m.entries.DeleteLabelValues(cacheName)
}
