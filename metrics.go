package linkmap

import "github.com/prometheus/client_golang/prometheus"

// Metrics of a Runtime. Register them with Collectors.
type Metrics struct {
	loaded      *prometheus.GaugeVec
	opens       prometheus.Counter
	closes      *prometheus.CounterVec
	unloaded    prometheus.Counter
	passes      prometheus.Counter
	barriers    prometheus.Counter
	scopeArrays *prometheus.CounterVec
	lookups     *prometheus.CounterVec
	tlsGen      prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		loaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "linkmap",
			Name:      "modules_loaded",
			Help:      "Modules currently linked into a namespace.",
		}, []string{"namespace"}),
		opens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linkmap",
			Name:      "opens_total",
			Help:      "Successful Open calls.",
		}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkmap",
			Name:      "closes_total",
			Help:      "Close calls by outcome.",
		}, []string{"outcome"}),
		unloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linkmap",
			Name:      "modules_unloaded_total",
			Help:      "Modules destroyed by Close.",
		}),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linkmap",
			Name:      "close_passes_total",
			Help:      "Unload passes, reruns included.",
		}),
		barriers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linkmap",
			Name:      "barrier_waits_total",
			Help:      "Waits for concurrent readers.",
		}),
		scopeArrays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkmap",
			Name:      "scope_arrays_total",
			Help:      "Scope array replacements by event.",
		}, []string{"event"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linkmap",
			Name:      "symbol_lookups_total",
			Help:      "Symbol resolutions by result.",
		}, []string{"result"}),
		tlsGen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "linkmap",
			Name:      "tls_generation",
			Help:      "Current TLS generation.",
		}),
	}
}

// Collectors returns every metric for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.loaded, m.opens, m.closes, m.unloaded, m.passes,
		m.barriers, m.scopeArrays, m.lookups, m.tlsGen,
	}
}

// Register the metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
