package sensor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the sensor's observable state. Each sensor owns its
// registry so multiple instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	threatLevel     prometheus.Gauge
	protectionLevel prometheus.Gauge
	findingsTotal   *prometheus.CounterVec
	sweepsTotal     prometheus.Counter
}

func newMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.threatLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rts_threat_level",
		Help: "Current fused threat level (0..max).",
	})
	m.protectionLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rts_protection_level",
		Help: "Current protection level (1..5).",
	})
	m.findingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rts_findings_total",
		Help: "Probe findings by probe id.",
	}, []string{"probe"})
	m.sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rts_sweeps_total",
		Help: "Completed evaluation cycles.",
	})

	m.registry.MustRegister(m.threatLevel, m.protectionLevel, m.findingsTotal, m.sweepsTotal)
	return m
}

// Registry returns the sensor's metrics registry for serving.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
