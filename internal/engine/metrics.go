package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"quietfind/go-engine/pkg/models"
)

type metricsSet struct {
	batches        prometheus.Counter
	decisions      *prometheus.CounterVec
	trackedDevices prometheus.Gauge
	droppedReports prometheus.Counter
}

func newMetricsSet(reg prometheus.Registerer) *metricsSet {
	m := &metricsSet{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quietfind_engine_batches_total",
			Help: "Evaluation batches processed.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quietfind_engine_decisions_total",
			Help: "Per-report decisions by outcome.",
		}, []string{"outcome"}),
		trackedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quietfind_engine_tracked_devices",
			Help: "Devices with live track state.",
		}),
		droppedReports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quietfind_engine_rate_limited_total",
			Help: "Reports dropped by the per-device rate limiter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.batches, m.decisions, m.trackedDevices, m.droppedReports)
	}
	return m
}

func (m *metricsSet) observe(decision models.Decision) {
	if decision.Accepted {
		m.decisions.WithLabelValues("accepted").Inc()
		return
	}
	m.decisions.WithLabelValues(string(decision.Reason)).Inc()
}
