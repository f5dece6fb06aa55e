package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsSet holds every Prometheus collector the orchestrator exposes at
// /metrics (§9 supplemented feature — metrics are ambient observability,
// not a named Non-goal). Grounded on the gauge/counter/histogram shapes
// used across the pack's federation and sentinel examples for peer-count
// and operation-duration instrumentation.
type metricsSet struct {
	connectedAgents   prometheus.Gauge
	authorizedSessions prometheus.Gauge
	dashboardClients  prometheus.Gauge
	commandsSigned    *prometheus.CounterVec
	deployPhase       *prometheus.HistogramVec
}

func newMetricsSet() *metricsSet {
	// Collectors are built unregistered, then registered on the default
	// registry in place of any earlier set's collectors of the same name.
	factory := promauto.With(nil)
	m := &metricsSet{
		connectedAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_connected_agents",
			Help: "Number of agent WebSocket connections currently open, any handshake phase.",
		}),
		authorizedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_authorized_sessions",
			Help: "Number of agent sessions that completed the handshake and are routable.",
		}),
		dashboardClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_dashboard_clients",
			Help: "Number of connected dashboard WebSocket clients.",
		}),
		commandsSigned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_commands_signed_total",
			Help: "Signed commands dispatched to agents, by command type.",
		}, []string{"type"}),
		deployPhase: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "controlplane_deploy_phase_seconds",
			Help:    "Time spent in each DeployRun phase, as reported by STATUS_UPDATE.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
	}
	for _, c := range []prometheus.Collector{m.connectedAgents, m.authorizedSessions, m.dashboardClients, m.commandsSigned, m.deployPhase} {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				prometheus.Unregister(are.ExistingCollector)
				prometheus.MustRegister(c)
			}
		}
	}
	return m
}

// sampleMetrics periodically refreshes the gauges that reflect current
// registry/hub state rather than being incremented event-by-event.
func (s *Server) sampleMetrics() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		s.metrics.authorizedSessions.Set(float64(len(s.registry.ConnectedNodeIDs())))
	}
}
