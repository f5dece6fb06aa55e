package server

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsSetStartsAtZero(t *testing.T) {
	m := newMetricsSet()

	require.Equal(t, float64(0), testutil.ToFloat64(m.connectedAgents))
	require.Equal(t, float64(0), testutil.ToFloat64(m.authorizedSessions))
	require.Equal(t, float64(0), testutil.ToFloat64(m.dashboardClients))
}

func TestConnectedAgentsGaugeTracksIncDec(t *testing.T) {
	m := newMetricsSet()

	m.connectedAgents.Inc()
	require.Equal(t, float64(1), testutil.ToFloat64(m.connectedAgents))

	m.connectedAgents.Dec()
	require.Equal(t, float64(0), testutil.ToFloat64(m.connectedAgents))
}

func TestDeployPhaseHistogramObservesSamples(t *testing.T) {
	m := newMetricsSet()
	require.NotPanics(t, func() {
		m.deployPhase.WithLabelValues("success").Observe(1.5)
	})
	require.Equal(t, 1, testutil.CollectAndCount(m.deployPhase))
}
