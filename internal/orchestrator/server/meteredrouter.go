package server

// meteredRouter wraps router.Router's SendCommand with the
// commands_signed_total counter, so every signed-command dispatch path
// (webhook-triggered deploys and dashboard commands) is reflected in /metrics without the
// router package itself depending on Prometheus.
type meteredRouter struct {
	inner  interface {
		SendCommand(nodeID, commandType string, payload any) error
	}
	metrics *metricsSet
}

func (s *Server) meteredRouter() *meteredRouter {
	return &meteredRouter{inner: s.router, metrics: s.metrics}
}

func (m *meteredRouter) SendCommand(nodeID, commandType string, payload any) error {
	err := m.inner.SendCommand(nodeID, commandType, payload)
	if err == nil {
		m.metrics.commandsSigned.WithLabelValues(commandType).Inc()
	}
	return err
}
