package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires the two spec-§6 WebSocket endpoints plus the
// supplemented ambient surface (§9): webhook ingestion, /metrics,
// /healthz. Grounded on the teacher's api/cmd/main.go route table shape
// (middleware chain per group, handlers kept thin).
func (s *Server) registerRoutes(engine *gin.Engine) {
	engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	connectHandlers := s.withRateLimit(s.handleAgentConnect)
	engine.GET("/api/connect", connectHandlers...)

	dashboardGroup := engine.Group("/api/dashboard")
	dashboardGroup.Use(s.rateLimitIfEnabled()...)
	dashboardGroup.Use(s.dashboardSessions.DashboardSession())
	dashboardGroup.GET("/ws", s.handleDashboardConnect)

	webhookGroup := engine.Group("/webhooks")
	webhookGroup.Use(s.rateLimitIfEnabled()...)
	webhookGroup.Use(s.webhookAuth.Middleware())
	webhookGroup.POST("/deploy", s.handleWebhookDeploy)
}

// rateLimitIfEnabled returns the rate-limit middleware as a one-element
// slice, or none, per cfg.RateLimitEnabled — a deployment behind its own
// edge proxy may already rate-limit and not want this layer duplicated.
func (s *Server) rateLimitIfEnabled() []gin.HandlerFunc {
	if !s.cfg.RateLimitEnabled {
		return nil
	}
	return []gin.HandlerFunc{s.rateLimiter.Middleware()}
}

func (s *Server) withRateLimit(handler gin.HandlerFunc) []gin.HandlerFunc {
	return append(s.rateLimitIfEnabled(), handler)
}
