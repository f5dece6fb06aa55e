// Package server wires every orchestrator-side package into one gin HTTP
// server: the two WebSocket endpoints from spec §6 (agent handshake and
// dashboard), the webhook ingestion endpoint, /metrics, and the periodic
// cron sweeps. Grounded on the teacher's api/cmd/main.go for the overall
// wiring/shutdown shape and api/internal/websocket for the connection
// handling this package adapts to the Ed25519 handshake.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/nodefleet/controlplane/internal/orchestrator/activity"
	"github.com/nodefleet/controlplane/internal/orchestrator/config"
	"github.com/nodefleet/controlplane/internal/orchestrator/dashboard"
	"github.com/nodefleet/controlplane/internal/orchestrator/identity"
	orchlogger "github.com/nodefleet/controlplane/internal/orchestrator/logger"
	"github.com/nodefleet/controlplane/internal/orchestrator/middleware"
	"github.com/nodefleet/controlplane/internal/orchestrator/quota"
	"github.com/nodefleet/controlplane/internal/orchestrator/repository"
	"github.com/nodefleet/controlplane/internal/orchestrator/router"
	"github.com/nodefleet/controlplane/internal/orchestrator/sessionregistry"
	"github.com/nodefleet/controlplane/internal/orchestrator/signer"
	"github.com/nodefleet/controlplane/internal/orchestrator/webhook"
)

// Server owns every long-lived orchestrator component and the HTTP server
// that fronts them.
type Server struct {
	cfg  config.Config
	repo repository.Repository

	identity *identity.Identity
	signer   *signer.Signer
	registry *sessionregistry.Registry
	router   *router.Router
	hub      *dashboard.Hub
	activity *activity.Log
	quota    *quota.Gate
	webhook  *webhook.Ingestor

	dashboardSessions *middleware.DashboardSessionManager
	webhookAuth       *middleware.WebhookAuth
	rateLimiter       *middleware.RateLimiter
	metrics           *metricsSet
	phases            *phaseClock

	cron    *cron.Cron
	httpSrv *http.Server
	log     zerolog.Logger
}

// New wires every component together. The caller is responsible for
// starting orchlogger.Initialize before calling New (matching the
// teacher's main() ordering: logger first, everything else after).
func New(cfg config.Config, repo repository.Repository) (*Server, error) {
	id, err := identity.LoadOrGenerate(cfg.OrchestratorIdentityDir)
	if err != nil {
		return nil, fmt.Errorf("load orchestrator identity: %w", err)
	}

	log := orchlogger.GetLogger().With().Str("component", "server").Logger()

	reg := sessionregistry.New(*orchlogger.GetLogger())
	sgn := signer.New(id)
	rtr := router.New(reg, sgn, *orchlogger.GetLogger())
	hub := dashboard.New(*orchlogger.GetLogger())
	actLog := activity.New(repo, hub, *orchlogger.GetLogger())
	q := quota.New(repo, quota.StaticLimits{Limits: quota.Limits{
		MaxNodes: cfg.MaxNodesPerOwner,
		MaxApps:  cfg.MaxAppsPerOwner,
	}})

	s := &Server{
		cfg:               cfg,
		repo:              repo,
		identity:          id,
		signer:            sgn,
		registry:          reg,
		router:            rtr,
		hub:               hub,
		activity:          actLog,
		quota:             q,
		dashboardSessions: middleware.NewDashboardSessionManager(cfg.DashboardSessionSecret),
		webhookAuth:       middleware.NewWebhookAuth(cfg.WebhookSecret),
		rateLimiter:       middleware.NewRateLimiter(cfg.RateLimitRequestsPerMinute, 20),
		metrics:           newMetricsSet(),
		phases:            newPhaseClock(),
		cron:              cron.New(),
		log:               log,
	}
	s.webhook = webhook.New(repo, s.meteredRouter(), actLog, *orchlogger.GetLogger())

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestID(), middleware.SecurityHeaders())
	s.registerRoutes(engine)

	s.httpSrv = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	return s, nil
}

// Run starts the session registry actor loop, the periodic sweeps, the
// metrics sampler, and blocks serving HTTP until the process is asked to
// stop (matching the teacher's main() goroutine layout: background loops
// started before http.ListenAndServe blocks the main goroutine).
func (s *Server) Run() error {
	go s.registry.Run()
	s.startCron()
	go s.sampleMetrics()

	s.log.Info().Str("addr", s.httpSrv.Addr).Msg("orchestrator listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout, stops
// the cron scheduler, and tears down the session registry actor.
func (s *Server) Shutdown(ctx context.Context) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.cron.Stop()
	s.registry.Stop()

	if err := s.httpSrv.Shutdown(timeoutCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) startCron() {
	if _, err := s.cron.AddFunc(s.cfg.TokenSweepPeriod, s.sweepExpiredTokens); err != nil {
		s.log.Error().Err(err).Msg("failed to schedule registration token sweep")
	}
	if _, err := s.cron.AddFunc(s.cfg.ActivitySweepPeriod, s.sweepActivityRetention); err != nil {
		s.log.Error().Err(err).Msg("failed to schedule activity retention sweep")
	}
	s.cron.Start()
}

func (s *Server) sweepExpiredTokens() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := s.repo.PruneExpiredTokens(ctx, time.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("registration token sweep failed")
		return
	}
	if n > 0 {
		s.log.Info().Int64("pruned", n).Msg("pruned expired registration tokens")
	}
}

// sweepActivityRetention re-trims every owner with a live dashboard
// connection; owners with no connected dashboard are trimmed lazily the
// next time activity.Log.Record runs for them, so this sweep only needs
// to catch owners who stopped generating activity mid-retention-window.
func (s *Server) sweepActivityRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, nodeID := range s.registry.ConnectedNodeIDs() {
		node, err := s.repo.GetNode(ctx, nodeID)
		if err != nil {
			continue
		}
		if err := s.repo.TrimActivity(ctx, node.OwnerID, 500); err != nil {
			s.log.Warn().Err(err).Str("ownerId", node.OwnerID).Msg("activity retention sweep failed")
		}
	}
}
