// Package leaderelection lets multiple agent processes watch the same set
// of supervised apps with only one active at a time, so an operator can run
// a standby agent instance on the same host (or against the same Redis)
// without both instances racing to deploy.
//
// Directly grounded on
// streamspace-dev-streamspace/agents/docker-agent/internal/leaderelection's
// package: the file/redis backend split, LeaderElectorConfig shape,
// LeaderElector.Run's ticker-driven acquire/renew loop, and the
// onBecomeLeader/onLoseLeadership callback contract, carried over near
// verbatim since the election mechanism itself has nothing
// Docker-specific about it. The Swarm backend is not carried over (see
// DESIGN.md): this spec's agent runs on plain servers, with no Swarm
// service-label mechanism to ground it on. Logging moved from the
// teacher's log.Printf calls to rs/zerolog to match this module's ambient
// logging convention.
package leaderelection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Backend selects the leader-election mechanism.
type Backend string

const (
	BackendFile  Backend = "file"
	BackendRedis Backend = "redis"
)

// Config configures leader election behavior.
type Config struct {
	NodeID         string
	Backend        Backend
	InstanceID     string
	LockFilePath   string
	RedisClient    *redis.Client
	RedisKeyPrefix string
	LeaseDuration  time.Duration
	RenewDeadline  time.Duration
	RetryPeriod    time.Duration
}

// DefaultConfig fills in the teacher's defaults (15s lease / 10s renew / 2s
// retry), scoped to nodeID.
func DefaultConfig(nodeID string, backend Backend) *Config {
	instanceID, err := os.Hostname()
	if err != nil {
		instanceID = fmt.Sprintf("instance-%d", time.Now().Unix())
	}

	cfg := &Config{
		NodeID:         nodeID,
		Backend:        backend,
		InstanceID:     instanceID,
		LeaseDuration:  15 * time.Second,
		RenewDeadline:  10 * time.Second,
		RetryPeriod:    2 * time.Second,
		RedisKeyPrefix: "controlplane:agent:leader:",
	}
	if backend == BackendFile {
		cfg.LockFilePath = filepath.Join("/var/run/controlplane", fmt.Sprintf("agent-%s.lock", nodeID))
	}
	return cfg
}

type leaderBackend interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
	GetLeader(ctx context.Context) (string, error)
	Close() error
}

// Elector manages leader election for one agent's HA replicas.
type Elector struct {
	cfg        *Config
	backend    leaderBackend
	log        zerolog.Logger
	stopChan   chan struct{}
	stopOnce   sync.Once
	leaderMu   sync.RWMutex
	isLeader   bool
	leaderChan chan bool
}

// New constructs an Elector from cfg.
func New(cfg *Config, log zerolog.Logger) (*Elector, error) {
	var backend leaderBackend
	var err error

	switch cfg.Backend {
	case BackendFile:
		backend, err = newFileBackend(cfg)
	case BackendRedis:
		if cfg.RedisClient == nil {
			return nil, fmt.Errorf("redis client is required for redis backend")
		}
		backend = newRedisBackend(cfg)
	default:
		return nil, fmt.Errorf("unsupported leader election backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", cfg.Backend, err)
	}

	return &Elector{
		cfg:        cfg,
		backend:    backend,
		log:        log.With().Str("component", "leaderelection").Str("nodeId", cfg.NodeID).Logger(),
		stopChan:   make(chan struct{}),
		leaderChan: make(chan bool, 1),
	}, nil
}

// Run drives acquire/renew until ctx is cancelled or Stop is called.
func (e *Elector) Run(ctx context.Context, onBecomeLeader, onLoseLeadership func()) error {
	e.log.Info().Str("instanceId", e.cfg.InstanceID).Str("backend", string(e.cfg.Backend)).
		Msg("starting leader election")

	ticker := time.NewTicker(e.cfg.RetryPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.releaseIfLeader(context.Background())
			return nil
		case <-e.stopChan:
			e.releaseIfLeader(context.Background())
			return nil
		case <-ticker.C:
			e.tick(ctx, ticker, onBecomeLeader, onLoseLeadership)
		}
	}
}

func (e *Elector) tick(ctx context.Context, ticker *time.Ticker, onBecomeLeader, onLoseLeadership func()) {
	e.leaderMu.RLock()
	wasLeader := e.isLeader
	e.leaderMu.RUnlock()

	if wasLeader {
		if err := e.backend.Renew(ctx); err != nil {
			e.leaderMu.Lock()
			e.isLeader = false
			e.leaderMu.Unlock()
			e.log.Warn().Err(err).Msg("lost leadership: renew failed")
			e.notify(false)
			if onLoseLeadership != nil {
				onLoseLeadership()
			}
		}
		return
	}

	acquired, err := e.backend.TryAcquire(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to attempt leadership acquisition")
		return
	}
	if acquired {
		e.leaderMu.Lock()
		e.isLeader = true
		e.leaderMu.Unlock()
		e.log.Info().Msg("became leader")
		e.notify(true)
		if onBecomeLeader != nil {
			onBecomeLeader()
		}
		ticker.Reset(e.cfg.RenewDeadline)
	}
}

func (e *Elector) notify(isLeader bool) {
	select {
	case e.leaderChan <- isLeader:
	default:
	}
}

// Stop ends the election loop.
func (e *Elector) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
}

// IsLeader reports current leadership status.
func (e *Elector) IsLeader() bool {
	e.leaderMu.RLock()
	defer e.leaderMu.RUnlock()
	return e.isLeader
}

func (e *Elector) releaseIfLeader(ctx context.Context) {
	e.leaderMu.RLock()
	isLeader := e.isLeader
	e.leaderMu.RUnlock()

	if isLeader {
		if err := e.backend.Release(ctx); err != nil {
			e.log.Warn().Err(err).Msg("error releasing leadership")
		}
		e.leaderMu.Lock()
		e.isLeader = false
		e.leaderMu.Unlock()
	}
	if err := e.backend.Close(); err != nil {
		e.log.Warn().Err(err).Msg("error closing leader election backend")
	}
}
