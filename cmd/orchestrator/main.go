// Command orchestrator runs the control plane's central process: the
// Ed25519 mutual-auth handshake endpoint, the signed-command router, the
// dashboard fan-out hub, and the webhook deploy trigger — all coordinated
// by internal/orchestrator/server.Server. Grounded on the teacher's
// api/cmd/main.go startup/shutdown sequence: load config, connect and
// migrate the database, wire every component, serve until a signal, drain
// within a bounded timeout.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nodefleet/controlplane/internal/orchestrator/config"
	"github.com/nodefleet/controlplane/internal/orchestrator/db"
	orchlogger "github.com/nodefleet/controlplane/internal/orchestrator/logger"
	"github.com/nodefleet/controlplane/internal/orchestrator/repository"
	"github.com/nodefleet/controlplane/internal/orchestrator/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	orchlogger.Initialize(cfg.LogLevel, cfg.LogPretty)
	orchlogger.Log.Info().Msg("starting control plane orchestrator")

	conn, err := db.Open(db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		orchlogger.Log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer conn.Close()

	if err := conn.Migrate(); err != nil {
		orchlogger.Log.Fatal().Err(err).Msg("failed to run database migrations")
	}

	repo := repository.NewPostgres(conn.Conn())

	srv, err := server.New(cfg, repo)
	if err != nil {
		orchlogger.Log.Fatal().Err(err).Msg("failed to construct orchestrator server")
	}

	go func() {
		if err := srv.Run(); err != nil {
			orchlogger.Log.Fatal().Err(err).Msg("orchestrator server exited")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	orchlogger.Log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	if err := srv.Shutdown(context.Background()); err != nil {
		orchlogger.Log.Error().Err(err).Msg("error during graceful shutdown")
	} else {
		orchlogger.Log.Info().Msg("orchestrator stopped gracefully")
	}
}
