// Package logger sets up the orchestrator's global zerolog logger and
// hands out named component sub-loggers, directly grounded on the
// teacher's api/internal/logger/logger.go.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide logger, configured by Initialize.
var Log zerolog.Logger

// Initialize configures the global logger: level, and pretty console
// output for local development vs. JSON for production.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", "controlplane-orchestrator").
		Logger().
		Level(logLevel)

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

// Handshake creates a logger for the Ed25519 mutual-auth handshake.
func Handshake() *zerolog.Logger {
	l := Log.With().Str("component", "handshake").Logger()
	return &l
}

// Router creates a logger for message routing between sessions.
func Router() *zerolog.Logger {
	l := Log.With().Str("component", "router").Logger()
	return &l
}

// Deploy creates a logger for deployment pipeline events.
func Deploy() *zerolog.Logger {
	l := Log.With().Str("component", "deploy").Logger()
	return &l
}

// Webhook creates a logger for webhook-triggered deploy events.
func Webhook() *zerolog.Logger {
	l := Log.With().Str("component", "webhook").Logger()
	return &l
}

// Database creates a logger for database events.
func Database() *zerolog.Logger {
	l := Log.With().Str("component", "database").Logger()
	return &l
}

// HTTP creates a logger for HTTP request events.
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}
