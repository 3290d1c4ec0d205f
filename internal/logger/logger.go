// Package logger configures structured logging for the orchestrator.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // console output for development
	Output     io.Writer
	WithCaller bool
}

// New builds the root logger and installs it as the zerolog global.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "callassist").
		Logger()
	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}
	log.Logger = zlog
	return zlog
}

// Component returns a child logger tagged with a component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// LogServerStart logs server startup.
func LogServerStart(l zerolog.Logger, addr, dataDir, reportsDir string) {
	l.Info().
		Str("event", "server_start").
		Str("addr", addr).
		Str("data_dir", dataDir).
		Str("reports_dir", reportsDir).
		Msg("orchestrator starting")
}

// LogServerShutdown logs server shutdown.
func LogServerShutdown(l zerolog.Logger) {
	l.Info().Str("event", "server_shutdown").Msg("orchestrator shutting down")
}
