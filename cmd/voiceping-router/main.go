package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/voiceping/router/config"
	"github.com/voiceping/router/src/app"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(bootLog, "router")
	if err != nil {
		bootLog.Error().Err(err).Msg("configuration invalid")
		os.Exit(1)
	}

	logger := newLogger(cfg)
	logger.Info().Str("version", version).Int("port", cfg.Port).Msg("voiceping router starting")

	a, err := app.New(cfg, version, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("router failed")
		a.Shutdown()
		os.Exit(1)
	}

	// Run returned because a signal arrived.
	a.Shutdown()
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if cfg.LogPretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
