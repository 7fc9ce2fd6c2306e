package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/mediacore/internal/app"
	"github.com/ent0n29/mediacore/internal/config"
	"github.com/ent0n29/mediacore/internal/logging"
	"github.com/ent0n29/mediacore/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	if err := logging.Setup(nil, cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("logging setup failed")
	}

	ctx := context.Background()
	built, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("build failed")
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	built.Sessions.StopAll(shutdownCtx, session.Reason("shutdown", "server shutting down"))
	if err := built.Cleanup(); err != nil {
		log.Warn().Err(err).Msg("cleanup failed")
	}

	log.Info().Int("active_sessions", built.Sessions.ActiveCount()).Msg("shutdown complete")
}
