package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/heavyd/internal/app"
	"github.com/ent0n29/heavyd/internal/config"
	"github.com/ent0n29/heavyd/internal/logx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logx.Configure("info")
		log := logx.Component("main")
		log.Fatal().Err(err).Msg("config error")
	}
	logx.Configure(cfg.LogLevel)
	log := logx.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("listen error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	if err := built.Cleanup(); err != nil {
		log.Warn().Err(err).Msg("cleanup failed")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}
