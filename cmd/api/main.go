package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lexreport/api/internal/app"
	"lexreport/api/internal/config"
	"lexreport/api/internal/logging"
	"lexreport/api/internal/realtime"
	"lexreport/api/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	if len(applied) > 0 {
		log.Info().Strs("versions", applied).Msg("migrations applied")
	}

	dataStore := store.NewPostgresStore(db)
	service := app.New(cfg, dataStore, log)

	var backend app.LiveBackend
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisTransport, err := realtime.NewRedis(cfg.RedisURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisTransport.Close()
		log.Info().Msg("live topics replicated through redis")
		backend = redisTransport
	} else {
		hub := realtime.NewHub(log)
		defer hub.Close()
		log.Info().Msg("live topics kept in process")
		backend = hub
	}

	live := app.NewLiveServer(service, backend, log)
	relay := app.NewRelay(store.NewChangeFeed(cfg.DatabaseURL, log), dataStore, backend, log)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := relay.Run(ctx); err != nil {
			log.Error().Err(err).Msg("relay stopped")
		}
	}()

	httpServer := app.NewHTTPServer(service, live, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("LexReport API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	live.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	<-relayDone
}
