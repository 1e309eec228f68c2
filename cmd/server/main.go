package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/airlift/spaces/internal/adapters/http"
	"github.com/airlift/spaces/internal/adapters/signal"
	"github.com/airlift/spaces/internal/config"
	"github.com/airlift/spaces/internal/registry"
	"github.com/airlift/spaces/internal/rtc"
	"github.com/airlift/spaces/internal/space"
	"github.com/airlift/spaces/internal/store"
	"github.com/airlift/spaces/internal/tracker"
)

func main() {
	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	var rooms store.RoomStore
	if client, err := store.Connect(ctx, cfg.MongoURI); err != nil {
		log.Warn().Err(err).Msg("mongo unavailable, falling back to in-memory store")
		rooms = store.NewMemoryRoomStore()
	} else {
		defer func() {
			_ = client.Disconnect(context.Background())
		}()
		ms, err := store.NewMongoRoomStore(ctx, client.Database(cfg.MongoDB))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init room store")
		}
		rooms = ms
	}

	reg := registry.New(rooms)
	issuer := rtc.NewIssuer(cfg.RTCAppID, cfg.RTCAppSecret, cfg.TokenTTL)
	tr := tracker.New()
	svc := space.New(reg, issuer, tr, cfg.SpeakerLimit, cfg.HeartbeatTimeout)
	tr.OnEvict(svc.HandleDisconnect)

	sweeper := tracker.NewSweeper(tr, tracker.Hooks{
		StopAbandoned: svc.StopAbandoned,
		DedupeAll:     svc.DedupeAll,
	}, cfg.SweepInterval, cfg.DedupeInterval, cfg.HeartbeatTimeout)
	go sweeper.Run(ctx)

	sig := signal.NewController(svc, tr)
	r := router.SetupRouter(ctx, cfg, svc, sig)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("spaces server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}
