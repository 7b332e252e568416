package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/sqlstore"
	"github.com/Wyydra/yacall/internal/adapter/driven/presence/redis"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/auth"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogger(cfg.App.Env, cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	calls, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("Failed to open call store")
	}
	defer closeStore()

	var observers []port.PresenceObserver
	var mirror *redis.Mirror
	if cfg.Redis.Addr != "" {
		rdb, err := redis.Open(ctx, cfg.Redis.Addr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer rdb.Close()
		mirror = redis.NewMirror(rdb)
		observers = append(observers, mirror)
		go mirror.Run(ctx)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Mirroring presence to redis")
	}

	var authManager *auth.Manager
	var verifier port.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		authManager, err = auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid auth configuration")
		}
		verifier = authManager
	} else {
		log.Warn().Msg("JWT_SECRET not set, registrations are not authenticated")
	}

	hub := ws.NewHub(observers...)
	go hub.Run()

	relay := service.NewSignalingRelay(hub, verifier)
	h := handler.NewHandler(hub, relay, calls, authManager)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           h.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.App.Env).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	hub.Stop()
	if mirror != nil {
		mirror.Wait()
	}
	log.Info().Msg("Server exited")
}

func setupLogger(env, level string) {
	zerolog.SetGlobalLevel(config.LogLevel(env, level))
	if config.IsDevEnv(env) {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Caller().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openStore(ctx context.Context, cfg config.Server) (port.CallStore, func(), error) {
	switch cfg.Store.Driver {
	case config.StoreSQLite:
		s, err := sqlstore.Open(ctx, sqlstore.SQLite, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, closer(s), nil
	case config.StorePostgres:
		s, err := sqlstore.Open(ctx, sqlstore.Postgres, cfg.PostgresDSN())
		if err != nil {
			return nil, nil, err
		}
		return s, closer(s), nil
	default:
		log.Warn().Msg("Using in-memory call store, history is lost on restart")
		return memory.NewCallRepository(), func() {}, nil
	}
}

func closer(s *sqlstore.Store) func() {
	return func() {
		if err := s.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing call store")
		}
	}
}
