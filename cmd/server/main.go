package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store unavailable", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	dir, closeDir, err := openDirectory(ctx, cfg, logger)
	if err != nil {
		logger.Error("presence directory unavailable", "err", err)
		os.Exit(1)
	}
	defer closeDir()

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
		logger.Info("publishing ride events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	registry := presence.NewRegistry(store, dir, logger)
	engine := dispatch.NewEngine(store, registry, publisher, dispatch.Options{
		FanOutLimit: cfg.FanOutLimit,
		Logger:      logger,
	})
	machine := lifecycle.NewMachine(store, registry, publisher, lifecycle.Options{
		SettleAttempts:  cfg.SettleAttempts,
		SettleBaseDelay: cfg.SettleBaseDelay,
		Logger:          logger,
	})
	codes := otp.NewService(store, machine, registry, otp.Options{
		TTL:         cfg.OTPTTL,
		MaxAttempts: cfg.OTPMaxAttempts,
		Logger:      logger,
	})
	ws := realtime.NewHandler(registry, engine, machine, relay.New(store, registry, logger), realtime.Options{
		Production: cfg.Production(),
		Logger:     logger,
	})

	api := httpapi.NewServer(httpapi.Deps{
		OTP:      codes,
		Dispatch: engine,
		Rides:    store,
		Presence: registry,
		WS:       ws,
		Ready:    store.Ping,
	}, cfg.Production(), logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "instance", cfg.InstanceID, "env", cfg.Environment)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", "err", err)
	}
	engine.Wait()
	logger.Info("ride-dispatch stopped")
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		mem := storage.NewMemoryStore()
		if cfg.SeedFile == "" {
			logger.Warn("SEED_FILE not set, memory store has no parties to register")
			return mem, nil
		}
		f, err := os.Open(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		n, err := mem.LoadSeed(f)
		if err != nil {
			return nil, err
		}
		logger.Info("memory store seeded", "file", cfg.SeedFile, "parties", n)
		return mem, nil
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		script, err := os.ReadFile(filepath.Join("migrations", "001_create_schema.sql"))
		if err != nil {
			_ = pg.Close()
			return nil, err
		}
		if err := pg.Migrate(ctx, string(script)); err != nil {
			_ = pg.Close()
			return nil, err
		}
		logger.Info("migration applied", "file", "001_create_schema.sql")
	}
	return pg, nil
}

func openDirectory(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (presence.Directory, func(), error) {
	if cfg.RedisAddr == "" {
		return presence.NewMemoryDirectory(cfg.InstanceID), func() {}, nil
	}
	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, nil, err
	}
	logger.Info("presence directory on redis", "addr", cfg.RedisAddr, "ttl", cfg.PresenceTTL)
	return presence.NewRedisDirectory(rc, cfg.InstanceID, cfg.PresenceTTL), func() { _ = rc.Close() }, nil
}
