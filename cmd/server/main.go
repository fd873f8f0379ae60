package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/config"
	"github.com/Tyrowin/gochat/internal/files"
	"github.com/Tyrowin/gochat/internal/logger"
	"github.com/Tyrowin/gochat/internal/metrics"
	"github.com/Tyrowin/gochat/internal/notify"
	"github.com/Tyrowin/gochat/internal/ratelimit"
	"github.com/Tyrowin/gochat/internal/server"
	"github.com/Tyrowin/gochat/internal/store"
)

const (
	limiterPruneInterval = time.Minute
	mailQueueSize        = 256
)

func main() {
	cfg := config.Load()
	log := logger.SetupDefault(os.Stdout, cfg.LogLevel)
	log.Info("starting GoChat server", slog.String("addr", cfg.Addr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	limiter, closeLimiter := openLimiter(ctx, cfg, log)

	sessions, err := auth.NewSessions(cfg.Auth.JWTSecret)
	if err != nil {
		log.Error("failed to create session manager", slog.String("error", err.Error()))
		os.Exit(1)
	}
	guard := auth.NewGuard(cfg.Auth.MaxFailedAttempts, cfg.Auth.FailedWindow, cfg.Auth.BlockDuration)
	authService := auth.NewService(st, sessions, guard, cfg.Auth.SessionTTL)
	go authService.Run(ctx, cfg.Auth.SweepInterval, log)

	mail := notify.NewDispatcher(notify.New(cfg.SMTP), mailQueueSize, log)
	go mail.Run(ctx)

	blobs, closeBlobs, err := openBlobs(ctx, cfg)
	if err != nil {
		log.Error("failed to open blob store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	fileService, err := files.NewService(blobs, st, cfg.MaxUploadSize, log)
	if err != nil {
		log.Error("failed to create file service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := server.New(server.Deps{
		Config:   cfg,
		Auth:     authService,
		Store:    st,
		Limiter:  limiter,
		Files:    fileService,
		Mail:     mail,
		Metrics:  metrics.NewCollector(registry),
		Gatherer: registry,
		Logger:   log,
	})
	if err != nil {
		log.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	httpServer := server.CreateServer(cfg.Addr, srv.Routes())
	go func() {
		if err := server.StartServer(httpServer, log); err != nil {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"http": func(context.Context) error {
			return server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log)
		},
		"websocket": func(context.Context) error {
			return srv.Shutdown(cfg.ShutdownTimeout)
		},
		"background": func(context.Context) error {
			cancel()
			return nil
		},
		"storage": func(context.Context) error {
			closeLimiter()
			closeBlobs()
			return st.Close()
		},
	})

	exitCode := <-wait
	log.Info("server exited", slog.Int("code", exitCode))
	os.Exit(exitCode)
}

// openStore uses PostgreSQL when DATABASE_URL is set and an in-memory store
// otherwise.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	hasher := store.NewPasswordHasher(store.DefaultBcryptCost)
	sealer, err := store.NewSealer(cfg.ContentKey)
	if err != nil {
		return nil, err
	}
	if cfg.ContentKey == "" {
		log.Warn("CONTENT_KEY not set; encrypted messages will not survive a restart")
	}

	if cfg.DatabaseURL == "" {
		log.Info("using in-memory store")
		return store.NewMemory(hasher, sealer), nil
	}

	if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	pg := store.NewPostgres(db, hasher, sealer)
	if err := pg.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("using PostgreSQL store")
	return pg, nil
}

// openLimiter uses Redis when REDIS_URL is set and reachable, and falls back
// to the in-process limiter.
func openLimiter(ctx context.Context, cfg *config.Config, log *slog.Logger) (ratelimit.Limiter, func()) {
	rules := ratelimit.DefaultRules()

	if cfg.RedisURL != "" {
		rl, err := ratelimit.NewRedisFromURL(cfg.RedisURL, rules)
		if err == nil {
			err = rl.Ping(ctx)
		}
		if err == nil {
			log.Info("using Redis rate limiter")
			return rl, func() { _ = rl.Close() }
		}
		log.Warn("Redis unavailable, using in-memory rate limiter", slog.String("error", err.Error()))
	}

	mem := ratelimit.NewMemory(rules)
	go mem.Run(ctx, limiterPruneInterval, log)
	return mem, func() {}
}

func openBlobs(ctx context.Context, cfg *config.Config) (files.Blobs, func(), error) {
	if cfg.BlobStore == config.BlobStoreJetStream {
		js, err := files.NewJetStream(cfg.NATSURL, cfg.NATSBucket)
		if err != nil {
			return nil, nil, err
		}
		if err := js.Init(ctx); err != nil {
			_ = js.Close()
			return nil, nil, err
		}
		return js, func() { _ = js.Close() }, nil
	}

	disk, err := files.NewDisk(cfg.UploadDir)
	if err != nil {
		return nil, nil, err
	}
	return disk, func() {}, nil
}
