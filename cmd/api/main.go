package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"offmarket/auth"
	"offmarket/config"
	"offmarket/contract"
	"offmarket/credential"
	"offmarket/db"
	"offmarket/disclosure"
	"offmarket/importer"
	"offmarket/listing"
	"offmarket/logging"
	"offmarket/match"
	"offmarket/notify"
	"offmarket/obs"
	"offmarket/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		QueryTimeout:    cfg.Database.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}
	if cfg.Core.RateLimitBackend == "redis" && rdb == nil {
		return errors.New("RATE_LIMIT_BACKEND=redis needs REDIS_ADDR")
	}

	var dispatcher notify.Dispatcher = notify.NewOutboxDispatcher(pool)
	if rdb != nil && cfg.Redis.NotificationStream != "" {
		dispatcher = notify.NewStreamDispatcher(rdb, cfg.Redis.NotificationStream)
	}
	notifier := notify.NewNotifier(dispatcher, logger.Named("notify"))

	credentials := credential.NewService(pool, credential.NewRepository(), cfg.Core, logger.Named("credential"))
	flow := contract.NewFlow(pool, contract.NewRepository(), logger.Named("contract"))

	listingRepo := listing.NewRepository(pool)
	engine := match.NewEngine(listingRepo, match.NewRepository(pool), notifier, cfg.Core.MatchThreshold, logger.Named("match"))
	listings := listing.NewService(listingRepo, logger.Named("listing")).
		WithHook(engine).
		WithRevoker(credentials)

	gate := disclosure.NewGate(pool, listings, credentials, flow, notifier, cfg.Core, logger.Named("disclosure"))
	authService := auth.NewService(pool, auth.NewRepository(), credentials, notifier, cfg.Auth, logger.Named("auth"))

	var windows ratelimit.WindowStore = ratelimit.NewPGWindowStore(pool)
	if cfg.Core.RateLimitBackend == "redis" {
		windows = ratelimit.NewRedisWindowStore(rdb)
	}
	limiter := ratelimit.NewLimiter(credentials, windows, cfg.Core, logger.Named("ratelimit"))
	imports := importer.New(credentials, limiter, listings, logger.Named("importer"))

	obs.Register()
	server := &Server{
		authService:       authService,
		listingService:    listings,
		gate:              gate,
		matchService:      engine,
		contractService:   flow,
		credentialService: credentials,
		importService:     imports,
		logger:            logger.Named("http"),
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.routes(cfg.HTTP),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
