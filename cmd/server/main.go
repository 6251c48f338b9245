package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/anchorgate/anchorgate/internal/anchor"
	"github.com/anchorgate/anchorgate/internal/batcher"
	"github.com/anchorgate/anchorgate/internal/budget"
	"github.com/anchorgate/anchorgate/internal/config"
	"github.com/anchorgate/anchorgate/internal/database"
	"github.com/anchorgate/anchorgate/internal/gateway"
	"github.com/anchorgate/anchorgate/internal/handlers"
	"github.com/anchorgate/anchorgate/internal/logger"
	"github.com/anchorgate/anchorgate/internal/pricing"
	"github.com/anchorgate/anchorgate/internal/quota"
	"github.com/anchorgate/anchorgate/internal/router"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	db, err := database.Connect(&database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close(db)

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Warn("redis unreachable, budget counters fall back to database", zap.Error(err))
			rdb = nil
		}
	}

	engine := pricing.NewEngine(db, log)
	if err := engine.Load(context.Background()); err != nil {
		return fmt.Errorf("pricing: %w", err)
	}

	defaultQuota, err := cfg.Gateway.DefaultQuotaDecimal()
	if err != nil {
		return err
	}
	store := quota.NewStore(db, log, defaultQuota)
	tracker := budget.NewTracker(db, rdb, log)

	var chain anchor.Chain
	if cfg.Anchor.Endpoint != "" {
		chain = anchor.NewClient(anchor.ClientConfig{
			Endpoint:        cfg.Anchor.Endpoint,
			ContractAddress: cfg.Anchor.ContractAddress,
			SigningKey:      cfg.Anchor.SigningKey,
			RequestTimeout:  cfg.Anchor.RequestTimeout,
			Logger:          log,
		})
	} else {
		log.Warn("no anchor endpoint configured, using in-process chain")
		chain = anchor.NewMemoryChain()
	}

	b := batcher.New(cfg.Batch, chain, store, tracker, db, log)
	b.CheckResume(context.Background())
	b.Start()

	upstreams := gateway.NewUpstreams(cfg.Providers, &http.Client{Timeout: cfg.Gateway.UpstreamTimeout})
	localLimits := gateway.NewLocalLimits(cfg.Providers.Local.BaseURL, nil, log)
	proxy := gateway.NewHandler(cfg.Gateway, upstreams, engine, store, tracker, b, localLimits, log)

	admin := handlers.NewAdminHandler(db, store, engine, b, tracker, log)
	health := handlers.NewHealthHandler(db, rdb, chain)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router.New(cfg, proxy, admin, health, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: router.NewMetricsRouter(),
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("gateway listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		log.Info("metrics listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("gateway shutdown incomplete", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(ctx); err != nil {
		log.Warn("metrics shutdown incomplete", zap.Error(err))
	}

	// Drain the anchoring pipeline last so records settled during
	// shutdown still get a submission attempt.
	b.Stop(ctx)

	if rdb != nil {
		rdb.Close()
	}
	return nil
}
