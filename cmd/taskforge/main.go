package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskforge/taskforge/pkg/api"
	"github.com/taskforge/taskforge/pkg/avatars"
	"github.com/taskforge/taskforge/pkg/config"
	"github.com/taskforge/taskforge/pkg/identity"
	"github.com/taskforge/taskforge/pkg/janitor"
	"github.com/taskforge/taskforge/pkg/observability"
	"github.com/taskforge/taskforge/pkg/project"
	"github.com/taskforge/taskforge/pkg/schema"
	"github.com/taskforge/taskforge/pkg/task"
	"github.com/taskforge/taskforge/pkg/token"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (environment variables override)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.ParsedLogLevel(), os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("server exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnLifetime)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("connected to postgres")

	if err := schema.Ensure(pingCtx, db); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		defer redisClient.Close()
		logger.Info("connected to redis")
	}

	avatarStore, err := buildAvatarStore(cfg)
	if err != nil {
		return err
	}

	identities := identity.NewPostgresStore(db, avatarStore, logger)

	cache, err := identity.NewCache(identities, redisClient, logger, metrics, identity.CacheOptions{})
	if err != nil {
		return fmt.Errorf("failed to build identity cache: %w", err)
	}

	tokens := token.NewManager(identities, token.Config{
		AccessSecret:  cfg.Auth.AccessSecret,
		RefreshSecret: cfg.Auth.RefreshSecret,
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
	}, logger, metrics)

	projects := project.NewService(db, logger)
	tasks := task.NewService(db, projects, logger)

	server := api.NewServer(api.Options{
		Identities:   identities,
		Cache:        cache,
		Tokens:       tokens,
		Avatars:      avatarStore,
		Projects:     projects,
		Tasks:        tasks,
		Logger:       logger,
		Metrics:      metrics,
		CookieSecure: cfg.Auth.CookieSecure,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	metricsMux := http.NewServeMux()
	observability.RegisterMetricsEndpoint(metricsMux, registry)
	metricsServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.MetricsPort,
		Handler: metricsMux,
	}

	var sweeper *janitor.Janitor
	if cfg.Janitor.Enabled {
		sweeper, err = janitor.New(identities, db, cfg.Janitor.Schedule, logger, metrics)
		if err != nil {
			return err
		}
		sweeper.Start()
	}

	errCh := make(chan error, 2)
	go func() {
		logger.WithField("addr", httpServer.Addr).Info("api server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server failed: %w", err)
		}
	}()
	go func() {
		logger.WithField("addr", metricsServer.Addr).Info("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server failed: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if sweeper != nil {
		sweeper.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("api server shutdown was not clean")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("metrics server shutdown was not clean")
	}

	logger.Info("server stopped")
	return nil
}

func buildAvatarStore(cfg *config.Config) (avatars.Store, error) {
	switch cfg.Avatars.Type {
	case "s3":
		return avatars.NewS3Store(context.Background(), avatars.S3Config{
			Endpoint:     cfg.Avatars.S3Endpoint,
			Region:       cfg.Avatars.S3Region,
			Bucket:       cfg.Avatars.S3Bucket,
			AccessKey:    cfg.Avatars.S3AccessKey,
			SecretKey:    cfg.Avatars.S3SecretKey,
			UsePathStyle: cfg.Avatars.S3UsePathStyle,
		})
	default:
		return avatars.NewFilesystemStore(cfg.Avatars.Root, "/static/avatars")
	}
}
