package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-investigator/internal/api"
	"github.com/miradorstack/mirador-investigator/internal/cache"
	"github.com/miradorstack/mirador-investigator/internal/config"
	"github.com/miradorstack/mirador-investigator/internal/engine"
	"github.com/miradorstack/mirador-investigator/internal/events"
	"github.com/miradorstack/mirador-investigator/internal/metrics"
	"github.com/miradorstack/mirador-investigator/internal/prompt"
	"github.com/miradorstack/mirador-investigator/internal/repo"
	"github.com/miradorstack/mirador-investigator/internal/services"
	"github.com/miradorstack/mirador-investigator/internal/store"
	"github.com/miradorstack/mirador-investigator/internal/tracing"
	"github.com/miradorstack/mirador-investigator/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(utils.LogOptions{
		Level:      cfg.Logging.Level,
		JSON:       cfg.Logging.JSON,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	logger.Info("starting mirador-investigator", slog.String("address", cfg.Server.Address))

	if err := run(cfg, logger); err != nil {
		logger.Error("mirador-investigator exited", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("mirador-investigator stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("tracing shutdown", slog.Any("error", err))
		}
	}()

	cacheProvider := newCacheProvider(cfg.Cache, logger)
	defer cacheProvider.Close()

	agentCfg := cfg.Clients.Agent
	agent := repo.NewAgentClient(
		agentCfg.BaseURL,
		repo.AgentPaths{
			Execute: agentCfg.ExecutePath,
			Task:    agentCfg.TaskPath,
			Message: agentCfg.MessagePath,
			Config:  agentCfg.ConfigPath,
		},
		agentCfg.AuthHeader,
		agentCfg.Timeout,
		cacheProvider,
		cfg.Cache.AgentConfigTTL,
	)

	notebooks, err := store.NewSQLiteStore(cfg.Storage.DSN, nil)
	if err != nil {
		return fmt.Errorf("open notebook store: %w", err)
	}
	defer notebooks.Close()

	templates, err := engine.LoadTemplates(cfg.Investigation.TemplatesPath, logger)
	if err != nil {
		return fmt.Errorf("load prompt templates: %w", err)
	}

	publisher := newPublisher(cfg.Events, logger)
	defer publisher.Close()

	orchestrator := engine.NewOrchestrator(
		logger,
		agent,
		notebooks,
		notebooks,
		prompt.NewBuilder(prompt.DefaultRegistry()),
		publisher,
		engine.Options{
			ConfigName:           agentCfg.ConfigName,
			TaskPollInterval:     cfg.Investigation.TaskPollInterval,
			MessagePollInterval:  cfg.Investigation.MessagePollInterval,
			MaxDuration:          cfg.Investigation.MaxDuration,
			IgnoreParagraphTypes: cfg.Investigation.IgnoreParagraphs,
			Templates:            templates,
		},
	)

	service := services.NewInvestigatorService(logger, orchestrator, notebooks)
	server, err := api.NewServer(cfg.Server, service)
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gRPC server listening", slog.String("address", server.Address()))
		if err := server.Start(); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gRPC server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
		defer cancel()
		server.Shutdown(shutdownCtx)
		return nil
	})

	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server shutdown", slog.Any("error", err))
			}
			return nil
		})
	}

	return g.Wait()
}

func newCacheProvider(cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	switch cfg.Backend {
	case config.CacheBackendRedis:
		provider, err := cache.NewRedisProvider(cache.RedisConfig{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			MaxRetries:   cfg.MaxRetries,
			TLS:          cfg.TLS,
		})
		if err != nil {
			logger.Warn("redis cache unavailable, falling back to memory", slog.Any("error", err))
			return cache.NewMemoryProvider(cfg.AgentConfigTTL)
		}
		return provider
	case config.CacheBackendMemory:
		return cache.NewMemoryProvider(cfg.AgentConfigTTL)
	default:
		return cache.NoopProvider{}
	}
}

func newPublisher(cfg config.EventsConfig, logger *slog.Logger) events.Publisher {
	if cfg.NATSURL == "" {
		return events.LogPublisher{Logger: logger}
	}
	publisher, err := events.NewNATSPublisher(cfg.NATSURL, cfg.SubjectPrefix, logger)
	if err != nil {
		logger.Warn("nats unavailable, logging events instead", slog.Any("error", err))
		return events.LogPublisher{Logger: logger}
	}
	return publisher
}
