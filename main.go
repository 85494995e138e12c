package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"

	"github.com/chatbi-core/server/internal/agent/graph"
	"github.com/chatbi-core/server/internal/agent/graph/conversations"
	"github.com/chatbi-core/server/internal/agent/graph/nodes"
	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/agent/repo"
	"github.com/chatbi-core/server/internal/cache"
	"github.com/chatbi-core/server/internal/diagnosis"
	"github.com/chatbi-core/server/internal/executor"
	"github.com/chatbi-core/server/internal/llm"
	"github.com/chatbi-core/server/internal/retrieval"
	"github.com/chatbi-core/server/internal/session"
	"github.com/chatbi-core/server/internal/transport"
	"github.com/chatbi-core/server/pkg/database"
	logx "github.com/chatbi-core/server/pkg/logger"
	pkgredis "github.com/chatbi-core/server/pkg/redis"
)

const (
	retrievalCacheEntries = 1000
	shutdownTimeout       = 15 * time.Second
)

// AppConfig defines every configurable parameter of the server, sourced
// from environment variables (loaded from .env for local runs).
type AppConfig struct {
	// Infrastructure
	Server   model.ServerConfig
	Redis    pkgredis.Config `envconfig:"REDIS"`
	Database database.Config `envconfig:"DB"`
	RabbitMQ model.RabbitMQConfig

	// Pipeline
	LLM      model.LLMConfig
	Pipeline model.PipelineConfig
	Cache    model.CacheConfig
	Session  model.SessionConfig
	Executor model.ExecutorConfig
	Catalog  model.CatalogConfig

	AllowedOrigins []string `envconfig:"WS_ALLOWED_ORIGINS"`
	SweepSchedule  string   `envconfig:"SWEEP_SCHEDULE" default:"@every 1m"`
}

func main() {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		logx.Warn().Err(err).Msg("Could not load .env file")
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logx.Fatal().Err(err).Msg("Failed to process environment config")
	}
	logx.Init(logx.LoggerOpts{Environment: cfg.Server.Environment})
	if cfg.Server.Environment.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logx.Fatal().Err(err).Msg("Server stopped with error")
	}
	logx.Info().Msg("Server stopped")
}

func run(ctx context.Context, cfg AppConfig) error {
	rdb, err := cfg.Redis.New(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()
	logx.Info().Msg("Connected to Redis")

	db, err := cfg.Database.New()
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	logx.Info().Str("driver", cfg.Database.Driver).Msg("Connected to database")

	catalog, err := retrieval.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	retriever, err := retrieval.NewCachedRetriever(retrieval.NewKeywordRetriever(catalog), retrievalCacheEntries)
	if err != nil {
		return err
	}
	defer retriever.Close()

	gemini, err := llm.NewGeminiClient(ctx, cfg.LLM)
	if err != nil {
		return err
	}
	client := llm.NewGatedClient(gemini, llm.NewGate(cfg.LLM.MaxConcurrent), cfg.LLM.Timeout, cfg.LLM.MaxRetries)

	store := cache.NewStore(db)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	exec := executor.New(db, cfg.Executor)
	completer := diagnosis.NewSchemaCompleter(catalog)
	runner, err := graph.BuildGraph(ctx, &nodes.Deps{
		LLM:          client,
		Retrieval:    retrieval.NewService(retriever, catalog),
		Executor:     exec,
		Cache:        store,
		Probe:        diagnosis.NewEntityProbe(exec, catalog, nodes.NewVariantFunc(client), cfg.Pipeline.ProbeLimit),
		Diagnoser:    diagnosis.NewDiagnoser(catalog, completer),
		Completer:    completer,
		Results:      diagnosis.NewResultValidator(),
		Completeness: diagnosis.NewCompletenessValidator(),
		Pipeline:     cfg.Pipeline,
		CacheConfig:  cfg.Cache,
		Dialect:      cfg.Database.Driver,
	})
	if err != nil {
		return err
	}

	messages := conversations.NewMessagesManager(
		repo.NewRedisConversationRepository(rdb, cfg.Session.HistoryTTL),
		cfg.Pipeline.HistoryMessages,
	)
	mgr := session.NewManager(cfg.Session, runner, messages, repo.NewRedisSessionContextRepository(rdb, cfg.Session.HistoryTTL))
	mgr.Start()
	defer mgr.Stop()

	if cfg.RabbitMQ.Enabled() {
		consumer, err := cache.NewConsumer(cfg.RabbitMQ, store)
		if err != nil {
			return err
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				logx.Error().Err(err).Msg("Table event consumer stopped")
			}
		}()
	}

	jobs := cron.New()
	if _, err := jobs.AddFunc(cfg.SweepSchedule, func() {
		if n := mgr.Sweep(); n > 0 {
			logx.Debug().Int("sessions", n).Msg("Idle sessions swept")
		}
		if _, err := store.ReportMetrics(ctx); err != nil {
			logx.Warn().Err(err).Msg("Cache metrics refresh failed")
		}
	}); err != nil {
		return err
	}
	jobs.Start()
	defer jobs.Stop()

	router := transport.NewRouter(transport.RouterConfig{
		Cache: store,
		Chat:  transport.NewChatHandler(mgr, cfg.AllowedOrigins),
		Health: map[string]transport.HealthCheck{
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"database": sqlDB.PingContext,
		},
	})
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logx.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server listening")
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

	logx.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
