// Package main is the entry point for the forage-api server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forageapi/forage/internal/accounts"
	"github.com/forageapi/forage/internal/auth"
	"github.com/forageapi/forage/internal/billing"
	"github.com/forageapi/forage/internal/concurrency"
	"github.com/forageapi/forage/internal/config"
	"github.com/forageapi/forage/internal/crawl"
	"github.com/forageapi/forage/internal/database"
	"github.com/forageapi/forage/internal/database/migrations"
	"github.com/forageapi/forage/internal/fetch"
	"github.com/forageapi/forage/internal/http/handlers"
	"github.com/forageapi/forage/internal/index"
	"github.com/forageapi/forage/internal/kv"
	"github.com/forageapi/forage/internal/llm"
	"github.com/forageapi/forage/internal/logging"
	"github.com/forageapi/forage/internal/queue"
	"github.com/forageapi/forage/internal/ratelimit"
	"github.com/forageapi/forage/internal/repository"
	"github.com/forageapi/forage/internal/scraper"
	"github.com/forageapi/forage/internal/search"
	"github.com/forageapi/forage/internal/storage"
	"github.com/forageapi/forage/internal/version"
)

func main() {
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting forage-api",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := migrations.Run(db, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	repos := repository.NewRepositories(db)

	store, err := kv.Open(cfg.KVDir)
	if err != nil {
		logger.Error("failed to open kv store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()
	logger.Info("kv store ready", "dir", cfg.KVDir, "in_memory", cfg.KVInMemory)

	// Accounts. Local mode reads the teams tables in the same database;
	// settlements mirror to Stripe when a key is configured.
	if cfg.AccountsMode != "local" {
		logger.Warn("unsupported accounts mode, falling back to local", "mode", cfg.AccountsMode)
	}
	source := accounts.NewLocalSource(repos.Teams, cfg.StripeSecretKey, logger)
	accountsSvc := accounts.NewService(source, logger)
	chunks := auth.NewChunkCache(accountsSvc, logger)
	defer chunks.Stop()

	blobs, err := storage.NewBlobStore(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize blob storage", "error", err)
		os.Exit(1)
	}

	var llmClient llm.Client
	if cfg.HasLLM() {
		llmClient = llm.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicModel, logger)
		logger.Info("llm adapter ready", "model", cfg.AnthropicModel)
	} else {
		llmClient = llm.NewFakeClient()
		logger.Warn("ANTHROPIC_API_KEY not set - llm formats will return canned output")
	}

	var provider search.Provider
	if cfg.HasSearch() {
		provider = search.NewHTTPProvider(cfg.SearchProviderURL, cfg.SearchProviderKey, logger)
		logger.Info("search provider ready", "endpoint", cfg.SearchProviderURL)
	} else {
		logger.Warn("no search provider configured - /search will refuse requests")
	}

	idx := index.NewService(repos.Index, cfg.IndexMaxAgeDefault, logger)
	fetcher := fetch.NewHTTPFetcher(logger)
	mock := fetch.NewMockFetcher()
	pipeline := scraper.NewPipeline(fetcher, mock, idx, llmClient, blobs, logger)

	q := queue.New(repos.Jobs, store, cfg.VisibilityLease)
	governor := concurrency.NewGovernor(store)
	limiter := ratelimit.NewLimiter(store)

	batcher := billing.NewBatcher(store, accountsSvc, chunks,
		cfg.BillingFlushInterval, cfg.BillingBatchSize, logger)
	batcher.Start()

	sitemaps := fetch.NewSitemapDiscoverer(logger, cfg.UserAgent)
	robots := fetch.NewRobotsChecker(cfg.UserAgent)
	engine := crawl.NewEngine(repos.Crawls, repos.Jobs, q, fetcher, sitemaps, robots, logger)

	// Team concurrency caps come from the accounts store, not the cached
	// auth chunk, so cap changes apply to queued work without re-auth.
	limits := func(teamID string) int {
		team, err := repos.Teams.GetByID(context.Background(), teamID)
		if err != nil || team == nil {
			return 0
		}
		return team.ConcurrencyMax
	}
	worker := scraper.NewWorker(q, pipeline, engine, governor, batcher, repos.JobLogs, limits,
		scraper.Config{
			PollInterval: cfg.WorkerPollInterval,
			Concurrency:  cfg.WorkerConcurrency,
		}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)

	reaper := queue.NewReaper(repos.Jobs, cfg.ReaperInterval, logger)
	reaper.Start()

	zdrCleaner := scraper.NewZDRCleaner(repos.JobLogs, blobs, cfg.ZDRCleanInterval, logger)
	zdrCleaner.Start(ctx)

	var retention *scraper.RetentionCleaner
	if cfg.CleanupEnabled {
		retention = scraper.NewRetentionCleaner(repos, blobs,
			cfg.CleanupMaxAgeResults, cfg.CleanupInterval, logger)
		retention.Start(ctx)
	}

	h := handlers.New(handlers.Deps{
		Config:   cfg,
		Pipeline: pipeline,
		Engine:   engine,
		Governor: governor,
		Batcher:  batcher,
		JobLogs:  repos.JobLogs,
		Search:   provider,
		Logger:   logger,
	})
	router := handlers.NewRouter(cfg, h, chunks, limiter, db, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		<-sigChan

		logger.Info("shutting down server")

		cancel()
		worker.Stop()
		reaper.Stop()
		zdrCleaner.Stop()
		if retention != nil {
			retention.Stop()
		}

		// Flush buffered billing before the process exits.
		batcher.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("starting server", "port", cfg.Port, "base_url", cfg.BaseURL, "preview_enabled", cfg.PreviewEnabled)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
