package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/walletscope/walletscope/internal/api"
	"github.com/walletscope/walletscope/internal/cache"
	"github.com/walletscope/walletscope/internal/classifier"
	"github.com/walletscope/walletscope/internal/config"
	"github.com/walletscope/walletscope/internal/events"
	"github.com/walletscope/walletscope/internal/fetcher"
	"github.com/walletscope/walletscope/internal/gateway"
	"github.com/walletscope/walletscope/internal/jobs"
	"github.com/walletscope/walletscope/internal/lock"
	"github.com/walletscope/walletscope/internal/observability"
	"github.com/walletscope/walletscope/internal/queue"
	"github.com/walletscope/walletscope/internal/scheduler"
	"github.com/walletscope/walletscope/internal/smartfetch"
	"github.com/walletscope/walletscope/internal/store"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, gateway and worker pools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("%w: %w", errConfig, err)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return fmt.Errorf("%w: %w", errConfig, validateErr)
	}

	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	slog.SetDefault(logger)

	metrics := observability.NewMetrics()

	redisOpts, redisErr := redis.ParseURL(cfg.Redis.URL)
	if redisErr != nil {
		return fmt.Errorf("%w: parse redis url: %w", errConfig, redisErr)
	}

	redisClient := redis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers and the gateway stop on workCtx; the http listener is shut down
	// separately so in-flight requests can drain.
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	st, storeErr := store.OpenPostgres(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
	if storeErr != nil {
		return fmt.Errorf("open postgres: %w", storeErr)
	}
	defer func() { _ = st.Close() }()

	locks := lock.NewService(redisClient, cfg.Locks.PollInterval)

	provider := fetcher.NewClient(fetcher.ClientOptions{
		BaseURL:    cfg.Provider.BaseURL,
		APIKey:     cfg.Provider.APIKey,
		RPS:        cfg.Provider.RPS,
		MaxRetries: cfg.Provider.MaxRetries,
		Logger:     logger,
		Metrics:    metrics,
	})

	fetch := fetcher.New(fetcher.Options{
		Provider:      provider,
		Store:         st,
		DetailCache:   cache.NewDetailLRU(cfg.Provider.DetailCacheSize),
		DetailWorkers: cfg.Provider.DetailWorkers,
		PageSize:      cfg.Provider.PageSize,
		Logger:        logger,
		Metrics:       metrics,
	})

	cls := classifier.New(classifier.Options{
		Store:                 st,
		HighFrequencyTxPerDay: cfg.Classifier.HighFrequencyTxPerDay,
		HighFrequencyCap:      cfg.Classifier.HighFrequencyCap,
		MinObservedTx:         cfg.Classifier.MinObservedTx,
		Logger:                logger,
	})

	controller := smartfetch.NewController(fetch, st, cls, logger)

	jobService := queue.NewService(redisClient, logger, metrics)
	bus := events.NewBus(redisClient, logger, metrics)

	sched := scheduler.New(st, jobService, redisClient, cfg.Scopes.Params, logger)

	executor := scheduler.NewExecutor(scheduler.ExecutorOptions{
		Store:       st,
		Locks:       locks,
		Controller:  controller,
		Classifier:  cls,
		Scheduler:   sched,
		Queue:       jobService,
		ScopeParams: cfg.Scopes.Params,
		LockTTL:     cfg.Locks.TTL,
		Logger:      logger,
	})

	handlerSet := jobs.NewSet(jobs.SetOptions{
		Store:       st,
		Locks:       locks,
		Controller:  controller,
		Classifier:  cls,
		Scheduler:   sched,
		Executor:    executor,
		Metadata:    provider,
		ScopeParams: cfg.Scopes.Params,
		LockTTL:     cfg.Locks.TTL,
		Logger:      logger,
	})

	pools := buildPools(cfg, jobService, bus, handlerSet, logger, metrics)

	hub := gateway.NewHub(gateway.Options{
		AllowedOrigin: cfg.Server.FrontendURL,
		Logger:        logger,
		Metrics:       metrics,
	})

	feed, feedErr := bus.SubscribeAll(workCtx)
	if feedErr != nil {
		return fmt.Errorf("subscribe to job events: %w", feedErr)
	}

	promHandler, promErr := observability.PrometheusHandler(metrics)
	if promErr != nil {
		return fmt.Errorf("prometheus handler: %w", promErr)
	}

	server := api.NewServer(api.Options{
		Store:       st,
		Jobs:        jobService,
		Scheduler:   sched,
		ScopeParams: cfg.Scopes.Params,
		Socket:      hub,
		Metrics:     promHandler,
		ReadyChecks: []observability.ReadyCheck{
			st.Ping,
			func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
		DemoWallets: cfg.Server.DemoWalletSet(),
		FrontendURL: cfg.Server.FrontendURL,
		Logger:      logger,
	})

	var wg sync.WaitGroup

	for _, pool := range pools {
		wg.Add(1)

		go func() {
			defer wg.Done()
			pool.Run(workCtx)
		}()
	}

	wg.Add(1)

	go func() {
		defer wg.Done()
		hub.Run(workCtx, feed)
	}()

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErrCh := make(chan error, 1)

	go func() { serveErrCh <- httpServer.ListenAndServe() }()

	logger.Info("walletscope serving", "addr", cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-serveErrCh:
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			cancelWork()
			wg.Wait()

			return fmt.Errorf("http server: %w", serveErr)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	shutdownErr := httpServer.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		logger.Warn("http shutdown incomplete", "error", shutdownErr)
	}

	cancelWork()
	wg.Wait()

	logger.Info("walletscope stopped")

	return nil
}

// buildPools wires the four worker pools to their dispatch tables.
func buildPools(
	cfg *config.Config,
	service *queue.Service,
	bus *events.Bus,
	set *jobs.Set,
	logger *slog.Logger,
	metrics *observability.Metrics,
) []*queue.WorkerPool {
	defs := []struct {
		queue       string
		concurrency int
		handlers    map[string]queue.HandlerFunc
	}{
		{queue.QueueWallet, cfg.Queues.WalletWorkers, set.WalletHandlers()},
		{queue.QueueAnalysis, cfg.Queues.AnalysisWorkers, set.AnalysisHandlers()},
		{queue.QueueSimilarity, cfg.Queues.SimilarityWorkers, set.SimilarityHandlers()},
		{queue.QueueEnrichment, cfg.Queues.EnrichmentWorkers, set.EnrichmentHandlers()},
	}

	pools := make([]*queue.WorkerPool, 0, len(defs))

	for _, p := range defs {
		pools = append(pools, queue.NewWorkerPool(queue.PoolOptions{
			Service:     service,
			Bus:         bus,
			Queue:       p.queue,
			Concurrency: p.concurrency,
			Handlers:    p.handlers,
			TimeoutFor:  set.TimeoutFor,
			Logger:      logger,
			Metrics:     metrics,
		}))
	}

	return pools
}
