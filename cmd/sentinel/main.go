package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/api"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/blocklist"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/config"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/kafka"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/metrics"
	sentinelNats "github.com/sgerhart/aegisflux/backend/sentinel/internal/nats"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/pipeline"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/sink"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/soar"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/threatintel"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/ueba"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/validate"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(getEnv("SENTINEL_LOG_LEVEL", "info")),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting AegisFlux Sentinel Service")

	httpAddr := getEnv("SENTINEL_HTTP_ADDR", ":8086")
	natsURL := getEnv("NATS_URL", "nats://localhost:4222")
	configAPIURL := getEnv("CONFIG_API_URL", "")
	queue := getEnv("SENTINEL_QUEUE", "sentinel")
	subjects := sentinelNats.Subjects{
		Activity: getEnv("SENTINEL_ACTIVITY_SUBJECT", "sentinel.activity"),
		Incident: getEnv("SENTINEL_INCIDENT_SUBJECT", "sentinel.incidents"),
	}
	workers := getEnvInt("SENTINEL_WORKERS", 8)
	queueSize := getEnvInt("SENTINEL_QUEUE_SIZE", 1024)
	playbookDir := getEnv("SENTINEL_PLAYBOOK_DIR", "")
	hotReload := getEnvBool("SENTINEL_HOT_RELOAD", false)
	debounceMs := getEnvInt("SENTINEL_DEBOUNCE_MS", 1000)
	indicatorFile := getEnv("SENTINEL_INDICATOR_FILE", "")
	feedFile := getEnv("SENTINEL_FEED_FILE", "")
	profileIdleTTL := getEnvDuration("SENTINEL_PROFILE_IDLE_TTL", 720*time.Hour)
	cacheSize := getEnvInt("SENTINEL_TI_CACHE_SIZE", 100000)
	stepTimeout := getEnvDuration("SENTINEL_STEP_TIMEOUT", 10*time.Second)
	databaseURL := getEnv("DATABASE_URL", "")
	auditLogPath := getEnv("AUDIT_LOG_PATH", "sentinel-audit.jsonl")
	auditLogCompress := getEnvBool("AUDIT_LOG_COMPRESS", false)
	openSearchURL := getEnv("OPENSEARCH_URL", "")
	openSearchIndex := getEnv("OPENSEARCH_INDEX", "sentinel-security-events")
	redisURL := getEnv("REDIS_URL", "")
	kafkaBrokers := getEnv("KAFKA_BROKERS", "")
	kafkaTopic := getEnv("KAFKA_TOPIC", "sentinel-activity")
	kafkaGroup := getEnv("KAFKA_GROUP", "sentinel")
	geoCSV := getEnv("GEOIP_CSV", "")
	geoMode := getEnv("GEOIP_MODE", "")
	seedRedis := getEnvBool("SENTINEL_TI_SEED_REDIS", false)

	envDefaults := config.ConfigSnapshot{
		LearningPeriodHours: int(getEnvDuration("SENTINEL_LEARNING_PERIOD", 168*time.Hour) / time.Hour),
		MinSamples:          getEnvInt("SENTINEL_MIN_SAMPLES", 50),
		OffHours:            getEnv("SENTINEL_OFF_HOURS", "0,6"),
		TICacheTTLSeconds:   int(getEnvDuration("SENTINEL_TI_TTL", 24*time.Hour) / time.Second),
		FeedTimeoutMs:       int(getEnvDuration("SENTINEL_FEED_TIMEOUT", 2*time.Second) / time.Millisecond),
		CooldownScale:       1,
		AutomationEnabled:   getEnvBool("SENTINEL_AUTOMATION_ENABLED", true),
	}

	logger.Info("Configuration loaded",
		"http_addr", httpAddr,
		"nats_url", natsURL,
		"config_api_url", configAPIURL,
		"workers", workers,
		"queue_size", queueSize,
		"playbook_dir", playbookDir,
		"hot_reload", hotReload,
		"postgres_enabled", databaseURL != "",
		"opensearch_enabled", openSearchURL != "",
		"redis_enabled", redisURL != "",
		"kafka_enabled", kafkaBrokers != "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	nc, err := sentinelNats.Connect(natsURL, "sentinel", m, logger)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	logger.Info("Connected to NATS")

	var redisClient *redis.Client
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Error("Invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	// UEBA
	resolver, err := ueba.NewResolver(geoMode, geoCSV)
	if err != nil {
		logger.Error("Failed to create geolocation resolver", "mode", geoMode, "path", geoCSV, "error", err)
		os.Exit(1)
	}
	if table, ok := resolver.(*ueba.CSVResolver); ok {
		logger.Info("Geolocation table loaded", "path", geoCSV, "networks", table.Count())
	}
	offHours, err := ueba.ParseHourWindow(envDefaults.OffHours)
	if err != nil {
		logger.Error("Invalid SENTINEL_OFF_HOURS", "error", err)
		os.Exit(1)
	}
	uebaOpts := ueba.DefaultOptions()
	uebaOpts.LearningPeriod = envDefaults.LearningPeriod()
	uebaOpts.MinSamples = envDefaults.MinSamples
	uebaOpts.OffHours = offHours
	uebaOpts.ProfileIdleTTL = profileIdleTTL
	uebaOpts.Resolver = resolver
	behavior := ueba.NewEngine(uebaOpts, m, logger)
	behavior.StartGC(10 * time.Minute)
	defer behavior.StopGC()

	// Threat intelligence
	tiOpts := threatintel.DefaultOptions()
	tiOpts.TTL = envDefaults.TICacheTTL()
	tiOpts.FeedTimeout = envDefaults.FeedTimeout()
	tiOpts.CacheSize = cacheSize
	intel, err := threatintel.NewStore(tiOpts, m, logger)
	if err != nil {
		logger.Error("Failed to create threat intelligence store", "error", err)
		os.Exit(1)
	}
	if err := registerFeeds(ctx, intel, feedFile, indicatorFile, redisClient, seedRedis, logger); err != nil {
		logger.Error("Failed to register reputation feeds", "error", err)
		os.Exit(1)
	}

	// Sinks
	publisher := sentinelNats.NewPublisher(nc, sentinelNats.DefaultAlertSubject, sentinelNats.DefaultActionPrefix, logger)
	persisters, recorder, closers := openPersisters(ctx, auditLogPath, auditLogCompress, databaseURL, openSearchURL, openSearchIndex, logger)
	defer func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Error("Failed to close sink", "error", err)
			}
		}
	}()
	out := sink.NewBestEffort(
		sink.NewFanout(persisters, []sink.Notifier{sink.NewLogNotifier(logger), publisher}),
		m, logger)

	// Blocklist
	var blocks blocklist.Store
	if redisClient != nil {
		blocks = blocklist.NewRedisStore(redisClient, "")
	} else {
		memBlocks, err := blocklist.NewMemoryStore(100000, time.Now)
		if err != nil {
			logger.Error("Failed to create blocklist", "error", err)
			os.Exit(1)
		}
		blocks = memBlocks
	}
	if recorder != nil {
		blocks = blocklist.NewAudited(blocks, recorder, logger)
	}
	neverBlock := blocklist.DefaultNeverBlock
	if v := getEnv("SENTINEL_NEVER_BLOCK", ""); v != "" {
		neverBlock = strings.Split(v, ",")
	}
	guarded, err := blocklist.NewGuarded(blocks, neverBlock, logger)
	if err != nil {
		logger.Error("Invalid SENTINEL_NEVER_BLOCK", "error", err)
		os.Exit(1)
	}

	// SOAR
	loader := soar.NewLoader(playbookDir, hotReload, debounceMs, logger)
	catalog, err := loader.LoadSnapshot()
	if err != nil {
		logger.Error("Failed to load response catalog", "error", err)
		os.Exit(1)
	}
	actions := soar.DefaultActions(soar.ActionDeps{
		Blocker:    guarded,
		Sink:       out,
		Dispatcher: publisher,
		Logger:     logger,
	})
	soarOpts := soar.DefaultOptions()
	soarOpts.StepTimeout = stepTimeout
	orchestrator := soar.NewEngine(catalog, actions, soarOpts, m, logger)

	catalogChanged := loader.Subscribe()
	wg.Add(3)
	go func() {
		defer wg.Done()
		loader.WatchForChanges(ctx)
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-catalogChanged:
				orchestrator.SetCatalog(loader.GetSnapshot())
			}
		}
	}()
	go func() {
		defer wg.Done()
		orchestrator.RunSweeper(ctx, time.Minute)
	}()

	// Live configuration
	configManager := config.NewManager(configAPIURL, nc, logger)
	configManager.Subscribe(func(snapshot *config.ConfigSnapshot) {
		logger.Info("Configuration updated, applying changes",
			"learning_period_hours", snapshot.LearningPeriodHours,
			"min_samples", snapshot.MinSamples,
			"off_hours", snapshot.OffHours,
			"ti_cache_ttl_seconds", snapshot.TICacheTTLSeconds,
			"feed_timeout_ms", snapshot.FeedTimeoutMs,
			"cooldown_scale", snapshot.CooldownScale,
			"automation_enabled", snapshot.AutomationEnabled)

		window, err := snapshot.OffHoursWindow()
		if err != nil {
			logger.Error("Invalid off hours in snapshot", "error", err)
			return
		}
		behavior.UpdateSettings(snapshot.LearningPeriod(), snapshot.MinSamples, window)
		intel.SetTTL(snapshot.TICacheTTL())
		intel.SetFeedTimeout(snapshot.FeedTimeout())
		orchestrator.SetCooldownScale(snapshot.CooldownScale)
		orchestrator.SetAutomationEnabled(snapshot.AutomationEnabled)
	})
	if err := configManager.Initialize(ctx, envDefaults); err != nil {
		logger.Error("Failed to initialize configuration manager", "error", err)
		os.Exit(1)
	}
	defer configManager.Close()

	wg.Add(1)
	go func() {
		defer wg.Done()
		intel.Run(ctx)
	}()

	// Pipeline and ingestion
	p := pipeline.New(pipeline.Options{Workers: workers, QueueSize: queueSize}, behavior, intel, orchestrator, out, m, logger)
	// workers outlive ctx so queued records drain with live lookups on shutdown
	p.Start(context.Background())

	validator, err := validate.NewValidator(logger)
	if err != nil {
		logger.Error("Failed to compile ingestion schemas", "error", err)
		os.Exit(1)
	}

	subscriber := sentinelNats.NewSubscriber(nc, subjects, queue, validator, p, m, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting NATS subscriber")
		if err := subscriber.Subscribe(ctx); err != nil {
			logger.Error("NATS subscriber error", "error", err)
		}
	}()

	if kafkaBrokers != "" {
		consumer := kafka.NewConsumer(validator, p, m, logger)
		wg.Add(1)
		go consumer.Run(ctx, &wg, strings.Split(kafkaBrokers, ","), kafkaGroup, kafkaTopic)
	}

	httpAPI := api.NewServer(behavior, orchestrator, intel, guarded, nc, registry, logger)
	httpAPI.SetSinkStats(func() map[string]sink.BatchStats {
		return sink.CollectStats(persisters)
	})
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           httpAPI.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting HTTP server", "addr", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Sentinel service started successfully")
	<-sigChan

	logger.Info("Shutting down sentinel service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// stop ingestion first so the pipeline drains what was already accepted
	cancel()
	wg.Wait()
	p.Stop()

	logger.Info("Sentinel service stopped")
}

// registerFeeds binds every feed descriptor to a client. Redis feeds are
// skipped when no Redis is configured, and seeded from the local indicators
// first when seedRedis is set.
func registerFeeds(ctx context.Context, intel *threatintel.Store, feedFile, indicatorFile string, redisClient *redis.Client, seedRedis bool, logger *slog.Logger) error {
	feeds, err := threatintel.DefaultFeeds()
	if feedFile != "" {
		feeds, err = threatintel.LoadFeeds(feedFile)
	}
	if err != nil {
		return err
	}

	var local *threatintel.LocalFeed
	if indicatorFile != "" {
		local, err = threatintel.LoadLocalFeed(indicatorFile)
	} else {
		local, err = threatintel.NewLocalFeed()
	}
	if err != nil {
		return err
	}
	httpList := threatintel.NewHTTPListFeed(&http.Client{Timeout: 30 * time.Second})

	var redisFeed *threatintel.RedisFeed
	if redisClient != nil {
		redisFeed = threatintel.NewRedisFeed(redisClient, "")
	}

	for _, feed := range feeds {
		var client threatintel.FeedClient
		switch feed.Client {
		case "local":
			client = local
		case "http_list":
			client = httpList
		case "redis":
			if redisFeed == nil {
				logger.Info("Skipping Redis feed, REDIS_URL not set", "feed_id", feed.ID)
				continue
			}
			if seedRedis {
				n, err := redisFeed.Seed(ctx, feed, local)
				if err != nil {
					logger.Warn("Failed to seed Redis feed", "feed_id", feed.ID, "error", err)
				} else {
					logger.Info("Seeded Redis feed from local indicators", "feed_id", feed.ID, "entries", n)
				}
			}
			client = redisFeed
		default:
			logger.Warn("Skipping feed with unknown client", "feed_id", feed.ID, "client", feed.Client)
			continue
		}
		if err := intel.AddFeed(feed, client); err != nil {
			return err
		}
	}
	return nil
}

// openPersisters opens the audit sinks. The file sink is always present;
// Postgres and OpenSearch are optional and skipped when they cannot be reached.
func openPersisters(ctx context.Context, path string, compress bool, databaseURL, openSearchURL, index string, logger *slog.Logger) ([]sink.Persister, blocklist.Recorder, []func() error) {
	var (
		persisters []sink.Persister
		recorder   blocklist.Recorder
		closers    []func() error
	)

	fileSink, err := sink.NewFileSink(path, compress)
	if err != nil {
		logger.Error("Failed to open audit log, continuing without it", "path", path, "error", err)
	} else {
		logger.Info("Audit log opened", "path", fileSink.Path())
		persisters = append(persisters, fileSink)
		closers = append(closers, fileSink.Close)
	}

	if databaseURL != "" {
		pg, err := sink.NewPostgresWriter(ctx, databaseURL, sink.BatchOptions{}, logger)
		if err != nil {
			logger.Error("Failed to open Postgres sink", "error", err)
		} else {
			persisters = append(persisters, pg)
			recorder = pg
			closers = append(closers, pg.Close)
		}
	}

	if openSearchURL != "" {
		ix, err := sink.NewOpenSearchIndexer(ctx, openSearchURL, index, sink.BatchOptions{}, logger)
		if err != nil {
			logger.Error("Failed to open OpenSearch sink", "error", err)
		} else {
			persisters = append(persisters, ix)
			closers = append(closers, ix.Close)
		}
	}
	return persisters, recorder, closers
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
