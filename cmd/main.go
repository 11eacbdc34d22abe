package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/socialpulse/internal/advisor"
	"github.com/l0p7/socialpulse/internal/cache"
	"github.com/l0p7/socialpulse/internal/config"
	"github.com/l0p7/socialpulse/internal/expr"
	"github.com/l0p7/socialpulse/internal/fetchlog"
	"github.com/l0p7/socialpulse/internal/logging"
	"github.com/l0p7/socialpulse/internal/maintenance"
	"github.com/l0p7/socialpulse/internal/metrics"
	"github.com/l0p7/socialpulse/internal/orchestrator"
	"github.com/l0p7/socialpulse/internal/platform"
	"github.com/l0p7/socialpulse/internal/server"
	"github.com/l0p7/socialpulse/internal/service"
	"github.com/l0p7/socialpulse/internal/storage/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
}

// runnableServer is the HTTP listener as seen by the supervisor.
type runnableServer interface {
	Serve(ctx context.Context) error
	String() string
}

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	if strings.TrimSpace(configFile) == "" {
		return config.NewLoader(envPrefix)
	}
	return config.NewLoader(envPrefix, configFile)
}

var newHTTPServer = func(cfg config.ListenConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", config.EnvPrefix, "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	storeLogger := logger.With(slog.String("agent", "store_factory"))
	stores, err := buildStores(ctx, storeLogger, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := stores.Close(shutdownCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	bridge, err := platform.NewBridge(platform.BridgeConfig{
		BaseURL: cfg.Upstream.BridgeURL,
		Timeout: config.Seconds(cfg.Upstream.TimeoutSeconds),
		Routes:  cfg.Upstream.Routes,
	})
	if err != nil {
		return fmt.Errorf("configure bridge: %w", err)
	}
	adapters := buildAdapters(bridge, cfg.Upstream, recorder, logger)

	recommender, err := buildRecommender(cfg.Advisor, logger)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Store:   stores.cache,
		Log:     stores.log,
		Metrics: recorder,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("configure orchestrator: %w", err)
	}

	svc, err := service.New(service.Config{
		Orchestrator: orch,
		FetchLog:     stores.log,
		Adapters:     platform.NewRegistry(adapters...),
		Auth:         bridge,
		Auditor:      bridge,
		Profiles:     bridge,
		Recommender:  recommender,
		Metrics:      recorder,
		Logger:       logger,
		Policy:       policyFromConfig(cfg),
	})
	if err != nil {
		return fmt.Errorf("configure service: %w", err)
	}

	router := server.NewRouter(server.RouterConfig{
		API:               svc,
		Metrics:           recorder.Handler(),
		Logger:            logger,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
	})
	srv, err := newHTTPServer(cfg.Server.Listen, logger, router)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	sweeper, err := maintenance.NewSweeper(svc, config.Seconds(cfg.Cache.PurgeIntervalSeconds), logger)
	if err != nil {
		return fmt.Errorf("configure sweeper: %w", err)
	}

	supervisor := suture.New("socialpulse", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: logger}).MustHook(),
		Timeout:   5 * time.Second,
	})
	supervisor.Add(fatalOnError{srv})
	supervisor.Add(sweeper)

	if path := strings.TrimSpace(cfg.Metrics.PolicyFile); path != "" {
		watcher, err := config.NewPolicyWatcher(path, func(ttls map[string]time.Duration) {
			svc.SetPlatformTTLs(ttls)
			logger.Info("platform ttl policy applied", slog.Int("platforms", len(ttls)))
		}, func(err error) {
			logger.Error("policy watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("policy watcher setup failed", slog.Any("error", err))
		} else {
			supervisor.Add(watcher)
		}
	}

	err = supervisor.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}

// fatalOnError stops the whole tree when the listener fails instead of
// letting the supervisor restart it.
type fatalOnError struct {
	runnableServer
}

func (f fatalOnError) Serve(ctx context.Context) error {
	err := f.runnableServer.Serve(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", suture.ErrTerminateSupervisorTree, err)
}

func policyFromConfig(cfg config.Config) service.Policy {
	m := cfg.Metrics
	return service.Policy{
		DefaultTTL:          config.Minutes(m.DefaultTTLMinutes),
		PlatformTTL:         m.PlatformTTLs(),
		ComparisonTTL:       config.Minutes(m.ComparisonTTLMinutes),
		SiteAuditTTL:        config.Minutes(m.SiteAuditTTLMinutes),
		TopPosts:            m.TopPosts,
		ReportingLagDays:    m.ReportingLagDays,
		SyntheticWindowDays: m.SyntheticWindowDays,
		SourceTimeout:       config.Seconds(cfg.Upstream.SourceTimeoutSeconds),
	}
}

func buildAdapters(bridge *platform.Bridge, cfg config.UpstreamConfig, rec *metrics.Recorder, logger *slog.Logger) []platform.Adapter {
	settings := platform.BreakerSettings{
		MaxRequests:  uint32(cfg.Breaker.MaxRequests),
		Interval:     config.Seconds(cfg.Breaker.IntervalSeconds),
		Timeout:      config.Seconds(cfg.Breaker.TimeoutSeconds),
		MinRequests:  uint32(cfg.Breaker.MinRequests),
		FailureRatio: cfg.Breaker.FailureRatio,
	}
	adapters := make([]platform.Adapter, 0, len(cfg.Platforms))
	for _, name := range cfg.Platforms {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		adapters = append(adapters, platform.WithBreaker(bridge.Adapter(name), settings, rec, logger))
	}
	return adapters
}

// buildRecommender returns nil when no endpoint is configured so the service
// falls back to its built-in heuristic.
func buildRecommender(cfg config.AdvisorConfig, logger *slog.Logger) (advisor.Recommender, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		logger.Info("using heuristic recommender")
		return nil, nil
	}
	client, err := advisor.NewHTTP(endpoint, config.Seconds(cfg.TimeoutSeconds))
	if err != nil {
		return nil, fmt.Errorf("configure advisor: %w", err)
	}
	expression := strings.TrimSpace(cfg.TransientWhen)
	if expression == "" {
		expression = expr.DefaultTransientExpression
	}
	classifier, err := expr.NewClassifier(expression)
	if err != nil {
		return nil, fmt.Errorf("configure advisor retry: %w", err)
	}
	logger.Info("using remote recommender", slog.String("endpoint", endpoint))
	return advisor.WithRetry(client, advisor.RetryConfig{
		Attempts:   cfg.Attempts,
		Backoff:    config.Seconds(cfg.BackoffSeconds),
		Classifier: classifier,
		Logger:     logger,
	}), nil
}

type storeSet struct {
	cache cache.Store
	log   fetchlog.Log
	db    *sql.DB
}

func (s *storeSet) Close(ctx context.Context) error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close(ctx))
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// buildStores opens the cache store and fetch log. A failing redis backend
// falls back to memory so the service keeps answering with live fetches.
func buildStores(ctx context.Context, logger *slog.Logger, cfg config.Config) (*storeSet, error) {
	set := &storeSet{}
	cacheBackend := strings.TrimSpace(strings.ToLower(cfg.Cache.Backend))
	logBackend := strings.TrimSpace(strings.ToLower(cfg.FetchLog.Backend))

	if cacheBackend == "sqlite" || logBackend == "sqlite" {
		db, err := sqlite.Open(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		set.db = db
		logger.Info("sqlite storage opened", slog.String("path", cfg.Storage.SQLite.Path))
	}

	switch cacheBackend {
	case "", "memory":
		logger.Info("using memory cache store")
		set.cache = cache.NewMemory(nil)
	case "redis":
		redisStore, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Cache.Redis.Address,
			Username: cfg.Cache.Redis.Username,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Cache.Redis.TLS.Enabled,
				CAFile:  cfg.Cache.Redis.TLS.CAFile,
			},
			Retention: config.Seconds(cfg.Cache.RetentionSeconds),
			Prefix:    cfg.Cache.KeyPrefix,
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache store")
			set.cache = cache.NewMemory(nil)
		} else {
			logger.Info("using redis cache store", slog.String("address", cfg.Cache.Redis.Address))
			set.cache = redisStore
		}
	case "sqlite":
		sqliteStore, err := cache.NewSQLite(set.db, nil)
		if err != nil {
			_ = set.Close(ctx)
			return nil, fmt.Errorf("configure sqlite cache: %w", err)
		}
		logger.Info("using sqlite cache store")
		set.cache = sqliteStore
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Cache.Backend))
		set.cache = cache.NewMemory(nil)
	}

	switch logBackend {
	case "sqlite":
		fetchLog, err := fetchlog.NewSQLite(set.db, nil)
		if err != nil {
			_ = set.Close(ctx)
			return nil, fmt.Errorf("configure sqlite fetch log: %w", err)
		}
		set.log = fetchLog
	default:
		set.log = fetchlog.NewMemory(cfg.FetchLog.MaxEntries, nil)
	}
	return set, nil
}
