package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/huddlechat/orchestrator/internal/agents"
	"github.com/huddlechat/orchestrator/internal/cache"
	"github.com/huddlechat/orchestrator/internal/catalog"
	"github.com/huddlechat/orchestrator/internal/circuitbreaker"
	"github.com/huddlechat/orchestrator/internal/completion"
	"github.com/huddlechat/orchestrator/internal/config"
	"github.com/huddlechat/orchestrator/internal/conversation"
	"github.com/huddlechat/orchestrator/internal/embeddings"
	"github.com/huddlechat/orchestrator/internal/health"
	"github.com/huddlechat/orchestrator/internal/learning"
	"github.com/huddlechat/orchestrator/internal/pipeline"
	"github.com/huddlechat/orchestrator/internal/preferences"
	"github.com/huddlechat/orchestrator/internal/recommendation"
	"github.com/huddlechat/orchestrator/internal/vectordb"
)

// app is the wired dependency graph shared by the commands
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	collector *circuitbreaker.MetricsCollector

	cache   cache.Cache
	redis   *cache.RedisCache
	db      *sqlx.DB
	qdrant  *vectordb.QdrantIndex
	catalog *catalog.Catalog

	contexts    *conversation.Manager
	prefs       *preferences.Manager
	learner     *learning.Service
	recommender *recommendation.Service
	registry    *agents.Registry
	pipeline    *pipeline.Pipeline

	closers []func() error
}

func openDB(cfg *config.Config) (*sqlx.DB, error) {
	db, err := preferences.OpenDB(cfg.Preferences.Driver, cfg.Preferences.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open preference database: %w", err)
	}
	return db, nil
}

// buildApp wires every component from cfg. On error, anything already opened
// is closed.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, collector: circuitbreaker.NewMetricsCollector()}
	if err := a.wire(ctx); err != nil {
		_ = a.close(context.Background())
		return nil, err
	}
	logger.Info("Orchestrator components ready",
		zap.Strings("agents", a.registry.IDs()),
		zap.String("vector_backend", cfg.Vector.Backend),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.String("completion", cfg.Completion.Provider),
		zap.Bool("redis", a.redis != nil),
	)
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	a.buildCache(ctx)

	embedder, err := a.buildEmbedder()
	if err != nil {
		return err
	}
	index, err := a.buildIndex(ctx)
	if err != nil {
		return err
	}
	metric, err := vectordb.ParseMetric(cfg.Vector.Metric)
	if err != nil {
		return err
	}
	a.contexts = conversation.NewManager(conversation.Config{
		MaxMessages:      cfg.Context.MaxMessages,
		StaleAfter:       cfg.Context.StaleAfter,
		CleanupInterval:  cfg.Context.CleanupInterval,
		Dimensions:       cfg.Embeddings.Dimensions,
		DefaultLimit:     cfg.Context.DefaultLimit,
		DefaultThreshold: cfg.Context.DefaultThreshold,
		Metric:           metric,
		BatchSize:        cfg.Context.BatchSize,
		ExternalTimeout:  cfg.Context.ExternalTimeout,
		RetryAttempts:    cfg.Context.RetryAttempts,
		RetryBaseDelay:   cfg.Context.RetryBaseDelay,
	}, embedder, index, logger)

	a.db, err = openDB(cfg)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.db.Close)
	store := preferences.NewSQLStore(a.db, logger)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.prefs = preferences.NewManager(store, preferences.ManagerConfig{
		HistoryLimit: cfg.Preferences.HistoryLimit,
		MinSamples:   cfg.Preferences.MinSamples,
	}, logger)

	a.learner = learning.NewService(learning.Config{
		BatchSize:      cfg.Learning.BatchSize,
		CacheTTL:       cfg.Learning.CacheTTL,
		MinSamples:     cfg.Preferences.MinSamples,
		ModelVersion:   cfg.Learning.ModelVersion,
		RetryBaseDelay: cfg.Context.RetryBaseDelay,
	}, a.prefs, a.cache, logger)

	a.catalog, err = catalog.Load(cfg.Agents.CatalogPath)
	if err != nil {
		return err
	}
	minScore := cfg.Recommendation.MinScore
	a.recommender = recommendation.NewService(recommendation.Config{
		CacheTTL:           cfg.Recommendation.CacheTTL,
		MinScore:           &minScore,
		MaxRecommendations: cfg.Recommendation.MaxRecommendations,
		HistoryLimit:       cfg.Recommendation.HistoryLimit,
		StatsResetAfter:    cfg.Recommendation.StatsResetAfter,
	}, a.learner, a.prefs, a.contexts, a.cache, logger)
	recommendation.RegisterCatalog(a.recommender, a.catalog)

	a.registry, err = agents.FromCatalog(a.catalog, agents.Deps{
		Provider:        a.buildCompletion(),
		History:         a.contexts,
		Prefs:           a.learner,
		ResponseTimeout: cfg.Agents.ResponseTimeout,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	a.pipeline = pipeline.New(pipeline.Config{RelevantLimit: cfg.Agents.RelevantLimit}, a.contexts,
		agents.NewRouter(a.registry, cfg.Agents.Fallback), logger)
	return nil
}

// buildCache prefers Redis and falls back to the in-process cache when Redis
// is disabled or unreachable
func (a *app) buildCache(ctx context.Context) {
	rc := a.cfg.Redis
	if rc.Enabled {
		r, err := cache.NewRedis(ctx, cache.RedisOptions{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Prefix:   rc.Prefix,
		}, a.collector, a.logger)
		if err == nil {
			a.redis, a.cache = r, r
			a.closers = append(a.closers, r.Close)
			return
		}
		a.logger.Warn("Redis unavailable, using in-process cache", zap.String("addr", rc.Addr), zap.Error(err))
	}
	local, err := cache.NewLocal(rc.LocalMaxBytes)
	if err != nil {
		a.logger.Warn("In-process cache disabled", zap.Error(err))
		return
	}
	a.cache = local
	a.closers = append(a.closers, local.Close)
}

func (a *app) httpClient(name, service string) *circuitbreaker.HTTPWrapper {
	return circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: a.cfg.Context.ExternalTimeout}, name, service, a.collector, a.logger)
}

func (a *app) buildEmbedder() (embeddings.Provider, error) {
	ec := a.cfg.Embeddings
	var next embeddings.Provider
	switch ec.Provider {
	case "openai":
		if ec.APIKey == "" {
			return nil, errors.New("embeddings.api_key is required for the openai provider")
		}
		next = embeddings.NewOpenAIProvider(embeddings.OpenAIConfig{
			APIKey:            ec.APIKey,
			BaseURL:           ec.BaseURL,
			Model:             ec.Model,
			Dimensions:        ec.Dimensions,
			RequestsPerSecond: ec.RequestsPerSecond,
			HTTPClient:        a.httpClient("openai-embeddings", "embeddings"),
		}, a.logger)
	default:
		next = embeddings.NewHashProvider(ec.Dimensions)
	}
	return embeddings.NewCachedProvider(next, a.cache, embeddings.CacheConfig{
		LRUSize:   ec.LRUSize,
		LRUTTL:    ec.LRUTTL,
		SharedTTL: ec.SharedTTL,
	}, a.logger), nil
}

func (a *app) buildIndex(ctx context.Context) (vectordb.Index, error) {
	vc := a.cfg.Vector
	if vc.Backend != "qdrant" {
		return vectordb.NewChromemIndex(a.cfg.Embeddings.Dimensions, a.logger), nil
	}
	metric, err := vectordb.ParseMetric(vc.Metric)
	if err != nil {
		return nil, err
	}
	q := vectordb.NewQdrantIndex(vectordb.QdrantConfig{
		URL:        vc.QdrantURL,
		Collection: vc.QdrantCollection,
		Dimensions: a.cfg.Embeddings.Dimensions,
		Metric:     metric,
	}, a.httpClient("qdrant", "vectordb"), a.logger)
	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := q.EnsureCollection(ensureCtx); err != nil {
		return nil, fmt.Errorf("failed to prepare qdrant collection: %w", err)
	}
	a.qdrant = q
	return q, nil
}

func (a *app) buildCompletion() completion.Provider {
	cc := a.cfg.Completion
	if cc.Provider == "openai" && cc.APIKey != "" {
		return completion.NewOpenAIProvider(completion.OpenAIConfig{
			APIKey:            cc.APIKey,
			BaseURL:           cc.BaseURL,
			Model:             cc.Model,
			RequestsPerSecond: cc.RequestsPerSecond,
			HTTPClient:        a.httpClient("openai-chat", "completion"),
		}, a.logger)
	}
	if cc.Provider == "openai" {
		a.logger.Warn("completion.api_key not set, using echo provider")
	}
	return &completion.EchoProvider{Reply: cc.EchoReply}
}

// registerHealth adds a checker per external dependency
func (a *app) registerHealth(hm *health.Manager) {
	checkers := []health.Checker{health.NewDatabaseChecker(a.db.DB)}
	if a.redis != nil {
		checkers = append(checkers, health.NewRedisChecker(a.redis.Wrapper()))
	}
	if a.qdrant != nil {
		checkers = append(checkers, health.NewIndexChecker("vector_index", a.qdrant))
	}
	checkers = append(checkers, health.NewFuncChecker("context_manager", false, time.Second,
		func(ctx context.Context) health.CheckResult {
			return health.CheckResult{
				Status:    health.StatusHealthy,
				Message:   "context manager running",
				Details:   map[string]interface{}{"active_contexts": a.contexts.ActiveContexts()},
				Timestamp: time.Now(),
			}
		}),
		health.NewFuncChecker("circuit_breakers", false, time.Second, a.breakerHealth))
	for _, c := range checkers {
		if err := hm.Register(c); err != nil {
			a.logger.Warn("Failed to register health checker", zap.String("checker", c.Name()), zap.Error(err))
		}
	}
}

// adminMux serves metrics, health, recommendations and preference updates
func (a *app) adminMux(hm *health.Manager) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.NewHTTPHandler(hm, a.logger).RegisterRoutes(mux)
	recommendation.NewHTTPHandler(a.recommender, a.logger).RegisterRoutes(mux)
	learning.NewHTTPHandler(a.learner, a.logger).RegisterRoutes(mux)
	return mux
}

// breakerHealth reports degraded while any breaker is not closed
func (a *app) breakerHealth(context.Context) health.CheckResult {
	states := a.collector.Snapshot()
	details := make(map[string]interface{}, len(states))
	status, msg := health.StatusHealthy, "all circuit breakers closed"
	for key, s := range states {
		details[key] = s.String()
		if s != circuitbreaker.StateClosed {
			status, msg = health.StatusDegraded, "circuit breaker "+key+" is "+s.String()
		}
	}
	return health.CheckResult{Status: status, Message: msg, Details: details, Timestamp: time.Now()}
}

// close flushes pending context writes and releases connections
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.contexts != nil {
		if err := a.contexts.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
