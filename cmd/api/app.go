package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/incrypt/backend/internal/agents"
	"github.com/incrypt/backend/internal/circuitbreaker"
	"github.com/incrypt/backend/internal/config"
	"github.com/incrypt/backend/internal/database"
	"github.com/incrypt/backend/internal/events"
	"github.com/incrypt/backend/internal/handlers"
	"github.com/incrypt/backend/internal/infra"
	"github.com/incrypt/backend/internal/ledger"
	"github.com/incrypt/backend/internal/market"
	"github.com/incrypt/backend/internal/metrics"
	"github.com/incrypt/backend/internal/middleware"
	"github.com/incrypt/backend/internal/payment"
	"github.com/incrypt/backend/internal/reputation"
	"github.com/incrypt/backend/internal/signals"
)

// app is the wired service plus everything that must be closed on exit.
type app struct {
	Handler http.Handler
	Signals *signals.Service

	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	upstreams := circuitbreaker.NewUpstreams(logger)

	receipts, reps, err := openStores(ctx, cfg, a)
	if err != nil {
		return fail(err)
	}
	led := ledger.New(receipts, ledger.WithLogger(logger), ledger.WithMetrics(m))
	repSvc := reputation.NewService(reps, reputation.WithLogger(logger), reputation.WithMetrics(m))

	settlements, err := openSettlements(cfg, a)
	if err != nil {
		return fail(err)
	}
	facilitator := payment.NewHTTPFacilitator(cfg.Payment.FacilitatorURL, ms(cfg.Payment.TimeoutMs), upstreams.Facilitator, logger)
	gate := payment.NewGate(facilitator, settlements,
		payment.WithGateLogger(logger),
		payment.WithGateMetrics(m),
		payment.WithStepTimeout(ms(cfg.Payment.TimeoutMs)),
	)

	var prices market.PriceSource
	if len(cfg.Market.StaticPrices) > 0 {
		prices = market.NewStaticSource(cfg.Market.StaticPrices)
	} else {
		prices = market.NewHermesSource(cfg.Market.HermesURL, cfg.Market.PriceFeeds, ms(cfg.Market.PriceTTLMs), ms(cfg.Market.TimeoutMs),
			market.WithHermesLogger(logger), market.WithHermesMetrics(m), market.WithHermesBreaker(upstreams.Price))
	}
	sentiment := market.NewFearGreedSource(cfg.Market.FearGreedURL, ms(cfg.Market.ContextTTLMs), ms(cfg.Market.TimeoutMs),
		upstreams.MarketContext, logger, m)

	engine, err := buildEngine(cfg.Engine, upstreams.Engine, logger, m)
	if err != nil {
		return fail(err)
	}

	bus, emitter, err := openEvents(ctx, cfg, logger, a)
	if err != nil {
		return fail(err)
	}

	a.Signals = signals.New(signals.Deps{
		Registry:    agents.NewRegistry(),
		Pairs:       cfg.Market.Pairs,
		Prices:      prices,
		Context:     sentiment,
		Engine:      engine,
		Gate:        gate,
		Requirement: payment.RequirementFromConfig(cfg.Payment),
		Ledger:      led,
		Reputation:  repSvc,
	},
		signals.WithLogger(logger),
		signals.WithMetrics(m),
		signals.WithEvents(emitter),
		signals.WithTimeouts(signals.Timeouts{
			Price:   ms(cfg.Market.TimeoutMs),
			Context: ms(cfg.Market.TimeoutMs),
			Engine:  ms(cfg.Engine.TimeoutMs),
			Storage: ms(cfg.Storage.TimeoutMs),
		}),
	)

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.Server.RateLimitRPS,
		Burst:             cfg.Server.RateLimitBurst,
	}, logger)
	a.closers = append(a.closers, func() error { limiter.Stop(); return nil })

	signalsPath, err := routePath(cfg.Payment.Resource)
	if err != nil {
		return fail(err)
	}
	a.Handler = handlers.NewRouter(handlers.Deps{
		Signals:       a.Signals,
		Ledger:        led,
		Reputation:    repSvc,
		Bus:           bus,
		Upstreams:     upstreams,
		Limiter:       limiter,
		Metrics:       m,
		Gatherer:      reg,
		Logger:        logger,
		AllowedOrigin: cfg.Server.AllowedOrigin,
		SignalsPath:   signalsPath,
	})
	return a, nil
}

// routePath returns the path the paid route is mounted on. The resource may
// be advertised as an absolute URL.
func routePath(resource string) (string, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return "", fmt.Errorf("payment resource %q: %w", resource, err)
	}
	if u.Path == "" {
		return "/api/signals", nil
	}
	return u.Path, nil
}

func openStores(ctx context.Context, cfg *config.Config, a *app) (ledger.ReceiptStore, reputation.ReputationStore, error) {
	var (
		db       *database.DB
		receipts ledger.ReceiptStore
		err      error
	)

	switch cfg.Storage.Backend {
	case "memory":
		receipts = ledger.NewMemoryStore()
	case "sqlite", "postgres":
		dialect, dsn := database.SQLite, cfg.Storage.SQLitePath
		if cfg.Storage.Backend == "postgres" {
			dialect, dsn = database.Postgres, cfg.Storage.DatabaseURL
		}
		db, err = database.Open(ctx, dialect, dsn)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, db.Close)

		store := ledger.NewSQLStore(db)
		if err := store.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		receipts = store
	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}

	backend := cfg.Storage.ReputationBackend
	if backend == "" {
		backend = cfg.Storage.Backend
	}
	reps, err := reputation.NewReputationStore(ctx, reputation.StoreConfig{
		Backend:         backend,
		SpannerProject:  cfg.Storage.Spanner.Project,
		SpannerInstance: cfg.Storage.Spanner.Instance,
		SpannerDatabase: cfg.Storage.Spanner.Database,
	}, db)
	if err != nil {
		return nil, nil, fmt.Errorf("reputation store: %w", err)
	}
	a.closers = append(a.closers, reps.Close)
	return receipts, reps, nil
}

func openSettlements(cfg *config.Config, a *app) (payment.SettlementStore, error) {
	ttl := time.Duration(cfg.Payment.IdempotencyTTLSecs) * time.Second
	if cfg.Payment.IdempotencyBackend != "redis" {
		return payment.NewMemorySettlementStore(ttl), nil
	}
	adapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, ttl)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, adapter.Close)
	return adapter, nil
}

func buildEngine(cfg config.EngineConfig, cb *circuitbreaker.CircuitBreaker, logger *slog.Logger, m *metrics.Metrics) (agents.Engine, error) {
	rules := agents.NewRuleEngine()
	if cfg.HuggingFaceAPIKey == "" {
		logger.Warn("HUGGINGFACE_API_KEY not set, using rule-based recommendations")
		return rules, nil
	}
	hf, err := agents.NewHuggingFaceEngine(agents.HuggingFaceConfig{
		Endpoint: cfg.Endpoint,
		Model:    cfg.Model,
		APIKey:   cfg.HuggingFaceAPIKey,
		Timeout:  ms(cfg.TimeoutMs),
	}, cb, logger, m)
	if err != nil {
		return nil, err
	}
	return &agents.FallbackEngine{Primary: hf, Secondary: rules, Logger: logger}, nil
}

func openEvents(ctx context.Context, cfg *config.Config, logger *slog.Logger, a *app) (*events.Bus, events.Emitter, error) {
	switch cfg.Events.Backend {
	case "pubsub":
		pb, err := events.NewPubSubBus(ctx, cfg.Events.ProjectID, cfg.Events.TopicID, logger)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, pb.Close)
		return pb.Bus, pb, nil

	case "redis":
		client, err := infra.NewGoRedisPubSub(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, client.Close)
		rb, err := events.NewRedisBus(ctx, client, cfg.Events.RedisChannel, logger)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, rb.Close)
		return rb.Bus, rb, nil

	default:
		bus := events.NewBus(logger)
		return bus, bus, nil
	}
}
