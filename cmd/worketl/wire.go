package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for the watermark store
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/medsync/worketl/internal/ai"
	"github.com/medsync/worketl/internal/breaker"
	"github.com/medsync/worketl/internal/config"
	werrors "github.com/medsync/worketl/internal/errors"
	"github.com/medsync/worketl/internal/migrations"
	"github.com/medsync/worketl/internal/model"
	"github.com/medsync/worketl/internal/orchestrator"
	"github.com/medsync/worketl/internal/progress"
	"github.com/medsync/worketl/internal/retry"
	"github.com/medsync/worketl/internal/scrub"
	"github.com/medsync/worketl/internal/sink"
	"github.com/medsync/worketl/internal/source"
	"github.com/medsync/worketl/internal/watermark"
)

// deps bundles every component an orchestrator run needs, assembled
// once per CLI invocation.
type deps struct {
	cfg        config.Config
	pool       *pgxpool.Pool
	sourcePool *pgxpool.Pool
	sqlDB      *sql.DB
	log        *slog.Logger
	source     *source.PostgresReader
	sink       *sink.PostgresWriter
	embeddings sink.EmbeddingStore
	watermark  *watermark.Store
	scrubber   *scrub.Scrubber
	aiClient   *ai.Client
	reporter   *progress.Reporter
	registry   *prometheus.Registry

	sourceBreaker *breaker.Breaker
	sinkBreaker   *breaker.Breaker
}

func newLogger(globals GlobalFlags) *slog.Logger {
	level := slog.LevelWarn
	if globals.Verbose == 1 {
		level = slog.LevelInfo
	} else if globals.Verbose >= 2 {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if globals.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// wireDeps loads config and constructs every component RunTable/Backfill
// need, in composition order (rate limit → breaker →
// retry → provider for the AI client; see internal/ai/client.go).
func wireDeps(ctx context.Context, globals GlobalFlags) (*deps, error) {
	log := newLogger(globals)

	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		return nil, err
	}

	sinkDSN := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?pool_max_conns=%d",
		cfg.Sink.User, cfg.Sink.Password, cfg.Sink.Host, cfg.Sink.Port, cfg.Sink.Database, cfg.Sink.PoolSize)

	pool, err := pgxpool.New(ctx, sinkDSN)
	if err != nil {
		return nil, werrors.NewDatabaseError("Cannot connect to sink", "failed to create connection pool", "check WORKETL_SINK_* settings", err)
	}

	sqlDB, err := sql.Open("pgx", sinkDSN)
	if err != nil {
		return nil, werrors.NewDatabaseError("Cannot open watermark store connection", "", "", err)
	}

	if err := migrations.Up(ctx, sqlDB); err != nil {
		return nil, werrors.NewDatabaseError("Cannot apply sink schema migrations", "", "check WORKETL_SINK_* settings and database permissions", err)
	}

	writer, embeddingStore, err := sink.NewPostgresWriter(ctx, pool, log)
	if err != nil {
		return nil, err
	}

	// The source warehouse is a separate connection (spec.md §6): no
	// Snowflake driver exists in the retrieved corpus, so it is
	// addressed through the same generic pgx/v5 SQL interface the sink
	// uses (see internal/source/postgres.go), over its own pool built
	// from the Source credentials rather than the Sink's.
	sourcePool, err := pgxpool.New(ctx, sourceDSN(cfg.Source))
	if err != nil {
		return nil, werrors.NewDatabaseError("Cannot connect to source warehouse", "failed to create connection pool", "check WORKETL_SOURCE_* settings", err)
	}

	reg := prometheus.NewRegistry()
	counters := progress.NewCounters(reg)
	reporter := progress.NewReporter(counters, log, progress.LogDelivery{Log: log})

	sourceBreakerCfg := breaker.DefaultConfig()
	sourceBreakerCfg.OnOpen = reporter.ReportCircuitOpen
	sourceBreaker := breaker.New("source", sourceBreakerCfg, log)

	sinkBreakerCfg := breaker.DefaultConfig()
	sinkBreakerCfg.OnOpen = reporter.ReportCircuitOpen
	sinkBreaker := breaker.New("sink", sinkBreakerCfg, log)

	var aiClient *ai.Client
	if cfg.AI.Endpoint != "" {
		cache, err := ai.NewCache(cfg.AI.CacheSize, cfg.AI.RedisAddr)
		if err != nil {
			return nil, werrors.NewInternalError("Cannot build embedding cache", "", "", err)
		}
		extractor := ai.NewAnthropicProvider(os.Getenv("WORKETL_AI_API_KEY"), cfg.AI.ModelVersion)
		embedder, err := ai.NewLangChainProvider(os.Getenv("WORKETL_AI_API_KEY"), cfg.AI.Endpoint, cfg.AI.ModelVersion, model.EmbeddingDimension)
		if err != nil {
			return nil, err
		}
		provider := ai.NewHybridProvider(extractor, embedder)
		aiBreakerCfg := breaker.DefaultConfig()
		aiBreakerCfg.OnOpen = reporter.ReportCircuitOpen
		br := breaker.New("ai", aiBreakerCfg, log)
		aiClient = ai.NewClient(provider, cfg.AI, cache, br, log)
		aiClient.OnBudgetAlert(func(u ai.Usage) {
			reporter.ReportCost("ai", u.EstimatedUSD, cfg.AI.CostAlertUSD)
		})
	}

	return &deps{
		cfg:        cfg,
		pool:       pool,
		sourcePool: sourcePool,
		sqlDB:      sqlDB,
		log:        log,
		source:     source.NewPostgresReader(sourcePool),
		sink:       writer,
		embeddings: embeddingStore,
		watermark:  watermark.New(sqlDB),
		scrubber:   scrub.New(),
		aiClient:   aiClient,
		reporter:   reporter,
		registry:   reg,

		sourceBreaker: sourceBreaker,
		sinkBreaker:   sinkBreaker,
	}, nil
}

// serveMetrics exposes d.registry on addr until ctx is cancelled, for
// the --metrics-addr flag on run-etl and backfill.
func (d *deps) serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		d.log.Info("worketl.metrics.http.start", "addr", addr, "path", "/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Warn("worketl.metrics.http.error", "err", err)
		}
	}()
}

// sourceDSN builds a postgres-wire connection string from the source
// warehouse credentials (spec.md §4.2). Account serves as host:port;
// the password/token slot is selected by the configured authenticator.
func sourceDSN(src config.SourceConfig) string {
	secret := src.Password
	if src.Authenticator == config.AuthOAuth {
		secret = src.Token
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?search_path=%s",
		src.User, secret, src.Account, src.Database, src.Schema)
}

func (d *deps) close() {
	d.pool.Close()
	d.sourcePool.Close()
	_ = d.sqlDB.Close()
}

// etlRetryPolicy overrides retry.DefaultPolicy's bound and base delay
// with the configured ETL.MaxRetries/RetryDelaySeconds, keeping the
// default multiplier, cap, and jitter fraction.
func etlRetryPolicy(cfg config.ETLConfig) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = cfg.MaxRetries
	p.InitialBackoff = cfg.RetryDelay()
	return p
}

func (d *deps) incremental() *orchestrator.Incremental {
	return &orchestrator.Incremental{
		Source:        d.source,
		Sink:          d.sink,
		Embeddings:    d.embeddings,
		Watermark:     d.watermark,
		Scrubber:      d.scrubber,
		AI:            d.aiClient,
		Reporter:      d.reporter,
		Log:           d.log,
		SourceBreaker: d.sourceBreaker,
		SinkBreaker:   d.sinkBreaker,
		RetryPolicy:   etlRetryPolicy(d.cfg.ETL),
		BatchSize:     d.cfg.ETL.BatchSize,
		MaxInFlightAI: d.cfg.Backfill.MaxWorkers,
		SLO:           d.cfg.ETL.SLO(),
		LockTimeout:   d.cfg.ETL.LockTimeout(),
	}
}
