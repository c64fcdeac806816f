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
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/blumarkets/portfolio-engine/internal/allocation"
	"github.com/blumarkets/portfolio-engine/internal/api"
	"github.com/blumarkets/portfolio-engine/internal/archive"
	"github.com/blumarkets/portfolio-engine/internal/config"
	"github.com/blumarkets/portfolio-engine/internal/events"
	"github.com/blumarkets/portfolio-engine/internal/hram"
	"github.com/blumarkets/portfolio-engine/internal/liquidation"
	"github.com/blumarkets/portfolio-engine/internal/loan"
	"github.com/blumarkets/portfolio-engine/internal/lock"
	"github.com/blumarkets/portfolio-engine/internal/metrics"
	"github.com/blumarkets/portfolio-engine/internal/price"
	"github.com/blumarkets/portfolio-engine/internal/rebalance"
	"github.com/blumarkets/portfolio-engine/internal/registry"
	"github.com/blumarkets/portfolio-engine/internal/scheduler"
	"github.com/blumarkets/portfolio-engine/internal/store"
	"github.com/blumarkets/portfolio-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("PORTFOLIO_CONFIG"), "path to TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("portfolio-engine failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pol := cfg.Policy.ToPolicy()
	reg := registry.Default(pol.MaxLTV)

	// --- Store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Database.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("parse database dsn: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Database.PoolMaxConns)
		poolCfg.MinConns = int32(cfg.Database.PoolMinConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Redis: cache, job lock, live prices ---
	var (
		locker lock.Locker
		prices price.Source
	)
	if cfg.Redis.Enabled() {
		rdb, err := redisClient(cfg.Redis)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { rdb.Close() })

		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
		var opts []lock.Option
		if cfg.Redis.LockFailClosed {
			opts = append(opts, lock.FailClosed())
		}
		locker = lock.NewRedisLock(rdb, opts...)
		prices = price.NewRedisSource(rdb, func() []string {
			assets := reg.Assets()
			ids := make([]string, len(assets))
			for i, a := range assets {
				ids[i] = a.ID
			}
			return ids
		})
		slog.Info("Redis enabled", "lock_fail_closed", cfg.Redis.LockFailClosed)
	} else {
		slog.Warn("redis not configured, using in-process lock and static prices")
		locker = lock.NewMemoryLock()
		prices = price.NewStaticSource()
	}

	// --- Services ---
	hub := events.NewHub()
	classifier := allocation.NewClassifier(pol, reg)
	executor := trade.NewExecutor(pol, reg)
	tradeSvc := trade.NewService(st, prices, classifier, executor, pol, hub)
	rebalanceSvc := rebalance.NewService(st, prices, rebalance.NewPlanner(pol, classifier, reg), executor, pol, hub)
	loans := loan.NewManager(st, prices, reg, classifier, pol, hub)

	// --- Background jobs ---
	sched := scheduler.New(ctx, cfg.Jobs.Timeout.Duration)
	interval := cfg.Jobs.LiquidationInterval.Duration
	jobs := []scheduledJob{
		{"@every " + interval.String(), liquidation.NewMonitor(st, prices, loans, pol.LiquidationLtv), interval},
		{cfg.Jobs.PriceHistoryCron, price.NewHistoryJob(prices, st), cfg.Jobs.Timeout.Duration},
		{cfg.Jobs.HramCron, hram.NewRefreshJob(st, reg, hram.DefaultParams()), cfg.Jobs.Timeout.Duration},
	}
	if cfg.S3.Bucket != "" {
		w, err := archive.NewS3Writer(ctx, archive.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("s3: %w", err)
		}
		jobs = append(jobs, scheduledJob{cfg.Jobs.ArchiveCron, archive.NewArchiver(st, w, cfg.S3.RetentionMonths), cfg.Jobs.Timeout.Duration})
	} else {
		slog.Info("s3 bucket not set, ledger archival disabled")
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, scheduler.Locked(j.job, locker, j.ttl)); err != nil {
			return fmt.Errorf("schedule %s: %w", j.job.Name(), err)
		}
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"portfolio-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	h := api.NewHandler(tradeSvc, rebalanceSvc, loans, st, prices, hub)
	r.Mount("/api/v1", h.Routes())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout.Duration + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		slog.Info("portfolio-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down portfolio-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("portfolio-engine stopped")
	return nil
}

// scheduledJob pairs a job with its schedule and lock TTL.
type scheduledJob struct {
	schedule string
	job      scheduler.Job
	ttl      time.Duration
}

func redisClient(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL != "" {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		if cfg.PoolSize > 0 {
			opt.PoolSize = cfg.PoolSize
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}), nil
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
