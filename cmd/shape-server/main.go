package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mohammed-shakir/mongo-shape-source/internal/cache/redisstore"
	"github.com/mohammed-shakir/mongo-shape-source/internal/cache/responsecache"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/config"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/health"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/observability"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/server"
	"github.com/mohammed-shakir/mongo-shape-source/internal/hitevents"
	"github.com/mohammed-shakir/mongo-shape-source/internal/hotness"
	"github.com/mohammed-shakir/mongo-shape-source/internal/hotness/expdecay"
	"github.com/mohammed-shakir/mongo-shape-source/internal/hotness/metricswrap"
	"github.com/mohammed-shakir/mongo-shape-source/internal/logger"
	h3mapper "github.com/mohammed-shakir/mongo-shape-source/internal/mapper/h3"
	"github.com/mohammed-shakir/mongo-shape-source/internal/metrics"
	"github.com/mohammed-shakir/mongo-shape-source/internal/projection"
	"github.com/mohammed-shakir/mongo-shape-source/internal/scenarios"
	_ "github.com/mohammed-shakir/mongo-shape-source/internal/scenarios/cached"
	_ "github.com/mohammed-shakir/mongo-shape-source/internal/scenarios/direct"
	"github.com/mohammed-shakir/mongo-shape-source/internal/shapesource"
	"github.com/mohammed-shakir/mongo-shape-source/internal/store/mongostore"
	invalkafka "github.com/mohammed-shakir/mongo-shape-source/pkg/invalidation/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// overriding scenario via flag
	scenarioFlag := flag.String("scenario", "", "scenario name (direct|cached)")
	envFile := flag.String("env", ".env", "optional env file")
	flag.Parse()

	cfg := config.Load(*envFile)
	if *scenarioFlag != "" {
		cfg.Scenario = strings.TrimSpace(*scenarioFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "mongo-shape-source",
		Component: "shape-server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prov := metrics.Init(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
		Path:    cfg.Metrics.Path,
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	observability.Init(prov.Registerer(), cfg.Metrics.Enabled)
	observability.ExposeBuildInfo(Version)

	appLog.Info("starting shape server",
		"addr", cfg.Addr,
		"version", Version,
		"scenario", cfg.Scenario,
		"collection", cfg.Shapes.Collection)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Mongo.ConnectTimeout)
	store, err := mongostore.New(connectCtx, cfg.Mongo.URI, cfg.Mongo.Database,
		mongostore.WithConnectTimeout(cfg.Mongo.ConnectTimeout),
		mongostore.WithAppName("mongo-shape-source"))
	cancel()
	if err != nil {
		appLog.Error("mongo connect failed", "err", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			appLog.Warn("mongo close", "err", err)
		}
	}()

	query, err := config.ParseDocument("SHAPES_QUERY", cfg.Shapes.Query)
	if err != nil {
		appLog.Error("invalid shape query", "err", err)
		return 1
	}
	fields, err := config.ParseDocument("SHAPES_SELECT", cfg.Shapes.Select)
	if err != nil {
		appLog.Error("invalid shape select", "err", err)
		return 1
	}

	proj := projection.New()
	src, err := shapesource.New(shapesource.Config{
		Finder:     store,
		Collection: cfg.Shapes.Collection,
		GeoKey:     cfg.Shapes.GeoKey,
		Query:      query,
		Select:     fields,
		Projection: cfg.Shapes.Projection,
		FilterKey:  cfg.Shapes.FilterKey,
		Name:       cfg.Shapes.Name,
		Projector:  proj,
		Logger:     appLog.With("component", "shapesource"),
	})
	if err != nil {
		appLog.Error("shape source setup failed", "err", err)
		return 1
	}
	mapr := h3mapper.New(proj)

	tracker := expdecay.New(cfg.Cache.HotHalfLife)
	hot := metricswrap.New(tracker, metricswrap.Options{
		Name:      "footprint",
		Threshold: cfg.Cache.HotThreshold,
		LogSample: 0.1,
		Logger:    zl.With().Str("component", "hotness").Logger(),
	})
	go tracker.RunSweeper(ctx, cfg.Cache.HotHalfLife, 0.01, func(n int) {
		observability.SetHotKeys("footprint", n)
	})

	checks := []health.Checker{store}
	icfg := invalkafka.FromEnv()

	var cache *responsecache.Cache
	if cfg.Scenario == "cached" || icfg.Enabled {
		rc, err := redisstore.New(ctx, cfg.RedisAddr)
		if err != nil {
			appLog.Error("redis connect failed", "addr", cfg.RedisAddr, "err", err)
			return 1
		}
		defer func() { _ = rc.Close() }()
		checks = append(checks, rc)

		cache, err = responsecache.New(rc, responsecache.Options{
			L1Size:      cfg.Cache.L1Size,
			L1TTL:       cfg.Cache.L1TTL,
			OpTimeout:   cfg.Cache.OpTimeout,
			LoadTimeout: cfg.Shapes.Timeout,
			Policy: hotness.TTLPolicy{
				Tracker:   hot,
				Threshold: cfg.Cache.HotThreshold,
				Default:   cfg.Cache.TTLDefault,
				Hot:       cfg.Cache.TTLHot,
			},
			Logger: appLog.With("component", "responsecache"),
		})
		if err != nil {
			appLog.Error("response cache setup failed", "err", err)
			return 1
		}
	}

	var hits hitevents.Sink = hitevents.Nop{}
	if cfg.HitEvents.Enabled {
		pub, err := hitevents.NewPublisher(config.SplitCSV(cfg.HitEvents.Brokers), cfg.HitEvents.Topic,
			cfg.HitEvents.Queue, appLog.With("component", "hitevents"))
		if err != nil {
			appLog.Error("hit events setup failed", "err", err)
			return 1
		}
		defer func() {
			if err := pub.Close(); err != nil {
				appLog.Warn("hit events close", "err", err)
			}
		}()
		hits = pub
	}

	if icfg.Enabled {
		var bump invalkafka.Bumper
		if cache != nil {
			bump = cache
		}
		runner := invalkafka.New(icfg, bump, invalkafka.Options{
			Logger:   appLog.With("component", "invalidation"),
			Register: prov.Registerer(),
			Hotness:  hot,
			Mapper:   mapr,
			Res:      cfg.Cache.H3Res,
		})
		if err := runner.Start(ctx); err != nil {
			appLog.Error("invalidation runner failed to start", "err", err)
			return 1
		}
		defer runner.Stop()
		if runner.Enabled() {
			checks = append(checks, health.Partitions("kafka", runner))
		}
	}

	// selected scenario
	handler, err := scenarios.New(cfg.Scenario, cfg, appLog, scenarios.Deps{
		Source: src,
		Cache:  cache,
		Hits:   hits,
		Mapper: mapr,
	})
	if err != nil {
		appLog.Error("scenario setup failed", "err", err)
		return 1
	}

	opts := server.Options{
		Source: src.Name(),
		Ready:  health.Readiness(2*time.Second, checks...),
	}
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Addr == "" {
			opts.Metrics = prov.Handler()
		} else {
			go func() {
				if err := prov.Serve(ctx, appLog); err != nil {
					appLog.Error("metrics server exited", "err", err)
				}
			}()
		}
	}

	if err := server.Run(ctx, cfg, appLog, handler, opts); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
