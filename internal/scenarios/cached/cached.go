// Package cached serves shape responses cache-aside through the two tier
// response cache.
package cached

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mohammed-shakir/mongo-shape-source/internal/cache/responsecache"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/config"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/model"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/router"
	"github.com/mohammed-shakir/mongo-shape-source/internal/hitevents"
	"github.com/mohammed-shakir/mongo-shape-source/internal/hotness"
	"github.com/mohammed-shakir/mongo-shape-source/internal/logger"
	"github.com/mohammed-shakir/mongo-shape-source/internal/mapper"
	"github.com/mohammed-shakir/mongo-shape-source/internal/scenarios"
)

type Engine struct {
	logger  *slog.Logger
	src     scenarios.Fetcher
	cache   *responsecache.Cache
	hits    hitevents.Sink
	mapr    mapper.Interface
	res     int
	timeout time.Duration
}

func init() {
	scenarios.Register("cached", newCached)
}

func newCached(cfg config.Config, logger *slog.Logger, deps scenarios.Deps) (router.QueryHandler, error) {
	if deps.Cache == nil {
		return nil, errors.New("cached scenario: response cache is required")
	}
	return &Engine{
		logger:  logger,
		src:     deps.Source,
		cache:   deps.Cache,
		hits:    deps.Hits,
		mapr:    deps.Mapper,
		res:     cfg.Cache.H3Res,
		timeout: cfg.Shapes.Timeout,
	}, nil
}

func (e *Engine) HandleQuery(ctx context.Context, w http.ResponseWriter, r *http.Request, q model.QueryRequest) {
	start := time.Now()
	ctx = logger.WithSource(ctx, q.Source)
	ctx = logger.WithProjection(ctx, q.BBox.SRID)
	ctx, cancel := scenarios.WithTimeout(ctx, e.timeout)
	defer cancel()

	cell := scenarios.Cell(e.mapr, q.BBox, e.res)
	res, err := e.cache.Fetch(ctx, q.Source, q.BBox, hotness.Key(q.Source, cell),
		func(ctx context.Context) ([]byte, int, error) {
			return scenarios.Load(ctx, e.src, q.BBox)
		})
	if err != nil {
		e.logger.ErrorContext(ctx, "shape fetch failed", "bbox", q.BBox.String(), "err", err)
		scenarios.WriteError(w, err)
		return
	}

	status := string(res.Outcome)
	ctx = logger.WithCacheOutcome(ctx, status)
	scenarios.WriteShapes(w, r, res.Body, status)
	scenarios.PublishHit(e.hits, q, cell, res.Features, status)
	e.logger.InfoContext(ctx, "shapes served",
		"bbox", q.BBox.String(), "features", res.Features, "bytes", len(res.Body),
		"cell", cell, "ttl", res.TTL.String(), "dur", time.Since(start).String())
}
