// Package direct serves every request straight from the shape source.
package direct

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mohammed-shakir/mongo-shape-source/internal/core/config"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/model"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/router"
	"github.com/mohammed-shakir/mongo-shape-source/internal/hitevents"
	"github.com/mohammed-shakir/mongo-shape-source/internal/logger"
	"github.com/mohammed-shakir/mongo-shape-source/internal/mapper"
	"github.com/mohammed-shakir/mongo-shape-source/internal/scenarios"
)

const cacheStatus = "BYPASS"

type Engine struct {
	logger  *slog.Logger
	src     scenarios.Fetcher
	hits    hitevents.Sink
	mapr    mapper.Interface
	res     int
	timeout time.Duration
}

func init() {
	scenarios.Register("direct", newDirect)
}

func newDirect(cfg config.Config, logger *slog.Logger, deps scenarios.Deps) (router.QueryHandler, error) {
	return &Engine{
		logger:  logger,
		src:     deps.Source,
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
	ctx = logger.WithCacheOutcome(ctx, cacheStatus)
	ctx, cancel := scenarios.WithTimeout(ctx, e.timeout)
	defer cancel()

	body, n, err := scenarios.Load(ctx, e.src, q.BBox)
	if err != nil {
		e.logger.ErrorContext(ctx, "shape fetch failed", "bbox", q.BBox.String(), "err", err)
		scenarios.WriteError(w, err)
		return
	}

	scenarios.WriteShapes(w, r, body, cacheStatus)
	scenarios.PublishHit(e.hits, q, scenarios.Cell(e.mapr, q.BBox, e.res), n, cacheStatus)
	e.logger.InfoContext(ctx, "shapes served",
		"bbox", q.BBox.String(), "features", n, "bytes", len(body),
		"dur", time.Since(start).String())
}
