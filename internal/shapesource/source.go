// Package shapesource fetches geographic records inside a bounding box
// from a document store and returns them as a GeoJSON feature collection
// in the requested projection.
package shapesource

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mohammed-shakir/mongo-shape-source/internal/core/model"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/observability"
	"github.com/mohammed-shakir/mongo-shape-source/internal/projection"
)

const (
	DefaultProjection = projection.WGS84
	DefaultName       = "localdata"
)

// Finder runs a find on a collection and returns every matching record.
type Finder interface {
	FindRecords(ctx context.Context, collection string, filter, fields bson.D) ([]model.Record, error)
}

// Projector names and transforms between projections.
type Projector interface {
	Clean(id string) string
	Point(from, to string, p orb.Point) (orb.Point, error)
	FeatureCollection(from, to string, fc *geojson.FeatureCollection) (*geojson.FeatureCollection, error)
}

type Config struct {
	Finder     Finder
	Collection string
	GeoKey     string
	Query      bson.D
	Select     bson.D

	Projection string
	FilterKey  string
	Name       string
	Projector  Projector
	Logger     *slog.Logger
	Now        func() time.Time
}

// Source is safe for concurrent use; it holds only configuration.
type Source struct {
	finder     Finder
	proj       Projector
	collection string
	geoKey     string
	query      bson.D
	fields     bson.D
	native     string
	filterKey  string
	name       string
	logger     *slog.Logger
	now        func() time.Time
}

func New(cfg Config) (*Source, error) {
	switch {
	case cfg.Finder == nil:
		return nil, invalidConfig("finder")
	case cfg.Collection == "":
		return nil, invalidConfig("collection")
	case cfg.GeoKey == "":
		return nil, invalidConfig("geo key")
	case cfg.Query == nil:
		return nil, invalidConfig("query")
	case cfg.Select == nil:
		return nil, invalidConfig("select")
	}
	if hasKey(cfg.Query, cfg.GeoKey) {
		return nil, fmt.Errorf("%w: query already constrains %q", ErrInvalidConfig, cfg.GeoKey)
	}

	query, err := cloneDoc(cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", ErrInvalidConfig, err)
	}
	fields, err := cloneDoc(cfg.Select)
	if err != nil {
		return nil, fmt.Errorf("%w: select: %w", ErrInvalidConfig, err)
	}

	s := &Source{
		finder:     cfg.Finder,
		proj:       cfg.Projector,
		collection: cfg.Collection,
		geoKey:     cfg.GeoKey,
		query:      query,
		fields:     fields,
		filterKey:  cfg.FilterKey,
		name:       cfg.Name,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if s.proj == nil {
		s.proj = projection.New()
	}
	if s.name == "" {
		s.name = DefaultName
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.now == nil {
		s.now = time.Now
	}
	native := cfg.Projection
	if native == "" {
		native = DefaultProjection
	}
	s.native = s.proj.Clean(native)
	return s, nil
}

func (s *Source) Name() string       { return s.name }
func (s *Source) Projection() string { return s.native }
func (s *Source) Collection() string { return s.collection }

// FetchShapes returns the features whose geometry key lies inside bbox.
// bbox.SRID names the projection of the box and of the returned
// geometries; empty means the native projection.
func (s *Source) FetchShapes(ctx context.Context, bbox model.BBox) (*geojson.FeatureCollection, error) {
	requested := s.native
	if bbox.SRID != "" {
		requested = s.proj.Clean(bbox.SRID)
	}
	log := s.logger.With("source", s.name, "srid", requested)

	lo, hi := orb.Point{bbox.X1, bbox.Y1}, orb.Point{bbox.X2, bbox.Y2}
	if requested != s.native {
		var err error
		if lo, err = s.proj.Point(requested, s.native, lo); err != nil {
			observability.IncShapeError(s.name, "conversion")
			return nil, cornerError("min", err)
		}
		if hi, err = s.proj.Point(requested, s.native, hi); err != nil {
			observability.IncShapeError(s.name, "conversion")
			return nil, cornerError("max", err)
		}
	}
	filter := boxFilter(s.query, s.geoKey, lo, hi)

	start := s.now()
	records, err := s.finder.FindRecords(ctx, s.collection, filter, s.fields)
	fetchDur := s.now().Sub(start)
	observability.ObservePhase(s.name, "fetch", fetchDur)
	if err != nil {
		observability.IncShapeError(s.name, "store")
		log.Warn("fetch failed", "collection", s.collection, "err", err, "elapsed", fetchDur)
		return nil, fmt.Errorf("find %s: %w", s.collection, err)
	}
	observability.ObserveRecords(s.name, len(records))
	log.Debug("fetched records", "count", len(records), "elapsed", fetchDur)

	convStart := s.now()
	fc := geojson.NewFeatureCollection()
	fc.Features = make([]*geojson.Feature, 0, len(records))
	for i, rec := range records {
		f, err := s.toFeature(i, rec)
		if err != nil {
			observability.IncShapeError(s.name, "malformed")
			return nil, err
		}
		fc.Features = append(fc.Features, f)
	}
	observability.ObservePhase(s.name, "convert", s.now().Sub(convStart))

	if requested != s.native {
		start := s.now()
		out, err := s.proj.FeatureCollection(s.native, requested, fc)
		if err != nil {
			observability.IncShapeError(s.name, "conversion")
			return nil, fmt.Errorf("%w: reproject to %s: %w", ErrConversion, requested, err)
		}
		if out == nil {
			return nil, fmt.Errorf("%w: reproject to %s returned no collection", ErrConversion, requested)
		}
		fc = out
		observability.ObservePhase(s.name, "reproject", s.now().Sub(start))
	}

	log.Debug("processed records", "count", len(fc.Features), "elapsed", s.now().Sub(convStart))
	return fc, nil
}

// GetShapes runs FetchShapes on its own goroutine and reports through done,
// which is called exactly once with either a collection or an error.
func (s *Source) GetShapes(ctx context.Context, minX, minY, maxX, maxY float64, srid string, done func(*geojson.FeatureCollection, error)) {
	go func() {
		var (
			fc  *geojson.FeatureCollection
			err error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("panic fetching shapes", "source", s.name, "panic", r, "stack", string(debug.Stack()))
					fc, err = nil, fmt.Errorf("shapesource: panic: %v", r)
				}
			}()
			fc, err = s.FetchShapes(ctx, model.BBox{X1: minX, Y1: minY, X2: maxX, Y2: maxY, SRID: srid})
		}()
		if err != nil {
			fc = nil
		}
		done(fc, err)
	}()
}
