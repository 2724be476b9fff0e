package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/mongo-shape-source/internal/core/model"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/observability"
	"github.com/mohammed-shakir/mongo-shape-source/internal/projection"
)

const Route = "/shapes"

// receives validated query requests and serves them
type QueryHandler interface {
	HandleQuery(ctx context.Context, w http.ResponseWriter, r *http.Request, q model.QueryRequest)
}

// validates input query params and calls the handler
func HandleQuery(logger *slog.Logger, source string, h QueryHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		q, warn, err := ParseQueryRequest(r)
		if warn != "" {
			logger.Warn(warn)
		}
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, Route, http.StatusBadRequest, time.Since(start).Seconds())
			return
		}
		if q.Source != "" && q.Source != source {
			http.Error(sw, fmt.Sprintf("unknown source %q", q.Source), http.StatusNotFound)
			observability.ObserveHTTP(r.Method, Route, http.StatusNotFound, time.Since(start).Seconds())
			return
		}
		q.Source = source

		h.HandleQuery(r.Context(), sw, r, q)
		observability.ObserveHTTP(r.Method, Route, sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// ParseQueryRequest reads bbox=x1,y1,x2,y2[,SRID] and an optional srs
// parameter. An SRID inside bbox wins over srs; the default is EPSG:4326.
func ParseQueryRequest(r *http.Request) (model.QueryRequest, string, error) {
	var warn string
	params := r.URL.Query()

	rawBBox := strings.TrimSpace(params.Get("bbox"))
	if rawBBox == "" {
		return model.QueryRequest{}, "", errors.New("missing required parameter: bbox")
	}
	srs := strings.TrimSpace(params.Get("srs"))

	parts := strings.Split(rawBBox, ",")
	switch len(parts) {
	case 4:
	case 5:
		inBox := strings.TrimSpace(parts[4])
		if srs != "" && projection.Clean(srs) != projection.Clean(inBox) {
			warn = fmt.Sprintf("bbox srid %q overrides srs %q", inBox, srs)
		}
		srs = inBox
	default:
		return model.QueryRequest{}, "", errors.New("invalid bbox: expected x1,y1,x2,y2[,SRID]")
	}
	if srs == "" {
		srs = projection.WGS84
	}

	bb, err := parseBBOX(parts[:4], srs)
	if err != nil {
		return model.QueryRequest{}, warn, fmt.Errorf("invalid bbox: %w", err)
	}
	return model.QueryRequest{
		Source: strings.TrimSpace(params.Get("source")),
		BBox:   bb,
	}, warn, nil
}

func parseBBOX(parts []string, srs string) (model.BBox, error) {
	var v [4]float64
	for i, name := range []string{"x1", "y1", "x2", "y2"} {
		f, err := parseFloat(parts[i])
		if err != nil {
			return model.BBox{}, fmt.Errorf("%s: %w", name, err)
		}
		v[i] = f
	}
	xMin, yMin, xMax, yMax := v[0], v[1], v[2], v[3]

	srid := projection.Clean(srs)
	if !projection.Supported(srid) {
		return model.BBox{}, fmt.Errorf("unsupported projection %q", srs)
	}

	if srid == projection.WGS84 {
		if !(xMin >= -180 && xMin <= 180 && xMax >= -180 && xMax <= 180) {
			return model.BBox{}, errors.New("longitude must be in [-180,180]")
		}
		if !(yMin >= -90 && yMin <= 90 && yMax >= -90 && yMax <= 90) {
			return model.BBox{}, errors.New("latitude must be in [-90,90]")
		}
	}
	if xMax <= xMin || yMax <= yMin {
		return model.BBox{}, errors.New("coordinates must satisfy x2>x1 and y2>y1")
	}
	return model.BBox{X1: xMin, Y1: yMin, X2: xMax, Y2: yMax, SRID: srid}, nil
}

func parseFloat(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("must be finite")
	}
	return f, nil
}
