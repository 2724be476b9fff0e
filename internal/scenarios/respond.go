package scenarios

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/mongo-shape-source/internal/cache/keys"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/model"
	"github.com/mohammed-shakir/mongo-shape-source/internal/hitevents"
	"github.com/mohammed-shakir/mongo-shape-source/internal/mapper"
	"github.com/mohammed-shakir/mongo-shape-source/internal/projection"
	"github.com/mohammed-shakir/mongo-shape-source/internal/shapesource"
)

const ContentType = "application/geo+json"

// Fetcher is the part of *shapesource.Source that handlers use.
type Fetcher interface {
	Name() string
	FetchShapes(ctx context.Context, bb model.BBox) (*geojson.FeatureCollection, error)
}

// Load fetches bb and encodes the collection.
func Load(ctx context.Context, src Fetcher, bb model.BBox) ([]byte, int, error) {
	fc, err := src.FetchShapes(ctx, bb)
	if err != nil {
		return nil, 0, err
	}
	body, err := shapesource.Encode(fc)
	if err != nil {
		return nil, 0, err
	}
	return body, len(fc.Features), nil
}

// WithTimeout bounds one request; d <= 0 leaves ctx as is.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// WriteShapes sends body with an ETag and answers a matching
// If-None-Match with 304.
func WriteShapes(w http.ResponseWriter, r *http.Request, body []byte, cacheStatus string) {
	etag := keys.ETag(body)
	h := w.Header()
	h.Set("ETag", etag)
	h.Set("X-Cache", cacheStatus)

	if etagMatch(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.Set("Content-Type", ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func etagMatch(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, c := range strings.Split(header, ",") {
		c = strings.TrimSpace(c)
		if c == "*" || strings.TrimPrefix(c, "W/") == etag {
			return true
		}
	}
	return false
}

// StatusFor maps a fetch error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, shapesource.ErrConversion), errors.Is(err, projection.ErrUnsupportedProjection):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func WriteError(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	msg := http.StatusText(code)
	if code == http.StatusBadRequest {
		msg = err.Error()
	}
	http.Error(w, msg, code)
}

// Cell returns the footprint cell of bb, or "" when it cannot be mapped.
func Cell(m mapper.Interface, bb model.BBox, res int) string {
	if m == nil {
		return ""
	}
	c, err := m.FootprintCell(bb, res)
	if err != nil {
		return ""
	}
	return c
}

func PublishHit(sink hitevents.Sink, q model.QueryRequest, cell string, features int, cacheStatus string) {
	sink.Publish(hitevents.Event{
		Source:   q.Source,
		SRID:     q.BBox.SRID,
		BBox:     keys.BBoxText(q.BBox),
		Cell:     cell,
		Features: features,
		Cache:    cacheStatus,
	})
}
