package scenarios

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/mongo-shape-source/internal/cache/keys"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/model"
	"github.com/mohammed-shakir/mongo-shape-source/internal/hitevents"
	"github.com/mohammed-shakir/mongo-shape-source/internal/projection"
	"github.com/mohammed-shakir/mongo-shape-source/internal/shapesource"
)

type oneShape struct{ err error }

func (oneShape) Name() string { return "parcels" }
func (s oneShape) FetchShapes(context.Context, model.BBox) (*geojson.FeatureCollection, error) {
	if s.err != nil {
		return nil, s.err
	}
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{1, 2}))
	return fc, nil
}

func TestLoad(t *testing.T) {
	body, n, err := Load(context.Background(), oneShape{}, model.BBox{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 1 {
		t.Fatalf("features=%d want 1", n)
	}
	fc, err := shapesource.Decode(body)
	if err != nil || len(fc.Features) != 1 {
		t.Fatalf("body does not decode: %v %s", err, body)
	}

	boom := errors.New("boom")
	if _, _, err := Load(context.Background(), oneShape{err: boom}, model.BBox{}); !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
}

func TestWriteShapes_ETagAndConditional(t *testing.T) {
	body := []byte(`{"type":"FeatureCollection","features":[]}`)
	etag := keys.ETag(body)

	rr := httptest.NewRecorder()
	WriteShapes(rr, httptest.NewRequest(http.MethodGet, "/shapes", nil), body, "MISS")
	if rr.Code != http.StatusOK || rr.Body.String() != string(body) {
		t.Fatalf("code=%d body=%q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("ETag") != etag || rr.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("headers=%v", rr.Header())
	}
	if rr.Header().Get("Content-Type") != ContentType {
		t.Fatalf("content-type=%q", rr.Header().Get("Content-Type"))
	}

	for _, inm := range []string{etag, `"other", ` + etag, "W/" + etag, "*"} {
		req := httptest.NewRequest(http.MethodGet, "/shapes", nil)
		req.Header.Set("If-None-Match", inm)
		rr = httptest.NewRecorder()
		WriteShapes(rr, req, body, "HIT")
		if rr.Code != http.StatusNotModified || rr.Body.Len() != 0 {
			t.Fatalf("If-None-Match %q: code=%d len=%d", inm, rr.Code, rr.Body.Len())
		}
		if rr.Header().Get("ETag") != etag {
			t.Fatalf("304 must repeat the etag")
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/shapes", nil)
	req.Header.Set("If-None-Match", `"stale"`)
	rr = httptest.NewRecorder()
	WriteShapes(rr, req, body, "HIT")
	if rr.Code != http.StatusOK {
		t.Fatalf("stale etag: code=%d", rr.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("find: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{context.Canceled, http.StatusRequestTimeout},
		{fmt.Errorf("%w: corner", shapesource.ErrConversion), http.StatusBadRequest},
		{projection.ErrUnsupportedProjection, http.StatusBadRequest},
		{&shapesource.RecordError{Index: 1, Reason: "no geo_info"}, http.StatusBadGateway},
		{errors.New("connection refused"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Fatalf("StatusFor(%v)=%d want %d", tc.err, got, tc.want)
		}
	}
}

func TestWriteError_HidesUpstreamDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, errors.New("mongo: auth failed for user admin"))
	if rr.Code != http.StatusBadGateway || rr.Body.String() != "Bad Gateway\n" {
		t.Fatalf("code=%d body=%q", rr.Code, rr.Body.String())
	}
}

type mapperFunc func(model.BBox, int) (string, error)

func (f mapperFunc) CellForPoint(float64, float64, int) (string, error) { return "", nil }
func (f mapperFunc) FootprintCell(bb model.BBox, res int) (string, error) {
	return f(bb, res)
}

func TestCell(t *testing.T) {
	if got := Cell(nil, model.BBox{}, 7); got != "" {
		t.Fatalf("nil mapper gave %q", got)
	}
	ok := mapperFunc(func(model.BBox, int) (string, error) { return "872a1072bffffff", nil })
	if got := Cell(ok, model.BBox{}, 7); got != "872a1072bffffff" {
		t.Fatalf("Cell=%q", got)
	}
	bad := mapperFunc(func(model.BBox, int) (string, error) { return "", errors.New("out of range") })
	if got := Cell(bad, model.BBox{}, 7); got != "" {
		t.Fatalf("failed mapping gave %q", got)
	}
}

type captureSink struct{ events []hitevents.Event }

func (c *captureSink) Publish(ev hitevents.Event) { c.events = append(c.events, ev) }

func TestPublishHit(t *testing.T) {
	sink := &captureSink{}
	q := model.QueryRequest{Source: "parcels", BBox: model.BBox{X1: 1, Y1: 2, X2: 3, Y2: 4, SRID: "EPSG:4326"}}
	PublishHit(sink, q, "cell", 5, "HIT")
	if len(sink.events) != 1 {
		t.Fatalf("events=%d", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Source != "parcels" || ev.SRID != "EPSG:4326" || ev.BBox != "1,2,3,4" || ev.Cell != "cell" || ev.Features != 5 || ev.Cache != "HIT" {
		t.Fatalf("event=%+v", ev)
	}
}
