package shapesource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mohammed-shakir/mongo-shape-source/internal/core/model"
	"github.com/mohammed-shakir/mongo-shape-source/internal/projection"
)

type findCall struct {
	collection string
	filter     bson.D
	fields     bson.D
}

type fakeFinder struct {
	mu      sync.Mutex
	records []model.Record
	err     error
	panics  bool
	calls   []findCall
}

func (f *fakeFinder) FindRecords(_ context.Context, collection string, filter, fields bson.D) ([]model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, findCall{collection, filter, fields})
	if f.panics {
		panic("cursor exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func (f *fakeFinder) lastFilter(t *testing.T) bson.D {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1].filter
}

// scaleProjector treats "FAKE:10" as native coordinates multiplied by ten.
type scaleProjector struct {
	pointCalls atomic.Int32
	fcCalls    atomic.Int32
	failPoint  bool
}

func (p *scaleProjector) Clean(id string) string { return strings.ToUpper(strings.TrimSpace(id)) }

func (p *scaleProjector) factor(from, to string) (float64, error) {
	switch {
	case from == to:
		return 1, nil
	case from == "FAKE:10" && to == "EPSG:4326":
		return 0.1, nil
	case from == "EPSG:4326" && to == "FAKE:10":
		return 10, nil
	}
	return 0, fmt.Errorf("no transform %s -> %s", from, to)
}

func (p *scaleProjector) Point(from, to string, pt orb.Point) (orb.Point, error) {
	p.pointCalls.Add(1)
	if p.failPoint {
		return orb.Point{}, errors.New("boom")
	}
	k, err := p.factor(from, to)
	if err != nil {
		return orb.Point{}, err
	}
	return orb.Point{pt[0] * k, pt[1] * k}, nil
}

func (p *scaleProjector) FeatureCollection(from, to string, fc *geojson.FeatureCollection) (*geojson.FeatureCollection, error) {
	p.fcCalls.Add(1)
	k, err := p.factor(from, to)
	if err != nil {
		return nil, err
	}
	out := geojson.NewFeatureCollection()
	for _, f := range fc.Features {
		nf := *f
		if pt, ok := f.Geometry.(orb.Point); ok {
			nf.Geometry = orb.Point{pt[0] * k, pt[1] * k}
		}
		out.Append(&nf)
	}
	return out, nil
}

func rawDoc(t *testing.T, v any) bson.RawValue {
	t.Helper()
	b, err := bson.Marshal(v)
	require.NoError(t, err)
	return bson.RawValue{Type: bson.TypeEmbeddedDocument, Value: b}
}

func newSource(t *testing.T, finder Finder, mutate func(*Config)) *Source {
	t.Helper()
	cfg := Config{
		Finder:     finder,
		Collection: "responses",
		GeoKey:     "geo_info.centroid",
		Query:      bson.D{{Key: "survey", Value: "s1"}},
		Select:     bson.D{{Key: "geo_info", Value: 1}, {Key: "parcel_id", Value: 1}},
		Now:        func() time.Time { return time.Unix(0, 0) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func TestNew_RequiredFields(t *testing.T) {
	base := func() Config {
		return Config{
			Finder:     &fakeFinder{},
			Collection: "responses",
			GeoKey:     "geo_info.centroid",
			Query:      bson.D{},
			Select:     bson.D{},
		}
	}
	cases := map[string]func(*Config){
		"finder":     func(c *Config) { c.Finder = nil },
		"collection": func(c *Config) { c.Collection = "" },
		"geo key":    func(c *Config) { c.GeoKey = "" },
		"query":      func(c *Config) { c.Query = nil },
		"select":     func(c *Config) { c.Select = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			_, err := New(cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), name)
		})
	}

	s, err := New(base())
	require.NoError(t, err)
	assert.Equal(t, DefaultName, s.Name())
	assert.Equal(t, projection.WGS84, s.Projection())
}

func TestNew_RejectsQueryOnGeoKey(t *testing.T) {
	_, err := New(Config{
		Finder:     &fakeFinder{},
		Collection: "responses",
		GeoKey:     "geo_info.centroid",
		Query:      bson.D{{Key: "geo_info.centroid", Value: bson.D{{Key: "$exists", Value: true}}}},
		Select:     bson.D{},
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_CleansNativeProjection(t *testing.T) {
	s := newSource(t, &fakeFinder{}, func(c *Config) { c.Projection = "900913" })
	assert.Equal(t, projection.WebMercator, s.Projection())
}

func TestFetchShapes_SameProjectionUsesCornersExactly(t *testing.T) {
	finder := &fakeFinder{}
	proj := &scaleProjector{}
	s := newSource(t, finder, func(c *Config) { c.Projector = proj })

	fc, err := s.FetchShapes(context.Background(), model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10, SRID: "EPSG:4326"})
	require.NoError(t, err)
	require.NotNil(t, fc)

	assert.Zero(t, proj.pointCalls.Load())
	assert.Zero(t, proj.fcCalls.Load())

	want := bson.D{
		{Key: "survey", Value: "s1"},
		{Key: "geo_info.centroid", Value: bson.D{{Key: "$geoWithin", Value: bson.D{{
			Key:   "$box",
			Value: bson.A{bson.A{0.0, 0.0}, bson.A{10.0, 10.0}},
		}}}}},
	}
	if diff := cmp.Diff(want, finder.lastFilter(t)); diff != "" {
		t.Fatalf("filter mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "responses", finder.calls[0].collection)
	assert.Equal(t, bson.D{{Key: "geo_info", Value: 1}, {Key: "parcel_id", Value: 1}}, finder.calls[0].fields)
}

func TestFetchShapes_BaseQueryNotMutated(t *testing.T) {
	finder := &fakeFinder{}
	query := bson.D{{Key: "survey", Value: "s1"}}
	s := newSource(t, finder, func(c *Config) { c.Query = query })

	for i := 0; i < 3; i++ {
		_, err := s.FetchShapes(context.Background(), model.BBox{X1: float64(i), Y1: 0, X2: 10, Y2: 10})
		require.NoError(t, err)
		assert.Len(t, finder.lastFilter(t), 2)
	}
	assert.Equal(t, bson.D{{Key: "survey", Value: "s1"}}, query)
	assert.Len(t, s.query, 1)

	// caller mutation after New does not leak in
	query[0].Value = "other"
	_, err := s.FetchShapes(context.Background(), model.BBox{X1: 0, Y1: 0, X2: 1, Y2: 1})
	require.NoError(t, err)
	assert.Equal(t, "s1", finder.lastFilter(t)[0].Value)
}

func TestNew_DeepCopiesDocumentsKeepingTypes(t *testing.T) {
	tags := bson.A{"a", 2}
	rank := bson.D{{Key: "$gte", Value: 3}}
	query := bson.D{
		{Key: "rank", Value: rank},
		{Key: "tags", Value: bson.D{{Key: "$in", Value: tags}}},
		{Key: "limit", Value: int64(7)},
	}
	fields := bson.D{{Key: "geo_info", Value: 1}}
	s := newSource(t, &fakeFinder{}, func(c *Config) {
		c.Query = query
		c.Select = fields
	})

	rank[0].Value = 99
	tags[0] = "z"
	fields[0].Value = 0

	want := bson.D{
		{Key: "rank", Value: bson.D{{Key: "$gte", Value: 3}}},
		{Key: "tags", Value: bson.D{{Key: "$in", Value: bson.A{"a", 2}}}},
		{Key: "limit", Value: int64(7)},
	}
	if diff := cmp.Diff(want, s.query); diff != "" {
		t.Fatalf("query copy mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, bson.D{{Key: "geo_info", Value: 1}}, s.fields)
}

func TestNew_RejectsUnencodableQuery(t *testing.T) {
	_, err := New(Config{
		Finder:     &fakeFinder{},
		Collection: "responses",
		GeoKey:     "geo_info.centroid",
		Query:      bson.D{{Key: "bad", Value: make(chan int)}},
		Select:     bson.D{},
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFetchShapes_CentroidRecord(t *testing.T) {
	finder := &fakeFinder{records: []model.Record{
		{ID: "r1", GeoInfo: &model.GeoInfo{Centroid: []float64{1, 2}}},
	}}
	s := newSource(t, finder, nil)

	fc, err := s.FetchShapes(context.Background(), model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10, SRID: "EPSG:4326"})
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)

	f := fc.Features[0]
	assert.Equal(t, "r1", f.ID)
	assert.Equal(t, orb.Point{1, 2}, f.Geometry)
	assert.Empty(t, f.Properties)

	b, err := Encode(fc)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"id":"r1"`)
	assert.Contains(t, string(b), `"coordinates":[1,2]`)
}

func TestFetchShapes_ExplicitGeometry(t *testing.T) {
	poly := bson.M{
		"type":        "Polygon",
		"coordinates": bson.A{bson.A{bson.A{0.0, 0.0}, bson.A{2.0, 0.0}, bson.A{2.0, 2.0}, bson.A{0.0, 0.0}}},
	}
	finder := &fakeFinder{records: []model.Record{
		{
			ID:       primitive.NewObjectID(),
			ParcelID: "p-17",
			GeoInfo: &model.GeoInfo{
				Geometry:          rawDoc(t, poly),
				Centroid:          []float64{1, 1},
				HumanReadableName: "17 Main St",
			},
		},
	}}
	s := newSource(t, finder, nil)

	fc, err := s.FetchShapes(context.Background(), model.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10})
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	f := fc.Features[0]

	want := orb.Polygon{{{0, 0}, {2, 0}, {2, 2}, {0, 0}}}
	if diff := cmp.Diff(want, f.Geometry); diff != "" {
		t.Fatalf("geometry mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "p-17", f.ID)
	assert.Equal(t, "17 Main St", f.Properties["name"])

	pg, ok := f.Properties["geometry"].(*geojson.Geometry)
	require.True(t, ok, "geometry property is %T", f.Properties["geometry"])
	if diff := cmp.Diff(want, pg.Geometry()); diff != "" {
		t.Fatalf("property geometry mismatch (-want +got):\n%s", diff)
	}

	// the property copy shares nothing with the feature geometry
	f.Geometry.(orb.Polygon)[0][0][0] = 99
	assert.Equal(t, 0.0, pg.Geometry().(orb.Polygon)[0][0][0])
}

func TestFetchShapes_ExplicitGeometryFallsBackToStorageID(t *testing.T) {
	oid := primitive.NewObjectID()
	finder := &fakeFinder{records: []model.Record{
		{ID: oid, GeoInfo: &model.GeoInfo{Geometry: rawDoc(t, bson.M{"type": "Point", "coordinates": bson.A{3.0, 4.0}})}},
	}}
	s := newSource(t, finder, nil)

	fc, err := s.FetchShapes(context.Background(), model.BBox{X2: 10, Y2: 10})
	require.NoError(t, err)
	assert.Equal(t, oid.Hex(), fc.Features[0].ID)
	assert.Equal(t, orb.Point{3, 4}, fc.Features[0].Geometry)
}

func TestFetchShapes_NullGeometryUsesCentroid(t *testing.T) {
	finder := &fakeFinder{records: []model.Record{
		{ID: "r2", ParcelID: "p2", GeoInfo: &model.GeoInfo{Geometry: bson.RawValue{Type: bson.TypeNull}, Centroid: []float64{5, 6}}},
	}}
	s := newSource(t, finder, nil)

	fc, err := s.FetchShapes(context.Background(), model.BBox{X2: 10, Y2: 10})
	require.NoError(t, err)
	assert.Equal(t, "r2", fc.Features[0].ID)
	assert.Equal(t, orb.Point{5, 6}, fc.Features[0].Geometry)
	assert.NotContains(t, fc.Features[0].Properties, "geometry")
}

func TestFetchShapes_FilterKey(t *testing.T) {
	finder := &fakeFinder{records: []model.Record{
		{ID: "a", GeoInfo: &model.GeoInfo{Centroid: []float64{1, 1}}, Responses: rawDoc(t, bson.D{
			{Key: "use", Value: "residential"},
			{Key: "floors", Value: int32(3)},
		})},
		{ID: "b", GeoInfo: &model.GeoInfo{Centroid: []float64{2, 2}}, Responses: rawDoc(t, bson.D{{Key: "floors", Value: int32(1)}})},
		{ID: "c", GeoInfo: &model.GeoInfo{Centroid: []float64{3, 3}}},
		{ID: "d", GeoInfo: &model.GeoInfo{Centroid: []float64{4, 4}}, Responses: rawDoc(t, bson.D{
			{Key: "use", Value: bson.D{{Key: "primary", Value: "shop"}, {Key: "tags", Value: bson.A{"a", "b"}}}},
		})},
	}}
	s := newSource(t, finder, func(c *Config) { c.FilterKey = "use" })

	fc, err := s.FetchShapes(context.Background(), model.BBox{X2: 10, Y2: 10})
	require.NoError(t, err)
	require.Len(t, fc.Features, 4)

	assert.Equal(t, map[string]any{"use": "residential"}, map[string]any(fc.Features[0].Properties))
	assert.Empty(t, fc.Features[1].Properties)
	assert.Empty(t, fc.Features[2].Properties)
	assert.Equal(t, map[string]any{"primary": "shop", "tags": []any{"a", "b"}}, fc.Features[3].Properties["use"])
}

func TestFetchShapes_NoRawRemnantsInProperties(t *testing.T) {
	finder := &fakeFinder{records: []model.Record{
		{ID: "a", ParcelID: "pa", GeoInfo: &model.GeoInfo{
			Geometry:          rawDoc(t, bson.M{"type": "Point", "coordinates": bson.A{1.0, 1.0}}),
			Centroid:          []float64{1, 1},
			HumanReadableName: "A",
		}, Responses: rawDoc(t, bson.M{"use": "x"})},
		{ID: "b", GeoInfo: &model.GeoInfo{Centroid: []float64{2, 2}}, Responses: rawDoc(t, bson.M{"use": "y"})},
	}}
	s := newSource(t, finder, func(c *Config) { c.FilterKey = "use" })

	fc, err := s.FetchShapes(context.Background(), model.BBox{X2: 10, Y2: 10})
	require.NoError(t, err)
	for _, f := range fc.Features {
		for _, k := range []string{"centroid", "geo_info", "responses", "id"} {
			assert.NotContains(t, f.Properties, k)
		}
	}
}

func TestFetchShapes_ZeroRecords(t *testing.T) {
	s := newSource(t, &fakeFinder{}, nil)
	fc, err := s.FetchShapes(context.Background(), model.BBox{X2: 10, Y2: 10})
	require.NoError(t, err)
	require.NotNil(t, fc)
	assert.Empty(t, fc.Features)

	b, err := Encode(fc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, string(b))
}

func TestFetchShapes_Idempotent(t *testing.T) {
	finder := &fakeFinder{records: []model.Record{
		{ID: "a", ParcelID: "pa", GeoInfo: &model.GeoInfo{
			Geometry:          rawDoc(t, bson.M{"type": "LineString", "coordinates": bson.A{bson.A{0.0, 0.0}, bson.A{1.0, 1.0}}}),
			HumanReadableName: "A",
		}},
		{ID: "b", GeoInfo: &model.GeoInfo{Centroid: []float64{2, 2}}},
	}}
	s := newSource(t, finder, nil)
	bbox := model.BBox{X1: -1, Y1: -1, X2: 10, Y2: 10, SRID: "EPSG:4326"}

	first, err := s.FetchShapes(context.Background(), bbox)
	require.NoError(t, err)
	second, err := s.FetchShapes(context.Background(), bbox)
	require.NoError(t, err)

	a, err := Encode(first)
	require.NoError(t, err)
	b, err := Encode(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, "pa", first.Features[0].ID)
	assert.Equal(t, "b", first.Features[1].ID)
}

func TestFetchShapes_Reprojects(t *testing.T) {
	finder := &fakeFinder{records: []model.Record{
		{ID: "a", GeoInfo: &model.GeoInfo{Centroid: []float64{1, 2}}},
	}}
	proj := &scaleProjector{}
	s := newSource(t, finder, func(c *Config) { c.Projector = proj })

	fc, err := s.FetchShapes(context.Background(), model.BBox{X1: 0, Y1: 0, X2: 100, Y2: 50, SRID: "fake:10"})
	require.NoError(t, err)

	assert.Equal(t, int32(2), proj.pointCalls.Load())
	assert.Equal(t, int32(1), proj.fcCalls.Load())

	box := finder.lastFilter(t)[1].Value.(bson.D)[0].Value.(bson.D)[0].Value.(bson.A)
	assert.Equal(t, bson.A{bson.A{0.0, 0.0}, bson.A{10.0, 5.0}}, box)
	assert.Equal(t, orb.Point{10, 20}, fc.Features[0].Geometry)
}

func TestFetchShapes_WebMercatorRequest(t *testing.T) {
	finder := &fakeFinder{records: []model.Record{
		{ID: "a", ParcelID: "pa", GeoInfo: &model.GeoInfo{
			Geometry: rawDoc(t, bson.M{"type": "Point", "coordinates": bson.A{10.0, 50.0}}),
		}},
	}}
	s := newSource(t, finder, nil)
	p := projection.New()

	lo, err := p.Point(projection.WGS84, projection.WebMercator, orb.Point{9, 49})
	require.NoError(t, err)
	hi, err := p.Point(projection.WGS84, projection.WebMercator, orb.Point{11, 51})
	require.NoError(t, err)

	fc, err := s.FetchShapes(context.Background(), model.BBox{X1: lo[0], Y1: lo[1], X2: hi[0], Y2: hi[1], SRID: "EPSG:900913"})
	require.NoError(t, err)

	box := finder.lastFilter(t)[1].Value.(bson.D)[0].Value.(bson.D)[0].Value.(bson.A)
	assert.InDelta(t, 9.0, box[0].(bson.A)[0].(float64), 1e-9)
	assert.InDelta(t, 51.0, box[1].(bson.A)[1].(float64), 1e-9)

	got := fc.Features[0].Geometry.(orb.Point)
	want, err := p.Point(projection.WGS84, projection.WebMercator, orb.Point{10, 50})
	require.NoError(t, err)
	assert.InDelta(t, want[0], got[0], 1e-6)
	assert.InDelta(t, want[1], got[1], 1e-6)

	// property copy stays in stored coordinates
	pg := fc.Features[0].Properties["geometry"].(*geojson.Geometry)
	assert.Equal(t, orb.Point{10, 50}, pg.Geometry())
}

func TestFetchShapes_ConversionError(t *testing.T) {
	finder := &fakeFinder{}
	s := newSource(t, finder, func(c *Config) { c.Projector = &scaleProjector{failPoint: true} })

	_, err := s.FetchShapes(context.Background(), model.BBox{X2: 1, Y2: 1, SRID: "FAKE:10"})
	require.ErrorIs(t, err, ErrConversion)
	assert.Empty(t, finder.calls)

	s = newSource(t, finder, nil)
	_, err = s.FetchShapes(context.Background(), model.BBox{X2: 1, Y2: 1, SRID: "EPSG:2056"})
	require.ErrorIs(t, err, ErrConversion)
	require.ErrorIs(t, err, projection.ErrUnsupportedProjection)
}

func TestFetchShapes_StoreError(t *testing.T) {
	storeErr := errors.New("connection reset")
	s := newSource(t, &fakeFinder{err: storeErr}, nil)

	fc, err := s.FetchShapes(context.Background(), model.BBox{X2: 1, Y2: 1})
	require.ErrorIs(t, err, storeErr)
	assert.Nil(t, fc)
}

func TestFetchShapes_MalformedRecords(t *testing.T) {
	cases := map[string]model.Record{
		"missing geo_info":   {ID: "m1"},
		"short centroid":     {ID: "m2", GeoInfo: &model.GeoInfo{Centroid: []float64{1}}},
		"long centroid":      {ID: "m3", GeoInfo: &model.GeoInfo{Centroid: []float64{1, 2, 3}}},
		"geometry not a doc": {ID: "m4", GeoInfo: &model.GeoInfo{Geometry: bson.RawValue{Type: bson.TypeString, Value: []byte{2, 0, 0, 0, 'x', 0}}}},
		"unknown geometry":   {ID: "m5", GeoInfo: &model.GeoInfo{Geometry: rawDoc(t, bson.M{"type": "Blob", "coordinates": bson.A{}})}},
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			good := model.Record{ID: "ok", GeoInfo: &model.GeoInfo{Centroid: []float64{0, 0}}}
			s := newSource(t, &fakeFinder{records: []model.Record{good, rec}}, nil)

			fc, err := s.FetchShapes(context.Background(), model.BBox{X2: 1, Y2: 1})
			require.ErrorIs(t, err, ErrMalformedRecord)
			assert.Nil(t, fc)

			var re *RecordError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, 1, re.Index)
			assert.Equal(t, rec.ID, re.ID)
		})
	}
}

func TestGetShapes_CallbackOnce(t *testing.T) {
	finder := &fakeFinder{records: []model.Record{
		{ID: "r1", GeoInfo: &model.GeoInfo{Centroid: []float64{1, 2}}},
	}}
	s := newSource(t, finder, nil)

	type result struct {
		fc  *geojson.FeatureCollection
		err error
	}
	ch := make(chan result, 2)
	s.GetShapes(context.Background(), 0, 0, 10, 10, "EPSG:4326", func(fc *geojson.FeatureCollection, err error) {
		ch <- result{fc, err}
	})

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		require.Len(t, r.fc.Features, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
	select {
	case <-ch:
		t.Fatal("callback invoked twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetShapes_StoreErrorReportsOnlyError(t *testing.T) {
	storeErr := errors.New("not primary")
	s := newSource(t, &fakeFinder{err: storeErr}, nil)

	done := make(chan struct{})
	var calls atomic.Int32
	s.GetShapes(context.Background(), 0, 0, 1, 1, "", func(fc *geojson.FeatureCollection, err error) {
		calls.Add(1)
		assert.Nil(t, fc)
		assert.ErrorIs(t, err, storeErr)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetShapes_RecoversPanic(t *testing.T) {
	s := newSource(t, &fakeFinder{panics: true}, nil)

	errCh := make(chan error, 1)
	s.GetShapes(context.Background(), 0, 0, 1, 1, "", func(fc *geojson.FeatureCollection, err error) {
		assert.Nil(t, fc)
		errCh <- err
	})
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cursor exploded")
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestFetchShapes_ConcurrentCalls(t *testing.T) {
	finder := &fakeFinder{records: []model.Record{
		{ID: "r1", GeoInfo: &model.GeoInfo{Centroid: []float64{1, 2}}},
	}}
	s := newSource(t, finder, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fc, err := s.FetchShapes(context.Background(), model.BBox{X1: float64(i), X2: 100, Y2: 100, SRID: "EPSG:3857"})
			assert.NoError(t, err)
			assert.Len(t, fc.Features, 1)
		}(i)
	}
	wg.Wait()
	assert.Len(t, finder.calls, 16)
}
