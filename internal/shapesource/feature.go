package shapesource

import (
	"errors"
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mohammed-shakir/mongo-shape-source/internal/core/model"
)

// toFeature builds a new feature from rec. The record is only read.
func (s *Source) toFeature(idx int, rec model.Record) (*geojson.Feature, error) {
	gi := rec.GeoInfo
	if gi == nil {
		return nil, &RecordError{Index: idx, ID: normalizeID(rec.ID), Reason: "missing geo_info"}
	}

	var (
		geom     orb.Geometry
		id       any
		explicit bool
	)
	switch {
	case gi.HasGeometry():
		g, err := decodeGeometry(gi.Geometry)
		if err != nil {
			return nil, &RecordError{Index: idx, ID: normalizeID(rec.ID), Reason: "bad geometry", Err: err}
		}
		geom, explicit = g, true
		id = rec.ParcelID
		if id == nil {
			id = rec.ID
		}
	case len(gi.Centroid) == 2:
		if !finite(gi.Centroid[0]) || !finite(gi.Centroid[1]) {
			return nil, &RecordError{Index: idx, ID: normalizeID(rec.ID), Reason: "non-finite centroid"}
		}
		geom = orb.Point{gi.Centroid[0], gi.Centroid[1]}
		id = rec.ID
	default:
		return nil, &RecordError{
			Index:  idx,
			ID:     normalizeID(rec.ID),
			Reason: fmt.Sprintf("no geometry and centroid has %d coordinates", len(gi.Centroid)),
		}
	}

	f := geojson.NewFeature(geom)
	f.ID = normalizeID(id)

	if explicit {
		// independent copy, stays in native coordinates
		f.Properties["geometry"] = geojson.NewGeometry(orb.Clone(geom))
	}
	if gi.HumanReadableName != "" {
		f.Properties["name"] = gi.HumanReadableName
	}
	if s.filterKey != "" {
		v, ok, err := responseValue(rec.Responses, s.filterKey)
		if err != nil {
			return nil, &RecordError{Index: idx, ID: f.ID, Reason: "bad responses", Err: err}
		}
		if ok {
			f.Properties[s.filterKey] = v
		}
	}
	return f, nil
}

func decodeGeometry(rv bson.RawValue) (orb.Geometry, error) {
	doc, ok := rv.DocumentOK()
	if !ok {
		return nil, fmt.Errorf("geometry stored as %s, want document", rv.Type)
	}
	js, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return nil, err
	}
	g, err := geojson.UnmarshalGeometry(js)
	if err != nil {
		return nil, err
	}
	if g == nil || g.Geometry() == nil {
		return nil, errors.New("empty geometry")
	}
	return g.Geometry(), nil
}

// responseValue looks key up in the responses sub-document. A missing or
// null responses field is not an error.
func responseValue(responses bson.RawValue, key string) (any, bool, error) {
	if responses.Type == 0 || responses.Type == bson.TypeNull {
		return nil, false, nil
	}
	doc, ok := responses.DocumentOK()
	if !ok {
		return nil, false, fmt.Errorf("responses stored as %s, want document", responses.Type)
	}
	rv, err := doc.LookupErr(key)
	if err != nil {
		return nil, false, nil
	}
	v, err := nativeValue(rv)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// nativeValue converts a BSON value into the plain Go value that encodes
// to the same JSON. Scalars map directly; documents and arrays go through
// relaxed extended JSON.
func nativeValue(rv bson.RawValue) (any, error) {
	switch rv.Type {
	case bson.TypeString:
		return rv.StringValue(), nil
	case bson.TypeDouble:
		return rv.Double(), nil
	case bson.TypeInt32:
		return rv.Int32(), nil
	case bson.TypeInt64:
		return rv.Int64(), nil
	case bson.TypeBoolean:
		return rv.Boolean(), nil
	case bson.TypeNull, bson.TypeUndefined:
		return nil, nil
	case bson.TypeObjectID:
		return rv.ObjectID().Hex(), nil
	case bson.TypeDateTime:
		return rv.Time().UTC(), nil
	}

	js, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: rv}}, false, false)
	if err != nil {
		return nil, err
	}
	var wrapped struct {
		V any `json:"v"`
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(js, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.V, nil
}

func normalizeID(id any) any {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case *primitive.ObjectID:
		if v == nil {
			return nil
		}
		return v.Hex()
	default:
		return id
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
