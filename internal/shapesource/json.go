package shapesource

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/paulmach/orb/geojson"
)

func init() {
	c := jsoniter.ConfigCompatibleWithStandardLibrary
	geojson.CustomJSONMarshaler = c
	geojson.CustomJSONUnmarshaler = c
}

// Encode renders fc as GeoJSON. A nil collection encodes as an empty one.
func Encode(fc *geojson.FeatureCollection) ([]byte, error) {
	if fc == nil {
		fc = geojson.NewFeatureCollection()
	}
	return fc.MarshalJSON()
}

// Decode parses a GeoJSON feature collection, as stored by the response cache.
func Decode(b []byte) (*geojson.FeatureCollection, error) {
	return geojson.UnmarshalFeatureCollection(b)
}
