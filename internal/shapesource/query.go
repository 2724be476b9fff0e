package shapesource

import (
	"fmt"

	"github.com/paulmach/orb"
	"go.mongodb.org/mongo-driver/bson"
)

// boxFilter merges a $geoWithin/$box predicate on geoKey into a copy of
// base. Corners are used as given.
func boxFilter(base bson.D, geoKey string, lo, hi orb.Point) bson.D {
	out := make(bson.D, 0, len(base)+1)
	out = append(out, base...)
	return append(out, bson.E{
		Key: geoKey,
		Value: bson.D{{
			Key: "$geoWithin",
			Value: bson.D{{
				Key:   "$box",
				Value: bson.A{bson.A{lo[0], lo[1]}, bson.A{hi[0], hi[1]}},
			}},
		}},
	})
}

// cloneDoc returns a deep copy of d. Documents, arrays and byte slices are
// copied; every other value keeps its Go type. The document must still
// encode as BSON.
func cloneDoc(d bson.D) (bson.D, error) {
	if len(d) == 0 {
		return bson.D{}, nil
	}
	if _, err := bson.Marshal(d); err != nil {
		return nil, err
	}
	return cloneD(d), nil
}

func cloneD(d bson.D) bson.D {
	out := make(bson.D, len(d))
	for i, e := range d {
		out[i] = bson.E{Key: e.Key, Value: cloneValue(e.Value)}
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case bson.D:
		return cloneD(x)
	case bson.M:
		out := make(bson.M, len(x))
		for k, vv := range x {
			out[k] = cloneValue(vv)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = cloneValue(vv)
		}
		return out
	case bson.A:
		out := make(bson.A, len(x))
		for i, vv := range x {
			out[i] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = cloneValue(vv)
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	default:
		return v
	}
}

func hasKey(d bson.D, key string) bool {
	for _, e := range d {
		if e.Key == key {
			return true
		}
	}
	return false
}

func cornerError(which string, err error) error {
	return fmt.Errorf("%w: %s corner: %w", ErrConversion, which, err)
}
