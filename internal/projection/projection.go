// Package projection maps coordinates between the named projections the
// shape service understands. The math is delegated to orb/project; this
// package only resolves identifiers and composes transforms through WGS84.
package projection

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
)

const (
	WGS84       = "EPSG:4326"
	WebMercator = "EPSG:3857"
)

var (
	ErrUnsupportedProjection = errors.New("unsupported projection")
	ErrNonFinite             = errors.New("projected coordinate is not finite")
)

type crs struct {
	toWGS84   orb.Projection // nil means identity
	fromWGS84 orb.Projection
}

var known = map[string]crs{
	WGS84: {},
	WebMercator: {
		toWGS84:   project.Mercator.ToWGS84,
		fromWGS84: project.WGS84.ToMercator,
	},
}

var aliases = map[string]string{
	"WGS84":       WGS84,
	"CRS:84":      WGS84,
	"OGC:CRS84":   WGS84,
	"EPSG:4326":   WGS84,
	"EPSG:3857":   WebMercator,
	"EPSG:900913": WebMercator,
	"EPSG:3785":   WebMercator,
	"EPSG:102100": WebMercator,
	"EPSG:102113": WebMercator,
	"GOOGLE":      WebMercator,
}

// Projector transforms points and whole feature collections. Composed
// transforms are memoized per (from, to) pair, so a Projector should be
// shared across requests.
type Projector struct {
	mu    sync.RWMutex
	cache map[[2]string]orb.Projection
}

func New() *Projector {
	return &Projector{cache: map[[2]string]orb.Projection{}}
}

// Clean normalizes a projection identifier. Known aliases, URN forms,
// bare EPSG codes and the common proj4 strings map to their canonical
// EPSG name; anything else is returned trimmed and upper-cased.
func (p *Projector) Clean(id string) string {
	return Clean(id)
}

func Clean(id string) string {
	s := strings.ToUpper(strings.TrimSpace(id))
	if s == "" {
		return ""
	}

	if strings.Contains(s, "+PROJ=") {
		switch {
		case strings.Contains(s, "+PROJ=LONGLAT"), strings.Contains(s, "+PROJ=LATLONG"):
			return WGS84
		case strings.Contains(s, "+PROJ=MERC") && strings.Contains(s, "+A=6378137"):
			return WebMercator
		}
		return s
	}

	// urn:ogc:def:crs:EPSG::3857 and urn:ogc:def:crs:OGC:1.3:CRS84
	if strings.HasPrefix(s, "URN:OGC:DEF:CRS:") {
		rest := strings.TrimPrefix(s, "URN:OGC:DEF:CRS:")
		parts := strings.Split(rest, ":")
		if len(parts) >= 2 {
			auth, code := parts[0], parts[len(parts)-1]
			s = auth + ":" + code
		}
	}

	s = strings.ReplaceAll(s, " ", "")
	if isDigits(s) {
		s = "EPSG:" + s
	}
	if canon, ok := aliases[s]; ok {
		return canon
	}
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Supported reports whether id resolves to a projection this package can
// transform.
func Supported(id string) bool {
	_, ok := known[Clean(id)]
	return ok
}

// transform returns nil for an identity mapping.
func (p *Projector) transform(from, to string) (orb.Projection, error) {
	from, to = Clean(from), Clean(to)
	if from == to {
		return nil, nil
	}

	key := [2]string{from, to}
	p.mu.RLock()
	fn, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return fn, nil
	}

	src, ok := known[from]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProjection, from)
	}
	dst, ok := known[to]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProjection, to)
	}

	fn = compose(src.toWGS84, dst.fromWGS84)

	p.mu.Lock()
	if p.cache == nil {
		p.cache = map[[2]string]orb.Projection{}
	}
	p.cache[key] = fn
	p.mu.Unlock()
	return fn, nil
}

func compose(a, b orb.Projection) orb.Projection {
	switch {
	case a == nil && b == nil:
		return func(pt orb.Point) orb.Point { return pt }
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return func(pt orb.Point) orb.Point { return b(a(pt)) }
	}
}

// Point maps a single point from one projection to another.
func (p *Projector) Point(from, to string, pt orb.Point) (orb.Point, error) {
	fn, err := p.transform(from, to)
	if err != nil {
		return orb.Point{}, err
	}
	if fn == nil {
		return pt, nil
	}
	out := project.Point(pt, fn)
	if !finite(out[0]) || !finite(out[1]) {
		return orb.Point{}, fmt.Errorf("%w: %v from %s to %s", ErrNonFinite, pt, Clean(from), Clean(to))
	}
	return out, nil
}

// FeatureCollection returns a collection whose feature geometries are
// mapped from one projection to another. The input collection is left
// untouched; properties are shared with the input features.
func (p *Projector) FeatureCollection(from, to string, fc *geojson.FeatureCollection) (*geojson.FeatureCollection, error) {
	if fc == nil {
		return nil, nil
	}
	fn, err := p.transform(from, to)
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return fc, nil
	}

	out := geojson.NewFeatureCollection()
	out.Features = make([]*geojson.Feature, 0, len(fc.Features))
	for i, f := range fc.Features {
		if f == nil {
			continue
		}
		nf := *f
		nf.BBox = nil
		if f.Geometry != nil {
			g := project.Geometry(orb.Clone(f.Geometry), fn)
			if err := checkFinite(g); err != nil {
				return nil, fmt.Errorf("feature %d (id=%v): %w", i, f.ID, err)
			}
			nf.Geometry = g
		}
		out.Features = append(out.Features, &nf)
	}
	return out, nil
}

func checkFinite(g orb.Geometry) error {
	b := g.Bound()
	if !finite(b.Min[0]) || !finite(b.Min[1]) || !finite(b.Max[0]) || !finite(b.Max[1]) {
		return ErrNonFinite
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
