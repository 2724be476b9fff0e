package h3mapper

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/mongo-shape-source/internal/core/model"
	"github.com/mohammed-shakir/mongo-shape-source/internal/mapper"
	"github.com/mohammed-shakir/mongo-shape-source/internal/projection"
)

// Projector converts bbox corners to WGS84 before they are placed on the grid.
type Projector interface {
	Clean(id string) string
	Point(from, to string, p orb.Point) (orb.Point, error)
}

type Mapper struct {
	proj Projector
}

var _ mapper.Interface = (*Mapper)(nil)

// New uses projection.New when p is nil.
func New(p Projector) *Mapper {
	if p == nil {
		p = projection.New()
	}
	return &Mapper{proj: p}
}

// CellForPoint returns the cell containing a WGS84 point.
func (m *Mapper) CellForPoint(lng, lat float64, res int) (string, error) {
	if err := validateRes(res); err != nil {
		return "", err
	}
	if err := validateLngLat(lng, lat); err != nil {
		return "", err
	}
	c, err := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lng}, res)
	if err != nil {
		return "", fmt.Errorf("h3 cell: %w", err)
	}
	return c.String(), nil
}

// FootprintCell returns the finest cell, at most res, that holds the centre
// and all four corners of bb. Boxes wider than any single base cell map to
// the res-0 cell of their centre.
func (m *Mapper) FootprintCell(bb model.BBox, res int) (string, error) {
	if err := validateRes(res); err != nil {
		return "", err
	}
	pts, err := m.wgs84Points(bb)
	if err != nil {
		return "", err
	}

	cells := make([]h3.Cell, 0, len(pts))
	for _, p := range pts {
		if err := validateLngLat(p[0], p[1]); err != nil {
			return "", err
		}
		c, err := h3.LatLngToCell(h3.LatLng{Lat: p[1], Lng: p[0]}, res)
		if err != nil {
			return "", fmt.Errorf("h3 cell: %w", err)
		}
		cells = append(cells, c)
	}

	for r := res; r >= 0; r-- {
		same := true
		for i := 1; i < len(cells); i++ {
			if cells[i] != cells[0] {
				same = false
				break
			}
		}
		if same || r == 0 {
			return cells[0].String(), nil
		}
		for i, c := range cells {
			p, err := c.Parent(r - 1)
			if err != nil {
				return "", fmt.Errorf("h3 parent: %w", err)
			}
			cells[i] = p
		}
	}
	return cells[0].String(), nil
}

// wgs84Points returns the centre first, then the corners.
func (m *Mapper) wgs84Points(bb model.BBox) ([]orb.Point, error) {
	cx, cy := bb.Center()
	pts := []orb.Point{
		{cx, cy},
		{bb.X1, bb.Y1}, {bb.X2, bb.Y1},
		{bb.X2, bb.Y2}, {bb.X1, bb.Y2},
	}
	srid := projection.WGS84
	if bb.SRID != "" {
		srid = m.proj.Clean(bb.SRID)
	}
	if srid == projection.WGS84 {
		return pts, nil
	}
	// centre is recomputed from projected corners
	out := make([]orb.Point, 0, len(pts))
	for _, p := range pts[1:] {
		q, err := m.proj.Point(srid, projection.WGS84, p)
		if err != nil {
			return nil, fmt.Errorf("footprint corner: %w", err)
		}
		out = append(out, q)
	}
	b := orb.MultiPoint(out).Bound()
	return append([]orb.Point{b.Center()}, out...), nil
}

// ToParent returns the ancestor of cell at parentRes.
func (m *Mapper) ToParent(cell string, parentRes int) (string, error) {
	if err := validateRes(parentRes); err != nil {
		return "", err
	}
	var c h3.Cell
	if err := c.UnmarshalText([]byte(cell)); err != nil {
		return "", fmt.Errorf("parse cell: %w", err)
	}
	if !c.IsValid() {
		return "", fmt.Errorf("invalid h3 cell %q", cell)
	}
	curRes := c.Resolution()
	if parentRes > curRes {
		return "", fmt.Errorf("parentRes %d must be <= cell resolution %d", parentRes, curRes)
	}
	if parentRes == curRes {
		return cell, nil
	}
	p, err := c.Parent(parentRes)
	if err != nil {
		return "", fmt.Errorf("h3 parent: %w", err)
	}
	return p.String(), nil
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

func validateLngLat(lng, lat float64) error {
	if math.IsNaN(lng) || math.IsNaN(lat) || math.IsInf(lng, 0) || math.IsInf(lat, 0) {
		return errors.New("non-finite coordinate")
	}
	if lng < -180 || lng > 180 || lat < -90 || lat > 90 {
		return fmt.Errorf("coordinate out of range: lng=%g lat=%g", lng, lat)
	}
	return nil
}
