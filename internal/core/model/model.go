// Package model defines core domain types shared across the service.
package model

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// BBox is an axis-aligned box in the projection named by SRID.
type BBox struct {
	X1, Y1 float64
	X2, Y2 float64
	SRID   string
}

// String renders the box as "x1,y1,x2,y2,SRID" with six decimals, the form
// request logs carry. Cache keys and hit events use keys.BBoxText instead.
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f,%s", b.X1, b.Y1, b.X2, b.Y2, b.SRID)
}

// Center returns the midpoint of the box.
func (b BBox) Center() (x, y float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

type QueryRequest struct {
	Source string
	BBox   BBox
}

// Record is one stored document as returned by the shape query.
type Record struct {
	ID        any           `bson:"_id"`
	ParcelID  any           `bson:"parcel_id,omitempty"`
	GeoInfo   *GeoInfo      `bson:"geo_info,omitempty"`
	Responses bson.RawValue `bson:"responses"`
}

// GeoInfo holds the spatial part of a record. Geometry is a GeoJSON
// geometry object kept in its stored form; a zero or null value means
// the record only has a centroid.
type GeoInfo struct {
	Geometry          bson.RawValue `bson:"geometry"`
	Centroid          []float64     `bson:"centroid,omitempty"`
	HumanReadableName string        `bson:"humanReadableName,omitempty"`
}

// HasGeometry reports whether an explicit geometry was stored.
func (g *GeoInfo) HasGeometry() bool {
	return g != nil && g.Geometry.Type != 0 && g.Geometry.Type != bson.TypeNull
}
