// Package invalidation defines the message that tells shape caches a source
// has changed.
package invalidation

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const Version = 1

// Event reports a change to the documents behind one shape source. Seq, when
// set, orders events for the same source; BBox optionally bounds the change.
type Event struct {
	Version int       `json:"version"`
	Op      string    `json:"op"`
	Source  string    `json:"source"`
	TS      time.Time `json:"ts"`
	Seq     uint64    `json:"seq,omitempty"`
	BBox    *BBox     `json:"bbox,omitempty"`
}

type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid"`
}

func (e Event) Validate() error {
	if e.Version != Version {
		return fmt.Errorf("version must be %d", Version)
	}
	switch e.Op {
	case "insert", "update", "delete", "refresh":
	default:
		return fmt.Errorf("op must be insert|update|delete|refresh")
	}
	if strings.TrimSpace(e.Source) == "" {
		return fmt.Errorf("source is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if e.BBox == nil {
		return nil
	}
	bb := *e.BBox
	if bb.SRID != "EPSG:4326" {
		return fmt.Errorf("bbox.srid must be EPSG:4326")
	}
	for _, v := range []float64{bb.X1, bb.Y1, bb.X2, bb.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bbox must be finite")
		}
	}
	if !(bb.X1 >= -180 && bb.X1 <= 180 && bb.X2 >= -180 && bb.X2 <= 180) {
		return fmt.Errorf("bbox longitude out of range")
	}
	if !(bb.Y1 >= -90 && bb.Y1 <= 90 && bb.Y2 >= -90 && bb.Y2 <= 90) {
		return fmt.Errorf("bbox latitude out of range")
	}
	if !(bb.X2 > bb.X1 && bb.Y2 > bb.Y1) {
		return fmt.Errorf("bbox must satisfy x2>x1 and y2>y1")
	}
	return nil
}
