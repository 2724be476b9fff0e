// Package mapper places request footprints on a discrete grid so that
// nearby requests share a hotness key.
package mapper

import (
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/model"
)

type Interface interface {
	CellForPoint(lng, lat float64, res int) (string, error)
	FootprintCell(bb model.BBox, res int) (string, error)
}
