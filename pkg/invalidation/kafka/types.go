package kafka

import (
	"context"

	"github.com/mohammed-shakir/mongo-shape-source/internal/core/model"
)

// Bumper moves a source to a new cache generation.
type Bumper interface {
	Invalidate(ctx context.Context, source string) (int64, error)
}

type HotnessResetter interface {
	Reset(keys ...string)
}

type Mapper interface {
	FootprintCell(bb model.BBox, res int) (string, error)
}
