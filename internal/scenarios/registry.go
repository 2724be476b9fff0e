package scenarios

import (
	"fmt"
	"log/slog"

	"github.com/mohammed-shakir/mongo-shape-source/internal/cache/responsecache"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/config"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/router"
	"github.com/mohammed-shakir/mongo-shape-source/internal/hitevents"
	"github.com/mohammed-shakir/mongo-shape-source/internal/mapper"
)

// Deps are the collaborators built once in main and shared by scenarios.
// Cache is nil when no shared tier is configured.
type Deps struct {
	Source Fetcher
	Cache  *responsecache.Cache
	Hits   hitevents.Sink
	Mapper mapper.Interface
}

type Factory func(cfg config.Config, logger *slog.Logger, deps Deps) (router.QueryHandler, error)

const Fallback = "direct"

var reg = map[string]Factory{}

func Register(name string, f Factory) {
	reg[name] = f
}

func New(name string, cfg config.Config, logger *slog.Logger, deps Deps) (router.QueryHandler, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("scenario %q: shape source is required", name)
	}
	if deps.Hits == nil {
		deps.Hits = hitevents.Nop{}
	}
	if f, ok := reg[name]; ok {
		return f(cfg, logger, deps)
	}
	if f, ok := reg[Fallback]; ok {
		logger.Warn("unknown scenario; falling back", "scenario", name, "fallback", Fallback)
		return f(cfg, logger, deps)
	}
	return nil, fmt.Errorf("no factory for scenario %q and no %s registered", name, Fallback)
}
