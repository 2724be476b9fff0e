// Package responsecache is a two tier cache of encoded shape responses: an
// in-process expirable LRU in front of Redis. Entries are keyed by the
// source generation, so invalidation is a single counter bump.
package responsecache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/mongo-shape-source/internal/cache/keys"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/model"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/observability"
	"github.com/mohammed-shakir/mongo-shape-source/internal/hotness"
)

type Outcome string

const (
	Hit    Outcome = "HIT"
	Miss   Outcome = "MISS"
	Bypass Outcome = "BYPASS"
)

// Backend is the shared tier. *redisstore.Client implements it.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	GetInt64(ctx context.Context, key string) (int64, error)
}

// Loader produces a fresh response body and its feature count.
type Loader func(ctx context.Context) (body []byte, features int, err error)

type Result struct {
	Body     []byte
	Features int
	Outcome  Outcome
	Key      string
	TTL      time.Duration
}

// Options configure a Cache. LoadTimeout bounds a shared miss load, which
// runs detached from any single caller; it defaults to 30s.
type Options struct {
	L1Size      int
	L1TTL       time.Duration
	OpTimeout   time.Duration
	LoadTimeout time.Duration
	Policy      hotness.TTLPolicy
	Logger      *slog.Logger
}

type Cache struct {
	backend     Backend
	l1          *expirable.LRU[string, entry]
	opTimeout   time.Duration
	loadTimeout time.Duration
	policy      hotness.TTLPolicy
	log         *slog.Logger
	flight      singleflight.Group
}

type entry struct {
	body     []byte
	features int
}

func New(b Backend, opts Options) (*Cache, error) {
	if b == nil {
		return nil, errors.New("responsecache: backend is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Policy.Default <= 0 {
		opts.Policy.Default = time.Minute
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 30 * time.Second
	}
	c := &Cache{
		backend:     b,
		opTimeout:   opts.OpTimeout,
		loadTimeout: opts.LoadTimeout,
		policy:      opts.Policy,
		log:         opts.Logger,
	}
	if opts.L1Size > 0 {
		ttl := opts.L1TTL
		if ttl <= 0 || ttl > opts.Policy.Default {
			ttl = opts.Policy.Default
		}
		c.l1 = expirable.NewLRU[string, entry](opts.L1Size, nil, ttl)
	}
	return c, nil
}

// Fetch serves bb for source from cache, calling load on a miss. hotKey
// feeds the hotness tracker and picks the entry lifetime. Backend failures
// never fail the request; load runs directly and the outcome is Bypass.
//
// Concurrent misses on one key share a single load. That load runs on a
// context detached from every caller and bounded by LoadTimeout, so one
// caller giving up neither fails the others nor skips the fill. Each caller
// still stops waiting when its own ctx ends.
func (c *Cache) Fetch(ctx context.Context, source string, bb model.BBox, hotKey string, load Loader) (Result, error) {
	if c.policy.Tracker != nil && hotKey != "" {
		c.policy.Tracker.Inc(hotKey)
	}

	gen, err := c.generation(ctx, source)
	if err != nil {
		c.log.Warn("cache generation unavailable, serving direct", "source", source, "err", err)
		observability.IncCacheResult("generation", "error")
		return bypass(ctx, load)
	}
	key := keys.Shapes(source, gen, bb)

	if c.l1 != nil {
		if e, ok := c.l1.Get(key); ok {
			observability.IncCacheResult("l1", "hit")
			return Result{Body: e.body, Features: e.features, Outcome: Hit, Key: key}, nil
		}
		observability.IncCacheResult("l1", "miss")
	}

	e, ok, err := c.getL2(ctx, key)
	if err != nil {
		c.log.Warn("cache read failed, serving direct", "key", key, "err", err)
		observability.IncCacheResult("l2", "error")
		return bypass(ctx, load)
	}
	if ok {
		if c.l1 != nil {
			c.l1.Add(key, e)
		}
		return Result{Body: e.body, Features: e.features, Outcome: Hit, Key: key}, nil
	}

	ttl, hot := c.policy.TTL(hotKey)
	ch := c.flight.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		body, n, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		e := entry{body: body, features: n}
		c.fill(loadCtx, key, e, ttl)
		return e, nil
	})
	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if r.Err != nil {
		return Result{}, r.Err
	}
	e = r.Val.(entry)
	if hot {
		c.log.Debug("hot footprint cached with extended ttl", "source", source, "key", hotKey, "ttl", ttl)
	}
	return Result{Body: e.body, Features: e.features, Outcome: Miss, Key: key, TTL: ttl}, nil
}

// Invalidate bumps the generation of source, orphaning all its entries,
// and drops the local tier.
func (c *Cache) Invalidate(ctx context.Context, source string) (int64, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	gen, err := c.backend.Incr(opCtx, keys.Generation(source))
	if err != nil {
		return 0, fmt.Errorf("bump generation of %s: %w", source, err)
	}
	if c.l1 != nil {
		c.l1.Purge()
	}
	return gen, nil
}

func (c *Cache) generation(ctx context.Context, source string) (int64, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	return c.backend.GetInt64(opCtx, keys.Generation(source))
}

// getL2 reports backend failures as errors. An unreadable entry counts as
// a miss and is overwritten by the fill.
func (c *Cache) getL2(ctx context.Context, key string) (entry, bool, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	raw, ok, err := c.backend.Get(opCtx, key)
	if err != nil {
		return entry{}, false, err
	}
	if !ok {
		return entry{}, false, nil
	}
	e, err := decodeEntry(raw)
	if err != nil {
		c.log.Warn("cache entry unreadable", "key", key, "err", err)
		return entry{}, false, nil
	}
	return e, true, nil
}

func bypass(ctx context.Context, load Loader) (Result, error) {
	body, n, err := load(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Body: body, Features: n, Outcome: Bypass}, nil
}

// fill writes both tiers. ctx is the detached load context.
func (c *Cache) fill(ctx context.Context, key string, e entry, ttl time.Duration) {
	if c.l1 != nil {
		c.l1.Add(key, e)
	}
	opCtx, cancel := c.opContext(context.WithoutCancel(ctx))
	defer cancel()
	if err := c.backend.Set(opCtx, key, encodeEntry(e), ttl); err != nil {
		c.log.Warn("cache write failed", "key", key, "err", err)
	}
}

func (c *Cache) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

// entries are stored as a 4 byte big-endian feature count followed by the body
func encodeEntry(e entry) []byte {
	out := make([]byte, 4+len(e.body))
	binary.BigEndian.PutUint32(out, uint32(e.features))
	copy(out[4:], e.body)
	return out
}

func decodeEntry(b []byte) (entry, error) {
	if len(b) < 4 {
		return entry{}, fmt.Errorf("entry too short: %d bytes", len(b))
	}
	return entry{features: int(binary.BigEndian.Uint32(b)), body: b[4:]}, nil
}
