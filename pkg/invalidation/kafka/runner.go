package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/mongo-shape-source/internal/core/model"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/observability"
	"github.com/mohammed-shakir/mongo-shape-source/internal/hotness"
	"github.com/mohammed-shakir/mongo-shape-source/internal/invalidation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	bump     Bumper
	mapper   Mapper
	res      int
	ms       *metricSet
	seq      *seqDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	hot      HotnessResetter
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	Hotness  HotnessResetter
	Mapper   Mapper
	// Res is the grid resolution used to build hotness keys.
	Res int
}

func New(cfg InvalidationConfig, b Bumper, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		bump:   b,
		mapper: opts.Mapper,
		res:    opts.Res,
		ms:     newMetricSet(opts.Register),
		seq:    newSeqDedupe(8192),
		assign: map[int32]struct{}{},
		hot:    opts.Hotness,
	}
}

// Enabled reports whether Start will consume.
func (r *Runner) Enabled() bool {
	return r.cfg.Enabled && r.cfg.Driver == DriverKafka
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.Enabled() {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.bump == nil {
		return errors.New("kafka runner: cache dependency is required")
	}

	cfg, err := saramaConfig(r.cfg)
	if err != nil {
		return err
	}
	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	h := &groupHandler{
		setup:   r.onAssign,
		cleanup: func(sarama.ConsumerGroupSession) { r.onRevoke() },
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

func (r *Runner) onAssign(sess sarama.ConsumerGroupSession) {
	r.assignMu.Lock()
	defer r.assignMu.Unlock()
	r.assigned.Store(true)
	r.assign = map[int32]struct{}{}
	for _, parts := range sess.Claims() {
		for _, p := range parts {
			r.assign[p] = struct{}{}
		}
	}
}

func (r *Runner) onRevoke() {
	r.assignMu.Lock()
	defer r.assignMu.Unlock()
	r.assigned.Store(false)
	r.assign = map[int32]struct{}{}
}

func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage applies one event. Undecodable or invalid messages are
// counted and skipped; only a failed cache bump is returned so the message
// stays uncommitted and is redelivered.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(time.Since(msg.Timestamp).Seconds())
	}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.reject(msg, fmt.Errorf("decode: %w", err))
		return nil
	}
	if ev.TS.IsZero() {
		ev.TS = msg.Timestamp
	}
	if err := ev.Validate(); err != nil {
		r.reject(msg, fmt.Errorf("validate: %w", err))
		return nil
	}

	if ev.Seq > 0 && r.seq.stale(ev.Source, ev.Seq) {
		r.ms.msgs.WithLabelValues("ok").Inc()
		r.ms.apply.WithLabelValues("skip_seq").Inc()
		return nil
	}

	start := time.Now()
	gen, err := r.bump.Invalidate(ctx, ev.Source)
	observability.ObserveInvalidation(ev.Op, ev.Source, time.Since(start), err)
	if err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
		return fmt.Errorf("invalidate %s: %w", ev.Source, err)
	}
	if ev.Seq > 0 {
		r.seq.record(ev.Source, ev.Seq)
	}
	r.ms.msgs.WithLabelValues("ok").Inc()
	r.ms.apply.WithLabelValues("bump").Inc()
	observability.SetSourceInvalidatedAt(ev.Source, ev.TS)

	r.resetHotness(ev)
	r.log.Debug("source invalidated",
		"source", ev.Source, "op", ev.Op, "seq", ev.Seq, "generation", gen)
	return nil
}

func (r *Runner) reject(msg *sarama.ConsumerMessage, err error) {
	r.ms.msgs.WithLabelValues("invalid").Inc()
	r.log.Warn("invalidation message skipped",
		"partition", msg.Partition, "offset", msg.Offset, "err", err)
}

// resetHotness cools the footprint of the changed area, so entries cached
// after the change start with the default lifetime.
func (r *Runner) resetHotness(ev invalidation.Event) {
	if r.hot == nil || r.mapper == nil || ev.BBox == nil {
		return
	}
	bb := model.BBox{X1: ev.BBox.X1, Y1: ev.BBox.Y1, X2: ev.BBox.X2, Y2: ev.BBox.Y2, SRID: ev.BBox.SRID}
	cell, err := r.mapper.FootprintCell(bb, r.res)
	if err != nil {
		r.log.Warn("hotness reset skipped", "source", ev.Source, "err", err)
		return
	}
	r.hot.Reset(hotness.Key(ev.Source, cell))
	r.ms.apply.WithLabelValues("hotness_reset").Inc()
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
