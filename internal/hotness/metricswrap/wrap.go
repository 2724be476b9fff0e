// Package metricswrap reports hotness tracker size and threshold crossings.
package metricswrap

import (
	"fmt"

	xx "github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/mongo-shape-source/internal/core/observability"
	"github.com/mohammed-shakir/mongo-shape-source/internal/hotness"
)

type Sizer interface{ Size() int }

type Options struct {
	// Name labels the tracker in metrics.
	Name string
	// Threshold at which a key counts as hot; zero disables crossing logs.
	Threshold float64
	// LogSample is the fraction of keys whose crossings get logged.
	LogSample float64
	Logger    zerolog.Logger
}

type WithMetrics struct {
	inner hotness.Interface
	opts  Options
}

var _ hotness.Interface = (*WithMetrics)(nil)

func New(inner hotness.Interface, opts Options) *WithMetrics {
	if opts.Name == "" {
		opts.Name = "cells"
	}
	return &WithMetrics{inner: inner, opts: opts}
}

func (w *WithMetrics) Inc(key string) float64 {
	prev := w.inner.Score(key)
	score := w.inner.Inc(key)

	if th := w.opts.Threshold; th > 0 && prev < th && score >= th && shouldLog(w.opts.LogSample, key) {
		w.opts.Logger.Info().
			Str("event", "hotness_threshold").
			Float64("score", score).
			Str("tracker", w.opts.Name).
			Str("key_hash", fmt.Sprintf("%08x", xx.Sum64String(key))).
			Msg("key became hot")
	}
	w.report()
	return score
}

func (w *WithMetrics) Score(key string) float64 {
	return w.inner.Score(key)
}

func (w *WithMetrics) Reset(keys ...string) {
	w.inner.Reset(keys...)
	w.report()
}

func (w *WithMetrics) report() {
	if s, ok := w.inner.(Sizer); ok {
		observability.SetHotKeys(w.opts.Name, s.Size())
	}
}

func shouldLog(sample float64, key string) bool {
	if sample <= 0 {
		return false
	}
	if sample >= 1 {
		return true
	}
	const denom = 10000 // 0.01 => 100/10000
	threshold := uint64(sample*denom + 0.5)
	if threshold == 0 {
		return false
	}
	h := xx.Sum64String(key)
	return (h % denom) < threshold
}
