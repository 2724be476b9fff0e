package observability

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	shapePhaseSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shape_phase_duration_seconds",
			Help:    "Time spent per shape request phase (fetch, convert, reproject).",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"source", "phase"},
	)

	shapeRecords = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shape_records_per_request",
			Help:    "Number of records returned by the store per shape request.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"source"},
	)

	shapeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shape_errors_total",
			Help: "Failed shape requests by kind.",
		},
		[]string{"source", "kind"},
	)

	cacheOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Cache backend operations by result.",
		},
		[]string{"op", "result"},
	)

	redisOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of redis operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	storeOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_op_total",
			Help: "Document store operations by result.",
		},
		[]string{"op", "result"},
	)

	mongoOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mongo_operation_duration_seconds",
			Help:    "Latency of mongo operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"op"},
	)

	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Response cache lookups by tier and outcome.",
		},
		[]string{"tier", "outcome"},
	)

	invalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidations_total",
			Help: "Applied invalidation events by op and result.",
		},
		[]string{"op", "source", "result"},
	)

	invalidationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "invalidation_apply_seconds",
			Help:    "Time to apply one invalidation event.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	sourceInvalidatedAt = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "source_invalidated_at_seconds",
			Help: "Unix time of the last applied invalidation per source.",
		},
		[]string{"source"},
	)

	hitEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hit_events_total",
			Help: "Hit events by outcome (queued, dropped, failed).",
		},
		[]string{"result"},
	)

	hotKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hotness_tracked_keys",
			Help: "Number of keys currently held by a hotness tracker.",
		},
		[]string{"tracker"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		shapePhaseSeconds, shapeRecords, shapeErrors,
		cacheOpTotal, redisOpSeconds, cacheResults,
		storeOpTotal, mongoOpSeconds,
		invalidationsTotal, invalidationSeconds, sourceInvalidatedAt,
		hitEvents, hotKeys, buildInfo,
	}
}

// Init registers the service metrics with reg (the default registerer
// when nil). Registering twice on the same registry is a no-op.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled {
		return
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

// ObservePhase records the duration of one shape request phase.
func ObservePhase(source, phase string, d time.Duration) {
	shapePhaseSeconds.WithLabelValues(source, phase).Observe(d.Seconds())
}

func ObserveRecords(source string, n int) {
	shapeRecords.WithLabelValues(source).Observe(float64(n))
}

func IncShapeError(source, kind string) {
	shapeErrors.WithLabelValues(source, kind).Inc()
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	cacheOpTotal.WithLabelValues(op, res).Inc()
	redisOpSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func ObserveStoreOp(op string, err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	storeOpTotal.WithLabelValues(op, res).Inc()
	mongoOpSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func IncCacheResult(tier, outcome string) {
	cacheResults.WithLabelValues(tier, outcome).Inc()
}

func ObserveInvalidation(op, source string, d time.Duration, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	invalidationsTotal.WithLabelValues(op, source, res).Inc()
	invalidationSeconds.WithLabelValues(op).Observe(d.Seconds())
}

func IncHitEvent(result string) {
	hitEvents.WithLabelValues(result).Inc()
}

func SetHotKeys(tracker string, n int) {
	hotKeys.WithLabelValues(tracker).Set(float64(n))
}

var (
	invalidatedMu sync.RWMutex
	invalidatedAt = map[string]int64{}
)

func SetSourceInvalidatedAt(source string, ts time.Time) {
	if source == "" || ts.IsZero() {
		return
	}
	invalidatedMu.Lock()
	invalidatedAt[source] = ts.Unix()
	invalidatedMu.Unlock()
	sourceInvalidatedAt.WithLabelValues(source).Set(float64(ts.Unix()))
}

// GetSourceInvalidatedAtUnix returns 0 when the source was never invalidated.
func GetSourceInvalidatedAtUnix(source string) int64 {
	invalidatedMu.RLock()
	defer invalidatedMu.RUnlock()
	return invalidatedAt[source]
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
