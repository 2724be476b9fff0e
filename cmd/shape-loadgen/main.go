package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/mongo-shape-source/internal/core/httpclient"
	"github.com/mohammed-shakir/mongo-shape-source/internal/logger"
)

type Config struct {
	TargetURL      string
	Source         string
	Concurrency    int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	BBoxCount      int
	OutputPrefix   string
	RequestTimeout time.Duration
	AppendTS       bool
	CentroidFile   string
	CentroidHalf   float64
	LogLevel       string
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8090/shapes", "Shape server /shapes URL")
	flag.StringVar(&cfg.Source, "source", "", "Optional source name sent as ?source=")
	flag.IntVar(&cfg.Concurrency, "concurrency", 32, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.BBoxCount, "bboxes", 128, "Distinct bboxes in pool")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/shapes", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 10*time.Second, "Per-request timeout")
	flag.BoolVar(&cfg.AppendTS, "append-ts", true, "Append UTC timestamp to output prefix")
	flag.StringVar(&cfg.CentroidFile, "centroids", "", "Optional centroid CSV (id,lon,lat) to drive bboxes")
	flag.Float64Var(&cfg.CentroidHalf, "centroid-half", 0.02, "Half size in degrees of centroid bboxes")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level")
	flag.Parse()
	return cfg
}

type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Status    int
	Cache     string
	ErrorMsg  string
	BoxIndex  int
	BBoxStr   string
}

type summary struct {
	StartTime     time.Time        `json:"start"`
	EndTime       time.Time        `json:"end"`
	DurationSec   float64          `json:"duration_sec"`
	TotalRequests int64            `json:"total"`
	SuccessCount  int64            `json:"success"`
	ErrorCount    int64            `json:"errors"`
	ThroughputRPS float64          `json:"throughput_rps"`
	P50Ms         float64          `json:"p50_ms"`
	P95Ms         float64          `json:"p95_ms"`
	P99Ms         float64          `json:"p99_ms"`
	CacheOutcomes map[string]int64 `json:"cache_outcomes"`
	HitRatio      float64          `json:"hit_ratio"`
	Concurrency   int              `json:"concurrency"`
	ZipfS         float64          `json:"zipf_s"`
	ZipfV         float64          `json:"zipf_v"`
	BBoxes        int              `json:"bboxes"`
	TargetURL     string           `json:"target"`
}

type aggregate struct {
	total   int64
	success int64
	errors  int64
	cache   map[string]int64
	latMs   []float64
}

func (a *aggregate) add(s sample) {
	a.total++
	if s.ErrorMsg == "" && s.Status >= 200 && s.Status < 400 {
		a.success++
		a.latMs = append(a.latMs, float64(s.Latency.Microseconds())/1000.0)
	} else {
		a.errors++
	}
	if s.Cache != "" {
		a.cache[s.Cache]++
	}
}

func (a *aggregate) hitRatio() float64 {
	n := a.cache["HIT"] + a.cache["MISS"]
	if n == 0 {
		return 0
	}
	return float64(a.cache["HIT"]) / float64(n)
}

func main() {
	cfg := loadConfig()
	log := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   true,
		Service:   "mongo-shape-source",
		Component: "shape-loadgen",
	}, os.Stderr)

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("loadgen failed")
		os.Exit(1)
	}
}

func run(cfg Config, log zerolog.Logger) error {
	if cfg.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}
	target, err := url.Parse(cfg.TargetURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return fmt.Errorf("bad target url %q", cfg.TargetURL)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		return fmt.Errorf("mkdir results: %w", err)
	}
	prefix := cfg.OutputPrefix
	if cfg.AppendTS {
		prefix = fmt.Sprintf("%s_%s", prefix, time.Now().UTC().Format("20060102_150405Z"))
	}

	seed := time.Now().UnixNano()
	var bboxes []BBox
	if strings.TrimSpace(cfg.CentroidFile) != "" {
		cs, err := loadCentroids(cfg.CentroidFile)
		if err != nil {
			log.Warn().Err(err).Str("file", cfg.CentroidFile).Msg("centroids unusable; falling back to synthetic bboxes")
		} else {
			bboxes = bboxesFromCentroids(cs, cfg.BBoxCount, cfg.CentroidHalf)
			log.Info().Int("bboxes", len(bboxes)).Str("file", cfg.CentroidFile).Msg("using centroid bboxes")
		}
	}
	if len(bboxes) == 0 {
		bboxes = makeBBoxes(cfg.BBoxCount, rand.New(rand.NewSource(seed)))
		log.Info().Int("bboxes", len(bboxes)).Msg("using synthetic bboxes")
	}
	if len(bboxes) == 0 {
		return fmt.Errorf("no bboxes generated")
	}
	imax := uint64(len(bboxes)) - 1

	client := httpclient.NewOutbound(httpclient.Options{
		Timeout:             cfg.RequestTimeout,
		MaxIdleConns:        1024,
		MaxIdleConnsPerHost: 256,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer func() { _ = csvFile.Close() }()
	w := csv.NewWriter(csvFile)

	samples := make(chan sample, 4096)
	results := make(chan *aggregate, 1)
	go func() {
		_ = w.Write([]string{"timestamp", "latency_ms", "status", "cache", "error", "bbox_idx", "bbox"})
		agg := &aggregate{cache: map[string]int64{}, latMs: make([]float64, 0, 1<<16)}
		for s := range samples {
			agg.add(s)
			_ = w.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				fmt.Sprintf("%.3f", float64(s.Latency.Microseconds())/1000.0),
				fmt.Sprintf("%d", s.Status),
				s.Cache,
				s.ErrorMsg,
				fmt.Sprintf("%d", s.BoxIndex),
				s.BBoxStr,
			})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			log.Error().Err(err).Msg("csv flush")
		}
		results <- agg
	}()

	start := time.Now()
	log.Info().
		Str("target", cfg.TargetURL).
		Dur("duration", cfg.Duration).
		Int("concurrency", cfg.Concurrency).
		Float64("zipf_s", cfg.ZipfS).
		Float64("zipf_v", cfg.ZipfV).
		Int("bboxes", len(bboxes)).
		Msg("loadgen start")

	var wg sync.WaitGroup
	for id := range cfg.Concurrency {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, imax)
			for ctx.Err() == nil {
				v := zipf.Uint64()
				if v > uint64(math.MaxInt) || int(v) >= len(bboxes) {
					continue
				}
				idx := int(v)
				s := shoot(ctx, client, *target, cfg.Source, bboxes[idx])
				s.BoxIndex = idx
				select {
				case samples <- s:
				case <-ctx.Done():
					return
				}
			}
		}(id)
	}

	go func() {
		<-ctx.Done()
		wg.Wait()
		close(samples)
	}()

	agg := <-results
	end := time.Now()
	elapsed := end.Sub(start).Seconds()

	sort.Float64s(agg.latMs)
	sum := summary{
		StartTime:     start.UTC(),
		EndTime:       end.UTC(),
		DurationSec:   elapsed,
		TotalRequests: agg.total,
		SuccessCount:  agg.success,
		ErrorCount:    agg.errors,
		ThroughputRPS: float64(agg.total) / elapsed,
		P50Ms:         percentile(agg.latMs, 50),
		P95Ms:         percentile(agg.latMs, 95),
		P99Ms:         percentile(agg.latMs, 99),
		CacheOutcomes: agg.cache,
		HitRatio:      agg.hitRatio(),
		Concurrency:   cfg.Concurrency,
		ZipfS:         cfg.ZipfS,
		ZipfV:         cfg.ZipfV,
		BBoxes:        len(bboxes),
		TargetURL:     cfg.TargetURL,
	}

	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.WriteFile(filepath.Clean(jsonPath), out, 0o600); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	log.Info().
		Int64("total", agg.total).
		Int64("success", agg.success).
		Int64("errors", agg.errors).
		Float64("rps", sum.ThroughputRPS).
		Float64("p50_ms", sum.P50Ms).
		Float64("p95_ms", sum.P95Ms).
		Float64("p99_ms", sum.P99Ms).
		Float64("hit_ratio", sum.HitRatio).
		Str("summary", jsonPath).
		Str("samples", csvPath).
		Msg("loadgen done")
	return nil
}

func shoot(ctx context.Context, client *http.Client, u url.URL, source string, box BBox) sample {
	q := u.Query()
	q.Set("bbox", box.String())
	if source != "" {
		q.Set("source", source)
	}
	u.RawQuery = q.Encode()

	s := sample{Timestamp: time.Now(), BBoxStr: box.String()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	req.Header.Set("Accept", "application/geo+json")
	resp, err := client.Do(req)
	s.Latency = time.Since(s.Timestamp)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	s.Status = resp.StatusCode
	s.Cache = resp.Header.Get("X-Cache")
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		s.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
	}
	return s
}
