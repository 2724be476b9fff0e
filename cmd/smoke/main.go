package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	h3 "github.com/uber/h3-go/v4"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mohammed-shakir/mongo-shape-source/internal/cache/redisstore"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/config"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/httpclient"
	"github.com/mohammed-shakir/mongo-shape-source/internal/invalidation"
	"github.com/mohammed-shakir/mongo-shape-source/internal/logger"
	"github.com/mohammed-shakir/mongo-shape-source/internal/store/mongostore"
	invalkafka "github.com/mohammed-shakir/mongo-shape-source/pkg/invalidation/kafka"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type options struct {
	env     string
	seed    bool
	server  string
	bbox    string
	skip    string
	timeout time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.env, "env", ".env", "optional env file")
	flag.BoolVar(&o.seed, "seed", false, "insert fixture records and a geo index before checking mongo")
	flag.StringVar(&o.server, "server", "http://localhost:8090", "shape server base URL")
	flag.StringVar(&o.bbox, "bbox", "11.90,57.60,12.10,57.80,EPSG:4326", "bbox used for the /shapes check")
	flag.StringVar(&o.skip, "skip", "", "comma separated checks to skip (mongo,redis,kafka,shapes)")
	flag.DurationVar(&o.timeout, "timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	cfg := config.Load(o.env)
	log := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   true,
		Service:   "mongo-shape-source",
		Component: "smoke",
	}, os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	skip := map[string]bool{}
	for _, s := range config.SplitCSV(o.skip) {
		skip[s] = true
	}

	checks := []struct {
		name string
		run  func(context.Context, config.Config, options, zerolog.Logger) error
	}{
		{"mongo", checkMongo},
		{"redis", checkRedis},
		{"kafka", checkKafka},
		{"shapes", checkShapes},
	}
	failed := 0
	for _, c := range checks {
		if skip[c.name] {
			log.Info().Str("check", c.name).Msg("skipped")
			continue
		}
		start := time.Now()
		if err := c.run(ctx, cfg, o, log.With().Str("check", c.name).Logger()); err != nil {
			failed++
			log.Error().Err(err).Str("check", c.name).Msg("failed")
			continue
		}
		log.Info().Str("check", c.name).Dur("took", time.Since(start)).Msg("ok")
	}
	if failed > 0 {
		log.Error().Int("failed", failed).Msg("smoke checks failed")
		os.Exit(1)
	}
	log.Info().Msg("all smoke checks passed")
}

func checkMongo(ctx context.Context, cfg config.Config, o options, log zerolog.Logger) error {
	store, err := mongostore.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database,
		mongostore.WithConnectTimeout(cfg.Mongo.ConnectTimeout),
		mongostore.WithAppName("mongo-shape-source-smoke"))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.Background()) }()

	if o.seed {
		if err := store.InsertMany(ctx, cfg.Shapes.Collection, fixtures()); err != nil {
			return err
		}
		if err := store.EnsureGeoIndex(ctx, cfg.Shapes.Collection, cfg.Shapes.GeoKey); err != nil {
			return err
		}
		log.Info().Str("collection", cfg.Shapes.Collection).Msg("fixtures seeded")
	}

	n, err := store.Count(ctx, cfg.Shapes.Collection, nil)
	if err != nil {
		return err
	}
	log.Info().Str("collection", cfg.Shapes.Collection).Int64("documents", n).Msg("collection reachable")
	return nil
}

// fixtures are a handful of Göteborg records: two centroid only, one with
// an explicit polygon.
func fixtures() []any {
	return []any{
		bson.D{
			{Key: "geo_info", Value: bson.D{
				{Key: "centroid", Value: bson.A{11.9746, 57.7089}},
				{Key: "humanReadableName", Value: "Centralstationen"},
			}},
			{Key: "responses", Value: bson.D{{Key: "status", Value: "active"}}},
		},
		bson.D{
			{Key: "geo_info", Value: bson.D{{Key: "centroid", Value: bson.A{11.9667, 57.6989}}}},
			{Key: "responses", Value: bson.D{{Key: "status", Value: "closed"}}},
		},
		bson.D{
			{Key: "parcel_id", Value: "GBG-0001"},
			{Key: "geo_info", Value: bson.D{
				{Key: "centroid", Value: bson.A{11.95, 57.70}},
				{Key: "geometry", Value: bson.D{
					{Key: "type", Value: "Polygon"},
					{Key: "coordinates", Value: bson.A{bson.A{
						bson.A{11.94, 57.69}, bson.A{11.96, 57.69}, bson.A{11.96, 57.71},
						bson.A{11.94, 57.71}, bson.A{11.94, 57.69},
					}}},
				}},
				{Key: "humanReadableName", Value: "Slottsskogen"},
			}},
		},
	}
}

func checkRedis(ctx context.Context, cfg config.Config, _ options, log zerolog.Logger) error {
	rc, err := redisstore.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	key := "smoke:" + uuid.NewString()
	if err := rc.Set(ctx, key, []byte("world"), 30*time.Second); err != nil {
		return err
	}
	val, ok, err := rc.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok || string(val) != "world" {
		return fmt.Errorf("redis round trip returned %q (found=%v)", val, ok)
	}
	_ = rc.Del(ctx, key)
	log.Info().Str("addr", cfg.RedisAddr).Msg("redis round trip")
	return nil
}

// checkKafka produces one refresh event for the served source. A running
// shape server with invalidation enabled bumps the source generation.
func checkKafka(ctx context.Context, cfg config.Config, _ options, log zerolog.Logger) error {
	icfg := invalkafka.FromEnv()
	if len(icfg.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V3_6_0_0
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	prod, err := sarama.NewSyncProducer(icfg.Brokers, sc)
	if err != nil {
		return fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	source := cfg.Shapes.Name
	if source == "" {
		source = "localdata"
	}
	ev := invalidation.Event{
		Version: invalidation.Version,
		Op:      "refresh",
		Source:  source,
		TS:      time.Now().UTC(),
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		part, off, err := prod.SendMessage(&sarama.ProducerMessage{
			Topic: icfg.Topic,
			Key:   sarama.StringEncoder(source),
			Value: sarama.ByteEncoder(payload),
		})
		if err == nil {
			log.Info().Str("topic", icfg.Topic).Int32("partition", part).Int64("offset", off).Msg("invalidation event produced")
		}
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func checkShapes(ctx context.Context, _ config.Config, o options, log zerolog.Logger) error {
	u, err := url.Parse(strings.TrimRight(o.server, "/") + "/shapes")
	if err != nil {
		return fmt.Errorf("bad server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	q := u.Query()
	q.Set("bbox", o.bbox)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := httpclient.NewOutbound(httpclient.Options{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("get shapes: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("shapes status %d: %.512s", resp.StatusCode, body)
	}
	var fc struct {
		Type     string                `json:"type"`
		Features []jsoniter.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(body, &fc); err != nil {
		return fmt.Errorf("decode shapes: %w", err)
	}
	if fc.Type != "FeatureCollection" {
		return fmt.Errorf("unexpected type %q", fc.Type)
	}

	cell := "-"
	if lon, lat, ok := bboxCenter(o.bbox); ok {
		if c, err := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lon}, 7); err == nil {
			cell = c.String()
		}
	}
	log.Info().
		Int("features", len(fc.Features)).
		Str("x_cache", resp.Header.Get("X-Cache")).
		Str("etag", resp.Header.Get("ETag")).
		Str("h3_center", cell).
		Msg("shapes served")
	return nil
}

func bboxCenter(s string) (lon, lat float64, ok bool) {
	var x1, y1, x2, y2 float64
	if _, err := fmt.Sscanf(strings.ReplaceAll(s, ",", " "), "%g %g %g %g", &x1, &y1, &x2, &y2); err != nil {
		return 0, 0, false
	}
	return (x1 + x2) / 2, (y1 + y2) / 2, true
}
