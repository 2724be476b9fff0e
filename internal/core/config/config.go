package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.mongodb.org/mongo-driver/bson"
)

type MongoCfg struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// ShapesCfg describes the single shape source served by the process.
// Query and Select hold Extended JSON documents.
type ShapesCfg struct {
	Collection string
	GeoKey     string
	Query      string
	Select     string
	Projection string
	FilterKey  string
	Name       string
	Timeout    time.Duration
}

type CacheCfg struct {
	TTLDefault   time.Duration
	TTLHot       time.Duration
	L1Size       int
	L1TTL        time.Duration
	OpTimeout    time.Duration
	HotThreshold float64
	HotHalfLife  time.Duration
	H3Res        int
}

// MetricsCfg leaves Addr empty to serve /metrics on the main listener.
type MetricsCfg struct {
	Enabled bool
	Addr    string
	Path    string
}

type HitEventsCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	Queue   int
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool
	LogSampleN int
	Scenario   string
	RedisAddr  string
	Mongo      MongoCfg
	Shapes     ShapesCfg
	Cache      CacheCfg
	HitEvents  HitEventsCfg
	Metrics    MetricsCfg
}

// Load reads an optional .env file and then the environment.
func Load(envFiles ...string) Config {
	// a missing .env is normal outside local development
	_ = godotenv.Load(envFiles...)
	return FromEnv()
}

func FromEnv() Config {
	ttlDefault := getduration("CACHE_TTL_DEFAULT", 60*time.Second)
	brokers := getenv("KAFKA_BROKERS", "localhost:9092")

	h3Res := getint("H3_RES", 7)
	if h3Res < 0 {
		h3Res = 0
	}
	if h3Res > 15 {
		h3Res = 15
	}

	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),
		Scenario:   getenv("SCENARIO", "direct"),
		RedisAddr:  getenv("REDIS_ADDR", "localhost:6379"),
		Mongo: MongoCfg{
			URI:            getenv("MONGODB_URI", "mongodb://localhost:27017"),
			Database:       getenv("MONGODB_DATABASE", "localdata"),
			ConnectTimeout: getduration("MONGODB_CONNECT_TIMEOUT", 10*time.Second),
		},
		Shapes: ShapesCfg{
			Collection: getenv("SHAPES_COLLECTION", "responses"),
			GeoKey:     getenv("SHAPES_GEO_KEY", "geo_info.centroid"),
			Query:      getenv("SHAPES_QUERY", "{}"),
			Select:     getenv("SHAPES_SELECT", "{}"),
			Projection: getenv("SHAPES_PROJECTION", "EPSG:4326"),
			FilterKey:  getenv("SHAPES_FILTER_KEY", ""),
			Name:       getenv("SHAPES_NAME", ""),
			Timeout:    getduration("SHAPES_TIMEOUT", 15*time.Second),
		},
		Cache: CacheCfg{
			TTLDefault:   ttlDefault,
			TTLHot:       getduration("CACHE_TTL_HOT", 5*ttlDefault),
			L1Size:       getint("CACHE_L1_SIZE", 512),
			L1TTL:        getduration("CACHE_L1_TTL", 10*time.Second),
			OpTimeout:    getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
			HotThreshold: getfloat("HOT_THRESHOLD", 10.0),
			HotHalfLife:  getduration("HOT_HALF_LIFE", time.Minute),
			H3Res:        h3Res,
		},
		HitEvents: HitEventsCfg{
			Enabled: getbool("HIT_EVENTS_ENABLED", false),
			Topic:   getenv("HIT_EVENTS_TOPIC", "shape-hits"),
			Brokers: brokers,
			Queue:   getint("HIT_EVENTS_QUEUE", 1024),
		},
		Metrics: MetricsCfg{
			Enabled: getbool("METRICS_ENABLED", true),
			Addr:    os.Getenv("METRICS_ADDR"),
			Path:    getenv("METRICS_PATH", "/metrics"),
		},
	}
}

// ParseDocument decodes an Extended JSON object into an ordered document.
// Blank input yields an empty document.
func ParseDocument(name, s string) (bson.D, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return bson.D{}, nil
	}
	var d bson.D
	if err := bson.UnmarshalExtJSON([]byte(s), false, &d); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if d == nil {
		d = bson.D{}
	}
	return d, nil
}

// SplitCSV splits a comma separated list, dropping blanks.
func SplitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
