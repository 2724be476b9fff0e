package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

type Driver string

const (
	DriverNone  Driver = "none"
	DriverKafka Driver = "kafka"
)

type TLSConfig struct {
	Enable     bool   `yaml:"enable"`
	CaFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SkipVerify bool   `yaml:"skip_verify"`
}

type SASLConfig struct {
	Enable    bool   `yaml:"enable"`
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type InvalidationConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  Driver `yaml:"driver"`

	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`

	SessionTimeout   time.Duration `yaml:"session_timeout"`
	Heartbeat        time.Duration `yaml:"heartbeat"`
	RebalanceTimeout time.Duration `yaml:"rebalance_timeout"`
	InitialOldest    bool          `yaml:"initial_oldest"`

	TLS  TLSConfig  `yaml:"tls"`
	SASL SASLConfig `yaml:"sasl"`
}

func FromEnv() InvalidationConfig {
	enabled := envBool("INVALIDATION_ENABLED")
	driver := Driver(strings.TrimSpace(os.Getenv("INVALIDATION_DRIVER")))
	if driver == "" {
		driver = DriverNone
	}

	return InvalidationConfig{
		Enabled:          enabled,
		Driver:           driver,
		Brokers:          split(envOr("KAFKA_BROKERS", "localhost:9092")),
		Topic:            envOr("KAFKA_TOPIC", "shape-invalidation"),
		GroupID:          envOr("KAFKA_GROUP_ID", "shape-cache-invalidator"),
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		InitialOldest:    envOr("KAFKA_INITIAL_OFFSET", "oldest") != "newest",
		TLS: TLSConfig{
			Enable:     envBool("KAFKA_TLS_ENABLE"),
			CaFile:     os.Getenv("KAFKA_TLS_CA_FILE"),
			CertFile:   os.Getenv("KAFKA_TLS_CERT_FILE"),
			KeyFile:    os.Getenv("KAFKA_TLS_KEY_FILE"),
			SkipVerify: envBool("KAFKA_TLS_SKIP_VERIFY"),
		},
		SASL: SASLConfig{
			Enable:    envBool("KAFKA_SASL_ENABLE"),
			Mechanism: envOr("KAFKA_SASL_MECHANISM", sarama.SASLTypePlaintext),
			Username:  os.Getenv("KAFKA_SASL_USERNAME"),
			Password:  os.Getenv("KAFKA_SASL_PASSWORD"),
		},
	}
}

// saramaConfig translates cfg into a consumer group configuration.
func saramaConfig(cfg InvalidationConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	if cfg.SessionTimeout > 0 {
		sc.Consumer.Group.Session.Timeout = cfg.SessionTimeout
	}
	if cfg.Heartbeat > 0 {
		sc.Consumer.Group.Heartbeat.Interval = cfg.Heartbeat
	}
	if cfg.RebalanceTimeout > 0 {
		sc.Consumer.Group.Rebalance.Timeout = cfg.RebalanceTimeout
	}
	if cfg.InitialOldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	sc.Consumer.Return.Errors = true

	if cfg.TLS.Enable {
		tc, err := tlsConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tc
	}

	if cfg.SASL.Enable {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASL.Username
		sc.Net.SASL.Password = cfg.SASL.Password
		switch strings.ToUpper(cfg.SASL.Mechanism) {
		case "", sarama.SASLTypePlaintext:
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case sarama.SASLTypeSCRAMSHA256:
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = newSCRAMClient(sha256Generator)
		case sarama.SASLTypeSCRAMSHA512:
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = newSCRAMClient(sha512Generator)
		default:
			return nil, fmt.Errorf("unsupported sasl mechanism %q", cfg.SASL.Mechanism)
		}
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("sarama config: %w", err)
	}
	return sc, nil
}

func tlsConfig(c TLSConfig) (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.SkipVerify,
	}
	if c.CaFile != "" {
		pem, err := os.ReadFile(c.CaFile)
		if err != nil {
			return nil, fmt.Errorf("read kafka ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("kafka ca %s: no certificates found", c.CaFile)
		}
		tc.RootCAs = pool
	}
	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load kafka client cert: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envBool(k string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func split(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
