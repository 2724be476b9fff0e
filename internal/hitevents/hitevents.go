// Package hitevents publishes one Kafka message per served shape request.
package hitevents

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	jsoniter "github.com/json-iterator/go"

	"github.com/mohammed-shakir/mongo-shape-source/internal/core/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Event struct {
	Source   string    `json:"source"`
	SRID     string    `json:"srid"`
	BBox     string    `json:"bbox"`
	Cell     string    `json:"cell,omitempty"`
	Features int       `json:"features"`
	Cache    string    `json:"cache"`
	TS       time.Time `json:"ts"`
}

// Sink is what request handlers publish to.
type Sink interface {
	Publish(ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}

type Publisher struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	logger  *slog.Logger
	stopped chan struct{}
	errDone chan struct{}
}

func NewPublisher(brokers []string, topic string, queueSize int, logger *slog.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("hitevents: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("hitevents: topic is required")
	}

	prod, err := sarama.NewAsyncProducer(brokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("hitevents: create async producer: %w", err)
	}
	return newWithProducer(prod, topic, queueSize, logger), nil
}

// ProducerConfig is the sarama config the publisher runs with.
func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Flush.Frequency = 250 * time.Millisecond
	return cfg
}

func newWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, logger *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Publisher{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		logger:  logger,
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.logger.Warn("hitevents: marshal", "err", err)
				observability.IncHitEvent("failed")
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Source),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errDone)
		for err := range p.prod.Errors() {
			if err != nil {
				observability.IncHitEvent("failed")
				p.logger.Warn("hitevents: producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish never blocks; events are dropped when the queue is full.
func (p *Publisher) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	select {
	case p.events <- ev:
		observability.IncHitEvent("queued")
	default:
		observability.IncHitEvent("dropped")
	}
}

// Close flushes queued events and shuts the producer down. Publish must not
// be called after Close.
func (p *Publisher) Close() error {
	close(p.events)
	<-p.stopped

	err := p.prod.Close()
	<-p.errDone
	if err != nil {
		return fmt.Errorf("hitevents: close producer: %w", err)
	}
	return nil
}
