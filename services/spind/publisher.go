package spind

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"spinwin/core/events"
	"spinwin/core/types"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
	DriverNone  = "none"

	envKafkaTLS          = "SPIND_KAFKA_TLS"
	defaultPublishBuffer = 256
)

// Producer publishes encoded events to a topic.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

// ProducerConfig configures event producers.
type ProducerConfig struct {
	Driver       string
	Brokers      []string
	BatchTimeout time.Duration
	// Writer receives stdio output; defaults to stdout.
	Writer io.Writer
}

// NewProducer creates a producer for the configured driver. The none driver
// returns nil.
func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return &stdioProducer{w: w}, nil
	case DriverNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported publisher driver %q", cfg.Driver)
	}
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer requires at least one broker")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		writer.Transport = &kafka.Transport{TLS: &tls.Config{MinVersion: tls.VersionTLS12}}
	}
	return &kafkaProducer{writer: writer}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("topic is required")
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaProducer) Close() error { return p.writer.Close() }

type stdioProducer struct {
	w  io.Writer
	mu sync.Mutex
}

func (p *stdioProducer) Publish(_ context.Context, _ string, _ []byte, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(payload); err != nil {
		return err
	}
	_, err := p.w.Write([]byte("\n"))
	return err
}

func (p *stdioProducer) Close() error { return nil }

// envelope is the wire form of a published event.
type envelope struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	EmittedAt  time.Time         `json:"emittedAt"`
}

// Publisher is an events.Emitter that hands events to a Producer on a
// background goroutine so emission never blocks the engine.
type Publisher struct {
	producer Producer
	topic    string
	logger   *slog.Logger
	queue    chan *types.Event
	done     chan struct{}
	timeout  time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewPublisher starts the delivery loop. Events beyond the buffer are dropped
// with a log line.
func NewPublisher(producer Producer, topic string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		producer: producer,
		topic:    topic,
		logger:   log,
		queue:    make(chan *types.Event, defaultPublishBuffer),
		done:     make(chan struct{}),
		timeout:  5 * time.Second,
	}
	go p.run()
	return p
}

// Emit implements events.Emitter.
func (p *Publisher) Emit(evt events.Event) {
	if p == nil || evt == nil || evt.Event() == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- evt.Event().Clone():
	default:
		p.logger.Warn("publisher queue full, dropping event", "component", "publisher", "type", evt.EventType())
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for evt := range p.queue {
		payload, err := json.Marshal(envelope{Type: evt.Type, Attributes: evt.Attributes, EmittedAt: time.Now().UTC()})
		if err != nil {
			p.logger.Error("encode event", "error", err, "component", "publisher")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err = p.producer.Publish(ctx, p.topic, []byte(evt.Type), payload)
		cancel()
		if err != nil {
			p.logger.Error("publish event", "error", err, "component", "publisher", "type", evt.Type)
		}
	}
}

// Close drains queued events and closes the producer.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
	return p.producer.Close()
}
