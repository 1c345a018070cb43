package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

// Producer wraps a kafka-go writer with JSON serialization and metrics.
type Producer struct {
	writer *kafka.Writer
	codec  string
}

// NewProducer builds a producer from options.
func NewProducer(opts ...ProducerOption) (*Producer, error) {
	cfg := &ProducerConfig{
		RequiredAcks: -1,
		Compression:  "gzip",
		MaxAttempts:  3,
		BatchSize:    100,
		BatchBytes:   1 << 20,
		BatchTimeout: time.Second,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: brokers are required")
	}

	var balancer kafka.Balancer = &kafka.LeastBytes{}
	if cfg.HashByKey {
		balancer = &kafka.Hash{}
	}

	registerProducerMetrics()
	return &Producer{
		codec: cfg.Compression,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     balancer,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:  compressionCodec(cfg.Compression),
			MaxAttempts:  cfg.MaxAttempts,
			BatchSize:    cfg.BatchSize,
			BatchBytes:   int64(cfg.BatchBytes),
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			Async:        cfg.Async,
		},
	}, nil
}

// Publish sends one message. Byte and string values go out verbatim,
// anything else is JSON-encoded.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value interface{}) error {
	data, err := serialize(value)
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	started := time.Now()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: data,
		Time:  started,
	})

	result := "ok"
	if err != nil {
		result = "error"
	}
	producerMessages.WithLabelValues(topic, p.codec, result).Inc()
	producerBytes.WithLabelValues(topic, p.codec).Add(float64(len(data)))
	producerLatency.WithLabelValues(topic).Observe(time.Since(started).Seconds())
	return err
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

func serialize(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(value)
	}
}

func compressionCodec(name string) kafka.Compression {
	switch name {
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Gzip
	}
}

var (
	producerMetricsOnce sync.Once
	producerMessages    *prometheus.CounterVec
	producerBytes       *prometheus.CounterVec
	producerLatency     *prometheus.HistogramVec
)

func registerProducerMetrics() {
	producerMetricsOnce.Do(func() {
		producerMessages = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pivot_kafka_producer_messages_total",
				Help: "Messages published to Kafka by result",
			},
			[]string{"topic", "compression", "result"},
		)
		producerBytes = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pivot_kafka_producer_bytes_total",
				Help: "Payload bytes published to Kafka",
			},
			[]string{"topic", "compression"},
		)
		producerLatency = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pivot_kafka_producer_publish_seconds",
				Help:    "Publish latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		)
	})
}
