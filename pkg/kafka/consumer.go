package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

// MessageHandler processes messages from one topic.
type MessageHandler interface {
	Topic() string
	Handle(ctx context.Context, data []byte) error
}

// Consumer runs group readers for every registered topic. Offsets commit
// only after the handler succeeds or the message lands on the DLQ, so
// nothing is lost to a crash mid-handle.
type Consumer struct {
	cfg      *ConsumerConfig
	handlers map[string]MessageHandler
	readers  []*kafka.Reader
	dlq      *kafka.Writer
	hook     ConsumerHook

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewConsumer builds a consumer from options. Handlers are registered
// before Start.
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := &ConsumerConfig{
		GroupID:     "default",
		StartOffset: "earliest",
		Workers:     1,
		RetryMax:    3,
		BackoffMin:  50 * time.Millisecond,
		BackoffMax:  2 * time.Second,
		MinBytes:    10e3,
		MaxBytes:    10e6,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: brokers are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		cfg:      cfg,
		handlers: make(map[string]MessageHandler),
		hook:     NoopHook{},
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Balancer: &kafka.LeastBytes{}}
	}

	registerConsumerMetrics()
	return c, nil
}

// SetHook installs a lifecycle hook. Call before Start.
func (c *Consumer) SetHook(h ConsumerHook) {
	if h != nil {
		c.hook = h
	}
}

// RegisterHandler subscribes a handler to its topic. Duplicate topics keep
// the first handler.
func (c *Consumer) RegisterHandler(h MessageHandler) error {
	if _, dup := c.handlers[h.Topic()]; dup {
		return fmt.Errorf("kafka: handler already registered for topic %s", h.Topic())
	}
	c.handlers[h.Topic()] = h
	return nil
}

// Start launches the configured number of group readers per topic.
func (c *Consumer) Start() error {
	if len(c.handlers) == 0 {
		return fmt.Errorf("kafka: no handlers registered")
	}

	for topic, handler := range c.handlers {
		for i := 0; i < c.cfg.Workers; i++ {
			reader := kafka.NewReader(kafka.ReaderConfig{
				Brokers:     c.cfg.Brokers,
				Topic:       topic,
				GroupID:     c.cfg.GroupID,
				StartOffset: startOffset(c.cfg.StartOffset),
				MinBytes:    c.cfg.MinBytes,
				MaxBytes:    c.cfg.MaxBytes,
			})
			c.readers = append(c.readers, reader)
			c.wg.Add(1)
			go c.consume(reader, handler)
		}
	}
	return nil
}

// Stop drains readers and waits for in-flight handlers, bounded by ctx.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		c.cancel()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-ctx.Done():
			stopErr = fmt.Errorf("kafka consumer stop: %w", ctx.Err())
		case <-done:
		}

		for _, r := range c.readers {
			_ = r.Close()
		}
		if c.dlq != nil {
			_ = c.dlq.Close()
		}
	})
	return stopErr
}

func (c *Consumer) consume(reader *kafka.Reader, handler MessageHandler) {
	defer c.wg.Done()

	for {
		msg, err := reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			// Transient broker errors; the reader reconnects itself.
			time.Sleep(time.Second)
			continue
		}

		c.process(reader, handler, msg)
	}
}

// process runs the handler with bounded retries, then commits. A message
// that exhausts its retries goes to the DLQ before the commit so the
// partition never wedges on a poison message.
func (c *Consumer) process(reader *kafka.Reader, handler MessageHandler, msg kafka.Message) {
	topic := handler.Topic()
	started := time.Now()

	hctx := c.hook.BeforeHandle(c.ctx, topic, msg)
	err := c.handleWithRetry(hctx, handler, msg)
	c.hook.AfterHandle(hctx, topic, msg, err)

	result := "ok"
	if err != nil {
		result = "error"
		if c.dlq != nil {
			c.deadLetter(msg, topic)
		}
	}
	consumerMessages.WithLabelValues(topic, result).Inc()
	consumerLatency.WithLabelValues(topic).Observe(time.Since(started).Seconds())

	if err == nil || c.dlq != nil {
		if cerr := reader.CommitMessages(context.WithoutCancel(c.ctx), msg); cerr != nil {
			consumerCommitErrs.WithLabelValues(topic).Inc()
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, handler MessageHandler, msg kafka.Message) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffMin
	bo.MaxInterval = c.cfg.BackoffMax
	bo.Reset()

	var err error
	for attempt := 0; attempt <= c.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			consumerRetries.WithLabelValues(handler.Topic()).Inc()
			select {
			case <-time.After(bo.NextBackOff()):
			case <-c.ctx.Done():
				return c.ctx.Err()
			}
		}
		if err = c.safeHandle(ctx, handler, msg.Value); err == nil {
			return nil
		}
	}
	return err
}

// safeHandle contains handler panics so one bad message cannot take the
// reader down.
func (c *Consumer) safeHandle(ctx context.Context, handler MessageHandler, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, data)
}

func (c *Consumer) deadLetter(msg kafka.Message, sourceTopic string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), 5*time.Second)
	defer cancel()

	err := c.dlq.WriteMessages(ctx, kafka.Message{
		Topic:   c.cfg.DLQTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Time:    time.Now(),
		Headers: []kafka.Header{{Key: "source_topic", Value: []byte(sourceTopic)}},
	})
	if err == nil {
		consumerDLQ.WithLabelValues(sourceTopic).Inc()
	}
}

func startOffset(name string) int64 {
	if name == "latest" {
		return kafka.LastOffset
	}
	return kafka.FirstOffset
}

var (
	consumerMetricsOnce sync.Once
	consumerMessages    *prometheus.CounterVec
	consumerRetries     *prometheus.CounterVec
	consumerDLQ         *prometheus.CounterVec
	consumerCommitErrs  *prometheus.CounterVec
	consumerLatency     *prometheus.HistogramVec
)

func registerConsumerMetrics() {
	consumerMetricsOnce.Do(func() {
		consumerMessages = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pivot_kafka_consumer_messages_total",
				Help: "Messages consumed by final result",
			},
			[]string{"topic", "result"},
		)
		consumerRetries = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pivot_kafka_consumer_retries_total",
				Help: "Handler retry attempts",
			},
			[]string{"topic"},
		)
		consumerDLQ = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pivot_kafka_consumer_dlq_total",
				Help: "Messages routed to the dead-letter topic",
			},
			[]string{"topic"},
		)
		consumerCommitErrs = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pivot_kafka_consumer_commit_errors_total",
				Help: "Offset commit failures",
			},
			[]string{"topic"},
		)
		consumerLatency = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pivot_kafka_consumer_handle_seconds",
				Help:    "End-to-end handling time per message",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		)
	})
}
