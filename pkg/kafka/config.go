package kafka

import "time"

// ProducerOption configures Producer.
type ProducerOption func(*ProducerConfig)

// ProducerConfig holds writer settings.
type ProducerConfig struct {
	Brokers      []string
	RequiredAcks int // -1 = all replicas
	Compression  string
	MaxAttempts  int
	BatchSize    int
	BatchBytes   int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	Async        bool
	HashByKey    bool
}

// WithBrokers sets the broker list.
func WithBrokers(brokers []string) ProducerOption {
	return func(c *ProducerConfig) { c.Brokers = brokers }
}

// WithRequiredAcks sets the ack level (-1 = all).
func WithRequiredAcks(acks int) ProducerOption {
	return func(c *ProducerConfig) { c.RequiredAcks = acks }
}

// WithCompression sets the codec: gzip, snappy, lz4, or zstd.
func WithCompression(codec string) ProducerOption {
	return func(c *ProducerConfig) { c.Compression = codec }
}

// WithMaxAttempts sets writer-level delivery attempts.
func WithMaxAttempts(n int) ProducerOption {
	return func(c *ProducerConfig) { c.MaxAttempts = n }
}

// WithBatching tunes batch size, target bytes, and linger.
func WithBatching(size, bytes int, linger time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		if size > 0 {
			c.BatchSize = size
		}
		if bytes > 0 {
			c.BatchBytes = bytes
		}
		if linger > 0 {
			c.BatchTimeout = linger
		}
	}
}

// WithTimeouts sets writer write/read timeouts.
func WithTimeouts(write, read time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		c.WriteTimeout = write
		c.ReadTimeout = read
	}
}

// WithAsync switches the writer to fire-and-forget delivery.
func WithAsync(async bool) ProducerOption {
	return func(c *ProducerConfig) { c.Async = async }
}

// WithHashByKey routes messages with equal keys to one partition, keeping
// per-key ordering.
func WithHashByKey(hash bool) ProducerOption {
	return func(c *ProducerConfig) { c.HashByKey = hash }
}

// ConsumerOption configures Consumer.
type ConsumerOption func(*ConsumerConfig)

// ConsumerConfig holds reader settings shared by every subscribed topic.
type ConsumerConfig struct {
	Brokers     []string
	GroupID     string
	StartOffset string // earliest or latest, for partitions without a committed offset
	Workers     int    // group readers per topic
	RetryMax    int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	DLQTopic    string
	MinBytes    int
	MaxBytes    int
}

// WithConsumerBrokers sets the broker list.
func WithConsumerBrokers(brokers []string) ConsumerOption {
	return func(c *ConsumerConfig) { c.Brokers = brokers }
}

// WithConsumerGroup sets the consumer group ID.
func WithConsumerGroup(groupID string) ConsumerOption {
	return func(c *ConsumerConfig) { c.GroupID = groupID }
}

// WithConsumerStartOffset sets where fresh partitions begin.
func WithConsumerStartOffset(offset string) ConsumerOption {
	return func(c *ConsumerConfig) { c.StartOffset = offset }
}

// WithConsumerWorkers sets how many group readers run per topic.
func WithConsumerWorkers(n int) ConsumerOption {
	return func(c *ConsumerConfig) {
		if n > 0 {
			c.Workers = n
		}
	}
}

// WithConsumerRetry bounds handler retries and the backoff window.
func WithConsumerRetry(max int, backoffMin, backoffMax time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.RetryMax = max
		c.BackoffMin = backoffMin
		c.BackoffMax = backoffMax
	}
}

// WithConsumerDLQ routes exhausted messages to a dead-letter topic.
func WithConsumerDLQ(topic string) ConsumerOption {
	return func(c *ConsumerConfig) { c.DLQTopic = topic }
}

// WithConsumerFetch sets fetch batch bounds.
func WithConsumerFetch(minBytes, maxBytes int) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.MinBytes = minBytes
		c.MaxBytes = maxBytes
	}
}
