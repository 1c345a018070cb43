package logger

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// Publisher ships aggregated log batches; the queue service satisfies it.
type Publisher interface {
	PublishMessage(ctx context.Context, topic string, payload interface{}) error
}

// CollectorConfig tunes the error aggregator.
type CollectorConfig struct {
	FlushInterval time.Duration // periodic flush cadence
	MaxEntries    int           // distinct entries that force an early flush
	Topic         string
	Publisher     Publisher
}

// LogEntry is one deduplicated log line with its occurrence window.
type LogEntry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields"`
	Caller    string                 `json:"caller"`
	Count     int                    `json:"count"`
	FirstSeen time.Time              `json:"first_seen"`
	LastSeen  time.Time              `json:"last_seen"`
}

// Collector deduplicates log lines by (level, message, caller, fields) and
// publishes batches on an interval or when too many distinct entries pile up.
// Repeated identical errors become one entry with a count instead of a flood.
type Collector struct {
	cfg     *CollectorConfig
	mu      sync.Mutex
	pending map[uint64]*LogEntry
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewCollector creates and starts the aggregator.
func NewCollector(cfg *CollectorConfig) *Collector {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100
	}

	c := &Collector{
		cfg:     cfg,
		pending: make(map[uint64]*LogEntry),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

// Add merges one log line into the pending batch.
func (c *Collector) Add(level, message string, fields map[string]interface{}, caller string) {
	now := time.Now()
	key := fingerprint(level, message, caller, fields)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.pending[key]; ok {
		e.Count++
		e.LastSeen = now
		return
	}
	c.pending[key] = &LogEntry{
		Level:     level,
		Message:   message,
		Fields:    fields,
		Caller:    caller,
		Count:     1,
		FirstSeen: now,
		LastSeen:  now,
	}
	if len(c.pending) >= c.cfg.MaxEntries {
		c.flushLocked()
	}
}

// Close flushes whatever is pending and stops the loop.
func (c *Collector) Close() {
	close(c.done)
	c.wg.Wait()
}

func (c *Collector) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.flushLocked()
			c.mu.Unlock()
		case <-c.done:
			c.mu.Lock()
			c.flushLocked()
			c.mu.Unlock()
			return
		}
	}
}

func (c *Collector) flushLocked() {
	if len(c.pending) == 0 {
		return
	}

	batch := make([]LogEntry, 0, len(c.pending))
	for _, e := range c.pending {
		batch = append(batch, *e)
	}
	c.pending = make(map[uint64]*LogEntry)

	// Publish off the hot path; the Add caller is usually inside error
	// handling already.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.cfg.Publisher.PublishMessage(ctx, c.cfg.Topic, batch); err != nil {
			fmt.Printf("log collector: publish failed: %v\n", err)
		}
	}()
}

// fingerprint hashes the identity of a log line. Field order must not
// matter, so keys are sorted before hashing.
func fingerprint(level, message, caller string, fields map[string]interface{}) uint64 {
	h := fnv.New64a()
	h.Write([]byte(level))
	h.Write([]byte{0})
	h.Write([]byte(message))
	h.Write([]byte{0})
	h.Write([]byte(caller))

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		fmt.Fprintf(h, "=%v", fields[k])
	}
	return h.Sum64()
}
