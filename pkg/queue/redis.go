package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luckshury/whop-web-app/pkg/logger"
)

// QueueMode selects which halves of the queue a process runs.
type QueueMode int

const (
	ModeProducerConsumer QueueMode = iota
	ModeProducerOnly
	ModeConsumerOnly
)

const retryPollInterval = 5 * time.Second

// RedisQueue is a list-backed job queue: LPUSH to publish, BRPOP to consume.
// Failed messages wait in a sorted set scored by their retry time; messages
// out of retries land on a dead-letter list for inspection.
type RedisQueue struct {
	logger *logger.Logger
	cfg    *QueueConfig
	client *redis.Client
	mode   QueueMode

	keyMain  string
	keyRetry string
	keyDead  string

	mu      sync.RWMutex
	jobs    map[string]Job
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisQueueOption configures RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithKeyPrefix overrides the Redis key namespace.
func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(q *RedisQueue) {
		q.keyMain = prefix + ":messages"
		q.keyRetry = prefix + ":retry"
		q.keyDead = prefix + ":dlq"
	}
}

// NewRedisQueue creates a queue on an existing Redis connection.
func NewRedisQueue(lgr *logger.Logger, cfg *QueueConfig, client *redis.Client, mode QueueMode, opts ...RedisQueueOption) *RedisQueue {
	if cfg == nil {
		cfg = &QueueConfig{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &RedisQueue{
		logger: lgr,
		cfg:    cfg,
		client: client,
		mode:   mode,
		jobs:   make(map[string]Job),
		ctx:    ctx,
		cancel: cancel,
	}
	WithKeyPrefix("pivot:queue")(q)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// NewRedisPublisher creates and starts a publish-only queue.
func NewRedisPublisher(lgr *logger.Logger, client *redis.Client, opts ...RedisQueueOption) *RedisQueue {
	q := NewRedisQueue(lgr, nil, client, ModeProducerOnly, opts...)
	if err := q.Start(); err != nil {
		lgr.Error("redis publisher start failed", logger.Error(err))
	}
	return q
}

// RegisterJobs registers the full job set before Start.
func (q *RedisQueue) RegisterJobs(jobs []Job) {
	for _, job := range jobs {
		q.RegisterJob(job)
	}
}

// RegisterJob registers one job. Duplicate types keep the first handler.
func (q *RedisQueue) RegisterJob(job Job) {
	if q.mode == ModeProducerOnly {
		q.logger.Warn("job ignored in producer-only mode", logger.String("job", job.Name()))
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.jobs[job.Type()]; dup {
		q.logger.Warn("job type already registered", logger.String("type", job.Type()))
		return
	}
	q.jobs[job.Type()] = job
	q.logger.Info("queue job registered",
		logger.String("job", job.Name()),
		logger.String("type", job.Type()))
}

// Start verifies the connection and launches workers plus the retry pump.
func (q *RedisQueue) Start() error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("queue already running")
	}
	q.running = true
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.Ping(ctx).Err(); err != nil {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		return fmt.Errorf("redis ping: %w", err)
	}

	if q.mode == ModeProducerOnly {
		q.logger.Info("queue publisher ready", logger.String("key", q.keyMain))
		return nil
	}

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.wg.Add(1)
	go q.retryPump()

	q.logger.Info("queue started",
		logger.Int("workers", q.cfg.Workers),
		logger.String("key", q.keyMain))
	return nil
}

// Stop cancels workers and waits for in-flight handlers, bounded by ctx.
func (q *RedisQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.mu.Unlock()

	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		q.logger.Warn("queue stop timed out", logger.Error(ctx.Err()))
		return fmt.Errorf("queue stop: %w", ctx.Err())
	case <-done:
		q.logger.Info("queue stopped")
		return nil
	}
}

// PublishMessage implements QueueService.
func (q *RedisQueue) PublishMessage(ctx context.Context, msgType string, payload interface{}) error {
	q.mu.RLock()
	running := q.running
	_, known := q.jobs[msgType]
	q.mu.RUnlock()

	if !running {
		return fmt.Errorf("queue not running")
	}
	if q.mode != ModeProducerOnly && !known {
		return fmt.Errorf("no job registered for type %q", msgType)
	}

	msg := Message{
		ID:        strconv.FormatInt(time.Now().UnixNano(), 36),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := q.client.LPush(ctx, q.keyMain, data).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) worker(id int) {
	defer q.wg.Done()
	q.logger.Info("queue worker started", logger.Int("worker", id))

	for q.ctx.Err() == nil {
		res, err := q.client.BRPop(q.ctx, time.Second, q.keyMain).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			q.logger.Error("queue pop failed", logger.Error(err))
			select {
			case <-time.After(time.Second):
			case <-q.ctx.Done():
			}
			continue
		}
		if len(res) == 2 {
			q.dispatch(res[1])
		}
	}
	q.logger.Info("queue worker stopped", logger.Int("worker", id))
}

func (q *RedisQueue) dispatch(raw string) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		q.logger.Error("queue message undecodable", logger.Error(err))
		return
	}

	q.mu.RLock()
	job, ok := q.jobs[msg.Type]
	q.mu.RUnlock()
	if !ok {
		q.logger.Error("no job for message type",
			logger.String("type", msg.Type),
			logger.String("id", msg.ID))
		return
	}

	started := time.Now()
	err := job.Handle(q.ctx, rawPayload(msg.Payload))
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		// Shutdown raced the handler; the lock TTL lets another
		// instance pick the work up.
		q.logger.Warn("job cancelled mid-flight",
			logger.String("job", job.Name()),
			logger.String("id", msg.ID),
			logger.Duration("elapsed", time.Since(started)))
		return
	}
	q.fail(msg, job, err)
}

// rawPayload re-wraps decoded JSON objects so ParsePayload can map them onto
// the job's concrete type.
func rawPayload(payload interface{}) interface{} {
	if m, ok := payload.(map[string]interface{}); ok {
		if b, err := json.Marshal(m); err == nil {
			return json.RawMessage(b)
		}
	}
	return payload
}

func (q *RedisQueue) fail(msg Message, job Job, cause error) {
	q.logger.Error("job failed",
		logger.String("job", job.Name()),
		logger.String("id", msg.ID),
		logger.Int("attempt", msg.Attempts+1),
		logger.Error(cause))

	if msg.Attempts >= q.cfg.RetryLimit {
		q.logger.Error("job exhausted retries, moving to dlq",
			logger.String("job", job.Name()),
			logger.String("id", msg.ID))
		q.pushTo(q.keyDead, msg)
		return
	}

	msg.Attempts++
	data, err := json.Marshal(msg)
	if err != nil {
		q.logger.Error("marshal retry message", logger.Error(err))
		return
	}
	due := time.Now().Add(q.cfg.RetryDelay)
	if err := q.client.ZAdd(context.Background(), q.keyRetry, redis.Z{
		Score:  float64(due.Unix()),
		Member: data,
	}).Err(); err != nil {
		q.logger.Error("schedule retry failed", logger.Error(err))
	}
}

func (q *RedisQueue) pushTo(key string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		q.logger.Error("marshal dlq message", logger.Error(err))
		return
	}
	if err := q.client.LPush(context.Background(), key, data).Err(); err != nil {
		q.logger.Error("dlq push failed", logger.Error(err))
	}
}

// retryPump moves due retry messages back onto the main list.
func (q *RedisQueue) retryPump() {
	defer q.wg.Done()

	ticker := time.NewTicker(retryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.requeueDue()
		}
	}
}

func (q *RedisQueue) requeueDue() {
	due, err := q.client.ZRangeByScore(q.ctx, q.keyRetry, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(time.Now().Unix(), 10),
	}).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			q.logger.Error("fetch due retries failed", logger.Error(err))
		}
		return
	}

	for _, member := range due {
		pipe := q.client.TxPipeline()
		pipe.ZRem(q.ctx, q.keyRetry, member)
		pipe.LPush(q.ctx, q.keyMain, member)
		if _, err := pipe.Exec(q.ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			q.logger.Error("requeue retry failed", logger.Error(err))
		}
	}
}
