package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/luckshury/whop-web-app/internal/domain/models"
	"github.com/luckshury/whop-web-app/internal/domain/repository"
	pkgkafka "github.com/luckshury/whop-web-app/pkg/kafka"
	"github.com/luckshury/whop-web-app/pkg/logger"
)

// ClickHouseAuditSink buffers audit entries and writes them to the update log
// table in batches. Record never blocks: when the buffer is full the entry is
// dropped and counted.
type ClickHouseAuditSink struct {
	db      *sql.DB
	table   string
	logger  *logger.Logger
	metrics repository.Metrics
	entries chan models.AuditEntry
	stopCh  chan struct{}
	wg      sync.WaitGroup
	batchSz int
	batchTO time.Duration
}

// NewClickHouseAuditSink creates the sink and starts its background flusher.
func NewClickHouseAuditSink(db *sql.DB, table string, lgr *logger.Logger, metrics repository.Metrics, batchSz int, batchTO time.Duration) *ClickHouseAuditSink {
	if batchSz <= 0 {
		batchSz = 100
	}
	if batchTO <= 0 {
		batchTO = 5 * time.Second
	}
	s := &ClickHouseAuditSink{
		db:      db,
		table:   table,
		logger:  lgr,
		metrics: metrics,
		entries: make(chan models.AuditEntry, 4*batchSz),
		stopCh:  make(chan struct{}),
		batchSz: batchSz,
		batchTO: batchTO,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *ClickHouseAuditSink) Record(_ context.Context, e models.AuditEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case s.entries <- e:
	default:
		s.metrics.RecordError("audit_buffer_drop")
	}
}

func (s *ClickHouseAuditSink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.batchTO)
	defer ticker.Stop()

	batch := make([]models.AuditEntry, 0, s.batchSz)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insert(batch); err != nil {
			s.logger.Error("audit flush failed", logger.Error(err), logger.Int("entries", len(batch)))
			s.metrics.RecordError("audit_flush")
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-s.entries:
			batch = append(batch, e)
			if len(batch) >= s.batchSz {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopCh:
			// Drain whatever is still queued, then flush once.
			for {
				select {
				case e := <-s.entries:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *ClickHouseAuditSink) insert(entries []models.AuditEntry) error {
	values := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*7)
	for _, e := range entries {
		success := uint8(0)
		if e.Success {
			success = 1
		}
		values = append(values, "(?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			e.Timestamp.UTC(),
			e.Ticker,
			e.Operation,
			e.RowsAffected,
			success,
			e.Error,
			e.DurationMS,
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q := fmt.Sprintf("INSERT INTO %s (ts, ticker, operation, rows_affected, success, error, duration_ms) VALUES %s", s.table, strings.Join(values, ","))
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

// Close flushes pending entries and stops the flusher.
func (s *ClickHouseAuditSink) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

// KafkaAuditSink publishes audit entries to a topic; a consumer persists them
// later. With an async producer this is fire-and-forget by construction. The
// producer is shared, so the sink never closes it.
type KafkaAuditSink struct {
	producer *pkgkafka.Producer
	topic    string
	logger   *logger.Logger
}

// NewKafkaAuditSink creates a Kafka-backed audit sink.
func NewKafkaAuditSink(producer *pkgkafka.Producer, topic string, lgr *logger.Logger) *KafkaAuditSink {
	return &KafkaAuditSink{producer: producer, topic: topic, logger: lgr}
}

func (s *KafkaAuditSink) Record(ctx context.Context, e models.AuditEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := s.producer.Publish(ctx, s.topic, []byte(e.Ticker), e); err != nil {
		s.logger.Error("audit publish failed", logger.Error(err), logger.String("operation", e.Operation))
	}
}

// NoopAuditSink discards everything. Used when auditing is disabled.
type NoopAuditSink struct{}

func (NoopAuditSink) Record(context.Context, models.AuditEntry) {}
