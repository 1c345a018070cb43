package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/luckshury/whop-web-app/internal/domain/models"
	drepo "github.com/luckshury/whop-web-app/internal/domain/repository"
	pkgkafka "github.com/luckshury/whop-web-app/pkg/kafka"
)

// KafkaAuditHandler drains the audit topic into the persistent sink. It
// backs the kafka audit mode: producers publish entries fire-and-forget,
// this consumer owns the ClickHouse write path.
type KafkaAuditHandler struct {
	topic   string
	sink    drepo.AuditSink
	metrics drepo.Metrics
}

func NewKafkaAuditHandler(topic string, sink drepo.AuditSink, metrics drepo.Metrics) *KafkaAuditHandler {
	return &KafkaAuditHandler{topic: topic, sink: sink, metrics: metrics}
}

func (h *KafkaAuditHandler) Topic() string { return h.topic }

// Handle decodes one AuditEntry and records it. Malformed payloads error
// so the consumer's retry/DLQ path takes them; Record itself never fails
// the message since the sink buffers internally.
func (h *KafkaAuditHandler) Handle(ctx context.Context, b []byte) error {
	var e models.AuditEntry
	if err := json.Unmarshal(b, &e); err != nil {
		h.metrics.RecordError("audit_unmarshal")
		return fmt.Errorf("audit entry: %w", err)
	}
	if e.Ticker == "" || e.Operation == "" {
		h.metrics.RecordError("audit_incomplete")
		return fmt.Errorf("audit entry missing ticker or operation")
	}
	h.sink.Record(ctx, e)
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaAuditHandler)(nil)
