package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/luckshury/whop-web-app/pkg/logger"
)

// ConsumerHook observes message handling. BeforeHandle may derive a new
// context (deadlines, tracing); AfterHandle sees the final error after all
// retries.
type ConsumerHook interface {
	BeforeHandle(ctx context.Context, topic string, msg kafka.Message) context.Context
	AfterHandle(ctx context.Context, topic string, msg kafka.Message, err error)
}

// NoopHook is the default hook.
type NoopHook struct{}

func (NoopHook) BeforeHandle(ctx context.Context, _ string, _ kafka.Message) context.Context {
	return ctx
}

func (NoopHook) AfterHandle(context.Context, string, kafka.Message, error) {}

// LoggingHook logs failed messages with their partition coordinates so a
// stuck offset can be found from the logs alone.
type LoggingHook struct {
	lgr  *logger.Logger
	slow time.Duration
}

type hookStartKey struct{}

// NewLoggingHook creates a hook that logs failures and handles slower than
// slow (zero disables the slow log).
func NewLoggingHook(lgr *logger.Logger, slow time.Duration) *LoggingHook {
	return &LoggingHook{lgr: lgr, slow: slow}
}

func (h *LoggingHook) BeforeHandle(ctx context.Context, _ string, _ kafka.Message) context.Context {
	return context.WithValue(ctx, hookStartKey{}, time.Now())
}

func (h *LoggingHook) AfterHandle(ctx context.Context, topic string, msg kafka.Message, err error) {
	if err != nil {
		h.lgr.Error("kafka message failed",
			logger.String("topic", topic),
			logger.Int("partition", msg.Partition),
			logger.Int64("offset", msg.Offset),
			logger.Error(err))
		return
	}
	if h.slow <= 0 {
		return
	}
	if started, ok := ctx.Value(hookStartKey{}).(time.Time); ok {
		if elapsed := time.Since(started); elapsed >= h.slow {
			h.lgr.Warn("kafka message slow",
				logger.String("topic", topic),
				logger.Int("partition", msg.Partition),
				logger.Int64("offset", msg.Offset),
				logger.Duration("elapsed", elapsed))
		}
	}
}
