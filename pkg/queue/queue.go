package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// QueueService is the publish side. Payloads must be JSON-serializable.
type QueueService interface {
	PublishMessage(ctx context.Context, msgType string, payload interface{}) error
}

// Job handles every message of one type.
type Job interface {
	// Name identifies the job in logs.
	Name() string

	// Type is the message type this job consumes.
	Type() string

	// Handle processes one payload. A returned error schedules a retry.
	Handle(ctx context.Context, payload interface{}) error
}

// QueueConfig tunes the worker side.
type QueueConfig struct {
	Workers    int
	QueueSize  int
	RetryLimit int
	RetryDelay time.Duration
}

// Message is the envelope stored in Redis.
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Attempts  int         `json:"attempts"`
	Timestamp time.Time   `json:"timestamp"`
}

// ParsePayload recovers a typed payload inside a Job. Direct values pass
// through; everything that went over the wire takes the JSON round trip.
func ParsePayload[T any](payload interface{}) (*T, error) {
	switch p := payload.(type) {
	case *T:
		return p, nil
	case T:
		return &p, nil
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(p, &out); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return &out, nil
	case nil:
		return nil, fmt.Errorf("nil payload")
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("re-encode payload %T: %w", payload, err)
		}
		var out T
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, fmt.Errorf("decode payload %T: %w", payload, err)
		}
		return &out, nil
	}
}
