package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Publisher enqueues a payload under a message type.
type Publisher interface {
	PublishMessage(ctx context.Context, msgType string, payload interface{}) error
}

type QueueConfig struct {
	Workers    int
	RetryLimit int
	// RetryDelay is the first retry delay; it doubles on every attempt.
	RetryDelay  time.Duration
	PollTimeout time.Duration
}

func (c *QueueConfig) withDefaults() *QueueConfig {
	out := QueueConfig{}
	if c != nil {
		out = *c
	}
	if out.Workers <= 0 {
		out.Workers = 1
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 5 * time.Second
	}
	if out.PollTimeout <= 0 {
		out.PollTimeout = time.Second
	}
	return &out
}

// Message is the stored envelope.
type Message struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
	Enqueued time.Time       `json:"enqueued"`
}

// Decode unmarshals a job payload.
func Decode[T any](payload []byte) (*T, error) {
	var out T
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode %T payload: %w", out, err)
	}
	return &out, nil
}

func backoff(base time.Duration, attempt int) time.Duration {
	return base << min(max(attempt-1, 0), 10)
}
