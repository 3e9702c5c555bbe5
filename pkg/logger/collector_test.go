package logger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu      sync.Mutex
	topic   string
	batches [][]AggregatedLogEntry
}

func (p *capturePublisher) PublishMessage(_ context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic = topic
	p.batches = append(p.batches, payload.([]AggregatedLogEntry))
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func TestCollectorDeduplicates(t *testing.T) {
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 10})
	defer c.Close()

	fields := map[string]interface{}{"symbol": "EURUSD"}
	c.AddLog("error", "refresh failed", fields, "a.go:1")
	c.AddLog("error", "refresh failed", fields, "a.go:1")
	c.AddLog("error", "other", nil, "b.go:2")

	pending := c.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "refresh failed", pending[0].Message)
	assert.Equal(t, 2, pending[0].Count)
}

func TestCollectorFlushesOnThreshold(t *testing.T) {
	pub := &capturePublisher{}
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 2, Topic: "logs", Publisher: pub})
	defer c.Close()

	c.AddLog("error", "one", nil, "x")
	c.AddLog("error", "two", nil, "x")

	assert.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, c.Pending())
	assert.Equal(t, "logs", pub.topic)
}

func TestLoggerErrorFeedsCollector(t *testing.T) {
	l := NewNop()
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 100})
	defer l.RemoveCollector()

	l.Error("store failed", String("path", "state.json"), Error(errors.New("disk full")))
	l.Info("not collected")

	pending := l.collector.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "disk full", pending[0].Fields["error"])
	assert.Equal(t, "state.json", pending[0].Fields["path"])
}
