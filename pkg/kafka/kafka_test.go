package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FinAgent/pkg/logger"
)

type flakyHandler struct {
	fails int
	calls int
	last  []byte
}

func (h *flakyHandler) Topic() string { return "control" }

func (h *flakyHandler) Handle(_ context.Context, b []byte) error {
	h.calls++
	h.last = b
	if h.calls <= h.fails {
		return errors.New("not yet")
	}
	return nil
}

func newTestConsumer(t *testing.T, retries int) *Consumer {
	t.Helper()
	c, err := NewConsumer(
		WithConsumerBrokers([]string{"localhost:9092"}),
		WithConsumerRetry(retries, time.Millisecond, time.Millisecond),
		WithConsumerLogger(logger.NewNop()),
	)
	require.NoError(t, err)
	return c
}

func TestConsumerRetriesUntilHandled(t *testing.T) {
	c := newTestConsumer(t, 3)
	h := &flakyHandler{fails: 2}
	c.RegisterHandler(h)

	var before, failed int
	c.WithConsumerHook(HookFuncs{
		OnBefore: func(ctx context.Context, d *Delivery) (context.Context, error) {
			before++
			d.Data = append([]byte("hooked:"), d.Data...)
			return ctx, nil
		},
		OnFailed: func(context.Context, *Delivery, error) { failed++ },
	})

	c.handle(kafka.Message{Topic: "control", Value: []byte("x")})
	assert.Equal(t, 3, h.calls)
	assert.Equal(t, 3, before)
	assert.Equal(t, 0, failed)
	assert.Equal(t, "hooked:x", string(h.last))
}

func TestConsumerGivesUpAndReportsError(t *testing.T) {
	c := newTestConsumer(t, 1)
	h := &flakyHandler{fails: 10}
	c.RegisterHandler(h)
	var failed int
	var attempts int
	c.WithConsumerHook(HookFuncs{OnFailed: func(_ context.Context, d *Delivery, _ error) {
		failed++
		attempts = d.Attempt
	}})

	c.handle(kafka.Message{Topic: "control", Value: []byte("x")})
	assert.Equal(t, 2, h.calls)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, attempts)
}

func TestHandlerPanicBecomesError(t *testing.T) {
	c := newTestConsumer(t, 0)
	err := c.handleOnce(panicHandler{}, &Delivery{Msg: kafka.Message{Topic: "p"}})
	var he *HookError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "ERR_PANIC", he.Code)
}

type panicHandler struct{}

func (panicHandler) Topic() string                        { return "p" }
func (panicHandler) Handle(context.Context, []byte) error { panic("boom") }

func TestHooksRecoverAndRunAfterInReverse(t *testing.T) {
	var afterOrder []string
	hooks := Hooks{
		HookFuncs{OnAfter: func(context.Context, *Delivery, error) { afterOrder = append(afterOrder, "a") }},
		nil,
		HookFuncs{
			OnBefore: func(context.Context, *Delivery) (context.Context, error) { panic("bad hook") },
			OnAfter:  func(context.Context, *Delivery, error) { afterOrder = append(afterOrder, "b") },
		},
	}
	d := &Delivery{Msg: kafka.Message{Topic: "t"}}
	_, err := hooks.Before(context.Background(), d)
	var he *HookError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "ERR_PANIC", he.Code)

	hooks.After(context.Background(), d, nil)
	assert.Equal(t, []string{"b", "a"}, afterOrder)
}

func TestStopWithoutStart(t *testing.T) {
	c := newTestConsumer(t, 0)
	assert.Error(t, c.Start(), "no handlers")
	assert.NoError(t, c.Stop(context.Background()))
	assert.NoError(t, c.Stop(context.Background()))
}

func TestConfigRequiresBrokers(t *testing.T) {
	_, err := NewConsumer()
	assert.Error(t, err)
	_, err = NewProducer()
	assert.Error(t, err)
}

func TestEncode(t *testing.T) {
	b, err := encode(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))

	b, _ = encode("raw")
	assert.Equal(t, "raw", string(b))

	_, err = encode(make(chan int))
	assert.Error(t, err)
}

func TestBackoffWithJitterStaysInRange(t *testing.T) {
	for attempt := 1; attempt <= 8; attempt++ {
		d := backoffWithJitter(10*time.Millisecond, 200*time.Millisecond, attempt)
		assert.LessOrEqual(t, d, 200*time.Millisecond)
		assert.Greater(t, d, time.Duration(0))
	}
	assert.Equal(t, kafka.Zstd, parseCompression("zstd"))
	assert.Equal(t, kafka.Gzip, parseCompression("bogus"))
}
