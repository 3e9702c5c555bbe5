package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"FinAgent/pkg/logger"
)

// Delivery is one attempt at handling a fetched message. Hooks may replace
// Data before the handler sees it.
type Delivery struct {
	Msg     kafka.Message
	Data    []byte
	Attempt int
	Started time.Time
}

func (d *Delivery) Topic() string { return d.Msg.Topic }

// ConsumerHook observes message handling. An error from Before skips the
// handler for this attempt and counts as a handler failure.
type ConsumerHook interface {
	Before(ctx context.Context, d *Delivery) (context.Context, error)
	After(ctx context.Context, d *Delivery, err error)
	Failed(ctx context.Context, d *Delivery, err error)
}

// HookError is returned for hook rejections and recovered panics.
type HookError struct {
	Code string
	Err  error
}

func (e *HookError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *HookError) Unwrap() error { return e.Err }

func panicError(where string, r any) error {
	return &HookError{Code: "ERR_PANIC", Err: fmt.Errorf("%s panic: %v", where, r)}
}

// HookFuncs adapts plain functions; nil fields are skipped.
type HookFuncs struct {
	OnBefore func(ctx context.Context, d *Delivery) (context.Context, error)
	OnAfter  func(ctx context.Context, d *Delivery, err error)
	OnFailed func(ctx context.Context, d *Delivery, err error)
}

func (h HookFuncs) Before(ctx context.Context, d *Delivery) (context.Context, error) {
	if h.OnBefore == nil {
		return ctx, nil
	}
	return h.OnBefore(ctx, d)
}

func (h HookFuncs) After(ctx context.Context, d *Delivery, err error) {
	if h.OnAfter != nil {
		h.OnAfter(ctx, d, err)
	}
}

func (h HookFuncs) Failed(ctx context.Context, d *Delivery, err error) {
	if h.OnFailed != nil {
		h.OnFailed(ctx, d, err)
	}
}

// LogHook logs handled messages at debug and final failures at warn.
func LogHook(log *logger.Logger) ConsumerHook {
	return HookFuncs{
		OnAfter: func(_ context.Context, d *Delivery, err error) {
			if err != nil {
				return
			}
			log.Debug("message handled",
				logger.String("topic", d.Topic()),
				logger.Int64("offset", d.Msg.Offset),
				logger.Int("attempt", d.Attempt),
				logger.Duration("took", time.Since(d.Started)))
		},
		OnFailed: func(_ context.Context, d *Delivery, err error) {
			log.Warn("message failed",
				logger.String("topic", d.Topic()),
				logger.Int64("offset", d.Msg.Offset),
				logger.String("key", string(d.Msg.Key)),
				logger.Int("attempts", d.Attempt),
				logger.Error(err))
		},
	}
}

// Hooks runs several hooks as one. Before runs in order and stops at the
// first error, After runs in reverse. Panics inside a hook are recovered.
type Hooks []ConsumerHook

func (hs Hooks) Before(ctx context.Context, d *Delivery) (context.Context, error) {
	for _, h := range hs {
		if h == nil {
			continue
		}
		next, err := guardBefore(ctx, h, d)
		if err != nil {
			return ctx, err
		}
		ctx = next
	}
	return ctx, nil
}

func (hs Hooks) After(ctx context.Context, d *Delivery, err error) {
	for i := len(hs) - 1; i >= 0; i-- {
		if hs[i] != nil {
			guard(func() { hs[i].After(ctx, d, err) })
		}
	}
}

func (hs Hooks) Failed(ctx context.Context, d *Delivery, err error) {
	for _, h := range hs {
		if h != nil {
			guard(func() { h.Failed(ctx, d, err) })
		}
	}
}

func guardBefore(ctx context.Context, h ConsumerHook, d *Delivery) (out context.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = ctx, panicError("hook", r)
		}
	}()
	return h.Before(ctx, d)
}

func guard(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
