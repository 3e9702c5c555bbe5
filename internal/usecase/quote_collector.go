package usecase

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"FinAgent/internal/domain/models"
	drepo "FinAgent/internal/domain/repository"
	mid "FinAgent/internal/middleware"
	"FinAgent/pkg/logger"
)

// QuoteProcessor writes accepted quotes to storage.
type QuoteProcessor struct {
	store   drepo.QuoteStorage
	metrics drepo.Metrics
	backend string
}

func NewQuoteProcessor(store drepo.QuoteStorage, metrics drepo.Metrics, backend string) *QuoteProcessor {
	return &QuoteProcessor{store: store, metrics: metrics, backend: backend}
}

func (p *QuoteProcessor) Process(ctx context.Context, q *models.Quote) error {
	if q == nil {
		return fmt.Errorf("quote is nil")
	}
	start := time.Now()
	if err := p.store.Store(ctx, q); err != nil {
		p.metrics.RecordError("process")
		return fmt.Errorf("store quote: %w", err)
	}
	p.metrics.RecordMessageSent(p.backend, q.Symbol)
	p.metrics.RecordLatency("process", time.Since(start).Seconds())
	return nil
}

// QuoteCollector feeds bridge quotes through the pipeline into storage.
type QuoteCollector struct {
	stream  drepo.QuoteStream
	proc    *QuoteProcessor
	metrics drepo.Metrics
	pipe    *mid.RealtimePipeline
	log     *logger.Logger
	done    chan struct{}
	closing atomic.Bool
}

func NewQuoteCollector(stream drepo.QuoteStream, proc *QuoteProcessor, metrics drepo.Metrics, pipe *mid.RealtimePipeline, log *logger.Logger) *QuoteCollector {
	return &QuoteCollector{stream: stream, proc: proc, metrics: metrics, pipe: pipe, log: log.With("quote-collector")}
}

func (c *QuoteCollector) IsConnected() bool { return c.stream.IsConnected() }

func (c *QuoteCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		return err
	}
	if c.pipe != nil {
		c.pipe.Start(ctx)
	}
	c.done = make(chan struct{})
	go c.consume(ctx)
	return nil
}

func (c *QuoteCollector) consume(ctx context.Context) {
	defer close(c.done)
	qCh, errCh := c.stream.Read(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if ok && err != nil {
				c.metrics.RecordError("stream")
				c.log.Warn("stream failed, reconnecting", logger.Error(err))
			}
			if ctx.Err() != nil || c.closing.Load() {
				return
			}
			if err := c.stream.Reconnect(ctx); err != nil {
				c.log.Error("reconnect failed", logger.Error(err))
				continue
			}
			qCh, errCh = c.stream.Read(ctx)
		case q, ok := <-qCh:
			if !ok {
				qCh = nil
				continue
			}
			var err error
			if c.pipe != nil {
				err = c.pipe.Process(ctx, q)
			} else {
				err = c.proc.Process(ctx, q)
			}
			if err != nil {
				c.log.Debug("quote rejected", logger.String("symbol", q.Symbol), logger.Error(err))
			}
		}
	}
}

// Shutdown stops the pipeline, closes the stream and waits for the consumer.
func (c *QuoteCollector) Shutdown(ctx context.Context) error {
	c.closing.Store(true)
	if c.pipe != nil {
		c.pipe.Stop()
	}
	err := c.stream.Close()
	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
