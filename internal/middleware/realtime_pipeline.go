package middleware

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"FinAgent/internal/domain/models"
	domrepo "FinAgent/internal/domain/repository"
)

// Proc is the minimal processor interface the pipeline needs.
type Proc interface {
	Process(ctx context.Context, q *models.Quote) error
}

// RealtimePipeline sits between the bridge stream and quote storage.
// It validates, throttles per symbol and buffers while downstream fails.
type RealtimePipeline struct {
	proc    Proc
	metrics domrepo.Metrics
	maxRPS  int
	bufSize int
	bufCh   chan *models.Quote
	stopCh  chan struct{}
	started bool
	mu      sync.Mutex
	limits  map[string]*rate.Limiter
	allowed map[string]struct{}
}

type PipelineOption func(*RealtimePipeline)

// WithMaxRPS sets the max quotes per second per symbol.
func WithMaxRPS(n int) PipelineOption {
	return func(p *RealtimePipeline) {
		if n > 0 {
			p.maxRPS = n
		}
	}
}

// WithBufferSize sets the temporary buffer size when downstream is unavailable.
func WithBufferSize(n int) PipelineOption {
	return func(p *RealtimePipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithSymbols drops quotes of any other symbol.
func WithSymbols(symbols []string) PipelineOption {
	return func(p *RealtimePipeline) {
		p.allowed = make(map[string]struct{}, len(symbols))
		for _, s := range symbols {
			p.allowed[s] = struct{}{}
		}
	}
}

func NewRealtimePipeline(proc Proc, metrics domrepo.Metrics, opts ...PipelineOption) *RealtimePipeline {
	p := &RealtimePipeline{
		proc:    proc,
		metrics: metrics,
		maxRPS:  20,
		bufSize: 1000,
		stopCh:  make(chan struct{}),
		limits:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan *models.Quote, p.bufSize)
	return p
}

// Start launches background flushing of buffered quotes.
func (p *RealtimePipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		backoff := 50 * time.Millisecond
		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case q := <-p.bufCh:
				if err := p.proc.Process(ctx, q); err != nil {
					backoff = min(backoff*2, 2*time.Second)
					p.metrics.RecordError("pipeline_flush")
					select {
					case <-time.After(backoff):
					case <-p.stopCh:
						return
					}
					select {
					case p.bufCh <- q:
					default:
						p.metrics.RecordError("pipeline_buffer_drop")
					}
				} else {
					backoff = 50 * time.Millisecond
				}
			}
		}
	}()
}

// Stop stops the background flushing.
func (p *RealtimePipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.started = false
	close(p.stopCh)
}

// Buffered is the number of quotes waiting for downstream.
func (p *RealtimePipeline) Buffered() int { return len(p.bufCh) }

// Process validates and throttles q, then forwards it downstream. Quotes
// that downstream rejects are buffered and retried by Start.
func (p *RealtimePipeline) Process(ctx context.Context, q *models.Quote) error {
	start := time.Now()
	if err := validateQuote(q); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return err
	}
	if p.allowed != nil {
		if _, ok := p.allowed[q.Symbol]; !ok {
			return nil
		}
	}
	if !p.limiter(q.Symbol).AllowN(start, 1) {
		p.metrics.RecordError("pipeline_throttle")
		return nil
	}

	if err := p.proc.Process(ctx, q); err != nil {
		p.metrics.RecordError("pipeline_process")
		select {
		case p.bufCh <- q:
			p.metrics.RecordLatency("pipeline_buffer_depth", float64(len(p.bufCh)))
		default:
			p.metrics.RecordError("pipeline_buffer_full")
		}
		return fmt.Errorf("pipeline downstream: %w", err)
	}
	p.metrics.RecordLatency("pipeline_process", time.Since(start).Seconds())
	return nil
}

func (p *RealtimePipeline) limiter(symbol string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limits[symbol]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.maxRPS), p.maxRPS)
		p.limits[symbol] = l
	}
	return l
}

func validateQuote(q *models.Quote) error {
	if q == nil {
		return fmt.Errorf("quote nil")
	}
	if q.Symbol == "" {
		return fmt.Errorf("symbol empty")
	}
	if q.Timestamp.IsZero() {
		return fmt.Errorf("timestamp invalid")
	}
	if q.Bid <= 0 || q.Ask <= 0 || math.IsNaN(q.Bid) || math.IsNaN(q.Ask) {
		return fmt.Errorf("non-positive price")
	}
	if q.Ask < q.Bid {
		return fmt.Errorf("crossed quote %s: bid %v > ask %v", q.Symbol, q.Bid, q.Ask)
	}
	return nil
}
