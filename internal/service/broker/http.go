package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	cb "github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"FinAgent/internal/domain/models"
	"FinAgent/pkg/logger"
	pkghttp "FinAgent/pkg/http"
)

// AccountState is the bridge's answer to GET /account.
type AccountState struct {
	Time    time.Time      `json:"time"`
	Balance float64        `json:"balance"`
	Equity  float64        `json:"equity"`
	Orders  []models.Order `json:"orders"`
}

// OrderRequest is posted to /orders on SignalOrders.
type OrderRequest struct {
	Symbols         []string `json:"symbols"`
	Signals         []int    `json:"signals"`
	Frozen          []bool   `json:"frozen"`
	FreeMarginLevel float64  `json:"free_margin_level"`
}

// HTTPBroker drives a terminal through its REST bridge. Signals are kept
// locally and sent as one batch by SignalOrders.
type HTTPBroker struct {
	client  *pkghttp.Client
	breaker *cb.CircuitBreaker
	limiter *rate.Limiter
	retries int
	token   string
	symbols []string
	log     *logger.Logger

	mu         sync.Mutex
	signals    []int
	frozen     []bool
	freeMargin float64
	state      AccountState
}

type HTTPOption func(*HTTPBroker)

// WithRetries retries a failed call n more times while the breaker is closed.
func WithRetries(n int) HTTPOption {
	return func(b *HTTPBroker) { b.retries = max(n, 0) }
}

// WithToken sends a bearer token with every bridge call.
func WithToken(token string) HTTPOption {
	return func(b *HTTPBroker) { b.token = token }
}

// WithRateLimit caps bridge calls per second.
func WithRateLimit(perSec float64) HTTPOption {
	return func(b *HTTPBroker) {
		if perSec > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(perSec), max(1, int(perSec)))
		}
	}
}

func NewHTTPBroker(baseURL string, symbols []string, timeout time.Duration, log *logger.Logger, opts ...HTTPOption) *HTTPBroker {
	log = log.With("http-broker")
	b := &HTTPBroker{
		breaker:    newBreaker("broker-bridge", log),
		symbols:    symbols,
		log:        log,
		signals:    make([]int, len(symbols)),
		frozen:     make([]bool, len(symbols)),
		freeMargin: 0.6,
	}
	for _, o := range opts {
		o(b)
	}
	b.client = pkghttp.NewClient(
		pkghttp.WithBaseURL(baseURL),
		pkghttp.WithTimeout(timeout),
		pkghttp.WithBearerToken(b.token),
	)
	return b
}

func newBreaker(name string, log *logger.Logger) *cb.CircuitBreaker {
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}
	st.OnStateChange = func(name string, from, to cb.State) {
		log.Warn("circuit breaker state changed",
			logger.String("breaker", name),
			logger.String("from", from.String()),
			logger.String("to", to.String()))
	}
	return cb.NewCircuitBreaker(st)
}

func (b *HTTPBroker) call(ctx context.Context, opts *pkghttp.RequestOptions, dest interface{}) error {
	var err error
	for attempt := 0; attempt <= b.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		_, err = b.breaker.Execute(func() (any, error) {
			return nil, b.client.SendAndParse(ctx, opts, dest)
		})
		if !retryable(err) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", opts.Method, opts.Path, err)
	}
	return nil
}

func retryable(err error) bool {
	if err == nil || errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
		return false
	}
	var se *pkghttp.StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return !errors.Is(err, context.Canceled)
}

func (b *HTTPBroker) Refresh(ctx context.Context) error {
	var st AccountState
	if err := b.call(ctx, &pkghttp.RequestOptions{Method: pkghttp.MethodGet, Path: "/account"}, &st); err != nil {
		return err
	}
	b.mu.Lock()
	b.state = st
	b.mu.Unlock()
	return nil
}

func (b *HTTPBroker) Time() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Time
}

func (b *HTTPBroker) Symbols() []string { return b.symbols }

func (b *HTTPBroker) Signal(sym int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signals[sym]
}

func (b *HTTPBroker) SetSignal(sym, signal int) {
	b.mu.Lock()
	b.signals[sym] = signal
	b.mu.Unlock()
}

func (b *HTTPBroker) SetSignalFreeze(sym int, frozen bool) {
	b.mu.Lock()
	b.frozen[sym] = frozen
	b.mu.Unlock()
}

func (b *HTTPBroker) SetFreeMarginLevel(level float64) {
	b.mu.Lock()
	b.freeMargin = level
	b.mu.Unlock()
}

func (b *HTTPBroker) AccountBalance() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Balance
}

func (b *HTTPBroker) AccountEquity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Equity
}

func (b *HTTPBroker) OpenOrders() []models.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Order(nil), b.state.Orders...)
}

func (b *HTTPBroker) DownloadQuotes(ctx context.Context) ([]models.Quote, error) {
	var quotes []models.Quote
	err := b.call(ctx, &pkghttp.RequestOptions{
		Method: pkghttp.MethodGet,
		Path:   "/quotes",
		Query:  url.Values{"symbol": b.symbols},
	}, &quotes)
	return quotes, err
}

func (b *HTTPBroker) SignalOrders(ctx context.Context) error {
	b.mu.Lock()
	req := OrderRequest{
		Symbols:         b.symbols,
		Signals:         append([]int(nil), b.signals...),
		Frozen:          append([]bool(nil), b.frozen...),
		FreeMarginLevel: b.freeMargin,
	}
	b.mu.Unlock()
	if err := b.call(ctx, &pkghttp.RequestOptions{Method: pkghttp.MethodPost, Path: "/orders", Body: req}, nil); err != nil {
		return err
	}
	b.log.Debug("orders signalled", logger.Ints("signals", req.Signals))
	return nil
}
