package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"FinAgent/internal/domain/models"
	domrepo "FinAgent/internal/domain/repository"
	"FinAgent/pkg/logger"
)

var ErrNoPrice = errors.New("no price for symbol")

// SymbolSpec describes one tradable instrument.
type SymbolSpec struct {
	Name         string
	Point        float64
	Spread       int // in points
	ContractSize float64
}

// HalfSpread is half the quoted spread in price units.
func (s SymbolSpec) HalfSpread() float64 { return float64(s.Spread) * s.Point / 2 }

type SimConfig struct {
	Symbols        []SymbolSpec
	Leverage       float64
	InitialBalance float64
	MinLot         float64
	Timeframe      domrepo.Timeframe
	// Clock defaults to the wall clock.
	Clock func() time.Time
}

type simOrder struct {
	typ    int
	volume float64
	open   float64
}

// SimBroker executes signals against the latest stored bar of every symbol.
// One market order per symbol is held; a changed signal closes it and opens
// the new side.
type SimBroker struct {
	cfg   SimConfig
	store domrepo.FeatureStore
	log   *logger.Logger

	mu         sync.Mutex
	now        time.Time
	mid        []float64
	signals    []int
	frozen     []bool
	orders     []*simOrder
	freeMargin float64
	balance    float64
}

func NewSimBroker(cfg SimConfig, store domrepo.FeatureStore, log *logger.Logger) *SimBroker {
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1000
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}
	if cfg.MinLot <= 0 {
		cfg.MinLot = 0.01
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = domrepo.DefaultTimeframe()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	for i := range cfg.Symbols {
		if cfg.Symbols[i].ContractSize <= 0 {
			cfg.Symbols[i].ContractSize = 100000
		}
	}
	n := len(cfg.Symbols)
	return &SimBroker{
		cfg:        cfg,
		store:      store,
		log:        log.With("sim-broker"),
		mid:        make([]float64, n),
		signals:    make([]int, n),
		frozen:     make([]bool, n),
		orders:     make([]*simOrder, n),
		freeMargin: 0.6,
		balance:    cfg.InitialBalance,
	}
}

func (b *SimBroker) Refresh(ctx context.Context) error {
	now := b.cfg.Clock()
	mids := make([]float64, len(b.cfg.Symbols))
	for i, s := range b.cfg.Symbols {
		bars, err := b.store.GetLatestNCandles(ctx, s.Name, 1, b.cfg.Timeframe)
		if err != nil {
			return fmt.Errorf("latest bar %s: %w", s.Name, err)
		}
		if len(bars) > 0 {
			mids[i] = bars[0].Close
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	for i, m := range mids {
		if m > 0 {
			b.mid[i] = m
		}
	}
	return nil
}

func (b *SimBroker) Time() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.now.IsZero() {
		return b.cfg.Clock()
	}
	return b.now
}

func (b *SimBroker) Symbols() []string {
	out := make([]string, len(b.cfg.Symbols))
	for i, s := range b.cfg.Symbols {
		out[i] = s.Name
	}
	return out
}

func (b *SimBroker) Signal(sym int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signals[sym]
}

func (b *SimBroker) SetSignal(sym, signal int) {
	b.mu.Lock()
	b.signals[sym] = signal
	b.mu.Unlock()
}

func (b *SimBroker) SetSignalFreeze(sym int, frozen bool) {
	b.mu.Lock()
	b.frozen[sym] = frozen
	b.mu.Unlock()
}

func (b *SimBroker) SetFreeMarginLevel(level float64) {
	b.mu.Lock()
	b.freeMargin = level
	b.mu.Unlock()
}

func (b *SimBroker) AccountBalance() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance
}

func (b *SimBroker) AccountEquity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.equityLocked()
}

func (b *SimBroker) equityLocked() float64 {
	eq := b.balance
	for sym, o := range b.orders {
		if o != nil {
			eq += b.profitLocked(sym, o)
		}
	}
	return eq
}

// profitLocked values o at the price it would close at.
func (b *SimBroker) profitLocked(sym int, o *simOrder) float64 {
	s := b.cfg.Symbols[sym]
	exit := b.mid[sym] - float64(o.typ)*s.HalfSpread()
	return float64(o.typ) * (exit - o.open) * o.volume * s.ContractSize
}

func (b *SimBroker) OpenOrders() []models.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Order
	for sym, o := range b.orders {
		if o == nil {
			continue
		}
		out = append(out, models.Order{
			Symbol:    b.cfg.Symbols[sym].Name,
			Type:      o.typ,
			Volume:    decimal.NewFromFloat(o.volume),
			OpenPrice: o.open,
			Profit:    decimal.NewFromFloat(b.profitLocked(sym, o)).Round(2),
		})
	}
	return out
}

func (b *SimBroker) DownloadQuotes(context.Context) ([]models.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Quote, 0, len(b.cfg.Symbols))
	for i, s := range b.cfg.Symbols {
		if b.mid[i] <= 0 {
			continue
		}
		h := s.HalfSpread()
		out = append(out, models.Quote{Symbol: s.Name, Bid: b.mid[i] - h, Ask: b.mid[i] + h, Timestamp: b.now})
	}
	return out, nil
}

// SignalOrders brings the held orders in line with the signals. Frozen
// symbols keep whatever they hold.
func (b *SimBroker) SignalOrders(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for sym, s := range b.cfg.Symbols {
		if b.frozen[sym] {
			continue
		}
		want := b.signals[sym]
		if o := b.orders[sym]; o != nil && o.typ != want {
			pnl := b.profitLocked(sym, o)
			b.balance += pnl
			b.orders[sym] = nil
			b.log.Debug("order closed", logger.String("symbol", s.Name), logger.Float64("profit", pnl))
		}
		if want == 0 || b.orders[sym] != nil {
			continue
		}
		if b.mid[sym] <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNoPrice, s.Name))
			continue
		}
		vol := b.volumeLocked(sym)
		open := b.mid[sym] + float64(want)*s.HalfSpread()
		b.orders[sym] = &simOrder{typ: want, volume: vol, open: open}
		b.log.Debug("order opened",
			logger.String("symbol", s.Name),
			logger.Int("type", want),
			logger.Float64("volume", vol),
			logger.Float64("price", open))
	}
	return errors.Join(errs...)
}

// volumeLocked spreads free margin evenly over all symbols.
func (b *SimBroker) volumeLocked(sym int) float64 {
	s := b.cfg.Symbols[sym]
	budget := b.equityLocked() * b.freeMargin * b.cfg.Leverage / float64(len(b.cfg.Symbols))
	lots := budget / (b.mid[sym] * s.ContractSize)
	lots = math.Floor(lots/b.cfg.MinLot) * b.cfg.MinLot
	return max(lots, b.cfg.MinLot)
}
