package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"FinAgent/internal/domain/models"
	domrepo "FinAgent/internal/domain/repository"
)

const maxBarsLimit = 50000

var (
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrBadRange      = errors.New("from must be <= to")
)

// BarsUseCase serves the bars the indicator registry reads.
type BarsUseCase struct {
	store   domrepo.FeatureStore
	symbols map[string]struct{}
}

func NewBarsUseCase(store domrepo.FeatureStore, symbols []string) *BarsUseCase {
	uc := &BarsUseCase{store: store, symbols: make(map[string]struct{}, len(symbols))}
	for _, s := range symbols {
		uc.symbols[s] = struct{}{}
	}
	return uc
}

type BarsParams struct {
	Symbol    string
	From      time.Time
	To        time.Time
	Timeframe domrepo.Timeframe
	Limit     int
}

type BarsResult struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	From      time.Time       `json:"from"`
	To        time.Time       `json:"to"`
	Count     int             `json:"count"`
	Bars      []models.Candle `json:"bars"`
}

// GetBars returns the newest Limit bars in [From, To]. A zero To is now and a
// zero From reaches back Limit bars.
func (uc *BarsUseCase) GetBars(ctx context.Context, p BarsParams) (*BarsResult, error) {
	if _, ok := uc.symbols[p.Symbol]; !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownSymbol, p.Symbol)
	}
	if !domrepo.IsValidTimeframe(p.Timeframe) {
		p.Timeframe = domrepo.DefaultTimeframe()
	}
	p.Limit = min(max(p.Limit, 1), maxBarsLimit)
	if p.To.IsZero() {
		p.To = time.Now().UTC()
	}
	if p.From.IsZero() {
		p.From = p.To.Add(-time.Duration(p.Limit) * p.Timeframe.Duration())
	}
	if p.From.After(p.To) {
		return nil, ErrBadRange
	}

	bars, err := uc.store.GetCandles(ctx, p.Symbol, p.From, p.To, p.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("get bars: %w", err)
	}
	if len(bars) > p.Limit {
		bars = bars[len(bars)-p.Limit:]
	}
	return &BarsResult{
		Symbol:    p.Symbol,
		Timeframe: string(p.Timeframe),
		From:      p.From,
		To:        p.To,
		Count:     len(bars),
		Bars:      bars,
	}, nil
}
