package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"FinAgent/internal/domain/models"
	domrepo "FinAgent/internal/domain/repository"
)

// MemoryBarStore keeps bars of one base timeframe in memory. Quotes stored
// through it update the bar of their bucket, so it serves as both the quote
// sink and the bar source of the simulated broker.
type MemoryBarStore struct {
	mu   sync.RWMutex
	base domrepo.Timeframe
	bars map[string][]models.Candle
}

func NewMemoryBarStore(base domrepo.Timeframe) *MemoryBarStore {
	return &MemoryBarStore{base: base, bars: make(map[string][]models.Candle)}
}

// Put inserts or replaces bars; they need not be sorted.
func (s *MemoryBarStore) Put(candles ...models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range candles {
		c.Bucket = c.Bucket.Truncate(s.base.Duration()).UTC()
		s.upsert(c)
	}
}

func (s *MemoryBarStore) upsert(c models.Candle) {
	bars := s.bars[c.Symbol]
	i := sort.Search(len(bars), func(i int) bool { return !bars[i].Bucket.Before(c.Bucket) })
	if i < len(bars) && bars[i].Bucket.Equal(c.Bucket) {
		bars[i] = c
		return
	}
	s.bars[c.Symbol] = slices.Insert(bars, i, c)
}

func (s *MemoryBarStore) Init(context.Context) error   { return nil }
func (s *MemoryBarStore) Health(context.Context) error { return nil }
func (s *MemoryBarStore) Close() error                 { return nil }

func (s *MemoryBarStore) Store(ctx context.Context, q *models.Quote) error {
	return s.StoreBatch(ctx, []*models.Quote{q})
}

func (s *MemoryBarStore) StoreBatch(_ context.Context, quotes []*models.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range quotes {
		if q == nil || q.Symbol == "" {
			continue
		}
		p := q.Mid()
		bucket := q.Timestamp.Truncate(s.base.Duration()).UTC()
		bars := s.bars[q.Symbol]
		if n := len(bars); n > 0 && bars[n-1].Bucket.Equal(bucket) {
			b := &bars[n-1]
			b.High = max(b.High, p)
			b.Low = min(b.Low, p)
			b.Close = p
			b.Volume++
			continue
		}
		s.upsert(models.Candle{Bucket: bucket, Symbol: q.Symbol, Open: p, High: p, Low: p, Close: p, Volume: 1})
	}
	return nil
}

func (s *MemoryBarStore) GetCandles(_ context.Context, symbol string, from, to time.Time, tf domrepo.Timeframe) ([]models.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Candle
	for _, c := range resample(s.bars[symbol], tf) {
		if !c.Bucket.Before(from) && !c.Bucket.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryBarStore) GetLatestNCandles(_ context.Context, symbol string, n int, tf domrepo.Timeframe) ([]models.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bars := resample(s.bars[symbol], tf)
	if n < len(bars) {
		bars = bars[len(bars)-n:]
	}
	return slices.Clone(bars), nil
}

// resample folds sorted bars into tf buckets. Bars finer than tf are merged;
// coarser ones pass through.
func resample(bars []models.Candle, tf domrepo.Timeframe) []models.Candle {
	d := tf.Duration()
	out := make([]models.Candle, 0, len(bars))
	for _, c := range bars {
		bucket := c.Bucket.Truncate(d)
		if n := len(out); n > 0 && out[n-1].Bucket.Equal(bucket) {
			b := &out[n-1]
			b.High = max(b.High, c.High)
			b.Low = min(b.Low, c.Low)
			b.Close = c.Close
			b.Volume += c.Volume
			continue
		}
		c.Bucket = bucket
		out = append(out, c)
	}
	return out
}
