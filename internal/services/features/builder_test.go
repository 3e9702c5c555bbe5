package features

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FinAgent/internal/domain/models"
	"FinAgent/internal/domain/repository"
	"FinAgent/internal/services/indicators"
	"FinAgent/pkg/logger"
)

type memStore map[string][]models.Candle

func (m memStore) GetCandles(_ context.Context, symbol string, from, to time.Time, _ repository.Timeframe) ([]models.Candle, error) {
	var out []models.Candle
	for _, c := range m[symbol] {
		if (from.IsZero() || !c.Bucket.Before(from)) && !c.Bucket.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m memStore) GetLatestNCandles(context.Context, string, int, repository.Timeframe) ([]models.Candle, error) {
	return nil, nil
}

// hourly candles starting on a Monday, three weeks long
func hourly(symbols ...string) (memStore, time.Time) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := memStore{}
	for k, sym := range symbols {
		for i := 0; i < 3*7*24; i++ {
			p := 1 + 0.1*float64(k) + 0.01*math.Sin(float64(i)/5)
			m[sym] = append(m[sym], models.Candle{
				Bucket: start.Add(time.Duration(i) * time.Hour), Symbol: sym,
				Open: p, High: p + 0.001, Low: p - 0.001, Close: p,
			})
		}
	}
	return m, start
}

func newTestBuilder(t *testing.T, store memStore, end time.Time, mutate func(*Config)) *Builder {
	t.Helper()
	reg := indicators.NewDefaultRegistry(store, repository.TF1h)
	reg.SetEnd(end)
	cfg := Config{
		Symbols:        []string{"EURUSD", "GBPUSD"},
		Indicators:     []indicators.Declaration{{Factory: "OsMA", Args: []int{3, 6, 3}}, {Factory: "Stochastic", Args: []int{5}}},
		Groups:         1,
		Filters:        1,
		Periods:        []int{2, 4},
		WindowBars:     10000,
		MinHistoryBars: 24,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := NewBuilder(cfg, reg, logger.NewNop())
	require.NoError(t, err)
	return b
}

func TestBuilderSkipsWeekendsAndIncreases(t *testing.T) {
	store, start := hourly("EURUSD", "GBPUSD")
	b := newTestBuilder(t, store, start.Add(30*24*time.Hour), nil)

	require.NoError(t, b.ResetValueBuffers(context.Background()))
	assert.Equal(t, 9, b.DataBegin(), "OsMA warm-up is slow+signal")

	n, err := b.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, n, b.Len())

	weekdays := 0
	for shift := b.DataBegin(); shift < 3*7*24; shift++ {
		if !IsWeekendShift(start.Add(time.Duration(shift) * time.Hour)) {
			weekdays++
		}
	}
	assert.Equal(t, weekdays, n)

	snaps := b.Snapshots()
	for i, s := range snaps {
		assert.False(t, IsWeekendShift(s.Time))
		if i > 0 {
			assert.Greater(t, s.Shift, snaps[i-1].Shift)
		}
	}
	assert.GreaterOrEqual(t, cap(snaps), 540, "capacity is reserved in steps of 60")

	// nothing new: refresh is a no-op
	n, err = b.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBuilderSensorsAndResults(t *testing.T) {
	store, start := hourly("EURUSD", "GBPUSD")
	b := newTestBuilder(t, store, start.Add(30*24*time.Hour), nil)
	require.NoError(t, b.ResetValueBuffers(context.Background()))
	_, err := b.Refresh(context.Background())
	require.NoError(t, err)

	snaps := b.Snapshots()
	s := snaps[10]
	for slot := 0; slot < b.Layout().Buffers; slot++ {
		pos, neg := s.Sensor(1, slot)
		assert.True(t, pos == 1 || neg == 1)
		assert.InDelta(t, b.table.Value(1, slot, s.Shift), models.DecodeSensor(pos, neg), 1e-9)
	}
	assert.Equal(t, b.table.Open(0, s.Shift), s.Open(0))
	assert.InDelta(t, s.Open(0)/snaps[9].Open(0)-1, s.Change(0), 1e-12)

	volat, change := s.ResultTuple(0, 1)
	wantChange := ChangeSince(snaps, 6, 10, 0)
	assert.Equal(t, Quantize(wantChange, 0.0001), change)
	assert.GreaterOrEqual(t, volat, 0)
	assert.GreaterOrEqual(t, volat+1, int(math.Abs(float64(change))))
}

func TestBuilderExtendRange(t *testing.T) {
	store, start := hourly("EURUSD", "GBPUSD")
	b := newTestBuilder(t, store, start.Add(30*24*time.Hour), nil)
	require.NoError(t, b.ResetValueBuffers(context.Background()))

	var rangeErr *DataRangeError
	_, err := b.Extend(b.table, b.table.Len()+1)
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, "EURUSD", rangeErr.Symbol)

	n, err := b.Extend(b.table, 100)
	require.NoError(t, err)
	assert.Positive(t, n)

	n2, err := b.Extend(b.table, b.table.Len())
	require.NoError(t, err)
	assert.Equal(t, b.Len(), n+n2)
}

func TestBuilderInsufficientData(t *testing.T) {
	store, start := hourly("EURUSD", "GBPUSD")
	store["GBPUSD"] = store["GBPUSD"][480:]
	b := newTestBuilder(t, store, start.Add(30*24*time.Hour), nil)

	var insufficient *InsufficientDataError
	err := b.ResetValueBuffers(context.Background())
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "GBPUSD", insufficient.Symbol)
}

func TestBufferTableInvariants(t *testing.T) {
	store, start := hourly("EURUSD")
	reg := indicators.NewDefaultRegistry(store, repository.TF1h)
	reg.SetEnd(start.Add(30 * 24 * time.Hour))
	decls := []indicators.Declaration{{Factory: "Stochastic", Args: []int{5}}}
	items, err := reg.Queue([]string{"EURUSD"}, decls)
	require.NoError(t, err)
	require.NoError(t, reg.Process(context.Background(), items))

	table, err := NewBufferTable([]string{"EURUSD"}, decls, reg.VisibleOutputs, items, reg.Times())
	require.NoError(t, err)
	h, ok := table.Lookup(BufferKey{Symbol: "EURUSD", Timeframe: repository.TF1h, Decl: decls[0].Hash(), Output: 0})
	require.True(t, ok)
	assert.Equal(t, items[1].Outputs[0], table.Series(h))

	_, err = NewBufferTable([]string{"EURUSD"}, decls, reg.VisibleOutputs, append(items, items[1]), reg.Times())
	assert.True(t, errors.Is(err, ErrDuplicateBuffer))

	_, err = NewBufferTable([]string{"EURUSD"}, decls, reg.VisibleOutputs, items[:1], reg.Times())
	assert.ErrorIs(t, err, ErrMissingBuffers)
}
