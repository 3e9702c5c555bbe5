package indicators

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FinAgent/internal/domain/models"
	"FinAgent/internal/domain/repository"
)

type fakeStore struct {
	candles map[string][]models.Candle
	calls   int
}

func (f *fakeStore) GetCandles(_ context.Context, symbol string, from, to time.Time, _ repository.Timeframe) ([]models.Candle, error) {
	f.calls++
	var out []models.Candle
	for _, c := range f.candles[symbol] {
		if (from.IsZero() || !c.Bucket.Before(from)) && !c.Bucket.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) GetLatestNCandles(context.Context, string, int, repository.Timeframe) ([]models.Candle, error) {
	return nil, nil
}

func series(sym string, start time.Time, n int, price func(i int) float64) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		p := price(i)
		out[i] = models.Candle{Bucket: start.Add(time.Duration(i) * time.Minute), Symbol: sym, Open: p, High: p * 1.001, Low: p * 0.999, Close: p}
	}
	return out
}

func TestRegistryQueueReusesItems(t *testing.T) {
	r := NewDefaultRegistry(&fakeStore{}, repository.TF1m)
	decls := []Declaration{{Factory: "OsMA", Args: []int{5, 10, 5}}, {Factory: "Stochastic"}}

	items, err := r.Queue([]string{"EURUSD", "GBPUSD"}, decls)
	require.NoError(t, err)
	require.Len(t, items, 6)
	assert.Equal(t, DataBridgeName, items[0].Decl.Factory)
	assert.Equal(t, []int{14}, items[2].Decl.Args, "defaults fill missing args")

	again, err := r.Queue([]string{"EURUSD", "GBPUSD"}, decls)
	require.NoError(t, err)
	assert.Same(t, items[1], again[1])

	_, err = r.Queue([]string{"EURUSD"}, []Declaration{{Factory: "RSI"}})
	assert.ErrorIs(t, err, ErrUnknownFactory)
	assert.ErrorIs(t, r.Register(OsMA{}), ErrDuplicateFactory)
}

func TestDeclarationHash(t *testing.T) {
	a := Declaration{Factory: "OsMA", Args: []int{5, 10, 5}}
	b := Declaration{Factory: "OsMA", Args: []int{5, 10, 5}}
	c := Declaration{Factory: "OsMA", Args: []int{51, 0, 5}}
	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestRegistryProcessAlignsSymbols(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{candles: map[string][]models.Candle{
		"EURUSD": series("EURUSD", start, 200, func(i int) float64 { return 1.1 + 0.001*math.Sin(float64(i)/7) }),
		"GBPUSD": series("GBPUSD", start.Add(20*time.Minute), 180, func(i int) float64 { return 1.3 }),
	}}
	r := NewDefaultRegistry(store, repository.TF1m)
	r.SetEnd(start.Add(300 * time.Minute))

	items, err := r.Queue([]string{"EURUSD", "GBPUSD"}, []Declaration{{Factory: "OsMA", Args: []int{5, 10, 5}}})
	require.NoError(t, err)
	require.NoError(t, r.Process(context.Background(), items))

	assert.Len(t, r.Times(), 200)
	eurBridge, eurOsma, gbpBridge := items[0], items[1], items[2]
	assert.Equal(t, 0, eurBridge.Begin)
	assert.Equal(t, 15, eurOsma.Begin)
	assert.Equal(t, 20, gbpBridge.Begin)
	assert.Equal(t, 0.0, gbpBridge.Outputs[0][19])
	assert.Equal(t, 1.3, gbpBridge.Outputs[0][20])
	for _, v := range eurOsma.Outputs[0] {
		assert.LessOrEqual(t, math.Abs(v), 1.0)
	}

	// a second pass only asks for newer candles
	calls := store.calls
	require.NoError(t, r.Process(context.Background(), items))
	assert.Equal(t, calls+2, store.calls)
	assert.Len(t, r.Times(), 200)
}

func TestStochasticRange(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := series("X", start, 50, func(i int) float64 { return 1 + float64(i%10)*0.01 })
	out := Stochastic{}.Compute(c, []int{5})[0]
	for _, v := range out {
		assert.GreaterOrEqual(t, v, -1.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}
