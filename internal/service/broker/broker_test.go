package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FinAgent/internal/domain/models"
	domrepo "FinAgent/internal/domain/repository"
	"FinAgent/internal/repository"
	"FinAgent/pkg/logger"
)

func newSim(t *testing.T, price float64) (*SimBroker, *repository.MemoryBarStore, *time.Time) {
	t.Helper()
	store := repository.NewMemoryBarStore(domrepo.TF1m)
	now := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	store.Put(models.Candle{Symbol: "EURUSD", Bucket: now, Open: price, High: price, Low: price, Close: price})
	b := NewSimBroker(SimConfig{
		Symbols: []SymbolSpec{{Name: "EURUSD", Point: 0.00001, Spread: 3}},
		Clock:   func() time.Time { return now },
	}, store, logger.NewNop())
	require.NoError(t, b.Refresh(context.Background()))
	return b, store, &now
}

func TestSimBrokerRoundTripPaysSpread(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newSim(t, 1.1)

	b.SetFreeMarginLevel(0.01)
	b.SetSignal(0, 1)
	require.NoError(t, b.SignalOrders(ctx))
	orders := b.OpenOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, 1, orders[0].Type)
	assert.InDelta(t, 1.100015, orders[0].OpenPrice, 1e-9)
	vol, _ := orders[0].Volume.Float64()
	// 10000 * 0.01 * 1000 / (1.1 * 100000) = 0.909 lots, floored to 0.90
	assert.InDelta(t, 0.90, vol, 1e-9)
	assert.InDelta(t, 10000-0.00003*0.90*100000, b.AccountEquity(), 1e-6)

	b.SetSignal(0, 0)
	require.NoError(t, b.SignalOrders(ctx))
	assert.Empty(t, b.OpenOrders())
	assert.InDelta(t, 10000-0.00003*0.90*100000, b.AccountBalance(), 1e-6)
}

func TestSimBrokerFrozenKeepsOrder(t *testing.T) {
	ctx := context.Background()
	b, store, now := newSim(t, 1.0)
	b.SetSignal(0, -1)
	require.NoError(t, b.SignalOrders(ctx))

	*now = now.Add(time.Minute)
	store.Put(models.Candle{Symbol: "EURUSD", Bucket: *now, Close: 0.99})
	require.NoError(t, b.Refresh(ctx))
	assert.Equal(t, *now, b.Time())
	assert.Greater(t, b.AccountEquity(), b.AccountBalance(), "short gains on a falling price")

	b.SetSignal(0, 1)
	b.SetSignalFreeze(0, true)
	require.NoError(t, b.SignalOrders(ctx))
	require.Len(t, b.OpenOrders(), 1)
	assert.Equal(t, -1, b.OpenOrders()[0].Type)

	b.SetSignalFreeze(0, false)
	require.NoError(t, b.SignalOrders(ctx))
	require.Len(t, b.OpenOrders(), 1)
	assert.Equal(t, 1, b.OpenOrders()[0].Type)
	assert.Greater(t, b.AccountBalance(), 10000.0)

	quotes, err := b.DownloadQuotes(ctx)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.InDelta(t, 0.00003, quotes[0].Ask-quotes[0].Bid, 1e-12)
}

func TestSimBrokerWithoutPriceRejectsOrder(t *testing.T) {
	store := repository.NewMemoryBarStore(domrepo.TF1m)
	b := NewSimBroker(SimConfig{Symbols: []SymbolSpec{{Name: "X", Point: 0.01, Spread: 2}}}, store, logger.NewNop())
	require.NoError(t, b.Refresh(context.Background()))
	b.SetSignal(0, 1)
	assert.ErrorIs(t, b.SignalOrders(context.Background()), ErrNoPrice)
}

func TestHTTPBrokerTalksToBridge(t *testing.T) {
	var posted OrderRequest
	bridgeTime := time.Date(2024, 1, 2, 10, 5, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/account":
			_ = json.NewEncoder(w).Encode(AccountState{Time: bridgeTime, Balance: 900, Equity: 950})
		case "/quotes":
			assert.Equal(t, []string{"EURUSD", "GBPUSD"}, r.URL.Query()["symbol"])
			_ = json.NewEncoder(w).Encode([]models.Quote{{Symbol: "EURUSD", Bid: 1, Ask: 1.0001, Timestamp: bridgeTime}})
		case "/orders":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	b := NewHTTPBroker(srv.URL+"/", []string{"EURUSD", "GBPUSD"}, time.Second, logger.NewNop())
	require.NoError(t, b.Refresh(ctx))
	assert.Equal(t, bridgeTime, b.Time())
	assert.Equal(t, 950.0, b.AccountEquity())
	assert.Equal(t, 900.0, b.AccountBalance())

	quotes, err := b.DownloadQuotes(ctx)
	require.NoError(t, err)
	require.Len(t, quotes, 1)

	b.SetSignal(1, -1)
	b.SetSignalFreeze(0, true)
	b.SetFreeMarginLevel(0.5)
	require.NoError(t, b.SignalOrders(ctx))
	assert.Equal(t, []int{0, -1}, posted.Signals)
	assert.Equal(t, []bool{true, false}, posted.Frozen)
	assert.Equal(t, 0.5, posted.FreeMarginLevel)
}

func TestHTTPBrokerBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := NewHTTPBroker(srv.URL, []string{"EURUSD"}, time.Second, logger.NewNop())
	for i := 0; i < 5; i++ {
		assert.Error(t, b.Refresh(context.Background()))
	}
	assert.Equal(t, int32(3), hits.Load(), "breaker stops calling after three failures")
}

func TestHTTPBrokerRetriesTransientFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(AccountState{Equity: 42})
	}))
	defer srv.Close()

	b := NewHTTPBroker(srv.URL, []string{"EURUSD"}, time.Second, logger.NewNop(), WithRetries(2), WithRateLimit(100))
	require.NoError(t, b.Refresh(context.Background()))
	assert.Equal(t, 42.0, b.AccountEquity())
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPBrokerSendsTokenAndDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := NewHTTPBroker(srv.URL, []string{"EURUSD"}, time.Second, logger.NewNop(), WithRetries(3), WithToken("s3cret"))
	err := b.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), hits.Load())
}
