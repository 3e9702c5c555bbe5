package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FinAgent/internal/domain/models"
	domrepo "FinAgent/internal/domain/repository"
)

func TestCheckpointStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewFileCheckpointStore(t.TempDir() + "/state/agents.json")

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, domrepo.ErrNoCheckpoint)

	require.NoError(t, s.Save(ctx, &models.Checkpoint{Version: 1, Phase: 2}))
	require.NoError(t, s.Save(ctx, &models.Checkpoint{Version: 1, Phase: 3}))
	_, err = os.Stat(s.Path() + ".bak")
	assert.True(t, os.IsNotExist(err), "backup removed after a complete write")

	cp, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cp.Phase)
}

func TestCheckpointStorePrefersBackup(t *testing.T) {
	ctx := context.Background()
	s := NewFileCheckpointStore(t.TempDir() + "/agents.json")
	require.NoError(t, s.Save(ctx, &models.Checkpoint{Version: 1, Phase: 1}))

	// simulate a crash after the rename: good state in .bak, garbage in place
	require.NoError(t, os.Rename(s.Path(), s.Path()+".bak"))
	require.NoError(t, os.WriteFile(s.Path(), []byte("{trunc"), 0o644))

	cp, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Phase)

	require.NoError(t, s.Save(ctx, &models.Checkpoint{Version: 1, Phase: 2}))
	cp, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Phase)
}

func TestFileAccountLogAppendsFramedRecords(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/account.log"
	l := NewFileAccountLog(path)
	ts := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(ctx, &models.AccountRecord{
			ID:      "r",
			Time:    ts.Add(time.Duration(i) * time.Minute),
			Balance: decimal.NewFromInt(10000),
			Equity:  decimal.NewFromFloat(10000.5),
			Signals: []int{i - 1, 0},
		}))
	}
	// torn write at the tail
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{200, 0, 0, 0, '{'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recs, err := ReadAccountLog(path)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []int{1, 0}, recs[2].Signals)
	assert.True(t, recs[1].Equity.Equal(decimal.NewFromFloat(10000.5)))
	assert.True(t, recs[0].Time.Equal(ts))
}

type captureQueue struct {
	msgType string
	payload interface{}
}

func (q *captureQueue) PublishMessage(_ context.Context, msgType string, payload interface{}) error {
	q.msgType, q.payload = msgType, payload
	return nil
}

type sliceLog struct{ recs []*models.AccountRecord }

func (s *sliceLog) Append(_ context.Context, rec *models.AccountRecord) error {
	s.recs = append(s.recs, rec)
	return nil
}

func TestQueuedAccountRecordReachesSink(t *testing.T) {
	ctx := context.Background()
	q := &captureQueue{}
	require.NoError(t, NewQueueAccountLog(q).Append(ctx, &models.AccountRecord{ID: "a", Signals: []int{1}}))
	assert.Equal(t, AccountRecordMessage, q.msgType)

	sink := &sliceLog{}
	job := NewAccountRecordJob(sink)
	assert.Equal(t, AccountRecordMessage, job.Type())
	require.NoError(t, job.Handle(ctx, []byte(`{"id":"a","signals":[1]}`)))
	assert.Error(t, job.Handle(ctx, []byte(`{"id":`)))
	require.Len(t, sink.recs, 1)
	assert.Equal(t, "a", sink.recs[0].ID)
	assert.Equal(t, []int{1}, sink.recs[0].Signals)
}

func TestMemoryBarStoreAggregatesQuotes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBarStore(domrepo.TF1m)
	t0 := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	quotes := []*models.Quote{
		{Symbol: "EURUSD", Bid: 1.0, Ask: 1.0002, Timestamp: t0.Add(5 * time.Second)},
		{Symbol: "EURUSD", Bid: 1.001, Ask: 1.0012, Timestamp: t0.Add(20 * time.Second)},
		{Symbol: "EURUSD", Bid: 0.999, Ask: 0.9992, Timestamp: t0.Add(50 * time.Second)},
		{Symbol: "EURUSD", Bid: 1.002, Ask: 1.0022, Timestamp: t0.Add(70 * time.Second)},
	}
	require.NoError(t, s.StoreBatch(ctx, quotes))

	bars, err := s.GetCandles(ctx, "EURUSD", time.Time{}, t0.Add(time.Hour), domrepo.TF1m)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.InDelta(t, 1.0001, bars[0].Open, 1e-9)
	assert.InDelta(t, 1.0011, bars[0].High, 1e-9)
	assert.InDelta(t, 0.9991, bars[0].Low, 1e-9)
	assert.InDelta(t, 0.9991, bars[0].Close, 1e-9)
	assert.Equal(t, 3.0, bars[0].Volume)
	assert.True(t, bars[1].Bucket.Equal(t0.Add(time.Minute)))

	fives, err := s.GetLatestNCandles(ctx, "EURUSD", 10, domrepo.TF5m)
	require.NoError(t, err)
	require.Len(t, fives, 1)
	assert.InDelta(t, 1.0021, fives[0].Close, 1e-9)
	assert.Equal(t, 4.0, fives[0].Volume)
}

func TestMemoryBarStorePutKeepsOrder(t *testing.T) {
	s := NewMemoryBarStore(domrepo.TF1m)
	t0 := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	s.Put(
		models.Candle{Symbol: "X", Bucket: t0.Add(2 * time.Minute), Open: 3},
		models.Candle{Symbol: "X", Bucket: t0, Open: 1},
		models.Candle{Symbol: "X", Bucket: t0.Add(time.Minute), Open: 2},
		models.Candle{Symbol: "X", Bucket: t0, Open: 9},
	)
	bars, err := s.GetLatestNCandles(context.Background(), "X", 2, domrepo.TF1m)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 2.0, bars[0].Open)
	assert.Equal(t, 3.0, bars[1].Open)

	all, err := s.GetCandles(context.Background(), "X", t0, t0, domrepo.TF1m)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 9.0, all[0].Open)
}
