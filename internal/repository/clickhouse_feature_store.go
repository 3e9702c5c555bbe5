package repository

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"FinAgent/internal/domain/models"
	domrepo "FinAgent/internal/domain/repository"
	pkgch "FinAgent/pkg/clickhouse"
	applogger "FinAgent/pkg/logger"
)

// CHBarStore implements FeatureStore on top of the quote table. Bars are
// aggregated from mid prices at query time so every timeframe reads the
// same ticks.
type CHBarStore struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

func NewCHBarStore(ch *pkgch.Client, database string) *CHBarStore {
	return &CHBarStore{db: ch.DB(), table: database + "." + QuotesTable}
}

// SetLogger injects a structured logger.
func (s *CHBarStore) SetLogger(l *applogger.Logger) { s.l = l }

const barSelect = `
		SELECT toStartOfInterval(ts, INTERVAL %d SECOND) AS bucket, symbol,
			   argMin((bid + ask) / 2, ts), max((bid + ask) / 2), min((bid + ask) / 2),
			   argMax((bid + ask) / 2, ts), toFloat64(count())
		FROM %s
		WHERE symbol = ? %s
		GROUP BY bucket, symbol
		ORDER BY bucket %s
	`

func (s *CHBarStore) GetCandles(ctx context.Context, symbol string, from, to time.Time, tf domrepo.Timeframe) ([]models.Candle, error) {
	if !domrepo.IsValidTimeframe(tf) {
		return nil, fmt.Errorf("unsupported timeframe: %s", tf)
	}
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	start := time.Now()
	q := fmt.Sprintf(barSelect, int(tf.Duration().Seconds()), s.table, "AND ts >= ? AND ts < ?", "ASC")
	// the last bucket must be complete up to to
	out, err := s.query(ctx, "get_candles", symbol, tf, q, symbol, from, to.Add(tf.Duration()))
	if err != nil {
		return nil, err
	}
	s.logOK("get_candles", symbol, tf, len(out), start)
	return out, nil
}

func (s *CHBarStore) GetLatestNCandles(ctx context.Context, symbol string, n int, tf domrepo.Timeframe) ([]models.Candle, error) {
	if !domrepo.IsValidTimeframe(tf) {
		return nil, fmt.Errorf("unsupported timeframe: %s", tf)
	}
	start := time.Now()
	q := fmt.Sprintf(barSelect, int(tf.Duration().Seconds()), s.table, "", "DESC") + " LIMIT ?"
	out, err := s.query(ctx, "latest_candles", symbol, tf, q, symbol, n)
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	s.logOK("latest_candles", symbol, tf, len(out), start)
	return out, nil
}

func (s *CHBarStore) query(ctx context.Context, op, symbol string, tf domrepo.Timeframe, q string, args ...any) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.logErr(op+" query", symbol, tf, err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]models.Candle, 0, 1024)
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Bucket, &c.Symbol, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			s.logErr(op+" scan", symbol, tf, err)
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		s.logErr(op+" rows", symbol, tf, err)
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *CHBarStore) logErr(op, symbol string, tf domrepo.Timeframe, err error) {
	if s.l == nil {
		return
	}
	s.l.Error("clickhouse "+op+" error",
		applogger.String("table", s.table),
		applogger.String("symbol", symbol),
		applogger.String("tf", string(tf)),
		applogger.Error(err),
	)
}

func (s *CHBarStore) logOK(op, symbol string, tf domrepo.Timeframe, n int, start time.Time) {
	if s.l == nil {
		return
	}
	s.l.Debug("clickhouse "+op+" ok",
		applogger.String("symbol", symbol),
		applogger.String("tf", string(tf)),
		applogger.Int("rows", n),
		applogger.Duration("duration_ms", time.Since(start)),
	)
}
