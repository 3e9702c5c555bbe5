package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"FinAgent/internal/domain/models"
	"FinAgent/internal/domain/repository"
	pkgkafka "FinAgent/pkg/kafka"
)

// CHQuoteStorage implements QuoteStorage for ClickHouse.
type CHQuoteStorage struct {
	db     *sql.DB
	table  string
	source string
}

func NewCHQuoteStorage(db *sql.DB, database, source string) repository.QuoteStorage {
	return &CHQuoteStorage{db: db, table: database + "." + QuotesTable, source: source}
}

func (s *CHQuoteStorage) Init(ctx context.Context) error {
	return nil // schema is created by the client provider
}

func (s *CHQuoteStorage) Store(ctx context.Context, q *models.Quote) error {
	return s.StoreBatch(ctx, []*models.Quote{q})
}

func (s *CHQuoteStorage) StoreBatch(ctx context.Context, quotes []*models.Quote) error {
	const chunkSize = 2000
	for start := 0; start < len(quotes); start += chunkSize {
		end := min(start+chunkSize, len(quotes))

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*5)
		for _, q := range quotes[start:end] {
			if q == nil || q.Symbol == "" || q.Timestamp.IsZero() {
				continue
			}
			values = append(values, "(?, ?, ?, ?, ?)")
			args = append(args, q.Timestamp.UTC(), q.Symbol, q.Bid, q.Ask, s.source)
		}
		if len(values) == 0 {
			continue
		}
		stmt := fmt.Sprintf("INSERT INTO %s (ts, symbol, bid, ask, source) VALUES %s", s.table, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("insert quotes: %w", err)
		}
	}
	return nil
}

func (s *CHQuoteStorage) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *CHQuoteStorage) Close() error {
	return nil // Managed by pkg
}

// KafkaSignalPublisher publishes committed live signals keyed by symbol.
type KafkaSignalPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

func NewKafkaSignalPublisher(producer *pkgkafka.Producer, topic string) repository.SignalPublisher {
	return &KafkaSignalPublisher{producer: producer, topic: topic}
}

func (p *KafkaSignalPublisher) PublishSignals(ctx context.Context, events []models.SignalEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, len(events))
	for i, ev := range events {
		msgs[i] = pkgkafka.Message{Key: []byte(ev.Symbol), Value: ev}
	}
	return p.producer.PublishBatch(ctx, p.topic, msgs)
}

func (p *KafkaSignalPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
