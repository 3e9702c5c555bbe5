package repository

import (
	"context"
	"encoding"
	"errors"
	"time"

	"FinAgent/internal/domain/models"
)

// QuoteStream is the broker bridge tick feed.
type QuoteStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan *models.Quote, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

type QuoteStorage interface {
	Init(ctx context.Context) error
	Store(ctx context.Context, q *models.Quote) error
	StoreBatch(ctx context.Context, quotes []*models.Quote) error
	Health(ctx context.Context) error
	Close() error
}

// Broker is the execution side used in live mode and for account values.
// Signals are per symbol index in the configured symbol order.
type Broker interface {
	Refresh(ctx context.Context) error
	Time() time.Time
	Symbols() []string
	Signal(sym int) int
	SetSignal(sym, signal int)
	SetSignalFreeze(sym int, frozen bool)
	SetFreeMarginLevel(level float64)
	AccountBalance() float64
	AccountEquity() float64
	OpenOrders() []models.Order
	DownloadQuotes(ctx context.Context) ([]models.Quote, error)
	SignalOrders(ctx context.Context) error
}

// Learner is the value-learning module owned by one agent stage.
type Learner interface {
	Act(input []float64) int
	Learn(reward float64)
	SetEpsilon(eps float64)
	SetLearningRate(lr float64)
	ClearExperience()
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

var ErrNoCheckpoint = errors.New("no checkpoint")

type CheckpointStore interface {
	Save(ctx context.Context, cp *models.Checkpoint) error
	// Load returns ErrNoCheckpoint when nothing has been stored yet.
	Load(ctx context.Context) (*models.Checkpoint, error)
}

type SignalPublisher interface {
	PublishSignals(ctx context.Context, events []models.SignalEvent) error
	Close() error
}

type AccountLog interface {
	Append(ctx context.Context, rec *models.AccountRecord) error
}

type Metrics interface {
	RecordMessageSent(backend, symbol string)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
	RecordPhase(phase int, stage string)
	RecordStageProgress(stage string, avgIter, epsilon, learningRate float64)
	RecordSignal(symbol string, signal int)
	RecordSnapshots(n int)
}
