package repository

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"FinAgent/internal/domain/models"
	domrepo "FinAgent/internal/domain/repository"
	"FinAgent/pkg/queue"
)

// AccountRecordMessage is the queue message type of account records.
const AccountRecordMessage = "account_record"

// FileAccountLog appends records to a local file, each one a little-endian
// uint32 length followed by the JSON body.
type FileAccountLog struct {
	path string
	mu   sync.Mutex
}

func NewFileAccountLog(path string) *FileAccountLog {
	return &FileAccountLog{path: path}
}

func (l *FileAccountLog) Append(_ context.Context, rec *models.AccountRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal account record: %w", err)
	}
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadAccountLog decodes every complete record of a file written by
// FileAccountLog. A truncated tail is ignored.
func ReadAccountLog(path string) ([]models.AccountRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []models.AccountRecord
	var size [4]byte
	for {
		if _, err := io.ReadFull(r, size[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil
			}
			return out, err
		}
		body := make([]byte, binary.LittleEndian.Uint32(size[:]))
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil
			}
			return out, err
		}
		var rec models.AccountRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			return out, fmt.Errorf("record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}

// QueueAccountLog hands records to the job queue; AccountRecordJob drains
// them into ClickHouse.
type QueueAccountLog struct {
	q queue.Publisher
}

func NewQueueAccountLog(q queue.Publisher) *QueueAccountLog {
	return &QueueAccountLog{q: q}
}

func (l *QueueAccountLog) Append(ctx context.Context, rec *models.AccountRecord) error {
	return l.q.PublishMessage(ctx, AccountRecordMessage, rec)
}

// CHAccountLog inserts records into the account table.
type CHAccountLog struct {
	db    *sql.DB
	table string
}

func NewCHAccountLog(db *sql.DB, database string) *CHAccountLog {
	return &CHAccountLog{db: db, table: database + "." + AccountsTable}
}

func (l *CHAccountLog) Append(ctx context.Context, rec *models.AccountRecord) error {
	orders, err := json.Marshal(rec.Orders)
	if err != nil {
		return err
	}
	signals := make([]int8, len(rec.Signals))
	for i, s := range rec.Signals {
		signals[i] = int8(s)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (id, ts, balance, equity, signals, orders) VALUES (?, ?, ?, ?, ?, ?)", l.table)
	_, err = l.db.ExecContext(ctx, stmt, rec.ID, rec.Time.UTC(), rec.Balance, rec.Equity, signals, string(orders))
	if err != nil {
		return fmt.Errorf("insert account record: %w", err)
	}
	return nil
}

// AccountRecordJob consumes queued account records.
type AccountRecordJob struct {
	sink domrepo.AccountLog
}

func NewAccountRecordJob(sink domrepo.AccountLog) *AccountRecordJob {
	return &AccountRecordJob{sink: sink}
}

func (j *AccountRecordJob) Name() string { return "account-record-sink" }
func (j *AccountRecordJob) Type() string { return AccountRecordMessage }

func (j *AccountRecordJob) Handle(ctx context.Context, payload []byte) error {
	rec, err := queue.Decode[models.AccountRecord](payload)
	if err != nil {
		return err
	}
	return j.sink.Append(ctx, rec)
}

// MultiAccountLog appends to every sink and joins their errors.
type MultiAccountLog []domrepo.AccountLog

func (m MultiAccountLog) Append(ctx context.Context, rec *models.AccountRecord) error {
	var errs []error
	for _, l := range m {
		if err := l.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
