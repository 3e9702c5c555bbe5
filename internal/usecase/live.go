package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"FinAgent/internal/domain/models"
	"FinAgent/pkg/logger"
	"FinAgent/pkg/util"
)

// SyncError reports that the newest snapshot is not the bar the broker is on.
type SyncError struct {
	Want int
	Got  int
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("current shift %d doesn't match the latest snapshot shift %d", e.Want, e.Got)
}

type liveState struct {
	entered   bool
	realtime  bool
	lastShift int
	lastData  time.Time
}

// MainReal is one live tick: on a new bar it extends the history, replays
// the agents over it and commits the fused signals to the broker.
func (t *Trainer) MainReal(ctx context.Context) error {
	if !t.live.entered {
		t.arena.SetTraining(false)
		t.freezeExploration()
		if err := t.LoopAgentSignalsAll(ctx, true); err != nil {
			return err
		}
		t.live.entered = true
		t.live.realtime = true
	}
	if err := t.broker.Refresh(ctx); err != nil {
		return fmt.Errorf("broker refresh: %w", err)
	}
	now := t.broker.Time()

	if !util.IsWeekend(now) {
		if shift := t.builder.ShiftAt(now); shift != t.live.lastShift {
			if err := t.advanceLive(ctx, now); err != nil {
				return err
			}
		}
	}

	if util.IsFridayClose(now) {
		for sym := range t.broker.Symbols() {
			t.broker.SetSignal(sym, 0)
			t.broker.SetSignalFreeze(sym, false)
		}
		if err := t.broker.SignalOrders(ctx); err != nil {
			return fmt.Errorf("signal orders: %w", err)
		}
	}

	if !util.IsWeekend(now) && now.Sub(t.live.lastData) >= t.cfg.DataInterval {
		if err := t.Data(ctx); err != nil {
			t.metrics.RecordError("account_log")
			t.hooks.error(err)
		}
		t.live.lastData = now
	}
	return nil
}

// freezeExploration makes every stage learner greedy for live trading.
func (t *Trainer) freezeExploration() {
	for p := 0; p < t.ladder.Live(); p++ {
		for _, a := range t.arena.Agents() {
			a.Learner(p).SetEpsilon(0)
		}
	}
}

func (t *Trainer) advanceLive(ctx context.Context, now time.Time) error {
	t.builder.SetEnd(now)
	if err := t.refreshSnapshots(ctx); err != nil {
		return err
	}
	if err := t.LoopAgentSignalsAll(ctx, false); err != nil {
		return err
	}
	want := t.builder.ShiftAt(now)
	top := t.builder.Top()
	if top == nil || top.Shift != want {
		got := -1
		if top != nil {
			got = top.Shift
		}
		return &SyncError{Want: want, Got: got}
	}

	quotes, err := t.broker.DownloadQuotes(ctx)
	if err != nil {
		return fmt.Errorf("download quotes: %w", err)
	}
	if t.quotes != nil && len(quotes) > 0 {
		batch := make([]*models.Quote, len(quotes))
		for i := range quotes {
			batch[i] = &quotes[i]
		}
		if err := t.quotes.StoreBatch(ctx, batch); err != nil {
			t.metrics.RecordError("quote_storage")
			t.log.Warn("quote store failed", logger.Error(err))
		}
	}

	if t.live.realtime {
		for sym := range t.broker.Symbols() {
			t.broker.SetSignal(sym, 0)
			t.broker.SetSignalFreeze(sym, false)
		}
		t.live.realtime = false
	}
	if err := t.PutLatest(ctx); err != nil {
		return err
	}
	t.live.lastShift = want
	t.publishStatus()
	return nil
}

// FindActiveGroup is the first group with a non-zero amplitude on snap for
// sym, or the last group when none has one.
func (t *Trainer) FindActiveGroup(snap *models.Snapshot, sym int) int {
	layout := t.arena.Layout()
	amp := layout.Filters + 1
	for g := 0; g < layout.Groups; g++ {
		if snap.Output(g, sym, amp) != 0 {
			return g
		}
	}
	return layout.Groups - 1
}

// PutLatest commits the fused output of the latest snapshot. A signal equal
// to the one the broker already holds is frozen rather than re-sent.
func (t *Trainer) PutLatest(ctx context.Context) error {
	top := t.builder.Top()
	if top == nil {
		return nil
	}
	fuse := t.arena.Layout().Filters + 2
	symbols := t.builder.Symbols()
	events := make([]models.SignalEvent, 0, len(symbols))
	signals := make([]int, len(symbols))
	for sym, name := range symbols {
		g := t.FindActiveGroup(top, sym)
		sig := top.Output(g, sym, fuse)
		held := t.broker.Signal(sym)
		frozen := held != 0 && held == sig
		if frozen {
			t.broker.SetSignalFreeze(sym, true)
		} else {
			t.broker.SetSignal(sym, sig)
			t.broker.SetSignalFreeze(sym, false)
		}
		signals[sym] = sig
		t.metrics.RecordSignal(name, sig)
		events = append(events, models.SignalEvent{
			RunID:     t.runID,
			Symbol:    name,
			Signal:    sig,
			Group:     g,
			Frozen:    frozen,
			Shift:     top.Shift,
			Timestamp: top.Time,
		})
	}
	t.broker.SetFreeMarginLevel(t.cfg.FreeMarginLevel)
	if err := t.broker.SignalOrders(ctx); err != nil {
		return fmt.Errorf("signal orders: %w", err)
	}
	t.publishSignals(events)
	if t.publisher != nil {
		if err := t.publisher.PublishSignals(ctx, events); err != nil {
			t.metrics.RecordError("signal_publish")
			t.log.Warn("signal publish failed", logger.Error(err))
		}
	}
	t.log.Info("signals", logger.Int("shift", top.Shift), logger.Ints("signals", signals))
	return nil
}

// Data appends an account sample to the account log.
func (t *Trainer) Data(ctx context.Context) error {
	if t.accounts == nil {
		return nil
	}
	n := len(t.broker.Symbols())
	rec := &models.AccountRecord{
		ID:      uuid.NewString(),
		Version: 1,
		Time:    t.broker.Time(),
		Balance: decimal.NewFromFloat(t.broker.AccountBalance()),
		Equity:  decimal.NewFromFloat(t.broker.AccountEquity()),
		Signals: make([]int, n),
		Orders:  t.broker.OpenOrders(),
	}
	for sym := 0; sym < n; sym++ {
		rec.Signals[sym] = t.broker.Signal(sym)
	}
	if err := t.accounts.Append(ctx, rec); err != nil {
		return fmt.Errorf("append account record: %w", err)
	}
	return nil
}
