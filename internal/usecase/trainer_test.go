package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FinAgent/internal/domain/models"
	drepo "FinAgent/internal/domain/repository"
	"FinAgent/internal/services/agent"
	"FinAgent/internal/services/features"
	"FinAgent/internal/services/indicators"
	"FinAgent/internal/services/regime"
	"FinAgent/pkg/logger"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type memBars map[string][]models.Candle

func (m memBars) GetCandles(_ context.Context, symbol string, from, to time.Time, _ drepo.Timeframe) ([]models.Candle, error) {
	var out []models.Candle
	for _, c := range m[symbol] {
		if (from.IsZero() || !c.Bucket.Before(from)) && !c.Bucket.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m memBars) GetLatestNCandles(context.Context, string, int, drepo.Timeframe) ([]models.Candle, error) {
	return nil, nil
}

// alternatingBars produces minute bars on a Monday whose open flips every bar.
func alternatingBars(n int, symbols ...string) memBars {
	m := memBars{}
	for k, sym := range symbols {
		for i := 0; i < n; i++ {
			p := 1 + 0.1*float64(k)
			if i%2 == 1 {
				p += 0.001
			}
			m[sym] = append(m[sym], models.Candle{
				Bucket: testStart.Add(time.Duration(i) * time.Minute), Symbol: sym,
				Open: p, High: p + 0.0005, Low: p - 0.0005, Close: p,
			})
		}
	}
	return m
}

type fakeBroker struct {
	now      time.Time
	symbols  []string
	signals  []int
	frozen   []bool
	sets     int
	orders   int
	margin   float64
	equity   float64
	refreshN int
}

func newFakeBroker(now time.Time, symbols ...string) *fakeBroker {
	return &fakeBroker{now: now, symbols: symbols, signals: make([]int, len(symbols)), frozen: make([]bool, len(symbols)), equity: 5000}
}

func (b *fakeBroker) Refresh(context.Context) error        { b.refreshN++; return nil }
func (b *fakeBroker) Time() time.Time                      { return b.now }
func (b *fakeBroker) Symbols() []string                    { return b.symbols }
func (b *fakeBroker) Signal(sym int) int                   { return b.signals[sym] }
func (b *fakeBroker) SetSignalFreeze(sym int, frozen bool) { b.frozen[sym] = frozen }
func (b *fakeBroker) SetFreeMarginLevel(level float64)     { b.margin = level }
func (b *fakeBroker) AccountBalance() float64              { return b.equity }
func (b *fakeBroker) AccountEquity() float64               { return b.equity }
func (b *fakeBroker) OpenOrders() []models.Order           { return nil }
func (b *fakeBroker) SignalOrders(context.Context) error   { b.orders++; return nil }

func (b *fakeBroker) SetSignal(sym, signal int) {
	b.sets++
	b.signals[sym] = signal
}

func (b *fakeBroker) DownloadQuotes(context.Context) ([]models.Quote, error) {
	return []models.Quote{{Symbol: b.symbols[0], Bid: 1, Ask: 1.0001, Timestamp: b.now}}, nil
}

type memCheckpoints struct {
	mu sync.Mutex
	cp *models.Checkpoint
	n  int
}

func (m *memCheckpoints) Save(_ context.Context, cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	var copied models.Checkpoint
	if err := json.Unmarshal(b, &copied); err != nil {
		return err
	}
	m.cp = &copied
	m.n++
	return nil
}

func (m *memCheckpoints) saved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n
}

func (m *memCheckpoints) Load(context.Context) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cp == nil {
		return nil, drepo.ErrNoCheckpoint
	}
	return m.cp, nil
}

type fakeMetrics struct {
	mu      sync.Mutex
	phases  []int
	signals map[string]int
	errors  []string
}

func (m *fakeMetrics) RecordMessageSent(string, string)                      {}
func (m *fakeMetrics) RecordLatency(string, float64)                         {}
func (m *fakeMetrics) RecordStageProgress(string, float64, float64, float64) {}
func (m *fakeMetrics) RecordSnapshots(int)                                   {}

func (m *fakeMetrics) RecordError(kind string) {
	m.mu.Lock()
	m.errors = append(m.errors, kind)
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordPhase(phase int, _ string) {
	m.mu.Lock()
	m.phases = append(m.phases, phase)
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordSignal(symbol string, signal int) {
	m.mu.Lock()
	if m.signals == nil {
		m.signals = map[string]int{}
	}
	m.signals[symbol] = signal
	m.mu.Unlock()
}

type memAccounts struct{ recs []*models.AccountRecord }

func (m *memAccounts) Append(_ context.Context, rec *models.AccountRecord) error {
	m.recs = append(m.recs, rec)
	return nil
}

type constLearner struct{ action int }

func (c *constLearner) Act([]float64) int              { return c.action }
func (c *constLearner) Learn(float64)                  {}
func (c *constLearner) SetEpsilon(float64)             {}
func (c *constLearner) SetLearningRate(float64)        {}
func (c *constLearner) ClearExperience()               {}
func (c *constLearner) MarshalBinary() ([]byte, error) { return []byte("{}"), nil }
func (c *constLearner) UnmarshalBinary([]byte) error   { return nil }

// fixedFuse trains real learners everywhere except the fusion stage, which
// always takes action.
func fixedFuse(action int) agent.LearnerFactory {
	q := agent.NewQLearnerFactory(0.9, 100)
	return func(spec agent.StageSpec, seed int64) drepo.Learner {
		if spec.Stage.Kind == models.StageFuse {
			return &constLearner{action: action}
		}
		return q(spec, seed)
	}
}

type testEnv struct {
	trainer *Trainer
	regime  *regime.Engine
	broker  *fakeBroker
	store   *memCheckpoints
	metrics *fakeMetrics
	acc     *memAccounts
	end     time.Time
}

type envOptions struct {
	workers int
	filters int
	groups  int
	factory agent.LearnerFactory
	store   *memCheckpoints
	regime  bool
}

func newTestEnv(t *testing.T, o envOptions) *testEnv {
	t.Helper()
	if o.workers == 0 {
		o.workers = 2
	}
	if o.groups == 0 {
		o.groups = 1
	}
	if o.factory == nil {
		o.factory = agent.NewQLearnerFactory(0.9, 100)
	}
	if o.store == nil {
		o.store = &memCheckpoints{}
	}
	symbols := []string{"EURUSD", "GBPUSD"}
	bars := alternatingBars(105, symbols...)
	reg := indicators.NewDefaultRegistry(bars, drepo.TF1m)
	end := testStart.Add(104 * time.Minute)

	b, err := features.NewBuilder(features.Config{
		Symbols:        symbols,
		Indicators:     []indicators.Declaration{{Factory: "Stochastic", Args: []int{5}}},
		Groups:         o.groups,
		Filters:        o.filters,
		Periods:        []int{3},
		WindowBars:     1000,
		MinHistoryBars: 50,
	}, reg, logger.NewNop())
	require.NoError(t, err)
	b.SetEnd(end)

	arena, err := agent.NewArena(b.Layout(), agent.Settings{
		Iterations:   agent.Limits{Filter: 100, Signal: 300, Amp: 100, Fuse: 100},
		EpsilonSteps: agent.Limits{Filter: 50, Signal: 100, Amp: 50, Fuse: 50},
		Symbols:      []agent.Symbol{{Name: "EURUSD", Cost: 0.00003}, {Name: "GBPUSD", Cost: 0.00003}},
		Seed:         3,
		Factory:      o.factory,
	})
	require.NoError(t, err)

	var engine *regime.Engine
	if o.regime {
		engine = regime.NewEngine(regime.Config{
			Groups:            o.groups,
			IndicatorClusters: 4,
			ExtraCentroids:    2,
			Periods:           []int{3},
			VolatDiv:          0.0001,
			ChangeDiv:         0.0001,
			NavigationShift:   5,
		}, b.Layout(), logger.NewNop())
	}

	env := &testEnv{
		regime:  engine,
		broker:  newFakeBroker(end, symbols...),
		store:   o.store,
		metrics: &fakeMetrics{},
		acc:     &memAccounts{},
		end:     end,
	}
	env.trainer = NewTrainer(TrainerConfig{
		Workers:            o.workers,
		BatchSteps:         100,
		CheckEvery:         30,
		BreakIntervalIters: 1_000_000,
		CheckpointInterval: time.Hour,
		MinLearningRate:    0.001,
		MaxLearningRate:    0.01,
		MinBeginEquity:     10000,
		FreeMarginLevel:    0.6,
	}, b, engine, arena, env.broker, env.store, env.metrics, logger.NewNop(), WithAccountLog(env.acc))
	require.NoError(t, env.trainer.Init(context.Background()))
	return env
}

func (e *testEnv) advances() int {
	n := 0
	for _, p := range e.metrics.phases {
		if p > 0 {
			n++
		}
	}
	return n
}

func TestEndToEndSignalStageThenLive(t *testing.T) {
	env := newTestEnv(t, envOptions{factory: fixedFuse(1)})
	tr := env.trainer
	ctx := context.Background()
	require.Equal(t, 100, tr.builder.Len())

	require.NoError(t, tr.TrainAgents(ctx, 0))
	assert.Equal(t, 1, tr.Phase())
	assert.Equal(t, 1, env.advances(), "exactly one phase advance")
	for _, a := range tr.arena.Agents() {
		assert.True(t, a.IsTrained(0))
		assert.Equal(t, 300, a.State(0).Iter)
	}
	assert.Equal(t, 1, env.store.n)

	require.NoError(t, tr.TrainAgents(ctx, 1))
	require.NoError(t, tr.TrainAgents(ctx, 2))
	require.Equal(t, tr.ladder.Live(), tr.Phase())

	require.NoError(t, tr.MainReal(ctx))
	assert.Equal(t, []int{1, 1}, env.broker.signals)
	assert.Equal(t, []bool{false, false}, env.broker.frozen)
	assert.Equal(t, 0.6, env.broker.margin)
	assert.Positive(t, env.broker.orders)
	require.Len(t, env.acc.recs, 1)
	assert.Equal(t, []int{1, 1}, env.acc.recs[0].Signals)

	sigs := tr.Signals()
	require.Len(t, sigs, 2)
	assert.Equal(t, "GBPUSD", sigs[1].Symbol)
	assert.Equal(t, 104, sigs[1].Shift)
}

func TestConcurrentTrainingMatchesSequential(t *testing.T) {
	ctx := context.Background()
	seq := newTestEnv(t, envOptions{workers: 1})
	par := newTestEnv(t, envOptions{workers: 4})

	require.NoError(t, seq.trainer.TrainAgents(ctx, 0))
	require.NoError(t, par.trainer.TrainAgents(ctx, 0))

	a, err := seq.trainer.arena.Progress()
	require.NoError(t, err)
	b, err := par.trainer.arena.Progress()
	require.NoError(t, err)
	assert.Equal(t, a, b)

	sa, sb := seq.trainer.builder.Snapshots(), par.trainer.builder.Snapshots()
	require.Len(t, sb, len(sa))
	for i := range sa {
		for sym := 0; sym < 2; sym++ {
			require.Equal(t, sa[i].Output(0, sym, 0), sb[i].Output(0, sym, 0), "snapshot %d", i)
		}
	}
}

func TestPutLatestIsDeterministicAndFreezes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, envOptions{factory: fixedFuse(2)})
	tr := env.trainer
	require.NoError(t, tr.LoopAgentSignalsAll(ctx, true))

	require.NoError(t, tr.PutLatest(ctx))
	assert.Equal(t, []int{-1, -1}, env.broker.signals)
	assert.Equal(t, []bool{false, false}, env.broker.frozen)
	sets := env.broker.sets

	require.NoError(t, tr.PutLatest(ctx))
	assert.Equal(t, []int{-1, -1}, env.broker.signals)
	assert.Equal(t, []bool{true, true}, env.broker.frozen, "held signal is frozen")
	assert.Equal(t, sets, env.broker.sets, "frozen signals are not re-sent")
	for _, ev := range tr.Signals() {
		assert.True(t, ev.Frozen)
	}
}

func TestFindActiveGroup(t *testing.T) {
	env := newTestEnv(t, envOptions{groups: 2})
	tr := env.trainer
	top := tr.builder.Top()
	amp := tr.arena.Layout().Filters + 1

	top.SetOutput(0, 0, amp, 0)
	top.SetOutput(1, 0, amp, 2)
	assert.Equal(t, 1, tr.FindActiveGroup(top, 0))

	top.SetOutput(0, 0, amp, 1)
	assert.Equal(t, 0, tr.FindActiveGroup(top, 0))

	top.SetOutput(0, 1, amp, 0)
	top.SetOutput(1, 1, amp, 0)
	assert.Equal(t, 1, tr.FindActiveGroup(top, 1), "falls back to the last group")
}

func TestResetCascadesToLaterStages(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, envOptions{filters: 1})
	tr := env.trainer

	require.NoError(t, tr.TrainAgents(ctx, 0))
	require.NoError(t, tr.TrainAgents(ctx, 1))
	require.Equal(t, 2, tr.Phase())
	for _, p := range env.metrics.phases[1:] {
		assert.Positive(t, p)
	}

	require.NoError(t, tr.RequestReset(models.Stage{Kind: models.StageSignal}))
	require.True(t, tr.drainResets())
	assert.Equal(t, 1, tr.Phase())
	assert.Equal(t, 100.0, tr.arena.AverageIter(0), "filters survive")
	assert.Zero(t, tr.arena.AverageIter(1))
	assert.Equal(t, "signal", tr.Status().Stage)

	require.NoError(t, tr.RequestReset(models.Stage{Kind: models.StageLive}))
	tr.drainResets()
	assert.Equal(t, 1, tr.Phase())

	require.NoError(t, tr.RequestReset(models.Stage{Kind: models.StageFilter}))
	tr.drainResets()
	assert.Zero(t, tr.Phase())
	assert.Zero(t, tr.arena.AverageIter(0))
}

func TestCheckpointRestoresProgress(t *testing.T) {
	ctx := context.Background()
	store := &memCheckpoints{}
	first := newTestEnv(t, envOptions{store: store})
	require.NoError(t, first.trainer.TrainAgents(ctx, 0))

	second := newTestEnv(t, envOptions{store: store})
	assert.Equal(t, 1, second.trainer.Phase())
	assert.Equal(t, 300.0, second.trainer.arena.AverageIter(0))

	bad := &memCheckpoints{cp: store.cp}
	bad.cp.Groups = 3
	tr := newTestTrainerNoInit(t, bad)
	assert.ErrorIs(t, tr.Init(ctx), ErrSnapshotMismatch)
}

func TestMainRealReportsSyncFaults(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, envOptions{factory: fixedFuse(1)})
	env.broker.now = env.end.Add(10 * time.Minute)

	var syncErr *SyncError
	err := env.trainer.MainReal(ctx)
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, 114, syncErr.Want)
	assert.Equal(t, 104, syncErr.Got)
	assert.Equal(t, []int{0, 0}, env.broker.signals, "nothing committed")

	env.broker.now = env.end
	require.NoError(t, env.trainer.MainReal(ctx))
	assert.Equal(t, []int{1, 1}, env.broker.signals)
}

func TestRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	done := make(chan error, 1)
	go func() { done <- env.trainer.Run(context.Background()) }()

	require.Eventually(t, func() bool { return env.store.saved() > 0 }, 10*time.Second, 10*time.Millisecond)
	env.trainer.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func newTestTrainerNoInit(t *testing.T, store *memCheckpoints) *Trainer {
	t.Helper()
	symbols := []string{"EURUSD", "GBPUSD"}
	reg := indicators.NewDefaultRegistry(alternatingBars(105, symbols...), drepo.TF1m)
	b, err := features.NewBuilder(features.Config{
		Symbols:        symbols,
		Indicators:     []indicators.Declaration{{Factory: "Stochastic", Args: []int{5}}},
		Groups:         1,
		Periods:        []int{3},
		WindowBars:     1000,
		MinHistoryBars: 50,
	}, reg, logger.NewNop())
	require.NoError(t, err)
	b.SetEnd(testStart.Add(104 * time.Minute))
	arena, err := agent.NewArena(b.Layout(), agent.Settings{
		Iterations: agent.Limits{Filter: 100, Signal: 300, Amp: 100, Fuse: 100},
		Symbols:    []agent.Symbol{{Name: "EURUSD"}, {Name: "GBPUSD"}},
		Factory:    agent.NewQLearnerFactory(0.9, 100),
	})
	require.NoError(t, err)
	return NewTrainer(TrainerConfig{}, b, nil, arena, newFakeBroker(testStart, symbols...), store, &fakeMetrics{}, logger.NewNop())
}

func TestMainRealSkipsWeekends(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, envOptions{factory: fixedFuse(1)})

	require.NoError(t, env.trainer.MainReal(ctx))
	assert.Equal(t, []int{1, 1}, env.broker.signals)
	require.Len(t, env.acc.recs, 1)
	assert.Equal(t, []int{1, 1}, env.acc.recs[0].Signals)
	orders := env.broker.orders

	env.broker.now = time.Date(2024, 1, 6, 12, 0, 0, 0, time.UTC)
	require.NoError(t, env.trainer.MainReal(ctx))
	assert.Len(t, env.acc.recs, 1, "no account sample on saturday")
	assert.Equal(t, orders, env.broker.orders)
	assert.Equal(t, []int{1, 1}, env.broker.signals)
}

func epsilonOf(t *testing.T, l drepo.Learner) float64 {
	t.Helper()
	raw, err := l.MarshalBinary()
	require.NoError(t, err)
	var st struct {
		Epsilon float64 `json:"epsilon"`
	}
	require.NoError(t, json.Unmarshal(raw, &st))
	return st.Epsilon
}

func TestMainRealMakesLearnersGreedy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, envOptions{})
	tr := env.trainer
	for p := 0; p < tr.ladder.Live(); p++ {
		tr.RefreshAgentEpsilon(p)
	}
	require.Positive(t, epsilonOf(t, tr.arena.Agents()[0].Learner(0)))

	require.NoError(t, tr.MainReal(ctx))
	for p := 0; p < tr.ladder.Live(); p++ {
		for _, a := range tr.arena.Agents() {
			assert.Zero(t, epsilonOf(t, a.Learner(p)), "stage %s of %s still explores", tr.ladder.Stage(p), a.Symbol)
		}
	}
}

// cancelAfter cancels a context on the limit-th action of any of its learners.
type cancelAfter struct {
	acts   atomic.Int64
	limit  int64
	cancel context.CancelFunc
}

type cancellingLearner struct {
	constLearner
	c *cancelAfter
}

func (l *cancellingLearner) Act([]float64) int {
	if l.c.acts.Add(1) == l.c.limit {
		l.c.cancel()
	}
	return 0
}

func (c *cancelAfter) factory() agent.LearnerFactory {
	return func(agent.StageSpec, int64) drepo.Learner { return &cancellingLearner{c: c} }
}

func TestLoopAgentSignalsStopsOnCancel(t *testing.T) {
	c := &cancelAfter{limit: 10}
	env := newTestEnv(t, envOptions{factory: c.factory()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.cancel = cancel

	err := env.trainer.LoopAgentSignalsAll(ctx, true)
	require.ErrorIs(t, err, context.Canceled)
	// a full replay acts ~100 times per agent and stage; each worker only
	// finishes the step it is on
	assert.LessOrEqual(t, c.acts.Load(), int64(12))
}

func TestTrainerWithRegimeEngine(t *testing.T) {
	ctx := context.Background()
	store := &memCheckpoints{}
	env := newTestEnv(t, envOptions{groups: 2, regime: true, store: store})
	tr := env.trainer
	require.True(t, env.regime.Ready(), "history is long enough to connect the sector graph")
	for _, s := range tr.builder.Snapshots() {
		assert.GreaterOrEqual(t, s.IndicatorCluster, 0, "snapshot %d", s.Shift)
	}
	st := tr.Status()
	require.NotNil(t, st.Regime)
	assert.True(t, st.Regime.Ready)
	assert.Len(t, st.Regime.Centroids, 2)

	require.NoError(t, tr.TrainAgents(ctx, 0))
	require.NotNil(t, store.cp)
	require.NotEmpty(t, store.cp.Regime)
	assert.Equal(t, tr.builder.DataBegin(), store.cp.DataBegin)
	counter := env.regime.StatsCounter()

	// the restarted history begins five bars earlier than the stored one
	store.cp.DataBegin += 5
	second := newTestEnv(t, envOptions{groups: 2, regime: true, store: store})
	assert.Equal(t, env.regime.ResultCentroids(), second.regime.ResultCentroids())
	assert.Equal(t, counter+5, second.regime.StatsCounter(), "pole statistics follow the data begin")
}

func TestCheckpointRejectsNegativeDataBegin(t *testing.T) {
	ctx := context.Background()
	store := &memCheckpoints{}
	first := newTestEnv(t, envOptions{store: store})
	require.NoError(t, first.trainer.TrainAgents(ctx, 0))

	store.cp.DataBegin = -1
	err := newTestTrainerNoInit(t, store).Init(ctx)
	require.ErrorIs(t, err, ErrSnapshotMismatch)
	assert.Contains(t, err.Error(), "data begin")
}
