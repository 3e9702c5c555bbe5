package usecase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"FinAgent/internal/domain/models"
	drepo "FinAgent/internal/domain/repository"
	"FinAgent/internal/services/agent"
	"FinAgent/internal/services/features"
	"FinAgent/internal/services/regime"
	"FinAgent/pkg/logger"
	"FinAgent/pkg/workpool"
)

var (
	ErrSnapshotMismatch = errors.New("checkpoint does not match the snapshot layout")
	ErrResetQueueFull   = errors.New("reset queue is full")
	errTooFewSnapshots  = errors.New("not enough snapshots to train")
)

// TrainerConfig holds the orchestration knobs.
type TrainerConfig struct {
	Workers            int
	BatchSteps         int
	CheckEvery         int
	BreakIntervalIters int
	CheckpointInterval time.Duration
	MinLearningRate    float64
	MaxLearningRate    float64
	MaxExtraTimesteps  int
	RecreateDrawdown   float64
	MinBeginEquity     float64
	PollInterval       time.Duration
	DataInterval       time.Duration
	FreeMarginLevel    float64
	// Resets are applied once after the checkpoint is loaded.
	Resets []models.Stage
}

type TrainerOption func(*Trainer)

func WithHooks(h Hooks) TrainerOption { return func(t *Trainer) { t.hooks = h } }

func WithSignalPublisher(p drepo.SignalPublisher) TrainerOption {
	return func(t *Trainer) { t.publisher = p }
}

func WithAccountLog(l drepo.AccountLog) TrainerOption {
	return func(t *Trainer) { t.accounts = l }
}

func WithQuoteStorage(s drepo.QuoteStorage) TrainerOption {
	return func(t *Trainer) { t.quotes = s }
}

// Trainer drives the curriculum from the first filter to live trading.
// Run owns the snapshot sequence and the arena; workers only ever touch one
// agent each between two barriers.
type Trainer struct {
	cfg     TrainerConfig
	builder *features.Builder
	regime  *regime.Engine
	arena   *agent.Arena
	broker  drepo.Broker
	store   drepo.CheckpointStore
	metrics drepo.Metrics
	log     *logger.Logger
	ladder  models.Ladder
	pool    *workpool.Pool

	hooks     Hooks
	publisher drepo.SignalPublisher
	accounts  drepo.AccountLog
	quotes    drepo.QuoteStorage

	runID   string
	created time.Time
	resets  chan models.Stage
	reduced int

	mu     sync.RWMutex
	phase  int
	cancel context.CancelFunc
	done   chan struct{}

	status atomic.Pointer[Status]
	live   liveState
}

func NewTrainer(
	cfg TrainerConfig,
	builder *features.Builder,
	engine *regime.Engine,
	arena *agent.Arena,
	broker drepo.Broker,
	store drepo.CheckpointStore,
	metrics drepo.Metrics,
	log *logger.Logger,
	opts ...TrainerOption,
) *Trainer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSteps <= 0 {
		cfg.BatchSteps = 100
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = 30
	}
	if cfg.BreakIntervalIters <= 0 {
		cfg.BreakIntervalIters = 100000
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.DataInterval <= 0 {
		cfg.DataInterval = time.Minute
	}
	if cfg.MaxExtraTimesteps <= 0 {
		cfg.MaxExtraTimesteps = 7
	}
	if cfg.RecreateDrawdown <= 0 {
		cfg.RecreateDrawdown = 40
	}
	t := &Trainer{
		cfg:     cfg,
		builder: builder,
		regime:  engine,
		arena:   arena,
		broker:  broker,
		store:   store,
		metrics: metrics,
		log:     log.With("trainer"),
		ladder:  arena.Ladder(),
		pool:    workpool.New(context.Background(), cfg.Workers),
		hooks:   LogHooks(log),
		runID:   uuid.NewString(),
		created: time.Now().UTC(),
		resets:  make(chan models.Stage, 16),
		live:    liveState{lastShift: -1},
	}
	for _, o := range opts {
		o(t)
	}
	t.publishStatus()
	return t
}

func (t *Trainer) RunID() string { return t.runID }

func (t *Trainer) Ladder() models.Ladder { return t.ladder }

func (t *Trainer) Phase() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.phase
}

func (t *Trainer) setPhase(p int) {
	t.mu.Lock()
	t.phase = p
	t.mu.Unlock()
	t.metrics.RecordPhase(p, t.ladder.Stage(p).String())
}

// Init loads the checkpoint, builds the snapshot history and prepares the
// broker values. Errors returned here are fatal.
func (t *Trainer) Init(ctx context.Context) error {
	const steps = 4
	t.hooks.progress(0, steps, "loading checkpoint")
	cp, err := t.store.Load(ctx)
	if err != nil && !errors.Is(err, drepo.ErrNoCheckpoint) {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	t.hooks.progress(1, steps, "loading indicator buffers")
	if err := t.builder.ResetValueBuffers(ctx); err != nil {
		return err
	}
	if cp != nil {
		if err := t.restore(cp); err != nil {
			return err
		}
		t.hooks.info(fmt.Sprintf("checkpoint restored at stage %s", t.ladder.Stage(t.Phase())))
	}

	t.hooks.progress(2, steps, "building snapshots")
	if err := t.refreshSnapshots(ctx); err != nil {
		return err
	}

	t.hooks.progress(3, steps, "reading broker values")
	if err := t.InitBrokerValues(ctx); err != nil {
		return err
	}
	for _, st := range t.cfg.Resets {
		t.applyReset(st)
	}
	t.setPhase(t.Phase())
	t.hooks.progress(steps, steps, "ready")
	t.publishStatus()
	return nil
}

// InitBrokerValues seeds the simulated accounts from the broker equity.
func (t *Trainer) InitBrokerValues(ctx context.Context) error {
	if err := t.broker.Refresh(ctx); err != nil {
		return fmt.Errorf("broker refresh: %w", err)
	}
	t.RefreshSnapEquities()
	return nil
}

func (t *Trainer) RefreshSnapEquities() {
	t.arena.SetBeginEquity(max(t.cfg.MinBeginEquity, t.broker.AccountEquity()))
}

// Run loops until ctx is cancelled or Stop is called. Only invariant
// violations end it with an error; everything else is reported and retried.
func (t *Trainer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.mu.Lock()
	t.cancel, t.done = cancel, done
	t.mu.Unlock()
	defer func() {
		cancel()
		close(done)
	}()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			t.storeOnExit()
			return nil
		}
		t.drainResets()
		phase := t.Phase()
		t.ReduceExperienceMemory(phase)

		var err error
		if phase < t.ladder.Live() {
			err = t.TrainAgents(ctx, phase)
		} else {
			err = t.MainReal(ctx)
		}
		if err != nil && ctx.Err() != nil {
			continue
		}
		if err != nil {
			if isFatal(err) {
				t.hooks.error(err)
				return err
			}
			t.metrics.RecordError("trainer")
			t.hooks.error(err)
		}
		if phase < t.ladder.Live() && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// Stop cancels Run and waits until it has returned.
func (t *Trainer) Stop() {
	t.mu.RLock()
	cancel, done := t.cancel, t.done
	t.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Trainer) storeOnExit() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := t.Store(ctx); err != nil {
		t.hooks.error(err)
	}
}

func isFatal(err error) bool {
	return errors.Is(err, features.ErrDuplicateBuffer) ||
		errors.Is(err, features.ErrMissingBuffers) ||
		errors.Is(err, regime.ErrClusterCount) ||
		errors.Is(err, ErrSnapshotMismatch)
}

func (t *Trainer) refreshSnapshots(ctx context.Context) error {
	start := time.Now()
	if _, err := t.builder.Refresh(ctx); err != nil {
		return err
	}
	if t.regime != nil {
		if err := t.regime.Refresh(t.builder.Snapshots()); err != nil {
			return err
		}
	}
	t.metrics.RecordSnapshots(t.builder.Len())
	t.metrics.RecordLatency("refresh_snapshots", time.Since(start).Seconds())
	return nil
}

// ReduceExperienceMemory drops the replay memory of every stage before phase.
func (t *Trainer) ReduceExperienceMemory(phase int) {
	if phase < t.reduced {
		t.reduced = phase
	}
	for p := t.reduced; p < phase && p < t.ladder.Live(); p++ {
		for _, a := range t.arena.Agents() {
			a.Learner(p).ClearExperience()
		}
	}
	t.reduced = max(t.reduced, phase)
}

// TrainAgents trains the untrained agents of phase in batches until they are
// all trained, a checkpoint is due or a reset moves the phase.
func (t *Trainer) TrainAgents(ctx context.Context, phase int) error {
	if err := t.refreshSnapshots(ctx); err != nil {
		return err
	}
	t.RefreshSnapEquities()
	t.RefreshExtraTimesteps(phase)
	t.RefreshAgentEpsilon(phase)
	t.RefreshLearningRate(phase)

	for p := 0; p < phase; p++ {
		if err := t.LoopAgentSignals(ctx, p); err != nil {
			return err
		}
	}
	if t.arena.AverageIter(phase) >= 1 {
		if err := t.LoopAgentSignals(ctx, phase); err != nil {
			return err
		}
	}

	snaps := t.builder.Snapshots()
	if len(snaps) < 2 {
		return errTooFewSnapshots
	}
	stage := t.ladder.Stage(phase)
	untrained := t.arena.Untrained(phase)
	for _, a := range untrained {
		a.SetTraining(true)
	}
	entryIter := t.arena.AverageIter(phase)
	started := time.Now()

	for tick := 0; ; tick++ {
		if ctx.Err() != nil {
			return nil
		}
		if tick > 0 && tick%t.cfg.CheckEvery == 0 {
			t.RefreshAgentEpsilon(phase)
			t.RefreshLearningRate(phase)
		}
		if t.arena.AverageIter(phase)-entryIter >= float64(t.cfg.BreakIntervalIters) ||
			time.Since(started) >= t.cfg.CheckpointInterval {
			return t.Store(ctx)
		}

		untrained = slices.DeleteFunc(untrained, func(a *agent.Agent) bool { return a.IsTrained(phase) })
		if len(untrained) == 0 {
			t.setPhase(phase + 1)
			t.hooks.info(fmt.Sprintf("stage %s trained, moving to %s", stage, t.ladder.Stage(phase+1)))
			return t.Store(ctx)
		}

		for _, a := range untrained {
			t.pool.Submit(func(context.Context) error {
				t.trainBatch(a, phase, snaps)
				return nil
			})
		}
		if err := t.pool.Finish(); err != nil {
			return err
		}
		if t.drainResets() && t.Phase() <= phase {
			return t.Store(ctx)
		}
		t.publishStatus()
	}
}

func (t *Trainer) trainBatch(a *agent.Agent, phase int, snaps []*models.Snapshot) {
	st := a.State(phase)
	if st.Cursor <= 0 || st.Cursor >= len(snaps) {
		a.ResetEpoch(phase)
	}
	target := st.Iter + t.cfg.BatchSteps
	for st.Iter < target {
		if !a.Main(phase, snaps) {
			a.EndEpoch(phase)
		}
	}
}

// LoopAgentSignals replays phase over the whole history without training so
// later stages see its outputs. Agents of one stage never read each other's
// outputs of that stage, so each agent runs to the end in its own task.
func (t *Trainer) LoopAgentSignals(ctx context.Context, phase int) error {
	snaps := t.builder.Snapshots()
	for _, a := range t.arena.Agents() {
		a.SetTraining(false)
		a.ResetEpoch(phase)
		t.pool.Submit(func(context.Context) error {
			return replay(ctx, a, phase, snaps)
		})
	}
	return t.pool.Finish()
}

// LoopAgentSignalsAll runs every stage over the history. From the beginning
// it replays everything; otherwise agents continue from their cursors.
func (t *Trainer) LoopAgentSignalsAll(ctx context.Context, fromBegin bool) error {
	snaps := t.builder.Snapshots()
	for p := 0; p < t.ladder.Live(); p++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if fromBegin {
			if err := t.LoopAgentSignals(ctx, p); err != nil {
				return err
			}
			continue
		}
		for _, a := range t.arena.Agents() {
			a.SetTraining(false)
			if a.State(p).Cursor >= len(snaps) {
				continue
			}
			t.pool.Submit(func(context.Context) error {
				return replay(ctx, a, p, snaps)
			})
		}
		if err := t.pool.Finish(); err != nil {
			return err
		}
	}
	return nil
}

// RequestReset queues a cascading reset of stage and everything after it.
func (t *Trainer) RequestReset(stage models.Stage) error {
	select {
	case t.resets <- stage:
		return nil
	default:
		return ErrResetQueueFull
	}
}

// drainResets applies queued resets and reports whether any was applied.
func (t *Trainer) drainResets() bool {
	applied := false
	for {
		select {
		case st := <-t.resets:
			t.applyReset(st)
			applied = true
		default:
			return applied
		}
	}
}

func (t *Trainer) applyReset(stage models.Stage) {
	from := t.ladder.Phase(stage)
	if from >= t.ladder.Live() {
		return
	}
	for p := from; p < t.ladder.Live(); p++ {
		for _, a := range t.arena.Agents() {
			a.Reset(p)
		}
	}
	if from < t.Phase() {
		t.setPhase(from)
		t.live.entered = false
	}
	t.reduced = min(t.reduced, from)
	t.hooks.info(fmt.Sprintf("stage %s reset", stage))
	t.publishStatus()
}

// replay steps a over snaps until its cursor reaches the end or ctx is done.
func replay(ctx context.Context, a *agent.Agent, phase int, snaps []*models.Snapshot) error {
	for a.Main(phase, snaps) {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}
