package agent

import (
	"fmt"
	"math"
	"slices"

	"FinAgent/internal/domain/models"
	"FinAgent/internal/domain/repository"
)

// StageState is the progress of one agent in one stage.
type StageState struct {
	Cursor         int
	Iter           int
	DeepIter       int
	LastDrawdown   float64
	Drawdowns      []float64
	ExtraTimesteps int

	learner    repository.Learner
	generation int64
	account    simAccount
	prevCursor int
	prevPos    float64
	prevTrade  float64
	prevUnit   float64
	hasPrev    bool
}

// Agent is the decision maker for one (group, symbol) slot. It owns one
// learner per stage and only ever writes its own output slot.
type Agent struct {
	Group  int
	Sym    int
	Symbol string

	layout   *models.Layout
	specs    []StageSpec
	stages   []*StageState
	cost     float64
	factory  LearnerFactory
	seed     int64
	scale    float64
	keep     int
	buf      []float64
	training bool
}

func (a *Agent) Spec(phase int) StageSpec             { return a.specs[phase] }
func (a *Agent) State(phase int) *StageState          { return a.stages[phase] }
func (a *Agent) Learner(phase int) repository.Learner { return a.stages[phase].learner }
func (a *Agent) SetTraining(on bool)                  { a.training = on }
func (a *Agent) Training() bool                       { return a.training }

func (a *Agent) learnerSeed(phase int, gen int64) int64 {
	return a.seed*1_000_003 + int64(a.Group)*10_007 + int64(a.Sym)*101 + int64(phase) + gen*7_919
}

// Create replaces the learner of a stage and resets its deep iteration count.
func (a *Agent) Create(phase int) {
	st := a.stages[phase]
	st.generation++
	st.learner = a.factory(a.specs[phase], a.learnerSeed(phase, st.generation))
	st.DeepIter = 0
	st.Drawdowns = nil
	st.hasPrev = false
}

// Reset clears all progress of a stage.
func (a *Agent) Reset(phase int) {
	st := a.stages[phase]
	st.learner = a.factory(a.specs[phase], a.learnerSeed(phase, 0))
	st.generation = 0
	st.Cursor, st.Iter, st.DeepIter, st.ExtraTimesteps = 0, 0, 0, 0
	st.LastDrawdown = 0
	st.Drawdowns = nil
	st.account.reset()
	st.hasPrev = false
}

// ResetEpoch rewinds the stage to the start of the snapshot sequence.
func (a *Agent) ResetEpoch(phase int) {
	st := a.stages[phase]
	st.Cursor = 1
	st.account.reset()
	st.hasPrev = false
}

// EndEpoch records the drawdown of the finished epoch and rewinds.
func (a *Agent) EndEpoch(phase int) {
	st := a.stages[phase]
	st.LastDrawdown = st.account.drawdown()
	st.Drawdowns = append(st.Drawdowns, st.LastDrawdown)
	if len(st.Drawdowns) > a.keep {
		st.Drawdowns = slices.Delete(st.Drawdowns, 0, len(st.Drawdowns)-a.keep)
	}
	a.ResetEpoch(phase)
}

// MinDrawdown is the smallest recorded epoch drawdown, or 0 when none.
func (a *Agent) MinDrawdown(phase int) float64 {
	d := a.stages[phase].Drawdowns
	if len(d) == 0 {
		return 0
	}
	return slices.Min(d)
}

func (a *Agent) IsTrained(phase int) bool {
	return a.stages[phase].Iter >= a.specs[phase].IterLimit
}

// SetBeginEquity applies from the next epoch on.
func (a *Agent) SetBeginEquity(v float64) {
	for _, st := range a.stages {
		st.account.begin = v
	}
}

// Main performs one step of a stage at its cursor: pays the reward of the
// previous action when training, acts, writes the output over the covered
// snapshots and advances. It returns false once the cursor is past the end.
func (a *Agent) Main(phase int, snaps []*models.Snapshot) bool {
	st := a.stages[phase]
	spec := a.specs[phase]
	c := st.Cursor
	if c < 1 {
		c = 1
	}
	if c >= len(snaps) {
		return false
	}
	snap := snaps[c]

	if st.hasPrev {
		ret := 0.0
		if prev := snaps[st.prevCursor].Open(a.Sym); prev > 0 {
			ret = snap.Open(a.Sym)/prev - 1
		}
		pnl := spec.Reward(st.prevPos, st.prevTrade, ret, st.prevUnit)
		st.account.apply(pnl)
		if a.training {
			st.learner.Learn(pnl * a.scale)
		}
	}

	action := st.learner.Act(a.input(spec, snap))
	out := spec.Output(action)
	step := 1
	if spec.Extendable {
		step += st.ExtraTimesteps
	}
	end := min(c+step, len(snaps))
	for i := c; i < end; i++ {
		snaps[i].SetOutput(a.Group, a.Sym, phase, out)
	}

	pos := spec.Position(out, snap, a.Group, a.Sym, a.layout.Filters)
	held := 0.0
	if st.hasPrev {
		held = st.prevPos
	}
	st.prevTrade = math.Abs(pos - held)
	st.prevUnit = 0
	if open := snap.Open(a.Sym); open > 0 {
		st.prevUnit = a.cost / open
	}
	st.prevPos, st.prevCursor, st.hasPrev = pos, c, true
	st.Cursor = end
	if a.training {
		st.Iter++
		st.DeepIter++
	}
	return true
}

func appendEncoded(x []float64, v float64) []float64 {
	pos, neg := models.EncodeSensor(math.Max(-1, math.Min(1, v)))
	return append(x, pos, neg)
}

func (a *Agent) appendRegime(x []float64, snap *models.Snapshot) []float64 {
	k := a.Group
	if k >= a.layout.Groups {
		return append(x, 0, 0, 0)
	}
	pred, target := 0.0, 0.0
	if snap.ResultClusterPredicted(a.Sym, k) {
		pred = 1
	}
	if snap.ResultClusterTarget(a.Sym, k) {
		target = 1
	}
	change, _ := snap.PredictedChange(a.Sym, k)
	return append(x, pred, target, math.Tanh(change*100))
}

func (a *Agent) ampScale() float64 {
	return float64(a.specs[a.layout.Filters+1].Actions - 1)
}

func (a *Agent) input(spec StageSpec, snap *models.Snapshot) []float64 {
	x := a.buf[:0]
	x = append(x, snap.YearSensor, snap.WeekSensor, snap.DaySensor)
	sensors := snap.Sensors(a.Sym)
	signal := a.layout.Filters
	switch spec.Stage.Kind {
	case models.StageFilter:
		b := spec.Stage.Level % a.layout.Buffers
		x = append(x, sensors[2*b], sensors[2*b+1])
		for lvl := 0; lvl < spec.Stage.Level; lvl++ {
			x = appendEncoded(x, float64(snap.Output(a.Group, a.Sym, lvl)))
		}
	case models.StageSignal:
		x = append(x, sensors...)
		for lvl := 0; lvl < a.layout.Filters; lvl++ {
			x = appendEncoded(x, float64(snap.Output(a.Group, a.Sym, lvl)))
		}
		x = a.appendRegime(x, snap)
	case models.StageAmp:
		x = append(x, sensors...)
		x = appendEncoded(x, float64(snap.Output(a.Group, a.Sym, signal)))
		x = a.appendRegime(x, snap)
	case models.StageFuse:
		for s := 0; s < a.layout.Symbols; s++ {
			x = appendEncoded(x, float64(snap.Output(a.Group, s, signal)))
			x = appendEncoded(x, float64(snap.Output(a.Group, s, signal+1))/a.ampScale())
		}
		x = a.appendRegime(x, snap)
	}
	a.buf = x
	return x
}

// Progress exports the persisted state of every stage.
func (a *Agent) Progress() (models.AgentState, error) {
	out := models.AgentState{Group: a.Group, Symbol: a.Symbol}
	for phase, st := range a.stages {
		b, err := st.learner.MarshalBinary()
		if err != nil {
			return out, fmt.Errorf("agent %d/%s stage %s: %w", a.Group, a.Symbol, a.specs[phase].Stage, err)
		}
		out.Stages = append(out.Stages, models.StageProgress{
			Iter:           st.Iter,
			DeepIter:       st.DeepIter,
			LastDrawdown:   st.LastDrawdown,
			Drawdowns:      slices.Clone(st.Drawdowns),
			ExtraTimesteps: st.ExtraTimesteps,
			Learner:        b,
		})
	}
	return out, nil
}

// Restore loads state produced by Progress.
func (a *Agent) Restore(s models.AgentState) error {
	if len(s.Stages) != len(a.stages) {
		return fmt.Errorf("agent %d/%s: %d stored stages, want %d", a.Group, a.Symbol, len(s.Stages), len(a.stages))
	}
	for phase, p := range s.Stages {
		st := a.stages[phase]
		if len(p.Learner) > 0 {
			if err := st.learner.UnmarshalBinary(p.Learner); err != nil {
				return fmt.Errorf("agent %d/%s stage %s: %w", a.Group, a.Symbol, a.specs[phase].Stage, err)
			}
		}
		st.Iter = p.Iter
		st.DeepIter = p.DeepIter
		st.LastDrawdown = p.LastDrawdown
		st.Drawdowns = slices.Clone(p.Drawdowns)
		st.ExtraTimesteps = p.ExtraTimesteps
		st.Cursor = 0
		st.hasPrev = false
	}
	return nil
}
