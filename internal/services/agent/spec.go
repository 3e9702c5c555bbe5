package agent

import (
	"math"

	"FinAgent/internal/domain/models"
)

// StageSpec carries the per-stage parameters that used to be spread over
// phase switches: limits, schedules, action space and input width.
type StageSpec struct {
	Stage     models.Stage
	Phase     int
	IterLimit int
	EpsStep   int
	Actions   int
	Inputs    int
	// Extendable stages may act on several snapshots at once.
	Extendable bool
}

type Limits struct {
	Filter int
	Signal int
	Amp    int
	Fuse   int
}

func (l Limits) For(k models.StageKind) int {
	switch k {
	case models.StageFilter:
		return l.Filter
	case models.StageSignal:
		return l.Signal
	case models.StageAmp:
		return l.Amp
	case models.StageFuse:
		return l.Fuse
	}
	return 0
}

const (
	timeInputs   = 3
	regimeInputs = 3
)

// BuildSpecs returns one spec per trainable phase.
func BuildSpecs(layout *models.Layout, iters, epsSteps Limits, ampLevels int) []StageSpec {
	ladder := models.NewLadder(layout.Filters)
	base := timeInputs + layout.SensorSize()
	specs := make([]StageSpec, 0, ladder.Live())
	for _, st := range ladder.Training() {
		spec := StageSpec{
			Stage:     st,
			Phase:     ladder.Phase(st),
			IterLimit: iters.For(st.Kind),
			EpsStep:   max(1, epsSteps.For(st.Kind)),
		}
		switch st.Kind {
		case models.StageFilter:
			spec.Actions = 2
			spec.Inputs = timeInputs + 2 + 2*st.Level
		case models.StageSignal:
			spec.Actions = 3
			spec.Inputs = base + 2*layout.Filters + regimeInputs
			spec.Extendable = true
		case models.StageAmp:
			spec.Actions = max(2, ampLevels)
			spec.Inputs = base + 2 + regimeInputs
			spec.Extendable = true
		case models.StageFuse:
			spec.Actions = 3
			spec.Inputs = timeInputs + 4*layout.Symbols + regimeInputs
		}
		specs = append(specs, spec)
	}
	return specs
}

// Output maps a learner action to the annotation stored in the snapshot.
func (s StageSpec) Output(action int) int {
	switch s.Stage.Kind {
	case models.StageSignal, models.StageFuse:
		return signalOf(action)
	}
	return action
}

func signalOf(action int) int {
	switch action {
	case 1:
		return 1
	case 2:
		return -1
	}
	return 0
}

// Position is the exposure implied by out for agent (group, sym) at snap.
// Filters report the gate itself; amplitude scales the agent's own signal.
func (s StageSpec) Position(out int, snap *models.Snapshot, group, sym int, signalPhase int) float64 {
	switch s.Stage.Kind {
	case models.StageFilter:
		return float64(out)
	case models.StageAmp:
		sig := snap.Output(group, sym, signalPhase)
		return float64(sig*out) / float64(s.Actions-1)
	}
	return float64(out)
}

// Reward is the return earned by holding pos over ret, minus the spread paid
// on the traded amount. A filter is rewarded for opening its gate on moves
// larger than the spread.
func (s StageSpec) Reward(pos, traded, ret, unitCost float64) float64 {
	if s.Stage.Kind == models.StageFilter {
		return pos * (math.Abs(ret) - unitCost)
	}
	return pos*ret - traded*unitCost
}

// Epsilon is the exploration rate after iter training steps.
func (s StageSpec) Epsilon(iter int) float64 {
	switch iter / s.EpsStep {
	case 0:
		return 0.20
	case 1:
		return 0.05
	case 2:
		return 0.02
	}
	return 0.01
}

// LearningRate decays linearly from max to min over the iteration limit.
func (s StageSpec) LearningRate(iter int, minRate, maxRate float64) float64 {
	if s.IterLimit <= 0 {
		return minRate
	}
	f := 1 - float64(iter)/float64(s.IterLimit)
	if f < 0 {
		f = 0
	}
	return f*(maxRate-minRate) + minRate
}
