package agent

import (
	"fmt"

	"FinAgent/internal/domain/models"
)

type Symbol struct {
	Name string
	// Cost is the spread in price units.
	Cost float64
}

type Settings struct {
	Iterations    Limits
	EpsilonSteps  Limits
	AmpLevels     int
	Symbols       []Symbol
	Seed          int64
	RewardScale   float64
	BeginEquity   float64
	KeepDrawdowns int
	Factory       LearnerFactory
}

// Arena owns every agent, indexed by (group, symbol).
type Arena struct {
	layout *models.Layout
	ladder models.Ladder
	specs  []StageSpec
	agents []*Agent
}

func NewArena(layout *models.Layout, s Settings) (*Arena, error) {
	if len(s.Symbols) != layout.Symbols {
		return nil, fmt.Errorf("arena: %d symbols for a layout of %d", len(s.Symbols), layout.Symbols)
	}
	if s.Factory == nil {
		return nil, fmt.Errorf("arena: no learner factory")
	}
	if s.AmpLevels < 2 {
		s.AmpLevels = 3
	}
	if s.RewardScale <= 0 {
		s.RewardScale = 10000
	}
	if s.BeginEquity <= 0 {
		s.BeginEquity = 10000
	}
	if s.KeepDrawdowns <= 0 {
		s.KeepDrawdowns = 10
	}

	ar := &Arena{
		layout: layout,
		ladder: models.NewLadder(layout.Filters),
		specs:  BuildSpecs(layout, s.Iterations, s.EpsilonSteps, s.AmpLevels),
	}
	for g := 0; g < layout.Groups; g++ {
		for sym, info := range s.Symbols {
			a := &Agent{
				Group:   g,
				Sym:     sym,
				Symbol:  info.Name,
				layout:  layout,
				specs:   ar.specs,
				cost:    info.Cost,
				factory: s.Factory,
				seed:    s.Seed,
				scale:   s.RewardScale,
				keep:    s.KeepDrawdowns,
			}
			for range ar.specs {
				a.stages = append(a.stages, &StageState{account: newSimAccount(s.BeginEquity)})
			}
			for phase := range ar.specs {
				a.Reset(phase)
			}
			ar.agents = append(ar.agents, a)
		}
	}
	return ar, nil
}

func (ar *Arena) Layout() *models.Layout   { return ar.layout }
func (ar *Arena) Ladder() models.Ladder    { return ar.ladder }
func (ar *Arena) Specs() []StageSpec       { return ar.specs }
func (ar *Arena) Spec(phase int) StageSpec { return ar.specs[phase] }

func (ar *Arena) At(group, sym int) *Agent {
	return ar.agents[group*ar.layout.Symbols+sym]
}

// Agents returns all agents in (group, symbol) order.
func (ar *Arena) Agents() []*Agent { return ar.agents }

func (ar *Arena) Len() int { return len(ar.agents) }

func (ar *Arena) SetTraining(on bool) {
	for _, a := range ar.agents {
		a.SetTraining(on)
	}
}

func (ar *Arena) SetBeginEquity(v float64) {
	for _, a := range ar.agents {
		a.SetBeginEquity(v)
	}
}

// Untrained returns the agents still below the iteration limit of phase.
func (ar *Arena) Untrained(phase int) []*Agent {
	var out []*Agent
	for _, a := range ar.agents {
		if !a.IsTrained(phase) {
			out = append(out, a)
		}
	}
	return out
}

// AverageIter is the mean training iteration of phase across agents.
func (ar *Arena) AverageIter(phase int) float64 {
	if len(ar.agents) == 0 {
		return 0
	}
	total := 0
	for _, a := range ar.agents {
		total += a.stages[phase].Iter
	}
	return float64(total) / float64(len(ar.agents))
}

func (ar *Arena) AverageDeepIter(phase int) float64 {
	if len(ar.agents) == 0 {
		return 0
	}
	total := 0
	for _, a := range ar.agents {
		total += a.stages[phase].DeepIter
	}
	return float64(total) / float64(len(ar.agents))
}

// Progress exports every agent in arena order.
func (ar *Arena) Progress() ([]models.AgentState, error) {
	out := make([]models.AgentState, 0, len(ar.agents))
	for _, a := range ar.agents {
		st, err := a.Progress()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (ar *Arena) Restore(states []models.AgentState) error {
	if len(states) != len(ar.agents) {
		return fmt.Errorf("arena: %d stored agents, want %d", len(states), len(ar.agents))
	}
	for i, st := range states {
		a := ar.agents[i]
		if st.Group != a.Group || st.Symbol != a.Symbol {
			return fmt.Errorf("arena: stored agent %d is %d/%s, want %d/%s", i, st.Group, st.Symbol, a.Group, a.Symbol)
		}
		if err := a.Restore(st); err != nil {
			return err
		}
	}
	return nil
}
