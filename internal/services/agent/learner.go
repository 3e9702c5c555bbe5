package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"FinAgent/internal/domain/repository"
)

// LearnerFactory creates the learner for one agent stage.
type LearnerFactory func(spec StageSpec, seed int64) repository.Learner

// NewQLearnerFactory returns a factory of linear Q-learners.
func NewQLearnerFactory(discount float64, experience int) LearnerFactory {
	return func(spec StageSpec, seed int64) repository.Learner {
		return NewQLearner(spec.Inputs, spec.Actions, discount, experience, seed)
	}
}

type transition struct {
	input  []float64
	action int
	reward float64
	next   []float64
}

// QLearner is a linear action-value learner. The reward for an action is
// delivered by Learn and applied on the next Act, when the following state
// is known.
type QLearner struct {
	inputs   int
	actions  int
	weights  [][]float64 // [action][input+bias]
	eps      float64
	lr       float64
	discount float64
	rng      *rand.Rand

	memory []transition
	memCap int
	memPos int

	last      []float64
	lastAct   int
	hasLast   bool
	reward    float64
	hasReward bool
}

func NewQLearner(inputs, actions int, discount float64, experience int, seed int64) *QLearner {
	q := &QLearner{
		inputs:   inputs,
		actions:  actions,
		discount: discount,
		memCap:   experience,
		rng:      rand.New(rand.NewSource(seed)),
		lr:       0.01,
	}
	q.weights = make([][]float64, actions)
	for a := range q.weights {
		q.weights[a] = make([]float64, inputs+1)
	}
	return q
}

func (q *QLearner) value(x []float64, a int) float64 {
	w := q.weights[a]
	v := w[q.inputs]
	for i := 0; i < q.inputs && i < len(x); i++ {
		v += w[i] * x[i]
	}
	return v
}

func (q *QLearner) best(x []float64) (int, float64) {
	best, bestV := 0, q.value(x, 0)
	for a := 1; a < q.actions; a++ {
		if v := q.value(x, a); v > bestV {
			best, bestV = a, v
		}
	}
	return best, bestV
}

func (q *QLearner) update(t transition) {
	_, next := q.best(t.next)
	td := t.reward + q.discount*next - q.value(t.input, t.action)
	td = math.Max(-1, math.Min(1, td))
	w := q.weights[t.action]
	for i := 0; i < q.inputs && i < len(t.input); i++ {
		w[i] += q.lr * td * t.input[i]
	}
	w[q.inputs] += q.lr * td
}

func (q *QLearner) remember(t transition) {
	if q.memCap <= 0 {
		return
	}
	if len(q.memory) < q.memCap {
		q.memory = append(q.memory, t)
		return
	}
	q.memory[q.memPos] = t
	q.memPos = (q.memPos + 1) % q.memCap
}

func (q *QLearner) Act(input []float64) int {
	x := append([]float64(nil), input...)
	if q.hasLast && q.hasReward {
		t := transition{input: q.last, action: q.lastAct, reward: q.reward, next: x}
		q.update(t)
		q.remember(t)
		if n := len(q.memory); n > 1 {
			q.update(q.memory[q.rng.Intn(n)])
		}
	}

	a, _ := q.best(x)
	if q.rng.Float64() < q.eps {
		a = q.rng.Intn(q.actions)
	}
	q.last, q.lastAct, q.hasLast = x, a, true
	q.hasReward = false
	return a
}

func (q *QLearner) Learn(reward float64) {
	q.reward = reward
	q.hasReward = true
}

func (q *QLearner) SetEpsilon(eps float64)     { q.eps = eps }
func (q *QLearner) SetLearningRate(lr float64) { q.lr = lr }

func (q *QLearner) ClearExperience() {
	q.memory = nil
	q.memPos = 0
	q.hasLast = false
	q.hasReward = false
}

type qLearnerState struct {
	Inputs  int         `json:"inputs"`
	Actions int         `json:"actions"`
	Weights [][]float64 `json:"weights"`
	Epsilon float64     `json:"epsilon"`
	Rate    float64     `json:"rate"`
}

func (q *QLearner) MarshalBinary() ([]byte, error) {
	return json.Marshal(qLearnerState{
		Inputs:  q.inputs,
		Actions: q.actions,
		Weights: q.weights,
		Epsilon: q.eps,
		Rate:    q.lr,
	})
}

func (q *QLearner) UnmarshalBinary(b []byte) error {
	var st qLearnerState
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("decode learner: %w", err)
	}
	if st.Inputs != q.inputs || st.Actions != q.actions || len(st.Weights) != q.actions {
		return fmt.Errorf("learner shape %dx%d, want %dx%d", st.Actions, st.Inputs, q.actions, q.inputs)
	}
	for _, w := range st.Weights {
		if len(w) != q.inputs+1 {
			return fmt.Errorf("learner weights have %d entries, want %d", len(w), q.inputs+1)
		}
	}
	q.weights = st.Weights
	q.eps = st.Epsilon
	q.lr = st.Rate
	q.ClearExperience()
	return nil
}
