package usecase

import (
	"time"

	"FinAgent/internal/domain/models"
	"FinAgent/internal/services/regime"
)

type StageStatus struct {
	Stage     string  `json:"stage"`
	AvgIter   float64 `json:"avg_iter"`
	Limit     int     `json:"limit"`
	Trained   int     `json:"trained"`
	Agents    int     `json:"agents"`
	Drawdown  float64 `json:"avg_last_drawdown"`
	ExtraStep float64 `json:"avg_extra_timesteps"`
}

// Status is a point-in-time view of the trainer, rebuilt at barriers.
type Status struct {
	RunID     string               `json:"run_id"`
	Phase     int                  `json:"phase"`
	Stage     string               `json:"stage"`
	Snapshots int                  `json:"snapshots"`
	DataBegin int                  `json:"data_begin"`
	Stages    []StageStatus        `json:"stages"`
	Regime    *regime.Summary      `json:"regime,omitempty"`
	Signals   []models.SignalEvent `json:"signals,omitempty"`
	Updated   time.Time            `json:"updated"`
}

// Status is safe to call from any goroutine.
func (t *Trainer) Status() Status {
	if s := t.status.Load(); s != nil {
		return *s
	}
	return Status{RunID: t.runID}
}

// Signals returns the last committed live signals.
func (t *Trainer) Signals() []models.SignalEvent {
	return t.Status().Signals
}

func (t *Trainer) publishStatus() {
	phase := t.Phase()
	s := &Status{
		RunID:     t.runID,
		Phase:     phase,
		Stage:     t.ladder.Stage(phase).String(),
		Snapshots: t.builder.Len(),
		DataBegin: t.builder.DataBegin(),
		Updated:   time.Now().UTC(),
	}
	n := t.arena.Len()
	for _, spec := range t.arena.Specs() {
		ss := StageStatus{
			Stage:   spec.Stage.String(),
			AvgIter: t.arena.AverageIter(spec.Phase),
			Limit:   spec.IterLimit,
			Agents:  n,
		}
		for _, a := range t.arena.Agents() {
			st := a.State(spec.Phase)
			if a.IsTrained(spec.Phase) {
				ss.Trained++
			}
			ss.Drawdown += st.LastDrawdown
			ss.ExtraStep += float64(st.ExtraTimesteps)
		}
		if n > 0 {
			ss.Drawdown /= float64(n)
			ss.ExtraStep /= float64(n)
		}
		s.Stages = append(s.Stages, ss)
	}
	if t.regime != nil {
		sum := t.regime.Summary()
		s.Regime = &sum
	}
	if prev := t.status.Load(); prev != nil {
		s.Signals = prev.Signals
	}
	t.status.Store(s)
}

func (t *Trainer) publishSignals(events []models.SignalEvent) {
	s := t.Status()
	s.Signals = events
	s.Updated = time.Now().UTC()
	t.status.Store(&s)
}
