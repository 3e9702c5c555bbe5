package usecase

import (
	"fmt"

	"FinAgent/pkg/logger"
)

// RefreshExtraTimesteps lets agents that keep losing restart with a coarser
// step. The step grows with the average deep iterations of the stage.
func (t *Trainer) RefreshExtraTimesteps(phase int) {
	spec := t.arena.Spec(phase)
	if !spec.Extendable {
		return
	}
	brk := float64(t.cfg.BreakIntervalIters)
	steps := int((t.arena.AverageDeepIter(phase) + brk*0.5) / brk)
	if steps >= t.cfg.MaxExtraTimesteps {
		return
	}
	for _, a := range t.arena.Agents() {
		if len(a.State(phase).Drawdowns) == 0 || a.MinDrawdown(phase) < t.cfg.RecreateDrawdown {
			continue
		}
		a.Create(phase)
		a.State(phase).ExtraTimesteps = steps
		t.log.Info("agent recreated",
			logger.String("stage", spec.Stage.String()),
			logger.Int("group", a.Group),
			logger.String("symbol", a.Symbol),
			logger.Int("extra_timesteps", steps))
	}
}

func (t *Trainer) RefreshAgentEpsilon(phase int) {
	spec := t.arena.Spec(phase)
	sum := 0.0
	for _, a := range t.arena.Agents() {
		eps := spec.Epsilon(a.State(phase).Iter)
		a.Learner(phase).SetEpsilon(eps)
		sum += eps
	}
	t.reportStage(phase, sum)
}

func (t *Trainer) RefreshLearningRate(phase int) {
	spec := t.arena.Spec(phase)
	for _, a := range t.arena.Agents() {
		a.Learner(phase).SetLearningRate(spec.LearningRate(a.State(phase).Iter, t.cfg.MinLearningRate, t.cfg.MaxLearningRate))
	}
}

func (t *Trainer) reportStage(phase int, epsSum float64) {
	n := float64(t.arena.Len())
	if n == 0 {
		return
	}
	spec := t.arena.Spec(phase)
	avg := t.arena.AverageIter(phase)
	lr := spec.LearningRate(int(avg), t.cfg.MinLearningRate, t.cfg.MaxLearningRate)
	t.metrics.RecordStageProgress(spec.Stage.String(), avg, epsSum/n, lr)
	t.log.Debug(fmt.Sprintf("stage %s progress", spec.Stage),
		logger.Float64("avg_iter", avg),
		logger.Int("limit", spec.IterLimit),
		logger.Float64("epsilon", epsSum/n))
}
