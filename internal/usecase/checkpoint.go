package usecase

import (
	"context"
	"fmt"
	"slices"
	"time"

	"FinAgent/internal/domain/models"
	"FinAgent/pkg/logger"
)

// Store writes the orchestrator state. Called between barriers only.
func (t *Trainer) Store(ctx context.Context) error {
	start := time.Now()
	agents, err := t.arena.Progress()
	if err != nil {
		return err
	}
	cp := &models.Checkpoint{
		Version:   models.CheckpointVersion,
		Created:   t.created,
		Saved:     time.Now().UTC(),
		Phase:     t.Phase(),
		Filters:   t.arena.Layout().Filters,
		Groups:    t.arena.Layout().Groups,
		Agents:    agents,
		DataBegin: t.builder.DataBegin(),
	}
	for _, d := range t.builder.Declarations() {
		cp.Indicators = append(cp.Indicators, models.IndicatorDecl{Factory: d.Factory, Args: slices.Clone(d.Args)})
	}
	if t.regime != nil {
		raw, err := t.regime.MarshalState()
		if err != nil {
			return fmt.Errorf("regime state: %w", err)
		}
		cp.Regime = raw
	}
	if err := t.store.Save(ctx, cp); err != nil {
		t.metrics.RecordError("checkpoint")
		return fmt.Errorf("store checkpoint: %w", err)
	}
	t.metrics.RecordLatency("checkpoint", time.Since(start).Seconds())
	t.log.Info("checkpoint stored", logger.Int("phase", cp.Phase), logger.Int("agents", len(agents)))
	return nil
}

func (t *Trainer) restore(cp *models.Checkpoint) error {
	if cp.Version != models.CheckpointVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrSnapshotMismatch, cp.Version, models.CheckpointVersion)
	}
	layout := t.arena.Layout()
	if cp.Filters != layout.Filters || cp.Groups != layout.Groups {
		return fmt.Errorf("%w: %d filters x %d groups stored, configured %d x %d",
			ErrSnapshotMismatch, cp.Filters, cp.Groups, layout.Filters, layout.Groups)
	}
	decls := t.builder.Declarations()
	if len(cp.Indicators) != len(decls) {
		return fmt.Errorf("%w: %d indicators stored, configured %d", ErrSnapshotMismatch, len(cp.Indicators), len(decls))
	}
	for i, d := range decls {
		if cp.Indicators[i].Factory != d.Factory || !slices.Equal(cp.Indicators[i].Args, d.Args) {
			return fmt.Errorf("%w: indicator %d is %s%v, configured %s", ErrSnapshotMismatch, i, cp.Indicators[i].Factory, cp.Indicators[i].Args, d)
		}
	}
	if err := t.arena.Restore(cp.Agents); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotMismatch, err)
	}
	if cp.DataBegin < 0 {
		return fmt.Errorf("%w: data begin %d", ErrSnapshotMismatch, cp.DataBegin)
	}
	if t.regime != nil && len(cp.Regime) > 0 {
		if err := t.regime.RestoreState(cp.Regime); err != nil {
			return err
		}
		// Snapshot indices count from the data begin, which slides with the window.
		if offset := cp.DataBegin - t.builder.DataBegin(); offset != 0 {
			t.regime.Rebase(offset)
			t.log.Info("regime statistics rebased",
				logger.Int("stored_begin", cp.DataBegin),
				logger.Int("data_begin", t.builder.DataBegin()))
		}
	}
	if !cp.Created.IsZero() {
		t.created = cp.Created
	}
	t.mu.Lock()
	t.phase = min(max(cp.Phase, 0), t.ladder.Live())
	t.mu.Unlock()
	return nil
}
