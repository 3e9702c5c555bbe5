package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FinAgent/internal/domain/models"
)

func TestSummarizeAveragesIterationsPerStage(t *testing.T) {
	cp := &models.Checkpoint{
		Phase:   2,
		Filters: 1,
		Saved:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Agents: []models.AgentState{
			{Group: 0, Symbol: "EURUSD", Stages: []models.StageProgress{{Iter: 10}, {Iter: 4}, {Iter: 1}, {}}},
			{Group: 1, Symbol: "EURUSD", Stages: []models.StageProgress{{Iter: 20}, {Iter: 6}, {Iter: 0}, {}}},
		},
	}

	sum := summarize(cp)
	assert.Equal(t, "amp", sum.Stage)
	require.Len(t, sum.Stages, 4)
	assert.Equal(t, "filter0", sum.Stages[0].Stage)
	assert.InDelta(t, 15.0, sum.Stages[0].AvgIter, 1e-9)
	assert.InDelta(t, 5.0, sum.Stages[1].AvgIter, 1e-9)
	assert.InDelta(t, 0.5, sum.Stages[2].AvgIter, 1e-9)
	assert.Equal(t, 2, sum.Stages[3].Agents)

	var buf bytes.Buffer
	require.NoError(t, printSummary(&buf, sum))
	assert.Contains(t, buf.String(), "phase 2 (amp), 2 agents")
	assert.Contains(t, buf.String(), "signal")
}
