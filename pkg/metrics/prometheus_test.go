package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderExportsTrainingState(t *testing.T) {
	r := NewWithRegisterer(prometheus.NewRegistry())
	r.RecordPhase(3, "amp")
	r.RecordStageProgress("amp", 1500, 0.05, 0.004)
	r.RecordSignal("EURUSD", -1)
	r.RecordError("checkpoint")
	r.RecordError("checkpoint")
	r.RecordSnapshots(120)

	assert.Equal(t, 3.0, testutil.ToFloat64(r.phase))
	assert.Equal(t, 1500.0, testutil.ToFloat64(r.stageIter.WithLabelValues("amp")))
	assert.Equal(t, 0.05, testutil.ToFloat64(r.epsilon.WithLabelValues("amp")))
	assert.Equal(t, -1.0, testutil.ToFloat64(r.signal.WithLabelValues("EURUSD")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.errorsTotal.WithLabelValues("checkpoint")))
	assert.Equal(t, 120.0, testutil.ToFloat64(r.snapshots))
}
