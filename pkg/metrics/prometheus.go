package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	messagesSent *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	phase        prometheus.Gauge
	stageIter    *prometheus.GaugeVec
	epsilon      *prometheus.GaugeVec
	learningRate *prometheus.GaugeVec
	signal       *prometheus.GaugeVec
	snapshots    prometheus.Gauge
}

// New registers the recorder on the default registry.
func New() *Recorder { return NewWithRegisterer(prometheus.DefaultRegisterer) }

func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		messagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finagent_messages_sent_total",
				Help: "Total number of messages sent to backend",
			},
			[]string{"backend", "symbol"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "finagent_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "finagent_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		phase: f.NewGauge(prometheus.GaugeOpts{
			Name: "finagent_training_phase",
			Help: "Current curriculum phase",
		}),
		stageIter: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "finagent_stage_avg_iterations",
				Help: "Average iterations of the agents of a stage",
			},
			[]string{"stage"},
		),
		epsilon: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "finagent_stage_epsilon",
				Help: "Average exploration rate of a stage",
			},
			[]string{"stage"},
		),
		learningRate: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "finagent_stage_learning_rate",
				Help: "Learning rate at the average iteration of a stage",
			},
			[]string{"stage"},
		),
		signal: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "finagent_live_signal",
				Help: "Last committed signal per symbol (-1, 0, 1)",
			},
			[]string{"symbol"},
		),
		snapshots: f.NewGauge(prometheus.GaugeOpts{
			Name: "finagent_snapshots",
			Help: "Number of snapshots in the feature cache",
		}),
	}
}

// RecordMessageSent records a message sent to a backend.
func (r *Recorder) RecordMessageSent(backend, symbol string) {
	r.messagesSent.WithLabelValues(backend, symbol).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

func (r *Recorder) RecordPhase(phase int, stage string) {
	r.phase.Set(float64(phase))
}

func (r *Recorder) RecordStageProgress(stage string, avgIter, epsilon, learningRate float64) {
	r.stageIter.WithLabelValues(stage).Set(avgIter)
	r.epsilon.WithLabelValues(stage).Set(epsilon)
	r.learningRate.WithLabelValues(stage).Set(learningRate)
}

func (r *Recorder) RecordSignal(symbol string, signal int) {
	r.signal.WithLabelValues(symbol).Set(float64(signal))
}

func (r *Recorder) RecordSnapshots(n int) { r.snapshots.Set(float64(n)) }
