package models

import (
	"math"
	"time"
)

// Layout fixes the dimensions shared by every snapshot of a sequence.
type Layout struct {
	Symbols int
	Buffers int // visible indicator outputs per symbol
	Groups  int // also the number of result clusters
	Filters int
	Periods int // measurement periods for result tuples
}

// Stages is the number of annotated stages (filters, signal, amp, fuse).
func (l Layout) Stages() int { return l.Filters + 3 }

// SensorSize is the number of sensor values per symbol.
func (l Layout) SensorSize() int { return l.Buffers * 2 }

// EncodeSensor maps d in [-1, 1] to the (pos, neg) pair used as agent input.
// Exactly one component differs from 1 unless d is 0.
func EncodeSensor(d float64) (pos, neg float64) {
	if d > 0 {
		return 1 - d, 1
	}
	return 1, 1 + d
}

// DecodeSensor inverts EncodeSensor.
func DecodeSensor(pos, neg float64) float64 {
	if pos < 1 {
		return 1 - pos
	}
	return neg - 1
}

// TimeSensors returns the year, week and day position of t in [0, 1].
func TimeSensors(t time.Time) (year, week, day float64) {
	year = float64((int(t.Month())-1)*31+t.Day()-1) / 372
	week = float64((int(t.Weekday())*24+t.Hour())*60+t.Minute()) / (7 * 24 * 60)
	day = float64(t.Hour()*60+t.Minute()) / (24 * 60)
	return
}

// Snapshot is one historical timestep for all symbols. Indicator derived fields
// are fixed at construction; annotations are written by agents for their own
// (group, symbol) slot and regime fields by the regime engine.
type Snapshot struct {
	Shift int
	Time  time.Time

	YearSensor float64
	WeekSensor float64
	DaySensor  float64

	layout *Layout

	sensors   []float64 // [sym][buffer*2]
	indicator []uint8   // [sym][buffer]
	open      []float64
	change    []float64

	resultVolat  []int // [sym][period]
	resultChange []int

	outputs []int8 // [group][sym][stage]

	IndicatorCluster int
	resultCluster    []int   // [sym][period]
	predicted        []bool  // [sym][cluster]
	predChange       []float64
	predVolat        []float64
	target           []bool
}

func NewSnapshot(layout *Layout, shift int, t time.Time) *Snapshot {
	l := layout
	s := &Snapshot{
		Shift:            shift,
		Time:             t,
		layout:           l,
		sensors:          make([]float64, l.Symbols*l.SensorSize()),
		indicator:        make([]uint8, l.Symbols*l.Buffers),
		open:             make([]float64, l.Symbols),
		change:           make([]float64, l.Symbols),
		resultVolat:      make([]int, l.Symbols*l.Periods),
		resultChange:     make([]int, l.Symbols*l.Periods),
		outputs:          make([]int8, l.Groups*l.Symbols*l.Stages()),
		IndicatorCluster: -1,
		resultCluster:    make([]int, l.Symbols*l.Periods),
		predicted:        make([]bool, l.Symbols*l.Groups),
		predChange:       make([]float64, l.Symbols*l.Groups),
		predVolat:        make([]float64, l.Symbols*l.Groups),
		target:           make([]bool, l.Symbols*l.Groups),
	}
	s.YearSensor, s.WeekSensor, s.DaySensor = TimeSensors(t)
	for i := range s.resultCluster {
		s.resultCluster[i] = -1
	}
	return s
}

func (s *Snapshot) Layout() *Layout { return s.layout }

// SetSensor stores the encoded form of d for (sym, buffer).
func (s *Snapshot) SetSensor(sym, buffer int, d float64) {
	d = math.Max(-1, math.Min(1, d))
	i := sym*s.layout.SensorSize() + buffer*2
	s.sensors[i], s.sensors[i+1] = EncodeSensor(d)
	s.indicator[sym*s.layout.Buffers+buffer] = uint8(math.Round((d + 1) * 127.5))
}

func (s *Snapshot) Sensor(sym, buffer int) (pos, neg float64) {
	i := sym*s.layout.SensorSize() + buffer*2
	return s.sensors[i], s.sensors[i+1]
}

// Sensors returns the encoded sensor block of one symbol. Callers must not modify it.
func (s *Snapshot) Sensors(sym int) []float64 {
	n := s.layout.SensorSize()
	return s.sensors[sym*n : (sym+1)*n]
}

// IndicatorTuple is every sensor value quantized to a byte, symbol major.
func (s *Snapshot) IndicatorTuple() []uint8 { return s.indicator }

func (s *Snapshot) Open(sym int) float64 { return s.open[sym] }

func (s *Snapshot) Change(sym int) float64 { return s.change[sym] }

func (s *Snapshot) SetOpen(sym int, open, change float64) {
	s.open[sym] = open
	s.change[sym] = change
}

// ResultTuple is the quantized (volatility sum, change) over the trailing period.
func (s *Snapshot) ResultTuple(sym, period int) (volat, change int) {
	i := sym*s.layout.Periods + period
	return s.resultVolat[i], s.resultChange[i]
}

func (s *Snapshot) SetResultTuple(sym, period, volat, change int) {
	i := sym*s.layout.Periods + period
	s.resultVolat[i], s.resultChange[i] = volat, change
}

func (s *Snapshot) outputIndex(group, sym, stage int) int {
	return (group*s.layout.Symbols+sym)*s.layout.Stages() + stage
}

// Output is the annotation written by agent (group, sym) for the stage at phase index stage.
func (s *Snapshot) Output(group, sym, stage int) int {
	return int(s.outputs[s.outputIndex(group, sym, stage)])
}

func (s *Snapshot) SetOutput(group, sym, stage, v int) {
	s.outputs[s.outputIndex(group, sym, stage)] = int8(v)
}

func (s *Snapshot) ResultCluster(sym, period int) int {
	return s.resultCluster[sym*s.layout.Periods+period]
}

func (s *Snapshot) SetResultCluster(sym, period, c int) {
	s.resultCluster[sym*s.layout.Periods+period] = c
}

func (s *Snapshot) ResultClusterPredicted(sym, c int) bool {
	return s.predicted[sym*s.layout.Groups+c]
}

func (s *Snapshot) SetResultClusterPredicted(sym, c int, v bool) {
	s.predicted[sym*s.layout.Groups+c] = v
}

// PredictedChange is the change and volatility sum since the predicted breakout began.
func (s *Snapshot) PredictedChange(sym, c int) (change, volat float64) {
	i := sym*s.layout.Groups + c
	return s.predChange[i], s.predVolat[i]
}

func (s *Snapshot) SetPredictedChange(sym, c int, change, volat float64) {
	i := sym*s.layout.Groups + c
	s.predChange[i], s.predVolat[i] = change, volat
}

func (s *Snapshot) ResultClusterTarget(sym, c int) bool {
	return s.target[sym*s.layout.Groups+c]
}

func (s *Snapshot) SetResultClusterTarget(sym, c int, v bool) {
	s.target[sym*s.layout.Groups+c] = v
}
