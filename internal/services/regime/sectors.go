package regime

import (
	"math"
	"sort"

	"FinAgent/internal/domain/models"
	"FinAgent/pkg/logger"
)

// Pole is a running average point in (volatility sum, change) space.
type Pole struct {
	Volat  float64 `json:"volat"`
	Change float64 `json:"change"`
	Count  int     `json:"count"`
}

func (p *Pole) Add(volat, change float64) {
	p.Count++
	p.Volat += (volat - p.Volat) / float64(p.Count)
	p.Change += (change - p.Change) / float64(p.Count)
}

func (p Pole) Distance(volat, change float64, mul int) float64 {
	dv := (volat - p.Volat) * float64(mul)
	dc := change - p.Change
	return math.Sqrt(dv*dv + dc*dc)
}

type ResultSector struct {
	Centroid ResultTuple `json:"centroid"`
	Sources  []int       `json:"sources"` // connection count per indicator cluster
	Pending  Pole        `json:"pending"`
	Positive Pole        `json:"positive"`
	Negative Pole        `json:"negative"`
}

func newResultSector(c ResultTuple, inputs int) ResultSector {
	return ResultSector{Centroid: c, Sources: make([]int, inputs)}
}

type IndicatorSector struct {
	Centroid     IndicatorTuple `json:"-"`
	Destinations []int          `json:"destinations"` // connection count per result cluster
	Total        int            `json:"total"`
	Result       int            `json:"result"`
	Empty        bool           `json:"empty"`
}

func newIndicatorSector(c IndicatorTuple, outputs int) IndicatorSector {
	return IndicatorSector{Centroid: c, Destinations: make([]int, outputs), Result: -1}
}

func (s *IndicatorSector) topResult() int {
	best := 0
	for i, n := range s.Destinations {
		if n > s.Destinations[best] {
			best = i
		}
	}
	return best
}

type inputProb struct {
	input int
	prob  float64
}

// assignSectors maps every non-empty indicator sector to one result cluster.
// Outputs take turns by their most probable remaining input, each capped at
// ceil(inputs/outputs); inputs left over go to their most frequent result.
// An output is only offered inputs that actually led to it.
func assignSectors(ins []IndicatorSector, outputs int) {
	active := 0
	lists := make([][]inputProb, outputs)
	for i := range ins {
		in := &ins[i]
		in.Result = -1
		if in.Empty {
			continue
		}
		active++
		for o, n := range in.Destinations {
			if n == 0 {
				continue
			}
			lists[o] = append(lists[o], inputProb{input: i, prob: float64(n) / float64(in.Total)})
		}
	}
	for o := range lists {
		l := lists[o]
		sort.SliceStable(l, func(a, b int) bool { return l[a].prob > l[b].prob })
	}

	perOutput := (active + outputs - 1) / outputs
	count := make([]int, outputs)
	for {
		best := -1
		for o := 0; o < outputs; o++ {
			for len(lists[o]) > 0 && ins[lists[o][0].input].Result >= 0 {
				lists[o] = lists[o][1:]
			}
			if count[o] >= perOutput || len(lists[o]) == 0 {
				continue
			}
			if best < 0 || lists[o][0].prob > lists[best][0].prob {
				best = o
			}
		}
		if best < 0 {
			break
		}
		head := lists[best][0]
		lists[best] = lists[best][1:]
		ins[head.input].Result = best
		count[best]++
	}

	for i := range ins {
		if !ins[i].Empty && ins[i].Result < 0 {
			ins[i].Result = ins[i].topResult()
		}
	}
}

type edgeState struct {
	begin     int
	beginOpen float64
	volat     float64
}

func (e *Engine) refreshConnections(snaps []*models.Snapshot) {
	if !e.connected {
		for s := 0; s < len(snaps); s++ {
			for sym := 0; sym < e.layout.Symbols; sym++ {
				for j, period := range e.cfg.Periods {
					shift := s - period
					if shift < 0 {
						continue
					}
					in := snaps[shift].IndicatorCluster
					out := snaps[s].ResultCluster(sym, j)
					if in < 0 || out < 0 {
						continue
					}
					e.results[out].Sources[in]++
					e.indicators[in].Destinations[out]++
					e.indicators[in].Total++
				}
			}
		}
		empty := 0
		for i := range e.indicators {
			if e.indicators[i].Total == 0 {
				e.indicators[i].Empty = true
				empty++
			}
		}
		assignSectors(e.indicators, e.cfg.Groups)
		e.connected = true

		// Sectors without connections are never matched again.
		for _, snap := range snaps {
			if in := snap.IndicatorCluster; in >= 0 && e.indicators[in].Empty {
				snap.IndicatorCluster = e.nearestIndicator(IndicatorTuple(snap.IndicatorTuple()))
			}
		}

		assigned := make([]int, len(e.indicators))
		for i, in := range e.indicators {
			assigned[i] = in.Result
		}
		e.log.Info("sector graph connected", logger.Int("empty_sectors", empty), logger.Ints("assignment", assigned))
	}

	begin := max(1, e.connLabelled-e.maxPeriod)
	for s := begin; s < len(snaps); s++ {
		in := snaps[s].IndicatorCluster
		if in < 0 || e.indicators[in].Empty {
			continue
		}
		out := e.indicators[in].Result
		for sym := 0; sym < e.layout.Symbols; sym++ {
			for _, period := range e.cfg.Periods {
				for pos := s; pos < s+period && pos < len(snaps); pos++ {
					snaps[pos].SetResultClusterPredicted(sym, out, true)
				}
			}
		}
	}

	for sym := 0; sym < e.layout.Symbols; sym++ {
		for k := 0; k < e.cfg.Groups; k++ {
			var st edgeState
			for s := intervalStart(snaps, sym, k, max(1, e.connLabelled)); s < len(snaps); s++ {
				enabled := snaps[s].ResultClusterPredicted(sym, k)
				prev := snaps[s-1].ResultClusterPredicted(sym, k)
				if enabled && !prev {
					st = edgeState{begin: s, beginOpen: snaps[s].Open(sym)}
				} else if !enabled && prev && st.begin > 0 {
					if s >= e.statsCounter {
						e.analyzeSectorPoles(snaps, sym, k, st.begin, s)
					}
					st.begin = 0
				}
				if enabled && st.begin > 0 {
					change := 0.0
					if st.beginOpen > 0 {
						change = snaps[s].Open(sym)/st.beginOpen - 1
					}
					if s > st.begin {
						st.volat += math.Abs(snaps[s].Change(sym))
					}
					snaps[s].SetPredictedChange(sym, k, change, st.volat)
				}
			}
		}
	}

	e.connLabelled = len(snaps)
	e.statsCounter = max(e.statsCounter, len(snaps))
}

// analyzeSectorPoles records where a predicted breakout in [b, e) peaked
// (positive pole), how far it went against the move before the peak (pending
// pole) and after it (negative pole). A breakout peaking on its first
// snapshot has no pending sample.
func (e *Engine) analyzeSectorPoles(snaps []*models.Snapshot, sym, k, b, end int) {
	rs := &e.results[k]
	down := rs.Centroid.Change < 0
	open := snaps[b].Open(sym)
	if open <= 0 {
		return
	}
	better := func(a, b float64) bool {
		if down {
			return a < b
		}
		return a > b
	}

	posI, posChange, posVs := b, 0.0, 0.0
	vs := 0.0
	for i := b; i < end; i++ {
		if i > b {
			vs += math.Abs(snaps[i].Change(sym))
		}
		if ch := snaps[i].Open(sym)/open - 1; better(ch, posChange) {
			posI, posChange, posVs = i, ch, vs
		}
	}

	vs = 0
	pndChange, pndVs := 0.0, 0.0
	for i := b; i < posI; i++ {
		if i > b {
			vs += math.Abs(snaps[i].Change(sym))
		}
		if ch := snaps[i].Open(sym)/open - 1; better(pndChange, ch) {
			pndChange, pndVs = ch, vs
		}
	}

	negChange, negVs := posChange, posVs
	for i := posI; i < end; i++ {
		if i > b {
			vs += math.Abs(snaps[i].Change(sym))
		}
		if ch := snaps[i].Open(sym)/open - 1; better(negChange, ch) {
			negChange, negVs = ch, vs
		}
	}

	vd, cd := e.cfg.VolatDiv, e.cfg.ChangeDiv
	if posI > b {
		rs.Pending.Add(pndVs/vd, pndChange/cd)
	}
	rs.Positive.Add(posVs/vd, posChange/cd)
	rs.Negative.Add(negVs/vd, negChange/cd)
}
