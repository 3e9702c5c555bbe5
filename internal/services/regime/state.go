package regime

import (
	"encoding/json"
	"fmt"
)

type engineState struct {
	ResultCentroids    []ResultTuple     `json:"result_centroids"`
	IndicatorCentroids [][]int           `json:"indicator_centroids"`
	Results            []ResultSector    `json:"results"`
	Indicators         []IndicatorSector `json:"indicators"`
	Connected          bool              `json:"connected"`
	StatsCounter       int               `json:"stats_counter"`
}

// MarshalState serializes centroids, the sector graph and the statistics counter.
func (e *Engine) MarshalState() ([]byte, error) {
	st := engineState{
		ResultCentroids: e.resultCentroids,
		Results:         e.results,
		Indicators:      e.indicators,
		Connected:       e.connected,
		StatsCounter:    e.statsCounter,
	}
	// []uint8 would encode as base64; ints keep the file readable.
	for _, c := range e.indicatorCentroids {
		row := make([]int, len(c))
		for i, v := range c {
			row[i] = int(v)
		}
		st.IndicatorCentroids = append(st.IndicatorCentroids, row)
	}
	return json.Marshal(st)
}

// RestoreState loads a MarshalState payload. Snapshot labels are rebuilt on
// the next Refresh; pole statistics continue from the stored counter.
func (e *Engine) RestoreState(raw []byte) error {
	var st engineState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("decode regime state: %w", err)
	}
	if len(st.ResultCentroids) == 0 {
		return nil
	}
	if len(st.ResultCentroids) != e.cfg.Groups || len(st.Results) != e.cfg.Groups {
		return fmt.Errorf("%w: stored %d result clusters, want %d", ErrClusterCount, len(st.ResultCentroids), e.cfg.Groups)
	}
	dims := e.layout.Symbols * e.layout.Buffers
	centroids := make([]IndicatorTuple, len(st.IndicatorCentroids))
	for i, row := range st.IndicatorCentroids {
		if len(row) != dims {
			return fmt.Errorf("regime state: indicator centroid has %d dims, want %d", len(row), dims)
		}
		c := make(IndicatorTuple, dims)
		for d, v := range row {
			c[d] = uint8(v)
		}
		centroids[i] = c
		if i < len(st.Indicators) {
			st.Indicators[i].Centroid = c
		}
	}
	if len(st.Indicators) != len(centroids) {
		return fmt.Errorf("regime state: %d indicator sectors for %d centroids", len(st.Indicators), len(centroids))
	}

	e.resultCentroids = st.ResultCentroids
	e.indicatorCentroids = centroids
	e.results = st.Results
	e.indicators = st.Indicators
	e.connected = st.Connected
	e.statsCounter = st.StatsCounter
	e.resultLabelled, e.indicatorLabelled, e.connLabelled, e.navLabelled = 0, 0, 0, 0
	return nil
}

// Rebase moves the pole statistics counter by offset snapshots, for a
// history whose first snapshot now sits offset bars earlier than when the
// state was stored.
func (e *Engine) Rebase(offset int) {
	e.statsCounter = max(0, e.statsCounter+offset)
}

// StatsCounter is the first snapshot whose falling edges still feed the poles.
func (e *Engine) StatsCounter() int { return e.statsCounter }

// Summary describes the sector graph for status reporting.
type Summary struct {
	Ready      bool          `json:"ready"`
	Centroids  []ResultTuple `json:"centroids"`
	Assignment []int         `json:"assignment"`
	Poles      []SectorPoles `json:"poles"`
}

type SectorPoles struct {
	Pending  Pole `json:"pending"`
	Positive Pole `json:"positive"`
	Negative Pole `json:"negative"`
}

func (e *Engine) Summary() Summary {
	s := Summary{Ready: e.connected, Centroids: e.ResultCentroids()}
	for _, in := range e.indicators {
		s.Assignment = append(s.Assignment, in.Result)
	}
	for _, r := range e.results {
		s.Poles = append(s.Poles, SectorPoles{Pending: r.Pending, Positive: r.Positive, Negative: r.Negative})
	}
	return s
}
