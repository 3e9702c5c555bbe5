package models

import (
	"encoding/json"
	"time"
)

const CheckpointVersion = 1

type IndicatorDecl struct {
	Factory string `json:"factory"`
	Args    []int  `json:"args"`
}

// StageProgress is the persisted per-stage state of one agent.
type StageProgress struct {
	Iter           int       `json:"iter"`
	DeepIter       int       `json:"deep_iter"`
	LastDrawdown   float64   `json:"last_drawdown"`
	Drawdowns      []float64 `json:"drawdowns,omitempty"`
	ExtraTimesteps int       `json:"extra_timesteps"`
	Learner        []byte    `json:"learner,omitempty"`
}

type AgentState struct {
	Group  int             `json:"group"`
	Symbol string          `json:"symbol"`
	Stages []StageProgress `json:"stages"`
}

// Checkpoint is the persisted orchestrator state.
type Checkpoint struct {
	Version    int             `json:"version"`
	Created    time.Time       `json:"created"`
	Saved      time.Time       `json:"saved"`
	Phase      int             `json:"phase"`
	Filters    int             `json:"filters"`
	Groups     int             `json:"groups"`
	Indicators []IndicatorDecl `json:"indicators"`
	Agents     []AgentState    `json:"agents"`
	Regime     json.RawMessage `json:"regime,omitempty"`
	DataBegin  int             `json:"data_begin"`
}
