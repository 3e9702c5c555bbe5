package models

import "fmt"

type StageKind uint8

const (
	StageFilter StageKind = iota
	StageSignal
	StageAmp
	StageFuse
	StageLive
)

func (k StageKind) String() string {
	switch k {
	case StageFilter:
		return "filter"
	case StageSignal:
		return "signal"
	case StageAmp:
		return "amp"
	case StageFuse:
		return "fuse"
	case StageLive:
		return "live"
	}
	return fmt.Sprintf("stage(%d)", uint8(k))
}

// Stage is one step of the curriculum. Level is only meaningful for filters.
type Stage struct {
	Kind  StageKind
	Level int
}

func (s Stage) String() string {
	if s.Kind == StageFilter {
		return fmt.Sprintf("filter%d", s.Level)
	}
	return s.Kind.String()
}

// Ladder maps phase numbers to stages: filter0..filterK-1, signal, amp, fuse, live.
type Ladder struct {
	Filters int
}

func NewLadder(filters int) Ladder { return Ladder{Filters: filters} }

func (l Ladder) Stage(phase int) Stage {
	switch {
	case phase < l.Filters:
		return Stage{Kind: StageFilter, Level: phase}
	case phase == l.Filters:
		return Stage{Kind: StageSignal}
	case phase == l.Filters+1:
		return Stage{Kind: StageAmp}
	case phase == l.Filters+2:
		return Stage{Kind: StageFuse}
	}
	return Stage{Kind: StageLive}
}

func (l Ladder) Phase(s Stage) int {
	switch s.Kind {
	case StageFilter:
		return s.Level
	case StageSignal:
		return l.Filters
	case StageAmp:
		return l.Filters + 1
	case StageFuse:
		return l.Filters + 2
	}
	return l.Filters + 3
}

// Live is the phase number of the live stage; it also counts the trainable stages.
func (l Ladder) Live() int { return l.Filters + 3 }

// Training returns every trainable stage in order.
func (l Ladder) Training() []Stage {
	out := make([]Stage, 0, l.Live())
	for p := 0; p < l.Live(); p++ {
		out = append(out, l.Stage(p))
	}
	return out
}

// ParseStage accepts names produced by Stage.String.
func (l Ladder) ParseStage(name string) (Stage, error) {
	switch name {
	case "signal":
		return Stage{Kind: StageSignal}, nil
	case "amp":
		return Stage{Kind: StageAmp}, nil
	case "fuse":
		return Stage{Kind: StageFuse}, nil
	case "live":
		return Stage{Kind: StageLive}, nil
	case "filter":
		return Stage{Kind: StageFilter}, nil
	}
	var level int
	if _, err := fmt.Sscanf(name, "filter%d", &level); err == nil && level >= 0 && level < l.Filters {
		return Stage{Kind: StageFilter, Level: level}, nil
	}
	return Stage{}, fmt.Errorf("unknown stage %q", name)
}
