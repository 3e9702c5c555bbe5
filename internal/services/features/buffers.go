package features

import (
	"errors"
	"fmt"
	"time"

	"FinAgent/internal/domain/repository"
	"FinAgent/internal/services/indicators"
)

var (
	ErrDuplicateBuffer = errors.New("duplicate work item")
	ErrMissingBuffers  = errors.New("some items are missing in the work queue")
)

// Handle indexes a series in a BufferTable.
type Handle int32

const NoHandle Handle = -1

// BufferKey identifies one indicator output of one symbol.
type BufferKey struct {
	Symbol    string
	Timeframe repository.Timeframe
	Decl      uint64
	Output    int
}

// BufferTable resolves (symbol, slot) pairs to read-only indicator series once
// per refresh, so snapshot construction reads values by index only.
type BufferTable struct {
	symbols  []string
	bufCount int

	series  [][]float64
	keys    map[BufferKey]Handle
	slots   []Handle // [sym*bufCount+slot]
	bridges []Handle // open price per symbol
	begins  []int
	times   []time.Time
	length  int
}

// NewBufferTable binds every work item output to a slot. Each declaration
// starts at the slot offset given by the order of decls.
func NewBufferTable(symbols []string, decls []indicators.Declaration, outputs func(indicators.Declaration) int,
	items []*indicators.Item, times []time.Time) (*BufferTable, error) {

	start := make(map[uint64]int, len(decls))
	bufCount := 0
	for _, d := range decls {
		start[d.Hash()] = bufCount
		bufCount += outputs(d)
	}

	symIdx := make(map[string]int, len(symbols))
	for i, s := range symbols {
		symIdx[s] = i
	}

	t := &BufferTable{
		symbols:  symbols,
		bufCount: bufCount,
		keys:     make(map[BufferKey]Handle),
		slots:    make([]Handle, len(symbols)*bufCount),
		bridges:  make([]Handle, len(symbols)),
		begins:   make([]int, len(symbols)),
		times:    times,
		length:   len(times),
	}
	for i := range t.slots {
		t.slots[i] = NoHandle
	}
	for i := range t.bridges {
		t.bridges[i] = NoHandle
	}

	bound := 0
	for _, it := range items {
		sym, ok := symIdx[it.Symbol]
		if !ok {
			return nil, fmt.Errorf("work item for untracked symbol %s", it.Symbol)
		}
		if it.Begin > t.begins[sym] {
			t.begins[sym] = it.Begin
		}

		if it.Decl.Factory == indicators.DataBridgeName {
			if t.bridges[sym] != NoHandle {
				return nil, fmt.Errorf("%w: %s %s", ErrDuplicateBuffer, it.Symbol, it.Decl)
			}
			t.bridges[sym] = t.add(BufferKey{it.Symbol, it.Timeframe, it.Decl.Hash(), 0}, it.Outputs[0])
			continue
		}

		first, ok := start[it.Decl.Hash()]
		if !ok {
			return nil, fmt.Errorf("work item %s has no buffer slot", it.Decl)
		}
		for o := 0; o < outputs(it.Decl); o++ {
			slot := sym*bufCount + first + o
			if t.slots[slot] != NoHandle {
				return nil, fmt.Errorf("%w: %s %s output %d", ErrDuplicateBuffer, it.Symbol, it.Decl, o)
			}
			t.slots[slot] = t.add(BufferKey{it.Symbol, it.Timeframe, it.Decl.Hash(), o}, it.Outputs[o])
			bound++
		}
	}

	if bound != len(symbols)*bufCount {
		return nil, fmt.Errorf("%w: bound %d of %d", ErrMissingBuffers, bound, len(symbols)*bufCount)
	}
	for i, h := range t.bridges {
		if h == NoHandle {
			return nil, fmt.Errorf("%w: no data bridge for %s", ErrMissingBuffers, symbols[i])
		}
	}
	return t, nil
}

func (t *BufferTable) add(key BufferKey, s []float64) Handle {
	h := Handle(len(t.series))
	t.series = append(t.series, s)
	t.keys[key] = h
	if len(s) < t.length {
		t.length = len(s)
	}
	return h
}

// Lookup returns the handle bound to key.
func (t *BufferTable) Lookup(key BufferKey) (Handle, bool) {
	h, ok := t.keys[key]
	return h, ok
}

func (t *BufferTable) Series(h Handle) []float64 { return t.series[h] }

func (t *BufferTable) BufCount() int { return t.bufCount }

// Len is the shortest series length.
func (t *BufferTable) Len() int { return t.length }

func (t *BufferTable) Value(sym, slot, shift int) float64 {
	return t.series[t.slots[sym*t.bufCount+slot]][shift]
}

func (t *BufferTable) Open(sym, shift int) float64 {
	return t.series[t.bridges[sym]][shift]
}

func (t *BufferTable) Time(shift int) time.Time { return t.times[shift] }

// Begin is the warm-up boundary of one symbol.
func (t *BufferTable) Begin(sym int) int { return t.begins[sym] }

// DataBegin is the latest warm-up boundary across all symbols.
func (t *BufferTable) DataBegin() (shift int, symbol string) {
	for i, b := range t.begins {
		if b > shift || symbol == "" {
			shift, symbol = b, t.symbols[i]
		}
	}
	return shift, symbol
}
