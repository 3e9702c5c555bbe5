package features

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"FinAgent/internal/domain/models"
	"FinAgent/internal/services/indicators"
	"FinAgent/pkg/logger"
)

// reserveStep rounds snapshot capacity growth.
const reserveStep = 60

// DataRangeError reports a requested shift outside the usable buffer range.
type DataRangeError struct {
	Symbol string
	Shift  int
	Begin  int
	End    int
}

func (e *DataRangeError) Error() string {
	return fmt.Sprintf("shift %d outside usable data [%d, %d) for %s", e.Shift, e.Begin, e.End, e.Symbol)
}

// InsufficientDataError is returned when a symbol lacks enough history after warm-up.
type InsufficientDataError struct {
	Symbol string
	Begin  int
	Bars   int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("symbol %s has no proper data (begin %d of %d bars)", e.Symbol, e.Begin, e.Bars)
}

type Config struct {
	Symbols    []string
	Indicators []indicators.Declaration
	Groups     int
	Filters    int
	Periods    []int
	// WindowBars bounds how far back snapshots start.
	WindowBars     int
	MinHistoryBars int
	VolatDiv       float64
	ChangeDiv      float64
}

// Builder owns the snapshot sequence. It is grown only by Refresh/Extend,
// which the orchestrator calls between worker barriers.
type Builder struct {
	cfg      Config
	registry *indicators.Registry
	log      *logger.Logger

	decls  []indicators.Declaration
	layout models.Layout
	items  []*indicators.Item
	table  *BufferTable

	snaps     []*models.Snapshot
	next      int
	dataBegin int
}

func NewBuilder(cfg Config, registry *indicators.Registry, log *logger.Logger) (*Builder, error) {
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("features: no symbols")
	}
	decls := make([]indicators.Declaration, 0, len(cfg.Indicators))
	seen := make(map[uint64]struct{})
	bufCount := 0
	for _, d := range cfg.Indicators {
		rd, err := registry.Resolve(d)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[rd.Hash()]; dup {
			continue
		}
		seen[rd.Hash()] = struct{}{}
		decls = append(decls, rd)
		bufCount += registry.VisibleOutputs(rd)
	}
	if cfg.VolatDiv <= 0 {
		cfg.VolatDiv = 0.0001
	}
	if cfg.ChangeDiv <= 0 {
		cfg.ChangeDiv = 0.0001
	}
	return &Builder{
		cfg:      cfg,
		registry: registry,
		log:      log,
		decls:    decls,
		layout: models.Layout{
			Symbols: len(cfg.Symbols),
			Buffers: bufCount,
			Groups:  cfg.Groups,
			Filters: cfg.Filters,
			Periods: len(cfg.Periods),
		},
	}, nil
}

func (b *Builder) Layout() *models.Layout { return &b.layout }

func (b *Builder) Declarations() []indicators.Declaration { return b.decls }

func (b *Builder) Symbols() []string { return b.cfg.Symbols }

func (b *Builder) Periods() []int { return b.cfg.Periods }

func (b *Builder) Snapshots() []*models.Snapshot { return b.snaps }

func (b *Builder) Len() int { return len(b.snaps) }

// Top is the latest snapshot or nil.
func (b *Builder) Top() *models.Snapshot {
	if len(b.snaps) == 0 {
		return nil
	}
	return b.snaps[len(b.snaps)-1]
}

func (b *Builder) DataBegin() int { return b.dataBegin }

// SetEnd limits loaded history, used in live mode.
func (b *Builder) SetEnd(t time.Time) { b.registry.SetEnd(t) }

// ResetValueBuffers queues and processes every work item, binds the handle
// table and validates per-symbol history. Existing snapshots are dropped.
func (b *Builder) ResetValueBuffers(ctx context.Context) error {
	items, err := b.registry.Queue(b.cfg.Symbols, b.decls)
	if err != nil {
		return err
	}
	b.items = items
	if err := b.registry.Process(ctx, items); err != nil {
		return err
	}
	table, err := b.bind()
	if err != nil {
		return err
	}

	bars := table.Len()
	for sym, name := range b.cfg.Symbols {
		if begin := table.Begin(sym); begin >= bars-b.cfg.MinHistoryBars || begin >= bars {
			return &InsufficientDataError{Symbol: name, Begin: begin, Bars: bars}
		}
	}

	b.table = table
	b.dataBegin, _ = table.DataBegin()
	if b.cfg.WindowBars > 0 && bars-b.dataBegin > b.cfg.WindowBars {
		b.dataBegin = bars - b.cfg.WindowBars
	}
	b.next = b.dataBegin
	b.snaps = nil
	return nil
}

func (b *Builder) bind() (*BufferTable, error) {
	return NewBufferTable(b.cfg.Symbols, b.decls, b.registry.VisibleOutputs, b.items, b.registry.Times())
}

// Refresh processes the work queue and appends snapshots for every new bar.
func (b *Builder) Refresh(ctx context.Context) (int, error) {
	if b.items == nil {
		return 0, fmt.Errorf("features: value buffers not initialized")
	}
	if err := b.registry.Process(ctx, b.items); err != nil {
		return 0, err
	}
	table, err := b.bind()
	if err != nil {
		return 0, err
	}
	b.table = table

	total := table.Len()
	if total-b.dataBegin <= 0 {
		b.dataBegin = max(0, total-b.cfg.WindowBars)
	}
	if b.next < b.dataBegin {
		b.next = b.dataBegin
	}
	n, err := b.Extend(table, total)
	if err != nil {
		return n, err
	}
	if n > 0 {
		b.log.Debug("snapshots extended", logger.Int("added", n), logger.Int("total", len(b.snaps)))
	}
	return n, nil
}

// Extend appends a snapshot for every weekday shift in [next, upTo).
func (b *Builder) Extend(table *BufferTable, upTo int) (int, error) {
	if upTo > table.Len() {
		return 0, &DataRangeError{Symbol: b.cfg.Symbols[0], Shift: upTo, Begin: b.dataBegin, End: table.Len()}
	}
	begin, sym := table.DataBegin()
	if b.next < begin || upTo < b.dataBegin {
		return 0, &DataRangeError{Symbol: sym, Shift: min(b.next, upTo), Begin: begin, End: table.Len()}
	}
	if upTo <= b.next {
		return 0, nil
	}

	want := len(b.snaps) + (upTo - b.next)
	if want > cap(b.snaps) {
		want += reserveStep - want%reserveStep
		b.snaps = slices.Grow(b.snaps, want-len(b.snaps))
	}

	added := 0
	for shift := b.next; shift < upTo; shift++ {
		if IsWeekendShift(table.Time(shift)) {
			continue
		}
		b.snaps = append(b.snaps, b.Seek(table, shift))
		added++
	}
	b.next = upTo
	return added, nil
}

// Seek builds the snapshot for shift. The previous snapshot, if any, supplies
// the step change and the trailing result measurements.
func (b *Builder) Seek(table *BufferTable, shift int) *models.Snapshot {
	snap := models.NewSnapshot(&b.layout, shift, table.Time(shift))
	prev := b.Top()

	for sym := 0; sym < b.layout.Symbols; sym++ {
		for slot := 0; slot < b.layout.Buffers; slot++ {
			snap.SetSensor(sym, slot, table.Value(sym, slot, shift))
		}
		open := table.Open(sym, shift)
		change := 0.0
		if prev != nil && prev.Open(sym) > 0 {
			change = open/prev.Open(sym) - 1
		}
		snap.SetOpen(sym, open, change)
	}

	idx := len(b.snaps)
	for sym := 0; sym < b.layout.Symbols; sym++ {
		for j, period := range b.cfg.Periods {
			volat, change := b.measure(snap, idx, sym, period)
			snap.SetResultTuple(sym, j, Quantize(volat, b.cfg.VolatDiv), Quantize(change, b.cfg.ChangeDiv))
		}
	}
	return snap
}

// measure returns the absolute change sum and the net change over the period
// ending at cur, which will be stored at index idx.
func (b *Builder) measure(cur *models.Snapshot, idx, sym, period int) (volat, change float64) {
	from := idx - period
	if from < 0 {
		from = 0
	}
	if idx == 0 {
		return 0, 0
	}
	volat = absChange(cur, sym)
	for k := from + 1; k < idx; k++ {
		volat += absChange(b.snaps[k], sym)
	}
	if base := b.snaps[from].Open(sym); base > 0 {
		change = cur.Open(sym)/base - 1
	}
	return volat, change
}

// ShiftAt maps a wall-clock time to a shift on the current axis, extrapolating
// whole timeframe buckets past the last loaded bar.
func (b *Builder) ShiftAt(t time.Time) int {
	if b.table == nil || b.table.Len() == 0 {
		return -1
	}
	last := b.table.Len() - 1
	lt := b.table.Time(last)
	if !t.Before(lt) {
		tf := b.registry.Timeframe().Duration()
		return last + int(t.Truncate(tf).Sub(lt)/tf)
	}
	i := sort.Search(last+1, func(i int) bool { return b.table.Time(i).After(t) })
	return i - 1
}

// Total is the number of bars on the current axis.
func (b *Builder) Total() int {
	if b.table == nil {
		return 0
	}
	return b.table.Len()
}
