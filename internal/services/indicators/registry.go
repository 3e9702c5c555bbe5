package indicators

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	"FinAgent/internal/domain/models"
	"FinAgent/internal/domain/repository"
)

var (
	ErrUnknownFactory   = errors.New("unknown indicator factory")
	ErrDuplicateFactory = errors.New("indicator factory already registered")
)

// Factory computes indicator outputs over aligned candles. Every visible
// output is normalized to [-1, 1].
type Factory interface {
	Name() string
	Defaults() []int
	Outputs(args []int) int
	// Warmup is the number of bars after the first valid bar before outputs are meaningful.
	Warmup(args []int) int
	Compute(candles []models.Candle, args []int) [][]float64
}

// Declaration names a factory with its full argument list.
type Declaration struct {
	Factory string
	Args    []int
}

// Hash identifies the declaration; two declarations with equal factory and args hash equally.
func (d Declaration) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(d.Factory))
	for _, a := range d.Args {
		h.Write([]byte{0})
		h.Write([]byte(strconv.Itoa(a)))
	}
	return h.Sum64()
}

func (d Declaration) String() string {
	return fmt.Sprintf("%s%v", d.Factory, d.Args)
}

// Item is one queued computation: one declaration on one symbol.
type Item struct {
	Symbol    string
	Timeframe repository.Timeframe
	Decl      Declaration
	Outputs   [][]float64
	// Begin is the first shift at which every output is valid.
	Begin int

	factory Factory
}

type itemKey struct {
	symbol string
	hash   uint64
}

// Registry owns the indicator factories and the computed work items. It is
// created once at startup and passed to whoever needs buffers.
type Registry struct {
	store repository.FeatureStore
	tf    repository.Timeframe

	factories map[string]Factory

	// mu is the work lock: item outputs and the time axis change only under it.
	mu      sync.Mutex
	items   map[itemKey]*Item
	candles map[string][]models.Candle
	times   []time.Time
	end     time.Time
}

func NewRegistry(store repository.FeatureStore, tf repository.Timeframe) *Registry {
	return &Registry{
		store:     store,
		tf:        tf,
		factories: make(map[string]Factory),
		items:     make(map[itemKey]*Item),
		candles:   make(map[string][]models.Candle),
	}
}

// NewDefaultRegistry registers the built-in factories.
func NewDefaultRegistry(store repository.FeatureStore, tf repository.Timeframe) *Registry {
	r := NewRegistry(store, tf)
	_ = r.Register(DataBridge{})
	_ = r.Register(OsMA{})
	_ = r.Register(Stochastic{})
	return r
}

func (r *Registry) Register(f Factory) error {
	if _, ok := r.factories[f.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateFactory, f.Name())
	}
	r.factories[f.Name()] = f
	return nil
}

func (r *Registry) Timeframe() repository.Timeframe { return r.tf }

// Resolve fills missing arguments from the factory defaults.
func (r *Registry) Resolve(d Declaration) (Declaration, error) {
	f, ok := r.factories[d.Factory]
	if !ok {
		return Declaration{}, fmt.Errorf("%w: %s", ErrUnknownFactory, d.Factory)
	}
	def := f.Defaults()
	args := make([]int, len(def))
	copy(args, def)
	for i := 0; i < len(d.Args) && i < len(args); i++ {
		args[i] = d.Args[i]
	}
	return Declaration{Factory: d.Factory, Args: args}, nil
}

// VisibleOutputs is the number of buffers a resolved declaration contributes per symbol.
func (r *Registry) VisibleOutputs(d Declaration) int {
	f, ok := r.factories[d.Factory]
	if !ok {
		return 0
	}
	return f.Outputs(d.Args)
}

// Queue returns the work items for every (symbol, declaration) pair plus one
// data bridge item per symbol. Items are reused across calls.
func (r *Registry) Queue(symbols []string, decls []Declaration) ([]*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bridge := Declaration{Factory: DataBridgeName}
	out := make([]*Item, 0, len(symbols)*(len(decls)+1))
	for _, sym := range symbols {
		for _, d := range append([]Declaration{bridge}, decls...) {
			rd, err := r.Resolve(d)
			if err != nil {
				return nil, err
			}
			key := itemKey{symbol: sym, hash: rd.Hash()}
			it, ok := r.items[key]
			if !ok {
				it = &Item{Symbol: sym, Timeframe: r.tf, Decl: rd, factory: r.factories[rd.Factory]}
				r.items[key] = it
			}
			out = append(out, it)
		}
	}
	return out, nil
}

// SetEnd limits the loaded history to bars at or before t. Zero means now.
func (r *Registry) SetEnd(t time.Time) {
	r.mu.Lock()
	r.end = t
	r.mu.Unlock()
}

// Process loads new candles for every symbol touched by items, realigns them on
// the common time axis and recomputes the item outputs.
func (r *Registry) Process(ctx context.Context, items []*Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := r.end
	if end.IsZero() {
		end = time.Now().UTC()
	}

	symbols := make([]string, 0)
	seen := make(map[string]struct{})
	for _, it := range items {
		if _, ok := seen[it.Symbol]; !ok {
			seen[it.Symbol] = struct{}{}
			symbols = append(symbols, it.Symbol)
		}
	}

	for _, sym := range symbols {
		if err := r.loadLocked(ctx, sym, end); err != nil {
			return err
		}
	}

	r.times = r.axisLocked(symbols, end)
	aligned := make(map[string][]models.Candle, len(symbols))
	firsts := make(map[string]int, len(symbols))
	for _, sym := range symbols {
		aligned[sym], firsts[sym] = align(r.candles[sym], r.times)
	}

	for _, it := range items {
		c := aligned[it.Symbol]
		it.Outputs = it.factory.Compute(c, it.Decl.Args)
		it.Begin = firsts[it.Symbol] + it.factory.Warmup(it.Decl.Args)
		if it.Begin > len(c) {
			it.Begin = len(c)
		}
	}
	return nil
}

func (r *Registry) loadLocked(ctx context.Context, sym string, end time.Time) error {
	have := r.candles[sym]
	var from time.Time
	if n := len(have); n > 0 {
		from = have[n-1].Bucket.Add(r.tf.Duration())
	}
	if !from.IsZero() && from.After(end) {
		return nil
	}
	fresh, err := r.store.GetCandles(ctx, sym, from, end, r.tf)
	if err != nil {
		return fmt.Errorf("load candles %s: %w", sym, err)
	}
	for _, c := range fresh {
		if n := len(have); n > 0 && !c.Bucket.After(have[n-1].Bucket) {
			continue
		}
		have = append(have, c)
	}
	r.candles[sym] = have
	return nil
}

func (r *Registry) axisLocked(symbols []string, end time.Time) []time.Time {
	set := make(map[int64]struct{})
	for _, sym := range symbols {
		for _, c := range r.candles[sym] {
			if c.Bucket.After(end) {
				break
			}
			set[c.Bucket.UnixNano()] = struct{}{}
		}
	}
	keys := make([]int64, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	times := make([]time.Time, len(keys))
	for i, k := range keys {
		times[i] = time.Unix(0, k).UTC()
	}
	return times
}

// align forward-fills candles onto times. Bars before the first candle stay zero.
func align(candles []models.Candle, times []time.Time) ([]models.Candle, int) {
	out := make([]models.Candle, len(times))
	first := len(times)
	j := 0
	var last models.Candle
	have := false
	for i, t := range times {
		for j < len(candles) && !candles[j].Bucket.After(t) {
			last = candles[j]
			have = true
			j++
		}
		if !have {
			continue
		}
		if first == len(times) {
			first = i
		}
		if last.Bucket.Equal(t) {
			out[i] = last
		} else {
			out[i] = models.Candle{Bucket: t, Symbol: last.Symbol, Open: last.Close, High: last.Close, Low: last.Close, Close: last.Close}
		}
	}
	return out, first
}

// Times is the common time axis of the last Process call. Callers must not modify it.
func (r *Registry) Times() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.times
}
