package regime

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"FinAgent/internal/domain/models"
	"FinAgent/pkg/logger"
)

var ErrClusterCount = errors.New("cluster count mismatch")

type Config struct {
	Groups            int
	IndicatorClusters int
	ExtraCentroids    int
	Periods           []int
	VolatDiv          float64
	ChangeDiv         float64
	VolatMul          int
	MaxIterations     int
	NavigationShift   int
}

// Engine discovers result and indicator clusters over the snapshot history,
// links them into a sector graph and annotates snapshots with predicted
// regimes and breakout targets. Only the orchestrator goroutine calls it,
// between worker barriers.
type Engine struct {
	cfg    Config
	layout *models.Layout
	log    *logger.Logger

	resultCentroids    []ResultTuple
	indicatorCentroids []IndicatorTuple
	results            []ResultSector
	indicators         []IndicatorSector
	connected          bool

	// statsCounter gates pole statistics so each snapshot contributes once.
	statsCounter int

	// label counters are rebuilt after a restart.
	resultLabelled    int
	indicatorLabelled int
	connLabelled      int
	navLabelled       int

	maxPeriod int
}

func NewEngine(cfg Config, layout *models.Layout, log *logger.Logger) *Engine {
	if cfg.VolatMul <= 0 {
		cfg.VolatMul = 1
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 100
	}
	if cfg.NavigationShift < 2 {
		cfg.NavigationShift = 15
	}
	mp := 1
	for _, p := range cfg.Periods {
		mp = max(mp, p)
	}
	return &Engine{cfg: cfg, layout: layout, log: log, maxPeriod: mp}
}

// MinSnapshots is the history needed before the first clustering pass.
func (e *Engine) MinSnapshots() int {
	return max(2*(e.cfg.Groups+e.cfg.ExtraCentroids), e.cfg.IndicatorClusters, 4*e.maxPeriod, 2*e.cfg.NavigationShift)
}

func (e *Engine) Ready() bool { return e.connected }

// Refresh clusters the history once it is long enough, labels new snapshots
// and updates the sector graph, poles and navigation targets.
func (e *Engine) Refresh(snaps []*models.Snapshot) error {
	if len(snaps) < e.MinSnapshots() && e.resultCentroids == nil {
		return nil
	}
	if err := e.refreshResultClusters(snaps); err != nil {
		return err
	}
	e.refreshIndicatorClusters(snaps)
	e.refreshConnections(snaps)
	e.refreshPoleNavigation(snaps)
	return nil
}

func (e *Engine) refreshResultClusters(snaps []*models.Snapshot) error {
	if e.resultCentroids == nil {
		centroids, err := e.clusterResults(snaps)
		if err != nil {
			return err
		}
		e.resultCentroids = centroids
		e.results = make([]ResultSector, len(centroids))
		for i := range centroids {
			e.results[i] = newResultSector(centroids[i], e.cfg.IndicatorClusters)
		}
		e.log.Info("result clusters created", logger.Int("clusters", len(centroids)), logger.Any("centroids", centroids))
	}

	dist := resultDistance(e.cfg.VolatMul)
	km := kmeans[ResultTuple]{dist: dist}
	for s := e.resultLabelled; s < len(snaps); s++ {
		for sym := 0; sym < e.layout.Symbols; sym++ {
			for j := range e.cfg.Periods {
				v, c := snaps[s].ResultTuple(sym, j)
				snaps[s].SetResultCluster(sym, j, km.nearest(ResultTuple{v, c}, e.resultCentroids))
			}
		}
	}
	e.resultLabelled = len(snaps)
	return nil
}

func (e *Engine) clusterResults(snaps []*models.Snapshot) ([]ResultTuple, error) {
	counts := make(map[ResultTuple]int)
	for _, s := range snaps {
		for sym := 0; sym < e.layout.Symbols; sym++ {
			for j := range e.cfg.Periods {
				v, c := s.ResultTuple(sym, j)
				counts[ResultTuple{v, c}]++
			}
		}
	}
	points := make([]ResultTuple, 0, len(counts))
	for p := range counts {
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Less(points[j]) })
	weights := make([]int, len(points))
	for i, p := range points {
		weights[i] = counts[p]
	}

	centroids := seedResultGrid(points, e.cfg.Groups+e.cfg.ExtraCentroids)
	km := kmeans[ResultTuple]{points: points, weights: weights, dist: resultDistance(e.cfg.VolatMul), mean: meanResult, settle: dedupe}
	_, iters := km.run(centroids, e.cfg.MaxIterations)
	e.log.Debug("result clustering done", logger.Int("points", len(points)), logger.Int("iterations", iters))

	sortDedupe(centroids)
	if drop := len(centroids) - e.cfg.Groups; drop > 0 {
		centroids = centroids[drop:]
	}
	if len(centroids) != e.cfg.Groups {
		return nil, fmt.Errorf("%w: result clusters %d, want %d", ErrClusterCount, len(centroids), e.cfg.Groups)
	}
	return centroids, nil
}

// seedResultGrid places n centroids on a column grid over volatility; each
// column spans the change range of the points that fall into it.
func seedResultGrid(points []ResultTuple, n int) []ResultTuple {
	maxX := 1
	for _, p := range points {
		maxX = max(maxX, p.Volat)
	}
	cols := max(1, int(math.Sqrt(float64(n))))
	rows := n / cols
	extraRow := n - cols*rows
	xstep := max(1, maxX/cols)

	out := make([]ResultTuple, 0, n)
	k := 0
	for i := 0; i < cols; i++ {
		x := xstep/2 + i*xstep
		x2 := x + xstep/2
		miny, maxy := math.MaxInt, math.MinInt
		for k < len(points) && (points[k].Volat < x2 || i == cols-1) {
			miny = min(miny, points[k].Change)
			maxy = max(maxy, points[k].Change)
			k++
		}
		if miny > maxy {
			miny, maxy = 0, 0
		}
		thisRows := rows
		if i < extraRow {
			thisRows++
		}
		ystep := (maxy - miny) / thisRows
		for j := 0; j < thisRows; j++ {
			out = append(out, ResultTuple{Volat: x, Change: miny + ystep/2 + j*ystep})
		}
	}
	return out
}

func (e *Engine) refreshIndicatorClusters(snaps []*models.Snapshot) {
	if e.indicatorCentroids == nil {
		points := make([]IndicatorTuple, len(snaps))
		weights := make([]int, len(snaps))
		for i, s := range snaps {
			points[i] = IndicatorTuple(s.IndicatorTuple())
			weights[i] = 1
		}
		centroids := seedIndicatorGrid(points, e.cfg.IndicatorClusters)
		km := kmeans[IndicatorTuple]{points: points, weights: weights, dist: indicatorDistance, mean: meanIndicator}
		_, iters := km.run(centroids, e.cfg.MaxIterations)
		e.indicatorCentroids = centroids
		e.indicators = make([]IndicatorSector, len(centroids))
		for i := range centroids {
			e.indicators[i] = newIndicatorSector(centroids[i], e.cfg.Groups)
		}
		e.log.Info("indicator clusters created", logger.Int("clusters", len(centroids)), logger.Int("iterations", iters))
	}

	for s := e.indicatorLabelled; s < len(snaps); s++ {
		snaps[s].IndicatorCluster = e.nearestIndicator(IndicatorTuple(snaps[s].IndicatorTuple()))
	}
	e.indicatorLabelled = len(snaps)
}

// nearestIndicator is the closest indicator sector, skipping the empty ones
// once the graph is connected. It is -1 when no sector qualifies.
func (e *Engine) nearestIndicator(t IndicatorTuple) int {
	best, bestDist := -1, math.MaxInt
	for i, c := range e.indicatorCentroids {
		if e.connected && e.indicators[i].Empty {
			continue
		}
		if d := indicatorDistance(t, c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// seedIndicatorGrid varies one dimension per column between its observed
// min and max while holding the others at their midpoints.
func seedIndicatorGrid(points []IndicatorTuple, n int) []IndicatorTuple {
	dims := len(points[0])
	lo := make([]int, dims)
	hi := make([]int, dims)
	mid := make(IndicatorTuple, dims)
	for d := range lo {
		lo[d] = 255
	}
	for _, p := range points {
		for d, v := range p {
			lo[d] = min(lo[d], int(v))
			hi[d] = max(hi[d], int(v))
		}
	}
	for d := range mid {
		mid[d] = uint8((lo[d] + hi[d]) / 2)
	}

	cols := max(1, dims)
	rows := max(1, n/cols)
	extraRow := 0
	if n > dims {
		extraRow = (n - cols*rows) % cols
	}

	out := make([]IndicatorTuple, 0, n)
	for col := 0; col < cols && len(out) < n; col++ {
		thisRows := rows
		if col < extraRow {
			thisRows++
		}
		step := max(1, (hi[col%dims]-lo[col%dims])/thisRows)
		for row := 0; row < thisRows && len(out) < n; row++ {
			c := make(IndicatorTuple, dims)
			copy(c, mid)
			c[col%dims] = uint8(min(255, lo[col%dims]+row*step))
			out = append(out, c)
		}
	}
	return out
}

// ResultCentroids returns a copy of the result cluster centroids.
func (e *Engine) ResultCentroids() []ResultTuple {
	return append([]ResultTuple(nil), e.resultCentroids...)
}

func (e *Engine) IndicatorClusterCount() int { return len(e.indicatorCentroids) }
