package regime

import (
	"math"
	"sort"
)

// ResultTuple is a quantized (volatility sum, change) measurement.
type ResultTuple struct {
	Volat  int `json:"volat"`
	Change int `json:"change"`
}

func (a ResultTuple) IsZero() bool { return a.Volat == 0 && a.Change == 0 }

func (a ResultTuple) Less(b ResultTuple) bool {
	if a.Volat != b.Volat {
		return a.Volat < b.Volat
	}
	return a.Change < b.Change
}

// IndicatorTuple is a quantized sensor vector.
type IndicatorTuple []uint8

func isqrt(v int) int { return int(math.Sqrt(float64(v))) }

func resultDistance(mul int) func(a, b ResultTuple) int {
	return func(a, b ResultTuple) int {
		dv := (a.Volat - b.Volat) * mul
		dc := a.Change - b.Change
		return isqrt(dv*dv + dc*dc)
	}
}

func indicatorDistance(a, b IndicatorTuple) int {
	sum := 0
	for i := range a {
		d := int(a[i]) - int(b[i])
		sum += d * d
	}
	return isqrt(sum)
}

// kmeans is a bounded Lloyd iteration over weighted points. It never leaves a
// cluster empty when a donor with two or more points exists, and never moves
// the last point out of a cluster. settle, when set, adjusts the centroids in
// place after every recompute.
type kmeans[T any] struct {
	points  []T
	weights []int
	dist    func(a, b T) int
	mean    func(points []T, weights []int, members []int) T
	settle  func(centroids []T)
}

func (k *kmeans[T]) nearest(p T, centroids []T) int {
	best, bestDist := 0, math.MaxInt
	for i, c := range centroids {
		if d := k.dist(p, c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// run refines centroids in place and returns the final assignment and the
// number of iterations performed after the initial pass.
func (k *kmeans[T]) run(centroids []T, maxIter int) (assign []int, iters int) {
	n := len(centroids)
	assign = make([]int, len(k.points))
	size := make([]int, n)
	for p := range k.points {
		c := k.nearest(k.points[p], centroids)
		assign[p] = c
		size[c]++
	}

	for i := 0; i < n; i++ {
		if size[i] > 0 {
			continue
		}
		for j := 0; j < n; j++ {
			donor := (i + j) % n
			if size[donor] < 2 {
				continue
			}
			for p := len(assign) - 1; p >= 0; p-- {
				if assign[p] == donor {
					assign[p] = i
					size[donor]--
					size[i]++
					break
				}
			}
			break
		}
	}
	k.recompute(centroids, assign)

	for iters = 0; iters < maxIter; iters++ {
		changes := 0
		for p := range k.points {
			cur := assign[p]
			if size[cur] <= 1 {
				continue
			}
			best := k.nearest(k.points[p], centroids)
			if best != cur && k.dist(k.points[p], centroids[best]) < k.dist(k.points[p], centroids[cur]) {
				assign[p] = best
				size[cur]--
				size[best]++
				changes++
			}
		}
		if changes == 0 {
			break
		}
		k.recompute(centroids, assign)
	}
	return assign, iters
}

func (k *kmeans[T]) recompute(centroids []T, assign []int) {
	members := make([][]int, len(centroids))
	for p, c := range assign {
		members[c] = append(members[c], p)
	}
	for c := range centroids {
		if len(members[c]) > 0 {
			centroids[c] = k.mean(k.points, k.weights, members[c])
		}
	}
	if k.settle != nil {
		k.settle(centroids)
	}
}

func meanResult(points []ResultTuple, weights []int, members []int) ResultTuple {
	var sv, sc, total int
	for _, p := range members {
		w := weights[p]
		sv += points[p].Volat * w
		sc += points[p].Change * w
		total += w
	}
	if total == 0 {
		return points[members[0]]
	}
	return ResultTuple{Volat: sv / total, Change: sc / total}
}

func meanIndicator(points []IndicatorTuple, _ []int, members []int) IndicatorTuple {
	dims := len(points[members[0]])
	sums := make([]int, dims)
	for _, p := range members {
		for d, v := range points[p] {
			sums[d] += int(v)
		}
	}
	out := make(IndicatorTuple, dims)
	for d := range sums {
		out[d] = uint8(sums[d] / len(members))
	}
	return out
}

// sortDedupe orders result centroids and nudges duplicates and zero tuples
// apart so every centroid is distinct.
func sortDedupe(c []ResultTuple) {
	sort.Slice(c, func(i, j int) bool { return c[i].Less(c[j]) })
	dedupe(c)
	sort.Slice(c, func(i, j int) bool { return c[i].Less(c[j]) })
}

// dedupe nudges duplicate and zero centroids apart without reordering them,
// repeating until no nudge lands on another centroid.
func dedupe(c []ResultTuple) {
	for round := 0; round <= len(c); round++ {
		moved := false
		for j := 0; j < len(c); j++ {
			for k := j + 1; k < len(c); k++ {
				if c[j] == c[k] || c[k].IsZero() {
					c[k].Change += k
					c[k].Volat += k
					moved = true
				} else if c[j].IsZero() {
					c[j].Change += k
					c[j].Volat += k
					moved = true
				}
			}
		}
		if !moved {
			return
		}
	}
}
