package features

import (
	"math"
	"time"

	"FinAgent/internal/domain/models"
	"FinAgent/internal/domain/repository"
)

// Quantize divides v by div and truncates toward zero.
func Quantize(v, div float64) int {
	return int(v / div)
}

func absChange(s *models.Snapshot, sym int) float64 {
	return math.Abs(s.Change(sym))
}

// ChangeSince is open[to]/open[from] - 1 for one symbol, or 0 without a base price.
func ChangeSince(snaps []*models.Snapshot, from, to, sym int) float64 {
	base := snaps[from].Open(sym)
	if base <= 0 {
		return 0
	}
	return snaps[to].Open(sym)/base - 1
}

// AlignFromTo rounds a time range to candle boundaries.
func AlignFromTo(from, to time.Time, tf repository.Timeframe) (time.Time, time.Time) {
	d := tf.Duration()
	return from.Truncate(d), to.Truncate(d)
}

// IsWeekendShift reports whether the bar at t is skipped by the snapshot builder.
func IsWeekendShift(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
