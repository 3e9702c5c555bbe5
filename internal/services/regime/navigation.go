package regime

import "FinAgent/internal/domain/models"

type navState uint8

const (
	navPending navState = iota
	navTargeting
	navWaiting
)

// refreshPoleNavigation tracks each predicted breakout against its sector
// poles. After a settle period the breakout is targeted once it moves away
// from the pending pole, and stays targeted while it approaches the positive
// pole faster than the negative one.
func (e *Engine) refreshPoleNavigation(snaps []*models.Snapshot) {
	if !e.connected {
		return
	}
	shift := e.cfg.NavigationShift
	writeFrom := max(shift, e.navLabelled)
	vd, cd, mul := e.cfg.VolatDiv, e.cfg.ChangeDiv, e.cfg.VolatMul

	pnd := make([]float64, shift)
	pos := make([]float64, shift)
	neg := make([]float64, shift)

	for sym := 0; sym < e.layout.Symbols; sym++ {
		for k := 0; k < e.cfg.Groups; k++ {
			rs := &e.results[k]
			clear(pnd)
			clear(pos)
			clear(neg)
			state := navPending
			stBegin := 0

			// A breakout still open at the last refresh is replayed from its
			// rising edge so its state matches a pass over the whole history.
			for s := intervalStart(snaps, sym, k, max(1, e.navLabelled)); s < len(snaps); s++ {
				if !snaps[s].ResultClusterPredicted(sym, k) {
					continue
				}
				change, volat := snaps[s].PredictedChange(sym, k)
				v, c := volat/vd, change/cd

				cur, prev := s%shift, (s+1)%shift
				prevPnd, prevPos, prevNeg := pnd[prev], pos[prev], neg[prev]
				pnd[cur] = rs.Pending.Distance(v, c, mul)
				pos[cur] = rs.Positive.Distance(v, c, mul)
				neg[cur] = rs.Negative.Distance(v, c, mul)

				if !snaps[s-1].ResultClusterPredicted(sym, k) {
					stBegin = s
					state = navPending
					continue
				}
				if state == navPending && s-stBegin >= shift && pnd[cur] > prevPnd {
					state = navTargeting
				}
				if state == navTargeting {
					posDiff := pos[cur] - prevPos
					negDiff := neg[cur] - prevNeg
					if posDiff > 0 || negDiff < posDiff {
						state = navWaiting
					} else if s >= writeFrom {
						snaps[s].SetResultClusterTarget(sym, k, true)
					}
				}
			}
		}
	}
	e.navLabelled = len(snaps)
}

// intervalStart walks back from s over the predicted run of (sym, k) that
// covers s-1, so a scan starting there sees the rising edge of that run.
func intervalStart(snaps []*models.Snapshot, sym, k, s int) int {
	for s > 1 && s <= len(snaps) && snaps[s-1].ResultClusterPredicted(sym, k) {
		s--
	}
	return s
}
