package agent

// simAccount follows the equity of one stage's decisions through an epoch.
type simAccount struct {
	begin  float64
	equity float64
	peak   float64
	maxDD  float64
}

func newSimAccount(begin float64) simAccount {
	return simAccount{begin: begin, equity: begin, peak: begin}
}

func (a *simAccount) reset() {
	*a = newSimAccount(a.begin)
}

// apply compounds one step of relative pnl.
func (a *simAccount) apply(pnl float64) {
	a.equity *= 1 + pnl
	if a.equity < 0 {
		a.equity = 0
	}
	if a.equity > a.peak {
		a.peak = a.equity
	}
	if a.peak > 0 {
		if dd := (a.peak - a.equity) / a.peak * 100; dd > a.maxDD {
			a.maxDD = dd
		}
	}
}

// drawdown is the maximum drawdown of the epoch, in percent.
func (a *simAccount) drawdown() float64 { return a.maxDD }
