package indicators

import (
	"math"

	"FinAgent/internal/domain/models"
)

const DataBridgeName = "DataBridge"

// DataBridge exposes the raw open price as its single output.
type DataBridge struct{}

func (DataBridge) Name() string           { return DataBridgeName }
func (DataBridge) Defaults() []int        { return nil }
func (DataBridge) Outputs(args []int) int { return 1 }
func (DataBridge) Warmup(args []int) int  { return 0 }

func (DataBridge) Compute(candles []models.Candle, _ []int) [][]float64 {
	open := make([]float64, len(candles))
	for i, c := range candles {
		open[i] = c.Open
	}
	return [][]float64{open}
}

// OsMA is the MACD histogram (fast EMA - slow EMA - signal SMA), scaled by
// its own running mean magnitude and squashed with tanh.
type OsMA struct{}

func (OsMA) Name() string           { return "OsMA" }
func (OsMA) Defaults() []int        { return []int{12, 26, 9} }
func (OsMA) Outputs(args []int) int { return 1 }
func (OsMA) Warmup(args []int) int  { return args[1] + args[2] }

func (OsMA) Compute(candles []models.Candle, args []int) [][]float64 {
	fast, slow, signal := args[0], args[1], args[2]
	n := len(candles)
	out := make([]float64, n)
	if n == 0 {
		return [][]float64{out}
	}

	macd := make([]float64, n)
	ef, es := candles[0].Close, candles[0].Close
	af, as := 2/float64(fast+1), 2/float64(slow+1)
	for i, c := range candles {
		ef += af * (c.Close - ef)
		es += as * (c.Close - es)
		macd[i] = ef - es
	}

	sum := 0.0
	mag := 0.0
	am := 2 / float64(slow*4+1)
	for i := range macd {
		sum += macd[i]
		if i >= signal {
			sum -= macd[i-signal]
		}
		cnt := signal
		if i+1 < signal {
			cnt = i + 1
		}
		osma := macd[i] - sum/float64(cnt)
		mag += am * (math.Abs(osma) - mag)
		if mag > 0 {
			out[i] = math.Tanh(osma / (2 * mag))
		}
	}
	return [][]float64{out}
}

// Stochastic is %K over the period mapped from [0, 100] to [-1, 1].
type Stochastic struct{}

func (Stochastic) Name() string           { return "Stochastic" }
func (Stochastic) Defaults() []int        { return []int{14} }
func (Stochastic) Outputs(args []int) int { return 1 }
func (Stochastic) Warmup(args []int) int  { return args[0] }

func (Stochastic) Compute(candles []models.Candle, args []int) [][]float64 {
	period := args[0]
	out := make([]float64, len(candles))
	for i := range candles {
		from := i - period + 1
		if from < 0 {
			from = 0
		}
		hi, lo := candles[from].High, candles[from].Low
		for _, c := range candles[from+1 : i+1] {
			hi = math.Max(hi, c.High)
			lo = math.Min(lo, c.Low)
		}
		if hi > lo {
			out[i] = 2*(candles[i].Close-lo)/(hi-lo) - 1
		}
	}
	return [][]float64{out}
}
