package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is an OHLCV record for one symbol and time bucket.
type Candle struct {
	Bucket time.Time
	Symbol string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Quote is a single bid/ask tick from the broker bridge.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

func (q Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// Order is an open position as reported by the broker.
type Order struct {
	Symbol    string          `json:"symbol"`
	Type      int             `json:"type"` // +1 buy, -1 sell
	Volume    decimal.Decimal `json:"volume"`
	OpenPrice float64         `json:"open_price"`
	Profit    decimal.Decimal `json:"profit"`
}

// AccountRecord is one periodic account sample taken in live mode.
type AccountRecord struct {
	ID      string          `json:"id"`
	Version int             `json:"version"`
	Time    time.Time       `json:"time"`
	Balance decimal.Decimal `json:"balance"`
	Equity  decimal.Decimal `json:"equity"`
	Signals []int           `json:"signals"`
	Orders  []Order         `json:"orders"`
}

// SignalEvent is a committed live signal, published downstream.
type SignalEvent struct {
	RunID     string    `json:"run_id"`
	Symbol    string    `json:"symbol"`
	Signal    int       `json:"signal"`
	Group     int       `json:"group"`
	Frozen    bool      `json:"frozen"`
	Shift     int       `json:"shift"`
	Timestamp time.Time `json:"timestamp"`
}
