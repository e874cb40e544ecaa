package model

import "time"

// RawBar is one daily bar exactly as a single provider returned it.
type RawBar struct {
	Symbol Symbol
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64 // shares
	Amount float64 // CNY, 0 when the source does not report it
	Source string
}

// Canonical drops the provenance of a raw bar.
func (b RawBar) Canonical() CanonicalBar {
	return CanonicalBar{
		Symbol: b.Symbol,
		Date:   b.Date,
		Open:   b.Open,
		High:   b.High,
		Low:    b.Low,
		Close:  b.Close,
		Volume: b.Volume,
		Amount: b.Amount,
	}
}

// CanonicalBar is the reconciled bar for one (symbol, date).
// A series of them is strictly ascending by date, without duplicates,
// and every date is a trading day.
type CanonicalBar struct {
	Symbol Symbol
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Amount float64
}

// PriceKind names one of the derived price series.
type PriceKind string

const (
	KindRaw              PriceKind = "raw"
	KindForwardAdjusted  PriceKind = "forward_adjusted"
	KindBackwardAdjusted PriceKind = "backward_adjusted"
)

// PriceKinds lists every derived series in storage order.
var PriceKinds = []PriceKind{KindRaw, KindForwardAdjusted, KindBackwardAdjusted}

// Valid reports whether k is one of PriceKinds.
func (k PriceKind) Valid() bool {
	switch k {
	case KindRaw, KindForwardAdjusted, KindBackwardAdjusted:
		return true
	}
	return false
}

// PriceVariant is a derived OHLC row. It is always recomputable from
// CanonicalBar and AdjustmentFactor and never edited on its own.
type PriceVariant struct {
	Symbol Symbol
	Date   time.Time
	Kind   PriceKind
	Open   float64
	High   float64
	Low    float64
	Close  float64
}
