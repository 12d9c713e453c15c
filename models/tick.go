package models

import (
	"time"

	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// RAW /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Half is used instead of dividing by two so midpoints stay exact.
var Half = decimal.New(5, -1)

// TickKind tells which upstream stream produced a raw tick.
type TickKind string

const (
	TickKindDepth TickKind = "depth"
	TickKindTrade TickKind = "trade"
)

// RawTick is an upstream quote before any spread is applied.
// Symbol is already translated to the internal code.
type RawTick struct {
	VendorCode string
	Symbol     string
	Kind       TickKind
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Price      decimal.Decimal
	VendorTime time.Time
	ReceivedAt time.Time
	// Synthetic marks a trade tick whose bid/ask were derived from the
	// last known book spread or the symbol class default.
	Synthetic bool
	Source    string
}

// TwoSided reports whether both sides of the quote are present.
func (r RawTick) TwoSided() bool {
	return r.Bid.IsPositive() && r.Ask.IsPositive()
}

// Mid returns the midpoint for two-sided ticks and the last price otherwise.
func (r RawTick) Mid() decimal.Decimal {
	if r.TwoSided() {
		return r.Bid.Add(r.Ask).Mul(Half)
	}
	return r.Price
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// PRICED ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Tick is a spread-adjusted quote. It is passed and cached by value and is
// never mutated after construction.
type Tick struct {
	Symbol          string          `json:"symbol"`
	Bid             decimal.Decimal `json:"bid"`
	Ask             decimal.Decimal `json:"ask"`
	Mid             decimal.Decimal `json:"mid"`
	Spread          decimal.Decimal `json:"spread"`
	SpreadPips      decimal.Decimal `json:"spreadPips"`
	TimestampMillis int64           `json:"timestamp"`
	Source          string          `json:"source,omitempty"`
}

// Time returns the tick timestamp as time.Time.
func (t Tick) Time() time.Time {
	return time.UnixMilli(t.TimestampMillis)
}

// PriceUpdate is what the trade engine receives for every accepted tick.
type PriceUpdate struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Mid    decimal.Decimal `json:"mid"`
	Spread decimal.Decimal `json:"spread"`
	Time   int64           `json:"timestamp"`
}

// Update builds the trade engine payload for the tick.
func (t Tick) Update() PriceUpdate {
	return PriceUpdate{
		Symbol: t.Symbol,
		Bid:    t.Bid,
		Ask:    t.Ask,
		Mid:    t.Mid,
		Spread: t.Spread,
		Time:   t.TimestampMillis,
	}
}
