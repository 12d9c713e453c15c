package models

import "github.com/shopspring/decimal"

// Segment is an instrument class used for spread defaults and pip sizes.
type Segment string

const (
	SegmentForex   Segment = "forex"
	SegmentMetals  Segment = "metals"
	SegmentCrypto  Segment = "crypto"
	SegmentIndices Segment = "indices"
	SegmentEnergy  Segment = "energy"
)

// Segments lists every known segment.
var Segments = []Segment{SegmentForex, SegmentMetals, SegmentCrypto, SegmentIndices, SegmentEnergy}

// SpreadScope selects how broadly a spread rule applies.
type SpreadScope string

const (
	ScopeGlobal  SpreadScope = "global"
	ScopeSegment SpreadScope = "segment"
	ScopeSymbol  SpreadScope = "symbol"
)

// SpreadRule is an administrator-configured spread in pips.
type SpreadRule struct {
	Scope      SpreadScope     `json:"scopeType" yaml:"scope"`
	Segment    Segment         `json:"segment,omitempty" yaml:"segment"`
	Symbol     string          `json:"symbol,omitempty" yaml:"symbol"`
	SpreadPips decimal.Decimal `json:"spreadPips" yaml:"spread_pips"`
	IsActive   bool            `json:"isActive" yaml:"is_active"`
}

// Usable reports whether the rule may take part in spread resolution.
func (r SpreadRule) Usable() bool {
	return r.IsActive && r.SpreadPips.IsPositive()
}
