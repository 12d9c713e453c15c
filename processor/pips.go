package processor

import (
	"strings"

	"github.com/shopspring/decimal"

	"pricefeed/models"
)

var (
	pipStandard = decimal.New(1, -4) // 0.0001
	pipJPY      = decimal.New(1, -2)
	pipIndex    = decimal.New(1, -1)
	pipEnergy   = decimal.New(1, -2)
	pipMetal    = decimal.New(1, -2)
)

// metalPips and cryptoPips are keyed by base asset.
var metalPips = map[string]decimal.Decimal{
	"XAU": decimal.New(1, -1),
	"XAG": decimal.New(1, -2),
}

var cryptoPips = map[string]decimal.Decimal{
	"BTC": decimal.New(1, 0),
	"ETH": decimal.New(1, -1),
	"BNB": decimal.New(1, -2),
	"SOL": decimal.New(1, -2),
	"LTC": decimal.New(1, -3),
	"XRP": decimal.New(1, -3),

	// sub-cent assets; a 0.0001 pip would exceed the price itself
	"SHIB":  decimal.New(1, -8),
	"FLOKI": decimal.New(1, -8),
	"PEPE":  decimal.New(1, -9),
	"BONK":  decimal.New(1, -9),
}

// PipValue returns the price increment of one pip for symbol. Configured
// overrides by symbol or base asset win over the built-in table.
func (e *SpreadEngine) PipValue(symbol string) decimal.Decimal {
	symbol = strings.ToUpper(symbol)
	if v, ok := e.pipValues[symbol]; ok {
		return v
	}
	base := e.mapper.Base(symbol)
	if v, ok := e.pipValues[base]; ok {
		return v
	}

	switch e.mapper.Segment(symbol) {
	case models.SegmentMetals:
		if v, ok := metalPips[base]; ok {
			return v
		}
		return pipMetal
	case models.SegmentCrypto:
		if v, ok := cryptoPips[base]; ok {
			return v
		}
		return pipStandard
	case models.SegmentIndices:
		return pipIndex
	case models.SegmentEnergy:
		return pipEnergy
	}
	if e.mapper.Quote(symbol) == "JPY" {
		return pipJPY
	}
	return pipStandard
}
