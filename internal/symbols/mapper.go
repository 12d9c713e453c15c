package symbols

import (
	"strings"

	"pricefeed/models"
)

const (
	defaultQuote = "USD"
	vendorQuote  = "USDT"
)

// cryptoBases lists the assets the vendor quotes against USDT.
var cryptoBases = []string{
	"BTC", "ETH", "BNB", "SOL", "XRP", "DOGE", "ADA", "AVAX", "DOT", "LINK",
	"LTC", "MATIC", "SHIB", "TRX", "ATOM", "UNI", "NEAR", "APT", "ARB", "OP",
	"INJ", "PEPE", "SUI", "TON", "BONK", "FLOKI", "XLM",
}

var indexSymbols = map[string]struct{}{
	"US30": {}, "US500": {}, "NAS100": {}, "US100": {}, "UK100": {},
	"GER40": {}, "GER30": {}, "FRA40": {}, "JP225": {}, "AUS200": {},
	"HK50": {}, "EU50": {},
}

var energySymbols = map[string]struct{}{
	"USOIL": {}, "UKOIL": {}, "WTI": {}, "BRENT": {}, "NGAS": {}, "XNGUSD": {},
}

// Mapper translates symbols between the internal and vendor namings.
// Both directions are total: unknown symbols map to themselves.
type Mapper struct {
	crypto     map[string]struct{}
	toVendor   map[string]string
	toInternal map[string]string
}

// NewMapper builds a mapper with the default crypto allowlist plus extra
// bases and explicit internal->vendor overrides.
func NewMapper(extraBases []string, overrides map[string]string) *Mapper {
	m := &Mapper{
		crypto:     make(map[string]struct{}, len(cryptoBases)+len(extraBases)),
		toVendor:   make(map[string]string, len(overrides)),
		toInternal: make(map[string]string, len(overrides)),
	}
	for _, b := range cryptoBases {
		m.crypto[b] = struct{}{}
	}
	for _, b := range extraBases {
		b = strings.ToUpper(strings.TrimSpace(b))
		if b != "" {
			m.crypto[b] = struct{}{}
		}
	}
	for internal, vendor := range overrides {
		internal = strings.ToUpper(strings.TrimSpace(internal))
		vendor = strings.TrimSpace(vendor)
		if internal == "" || vendor == "" {
			continue
		}
		m.toVendor[internal] = vendor
		m.toInternal[vendor] = internal
	}
	return m
}

// Default returns a mapper with no overrides.
func Default() *Mapper {
	return NewMapper(nil, nil)
}

// ToVendor converts an internal symbol such as BTCUSD to the vendor code
// BTCUSDT. Metals and forex pass through unchanged.
func (m *Mapper) ToVendor(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if v, ok := m.toVendor[symbol]; ok {
		return v
	}
	if base, ok := strings.CutSuffix(symbol, defaultQuote); ok && m.IsCryptoBase(base) {
		return base + vendorQuote
	}
	return symbol
}

// ToInternal is the inverse of ToVendor.
func (m *Mapper) ToInternal(code string) string {
	if s, ok := m.toInternal[code]; ok {
		return s
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if base, ok := strings.CutSuffix(code, vendorQuote); ok && m.IsCryptoBase(base) {
		return base + defaultQuote
	}
	return code
}

// IsCryptoBase reports whether base is on the crypto allowlist.
func (m *Mapper) IsCryptoBase(base string) bool {
	_, ok := m.crypto[base]
	return ok
}

// Base returns the base asset of a six letter pair or a crypto symbol.
// Non-pair instruments (indices, energy) are returned whole.
func (m *Mapper) Base(symbol string) string {
	symbol = strings.ToUpper(symbol)
	if b, ok := strings.CutSuffix(symbol, vendorQuote); ok && m.IsCryptoBase(b) {
		return b
	}
	if b, ok := strings.CutSuffix(symbol, defaultQuote); ok && m.IsCryptoBase(b) {
		return b
	}
	if len(symbol) == 6 {
		return symbol[:3]
	}
	return symbol
}

// Quote returns the quote currency of a six letter pair, or "" when the
// symbol is not a pair.
func (m *Mapper) Quote(symbol string) string {
	symbol = strings.ToUpper(symbol)
	if strings.HasSuffix(symbol, vendorQuote) && m.IsCryptoBase(strings.TrimSuffix(symbol, vendorQuote)) {
		return vendorQuote
	}
	if len(symbol) == 6 {
		return symbol[3:]
	}
	if strings.HasSuffix(symbol, defaultQuote) && m.IsCryptoBase(strings.TrimSuffix(symbol, defaultQuote)) {
		return defaultQuote
	}
	return ""
}

// Segment classifies a symbol into its instrument class.
func (m *Mapper) Segment(symbol string) models.Segment {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if _, ok := indexSymbols[symbol]; ok {
		return models.SegmentIndices
	}
	if _, ok := energySymbols[symbol]; ok {
		return models.SegmentEnergy
	}
	if strings.HasPrefix(symbol, "XAU") || strings.HasPrefix(symbol, "XAG") ||
		strings.HasPrefix(symbol, "XPT") || strings.HasPrefix(symbol, "XPD") {
		return models.SegmentMetals
	}
	if m.IsCryptoBase(m.Base(symbol)) {
		return models.SegmentCrypto
	}
	return models.SegmentForex
}

// DefaultSymbols is the subscription list used when none is configured.
func DefaultSymbols() []string {
	return []string{
		// majors
		"EURUSD", "GBPUSD", "USDJPY", "USDCHF", "AUDUSD", "USDCAD", "NZDUSD",
		// crosses
		"EURGBP", "EURJPY", "GBPJPY", "EURCHF", "EURAUD", "EURCAD", "GBPCHF",
		"GBPAUD", "AUDCAD", "AUDCHF", "AUDJPY", "AUDNZD", "CADJPY", "CHFJPY",
		"NZDJPY", "GBPCAD", "GBPNZD", "EURNZD", "NZDCAD", "NZDCHF", "CADCHF",
		// metals
		"XAUUSD", "XAGUSD",
		// crypto
		"BTCUSD", "ETHUSD", "LTCUSD", "XRPUSD", "BNBUSD", "ADAUSD", "SOLUSD", "DOGEUSD",
		// energy
		"USOIL", "UKOIL",
	}
}
