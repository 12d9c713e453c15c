package alltick

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"pricefeed/internal/symbols"
	"pricefeed/models"
)

// Minimal quote spreads in price units, used for trade pushes of symbols
// that have not had an order book push yet.
var (
	minSpreadForex = decimal.New(2, -4)
	minSpreadJPY   = decimal.New(3, -2)
	minSpreadOil   = decimal.New(5, -2)

	minSpreadByBase = map[string]decimal.Decimal{
		"XAU":  decimal.New(50, -2),
		"XAG":  decimal.New(5, -2),
		"BTC":  decimal.NewFromInt(50),
		"ETH":  decimal.NewFromInt(5),
		"LTC":  decimal.New(1, -2),
		"XRP":  decimal.New(1, -2),
		"DOGE": decimal.New(1, -2),
		"BNB":  decimal.NewFromInt(1),
		"ADA":  decimal.NewFromInt(1),
		"SOL":  decimal.NewFromInt(1),
	}
)

// DefaultQuoteSpread is the minimal bid/ask distance for a symbol class.
func DefaultQuoteSpread(m *symbols.Mapper, symbol string) decimal.Decimal {
	if v, ok := minSpreadByBase[m.Base(symbol)]; ok {
		return v
	}
	if strings.Contains(symbol, "OIL") {
		return minSpreadOil
	}
	if m.Quote(symbol) == "JPY" {
		return minSpreadJPY
	}
	return minSpreadForex
}

// bookSpreads remembers the last top-of-book spread per vendor code.
type bookSpreads struct {
	mu sync.RWMutex
	m  map[string]decimal.Decimal
}

func newBookSpreads() *bookSpreads {
	return &bookSpreads{m: make(map[string]decimal.Decimal)}
}

func (b *bookSpreads) set(code string, spread decimal.Decimal) {
	b.mu.Lock()
	b.m[code] = spread
	b.mu.Unlock()
}

func (b *bookSpreads) get(code string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[code]
	return v, ok
}

// synthesize fills bid and ask around a last-price tick.
func synthesize(raw *models.RawTick, spread decimal.Decimal) {
	half := spread.Mul(models.Half)
	raw.Bid = raw.Price.Sub(half)
	raw.Ask = raw.Price.Add(half)
	raw.Synthetic = true
}
