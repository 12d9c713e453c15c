package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricefeed/models"
)

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spreads.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileStoreReadsActiveRules(t *testing.T) {
	path := writeRules(t, `rules:
  - scope: global
    spread_pips: 2
    is_active: true
  - scope: Segment
    segment: Metals
    spread_pips: 25
    is_active: true
  - scope: symbol
    symbol: eurusd
    spread_pips: 1.2
    is_active: true
  - scope: symbol
    symbol: GBPUSD
    spread_pips: 9
    is_active: false
`)
	rules, err := NewFileStore(path).FindActiveSpreadRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, models.ScopeGlobal, rules[0].Scope)
	assert.Equal(t, models.ScopeSegment, rules[1].Scope)
	assert.Equal(t, models.SegmentMetals, rules[1].Segment)
	assert.Equal(t, "EURUSD", rules[2].Symbol)
	assert.True(t, rules[2].SpreadPips.Equal(decimal.RequireFromString("1.2")))
}

func TestFileStoreReloadsOnEveryCall(t *testing.T) {
	path := writeRules(t, "rules: []\n")
	s := NewFileStore(path)

	rules, err := s.FindActiveSpreadRules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules)

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - scope: global\n    spread_pips: 3\n    is_active: true\n"), 0o644))
	rules, err = s.FindActiveSpreadRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
}

func TestFileStoreErrors(t *testing.T) {
	_, err := NewFileStore(filepath.Join(t.TempDir(), "missing.yml")).FindActiveSpreadRules(context.Background())
	assert.Error(t, err)

	path := writeRules(t, "rules:\n  - scope: planet\n    spread_pips: 1\n    is_active: true\n")
	_, err = NewFileStore(path).FindActiveSpreadRules(context.Background())
	assert.ErrorContains(t, err, "unknown scope")
}

func TestTradingChargeToRule(t *testing.T) {
	rule, ok := TradingCharge{ScopeType: "SYMBOL", Symbol: " btcusd ", SpreadPips: decimal.NewFromInt(40), IsActive: true}.toRule()
	require.True(t, ok)
	assert.Equal(t, models.ScopeSymbol, rule.Scope)
	assert.Equal(t, "BTCUSD", rule.Symbol)

	_, ok = TradingCharge{ScopeType: "account"}.toRule()
	assert.False(t, ok)
}

func TestStaticFiltersInactive(t *testing.T) {
	s := Static{
		{Scope: models.ScopeGlobal, SpreadPips: decimal.NewFromInt(1), IsActive: true},
		{Scope: models.ScopeGlobal, SpreadPips: decimal.NewFromInt(2), IsActive: false},
	}
	rules, err := s.FindActiveSpreadRules(context.Background())
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}
