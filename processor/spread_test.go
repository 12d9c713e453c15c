package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "pricefeed/config"
	"pricefeed/internal/store"
	"pricefeed/internal/symbols"
	"pricefeed/models"
)

// minimalConfig returns a minimal configuration required for testing.
func minimalConfig() *appconfig.Config {
	return &appconfig.Config{
		Spread: appconfig.SpreadConfig{
			RefreshInterval: time.Minute,
			RetryDelay:      10 * time.Second,
		},
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func rule(scope models.SpreadScope, key string, pips string) models.SpreadRule {
	r := models.SpreadRule{Scope: scope, SpreadPips: d(pips), IsActive: true}
	switch scope {
	case models.ScopeSymbol:
		r.Symbol = key
	case models.ScopeSegment:
		r.Segment = models.Segment(key)
	}
	return r
}

func newLoadedEngine(t *testing.T, rules ...models.SpreadRule) *SpreadEngine {
	t.Helper()
	e := NewSpreadEngine(minimalConfig(), store.Static(rules), symbols.Default())
	require.NoError(t, e.Reload(context.Background()))
	return e
}

func TestResolvePrecedence(t *testing.T) {
	e := newLoadedEngine(t,
		rule(models.ScopeGlobal, "", "3"),
		rule(models.ScopeSegment, "forex", "2"),
		rule(models.ScopeSymbol, "EURUSD", "1.2"),
	)

	res := e.Resolve("EURUSD")
	assert.Equal(t, SourceSymbol, res.Source)
	assert.True(t, res.Pips.Equal(d("1.2")))

	res = e.Resolve("GBPUSD")
	assert.Equal(t, SourceSegment, res.Source)
	assert.True(t, res.Pips.Equal(d("2")))

	res = e.Resolve("XAUUSD")
	assert.Equal(t, SourceGlobal, res.Source)
	assert.True(t, res.Pips.Equal(d("3")))
}

func TestResolveDefaultsPerSegment(t *testing.T) {
	e := newLoadedEngine(t)
	cases := map[string]string{
		"EURUSD": "1.5",
		"XAUUSD": "30",
		"BTCUSD": "50",
		"US30":   "100",
		"USOIL":  "5",
	}
	for sym, want := range cases {
		res := e.Resolve(sym)
		assert.Equal(t, SourceDefault, res.Source, sym)
		assert.True(t, res.Pips.Equal(d(want)), "%s: got %s want %s", sym, res.Pips, want)
	}
}

func TestUnusableRulesAreIgnored(t *testing.T) {
	zero := rule(models.ScopeSymbol, "EURUSD", "0")
	inactive := rule(models.ScopeSegment, "forex", "4")
	inactive.IsActive = false
	e := NewSpreadEngine(minimalConfig(), staticAll{zero, inactive}, symbols.Default())
	require.NoError(t, e.Reload(context.Background()))

	res := e.Resolve("EURUSD")
	assert.Equal(t, SourceDefault, res.Source)
}

// staticAll returns rules without filtering so the engine's own checks run.
type staticAll []models.SpreadRule

func (s staticAll) FindActiveSpreadRules(context.Context) ([]models.SpreadRule, error) {
	return s, nil
}

func TestConfiguredDefaultsAndPipOverrides(t *testing.T) {
	cfg := minimalConfig()
	cfg.Spread.Defaults = map[string]float64{"forex": 2}
	cfg.Spread.PipValues = map[string]float64{"US30": 1, "DOGE": 0.00001}
	e := NewSpreadEngine(cfg, nil, nil)

	assert.True(t, e.ResolveSpread("EURUSD").Equal(d("2")))
	assert.True(t, e.PipValue("US30").Equal(d("1")))
	assert.True(t, e.PipValue("DOGEUSD").Equal(d("0.00001")))
}

func TestPipValues(t *testing.T) {
	e := newLoadedEngine(t)
	cases := map[string]string{
		"EURUSD":  "0.0001",
		"USDJPY":  "0.01",
		"GBPJPY":  "0.01",
		"XAUUSD":  "0.1",
		"XAGUSD":  "0.01",
		"BTCUSD":  "1",
		"BTCUSDT": "1",
		"ETHUSD":  "0.1",
		"LTCUSD":  "0.001",
		"XRPUSD":  "0.001",
		"DOGEUSD": "0.0001",
		"NAS100":  "0.1",
		"USOIL":   "0.01",
	}
	for sym, want := range cases {
		got := e.PipValue(sym)
		assert.True(t, got.Equal(d(want)), "%s: got %s want %s", sym, got, want)
	}
}

func TestPriceTickLastPriceOnly(t *testing.T) {
	e := newLoadedEngine(t)
	ts := time.UnixMilli(1700000000123)

	tick, err := e.PriceTick(models.RawTick{
		VendorCode: "BTCUSDT",
		Symbol:     "BTCUSD",
		Kind:       models.TickKindTrade,
		Price:      d("65000"),
		VendorTime: ts,
	})
	require.NoError(t, err)

	assert.Equal(t, "BTCUSD", tick.Symbol)
	assert.True(t, tick.Mid.Equal(d("65000")))
	assert.True(t, tick.SpreadPips.Equal(d("50")))
	assert.True(t, tick.Bid.Equal(d("64975")), "bid %s", tick.Bid)
	assert.True(t, tick.Ask.Equal(d("65025")), "ask %s", tick.Ask)
	assert.Equal(t, ts.UnixMilli(), tick.TimestampMillis)
}

func TestPriceTickInvariants(t *testing.T) {
	e := newLoadedEngine(t, rule(models.ScopeSymbol, "GBPUSD", "0.7"))
	raws := []models.RawTick{
		{Symbol: "EURUSD", Bid: d("1.10000"), Ask: d("1.10003")},
		{Symbol: "GBPUSD", Bid: d("1.27001"), Ask: d("1.27004")},
		{Symbol: "USDJPY", Price: d("151.234")},
		{Symbol: "XAUUSD", Bid: d("2350.10"), Ask: d("2350.55")},
		{Symbol: "XAGUSD", Price: d("29.871")},
		{Symbol: "ETHUSD", Bid: d("3000.1"), Ask: d("3000.9")},
		{Symbol: "DOGEUSD", Price: d("0.1234")},
		{Symbol: "US30", Price: d("39000")},
	}
	for _, raw := range raws {
		tick, err := e.PriceTick(raw)
		require.NoError(t, err, raw.Symbol)
		assert.True(t, tick.Bid.IsPositive(), raw.Symbol)
		assert.True(t, tick.Bid.LessThanOrEqual(tick.Mid), raw.Symbol)
		assert.True(t, tick.Mid.LessThanOrEqual(tick.Ask), raw.Symbol)

		want := e.ResolveSpread(raw.Symbol).Mul(e.PipValue(raw.Symbol))
		assert.True(t, tick.Ask.Sub(tick.Bid).Equal(want), "%s: spread %s want %s", raw.Symbol, tick.Ask.Sub(tick.Bid), want)
		assert.True(t, tick.Spread.Equal(want), raw.Symbol)
	}
}

func TestPriceTickSubCentCrypto(t *testing.T) {
	e := newLoadedEngine(t)
	raws := []models.RawTick{
		{Symbol: "SHIBUSD", Price: d("0.00002450")},
		{Symbol: "PEPEUSD", Price: d("0.00001120")},
		{Symbol: "BONKUSD", Price: d("0.00002310")},
		{Symbol: "FLOKIUSD", Price: d("0.00015")},
	}
	for _, raw := range raws {
		tick, err := e.PriceTick(raw)
		require.NoError(t, err, raw.Symbol)
		assert.True(t, tick.SpreadPips.Equal(d("50")), raw.Symbol)
		assert.True(t, tick.Bid.IsPositive(), "%s bid %s", raw.Symbol, tick.Bid)
		assert.True(t, tick.Mid.Equal(raw.Price), raw.Symbol)
		assert.True(t, tick.Bid.LessThan(tick.Mid), raw.Symbol)
		assert.True(t, tick.Mid.LessThan(tick.Ask), raw.Symbol)
	}

	tick, err := e.PriceTick(models.RawTick{Symbol: "SHIBUSD", Price: d("0.00002450")})
	require.NoError(t, err)
	assert.True(t, tick.Bid.Equal(d("0.00002425")), "bid %s", tick.Bid)
	assert.True(t, tick.Ask.Equal(d("0.00002475")), "ask %s", tick.Ask)
}

func TestPriceTickRejectsNonPositive(t *testing.T) {
	e := newLoadedEngine(t)

	_, err := e.PriceTick(models.RawTick{Symbol: "EURUSD"})
	assert.ErrorIs(t, err, ErrInvalidPrice)

	// spread wider than the price itself
	_, err = e.PriceTick(models.RawTick{Symbol: "BTCUSD", Price: d("10")})
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestPriceTickUsesClockWithoutVendorTime(t *testing.T) {
	e := newLoadedEngine(t)
	fixed := time.UnixMilli(1600000000000)
	e.now = func() time.Time { return fixed }

	tick, err := e.PriceTick(models.RawTick{Symbol: "EURUSD", Price: d("1.1")})
	require.NoError(t, err)
	assert.Equal(t, fixed.UnixMilli(), tick.TimestampMillis)
}

type flakyStore struct {
	mu    sync.Mutex
	calls int32
	fail  bool
	rules []models.SpreadRule
}

func (f *flakyStore) FindActiveSpreadRules(context.Context) ([]models.SpreadRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errors.New("db down")
	}
	return f.rules, nil
}

func (f *flakyStore) set(fail bool, rules ...models.SpreadRule) {
	f.mu.Lock()
	f.fail = fail
	f.rules = rules
	f.mu.Unlock()
}

func (f *flakyStore) count() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestReloadFailureKeepsPreviousRules(t *testing.T) {
	fs := &flakyStore{}
	fs.set(false, rule(models.ScopeSymbol, "EURUSD", "0.9"))
	e := NewSpreadEngine(minimalConfig(), fs, nil)
	require.NoError(t, e.Reload(context.Background()))
	require.True(t, e.ResolveSpread("EURUSD").Equal(d("0.9")))

	fs.set(true)
	err := e.Reload(context.Background())
	var loadErr *ConfigLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.NotEmpty(t, e.LastError())
	assert.True(t, e.ResolveSpread("EURUSD").Equal(d("0.9")))

	fs.set(false, rule(models.ScopeSymbol, "EURUSD", "1.1"))
	require.NoError(t, e.Reload(context.Background()))
	assert.True(t, e.ResolveSpread("EURUSD").Equal(d("1.1")))
	assert.Empty(t, e.LastError())
}

func TestResolutionMemoisedPerCycle(t *testing.T) {
	e := newLoadedEngine(t)
	first := e.Resolve("EURUSD")
	rs := e.rules.Load()
	_, ok := rs.resolved.Load("EURUSD")
	require.True(t, ok)
	assert.Equal(t, first, e.Resolve("eurusd"))

	require.NoError(t, e.Reload(context.Background()))
	_, ok = e.rules.Load().resolved.Load("EURUSD")
	assert.False(t, ok, "new cycle must start with an empty resolution cache")
}

func TestStartRetriesAfterFailure(t *testing.T) {
	fs := &flakyStore{}
	fs.set(true)
	cfg := minimalConfig()
	cfg.Spread.RefreshInterval = time.Hour
	cfg.Spread.RetryDelay = 10 * time.Millisecond
	e := NewSpreadEngine(cfg, fs, nil)

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop()
	assert.Error(t, e.Start(context.Background()))

	// defaults apply while the store is down
	assert.True(t, e.ResolveSpread("EURUSD").Equal(d("1.5")))

	require.Eventually(t, func() bool { return fs.count() >= 3 }, time.Second, 5*time.Millisecond)

	fs.set(false, rule(models.ScopeGlobal, "", "7"))
	require.Eventually(t, func() bool { return e.ResolveSpread("EURUSD").Equal(d("7")) }, time.Second, 5*time.Millisecond)

	// once healthy the hour-long refresh interval applies
	n := fs.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, fs.count())
}

func TestSpreadsSorted(t *testing.T) {
	e := newLoadedEngine(t)
	out := e.Spreads([]string{"XAUUSD", "EURUSD", "BTCUSD"})
	require.Len(t, out, 3)
	assert.Equal(t, "BTCUSD", out[0].Symbol)
	assert.Equal(t, "XAUUSD", out[2].Symbol)

	rules, _ := e.Rules()
	assert.Empty(t, rules)
}
