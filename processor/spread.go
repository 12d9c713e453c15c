package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	appconfig "pricefeed/config"
	"pricefeed/internal/metrics"
	"pricefeed/internal/store"
	"pricefeed/internal/symbols"
	"pricefeed/logger"
	"pricefeed/models"
)

// ErrInvalidPrice is returned for ticks whose mid or adjusted bid is not
// strictly positive.
var ErrInvalidPrice = errors.New("invalid price")

// ConfigLoadError wraps a failed spread rule refresh. The previous rule set
// stays in effect.
type ConfigLoadError struct {
	Err error
}

func (e *ConfigLoadError) Error() string {
	return fmt.Sprintf("spread rules load failed: %v", e.Err)
}

func (e *ConfigLoadError) Unwrap() error { return e.Err }

// Resolution source values.
const (
	SourceSymbol  = "symbol"
	SourceSegment = "segment"
	SourceGlobal  = "global"
	SourceDefault = "default"
)

// Resolution is the spread chosen for one symbol in one refresh cycle.
type Resolution struct {
	Symbol   string          `json:"symbol"`
	Segment  models.Segment  `json:"segment"`
	Pips     decimal.Decimal `json:"spreadPips"`
	PipValue decimal.Decimal `json:"pipValue"`
	Source   string          `json:"source"`
}

var builtinDefaults = map[models.Segment]decimal.Decimal{
	models.SegmentForex:   decimal.RequireFromString("1.5"),
	models.SegmentMetals:  decimal.NewFromInt(30),
	models.SegmentCrypto:  decimal.NewFromInt(50),
	models.SegmentIndices: decimal.NewFromInt(100),
	models.SegmentEnergy:  decimal.NewFromInt(5),
}

// ruleSet is an immutable snapshot of the active rules. Resolutions are
// memoised per snapshot so a symbol is resolved once per refresh cycle.
type ruleSet struct {
	symbol   map[string]decimal.Decimal
	segment  map[models.Segment]decimal.Decimal
	global   *decimal.Decimal
	rules    []models.SpreadRule
	loadedAt time.Time

	resolved sync.Map // symbol -> Resolution
}

func newRuleSet(rules []models.SpreadRule, loadedAt time.Time) *ruleSet {
	rs := &ruleSet{
		symbol:   make(map[string]decimal.Decimal),
		segment:  make(map[models.Segment]decimal.Decimal),
		loadedAt: loadedAt,
	}
	for _, r := range rules {
		if !r.Usable() {
			continue
		}
		rs.rules = append(rs.rules, r)
		// first usable rule per key wins
		switch r.Scope {
		case models.ScopeSymbol:
			sym := strings.ToUpper(r.Symbol)
			if _, ok := rs.symbol[sym]; !ok && sym != "" {
				rs.symbol[sym] = r.SpreadPips
			}
		case models.ScopeSegment:
			if _, ok := rs.segment[r.Segment]; !ok && r.Segment != "" {
				rs.segment[r.Segment] = r.SpreadPips
			}
		case models.ScopeGlobal:
			if rs.global == nil {
				pips := r.SpreadPips
				rs.global = &pips
			}
		}
	}
	return rs
}

// SpreadEngine resolves per-symbol spreads and applies them to raw ticks.
type SpreadEngine struct {
	config    *appconfig.Config
	store     store.SpreadRuleStore
	mapper    *symbols.Mapper
	defaults  map[models.Segment]decimal.Decimal
	pipValues map[string]decimal.Decimal
	refresh   time.Duration
	retry     time.Duration
	now       func() time.Time

	rules      atomic.Pointer[ruleSet]
	lastErr    atomic.Value // string
	generation atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewSpreadEngine(cfg *appconfig.Config, rules store.SpreadRuleStore, mapper *symbols.Mapper) *SpreadEngine {
	if rules == nil {
		rules = store.Static(nil)
	}
	if mapper == nil {
		mapper = symbols.Default()
	}
	e := &SpreadEngine{
		config:    cfg,
		store:     rules,
		mapper:    mapper,
		defaults:  make(map[models.Segment]decimal.Decimal, len(builtinDefaults)),
		pipValues: make(map[string]decimal.Decimal, len(cfg.Spread.PipValues)),
		refresh:   cfg.Spread.RefreshInterval,
		retry:     cfg.Spread.RetryDelay,
		now:       time.Now,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}
	for seg, pips := range builtinDefaults {
		e.defaults[seg] = pips
	}
	for seg, pips := range cfg.Spread.Defaults {
		e.defaults[models.Segment(strings.ToLower(seg))] = decimal.NewFromFloat(pips)
	}
	for key, v := range cfg.Spread.PipValues {
		e.pipValues[strings.ToUpper(key)] = decimal.NewFromFloat(v)
	}
	if e.refresh <= 0 {
		e.refresh = time.Minute
	}
	if e.retry <= 0 {
		e.retry = 10 * time.Second
	}
	e.rules.Store(newRuleSet(nil, time.Time{}))
	return e
}

// Start performs the initial load and schedules periodic refreshes. A failed
// initial load is logged and retried; defaults apply meanwhile.
func (e *SpreadEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("spread engine already running")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	log := e.log.WithComponent("spread_engine").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"refresh_interval": e.refresh.String(),
		"retry_delay":      e.retry.String(),
	}).Info("starting spread engine")

	next := e.refresh
	if err := e.Reload(e.ctx); err != nil {
		next = e.retry
	}

	e.wg.Add(1)
	go e.refreshLoop(next)
	return nil
}

func (e *SpreadEngine) Stop() {
	e.mu.Lock()
	e.running = false
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	e.log.WithComponent("spread_engine").Info("stopping spread engine")
	e.wg.Wait()
	e.log.WithComponent("spread_engine").Info("spread engine stopped")
}

func (e *SpreadEngine) refreshLoop(first time.Duration) {
	defer e.wg.Done()

	timer := time.NewTimer(first)
	defer timer.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
			next := e.refresh
			if err := e.Reload(e.ctx); err != nil {
				next = e.retry
			}
			timer.Reset(next)
		}
	}
}

// Reload fetches the active rules and swaps them in atomically. On failure
// the previous rules remain and a *ConfigLoadError is returned.
func (e *SpreadEngine) Reload(ctx context.Context) error {
	log := e.log.WithComponent("spread_engine")
	start := time.Now()

	rules, err := e.store.FindActiveSpreadRules(ctx)
	if err != nil {
		loadErr := &ConfigLoadError{Err: err}
		e.lastErr.Store(loadErr.Error())
		metrics.SpreadReload("error")
		log.WithError(err).WithFields(logger.Fields{"retry_in": e.retry.String()}).Warn("failed to refresh spread rules; keeping previous rules")
		return loadErr
	}

	rs := newRuleSet(rules, e.now())
	e.rules.Store(rs)
	e.lastErr.Store("")
	gen := e.generation.Add(1)
	metrics.SpreadReload("ok")

	logger.LogPerformanceEntry(log, "spread_engine", "reload", time.Since(start), logger.Fields{
		"rules":      len(rs.rules),
		"generation": gen,
	})
	return nil
}

// Resolve returns the spread for symbol with precedence symbol > segment >
// global > segment default.
func (e *SpreadEngine) Resolve(symbol string) Resolution {
	symbol = strings.ToUpper(symbol)
	rs := e.rules.Load()
	if v, ok := rs.resolved.Load(symbol); ok {
		return v.(Resolution)
	}

	seg := e.mapper.Segment(symbol)
	res := Resolution{Symbol: symbol, Segment: seg, PipValue: e.PipValue(symbol)}
	if pips, ok := rs.symbol[symbol]; ok {
		res.Pips, res.Source = pips, SourceSymbol
	} else if pips, ok := rs.segment[seg]; ok {
		res.Pips, res.Source = pips, SourceSegment
	} else if rs.global != nil {
		res.Pips, res.Source = *rs.global, SourceGlobal
	} else {
		res.Pips, res.Source = e.defaults[seg], SourceDefault
	}

	actual, _ := rs.resolved.LoadOrStore(symbol, res)
	return actual.(Resolution)
}

// ResolveSpread returns the spread in pips for symbol.
func (e *SpreadEngine) ResolveSpread(symbol string) decimal.Decimal {
	return e.Resolve(symbol).Pips
}

// PriceTick applies the resolved spread symmetrically around the raw mid.
func (e *SpreadEngine) PriceTick(raw models.RawTick) (models.Tick, error) {
	mid := raw.Mid()
	if !mid.IsPositive() {
		return models.Tick{}, fmt.Errorf("%w: %s mid %s", ErrInvalidPrice, raw.Symbol, mid)
	}

	res := e.Resolve(raw.Symbol)
	delta := res.Pips.Mul(res.PipValue)
	half := delta.Mul(models.Half)
	bid := mid.Sub(half)
	ask := mid.Add(half)
	if !bid.IsPositive() {
		return models.Tick{}, fmt.Errorf("%w: %s bid %s after %s pips", ErrInvalidPrice, raw.Symbol, bid, res.Pips)
	}

	ts := raw.VendorTime
	if ts.IsZero() {
		ts = e.now()
	}
	return models.Tick{
		Symbol:          res.Symbol,
		Bid:             bid,
		Ask:             ask,
		Mid:             mid,
		Spread:          delta,
		SpreadPips:      res.Pips,
		TimestampMillis: ts.UnixMilli(),
		Source:          raw.Source,
	}, nil
}

// Rules returns the active rule set and when it was loaded.
func (e *SpreadEngine) Rules() ([]models.SpreadRule, time.Time) {
	rs := e.rules.Load()
	out := make([]models.SpreadRule, len(rs.rules))
	copy(out, rs.rules)
	return out, rs.loadedAt
}

// Spreads resolves every given symbol, sorted by symbol.
func (e *SpreadEngine) Spreads(syms []string) []Resolution {
	out := make([]Resolution, 0, len(syms))
	for _, s := range syms {
		out = append(out, e.Resolve(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// LastError returns the message of the most recent failed refresh, or "".
func (e *SpreadEngine) LastError() string {
	if v, ok := e.lastErr.Load().(string); ok {
		return v
	}
	return ""
}
