// Package simulator produces random-walk quotes when no upstream feed is
// available.
package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	appconfig "pricefeed/config"
	"pricefeed/internal/channel"
	"pricefeed/internal/symbols"
	"pricefeed/logger"
	"pricefeed/models"
	"pricefeed/reader/alltick"
)

const sourceName = "simulation"

// maxStep is the largest relative move per tick (0.02% either way).
const maxStep = 0.0002

// BasePrices seeds the walk for every simulated symbol.
var BasePrices = map[string]float64{
	"EURUSD": 1.0850, "GBPUSD": 1.2650, "USDJPY": 149.50, "USDCHF": 0.8750,
	"AUDUSD": 0.6550, "NZDUSD": 0.6150, "USDCAD": 1.3550,
	"EURGBP": 0.8580, "EURJPY": 162.20, "GBPJPY": 189.10, "EURCHF": 0.9490,
	"EURAUD": 1.6550, "EURCAD": 1.4700, "EURNZD": 1.7650,
	"GBPAUD": 1.9300, "GBPCAD": 1.7150, "GBPCHF": 1.1060, "GBPNZD": 2.0580,
	"AUDCAD": 0.8880, "AUDCHF": 0.5730, "AUDJPY": 97.90, "AUDNZD": 1.0650,
	"CADCHF": 0.6450, "CADJPY": 110.30, "CHFJPY": 170.90,
	"NZDCAD": 0.8340, "NZDCHF": 0.5380, "NZDJPY": 91.95,
	"XAUUSD": 2650.00, "XAGUSD": 31.50,
	"BTCUSD": 98500, "ETHUSD": 3450, "LTCUSD": 105, "XRPUSD": 2.35,
	"BNBUSD": 710, "ADAUSD": 1.05, "SOLUSD": 195, "DOGEUSD": 0.38,
	"USOIL": 71.50, "UKOIL": 75.20,
}

// Simulator walks every symbol in BasePrices on a fixed interval and emits
// two-sided raw ticks into the same channels as the live client.
type Simulator struct {
	channels *channel.Channels
	mapper   *symbols.Mapper
	interval time.Duration
	rng      *rand.Rand
	prices   map[string]float64
	order    []string

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running atomic.Bool
	subs    map[string]struct{}
	log     *logger.Log
}

func New(cfg *appconfig.Config, ch *channel.Channels, mapper *symbols.Mapper) *Simulator {
	if mapper == nil {
		mapper = symbols.Default()
	}
	interval := cfg.Simulation.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	s := &Simulator{
		channels: ch,
		mapper:   mapper,
		interval: interval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		prices:   make(map[string]float64, len(BasePrices)),
		wg:       &sync.WaitGroup{},
		subs:     make(map[string]struct{}),
		log:      logger.GetLogger(),
	}
	for sym, p := range BasePrices {
		s.prices[sym] = p
		s.order = append(s.order, sym)
	}
	sort.Strings(s.order)
	return s
}

func (s *Simulator) Name() string { return sourceName }

func (s *Simulator) State() models.ConnectionState {
	if s.running.Load() {
		return models.StateConnected
	}
	return models.StateDisconnected
}

func (s *Simulator) Connected() bool { return s.running.Load() }

// Subscribe only records the symbols; every known symbol is simulated.
func (s *Simulator) Subscribe(_ context.Context, syms []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range syms {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym != "" {
			s.subs[sym] = struct{}{}
		}
	}
	return nil
}

func (s *Simulator) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subs))
	for sym := range s.subs {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Start emits the initial quotes, a Connected event and then walks prices
// until Stop or ctx ends.
func (s *Simulator) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("simulator already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.log.WithComponent("simulator").WithFields(logger.Fields{
		"symbols":  len(s.order),
		"interval": s.interval.String(),
	}).Info("starting price simulation")

	s.emitAll(false)
	s.channels.SendEvent(s.ctx, models.ProviderEvent{Kind: models.EventConnected, Source: sourceName})

	s.wg.Add(1)
	go s.run()
	return nil
}

func (s *Simulator) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.channels.SendEvent(context.Background(), models.ProviderEvent{Kind: models.EventDisconnected, Source: sourceName})
	s.log.WithComponent("simulator").Info("price simulation stopped")
}

func (s *Simulator) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.emitAll(true)
		}
	}
}

func (s *Simulator) emitAll(walk bool) {
	now := time.Now()
	for _, sym := range s.order {
		if walk {
			s.step(sym)
		}
		if !s.channels.SendRaw(s.ctx, s.quote(sym, now)) {
			return
		}
		logger.IncrementRawTick()
	}
}

func (s *Simulator) step(sym string) {
	change := (s.rng.Float64() - 0.5) * 2 * maxStep * BasePrices[sym]
	if next := s.prices[sym] + change; next > 0 {
		s.prices[sym] = next
	}
}

func (s *Simulator) quote(sym string, now time.Time) models.RawTick {
	mid := decimal.NewFromFloat(s.prices[sym]).Round(precision(BasePrices[sym]))
	half := alltick.DefaultQuoteSpread(s.mapper, sym).Mul(models.Half)
	return models.RawTick{
		VendorCode: sym,
		Symbol:     sym,
		Kind:       models.TickKindDepth,
		Bid:        mid.Sub(half),
		Ask:        mid.Add(half),
		Price:      mid,
		VendorTime: now,
		ReceivedAt: now,
		Synthetic:  true,
		Source:     sourceName,
	}
}

// precision picks decimal places so small prices keep meaningful digits.
func precision(base float64) int32 {
	switch {
	case base < 10:
		return 5
	case base < 1000:
		return 3
	default:
		return 2
	}
}
