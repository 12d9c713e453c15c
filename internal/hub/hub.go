// Package hub caches the latest priced tick per symbol and fans ticks out
// to the trade engine, tick recorders and subscriber sessions.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	appconfig "pricefeed/config"
	"pricefeed/internal/metrics"
	"pricefeed/logger"
	"pricefeed/models"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNoSymbols      = errors.New("no symbols given")
)

// TradeEngine receives every accepted tick synchronously.
type TradeEngine interface {
	UpdatePrice(symbol string, update models.PriceUpdate)
}

// TickRecorder observes every accepted tick. Record must not block.
type TickRecorder interface {
	Record(tick models.Tick)
}

// Upstream is the price source the hub forwards subscriptions to.
type Upstream interface {
	Name() string
	State() models.ConnectionState
	Connected() bool
	Subscribe(ctx context.Context, symbols []string) error
	Subscriptions() []string
}

// Transport delivers outbound events to subscriber sessions.
type Transport interface {
	Broadcast(event models.OutboundEvent, payload interface{})
	Emit(sessionID string, event models.OutboundEvent, payload interface{})
}

// ProviderPayload is sent with provider:* events.
type ProviderPayload struct {
	Source  string `json:"source"`
	Message string `json:"message,omitempty"`
}

// SymbolsPayload is sent with subscribed and unsubscribed events.
type SymbolsPayload struct {
	Symbols []string `json:"symbols"`
}

type nopTransport struct{}

func (nopTransport) Broadcast(models.OutboundEvent, interface{})    {}
func (nopTransport) Emit(string, models.OutboundEvent, interface{}) {}

type Hub struct {
	throttle  time.Duration
	snapshot  time.Duration
	engine    TradeEngine
	recorders []TickRecorder
	now       func() time.Time

	// mu guards prices and lastEmit. Ticks are stored as whole values.
	mu       sync.RWMutex
	prices   map[string]models.Tick
	lastEmit map[string]time.Time

	sessMu   sync.RWMutex
	sessions map[string]map[string]struct{}

	wiringMu  sync.RWMutex
	upstream  Upstream
	transport Transport

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	runMu   sync.Mutex
	running bool
	log     *logger.Log
}

// New builds a hub. engine may be nil when no trade engine is attached.
func New(cfg *appconfig.Config, engine TradeEngine, recorders ...TickRecorder) *Hub {
	throttle := cfg.Hub.ThrottleInterval
	if throttle <= 0 {
		throttle = 50 * time.Millisecond
	}
	return &Hub{
		throttle:  throttle,
		snapshot:  cfg.Hub.SnapshotInterval,
		engine:    engine,
		recorders: recorders,
		now:       time.Now,
		prices:    make(map[string]models.Tick),
		lastEmit:  make(map[string]time.Time),
		sessions:  make(map[string]map[string]struct{}),
		transport: nopTransport{},
		ctx:       context.Background(),
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}
}

// SetUpstream attaches the price source used for subscriptions and status.
func (h *Hub) SetUpstream(u Upstream) {
	h.wiringMu.Lock()
	h.upstream = u
	h.wiringMu.Unlock()
}

// SetTransport attaches the subscriber transport.
func (h *Hub) SetTransport(t Transport) {
	if t == nil {
		t = nopTransport{}
	}
	h.wiringMu.Lock()
	h.transport = t
	h.wiringMu.Unlock()
}

func (h *Hub) wiring() (Upstream, Transport) {
	h.wiringMu.RLock()
	defer h.wiringMu.RUnlock()
	return h.upstream, h.transport
}

// OnTick caches the tick, feeds the trade engine and recorders, and
// broadcasts it unless the symbol was broadcast less than one throttle
// interval ago. Coalesced ticks are not queued.
func (h *Hub) OnTick(tick models.Tick) {
	now := h.now()

	h.mu.Lock()
	h.prices[tick.Symbol] = tick
	last, seen := h.lastEmit[tick.Symbol]
	emit := !seen || now.Sub(last) >= h.throttle
	if emit {
		h.lastEmit[tick.Symbol] = now
	}
	h.mu.Unlock()

	if h.engine != nil {
		h.engine.UpdatePrice(tick.Symbol, tick.Update())
		metrics.TradeEngineUpdate()
	}
	for _, r := range h.recorders {
		r.Record(tick)
	}

	if !emit {
		metrics.Throttled()
		return
	}
	_, transport := h.wiring()
	transport.Broadcast(models.OutTick, tick)
	metrics.Broadcast(string(models.OutTick))
	logger.IncrementBroadcast()
}

// Latest returns the cached tick for symbol.
func (h *Hub) Latest(symbol string) (models.Tick, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.prices[strings.ToUpper(symbol)]
	return t, ok
}

// AllLatest returns a copy of the cache.
func (h *Hub) AllLatest() map[string]models.Tick {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]models.Tick, len(h.prices))
	for k, v := range h.prices {
		out[k] = v
	}
	return out
}

// AddSession registers a session and sends it the current status and prices.
func (h *Hub) AddSession(id string) {
	h.sessMu.Lock()
	if _, ok := h.sessions[id]; !ok {
		h.sessions[id] = make(map[string]struct{})
	}
	n := len(h.sessions)
	h.sessMu.Unlock()
	metrics.SetSessions(n)

	h.log.WithComponent("price_hub").WithFields(logger.Fields{"session": id, "sessions": n}).Info("session connected")

	_, transport := h.wiring()
	transport.Emit(id, models.OutStatus, h.Status())
	transport.Emit(id, models.OutPrices, h.AllLatest())
}

// RemoveSession forgets a session and its symbol set.
func (h *Hub) RemoveSession(id string) {
	h.sessMu.Lock()
	delete(h.sessions, id)
	n := len(h.sessions)
	h.sessMu.Unlock()
	metrics.SetSessions(n)

	h.log.WithComponent("price_hub").WithFields(logger.Fields{"session": id, "sessions": n}).Info("session disconnected")
}

// SessionSymbols returns the symbols a session subscribed to.
func (h *Hub) SessionSymbols(id string) []string {
	h.sessMu.RLock()
	defer h.sessMu.RUnlock()
	return sortedKeys(h.sessions[id])
}

func normalize(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Subscribe records symbols for the session and forwards them upstream. The
// session is told which symbols it subscribed to.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, symbols []string) error {
	symbols = normalize(symbols)
	if len(symbols) == 0 {
		return ErrNoSymbols
	}

	h.sessMu.Lock()
	set, ok := h.sessions[sessionID]
	if ok {
		for _, s := range symbols {
			set[s] = struct{}{}
		}
	}
	h.sessMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	upstream, transport := h.wiring()
	if upstream != nil {
		if err := upstream.Subscribe(ctx, symbols); err != nil {
			h.log.WithComponent("price_hub").WithError(err).WithFields(logger.Fields{"session": sessionID}).Warn("upstream subscribe failed")
		}
	}
	transport.Emit(sessionID, models.OutSubscribed, SymbolsPayload{Symbols: symbols})
	return nil
}

// Unsubscribe removes symbols from the session's record only. The upstream
// subscription set is never reduced.
func (h *Hub) Unsubscribe(sessionID string, symbols []string) error {
	symbols = normalize(symbols)

	h.sessMu.Lock()
	set, ok := h.sessions[sessionID]
	if ok {
		for _, s := range symbols {
			delete(set, s)
		}
	}
	h.sessMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	_, transport := h.wiring()
	transport.Emit(sessionID, models.OutUnsubscribed, SymbolsPayload{Symbols: symbols})
	return nil
}

// OnProviderEvent relays upstream lifecycle changes to every session.
func (h *Hub) OnProviderEvent(ev models.ProviderEvent) {
	log := h.log.WithComponent("price_hub").WithFields(logger.Fields{"source": ev.Source, "event": string(ev.Kind)})
	_, transport := h.wiring()

	switch ev.Kind {
	case models.EventConnected:
		log.Info("provider connected")
		transport.Broadcast(models.OutProviderConnected, ProviderPayload{Source: ev.Source})
	case models.EventDisconnected:
		log.Warn("provider disconnected")
		transport.Broadcast(models.OutProviderDisconnected, ProviderPayload{Source: ev.Source})
	case models.EventError:
		msg := "provider error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		log.WithFields(logger.Fields{"message": msg}).Warn("provider error")
		transport.Broadcast(models.OutProviderError, ProviderPayload{Source: ev.Source, Message: msg})
	case models.EventMaxAttemptsExceeded:
		log.Error("provider reconnect attempts exhausted")
		transport.Broadcast(models.OutProviderError, ProviderPayload{Source: ev.Source, Message: "Connection lost"})
	case models.EventReconnecting:
		log.WithFields(logger.Fields{"attempt": ev.Attempt, "delay": ev.Delay.String()}).Info("provider reconnecting")
		return
	default:
		return
	}
	metrics.Broadcast(string(ev.Kind))
}

// Status summarises the hub and its upstream.
func (h *Hub) Status() models.Status {
	h.mu.RLock()
	priceCount := len(h.prices)
	h.mu.RUnlock()

	h.sessMu.RLock()
	clients := len(h.sessions)
	h.sessMu.RUnlock()

	h.runMu.Lock()
	running := h.running
	h.runMu.Unlock()

	st := models.Status{
		Connected:         running,
		State:             models.StateDisconnected.String(),
		SubscribedSymbols: []string{},
		PriceCount:        priceCount,
		ClientCount:       clients,
		Source:            "none",
	}
	upstream, _ := h.wiring()
	if upstream != nil {
		st.State = upstream.State().String()
		st.ProviderConnected = upstream.Connected()
		st.SubscribedSymbols = upstream.Subscriptions()
		if st.ProviderConnected {
			st.Source = upstream.Name()
		}
	}
	return st
}

// Start runs the periodic prices snapshot broadcast when a snapshot
// interval is configured.
func (h *Hub) Start(ctx context.Context) error {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.running {
		return fmt.Errorf("price hub already running")
	}
	h.running = true
	h.ctx, h.cancel = context.WithCancel(ctx)

	h.log.WithComponent("price_hub").WithFields(logger.Fields{
		"throttle":          h.throttle.String(),
		"snapshot_interval": h.snapshot.String(),
	}).Info("starting price hub")

	if h.snapshot > 0 {
		h.wg.Add(1)
		go h.snapshotLoop()
	}
	return nil
}

func (h *Hub) snapshotLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.snapshot)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.broadcastSnapshot()
		}
	}
}

func (h *Hub) broadcastSnapshot() {
	h.sessMu.RLock()
	clients := len(h.sessions)
	h.sessMu.RUnlock()
	prices := h.AllLatest()
	if clients == 0 || len(prices) == 0 {
		return
	}
	_, transport := h.wiring()
	transport.Broadcast(models.OutPrices, prices)
	metrics.Broadcast(string(models.OutPrices))
}

// Shutdown stops the snapshot loop.
func (h *Hub) Shutdown() {
	h.runMu.Lock()
	if !h.running {
		h.runMu.Unlock()
		return
	}
	h.running = false
	h.cancel()
	h.runMu.Unlock()

	h.wg.Wait()
	h.log.WithComponent("price_hub").WithFields(logger.Fields{"prices": len(h.AllLatest())}).Info("price hub stopped")
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
