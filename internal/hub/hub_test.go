package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "pricefeed/config"
	"pricefeed/models"
)

type sent struct {
	session string
	event   models.OutboundEvent
	payload interface{}
}

type recordingTransport struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recordingTransport) Broadcast(event models.OutboundEvent, payload interface{}) {
	r.mu.Lock()
	r.msgs = append(r.msgs, sent{event: event, payload: payload})
	r.mu.Unlock()
}

func (r *recordingTransport) Emit(id string, event models.OutboundEvent, payload interface{}) {
	r.mu.Lock()
	r.msgs = append(r.msgs, sent{session: id, event: event, payload: payload})
	r.mu.Unlock()
}

func (r *recordingTransport) byEvent(event models.OutboundEvent) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, m := range r.msgs {
		if m.event == event {
			out = append(out, m)
		}
	}
	return out
}

type countingEngine struct {
	mu      sync.Mutex
	updates []models.PriceUpdate
}

func (c *countingEngine) UpdatePrice(symbol string, u models.PriceUpdate) {
	c.mu.Lock()
	c.updates = append(c.updates, u)
	c.mu.Unlock()
}

type countingRecorder struct{ n int }

func (c *countingRecorder) Record(models.Tick) { c.n++ }

type fakeUpstream struct {
	mu        sync.Mutex
	connected bool
	subs      []string
	calls     int
	err       error
}

func (f *fakeUpstream) Name() string { return "alltick" }
func (f *fakeUpstream) State() models.ConnectionState {
	if f.connected {
		return models.StateConnected
	}
	return models.StateReconnecting
}
func (f *fakeUpstream) Connected() bool { return f.connected }
func (f *fakeUpstream) Subscribe(_ context.Context, syms []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.subs = append(f.subs, syms...)
	return f.err
}
func (f *fakeUpstream) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs...)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestHub(t *testing.T) (*Hub, *recordingTransport, *countingEngine, *fakeClock) {
	t.Helper()
	cfg := &appconfig.Config{Hub: appconfig.HubConfig{ThrottleInterval: 50 * time.Millisecond}}
	engine := &countingEngine{}
	h := New(cfg, engine)
	tr := &recordingTransport{}
	h.SetTransport(tr)
	clock := &fakeClock{t: time.UnixMilli(1700000000000)}
	h.now = clock.now
	return h, tr, engine, clock
}

func tick(symbol string, mid int64) models.Tick {
	m := decimal.NewFromInt(mid)
	return models.Tick{
		Symbol:          symbol,
		Bid:             m.Sub(decimal.NewFromInt(1)),
		Ask:             m.Add(decimal.NewFromInt(1)),
		Mid:             m,
		Spread:          decimal.NewFromInt(2),
		TimestampMillis: mid,
	}
}

func TestBurstIsThrottledButFullyDelivered(t *testing.T) {
	h, tr, engine, clock := newTestHub(t)
	rec := &countingRecorder{}
	h.recorders = []TickRecorder{rec}

	const n = 100
	for i := 0; i < n; i++ {
		h.OnTick(tick("BTCUSD", int64(65000+i)))
		clock.advance(time.Millisecond)
	}

	// 100ms window at 50ms throttle: at most two broadcasts
	ticks := tr.byEvent(models.OutTick)
	assert.LessOrEqual(t, len(ticks), 2)
	assert.GreaterOrEqual(t, len(ticks), 1)
	assert.Len(t, engine.updates, n)
	assert.Equal(t, n, rec.n)

	latest, ok := h.Latest("btcusd")
	require.True(t, ok)
	assert.True(t, latest.Mid.Equal(decimal.NewFromInt(65000+n-1)))
	assert.Equal(t, latest.Mid, engine.updates[n-1].Mid)
}

func TestThrottleIsPerSymbol(t *testing.T) {
	h, tr, _, clock := newTestHub(t)

	h.OnTick(tick("EURUSD", 1))
	h.OnTick(tick("GBPUSD", 1))
	h.OnTick(tick("EURUSD", 2))
	assert.Len(t, tr.byEvent(models.OutTick), 2)

	clock.advance(49 * time.Millisecond)
	h.OnTick(tick("EURUSD", 3))
	assert.Len(t, tr.byEvent(models.OutTick), 2)

	clock.advance(time.Millisecond)
	h.OnTick(tick("EURUSD", 4))
	ticks := tr.byEvent(models.OutTick)
	require.Len(t, ticks, 3)
	assert.Equal(t, int64(4), ticks[2].payload.(models.Tick).TimestampMillis)
}

func TestSessionsSubscribeAndUnsubscribe(t *testing.T) {
	h, tr, _, _ := newTestHub(t)
	up := &fakeUpstream{connected: true}
	h.SetUpstream(up)
	h.OnTick(tick("EURUSD", 1))

	h.AddSession("s1")
	require.Len(t, tr.byEvent(models.OutStatus), 1)
	prices := tr.byEvent(models.OutPrices)
	require.Len(t, prices, 1)
	assert.Equal(t, "s1", prices[0].session)
	assert.Contains(t, prices[0].payload.(map[string]models.Tick), "EURUSD")

	ctx := context.Background()
	require.NoError(t, h.Subscribe(ctx, "s1", []string{"eurusd", "BTCUSD", "EURUSD"}))
	assert.Equal(t, []string{"BTCUSD", "EURUSD"}, h.SessionSymbols("s1"))
	assert.Equal(t, []string{"EURUSD", "BTCUSD"}, up.Subscriptions())

	subscribed := tr.byEvent(models.OutSubscribed)
	require.Len(t, subscribed, 1)
	assert.Equal(t, SymbolsPayload{Symbols: []string{"EURUSD", "BTCUSD"}}, subscribed[0].payload)

	require.NoError(t, h.Unsubscribe("s1", []string{"BTCUSD"}))
	assert.Equal(t, []string{"EURUSD"}, h.SessionSymbols("s1"))
	// upstream keeps the symbol
	assert.Equal(t, 1, up.calls)
	assert.Contains(t, up.Subscriptions(), "BTCUSD")
	assert.Len(t, tr.byEvent(models.OutUnsubscribed), 1)

	assert.ErrorIs(t, h.Subscribe(ctx, "s1", []string{" "}), ErrNoSymbols)
	assert.ErrorIs(t, h.Subscribe(ctx, "missing", []string{"EURUSD"}), ErrUnknownSession)
	assert.ErrorIs(t, h.Unsubscribe("missing", []string{"EURUSD"}), ErrUnknownSession)

	h.RemoveSession("s1")
	assert.Empty(t, h.SessionSymbols("s1"))
	assert.Equal(t, 0, h.Status().ClientCount)
}

func TestUpstreamFailureStillAcknowledges(t *testing.T) {
	h, tr, _, _ := newTestHub(t)
	h.SetUpstream(&fakeUpstream{err: errors.New("write failed")})
	h.AddSession("s1")

	require.NoError(t, h.Subscribe(context.Background(), "s1", []string{"XAUUSD"}))
	assert.Len(t, tr.byEvent(models.OutSubscribed), 1)
}

func TestProviderEventsAreRelayed(t *testing.T) {
	h, tr, _, _ := newTestHub(t)

	h.OnProviderEvent(models.ProviderEvent{Kind: models.EventConnected, Source: "alltick"})
	h.OnProviderEvent(models.ProviderEvent{Kind: models.EventReconnecting, Source: "alltick", Attempt: 1})
	h.OnProviderEvent(models.ProviderEvent{Kind: models.EventDisconnected, Source: "alltick"})
	h.OnProviderEvent(models.ProviderEvent{Kind: models.EventError, Source: "alltick", Err: fmt.Errorf("ret=603")})
	h.OnProviderEvent(models.ProviderEvent{Kind: models.EventMaxAttemptsExceeded, Source: "alltick"})

	connected := tr.byEvent(models.OutProviderConnected)
	require.Len(t, connected, 1)
	assert.Equal(t, ProviderPayload{Source: "alltick"}, connected[0].payload)
	assert.Len(t, tr.byEvent(models.OutProviderDisconnected), 1)

	errs := tr.byEvent(models.OutProviderError)
	require.Len(t, errs, 2)
	assert.Equal(t, ProviderPayload{Source: "alltick", Message: "ret=603"}, errs[0].payload)
	assert.Equal(t, ProviderPayload{Source: "alltick", Message: "Connection lost"}, errs[1].payload)
	assert.Len(t, tr.msgs, 4)
}

func TestStatus(t *testing.T) {
	h, _, _, _ := newTestHub(t)
	st := h.Status()
	assert.False(t, st.Connected)
	assert.False(t, st.ProviderConnected)

	require.NoError(t, h.Start(context.Background()))
	st = h.Status()
	assert.True(t, st.Connected)
	assert.False(t, st.ProviderConnected)
	assert.Equal(t, "none", st.Source)
	assert.Empty(t, st.SubscribedSymbols)

	up := &fakeUpstream{connected: true, subs: []string{"EURUSD"}}
	h.SetUpstream(up)
	h.OnTick(tick("EURUSD", 1))
	h.AddSession("a")
	st = h.Status()
	assert.True(t, st.ProviderConnected)
	assert.Equal(t, "alltick", st.Source)
	assert.Equal(t, "connected", st.State)
	assert.Equal(t, []string{"EURUSD"}, st.SubscribedSymbols)
	assert.Equal(t, 1, st.PriceCount)
	assert.Equal(t, 1, st.ClientCount)

	h.Shutdown()
	assert.False(t, h.Status().Connected)

	up.connected = false
	st = h.Status()
	assert.Equal(t, "reconnecting", st.State)
	assert.Equal(t, "none", st.Source)
}

func TestSnapshotLoop(t *testing.T) {
	cfg := &appconfig.Config{Hub: appconfig.HubConfig{SnapshotInterval: 10 * time.Millisecond}}
	h := New(cfg, nil)
	tr := &recordingTransport{}
	h.SetTransport(tr)

	require.NoError(t, h.Start(context.Background()))
	assert.Error(t, h.Start(context.Background()))

	h.OnTick(tick("EURUSD", 1))
	h.AddSession("s1")

	require.Eventually(t, func() bool {
		for _, m := range tr.byEvent(models.OutPrices) {
			if m.session == "" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	h.Shutdown()
	h.Shutdown()
}

func TestAllLatestIsACopy(t *testing.T) {
	h, _, _, _ := newTestHub(t)
	h.OnTick(tick("EURUSD", 1))
	all := h.AllLatest()
	delete(all, "EURUSD")
	_, ok := h.Latest("EURUSD")
	assert.True(t, ok)
}
