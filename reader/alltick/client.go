// Package alltick streams forex, metals and crypto quotes from the AllTick
// websocket API and forwards them as raw ticks.
package alltick

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	appconfig "pricefeed/config"
	"pricefeed/internal/channel"
	"pricefeed/internal/metrics"
	"pricefeed/internal/symbols"
	"pricefeed/logger"
	"pricefeed/models"
)

const sourceName = "alltick"

// Status is a point in time view of the client.
type Status struct {
	State       string   `json:"state"`
	Connected   bool     `json:"connected"`
	VendorCodes []string `json:"vendorCodes"`
	Attempt     int      `json:"attempt"`
	LastError   string   `json:"lastError,omitempty"`
}

// Client owns one upstream websocket connection. It reconnects with
// exponential backoff after unexpected drops and replays the subscription
// set on every successful connect.
type Client struct {
	config   *appconfig.ProviderConfig
	channels *channel.Channels
	mapper   *symbols.Mapper
	dialer   *websocket.Dialer
	limiter  *rate.Limiter
	books    *bookSpreads
	seq      atomic.Int64
	state    atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
	log    *logger.Log

	// mu guards the live connection and status fields.
	mu         sync.RWMutex
	conn       *websocket.Conn
	connCancel context.CancelFunc
	attempt    int
	lastErr    string

	// subMu serialises subscription changes with replay.
	subMu   sync.Mutex
	writeMu sync.Mutex
	subs    map[string]struct{}
}

// NewClient creates a client. mapper may be nil for the default mapping.
func NewClient(cfg *appconfig.Config, ch *channel.Channels, mapper *symbols.Mapper) *Client {
	if mapper == nil {
		mapper = symbols.Default()
	}
	pc := &cfg.Provider

	limit := rate.Inf
	burst := pc.SubscribeRate.BurstSize
	if pc.SubscribeRate.RequestsPerSecond > 0 {
		limit = rate.Limit(pc.SubscribeRate.RequestsPerSecond)
	}
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		config:   pc,
		channels: ch,
		mapper:   mapper,
		dialer: &websocket.Dialer{
			HandshakeTimeout: pc.ConnectTimeout,
		},
		limiter: rate.NewLimiter(limit, burst),
		books:   newBookSpreads(),
		ctx:     context.Background(),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
		subs:    make(map[string]struct{}),
	}
}

// Name identifies the price source in events and status output.
func (c *Client) Name() string { return sourceName }

// State returns the connection state.
func (c *Client) State() models.ConnectionState {
	return models.ConnectionState(c.state.Load())
}

// Connected reports whether the client is streaming.
func (c *Client) Connected() bool {
	return c.State() == models.StateConnected
}

func (c *Client) setState(s models.ConnectionState) {
	c.state.Store(int32(s))
	metrics.SetConnectionState(int(s))
}

// Connect dials the upstream and starts streaming. It fails with a
// *ConnectionError when the handshake is rejected or times out; the client
// is then left disconnected. ctx bounds the whole lifetime of the client,
// reconnects included.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.State() != models.StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("alltick client already %s", c.State())
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.setState(models.StateConnecting)
	c.mu.Unlock()

	log := c.log.WithComponent("alltick_client").WithFields(logger.Fields{"operation": "connect", "url": c.config.URL})
	log.Info("connecting to upstream")

	conn, err := c.dial(c.ctx)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err.Error()
		c.setState(models.StateDisconnected)
		c.cancel()
		c.mu.Unlock()
		log.WithError(err).Warn("upstream connect failed")
		return err
	}

	if !c.attach(conn) {
		conn.Close()
		return fmt.Errorf("alltick client disconnected while connecting")
	}
	log.Info("upstream connected")
	return nil
}

func (c *Client) endpoint() string {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return c.config.URL
	}
	if c.config.Token != "" {
		q := u.Query()
		q.Set("token", c.config.Token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	timeout := c.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dctx, c.endpoint(), nil)
	if err != nil {
		cerr := &ConnectionError{URL: c.config.URL, Err: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
		}
		if dctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			cerr.Err = fmt.Errorf("%w: %v", dctx.Err(), err)
		}
		return nil, cerr
	}
	if c.config.ReadLimit > 0 {
		conn.SetReadLimit(c.config.ReadLimit)
	}
	return conn, nil
}

// attach installs a freshly dialled connection, starts its read and
// heartbeat loops and replays the subscription set. It returns false when
// the client was shut down in the meantime.
func (c *Client) attach(conn *websocket.Conn) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	connCtx, cancel := context.WithCancel(c.ctx)
	c.conn = conn
	c.connCancel = cancel
	c.attempt = 0
	c.lastErr = ""
	c.setState(models.StateConnected)
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop(connCtx, conn)
	go c.heartbeat(connCtx, conn)

	c.channels.SendEvent(c.ctx, models.ProviderEvent{Kind: models.EventConnected, Source: sourceName})

	if codes := c.vendorCodesLocked(); len(codes) > 0 {
		if err := c.sendSubscribe(connCtx, conn, codes); err != nil {
			c.log.WithComponent("alltick_client").WithError(err).Warn("failed to replay subscriptions")
		}
	}
	return true
}

// Subscribe adds symbols to the subscription set. When connected and the
// set grew, the whole set is sent once per configured stream kind.
// Otherwise the set is replayed on the next successful connect.
func (c *Client) Subscribe(ctx context.Context, syms []string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	grew := false
	for _, s := range syms {
		code := c.mapper.ToVendor(s)
		if code == "" {
			continue
		}
		if _, ok := c.subs[code]; !ok {
			c.subs[code] = struct{}{}
			grew = true
		}
	}
	metrics.SetSubscribedSymbols(len(c.subs))
	if !grew {
		return nil
	}

	c.mu.RLock()
	conn := c.conn
	connected := c.State() == models.StateConnected && conn != nil
	c.mu.RUnlock()
	if !connected {
		c.log.WithComponent("alltick_client").WithFields(logger.Fields{"symbols": len(c.subs)}).Debug("not connected, subscription deferred")
		return nil
	}
	return c.sendSubscribe(ctx, conn, c.vendorCodesLocked())
}

func (c *Client) vendorCodesLocked() []string {
	codes := make([]string, 0, len(c.subs))
	for code := range c.subs {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Subscriptions returns the subscription set as internal symbols.
func (c *Client) Subscriptions() []string {
	c.subMu.Lock()
	codes := c.vendorCodesLocked()
	c.subMu.Unlock()

	out := make([]string, len(codes))
	for i, code := range codes {
		out[i] = c.mapper.ToInternal(code)
	}
	sort.Strings(out)
	return out
}

func (c *Client) streams() []string {
	if len(c.config.Streams) == 0 {
		return []string{StreamDepth, StreamTrade}
	}
	return c.config.Streams
}

func (c *Client) sendSubscribe(ctx context.Context, conn *websocket.Conn, codes []string) error {
	log := c.log.WithComponent("alltick_client").WithFields(logger.Fields{"operation": "subscribe", "symbols": len(codes)})

	for _, stream := range c.streams() {
		var cmd, depth int
		switch stream {
		case StreamDepth:
			cmd, depth = cmdDepthSubscribe, c.config.DepthLevel
			if depth <= 0 {
				depth = 1
			}
		case StreamTrade:
			cmd = cmdTradeSubscribe
		default:
			log.WithFields(logger.Fields{"stream": stream}).Warn("unknown stream kind, skipping")
			continue
		}

		list := make([]symbolEntry, len(codes))
		for i, code := range codes {
			list[i] = symbolEntry{Code: code, DepthLevel: depth}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := c.write(conn, c.newRequest(cmd, subscribeData{SymbolList: list})); err != nil {
			return fmt.Errorf("subscribe %s: %w", stream, err)
		}
		log.WithFields(logger.Fields{"stream": stream}).Info("subscription request sent")
	}
	return nil
}

func (c *Client) newRequest(cmd int, data interface{}) request {
	return request{
		CmdID: cmd,
		SeqID: c.seq.Add(1),
		Trace: uuid.NewString(),
		Data:  data,
	}
}

func (c *Client) write(conn *websocket.Conn, v interface{}) error {
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	return conn.WriteJSON(v)
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	interval := c.config.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(conn, c.newRequest(cmdHeartbeat, struct{}{})); err != nil {
				c.log.WithComponent("alltick_client").WithError(err).Warn("heartbeat failed, closing connection")
				// the read loop observes the close and starts reconnecting
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.connectionLost(conn, err)
			}
			return
		}
		c.processMessage(msg)
	}
}

// processMessage decodes one frame. It returns true when a raw tick was
// forwarded.
func (c *Client) processMessage(msg []byte) bool {
	log := c.log.WithComponent("alltick_client")

	f, err := decodeFrame(msg)
	if err != nil {
		metrics.DroppedTick("malformed")
		log.WithError(err).Debug("dropping frame")
		return false
	}

	switch f.CmdID {
	case cmdDepthPush:
		return c.handleDepth(f)
	case cmdTradePush:
		return c.handleTrade(f)
	case cmdHeartbeatResp:
		return false
	case cmdDepthSubscribeAck, cmdTradeSubscribeAck:
		if f.Ret != retOK {
			err := fmt.Errorf("subscription rejected: ret=%d msg=%s", f.Ret, f.Msg)
			log.WithError(err).Warn("upstream rejected subscription")
			c.channels.SendEvent(c.ctx, models.ProviderEvent{Kind: models.EventError, Source: sourceName, Err: err})
			return false
		}
		log.WithFields(logger.Fields{"cmd_id": f.CmdID}).Debug("subscription acknowledged")
		return false
	default:
		log.WithFields(logger.Fields{"cmd_id": f.CmdID}).Debug("ignoring unknown command")
		return false
	}
}

func (c *Client) handleDepth(f frame) bool {
	var push depthPush
	if err := decodeData(f, &push); err != nil || len(push.Bids) == 0 || len(push.Asks) == 0 {
		metrics.DroppedTick("malformed")
		return false
	}
	bid, okBid := parsePrice(push.Bids[0].Price)
	ask, okAsk := parsePrice(push.Asks[0].Price)
	if !okBid || !okAsk || ask.LessThan(bid) {
		metrics.DroppedTick("invalid_quote")
		return false
	}
	c.books.set(push.Code, ask.Sub(bid))

	return c.forward(models.RawTick{
		VendorCode: push.Code,
		Symbol:     c.mapper.ToInternal(push.Code),
		Kind:       models.TickKindDepth,
		Bid:        bid,
		Ask:        ask,
		Price:      bid.Add(ask).Mul(models.Half),
		VendorTime: parseTickTime(push.TickTime),
	})
}

func (c *Client) handleTrade(f frame) bool {
	var push tradePush
	if err := decodeData(f, &push); err != nil {
		metrics.DroppedTick("malformed")
		return false
	}
	price, ok := parsePrice(push.Price)
	if !ok {
		metrics.DroppedTick("invalid_quote")
		return false
	}

	raw := models.RawTick{
		VendorCode: push.Code,
		Symbol:     c.mapper.ToInternal(push.Code),
		Kind:       models.TickKindTrade,
		Price:      price,
		VendorTime: parseTickTime(push.TickTime),
	}
	spread, ok := c.books.get(push.Code)
	if !ok {
		spread = DefaultQuoteSpread(c.mapper, raw.Symbol)
	}
	synthesize(&raw, spread)
	return c.forward(raw)
}

func (c *Client) forward(raw models.RawTick) bool {
	raw.ReceivedAt = time.Now()
	raw.Source = sourceName
	if !c.channels.SendRaw(c.ctx, raw) {
		return false
	}
	logger.IncrementRawTick()
	metrics.RawTick(string(raw.Kind))
	return true
}

// connectionLost moves a connected client into Reconnecting. Stale
// connections and manual shutdowns are ignored.
func (c *Client) connectionLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.State() != models.StateConnected {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
	}
	c.lastErr = cause.Error()
	c.setState(models.StateReconnecting)
	c.mu.Unlock()
	conn.Close()

	err := fmt.Errorf("%w: %v", ErrTransientUpstream, cause)
	c.log.WithComponent("alltick_client").WithError(err).Warn("upstream connection lost, reconnecting")
	c.channels.SendEvent(c.ctx, models.ProviderEvent{Kind: models.EventDisconnected, Source: sourceName, Err: err})

	c.wg.Add(1)
	go c.reconnect(err)
}

func (c *Client) newBackoff() *backoff.Backoff {
	rc := c.config.Reconnect
	b := &backoff.Backoff{
		Min:    rc.BaseDelay,
		Max:    rc.MaxDelay,
		Factor: rc.Factor,
		Jitter: false,
	}
	if b.Min <= 0 {
		b.Min = time.Second
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.Factor <= 0 {
		b.Factor = 2
	}
	return b
}

func (c *Client) reconnect(cause error) {
	defer c.wg.Done()

	log := c.log.WithComponent("alltick_client").WithFields(logger.Fields{"operation": "reconnect"})
	b := c.newBackoff()
	maxAttempts := c.config.Reconnect.MaxAttempts

	for attempt := 1; maxAttempts <= 0 || attempt <= maxAttempts; attempt++ {
		if c.ctx.Err() != nil {
			return
		}
		delay := b.Duration()

		c.mu.Lock()
		c.attempt = attempt
		c.mu.Unlock()
		logger.IncrementReconnect()
		metrics.ReconnectAttempt()
		log.WithFields(logger.Fields{"attempt": attempt, "delay": delay.String()}).Info("scheduling reconnect")
		c.channels.SendEvent(c.ctx, models.ProviderEvent{
			Kind:    models.EventReconnecting,
			Source:  sourceName,
			Err:     cause,
			Attempt: attempt,
			Delay:   delay,
		})

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := c.dial(c.ctx)
		if err != nil {
			c.mu.Lock()
			c.lastErr = err.Error()
			c.mu.Unlock()
			log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("reconnect attempt failed")
			continue
		}
		if c.State() != models.StateReconnecting || !c.attach(conn) {
			conn.Close()
			return
		}
		log.WithFields(logger.Fields{"attempt": attempt}).Info("upstream reconnected")
		return
	}

	c.mu.Lock()
	if c.State() != models.StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.setState(models.StateDisconnected)
	c.mu.Unlock()

	log.WithFields(logger.Fields{"max_attempts": maxAttempts}).Error("reconnect attempts exhausted")
	c.channels.SendEvent(c.ctx, models.ProviderEvent{
		Kind:    models.EventMaxAttemptsExceeded,
		Source:  sourceName,
		Err:     cause,
		Attempt: maxAttempts,
	})
}

// Disconnect closes the connection and cancels heartbeat and reconnect
// timers. A Disconnected event is emitted when the client was not already
// disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	prev := c.State()
	conn := c.conn
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.setState(models.StateDisconnected)
	c.mu.Unlock()

	log := c.log.WithComponent("alltick_client")
	log.Info("disconnecting from upstream")

	if conn != nil {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		conn.Close()
	}
	c.wg.Wait()

	if prev != models.StateDisconnected {
		c.channels.SendEvent(context.Background(), models.ProviderEvent{Kind: models.EventDisconnected, Source: sourceName})
	}
	log.Info("upstream disconnected")
}

// Status returns the state, subscribed vendor codes, reconnect attempt and
// last error.
func (c *Client) Status() Status {
	c.subMu.Lock()
	codes := c.vendorCodesLocked()
	c.subMu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()
	state := c.State()
	return Status{
		State:       state.String(),
		Connected:   state == models.StateConnected,
		VendorCodes: codes,
		Attempt:     c.attempt,
		LastError:   c.lastErr,
	}
}
