package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"pricefeed/internal/hub"
	"pricefeed/internal/metrics"
	"pricefeed/logger"
	"pricefeed/models"
)

// inbound is a client request. Symbols may also arrive as a single string.
type inbound struct {
	Action  string          `json:"action"`
	Symbols json.RawMessage `json:"symbols,omitempty"`
	Symbol  string          `json:"symbol,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type session struct {
	id      string
	conn    *websocket.Conn
	server  *Server
	send    chan []byte
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once
	log     *logger.Entry
}

func newSession(id string, conn *websocket.Conn, s *Server) *session {
	limit := rate.Inf
	burst := s.cfg.RequestRate.BurstSize
	if rps := s.cfg.RequestRate.RequestsPerSecond; rps > 0 {
		limit = rate.Limit(rps)
		if burst <= 0 {
			burst = 1
		}
	}
	return &session{
		id:      id,
		conn:    conn,
		server:  s,
		send:    make(chan []byte, s.cfg.SendBuffer),
		limiter: rate.NewLimiter(limit, burst),
		done:    make(chan struct{}),
		log:     s.log.WithComponent("session").WithFields(logger.Fields{"session": id}),
	}
}

// enqueue never blocks; a full send buffer drops the message.
func (c *session) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		metrics.DroppedTick("slow_session")
		c.log.Debug("send buffer full, dropping message")
	}
}

func (c *session) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *session) readPump() {
	defer func() {
		c.close()
		c.server.removeSession(c)
	}()

	cfg := c.server.cfg
	c.conn.SetReadLimit(cfg.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("unexpected session close")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))

		if !c.limiter.Allow() {
			c.emitError("rate limit exceeded")
			continue
		}
		c.handle(data)
	}
}

func (c *session) writePump() {
	cfg := c.server.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.WithError(err).Debug("session write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *session) handle(data []byte) {
	var req inbound
	if err := json.Unmarshal(data, &req); err != nil {
		c.emitError("invalid message")
		return
	}

	h := c.server.hub
	switch req.Action {
	case "subscribe":
		syms := parseSymbols(req.Symbols)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Subscribe(ctx, c.id, syms); err != nil {
			c.emitHubError(err)
		}
	case "unsubscribe":
		if err := h.Unsubscribe(c.id, parseSymbols(req.Symbols)); err != nil {
			c.emitHubError(err)
		}
	case "getStatus":
		c.server.Emit(c.id, models.OutStatus, h.Status())
	case "getPrices":
		c.server.Emit(c.id, models.OutPrices, h.AllLatest())
	case "getPrice":
		symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
		if tick, ok := h.Latest(symbol); ok {
			c.server.Emit(c.id, models.OutPrice, tick)
			return
		}
		c.server.Emit(c.id, models.OutPrice, nil)
	default:
		c.emitError("unknown action: " + req.Action)
	}
}

func (c *session) emitHubError(err error) {
	switch {
	case errors.Is(err, hub.ErrNoSymbols):
		c.emitError("no symbols given")
	case errors.Is(err, hub.ErrUnknownSession):
		c.emitError("session closed")
	default:
		c.emitError(err.Error())
	}
}

func (c *session) emitError(msg string) {
	c.server.Emit(c.id, models.OutError, errorPayload{Message: msg})
}

// parseSymbols accepts either a JSON array or a single string.
func parseSymbols(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil && one != "" {
		return []string{one}
	}
	return nil
}
