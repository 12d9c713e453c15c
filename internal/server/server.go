// Package server exposes the price hub to subscribers over websocket and a
// small read-only HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	appconfig "pricefeed/config"
	"pricefeed/internal/hub"
	"pricefeed/internal/metrics"
	"pricefeed/logger"
	"pricefeed/models"
	"pricefeed/processor"
)

// SpreadSource reports the effective spread per symbol.
type SpreadSource interface {
	Spreads(symbols []string) []processor.Resolution
	LastError() string
}

// envelope is the outbound wire format for every session message.
type envelope struct {
	Event models.OutboundEvent `json:"event"`
	Data  interface{}          `json:"data"`
}

// Server hosts the subscriber websocket endpoint and REST routes.
type Server struct {
	cfg        appconfig.ServerConfig
	appName    string
	hub        *hub.Hub
	spreads    SpreadSource
	upgrader   websocket.Upgrader
	httpServer *http.Server
	log        *logger.Log

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewServer builds the server and registers it as the hub's transport.
func NewServer(cfg *appconfig.Config, h *hub.Hub, spreads SpreadSource) *Server {
	sc := cfg.Server
	sc.Address = normalizeAddress(sc.Address)
	if sc.SendBuffer <= 0 {
		sc.SendBuffer = 256
	}
	if sc.ReadLimit <= 0 {
		sc.ReadLimit = 4096
	}
	if sc.PingInterval <= 0 {
		sc.PingInterval = 30 * time.Second
	}
	if sc.PongTimeout <= 0 {
		sc.PongTimeout = 60 * time.Second
	}
	if sc.WriteTimeout <= 0 {
		sc.WriteTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:      sc,
		appName:  cfg.Pricefeed.Name,
		hub:      h,
		spreads:  spreads,
		log:      logger.GetLogger(),
		sessions: make(map[string]*session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	h.SetTransport(s)
	return s
}

// Run serves HTTP until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithComponent("server").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("subscriber server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeSessions()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		s.closeSessions()
		return err
	}
}

// Address reports the normalized listen address.
func (s *Server) Address() string { return s.cfg.Address }

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	_ = router.SetTrustedProxies(nil)

	router.GET("/ws", s.handleWebsocket)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "name": s.appName})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Status())
	})
	api.GET("/prices", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.AllLatest())
	})
	api.GET("/prices/:symbol", func(c *gin.Context) {
		symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
		tick, ok := s.hub.Latest(symbol)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no price for " + symbol})
			return
		}
		c.JSON(http.StatusOK, tick)
	})
	api.GET("/spreads", s.handleSpreads)

	return router
}

func (s *Server) handleSpreads(c *gin.Context) {
	if s.spreads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "spread engine not configured"})
		return
	}
	var syms []string
	if q := c.Query("symbols"); q != "" {
		for _, sym := range strings.Split(q, ",") {
			if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
				syms = append(syms, sym)
			}
		}
	} else {
		syms = s.hub.Status().SubscribedSymbols
	}
	body := gin.H{"spreads": s.spreads.Spreads(syms)}
	if msg := s.spreads.LastError(); msg != "" {
		body["lastError"] = msg
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("server").WithError(err).Debug("websocket upgrade failed")
		return
	}

	sess := newSession(uuid.New().String(), conn, s)
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.log.WithComponent("server").WithFields(logger.Fields{
		"session": sess.id,
		"remote":  conn.RemoteAddr().String(),
	}).Debug("session connected")

	go sess.writePump()
	s.hub.AddSession(sess.id)
	go sess.readPump()
}

// removeSession is called once per session by its read pump.
func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.hub.RemoveSession(sess.id)
	s.log.WithComponent("server").WithFields(logger.Fields{"session": sess.id}).Debug("session disconnected")
}

func (s *Server) closeSessions() {
	s.mu.RLock()
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.RUnlock()
	for _, sess := range open {
		sess.close()
	}
}

// Broadcast encodes the event once and queues it on every session.
func (s *Server) Broadcast(event models.OutboundEvent, payload interface{}) {
	data, err := encode(event, payload)
	if err != nil {
		s.log.WithComponent("server").WithError(err).Warn("failed to encode broadcast")
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		sess.enqueue(data)
	}
}

// Emit queues the event on a single session.
func (s *Server) Emit(id string, event models.OutboundEvent, payload interface{}) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	data, err := encode(event, payload)
	if err != nil {
		s.log.WithComponent("server").WithError(err).Warn("failed to encode event")
		return
	}
	sess.enqueue(data)
}

// SessionCount returns the number of open websocket sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func encode(event models.OutboundEvent, payload interface{}) ([]byte, error) {
	return json.Marshal(envelope{Event: event, Data: payload})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
