package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "pricefeed/config"
	"pricefeed/internal/metrics"
	"pricefeed/logger"
	"pricefeed/models"
)

// mirrorBackend stores one flush of latest ticks, keyed by symbol.
type mirrorBackend interface {
	Ping(ctx context.Context) error
	Write(ctx context.Context, key, channel string, ttl time.Duration, entries map[string][]byte) error
	Close() error
}

type redisBackend struct {
	client *redis.Client
}

func (b *redisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Write sets every entry on the hash, publishes it and refreshes the TTL in
// a single pipeline round trip.
func (b *redisBackend) Write(ctx context.Context, key, channel string, ttl time.Duration, entries map[string][]byte) error {
	_, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		fields := make([]interface{}, 0, len(entries)*2)
		for symbol, data := range entries {
			fields = append(fields, symbol, data)
			if channel != "" {
				p.Publish(ctx, channel, data)
			}
		}
		p.HSet(ctx, key, fields...)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	return err
}

func (b *redisBackend) Close() error { return b.client.Close() }

// RedisMirror keeps the latest tick per symbol in a Redis hash so processes
// outside the feed can read prices without a websocket session. Ticks are
// coalesced in memory and written once per flush interval.
type RedisMirror struct {
	config   *appconfig.Config
	backend  mirrorBackend
	key      string
	channel  string
	ttl      time.Duration
	interval time.Duration

	pendingMu sync.Mutex
	pending   map[string]models.Tick

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewRedisMirror(cfg *appconfig.Config) (*RedisMirror, error) {
	if cfg.Storage.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address not configured")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	m := newRedisMirror(cfg, &redisBackend{client: client})
	m.log.WithComponent("redis_mirror").WithFields(logger.Fields{
		"addr":    cfg.Storage.Redis.Addr,
		"key":     m.key,
		"channel": m.channel,
	}).Info("redis mirror initialized")
	return m, nil
}

func newRedisMirror(cfg *appconfig.Config, backend mirrorBackend) *RedisMirror {
	key := cfg.Storage.Redis.Key
	if key == "" {
		key = "prices:latest"
	}
	interval := cfg.Writer.Buffer.MirrorFlushInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &RedisMirror{
		config:   cfg,
		backend:  backend,
		key:      key,
		channel:  cfg.Storage.Redis.Channel,
		ttl:      cfg.Storage.Redis.TTL,
		interval: interval,
		pending:  make(map[string]models.Tick),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Record replaces the pending tick for the symbol.
func (m *RedisMirror) Record(t models.Tick) {
	m.pendingMu.Lock()
	m.pending[t.Symbol] = t
	m.pendingMu.Unlock()
}

func (m *RedisMirror) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("redis mirror already running")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.backend.Ping(pingCtx); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.flushWorker()

	m.log.WithComponent("redis_mirror").WithFields(logger.Fields{
		"interval": m.interval.String(),
	}).Info("redis mirror started")
	return nil
}

func (m *RedisMirror) flushWorker() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.flush(context.WithoutCancel(m.ctx), "shutdown")
			return
		case <-ticker.C:
			m.flush(m.ctx, "interval")
		}
	}
}

func (m *RedisMirror) flush(ctx context.Context, reason string) {
	m.pendingMu.Lock()
	batch := m.pending
	m.pending = make(map[string]models.Tick, len(batch))
	m.pendingMu.Unlock()

	if len(batch) == 0 {
		return
	}

	entries := make(map[string][]byte, len(batch))
	for symbol, t := range batch {
		data, err := json.Marshal(t)
		if err != nil {
			m.log.WithComponent("redis_mirror").WithError(err).WithFields(logger.Fields{
				"symbol": symbol,
			}).Warn("failed to marshal tick")
			continue
		}
		entries[symbol] = data
	}

	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := m.backend.Write(writeCtx, m.key, m.channel, m.ttl, entries); err != nil {
		metrics.WriterFlush("redis", "error")
		m.log.WithComponent("redis_mirror").WithError(err).WithFields(logger.Fields{
			"symbols": len(entries),
			"reason":  reason,
		}).Warn("failed to mirror prices")
		m.restore(batch)
		return
	}
	metrics.WriterFlush("redis", "ok")
	m.log.WithComponent("redis_mirror").WithFields(logger.Fields{
		"symbols": len(entries),
		"reason":  reason,
	}).Debug("prices mirrored")
}

// restore puts back ticks from a failed flush unless a newer one arrived.
func (m *RedisMirror) restore(batch map[string]models.Tick) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for symbol, t := range batch {
		if _, newer := m.pending[symbol]; !newer {
			m.pending[symbol] = t
		}
	}
}

func (m *RedisMirror) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	if err := m.backend.Close(); err != nil {
		m.log.WithComponent("redis_mirror").WithError(err).Warn("failed to close redis client")
	}
	m.log.WithComponent("redis_mirror").Info("redis mirror stopped")
}
