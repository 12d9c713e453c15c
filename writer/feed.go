package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "pricefeed/config"
	"pricefeed/internal/metrics"
	"pricefeed/logger"
	"pricefeed/models"
)

const maxFeedBatch = 256

// messageWriter is the part of *kafka.Writer the feed needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TradeFeedWriter hands every accepted price update to the trade engine by
// publishing it to a Kafka topic keyed by symbol. Updates are queued on a
// bounded channel drained by a single worker, so per-symbol order is kept.
type TradeFeedWriter struct {
	config  *appconfig.Config
	writer  messageWriter
	updates chan models.PriceUpdate
	done    chan struct{}
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	stopped bool
	log     *logger.Log

	written atomic.Int64
	failed  atomic.Int64
}

func NewTradeFeedWriter(cfg *appconfig.Config) (*TradeFeedWriter, error) {
	if len(cfg.Storage.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kw := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Storage.Kafka.Brokers...),
		Topic:        cfg.Storage.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.Storage.Kafka.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	w := newTradeFeedWriter(cfg, kw)
	w.log.WithComponent("trade_feed").WithFields(logger.Fields{
		"brokers": cfg.Storage.Kafka.Brokers,
		"topic":   cfg.Storage.Kafka.Topic,
	}).Info("trade feed writer initialized")
	return w, nil
}

func newTradeFeedWriter(cfg *appconfig.Config, mw messageWriter) *TradeFeedWriter {
	size := cfg.Writer.FeedBuffer
	if size <= 0 {
		size = 8192
	}
	return &TradeFeedWriter{
		config:  cfg,
		writer:  mw,
		updates: make(chan models.PriceUpdate, size),
		done:    make(chan struct{}),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

func (w *TradeFeedWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("trade feed writer already running")
	}
	if w.stopped {
		return fmt.Errorf("trade feed writer stopped")
	}
	w.running = true
	w.ctx = ctx

	w.wg.Add(1)
	go w.run()

	w.log.WithComponent("trade_feed").Info("trade feed writer started")
	return nil
}

// UpdatePrice queues an update. It blocks only while the buffer is full and
// drops the update once the writer has been stopped.
func (w *TradeFeedWriter) UpdatePrice(symbol string, u models.PriceUpdate) {
	w.mu.RLock()
	running := w.running
	w.mu.RUnlock()
	if !running {
		metrics.DroppedTick("feed_stopped")
		return
	}
	if u.Symbol == "" {
		u.Symbol = symbol
	}
	select {
	case w.updates <- u:
	case <-w.done:
		metrics.DroppedTick("feed_stopped")
	}
}

func (w *TradeFeedWriter) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			w.drain()
			return
		case <-w.ctx.Done():
			w.drain()
			return
		case u := <-w.updates:
			batch := w.collect([]models.PriceUpdate{u})
			w.publish(w.ctx, batch)
		}
	}
}

// collect appends whatever is already queued, up to maxFeedBatch.
func (w *TradeFeedWriter) collect(batch []models.PriceUpdate) []models.PriceUpdate {
	for len(batch) < maxFeedBatch {
		select {
		case u := <-w.updates:
			batch = append(batch, u)
		default:
			return batch
		}
	}
	return batch
}

func (w *TradeFeedWriter) drain() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), 5*time.Second)
	defer cancel()
	for {
		batch := w.collect(nil)
		if len(batch) == 0 {
			return
		}
		w.publish(ctx, batch)
	}
}

func (w *TradeFeedWriter) publish(ctx context.Context, batch []models.PriceUpdate) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, u := range batch {
		data, err := json.Marshal(u)
		if err != nil {
			w.log.WithComponent("trade_feed").WithError(err).Warn("failed to marshal price update")
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(u.Symbol),
			Value: data,
			Time:  time.UnixMilli(u.Time),
		})
	}
	if len(msgs) == 0 {
		return
	}

	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		w.failed.Add(int64(len(msgs)))
		metrics.WriterFlush("kafka", "error")
		w.log.WithComponent("trade_feed").WithError(err).WithFields(logger.Fields{
			"messages": len(msgs),
		}).Warn("failed to publish price updates")
		return
	}
	w.written.Add(int64(len(msgs)))
	metrics.WriterFlush("kafka", "ok")
}

func (w *TradeFeedWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.stopped = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	if err := w.writer.Close(); err != nil {
		w.log.WithComponent("trade_feed").WithError(err).Warn("failed to close kafka writer")
	}
	w.log.WithComponent("trade_feed").WithFields(logger.Fields{
		"written": w.written.Load(),
		"failed":  w.failed.Load(),
	}).Info("trade feed writer stopped")
}

// Stats returns published and failed message counts.
func (w *TradeFeedWriter) Stats() (written, failed int64) {
	return w.written.Load(), w.failed.Load()
}
