package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pricefeed/internal/metrics"
	"pricefeed/logger"
	"pricefeed/models"
)

type ChannelStats struct {
	RawSent       int64
	EventsSent    int64
	EventsDropped int64
}

// Channels carries raw ticks and provider events from a price source to the
// pipeline. Raw ticks are never dropped: SendRaw blocks until there is room
// or the context ends.
type Channels struct {
	Raw    chan models.RawTick
	Events chan models.ProviderEvent

	rawSent       int64
	eventsSent    int64
	eventsDropped int64

	closeOnce sync.Once
	log       *logger.Log
}

func NewChannels(rawBufferSize, eventBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw:    make(chan models.RawTick, rawBufferSize),
		Events: make(chan models.ProviderEvent, eventBufferSize),
		log:    log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size":   rawBufferSize,
		"event_buffer_size": eventBufferSize,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		close(c.Events)
		c.log.WithComponent("channels").Info("channels closed")
	})
}

// SendRaw enqueues a raw tick, waiting for buffer space. It returns false
// only when ctx is done.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawTick) bool {
	select {
	case c.Raw <- msg:
		atomic.AddInt64(&c.rawSent, 1)
		return true
	case <-ctx.Done():
		return false
	}
}

// SendEvent enqueues a lifecycle event. A full buffer waits up to one
// second before the event is dropped so a stalled consumer cannot wedge the
// reconnect loop. Terminal events are never dropped: they wait for space
// until ctx ends.
func (c *Channels) SendEvent(ctx context.Context, ev models.ProviderEvent) bool {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case c.Events <- ev:
		atomic.AddInt64(&c.eventsSent, 1)
		return true
	default:
	}

	if ev.Kind.Terminal() {
		select {
		case c.Events <- ev:
			atomic.AddInt64(&c.eventsSent, 1)
			return true
		case <-ctx.Done():
			atomic.AddInt64(&c.eventsDropped, 1)
			return false
		}
	}

	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case c.Events <- ev:
		atomic.AddInt64(&c.eventsSent, 1)
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		atomic.AddInt64(&c.eventsDropped, 1)
		c.log.WithComponent("channels").WithFields(logger.Fields{"event": string(ev.Kind)}).Warn("event channel full, dropping event")
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	return ChannelStats{
		RawSent:       atomic.LoadInt64(&c.rawSent),
		EventsSent:    atomic.LoadInt64(&c.eventsSent),
		EventsDropped: atomic.LoadInt64(&c.eventsDropped),
	}
}

// StartMetricsReporting publishes channel occupancy every interval until ctx
// is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.report()
			}
		}
	}()
}

func (c *Channels) report() {
	metrics.SetChannelLength("raw", len(c.Raw))
	metrics.SetChannelLength("events", len(c.Events))

	stats := c.GetStats()
	c.log.WithComponent("channels").WithFields(logger.Fields{
		"raw_sent":          stats.RawSent,
		"events_sent":       stats.EventsSent,
		"events_dropped":    stats.EventsDropped,
		"raw_channel_len":   len(c.Raw),
		"raw_channel_cap":   cap(c.Raw),
		"event_channel_len": len(c.Events),
		"event_channel_cap": cap(c.Events),
	}).Debug("channel statistics")
}
