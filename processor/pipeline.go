package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pricefeed/internal/channel"
	"pricefeed/internal/metrics"
	"pricefeed/logger"
	"pricefeed/models"
)

// PriceSink receives priced ticks and provider lifecycle events in order.
type PriceSink interface {
	OnTick(tick models.Tick)
	OnProviderEvent(ev models.ProviderEvent)
}

// Pipeline drains a source's channels on a single goroutine so every raw
// tick is priced, cached and fanned out before the next one is read.
type Pipeline struct {
	channels *channel.Channels
	engine   *SpreadEngine
	sink     PriceSink
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	processed int64
	dropped   int64
}

func NewPipeline(ch *channel.Channels, engine *SpreadEngine, sink PriceSink) *Pipeline {
	return &Pipeline{
		channels: ch,
		engine:   engine,
		sink:     sink,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.log.WithComponent("pipeline").Info("starting price pipeline")

	p.wg.Add(1)
	go p.run()
	return nil
}

func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.running = false
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.log.WithComponent("pipeline").Info("stopping price pipeline")
	p.wg.Wait()
	p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"processed": p.processed,
		"dropped":   p.dropped,
	}).Info("price pipeline stopped")
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case raw, ok := <-p.channels.Raw:
			if !ok {
				return
			}
			p.handleRaw(raw)
		case ev, ok := <-p.channels.Events:
			if !ok {
				return
			}
			p.sink.OnProviderEvent(ev)
		}
	}
}

func (p *Pipeline) handleRaw(raw models.RawTick) {
	tick, err := p.engine.PriceTick(raw)
	if err != nil {
		p.dropped++
		logger.IncrementDropped()
		if errors.Is(err, ErrInvalidPrice) {
			metrics.DroppedTick("invalid_price")
		} else {
			metrics.DroppedTick("pricing_error")
		}
		p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{"symbol": raw.Symbol}).Debug("dropping tick")
		return
	}
	p.processed++
	logger.IncrementPricedTick()
	metrics.PricedTick()
	p.sink.OnTick(tick)
}
