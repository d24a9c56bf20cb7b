package processor

import (
	"context"
	"fmt"
	"sync"

	"tickflow/internal/channel"
	"tickflow/logger"
	"tickflow/router"
)

// Pipeline consumes raw ticks, normalizes them and hands mappable records to
// the router. A single worker preserves receipt order, so inserts reach the
// limiter in the order ticks arrived on the stream.
type Pipeline struct {
	normalizer *Normalizer
	channels   *channel.Channels
	router     *router.Router
	archive    bool
	ctx        context.Context
	wg         *sync.WaitGroup
	mu         sync.RWMutex
	running    bool
	log        *logger.Log
}

// NewPipeline wires the normalizer between the tick channels and the router.
// When archive is true every normalized record is also offered to the norm
// channel for the archive writer.
func NewPipeline(normalizer *Normalizer, channels *channel.Channels, r *router.Router, archive bool) *Pipeline {
	return &Pipeline{
		normalizer: normalizer,
		channels:   channels,
		router:     r,
		archive:    archive,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
	}
}

func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	p.wg.Add(1)
	go p.worker()

	p.log.WithComponent("pipeline").Info("pipeline started")
	return nil
}

func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("pipeline").Info("stopping pipeline")
	p.wg.Wait()
	p.log.WithComponent("pipeline").Info("pipeline stopped")
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{"worker": "normalize_route"})
	log.Info("starting normalize/route worker")

	for {
		select {
		case <-p.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case tick, ok := <-p.channels.Raw:
			if !ok {
				log.Info("raw channel closed")
				return
			}

			record, mapped := p.normalizer.Normalize(tick)
			if !mapped {
				log.WithFields(logger.Fields{"symbol": tick.Symbol}).Warn("unmapped symbol, dropping tick")
				continue
			}

			p.router.Route(record)

			if p.archive {
				p.channels.SendNorm(p.ctx, record)
			}
		}
	}
}
