package channel

import (
	"context"
	"sync"
	"time"

	"tickflow/logger"
	"tickflow/models"
)

type ChannelStats struct {
	RawSent     int64
	NormSent    int64
	RawDropped  int64
	NormDropped int64
}

// Channels carries ticks between the receive loop and the normalize/route
// pipeline (Raw) and to the optional archive writer (Norm). Both sides are
// bounded; the raw side drops with a counter under sustained overload so the
// receive loop never blocks on downstream I/O.
type Channels struct {
	Raw  chan models.RawTick
	Norm chan models.NormalizedRecord

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(rawBufferSize, normBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw:  make(chan models.RawTick, rawBufferSize),
		Norm: make(chan models.NormalizedRecord, normBufferSize),
		log:  log,
	}

	log.WithComponent("tick_channels").WithFields(logger.Fields{
		"raw_buffer_size":  rawBufferSize,
		"norm_buffer_size": normBufferSize,
	}).Info("tick channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Raw)
	close(c.Norm)
	c.log.WithComponent("tick_channels").Info("tick channels closed")
}

func (c *Channels) IncrementRawSent() {
	c.statsMutex.Lock()
	c.stats.RawSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementNormSent() {
	c.statsMutex.Lock()
	c.stats.NormSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementRawDropped() {
	c.statsMutex.Lock()
	c.stats.RawDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementNormDropped() {
	c.statsMutex.Lock()
	c.stats.NormDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) SendRaw(ctx context.Context, tick models.RawTick) bool {
	select {
	case c.Raw <- tick:
		c.IncrementRawSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementRawDropped()
		logger.IncrementTickDropped()
		return false
	}
}

func (c *Channels) SendNorm(ctx context.Context, record models.NormalizedRecord) bool {
	select {
	case c.Norm <- record:
		c.IncrementNormSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementNormDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting logs channel stats once a minute until the context
// is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			c.log.WithComponent("tick_channels").WithFields(logger.Fields{
				"raw_sent":     stats.RawSent,
				"raw_dropped":  stats.RawDropped,
				"norm_sent":    stats.NormSent,
				"norm_dropped": stats.NormDropped,
				"raw_depth":    len(c.Raw),
				"norm_depth":   len(c.Norm),
			}).Info("channel stats")
		}
	}
}
