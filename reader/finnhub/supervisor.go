package finnhub

import (
	"context"
	"time"

	"tickflow/logger"
)

// Supervise restarts the session whenever it terminates, with exponential
// backoff between attempts. The base contract has no automatic reconnect;
// this policy is opt-in via session.supervise. Blocks until the context is
// cancelled.
func (r *Reader) Supervise(ctx context.Context) {
	cfg := r.config.Session
	log := r.log.WithComponent("session").WithFields(logger.Fields{"worker": "supervisor"})

	delay := cfg.ReconnectMin
	log.Info("session supervisor started")

	for {
		select {
		case <-ctx.Done():
			log.Info("session supervisor stopped")
			return
		case <-r.notify:
		}

		for {
			log.WithFields(logger.Fields{"delay": delay.String()}).Warn("session down, restarting")

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			if err := r.Restart(); err != nil {
				log.WithError(err).Warn("restart failed")
				delay *= 2
				if delay > cfg.ReconnectMax {
					delay = cfg.ReconnectMax
				}
				continue
			}

			delay = cfg.ReconnectMin
			break
		}
	}
}
