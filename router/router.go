package router

import (
	"context"

	"tickflow/limiter"
	"tickflow/logger"
	"tickflow/models"
)

// Sink is the durable record-insert contract one symbol class is persisted
// through. Retry policy is the sink's own business.
type Sink interface {
	Insert(ctx context.Context, record models.NormalizedRecord) error
}

// Scheduler is the slice of the rate limiter the router needs. It exists so
// tests can substitute an immediate fake.
type Scheduler interface {
	Schedule(op limiter.Op) <-chan error
}

// aliasTable maps provider symbol strings to the canonical class. Adding a
// provider alias means adding a row here, nothing else.
var aliasTable = map[string]models.SymbolClass{
	"SPY":              models.ClassSPY,
	"GSPC":             models.ClassSPX,
	"^GSPC":            models.ClassSPX,
	"OANDA:SPX500_USD": models.ClassSPX,
	"^VIX":             models.ClassVIX,
}

// Resolve maps a provider symbol to its symbol class. The second return is
// false for symbols outside the routing table.
func Resolve(symbol string) (models.SymbolClass, bool) {
	class, ok := aliasTable[symbol]
	return class, ok
}

// Router hands normalized records to the sink for their symbol class, one
// scheduled insert per record, all through the shared limiter.
type Router struct {
	sinks     map[models.SymbolClass]Sink
	scheduler Scheduler
	log       *logger.Log
}

func New(scheduler Scheduler, sinks map[models.SymbolClass]Sink) *Router {
	return &Router{
		sinks:     sinks,
		scheduler: scheduler,
		log:       logger.GetLogger(),
	}
}

// Route schedules exactly one insert for the record and returns without
// waiting for the write to finish. Insert failures are logged here and never
// reach the receive loop; a failed write for one tick does not affect any
// other tick.
func (r *Router) Route(record models.NormalizedRecord) {
	log := r.log.WithComponent("router").WithFields(logger.Fields{
		"class": string(record.Class),
	})

	sink, ok := r.sinks[record.Class]
	if !ok {
		log.Warn("no sink registered for symbol class, dropping record")
		return
	}

	done := r.scheduler.Schedule(func(ctx context.Context) error {
		return sink.Insert(ctx, record)
	})
	logger.IncrementRecordRouted()

	go func() {
		if err := <-done; err != nil {
			logger.IncrementInsertFailure()
			log.WithError(err).Warn("record insert failed")
			return
		}
		logger.IncrementInsert()
	}()
}
