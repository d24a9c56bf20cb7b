package writer

import (
	"context"

	"tickflow/logger"
	"tickflow/models"
	"tickflow/router"
)

// LogSink records inserts to the log only. It stands in for durable storage
// when S3 is disabled, so the ingestion path stays exercisable in
// development.
type LogSink struct {
	class models.SymbolClass
	log   *logger.Log
}

func NewLogSinks() map[models.SymbolClass]router.Sink {
	log := logger.GetLogger()
	sinks := make(map[models.SymbolClass]router.Sink)
	for _, class := range []models.SymbolClass{models.ClassSPX, models.ClassSPY, models.ClassVIX} {
		sinks[class] = &LogSink{class: class, log: log}
	}
	log.WithComponent("log_sink").Info("log sinks initialized; records will not be persisted")
	return sinks
}

func (s *LogSink) Insert(_ context.Context, record models.NormalizedRecord) error {
	s.log.WithComponent("log_sink").WithFields(logger.Fields{
		"class":         string(s.class),
		"timestamp":     record.Timestamp,
		"current_price": record.CurrentPrice,
		"volume":        record.Volume,
		"conditions":    record.Conditions,
	}).Info("record insert")
	return nil
}
