package logger

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	errorsSession  int64
	errorsStorage  int64
	warnsSession   int64
	warnsStorage   int64
	ticksReceived  int64
	ticksDropped   int64
	recordsRouted  int64
	insertsOK      int64
	insertFailures int64
)

func recordWarn(component string) {
	if strings.Contains(component, "session") {
		atomic.AddInt64(&warnsSession, 1)
	} else if strings.Contains(component, "writer") || strings.Contains(component, "sink") {
		atomic.AddInt64(&warnsStorage, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "session") {
		atomic.AddInt64(&errorsSession, 1)
	} else if strings.Contains(component, "writer") || strings.Contains(component, "sink") {
		atomic.AddInt64(&errorsStorage, 1)
	}
}

func IncrementTickReceived() { atomic.AddInt64(&ticksReceived, 1) }
func IncrementTickDropped()  { atomic.AddInt64(&ticksDropped, 1) }
func IncrementRecordRouted() { atomic.AddInt64(&recordsRouted, 1) }
func IncrementInsert()       { atomic.AddInt64(&insertsOK, 1) }
func IncrementInsertFailure() {
	atomic.AddInt64(&insertFailures, 1)
}

// StartReport periodically logs an ingestion summary and publishes the
// counters to CloudWatch when a client is configured. Counters reset on
// every report so the published values are per-interval deltas.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report(log)
			}
		}
	}()
}

func report(log *Log) {
	received := atomic.SwapInt64(&ticksReceived, 0)
	dropped := atomic.SwapInt64(&ticksDropped, 0)
	routed := atomic.SwapInt64(&recordsRouted, 0)
	ok := atomic.SwapInt64(&insertsOK, 0)
	failed := atomic.SwapInt64(&insertFailures, 0)
	sessWarns := atomic.SwapInt64(&warnsSession, 0)
	sessErrs := atomic.SwapInt64(&errorsSession, 0)
	storWarns := atomic.SwapInt64(&warnsStorage, 0)
	storErrs := atomic.SwapInt64(&errorsStorage, 0)

	log.WithComponent("report").WithFields(Fields{
		"ticks_received":  received,
		"ticks_dropped":   dropped,
		"records_routed":  routed,
		"inserts_ok":      ok,
		"inserts_failed":  failed,
		"session_warns":   sessWarns,
		"session_errors":  sessErrs,
		"storage_warns":   storWarns,
		"storage_errors":  storErrs,
	}).Info("ingestion report")

	data := []cwtypes.MetricDatum{
		datum("TicksReceived", received),
		datum("TicksDropped", dropped),
		datum("RecordsRouted", routed),
		datum("InsertsOK", ok),
		datum("InsertsFailed", failed),
	}
	publishMetrics(data)
}

func datum(name string, value int64) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(float64(value)),
	}
}
