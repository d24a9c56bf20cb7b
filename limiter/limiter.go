package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tickflow/logger"
)

// Op is a single unit of persistence work.
type Op func(ctx context.Context) error

type job struct {
	op   Op
	done chan error
}

// Limiter serializes persistence operations: at most one Op runs at a time,
// consecutive Op start times are spaced by at least the configured minimum
// interval, and Ops execute in the order they were scheduled. The process
// holds exactly one instance, shared by every sink.
type Limiter struct {
	queue        chan job
	pace         *rate.Limiter
	writeTimeout time.Duration
	ctx          context.Context
	wg           *sync.WaitGroup
	mu           sync.RWMutex
	running      bool
	log          *logger.Log
}

// New creates a limiter with the given minimum start-to-start interval and
// bounded queue depth. When the queue is full Schedule blocks; jobs are never
// dropped or reordered.
func New(minInterval time.Duration, queueSize int, writeTimeout time.Duration) *Limiter {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Limiter{
		queue:        make(chan job, queueSize),
		pace:         rate.NewLimiter(rate.Every(minInterval), 1),
		writeTimeout: writeTimeout,
		wg:           &sync.WaitGroup{},
		log:          logger.GetLogger(),
	}
}

// Start launches the single worker goroutine.
func (l *Limiter) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("limiter already running")
	}
	l.running = true
	l.ctx = ctx
	l.mu.Unlock()

	l.wg.Add(1)
	go l.worker()

	l.log.WithComponent("limiter").WithFields(logger.Fields{
		"queue_size": cap(l.queue),
	}).Info("limiter started")
	return nil
}

// Stop waits for the worker to exit. Jobs still queued when the context is
// cancelled fail with the context error rather than silently disappearing.
func (l *Limiter) Stop() {
	l.mu.Lock()
	l.running = false
	ctx := l.ctx
	l.mu.Unlock()

	l.wg.Wait()
	// a Schedule racing the worker's exit may have enqueued after the
	// worker's own drain; fail those jobs too so no caller waits forever
	if ctx != nil {
		l.drain()
	}
	l.log.WithComponent("limiter").Info("limiter stopped")
}

// Schedule enqueues op for execution and returns a channel that receives the
// op's result exactly once. The channel is buffered so the result may be
// ignored without leaking the worker.
func (l *Limiter) Schedule(op Op) <-chan error {
	j := job{op: op, done: make(chan error, 1)}

	l.mu.RLock()
	ctx := l.ctx
	running := l.running
	l.mu.RUnlock()

	if !running {
		j.done <- fmt.Errorf("limiter not running")
		return j.done
	}

	select {
	case l.queue <- j:
	case <-ctx.Done():
		j.done <- ctx.Err()
	}
	return j.done
}

func (l *Limiter) worker() {
	defer l.wg.Done()

	log := l.log.WithComponent("limiter").WithFields(logger.Fields{"worker": "scheduler"})
	log.Info("starting scheduler worker")

	for {
		select {
		case <-l.ctx.Done():
			l.drain()
			log.Info("scheduler worker stopped due to context cancellation")
			return
		case j := <-l.queue:
			if err := l.pace.Wait(l.ctx); err != nil {
				j.done <- err
				l.drain()
				return
			}
			j.done <- l.run(j.op)
		}
	}
}

// run executes one op under the configured write timeout. The op's error is
// the caller's to handle; the worker keeps going regardless.
func (l *Limiter) run(op Op) error {
	ctx := l.ctx
	if l.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), l.writeTimeout)
		defer cancel()
	}
	return op(ctx)
}

// drain fails every job left in the queue after shutdown so no caller blocks
// forever on a result channel.
func (l *Limiter) drain() {
	for {
		select {
		case j := <-l.queue:
			j.done <- l.ctx.Err()
		default:
			return
		}
	}
}
