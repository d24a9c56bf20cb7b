package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tickflow/limiter"
	"tickflow/models"
)

// immediateScheduler runs operations inline, preserving submission order.
type immediateScheduler struct{}

func (immediateScheduler) Schedule(op limiter.Op) <-chan error {
	done := make(chan error, 1)
	done <- op(context.Background())
	return done
}

// recordingSink captures inserted records.
type recordingSink struct {
	mu      sync.Mutex
	records []models.NormalizedRecord
	err     error
}

func (s *recordingSink) Insert(_ context.Context, record models.NormalizedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func newTestRouter() (*Router, map[models.SymbolClass]*recordingSink) {
	sinks := map[models.SymbolClass]*recordingSink{
		models.ClassSPX: {},
		models.ClassSPY: {},
		models.ClassVIX: {},
	}
	wired := make(map[models.SymbolClass]Sink, len(sinks))
	for class, sink := range sinks {
		wired[class] = sink
	}
	return New(immediateScheduler{}, wired), sinks
}

func TestResolve(t *testing.T) {
	cases := map[string]models.SymbolClass{
		"SPY":              models.ClassSPY,
		"GSPC":             models.ClassSPX,
		"^GSPC":            models.ClassSPX,
		"OANDA:SPX500_USD": models.ClassSPX,
		"^VIX":             models.ClassVIX,
	}
	for symbol, want := range cases {
		got, ok := Resolve(symbol)
		if !ok || got != want {
			t.Errorf("Resolve(%q) = %v, %v; want %v", symbol, got, ok, want)
		}
	}
	if _, ok := Resolve("AAPL"); ok {
		t.Error("Resolve should reject unknown symbols")
	}
}

func TestRouteToCorrectSink(t *testing.T) {
	r, sinks := newTestRouter()

	r.Route(models.NormalizedRecord{Class: models.ClassSPX, CurrentPrice: 4500.0})

	waitFor(t, func() bool { return sinks[models.ClassSPX].count() == 1 })
	if sinks[models.ClassSPY].count() != 0 || sinks[models.ClassVIX].count() != 0 {
		t.Error("record leaked into another class's sink")
	}
}

func TestRouteFailureIsolated(t *testing.T) {
	r, sinks := newTestRouter()
	sinks[models.ClassSPY].err = errors.New("insert failed")

	r.Route(models.NormalizedRecord{Class: models.ClassSPY})
	r.Route(models.NormalizedRecord{Class: models.ClassVIX})

	waitFor(t, func() bool { return sinks[models.ClassVIX].count() == 1 })
}

func TestRouteUnregisteredClass(t *testing.T) {
	r := New(immediateScheduler{}, map[models.SymbolClass]Sink{})
	// must not panic or schedule anything
	r.Route(models.NormalizedRecord{Class: models.ClassSPX})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}
