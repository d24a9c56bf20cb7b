package channel

import (
	"context"
	"testing"

	"tickflow/models"
)

func TestSendRawCountsSends(t *testing.T) {
	c := NewChannels(4, 4)
	ctx := context.Background()

	if !c.SendRaw(ctx, models.RawTick{Symbol: "SPY"}) {
		t.Fatal("send on empty channel failed")
	}
	if !c.SendRaw(ctx, models.RawTick{Symbol: "^VIX"}) {
		t.Fatal("send on non-full channel failed")
	}

	stats := c.GetStats()
	if stats.RawSent != 2 || stats.RawDropped != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestSendRawDropsWhenFull(t *testing.T) {
	c := NewChannels(1, 1)
	ctx := context.Background()

	if !c.SendRaw(ctx, models.RawTick{Symbol: "SPY"}) {
		t.Fatal("first send failed")
	}
	if c.SendRaw(ctx, models.RawTick{Symbol: "SPY"}) {
		t.Fatal("send on full channel must not block or succeed")
	}

	stats := c.GetStats()
	if stats.RawSent != 1 || stats.RawDropped != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	// the buffered tick is still deliverable
	tick := <-c.Raw
	if tick.Symbol != "SPY" {
		t.Errorf("unexpected tick: %+v", tick)
	}
}

func TestSendRawCancelledContext(t *testing.T) {
	c := NewChannels(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.Raw <- models.RawTick{Symbol: "SPY"}
	if c.SendRaw(ctx, models.RawTick{Symbol: "SPY"}) {
		t.Fatal("send must fail once the context is cancelled")
	}
}

func TestSendNorm(t *testing.T) {
	c := NewChannels(1, 1)
	ctx := context.Background()

	if !c.SendNorm(ctx, models.NormalizedRecord{Class: models.ClassSPX}) {
		t.Fatal("first send failed")
	}
	if c.SendNorm(ctx, models.NormalizedRecord{Class: models.ClassSPX}) {
		t.Fatal("send on full norm channel must drop")
	}

	stats := c.GetStats()
	if stats.NormSent != 1 || stats.NormDropped != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestClose(t *testing.T) {
	c := NewChannels(1, 1)
	c.Close()

	if _, ok := <-c.Raw; ok {
		t.Error("raw channel still open after close")
	}
	if _, ok := <-c.Norm; ok {
		t.Error("norm channel still open after close")
	}
}
