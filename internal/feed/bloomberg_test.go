package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acashmore/mdfeed/internal/model"
)

func f64(v float64) *float64 { return &v }

func TestNormalizeBloomberg(t *testing.T) {
	ev := MarketEvent{
		Symbol:   "AAPL US Equity",
		Bid:      f64(189.1234),
		Ask:      f64(189.1299),
		Last:     f64(189.125),
		BidSize:  100,
		AskSize:  200,
		LastSize: 50,
		Exchange: "XNAS",
		TimeNs:   1700000000000000000,
	}

	tick, ok := normalizeBloomberg(ev)
	if !ok {
		t.Fatal("normalizeBloomberg rejected a full event")
	}
	if tick.Kind != model.KindTrade {
		t.Errorf("Kind = %v, want TRADE when last is present", tick.Kind)
	}
	if tick.BidPrice != 1891234 || tick.AskPrice != 1891299 || tick.TradePrice != 1891250 {
		t.Errorf("prices = %d/%d/%d", tick.BidPrice, tick.AskPrice, tick.TradePrice)
	}
	if tick.Precision != 4 {
		t.Errorf("Precision = %d, want 4", tick.Precision)
	}
	if tick.Has != model.HasBid|model.HasAsk|model.HasTrade {
		t.Errorf("Has = %b", tick.Has)
	}
	if tick.Vendor != model.VendorBloomberg {
		t.Errorf("Vendor = %q", tick.Vendor)
	}
}

func TestNormalizeBloombergKinds(t *testing.T) {
	// Bid+ask without a trade is BBO.
	tick, ok := normalizeBloomberg(MarketEvent{Symbol: "S", Bid: f64(1), Ask: f64(2)})
	if !ok || tick.Kind != model.KindBBO {
		t.Errorf("bid+ask kind = %v, want BBO", tick.Kind)
	}

	// One side only is QUOTE.
	tick, ok = normalizeBloomberg(MarketEvent{Symbol: "S", Bid: f64(1)})
	if !ok || tick.Kind != model.KindQuote {
		t.Errorf("bid-only kind = %v, want QUOTE", tick.Kind)
	}

	// No prices at all is dropped.
	if _, ok := normalizeBloomberg(MarketEvent{Symbol: "S", BidSize: 5}); ok {
		t.Error("priceless event normalized")
	}
}

func TestBloombergSourceBridgesSession(t *testing.T) {
	sess := NewSimSession(time.Millisecond)
	cfg := DefaultBloombergConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ReadTimeout = 100 * time.Millisecond
	src := NewBloombergSource(cfg, sess, nil)

	ctx := context.Background()
	if err := src.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := src.Subscribe(ctx, []string{"AAPL US Equity", "MSFT US Equity"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	seen := make(map[string]bool)
	deadline := time.Now().Add(5 * time.Second)
	for len(seen) < 2 && time.Now().Before(deadline) {
		tick, err := src.ReadTick(ctx)
		if err != nil {
			t.Fatalf("ReadTick: %v", err)
		}
		if tick.Vendor != model.VendorBloomberg {
			t.Fatalf("Vendor = %q", tick.Vendor)
		}
		if _, ok := tick.Price(); !ok {
			t.Fatal("bridged tick has no price")
		}
		seen[tick.Symbol] = true
	}
	if len(seen) != 2 {
		t.Errorf("symbols seen = %v, want both subscriptions", seen)
	}

	if err := src.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	// After disconnect the bridge channel closes and reads fail.
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := src.ReadTick(ctx)
		if err == nil {
			continue // draining buffered ticks
		}
		if !errors.Is(err, ErrStreamClosed) {
			t.Fatalf("ReadTick after Disconnect = %v, want ErrStreamClosed", err)
		}
		return
	}
	t.Fatal("ReadTick never observed the closed stream")
}

func TestBloombergReadBeforeConnect(t *testing.T) {
	src := NewBloombergSource(DefaultBloombergConfig(), NewSimSession(0), nil)
	if _, err := src.ReadTick(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReadTick = %v, want ErrNotConnected", err)
	}
}

func TestBloombergDisconnectIdempotent(t *testing.T) {
	src := NewBloombergSource(DefaultBloombergConfig(), NewSimSession(0), nil)
	if err := src.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := src.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := src.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}
