package model

import (
	"testing"
)

func TestToFixed(t *testing.T) {
	tests := []struct {
		price     float64
		precision uint8
		want      int64
	}{
		{4532.25, 2, 453225},
		{4532.25, 4, 45322500},
		{0.1, 2, 10},
		{-2.5, 0, -3}, // rounds half away from zero
		{99.999, 2, 10000},
		{1.23456789, 7, 12345679},
	}
	for _, tt := range tests {
		if got := ToFixed(tt.price, tt.precision); got != tt.want {
			t.Errorf("ToFixed(%v, %d) = %d, want %d", tt.price, tt.precision, got, tt.want)
		}
	}
}

func TestTickPriceSelection(t *testing.T) {
	tick := Tick{BidPrice: 100, AskPrice: 102, TradePrice: 101, Has: HasBid | HasAsk | HasTrade}
	if px, ok := tick.Price(); !ok || px != 101 {
		t.Errorf("Price() = %d, %v, want trade price 101", px, ok)
	}

	tick.Has = HasBid | HasAsk
	if px, ok := tick.Price(); !ok || px != 100 {
		t.Errorf("Price() = %d, %v, want bid 100", px, ok)
	}

	tick.Has = HasAsk
	if px, ok := tick.Price(); !ok || px != 102 {
		t.Errorf("Price() = %d, %v, want ask 102", px, ok)
	}

	tick.Has = 0
	if _, ok := tick.Price(); ok {
		t.Error("Price() ok = true for tick with no prices")
	}
}

func TestTickPriceZeroMantissa(t *testing.T) {
	// A genuine zero price must still count as present.
	tick := Tick{TradePrice: 0, Has: HasTrade}
	px, ok := tick.Price()
	if !ok || px != 0 {
		t.Errorf("Price() = %d, %v, want 0, true", px, ok)
	}
}

func TestMidPrice(t *testing.T) {
	tick := Tick{BidPrice: 45325, AskPrice: 45335, Has: HasBid | HasAsk, Precision: 1}
	mid, ok := tick.MidPrice()
	if !ok {
		t.Fatal("MidPrice() ok = false")
	}
	if mid != 4533.0 {
		t.Errorf("MidPrice() = %v, want 4533.0", mid)
	}

	tick.Has = HasBid
	if _, ok := tick.MidPrice(); ok {
		t.Error("MidPrice() ok = true with only a bid")
	}
}

func TestFeedStatsSequenceGaps(t *testing.T) {
	var s FeedStats

	seqs := []int64{100, 101, 105, 106, 110}
	for _, seq := range seqs {
		s.Update(Tick{SequenceNum: seq, TimestampNs: 1}, 2)
	}

	if s.TicksReceived != 5 {
		t.Errorf("TicksReceived = %d, want 5", s.TicksReceived)
	}
	if s.GapsDetected != 2 {
		t.Errorf("GapsDetected = %d, want 2 (101->105, 106->110)", s.GapsDetected)
	}
	if s.LastSequence != 110 {
		t.Errorf("LastSequence = %d, want 110", s.LastSequence)
	}
}

func TestFeedStatsNoSequenceNoGaps(t *testing.T) {
	var s FeedStats
	for i := 0; i < 10; i++ {
		s.Update(Tick{TimestampNs: 1}, 2)
	}
	if s.GapsDetected != 0 {
		t.Errorf("GapsDetected = %d, want 0 for unsequenced feed", s.GapsDetected)
	}
}

func TestFeedStatsLatencyEWMA(t *testing.T) {
	var s FeedStats

	// First sample seeds the average directly.
	s.Update(Tick{TimestampNs: 1000}, 2000)
	if s.LatencyNsAvg != 1000 {
		t.Fatalf("LatencyNsAvg = %d, want seed 1000", s.LatencyNsAvg)
	}

	// Second sample: 0.9*1000 + 0.1*2000 = 1100.
	s.Update(Tick{TimestampNs: 1000}, 3000)
	if s.LatencyNsAvg != 1100 {
		t.Errorf("LatencyNsAvg = %d, want 1100", s.LatencyNsAvg)
	}
}

func TestFloatPriceRoundTrip(t *testing.T) {
	tick := Tick{Precision: 2}
	prices := []float64{4532.25, 0.01, 100.00, 99999.99}
	for _, p := range prices {
		m := ToFixed(p, tick.Precision)
		if got := tick.FloatPrice(m); got != p {
			t.Errorf("FloatPrice(ToFixed(%v)) = %v, want %v", p, got, p)
		}
	}
}
