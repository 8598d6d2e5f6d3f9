package model

import (
	"math"
	"time"
)

// -----------------------------------------------------------------------------
// Tick
// -----------------------------------------------------------------------------

// TickKind classifies a normalized tick.
type TickKind uint8

const (
	KindTrade TickKind = iota + 1
	KindQuote
	KindBBO // Best Bid/Offer (top of book)
)

// String returns the wire name of the kind.
func (k TickKind) String() string {
	switch k {
	case KindTrade:
		return "TRADE"
	case KindQuote:
		return "QUOTE"
	case KindBBO:
		return "BBO"
	}
	return "UNKNOWN"
}

// Vendor identifies an upstream market-data source.
type Vendor string

const (
	VendorDatabento Vendor = "databento"
	VendorBloomberg Vendor = "bloomberg"
	VendorCME       Vendor = "cme"
	VendorICE       Vendor = "ice"
	VendorRefinitiv Vendor = "refinitiv"
)

// PriceFlags records which optional price fields are set on a Tick.
// Zero is a legal mantissa, so presence cannot be inferred from the value.
type PriceFlags uint8

const (
	HasBid PriceFlags = 1 << iota
	HasAsk
	HasTrade
)

// Tick is a normalized market-data event. Prices are fixed-point integer
// mantissas: price_i = round(real_price * 10^Precision). A Tick is created
// by exactly one handler and never mutated afterwards; downstream consumers
// receive it by value.
type Tick struct {
	TimestampNs int64  // ns since epoch; vendor-supplied when available
	Symbol      string // vendor-normalized symbol (e.g. "ESZ4")
	Kind        TickKind

	BidPrice   int64
	AskPrice   int64
	TradePrice int64
	Has        PriceFlags

	// Sizes; 0 means absent.
	BidSize   int64
	AskSize   int64
	TradeSize int64

	Exchange    string
	Vendor      Vendor
	SequenceNum int64 // 0 means no sequence on this feed

	Precision uint8 // digits after the decimal point, 0..9
}

// Price returns the representative price for aggregation: trade if present,
// else bid, else ask. ok is false when the tick carries no price.
func (t Tick) Price() (px int64, ok bool) {
	switch {
	case t.Has&HasTrade != 0:
		return t.TradePrice, true
	case t.Has&HasBid != 0:
		return t.BidPrice, true
	case t.Has&HasAsk != 0:
		return t.AskPrice, true
	}
	return 0, false
}

// MidPrice returns the bid/ask midpoint as a float, when both sides are set.
func (t Tick) MidPrice() (float64, bool) {
	if t.Has&HasBid == 0 || t.Has&HasAsk == 0 {
		return 0, false
	}
	mid := float64(t.BidPrice+t.AskPrice) / 2
	return mid / math.Pow10(int(t.Precision)), true
}

// FloatPrice converts a fixed-point mantissa to a float using the tick's
// precision. Use only at serialization boundaries.
func (t Tick) FloatPrice(mantissa int64) float64 {
	return float64(mantissa) / math.Pow10(int(t.Precision))
}

// ToFixed converts a decimal price to an integer mantissa at the given
// precision, rounding half away from zero.
func ToFixed(price float64, precision uint8) int64 {
	return int64(math.Round(price * math.Pow10(int(precision))))
}

// -----------------------------------------------------------------------------
// Statistics
// -----------------------------------------------------------------------------

// FeedStats tracks per (vendor, symbol) feed health. Mutated only by the
// owning handler's supervisor goroutine.
type FeedStats struct {
	Vendor        Vendor
	Symbol        string
	TicksReceived int64
	LastTickNs    int64 // receive time of the most recent tick
	GapsDetected  int64
	LastSequence  int64
	LatencyNsAvg  int64 // EWMA, alpha=0.1, seeded by the first sample
}

// Update folds a delivered tick into the stats. receiveNs is the local
// wall-clock at delivery.
func (s *FeedStats) Update(t Tick, receiveNs int64) {
	s.TicksReceived++

	if t.SequenceNum != 0 {
		if s.LastSequence > 0 && t.SequenceNum != s.LastSequence+1 {
			s.GapsDetected++
		}
		s.LastSequence = t.SequenceNum
	}

	if t.TimestampNs > 0 {
		latency := receiveNs - t.TimestampNs
		if s.LatencyNsAvg == 0 {
			s.LatencyNsAvg = latency
		} else {
			s.LatencyNsAvg = int64(0.9*float64(s.LatencyNsAvg) + 0.1*float64(latency))
		}
	}

	s.LastTickNs = receiveNs
}

// BufferStats tracks the batching pipeline. received = processed + dropped +
// in-flight at every observation point.
type BufferStats struct {
	Received       int64
	Processed      int64
	Dropped        int64
	BatchesFlushed int64
	MaxLatencyNs   int64 // monotonic high-water, measured at flush
	AvgLatencyNs   int64 // EWMA, alpha=0.1
}

// -----------------------------------------------------------------------------
// Bars
// -----------------------------------------------------------------------------

// Bar is an OHLCV aggregate over one timeframe. Prices use the fixed-point
// precision of the first contributing tick.
type Bar struct {
	TimestampNs int64 // floor of the first tick's timestamp to the timeframe
	Symbol      string
	Open        int64
	High        int64
	Low         int64
	Close       int64
	Volume      int64
	TickCount   int64
	Precision   uint8
}

// FloatPrice converts a bar price mantissa to a float for serialization.
func (b Bar) FloatPrice(mantissa int64) float64 {
	return float64(mantissa) / math.Pow10(int(b.Precision))
}

// NowNanos returns the current wall-clock time in nanoseconds since epoch.
func NowNanos() int64 {
	return time.Now().UnixNano()
}
