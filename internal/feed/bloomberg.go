package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acashmore/mdfeed/internal/model"
)

// Session abstracts the vendor's native market-data API. The real
// implementation wraps the blocking C++ SDK; SimSession stands in for it in
// development and tests. NextEvent blocks up to timeout and returns ok=false
// when no event arrived in the window.
type Session interface {
	Start() error
	Stop() error
	Subscribe(symbols []string, fields []string) error
	Unsubscribe(symbols []string) error
	NextEvent(timeout time.Duration) (MarketEvent, bool)
}

// MarketEvent is one update from the native session. Pointer fields are nil
// when the update did not carry that field.
type MarketEvent struct {
	Symbol    string
	Bid       *float64
	Ask       *float64
	Last      *float64
	BidSize   int64
	AskSize   int64
	LastSize  int64
	Exchange  string
	TimeNs    int64
	Heartbeat bool
}

// Default subscription fields requested from the session.
var bloombergFields = []string{"BID", "ASK", "LAST_PRICE", "BID_SIZE", "ASK_SIZE", "LAST_SIZE"}

// BloombergConfig configures the bridge worker.
type BloombergConfig struct {
	QueueSize    int           // bridge channel capacity
	PollInterval time.Duration // NextEvent timeout inside the worker
	ReadTimeout  time.Duration // ReadTick poll window, re-entered on expiry
}

// DefaultBloombergConfig returns the standard bridge sizing.
func DefaultBloombergConfig() BloombergConfig {
	return BloombergConfig{
		QueueSize:    100000,
		PollInterval: 100 * time.Millisecond,
		ReadTimeout:  1 * time.Second,
	}
}

// BloombergSource bridges a blocking native session onto the Source
// interface. A dedicated worker goroutine drains the session and pushes
// normalized ticks onto a bounded channel; when the channel is full the
// tick is dropped rather than stalling the native event loop.
type BloombergSource struct {
	cfg     BloombergConfig
	session Session
	logger  *slog.Logger

	mu      sync.Mutex
	ticks   chan model.Tick
	workerC chan struct{} // closed to stop the worker
	started bool

	dropped atomic.Int64
}

// NewBloombergSource wraps a session. The session is owned by the source
// after this call.
func NewBloombergSource(cfg BloombergConfig, session Session, logger *slog.Logger) *BloombergSource {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 1 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BloombergSource{cfg: cfg, session: session, logger: logger}
}

// Vendor implements Source.
func (b *BloombergSource) Vendor() model.Vendor { return model.VendorBloomberg }

// Connect starts the native session and the bridge worker.
func (b *BloombergSource) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	if err := b.session.Start(); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	b.ticks = make(chan model.Tick, b.cfg.QueueSize)
	b.workerC = make(chan struct{})
	b.started = true
	go b.worker(b.ticks, b.workerC)
	return nil
}

// Disconnect stops the worker and the native session. The tick channel is
// closed by the worker so pending reads observe ErrStreamClosed.
func (b *BloombergSource) Disconnect() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	close(b.workerC)
	b.mu.Unlock()
	return b.session.Stop()
}

// Subscribe forwards the subscription with the standard field set.
func (b *BloombergSource) Subscribe(ctx context.Context, symbols []string) error {
	return b.session.Subscribe(symbols, bloombergFields)
}

// Unsubscribe forwards the unsubscription.
func (b *BloombergSource) Unsubscribe(ctx context.Context, symbols []string) error {
	return b.session.Unsubscribe(symbols)
}

// worker drains the native session until stopped. It owns the tick channel
// and closes it on exit.
func (b *BloombergSource) worker(ticks chan model.Tick, stop <-chan struct{}) {
	defer close(ticks)
	for {
		select {
		case <-stop:
			return
		default:
		}

		ev, ok := b.session.NextEvent(b.cfg.PollInterval)
		if !ok {
			continue
		}
		if ev.Heartbeat || ev.Symbol == "" {
			continue
		}

		t, ok := normalizeBloomberg(ev)
		if !ok {
			continue
		}
		select {
		case ticks <- t:
		default:
			if n := b.dropped.Add(1); n%10000 == 1 {
				b.logger.Warn("bridge queue full, dropping", "dropped", n)
			}
		}
	}
}

// normalizeBloomberg maps a session event to a tick. Field precision is 4
// decimal places on this feed.
func normalizeBloomberg(ev MarketEvent) (model.Tick, bool) {
	const precision = 4

	t := model.Tick{
		TimestampNs: ev.TimeNs,
		Symbol:      ev.Symbol,
		BidSize:     ev.BidSize,
		AskSize:     ev.AskSize,
		TradeSize:   ev.LastSize,
		Exchange:    ev.Exchange,
		Vendor:      model.VendorBloomberg,
		Precision:   precision,
	}
	if t.TimestampNs == 0 {
		t.TimestampNs = model.NowNanos()
	}

	if ev.Bid != nil {
		t.BidPrice = model.ToFixed(*ev.Bid, precision)
		t.Has |= model.HasBid
	}
	if ev.Ask != nil {
		t.AskPrice = model.ToFixed(*ev.Ask, precision)
		t.Has |= model.HasAsk
	}
	if ev.Last != nil {
		t.TradePrice = model.ToFixed(*ev.Last, precision)
		t.Has |= model.HasTrade
	}
	if t.Has == 0 {
		return model.Tick{}, false
	}

	switch {
	case ev.Last != nil:
		t.Kind = model.KindTrade
	case ev.Bid != nil && ev.Ask != nil:
		t.Kind = model.KindBBO
	default:
		t.Kind = model.KindQuote
	}
	return t, true
}

// ReadTick pulls the next bridged tick. The poll window re-enters on expiry
// so context cancellation is observed promptly.
func (b *BloombergSource) ReadTick(ctx context.Context) (model.Tick, error) {
	b.mu.Lock()
	ticks := b.ticks
	b.mu.Unlock()
	if ticks == nil {
		return model.Tick{}, ErrNotConnected
	}

	timer := time.NewTimer(b.cfg.ReadTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return model.Tick{}, ctx.Err()
		case t, ok := <-ticks:
			if !ok {
				return model.Tick{}, ErrStreamClosed
			}
			return t, nil
		case <-timer.C:
			if err := ctx.Err(); err != nil {
				return model.Tick{}, err
			}
			timer.Reset(b.cfg.ReadTimeout)
		}
	}
}

// Dropped returns the count of ticks discarded because the bridge queue
// was full.
func (b *BloombergSource) Dropped() int64 { return b.dropped.Load() }

// -----------------------------------------------------------------------------
// SimSession
// -----------------------------------------------------------------------------

// SimSession is an in-process Session used by the demo mode and tests. It
// produces a slow random walk per subscribed symbol.
type SimSession struct {
	Interval time.Duration // event spacing; default 50ms

	mu      sync.Mutex
	symbols []string
	prices  map[string]float64
	running bool
	next    int
	seed    uint64
}

// NewSimSession creates a simulated session.
func NewSimSession(interval time.Duration) *SimSession {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &SimSession{
		Interval: interval,
		prices:   make(map[string]float64),
		seed:     0x9e3779b97f4a7c15,
	}
}

// Start implements Session.
func (s *SimSession) Start() error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

// Stop implements Session.
func (s *SimSession) Stop() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// Subscribe implements Session. Fields are accepted and ignored.
func (s *SimSession) Subscribe(symbols []string, fields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		if _, ok := s.prices[sym]; !ok {
			s.symbols = append(s.symbols, sym)
			s.prices[sym] = 100.0
		}
	}
	return nil
}

// Unsubscribe implements Session.
func (s *SimSession) Unsubscribe(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		delete(s.prices, sym)
		for i, v := range s.symbols {
			if v == sym {
				s.symbols = append(s.symbols[:i], s.symbols[i+1:]...)
				break
			}
		}
	}
	return nil
}

// rand is a xorshift step, deterministic per session.
func (s *SimSession) rand() uint64 {
	s.seed ^= s.seed << 13
	s.seed ^= s.seed >> 7
	s.seed ^= s.seed << 17
	return s.seed
}

// NextEvent emits one update round-robin across subscriptions after the
// configured interval. Returns ok=false when stopped or nothing is
// subscribed.
func (s *SimSession) NextEvent(timeout time.Duration) (MarketEvent, bool) {
	s.mu.Lock()
	running, n := s.running, len(s.symbols)
	s.mu.Unlock()
	if !running || n == 0 {
		time.Sleep(timeout)
		return MarketEvent{}, false
	}

	wait := s.Interval
	if wait > timeout {
		wait = timeout
	}
	time.Sleep(wait)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || len(s.symbols) == 0 {
		return MarketEvent{}, false
	}

	sym := s.symbols[s.next%len(s.symbols)]
	s.next++

	step := float64(int64(s.rand()%200)-100) / 100.0 // [-1.00, +0.99]
	px := s.prices[sym] + step*0.05
	if px < 1 {
		px = 1
	}
	s.prices[sym] = px

	bid := px - 0.01
	ask := px + 0.01
	last := px
	return MarketEvent{
		Symbol:   sym,
		Bid:      &bid,
		Ask:      &ask,
		Last:     &last,
		BidSize:  int64(1 + s.rand()%50),
		AskSize:  int64(1 + s.rand()%50),
		LastSize: int64(1 + s.rand()%20),
		Exchange: "SIM",
		TimeNs:   model.NowNanos(),
	}, true
}
