package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/acashmore/mdfeed/internal/feed"
	"github.com/acashmore/mdfeed/internal/model"
	"github.com/acashmore/mdfeed/internal/pipeline"
)

// scriptedSource delivers a fixed set of ticks, then blocks until
// disconnected.
type scriptedSource struct {
	vendor model.Vendor

	mu     sync.Mutex
	ticks  []model.Tick
	closed chan struct{}
	subs   [][]string
}

func newScriptedSource(vendor model.Vendor, ticks []model.Tick) *scriptedSource {
	return &scriptedSource{vendor: vendor, ticks: ticks, closed: make(chan struct{})}
}

func (s *scriptedSource) Vendor() model.Vendor              { return s.vendor }
func (s *scriptedSource) Connect(ctx context.Context) error { return nil }

func (s *scriptedSource) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func (s *scriptedSource) Subscribe(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, append([]string(nil), symbols...))
	return nil
}

func (s *scriptedSource) Unsubscribe(ctx context.Context, symbols []string) error { return nil }

func (s *scriptedSource) ReadTick(ctx context.Context) (model.Tick, error) {
	s.mu.Lock()
	if len(s.ticks) > 0 {
		t := s.ticks[0]
		s.ticks = s.ticks[1:]
		s.mu.Unlock()
		return t, nil
	}
	closed := s.closed
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return model.Tick{}, ctx.Err()
	case <-closed:
		return model.Tick{}, feed.ErrStreamClosed
	}
}

// recordingPublisher captures everything the manager publishes.
type recordingPublisher struct {
	mu    sync.Mutex
	ticks []model.Tick
	bars  []model.Bar
	feeds []string
}

func (p *recordingPublisher) PublishTick(ctx context.Context, t model.Tick) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks = append(p.ticks, t)
	return nil
}

func (p *recordingPublisher) PublishBar(ctx context.Context, bar model.Bar) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars = append(p.bars, bar)
	return nil
}

func (p *recordingPublisher) SetConnectedFeeds(feeds []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feeds = append([]string(nil), feeds...)
}

func (p *recordingPublisher) tickCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ticks)
}

func testManagerConfig() Config {
	cfg := DefaultConfig()
	cfg.Handler.MaxReconnectAttempts = 0
	cfg.Buffer = pipeline.BufferConfig{BatchSize: 2, FlushInterval: 10 * time.Millisecond, Capacity: 64}
	return cfg
}

func scriptedFactory(sources map[model.Vendor]*scriptedSource) SourceFactory {
	return func(vendor model.Vendor) (feed.Source, error) {
		src, ok := sources[vendor]
		if !ok {
			return nil, ErrUnknownVendor
		}
		return src, nil
	}
}

func tickAt(vendor model.Vendor, symbol string, tsNs, price int64) model.Tick {
	return model.Tick{
		TimestampNs: tsNs,
		Symbol:      symbol,
		Kind:        model.KindTrade,
		TradePrice:  price,
		TradeSize:   1,
		Has:         model.HasTrade,
		Vendor:      vendor,
		Precision:   2,
	}
}

func TestManagerEndToEnd(t *testing.T) {
	base := time.Now().Add(-time.Hour).Truncate(time.Minute).UnixNano()
	src := newScriptedSource(model.VendorDatabento, []model.Tick{
		tickAt(model.VendorDatabento, "ESZ5", base+1e9, 100),
		tickAt(model.VendorDatabento, "ESZ5", base+2e9, 110),
		// Crosses the minute boundary: closes the first bar.
		tickAt(model.VendorDatabento, "ESZ5", base+61e9, 120),
	})

	var sinkMu sync.Mutex
	var sunk []model.Tick
	sink := func(ctx context.Context, batch []model.Tick) error {
		sinkMu.Lock()
		defer sinkMu.Unlock()
		sunk = append(sunk, batch...)
		return nil
	}

	pub := &recordingPublisher{}
	mgr := New(testManagerConfig(), scriptedFactory(map[model.Vendor]*scriptedSource{
		model.VendorDatabento: src,
	}), sink, pub, nil)

	if err := mgr.AddFeed(model.VendorDatabento, []string{"ESZ5"}); err != nil {
		t.Fatalf("AddFeed: %v", err)
	}
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for pub.tickCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if pub.tickCount() != 3 {
		t.Fatalf("published %d ticks, want 3", pub.tickCount())
	}

	if err := mgr.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// All ticks reached the batch sink.
	sinkMu.Lock()
	sunkN := len(sunk)
	sinkMu.Unlock()
	if sunkN != 3 {
		t.Errorf("sink received %d ticks, want 3", sunkN)
	}

	// One bar closed at the boundary, one flushed at shutdown.
	pub.mu.Lock()
	bars := len(pub.bars)
	pub.mu.Unlock()
	if bars != 2 {
		t.Errorf("published %d bars, want 2", bars)
	}

	stats := mgr.Stats()
	if stats.TotalTicks != 3 {
		t.Errorf("TotalTicks = %d, want 3", stats.TotalTicks)
	}
	if stats.Buffer.Processed != 3 || stats.Buffer.Dropped != 0 {
		t.Errorf("buffer processed/dropped = %d/%d, want 3/0",
			stats.Buffer.Processed, stats.Buffer.Dropped)
	}
}

func TestManagerAddFeedValidation(t *testing.T) {
	mgr := New(testManagerConfig(), scriptedFactory(map[model.Vendor]*scriptedSource{
		model.VendorDatabento: newScriptedSource(model.VendorDatabento, nil),
	}), nil, nil, nil)

	if err := mgr.AddFeed(model.VendorDatabento, nil); err == nil {
		t.Error("AddFeed accepted an empty symbol list")
	}
	if err := mgr.AddFeed(model.VendorCME, []string{"ESZ5"}); !errors.Is(err, ErrUnknownVendor) {
		t.Errorf("AddFeed unknown vendor = %v, want ErrUnknownVendor", err)
	}

	if err := mgr.AddFeed(model.VendorDatabento, []string{"ESZ5"}); err != nil {
		t.Fatalf("AddFeed: %v", err)
	}
	if err := mgr.AddFeed(model.VendorDatabento, []string{"NQZ5"}); !errors.Is(err, ErrFeedExists) {
		t.Errorf("duplicate AddFeed = %v, want ErrFeedExists", err)
	}
}

func TestManagerStartRequiresFeeds(t *testing.T) {
	mgr := New(testManagerConfig(), scriptedFactory(nil), nil, nil, nil)
	if err := mgr.Start(context.Background()); err == nil {
		t.Error("Start succeeded with no feeds")
	}
}

func TestManagerStopIdempotent(t *testing.T) {
	src := newScriptedSource(model.VendorDatabento, nil)
	mgr := New(testManagerConfig(), scriptedFactory(map[model.Vendor]*scriptedSource{
		model.VendorDatabento: src,
	}), nil, nil, nil)

	mgr.AddFeed(model.VendorDatabento, []string{"ESZ5"})
	mgr.Start(context.Background())

	if err := mgr.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := mgr.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestManagerStatus(t *testing.T) {
	src := newScriptedSource(model.VendorDatabento, []model.Tick{
		tickAt(model.VendorDatabento, "ESZ5", model.NowNanos(), 100),
	})
	mgr := New(testManagerConfig(), scriptedFactory(map[model.Vendor]*scriptedSource{
		model.VendorDatabento: src,
	}), nil, nil, nil)

	mgr.AddFeed(model.VendorDatabento, []string{"ESZ5"})
	mgr.Start(context.Background())
	defer mgr.Stop(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for mgr.Stats().TotalTicks < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	st := mgr.Status()
	fs, ok := st.Feeds[model.VendorDatabento]
	if !ok {
		t.Fatal("Status missing the registered feed")
	}
	if len(fs.Subscriptions) != 1 || fs.Subscriptions[0] != "ESZ5" {
		t.Errorf("Subscriptions = %v, want [ESZ5]", fs.Subscriptions)
	}
	sym, ok := fs.Symbols["ESZ5"]
	if !ok {
		t.Fatal("Status missing symbol stats")
	}
	if sym.TicksReceived != 1 {
		t.Errorf("TicksReceived = %d, want 1", sym.TicksReceived)
	}
	if fs.TicksReceived != 1 {
		t.Errorf("feed TicksReceived = %d, want 1", fs.TicksReceived)
	}
	if fs.LastTickNs != sym.LastTickNs {
		t.Errorf("feed LastTickNs = %d, want %d", fs.LastTickNs, sym.LastTickNs)
	}

	single, ok := mgr.StatusFor(model.VendorDatabento)
	if !ok {
		t.Fatal("StatusFor missing the registered feed")
	}
	if single.TicksReceived != fs.TicksReceived {
		t.Errorf("StatusFor TicksReceived = %d, want %d", single.TicksReceived, fs.TicksReceived)
	}
	if _, ok := mgr.StatusFor(model.VendorCME); ok {
		t.Error("StatusFor returned a feed that was never added")
	}

	stats := mgr.Stats()
	if stats.FeedsTotal != 1 {
		t.Errorf("FeedsTotal = %d, want 1", stats.FeedsTotal)
	}
}

// flakySource fails its first connects and rejects subscriptions while
// disconnected, like the TCP sources do. Ticks flow once connected.
type flakySource struct {
	vendor   model.Vendor
	failures int

	mu        sync.Mutex
	connected bool
	ticks     []model.Tick
	subs      []string
	closed    chan struct{}
}

func newFlakySource(vendor model.Vendor, failures int, ticks []model.Tick) *flakySource {
	return &flakySource{vendor: vendor, failures: failures, ticks: ticks, closed: make(chan struct{})}
}

func (s *flakySource) Vendor() model.Vendor { return s.vendor }

func (s *flakySource) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("gateway unavailable")
	}
	s.connected = true
	return nil
}

func (s *flakySource) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func (s *flakySource) Subscribe(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return feed.ErrNotConnected
	}
	for _, sym := range symbols {
		if !containsStr(s.subs, sym) {
			s.subs = append(s.subs, sym)
		}
	}
	return nil
}

func (s *flakySource) Unsubscribe(ctx context.Context, symbols []string) error { return nil }

func (s *flakySource) ReadTick(ctx context.Context) (model.Tick, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return model.Tick{}, feed.ErrNotConnected
	}
	if len(s.ticks) > 0 {
		t := s.ticks[0]
		s.ticks = s.ticks[1:]
		s.mu.Unlock()
		return t, nil
	}
	closed := s.closed
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return model.Tick{}, ctx.Err()
	case <-closed:
		return model.Tick{}, feed.ErrStreamClosed
	}
}

func (s *flakySource) subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subs...)
}

func flakyFactory(src *flakySource) SourceFactory {
	return func(model.Vendor) (feed.Source, error) { return src, nil }
}

func TestManagerKeepsSymbolsAcrossFailedConnect(t *testing.T) {
	src := newFlakySource(model.VendorDatabento, 1, []model.Tick{
		tickAt(model.VendorDatabento, "ESZ5", model.NowNanos(), 100),
	})

	cfg := testManagerConfig()
	cfg.Handler.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.Handler.ReconnectMaxDelay = 20 * time.Millisecond
	cfg.Handler.MaxReconnectAttempts = 10

	mgr := New(cfg, flakyFactory(src), nil, nil, nil)
	if err := mgr.AddFeed(model.VendorDatabento, []string{"ESZ5"}); err != nil {
		t.Fatalf("AddFeed: %v", err)
	}
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop(context.Background())

	// The dead initial connect must not lose the configured symbols.
	fs, ok := mgr.StatusFor(model.VendorDatabento)
	if !ok {
		t.Fatal("StatusFor missing the registered feed")
	}
	if len(fs.Subscriptions) != 1 || fs.Subscriptions[0] != "ESZ5" {
		t.Fatalf("Subscriptions after failed connect = %v, want [ESZ5]", fs.Subscriptions)
	}

	// After the supervisor reconnects, the source receives the set.
	deadline := time.Now().Add(5 * time.Second)
	for len(src.subscribed()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := src.subscribed(); len(got) != 1 || got[0] != "ESZ5" {
		t.Fatalf("source subscriptions after reconnect = %v, want [ESZ5]", got)
	}

	// And ticks flow.
	for mgr.Stats().TotalTicks < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := mgr.Stats().TotalTicks; got != 1 {
		t.Errorf("TotalTicks = %d, want 1", got)
	}
}

func TestManagerObserverCallbacks(t *testing.T) {
	src := newFlakySource(model.VendorDatabento, 1, []model.Tick{
		tickAt(model.VendorDatabento, "ESZ5", model.NowNanos(), 100),
	})

	var mu sync.Mutex
	var seen []model.Tick
	var failures []error

	cfg := testManagerConfig()
	cfg.Handler.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.Handler.MaxReconnectAttempts = 10
	cfg.OnTick = func(ctx context.Context, tick model.Tick) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tick)
		return nil
	}
	cfg.OnError = func(ctx context.Context, err error) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, err)
	}

	mgr := New(cfg, flakyFactory(src), nil, nil, nil)
	mgr.AddFeed(model.VendorDatabento, []string{"ESZ5"})
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Stop(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].Symbol != "ESZ5" {
		t.Fatalf("tick observer saw %v, want one ESZ5 tick", seen)
	}
	// The failed initial connect reaches the error observer.
	if len(failures) == 0 {
		t.Error("error observer never saw the failed initial connect")
	}
}

func TestManagerSubscribeUnknownFeed(t *testing.T) {
	mgr := New(testManagerConfig(), scriptedFactory(nil), nil, nil, nil)
	if err := mgr.Subscribe(context.Background(), model.VendorCME, []string{"X"}); !errors.Is(err, ErrFeedNotFound) {
		t.Errorf("Subscribe = %v, want ErrFeedNotFound", err)
	}
}
