package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acashmore/mdfeed/internal/feed"
	"github.com/acashmore/mdfeed/internal/metrics"
	"github.com/acashmore/mdfeed/internal/model"
	"github.com/acashmore/mdfeed/internal/pipeline"
)

// Errors
var (
	ErrUnknownVendor  = errors.New("unknown vendor")
	ErrFeedExists     = errors.New("feed already registered")
	ErrFeedNotFound   = errors.New("feed not registered")
	ErrAlreadyRunning = errors.New("manager already running")
)

// errorLogSize bounds the recent-error ring kept for Status.
const errorLogSize = 10

// SourceFactory builds a vendor source. The command layer supplies one that
// closes over the loaded configuration.
type SourceFactory func(vendor model.Vendor) (feed.Source, error)

// Publisher receives normalized output. Implementations must tolerate
// being called from the single pipeline goroutine at tick rate.
type Publisher interface {
	PublishTick(ctx context.Context, t model.Tick) error
	PublishBar(ctx context.Context, bar model.Bar) error
	SetConnectedFeeds(feeds []string)
}

// Config configures the manager.
type Config struct {
	Handler   feed.HandlerConfig
	Buffer    pipeline.BufferConfig
	Timeframe time.Duration // bar aggregation timeframe

	// OnTick and OnError are optional observer hooks. OnTick runs on the
	// pipeline goroutine after the buffer/publisher/aggregator fan-out;
	// OnError receives every handler and startup error.
	OnTick  feed.TickCallback
	OnError feed.ErrorCallback
}

// DefaultConfig returns the standard manager configuration.
func DefaultConfig() Config {
	return Config{
		Handler:   feed.DefaultHandlerConfig(),
		Buffer:    pipeline.DefaultBufferConfig(),
		Timeframe: time.Minute,
	}
}

type feedEntry struct {
	handler *feed.Handler
	symbols []string
}

type loggedError struct {
	Vendor model.Vendor
	Err    string
	AtNs   int64
}

// Manager owns the full pipeline: vendor handlers on the ingress side, the
// tick buffer, bar aggregator, and publisher on the egress side. Every tick
// passes through handleTick under a single mutex, so the buffer's ring sees
// one producer no matter how many handlers run.
type Manager struct {
	cfg     Config
	factory SourceFactory
	logger  *slog.Logger

	buffer    *pipeline.TickBuffer
	agg       *pipeline.Aggregator
	publisher Publisher
	sink      pipeline.BatchSink

	mu      sync.Mutex
	feeds   map[model.Vendor]*feedEntry
	errLog  []loggedError
	running bool
	stopped bool

	tickMu     sync.Mutex
	totalTicks atomic.Int64
	startNs    atomic.Int64
}

// New creates a manager. sink receives flushed tick batches (the store
// writer in production, a logger in demo mode); it may be nil. publisher
// may be nil when Redis output is disabled.
func New(cfg Config, factory SourceFactory, sink pipeline.BatchSink, publisher Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		factory:   factory,
		logger:    logger,
		publisher: publisher,
		feeds:     make(map[model.Vendor]*feedEntry),
	}
	if sink == nil {
		sink = func(ctx context.Context, batch []model.Tick) error { return nil }
	}
	m.buffer = pipeline.NewTickBuffer(cfg.Buffer, sink, logger)
	m.agg = pipeline.NewAggregator(cfg.Timeframe, m.emitBar, logger)
	return m
}

// AddFeed registers a vendor with its symbol list. Feeds must be added
// before Start; duplicate vendors and empty symbol lists are rejected.
func (m *Manager) AddFeed(vendor model.Vendor, symbols []string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("feed %s: no symbols", vendor)
	}
	source, err := m.factory(vendor)
	if err != nil {
		return fmt.Errorf("feed %s: %w", vendor, err)
	}

	handler := feed.NewHandler(m.cfg.Handler, source, m.handleTick, m.errorCallback(vendor), m.logger)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	if _, ok := m.feeds[vendor]; ok {
		return fmt.Errorf("%w: %s", ErrFeedExists, vendor)
	}
	m.feeds[vendor] = &feedEntry{handler: handler, symbols: append([]string(nil), symbols...)}
	m.logger.Info("feed registered", "vendor", vendor, "symbols", len(symbols))
	return nil
}

// Start connects and launches every registered feed. A feed that fails its
// initial connect is still launched; the supervisor retries with backoff.
// Start returns an error only when no feed is registered.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(m.feeds) == 0 {
		m.mu.Unlock()
		return errors.New("no feeds registered")
	}
	m.running = true
	entries := make(map[model.Vendor]*feedEntry, len(m.feeds))
	for v, e := range m.feeds {
		entries[v] = e
	}
	m.mu.Unlock()

	m.startNs.Store(model.NowNanos())
	m.buffer.Start(ctx)

	for vendor, entry := range entries {
		m.startFeed(ctx, vendor, entry)
	}
	m.publishConnected()
	return nil
}

// startFeed performs the synchronous connect + subscribe, then hands the
// handler to its supervisor goroutine.
func (m *Manager) startFeed(ctx context.Context, vendor model.Vendor, entry *feedEntry) {
	m.logger.Info("starting feed", "vendor", vendor)

	// Seed before connecting: Subscribe against a disconnected source fails
	// without touching the set, and the supervisor's re-subscribe path only
	// fires for a non-empty set. Seeding first keeps the configured symbols
	// across a dead initial connect.
	entry.handler.SeedSubscriptions(entry.symbols)

	if err := entry.handler.Connect(ctx); err != nil {
		m.logger.Error("initial connect failed, will retry", "vendor", vendor, "error", err)
		m.recordError(vendor, err)
		if m.cfg.OnError != nil {
			m.cfg.OnError(ctx, err)
		}
	} else if err := entry.handler.Subscribe(ctx, entry.symbols); err != nil {
		m.logger.Error("initial subscribe failed", "vendor", vendor, "error", err)
		m.recordError(vendor, err)
	} else {
		m.logger.Info("feed connected", "vendor", vendor, "symbols", len(entry.symbols))
	}

	go entry.handler.Run(ctx)
}

// handleTick is the single pipeline entrypoint for every delivered tick.
func (m *Manager) handleTick(ctx context.Context, t model.Tick) error {
	m.totalTicks.Add(1)
	metrics.TicksReceived.WithLabelValues(string(t.Vendor)).Inc()

	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	if !m.buffer.Push(ctx, t) {
		metrics.TicksDropped.Inc()
	}
	if m.publisher != nil {
		if err := m.publisher.PublishTick(ctx, t); err != nil {
			m.logger.Warn("publish tick failed", "symbol", t.Symbol, "error", err)
		}
	}
	if _, err := m.agg.ProcessTick(ctx, t); err != nil {
		m.logger.Warn("aggregate tick failed", "symbol", t.Symbol, "error", err)
	}
	if m.cfg.OnTick != nil {
		if err := m.cfg.OnTick(ctx, t); err != nil {
			m.logger.Warn("tick observer failed", "symbol", t.Symbol, "error", err)
		}
	}
	return nil
}

// emitBar is the aggregator sink.
func (m *Manager) emitBar(ctx context.Context, bar model.Bar) error {
	metrics.BarsEmitted.Inc()
	if m.publisher != nil {
		return m.publisher.PublishBar(ctx, bar)
	}
	return nil
}

func (m *Manager) errorCallback(vendor model.Vendor) feed.ErrorCallback {
	return func(ctx context.Context, err error) {
		metrics.FeedErrors.WithLabelValues(string(vendor)).Inc()
		m.recordError(vendor, err)
		if m.cfg.OnError != nil {
			m.cfg.OnError(ctx, err)
		}
		m.publishConnected()
	}
}

func (m *Manager) recordError(vendor model.Vendor, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errLog = append(m.errLog, loggedError{Vendor: vendor, Err: err.Error(), AtNs: model.NowNanos()})
	if len(m.errLog) > errorLogSize {
		m.errLog = m.errLog[len(m.errLog)-errorLogSize:]
	}
}

// publishConnected pushes the connected-feed list to the publisher for the
// status channel.
func (m *Manager) publishConnected() {
	if m.publisher == nil {
		return
	}
	var connected []string
	m.mu.Lock()
	for vendor, entry := range m.feeds {
		if entry.handler.IsConnected() {
			connected = append(connected, string(vendor))
		}
	}
	m.mu.Unlock()
	m.publisher.SetConnectedFeeds(connected)
	metrics.FeedsConnected.Set(float64(len(connected)))
}

// Subscribe adds symbols to a running feed.
func (m *Manager) Subscribe(ctx context.Context, vendor model.Vendor, symbols []string) error {
	m.mu.Lock()
	entry, ok := m.feeds[vendor]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrFeedNotFound, vendor)
	}
	if err := entry.handler.Subscribe(ctx, symbols); err != nil {
		return err
	}
	m.mu.Lock()
	for _, s := range symbols {
		if !containsStr(entry.symbols, s) {
			entry.symbols = append(entry.symbols, s)
		}
	}
	m.mu.Unlock()
	return nil
}

// Unsubscribe removes symbols from a running feed.
func (m *Manager) Unsubscribe(ctx context.Context, vendor model.Vendor, symbols []string) error {
	m.mu.Lock()
	entry, ok := m.feeds[vendor]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrFeedNotFound, vendor)
	}
	if err := entry.handler.Unsubscribe(ctx, symbols); err != nil {
		return err
	}
	m.mu.Lock()
	kept := entry.symbols[:0]
	for _, s := range entry.symbols {
		if !containsStr(symbols, s) {
			kept = append(kept, s)
		}
	}
	entry.symbols = kept
	m.mu.Unlock()
	return nil
}

// Stop shuts the pipeline down in order: handlers first so no new ticks
// arrive, then the buffer's final flush, then the aggregator flush so
// partial bars reach the publisher. Stop is idempotent.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.running = false
	entries := make([]*feedEntry, 0, len(m.feeds))
	for _, e := range m.feeds {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, entry := range entries {
		entry.handler.Stop()
		if done := entry.handler.Done(); done != nil {
			g.Go(func() error {
				select {
				case <-done:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}
	}
	err := g.Wait()
	if err != nil {
		m.logger.Warn("handler shutdown timed out", "error", err)
	}

	m.buffer.Stop()
	m.agg.FlushAll(context.Background())
	m.publishConnected()
	m.logger.Info("manager stopped", "total_ticks", m.totalTicks.Load())
	return err
}

// FeedStatus describes one feed for Status. The aggregate fields roll up
// the per-symbol stats: total ticks, newest tick, mean latency.
type FeedStatus struct {
	Vendor        model.Vendor
	State         string
	Connected     bool
	Subscriptions []string
	TicksReceived int64
	LastTickNs    int64
	AvgLatencyUs  int64
	Errors        []string
	Symbols       map[string]SymbolStatus
}

// SymbolStatus is the per-symbol health view.
type SymbolStatus struct {
	TicksReceived int64
	GapsDetected  int64
	AvgLatencyUs  int64
	LastTickNs    int64
}

// Status reports the current health of every feed plus recent errors.
type Status struct {
	Feeds        map[model.Vendor]FeedStatus
	RecentErrors []string
}

// Status returns a point-in-time health snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Status{Feeds: make(map[model.Vendor]FeedStatus, len(m.feeds))}
	for vendor := range m.feeds {
		out.Feeds[vendor] = m.feedStatusLocked(vendor)
	}
	for _, e := range m.errLog {
		out.RecentErrors = append(out.RecentErrors, formatError(e))
	}
	return out
}

// StatusFor returns the health of a single feed.
func (m *Manager) StatusFor(vendor model.Vendor) (FeedStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.feeds[vendor]; !ok {
		return FeedStatus{}, false
	}
	return m.feedStatusLocked(vendor), true
}

func (m *Manager) feedStatusLocked(vendor model.Vendor) FeedStatus {
	entry := m.feeds[vendor]
	fs := FeedStatus{
		Vendor:        vendor,
		State:         entry.handler.State().String(),
		Connected:     entry.handler.IsConnected(),
		Subscriptions: entry.handler.Subscriptions(),
		Symbols:       make(map[string]SymbolStatus),
	}

	var latencySum int64
	var latencyN int64
	for sym, st := range entry.handler.AllStats() {
		fs.Symbols[sym] = SymbolStatus{
			TicksReceived: st.TicksReceived,
			GapsDetected:  st.GapsDetected,
			AvgLatencyUs:  st.LatencyNsAvg / 1000,
			LastTickNs:    st.LastTickNs,
		}
		fs.TicksReceived += st.TicksReceived
		if st.LastTickNs > fs.LastTickNs {
			fs.LastTickNs = st.LastTickNs
		}
		if st.LatencyNsAvg > 0 {
			latencySum += st.LatencyNsAvg
			latencyN++
		}
	}
	if latencyN > 0 {
		fs.AvgLatencyUs = latencySum / latencyN / 1000
	}
	for _, e := range m.errLog {
		if e.Vendor == vendor {
			fs.Errors = append(fs.Errors, formatError(e))
		}
	}
	return fs
}

func formatError(e loggedError) string {
	return fmt.Sprintf("[%s] %s: %s",
		time.Unix(0, e.AtNs).UTC().Format(time.RFC3339), e.Vendor, e.Err)
}

// Stats reports pipeline throughput and buffer counters.
type Stats struct {
	TotalTicks     int64
	UptimeSeconds  float64
	TicksPerSecond float64
	FeedsConnected int
	FeedsTotal     int
	Buffer         model.BufferStats
}

// Stats returns aggregate pipeline statistics.
func (m *Manager) Stats() Stats {
	total := m.totalTicks.Load()
	s := Stats{
		TotalTicks: total,
		Buffer:     m.buffer.Stats(),
	}
	if start := m.startNs.Load(); start > 0 {
		s.UptimeSeconds = float64(model.NowNanos()-start) / 1e9
		if s.UptimeSeconds > 0 {
			s.TicksPerSecond = float64(total) / s.UptimeSeconds
		}
	}
	m.mu.Lock()
	s.FeedsTotal = len(m.feeds)
	for _, entry := range m.feeds {
		if entry.handler.IsConnected() {
			s.FeedsConnected++
		}
	}
	m.mu.Unlock()
	return s
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
