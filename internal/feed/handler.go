package feed

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acashmore/mdfeed/internal/metrics"
	"github.com/acashmore/mdfeed/internal/model"
)

// Handler supervises a Source: it drives the connect / subscribe / read loop,
// reconnects with exponential backoff on failure, and maintains per-symbol
// feed statistics. One Handler owns one Source; Run executes on a single
// goroutine, so the subscription set and stats map need no external locking
// beyond the accessor mutex.
type Handler struct {
	cfg     HandlerConfig
	source  Source
	onTick  TickCallback
	onError ErrorCallback
	logger  *slog.Logger

	running   atomic.Bool
	stopped   atomic.Bool
	connected atomic.Bool
	state     atomic.Int32

	mu    sync.Mutex
	subs  map[string]struct{}
	stats map[string]*model.FeedStats

	// sleep is swapped in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error

	doneMu sync.Mutex
	done   chan struct{}
}

// NewHandler creates a supervisor for the given source.
func NewHandler(cfg HandlerConfig, source Source, onTick TickCallback, onError ErrorCallback, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:     cfg,
		source:  source,
		onTick:  onTick,
		onError: onError,
		logger:  logger.With("vendor", source.Vendor()),
		subs:    make(map[string]struct{}),
		stats:   make(map[string]*model.FeedStats),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Vendor returns the supervised source's vendor.
func (h *Handler) Vendor() model.Vendor { return h.source.Vendor() }

// State returns the current lifecycle state.
func (h *Handler) State() State { return State(h.state.Load()) }

// IsConnected reports whether the source is currently connected.
func (h *Handler) IsConnected() bool { return h.connected.Load() }

// IsRunning reports whether the supervisor loop is active.
func (h *Handler) IsRunning() bool { return h.running.Load() }

func (h *Handler) setState(s State) { h.state.Store(int32(s)) }

// Connect establishes the source connection outside the supervisor loop.
// The manager uses this for the initial synchronous connect so that startup
// failures surface immediately.
func (h *Handler) Connect(ctx context.Context) error {
	h.setState(StateConnecting)
	if err := h.source.Connect(ctx); err != nil {
		h.setState(StateStopped)
		return err
	}
	h.connected.Store(true)
	h.setState(StateConnected)
	return nil
}

// Subscribe adds symbols to the subscription set and forwards them to the
// source. Re-subscribing an already-subscribed symbol is a no-op on the set;
// the source call is idempotent by contract.
func (h *Handler) Subscribe(ctx context.Context, symbols []string) error {
	if err := h.source.Subscribe(ctx, symbols); err != nil {
		return err
	}
	h.mu.Lock()
	for _, s := range symbols {
		h.subs[s] = struct{}{}
		if _, ok := h.stats[s]; !ok {
			h.stats[s] = &model.FeedStats{Vendor: h.source.Vendor(), Symbol: s}
		}
	}
	h.mu.Unlock()
	return nil
}

// SeedSubscriptions loads symbols into the subscription set without calling
// the source. Sources reject Subscribe while disconnected, so the initial
// symbol list is seeded here; the supervisor pushes the set to the source on
// the next (re)connect.
func (h *Handler) SeedSubscriptions(symbols []string) {
	h.mu.Lock()
	for _, s := range symbols {
		h.subs[s] = struct{}{}
		if _, ok := h.stats[s]; !ok {
			h.stats[s] = &model.FeedStats{Vendor: h.source.Vendor(), Symbol: s}
		}
	}
	h.mu.Unlock()
}

// Unsubscribe removes symbols from the subscription set. Symbols never in
// the set are ignored.
func (h *Handler) Unsubscribe(ctx context.Context, symbols []string) error {
	if err := h.source.Unsubscribe(ctx, symbols); err != nil {
		return err
	}
	h.mu.Lock()
	for _, s := range symbols {
		delete(h.subs, s)
	}
	h.mu.Unlock()
	return nil
}

// Subscriptions returns the sorted subscription set.
func (h *Handler) Subscriptions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.subs))
	for s := range h.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Stats returns a copy of the stats for one symbol.
func (h *Handler) Stats(symbol string) (model.FeedStats, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.stats[symbol]; ok {
		return *s, true
	}
	return model.FeedStats{}, false
}

// AllStats returns a copy of all per-symbol stats.
func (h *Handler) AllStats() map[string]model.FeedStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]model.FeedStats, len(h.stats))
	for k, v := range h.stats {
		out[k] = *v
	}
	return out
}

// Run executes the supervisor loop until Stop or context cancellation. When
// the source was pre-connected via Connect, the first pass skips the dial and
// goes straight to re-subscribe + read.
func (h *Handler) Run(ctx context.Context) {
	if h.stopped.Load() {
		return
	}
	h.running.Store(true)
	h.doneMu.Lock()
	h.done = make(chan struct{})
	done := h.done
	h.doneMu.Unlock()
	defer close(done)

	delay := h.cfg.ReconnectBaseDelay
	attempts := 0

	for h.running.Load() {
		if !h.connected.Load() {
			h.setState(StateConnecting)
			if err := h.source.Connect(ctx); err != nil {
				if ctx.Err() != nil || !h.running.Load() {
					break
				}
				h.logger.Warn("connect failed", "error", err)
				if !h.backoff(ctx, &delay, &attempts, err) {
					break
				}
				continue
			}
			h.connected.Store(true)
		}

		h.setState(StateConnected)
		delay = h.cfg.ReconnectBaseDelay
		attempts = 0

		// Re-subscribe is idempotent; needed after every reconnect.
		if subs := h.Subscriptions(); len(subs) > 0 {
			if err := h.source.Subscribe(ctx, subs); err != nil {
				h.logger.Warn("resubscribe failed", "error", err)
			}
		}

		err := h.readLoop(ctx)
		if ctx.Err() != nil || !h.running.Load() {
			break
		}

		h.connected.Store(false)
		h.setState(StateReconnecting)
		if !h.backoff(ctx, &delay, &attempts, err) {
			break
		}
	}

	h.running.Store(false)
	h.source.Disconnect()
	h.connected.Store(false)
	h.setState(StateStopped)
}

// backoff reports the error, sleeps the current delay, and doubles it up to
// the cap. Returns false when the supervisor should give up.
func (h *Handler) backoff(ctx context.Context, delay *time.Duration, attempts *int, cause error) bool {
	if h.onError != nil && cause != nil {
		h.onError(ctx, cause)
	}

	*attempts++
	if h.cfg.MaxReconnectAttempts >= 0 && *attempts > h.cfg.MaxReconnectAttempts {
		h.logger.Error("reconnect attempts exhausted", "attempts", *attempts-1)
		return false
	}

	h.logger.Info("reconnecting", "delay", *delay, "attempt", *attempts)
	if err := h.sleep(ctx, *delay); err != nil {
		return false
	}
	*delay *= 2
	if *delay > h.cfg.ReconnectMaxDelay {
		*delay = h.cfg.ReconnectMaxDelay
	}
	return true
}

// readLoop pulls ticks from the source and delivers them until failure.
func (h *Handler) readLoop(ctx context.Context) error {
	for h.running.Load() {
		t, err := h.source.ReadTick(ctx)
		if err != nil {
			return err
		}

		receiveNs := model.NowNanos()
		h.mu.Lock()
		if s, ok := h.stats[t.Symbol]; ok {
			before := s.GapsDetected
			s.Update(t, receiveNs)
			if s.GapsDetected > before {
				metrics.GapsDetected.WithLabelValues(string(t.Vendor)).Inc()
			}
		}
		h.mu.Unlock()

		if h.onTick != nil {
			if err := h.onTick(ctx, t); err != nil {
				h.logger.Warn("tick callback failed", "symbol", t.Symbol, "error", err)
			}
		}
	}
	return nil
}

// Stop ends the supervisor loop. Disconnecting the source unblocks any
// pending read. Stop is idempotent and safe to call before Run.
func (h *Handler) Stop() {
	if h.stopped.Swap(true) {
		return
	}
	h.running.Store(false)
	h.source.Disconnect()
}

// Done returns a channel closed when the supervisor loop has exited, or nil
// when Run has not started.
func (h *Handler) Done() <-chan struct{} {
	h.doneMu.Lock()
	defer h.doneMu.Unlock()
	return h.done
}
