package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/acashmore/mdfeed/internal/model"
)

// BarSink receives completed OHLCV bars.
type BarSink func(ctx context.Context, bar model.Bar) error

// Aggregator folds ticks into per-symbol OHLCV bars. A bar is closed and
// emitted when a tick lands past its boundary, or on FlushAll. Bars for a
// symbol are emitted in strictly increasing timestamp order; late ticks
// (before the current bar) are ignored.
type Aggregator struct {
	timeframeNs int64
	onBar       BarSink
	logger      *slog.Logger

	mu   sync.Mutex
	bars map[string]*model.Bar
}

// NewAggregator creates an aggregator with the given timeframe. onBar may be
// nil, in which case completed bars are only returned from ProcessTick.
func NewAggregator(timeframe time.Duration, onBar BarSink, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		timeframeNs: timeframe.Nanoseconds(),
		onBar:       onBar,
		logger:      logger,
		bars:        make(map[string]*model.Bar),
	}
}

// barTimestamp floors a tick timestamp to the bar boundary.
func (a *Aggregator) barTimestamp(tsNs int64) int64 {
	return (tsNs / a.timeframeNs) * a.timeframeNs
}

// ProcessTick updates the symbol's bar with the tick. It returns the closed
// bar when the tick crossed a boundary. Ticks with no price are ignored.
func (a *Aggregator) ProcessTick(ctx context.Context, t model.Tick) (*model.Bar, error) {
	price, ok := t.Price()
	if !ok {
		return nil, nil
	}
	size := t.TradeSize
	barTs := a.barTimestamp(t.TimestampNs)

	a.mu.Lock()
	cur, exists := a.bars[t.Symbol]

	if !exists {
		a.bars[t.Symbol] = newBar(barTs, t, price, size)
		a.mu.Unlock()
		return nil, nil
	}

	switch {
	case barTs > cur.TimestampNs:
		completed := *cur
		a.bars[t.Symbol] = newBar(barTs, t, price, size)
		a.mu.Unlock()

		if a.onBar != nil {
			if err := a.onBar(ctx, completed); err != nil {
				return &completed, err
			}
		}
		return &completed, nil

	case barTs == cur.TimestampNs:
		if price > cur.High {
			cur.High = price
		}
		if price < cur.Low {
			cur.Low = price
		}
		cur.Close = price
		cur.Volume += size
		cur.TickCount++
		a.mu.Unlock()
		return nil, nil

	default:
		// Late tick for an already-emitted bar.
		a.mu.Unlock()
		return nil, nil
	}
}

// CurrentBar returns a copy of the open bar for the symbol, if any.
func (a *Aggregator) CurrentBar(symbol string) (model.Bar, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bars[symbol]; ok {
		return *b, true
	}
	return model.Bar{}, false
}

// FlushAll emits every open bar and clears the map. Intended for shutdown.
func (a *Aggregator) FlushAll(ctx context.Context) []model.Bar {
	a.mu.Lock()
	out := make([]model.Bar, 0, len(a.bars))
	for _, b := range a.bars {
		out = append(out, *b)
	}
	a.bars = make(map[string]*model.Bar)
	a.mu.Unlock()

	// Deterministic emit order for shutdown logs and tests.
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })

	if a.onBar != nil {
		for _, b := range out {
			if err := a.onBar(ctx, b); err != nil {
				a.logger.Warn("bar sink failed during flush", "symbol", b.Symbol, "error", err)
			}
		}
	}
	return out
}

func newBar(barTs int64, t model.Tick, price, size int64) *model.Bar {
	return &model.Bar{
		TimestampNs: barTs,
		Symbol:      t.Symbol,
		Open:        price,
		High:        price,
		Low:         price,
		Close:       price,
		Volume:      size,
		TickCount:   1,
		Precision:   t.Precision,
	}
}
