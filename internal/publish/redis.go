// Package publish fans normalized ticks, bars, and feed status out over
// Redis pub/sub. Publishing is fire-and-forget: when Redis is down, messages
// are counted as lost and a background reconnect restores the stream.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acashmore/mdfeed/internal/metrics"
	"github.com/acashmore/mdfeed/internal/model"
)

// Config configures the publisher.
type Config struct {
	Host          string
	Port          int
	Password      string
	DB            int
	ChannelPrefix string
	Timeframe     string // bar channel label, e.g. "1m"

	BatchSize      int           // messages per pipelined publish
	FlushInterval  time.Duration // max message age before a forced flush
	StatusInterval time.Duration // status channel cadence

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// DefaultConfig returns the standard publisher settings.
func DefaultConfig() Config {
	return Config{
		Host:               "localhost",
		Port:               6379,
		ChannelPrefix:      "md",
		Timeframe:          "1m",
		BatchSize:          100,
		FlushInterval:      10 * time.Millisecond,
		StatusInterval:     5 * time.Second,
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  30 * time.Second,
	}
}

// ConfigFromEnv overlays environment variables onto the defaults.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("REDIS_CHANNEL_PREFIX"); v != "" {
		cfg.ChannelPrefix = v
	}
	if v := os.Getenv("PUBLISH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("PUBLISH_FLUSH_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.FlushInterval = time.Duration(ms) * time.Millisecond
		}
	}
	return cfg
}

// Message is one channel/payload pair queued for publish.
type Message struct {
	Channel string
	Payload []byte
}

// Conn is the minimal Redis surface the publisher needs. Tests substitute a
// fake; production uses goRedisConn.
type Conn interface {
	Ping(ctx context.Context) error
	Publish(ctx context.Context, channel string, payload []byte) error
	PublishBatch(ctx context.Context, msgs []Message) error
	Close() error
}

// goRedisConn adapts a go-redis client. PublishBatch rides a single
// non-transactional pipeline round trip.
type goRedisConn struct {
	rdb *redis.Client
}

// NewConn creates the production Redis connection.
func NewConn(cfg Config) Conn {
	return &goRedisConn{rdb: redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

func (c *goRedisConn) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *goRedisConn) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

func (c *goRedisConn) PublishBatch(ctx context.Context, msgs []Message) error {
	pipe := c.rdb.Pipeline()
	for _, m := range msgs {
		pipe.Publish(ctx, m.Channel, m.Payload)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *goRedisConn) Close() error { return c.rdb.Close() }

// Publisher batches messages and publishes them over a Conn. It implements
// the manager's Publisher interface.
type Publisher struct {
	cfg    Config
	conn   Conn
	logger *slog.Logger

	connected    atomic.Bool
	reconnecting atomic.Bool

	mu    sync.Mutex
	batch []Message

	published atomic.Int64
	errors    atomic.Int64
	flushes   atomic.Int64
	lost      atomic.Int64

	feedsMu sync.Mutex
	feeds   []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher over the given connection.
func NewPublisher(cfg Config, conn Conn, logger *slog.Logger) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Millisecond
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 5 * time.Second
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, conn: conn, logger: logger}
}

// Start pings Redis with backoff until it answers, then launches the flush
// and status loops. It blocks until connected or ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	delay := p.cfg.ReconnectBaseDelay
	for {
		if err := p.conn.Ping(ctx); err == nil {
			break
		} else {
			p.logger.Warn("redis unreachable, retrying", "delay", delay, "error", err)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > p.cfg.ReconnectMaxDelay {
			delay = p.cfg.ReconnectMaxDelay
		}
	}
	p.connected.Store(true)
	p.logger.Info("redis connected", "host", p.cfg.Host, "port", p.cfg.Port)

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(2)
	go p.flushLoop()
	go p.statusLoop()
	return nil
}

// Stop flushes the pending batch, publishes a final status, and closes the
// connection.
func (p *Publisher) Stop() error {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.flush(ctx)
	p.publishStatus(ctx)
	p.logger.Info("publisher stopped",
		"published", p.published.Load(),
		"errors", p.errors.Load(),
		"lost", p.lost.Load())
	return p.conn.Close()
}

// IsConnected reports whether the publisher believes Redis is reachable.
func (p *Publisher) IsConnected() bool { return p.connected.Load() }

// Published returns the count of successfully published messages.
func (p *Publisher) Published() int64 { return p.published.Load() }

// Lost returns the count of messages dropped while disconnected.
func (p *Publisher) Lost() int64 { return p.lost.Load() }

// SetConnectedFeeds implements manager.Publisher.
func (p *Publisher) SetConnectedFeeds(feeds []string) {
	p.feedsMu.Lock()
	p.feeds = append(p.feeds[:0], feeds...)
	p.feedsMu.Unlock()
}

// tickPayload is the tick channel wire format. Prices are decimal floats;
// absent sides are omitted.
type tickPayload struct {
	Type   string   `json:"type"`
	Symbol string   `json:"symbol"`
	Ts     int64    `json:"ts"` // ms since epoch
	Bid    *float64 `json:"bid,omitempty"`
	Ask    *float64 `json:"ask,omitempty"`
	Last   *float64 `json:"last,omitempty"`
	Volume int64    `json:"volume,omitempty"`
}

type barPayload struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	Ts        int64   `json:"ts"` // ms since epoch, bar open
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    int64   `json:"v"`
}

type statusPayload struct {
	Type              string   `json:"type"`
	Connected         bool     `json:"connected"`
	Feeds             []string `json:"feeds"`
	MessagesPublished int64    `json:"messages_published"`
	PublishErrors     int64    `json:"publish_errors"`
	Flushes           int64    `json:"flushes"`
	Ts                int64    `json:"ts"`
}

// PublishTick implements manager.Publisher.
func (p *Publisher) PublishTick(ctx context.Context, t model.Tick) error {
	pl := tickPayload{
		Type:   "tick",
		Symbol: t.Symbol,
		Ts:     t.TimestampNs / 1e6,
		Volume: t.TradeSize,
	}
	if t.Has&model.HasBid != 0 {
		v := t.FloatPrice(t.BidPrice)
		pl.Bid = &v
	}
	if t.Has&model.HasAsk != 0 {
		v := t.FloatPrice(t.AskPrice)
		pl.Ask = &v
	}
	if t.Has&model.HasTrade != 0 {
		v := t.FloatPrice(t.TradePrice)
		pl.Last = &v
	}
	data, err := json.Marshal(pl)
	if err != nil {
		return err
	}
	channel := fmt.Sprintf("%s:ticks:%s", p.cfg.ChannelPrefix, t.Symbol)
	p.enqueue(ctx, Message{Channel: channel, Payload: data})
	return nil
}

// PublishBar implements manager.Publisher.
func (p *Publisher) PublishBar(ctx context.Context, bar model.Bar) error {
	pl := barPayload{
		Type:      "bar",
		Symbol:    bar.Symbol,
		Timeframe: p.cfg.Timeframe,
		Ts:        bar.TimestampNs / 1e6,
		Open:      bar.FloatPrice(bar.Open),
		High:      bar.FloatPrice(bar.High),
		Low:       bar.FloatPrice(bar.Low),
		Close:     bar.FloatPrice(bar.Close),
		Volume:    bar.Volume,
	}
	data, err := json.Marshal(pl)
	if err != nil {
		return err
	}
	channel := fmt.Sprintf("%s:bars:%s:%s", p.cfg.ChannelPrefix, bar.Symbol, p.cfg.Timeframe)
	p.enqueue(ctx, Message{Channel: channel, Payload: data})
	return nil
}

// enqueue appends to the batch, flushing inline at BatchSize. Messages
// queued while disconnected are counted lost and discarded.
func (p *Publisher) enqueue(ctx context.Context, msg Message) {
	if !p.connected.Load() {
		p.lost.Add(1)
		return
	}
	p.mu.Lock()
	p.batch = append(p.batch, msg)
	full := len(p.batch) >= p.cfg.BatchSize
	p.mu.Unlock()
	if full {
		p.flush(ctx)
	}
}

// flush publishes the pending batch in one pipeline round trip. On failure
// the publisher marks itself disconnected and kicks off a reconnect.
func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.batch) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.batch
	p.batch = nil
	p.mu.Unlock()

	if err := p.conn.PublishBatch(ctx, batch); err != nil {
		p.errors.Add(1)
		p.lost.Add(int64(len(batch)))
		metrics.PublishErrors.Inc()
		if p.connected.Swap(false) {
			p.logger.Error("publish batch failed, reconnecting",
				"count", len(batch), "error", err)
		}
		p.maybeReconnect()
		return
	}
	p.published.Add(int64(len(batch)))
	p.flushes.Add(1)
	metrics.MessagesPublished.Add(float64(len(batch)))
}

// maybeReconnect starts a single background ping loop; further flush
// failures while it runs are no-ops.
func (p *Publisher) maybeReconnect() {
	if !p.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer p.reconnecting.Store(false)
		delay := p.cfg.ReconnectBaseDelay
		for {
			select {
			case <-p.ctx.Done():
				return
			default:
			}
			ctx, cancel := context.WithTimeout(p.ctx, 2*time.Second)
			err := p.conn.Ping(ctx)
			cancel()
			if err == nil {
				p.connected.Store(true)
				p.logger.Info("redis reconnected", "lost_while_down", p.lost.Load())
				return
			}
			t := time.NewTimer(delay)
			select {
			case <-p.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			delay *= 2
			if delay > p.cfg.ReconnectMaxDelay {
				delay = p.cfg.ReconnectMaxDelay
			}
		}
	}()
}

func (p *Publisher) flushLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.flush(p.ctx)
		}
	}
}

func (p *Publisher) statusLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.publishStatus(p.ctx)
		}
	}
}

// publishStatus sends the status snapshot directly, bypassing the batch so
// health remains visible when the tick stream idles.
func (p *Publisher) publishStatus(ctx context.Context) {
	p.feedsMu.Lock()
	feeds := append([]string(nil), p.feeds...)
	p.feedsMu.Unlock()
	if feeds == nil {
		feeds = []string{}
	}

	pl := statusPayload{
		Type:              "status",
		Connected:         p.connected.Load(),
		Feeds:             feeds,
		MessagesPublished: p.published.Load(),
		PublishErrors:     p.errors.Load(),
		Flushes:           p.flushes.Load(),
		Ts:                model.NowNanos() / 1e6,
	}
	data, err := json.Marshal(pl)
	if err != nil {
		return
	}
	channel := fmt.Sprintf("%s:status:feeds", p.cfg.ChannelPrefix)
	if err := p.conn.Publish(ctx, channel, data); err != nil {
		p.errors.Add(1)
	}
}
