// Package store persists tick batches to Postgres/TimescaleDB. The writer
// plugs into the pipeline as a batch sink; one flush becomes one pgx batch
// round trip.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acashmore/mdfeed/internal/metrics"
	"github.com/acashmore/mdfeed/internal/model"
)

// Config holds database connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns int32
}

// DefaultConfig returns local-development defaults.
func DefaultConfig() Config {
	return Config{
		Host:     "localhost",
		Port:     5432,
		User:     "mdfeed",
		Database: "mdfeed",
		SSLMode:  "disable",
		MaxConns: 4,
	}
}

// ConnString renders the pgx connection string.
func (c Config) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// NewPool opens a pgx pool with the configured limits.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse conn string: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// ticksSchema creates the tick table. With TimescaleDB installed the table
// is converted to a hypertable; on plain Postgres that step is skipped.
const ticksSchema = `
CREATE TABLE IF NOT EXISTS ticks (
	time        TIMESTAMPTZ NOT NULL,
	symbol      TEXT        NOT NULL,
	vendor      TEXT        NOT NULL,
	kind        TEXT        NOT NULL,
	bid         DOUBLE PRECISION,
	ask         DOUBLE PRECISION,
	last        DOUBLE PRECISION,
	bid_size    BIGINT,
	ask_size    BIGINT,
	last_size   BIGINT,
	exchange    TEXT,
	sequence    BIGINT,
	UNIQUE (time, symbol, vendor, sequence)
);
CREATE INDEX IF NOT EXISTS ticks_symbol_time_idx ON ticks (symbol, time DESC);
`

const insertTick = `
INSERT INTO ticks (time, symbol, vendor, kind, bid, ask, last, bid_size, ask_size, last_size, exchange, sequence)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT DO NOTHING`

// TickWriter persists tick batches.
type TickWriter struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewTickWriter creates a writer over an open pool.
func NewTickWriter(pool *pgxpool.Pool, logger *slog.Logger) *TickWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TickWriter{pool: pool, logger: logger}
}

// EnsureSchema creates the tick table if missing.
func (w *TickWriter) EnsureSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, ticksSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// WriteBatch inserts a tick batch in a single batched round trip. Duplicate
// rows are silently skipped by the conflict clause.
func (w *TickWriter) WriteBatch(ctx context.Context, ticks []model.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, t := range ticks {
		batch.Queue(insertTick, tickRow(t)...)
	}

	br := w.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range ticks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert tick: %w", err)
		}
	}

	metrics.RowsWritten.Add(float64(len(ticks)))
	w.logger.Debug("wrote tick batch", "count", len(ticks))
	return nil
}

// tickRow converts a tick to insert arguments. Prices travel as decimal
// floats; absent sides and sizes become NULL.
func tickRow(t model.Tick) []any {
	var bid, ask, last *float64
	if t.Has&model.HasBid != 0 {
		v := t.FloatPrice(t.BidPrice)
		bid = &v
	}
	if t.Has&model.HasAsk != 0 {
		v := t.FloatPrice(t.AskPrice)
		ask = &v
	}
	if t.Has&model.HasTrade != 0 {
		v := t.FloatPrice(t.TradePrice)
		last = &v
	}

	var bidSz, askSz, lastSz, seq *int64
	if t.BidSize > 0 {
		bidSz = &t.BidSize
	}
	if t.AskSize > 0 {
		askSz = &t.AskSize
	}
	if t.TradeSize > 0 {
		lastSz = &t.TradeSize
	}
	if t.SequenceNum > 0 {
		seq = &t.SequenceNum
	}

	return []any{
		time.Unix(0, t.TimestampNs).UTC(),
		t.Symbol,
		string(t.Vendor),
		t.Kind.String(),
		bid, ask, last,
		bidSz, askSz, lastSz,
		t.Exchange,
		seq,
	}
}
