package feed

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/acashmore/mdfeed/internal/model"
)

// Databento framing constants.
const (
	dbnHeaderSize = 14 // u64 timestamp + u32 length + u16 rtype, little-endian
	dbnMBP1Size   = 34 // 3x i64 price + 2x u32 size + flags + pad
)

// Databento schemas.
const (
	SchemaMBP1   = "mbp-1"
	SchemaTrades = "trades"
)

// Databento wire encodings.
const (
	EncodingJSON = "json" // newline-delimited JSON frames
	EncodingDBN  = "dbn"  // fixed-record binary frames
)

// DatabentoConfig configures a framed-stream connection to the Databento
// live gateway.
type DatabentoConfig struct {
	APIKey   string
	Dataset  string // e.g. "GLBX.MDP3"
	Schema   string
	Encoding string // EncodingJSON or EncodingDBN
	Host     string
	Port     int

	DialTimeout time.Duration
	ReadTimeout time.Duration // heartbeat window; elapsing it is not fatal
}

// DefaultDatabentoConfig returns sensible defaults.
func DefaultDatabentoConfig() DatabentoConfig {
	return DatabentoConfig{
		Schema:      SchemaMBP1,
		Encoding:    EncodingJSON,
		Host:        "localhost",
		Port:        13000,
		DialTimeout: 10 * time.Second,
		ReadTimeout: 30 * time.Second,
	}
}

// DatabentoSource is a connection-oriented TCP ingress with JSON or binary
// framing. The handshake is always JSON: an auth frame must be answered with
// {"status":"ok"} before any data flows.
type DatabentoSource struct {
	cfg    DatabentoConfig
	logger *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	subs   []string
}

// dbnTextMsg covers every frame the text protocol carries; control frames
// only populate Type/Status.
type dbnTextMsg struct {
	Type     string   `json:"type,omitempty"`
	Status   string   `json:"status,omitempty"`
	Key      string   `json:"key,omitempty"`
	Dataset  string   `json:"dataset,omitempty"`
	Schema   string   `json:"schema,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
	Symbol   string   `json:"symbol,omitempty"`
	TsEvent  int64    `json:"ts_event,omitempty"`
	BidPx    *float64 `json:"bid_px,omitempty"`
	AskPx    *float64 `json:"ask_px,omitempty"`
	TradePx  *float64 `json:"trade_px,omitempty"`
	BidSz    int64    `json:"bid_sz,omitempty"`
	AskSz    int64    `json:"ask_sz,omitempty"`
	TradeSz  int64    `json:"trade_sz,omitempty"`
	Exchange string   `json:"exchange,omitempty"`
	Sequence int64    `json:"sequence,omitempty"`
}

// NewDatabentoSource creates a Databento source.
func NewDatabentoSource(cfg DatabentoConfig, logger *slog.Logger) *DatabentoSource {
	if cfg.Schema == "" {
		cfg.Schema = SchemaMBP1
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DatabentoSource{cfg: cfg, logger: logger}
}

// Vendor implements Source.
func (d *DatabentoSource) Vendor() model.Vendor { return model.VendorDatabento }

// Connect dials the gateway and performs the auth handshake.
func (d *DatabentoSource) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: d.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port))
	if err != nil {
		return fmt.Errorf("dial databento: %w", err)
	}

	reader := bufio.NewReader(conn)

	auth := dbnTextMsg{
		Type:    "auth",
		Key:     d.cfg.APIKey,
		Dataset: d.cfg.Dataset,
		Schema:  d.cfg.Schema,
	}
	if err := writeFrame(conn, auth, d.cfg.ReadTimeout); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
	line, err := reader.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return fmt.Errorf("read auth response: %w", err)
	}
	var resp dbnTextMsg
	if err := json.Unmarshal(line, &resp); err != nil {
		conn.Close()
		return fmt.Errorf("parse auth response: %w", err)
	}
	if resp.Status != "ok" {
		conn.Close()
		return fmt.Errorf("%w: status %q", ErrAuthFailed, resp.Status)
	}

	d.mu.Lock()
	d.conn = conn
	d.reader = reader
	d.mu.Unlock()
	return nil
}

// Disconnect closes the connection. Safe to call repeatedly; it also
// unblocks a pending ReadTick.
func (d *DatabentoSource) Disconnect() error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.reader = nil
	d.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Subscribe sends a subscribe frame and records the symbols for binary-mode
// symbol resolution.
func (d *DatabentoSource) Subscribe(ctx context.Context, symbols []string) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := writeFrame(conn, dbnTextMsg{Type: "subscribe", Symbols: symbols}, d.cfg.ReadTimeout); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	d.mu.Lock()
	for _, s := range symbols {
		if !contains(d.subs, s) {
			d.subs = append(d.subs, s)
		}
	}
	d.mu.Unlock()
	return nil
}

// Unsubscribe sends an unsubscribe frame.
func (d *DatabentoSource) Unsubscribe(ctx context.Context, symbols []string) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := writeFrame(conn, dbnTextMsg{Type: "unsubscribe", Symbols: symbols}, d.cfg.ReadTimeout); err != nil {
		return fmt.Errorf("send unsubscribe: %w", err)
	}

	d.mu.Lock()
	kept := d.subs[:0]
	for _, s := range d.subs {
		if !contains(symbols, s) {
			kept = append(kept, s)
		}
	}
	d.subs = kept
	d.mu.Unlock()
	return nil
}

// ReadTick returns the next tick from the stream. Read-deadline expiry is
// re-entered silently; malformed frames are skipped.
func (d *DatabentoSource) ReadTick(ctx context.Context) (model.Tick, error) {
	if d.cfg.Encoding == EncodingDBN {
		return d.readBinary(ctx)
	}
	return d.readText(ctx)
}

func (d *DatabentoSource) readText(ctx context.Context) (model.Tick, error) {
	for {
		if err := ctx.Err(); err != nil {
			return model.Tick{}, err
		}
		d.mu.Lock()
		conn, reader := d.conn, d.reader
		d.mu.Unlock()
		if conn == nil {
			return model.Tick{}, ErrNotConnected
		}

		conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // heartbeat window elapsed, not fatal
			}
			return model.Tick{}, fmt.Errorf("read frame: %w", err)
		}

		receiveNs := model.NowNanos()
		var msg dbnTextMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			continue // bad JSON: drop the frame, keep the connection
		}

		tick, ok := d.parseText(msg, receiveNs)
		if !ok {
			continue
		}
		return tick, nil
	}
}

// parseText converts a data frame to a tick. Control frames, heartbeats,
// and unknown types are discarded.
func (d *DatabentoSource) parseText(msg dbnTextMsg, receiveNs int64) (model.Tick, bool) {
	switch msg.Type {
	case "", "mbp", SchemaMBP1, SchemaTrades:
	default:
		return model.Tick{}, false
	}
	if msg.Symbol == "" {
		return model.Tick{}, false
	}

	precision := d.textPrecision()
	t := model.Tick{
		TimestampNs: msg.TsEvent,
		Symbol:      msg.Symbol,
		BidSize:     msg.BidSz,
		AskSize:     msg.AskSz,
		TradeSize:   msg.TradeSz,
		Exchange:    msg.Exchange,
		Vendor:      model.VendorDatabento,
		SequenceNum: msg.Sequence,
		Precision:   precision,
	}
	if t.TimestampNs == 0 {
		t.TimestampNs = receiveNs
	}

	if msg.BidPx != nil {
		t.BidPrice = model.ToFixed(*msg.BidPx, precision)
		t.Has |= model.HasBid
	}
	if msg.AskPx != nil {
		t.AskPrice = model.ToFixed(*msg.AskPx, precision)
		t.Has |= model.HasAsk
	}
	if msg.TradePx != nil {
		t.TradePrice = model.ToFixed(*msg.TradePx, precision)
		t.Has |= model.HasTrade
	}

	switch {
	case msg.TradePx != nil:
		t.Kind = model.KindTrade
	case msg.BidPx != nil && msg.AskPx != nil:
		t.Kind = model.KindBBO
	default:
		t.Kind = model.KindQuote
	}
	if t.Has == 0 {
		return model.Tick{}, false
	}
	return t, true
}

// textPrecision is schema-specific: cash prices carry 2 decimal places.
func (d *DatabentoSource) textPrecision() uint8 { return 2 }

// readBinary reads DBN frames: a 14-byte little-endian header then the
// record body. Incomplete reads terminate the stream; short records are
// skipped without breaking the connection.
func (d *DatabentoSource) readBinary(ctx context.Context) (model.Tick, error) {
	header := make([]byte, dbnHeaderSize)
	for {
		if err := ctx.Err(); err != nil {
			return model.Tick{}, err
		}
		d.mu.Lock()
		conn, reader := d.conn, d.reader
		d.mu.Unlock()
		if conn == nil {
			return model.Tick{}, ErrNotConnected
		}

		conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
		if _, err := io.ReadFull(reader, header); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return model.Tick{}, fmt.Errorf("read header: %w", err)
		}

		ts := binary.LittleEndian.Uint64(header[0:8])
		length := binary.LittleEndian.Uint32(header[8:12])
		rtype := binary.LittleEndian.Uint16(header[12:14])

		if length < dbnHeaderSize {
			return model.Tick{}, fmt.Errorf("read record: invalid length %d", length)
		}
		body := make([]byte, length-dbnHeaderSize)
		if _, err := io.ReadFull(reader, body); err != nil {
			return model.Tick{}, fmt.Errorf("read record body: %w", err)
		}

		tick, ok := d.parseBinary(rtype, int64(ts), body)
		if !ok {
			continue
		}
		return tick, nil
	}
}

// parseBinary decodes an MBP-1 record. Binary records carry no symbol; the
// symbol resolves from the single configured subscription, otherwise the
// record is dropped.
func (d *DatabentoSource) parseBinary(rtype uint16, tsNs int64, body []byte) (model.Tick, bool) {
	if len(body) < dbnMBP1Size {
		return model.Tick{}, false
	}

	d.mu.Lock()
	var symbol string
	if len(d.subs) == 1 {
		symbol = d.subs[0]
	}
	d.mu.Unlock()
	if symbol == "" {
		d.logger.Debug("dropping unresolvable binary record", "rtype", rtype)
		return model.Tick{}, false
	}

	bidPx := int64(binary.LittleEndian.Uint64(body[0:8]))
	askPx := int64(binary.LittleEndian.Uint64(body[8:16]))
	tradePx := int64(binary.LittleEndian.Uint64(body[16:24]))
	bidSz := binary.LittleEndian.Uint32(body[24:28])
	askSz := binary.LittleEndian.Uint32(body[28:32])

	t := model.Tick{
		TimestampNs: tsNs,
		Symbol:      symbol,
		Kind:        model.KindBBO,
		BidPrice:    bidPx,
		AskPrice:    askPx,
		Has:         model.HasBid | model.HasAsk,
		BidSize:     int64(bidSz),
		AskSize:     int64(askSz),
		Vendor:      model.VendorDatabento,
		Precision:   9, // DBN fixed-point: price * 1e9
	}
	if tradePx != 0 {
		t.TradePrice = tradePx
		t.Has |= model.HasTrade
	}
	return t, true
}

func writeFrame(conn net.Conn, msg dbnTextMsg, timeout time.Duration) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err = conn.Write(append(data, '\n'))
	return err
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
