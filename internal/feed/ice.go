package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acashmore/mdfeed/internal/model"
)

// ICEConfig configures the websocket connection to the ICE consolidated
// feed gateway.
type ICEConfig struct {
	URL      string // e.g. "wss://stream.example.com/marketdata"
	APIKey   string
	Exchange string // exchange label stamped on ticks; default "ICE"

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // heartbeat window, re-entered on expiry
	WriteTimeout     time.Duration
}

// DefaultICEConfig returns the standard websocket settings.
func DefaultICEConfig() ICEConfig {
	return ICEConfig{
		Exchange:         "ICE",
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// iceMsg is the gateway's JSON frame, shared by control and data messages.
type iceMsg struct {
	Type     string   `json:"type,omitempty"`
	Status   string   `json:"status,omitempty"`
	Key      string   `json:"key,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
	Symbol   string   `json:"symbol,omitempty"`
	TsEvent  int64    `json:"ts_event,omitempty"`
	BidPx    *float64 `json:"bid_px,omitempty"`
	AskPx    *float64 `json:"ask_px,omitempty"`
	TradePx  *float64 `json:"trade_px,omitempty"`
	BidSz    int64    `json:"bid_sz,omitempty"`
	AskSz    int64    `json:"ask_sz,omitempty"`
	TradeSz  int64    `json:"trade_sz,omitempty"`
	Sequence int64    `json:"sequence,omitempty"`
}

// ICESource is a websocket ingress. Message schema mirrors the JSON framed
// feeds; prices carry 2 decimal places.
type ICESource struct {
	cfg    ICEConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []string
}

// NewICESource creates an ICE websocket source.
func NewICESource(cfg ICEConfig, logger *slog.Logger) *ICESource {
	if cfg.Exchange == "" {
		cfg.Exchange = "ICE"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ICESource{cfg: cfg, logger: logger}
}

// Vendor implements Source.
func (s *ICESource) Vendor() model.Vendor { return model.VendorICE }

// Connect dials the gateway, installs the ping handler, and authenticates.
func (s *ICESource) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial ice: %w", err)
	}

	// Server pings keep the read deadline alive between data frames.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.cfg.WriteTimeout))
	})

	if err := s.writeJSON(conn, iceMsg{Type: "auth", Key: s.cfg.APIKey}); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	var resp iceMsg
	if err := conn.ReadJSON(&resp); err != nil {
		conn.Close()
		return fmt.Errorf("read auth response: %w", err)
	}
	if resp.Status != "ok" {
		conn.Close()
		return fmt.Errorf("%w: status %q", ErrAuthFailed, resp.Status)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// Disconnect closes the websocket; a pending ReadTick unblocks with an
// error.
func (s *ICESource) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

// Subscribe sends a subscribe frame.
func (s *ICESource) Subscribe(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := s.writeJSON(conn, iceMsg{Type: "subscribe", Symbols: symbols}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	s.mu.Lock()
	for _, sym := range symbols {
		if !contains(s.subs, sym) {
			s.subs = append(s.subs, sym)
		}
	}
	s.mu.Unlock()
	return nil
}

// Unsubscribe sends an unsubscribe frame.
func (s *ICESource) Unsubscribe(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := s.writeJSON(conn, iceMsg{Type: "unsubscribe", Symbols: symbols}); err != nil {
		return fmt.Errorf("send unsubscribe: %w", err)
	}
	s.mu.Lock()
	kept := s.subs[:0]
	for _, sym := range s.subs {
		if !contains(symbols, sym) {
			kept = append(kept, sym)
		}
	}
	s.subs = kept
	s.mu.Unlock()
	return nil
}

// ReadTick returns the next data frame as a tick. Control frames and
// malformed messages are skipped; deadline expiry re-enters the read.
func (s *ICESource) ReadTick(ctx context.Context) (model.Tick, error) {
	for {
		if err := ctx.Err(); err != nil {
			return model.Tick{}, err
		}
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return model.Tick{}, ErrNotConnected
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return model.Tick{}, fmt.Errorf("read frame: %w", err)
		}

		receiveNs := model.NowNanos()
		var msg iceMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		t, ok := s.parse(msg, receiveNs)
		if !ok {
			continue
		}
		return t, nil
	}
}

// parse converts a data frame to a tick; heartbeats and acks yield nothing.
func (s *ICESource) parse(msg iceMsg, receiveNs int64) (model.Tick, bool) {
	switch msg.Type {
	case "", "tick", "quote", "trade":
	default:
		return model.Tick{}, false
	}
	if msg.Symbol == "" {
		return model.Tick{}, false
	}

	const precision = 2
	t := model.Tick{
		TimestampNs: msg.TsEvent,
		Symbol:      msg.Symbol,
		BidSize:     msg.BidSz,
		AskSize:     msg.AskSz,
		TradeSize:   msg.TradeSz,
		Exchange:    s.cfg.Exchange,
		Vendor:      model.VendorICE,
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
	if t.Has == 0 {
		return model.Tick{}, false
	}

	switch {
	case msg.TradePx != nil:
		t.Kind = model.KindTrade
	case msg.BidPx != nil && msg.AskPx != nil:
		t.Kind = model.KindBBO
	default:
		t.Kind = model.KindQuote
	}
	return t, true
}

func (s *ICESource) writeJSON(conn *websocket.Conn, msg iceMsg) error {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}
