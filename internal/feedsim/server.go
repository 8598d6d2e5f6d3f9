// Package feedsim implements a synthetic framed-JSON feed gateway for
// development and integration testing. It speaks the same newline-delimited
// protocol the Databento and ICE sources consume: an auth handshake, then
// subscribe/unsubscribe control frames, then a stream of tick frames with
// monotonic sequence numbers.
package feedsim

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config configures the simulator.
type Config struct {
	Listen   string        // e.g. ":13000"
	APIKey   string        // accepted key; empty accepts anything
	Interval time.Duration // tick spacing per symbol
	Seed     int64         // random-walk seed; 0 uses the clock
}

// DefaultConfig returns the standard simulator settings.
func DefaultConfig() Config {
	return Config{
		Listen:   ":13000",
		Interval: 100 * time.Millisecond,
	}
}

type simFrame struct {
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

// Server is the simulator. Each accepted connection gets its own random
// walk and sequence counter.
type Server struct {
	cfg    Config
	logger *slog.Logger

	ln net.Listener
	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a simulator server.
func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Start begins accepting connections. It returns after the listener is
// bound; serving continues in the background until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln
	s.logger.Info("feed simulator listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address, useful with ":0".
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes the listener and waits for connection goroutines.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

// serve runs one client session: handshake, then concurrent control reads
// and tick writes.
func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}
	var auth simFrame
	if err := json.Unmarshal(line, &auth); err != nil || auth.Type != "auth" {
		writeSimFrame(conn, simFrame{Status: "denied"})
		return
	}
	if s.cfg.APIKey != "" && auth.Key != s.cfg.APIKey {
		writeSimFrame(conn, simFrame{Status: "denied"})
		s.logger.Info("auth denied", "remote", conn.RemoteAddr().String())
		return
	}
	if err := writeSimFrame(conn, simFrame{Status: "ok"}); err != nil {
		return
	}
	sessionID := uuid.NewString()
	s.logger.Info("client authenticated",
		"remote", conn.RemoteAddr().String(), "session", sessionID)

	sess := &session{
		prices: make(map[string]float64),
		rng:    rand.New(rand.NewSource(s.seed())),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		defer cancel()
		s.readControl(reader, conn, sess)
	}()
	s.writeTicks(ctx, conn, sess)
}

func (s *Server) seed() int64 {
	if s.cfg.Seed != 0 {
		return s.cfg.Seed
	}
	return time.Now().UnixNano()
}

type session struct {
	mu      sync.Mutex
	symbols []string
	prices  map[string]float64
	seq     int64
	rng     *rand.Rand

	// writeMu serializes the control-ack and tick-stream writers.
	writeMu sync.Mutex
}

func (s *session) write(conn net.Conn, frame simFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeSimFrame(conn, frame)
}

// readControl consumes subscribe/unsubscribe frames until the client
// disconnects.
func (s *Server) readControl(reader *bufio.Reader, conn net.Conn, sess *session) {
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var msg simFrame
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		sess.mu.Lock()
		switch msg.Type {
		case "subscribe":
			for _, sym := range msg.Symbols {
				if _, ok := sess.prices[sym]; !ok {
					sess.symbols = append(sess.symbols, sym)
					sess.prices[sym] = 4500 + float64(len(sess.prices))*10
				}
			}
			sess.mu.Unlock()
			sess.write(conn, simFrame{Type: "subscribe_ack", Symbols: msg.Symbols})
			continue
		case "unsubscribe":
			for _, sym := range msg.Symbols {
				delete(sess.prices, sym)
				for i, v := range sess.symbols {
					if v == sym {
						sess.symbols = append(sess.symbols[:i], sess.symbols[i+1:]...)
						break
					}
				}
			}
		}
		sess.mu.Unlock()
	}
}

// writeTicks streams random-walk ticks round-robin across subscriptions.
func (s *Server) writeTicks(ctx context.Context, conn net.Conn, sess *session) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var next int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sess.mu.Lock()
		if len(sess.symbols) == 0 {
			sess.mu.Unlock()
			continue
		}
		sym := sess.symbols[next%len(sess.symbols)]
		next++

		px := sess.prices[sym] + (sess.rng.Float64()-0.5)*2.0
		if px < 1 {
			px = 1
		}
		sess.prices[sym] = px
		sess.seq++
		seq := sess.seq
		bidSz := int64(1 + sess.rng.Intn(100))
		askSz := int64(1 + sess.rng.Intn(100))
		tradeSz := int64(1 + sess.rng.Intn(25))
		sess.mu.Unlock()

		bid := px - 0.25
		ask := px + 0.25
		frame := simFrame{
			Symbol:   sym,
			TsEvent:  time.Now().UnixNano(),
			BidPx:    &bid,
			AskPx:    &ask,
			BidSz:    bidSz,
			AskSz:    askSz,
			Sequence: seq,
		}
		if seq%5 == 0 {
			frame.TradePx = &px
			frame.TradeSz = tradeSz
		}
		if err := sess.write(conn, frame); err != nil {
			return
		}
	}
}

func writeSimFrame(conn net.Conn, frame simFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write(append(data, '\n'))
	return err
}
