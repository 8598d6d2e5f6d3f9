package feed

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/acashmore/mdfeed/internal/model"
)

// fakeGateway is a one-connection framed-JSON server for source tests.
type fakeGateway struct {
	ln     net.Listener
	accept func(conn net.Conn, reader *bufio.Reader)
}

func newFakeGateway(t *testing.T, handle func(conn net.Conn, reader *bufio.Reader)) *fakeGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := &fakeGateway{ln: ln, accept: handle}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		g.accept(conn, bufio.NewReader(conn))
	}()
	t.Cleanup(func() { ln.Close() })
	return g
}

func (g *fakeGateway) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(g.ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func sendLine(conn net.Conn, v any) {
	data, _ := json.Marshal(v)
	conn.Write(append(data, '\n'))
}

func databentoTestConfig(host string, port int) DatabentoConfig {
	cfg := DefaultDatabentoConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.APIKey = "test-key"
	cfg.Dataset = "GLBX.MDP3"
	cfg.ReadTimeout = 2 * time.Second
	return cfg
}

func TestDatabentoAuthAndTick(t *testing.T) {
	gw := newFakeGateway(t, func(conn net.Conn, reader *bufio.Reader) {
		// Handshake: expect auth, answer ok.
		line, _ := reader.ReadBytes('\n')
		var auth map[string]any
		json.Unmarshal(line, &auth)
		if auth["type"] != "auth" || auth["key"] != "test-key" {
			sendLine(conn, map[string]string{"status": "denied"})
			return
		}
		sendLine(conn, map[string]string{"status": "ok"})

		// Expect the subscribe frame before streaming.
		reader.ReadBytes('\n')

		bid, ask := 4532.25, 4532.50
		sendLine(conn, dbnTextMsg{
			Symbol:   "ESZ5",
			TsEvent:  1700000000000000000,
			BidPx:    &bid,
			AskPx:    &ask,
			BidSz:    10,
			AskSz:    12,
			Exchange: "XCME",
			Sequence: 42,
		})
	})

	host, port := gw.hostPort(t)
	src := NewDatabentoSource(databentoTestConfig(host, port), nil)

	ctx := context.Background()
	if err := src.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer src.Disconnect()
	if err := src.Subscribe(ctx, []string{"ESZ5"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	tick, err := src.ReadTick(ctx)
	if err != nil {
		t.Fatalf("ReadTick: %v", err)
	}
	if tick.Symbol != "ESZ5" {
		t.Errorf("Symbol = %q, want ESZ5", tick.Symbol)
	}
	if tick.Kind != model.KindBBO {
		t.Errorf("Kind = %v, want BBO", tick.Kind)
	}
	if tick.BidPrice != 453225 || tick.AskPrice != 453250 {
		t.Errorf("bid/ask = %d/%d, want 453225/453250", tick.BidPrice, tick.AskPrice)
	}
	if tick.Precision != 2 {
		t.Errorf("Precision = %d, want 2", tick.Precision)
	}
	if tick.Has != model.HasBid|model.HasAsk {
		t.Errorf("Has = %b, want bid|ask", tick.Has)
	}
	if tick.SequenceNum != 42 {
		t.Errorf("SequenceNum = %d, want 42", tick.SequenceNum)
	}
	if tick.Vendor != model.VendorDatabento {
		t.Errorf("Vendor = %q, want databento", tick.Vendor)
	}
}

func TestDatabentoAuthDenied(t *testing.T) {
	gw := newFakeGateway(t, func(conn net.Conn, reader *bufio.Reader) {
		reader.ReadBytes('\n')
		sendLine(conn, map[string]string{"status": "denied"})
	})

	host, port := gw.hostPort(t)
	src := NewDatabentoSource(databentoTestConfig(host, port), nil)

	err := src.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded on denied auth")
	}
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Connect error = %v, want ErrAuthFailed", err)
	}
}

func TestDatabentoSkipsControlFrames(t *testing.T) {
	gw := newFakeGateway(t, func(conn net.Conn, reader *bufio.Reader) {
		reader.ReadBytes('\n')
		sendLine(conn, map[string]string{"status": "ok"})
		reader.ReadBytes('\n')

		sendLine(conn, map[string]string{"type": "heartbeat"})
		conn.Write([]byte("not json\n"))
		px := 101.50
		sendLine(conn, dbnTextMsg{Symbol: "NQZ5", TsEvent: 1, TradePx: &px, TradeSz: 3})
	})

	host, port := gw.hostPort(t)
	src := NewDatabentoSource(databentoTestConfig(host, port), nil)
	ctx := context.Background()
	if err := src.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer src.Disconnect()
	src.Subscribe(ctx, []string{"NQZ5"})

	tick, err := src.ReadTick(ctx)
	if err != nil {
		t.Fatalf("ReadTick: %v", err)
	}
	if tick.Kind != model.KindTrade || tick.TradePrice != 10150 {
		t.Errorf("tick = %+v, want trade at 10150", tick)
	}
}

func TestDatabentoReadAfterDisconnect(t *testing.T) {
	gw := newFakeGateway(t, func(conn net.Conn, reader *bufio.Reader) {
		reader.ReadBytes('\n')
		sendLine(conn, map[string]string{"status": "ok"})
		time.Sleep(100 * time.Millisecond)
	})

	host, port := gw.hostPort(t)
	src := NewDatabentoSource(databentoTestConfig(host, port), nil)
	if err := src.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	src.Disconnect()

	if _, err := src.ReadTick(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReadTick after Disconnect = %v, want ErrNotConnected", err)
	}
}

func TestDatabentoParseBinaryMBP1(t *testing.T) {
	src := NewDatabentoSource(DatabentoConfig{Encoding: EncodingDBN}, nil)
	src.subs = []string{"ESZ5"}

	body := make([]byte, dbnMBP1Size)
	binary.LittleEndian.PutUint64(body[0:8], uint64(4532250000000))  // bid
	binary.LittleEndian.PutUint64(body[8:16], uint64(4532500000000)) // ask
	binary.LittleEndian.PutUint64(body[16:24], 0)                    // no trade
	binary.LittleEndian.PutUint32(body[24:28], 15)                   // bid size
	binary.LittleEndian.PutUint32(body[28:32], 20)                   // ask size

	tick, ok := src.parseBinary(1, 1700000000000000000, body)
	if !ok {
		t.Fatal("parseBinary rejected a valid record")
	}
	if tick.BidPrice != 4532250000000 || tick.AskPrice != 4532500000000 {
		t.Errorf("bid/ask = %d/%d", tick.BidPrice, tick.AskPrice)
	}
	if tick.Precision != 9 {
		t.Errorf("Precision = %d, want 9", tick.Precision)
	}
	if tick.Symbol != "ESZ5" {
		t.Errorf("Symbol = %q, want subscription symbol", tick.Symbol)
	}
	if tick.Has&model.HasTrade != 0 {
		t.Error("zero trade mantissa must not set HasTrade in binary mode")
	}
	if tick.BidSize != 15 || tick.AskSize != 20 {
		t.Errorf("sizes = %d/%d, want 15/20", tick.BidSize, tick.AskSize)
	}
}

func TestDatabentoParseBinaryNeedsOneSubscription(t *testing.T) {
	src := NewDatabentoSource(DatabentoConfig{Encoding: EncodingDBN}, nil)

	body := make([]byte, dbnMBP1Size)
	if _, ok := src.parseBinary(1, 1, body); ok {
		t.Error("parseBinary resolved a symbol with no subscriptions")
	}

	src.subs = []string{"A", "B"}
	if _, ok := src.parseBinary(1, 1, body); ok {
		t.Error("parseBinary resolved a symbol with ambiguous subscriptions")
	}

	src.subs = []string{"A"}
	if _, ok := src.parseBinary(1, 1, body); !ok {
		t.Error("parseBinary dropped a record despite a unique subscription")
	}
}

func TestDatabentoParseBinaryShortRecord(t *testing.T) {
	src := NewDatabentoSource(DatabentoConfig{Encoding: EncodingDBN}, nil)
	src.subs = []string{"ESZ5"}
	if _, ok := src.parseBinary(1, 1, make([]byte, dbnMBP1Size-1)); ok {
		t.Error("parseBinary accepted a short record")
	}
}
