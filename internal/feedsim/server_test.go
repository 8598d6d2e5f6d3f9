package feedsim

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/acashmore/mdfeed/internal/feed"
	"github.com/acashmore/mdfeed/internal/model"
)

func startServer(t *testing.T, apiKey string) (*Server, string, int) {
	t.Helper()
	srv := New(Config{Listen: "127.0.0.1:0", APIKey: apiKey, Interval: time.Millisecond, Seed: 1}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)

	host, portStr, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return srv, host, port
}

func clientFor(host string, port int, key string) *feed.DatabentoSource {
	cfg := feed.DefaultDatabentoConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.APIKey = key
	cfg.ReadTimeout = 2 * time.Second
	return feed.NewDatabentoSource(cfg, nil)
}

func TestServerStreamsTicks(t *testing.T) {
	_, host, port := startServer(t, "sim-key")
	src := clientFor(host, port, "sim-key")

	ctx := context.Background()
	if err := src.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer src.Disconnect()
	if err := src.Subscribe(ctx, []string{"ESZ5"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var lastSeq int64
	for i := 0; i < 5; i++ {
		tick, err := src.ReadTick(ctx)
		if err != nil {
			t.Fatalf("ReadTick %d: %v", i, err)
		}
		if tick.Symbol != "ESZ5" {
			t.Errorf("Symbol = %q, want ESZ5", tick.Symbol)
		}
		if tick.SequenceNum != lastSeq+1 {
			t.Errorf("SequenceNum = %d, want %d", tick.SequenceNum, lastSeq+1)
		}
		lastSeq = tick.SequenceNum
		if _, ok := tick.Price(); !ok {
			t.Error("simulated tick has no price")
		}
		if tick.Kind != model.KindBBO && tick.Kind != model.KindTrade {
			t.Errorf("Kind = %v, want BBO or TRADE", tick.Kind)
		}
	}
}

func TestServerRejectsBadKey(t *testing.T) {
	_, host, port := startServer(t, "sim-key")
	src := clientFor(host, port, "wrong-key")

	err := src.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded with a bad key")
	}
	if !errors.Is(err, feed.ErrAuthFailed) {
		t.Errorf("Connect error = %v, want ErrAuthFailed", err)
	}
}

func TestServerAcceptsAnyKeyWhenUnset(t *testing.T) {
	_, host, port := startServer(t, "")
	src := clientFor(host, port, "anything")
	if err := src.Connect(context.Background()); err != nil {
		t.Fatalf("Connect with open server: %v", err)
	}
	src.Disconnect()
}

func TestServerStopIdempotent(t *testing.T) {
	srv, _, _ := startServer(t, "")
	srv.Stop()
	srv.Stop()
}
