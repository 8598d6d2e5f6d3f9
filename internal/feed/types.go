package feed

import (
	"context"
	"errors"
	"time"

	"github.com/acashmore/mdfeed/internal/model"
)

// Errors
var (
	ErrNotConnected = errors.New("not connected")
	ErrAuthFailed   = errors.New("authentication failed")
	ErrStreamClosed = errors.New("stream closed")
	ErrReadTimeout  = errors.New("read timeout")
)

// State is the lifecycle state of a feed handler.
type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the state name for logs and status reports.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// TickCallback is invoked for each tick a handler delivers.
type TickCallback func(ctx context.Context, t model.Tick) error

// ErrorCallback is invoked when a handler's connection fails. Transient I/O
// errors surface here once per failure before the reconnect backoff.
type ErrorCallback func(ctx context.Context, err error)

// Source is the vendor-specific capability set. Implementations own their
// I/O resources; the Handler supervisor owns the lifecycle.
//
// ReadTick blocks until the next tick arrives, the context is cancelled, or
// the stream fails. Protocol-level read timeouts (heartbeat windows, empty
// queues) are re-entered internally and never surface as errors.
type Source interface {
	Vendor() model.Vendor
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error
	ReadTick(ctx context.Context) (model.Tick, error)
}

// HandlerConfig configures the reconnection policy of a Handler.
type HandlerConfig struct {
	ReconnectBaseDelay   time.Duration // initial backoff, doubled per failure
	ReconnectMaxDelay    time.Duration // backoff cap
	MaxReconnectAttempts int           // -1 = retry forever
}

// DefaultHandlerConfig returns the standard reconnection policy.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		MaxReconnectAttempts: -1,
	}
}
