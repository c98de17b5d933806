package session

import (
	"errors"
	"time"

	"github.com/taifexlab/fubon-ingest/internal/model"
)

// State is the session lifecycle state.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateSubscribing   State = "subscribing"
	StateStreaming     State = "streaming"
	StateReconnecting  State = "reconnecting"
	StateShutDown      State = "shutdown"
)

// Terminal errors. These surface to the operator and never retry.
var (
	ErrAuthFailed           = errors.New("session: authentication failed")
	ErrSubscriptionRejected = errors.New("session: subscription rejected")
	ErrChannelUnavailable   = errors.New("session: channel unavailable in this delivery mode")
	ErrTimeout              = errors.New("session: operation timeout")
	ErrShutDown             = errors.New("session: shut down")
)

// SubKey identifies one (symbol, channel) subscription.
type SubKey struct {
	Symbol  string
	Channel model.Channel
}

// Subscription tracks one active subscription.
type Subscription struct {
	Key        SubKey
	ID         string // channel-id assigned by the feed
	AfterHours bool
}

// DataFrame is one data frame handed to the ingestion pipeline.
type DataFrame struct {
	Channel    model.Channel
	ID         string // feed channel-id
	Payload    []byte // channel-specific payload document
	ReceivedAt time.Time
}

// Capabilities describes what the feed delivery mode offers. Speed mode
// trades the aggregated quote channel for lower latency; it is a flag,
// not a separate code path.
type Capabilities struct {
	AggregatedQuotes bool
}

// WatermarkSource supplies the last confirmed position per (symbol,
// channel), used to seed sequence-aware resubscription.
type WatermarkSource interface {
	Watermark(symbol string, channel model.Channel) (model.Watermark, bool)
}

// Config configures a session manager.
type Config struct {
	Account    string // account identifier, used by the session router
	URL        string
	APIKey     string
	APISecret  string
	AfterHours bool

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	SubscribeTimeout  time.Duration
	WriteTimeout      time.Duration

	// BackoffDelays is the reconnect ladder; the last step repeats until
	// reconnection succeeds. Jitter of up to 20% is added to each step.
	BackoffDelays []time.Duration

	// FrameBufferSize bounds the in-flight data frames between the read
	// loop and the pipeline.
	FrameBufferSize int

	Capabilities Capabilities
}

// DefaultConfig returns the standard session configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		SubscribeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		BackoffDelays: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
			15 * time.Second,
		},
		FrameBufferSize: 4096,
		Capabilities:    Capabilities{AggregatedQuotes: true},
	}
}

// Stats is a point-in-time snapshot of session health.
type Stats struct {
	State         State
	ActiveSubs    int
	Reconnects    int64
	FramesRouted  int64
	FramesDropped int64
}

// terminalCodes are feed error codes that must not be retried.
var terminalCodes = map[string]bool{
	"invalid-credentials": true,
	"auth-failed":         true,
	"forbidden":           true,
	"unknown-symbol":      true,
	"unknown-channel":     true,
}

// isTerminalCode reports whether a feed error code is terminal.
func isTerminalCode(code string) bool {
	return terminalCodes[code]
}
