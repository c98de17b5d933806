package feed

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors surfaced by the client.
var (
	ErrNotConnected    = errors.New("feed: not connected")
	ErrStaleConnection = errors.New("feed: connection stale (no heartbeat)")
	ErrAlreadyClosed   = errors.New("feed: already closed")
)

// Frame is one raw message received from the feed, timestamped at the
// moment the read returned.
type Frame struct {
	Event      string // pre-extracted "event" field
	Data       []byte // full raw frame bytes
	ReceivedAt time.Time
}

// Envelope is the outer shape of every feed message.
type Envelope struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Command is a client → server control message.
type Command struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// AuthData is the payload of an auth command.
type AuthData struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret,omitempty"`
}

// SubscribeData is the payload of a subscribe command. AfterSeq requests
// sequence-aware replay from the last confirmed watermark where the feed
// supports it (0 = from live head).
type SubscribeData struct {
	Channel    string `json:"channel"`
	Symbol     string `json:"symbol"`
	AfterHours bool   `json:"afterHours"`
	AfterSeq   int64  `json:"afterSeq,omitempty"`
}

// UnsubscribeData is the payload of an unsubscribe command.
type UnsubscribeData struct {
	ID string `json:"id"`
}

// PingData carries an opaque state token the server echoes back in pong.
type PingData struct {
	State string `json:"state,omitempty"`
}

// SubscribedData is the payload of a subscribed/unsubscribed ack.
type SubscribedData struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatData is the payload of a heartbeat frame.
type HeartbeatData struct {
	Time int64 `json:"time"`
}

// Config configures a single feed connection.
type Config struct {
	URL               string
	APIKey            string
	APISecret         string
	HandshakeTimeout  time.Duration // websocket dial deadline
	HeartbeatInterval time.Duration // expected server heartbeat cadence; stale after 2x
	WriteTimeout      time.Duration
	BufferSize        int // frame channel depth
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		WriteTimeout:      5 * time.Second,
		BufferSize:        4096,
	}
}
