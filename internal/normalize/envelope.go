package normalize

import (
	"fmt"
	"time"

	"github.com/taifexlab/fubon-ingest/internal/model"
)

// Error is a per-message normalization failure. It carries the raw
// payload for audit; callers log and skip, the stream continues.
type Error struct {
	Reason  string
	Payload map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize: %s", e.Reason)
}

// taipei is the exchange-local zone. Falls back to a fixed +08:00 offset
// when the tzdata is unavailable (static binaries without zoneinfo).
var taipei = loadTaipei()

func loadTaipei() *time.Location {
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		return time.FixedZone("Asia/Taipei", 8*60*60)
	}
	return loc
}

// Normalizer converts vendor payloads into canonical records.
type Normalizer struct {
	// MaxDepth bounds how many flat bidPx1..bidPxN levels are probed when
	// the payload does not carry explicit bid/ask arrays.
	MaxDepth int
}

// New returns a Normalizer with the vendor's standard five-level depth.
func New() *Normalizer {
	return &Normalizer{MaxDepth: 5}
}

// Envelope builds the raw envelope for one feed payload. It fails only
// when the mandatory symbol or event timestamp is missing; every other
// field is optional.
func (n *Normalizer) Envelope(payload map[string]any, defaultChannel model.Channel, receivedAt time.Time) (model.RawEnvelope, error) {
	flat := flattenPayload(payload)

	symbol := normalizeSymbol(firstString(flat, "symbol", "contractId", "code", "contractID"))
	if symbol == "" {
		return model.RawEnvelope{}, &Error{Reason: "missing symbol", Payload: payload}
	}

	channel := model.Channel(firstString(flat, "channel", "topic"))
	if !channel.Valid() {
		channel = defaultChannel
	}

	tsRaw, ok := firstField(flat, "exchangeTime", "matchTime", "transactionTime", "updateTime", "timestamp", "time")
	if !ok {
		return model.RawEnvelope{}, &Error{Reason: "missing event timestamp", Payload: payload}
	}
	eventUTC, ok := parseEventTime(tsRaw, taipei)
	if !ok {
		return model.RawEnvelope{}, &Error{Reason: fmt.Sprintf("unparseable event timestamp %v", tsRaw), Payload: payload}
	}

	var latency time.Duration
	if !receivedAt.IsZero() && receivedAt.After(eventUTC) {
		latency = receivedAt.Sub(eventUTC)
	}

	return model.RawEnvelope{
		Channel:        channel,
		Symbol:         symbol,
		EventSeq:       seqField(flat, "seq", "bookSeq", "orderSeq", "quoteSeq", "matchSeq", "matchNo", "serial"),
		Checksum:       firstString(flat, "checksum", "crc", "md5"),
		EventTimeUTC:   eventUTC,
		EventTimeLocal: eventUTC.In(taipei),
		Payload:        flat,
		IngestTime:     receivedAt,
		ReceiveLatency: latency,
	}, nil
}
