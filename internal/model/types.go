package model

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Channel identifies a feed stream category.
type Channel string

const (
	ChannelTrades    Channel = "trades"
	ChannelOrderbook Channel = "orderbook"
	ChannelQuotes    Channel = "quotes"
)

// Valid reports whether c is a known channel name.
func (c Channel) Valid() bool {
	switch c {
	case ChannelTrades, ChannelOrderbook, ChannelQuotes:
		return true
	}
	return false
}

// Side is the aggressor side of a trade.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideUnknown Side = "unknown"
)

// RawEnvelope is the immutable capture of one feed message.
//
// EventSeq and BookSeq use 0 to mean "absent" — TAIFEX match and book
// sequence numbers start at 1.
type RawEnvelope struct {
	Channel        Channel
	Symbol         string
	EventSeq       int64  // 0 = no sequence number on this frame
	Checksum       string // vendor checksum, audit only
	EventTimeUTC   time.Time
	EventTimeLocal time.Time // Asia/Taipei instant of EventTimeUTC
	Payload        map[string]any
	IngestTime     time.Time
	ReceiveLatency time.Duration
}

// DedupToken derives the deterministic identity used to collapse duplicate
// deliveries of the same logical event. Sequence number takes precedence,
// then checksum; frames carrying neither fall back to a payload digest
// plus the event second.
func (e *RawEnvelope) DedupToken() string {
	switch {
	case e.EventSeq > 0:
		return fmt.Sprintf("%s|%s|%d", e.Symbol, e.Channel, e.EventSeq)
	case e.Checksum != "":
		return fmt.Sprintf("%s|%s|%s", e.Symbol, e.Channel, e.Checksum)
	default:
		return fmt.Sprintf("%s|%s|%s|%d", e.Symbol, e.Channel, e.payloadID(), e.EventTimeUTC.Unix())
	}
}

// payloadID is a stable digest of the payload document. encoding/json
// marshals map keys in sorted order, so equal payloads digest equally.
func (e *RawEnvelope) payloadID() string {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		data = []byte(fmt.Sprint(e.Payload))
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// PayloadJSON renders the payload document for the append-only raw store.
func (e *RawEnvelope) PayloadJSON() []byte {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// Trade is one executed trade print.
type Trade struct {
	Symbol         string
	TradeID        string
	EventSeq       int64 // 0 = absent
	Side           Side
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	Turnover       decimal.Decimal
	EventTimeUTC   time.Time
	EventTimeLocal time.Time
	Channel        Channel
	Checksum       string
}

// BookLevel is a single depth level. Level 1 is best.
type BookLevel struct {
	Level    int
	BidPrice decimal.Decimal
	BidSize  decimal.Decimal
	AskPrice decimal.Decimal
	AskSize  decimal.Decimal
	MidPrice decimal.NullDecimal // null when both sides are empty
}

// BookUpdate is an order-book snapshot or incremental update. Levels are
// contiguous starting at 1; a snapshot replaces all prior levels for its
// timestamp, an incremental update does not.
type BookUpdate struct {
	Symbol         string
	EventTimeUTC   time.Time
	EventTimeLocal time.Time
	BookSeq        int64 // 0 = absent
	IsSnapshot     bool
	Levels         []BookLevel
	Channel        Channel
	Checksum       string
}

// Quote is an aggregated market snapshot (Normal-mode channel).
type Quote struct {
	Symbol         string
	EventTimeUTC   time.Time
	EventTimeLocal time.Time
	LastPrice      decimal.Decimal
	PrevClose      decimal.Decimal
	OpenPrice      decimal.Decimal
	HighPrice      decimal.Decimal
	LowPrice       decimal.Decimal
	BidPrice1      decimal.Decimal
	BidSize1       decimal.Decimal
	AskPrice1      decimal.Decimal
	AskSize1       decimal.Decimal
	Volume         decimal.Decimal
	Turnover       decimal.Decimal
	OpenInterest   decimal.Decimal
	ImpliedVol     decimal.Decimal
	EstSettlement  decimal.Decimal
	BookSeq        int64 // 0 = absent
	Channel        Channel
	Checksum       string
}

// ReconcileStatus is the lifecycle state of a detected gap.
type ReconcileStatus string

const (
	ReconcilePending    ReconcileStatus = "pending"
	ReconcileBackfilled ReconcileStatus = "backfilled"
	ReconcileIgnored    ReconcileStatus = "ignored"
)

// ReconcileEntry records one missing sequence range [StartSeq, EndSeq].
type ReconcileEntry struct {
	ID         uuid.UUID
	Symbol     string
	Channel    Channel
	StartSeq   int64
	EndSeq     int64
	DetectedAt time.Time
	Status     ReconcileStatus
	RetryCount int
}

// Missing returns the number of sequence numbers covered by the entry.
func (e *ReconcileEntry) Missing() int64 {
	return e.EndSeq - e.StartSeq + 1
}

// Watermark is the last confirmed position per (symbol, channel), advanced
// monotonically by the writer and used to seed resubscription.
type Watermark struct {
	Symbol       string
	Channel      Channel
	Seq          int64
	EventTimeUTC time.Time
	UpdatedAt    time.Time
}
