package router

import (
	"github.com/taifexlab/fubon-ingest/internal/model"
)

// Config sizes the output buffers. Each buffer starts at its configured
// size and grows up to MaxBufferMultiple times that before back-pressure
// kicks in.
type Config struct {
	RawBufferSize     int
	TradeBufferSize   int
	BookBufferSize    int
	QuoteBufferSize   int
	MaxBufferMultiple int
}

// DefaultConfig returns the standard buffer sizing.
func DefaultConfig() Config {
	return Config{
		RawBufferSize:     8192,
		TradeBufferSize:   4096,
		BookBufferSize:    8192,
		QuoteBufferSize:   2048,
		MaxBufferMultiple: 8,
	}
}

func (c Config) maxFor(initial int) int {
	mult := c.MaxBufferMultiple
	if mult < 1 {
		mult = 1
	}
	return initial * mult
}

// Buffers exposes the typed output buffers for the writers.
type Buffers struct {
	Raw   *Buffer[model.RawEnvelope]
	Trade *Buffer[model.Trade]
	Book  *Buffer[model.BookUpdate]
	Quote *Buffer[model.Quote]
}

// Stats contains runtime pipeline statistics.
type Stats struct {
	FramesReceived int64
	FramesRouted   int64
	ParseErrors    int64
	RawBuffer      BufferStats
	TradeBuffer    BufferStats
	BookBuffer     BufferStats
	QuoteBuffer    BufferStats
}

// Observer receives every normalized envelope in arrival order, before
// the writers consume it. The gap detector hangs off this hook.
type Observer interface {
	Observe(env model.RawEnvelope)
}

// Publisher receives normalized records for downstream consumers. A nil
// publisher disables publishing.
type Publisher interface {
	PublishTrade(trade model.Trade)
	PublishBook(book model.BookUpdate)
	PublishQuote(quote model.Quote)
}
