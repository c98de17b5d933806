// Package publish hands normalized records to the host framework. The
// ingestor knows nothing about the host's event types beyond this
// surface.
package publish

import (
	"log/slog"

	"github.com/taifexlab/fubon-ingest/internal/model"
)

// Publisher receives each normalized record after it enters the write
// path.
type Publisher interface {
	PublishTrade(trade model.Trade)
	PublishBook(book model.BookUpdate)
	PublishQuote(quote model.Quote)
}

// Nop discards everything.
type Nop struct{}

func (Nop) PublishTrade(model.Trade)     {}
func (Nop) PublishBook(model.BookUpdate) {}
func (Nop) PublishQuote(model.Quote)     {}

// Log writes one debug line per record. Useful standalone, where no
// host framework is attached.
type Log struct {
	Logger *slog.Logger
}

// NewLog creates a logging publisher.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Logger: logger}
}

func (l *Log) PublishTrade(trade model.Trade) {
	l.Logger.Debug("trade",
		"symbol", trade.Symbol,
		"price", trade.Price,
		"qty", trade.Quantity,
		"side", trade.Side,
		"seq", trade.EventSeq,
	)
}

func (l *Log) PublishBook(book model.BookUpdate) {
	l.Logger.Debug("book",
		"symbol", book.Symbol,
		"seq", book.BookSeq,
		"levels", len(book.Levels),
		"snapshot", book.IsSnapshot,
	)
}

func (l *Log) PublishQuote(quote model.Quote) {
	l.Logger.Debug("quote",
		"symbol", quote.Symbol,
		"last", quote.LastPrice,
		"volume", quote.Volume,
	)
}

// Fanout forwards each record to every attached publisher in order.
type Fanout []Publisher

func (f Fanout) PublishTrade(trade model.Trade) {
	for _, p := range f {
		p.PublishTrade(trade)
	}
}

func (f Fanout) PublishBook(book model.BookUpdate) {
	for _, p := range f {
		p.PublishBook(book)
	}
}

func (f Fanout) PublishQuote(quote model.Quote) {
	for _, p := range f {
		p.PublishQuote(quote)
	}
}
