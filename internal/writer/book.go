package writer

import (
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/taifexlab/fubon-ingest/internal/model"
	"github.com/taifexlab/fubon-ingest/internal/router"
)

// BookWriter persists depth updates into market_l2, one row per level,
// keyed by (symbol, event_ts_utc, level, is_snapshot) so a snapshot and
// an incremental update at the same instant both survive. Successful
// flushes advance the orderbook watermark.
type BookWriter struct {
	*batcher[model.BookUpdate]
}

// NewBookWriter creates the depth writer.
func NewBookWriter(cfg Config, input *router.Buffer[model.BookUpdate], db batchSender, tracker *WatermarkTracker, logger *slog.Logger) *BookWriter {
	return &BookWriter{
		batcher: newBatcher("book", cfg, cfg.FlushInterval, input, db, queueBook, bookWatermark, tracker, logger),
	}
}

func queueBook(b *pgx.Batch, book model.BookUpdate) int {
	for _, lvl := range book.Levels {
		b.Queue(`
			INSERT INTO market_l2 (symbol, event_ts_utc, event_ts_local, book_seq,
				is_snapshot, level, bid_px, bid_sz, ask_px, ask_sz, mid_px, checksum)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (symbol, event_ts_utc, level, is_snapshot) DO NOTHING
		`,
			book.Symbol,
			book.EventTimeUTC,
			book.EventTimeLocal,
			book.BookSeq,
			book.IsSnapshot,
			lvl.Level,
			lvl.BidPrice,
			lvl.BidSize,
			lvl.AskPrice,
			lvl.AskSize,
			lvl.MidPrice,
			book.Checksum,
		)
	}
	return len(book.Levels)
}

func bookWatermark(book model.BookUpdate) (model.Watermark, bool) {
	if book.BookSeq <= 0 {
		return model.Watermark{}, false
	}
	return model.Watermark{
		Symbol:       book.Symbol,
		Channel:      model.ChannelOrderbook,
		Seq:          book.BookSeq,
		EventTimeUTC: book.EventTimeUTC,
	}, true
}
