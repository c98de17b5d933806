package writer

import (
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/taifexlab/fubon-ingest/internal/model"
	"github.com/taifexlab/fubon-ingest/internal/router"
)

// QuoteWriter persists aggregated quote snapshots into market_quotes,
// keyed by (symbol, event_ts_utc). Quotes carry no reliable sequence,
// so this writer never touches the watermark tracker.
type QuoteWriter struct {
	*batcher[model.Quote]
}

// NewQuoteWriter creates the quote writer.
func NewQuoteWriter(cfg Config, input *router.Buffer[model.Quote], db batchSender, logger *slog.Logger) *QuoteWriter {
	return &QuoteWriter{
		batcher: newBatcher("quotes", cfg, cfg.FlushInterval, input, db, queueQuote, nil, nil, logger),
	}
}

func queueQuote(b *pgx.Batch, quote model.Quote) int {
	b.Queue(`
		INSERT INTO market_quotes (symbol, event_ts_utc, event_ts_local, last_px,
			prev_close, open_px, high_px, low_px, bid_px1, bid_sz1, ask_px1, ask_sz1,
			volume, turnover, open_interest, implied_vol, est_settlement, book_seq, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (symbol, event_ts_utc) DO NOTHING
	`,
		quote.Symbol,
		quote.EventTimeUTC,
		quote.EventTimeLocal,
		quote.LastPrice,
		quote.PrevClose,
		quote.OpenPrice,
		quote.HighPrice,
		quote.LowPrice,
		quote.BidPrice1,
		quote.BidSize1,
		quote.AskPrice1,
		quote.AskSize1,
		quote.Volume,
		quote.Turnover,
		quote.OpenInterest,
		quote.ImpliedVol,
		quote.EstSettlement,
		quote.BookSeq,
		quote.Checksum,
	)
	return 1
}
