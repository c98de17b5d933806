package writer

import (
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/taifexlab/fubon-ingest/internal/model"
	"github.com/taifexlab/fubon-ingest/internal/router"
)

// TradeWriter persists trade prints into market_trades, keyed by
// (symbol, trade_id). Successful flushes advance the trades watermark.
type TradeWriter struct {
	*batcher[model.Trade]
}

// NewTradeWriter creates the trade writer.
func NewTradeWriter(cfg Config, input *router.Buffer[model.Trade], db batchSender, tracker *WatermarkTracker, logger *slog.Logger) *TradeWriter {
	return &TradeWriter{
		batcher: newBatcher("trades", cfg, cfg.FlushInterval, input, db, queueTrade, tradeWatermark, tracker, logger),
	}
}

func queueTrade(b *pgx.Batch, trade model.Trade) int {
	b.Queue(`
		INSERT INTO market_trades (symbol, trade_id, event_seq, side, price, qty,
			turnover, event_ts_utc, event_ts_local, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (symbol, trade_id) DO NOTHING
	`,
		trade.Symbol,
		trade.TradeID,
		trade.EventSeq,
		string(trade.Side),
		trade.Price,
		trade.Quantity,
		trade.Turnover,
		trade.EventTimeUTC,
		trade.EventTimeLocal,
		trade.Checksum,
	)
	return 1
}

func tradeWatermark(trade model.Trade) (model.Watermark, bool) {
	if trade.EventSeq <= 0 {
		return model.Watermark{}, false
	}
	return model.Watermark{
		Symbol:       trade.Symbol,
		Channel:      model.ChannelTrades,
		Seq:          trade.EventSeq,
		EventTimeUTC: trade.EventTimeUTC,
	}, true
}
