package writer

import (
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/taifexlab/fubon-ingest/internal/model"
	"github.com/taifexlab/fubon-ingest/internal/router"
)

// RawWriter persists every accepted envelope verbatim into market_raw.
// The dedup token is the primary key, so replayed frames collapse into
// conflicts instead of duplicate rows.
type RawWriter struct {
	*batcher[model.RawEnvelope]
}

// NewRawWriter creates the raw-store writer. It flushes on the raw
// interval, independent of the derived-table writers.
func NewRawWriter(cfg Config, input *router.Buffer[model.RawEnvelope], db batchSender, logger *slog.Logger) *RawWriter {
	return &RawWriter{
		batcher: newBatcher("raw", cfg, cfg.RawFlushInterval, input, db, queueRaw, nil, nil, logger),
	}
}

func queueRaw(b *pgx.Batch, env model.RawEnvelope) int {
	b.Queue(`
		INSERT INTO market_raw (dedup_token, symbol, channel, event_seq, checksum,
			event_ts_utc, event_ts_local, payload, ingest_ts, recv_latency_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (dedup_token) DO NOTHING
	`,
		env.DedupToken(),
		env.Symbol,
		string(env.Channel),
		env.EventSeq,
		env.Checksum,
		env.EventTimeUTC,
		env.EventTimeLocal,
		env.PayloadJSON(),
		env.IngestTime,
		env.ReceiveLatency.Microseconds(),
	)
	return 1
}
