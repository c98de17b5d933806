package writer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Config contains batch sizing for all writers.
type Config struct {
	// BatchSize is the number of records to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes for the derived
	// tables (trades, depth, quotes).
	FlushInterval time.Duration

	// RawFlushInterval is the maximum time between raw-table flushes.
	// Kept shorter than FlushInterval so raw capture leads the derived
	// tables.
	RawFlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:        500,
		FlushInterval:    5 * time.Second,
		RawFlushInterval: 1 * time.Second,
	}
}

// FlushResult reports one flush: rows newly inserted and rows the
// database recognized as duplicates.
type FlushResult struct {
	Inserted int
	Deduped  int
}

// Metrics holds cumulative counters for one writer.
type Metrics struct {
	Inserts int64
	Deduped int64
	Errors  int64
	Flushes int64
}

// batchSender is the slice of the pgx pool the writers need; satisfied
// by *pgxpool.Pool and faked in tests.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}
