package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taifexlab/fubon-ingest/internal/model"
)

// RawRecord is one archived envelope read back from the raw store.
type RawRecord struct {
	Channel  model.Channel
	EventSeq int64
	Payload  []byte
	IngestTS time.Time
}

// EntryStore is the persistence surface the reconciler sweeps against.
type EntryStore interface {
	// FlushQueue persists entries recorded since the last flush.
	FlushQueue(ctx context.Context) error

	// PendingEntries returns all entries still awaiting resolution.
	PendingEntries(ctx context.Context) ([]model.ReconcileEntry, error)

	// UpdateEntry writes an entry's status and retry count.
	UpdateEntry(ctx context.Context, entry model.ReconcileEntry) error

	// DerivedCoverage counts distinct sequence numbers present in the
	// derived table for the window.
	DerivedCoverage(ctx context.Context, symbol string, channel model.Channel, start, end int64) (int64, error)

	// RawWindow returns the archived envelopes for the window.
	RawWindow(ctx context.Context, symbol string, channel model.Channel, start, end int64) ([]RawRecord, error)
}

// pgAPI is the slice of the pgx pool the store needs.
type pgAPI interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store persists reconcile entries in reconcile_log. Record only queues
// in memory, so the gap detector's hot path never touches the database;
// the sweep flushes the queue.
type Store struct {
	db pgAPI

	mu    sync.Mutex
	queue []model.ReconcileEntry
}

// NewStore creates a reconcile store over the given pool.
func NewStore(db pgAPI) *Store {
	return &Store{db: db}
}

// Record queues one detected gap. Implements the gap detector's sink.
func (s *Store) Record(entry model.ReconcileEntry) {
	s.mu.Lock()
	s.queue = append(s.queue, entry)
	s.mu.Unlock()
}

// FlushQueue persists queued entries. The unique (symbol, channel,
// start_seq, end_seq) index absorbs re-detections across restarts.
func (s *Store) FlushQueue(ctx context.Context) error {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, entry := range pending {
		batch.Queue(`
			INSERT INTO reconcile_log (id, symbol, channel, start_seq, end_seq,
				detected_at, status, retry_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (symbol, channel, start_seq, end_seq) DO NOTHING
		`, entry.ID, entry.Symbol, string(entry.Channel), entry.StartSeq, entry.EndSeq,
			entry.DetectedAt, string(entry.Status), entry.RetryCount)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range pending {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("flush reconcile queue: %w", err)
		}
	}
	return nil
}

// PendingEntries loads entries still awaiting resolution.
func (s *Store) PendingEntries(ctx context.Context) ([]model.ReconcileEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, symbol, channel, start_seq, end_seq, detected_at, status, retry_count
		FROM reconcile_log
		WHERE status = $1
		ORDER BY detected_at
	`, string(model.ReconcilePending))
	if err != nil {
		return nil, fmt.Errorf("load pending entries: %w", err)
	}
	defer rows.Close()

	var entries []model.ReconcileEntry
	for rows.Next() {
		var entry model.ReconcileEntry
		var channel, status string
		if err := rows.Scan(&entry.ID, &entry.Symbol, &channel, &entry.StartSeq,
			&entry.EndSeq, &entry.DetectedAt, &status, &entry.RetryCount); err != nil {
			return nil, fmt.Errorf("scan reconcile entry: %w", err)
		}
		entry.Channel = model.Channel(channel)
		entry.Status = model.ReconcileStatus(status)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// UpdateEntry writes status and retry count back.
func (s *Store) UpdateEntry(ctx context.Context, entry model.ReconcileEntry) error {
	_, err := s.db.Exec(ctx, `
		UPDATE reconcile_log SET status = $1, retry_count = $2 WHERE id = $3
	`, string(entry.Status), entry.RetryCount, entry.ID)
	if err != nil {
		return fmt.Errorf("update reconcile entry: %w", err)
	}
	return nil
}

// DerivedCoverage counts distinct sequence numbers present in the
// derived table for the window.
func (s *Store) DerivedCoverage(ctx context.Context, symbol string, channel model.Channel, start, end int64) (int64, error) {
	table, column := derivedTable(channel)
	if table == "" {
		return 0, fmt.Errorf("no derived table for channel %s", channel)
	}

	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT COUNT(DISTINCT %s) FROM %s
		WHERE symbol = $1 AND %s BETWEEN $2 AND $3
	`, column, table, column), symbol, start, end)
	if err != nil {
		return 0, fmt.Errorf("count derived coverage: %w", err)
	}
	defer rows.Close()

	var count int64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, fmt.Errorf("scan coverage count: %w", err)
		}
	}
	return count, rows.Err()
}

func derivedTable(channel model.Channel) (table, seqColumn string) {
	switch channel {
	case model.ChannelTrades:
		return "market_trades", "event_seq"
	case model.ChannelOrderbook:
		return "market_l2", "book_seq"
	}
	return "", ""
}

// RawWindow reads the archived envelopes covering the window.
func (s *Store) RawWindow(ctx context.Context, symbol string, channel model.Channel, start, end int64) ([]RawRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT event_seq, payload, ingest_ts FROM market_raw
		WHERE symbol = $1 AND channel = $2 AND event_seq BETWEEN $3 AND $4
		ORDER BY event_seq
	`, symbol, string(channel), start, end)
	if err != nil {
		return nil, fmt.Errorf("load raw window: %w", err)
	}
	defer rows.Close()

	var records []RawRecord
	for rows.Next() {
		rec := RawRecord{Channel: channel}
		if err := rows.Scan(&rec.EventSeq, &rec.Payload, &rec.IngestTS); err != nil {
			return nil, fmt.Errorf("scan raw record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
