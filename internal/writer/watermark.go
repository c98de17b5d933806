package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taifexlab/fubon-ingest/internal/model"
)

// WatermarkTracker is the in-memory view of the last confirmed position
// per (symbol, channel). Writers advance it after successful flushes;
// the session manager reads it to seed resubscription; the gap detector
// seeds its first observation from it.
type WatermarkTracker struct {
	mu    sync.Mutex
	marks map[watermarkKey]model.Watermark
	dirty map[watermarkKey]bool
}

type watermarkKey struct {
	symbol  string
	channel model.Channel
}

// NewWatermarkTracker creates an empty tracker.
func NewWatermarkTracker() *WatermarkTracker {
	return &WatermarkTracker{
		marks: make(map[watermarkKey]model.Watermark),
		dirty: make(map[watermarkKey]bool),
	}
}

// Advance records a confirmed position. Regressions are ignored, so a
// replayed batch can never move a watermark backwards.
func (t *WatermarkTracker) Advance(wm model.Watermark) {
	if wm.Seq <= 0 {
		return
	}
	key := watermarkKey{symbol: wm.Symbol, channel: wm.Channel}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.marks[key]; ok && cur.Seq >= wm.Seq {
		return
	}
	wm.UpdatedAt = time.Now().UTC()
	t.marks[key] = wm
	t.dirty[key] = true
}

// Watermark returns the last confirmed position for a pair.
func (t *WatermarkTracker) Watermark(symbol string, channel model.Channel) (model.Watermark, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wm, ok := t.marks[watermarkKey{symbol: symbol, channel: channel}]
	return wm, ok
}

// Snapshot returns all tracked watermarks.
func (t *WatermarkTracker) Snapshot() []model.Watermark {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Watermark, 0, len(t.marks))
	for _, wm := range t.marks {
		out = append(out, wm)
	}
	return out
}

// Flush persists watermarks changed since the last flush. The upsert
// only moves a row forward, so concurrent ingestors cannot fight.
func (t *WatermarkTracker) Flush(ctx context.Context, db batchSender) error {
	t.mu.Lock()
	pending := make([]model.Watermark, 0, len(t.dirty))
	for key := range t.dirty {
		pending = append(pending, t.marks[key])
	}
	t.dirty = make(map[watermarkKey]bool)
	t.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, wm := range pending {
		batch.Queue(`
			INSERT INTO watermarks (symbol, channel, seq, event_ts_utc, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (symbol, channel) DO UPDATE
			SET seq = EXCLUDED.seq, event_ts_utc = EXCLUDED.event_ts_utc, updated_at = EXCLUDED.updated_at
			WHERE watermarks.seq < EXCLUDED.seq
		`, wm.Symbol, string(wm.Channel), wm.Seq, wm.EventTimeUTC, wm.UpdatedAt)
	}

	results := db.SendBatch(ctx, batch)
	defer results.Close()

	for range pending {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("flush watermarks: %w", err)
		}
	}
	return nil
}

// rowQuerier is the query slice of the pool, faked in tests.
type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// LoadWatermarks seeds a tracker from the watermarks table, so a
// restarted ingestor resubscribes from where the previous run stopped.
func LoadWatermarks(ctx context.Context, db rowQuerier) (*WatermarkTracker, error) {
	rows, err := db.Query(ctx,
		`SELECT symbol, channel, seq, event_ts_utc, updated_at FROM watermarks`)
	if err != nil {
		return nil, fmt.Errorf("load watermarks: %w", err)
	}
	defer rows.Close()

	tracker := NewWatermarkTracker()
	for rows.Next() {
		var wm model.Watermark
		var channel string
		if err := rows.Scan(&wm.Symbol, &channel, &wm.Seq, &wm.EventTimeUTC, &wm.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		wm.Channel = model.Channel(channel)
		key := watermarkKey{symbol: wm.Symbol, channel: wm.Channel}
		tracker.marks[key] = wm
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load watermarks: %w", err)
	}
	return tracker, nil
}
