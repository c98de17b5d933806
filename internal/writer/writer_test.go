package writer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/taifexlab/fubon-ingest/internal/model"
	"github.com/taifexlab/fubon-ingest/internal/router"
)

// fakeSender records batches and replies with scripted command tags.
// An empty script acks every statement as one inserted row.
type fakeSender struct {
	mu       sync.Mutex
	batches  []*pgx.Batch
	script   []string // command tags, consumed in order
	failNext int      // batches to fail before succeeding
}

func (f *fakeSender) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)

	if f.failNext > 0 {
		f.failNext--
		return &fakeResults{err: errors.New("connection refused")}
	}

	tags := make([]pgconn.CommandTag, len(b.QueuedQueries))
	for i := range b.QueuedQueries {
		tag := "INSERT 0 1"
		if len(f.script) > 0 {
			tag = f.script[0]
			f.script = f.script[1:]
		}
		tags[i] = pgconn.NewCommandTag(tag)
	}
	return &fakeResults{tags: tags}
}

func (f *fakeSender) queued() []*pgx.QueuedQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*pgx.QueuedQuery
	for _, b := range f.batches {
		out = append(out, b.QueuedQueries...)
	}
	return out
}

type fakeResults struct {
	tags []pgconn.CommandTag
	next int
	err  error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	if r.next >= len(r.tags) {
		return pgconn.CommandTag{}, pgx.ErrNoRows
	}
	tag := r.tags[r.next]
	r.next++
	return tag, nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, pgx.ErrNoRows }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleTrade(seq int64) model.Trade {
	return model.Trade{
		Symbol:       "TXFA4",
		TradeID:      "T0001",
		EventSeq:     seq,
		Side:         model.SideBuy,
		Price:        decimal.NewFromInt(17460),
		Quantity:     decimal.NewFromInt(1),
		Turnover:     decimal.NewFromInt(17460),
		EventTimeUTC: time.Date(2023, 12, 12, 5, 44, 46, 0, time.UTC),
		Channel:      model.ChannelTrades,
	}
}

func TestTradeWriterFlushCountsDedupes(t *testing.T) {
	sender := &fakeSender{script: []string{"INSERT 0 1", "INSERT 0 0", "INSERT 0 1"}}
	tracker := NewWatermarkTracker()
	input := router.NewBuffer[model.Trade](16, 16)

	w := NewTradeWriter(DefaultConfig(), input, sender, tracker, testLogger())
	w.ctx = context.Background()

	for _, seq := range []int64{101, 101, 102} {
		w.append(sampleTrade(seq))
	}
	result := w.flush(context.Background())

	if result.Inserted != 2 || result.Deduped != 1 {
		t.Errorf("flush = %+v, want 2 inserted / 1 deduped", result)
	}

	metrics := w.Stats()
	if metrics.Inserts != 2 || metrics.Deduped != 1 || metrics.Flushes != 1 {
		t.Errorf("metrics = %+v", metrics)
	}

	wm, ok := tracker.Watermark("TXFA4", model.ChannelTrades)
	if !ok || wm.Seq != 102 {
		t.Errorf("watermark = %+v (ok=%v), want seq 102", wm, ok)
	}
}

func TestTradeWriterQueuesConflictKey(t *testing.T) {
	sender := &fakeSender{}
	input := router.NewBuffer[model.Trade](4, 4)
	w := NewTradeWriter(DefaultConfig(), input, sender, nil, testLogger())
	w.ctx = context.Background()

	w.append(sampleTrade(7))
	w.flush(context.Background())

	queued := sender.queued()
	if len(queued) != 1 {
		t.Fatalf("queued %d statements, want 1", len(queued))
	}
	if !strings.Contains(queued[0].SQL, "ON CONFLICT (symbol, trade_id) DO NOTHING") {
		t.Errorf("missing conflict clause: %s", queued[0].SQL)
	}
	if got := queued[0].Arguments[0]; got != "TXFA4" {
		t.Errorf("symbol arg = %v", got)
	}
}

func TestBookWriterQueuesRowPerLevel(t *testing.T) {
	sender := &fakeSender{}
	tracker := NewWatermarkTracker()
	input := router.NewBuffer[model.BookUpdate](4, 4)
	w := NewBookWriter(DefaultConfig(), input, sender, tracker, testLogger())
	w.ctx = context.Background()

	book := model.BookUpdate{
		Symbol:       "TXFA4",
		EventTimeUTC: time.Now().UTC(),
		BookSeq:      55,
		Levels: []model.BookLevel{
			{Level: 1, BidPrice: decimal.NewFromInt(17459), AskPrice: decimal.NewFromInt(17461)},
			{Level: 2, BidPrice: decimal.NewFromInt(17458)},
			{Level: 3, BidPrice: decimal.NewFromInt(17457)},
		},
		Channel: model.ChannelOrderbook,
	}
	w.append(book)
	result := w.flush(context.Background())

	if result.Inserted != 3 {
		t.Errorf("inserted = %d, want one row per level", result.Inserted)
	}
	if got := len(sender.queued()); got != 3 {
		t.Errorf("queued %d statements, want 3", got)
	}

	wm, ok := tracker.Watermark("TXFA4", model.ChannelOrderbook)
	if !ok || wm.Seq != 55 {
		t.Errorf("watermark = %+v (ok=%v), want seq 55", wm, ok)
	}
}

func TestRawWriterQueuesDedupToken(t *testing.T) {
	sender := &fakeSender{}
	input := router.NewBuffer[model.RawEnvelope](4, 4)
	w := NewRawWriter(DefaultConfig(), input, sender, testLogger())
	w.ctx = context.Background()

	env := model.RawEnvelope{
		Channel:      model.ChannelTrades,
		Symbol:       "TXFA4",
		EventSeq:     101,
		EventTimeUTC: time.Now().UTC(),
		Payload:      map[string]any{"matchPrice": "17460"},
	}
	w.append(env)
	w.flush(context.Background())

	queued := sender.queued()
	if len(queued) != 1 {
		t.Fatalf("queued %d statements, want 1", len(queued))
	}
	if got := queued[0].Arguments[0]; got != "TXFA4|trades|101" {
		t.Errorf("dedup token arg = %v", got)
	}
}

func TestWriterRequeuesBatchOnInsertFailure(t *testing.T) {
	sender := &fakeSender{failNext: 1}
	input := router.NewBuffer[model.Trade](4, 4)
	w := NewTradeWriter(DefaultConfig(), input, sender, nil, testLogger())
	w.ctx = context.Background()

	w.append(sampleTrade(1))
	w.append(sampleTrade(2))

	if result := w.flush(context.Background()); result.Inserted != 0 {
		t.Errorf("failed flush reported %d inserted", result.Inserted)
	}
	if got := w.Stats().Errors; got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}

	// The requeued records go out once the backoff window passes.
	w.batchMu.Lock()
	w.retryAt = time.Time{}
	w.batchMu.Unlock()
	result := w.flush(context.Background())
	if result.Inserted != 2 {
		t.Errorf("retry flush inserted %d, want 2", result.Inserted)
	}
}

func TestWriterBacksOffAfterInsertFailure(t *testing.T) {
	sender := &fakeSender{failNext: 3}
	input := router.NewBuffer[model.Trade](4, 4)
	w := NewTradeWriter(DefaultConfig(), input, sender, nil, testLogger())
	w.ctx = context.Background()

	w.append(sampleTrade(1))
	w.flush(context.Background())

	// Inside the backoff window every further attempt is suppressed,
	// even as more records pile up.
	w.append(sampleTrade(2))
	w.flush(context.Background())
	w.flush(context.Background())
	if got := len(sender.batches); got != 1 {
		t.Fatalf("sent %d batches during backoff, want 1", got)
	}

	w.batchMu.Lock()
	if w.retryAt.IsZero() {
		t.Error("retryAt not set after failure")
	}
	firstDeadline := w.retryAt
	w.retryAt = time.Time{}
	w.batchMu.Unlock()

	// A second failure climbs the ladder.
	w.flush(context.Background())
	w.batchMu.Lock()
	if !w.retryAt.After(firstDeadline) {
		t.Error("second failure did not extend the backoff deadline")
	}
	w.retryAt = time.Time{}
	w.batchMu.Unlock()
	if got := w.Stats().Errors; got != 2 {
		t.Errorf("errors = %d, want 2", got)
	}

	// Recovery clears the backoff state and flushes everything queued.
	w.flush(context.Background()) // third scripted failure
	w.batchMu.Lock()
	w.retryAt = time.Time{}
	w.batchMu.Unlock()
	result := w.flush(context.Background())
	if result.Inserted != 2 {
		t.Errorf("recovery flush inserted %d, want 2", result.Inserted)
	}
	w.batchMu.Lock()
	if w.failStreak != 0 || !w.retryAt.IsZero() {
		t.Errorf("backoff state not reset: streak=%d retryAt=%v", w.failStreak, w.retryAt)
	}
	w.batchMu.Unlock()
}

func TestWriterLifecycleFlushesOnStop(t *testing.T) {
	sender := &fakeSender{}
	input := router.NewBuffer[model.Trade](16, 16)
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour // only the final flush may run

	w := NewTradeWriter(cfg, input, sender, nil, testLogger())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	input.Send(sampleTrade(1))
	input.Send(sampleTrade(2))

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := len(sender.queued()); got != 2 {
		t.Errorf("queued %d statements after stop, want 2", got)
	}
}
