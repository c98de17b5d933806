package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taifexlab/fubon-ingest/internal/model"
	"github.com/taifexlab/fubon-ingest/internal/router"
)

// queueFunc appends the INSERT statements for one record to the batch
// and returns how many it queued. Records may expand to several rows
// (one depth update queues one row per level).
type queueFunc[T any] func(b *pgx.Batch, item T) int

// watermarkFunc extracts the watermark a record carries, if any.
type watermarkFunc[T any] func(item T) (model.Watermark, bool)

// batcher is the shared consume/flush core behind every writer: drain
// the input buffer, accumulate a batch, flush on size or interval, and
// count inserts against conflicts.
type batcher[T any] struct {
	name   string
	cfg    Config
	logger *slog.Logger

	input *router.Buffer[T]
	db    batchSender

	queue     queueFunc[T]
	watermark watermarkFunc[T]
	tracker   *WatermarkTracker

	flushInterval time.Duration
	flushTicker   *time.Ticker

	batchMu    sync.Mutex
	batch      []T
	metrics    Metrics
	failStreak int
	retryAt    time.Time // flush attempts are suppressed until this instant

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBatcher[T any](
	name string,
	cfg Config,
	flushInterval time.Duration,
	input *router.Buffer[T],
	db batchSender,
	queue queueFunc[T],
	watermark watermarkFunc[T],
	tracker *WatermarkTracker,
	logger *slog.Logger,
) *batcher[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &batcher[T]{
		name:          name,
		cfg:           cfg,
		logger:        logger.With("writer", name),
		input:         input,
		db:            db,
		queue:         queue,
		watermark:     watermark,
		tracker:       tracker,
		flushInterval: flushInterval,
		batch:         make([]T, 0, cfg.BatchSize),
	}
}

// Start begins consuming records and writing batches.
func (w *batcher[T]) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.flushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.flushInterval,
	)
	return nil
}

// Stop drains remaining records and performs a final flush.
func (w *batcher[T]) Stop(ctx context.Context) error {
	w.logger.Info("stopping writer")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("writer stop timed out")
	}

	// Pick up whatever the buffer still holds, then flush once more.
	// Shutdown always gets a final attempt, backoff or not.
	for _, item := range w.input.DrainTo(0) {
		w.append(item)
	}
	w.batchMu.Lock()
	w.retryAt = time.Time{}
	w.batchMu.Unlock()
	w.flush(context.WithoutCancel(w.ctx))

	w.logger.Info("writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *batcher[T]) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *batcher[T]) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		item, ok := w.input.TryReceive()
		if !ok {
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}

		if w.append(item) {
			w.flush(w.ctx)
		}
	}
}

func (w *batcher[T]) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// append adds one record and reports whether the batch is full.
func (w *batcher[T]) append(item T) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, item)
	return len(w.batch) >= w.cfg.BatchSize
}

// flushRetryDelays is the backoff ladder after a failed insert; the
// last step repeats until the database recovers.
var flushRetryDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	15 * time.Second,
}

// flush writes the current batch, updates metrics, and advances the
// watermark tracker for sequenced records. After a failed insert,
// attempts are suppressed for the current backoff step so a down
// database is not hammered on every incoming record.
func (w *batcher[T]) flush(ctx context.Context) FlushResult {
	w.batchMu.Lock()
	if len(w.batch) == 0 || time.Now().Before(w.retryAt) {
		w.batchMu.Unlock()
		return FlushResult{}
	}
	batch := w.batch
	w.batch = make([]T, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()
	result, err := w.insert(ctx, batch)
	if err != nil {
		w.batchMu.Lock()
		w.metrics.Errors++
		w.failStreak++
		step := w.failStreak - 1
		if step >= len(flushRetryDelays) {
			step = len(flushRetryDelays) - 1
		}
		delay := flushRetryDelays[step]
		w.retryAt = time.Now().Add(delay)
		// Requeue ahead of newer records; a transient database failure
		// must not lose anything. Upstream backpressure bounds growth.
		w.batch = append(batch, w.batch...)
		w.batchMu.Unlock()
		w.logger.Error("batch insert failed",
			"error", err,
			"count", len(batch),
			"retry_in", delay,
		)
		return FlushResult{}
	}

	w.batchMu.Lock()
	w.failStreak = 0
	w.retryAt = time.Time{}
	w.batchMu.Unlock()

	if w.tracker != nil && w.watermark != nil {
		for _, item := range batch {
			if wm, ok := w.watermark(item); ok {
				w.tracker.Advance(wm)
			}
		}
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(result.Inserted)
	w.metrics.Deduped += int64(result.Deduped)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed batch",
		"count", len(batch),
		"inserted", result.Inserted,
		"deduped", result.Deduped,
		"duration", time.Since(start),
	)
	return result
}

// insert sends one pgx batch and counts conflicts by rows affected.
func (w *batcher[T]) insert(ctx context.Context, items []T) (FlushResult, error) {
	batch := &pgx.Batch{}
	queued := 0
	for _, item := range items {
		queued += w.queue(batch, item)
	}
	if queued == 0 {
		return FlushResult{}, nil
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	var res FlushResult
	for i := 0; i < queued; i++ {
		ct, err := results.Exec()
		if err != nil {
			return FlushResult{}, err
		}
		if ct.RowsAffected() == 0 {
			res.Deduped++
		} else {
			res.Inserted++
		}
	}
	return res, nil
}
