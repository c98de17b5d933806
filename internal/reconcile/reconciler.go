package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/taifexlab/fubon-ingest/internal/model"
	"github.com/taifexlab/fubon-ingest/internal/normalize"
	"github.com/taifexlab/fubon-ingest/internal/router"
)

// Config holds reconciler configuration.
type Config struct {
	SweepInterval time.Duration // time between sweeps
	MaxRetries    int           // attempts before an uncovered entry turns ignored
	Timeout       time.Duration // per-sweep database deadline
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 1 * time.Minute,
		MaxRetries:    5,
		Timeout:       30 * time.Second,
	}
}

// Stats counts sweep outcomes.
type Stats struct {
	Sweeps      int64
	Backfilled  int64
	Resubmitted int64
	Ignored     int64
	Errors      int64
}

// Reconciler sweeps pending gap entries against the raw store.
type Reconciler struct {
	cfg        Config
	store      EntryStore
	buffers    router.Buffers
	normalizer *normalize.Normalizer
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// New creates a reconciler that resubmits recovered records into the
// writer buffers.
func New(cfg Config, store EntryStore, buffers router.Buffers, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		cfg:        cfg,
		store:      store,
		buffers:    buffers,
		normalizer: normalize.New(),
		logger:     logger,
	}
}

// Start begins the background sweep loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()

	r.logger.Info("reconciler started",
		"sweep_interval", r.cfg.SweepInterval,
		"max_retries", r.cfg.MaxRetries,
	)
	return nil
}

// Stop shuts the sweep loop down.
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("reconciler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	// Sweep immediately on start; entries may have survived a restart.
	r.Sweep(r.ctx)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.ctx)
		}
	}
}

// Sweep runs one reconciliation pass: persist freshly detected gaps,
// then attempt to resolve every pending entry.
func (r *Reconciler) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	r.mu.Lock()
	r.stats.Sweeps++
	r.mu.Unlock()

	if err := r.store.FlushQueue(ctx); err != nil {
		r.countError("flush queue failed", err)
		return
	}

	entries, err := r.store.PendingEntries(ctx)
	if err != nil {
		r.countError("load pending entries failed", err)
		return
	}

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.resolve(ctx, entry)
	}
}

// resolve advances one entry. Order matters: confirm the derived table
// first, so a resubmission from the previous sweep that has since
// flushed counts as done before any retry bookkeeping.
func (r *Reconciler) resolve(ctx context.Context, entry model.ReconcileEntry) {
	covered, err := r.store.DerivedCoverage(ctx, entry.Symbol, entry.Channel, entry.StartSeq, entry.EndSeq)
	if err != nil {
		r.countError("coverage check failed", err)
		return
	}
	if covered >= entry.Missing() {
		entry.Status = model.ReconcileBackfilled
		if err := r.store.UpdateEntry(ctx, entry); err != nil {
			r.countError("mark backfilled failed", err)
			return
		}
		r.mu.Lock()
		r.stats.Backfilled++
		r.mu.Unlock()
		r.logger.Info("gap backfilled",
			"symbol", entry.Symbol,
			"channel", entry.Channel,
			"start_seq", entry.StartSeq,
			"end_seq", entry.EndSeq,
		)
		return
	}

	records, err := r.store.RawWindow(ctx, entry.Symbol, entry.Channel, entry.StartSeq, entry.EndSeq)
	if err != nil {
		r.countError("raw window read failed", err)
		return
	}

	resubmitted := r.resubmit(records)
	if resubmitted > 0 {
		r.mu.Lock()
		r.stats.Resubmitted += int64(resubmitted)
		r.mu.Unlock()
	}

	if int64(len(records)) >= entry.Missing() {
		// Full raw coverage was just resubmitted; the next sweep will
		// find the derived table complete. Not a retry.
		return
	}

	entry.RetryCount++
	if entry.RetryCount >= r.cfg.MaxRetries {
		entry.Status = model.ReconcileIgnored
		r.mu.Lock()
		r.stats.Ignored++
		r.mu.Unlock()
		r.logger.Warn("gap unrecoverable, giving up",
			"symbol", entry.Symbol,
			"channel", entry.Channel,
			"start_seq", entry.StartSeq,
			"end_seq", entry.EndSeq,
			"retries", entry.RetryCount,
		)
	}
	if err := r.store.UpdateEntry(ctx, entry); err != nil {
		r.countError("update entry failed", err)
	}
}

// resubmit re-normalizes archived envelopes and pushes the derived
// records back into the writer buffers.
func (r *Reconciler) resubmit(records []RawRecord) int {
	count := 0
	for _, rec := range records {
		var payload map[string]any
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			r.logger.Warn("archived payload undecodable", "seq", rec.EventSeq, "error", err)
			continue
		}
		env, err := r.normalizer.Envelope(payload, rec.Channel, rec.IngestTS)
		if err != nil {
			r.logger.Warn("archived envelope rejected", "seq", rec.EventSeq, "error", err)
			continue
		}

		switch rec.Channel {
		case model.ChannelTrades:
			trade, err := r.normalizer.Trade(env)
			if err != nil {
				r.logger.Warn("archived trade rejected", "seq", rec.EventSeq, "error", err)
				continue
			}
			if r.buffers.Trade != nil && r.buffers.Trade.Send(trade) {
				count++
			}
		case model.ChannelOrderbook:
			book, err := r.normalizer.Book(env)
			if err != nil {
				r.logger.Warn("archived book update rejected", "seq", rec.EventSeq, "error", err)
				continue
			}
			if r.buffers.Book != nil && r.buffers.Book.Send(book) {
				count++
			}
		}
	}
	return count
}

func (r *Reconciler) countError(msg string, err error) {
	r.mu.Lock()
	r.stats.Errors++
	r.mu.Unlock()
	r.logger.Error(msg, "error", err)
}
