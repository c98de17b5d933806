package gap

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taifexlab/fubon-ingest/internal/model"
)

// Sink receives each newly detected missing range. The reconcile store
// implements it.
type Sink interface {
	Record(entry model.ReconcileEntry)
}

// WatermarkSource seeds the first observation for a pair after a
// restart, so a hole across the restart is still detected.
type WatermarkSource interface {
	Watermark(symbol string, channel model.Channel) (model.Watermark, bool)
}

// Config configures the detector.
type Config struct {
	// QuoteStaleTolerance is the largest acceptable event-time gap on
	// sequence-less channels before a staleness warning.
	QuoteStaleTolerance time.Duration
}

// DefaultConfig returns the standard tolerance.
func DefaultConfig() Config {
	return Config{QuoteStaleTolerance: 30 * time.Second}
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Observed       int64
	GapsDetected   int64
	MissingSeqs    int64
	Duplicates     int64
	StaleIntervals int64
}

type pairKey struct {
	symbol  string
	channel model.Channel
}

type rangeKey struct {
	pairKey
	start int64
	end   int64
}

// Detector tracks the last seen sequence per pair and emits one
// reconcile entry per missing range. Safe for a single observer
// goroutine; the mutex covers reads from other goroutines.
type Detector struct {
	cfg        Config
	sink       Sink
	watermarks WatermarkSource
	logger     *slog.Logger

	mu       sync.Mutex
	last     map[pairKey]int64
	lastTime map[pairKey]time.Time
	emitted  map[rangeKey]bool
	stats    Stats
}

// NewDetector creates a detector. watermarks may be nil; sink must not.
func NewDetector(cfg Config, sink Sink, watermarks WatermarkSource, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QuoteStaleTolerance <= 0 {
		cfg.QuoteStaleTolerance = DefaultConfig().QuoteStaleTolerance
	}
	return &Detector{
		cfg:        cfg,
		sink:       sink,
		watermarks: watermarks,
		logger:     logger,
		last:       make(map[pairKey]int64),
		lastTime:   make(map[pairKey]time.Time),
		emitted:    make(map[rangeKey]bool),
	}
}

// Observe inspects one envelope in arrival order.
func (d *Detector) Observe(env model.RawEnvelope) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Observed++

	if env.EventSeq <= 0 {
		d.observeTimestamp(env)
		return
	}

	key := pairKey{symbol: env.Symbol, channel: env.Channel}
	last, seen := d.last[key]
	if !seen && d.watermarks != nil {
		// First frame for this pair since startup: the persisted
		// watermark is the last confirmed position.
		if wm, ok := d.watermarks.Watermark(env.Symbol, env.Channel); ok && wm.Seq > 0 {
			last, seen = wm.Seq, true
		}
	}

	switch {
	case !seen:
		// Nothing to compare against; the stream starts here.
	case env.EventSeq <= last:
		d.stats.Duplicates++
		return
	case env.EventSeq > last+1:
		d.emit(key, last+1, env.EventSeq-1)
	}

	d.last[key] = env.EventSeq
}

// observeTimestamp applies the staleness heuristic to sequence-less
// frames. It warns, it never alarms.
func (d *Detector) observeTimestamp(env model.RawEnvelope) {
	key := pairKey{symbol: env.Symbol, channel: env.Channel}
	prev, seen := d.lastTime[key]
	if seen && env.EventTimeUTC.Sub(prev) > d.cfg.QuoteStaleTolerance {
		d.stats.StaleIntervals++
		d.logger.Warn("stale interval on sequence-less channel",
			"symbol", env.Symbol,
			"channel", env.Channel,
			"interval", env.EventTimeUTC.Sub(prev),
			"tolerance", d.cfg.QuoteStaleTolerance,
		)
	}
	if env.EventTimeUTC.After(prev) {
		d.lastTime[key] = env.EventTimeUTC
	}
}

// emit records one missing range, once. Must be called with the lock
// held.
func (d *Detector) emit(key pairKey, start, end int64) {
	rk := rangeKey{pairKey: key, start: start, end: end}
	if d.emitted[rk] {
		return
	}
	d.emitted[rk] = true

	entry := model.ReconcileEntry{
		ID:         uuid.New(),
		Symbol:     key.symbol,
		Channel:    key.channel,
		StartSeq:   start,
		EndSeq:     end,
		DetectedAt: time.Now().UTC(),
		Status:     model.ReconcilePending,
	}
	d.stats.GapsDetected++
	d.stats.MissingSeqs += entry.Missing()

	d.logger.Warn("sequence gap detected",
		"symbol", key.symbol,
		"channel", key.channel,
		"start_seq", start,
		"end_seq", end,
		"missing", entry.Missing(),
	)
	d.sink.Record(entry)
}

// Stats returns current counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
