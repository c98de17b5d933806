// Package gap watches the normalized envelope stream for holes in the
// per-(symbol, channel) sequence numbering and records each missing
// range exactly once for the reconciler to backfill.
//
// Channels without sequence numbers (aggregated quotes) get a weaker
// staleness check on event timestamps; those never produce reconcile
// entries, only counters and log lines.
package gap
