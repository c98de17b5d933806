// Package reconcile resolves pending gap entries in the background,
// decoupled from the live ingestion path.
//
// The raw store is the source of truth: a sweep re-reads the archived
// envelopes covering a gap window, re-normalizes them, and resubmits
// the results to the writers. An entry turns backfilled only once the
// derived table provably contains every sequence number in its range;
// entries whose window the raw store never covered turn ignored after
// the retry budget, so unrecoverable gaps stay on record instead of
// pending forever.
package reconcile
