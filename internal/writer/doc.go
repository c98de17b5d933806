// Package writer implements the batch writers behind the ingestion
// pipeline: raw envelopes, trades, depth levels, and aggregated quotes,
// each consuming its own buffer and flushing with pgx batches.
//
// All tables are append-only. Duplicate suppression happens at the
// database with ON CONFLICT DO NOTHING on each table's identity key, so
// replayed frames after a reconnect cost one conflict instead of a
// duplicate row. The raw writer flushes on its own, shorter interval:
// derived-table lag must never delay raw capture.
//
// Writers with sequenced input advance the shared watermark tracker on
// every successful flush; the session manager reads it back when it
// resubscribes.
package writer
