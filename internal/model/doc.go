// Package model defines the canonical record types shared by every
// ingestion component: the raw envelope captured for each feed frame,
// the derived trade/book/quote views, and the reconcile and watermark
// bookkeeping rows.
//
// RawEnvelope is the source of truth. Trade, BookUpdate and Quote are
// derived views that can be recomputed from raw envelopes at any time,
// which is what makes replay-based backfill safe.
package model
