// Package database provides the PostgreSQL connection pool shared by
// the writers, the watermark tracker, and the reconciler. The raw
// envelope table, the derived tick tables, the reconcile log, and the
// watermarks all live in one database.
package database
