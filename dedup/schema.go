package dedup

import "database/sql"

// Schema is the DDL for the dedup ledger and the analyzed-URL side table.
//
// dedup_records is keyed by fingerprint only; every state transition is a
// conditional UPDATE on that key, so the ledger needs no secondary index
// for correctness; idx_dedup_status exists for the status queries serving
// the control surface and housekeeping.
const Schema = `
CREATE TABLE IF NOT EXISTS dedup_records (
    fingerprint TEXT PRIMARY KEY,
    source_id   TEXT NOT NULL DEFAULT '',
    url         TEXT NOT NULL DEFAULT '',
    title       TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'seen',
    attempts    INTEGER NOT NULL DEFAULT 0,
    last_error  TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dedup_status ON dedup_records(status, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_dedup_updated ON dedup_records(updated_at DESC);

-- Aggregator URLs that were scored and rejected by the matcher. Remembered
-- so they are never re-scored; capacity-capped, never required for
-- correctness.
CREATE TABLE IF NOT EXISTS analyzed_urls (
    url      TEXT PRIMARY KEY,
    added_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analyzed_added ON analyzed_urls(added_at);
`

// Init applies the ledger schema.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
