package events

import "database/sql"

// Schema is the DDL for the pipeline event log.
const Schema = `
CREATE TABLE IF NOT EXISTS pipeline_events (
    event_id    TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL,
    stage       TEXT NOT NULL,
    fingerprint TEXT NOT NULL DEFAULT '',
    source      TEXT NOT NULL DEFAULT '',
    outcome     TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created
    ON pipeline_events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_outcome_created
    ON pipeline_events(outcome, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_fingerprint
    ON pipeline_events(fingerprint);
`

// Init applies the event log schema.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
