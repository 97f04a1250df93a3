package deliver

import "database/sql"

// Schema is the DDL for the durable delivery queue.
//
// seq is the global enqueue order; per-destination FIFO is ORDER BY seq
// within one destination. visible_at hides a task while a send attempt is
// in flight or a cool-down is pending; a crashed process simply leaves its
// claim to lapse. The (destination, fingerprint) key makes Enqueue
// idempotent: re-running a pipeline over the same backlog cannot queue a
// second copy of an item.
const Schema = `
CREATE TABLE IF NOT EXISTS delivery_tasks (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    fingerprint TEXT NOT NULL,
    destination TEXT NOT NULL,
    priority    INTEGER NOT NULL DEFAULT 0,
    payload     BLOB NOT NULL,
    enqueued_at INTEGER NOT NULL,
    visible_at  INTEGER NOT NULL DEFAULT 0,
    attempts    INTEGER NOT NULL DEFAULT 0,
    UNIQUE (destination, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_delivery_dest ON delivery_tasks(destination, priority DESC, seq);
`

// Init applies the queue schema.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
