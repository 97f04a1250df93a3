// Package events records pipeline stage transitions in an append-only
// SQLite log: which fingerprint passed which stage with which outcome,
// during which run. The log backs the /stats endpoint and post-mortems;
// it is strictly best-effort and never fails the pipeline.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/vestnik/idgen"
)

// Stage names recorded by the pipeline.
const (
	StageFetch     = "fetch"
	StageDedup     = "dedup"
	StageSummarize = "summarize"
	StageDeliver   = "deliver"
)

// Outcome values recorded per event.
const (
	OutcomeOK          = "ok"
	OutcomeDuplicate   = "duplicate"
	OutcomeSkipped     = "skipped"
	OutcomeRetried     = "retried"
	OutcomeFailed      = "failed"
	OutcomeConflict    = "conflict"
	OutcomeRateLimited = "rate_limited"
)

// Event is one stage transition for one fingerprint.
type Event struct {
	RunID       string
	Stage       string
	Fingerprint string
	Source      string
	Outcome     string
	Detail      string
}

// Logger appends events to the log table.
type Logger struct {
	db    *sql.DB
	newID idgen.Generator
}

// Option configures a Logger.
type Option func(*Logger)

// WithIDGenerator sets a custom ID generator for event rows.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Logger) { l.newID = gen }
}

// NewLogger creates an event logger on db. Call Init first (or share a
// database that already ran it).
func NewLogger(db *sql.DB, opts ...Option) *Logger {
	l := &Logger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Log records one event. Non-blocking: a failing event store is reported
// via slog and otherwise ignored, so observability never stalls ingestion.
func (l *Logger) Log(ctx context.Context, ev Event) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO pipeline_events (
			event_id, run_id, stage, fingerprint, source, outcome, detail, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		l.newID(), ev.RunID, ev.Stage, ev.Fingerprint, ev.Source, ev.Outcome, ev.Detail,
		time.Now().UnixMilli())
	if err != nil {
		slog.Error("events: log failed", "error", err, "stage", ev.Stage, "outcome", ev.Outcome)
	}
}

// StageCount is an aggregate of events per stage and outcome.
type StageCount struct {
	Stage   string `json:"stage"`
	Outcome string `json:"outcome"`
	Count   int64  `json:"count"`
}

// Counts aggregates events newer than since by stage and outcome.
func (l *Logger) Counts(ctx context.Context, since time.Time) ([]StageCount, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT stage, outcome, COUNT(*)
		FROM pipeline_events
		WHERE created_at >= ?
		GROUP BY stage, outcome
		ORDER BY stage, outcome`,
		since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("events: counts: %w", err)
	}
	defer rows.Close()

	var out []StageCount
	for rows.Next() {
		var c StageCount
		if err := rows.Scan(&c.Stage, &c.Outcome, &c.Count); err != nil {
			return nil, fmt.Errorf("events: scan count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Failure is one failed event with its context.
type Failure struct {
	RunID       string    `json:"run_id"`
	Stage       string    `json:"stage"`
	Fingerprint string    `json:"fingerprint"`
	Source      string    `json:"source"`
	Detail      string    `json:"detail"`
	At          time.Time `json:"at"`
}

// RecentFailures returns the latest events with outcome=failed, newest first.
func (l *Logger) RecentFailures(ctx context.Context, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, stage, fingerprint, source, detail, created_at
		FROM pipeline_events
		WHERE outcome = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		OutcomeFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("events: recent failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		var at int64
		if err := rows.Scan(&f.RunID, &f.Stage, &f.Fingerprint, &f.Source, &f.Detail, &at); err != nil {
			return nil, fmt.Errorf("events: scan failure: %w", err)
		}
		f.At = time.UnixMilli(at)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Prune deletes events older than the retention window. Best-effort
// housekeeping, invoked by the scheduler between runs.
func (l *Logger) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM pipeline_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("events: prune: %w", err)
	}
	return res.RowsAffected()
}
