// Package dedup is the durable fingerprint ledger gating the pipeline.
//
// Every document passes CheckAndMarkSeen before any inference cost is
// spent; every later stage transition goes through the conditional Advance,
// so two workers can never double-process the same fingerprint: the loser
// of the race gets a ConflictError and walks away.
package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store wraps the ledger database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store on an already-opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Meta is the descriptive payload recorded alongside a new fingerprint.
type Meta struct {
	SourceID string
	URL      string
	Title    string
}

// CheckAndMarkSeen atomically records an unseen fingerprint with status
// seen and returns OutcomeNew; if the fingerprint already has a record it
// returns OutcomeDuplicate without mutating anything. This is the sole gate
// preventing redundant inference.
func (s *Store) CheckAndMarkSeen(ctx context.Context, fingerprint string, meta Meta) (Outcome, error) {
	now := time.Now().UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO dedup_records (fingerprint, source_id, url, title, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO NOTHING`,
		fingerprint, meta.SourceID, meta.URL, meta.Title, StatusSeen, now, now)
	if err != nil {
		return "", fmt.Errorf("dedup: mark seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("dedup: mark seen: %w", err)
	}
	if n == 0 {
		return OutcomeDuplicate, nil
	}
	return OutcomeNew, nil
}

// Advance performs the conditional transition from → to. If the record is
// not currently in the from status the update is lost and a ConflictError
// carrying the observed status is returned.
func (s *Store) Advance(ctx context.Context, fingerprint string, from, to Status) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE dedup_records SET status = ?, updated_at = ? WHERE fingerprint = ? AND status = ?`,
		to, time.Now().UnixMilli(), fingerprint, from)
	if err != nil {
		return fmt.Errorf("dedup: advance %s→%s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dedup: advance %s→%s: %w", from, to, err)
	}
	if n == 1 {
		return nil
	}

	rec, err := s.Get(ctx, fingerprint)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("dedup: advance %s→%s: %w: %s", from, to, ErrNotFound, fingerprint)
	}
	return &ConflictError{Fingerprint: fingerprint, From: from, To: to, Actual: rec.Status}
}

// MarkFailed moves a non-terminal fingerprint to failed and records the
// reason. Idempotent on already-failed records; a delivered record is never
// demoted and yields a ConflictError.
func (s *Store) MarkFailed(ctx context.Context, fingerprint, reason string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE dedup_records SET status = ?, last_error = ?, updated_at = ?
		 WHERE fingerprint = ? AND status NOT IN (?, ?)`,
		StatusFailed, reason, time.Now().UnixMilli(), fingerprint, StatusDelivered, StatusFailed)
	if err != nil {
		return fmt.Errorf("dedup: mark failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dedup: mark failed: %w", err)
	}
	if n == 1 {
		return nil
	}

	rec, err := s.Get(ctx, fingerprint)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("dedup: mark failed: %w: %s", ErrNotFound, fingerprint)
	}
	if rec.Status == StatusFailed {
		return nil
	}
	return &ConflictError{Fingerprint: fingerprint, From: rec.Status, To: StatusFailed, Actual: rec.Status}
}

// Reset is the explicit manual retry: failed → seen with the attempt
// counter zeroed. Any other current status is a conflict.
func (s *Store) Reset(ctx context.Context, fingerprint string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE dedup_records SET status = ?, attempts = 0, last_error = '', updated_at = ?
		 WHERE fingerprint = ? AND status = ?`,
		StatusSeen, time.Now().UnixMilli(), fingerprint, StatusFailed)
	if err != nil {
		return fmt.Errorf("dedup: reset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dedup: reset: %w", err)
	}
	if n == 1 {
		return nil
	}

	rec, err := s.Get(ctx, fingerprint)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("dedup: reset: %w: %s", ErrNotFound, fingerprint)
	}
	return &ConflictError{Fingerprint: fingerprint, From: StatusFailed, To: StatusSeen, Actual: rec.Status}
}

// IncAttempts bumps the attempt counter and returns the new value.
func (s *Store) IncAttempts(ctx context.Context, fingerprint string) (int, error) {
	var attempts int
	err := s.DB.QueryRowContext(ctx,
		`UPDATE dedup_records SET attempts = attempts + 1, updated_at = ?
		 WHERE fingerprint = ? RETURNING attempts`,
		time.Now().UnixMilli(), fingerprint).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("dedup: inc attempts: %w: %s", ErrNotFound, fingerprint)
	}
	if err != nil {
		return 0, fmt.Errorf("dedup: inc attempts: %w", err)
	}
	return attempts, nil
}

// Get retrieves a record by fingerprint. Returns (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, fingerprint string) (*Record, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT fingerprint, source_id, url, title, status, attempts, last_error, created_at, updated_at
		 FROM dedup_records WHERE fingerprint = ?`, fingerprint)
	return scanRecord(row)
}

// Recent returns the most recently updated records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT fingerprint, source_id, url, title, status, attempts, last_error, created_at, updated_at
		 FROM dedup_records ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("dedup: recent: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListByStatus returns fingerprints in the given status whose last
// update is older than olderThan, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT fingerprint FROM dedup_records
		 WHERE status = ? AND updated_at < ? ORDER BY updated_at`, status, cutoff)
	if err != nil {
		return nil, fmt.Errorf("dedup: list by status: %w", err)
	}
	defer rows.Close()

	var fps []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("dedup: scan fingerprint: %w", err)
		}
		fps = append(fps, fp)
	}
	return fps, rows.Err()
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM dedup_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("dedup: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var st Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("dedup: scan count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// PruneDelivered removes delivered records older than olderThan while
// always keeping the keep most recent ones. Best-effort housekeeping: the
// ledger stays correct without it, this only bounds growth.
func (s *Store) PruneDelivered(ctx context.Context, olderThan time.Duration, keep int) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM dedup_records
		 WHERE status = ? AND updated_at < ?
		   AND fingerprint NOT IN (
		     SELECT fingerprint FROM dedup_records WHERE status = ?
		     ORDER BY updated_at DESC LIMIT ?)`,
		StatusDelivered, cutoff, StatusDelivered, keep)
	if err != nil {
		return 0, fmt.Errorf("dedup: prune delivered: %w", err)
	}
	return res.RowsAffected()
}

// --- analyzed-URL side table ---

// MarkAnalyzed remembers aggregator URLs that went through the matcher so
// they are never scored again.
func (s *Store) MarkAnalyzed(ctx context.Context, urls ...string) error {
	if len(urls) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	for _, u := range urls {
		if _, err := s.DB.ExecContext(ctx,
			`INSERT INTO analyzed_urls (url, added_at) VALUES (?, ?)
			 ON CONFLICT(url) DO NOTHING`, u, now); err != nil {
			return fmt.Errorf("dedup: mark analyzed: %w", err)
		}
	}
	return nil
}

// IsAnalyzed reports whether url was already scored by the matcher.
func (s *Store) IsAnalyzed(ctx context.Context, url string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx,
		`SELECT 1 FROM analyzed_urls WHERE url = ?`, url).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup: is analyzed: %w", err)
	}
	return true, nil
}

// PruneAnalyzed trims the analyzed-URL table to at most cap entries,
// dropping the oldest first.
func (s *Store) PruneAnalyzed(ctx context.Context, cap int) (int64, error) {
	if cap <= 0 {
		return 0, nil
	}
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM analyzed_urls WHERE url NOT IN (
		   SELECT url FROM analyzed_urls ORDER BY added_at DESC LIMIT ?)`, cap)
	if err != nil {
		return 0, fmt.Errorf("dedup: prune analyzed: %w", err)
	}
	return res.RowsAffected()
}

// --- scan helpers ---

func scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.Fingerprint, &rec.SourceID, &rec.URL, &rec.Title,
		&rec.Status, &rec.Attempts, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup: scan record: %w", err)
	}
	return &rec, nil
}

func scanRecordRows(rows *sql.Rows) (*Record, error) {
	var rec Record
	err := rows.Scan(&rec.Fingerprint, &rec.SourceID, &rec.URL, &rec.Title,
		&rec.Status, &rec.Attempts, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("dedup: scan record: %w", err)
	}
	return &rec, nil
}
