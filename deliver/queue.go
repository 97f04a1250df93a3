// Package deliver sends summarized news to chat destinations.
//
// The queue is a SQLite table drained by one worker goroutine per
// destination, so tasks for one destination go out strictly in enqueue
// order while different destinations interleave freely. A claimed row
// stays invisible for a visibility window; a crashed process leaves its
// claim to lapse and the task reappears on the next run. Every send
// passes two rate ceilings: a per-destination spacing and a global
// limiter shared by all workers.
//
// The queue never touches the dedup ledger. Confirmed sends and dropped
// tasks are reported through the OnDelivered and OnFailed callbacks; the
// orchestrator owns the resulting state transitions.
package deliver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/vestnik/dbopen"
)

// Sender performs one send attempt. nil means delivered. A
// *RateLimitedError asks for a cool-down without consuming an attempt;
// an error wrapping ErrPermanent drops the task; any other error is
// transient and retried with backoff up to Config.MaxAttempts.
type Sender interface {
	Send(ctx context.Context, destination string, msg Message) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, destination string, msg Message) error

func (f SenderFunc) Send(ctx context.Context, destination string, msg Message) error {
	return f(ctx, destination, msg)
}

// Task is one queued send for one destination.
type Task struct {
	Seq         int64
	Fingerprint string
	Destination string
	Priority    int
	Payload     []byte
	EnqueuedAt  time.Time
	Attempts    int
}

// Config configures the queue.
type Config struct {
	// DestinationInterval is the minimum spacing between sends to one
	// destination. Default: 1s, the Telegram per-chat limit.
	DestinationInterval time.Duration
	// GlobalPerSecond caps sends across all destinations. Default: 30.
	GlobalPerSecond int
	// Cooldown applies when the platform rate-limits without naming a
	// retry delay. Default: 30s.
	Cooldown time.Duration
	// MaxAttempts bounds send attempts per task before it is dropped as
	// failed. Default: 5.
	MaxAttempts int
	// RetryDelay is the base backoff after a transient send failure,
	// doubled per attempt. Default: 2s.
	RetryDelay time.Duration
	// MaxRetryDelay caps the backoff curve. Default: 5m.
	MaxRetryDelay time.Duration
	// Visibility hides a claimed task from a restarted process while a
	// send may still be in flight. Default: 2m.
	Visibility time.Duration
	// PollInterval is the idle re-check period per destination worker.
	// Default: 1s.
	PollInterval time.Duration
	// OnDelivered, when set, runs after each confirmed send.
	OnDelivered func(fingerprint, destination string)
	// OnFailed, when set, runs when a task is dropped: permanent error or
	// attempts exhausted.
	OnFailed func(fingerprint, destination string, err error)
	// Logger overrides slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.DestinationInterval <= 0 {
		c.DestinationInterval = time.Second
	}
	if c.GlobalPerSecond <= 0 {
		c.GlobalPerSecond = 30
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 5 * time.Minute
	}
	if c.Visibility <= 0 {
		c.Visibility = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Queue is the durable delivery queue handle.
type Queue struct {
	db     *sql.DB
	sender Sender
	cfg    Config
	log    *slog.Logger
	global *rate.Limiter
}

// New creates a queue on an already-opened database. Run Init on the
// database first, or share one that already did.
func New(db *sql.DB, sender Sender, cfg Config) *Queue {
	cfg.defaults()
	return &Queue{
		db:     db,
		sender: sender,
		cfg:    cfg,
		log:    cfg.Logger,
		global: rate.NewLimiter(rate.Limit(cfg.GlobalPerSecond), cfg.GlobalPerSecond),
	}
}

// Enqueue queues msg for every destination in one transaction. A
// (destination, fingerprint) pair that is already queued is left
// untouched, so re-enqueueing after a partial run is safe.
func (q *Queue) Enqueue(ctx context.Context, msg Message, destinations []string) error {
	if msg.Fingerprint == "" {
		return errors.New("deliver: enqueue: empty fingerprint")
	}
	if len(destinations) == 0 {
		return errors.New("deliver: enqueue: no destinations")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("deliver: marshal payload: %w", err)
	}

	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		for _, dest := range destinations {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO delivery_tasks (fingerprint, destination, priority, payload, enqueued_at)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT(destination, fingerprint) DO NOTHING`,
				msg.Fingerprint, dest, msg.Priority, payload, now); err != nil {
				return fmt.Errorf("deliver: enqueue %s: %w", dest, err)
			}
		}
		return nil
	})
}

// Pending returns the number of queued tasks per destination.
func (q *Queue) Pending(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT destination, COUNT(*) FROM delivery_tasks GROUP BY destination`)
	if err != nil {
		return nil, fmt.Errorf("deliver: pending: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var dest string
		var n int
		if err := rows.Scan(&dest, &n); err != nil {
			return nil, fmt.Errorf("deliver: pending: %w", err)
		}
		counts[dest] = n
	}
	return counts, rows.Err()
}

// PendingFingerprints returns every fingerprint with at least one task
// still queued on any destination.
func (q *Queue) PendingFingerprints(ctx context.Context) (map[string]bool, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT fingerprint FROM delivery_tasks`)
	if err != nil {
		return nil, fmt.Errorf("deliver: pending fingerprints: %w", err)
	}
	defer rows.Close()

	fps := make(map[string]bool)
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("deliver: pending fingerprints: %w", err)
		}
		fps[fp] = true
	}
	return fps, rows.Err()
}

// Run drains the queue until ctx is cancelled. It discovers destinations
// from the table itself, so tasks enqueued for a brand-new destination
// start flowing within one poll interval.
func (q *Queue) Run(ctx context.Context) {
	q.log.Info("deliver: queue started",
		"poll", q.cfg.PollInterval,
		"global_per_second", q.cfg.GlobalPerSecond,
		"destination_interval", q.cfg.DestinationInterval)

	var wg sync.WaitGroup
	running := make(map[string]bool)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		dests, err := q.destinations(ctx)
		if err != nil && ctx.Err() == nil {
			q.log.Warn("deliver: list destinations failed", "error", err)
		}
		for _, dest := range dests {
			if running[dest] {
				continue
			}
			running[dest] = true
			wg.Add(1)
			go func(dest string) {
				defer wg.Done()
				q.drain(ctx, dest)
			}(dest)
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			q.log.Info("deliver: queue stopped")
			return
		case <-ticker.C:
		}
	}
}

func (q *Queue) destinations(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT destination FROM delivery_tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dests []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dests = append(dests, d)
	}
	return dests, rows.Err()
}

// drain sends one destination's tasks in seq order. Only one task is in
// flight at a time, and a cooling-down head keeps everything behind it
// waiting. That is the ordering guarantee, not a liveness bug.
func (q *Queue) drain(ctx context.Context, dest string) {
	q.log.Info("deliver: destination worker started", "destination", dest)
	lim := rate.NewLimiter(rate.Every(q.cfg.DestinationInterval), 1)

	for {
		if ctx.Err() != nil {
			return
		}

		task, wait, err := q.claimHead(ctx, dest)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Warn("deliver: claim head failed", "destination", dest, "error", err)
			task, wait = nil, q.cfg.PollInterval
		}
		if task == nil {
			if wait <= 0 || wait > q.cfg.PollInterval {
				wait = q.cfg.PollInterval
			}
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		if err := q.global.Wait(ctx); err != nil {
			q.unclaim(task)
			return
		}
		if err := lim.Wait(ctx); err != nil {
			q.unclaim(task)
			return
		}

		q.attempt(ctx, dest, task)
	}
}

// claimHead returns the destination's head task if it is due. When the
// head exists but is hidden, it returns (nil, remaining, nil) so the
// caller waits instead of skipping ahead.
func (q *Queue) claimHead(ctx context.Context, dest string) (*Task, time.Duration, error) {
	now := time.Now()

	var seq, visAt int64
	err := q.db.QueryRowContext(ctx,
		`SELECT seq, visible_at FROM delivery_tasks WHERE destination = ?
		 ORDER BY priority DESC, seq ASC LIMIT 1`, dest).Scan(&seq, &visAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("deliver: head: %w", err)
	}
	if wait := time.UnixMilli(visAt).Sub(now); wait > 0 {
		return nil, wait, nil
	}

	row := q.db.QueryRowContext(ctx, `
		UPDATE delivery_tasks
		SET visible_at = ?, attempts = attempts + 1
		WHERE seq = ? AND visible_at <= ?
		RETURNING seq, fingerprint, destination, priority, payload, enqueued_at, attempts`,
		now.Add(q.cfg.Visibility).UnixMilli(), seq, now.UnixMilli())

	var t Task
	var enq int64
	err = row.Scan(&t.Seq, &t.Fingerprint, &t.Destination, &t.Priority, &t.Payload, &enq, &t.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		// Another process claimed it between the two statements.
		return nil, q.cfg.PollInterval, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("deliver: claim: %w", err)
	}
	t.EnqueuedAt = time.UnixMilli(enq)
	return &t, 0, nil
}

func (q *Queue) attempt(ctx context.Context, dest string, task *Task) {
	var msg Message
	if err := json.Unmarshal(task.Payload, &msg); err != nil {
		// An unreadable payload can never send.
		q.drop(task, fmt.Errorf("%w: decode payload: %v", ErrPermanent, err))
		return
	}

	err := q.sender.Send(ctx, dest, msg)

	var rl *RateLimitedError
	switch {
	case err == nil:
		q.complete(task)
	case ctx.Err() != nil:
		// Shutdown mid-send: leave the task for the next run.
		q.unclaim(task)
	case errors.As(err, &rl):
		q.cooldown(task, rl.RetryAfter)
	case errors.Is(err, ErrPermanent):
		q.drop(task, err)
	case task.Attempts >= q.cfg.MaxAttempts:
		q.drop(task, fmt.Errorf("deliver: attempts exhausted: %w", err))
	default:
		q.retry(task, err)
	}
}

func (q *Queue) complete(task *Task) {
	ctx, cancel := bookCtx()
	defer cancel()
	if _, err := q.db.ExecContext(ctx, `DELETE FROM delivery_tasks WHERE seq = ?`, task.Seq); err != nil {
		q.log.Warn("deliver: delete sent task failed", "seq", task.Seq, "error", err)
	}
	q.log.Info("deliver: sent",
		"fingerprint", task.Fingerprint, "destination", task.Destination, "attempt", task.Attempts)
	if q.cfg.OnDelivered != nil {
		q.cfg.OnDelivered(task.Fingerprint, task.Destination)
	}
}

// cooldown reschedules a rate-limited head without consuming an attempt.
func (q *Queue) cooldown(task *Task, after time.Duration) {
	if after <= 0 {
		after = q.cfg.Cooldown
	}
	ctx, cancel := bookCtx()
	defer cancel()
	if _, err := q.db.ExecContext(ctx,
		`UPDATE delivery_tasks SET visible_at = ?, attempts = attempts - 1 WHERE seq = ?`,
		time.Now().Add(after).UnixMilli(), task.Seq); err != nil {
		q.log.Warn("deliver: cooldown reschedule failed", "seq", task.Seq, "error", err)
	}
	q.log.Info("deliver: rate limited",
		"destination", task.Destination, "fingerprint", task.Fingerprint, "retry_after", after)
}

func (q *Queue) retry(task *Task, cause error) {
	delay := q.backoff(task.Attempts)
	ctx, cancel := bookCtx()
	defer cancel()
	if _, err := q.db.ExecContext(ctx,
		`UPDATE delivery_tasks SET visible_at = ? WHERE seq = ?`,
		time.Now().Add(delay).UnixMilli(), task.Seq); err != nil {
		q.log.Warn("deliver: retry reschedule failed", "seq", task.Seq, "error", err)
	}
	q.log.Warn("deliver: send failed, will retry",
		"destination", task.Destination, "fingerprint", task.Fingerprint,
		"attempt", task.Attempts, "delay", delay, "error", cause)
}

func (q *Queue) drop(task *Task, cause error) {
	ctx, cancel := bookCtx()
	defer cancel()
	if _, err := q.db.ExecContext(ctx, `DELETE FROM delivery_tasks WHERE seq = ?`, task.Seq); err != nil {
		q.log.Warn("deliver: drop task failed", "seq", task.Seq, "error", err)
	}
	q.log.Warn("deliver: task dropped",
		"fingerprint", task.Fingerprint, "destination", task.Destination,
		"attempts", task.Attempts, "error", cause)
	if q.cfg.OnFailed != nil {
		q.cfg.OnFailed(task.Fingerprint, task.Destination, cause)
	}
}

// unclaim makes a claimed task immediately visible again and undoes the
// attempt counted at claim time. Used on shutdown before any send attempt
// resolved.
func (q *Queue) unclaim(task *Task) {
	ctx, cancel := bookCtx()
	defer cancel()
	if _, err := q.db.ExecContext(ctx,
		`UPDATE delivery_tasks SET visible_at = 0, attempts = attempts - 1 WHERE seq = ?`,
		task.Seq); err != nil {
		q.log.Warn("deliver: unclaim failed", "seq", task.Seq, "error", err)
	}
}

// backoff doubles RetryDelay per attempt up to MaxRetryDelay.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.MaxRetryDelay {
			return q.cfg.MaxRetryDelay
		}
	}
	return d
}

// bookCtx returns a short context detached from the run context: once a
// send attempt resolved, its bookkeeping must not be lost to shutdown, or
// a delivered task would be resent on the next run.
func bookCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// sleep waits d or until ctx is done; reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
