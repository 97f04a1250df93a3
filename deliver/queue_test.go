package deliver_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/vestnik/dbopen"
	"github.com/hazyhaar/vestnik/deliver"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := deliver.Init(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func msg(fp string) deliver.Message {
	return deliver.Message{
		Fingerprint: fp,
		SourceID:    "mosru",
		SourceName:  "mos.ru",
		Title:       "Заголовок " + fp,
		URL:         "https://www.mos.ru/news/item/" + fp,
		Summary:     "Краткое содержание.",
	}
}

// recorder collects send attempts and queue callbacks.
type recorder struct {
	mu        sync.Mutex
	sends     []string
	times     []time.Time
	delivered []string
	failed    map[string]error
}

func newRecorder() *recorder {
	return &recorder{failed: make(map[string]error)}
}

func (r *recorder) record(fp string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, fp)
	r.times = append(r.times, time.Now())
	n := 0
	for _, s := range r.sends {
		if s == fp {
			n++
		}
	}
	return n
}

func (r *recorder) onDelivered(fp, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, fp)
}

func (r *recorder) onFailed(fp, _ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[fp] = err
}

func (r *recorder) sendOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sends...)
}

func fastConfig(r *recorder) deliver.Config {
	return deliver.Config{
		DestinationInterval: time.Millisecond,
		GlobalPerSecond:     1000,
		MaxAttempts:         5,
		RetryDelay:          5 * time.Millisecond,
		PollInterval:        5 * time.Millisecond,
		OnDelivered:         r.onDelivered,
		OnFailed:            r.onFailed,
	}
}

func nopSender() deliver.Sender {
	return deliver.SenderFunc(func(context.Context, string, deliver.Message) error { return nil })
}

func TestEnqueueIdempotent(t *testing.T) {
	db := openDB(t)
	q := deliver.New(db, nopSender(), deliver.Config{})
	ctx := context.Background()

	dests := []string{"chat-1", "chat-2"}
	if err := q.Enqueue(ctx, msg("fp1"), dests); err != nil {
		t.Fatal(err)
	}
	// Re-running a pipeline over the same backlog must not queue twice.
	if err := q.Enqueue(ctx, msg("fp1"), dests); err != nil {
		t.Fatal(err)
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range dests {
		if pending[d] != 1 {
			t.Fatalf("pending[%s] = %d, want 1", d, pending[d])
		}
	}
}

func TestEnqueueValidation(t *testing.T) {
	db := openDB(t)
	q := deliver.New(db, nopSender(), deliver.Config{})
	ctx := context.Background()

	if err := q.Enqueue(ctx, deliver.Message{}, []string{"chat-1"}); err == nil {
		t.Fatal("expected error for empty fingerprint")
	}
	if err := q.Enqueue(ctx, msg("fp1"), nil); err == nil {
		t.Fatal("expected error for no destinations")
	}
}

func TestDrainFIFO(t *testing.T) {
	db := openDB(t)
	rec := newRecorder()

	runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sender := deliver.SenderFunc(func(_ context.Context, _ string, m deliver.Message) error {
		rec.record(m.Fingerprint)
		if len(rec.sendOrder()) == 3 {
			cancel()
		}
		return nil
	})
	q := deliver.New(db, sender, fastConfig(rec))

	ctx := context.Background()
	for _, fp := range []string{"fp1", "fp2", "fp3"} {
		if err := q.Enqueue(ctx, msg(fp), []string{"chat-1"}); err != nil {
			t.Fatal(err)
		}
	}

	q.Run(runCtx)

	got := rec.sendOrder()
	want := []string{"fp1", "fp2", "fp3"}
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("send order %v, want %v", got, want)
		}
	}
	if len(rec.delivered) != 3 {
		t.Fatalf("delivered callbacks = %d, want 3", len(rec.delivered))
	}

	pending, _ := q.Pending(ctx)
	if len(pending) != 0 {
		t.Fatalf("queue should be empty, got %v", pending)
	}
}

func TestRateLimitedPreservesOrder(t *testing.T) {
	db := openDB(t)
	rec := newRecorder()
	const retryAfter = 60 * time.Millisecond

	runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sender := deliver.SenderFunc(func(_ context.Context, _ string, m deliver.Message) error {
		attempt := rec.record(m.Fingerprint)
		if m.Fingerprint == "fp1" && attempt == 1 {
			return &deliver.RateLimitedError{RetryAfter: retryAfter}
		}
		if len(rec.sendOrder()) == 3 {
			cancel()
		}
		return nil
	})
	q := deliver.New(db, sender, fastConfig(rec))

	ctx := context.Background()
	q.Enqueue(ctx, msg("fp1"), []string{"chat-1"})
	q.Enqueue(ctx, msg("fp2"), []string{"chat-1"})

	q.Run(runCtx)

	// fp2 must not jump ahead while fp1 cools down.
	got := rec.sendOrder()
	want := []string{"fp1", "fp1", "fp2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("send order %v, want %v", got, want)
	}

	rec.mu.Lock()
	gap := rec.times[1].Sub(rec.times[0])
	rec.mu.Unlock()
	if gap < retryAfter {
		t.Fatalf("retry fired after %s, want >= %s", gap, retryAfter)
	}
}

func TestPermanentErrorDropsTask(t *testing.T) {
	db := openDB(t)
	rec := newRecorder()

	runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sender := deliver.SenderFunc(func(_ context.Context, _ string, m deliver.Message) error {
		rec.record(m.Fingerprint)
		if m.Fingerprint == "fp1" {
			return fmt.Errorf("%w: telegram 403: bot was blocked", deliver.ErrPermanent)
		}
		cancel()
		return nil
	})
	q := deliver.New(db, sender, fastConfig(rec))

	ctx := context.Background()
	q.Enqueue(ctx, msg("fp1"), []string{"chat-1"})
	q.Enqueue(ctx, msg("fp2"), []string{"chat-1"})

	q.Run(runCtx)

	rec.mu.Lock()
	failErr := rec.failed["fp1"]
	rec.mu.Unlock()
	if failErr == nil {
		t.Fatal("OnFailed not called for fp1")
	}
	if !errors.Is(failErr, deliver.ErrPermanent) {
		t.Fatalf("failure cause = %v, want ErrPermanent", failErr)
	}

	// The queue moved on: fp2 went out exactly once, fp1 exactly once.
	got := rec.sendOrder()
	want := []string{"fp1", "fp2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("send order %v, want %v", got, want)
	}
	pending, _ := q.Pending(ctx)
	if len(pending) != 0 {
		t.Fatalf("queue should be empty, got %v", pending)
	}
}

func TestTransientRetriesExhaustAttempts(t *testing.T) {
	db := openDB(t)
	rec := newRecorder()

	runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sender := deliver.SenderFunc(func(_ context.Context, _ string, m deliver.Message) error {
		rec.record(m.Fingerprint)
		if m.Fingerprint == "fp1" {
			return errors.New("connection reset")
		}
		cancel()
		return nil
	})
	cfg := fastConfig(rec)
	cfg.MaxAttempts = 2
	q := deliver.New(db, sender, cfg)

	ctx := context.Background()
	q.Enqueue(ctx, msg("fp1"), []string{"chat-1"})
	q.Enqueue(ctx, msg("fp2"), []string{"chat-1"})

	q.Run(runCtx)

	got := rec.sendOrder()
	want := []string{"fp1", "fp1", "fp2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("send order %v, want %v", got, want)
	}

	rec.mu.Lock()
	failErr := rec.failed["fp1"]
	rec.mu.Unlock()
	if failErr == nil {
		t.Fatal("OnFailed not called after attempts exhausted")
	}
	if !strings.Contains(failErr.Error(), "attempts exhausted") {
		t.Fatalf("failure cause = %v", failErr)
	}
}

func TestVisibilityLapseReclaims(t *testing.T) {
	db := openDB(t)
	rec := newRecorder()

	runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sender := deliver.SenderFunc(func(_ context.Context, _ string, m deliver.Message) error {
		rec.record(m.Fingerprint)
		cancel()
		return nil
	})
	q := deliver.New(db, sender, fastConfig(rec))

	ctx := context.Background()
	if err := q.Enqueue(ctx, msg("fp1"), []string{"chat-1"}); err != nil {
		t.Fatal(err)
	}

	// Simulate a claim by a process that died mid-send: the row stays
	// hidden until its visibility window lapses, then flows again.
	hideMs := time.Now().Add(80 * time.Millisecond).UnixMilli()
	if _, err := db.Exec(`UPDATE delivery_tasks SET visible_at = ?, attempts = 1`, hideMs); err != nil {
		t.Fatal(err)
	}

	q.Run(runCtx)

	got := rec.sendOrder()
	if len(got) != 1 || got[0] != "fp1" {
		t.Fatalf("sends = %v, want fp1 exactly once", got)
	}
	rec.mu.Lock()
	sentAt := rec.times[0]
	rec.mu.Unlock()
	if sentAt.UnixMilli() < hideMs {
		t.Fatalf("task sent at %d, before its claim lapsed at %d", sentAt.UnixMilli(), hideMs)
	}
	if len(rec.delivered) != 1 {
		t.Fatalf("delivered callbacks = %d, want 1", len(rec.delivered))
	}
}

func TestDestinationsInterleave(t *testing.T) {
	db := openDB(t)
	rec := newRecorder()

	runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var mu sync.Mutex
	perDest := make(map[string][]string)

	sender := deliver.SenderFunc(func(_ context.Context, dest string, m deliver.Message) error {
		rec.record(m.Fingerprint)
		mu.Lock()
		perDest[dest] = append(perDest[dest], m.Fingerprint)
		total := len(perDest["chat-1"]) + len(perDest["chat-2"])
		mu.Unlock()
		if total == 4 {
			cancel()
		}
		return nil
	})
	q := deliver.New(db, sender, fastConfig(rec))

	ctx := context.Background()
	q.Enqueue(ctx, msg("a1"), []string{"chat-1"})
	q.Enqueue(ctx, msg("a2"), []string{"chat-1"})
	q.Enqueue(ctx, msg("b1"), []string{"chat-2"})
	q.Enqueue(ctx, msg("b2"), []string{"chat-2"})

	q.Run(runCtx)

	// Order holds within each destination, whatever the interleaving.
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(perDest["chat-1"]) != fmt.Sprint([]string{"a1", "a2"}) {
		t.Fatalf("chat-1 order %v", perDest["chat-1"])
	}
	if fmt.Sprint(perDest["chat-2"]) != fmt.Sprint([]string{"b1", "b2"}) {
		t.Fatalf("chat-2 order %v", perDest["chat-2"])
	}
}

func TestPriorityJumpsQueue(t *testing.T) {
	db := openDB(t)
	rec := newRecorder()

	runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sender := deliver.SenderFunc(func(_ context.Context, _ string, m deliver.Message) error {
		rec.record(m.Fingerprint)
		if len(rec.sendOrder()) == 2 {
			cancel()
		}
		return nil
	})
	q := deliver.New(db, sender, fastConfig(rec))

	ctx := context.Background()
	q.Enqueue(ctx, msg("routine"), []string{"chat-1"})
	urgent := msg("urgent")
	urgent.Priority = 1
	q.Enqueue(ctx, urgent, []string{"chat-1"})

	q.Run(runCtx)

	got := rec.sendOrder()
	want := []string{"urgent", "routine"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("send order %v, want %v", got, want)
	}
}
