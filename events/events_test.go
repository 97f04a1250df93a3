package events_test

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/vestnik/dbopen"
	"github.com/hazyhaar/vestnik/events"
)

func newLogger(t *testing.T) *events.Logger {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := events.Init(db); err != nil {
		t.Fatal(err)
	}
	return events.NewLogger(db)
}

func TestLogAndCounts(t *testing.T) {
	l := newLogger(t)
	ctx := context.Background()

	l.Log(ctx, events.Event{RunID: "r1", Stage: events.StageDedup, Fingerprint: "fp1", Outcome: events.OutcomeOK})
	l.Log(ctx, events.Event{RunID: "r1", Stage: events.StageDedup, Fingerprint: "fp2", Outcome: events.OutcomeDuplicate})
	l.Log(ctx, events.Event{RunID: "r1", Stage: events.StageDedup, Fingerprint: "fp3", Outcome: events.OutcomeDuplicate})
	l.Log(ctx, events.Event{RunID: "r1", Stage: events.StageDeliver, Fingerprint: "fp1", Outcome: events.OutcomeOK})

	counts, err := l.Counts(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	got := make(map[string]int64)
	for _, c := range counts {
		got[c.Stage+"/"+c.Outcome] = c.Count
	}
	if got["dedup/ok"] != 1 || got["dedup/duplicate"] != 2 || got["deliver/ok"] != 1 {
		t.Fatalf("unexpected counts: %v", got)
	}
}

func TestCountsRespectsSince(t *testing.T) {
	l := newLogger(t)
	ctx := context.Background()

	l.Log(ctx, events.Event{RunID: "r1", Stage: events.StageFetch, Outcome: events.OutcomeOK})

	counts, err := l.Counts(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 0 {
		t.Fatalf("expected no counts for future window, got %v", counts)
	}
}

func TestRecentFailures(t *testing.T) {
	l := newLogger(t)
	ctx := context.Background()

	l.Log(ctx, events.Event{RunID: "r1", Stage: events.StageSummarize, Fingerprint: "fp1", Source: "mosru", Outcome: events.OutcomeFailed, Detail: "inference error"})
	l.Log(ctx, events.Event{RunID: "r1", Stage: events.StageDeliver, Fingerprint: "fp2", Outcome: events.OutcomeOK})

	failures, err := l.RecentFailures(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(failures))
	}
	f := failures[0]
	if f.Fingerprint != "fp1" || f.Stage != events.StageSummarize || f.Detail != "inference error" {
		t.Fatalf("unexpected failure row: %+v", f)
	}
}

func TestPrune(t *testing.T) {
	l := newLogger(t)
	ctx := context.Background()

	l.Log(ctx, events.Event{RunID: "r1", Stage: events.StageFetch, Outcome: events.OutcomeOK})

	// The cutoff is millisecond-resolution; step past the insert's stamp.
	time.Sleep(5 * time.Millisecond)

	n, err := l.Prune(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}

	counts, err := l.Counts(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 0 {
		t.Fatalf("events remain after prune: %v", counts)
	}
}
