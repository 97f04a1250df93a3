package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/vestnik/dedup"
	"github.com/hazyhaar/vestnik/deliver"
	"github.com/hazyhaar/vestnik/events"
	"github.com/hazyhaar/vestnik/fetch"
	"github.com/hazyhaar/vestnik/idgen"
	"github.com/hazyhaar/vestnik/match"
	"github.com/hazyhaar/vestnik/summarize"
)

// maxBackoff caps the summarization retry curve.
const maxBackoff = 30 * time.Second

// keepDeliveredFloor is how many delivered records survive pruning no
// matter their age; they are the correlation window for aggregators.
const keepDeliveredFloor = 500

// Report summarizes one pipeline run.
type Report struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	Elapsed    time.Duration  `json:"elapsed"`
	Found      map[string]int `json:"found"`
	New        map[string]int `json:"new"`
	Duplicates int            `json:"duplicates"`
	Filtered   int            `json:"filtered"`
	Summarized int            `json:"summarized"`
	Enqueued   int            `json:"enqueued"`
	Failed     int            `json:"failed"`

	// SourceErrors lists sources whose listing could not be fetched at
	// all this run.
	SourceErrors []string `json:"source_errors,omitempty"`
}

// runState is the mutable part of a run, shared by the source workers.
type runState struct {
	mu     sync.Mutex
	report *Report

	// bestSource remembers the highest similarity each official URL was
	// matched at this run, so a weaker retelling of an already-matched
	// story is dropped instead of delivered twice.
	bestSource map[string]float64

	fatalSources int
}

func (rs *runState) found(src string) {
	rs.mu.Lock()
	rs.report.Found[src]++
	rs.mu.Unlock()
}

func (rs *runState) markNew(src string) {
	rs.mu.Lock()
	rs.report.New[src]++
	rs.mu.Unlock()
}

func (rs *runState) duplicate() {
	rs.mu.Lock()
	rs.report.Duplicates++
	rs.mu.Unlock()
}

func (rs *runState) filtered() {
	rs.mu.Lock()
	rs.report.Filtered++
	rs.mu.Unlock()
}

func (rs *runState) summarized() {
	rs.mu.Lock()
	rs.report.Summarized++
	rs.mu.Unlock()
}

func (rs *runState) enqueued() {
	rs.mu.Lock()
	rs.report.Enqueued++
	rs.mu.Unlock()
}

func (rs *runState) failed() {
	rs.mu.Lock()
	rs.report.Failed++
	rs.mu.Unlock()
}

func (rs *runState) sourceFailed(src string, err error) {
	rs.mu.Lock()
	rs.fatalSources++
	rs.report.SourceErrors = append(rs.report.SourceErrors, src+": "+err.Error())
	rs.mu.Unlock()
}

// claimSource records that an official URL was matched at score. It
// reports false when an earlier item this run already matched the same
// URL at a strictly higher score.
func (rs *runState) claimSource(url string, score float64) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if prev, ok := rs.bestSource[url]; ok && score < prev {
		return false
	}
	rs.bestSource[url] = score
	return true
}

// RunOnce executes one full cycle over every enabled source and returns
// the run report. A concurrent run gets ErrBusy. The run errors only
// when every source fails at its entry point or ctx is cancelled;
// everything narrower is absorbed into the report.
func (s *Service) RunOnce(ctx context.Context) (*Report, error) {
	if !s.runMu.TryLock() {
		return nil, ErrBusy
	}
	defer s.runMu.Unlock()

	report := &Report{
		RunID:     idgen.New(),
		StartedAt: time.Now(),
		Found:     make(map[string]int),
		New:       make(map[string]int),
	}
	rs := &runState{report: report, bestSource: make(map[string]float64)}

	s.setRunning(true)
	defer func() {
		report.Elapsed = time.Since(report.StartedAt)
		s.finishRun(report)
	}()

	s.log.Info("pipeline: run started", "run_id", report.RunID)
	s.sweepStranded(ctx, report.RunID)

	enabled := s.enabledSources()
	if len(enabled) == 0 {
		return report, errors.New("pipeline: no enabled sources")
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.FetchParallelism)
	for _, src := range enabled {
		g.Go(func() error {
			s.runSource(ctx, rs, report.RunID, src)
			return nil
		})
	}
	_ = g.Wait()

	s.housekeep(ctx)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if rs.fatalSources == len(enabled) {
		return report, fmt.Errorf("pipeline: every source failed: %s",
			strings.Join(report.SourceErrors, "; "))
	}
	s.log.Info("pipeline: run finished",
		"run_id", report.RunID,
		"found", report.Found,
		"new", report.New,
		"enqueued", report.Enqueued,
		"failed", report.Failed,
		"elapsed", time.Since(report.StartedAt))
	return report, nil
}

func (s *Service) enabledSources() []fetch.Source {
	var out []fetch.Source
	for _, src := range s.sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	return out
}

// runSource consumes one source's document sequence. A terminal error
// element means the listing itself was unreachable; per-item failures
// never surface here, the fetcher skips them.
func (s *Service) runSource(ctx context.Context, rs *runState, runID string, src fetch.Source) {
	log := s.log.With("run_id", runID, "source", src.ID)
	log.Info("pipeline: source started", "url", src.URL)

	for doc, err := range s.fetcher.Fetch(ctx, src) {
		if err != nil {
			rs.sourceFailed(src.ID, err)
			s.events.Log(ctx, events.Event{
				RunID:   runID,
				Stage:   events.StageFetch,
				Source:  src.ID,
				Outcome: events.OutcomeFailed,
				Detail:  err.Error(),
			})
			log.Error("pipeline: source fetch failed", "error", err)
			return
		}
		rs.found(src.ID)
		s.processDoc(ctx, rs, runID, src, doc)
		if ctx.Err() != nil {
			return
		}
	}
	log.Info("pipeline: source finished")
}

// processDoc drives one document through the ledger state machine:
// gate (aggregators) → check-and-mark → summarize → advance → enqueue.
// Delivery confirmation arrives later through the queue callbacks.
func (s *Service) processDoc(ctx context.Context, rs *runState, runID string, src fetch.Source, doc fetch.Document) {
	log := s.log.With("run_id", runID, "source", src.ID, "fingerprint", doc.Fingerprint)

	msg := deliver.Message{
		Fingerprint: doc.Fingerprint,
		SourceID:    src.ID,
		SourceName:  src.Name,
		Title:       doc.Title,
		URL:         doc.URL,
		Aggregator:  src.Aggregator,
	}
	if src.Aggregator && !s.gateAggregator(ctx, rs, runID, src, doc, &msg) {
		return
	}

	outcome, err := s.ledger.CheckAndMarkSeen(ctx, doc.Fingerprint,
		dedup.Meta{SourceID: src.ID, URL: doc.URL, Title: doc.Title})
	if err != nil {
		log.Error("pipeline: ledger check", "error", err)
		rs.failed()
		return
	}
	if outcome == dedup.OutcomeDuplicate {
		rec, err := s.ledger.Get(ctx, doc.Fingerprint)
		if err != nil || rec == nil || rec.Status != dedup.StatusSeen {
			s.events.Log(ctx, events.Event{
				RunID:       runID,
				Stage:       events.StageDedup,
				Fingerprint: doc.Fingerprint,
				Source:      src.ID,
				Outcome:     events.OutcomeDuplicate,
			})
			rs.duplicate()
			return
		}
		// Still seen: an interrupted run or a manual retry left the item
		// unfinished. Take it through the remaining stages again.
		log.Info("pipeline: resuming unfinished item", "url", doc.URL)
	} else {
		rs.markNew(src.ID)
		s.events.Log(ctx, events.Event{
			RunID:       runID,
			Stage:       events.StageDedup,
			Fingerprint: doc.Fingerprint,
			Source:      src.ID,
			Outcome:     events.OutcomeOK,
		})
	}

	art, err := s.summarizeDoc(ctx, runID, src, doc)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.failItem(ctx, rs, runID, events.StageSummarize, src, doc, err)
		return
	}
	msg.Summary = art.Summary
	rs.summarized()
	s.events.Log(ctx, events.Event{
		RunID:       runID,
		Stage:       events.StageSummarize,
		Fingerprint: doc.Fingerprint,
		Source:      src.ID,
		Outcome:     events.OutcomeOK,
		Detail:      art.Model,
	})

	if err := s.ledger.Advance(ctx, doc.Fingerprint, dedup.StatusSeen, dedup.StatusSummarized); err != nil {
		if errors.Is(err, dedup.ErrConflict) {
			// Another worker owns this fingerprint; let it finish.
			log.Warn("pipeline: advance lost to concurrent worker", "error", err)
			s.events.Log(ctx, events.Event{
				RunID:       runID,
				Stage:       events.StageSummarize,
				Fingerprint: doc.Fingerprint,
				Source:      src.ID,
				Outcome:     events.OutcomeConflict,
				Detail:      err.Error(),
			})
			return
		}
		log.Error("pipeline: advance to summarized", "error", err)
		rs.failed()
		return
	}

	if err := s.queue.Enqueue(ctx, msg, s.cfg.Destinations); err != nil {
		s.failItem(ctx, rs, runID, events.StageDeliver, src, doc, fmt.Errorf("enqueue: %w", err))
		return
	}
	rs.enqueued()
	s.events.Log(ctx, events.Event{
		RunID:       runID,
		Stage:       events.StageDeliver,
		Fingerprint: doc.Fingerprint,
		Source:      src.ID,
		Outcome:     events.OutcomeOK,
		Detail:      "enqueued",
	})
	log.Info("pipeline: item queued", "title", doc.Title, "destinations", len(s.cfg.Destinations))
}

// gateAggregator decides whether an aggregator item is worth keeping:
// similarity to recent official coverage first, topic keywords second.
// Rejected URLs go to the analyzed table so they are never scored again;
// accepted items get their correlation fields stamped onto msg.
func (s *Service) gateAggregator(ctx context.Context, rs *runState, runID string, src fetch.Source, doc fetch.Document, msg *deliver.Message) bool {
	log := s.log.With("run_id", runID, "source", src.ID, "url", doc.URL)

	analyzed, err := s.ledger.IsAnalyzed(ctx, doc.URL)
	if err != nil {
		log.Error("pipeline: analyzed lookup", "error", err)
		return false
	}
	if analyzed {
		rs.filtered()
		return false
	}

	cands, official, err := s.recentOfficial(ctx)
	if err != nil {
		log.Error("pipeline: recent ledger", "error", err)
		return false
	}
	verdict, err := s.matcher.Evaluate(ctx, doc.Title, cands)
	if err != nil {
		// Embedding hiccup. The URL stays unmarked so the next run
		// scores it properly.
		log.Warn("pipeline: correlation failed", "error", err)
		return false
	}

	switch verdict.Kind {
	case match.KindSimilar:
		rel := official[verdict.Index]
		if !rs.claimSource(rel.URL, verdict.Score) {
			s.markAnalyzed(ctx, doc.URL, log)
			s.events.Log(ctx, events.Event{
				RunID:       runID,
				Stage:       events.StageDedup,
				Fingerprint: doc.Fingerprint,
				Source:      src.ID,
				Outcome:     events.OutcomeSkipped,
				Detail:      "official story already matched: " + rel.URL,
			})
			rs.filtered()
			return false
		}
		msg.RelatedURL = rel.URL
		msg.RelatedTitle = rel.Title
		msg.Score = verdict.Score
		log.Info("pipeline: aggregator item correlated",
			"title", doc.Title, "related", rel.URL, "score", verdict.Score)
		return true
	case match.KindKeyword:
		msg.Keywords = verdict.Keywords
		log.Info("pipeline: aggregator item matched keywords",
			"title", doc.Title, "keywords", verdict.Keywords)
		return true
	default:
		s.markAnalyzed(ctx, doc.URL, log)
		s.events.Log(ctx, events.Event{
			RunID:       runID,
			Stage:       events.StageDedup,
			Fingerprint: doc.Fingerprint,
			Source:      src.ID,
			Outcome:     events.OutcomeSkipped,
			Detail:      "no correlation",
		})
		rs.filtered()
		return false
	}
}

// recentOfficial returns the correlation candidates: recent ledger
// records from non-aggregator sources, parallel to the records behind
// the returned candidate indices.
func (s *Service) recentOfficial(ctx context.Context) ([]match.Candidate, []*dedup.Record, error) {
	recs, err := s.ledger.Recent(ctx, s.cfg.RecentWindow)
	if err != nil {
		return nil, nil, err
	}
	var cands []match.Candidate
	var official []*dedup.Record
	for _, rec := range recs {
		if s.aggregator[rec.SourceID] {
			continue
		}
		official = append(official, rec)
		cands = append(cands, match.Candidate{Title: rec.Title})
	}
	return cands, official, nil
}

func (s *Service) markAnalyzed(ctx context.Context, url string, log *slog.Logger) {
	if err := s.ledger.MarkAnalyzed(ctx, url); err != nil {
		log.Error("pipeline: mark analyzed", "error", err)
	}
}

// summarizeDoc runs the engine against the document with the retry
// budget: queue-full and exhaustion errors wait out a doubling, jittered
// backoff and try again; inference and content errors fail immediately,
// retrying cannot fix those.
func (s *Service) summarizeDoc(ctx context.Context, runID string, src fetch.Source, doc fetch.Document) (*summarize.Artifact, error) {
	sdoc := summarize.Document{
		Fingerprint: doc.Fingerprint,
		SourceID:    src.ID,
		URL:         doc.URL,
		Title:       doc.Title,
		Text:        docText(doc),
	}

	var lastErr error
	for attempt := 0; attempt <= s.cfg.RetryBudget; attempt++ {
		if attempt > 0 {
			s.events.Log(ctx, events.Event{
				RunID:       runID,
				Stage:       events.StageSummarize,
				Fingerprint: doc.Fingerprint,
				Source:      src.ID,
				Outcome:     events.OutcomeRetried,
				Detail:      lastErr.Error(),
			})
			if !sleepCtx(ctx, backoffDelay(s.cfg.BackoffBase, attempt)) {
				return nil, ctx.Err()
			}
		}
		if _, err := s.ledger.IncAttempts(ctx, doc.Fingerprint); err != nil {
			s.log.Debug("pipeline: attempt count", "fingerprint", doc.Fingerprint, "error", err)
		}

		art, err := s.engine.Summarize(ctx, sdoc)
		if err == nil {
			return art, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, lastErr
		}
		if errors.Is(err, summarize.ErrInference) || errors.Is(err, summarize.ErrEmpty) {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("retry budget exhausted: %w", lastErr)
}

// docText picks the fullest text the fetcher produced for a document.
func docText(doc fetch.Document) string {
	if doc.RawContent != "" {
		return doc.RawContent
	}
	return doc.Snippet
}

// failItem records a per-document failure in the ledger, the event log
// and the report.
func (s *Service) failItem(ctx context.Context, rs *runState, runID, stage string, src fetch.Source, doc fetch.Document, cause error) {
	rs.failed()
	if err := s.ledger.MarkFailed(ctx, doc.Fingerprint, cause.Error()); err != nil {
		s.log.Error("pipeline: mark failed", "fingerprint", doc.Fingerprint, "error", err)
	}
	s.events.Log(ctx, events.Event{
		RunID:       runID,
		Stage:       stage,
		Fingerprint: doc.Fingerprint,
		Source:      src.ID,
		Outcome:     events.OutcomeFailed,
		Detail:      cause.Error(),
	})
	s.log.Warn("pipeline: item failed",
		"run_id", runID, "source", src.ID, "fingerprint", doc.Fingerprint,
		"url", doc.URL, "error", cause)
}

// sweepStranded fails summarized records whose delivery task vanished
// without a confirmation, the trace of a crash between the advance and
// the queue writes. The age guard keeps it clear of tasks in flight.
func (s *Service) sweepStranded(ctx context.Context, runID string) {
	fps, err := s.ledger.ListByStatus(ctx, dedup.StatusSummarized, s.cfg.StrandAfter)
	if err != nil {
		s.log.Warn("pipeline: stranded sweep", "error", err)
		return
	}
	if len(fps) == 0 {
		return
	}
	pending, err := s.queue.PendingFingerprints(ctx)
	if err != nil {
		s.log.Warn("pipeline: stranded sweep", "error", err)
		return
	}
	for _, fp := range fps {
		if pending[fp] {
			continue
		}
		if err := s.ledger.MarkFailed(ctx, fp, "delivery task lost"); err != nil {
			s.log.Error("pipeline: stranded mark failed", "fingerprint", fp, "error", err)
			continue
		}
		s.events.Log(ctx, events.Event{
			RunID:       runID,
			Stage:       events.StageDeliver,
			Fingerprint: fp,
			Outcome:     events.OutcomeFailed,
			Detail:      "delivery task lost",
		})
		s.log.Warn("pipeline: stranded summarized item failed", "fingerprint", fp)
	}
}

// housekeep bounds table growth after a run. Best-effort, like the event
// log itself.
func (s *Service) housekeep(ctx context.Context) {
	if n, err := s.ledger.PruneDelivered(ctx, s.cfg.KeepDelivered, keepDeliveredFloor); err != nil {
		s.log.Warn("pipeline: prune delivered", "error", err)
	} else if n > 0 {
		s.log.Info("pipeline: pruned delivered records", "count", n)
	}
	if n, err := s.ledger.PruneAnalyzed(ctx, s.cfg.AnalyzedCap); err != nil {
		s.log.Warn("pipeline: prune analyzed", "error", err)
	} else if n > 0 {
		s.log.Info("pipeline: pruned analyzed urls", "count", n)
	}
	if n, err := s.events.Prune(ctx, s.cfg.KeepEvents); err != nil {
		s.log.Warn("pipeline: prune events", "error", err)
	} else if n > 0 {
		s.log.Info("pipeline: pruned events", "count", n)
	}
}

// backoffDelay doubles base per extra attempt and adds up to half of it
// again as jitter, so retries from parallel sources spread out.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d + rand.N(d/2+1)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
