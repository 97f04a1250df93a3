// Package pipeline coordinates the full ingestion cycle: fetch every
// enabled source, dedup against the ledger, summarize what is new, queue
// it for delivery and confirm the outcome back into the ledger.
//
// One Service runs per process. Runs never overlap: RunOnce holds a
// try-lock and a concurrent caller gets ErrBusy. Inside a run each
// document is isolated: a bad item is marked in the ledger and logged,
// never allowed to stop the backlog.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/vestnik/dedup"
	"github.com/hazyhaar/vestnik/deliver"
	"github.com/hazyhaar/vestnik/events"
	"github.com/hazyhaar/vestnik/fetch"
	"github.com/hazyhaar/vestnik/match"
	"github.com/hazyhaar/vestnik/summarize"
)

// ErrBusy is returned by RunOnce while another run is in progress.
var ErrBusy = errors.New("pipeline: run already in progress")

// Fetcher produces the lazy document sequence for one source.
// *fetch.Fetcher is the production implementation.
type Fetcher interface {
	Fetch(ctx context.Context, src fetch.Source) iter.Seq2[fetch.Document, error]
}

// Summarizer condenses one document into an artifact.
// *summarize.Engine is the production implementation.
type Summarizer interface {
	Summarize(ctx context.Context, doc summarize.Document) (*summarize.Artifact, error)
}

// Config configures a Service.
type Config struct {
	// Destinations are the chat IDs every accepted item is queued for.
	Destinations []string `json:"destinations" yaml:"destinations"`

	// RetryBudget is how many extra summarization attempts a document
	// gets after the first one fails retryably. Default: 2.
	RetryBudget int `json:"retry_budget" yaml:"retry_budget"`

	// BackoffBase seeds the doubling, jittered wait between those
	// attempts. Default: 2s.
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`

	// FetchParallelism bounds concurrent source fetches. Default: 2.
	FetchParallelism int `json:"fetch_parallelism" yaml:"fetch_parallelism"`

	// RecentWindow is how many recent ledger records aggregator items
	// are correlated against. Default: 50.
	RecentWindow int `json:"recent_window" yaml:"recent_window"`

	// AnalyzedCap bounds the analyzed-URL side table. Default: 5000.
	AnalyzedCap int `json:"analyzed_cap" yaml:"analyzed_cap"`

	// Timezone anchors the day window. Default: Europe/Moscow.
	Timezone string `json:"timezone" yaml:"timezone"`

	// DayStart and DayEnd bound the day window as local hours
	// [DayStart, DayEnd). Defaults: 6 and 22.
	DayStart int `json:"day_start" yaml:"day_start"`
	DayEnd   int `json:"day_end" yaml:"day_end"`

	// DayMin..DayMax is the wait between runs inside the day window,
	// NightMin..NightMax outside it. A uniform value from the range is
	// drawn before every run so polling never looks mechanical.
	// Defaults: 4–6 min and 30–60 min.
	DayMin   time.Duration `json:"day_min" yaml:"day_min"`
	DayMax   time.Duration `json:"day_max" yaml:"day_max"`
	NightMin time.Duration `json:"night_min" yaml:"night_min"`
	NightMax time.Duration `json:"night_max" yaml:"night_max"`

	// ErrorPause delays the schedule after a failed run. Default: 1m.
	ErrorPause time.Duration `json:"error_pause" yaml:"error_pause"`

	// KeepDelivered prunes delivered ledger records older than this
	// after each run, always keeping the newest 500. Default: 168h.
	KeepDelivered time.Duration `json:"keep_delivered" yaml:"keep_delivered"`

	// KeepEvents prunes stage events older than this. Default: 720h.
	KeepEvents time.Duration `json:"keep_events" yaml:"keep_events"`

	// StrandAfter is the age at which a summarized record with no queued
	// task left is considered lost and marked failed. Default: 10m.
	StrandAfter time.Duration `json:"strand_after" yaml:"strand_after"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.RetryBudget <= 0 {
		c.RetryBudget = 2
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.FetchParallelism <= 0 {
		c.FetchParallelism = 2
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 50
	}
	if c.AnalyzedCap <= 0 {
		c.AnalyzedCap = 5000
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Moscow"
	}
	if c.DayStart <= 0 {
		c.DayStart = 6
	}
	if c.DayEnd <= 0 {
		c.DayEnd = 22
	}
	if c.DayMin <= 0 {
		c.DayMin = 4 * time.Minute
	}
	if c.DayMax <= 0 {
		c.DayMax = 6 * time.Minute
	}
	if c.NightMin <= 0 {
		c.NightMin = 30 * time.Minute
	}
	if c.NightMax <= 0 {
		c.NightMax = 60 * time.Minute
	}
	if c.ErrorPause <= 0 {
		c.ErrorPause = time.Minute
	}
	if c.KeepDelivered <= 0 {
		c.KeepDelivered = 7 * 24 * time.Hour
	}
	if c.KeepEvents <= 0 {
		c.KeepEvents = 30 * 24 * time.Hour
	}
	if c.StrandAfter <= 0 {
		c.StrandAfter = 10 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Deps are the subsystems a Service coordinates. DB also carries the
// ledger, queue and event tables; New applies their schemas.
type Deps struct {
	DB      *sql.DB
	Fetcher Fetcher
	Sources []fetch.Source
	Engine  Summarizer

	// Matcher gates aggregator sources. nil means keyword-less,
	// embedder-less matching, which rejects every aggregator item.
	Matcher *match.Matcher

	// Sender delivers queued messages.
	Sender deliver.Sender

	// Queue tunes the delivery queue. Its OnDelivered and OnFailed
	// callbacks belong to the Service and must be left nil.
	Queue deliver.Config
}

// Service is the orchestrator.
type Service struct {
	cfg        Config
	fetcher    Fetcher
	sources    []fetch.Source
	aggregator map[string]bool
	engine     Summarizer
	matcher    *match.Matcher
	ledger     *dedup.Store
	queue      *deliver.Queue
	events     *events.Logger
	loc        *time.Location
	log        *slog.Logger

	runMu sync.Mutex // held for the duration of one run

	mu         sync.Mutex // guards the snapshot below
	running    bool
	lastReport *Report
	nextRun    time.Time
}

// New builds a Service and applies the ledger, queue and event schemas
// on deps.DB.
func New(deps Deps, cfg Config) (*Service, error) {
	cfg.defaults()
	switch {
	case deps.DB == nil:
		return nil, errors.New("pipeline: nil DB")
	case deps.Fetcher == nil:
		return nil, errors.New("pipeline: nil Fetcher")
	case deps.Engine == nil:
		return nil, errors.New("pipeline: nil Engine")
	case deps.Sender == nil:
		return nil, errors.New("pipeline: nil Sender")
	case deps.Queue.OnDelivered != nil || deps.Queue.OnFailed != nil:
		return nil, errors.New("pipeline: queue callbacks are owned by the service")
	}
	for _, init := range []func(*sql.DB) error{dedup.Init, deliver.Init, events.Init} {
		if err := init(deps.DB); err != nil {
			return nil, fmt.Errorf("pipeline: apply schema: %w", err)
		}
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("pipeline: timezone %q: %w", cfg.Timezone, err)
	}
	matcher := deps.Matcher
	if matcher == nil {
		matcher = match.New(match.NewKeywords(nil), nil, match.Config{Logger: cfg.Logger})
	}

	s := &Service{
		cfg:        cfg,
		fetcher:    deps.Fetcher,
		sources:    deps.Sources,
		aggregator: make(map[string]bool),
		engine:     deps.Engine,
		matcher:    matcher,
		ledger:     dedup.NewStore(deps.DB),
		events:     events.NewLogger(deps.DB),
		loc:        loc,
		log:        cfg.Logger,
	}
	for _, src := range deps.Sources {
		if src.Aggregator {
			s.aggregator[src.ID] = true
		}
	}

	qcfg := deps.Queue
	if qcfg.Logger == nil {
		qcfg.Logger = cfg.Logger
	}
	qcfg.OnDelivered = s.onDelivered
	qcfg.OnFailed = s.onFailed
	s.queue = deliver.New(deps.DB, deps.Sender, qcfg)
	return s, nil
}

// Retry resets a failed fingerprint to seen so the next run takes it
// through the stages again. Manual operation, exposed on the control
// surface.
func (s *Service) Retry(ctx context.Context, fingerprint string) error {
	if err := s.ledger.Reset(ctx, fingerprint); err != nil {
		return err
	}
	s.events.Log(ctx, events.Event{
		Stage:       events.StageDedup,
		Fingerprint: fingerprint,
		Outcome:     events.OutcomeRetried,
		Detail:      "manual reset",
	})
	s.log.Info("pipeline: fingerprint reset", "fingerprint", fingerprint)
	return nil
}

// Recent returns the most recently updated ledger records.
func (s *Service) Recent(ctx context.Context, limit int) ([]*dedup.Record, error) {
	return s.ledger.Recent(ctx, limit)
}

// Status is a point-in-time view of the service.
type Status struct {
	Running bool                   `json:"running"`
	LastRun *Report                `json:"last_run,omitempty"`
	NextRun time.Time              `json:"next_run"`
	Ledger  map[dedup.Status]int64 `json:"ledger"`
	Queue   map[string]int         `json:"queue"`
}

// Status snapshots the run state, ledger counts and queue depths.
func (s *Service) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{Running: s.running, LastRun: s.lastReport, NextRun: s.nextRun}
	s.mu.Unlock()

	counts, err := s.ledger.CountByStatus(ctx)
	if err != nil {
		s.log.Warn("pipeline: status ledger counts", "error", err)
	}
	st.Ledger = counts
	pending, err := s.queue.Pending(ctx)
	if err != nil {
		s.log.Warn("pipeline: status queue depths", "error", err)
	}
	st.Queue = pending
	return st
}

// Events exposes the stage-event log for the control surface.
func (s *Service) Events() *events.Logger { return s.events }

// onDelivered confirms a send back into the ledger. It runs on a queue
// worker goroutine after the task is already gone, so it uses its own
// short context instead of the worker's.
func (s *Service) onDelivered(fingerprint, destination string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.ledger.Advance(ctx, fingerprint, dedup.StatusSummarized, dedup.StatusDelivered)
	switch {
	case err == nil:
		s.events.Log(ctx, events.Event{
			Stage:       events.StageDeliver,
			Fingerprint: fingerprint,
			Outcome:     events.OutcomeOK,
			Detail:      destination,
		})
	case errors.Is(err, dedup.ErrConflict):
		var conflict *dedup.ConflictError
		if errors.As(err, &conflict) && conflict.Actual == dedup.StatusDelivered {
			// A second destination confirmed first.
			return
		}
		s.log.Warn("pipeline: delivery confirm conflict",
			"fingerprint", fingerprint, "destination", destination, "error", err)
		s.events.Log(ctx, events.Event{
			Stage:       events.StageDeliver,
			Fingerprint: fingerprint,
			Outcome:     events.OutcomeConflict,
			Detail:      err.Error(),
		})
	default:
		s.log.Error("pipeline: delivery confirm",
			"fingerprint", fingerprint, "destination", destination, "error", err)
	}
}

// onFailed marks a dropped task's fingerprint failed. MarkFailed leaves
// delivered records alone, so one dead destination cannot demote an item
// another destination already received.
func (s *Service) onFailed(fingerprint, destination string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.ledger.MarkFailed(ctx, fingerprint, cause.Error()); err != nil {
		s.log.Error("pipeline: mark failed",
			"fingerprint", fingerprint, "destination", destination, "error", err)
		return
	}
	s.events.Log(ctx, events.Event{
		Stage:       events.StageDeliver,
		Fingerprint: fingerprint,
		Outcome:     events.OutcomeFailed,
		Detail:      destination + ": " + cause.Error(),
	})
}

func (s *Service) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

func (s *Service) finishRun(report *Report) {
	s.mu.Lock()
	s.running = false
	s.lastReport = report
	s.mu.Unlock()
}

func (s *Service) setNextRun(t time.Time) {
	s.mu.Lock()
	s.nextRun = t
	s.mu.Unlock()
}
