// Package summarize wraps the single local model runtime behind a
// serialized call interface. The process owns exactly one model slot;
// concurrent callers pass through a bounded admission queue and then take
// the slot one at a time, so fan-in can never exceed the runtime's fixed
// memory budget. Identical input produces identical output: truncation is
// deterministic and inference runs at temperature zero.
//
// With no endpoint configured the engine runs in extractive mode (leading
// sentences), which keeps the pipeline and its tests hermetic.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Document is the summarizer's view of a fetched article.
type Document struct {
	Fingerprint string
	SourceID    string
	URL         string
	Title       string
	Text        string
}

// Artifact is the condensed output for one document.
type Artifact struct {
	Fingerprint string    `json:"fingerprint"`
	SourceID    string    `json:"source_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	Model       string    `json:"model"`
	ProducedAt  time.Time `json:"produced_at"`
}

// Config configures the engine.
type Config struct {
	// BaseURL is the OpenAI-compatible endpoint of the local model server
	// (e.g. "http://localhost:8080/v1"). Empty selects extractive mode.
	BaseURL string `json:"base_url" yaml:"base_url"`

	// APIKey is sent as the bearer token. Local servers usually ignore it.
	APIKey string `json:"api_key" yaml:"api_key"`

	// Model is the model name sent in requests.
	Model string `json:"model" yaml:"model"`

	// QueueDepth bounds how many callers may wait for the slot. Default: 8.
	QueueDepth int `json:"queue_depth" yaml:"queue_depth"`

	// BatchSize caps texts per embedding request. Default: 16.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// MaxInputRunes truncates longer documents before inference.
	// Default: 6000.
	MaxInputRunes int `json:"max_input_runes" yaml:"max_input_runes"`

	// MaxSummaryRunes caps the stored summary. Default: 1200.
	MaxSummaryRunes int `json:"max_summary_runes" yaml:"max_summary_runes"`

	// Timeout per inference call. Default: 120s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = "qwen2.5-7b-instruct"
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.MaxInputRunes <= 0 {
		c.MaxInputRunes = 6000
	}
	if c.MaxSummaryRunes <= 0 {
		c.MaxSummaryRunes = 1200
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine serializes access to the model runtime.
type Engine struct {
	cfg    Config
	client modelClient
	queue  chan struct{} // admission tokens, cap = QueueDepth
	slot   chan struct{} // the model, cap = 1
	closed atomic.Bool
	logger *slog.Logger
}

// New creates the process's Engine. Callers construct exactly one and share
// it; the model runtime has no other caller.
func New(cfg Config) *Engine {
	cfg.defaults()
	e := &Engine{
		cfg:    cfg,
		queue:  make(chan struct{}, cfg.QueueDepth),
		slot:   make(chan struct{}, 1),
		logger: cfg.Logger,
	}
	if cfg.BaseURL == "" {
		e.client = &extractiveClient{sentences: 3}
		e.logger.Info("summarize: extractive mode, no model endpoint configured")
	} else {
		e.client = newOpenAIModel(cfg)
		e.logger.Info("summarize: model runtime attached",
			"base_url", cfg.BaseURL, "model", cfg.Model, "temperature", 0)
	}
	return e
}

// Model returns the configured model name.
func (e *Engine) Model() string { return e.cfg.Model }

// Summarize condenses one document. Concurrent calls are serialized on the
// single slot; when the admission queue is already full the call fails fast
// with ErrBusy instead of queueing unboundedly.
func (e *Engine) Summarize(ctx context.Context, doc Document) (*Artifact, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if strings.TrimSpace(doc.Text) == "" && strings.TrimSpace(doc.Title) == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, doc.URL)
	}

	release, err := e.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	text := Truncate(doc.Text, e.cfg.MaxInputRunes)
	if text == "" {
		text = doc.Title
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	summary, err := e.client.summarize(callCtx, doc.Title, text)
	if err != nil {
		return nil, err
	}
	summary = Truncate(strings.TrimSpace(summary), e.cfg.MaxSummaryRunes)
	if summary == "" {
		return nil, fmt.Errorf("%w: empty completion for %s", ErrInference, doc.URL)
	}

	e.logger.Debug("summarize: produced artifact",
		"fingerprint", doc.Fingerprint, "source", doc.SourceID,
		"input_runes", len([]rune(text)), "duration_ms", time.Since(start).Milliseconds())

	return &Artifact{
		Fingerprint: doc.Fingerprint,
		SourceID:    doc.SourceID,
		URL:         doc.URL,
		Title:       doc.Title,
		Summary:     summary,
		Model:       e.cfg.Model,
		ProducedAt:  time.Now().UTC(),
	}, nil
}

// Embed returns one vector per text, in input order, micro-batched up to
// BatchSize per request. Shares the model slot with Summarize.
func (e *Engine) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if len(texts) == 0 {
		return nil, nil
	}

	release, err := e.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(texts))
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		vecs, err := e.client.embed(callCtx, texts[start:end])
		cancel()
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrInference, len(vecs), end-start)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Close marks the engine closed. In-flight calls finish on their own
// deadlines; new calls fail with ErrClosed.
func (e *Engine) Close() {
	e.closed.Store(true)
}

// admit takes an admission token and then the model slot; the returned
// function releases both. Token release order is the inverse of
// acquisition so the queue drains before the slot frees.
func (e *Engine) admit(ctx context.Context) (func(), error) {
	select {
	case e.queue <- struct{}{}:
	default:
		return nil, ErrBusy
	}

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		<-e.queue
		return nil, fmt.Errorf("%w: %w", ErrExhausted, ctx.Err())
	}

	return func() {
		<-e.slot
		<-e.queue
	}, nil
}
