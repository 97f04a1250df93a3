// Package fetch turns configured news listings into lazy document
// sequences. A sequence renders the listing in a managed browser page,
// extracts up to MaxItems entries via selector profiles, then yields one
// Document per entry, fetching item pages on demand. Consumers may stop
// early; the browser page closes when iteration ends either way.
package fetch

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"

	"github.com/hazyhaar/vestnik/browser"
	"github.com/hazyhaar/vestnik/netsafe"
)

// Document is one fetched news item, immutable once produced.
type Document struct {
	SourceID    string    `json:"source_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Snippet     string    `json:"snippet,omitempty"`
	RawContent  string    `json:"raw_content,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
	Fingerprint string    `json:"fingerprint"`
}

// Config configures a Fetcher.
type Config struct {
	// UserAgent sent on plain-HTTP requests (PDF downloads).
	UserAgent string `json:"user_agent" yaml:"user_agent"`

	// HTTPTimeout bounds plain-HTTP requests. Default: 30s.
	HTTPTimeout time.Duration `json:"http_timeout" yaml:"http_timeout"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.UserAgent == "" {
		c.UserAgent = "vestnik/1.0"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Fetcher produces document sequences from sources.
type Fetcher struct {
	cfg    Config
	mgr    *browser.Manager
	http   *http.Client
	md     *converter.Converter
	logger *slog.Logger
}

// New creates a Fetcher on top of a browser manager. The plain-HTTP
// client re-validates every redirect hop against the SSRF rules.
func New(mgr *browser.Manager, cfg Config) *Fetcher {
	cfg.defaults()
	return &Fetcher{
		cfg: cfg,
		mgr: mgr,
		http: &http.Client{
			Timeout: cfg.HTTPTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := netsafe.CheckURL(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
		logger: cfg.Logger,
	}
}

// Fetch returns a lazy, finite sequence of documents from one source.
// The entry listing loads on first pull; a listing failure yields a
// single terminal error element wrapping ErrEntryFetch. Item pages that
// fail are logged and skipped without aborting the rest. Breaking out of
// the loop closes the underlying browser page immediately.
func (f *Fetcher) Fetch(ctx context.Context, src Source) iter.Seq2[Document, error] {
	src.defaults()
	return func(yield func(Document, error) bool) {
		if err := netsafe.CheckURL(src.URL); err != nil {
			yield(Document{}, fmt.Errorf("%w: %s: %v", ErrEntryFetch, src.URL, err))
			return
		}

		page, err := browser.Open(ctx, f.mgr, src.URL)
		if err != nil {
			yield(Document{}, fmt.Errorf("%w: %s: %v", ErrEntryFetch, src.URL, err))
			return
		}
		defer page.Close()

		html, err := browser.HTML(ctx, page)
		if err != nil {
			yield(Document{}, fmt.Errorf("%w: %s: %v", ErrEntryFetch, src.URL, err))
			return
		}

		items, err := extractItems(html, baseOf(src.URL), src.selectorSets(), src.MaxItems)
		if err != nil {
			yield(Document{}, fmt.Errorf("%w (source %s)", err, src.ID))
			return
		}
		f.logger.Debug("fetch: listing extracted", "source", src.ID, "items", len(items))

		for _, item := range items {
			if ctx.Err() != nil {
				yield(Document{}, ctx.Err())
				return
			}
			doc, err := f.document(ctx, src, item)
			if err != nil {
				f.logger.Warn("fetch: item skipped", "source", src.ID, "url", item.URL, "error", err)
				continue
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// document builds one Document from a listing item, fetching the item's
// own page when the source asks for article bodies. The per-page timeout
// is independent of the sequence's context.
func (f *Fetcher) document(ctx context.Context, src Source, item Item) (Document, error) {
	content := item.Snippet

	if src.Articles {
		itemCtx, cancel := context.WithTimeout(ctx, src.PageTimeout)
		body, err := f.articleContent(itemCtx, item.URL)
		cancel()
		switch {
		case err != nil && content == "":
			return Document{}, err
		case err != nil:
			// Snippet-only beats dropping the item.
			f.logger.Debug("fetch: article body unavailable, using snippet",
				"url", item.URL, "error", err)
		default:
			content = body
		}
	}

	return Document{
		SourceID:    src.ID,
		URL:         item.URL,
		Title:       item.Title,
		Snippet:     item.Snippet,
		RawContent:  content,
		FetchedAt:   time.Now().UTC(),
		Fingerprint: Fingerprint(item.Title, content),
	}, nil
}

// baseOf reduces a listing URL to scheme://host for resolving relative
// links.
func baseOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
