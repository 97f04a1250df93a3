package fetch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SelectorSet describes how to pull items out of a rendered listing.
// An empty Title means the link's own text is the title.
type SelectorSet struct {
	Item    string `json:"item" yaml:"item"`
	Link    string `json:"link" yaml:"link"`
	Title   string `json:"title" yaml:"title"`
	Snippet string `json:"snippet" yaml:"snippet"`
}

// Source describes one news listing to poll.
type Source struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	URL     string `json:"url" yaml:"url"`
	Profile string `json:"profile" yaml:"profile"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	// MaxItems caps items taken from one listing page. Default: 20.
	MaxItems int `json:"max_items" yaml:"max_items"`

	// PageTimeout bounds each item page fetch independently of the rest
	// of the sequence. Default: 45s.
	PageTimeout time.Duration `json:"page_timeout" yaml:"page_timeout"`

	// Articles enables fetching each item's own page for body text.
	// Off, the snippet from the listing is the document content.
	Articles bool `json:"articles" yaml:"articles"`

	// Aggregator marks a source that repeats other outlets' coverage.
	// Items from it are correlated against recent official items and
	// topic keywords instead of being delivered outright.
	Aggregator bool `json:"aggregator" yaml:"aggregator"`

	// Selectors overrides the profile's selector sets entirely.
	Selectors *SelectorSet `json:"selectors" yaml:"selectors"`
}

func (s *Source) defaults() {
	if s.MaxItems <= 0 {
		s.MaxItems = 20
	}
	if s.PageTimeout <= 0 {
		s.PageTimeout = 45 * time.Second
	}
}

// profiles maps a profile name to selector sets tried in order. The two
// mos.ru layouts cross-reference each other because departmental pages
// flip between them without notice.
var profiles = map[string][]SelectorSet{
	"mosru-newsfeed": {
		{Item: `div[class^="sc-"] ul li`, Link: `a[href][target]`, Title: `h5[class*="Heading-Text"]`, Snippet: `p[class*="Paragraph-Text"]`},
		{Item: "li.mos-oiv-news-page-list__item", Link: "a.mos-oiv-news-page__link", Snippet: "p.mos-oiv-news-page__text"},
	},
	"mosru-oiv": {
		{Item: "li.mos-oiv-news-page-list__item", Link: "a.mos-oiv-news-page__link", Snippet: "p.mos-oiv-news-page__text"},
		{Item: `div[class^="sc-"] ul li`, Link: `a[href][target]`, Title: `h5[class*="Heading-Text"]`, Snippet: `p[class*="Paragraph-Text"]`},
	},
	"dzen": {
		{Item: `div[data-testid="news-item"]`, Link: "a[href]", Title: `p[class*="card-top-avatar__text"]`},
	},
}

// selectorSets returns the selector sets to try for this source.
func (s *Source) selectorSets() []SelectorSet {
	if s.Selectors != nil {
		return []SelectorSet{*s.Selectors}
	}
	return profiles[s.Profile]
}

// LoadSources reads a YAML file with a top-level "sources" list and
// returns all entries, enabled or not.
func LoadSources(path string) ([]Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fetch: read sources: %w", err)
	}
	var doc struct {
		Sources []Source `yaml:"sources"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("fetch: parse sources %s: %w", path, err)
	}
	for i := range doc.Sources {
		s := &doc.Sources[i]
		if s.ID == "" {
			return nil, fmt.Errorf("fetch: source %d has no id", i)
		}
		if s.URL == "" {
			return nil, fmt.Errorf("fetch: source %q has no url", s.ID)
		}
		if s.Selectors == nil && len(profiles[s.Profile]) == 0 {
			return nil, fmt.Errorf("fetch: source %q has unknown profile %q and no selectors", s.ID, s.Profile)
		}
		s.defaults()
	}
	return doc.Sources, nil
}
