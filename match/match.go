// Package match decides whether two news items cover the same story.
// Aggregator feeds repeat city news hours after the primary source; URL
// fingerprints never catch those, so the pipeline scores semantic
// similarity instead: cosine over sentence embeddings, raised by a small
// bonus when titles share rare word stems or a configured topic phrase.
//
// The package also hosts the topic filter (Keywords) that gates which
// aggregator items are worth delivering at all.
package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
)

// DefaultThreshold is the similarity score at which two titles are
// treated as the same story.
const DefaultThreshold = 0.79

// ErrNoEmbedder is returned by similarity scoring on a Matcher built
// without an embedder. Evaluate never returns it: without an embedder it
// degrades to keyword-only filtering.
var ErrNoEmbedder = errors.New("match: no embedder configured")

// Embedder produces one vector per input text, in input order.
// *summarize.Engine satisfies this, so similarity shares the single
// model slot with summarization.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Candidate is a previously delivered item a new title is compared
// against.
type Candidate struct {
	Title   string
	Snippet string
}

// Config configures a Matcher.
type Config struct {
	// Threshold above which Similar reports true. Default: 0.79.
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// Kind classifies how an aggregator item relates to existing coverage.
type Kind string

const (
	KindSimilar Kind = "similar" // retells a recent official story
	KindKeyword Kind = "keyword" // no story matched, but the topic filter did
	KindNone    Kind = "none"    // off-topic, skip it
)

// Match is Evaluate's verdict on one aggregator item.
type Match struct {
	Kind Kind

	// Score and Index identify the best official candidate when Kind is
	// KindSimilar. Index is -1 otherwise.
	Score float64
	Index int

	// Keywords lists the matched topics when Kind is KindKeyword.
	Keywords []string
}

// Matcher scores story similarity between titles.
type Matcher struct {
	keywords  *Keywords
	embed     Embedder
	threshold float64
	logger    *slog.Logger
}

// New builds a Matcher. keywords may be empty but not nil. embed may be
// nil when no embedding model is available; Score and BestMatch then
// fail with ErrNoEmbedder and Evaluate filters by keywords alone.
func New(keywords *Keywords, embed Embedder, cfg Config) *Matcher {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Matcher{
		keywords:  keywords,
		embed:     embed,
		threshold: cfg.Threshold,
		logger:    cfg.Logger,
	}
}

// Threshold returns the configured similarity threshold.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Keywords returns the topic filter the matcher was built with.
func (m *Matcher) Keywords() *Keywords { return m.keywords }

// Score rates how likely title and c describe the same story, in [0, 1].
// The base is the average cosine between the title and the candidate's
// title and title-plus-snippet embeddings; shared word stems or a shared
// topic phrase add a bonus before capping at 1.
func (m *Matcher) Score(ctx context.Context, title string, c Candidate) (float64, error) {
	if m.embed == nil {
		return 0, ErrNoEmbedder
	}
	texts := []string{title, c.Title}
	if c.Snippet != "" {
		texts = append(texts, c.Title+". "+c.Snippet)
	}
	vecs, err := m.embed.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("match: embed titles: %w", err)
	}
	tsVec := vecs[1]
	if c.Snippet != "" {
		tsVec = vecs[2]
	}
	return m.scoreVecs(title, c, vecs[0], vecs[1], tsVec), nil
}

// Similar reports whether Score clears the threshold.
func (m *Matcher) Similar(ctx context.Context, title string, c Candidate) (bool, float64, error) {
	score, err := m.Score(ctx, title, c)
	if err != nil {
		return false, 0, err
	}
	return score >= m.threshold, score, nil
}

// BestMatch scores title against every candidate in one embedding pass
// and returns the index and score of the best one, or (-1, 0) for an
// empty candidate list.
func (m *Matcher) BestMatch(ctx context.Context, title string, cands []Candidate) (int, float64, error) {
	if len(cands) == 0 {
		return -1, 0, nil
	}
	if m.embed == nil {
		return -1, 0, ErrNoEmbedder
	}

	texts := []string{title}
	// offsets[i] is where candidate i's texts start; width 2 when a
	// snippet adds a combined text, 1 otherwise.
	offsets := make([]int, len(cands))
	for i, c := range cands {
		offsets[i] = len(texts)
		texts = append(texts, c.Title)
		if c.Snippet != "" {
			texts = append(texts, c.Title+". "+c.Snippet)
		}
	}
	vecs, err := m.embed.Embed(ctx, texts)
	if err != nil {
		return -1, 0, fmt.Errorf("match: embed candidates: %w", err)
	}

	best, bestScore := -1, 0.0
	for i, c := range cands {
		titleVec := vecs[offsets[i]]
		tsVec := titleVec
		if c.Snippet != "" {
			tsVec = vecs[offsets[i]+1]
		}
		score := m.scoreVecs(title, c, vecs[0], titleVec, tsVec)
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best, bestScore, nil
}

// Evaluate classifies title against recent official coverage. Semantic
// similarity decides first; the keyword filter applies only when no
// story clears the threshold, so a retold story keeps its link to the
// original even when it also mentions a watched topic. An embedding
// failure aborts with the error so the caller can rescore the item later
// instead of misfiling it as a keyword hit.
func (m *Matcher) Evaluate(ctx context.Context, title string, recent []Candidate) (Match, error) {
	if m.embed != nil && len(recent) > 0 {
		idx, score, err := m.BestMatch(ctx, title, recent)
		if err != nil {
			return Match{Kind: KindNone, Index: -1}, err
		}
		if idx >= 0 && score >= m.threshold {
			return Match{Kind: KindSimilar, Score: score, Index: idx}, nil
		}
	}
	if kws := m.keywords.Matching(title); len(kws) > 0 {
		return Match{Kind: KindKeyword, Index: -1, Keywords: kws}, nil
	}
	return Match{Kind: KindNone, Index: -1}, nil
}

func (m *Matcher) scoreVecs(title string, c Candidate, base, titleVec, tsVec []float32) float64 {
	scoreTitle := Cosine(base, titleVec)
	scoreTS := Cosine(base, tsVec)
	avg := (scoreTitle + scoreTS) / 2

	common := CommonWords(title, c.Title)
	bonus := 0.0
	switch {
	case common >= 3 && avg >= 0.7:
		bonus = 0.10
	case common >= 3:
		bonus = 0.15
	case m.keywords.PhraseInBoth(title, c.Title):
		bonus = 0.15
	}
	final := math.Min(avg*(1+bonus), 1.0)

	m.logger.Debug("match: scored pair",
		"title", scoreTitle, "title_snippet", scoreTS,
		"common_words", common, "bonus", bonus, "final", final)
	return final
}
