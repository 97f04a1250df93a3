package match

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Keywords is the topic filter: a list of words and phrases that make a
// news item worth delivering. Matching is inflection-tolerant, a phrase
// matches any grammatical case of its words.
type Keywords struct {
	topics []string
}

// NewKeywords builds a filter from raw topic strings. Entries are
// normalized; empty ones are dropped.
func NewKeywords(topics []string) *Keywords {
	k := &Keywords{topics: make([]string, 0, len(topics))}
	for _, t := range topics {
		if norm := Normalize(t); norm != "" {
			k.topics = append(k.topics, norm)
		}
	}
	return k
}

// LoadKeywords reads a YAML file with a top-level "topics" list.
func LoadKeywords(path string) (*Keywords, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("match: read keywords: %w", err)
	}
	var doc struct {
		Topics []string `yaml:"topics"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("match: parse keywords %s: %w", path, err)
	}
	return NewKeywords(doc.Topics), nil
}

// Len returns the number of loaded topics.
func (k *Keywords) Len() int { return len(k.topics) }

// Contains reports whether text mentions any topic. Single words match as
// substrings; multi-word phrases also match when every word of the phrase
// appears in order with matching stems ("скорая помощь" matches "скорой
// помощи").
func (k *Keywords) Contains(text string) bool {
	norm := Normalize(text)
	if norm == "" {
		return false
	}
	words := strings.Fields(norm)
	for _, kw := range k.topics {
		if hit(norm, words, kw) {
			return true
		}
	}
	return false
}

// Matching returns every topic text mentions, normalized, in filter
// order. An empty result means the filter rejects the text.
func (k *Keywords) Matching(text string) []string {
	norm := Normalize(text)
	if norm == "" {
		return nil
	}
	words := strings.Fields(norm)
	var out []string
	for _, kw := range k.topics {
		if hit(norm, words, kw) {
			out = append(out, kw)
		}
	}
	return out
}

func hit(norm string, words []string, kw string) bool {
	if strings.Contains(norm, kw) {
		return true
	}
	kwWords := strings.Fields(kw)
	return len(kwWords) > 1 && matchPhrase(words, kwWords)
}

// PhraseInBoth reports whether the same topic occurs in both titles:
// phrases as substrings, single words as whole words. Used as duplicate
// evidence when two titles share a narrow subject.
func (k *Keywords) PhraseInBoth(a, b string) bool {
	normA := " " + Normalize(a) + " "
	normB := " " + Normalize(b) + " "
	for _, kw := range k.topics {
		if strings.Contains(kw, " ") {
			if strings.Contains(normA, kw) && strings.Contains(normB, kw) {
				return true
			}
			continue
		}
		word := " " + kw + " "
		if strings.Contains(normA, word) && strings.Contains(normB, word) {
			return true
		}
	}
	return false
}

// matchPhrase reports whether kwWords occur consecutively in words with
// each word matching by stem prefix.
func matchPhrase(words, kwWords []string) bool {
	if len(kwWords) > len(words) {
		return false
	}
	for i := 0; i <= len(words)-len(kwWords); i++ {
		ok := true
		for j, kw := range kwWords {
			if !strings.HasPrefix(words[i+j], stem(kw)) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}
