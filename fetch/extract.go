package fetch

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Item is one listing entry before its article page is fetched.
type Item struct {
	URL     string
	Title   string
	Snippet string
}

// extractItems parses a rendered listing and returns up to maxItems
// entries, trying each selector set in order until one matches. Links
// resolve and normalize against baseURL; duplicate URLs within the page
// collapse to the first occurrence.
func extractItems(html, baseURL string, sets []SelectorSet, maxItems int) ([]Item, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("fetch: parse listing: %w", err)
	}
	for _, set := range sets {
		if items := itemsFromSet(doc, baseURL, set, maxItems); len(items) > 0 {
			return items, nil
		}
	}
	return nil, ErrNoItems
}

func itemsFromSet(doc *goquery.Document, baseURL string, set SelectorSet, maxItems int) []Item {
	var items []Item
	seen := make(map[string]struct{})

	doc.Find(set.Item).EachWithBreak(func(_ int, card *goquery.Selection) bool {
		link := card.Find(set.Link).First()
		href, ok := link.Attr("href")
		if !ok {
			return true
		}
		normalized, err := NormalizeURL(href, baseURL)
		if err != nil {
			return true
		}
		if _, dup := seen[normalized]; dup {
			return true
		}

		title := flatText(link)
		if set.Title != "" {
			title = flatText(card.Find(set.Title).First())
		}
		if title == "" {
			return true
		}

		seen[normalized] = struct{}{}
		item := Item{URL: normalized, Title: title}
		if set.Snippet != "" {
			item.Snippet = flatText(card.Find(set.Snippet).First())
		}
		items = append(items, item)
		return len(items) < maxItems
	})

	return items
}

// flatText returns the selection's text with whitespace collapsed.
func flatText(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}
