package fetch

import (
	"strings"
	"testing"
)

const articleHTML = `<html><head><title>страница</title>
<script>window.dataLayer = [];</script>
</head><body>
<nav><a href="/">Главная</a></nav>
<article>
  <h1>Трамвай вернулся на Шаболовку</h1>
  <p>Движение восстановили после <b>полугода</b> ремонта.</p>
  <p>Линию обслуживают новые вагоны.</p>
  <script>alert("tracking")</script>
</article>
<footer>© mos.ru</footer>
</body></html>`

func TestArticleMarkdown(t *testing.T) {
	f := New(nil, Config{})

	md := f.articleMarkdown(articleHTML, "https://www.mos.ru/news/item/1")
	if md == "" {
		t.Fatal("no markdown extracted")
	}
	for _, want := range []string{"Трамвай вернулся на Шаболовку", "полугода", "новые вагоны"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	for _, banned := range []string{"alert", "dataLayer", "Главная", "©"} {
		if strings.Contains(md, banned) {
			t.Errorf("markdown leaked non-content %q:\n%s", banned, md)
		}
	}
}

func TestArticleMarkdownNoContent(t *testing.T) {
	f := New(nil, Config{})
	if md := f.articleMarkdown("", "https://example.org"); md != "" {
		t.Fatalf("empty page produced %q", md)
	}
}

func TestIsPDF(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://www.mos.ru/docs/plan.pdf", true},
		{"https://www.mos.ru/docs/PLAN.PDF", true},
		{"https://www.mos.ru/docs/plan.pdf?v=2", true},
		{"https://www.mos.ru/news/item/1", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		if got := isPDF(tt.url); got != tt.want {
			t.Errorf("isPDF(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
