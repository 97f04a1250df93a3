package deliver_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hazyhaar/vestnik/deliver"
)

func TestMessageHTML(t *testing.T) {
	m := deliver.Message{
		Fingerprint: "fp1",
		SourceID:    "mosru",
		SourceName:  "mos.ru",
		Title:       "Метро & МЦД: что <нового>",
		URL:         "https://www.mos.ru/news/item/1",
		Summary:     "Открыты две станции.",
	}
	out := m.HTML()

	if !strings.Contains(out, "📰 <b>Метро &amp; МЦД: что &lt;нового&gt;</b>") {
		t.Fatalf("title not escaped: %q", out)
	}
	if !strings.Contains(out, "Открыты две станции.\n\n") {
		t.Fatalf("summary missing: %q", out)
	}
	if !strings.HasSuffix(out, `<a href="https://www.mos.ru/news/item/1">Читать на mos.ru</a>`) {
		t.Fatalf("link line wrong: %q", out)
	}
	if strings.Contains(out, "ТОП ДЗЕНА") {
		t.Fatalf("aggregator header on a non-aggregator message: %q", out)
	}
}

func TestMessageHTMLAggregator(t *testing.T) {
	m := deliver.Message{
		Fingerprint:  "fp2",
		SourceID:     "dzen",
		SourceName:   "Дзен",
		Title:        "Город расширяет сеть поликлиник",
		URL:          "https://dzen.ru/news/story/abc",
		Aggregator:   true,
		RelatedURL:   "https://www.mos.ru/news/item/2",
		RelatedTitle: "Новые поликлиники",
		Score:        0.85,
	}
	out := m.HTML()

	if !strings.HasPrefix(out, "<b>ТОП ДЗЕНА:</b>\n") {
		t.Fatalf("missing aggregator header: %q", out)
	}
	if !strings.Contains(out, `<b>Первоисточник:</b> <a href="https://www.mos.ru/news/item/2">Новые поликлиники</a>`) {
		t.Fatalf("missing source line: %q", out)
	}
	if !strings.Contains(out, "<i>Схожесть: 0.85</i>") {
		t.Fatalf("missing score line: %q", out)
	}
}

func TestMessageHTMLKeywords(t *testing.T) {
	m := deliver.Message{
		Fingerprint: "fp5",
		SourceID:    "dzen",
		SourceName:  "Дзен",
		Title:       "В городе открыли школу и детский сад",
		URL:         "https://dzen.ru/news/story/def",
		Aggregator:  true,
		Keywords:    []string{"школа", "детский сад", "метро", "парк"},
	}
	out := m.HTML()

	// At most three keywords make it into the message.
	if !strings.Contains(out, "<i>Ключевые слова: школа, детский сад, метро</i>") {
		t.Fatalf("keyword line wrong: %q", out)
	}
	if strings.Contains(out, "парк") {
		t.Fatalf("fourth keyword should be cut: %q", out)
	}
}

func TestMessageHTMLCap(t *testing.T) {
	m := deliver.Message{
		Fingerprint: "fp3",
		SourceID:    "mosru",
		SourceName:  "mos.ru",
		Title:       "Длинный отчёт",
		URL:         "https://www.mos.ru/news/item/3",
		Summary:     strings.Repeat("Очень длинное содержание. ", 400),
	}
	out := m.HTML()

	if n := utf8.RuneCountInString(out); n > 4096 {
		t.Fatalf("rendered %d runes, platform cap is 4096", n)
	}
	// The summary is what gets trimmed; title and link survive intact.
	if !strings.Contains(out, "<b>Длинный отчёт</b>") {
		t.Fatalf("title lost: %q", out[:80])
	}
	if !strings.HasSuffix(out, `<a href="https://www.mos.ru/news/item/3">Читать на mos.ru</a>`) {
		t.Fatal("link line lost")
	}
	if !strings.Contains(out, "…") {
		t.Fatal("trimmed summary should end with an ellipsis")
	}
}

func TestMessageHTMLNoSummary(t *testing.T) {
	m := deliver.Message{
		Fingerprint: "fp4",
		SourceID:    "mosru",
		Title:       "Коротко",
		URL:         "https://www.mos.ru/news/item/4",
	}
	out := m.HTML()

	if strings.Contains(out, "\n\n") {
		t.Fatalf("no summary, no blank block: %q", out)
	}
	// Falls back to SourceID when no display name is set.
	if !strings.HasSuffix(out, "Читать на mosru</a>") {
		t.Fatalf("source fallback wrong: %q", out)
	}
}
