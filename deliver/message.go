package deliver

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"
)

// Telegram rejects messages longer than 4096 characters.
const maxMessageRunes = 4096

// Message is the outbound payload for one summarized news item. It is
// stored as the task payload, so every field must survive a JSON round
// trip across process restarts.
type Message struct {
	Fingerprint  string   `json:"fingerprint"`
	SourceID     string   `json:"source_id"`
	SourceName   string   `json:"source_name,omitempty"`
	Title        string   `json:"title"`
	URL          string   `json:"url"`
	Summary      string   `json:"summary,omitempty"`
	Aggregator   bool     `json:"aggregator,omitempty"`
	RelatedURL   string   `json:"related_url,omitempty"`
	RelatedTitle string   `json:"related_title,omitempty"`
	Score        float64  `json:"score,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	Priority     int      `json:"priority,omitempty"`
}

// HTML renders the Telegram message body. When the rendered message would
// exceed the platform cap the summary is trimmed, rune by excess rune,
// until it fits; the title and link lines are never cut.
func (m Message) HTML() string {
	text := m.render(m.Summary)
	if utf8.RuneCountInString(text) <= maxMessageRunes {
		return text
	}
	summary := []rune(m.Summary)
	for len(summary) > 0 {
		over := utf8.RuneCountInString(text) - maxMessageRunes
		keep := len(summary) - over - 1
		if keep < 0 {
			keep = 0
		}
		summary = summary[:keep]
		text = m.render(strings.TrimRight(string(summary), " \t\n") + "…")
		if utf8.RuneCountInString(text) <= maxMessageRunes {
			return text
		}
	}
	return m.render("")
}

func (m Message) render(summary string) string {
	var b strings.Builder
	if m.Aggregator {
		b.WriteString("<b>ТОП ДЗЕНА:</b>\n")
	}
	fmt.Fprintf(&b, "📰 <b>%s</b>\n", html.EscapeString(m.Title))
	if summary != "" {
		b.WriteString(html.EscapeString(summary))
		b.WriteString("\n\n")
	}
	if m.RelatedURL != "" {
		label := m.RelatedTitle
		if label == "" {
			label = m.RelatedURL
		}
		fmt.Fprintf(&b, "<b>Первоисточник:</b> <a href=\"%s\">%s</a>\n", m.RelatedURL, html.EscapeString(label))
		if m.Score > 0 {
			fmt.Fprintf(&b, "<i>Схожесть: %.2f</i>\n", m.Score)
		}
	} else if len(m.Keywords) > 0 {
		kws := m.Keywords
		if len(kws) > 3 {
			kws = kws[:3]
		}
		fmt.Fprintf(&b, "<i>Ключевые слова: %s</i>\n", html.EscapeString(strings.Join(kws, ", ")))
	}
	name := m.SourceName
	if name == "" {
		name = m.SourceID
	}
	fmt.Fprintf(&b, "📎 <a href=\"%s\">Читать на %s</a>", m.URL, html.EscapeString(name))
	return b.String()
}
