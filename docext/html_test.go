package docext

import (
	"strings"
	"testing"
)

const pageHTML = `<!DOCTYPE html>
<html>
<head>
<title>Otkrytie novoy stantsii</title>
<script>var tracker = "analytics";</script>
<style>.x { color: red }</style>
</head>
<body>
<nav>Glavnaya / Novosti</nav>
<div style="display:none">skrytyy blok</div>
<div style="font-size:0px">nulevoy kegl</div>
<p>Stantsiya otkroetsya v dekabre.</p>
<p>Vkhod so storony parka.</p>
<footer>Kontakty redaktsii</footer>
</body>
</html>`

func TestHTMLText(t *testing.T) {
	// WHAT: title and visible body text come back, chrome and hidden
	// blocks do not.
	title, text, err := HTMLText([]byte(pageHTML))
	if err != nil {
		t.Fatalf("HTMLText: %v", err)
	}
	if title != "Otkrytie novoy stantsii" {
		t.Fatalf("title = %q", title)
	}
	for _, want := range []string{"Stantsiya otkroetsya", "Vkhod so storony parka"} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q: %q", want, text)
		}
	}
	for _, banned := range []string{"tracker", "skrytyy", "nulevoy", "Glavnaya", "Kontakty", "color: red"} {
		if strings.Contains(text, banned) {
			t.Errorf("text leaked %q: %q", banned, text)
		}
	}
}

func TestHTMLTextNoTitle(t *testing.T) {
	title, text, err := HTMLText([]byte("<p>golyy fragment</p>"))
	if err != nil {
		t.Fatalf("HTMLText: %v", err)
	}
	if title != "" {
		t.Fatalf("title = %q, want empty", title)
	}
	if !strings.Contains(text, "golyy fragment") {
		t.Fatalf("text = %q", text)
	}
}
