package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/vestnik/browser"
	"github.com/hazyhaar/vestnik/docext"
	"github.com/hazyhaar/vestnik/netsafe"
)

// contentSelectors are tried in order to find the article body node.
var contentSelectors = []string{
	"article",
	`div[class*="article"]`,
	`div[itemprop="articleBody"]`,
	"main",
	"body",
}

// articleContent fetches an item page and returns its body as markdown.
// PDF links go through docext instead of the browser.
func (f *Fetcher) articleContent(ctx context.Context, pageURL string) (string, error) {
	if err := netsafe.CheckURL(pageURL); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrArticle, pageURL, err)
	}
	if isPDF(pageURL) {
		return f.pdfContent(ctx, pageURL)
	}

	page, err := browser.Open(ctx, f.mgr, pageURL)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrArticle, pageURL, err)
	}
	defer page.Close()

	html, err := browser.HTML(ctx, page)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrArticle, pageURL, err)
	}

	md := f.articleMarkdown(html, pageURL)
	if md == "" {
		return "", fmt.Errorf("%w: %s: no content extracted", ErrArticle, pageURL)
	}
	return md, nil
}

// articleMarkdown reduces a full page to the article body in markdown:
// non-content elements removed, the body node sanitized, then converted.
func (f *Fetcher) articleMarkdown(html, pageURL string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript, iframe, svg, nav, header, footer, aside, form, button").Remove()

	var node *goquery.Selection
	for _, sel := range contentSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			node = s
			break
		}
	}
	if node == nil {
		return ""
	}

	inner, err := goquery.OuterHtml(node)
	if err != nil {
		return ""
	}
	sanitized := sanitizeHTML(inner)

	md, err := f.md.ConvertString(sanitized, converter.WithDomain(pageURL))
	if err != nil || strings.TrimSpace(md) == "" {
		// Converter choked on the markup; plain text still beats nothing.
		_, text, terr := docext.HTMLText([]byte(sanitized))
		if terr != nil {
			return ""
		}
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(md)
}

// pdfContent downloads a PDF over plain HTTP and extracts its text.
func (f *Fetcher) pdfContent(ctx context.Context, pdfURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pdfURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrArticle, pdfURL, err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrArticle, pdfURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s: status %d", ErrArticle, pdfURL, resp.StatusCode)
	}

	data, err := netsafe.ReadAll(resp.Body, netsafe.MaxBody)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrArticle, pdfURL, err)
	}

	text, err := docext.PDFText(data)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrArticle, pdfURL, err)
	}
	return text, nil
}

// sanitizeHTML strips unsafe markup while keeping the structure the
// markdown converter understands.
func sanitizeHTML(raw string) string {
	p := bluemonday.UGCPolicy()
	p.AllowElements("article", "section", "figure", "figcaption")
	p.AllowAttrs("href").OnElements("a")
	return p.Sanitize(raw)
}

func isPDF(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}
