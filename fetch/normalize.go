package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// NormalizeURL canonicalizes a listing link so the same story always
// produces the same URL: relative links resolve against base, scheme and
// host lowercase, query and fragment drop (portals attach tracking
// parameters there), and the trailing slash is trimmed.
func NormalizeURL(raw, base string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("fetch: empty url")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("fetch: parse url %q: %w", raw, err)
	}
	if base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("fetch: parse base %q: %w", base, err)
		}
		u = b.ResolveReference(u)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("fetch: unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("fetch: no host in %q", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")

	return u.String(), nil
}

// Fingerprint derives the stable identity of a document from its visible
// content: markup stripped, whitespace collapsed, lowercased, hashed.
// The same story republished under a different URL hashes the same.
func Fingerprint(title, content string) string {
	text := bluemonday.StrictPolicy().Sanitize(title + "\n" + content)
	text = strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
