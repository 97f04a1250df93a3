package fetch

import (
	"strings"
	"testing"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		base    string
		want    string
		wantErr bool
	}{
		{
			name: "absolute with tracking query",
			raw:  "https://www.mos.ru/news/item/1?from=feed&utm_source=x",
			want: "https://www.mos.ru/news/item/1",
		},
		{
			name: "relative against base",
			raw:  "/news/item/2/",
			base: "https://www.mos.ru",
			want: "https://www.mos.ru/news/item/2",
		},
		{
			name: "fragment dropped",
			raw:  "https://dzen.ru/news/story/abc#comments",
			want: "https://dzen.ru/news/story/abc",
		},
		{
			name: "host lowercased",
			raw:  "HTTPS://WWW.MOS.RU/News/",
			want: "https://www.mos.ru/News",
		},
		{
			name:    "unsupported scheme",
			raw:     "ftp://mos.ru/file",
			wantErr: true,
		},
		{
			name:    "no host and no base",
			raw:     "/news/item/3",
			wantErr: true,
		},
		{
			name:    "empty",
			raw:     "",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.raw, tt.base)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeURL(%q) = %q, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeURL(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("NormalizeURL(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("Заголовок", "Текст   новости\nв две строки")
	b := Fingerprint("ЗАГОЛОВОК", "Текст новости в две строки")
	if a != b {
		t.Error("case and whitespace differences must not change the fingerprint")
	}

	c := Fingerprint("Заголовок", "<p>Текст <b>новости</b> в две строки</p>")
	if a != c {
		t.Error("markup must not change the fingerprint")
	}

	if len(a) != 64 || strings.ToLower(a) != a {
		t.Errorf("fingerprint %q is not lowercase hex sha-256", a)
	}
}

func TestFingerprintDistinct(t *testing.T) {
	a := Fingerprint("Заголовок", "Первый текст")
	b := Fingerprint("Заголовок", "Второй текст")
	if a == b {
		t.Error("different content must produce different fingerprints")
	}
}
