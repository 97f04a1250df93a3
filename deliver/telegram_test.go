package deliver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testSender(t *testing.T, handler http.HandlerFunc) *TelegramSender {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s := NewTelegramSender("123:ABC")
	s.baseURL = srv.URL
	return s
}

func TestTelegramSendOK(t *testing.T) {
	var got sendMessageRequest
	s := testSender(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bot123:ABC/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	})

	err := s.Send(context.Background(), "-100500", Message{
		Fingerprint: "fp1",
		SourceName:  "mos.ru",
		Title:       "Заголовок",
		URL:         "https://www.mos.ru/news/item/1",
		Summary:     "Текст.",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.ChatID != "-100500" {
		t.Errorf("chat_id = %q", got.ChatID)
	}
	if got.ParseMode != "HTML" {
		t.Errorf("parse_mode = %q", got.ParseMode)
	}
	if !strings.Contains(got.Text, "<b>Заголовок</b>") {
		t.Errorf("text = %q", got.Text)
	}
}

func TestTelegramSendRateLimited(t *testing.T) {
	s := testSender(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`))
	})

	err := s.Send(context.Background(), "-100500", Message{Fingerprint: "fp1", Title: "t", URL: "https://e.com"})
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if rl.RetryAfter != 5*time.Second {
		t.Fatalf("RetryAfter = %s, want 5s", rl.RetryAfter)
	}
}

func TestTelegramSendPermanent(t *testing.T) {
	s := testSender(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	})

	err := s.Send(context.Background(), "nope", Message{Fingerprint: "fp1", Title: "t", URL: "https://e.com"})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("err = %v, want ErrPermanent", err)
	}
}

func TestTelegramSendGatewayError(t *testing.T) {
	// A non-JSON body from an intermediary is transient, not permanent.
	s := testSender(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	})

	err := s.Send(context.Background(), "-100500", Message{Fingerprint: "fp1", Title: "t", URL: "https://e.com"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrPermanent) {
		t.Fatalf("gateway hiccup classified permanent: %v", err)
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		t.Fatalf("gateway hiccup classified rate-limited: %v", err)
	}
}
