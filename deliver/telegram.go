package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/vestnik/netsafe"
)

// TelegramSender posts messages through the Telegram bot API. Only
// sendMessage is used; the bot's conversational surface lives elsewhere.
type TelegramSender struct {
	token   string
	client  *http.Client
	baseURL string
}

// NewTelegramSender creates a sender for the given bot token.
func NewTelegramSender(token string) *TelegramSender {
	return &TelegramSender{
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: "https://api.telegram.org",
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send implements Sender. A 429 from the API becomes a RateLimitedError
// carrying the advertised retry_after; other 4xx responses are permanent
// (bad chat, blocked bot, rejected markup); everything else is transient.
func (s *TelegramSender) Send(ctx context.Context, destination string, msg Message) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:    destination,
		Text:      msg.HTML(),
		ParseMode: "HTML",
	})
	if err != nil {
		return fmt.Errorf("deliver: marshal send request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("deliver: build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver: telegram post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := netsafe.ReadAll(resp.Body, 1<<20)
	if err != nil {
		return fmt.Errorf("deliver: read telegram response: %w", err)
	}

	var api apiResponse
	if err := json.Unmarshal(raw, &api); err != nil {
		// Non-JSON body, likely an intermediary; classify by HTTP status.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return fmt.Errorf("%w: telegram http %d", ErrPermanent, resp.StatusCode)
		}
		return fmt.Errorf("deliver: telegram http %d: %w", resp.StatusCode, err)
	}
	if api.OK {
		return nil
	}

	switch {
	case api.ErrorCode == http.StatusTooManyRequests:
		var after time.Duration
		if api.Parameters != nil {
			after = time.Duration(api.Parameters.RetryAfter) * time.Second
		}
		return &RateLimitedError{RetryAfter: after}
	case api.ErrorCode >= 400 && api.ErrorCode < 500:
		return fmt.Errorf("%w: telegram %d: %s", ErrPermanent, api.ErrorCode, api.Description)
	default:
		return fmt.Errorf("deliver: telegram %d: %s", api.ErrorCode, api.Description)
	}
}
