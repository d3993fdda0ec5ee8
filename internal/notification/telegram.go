package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"signal-pipelinev1/pkg/errors"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier sends alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *http.Client

	// BaseURL overrides the Bot API endpoint.
	BaseURL string
}

// NewTelegramNotifier creates a Telegram notifier posting to chatID.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
		BaseURL:  telegramAPI,
	}
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(map[string]any{
		"chat_id":    t.chatID,
		"text":       telegramText(alert),
		"parse_mode": "MarkdownV2",
		// info alerts arrive silently
		"disable_notification": alert.Level == AlertInfo,
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidParameter, "telegram: marshal", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.BaseURL, "/"), t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfig, "telegram: create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// the URL carries the token
		return errors.New(errors.ErrCodeExternalFailure, "telegram: send failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Description string `json:"description"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return errors.Newf(errors.ErrCodeExternalFailure, "telegram: status %d: %s", resp.StatusCode, apiErr.Description)
	}

	log.Printf("[telegram] sent alert: %s", alert.Title)
	return nil
}

// telegramText renders an alert as a MarkdownV2 message.
func telegramText(a Alert) string {
	marker := "INFO"
	switch a.Level {
	case AlertWarning:
		marker = "WARN"
	case AlertCritical:
		marker = "CRIT"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\\[%s\\] *%s*\n\n%s", marker, escapeMarkdown(a.Title), escapeMarkdown(a.Message))
	if !a.At.IsZero() {
		fmt.Fprintf(&b, "\n_%s_", escapeMarkdown(a.At.UTC().Format(time.RFC3339)))
	}
	return b.String()
}

// escapeMarkdown escapes the MarkdownV2 reserved characters.
func escapeMarkdown(s string) string {
	const specials = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(specials, s[i]) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
