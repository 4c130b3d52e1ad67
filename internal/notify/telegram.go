package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// telegramAPI is the public Bot API host.
const telegramAPI = "https://api.telegram.org"

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and
// chat ID. It uses an HTTP client with a 10-second timeout.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{apiBase: telegramAPI, token: token, chatID: chatID, client: newHTTPClient()}
}

// WithAPIBase points the sender at another Bot API host, such as a
// self-hosted Bot API server or a test double.
func (t *TelegramSender) WithAPIBase(base string) *TelegramSender {
	t.apiBase = strings.TrimRight(base, "/")
	return t
}

// severityPrefix marks non-info messages, since Telegram has no colours.
var severityPrefix = map[Severity]string{
	SeverityInfo:     "",
	SeverityWarning:  "[warning] ",
	SeverityCritical: "[critical] ",
}

// Send posts msg to the configured chat using the sendMessage API. The
// title is rendered in bold using Markdown syntax.
func (t *TelegramSender) Send(ctx context.Context, msg Message) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	return postJSON(ctx, t.client, "telegram", url, map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("%s*%s*\n%s", severityPrefix[msg.Severity], msg.Title, msg.Body),
		"parse_mode": "Markdown",
	})
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string { return "telegram" }
