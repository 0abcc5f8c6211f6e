// Package notify delivers best-effort operational alerts. Delivery
// failures are logged and swallowed; alerting must never change the
// outcome of a reconciliation.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

type Notifier interface {
	// Notify sends one message and reports whether delivery succeeded.
	Notify(ctx context.Context, text string) bool
}

// Telegram sends messages to a fixed chat via the Bot API.
type Telegram struct {
	botToken string
	chatID   string
	prefix   string
	http     *http.Client
	log      *logrus.Logger
}

func NewTelegram(botToken, chatID, prefix string, log *logrus.Logger) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		prefix:   prefix,
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
}

func (t *Telegram) Notify(ctx context.Context, text string) bool {
	if t.botToken == "" || t.chatID == "" {
		t.log.Warn("telegram notifier not configured, dropping message")
		return false
	}

	params := url.Values{}
	params.Set("chat_id", t.chatID)
	params.Set("text", t.prefix+": "+text)

	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage?%s", t.botToken, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		t.log.WithError(err).Error("telegram request build failed")
		return false
	}

	resp, err := t.http.Do(req)
	if err != nil {
		t.log.WithError(err).Error("telegram send failed")
		return false
	}
	defer resp.Body.Close()

	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.log.WithError(err).Error("telegram response decode failed")
		return false
	}
	if !body.OK {
		t.log.WithField("status", resp.StatusCode).Error("telegram rejected message")
	}
	return body.OK
}

// Nop discards all messages. Used when alerting is disabled.
type Nop struct{}

func (Nop) Notify(context.Context, string) bool { return true }
