package notifier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// CommandHandler is called when a command is received and returns the reply.
type CommandHandler func(ctx context.Context, command string) string

// pollBackoff is the pause after a failed poll.
var pollBackoff = 5 * time.Second

// StartPolling long-polls for Telegram commands. Blocks until ctx is cancelled.
// Only messages from the configured chat are handled.
func (t *Telegram) StartPolling(ctx context.Context, handler CommandHandler) {
	offset := int64(0)
	client := &http.Client{Timeout: 35 * time.Second, Transport: t.Client.Transport}

	for {
		if ctx.Err() != nil {
			t.Logger.Info("telegram polling stopped")
			return
		}

		next, err := t.poll(ctx, client, offset, handler)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			t.Logger.Warnf("telegram polling: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(pollBackoff):
			}
			continue
		}
		offset = next
	}
}

// poll fetches one batch of updates and returns the next offset.
func (t *Telegram) poll(ctx context.Context, client *http.Client, offset int64, handler CommandHandler) (int64, error) {
	apiURL := fmt.Sprintf("%s?offset=%d&timeout=30", t.endpoint("getUpdates"), offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return offset, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return offset, fmt.Errorf("request: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return offset, fmt.Errorf("read response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return offset, fmt.Errorf("decode response: invalid JSON")
	}
	res := gjson.ParseBytes(body)
	if !res.Get("ok").Bool() {
		return offset, fmt.Errorf("telegram API error: %s", res.Get("description").String())
	}

	for _, update := range res.Get("result").Array() {
		offset = update.Get("update_id").Int() + 1
		text := strings.TrimSpace(update.Get("message.text").String())
		if text == "" {
			continue
		}
		if chat := update.Get("message.chat.id").String(); t.ChatID != "" && chat != t.ChatID {
			t.Logger.WithField("chat", chat).Warn("ignoring command from unknown chat")
			continue
		}
		t.Logger.WithField("command", text).Info("received command")
		if reply := handler(ctx, text); reply != "" {
			if err := t.Send(ctx, reply); err != nil {
				t.Logger.Errorf("send reply: %v", err)
			}
		}
	}
	return offset, nil
}
