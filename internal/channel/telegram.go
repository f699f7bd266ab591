package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sentinelhq/sentinel/internal/alert"
)

func init() {
	register("telegram", []string{"webhook_url", "chat_id"},
		func(name string, node *yaml.Node) (AlertChannel, error) {
			var tc telegramOptions
			if node != nil {
				if err := node.Decode(&tc); err != nil {
					return nil, fmt.Errorf("channel %q: %w", name, err)
				}
			}
			if tc.WebhookURL == "" {
				return nil, fmt.Errorf("channel %q: webhook_url is required", name)
			}
			return &Telegram{name: name, opts: tc}, nil
		})
}

type telegramOptions struct {
	WebhookURL string `yaml:"webhook_url"` // bot API sendMessage endpoint
	ChatID     string `yaml:"chat_id"`
}

// Telegram posts a Markdown message to a bot API sendMessage endpoint.
type Telegram struct {
	name string
	opts telegramOptions
}

func (t *Telegram) Name() string { return t.name }
func (t *Telegram) Type() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, v *alert.Violation) bool {
	text := fmt.Sprintf(
		"\U0001f6a8 *%s* Alert: %s\nMessage: %s\nCurrent Value: %v\nThreshold: %s %v\nDatasource: %s\nTime: %s",
		strings.ToUpper(string(v.Severity)), v.AlertName, v.Message,
		v.Current, v.Operator, v.Limit, v.Datasource,
		v.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"),
	)
	body, err := json.Marshal(map[string]string{
		"chat_id":    t.opts.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		slog.Error("telegram: marshal message", "channel", t.name, "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, expandEnv(t.opts.WebhookURL), bytes.NewReader(body))
	if err != nil {
		slog.Error("telegram: create request", "channel", t.name, "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		slog.Error("telegram: post message", "channel", t.name, "error", err)
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Error("telegram: API rejected message", "channel", t.name, "status", resp.StatusCode)
		return false
	}
	return true
}
