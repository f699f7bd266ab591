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
	register("slack", []string{"webhook_url", "channel", "username", "icon_emoji", "mention_users"},
		func(name string, node *yaml.Node) (AlertChannel, error) {
			var sc slackOptions
			if node != nil {
				if err := node.Decode(&sc); err != nil {
					return nil, fmt.Errorf("channel %q: %w", name, err)
				}
			}
			if sc.WebhookURL == "" {
				return nil, fmt.Errorf("channel %q: webhook_url is required", name)
			}
			return &Slack{name: name, opts: sc}, nil
		})
}

type slackOptions struct {
	WebhookURL   string   `yaml:"webhook_url"`
	Channel      string   `yaml:"channel"`
	Username     string   `yaml:"username"`
	IconEmoji    string   `yaml:"icon_emoji"`
	MentionUsers []string `yaml:"mention_users"`
}

// Slack posts an attachment-style message to an incoming webhook.
type Slack struct {
	name string
	opts slackOptions
}

func (s *Slack) Name() string { return s.name }
func (s *Slack) Type() string { return "slack" }

func (s *Slack) Send(ctx context.Context, v *alert.Violation) bool {
	body, err := json.Marshal(s.buildMessage(v))
	if err != nil {
		slog.Error("slack: marshal message", "channel", s.name, "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, expandEnv(s.opts.WebhookURL), bytes.NewReader(body))
	if err != nil {
		slog.Error("slack: create request", "channel", s.name, "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		slog.Error("slack: post webhook", "channel", s.name, "error", err)
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Error("slack: webhook rejected message", "channel", s.name, "status", resp.StatusCode)
		return false
	}
	return true
}

func (s *Slack) buildMessage(v *alert.Violation) map[string]any {
	text := fmt.Sprintf(":rotating_light: *%s* Alert: %s", strings.ToUpper(string(v.Severity)), v.AlertName)
	if len(s.opts.MentionUsers) > 0 {
		text = strings.Join(s.opts.MentionUsers, " ") + " " + text
	}

	color := "warning"
	if v.Severity == alert.SeverityCritical {
		color = "danger"
	}

	return map[string]any{
		"channel":    s.opts.Channel,
		"username":   s.opts.Username,
		"icon_emoji": s.opts.IconEmoji,
		"text":       text,
		"attachments": []map[string]any{{
			"color": color,
			"fields": []map[string]any{
				{"title": "Message", "value": v.Message, "short": false},
				{"title": "Current Value", "value": fmt.Sprint(v.Current), "short": true},
				{"title": "Threshold", "value": fmt.Sprintf("%s %v", v.Operator, v.Limit), "short": true},
				{"title": "Datasource", "value": v.Datasource, "short": true},
				{"title": "Time", "value": v.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"), "short": true},
			},
		}},
	}
}
