package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentinelhq/sentinel/internal/alert"
)

func init() {
	register("webhook", []string{"url", "method", "headers", "retry_count"},
		func(name string, node *yaml.Node) (AlertChannel, error) {
			wc := webhookOptions{Method: http.MethodPost, RetryCount: 1}
			if node != nil {
				if err := node.Decode(&wc); err != nil {
					return nil, fmt.Errorf("channel %q: %w", name, err)
				}
			}
			if wc.URL == "" {
				return nil, fmt.Errorf("channel %q: url is required", name)
			}
			if wc.RetryCount < 1 {
				wc.RetryCount = 1
			}
			return &Webhook{name: name, opts: wc}, nil
		})
}

type webhookOptions struct {
	URL        string            `yaml:"url"`
	Method     string            `yaml:"method"`
	Headers    map[string]string `yaml:"headers"`
	RetryCount int               `yaml:"retry_count"`
}

// Webhook POSTs the violation wire-format JSON to an HTTP endpoint,
// retrying up to retry_count attempts with 1 s linear backoff.
type Webhook struct {
	name string
	opts webhookOptions
}

func (w *Webhook) Name() string { return w.name }
func (w *Webhook) Type() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, v *alert.Violation) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("webhook: marshal violation", "channel", w.name, "error", err)
		return false
	}

	var lastErr error
	for attempt := 0; attempt < w.opts.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				slog.Warn("webhook: retry aborted", "channel", w.name, "error", ctx.Err())
				return false
			case <-time.After(1 * time.Second):
			}
		}
		if err := w.post(ctx, payload); err != nil {
			lastErr = err
			continue
		}
		return true
	}
	slog.Error("webhook: delivery failed", "channel", w.name, "attempts", w.opts.RetryCount, "error", lastErr)
	return false
}

func (w *Webhook) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, w.opts.Method, w.opts.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for k, v := range w.opts.Headers {
		req.Header.Set(sanitizeHeader(k), sanitizeHeader(expandEnv(v)))
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
