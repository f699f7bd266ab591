package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"gopkg.in/yaml.v3"
)

func init() {
	register("http", []string{"base_url", "headers"},
		func(name string, opts Options, node *yaml.Node) (DataSource, error) {
			var hc httpOptions
			if node != nil {
				if err := node.Decode(&hc); err != nil {
					return nil, fmt.Errorf("datasource %q: %w", name, err)
				}
			}
			if hc.BaseURL == "" {
				return nil, fmt.Errorf("datasource %q: base_url is required", name)
			}
			s := &HTTP{state: newState(name, "http", opts), baseURL: hc.BaseURL, headers: hc.Headers}
			s.client = &http.Client{Timeout: s.Timeout()}
			return s, nil
		})
}

type httpOptions struct {
	BaseURL string            `yaml:"base_url"`
	Headers map[string]string `yaml:"headers"`
}

// HTTP fetches metrics from a JSON API. The query is appended to the
// base URL as a path; the response must be a flat JSON object.
type HTTP struct {
	state
	baseURL string
	headers map[string]string
	client  *http.Client
}

// Connect is a no-op: the source is stateless.
func (h *HTTP) Connect(ctx context.Context) error { return nil }

func (h *HTTP) Close() error { return nil }

func (h *HTTP) Fetch(ctx context.Context, query string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+query, nil)
	if err != nil {
		return nil, &FetchError{Source: h.name, Err: err}
	}
	// Header values may reference ${VAR}; resolved per request so the
	// shared config is never mutated.
	for k, v := range h.headers {
		req.Header.Set(k, ExpandEnv(v))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &FetchError{Source: h.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FetchError{Source: h.name, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)}
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, &FetchError{Source: h.name, Err: fmt.Errorf("decode response: %w", err)}
	}
	return data, nil
}

func (h *HTTP) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL, nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode < 500
}
