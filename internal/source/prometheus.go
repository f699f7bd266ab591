package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

func init() {
	register("prometheus", []string{"url"},
		func(name string, opts Options, node *yaml.Node) (DataSource, error) {
			var pc prometheusOptions
			if node != nil {
				if err := node.Decode(&pc); err != nil {
					return nil, fmt.Errorf("datasource %q: %w", name, err)
				}
			}
			if pc.URL == "" {
				return nil, fmt.Errorf("datasource %q: url is required", name)
			}
			s := &Prometheus{state: newState(name, "prometheus", opts), endpoint: pc.URL}
			s.client = &http.Client{Timeout: s.Timeout()}
			return s, nil
		})
}

type prometheusOptions struct {
	URL string `yaml:"url"`
}

// Prometheus issues instant PromQL queries against /api/v1/query and
// returns the first sample of the result vector, keyed by the query's
// metric name.
type Prometheus struct {
	state
	endpoint string
	client   *http.Client
}

func (p *Prometheus) Connect(ctx context.Context) error { return nil }

func (p *Prometheus) Close() error { return nil }

func (p *Prometheus) Fetch(ctx context.Context, query string) (map[string]any, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, &FetchError{Source: p.name, Err: fmt.Errorf("invalid endpoint: %w", err)}
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/query"
	q := u.Query()
	q.Set("query", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{Source: p.name, Err: err}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &FetchError{Source: p.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FetchError{Source: p.name, Err: fmt.Errorf("prometheus HTTP %d: %s", resp.StatusCode, body)}
	}

	var pr struct {
		Status string `json:"status"`
		Data   struct {
			Result []struct {
				Value [2]json.RawMessage `json:"value"`
			} `json:"result"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, &FetchError{Source: p.name, Err: fmt.Errorf("decode response: %w", err)}
	}
	if pr.Status != "success" {
		return nil, &FetchError{Source: p.name, Err: fmt.Errorf("prometheus query status %q", pr.Status)}
	}
	if len(pr.Data.Result) == 0 {
		return map[string]any{}, nil
	}

	// Sample values arrive as JSON strings, e.g. ["<ts>","42.5"].
	var raw string
	if err := json.Unmarshal(pr.Data.Result[0].Value[1], &raw); err != nil {
		return nil, &FetchError{Source: p.name, Err: fmt.Errorf("decode sample: %w", err)}
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, &FetchError{Source: p.name, Err: fmt.Errorf("parse sample %q: %w", raw, err)}
	}
	return map[string]any{promMetricName(query): val}, nil
}

func (p *Prometheus) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/-/healthy", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// promMetricName derives the result key from the query expression: the
// text before the first parenthesis, with any aggregation prefix "avg"
// removed. Mirrors the behavior alert configs already depend on.
func promMetricName(query string) string {
	name, _, _ := strings.Cut(query, "(")
	name = strings.ReplaceAll(name, "avg", "")
	return strings.TrimSpace(name)
}
