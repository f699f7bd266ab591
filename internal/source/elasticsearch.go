package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"
)

func init() {
	register("elasticsearch", []string{"hosts", "index_pattern"},
		func(name string, opts Options, node *yaml.Node) (DataSource, error) {
			var ec elasticOptions
			if node != nil {
				if err := node.Decode(&ec); err != nil {
					return nil, fmt.Errorf("datasource %q: %w", name, err)
				}
			}
			if len(ec.Hosts) == 0 {
				return nil, fmt.Errorf("datasource %q: hosts is required", name)
			}
			if ec.IndexPattern == "" {
				return nil, fmt.Errorf("datasource %q: index_pattern is required", name)
			}
			s := &Elasticsearch{state: newState(name, "elasticsearch", opts), opts: ec}
			s.client = &http.Client{Timeout: s.Timeout()}
			return s, nil
		})
}

type elasticOptions struct {
	Hosts        []string `yaml:"hosts"`
	IndexPattern string   `yaml:"index_pattern"`
}

// Elasticsearch runs the query string as a _search request body against
// the configured index pattern and extracts top-level aggregation
// results (value or doc_count) as metrics.
type Elasticsearch struct {
	state
	opts   elasticOptions
	client *http.Client
}

func (e *Elasticsearch) Connect(ctx context.Context) error { return nil }

func (e *Elasticsearch) Close() error { return nil }

func (e *Elasticsearch) Fetch(ctx context.Context, query string) (map[string]any, error) {
	host := strings.TrimSuffix(e.opts.Hosts[0], "/")
	url := fmt.Sprintf("%s/%s/_search", host, e.opts.IndexPattern)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(query))
	if err != nil {
		return nil, &FetchError{Source: e.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &FetchError{Source: e.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FetchError{Source: e.name, Err: fmt.Errorf("elasticsearch HTTP %d: %s", resp.StatusCode, body)}
	}

	var sr struct {
		Aggregations map[string]struct {
			Value    *float64 `json:"value"`
			DocCount *float64 `json:"doc_count"`
		} `json:"aggregations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, &FetchError{Source: e.name, Err: fmt.Errorf("decode response: %w", err)}
	}

	metrics := make(map[string]any, len(sr.Aggregations))
	for name, agg := range sr.Aggregations {
		switch {
		case agg.Value != nil:
			metrics[name] = *agg.Value
		case agg.DocCount != nil:
			metrics[name] = *agg.DocCount
		}
	}
	return metrics, nil
}

func (e *Elasticsearch) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.opts.Hosts[0], nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
