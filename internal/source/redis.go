package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

func init() {
	register("redis", []string{"host", "port", "db", "password"},
		func(name string, opts Options, node *yaml.Node) (DataSource, error) {
			rc := redisOptions{Port: 6379}
			if node != nil {
				if err := node.Decode(&rc); err != nil {
					return nil, fmt.Errorf("datasource %q: %w", name, err)
				}
			}
			if rc.Host == "" {
				return nil, fmt.Errorf("datasource %q: host is required", name)
			}
			return &Redis{state: newState(name, "redis", opts), opts: rc}, nil
		})
}

type redisOptions struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// Redis derives metrics from INFO sections. Supported queries:
// "INFO stats" (hit_rate), "INFO memory" (memory_usage), "INFO clients"
// (connected_clients). Anything else yields an empty map.
type Redis struct {
	state
	opts redisOptions

	clientMu sync.Mutex
	client   *redis.Client
}

func (r *Redis) Connect(ctx context.Context) error {
	r.clientMu.Lock()
	defer r.clientMu.Unlock()
	if r.client != nil {
		return nil
	}
	c := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", r.opts.Host, r.opts.Port),
		Password:    ExpandEnv(r.opts.Password),
		DB:          r.opts.DB,
		DialTimeout: r.Timeout(),
		ReadTimeout: r.Timeout(),
	})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return &FetchError{Source: r.name, Err: fmt.Errorf("connect: %w", err)}
	}
	r.client = c
	return nil
}

func (r *Redis) Close() error {
	r.clientMu.Lock()
	defer r.clientMu.Unlock()
	if r.client != nil {
		err := r.client.Close()
		r.client = nil
		return err
	}
	return nil
}

func (r *Redis) Fetch(ctx context.Context, query string) (map[string]any, error) {
	if err := r.Connect(ctx); err != nil {
		return nil, err
	}

	section := ""
	if rest, ok := strings.CutPrefix(query, "INFO "); ok {
		section = rest
	}
	switch section {
	case "stats", "memory", "clients":
	default:
		return map[string]any{}, nil
	}

	text, err := r.client.Info(ctx, section).Result()
	if err != nil {
		return nil, &FetchError{Source: r.name, Err: err}
	}
	info := parseInfo(text)

	switch section {
	case "stats":
		hits := info["keyspace_hits"]
		misses := info["keyspace_misses"]
		total := hits + misses
		if total < 1 {
			total = 1
		}
		return map[string]any{"hit_rate": hits / total * 100}, nil
	case "memory":
		return map[string]any{"memory_usage": info["used_memory_rss"]}, nil
	default: // clients
		return map[string]any{"connected_clients": info["connected_clients"]}, nil
	}
}

func (r *Redis) HealthCheck(ctx context.Context) bool {
	if err := r.Connect(ctx); err != nil {
		return false
	}
	return r.client.Ping(ctx).Err() == nil
}

// parseInfo turns INFO's "key:value" lines into a numeric map.
// Non-numeric values are skipped.
func parseInfo(text string) map[string]float64 {
	out := make(map[string]float64)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			continue
		}
		out[key] = f
	}
	return out
}
