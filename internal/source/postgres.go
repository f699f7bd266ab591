package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

func init() {
	register("postgresql", []string{"conninfo", "connection_string"},
		func(name string, opts Options, node *yaml.Node) (DataSource, error) {
			var pc postgresOptions
			if node != nil {
				if err := node.Decode(&pc); err != nil {
					return nil, fmt.Errorf("datasource %q: %w", name, err)
				}
			}
			if pc.Conninfo == "" {
				pc.Conninfo = pc.ConnString
			}
			if pc.Conninfo == "" {
				return nil, fmt.Errorf("datasource %q: conninfo is required", name)
			}
			return &Postgres{state: newState(name, "postgresql", opts), conninfo: pc.Conninfo}, nil
		})
}

type postgresOptions struct {
	Conninfo   string `yaml:"conninfo"`
	ConnString string `yaml:"connection_string"`
}

// Postgres runs a SQL query and returns the first row as a column to
// value map. The pool is opened lazily on first fetch and reused.
type Postgres struct {
	state
	conninfo string

	poolMu sync.Mutex
	pool   *pgxpool.Pool
}

// Connect opens the connection pool if it is not open yet. The conninfo
// string may contain a ${VAR} credential reference.
func (p *Postgres) Connect(ctx context.Context) error {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()
	if p.pool != nil {
		return nil
	}
	pool, err := pgxpool.New(ctx, ExpandEnv(p.conninfo))
	if err != nil {
		return &FetchError{Source: p.name, Err: fmt.Errorf("connect: %w", err)}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return &FetchError{Source: p.name, Err: fmt.Errorf("ping: %w", err)}
	}
	p.pool = pool
	return nil
}

func (p *Postgres) Close() error {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	return nil
}

func (p *Postgres) Fetch(ctx context.Context, query string) (map[string]any, error) {
	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, &FetchError{Source: p.name, Err: err}
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, &FetchError{Source: p.name, Err: err}
		}
		return map[string]any{}, nil
	}
	values, err := rows.Values()
	if err != nil {
		return nil, &FetchError{Source: p.name, Err: err}
	}
	out := make(map[string]any, len(values))
	for i, fd := range rows.FieldDescriptions() {
		out[fd.Name] = values[i]
	}
	return out, nil
}

func (p *Postgres) HealthCheck(ctx context.Context) bool {
	return p.Connect(ctx) == nil
}
