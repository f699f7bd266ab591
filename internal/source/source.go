// Package source implements the datasource contract: a uniform fetch
// over an opaque query string, with per-source lifecycle, health, and
// error accounting. Variants register themselves in a name-keyed
// registry consumed at config load.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DataSource is the capability set the scan engine needs from a backend.
// Fetch returns a flat metric-name to value mapping and is only called
// while the source is enabled. Connect and Close are idempotent.
type DataSource interface {
	Name() string
	Type() string
	Fetch(ctx context.Context, query string) (map[string]any, error)
	Connect(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) bool

	// Runtime state, mutated by the executor.
	Enabled() bool
	SetEnabled(bool)
	ErrorCount() int
	RecordError() int
	ResetErrors()
	MaxErrors() int
	Timeout() time.Duration
	Interval() time.Duration
	LastFetch() time.Time
	MarkFetched(time.Time)
}

// FetchError wraps any transport, authentication, or query failure so
// callers can tell datasource trouble apart from engine bugs.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("datasource %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Options are the per-source settings every variant recognizes.
type Options struct {
	Enabled    bool `yaml:"enabled"`
	Interval   int  `yaml:"interval"`    // seconds, default 60
	Timeout    int  `yaml:"timeout"`     // seconds, default 30
	MaxRetries int  `yaml:"max_retries"` // errors before auto-disable, default 5
}

func (o *Options) setDefaults() {
	if o.Interval == 0 {
		o.Interval = 60
	}
	if o.Timeout == 0 {
		o.Timeout = 30
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
}

// state carries the shared runtime bookkeeping. Embedded by every
// variant; its mutex makes the enabled flag and error counter safe for
// the concurrent executor groups and introspection readers.
type state struct {
	name string
	typ  string

	mu        sync.Mutex
	enabled   bool
	errors    int
	maxErrors int
	timeout   time.Duration
	interval  time.Duration
	lastFetch time.Time
}

func newState(name, typ string, opts Options) state {
	opts.setDefaults()
	return state{
		name:      name,
		typ:       typ,
		enabled:   opts.Enabled,
		maxErrors: opts.MaxRetries,
		timeout:   time.Duration(opts.Timeout) * time.Second,
		interval:  time.Duration(opts.Interval) * time.Second,
	}
}

func (s *state) Name() string { return s.name }
func (s *state) Type() string { return s.typ }

func (s *state) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *state) SetEnabled(v bool) {
	s.mu.Lock()
	s.enabled = v
	if v {
		s.errors = 0
	}
	s.mu.Unlock()
}

func (s *state) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors
}

// RecordError increments the error counter and returns the new count.
func (s *state) RecordError() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
	return s.errors
}

func (s *state) ResetErrors() {
	s.mu.Lock()
	s.errors = 0
	s.mu.Unlock()
}

func (s *state) MaxErrors() int          { return s.maxErrors }
func (s *state) Timeout() time.Duration  { return s.timeout }
func (s *state) Interval() time.Duration { return s.interval }

func (s *state) LastFetch() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFetch
}

func (s *state) MarkFetched(t time.Time) {
	s.mu.Lock()
	s.lastFetch = t
	s.mu.Unlock()
}

// factory builds a variant from its backend-specific config node. node
// may be nil when the config carries no backend fields.
type factory struct {
	build func(name string, opts Options, node *yaml.Node) (DataSource, error)
	keys  []string // recognized backend-specific fields
}

var registry = map[string]factory{}

// register is called from variant init functions.
func register(typ string, keys []string, build func(string, Options, *yaml.Node) (DataSource, error)) {
	registry[typ] = factory{build: build, keys: keys}
}

// Types returns the registered variant names, sorted.
func Types() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// New builds a datasource of the given type. Backend fields the variant
// does not recognize are warned about to catch config typos.
func New(typ, name string, opts Options, node *yaml.Node) (DataSource, error) {
	f, ok := registry[typ]
	if !ok {
		return nil, fmt.Errorf("datasource %q: unknown type %q", name, typ)
	}
	warnUnknownFields(name, node, f.keys)
	return f.build(name, opts, node)
}

// commonKeys are accepted on every source entry and skipped by the
// unknown-field check.
var commonKeys = map[string]bool{
	"type": true, "enabled": true, "interval": true,
	"timeout": true, "max_retries": true,
}

func warnUnknownFields(name string, node *yaml.Node, known []string) {
	if node == nil {
		return
	}
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return
	}
	set := make(map[string]bool, len(known))
	for _, k := range known {
		set[k] = true
	}
	for k := range raw {
		if !commonKeys[k] && !set[k] {
			slog.Warn("datasource config: unrecognized field", "datasource", name, "field", k)
		}
	}
}
