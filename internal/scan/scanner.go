// Package scan implements the scan engine: the scheduler that decides
// which alerts are due, the executor that issues datasource queries
// concurrently, the threshold evaluator, and the violation pipeline
// (cooldown, active set, history, channel fan-out).
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sentinelhq/sentinel/internal/alert"
	"github.com/sentinelhq/sentinel/internal/channel"
	"github.com/sentinelhq/sentinel/internal/source"
)

// Status is the scanner lifecycle state.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
)

const (
	tickInterval     = 1 * time.Second
	errorBackoff     = 5 * time.Second
	streamMetricPoll = 5 * time.Second
)

// Scanner owns all component collections and runs the scan loop.
type Scanner struct {
	cfg      *Config
	sources  map[string]source.DataSource
	channels map[string]channel.AlertChannel
	ledger   RunLedger
	hub      *Hub
	metrics  *Metrics

	cooldown   time.Duration
	maxHistory int
	metricPoll time.Duration

	now func() time.Time // injected for tests

	mu        sync.Mutex
	status    Status
	startTime time.Time
	lastScan  time.Time
	defs      []*alert.Definition
	defsByKey map[string]*alert.Definition // keyed by alert name
	latest    map[string]*alert.MetricData
	active    map[string]*alert.Violation
	history   []*alert.Violation
	cooldowns map[string]time.Time
	callbacks []func(*alert.Violation)

	runMu  sync.Mutex // guards cancel/done across Start/Stop
	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles a Scanner from config: datasources, channels, alert
// definitions, and the run ledger.
func New(cfg *Config) (*Scanner, error) {
	sources, err := buildSources(cfg)
	if err != nil {
		return nil, err
	}
	channels, err := buildChannels(cfg)
	if err != nil {
		return nil, err
	}
	ledger, err := OpenLedger(cfg.Global.LedgerPath)
	if err != nil {
		return nil, err
	}

	s := &Scanner{
		cfg:        cfg,
		sources:    sources,
		channels:   channels,
		ledger:     ledger,
		hub:        NewHub(),
		metrics:    NewMetrics(),
		cooldown:   time.Duration(*cfg.Global.AlertCooldownMinutes) * time.Minute,
		maxHistory: cfg.Global.MaxHistory,
		metricPoll: streamMetricPoll,
		now:        time.Now,
		status:     StatusStopped,
		defsByKey:  make(map[string]*alert.Definition),
		latest:     make(map[string]*alert.MetricData),
		active:     make(map[string]*alert.Violation),
		cooldowns:  make(map[string]time.Time),
	}
	s.defs = buildDefinitions(cfg)
	for _, d := range s.defs {
		s.defsByKey[d.Name] = d
	}
	return s, nil
}

// Start launches the scan loop in the background. Calling Start while
// running is a no-op.
func (s *Scanner) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		slog.Warn("scanner already running, start ignored")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.run(ctx)
	}()
}

// Run drives the scan loop on the caller's goroutine until ctx is
// cancelled. It is the blocking counterpart of Start.
func (s *Scanner) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.cancel != nil {
		s.runMu.Unlock()
		return fmt.Errorf("scanner already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.runMu.Unlock()

	defer close(s.done)
	s.run(ctx)
	cancel()
	s.runMu.Lock()
	s.cancel = nil
	s.runMu.Unlock()
	s.shutdown()
	return nil
}

// Stop cancels the scan loop, waits for it to exit, and releases all
// datasource connections. Idempotent.
func (s *Scanner) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.shutdown()
}

func (s *Scanner) run(ctx context.Context) {
	s.mu.Lock()
	s.status = StatusRunning
	s.startTime = s.now()
	s.mu.Unlock()

	slog.Info("scanner starting",
		"datasources", len(s.sources),
		"channels", len(s.channels),
		"alerts", len(s.defs),
		"cooldown", s.cooldown,
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.scanOnce(ctx); err != nil {
				s.setStatus(StatusError)
				slog.Error("scan iteration failed", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(errorBackoff):
				}
				s.setStatus(StatusRunning)
			}
		}
	}
}

// scanOnce runs one full scheduler -> executor -> pipeline cycle.
// The executor never lets datasource trouble escape, so a returned
// error means an engine bug; the caller backs off and resumes.
func (s *Scanner) scanOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panic: %v", r)
		}
	}()

	started := s.now()
	groups := s.dueGroups(ctx, started)

	var wg sync.WaitGroup
	for name, defs := range groups {
		wg.Add(1)
		go func(name string, defs []*alert.Definition) {
			defer wg.Done()
			s.runGroup(ctx, name, defs)
		}(name, defs)
	}
	wg.Wait()

	s.mu.Lock()
	s.lastScan = started
	s.mu.Unlock()

	s.metrics.ScansTotal.Inc()
	s.metrics.ScanDuration.Observe(s.now().Sub(started).Seconds())
	return nil
}

func (s *Scanner) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// shutdown closes datasources, the ledger, and all stream subscribers.
func (s *Scanner) shutdown() {
	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return
	}
	s.status = StatusStopped
	s.mu.Unlock()

	for name, ds := range s.sources {
		if err := ds.Close(); err != nil {
			slog.Error("close datasource", "datasource", name, "error", err)
		}
	}
	if err := s.ledger.Close(); err != nil {
		slog.Error("close ledger", "error", err)
	}
	s.hub.CloseAll()
	slog.Info("scanner stopped")
}

// Status returns the current lifecycle state.
func (s *Scanner) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsRunning reports whether the scan loop is active.
func (s *Scanner) IsRunning() bool {
	st := s.Status()
	return st == StatusRunning || st == StatusError
}

// Uptime returns seconds since Start, 0 when stopped.
func (s *Scanner) Uptime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusStopped || s.startTime.IsZero() {
		return 0
	}
	return s.now().Sub(s.startTime).Seconds()
}

// LastScanTime returns the start time of the most recent completed scan
// and whether one has completed.
func (s *Scanner) LastScanTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScan, !s.lastScan.IsZero()
}

// LatestMetrics returns a snapshot of the most recent fetch result per
// datasource.
func (s *Scanner) LatestMetrics() map[string]alert.MetricData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]alert.MetricData, len(s.latest))
	for name, md := range s.latest {
		out[name] = *md
	}
	return out
}

// MetricsBySource returns the latest fetch result for one datasource.
func (s *Scanner) MetricsBySource(name string) (alert.MetricData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.latest[name]
	if !ok {
		return alert.MetricData{}, false
	}
	return *md, true
}

// MetricCount returns the total number of metric keys across all latest
// fetch results.
func (s *Scanner) MetricCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, md := range s.latest {
		n += len(md.Metrics)
	}
	return n
}

// ActiveAlerts returns the active violation set, newest first.
func (s *Scanner) ActiveAlerts() []alert.Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]alert.Violation, 0, len(s.active))
	for _, v := range s.active {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// History returns up to limit of the most recent violations, oldest
// first. limit <= 0 means the default of 100.
func (s *Scanner) History(limit int) []alert.Violation {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	start := len(s.history) - limit
	if start < 0 {
		start = 0
	}
	out := make([]alert.Violation, 0, len(s.history)-start)
	for _, v := range s.history[start:] {
		out = append(out, *v)
	}
	return out
}

// Acknowledge flips the acknowledged flag on the active violation with
// the given ID. Returns whether one matched.
func (s *Scanner) Acknowledge(violationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.active {
		if v.ID == violationID {
			v.Acknowledged = true
			return true
		}
	}
	return false
}

// Datasources returns the configured datasource names, sorted.
func (s *Scanner) Datasources() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

// source looks up a datasource under the scanner lock; RemoveDatasource
// may shrink the map while scans are in flight.
func (s *Scanner) source(name string) (source.DataSource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.sources[name]
	return ds, ok
}

// OnViolation registers a callback invoked for every violation that
// clears the cooldown gate. Callbacks run on the executor goroutine; a
// panicking callback is logged and does not stop the chain.
func (s *Scanner) OnViolation(cb func(*alert.Violation)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

// UpdateThreshold replaces the threshold of a named alert at runtime.
// Unlike the static load path, errors surface to the caller.
func (s *Scanner) UpdateThreshold(alertName string, t alert.Threshold) error {
	if t.Max != nil && t.Min != nil {
		return fmt.Errorf("threshold for %q: max and min are mutually exclusive", alertName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defsByKey[alertName]
	if !ok {
		return fmt.Errorf("unknown alert %q", alertName)
	}
	def.Threshold = t
	return nil
}

// RemoveDatasource closes and unregisters a datasource. Alerts bound to
// it are skipped on subsequent scans as unknown.
func (s *Scanner) RemoveDatasource(name string) error {
	s.mu.Lock()
	ds, ok := s.sources[name]
	if ok {
		delete(s.sources, name)
		delete(s.latest, name)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown datasource %q", name)
	}
	return ds.Close()
}

// Metrics exposes the scanner's Prometheus metrics.
func (s *Scanner) Metrics() *Metrics { return s.metrics }

// Config returns the loaded configuration.
func (s *Scanner) Config() *Config { return s.cfg }
