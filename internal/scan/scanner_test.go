package scan

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sentinelhq/sentinel/internal/alert"
	"github.com/sentinelhq/sentinel/internal/channel"
	"github.com/sentinelhq/sentinel/internal/source"
)

// fakeClock drives the scanner's injected now func.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memLedger is an in-memory RunLedger.
type memLedger struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func newMemLedger() *memLedger { return &memLedger{m: make(map[string]time.Time)} }

func (l *memLedger) LastRun(ctx context.Context, name string) (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.m[name]
	return t, ok, nil
}

func (l *memLedger) SetLastRun(ctx context.Context, name string, t time.Time) error {
	l.mu.Lock()
	l.m[name] = t
	l.mu.Unlock()
	return nil
}

func (l *memLedger) Close() error { return nil }

// fakeSource implements source.DataSource with a pluggable fetch func.
type fakeSource struct {
	name    string
	fetch   func(ctx context.Context, query string) (map[string]any, error)
	timeout time.Duration

	mu        sync.Mutex
	enabled   bool
	errors    int
	maxErrors int
	lastFetch time.Time
	fetches   int
}

func newFakeSource(name string, fetch func(ctx context.Context, query string) (map[string]any, error)) *fakeSource {
	return &fakeSource{name: name, fetch: fetch, timeout: 30 * time.Second, enabled: true, maxErrors: 5}
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Type() string { return "fake" }

func (f *fakeSource) Fetch(ctx context.Context, query string) (map[string]any, error) {
	f.mu.Lock()
	f.fetches++
	f.mu.Unlock()
	return f.fetch(ctx, query)
}

func (f *fakeSource) Connect(ctx context.Context) error    { return nil }
func (f *fakeSource) Close() error                         { return nil }
func (f *fakeSource) HealthCheck(ctx context.Context) bool { return true }

func (f *fakeSource) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeSource) SetEnabled(v bool) {
	f.mu.Lock()
	f.enabled = v
	if v {
		f.errors = 0
	}
	f.mu.Unlock()
}

func (f *fakeSource) ErrorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errors
}

func (f *fakeSource) RecordError() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors++
	return f.errors
}

func (f *fakeSource) ResetErrors() {
	f.mu.Lock()
	f.errors = 0
	f.mu.Unlock()
}

func (f *fakeSource) MaxErrors() int          { return f.maxErrors }
func (f *fakeSource) Timeout() time.Duration  { return f.timeout }
func (f *fakeSource) Interval() time.Duration { return time.Minute }

func (f *fakeSource) LastFetch() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFetch
}

func (f *fakeSource) MarkFetched(t time.Time) {
	f.mu.Lock()
	f.lastFetch = t
	f.mu.Unlock()
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// fakeChannel records every violation it is asked to deliver.
type fakeChannel struct {
	name string
	ok   bool

	mu   sync.Mutex
	sent []*alert.Violation
}

func newFakeChannel(name string) *fakeChannel { return &fakeChannel{name: name, ok: true} }

func (c *fakeChannel) Name() string { return c.name }
func (c *fakeChannel) Type() string { return "fake" }

func (c *fakeChannel) Send(ctx context.Context, v *alert.Violation) bool {
	c.mu.Lock()
	c.sent = append(c.sent, v)
	c.mu.Unlock()
	return c.ok
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func maxOf(v float64) *float64 { return &v }

func testDef(name, ds, metric string, max float64, channels ...string) *alert.Definition {
	return &alert.Definition{
		Name:       name,
		Metric:     metric,
		Query:      "q",
		Datasource: ds,
		Threshold:  alert.Threshold{Max: maxOf(max)},
		Severity:   alert.SeverityWarning,
		Channels:   channels,
		Group:      "test",
		Enabled:    true,
	}
}

func newTestScanner(defs []*alert.Definition, sources map[string]source.DataSource, channels map[string]channel.AlertChannel) (*Scanner, *fakeClock) {
	clk := newFakeClock()
	s := &Scanner{
		cfg:        &Config{},
		sources:    sources,
		channels:   channels,
		ledger:     newMemLedger(),
		hub:        NewHub(),
		metrics:    NewMetrics(),
		cooldown:   5 * time.Minute,
		maxHistory: 1000,
		metricPoll: streamMetricPoll,
		now:        clk.Now,
		status:     StatusStopped,
		defs:       defs,
		defsByKey:  make(map[string]*alert.Definition),
		latest:     make(map[string]*alert.MetricData),
		active:     make(map[string]*alert.Violation),
		cooldowns:  make(map[string]time.Time),
	}
	for _, d := range defs {
		s.defsByKey[d.Name] = d
	}
	return s, clk
}

func staticFetch(metrics map[string]any) func(context.Context, string) (map[string]any, error) {
	return func(context.Context, string) (map[string]any, error) { return metrics, nil }
}

func TestScanViolationThenRecovery(t *testing.T) {
	value := 95.0
	var valMu sync.Mutex
	src := newFakeSource("api1", func(context.Context, string) (map[string]any, error) {
		valMu.Lock()
		defer valMu.Unlock()
		return map[string]any{"cpu": value}, nil
	})
	ch := newFakeChannel("hook")
	def := testDef("high_cpu", "api1", "cpu", 90, "hook")
	s, clk := newTestScanner([]*alert.Definition{def},
		map[string]source.DataSource{"api1": src},
		map[string]channel.AlertChannel{"hook": ch})

	if err := s.scanOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := s.ActiveAlerts(); len(got) != 1 || got[0].AlertName != "high_cpu" {
		t.Fatalf("active = %v", got)
	}
	if ch.sentCount() != 1 {
		t.Fatalf("notifications = %d, want 1", ch.sentCount())
	}
	if md, ok := s.MetricsBySource("api1"); !ok || md.Metrics["cpu"] != 95.0 {
		t.Errorf("latest metrics = %v, %v", md, ok)
	}

	// Value drops below the threshold: the active entry clears without
	// touching history or the cooldown.
	valMu.Lock()
	value = 50.0
	valMu.Unlock()
	clk.Advance(time.Second)
	if err := s.scanOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := s.ActiveAlerts(); len(got) != 0 {
		t.Fatalf("active after recovery = %v", got)
	}
	if got := s.History(0); len(got) != 1 {
		t.Fatalf("history = %d entries, want 1", len(got))
	}
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	src := newFakeSource("api1", staticFetch(map[string]any{"cpu": 95.0}))
	ch := newFakeChannel("hook")
	def := testDef("high_cpu", "api1", "cpu", 90, "hook")
	s, clk := newTestScanner([]*alert.Definition{def},
		map[string]source.DataSource{"api1": src},
		map[string]channel.AlertChannel{"hook": ch})

	s.scanOnce(context.Background())
	clk.Advance(time.Minute)
	s.scanOnce(context.Background())

	if ch.sentCount() != 1 {
		t.Fatalf("notifications = %d, second violation should be suppressed", ch.sentCount())
	}
	if got := s.History(0); len(got) != 1 {
		t.Fatalf("history = %d, suppressed violation must not be recorded", len(got))
	}

	// Past the cooldown window the same alert fires again.
	clk.Advance(5 * time.Minute)
	s.scanOnce(context.Background())
	if ch.sentCount() != 2 {
		t.Fatalf("notifications = %d, want 2 after cooldown expiry", ch.sentCount())
	}
}

func TestCooldownZeroNeverSuppresses(t *testing.T) {
	src := newFakeSource("api1", staticFetch(map[string]any{"cpu": 95.0}))
	ch := newFakeChannel("hook")
	def := testDef("high_cpu", "api1", "cpu", 90, "hook")
	s, clk := newTestScanner([]*alert.Definition{def},
		map[string]source.DataSource{"api1": src},
		map[string]channel.AlertChannel{"hook": ch})
	s.cooldown = 0

	s.scanOnce(context.Background())
	clk.Advance(time.Second)
	s.scanOnce(context.Background())

	if ch.sentCount() != 2 {
		t.Fatalf("notifications = %d, zero cooldown must deliver every violation", ch.sentCount())
	}
	if got := s.History(0); len(got) != 2 {
		t.Fatalf("history = %d, want 2", len(got))
	}
}

func TestDatasourceAutoDisable(t *testing.T) {
	src := newFakeSource("api1", func(context.Context, string) (map[string]any, error) {
		return nil, fmt.Errorf("connection refused")
	})
	src.maxErrors = 2
	def := testDef("high_cpu", "api1", "cpu", 90)
	s, clk := newTestScanner([]*alert.Definition{def},
		map[string]source.DataSource{"api1": src}, nil)

	s.scanOnce(context.Background())
	if !src.Enabled() || src.ErrorCount() != 1 {
		t.Fatalf("after 1 error: enabled=%v errors=%d", src.Enabled(), src.ErrorCount())
	}
	clk.Advance(time.Second)
	s.scanOnce(context.Background())
	if src.Enabled() {
		t.Fatal("source should be disabled after reaching max errors")
	}

	// Disabled sources are skipped entirely.
	before := src.fetchCount()
	clk.Advance(time.Second)
	s.scanOnce(context.Background())
	if src.fetchCount() != before {
		t.Fatal("disabled source must not be fetched")
	}
}

func TestSuccessfulFetchResetsErrors(t *testing.T) {
	fail := true
	var mu sync.Mutex
	src := newFakeSource("api1", func(context.Context, string) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, fmt.Errorf("timeout")
		}
		return map[string]any{"cpu": 10.0}, nil
	})
	def := testDef("high_cpu", "api1", "cpu", 90)
	s, clk := newTestScanner([]*alert.Definition{def},
		map[string]source.DataSource{"api1": src}, nil)

	s.scanOnce(context.Background())
	mu.Lock()
	fail = false
	mu.Unlock()
	clk.Advance(time.Second)
	s.scanOnce(context.Background())
	if src.ErrorCount() != 0 {
		t.Fatalf("errors = %d, success must reset the counter", src.ErrorCount())
	}
}

func TestMissingMetricKeyIsNeutral(t *testing.T) {
	src := newFakeSource("api1", staticFetch(map[string]any{"other": 1.0}))
	def := testDef("high_cpu", "api1", "cpu", 90)
	s, _ := newTestScanner([]*alert.Definition{def},
		map[string]source.DataSource{"api1": src}, nil)

	// Pre-existing active entry must survive a cycle where the metric
	// key is absent: neither a violation nor a recovery.
	v := def.NewViolation(95.0, s.now())
	s.active[v.Key()] = v

	s.scanOnce(context.Background())
	if len(s.ActiveAlerts()) != 1 {
		t.Fatal("absent metric key must not clear the active entry")
	}
	if src.ErrorCount() != 0 {
		t.Fatal("absent metric key is not a datasource error")
	}
}

func TestIntervalScheduling(t *testing.T) {
	src := newFakeSource("api1", staticFetch(map[string]any{"cpu": 10.0}))
	def := testDef("high_cpu", "api1", "cpu", 90)
	def.Interval = 60
	s, clk := newTestScanner([]*alert.Definition{def},
		map[string]source.DataSource{"api1": src}, nil)

	s.scanOnce(context.Background())
	if src.fetchCount() != 1 {
		t.Fatalf("first cycle fetches = %d, want 1", src.fetchCount())
	}

	clk.Advance(30 * time.Second)
	s.scanOnce(context.Background())
	if src.fetchCount() != 1 {
		t.Fatal("alert ran again before its interval elapsed")
	}

	clk.Advance(31 * time.Second)
	s.scanOnce(context.Background())
	if src.fetchCount() != 2 {
		t.Fatalf("fetches = %d, want 2 after interval elapsed", src.fetchCount())
	}
}

func TestLedgerAdvancesOnlyOnSuccess(t *testing.T) {
	src := newFakeSource("api1", func(context.Context, string) (map[string]any, error) {
		return nil, fmt.Errorf("boom")
	})
	def := testDef("high_cpu", "api1", "cpu", 90)
	def.Interval = 60
	s, clk := newTestScanner([]*alert.Definition{def},
		map[string]source.DataSource{"api1": src}, nil)

	s.scanOnce(context.Background())
	if _, ok, _ := s.ledger.LastRun(context.Background(), "high_cpu"); ok {
		t.Fatal("failed fetch must not advance the ledger")
	}

	// Because the ledger did not move, the alert stays due and retries
	// on the very next cycle.
	clk.Advance(time.Second)
	s.scanOnce(context.Background())
	if src.fetchCount() != 2 {
		t.Fatalf("fetches = %d, failed alert should retry next cycle", src.fetchCount())
	}
}

func TestHistoryBounded(t *testing.T) {
	src := newFakeSource("api1", staticFetch(map[string]any{"cpu": 95.0}))
	defs := make([]*alert.Definition, 5)
	for i := range defs {
		defs[i] = testDef(fmt.Sprintf("alert_%d", i), "api1", "cpu", 90)
	}
	s, _ := newTestScanner(defs, map[string]source.DataSource{"api1": src}, nil)
	s.maxHistory = 3

	s.scanOnce(context.Background())
	got := s.History(0)
	if len(got) != 3 {
		t.Fatalf("history = %d entries, want 3", len(got))
	}
	// Oldest entries are evicted first.
	if got[0].AlertName != "alert_2" || got[2].AlertName != "alert_4" {
		t.Errorf("history order = %s..%s", got[0].AlertName, got[2].AlertName)
	}
}

func TestAcknowledge(t *testing.T) {
	src := newFakeSource("api1", staticFetch(map[string]any{"cpu": 95.0}))
	def := testDef("high_cpu", "api1", "cpu", 90)
	s, _ := newTestScanner([]*alert.Definition{def},
		map[string]source.DataSource{"api1": src}, nil)

	s.scanOnce(context.Background())
	active := s.ActiveAlerts()
	if len(active) != 1 {
		t.Fatal("expected one active violation")
	}
	if !s.Acknowledge(active[0].ID) {
		t.Fatal("Acknowledge returned false for a live ID")
	}
	if got := s.ActiveAlerts(); !got[0].Acknowledged {
		t.Fatal("flag not set")
	}
	if s.Acknowledge("nope") {
		t.Fatal("Acknowledge must return false for an unknown ID")
	}
}

func TestGroupsRunConcurrently(t *testing.T) {
	// Both fetches must be in flight at the same time: each waits for
	// the other to start, with a timeout that fails the serial case.
	var started sync.WaitGroup
	started.Add(2)
	barrier := func(ctx context.Context) error {
		started.Done()
		ok := make(chan struct{})
		go func() { started.Wait(); close(ok) }()
		select {
		case <-ok:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	mk := func(name string) *fakeSource {
		src := newFakeSource(name, func(ctx context.Context, _ string) (map[string]any, error) {
			if err := barrier(ctx); err != nil {
				return nil, err
			}
			return map[string]any{"cpu": 10.0}, nil
		})
		src.timeout = 2 * time.Second
		return src
	}
	a, b := mk("a"), mk("b")
	s, _ := newTestScanner(
		[]*alert.Definition{testDef("alert_a", "a", "cpu", 90), testDef("alert_b", "b", "cpu", 90)},
		map[string]source.DataSource{"a": a, "b": b}, nil)

	if err := s.scanOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.ErrorCount() != 0 || b.ErrorCount() != 0 {
		t.Fatal("fetches did not overlap; groups must run on separate goroutines")
	}
}

func TestOnViolationCallbackPanicIsContained(t *testing.T) {
	src := newFakeSource("api1", staticFetch(map[string]any{"cpu": 95.0}))
	def := testDef("high_cpu", "api1", "cpu", 90)
	s, _ := newTestScanner([]*alert.Definition{def},
		map[string]source.DataSource{"api1": src}, nil)

	secondCalled := false
	s.OnViolation(func(*alert.Violation) { panic("boom") })
	s.OnViolation(func(*alert.Violation) { secondCalled = true })

	if err := s.scanOnce(context.Background()); err != nil {
		t.Fatalf("callback panic escaped the pipeline: %v", err)
	}
	if !secondCalled {
		t.Fatal("panicking callback stopped the chain")
	}
}

func TestUpdateThreshold(t *testing.T) {
	src := newFakeSource("api1", staticFetch(map[string]any{"cpu": 95.0}))
	def := testDef("high_cpu", "api1", "cpu", 90)
	s, _ := newTestScanner([]*alert.Definition{def},
		map[string]source.DataSource{"api1": src}, nil)

	if err := s.UpdateThreshold("high_cpu", alert.Threshold{Max: maxOf(1), Min: maxOf(0)}); err == nil {
		t.Fatal("max and min together must be rejected")
	}
	if err := s.UpdateThreshold("nope", alert.Threshold{Max: maxOf(99)}); err == nil {
		t.Fatal("unknown alert must be rejected")
	}
	if err := s.UpdateThreshold("high_cpu", alert.Threshold{Max: maxOf(99)}); err != nil {
		t.Fatal(err)
	}

	s.scanOnce(context.Background())
	if len(s.ActiveAlerts()) != 0 {
		t.Fatal("raised threshold should not be violated by 95")
	}
}

func TestRemoveDatasource(t *testing.T) {
	src := newFakeSource("api1", staticFetch(map[string]any{"cpu": 10.0}))
	def := testDef("high_cpu", "api1", "cpu", 90)
	s, clk := newTestScanner([]*alert.Definition{def},
		map[string]source.DataSource{"api1": src}, nil)

	s.scanOnce(context.Background())
	if err := s.RemoveDatasource("api1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveDatasource("api1"); err == nil {
		t.Fatal("second removal must fail")
	}
	if got := s.Datasources(); len(got) != 0 {
		t.Fatalf("datasources = %v", got)
	}

	// Alerts bound to the removed source are skipped, not fatal.
	before := src.fetchCount()
	clk.Advance(time.Second)
	if err := s.scanOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if src.fetchCount() != before {
		t.Fatal("removed source must not be fetched")
	}
}

func TestStreamAlerts(t *testing.T) {
	src := newFakeSource("api1", staticFetch(map[string]any{"cpu": 95.0}))
	def := testDef("high_cpu", "api1", "cpu", 90)
	s, _ := newTestScanner([]*alert.Definition{def},
		map[string]source.DataSource{"api1": src}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := s.StreamAlerts(ctx)

	s.scanOnce(context.Background())

	select {
	case v := <-stream:
		if v.AlertName != "high_cpu" {
			t.Errorf("streamed alert = %q", v.AlertName)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no violation arrived on the stream")
	}

	s.hub.CloseAll()
	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("expected stream close after hub shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close")
	}
}

func TestStreamMetrics(t *testing.T) {
	src := newFakeSource("api1", staticFetch(map[string]any{"cpu": 42.0}))
	def := testDef("high_cpu", "api1", "cpu", 90)
	s, _ := newTestScanner([]*alert.Definition{def},
		map[string]source.DataSource{"api1": src}, nil)
	s.metricPoll = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := s.StreamMetrics(ctx)

	s.scanOnce(context.Background())

	select {
	case batch := <-stream:
		md, ok := batch["api1"]
		if !ok || md.Metrics["cpu"] != 42.0 {
			t.Errorf("batch = %v", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no metrics arrived on the stream")
	}

	s.hub.CloseAll()
	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("expected stream close after hub shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close")
	}
}

func TestRunCanBeRestartedAfterCancel(t *testing.T) {
	src := newFakeSource("api1", staticFetch(map[string]any{"cpu": 10.0}))
	def := testDef("high_cpu", "api1", "cpu", 90)
	s, _ := newTestScanner([]*alert.Definition{def},
		map[string]source.DataSource{"api1": src}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	// A scanner whose Run exited via its context is stopped, not stuck
	// in a phantom running state.
	s.Start()
	deadline = time.Now().Add(2 * time.Second)
	for !s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !s.IsRunning() {
		t.Fatal("scanner could not be restarted after Run returned")
	}
	s.Stop()
}

func TestStartStopLifecycle(t *testing.T) {
	src := newFakeSource("api1", staticFetch(map[string]any{"cpu": 10.0}))
	def := testDef("high_cpu", "api1", "cpu", 90)
	s, _ := newTestScanner([]*alert.Definition{def},
		map[string]source.DataSource{"api1": src}, nil)

	if s.IsRunning() {
		t.Fatal("new scanner must not be running")
	}
	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for !s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !s.IsRunning() {
		t.Fatal("scanner did not reach running state")
	}
	s.Start() // no-op

	s.Stop()
	if s.Status() != StatusStopped {
		t.Fatalf("status after stop = %q", s.Status())
	}
	s.Stop() // idempotent
}
