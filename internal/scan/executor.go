package scan

import (
	"context"
	"log/slog"
	"time"

	"github.com/sentinelhq/sentinel/internal/alert"
)

// runGroup issues one datasource's due queries in order. Groups for
// different datasources run on separate goroutines; within a group
// queries stay serial so connection reuse is amortized and update order
// is predictable. No error escapes: each failed fetch is accounted
// against the source and the loop moves to the next alert.
func (s *Scanner) runGroup(ctx context.Context, name string, defs []*alert.Definition) {
	ds, ok := s.source(name)
	if !ok || !ds.Enabled() {
		return
	}

	for _, def := range defs {
		if ctx.Err() != nil {
			return
		}
		if !ds.Enabled() { // may have been disabled by an earlier alert in this group
			return
		}

		fetchCtx, cancel := context.WithTimeout(ctx, ds.Timeout())
		started := s.now()
		result, err := ds.Fetch(fetchCtx, def.Query)
		cancel()

		if err != nil {
			s.metrics.FetchesTotal.WithLabelValues(name, "error").Inc()
			count := ds.RecordError()
			slog.Error("datasource fetch failed", "datasource", name, "alert", def.Name, "errors", count, "error", err)
			if count >= ds.MaxErrors() {
				ds.SetEnabled(false)
				slog.Error("datasource disabled after repeated errors", "datasource", name, "errors", count)
			}
			continue
		}

		now := s.now()
		elapsed := now.Sub(started)
		ds.MarkFetched(now)
		ds.ResetErrors()
		s.metrics.FetchesTotal.WithLabelValues(name, "ok").Inc()

		md := &alert.MetricData{
			Datasource:   name,
			Metrics:      result,
			Timestamp:    now,
			CollectionMS: float64(elapsed) / float64(time.Millisecond),
		}
		s.mu.Lock()
		s.latest[name] = md
		s.mu.Unlock()
		s.hub.Publish(TopicMetrics, md)

		if err := s.ledger.SetLastRun(ctx, def.Name, now); err != nil {
			slog.Warn("ledger update failed", "alert", def.Name, "error", err)
		}

		value, present := result[def.Metric]
		if !present {
			// The metric key is absent this cycle: no violation, no
			// recovery, no error.
			continue
		}
		if def.Threshold.Violated(value) {
			s.handleViolation(ctx, def, def.NewViolation(value, now))
		} else {
			s.clearActive(def.Key())
		}
	}
}

// clearActive removes the active entry for a (datasource, alert) key
// when its latest evaluation no longer violates.
func (s *Scanner) clearActive(key string) {
	s.mu.Lock()
	if _, ok := s.active[key]; ok {
		delete(s.active, key)
		s.metrics.ActiveViolations.Set(float64(len(s.active)))
		slog.Info("alert recovered", "key", key)
	}
	s.mu.Unlock()
}
