package scan

import (
	"context"
	"log/slog"

	"github.com/sentinelhq/sentinel/internal/alert"
)

// handleViolation is the violation pipeline: cooldown gate, active-set
// upsert, bounded history, callbacks, then channel fan-out. A violation
// dropped by the cooldown gate touches nothing downstream.
func (s *Scanner) handleViolation(ctx context.Context, def *alert.Definition, v *alert.Violation) {
	key := v.Key()

	s.mu.Lock()
	if last, ok := s.cooldowns[key]; ok && v.Timestamp.Sub(last) < s.cooldown {
		s.mu.Unlock()
		s.metrics.SuppressedTotal.Inc()
		slog.Debug("violation suppressed by cooldown", "key", key)
		return
	}
	s.cooldowns[key] = v.Timestamp

	s.active[key] = v
	s.history = append(s.history, v)
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
	callbacks := make([]func(*alert.Violation), len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.metrics.ActiveViolations.Set(float64(len(s.active)))
	s.mu.Unlock()

	s.metrics.ViolationsTotal.WithLabelValues(string(v.Severity)).Inc()
	slog.Warn("violation",
		"alert", v.AlertName,
		"datasource", v.Datasource,
		"metric", v.MetricName,
		"value", v.Current,
		"severity", v.Severity,
	)

	s.hub.Publish(TopicAlerts, v)

	for _, cb := range callbacks {
		s.invokeCallback(cb, v)
	}

	s.fanOut(ctx, def, v)
}

// invokeCallback shields the pipeline from a panicking user callback.
func (s *Scanner) invokeCallback(cb func(*alert.Violation), v *alert.Violation) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("violation callback panicked", "alert", v.AlertName, "panic", r)
		}
	}()
	cb(v)
}

// fanOut delivers the violation to the definition's channels in order.
// Delivery failures are logged and do not affect the active set or
// history; unknown channel names are logged and skipped.
func (s *Scanner) fanOut(ctx context.Context, def *alert.Definition, v *alert.Violation) {
	for _, name := range def.Channels {
		ch, ok := s.channels[name]
		if !ok {
			slog.Warn("alert references unknown channel", "alert", def.Name, "channel", name)
			continue
		}
		if ch.Send(ctx, v) {
			s.metrics.NotificationsTotal.WithLabelValues(name, "ok").Inc()
		} else {
			s.metrics.NotificationsTotal.WithLabelValues(name, "error").Inc()
			slog.Error("alert delivery failed", "alert", def.Name, "channel", name)
		}
	}
}
