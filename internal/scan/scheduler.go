package scan

import (
	"context"
	"log/slog"
	"time"

	"github.com/sentinelhq/sentinel/internal/alert"
)

// dueGroups selects the alerts due at now and partitions them by
// datasource. Alerts bound to unknown or disabled datasources are
// dropped with a warning (once per cycle per source). The scheduler
// never writes the ledger: only successful fetches advance it.
func (s *Scanner) dueGroups(ctx context.Context, now time.Time) map[string][]*alert.Definition {
	groups := make(map[string][]*alert.Definition)
	warned := make(map[string]bool)

	s.mu.Lock()
	defs := make([]*alert.Definition, len(s.defs))
	copy(defs, s.defs)
	s.mu.Unlock()

	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		if !s.isDue(ctx, def, now) {
			continue
		}
		ds, ok := s.source(def.Datasource)
		if !ok {
			if !warned[def.Datasource] {
				slog.Warn("alert references unknown datasource", "alert", def.Name, "datasource", def.Datasource)
				warned[def.Datasource] = true
			}
			continue
		}
		if !ds.Enabled() {
			if !warned[def.Datasource] {
				slog.Warn("datasource disabled, skipping its alerts", "datasource", def.Datasource)
				warned[def.Datasource] = true
			}
			continue
		}
		groups[def.Datasource] = append(groups[def.Datasource], def)
	}
	return groups
}

// isDue applies the per-alert interval against the run ledger. Interval
// zero means every tick; a missing ledger entry means the alert has
// never run. Ledger read failures fail open so a broken ledger cannot
// silence alerting.
func (s *Scanner) isDue(ctx context.Context, def *alert.Definition, now time.Time) bool {
	if def.Interval == 0 {
		return true
	}
	last, ok, err := s.ledger.LastRun(ctx, def.Name)
	if err != nil {
		slog.Warn("ledger read failed, treating alert as due", "alert", def.Name, "error", err)
		return true
	}
	if !ok {
		return true
	}
	return now.Sub(last) >= time.Duration(def.Interval)*time.Second
}
