package alert

import (
	"fmt"
	"time"
)

// Definition is a declarative alert rule: a query against a datasource,
// a metric key to extract from the result, a threshold predicate, and the
// channels to notify. Immutable after config load except for the
// administrative threshold-update path on the scanner.
type Definition struct {
	Name        string
	Metric      string // key into the fetch result map
	Query       string
	Datasource  string
	Threshold   Threshold
	Severity    Severity
	Interval    int // seconds between evaluations; 0 = every tick
	Channels    []string
	Description string
	Group       string
	Enabled     bool
}

// Validate checks the fields a definition cannot work without.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("alert name is required")
	}
	if d.Metric == "" {
		return fmt.Errorf("alert %q: metrics key is required", d.Name)
	}
	if d.Datasource == "" {
		return fmt.Errorf("alert %q: datasource is required", d.Name)
	}
	if d.Interval < 0 {
		return fmt.Errorf("alert %q: interval must be >= 0, got %d", d.Name, d.Interval)
	}
	return nil
}

// Key identifies the (datasource, alert) pair used for the active set
// and for cooldown bookkeeping.
func (d *Definition) Key() string {
	return d.Datasource + "_" + d.Name
}

// NewViolation builds a violation for the given observed value.
func (d *Definition) NewViolation(value any, now time.Time) *Violation {
	ts := now.UTC()
	return &Violation{
		ID:         fmt.Sprintf("%s_%s_%d", d.Datasource, d.Name, ts.Unix()),
		AlertName:  d.Name,
		MetricName: d.Metric,
		Current:    value,
		Limit:      d.Threshold.Value(),
		Operator:   d.Threshold.Operator(),
		Severity:   d.Severity,
		Message:    d.Description,
		Timestamp:  ts,
		Datasource: d.Datasource,
		Group:      d.Group,
	}
}
