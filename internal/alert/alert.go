// Package alert holds the core data model: alert definitions, threshold
// predicates, and the violations they produce.
package alert

import (
	"fmt"
	"strconv"
)

// Severity classifies how urgent a violation is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity converts a config string into a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q (must be info, warning or critical)", s)
}

// Threshold is a one-sided numeric predicate. Exactly one bound is
// normally set; with neither set the predicate is always false.
type Threshold struct {
	Max *float64 `yaml:"max" json:"max,omitempty"`
	Min *float64 `yaml:"min" json:"min,omitempty"`
}

// Violated reports whether value breaks the threshold. Max dominates when
// both bounds are set. Non-numeric values never violate.
func (t Threshold) Violated(value any) bool {
	v, ok := toFloat(value)
	if !ok {
		return false
	}
	switch {
	case t.Max != nil:
		return v > *t.Max
	case t.Min != nil:
		return v < *t.Min
	}
	return false
}

// Value returns the configured bound, preferring max.
func (t Threshold) Value() float64 {
	switch {
	case t.Max != nil:
		return *t.Max
	case t.Min != nil:
		return *t.Min
	}
	return 0
}

// Operator returns the operator string recorded in violations. The value
// describes the allowed range, not the breach: a max threshold records
// "<=" and a min threshold ">=".
func (t Threshold) Operator() string {
	switch {
	case t.Max != nil:
		return "<="
	case t.Min != nil:
		return ">="
	}
	return ""
}

// Empty reports whether neither bound is set.
func (t Threshold) Empty() bool {
	return t.Max == nil && t.Min == nil
}

// toFloat coerces numeric types and numeric strings to float64.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}
