package alert

import "time"

// Violation is one concrete instance of an alert whose predicate
// evaluated true. The JSON tags are the wire format used for webhook
// payloads and the introspection API. Immutable once created except for
// the Acknowledged flag, which the scanner flips under its own lock.
type Violation struct {
	ID           string    `json:"violation_id"`
	AlertName    string    `json:"alert_name"`
	MetricName   string    `json:"metric_name"`
	Current      any       `json:"current_value"`
	Limit        float64   `json:"threshold_value"`
	Operator     string    `json:"operator"`
	Severity     Severity  `json:"severity"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Datasource   string    `json:"datasource_name"`
	Group        string    `json:"alert_group"`
	Acknowledged bool      `json:"acknowledged"`
}

// Key returns the (datasource, alert) pair key shared by the active set
// and cooldown maps.
func (v *Violation) Key() string {
	return v.Datasource + "_" + v.AlertName
}

// MetricData is the latest fetch result for one datasource.
type MetricData struct {
	Datasource   string         `json:"datasource_name"`
	Metrics      map[string]any `json:"metrics"`
	Timestamp    time.Time      `json:"timestamp"`
	CollectionMS float64        `json:"collection_time_ms"`
}
