package scan

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/sentinelhq/sentinel/internal/alert"
	"github.com/sentinelhq/sentinel/internal/channel"
	"github.com/sentinelhq/sentinel/internal/source"
)

// Config is the declarative description of what to poll, what counts as
// a violation, and where to deliver alerts. JSON config files work too:
// JSON is a YAML subset.
type Config struct {
	Global      GlobalConfig           `yaml:"global"`
	Datasources map[string]yaml.Node   `yaml:"datasources"`
	Channels    map[string]yaml.Node   `yaml:"alert_channels"`
	Groups      map[string]GroupConfig `yaml:"alert_groups"`
}

type GlobalConfig struct {
	// Pointer so an explicit 0 (cooldown disabled) survives defaulting.
	AlertCooldownMinutes *int   `yaml:"alert_cooldown_minutes"`
	LogLevel             string `yaml:"log_level"`
	ListenAddr           string `yaml:"listen_addr"` // introspection API; empty disables
	MaxHistory           int    `yaml:"max_history"`
	LedgerPath           string `yaml:"ledger_path"`
}

type GroupConfig struct {
	Enabled *bool        `yaml:"enabled"` // default true
	Alerts  []AlertEntry `yaml:"alerts"`
}

type AlertEntry struct {
	Name        string          `yaml:"name"`
	Metrics     string          `yaml:"metrics"`
	Query       string          `yaml:"query"`
	Datasource  string          `yaml:"datasource"`
	Threshold   alert.Threshold `yaml:"threshold"`
	Severity    string          `yaml:"severity"`
	Interval    int             `yaml:"interval"`
	Channels    []string        `yaml:"alert_channels"`
	Description string          `yaml:"description"`
	Enabled     *bool           `yaml:"enabled"` // default true
}

// LoadConfig reads and validates a YAML or JSON config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	setDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Global.AlertCooldownMinutes == nil {
		cooldown := 5
		cfg.Global.AlertCooldownMinutes = &cooldown
	}
	if cfg.Global.MaxHistory == 0 {
		cfg.Global.MaxHistory = 1000
	}
	if cfg.Global.LedgerPath == "" {
		cfg.Global.LedgerPath = "alerts.db"
	}
	if cfg.Global.LogLevel == "" {
		cfg.Global.LogLevel = "info"
	}
}

func validate(cfg *Config) error {
	if *cfg.Global.AlertCooldownMinutes < 0 {
		return fmt.Errorf("alert_cooldown_minutes must be >= 0, got %d", *cfg.Global.AlertCooldownMinutes)
	}
	if cfg.Global.MaxHistory < 1 {
		return fmt.Errorf("max_history must be >= 1, got %d", cfg.Global.MaxHistory)
	}
	seen := make(map[string]bool)
	for group, gc := range cfg.Groups {
		for _, a := range gc.Alerts {
			if a.Name == "" {
				return fmt.Errorf("alert group %q: alert without a name", group)
			}
			if seen[a.Name] {
				return fmt.Errorf("duplicate alert name %q", a.Name)
			}
			seen[a.Name] = true
		}
	}
	return nil
}

// typedNode extracts the type discriminator shared by datasource and
// channel entries.
type typedNode struct {
	Type string `yaml:"type"`
}

// buildSources constructs every configured datasource variant.
func buildSources(cfg *Config) (map[string]source.DataSource, error) {
	out := make(map[string]source.DataSource, len(cfg.Datasources))
	for name, node := range cfg.Datasources {
		var tn typedNode
		if err := node.Decode(&tn); err != nil {
			return nil, fmt.Errorf("datasource %q: %w", name, err)
		}
		if tn.Type == "" {
			return nil, fmt.Errorf("datasource %q: type is required (one of %v)", name, source.Types())
		}
		var opts source.Options
		if err := node.Decode(&opts); err != nil {
			return nil, fmt.Errorf("datasource %q: %w", name, err)
		}
		n := node
		ds, err := source.New(tn.Type, name, opts, &n)
		if err != nil {
			return nil, err
		}
		out[name] = ds
	}
	return out, nil
}

// buildChannels constructs every configured alert channel variant.
func buildChannels(cfg *Config) (map[string]channel.AlertChannel, error) {
	out := make(map[string]channel.AlertChannel, len(cfg.Channels))
	for name, node := range cfg.Channels {
		var tn typedNode
		if err := node.Decode(&tn); err != nil {
			return nil, fmt.Errorf("alert channel %q: %w", name, err)
		}
		if tn.Type == "" {
			return nil, fmt.Errorf("alert channel %q: type is required", name)
		}
		n := node
		ch, err := channel.New(tn.Type, name, &n)
		if err != nil {
			return nil, err
		}
		out[name] = ch
	}
	return out, nil
}

// buildDefinitions flattens alert groups into an ordered definition
// list. Group order is sorted for determinism; alert order within a
// group follows the config. Disabled groups are dropped; individually
// broken alerts are logged and skipped, not fatal.
func buildDefinitions(cfg *Config) []*alert.Definition {
	groups := make([]string, 0, len(cfg.Groups))
	for g := range cfg.Groups {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	var defs []*alert.Definition
	for _, g := range groups {
		gc := cfg.Groups[g]
		if gc.Enabled != nil && !*gc.Enabled {
			slog.Info("alert group disabled, skipping", "group", g, "alerts", len(gc.Alerts))
			continue
		}
		for _, a := range gc.Alerts {
			sev, err := alert.ParseSeverity(a.Severity)
			if err != nil {
				slog.Warn("skipping alert with bad severity", "alert", a.Name, "error", err)
				continue
			}
			def := &alert.Definition{
				Name:        a.Name,
				Metric:      a.Metrics,
				Query:       a.Query,
				Datasource:  a.Datasource,
				Threshold:   a.Threshold,
				Severity:    sev,
				Interval:    a.Interval,
				Channels:    a.Channels,
				Description: a.Description,
				Group:       g,
				Enabled:     a.Enabled == nil || *a.Enabled,
			}
			if err := def.Validate(); err != nil {
				slog.Warn("skipping invalid alert", "alert", a.Name, "error", err)
				continue
			}
			defs = append(defs, def)
		}
	}
	return defs
}
