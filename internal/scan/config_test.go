package scan

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleConfig = `
global:
  alert_cooldown_minutes: 10
  log_level: debug
datasources:
  api1:
    type: http
    enabled: true
    base_url: http://localhost:9999
alert_channels:
  hook:
    type: webhook
    url: http://localhost:9999/hook
alert_groups:
  infra:
    alerts:
      - name: high_cpu
        metrics: cpu
        query: /stats
        datasource: api1
        threshold:
          max: 90
        severity: critical
        interval: 60
        alert_channels: [hook]
  legacy:
    enabled: false
    alerts:
      - name: old_alert
        metrics: x
        datasource: api1
        severity: info
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if *cfg.Global.AlertCooldownMinutes != 10 {
		t.Errorf("cooldown = %d", *cfg.Global.AlertCooldownMinutes)
	}
	// Unset globals take their defaults.
	if cfg.Global.MaxHistory != 1000 || cfg.Global.LedgerPath != "alerts.db" {
		t.Errorf("defaults not applied: %+v", cfg.Global)
	}
	if len(cfg.Datasources) != 1 || len(cfg.Channels) != 1 || len(cfg.Groups) != 2 {
		t.Errorf("sections: %d datasources, %d channels, %d groups",
			len(cfg.Datasources), len(cfg.Channels), len(cfg.Groups))
	}
}

func TestLoadConfigJSON(t *testing.T) {
	// JSON is a YAML subset, so .json configs load through the same path.
	cfg, err := LoadConfig(writeConfig(t, `{"global": {"alert_cooldown_minutes": 3}}`))
	if err != nil {
		t.Fatal(err)
	}
	if *cfg.Global.AlertCooldownMinutes != 3 {
		t.Errorf("cooldown = %d", *cfg.Global.AlertCooldownMinutes)
	}
}

func TestLoadConfigCooldownZeroPreserved(t *testing.T) {
	// An explicit 0 disables the cooldown; it must not be replaced by
	// the default.
	cfg, err := LoadConfig(writeConfig(t, "global:\n  alert_cooldown_minutes: 0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if *cfg.Global.AlertCooldownMinutes != 0 {
		t.Errorf("cooldown = %d, explicit zero was overwritten", *cfg.Global.AlertCooldownMinutes)
	}

	cfg, err = LoadConfig(writeConfig(t, "global: {}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if *cfg.Global.AlertCooldownMinutes != 5 {
		t.Errorf("cooldown = %d, want default 5 when absent", *cfg.Global.AlertCooldownMinutes)
	}
}

func TestLoadConfigNegativeCooldown(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "global:\n  alert_cooldown_minutes: -1\n")); err == nil {
		t.Fatal("negative cooldown must fail validation")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("missing file must fail")
	}
}

func TestLoadConfigDuplicateAlertName(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
alert_groups:
  a:
    alerts:
      - name: dup
        metrics: x
        datasource: d
        severity: info
  b:
    alerts:
      - name: dup
        metrics: x
        datasource: d
        severity: info
`))
	if err == nil {
		t.Fatal("duplicate alert names across groups must fail validation")
	}
}

func TestBuildDefinitions(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	defs := buildDefinitions(cfg)
	if len(defs) != 1 {
		t.Fatalf("defs = %d, disabled group should be dropped", len(defs))
	}
	d := defs[0]
	if d.Name != "high_cpu" || d.Group != "infra" || d.Metric != "cpu" {
		t.Errorf("definition = %+v", d)
	}
	if d.Threshold.Max == nil || *d.Threshold.Max != 90 || d.Threshold.Min != nil {
		t.Errorf("threshold = %+v", d.Threshold)
	}
	if !d.Enabled {
		t.Error("enabled should default to true")
	}
}

func TestBuildDefinitionsSkipsBroken(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
alert_groups:
  g:
    alerts:
      - name: bad_severity
        metrics: x
        datasource: d
        severity: apocalyptic
      - name: no_datasource
        metrics: x
        severity: info
      - name: good
        metrics: x
        datasource: d
        severity: info
`))
	if err != nil {
		t.Fatal(err)
	}
	defs := buildDefinitions(cfg)
	if len(defs) != 1 || defs[0].Name != "good" {
		t.Fatalf("defs = %+v, broken alerts should be skipped", defs)
	}
}

func TestBuildSources(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	sources, err := buildSources(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ds, ok := sources["api1"]
	if !ok {
		t.Fatal("api1 not built")
	}
	if ds.Type() != "http" || !ds.Enabled() {
		t.Errorf("type=%q enabled=%v", ds.Type(), ds.Enabled())
	}
	if ds.Timeout().Seconds() != 30 || ds.MaxErrors() != 5 {
		t.Errorf("defaults: timeout=%v max=%d", ds.Timeout(), ds.MaxErrors())
	}
}

func TestBuildSourcesUnknownType(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
datasources:
  db1:
    type: oracle
`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := buildSources(cfg); err == nil {
		t.Fatal("unknown datasource type must fail")
	}
}

func TestBuildChannels(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	channels, err := buildChannels(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if ch, ok := channels["hook"]; !ok || ch.Type() != "webhook" {
		t.Fatalf("channels = %v", channels)
	}
}
