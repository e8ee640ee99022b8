package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"risk-guard-go/internal/risk"
	"risk-guard-go/order"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const sampleConfig = `
env: prod
store:
  driver: sqlite
  path: /var/lib/riskd/risk.db
metrics:
  namespace: rg
  listenAddr: ":9200"
assets:
  BTC:
    tickSize: 0.1
    stepSize: 0.001
    minNotional: 5
defaults:
  drawdown:
    warningPercent: 4
    maxPercent: 8
  rapidLoss:
    percent: 3
    window: 10m
tenants:
  acme:
    maxLeverage: 5
    initialCapital: 100000
    drawdown:
      maxPercent: 12
      strategies:
        grid:
          warningPercent: 2
    killSwitch:
      triggers:
        - type: ERROR_BURST
          enabled: true
          count: 20
          windowMinutes: 1
    breakers:
      - name: loss-rate
        condition:
          type: LOSS_RATE
          percent: 2
          windowMinutes: 5
        cooldownMinutes: 15
    limits:
      - scope: ASSET
        assetId: BTC
        maxValue: 50000
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Env != "prod" || cfg.Store.Driver != "sqlite" {
		t.Fatalf("unexpected cfg values: %+v", cfg)
	}
	if cfg.Metrics.Namespace != "rg" || cfg.Metrics.Subsystem != "core" || cfg.Metrics.ListenAddr != ":9200" {
		t.Fatalf("metrics not merged onto defaults: %+v", cfg.Metrics)
	}
	if cfg.Defaults.RapidLoss.Window != 10*time.Minute {
		t.Fatalf("duration not parsed: %v", cfg.Defaults.RapidLoss.Window)
	}
	if cfg.Defaults.MaxLeverage != 3 {
		t.Fatalf("default leverage lost: %v", cfg.Defaults.MaxLeverage)
	}
	if cfg.Assets["BTC"].TickSize != 0.1 {
		t.Fatalf("asset constraints not parsed: %+v", cfg.Assets)
	}
	if cfg.PreTrade.CheckTimeout != 250*time.Millisecond {
		t.Fatalf("check timeout default lost: %v", cfg.PreTrade.CheckTimeout)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	t.Setenv("RISK_ENV", "staging")
	t.Setenv("RISK_LOG_LEVEL", "debug")
	t.Setenv("RISK_STORE_PATH", "/tmp/override.db")
	t.Setenv("RISK_METRICS_ADDR", ":9999")
	cfg, err := LoadWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Env != "staging" || cfg.Logging.Level != "debug" || cfg.Store.Path != "/tmp/override.db" || cfg.Metrics.ListenAddr != ":9999" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := Load(writeTempConfig(t, "env: [unterminated"))
	if !errors.Is(err, risk.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(AppConfig{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config must be valid: %v", err)
	}

	cases := map[string]func(*AppConfig){
		"sqlite without path": func(c *AppConfig) { c.Store.Driver = "sqlite" },
		"unknown driver":      func(c *AppConfig) { c.Store.Driver = "redis" },
		"warning above max":   func(c *AppConfig) { c.Defaults.Drawdown.WarningPercent = 20 },
		"max above 100":       func(c *AppConfig) { c.Defaults.Drawdown.MaxPercent = 150 },
		"negative leverage":   func(c *AppConfig) { c.Defaults.MaxLeverage = -1 },
		"bad severity":        func(c *AppConfig) { c.Audit.AlertMinSeverity = "LOUD" },
		"asset min over max": func(c *AppConfig) {
			c.Assets = map[string]order.AssetConstraints{"BTC": {MinQty: 2, MaxQty: 1}}
		},
		"unknown trigger": func(c *AppConfig) {
			c.Defaults.KillSwitch.Triggers = []risk.AutoTrigger{{Type: "SOLAR_FLARE", Enabled: true}}
		},
		"breaker without name": func(c *AppConfig) {
			c.Tenants = map[string]TenantPolicy{"acme": {Breakers: []BreakerSpec{{Condition: risk.ConsecutiveLosses(3)}}}}
		},
		"duplicate breaker": func(c *AppConfig) {
			b := BreakerSpec{Name: "streak", Condition: risk.ConsecutiveLosses(3)}
			c.Tenants = map[string]TenantPolicy{"acme": {Breakers: []BreakerSpec{b, b}}}
		},
		"limit without asset": func(c *AppConfig) {
			c.Tenants = map[string]TenantPolicy{"acme": {Limits: []LimitSpec{{Scope: risk.LimitScopeAsset, MaxValue: 10}}}}
		},
		"strategy override above max": func(c *AppConfig) {
			c.Defaults.Drawdown.Strategies = map[string]DrawdownPolicy{"grid": {WarningPercent: 50}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := Validate(cfg); !errors.Is(err, risk.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
