package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"risk-guard-go/infrastructure/logger"
	"risk-guard-go/infrastructure/monitor"
	"risk-guard-go/internal/risk"
	"risk-guard-go/order"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env        string                            `yaml:"env"`
	Logging    logger.Config                     `yaml:"logging"`
	Metrics    MetricsConfig                     `yaml:"metrics"`
	Store      StoreConfig                       `yaml:"store"`
	Audit      AuditConfig                       `yaml:"audit"`
	PreTrade   PreTradeConfig                    `yaml:"pretrade"`
	Gateway    GatewayConfig                     `yaml:"gateway"`
	Reconcile  ReconcileConfig                   `yaml:"reconcile"`
	Volatility risk.VolatilityConfig             `yaml:"volatility"`
	Assets     map[string]order.AssetConstraints `yaml:"assets"`
	Defaults   TenantPolicy                      `yaml:"defaults"`
	Tenants    map[string]TenantPolicy           `yaml:"tenants"`
}

type MetricsConfig struct {
	monitor.Config `yaml:",inline"`
	ListenAddr     string `yaml:"listenAddr"`
}

// StoreConfig 选择仓储实现：memory 或 sqlite。
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type AuditConfig struct {
	Buffer           int           `yaml:"buffer"`
	AlertMinSeverity risk.Severity `yaml:"alertMinSeverity"`
	AlertThrottle    time.Duration `yaml:"alertThrottle"`
	FeedReplay       int           `yaml:"feedReplay"`
}

type PreTradeConfig struct {
	CheckTimeout time.Duration `yaml:"checkTimeout"`
}

// GatewayConfig 下单/撤单限速。
type GatewayConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

type ReconcileConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Tolerance float64       `yaml:"tolerance"`
}

// TenantPolicy 租户风控参数。tenants 下的条目只需写与 defaults 不同的字段。
type TenantPolicy struct {
	Drawdown        DrawdownPolicy     `yaml:"drawdown"`
	KillSwitch      KillSwitchPolicy   `yaml:"killSwitch"`
	MaxLeverage     float64            `yaml:"maxLeverage"`
	InitialCapital  float64            `yaml:"initialCapital"`
	StrategyCapital map[string]float64 `yaml:"strategyCapital"`
	RapidLoss       RapidLossPolicy    `yaml:"rapidLoss"`
	Breakers        []BreakerSpec      `yaml:"breakers"`
	Limits          []LimitSpec        `yaml:"limits"`
}

type DrawdownPolicy struct {
	WarningPercent float64                   `yaml:"warningPercent"`
	MaxPercent     float64                   `yaml:"maxPercent"`
	Strategies     map[string]DrawdownPolicy `yaml:"strategies"`
}

type KillSwitchPolicy struct {
	RequireAuthToken *bool              `yaml:"requireAuthToken"`
	Triggers         []risk.AutoTrigger `yaml:"triggers"`
}

type RapidLossPolicy struct {
	Percent float64       `yaml:"percent"`
	Window  time.Duration `yaml:"window"`
}

type BreakerSpec struct {
	ID              string                `yaml:"id"`
	Name            string                `yaml:"name"`
	Condition       risk.BreakerCondition `yaml:"condition"`
	Scope           risk.BreakerScope     `yaml:"scope"`
	ScopeID         string                `yaml:"scopeId"`
	CooldownMinutes int                   `yaml:"cooldownMinutes"`
	AutoReset       *bool                 `yaml:"autoReset"`
}

type LimitSpec struct {
	ID         string          `yaml:"id"`
	Scope      risk.LimitScope `yaml:"scope"`
	AssetID    string          `yaml:"assetId"`
	StrategyID string          `yaml:"strategyId"`
	MaxValue   float64         `yaml:"maxValue"`
}

// Default 返回可直接运行的默认配置（内存仓储、无租户覆盖）。
func Default() AppConfig {
	requireToken := true
	return AppConfig{
		Env:     "dev",
		Logging: logger.DefaultConfig(),
		Metrics: MetricsConfig{Config: monitor.DefaultConfig(), ListenAddr: ":9102"},
		Store:   StoreConfig{Driver: "memory"},
		Audit: AuditConfig{
			Buffer:           1024,
			AlertMinSeverity: risk.SeverityWarning,
			AlertThrottle:    time.Minute,
			FeedReplay:       100,
		},
		PreTrade:  PreTradeConfig{CheckTimeout: 250 * time.Millisecond},
		Gateway:   GatewayConfig{RatePerSecond: 10, Burst: 20},
		Reconcile: ReconcileConfig{Interval: 30 * time.Second, Tolerance: 0.0001},
		Volatility: risk.VolatilityConfig{
			OneMinuteThresh:  0.03,
			FiveMinuteThresh: 0.05,
			VolWindow:        30,
			HaltDuration:     5 * time.Minute,
		},
		Defaults: TenantPolicy{
			Drawdown:    DrawdownPolicy{WarningPercent: 5, MaxPercent: 10},
			KillSwitch:  KillSwitchPolicy{RequireAuthToken: &requireToken},
			MaxLeverage: 3,
			RapidLoss:   RapidLossPolicy{Window: 5 * time.Minute},
		},
	}
}

// Load reads YAML config from path on top of Default and validates it.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse yaml: %v", risk.ErrValidation, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides deployment fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, Validate(cfg)
}

func applyEnv(cfg *AppConfig) {
	if v := os.Getenv("RISK_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("RISK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RISK_METRICS_ADDR"); v != "" {
		cfg.Metrics.ListenAddr = v
	}
	if v := os.Getenv("RISK_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("RISK_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
}
