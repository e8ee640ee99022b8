package config

import (
	"fmt"
	"sort"

	"risk-guard-go/internal/risk"
)

// Validate ensures required fields are present and every tenant policy is usable.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return invalid("env is required")
	}
	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			return invalid("store.path is required for sqlite driver")
		}
	default:
		return invalid("store.driver must be memory or sqlite, got %q", cfg.Store.Driver)
	}
	if cfg.Audit.Buffer < 0 || cfg.Audit.FeedReplay < 0 {
		return invalid("audit buffer sizes must be >= 0")
	}
	switch cfg.Audit.AlertMinSeverity {
	case "", risk.SeverityInfo, risk.SeverityWarning, risk.SeverityCritical:
	default:
		return invalid("audit.alertMinSeverity %q unknown", cfg.Audit.AlertMinSeverity)
	}
	if cfg.PreTrade.CheckTimeout < 0 {
		return invalid("pretrade.checkTimeout must be >= 0")
	}
	if cfg.Gateway.RatePerSecond < 0 || cfg.Gateway.Burst < 0 {
		return invalid("gateway rate limits must be >= 0")
	}
	if cfg.Reconcile.Interval < 0 || cfg.Reconcile.Tolerance < 0 {
		return invalid("reconcile interval/tolerance must be >= 0")
	}
	if cfg.Volatility.OneMinuteThresh < 0 || cfg.Volatility.FiveMinuteThresh < 0 || cfg.Volatility.MaxRealizedVol < 0 {
		return invalid("volatility thresholds must be >= 0")
	}
	for asset, c := range cfg.Assets {
		if err := c.Check(); err != nil {
			return fmt.Errorf("asset %s: %w", asset, err)
		}
	}

	if err := validatePolicy("defaults", cfg.Defaults); err != nil {
		return err
	}
	tenants := make([]string, 0, len(cfg.Tenants))
	for id := range cfg.Tenants {
		tenants = append(tenants, id)
	}
	sort.Strings(tenants)
	for _, id := range tenants {
		if id == "" {
			return invalid("tenant id must not be empty")
		}
		if err := validatePolicy("tenants."+id, merge(cfg.Defaults, cfg.Tenants[id])); err != nil {
			return err
		}
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", risk.ErrValidation, fmt.Sprintf(format, args...))
}
