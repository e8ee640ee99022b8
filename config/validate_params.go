package config

import (
	"fmt"
)

// validatePolicy 校验合并后的租户参数；breaker/limit 复用领域类型自身的校验。
func validatePolicy(path string, p TenantPolicy) error {
	if err := validateThresholds(path+".drawdown", p.Drawdown); err != nil {
		return err
	}
	for strategy, d := range p.Drawdown.Strategies {
		if err := validateThresholds(fmt.Sprintf("%s.drawdown.strategies.%s", path, strategy), withFallback(d, p.Drawdown)); err != nil {
			return err
		}
	}
	if p.MaxLeverage < 0 {
		return invalid("%s.maxLeverage must be >= 0", path)
	}
	if p.InitialCapital < 0 {
		return invalid("%s.initialCapital must be >= 0", path)
	}
	for strategy, c := range p.StrategyCapital {
		if c < 0 {
			return invalid("%s.strategyCapital.%s must be >= 0", path, strategy)
		}
	}
	if p.RapidLoss.Percent < 0 || p.RapidLoss.Percent > 100 {
		return invalid("%s.rapidLoss.percent must be in [0,100]", path)
	}
	for i, t := range p.KillSwitch.Triggers {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%s.killSwitch.triggers[%d]: %w", path, i, err)
		}
	}
	seen := make(map[string]bool)
	for i, b := range p.Breakers {
		st := b.state("validate")
		if err := st.Validate(); err != nil {
			return fmt.Errorf("%s.breakers[%d]: %w", path, i, err)
		}
		if seen[st.BreakerID] {
			return invalid("%s.breakers[%d]: duplicate breaker %q", path, i, st.BreakerID)
		}
		seen[st.BreakerID] = true
	}
	for i, l := range p.Limits {
		if err := l.limit("validate").Validate(); err != nil {
			return fmt.Errorf("%s.limits[%d]: %w", path, i, err)
		}
	}
	return nil
}

func validateThresholds(path string, d DrawdownPolicy) error {
	if d.WarningPercent <= 0 || d.MaxPercent <= 0 || d.MaxPercent > 100 {
		return invalid("%s thresholds must be in (0,100], got warning=%v max=%v", path, d.WarningPercent, d.MaxPercent)
	}
	if d.WarningPercent >= d.MaxPercent {
		return invalid("%s warningPercent must be < maxPercent", path)
	}
	return nil
}
