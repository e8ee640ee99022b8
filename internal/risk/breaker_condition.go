package risk

import (
	"fmt"
	"time"
)

// ConditionType 熔断条件类型。
type ConditionType string

const (
	ConditionLossRate          ConditionType = "LOSS_RATE"
	ConditionErrorRate         ConditionType = "ERROR_RATE"
	ConditionConsecutiveLosses ConditionType = "CONSECUTIVE_LOSSES"
	ConditionTradeRate         ConditionType = "TRADE_RATE"
)

// BreakerCondition 熔断条件，按 Type 区分使用的字段：
//   - LOSS_RATE{Percent, WindowMinutes}: 窗口内已实现亏损占组合价值百分比
//   - ERROR_RATE{Percent, WindowMinutes, MinSamples}: 窗口内错误占全部事件百分比
//   - CONSECUTIVE_LOSSES{Count}: 连续亏损平仓笔数
//   - TRADE_RATE{MaxTrades, WindowMinutes}: 窗口内成交笔数上限
type BreakerCondition struct {
	Type          ConditionType `yaml:"type" json:"type"`
	Percent       float64       `yaml:"percent,omitempty" json:"percent,omitempty"`
	WindowMinutes int           `yaml:"windowMinutes,omitempty" json:"windowMinutes,omitempty"`
	Count         int           `yaml:"count,omitempty" json:"count,omitempty"`
	MaxTrades     int           `yaml:"maxTrades,omitempty" json:"maxTrades,omitempty"`
	MinSamples    int           `yaml:"minSamples,omitempty" json:"minSamples,omitempty"`
}

// LossRate 构造 LOSS_RATE 条件。
func LossRate(percent float64, windowMinutes int) BreakerCondition {
	return BreakerCondition{Type: ConditionLossRate, Percent: percent, WindowMinutes: windowMinutes}
}

// ErrorRate 构造 ERROR_RATE 条件。
func ErrorRate(percent float64, windowMinutes int) BreakerCondition {
	return BreakerCondition{Type: ConditionErrorRate, Percent: percent, WindowMinutes: windowMinutes}
}

// ConsecutiveLosses 构造 CONSECUTIVE_LOSSES 条件。
func ConsecutiveLosses(count int) BreakerCondition {
	return BreakerCondition{Type: ConditionConsecutiveLosses, Count: count}
}

// TradeRate 构造 TRADE_RATE 条件。
func TradeRate(maxTrades, windowMinutes int) BreakerCondition {
	return BreakerCondition{Type: ConditionTradeRate, MaxTrades: maxTrades, WindowMinutes: windowMinutes}
}

// Validate 校验条件参数。
func (c BreakerCondition) Validate() error {
	switch c.Type {
	case ConditionLossRate, ConditionErrorRate:
		if c.Percent <= 0 || c.Percent > 100 {
			return fmt.Errorf("%w: %s percent must be in (0,100], got %v", ErrValidation, c.Type, c.Percent)
		}
		if c.WindowMinutes <= 0 {
			return fmt.Errorf("%w: %s windowMinutes must be > 0", ErrValidation, c.Type)
		}
		if c.MinSamples < 0 {
			return fmt.Errorf("%w: minSamples must be >= 0", ErrValidation)
		}
	case ConditionConsecutiveLosses:
		if c.Count <= 0 {
			return fmt.Errorf("%w: CONSECUTIVE_LOSSES count must be > 0", ErrValidation)
		}
	case ConditionTradeRate:
		if c.MaxTrades <= 0 || c.WindowMinutes <= 0 {
			return fmt.Errorf("%w: TRADE_RATE needs maxTrades > 0 and windowMinutes > 0", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown breaker condition %q", ErrValidation, c.Type)
	}
	return nil
}

// Window 评估窗口；CONSECUTIVE_LOSSES 不限窗口（只看上次状态变化之后的事件）。
func (c BreakerCondition) Window() time.Duration {
	if c.WindowMinutes <= 0 {
		return 0
	}
	return time.Duration(c.WindowMinutes) * time.Minute
}

// evaluate 对新鲜事件求值。events 按时间升序。
func (c BreakerCondition) evaluate(events []BreakerEvent, portfolioValue float64) (bool, string) {
	switch c.Type {
	case ConditionLossRate:
		var pnl float64
		for _, ev := range events {
			if ev.Kind == BreakerEventTrade {
				pnl += ev.PnL
			}
		}
		if pnl >= 0 || portfolioValue+(-pnl) <= 0 {
			return false, ""
		}
		loss := -pnl
		pct := loss / (portfolioValue + loss) * 100
		if pct >= c.Percent {
			return true, fmt.Sprintf("loss rate %.2f%% >= %.2f%% within %dm", pct, c.Percent, c.WindowMinutes)
		}
	case ConditionErrorRate:
		var errs int
		for _, ev := range events {
			if ev.Kind == BreakerEventError {
				errs++
			}
		}
		minSamples := c.MinSamples
		if minSamples <= 0 {
			minSamples = 1
		}
		if len(events) < minSamples || errs == 0 {
			return false, ""
		}
		pct := float64(errs) / float64(len(events)) * 100
		if pct >= c.Percent {
			return true, fmt.Sprintf("error rate %.2f%% >= %.2f%% (%d/%d) within %dm", pct, c.Percent, errs, len(events), c.WindowMinutes)
		}
	case ConditionConsecutiveLosses:
		streak := 0
		for i := len(events) - 1; i >= 0; i-- {
			ev := events[i]
			if ev.Kind != BreakerEventTrade || !ev.Realizing {
				continue
			}
			if ev.PnL >= 0 {
				break
			}
			streak++
		}
		if streak >= c.Count {
			return true, fmt.Sprintf("%d consecutive losing trades >= %d", streak, c.Count)
		}
	case ConditionTradeRate:
		var trades int
		for _, ev := range events {
			if ev.Kind == BreakerEventTrade {
				trades++
			}
		}
		if trades > c.MaxTrades {
			return true, fmt.Sprintf("%d trades > %d within %dm", trades, c.MaxTrades, c.WindowMinutes)
		}
	}
	return false, ""
}
