package risk

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Severity 风险事件级别。
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// AtLeast 未知级别按 INFO 处理。
func (s Severity) AtLeast(min Severity) bool { return s.rank() >= min.rank() }

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// EventType 风险事件类型。
type EventType string

const (
	EventDrawdownWarning       EventType = "DRAWDOWN_WARNING"
	EventDrawdownCritical      EventType = "DRAWDOWN_CRITICAL"
	EventStrategyPaused        EventType = "STRATEGY_PAUSED"
	EventStrategyResumed       EventType = "STRATEGY_RESUMED"
	EventDrawdownReset         EventType = "DRAWDOWN_RESET"
	EventKillSwitchActivated   EventType = "KILL_SWITCH_ACTIVATED"
	EventKillSwitchDeactivated EventType = "KILL_SWITCH_DEACTIVATED"
	EventCircuitBreakerTripped EventType = "CIRCUIT_BREAKER_TRIPPED"
	EventCircuitBreakerReset   EventType = "CIRCUIT_BREAKER_RESET"
	EventPositionDiscrepancy   EventType = "POSITION_DISCREPANCY"
)

// RiskEvent 不可变的审计记录，只产生不修改。
type RiskEvent struct {
	ID               string                 `json:"id"`
	Type             EventType              `json:"type"`
	Severity         Severity               `json:"severity"`
	TenantID         string                 `json:"tenantId"`
	StrategyID       string                 `json:"strategyId,omitempty"`
	Scope            string                 `json:"scope"`
	TriggerCondition string                 `json:"triggerCondition"`
	ActionTaken      string                 `json:"actionTaken"`
	Timestamp        time.Time              `json:"timestamp"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent 构造事件并复制 metadata，调用方后续修改 map 不影响已产生的事件。
func NewEvent(now time.Time, typ EventType, sev Severity, tenantID, strategyID, scope, trigger, action string, metadata map[string]interface{}) RiskEvent {
	md := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return RiskEvent{
		ID:               uuid.NewString(),
		Type:             typ,
		Severity:         sev,
		TenantID:         tenantID,
		StrategyID:       strategyID,
		Scope:            scope,
		TriggerCondition: trigger,
		ActionTaken:      action,
		Timestamp:        now,
		Metadata:         md,
	}
}

// Emitter 风险事件出口（审计总线实现）。发送失败不得回滚已生效的保护状态。
type Emitter interface {
	Emit(ctx context.Context, ev RiskEvent) error
}

// EmitterFunc 函数适配。
type EmitterFunc func(ctx context.Context, ev RiskEvent) error

func (f EmitterFunc) Emit(ctx context.Context, ev RiskEvent) error { return f(ctx, ev) }

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, RiskEvent) error { return nil }

// NopEmitter 丢弃所有事件。
var NopEmitter Emitter = nopEmitter{}

func emitterOrNop(e Emitter) Emitter {
	if e == nil {
		return NopEmitter
	}
	return e
}
