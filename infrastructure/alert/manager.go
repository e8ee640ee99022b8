package alert

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"risk-guard-go/internal/risk"
)

// Alert 发往运维通道的告警，由风险事件映射而来。
type Alert struct {
	Severity   risk.Severity
	Type       risk.EventType
	TenantID   string
	StrategyID string
	Message    string
	Timestamp  time.Time
	Fields     map[string]interface{}
	Suppressed int // 上次发出后被合并掉的同类告警数
}

// Key 限流合并维度：租户 + 策略 + 事件类型。
func (a Alert) Key() string {
	return fmt.Sprintf("%s:%s:%s", a.TenantID, a.StrategyID, a.Type)
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Config 告警管理器配置
type Config struct {
	MinSeverity risk.Severity // 低于该级别的事件不告警
	Throttle    time.Duration // 同一 Key 的最小发送间隔
	Clock       risk.Clock
}

// Manager 告警管理器：级别过滤、按 Key 限流合并、多通道分发。
type Manager struct {
	channels []Channel
	min      risk.Severity
	throttle *throttler
	mu       sync.RWMutex
}

// throttler 记录每个 Key 的上次发送时间与期间被合并的次数。
type throttler struct {
	interval   time.Duration
	clock      risk.Clock
	lastSent   map[string]time.Time
	suppressed map[string]int
	mu         sync.Mutex
}

// admit 放行时返回此前被合并的次数并清零。
func (t *throttler) admit(key string, now time.Time) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, seen := t.lastSent[key]
	if seen && now.Sub(last) < t.interval {
		t.suppressed[key]++
		return false, 0
	}
	t.lastSent[key] = now
	n := t.suppressed[key]
	delete(t.suppressed, key)
	return true, n
}

func NewManager(channels []Channel, cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = risk.NowUTC
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = risk.SeverityInfo
	}
	return &Manager{
		channels: channels,
		min:      cfg.MinSeverity,
		throttle: &throttler{
			interval:   cfg.Throttle,
			clock:      cfg.Clock,
			lastSent:   make(map[string]time.Time),
			suppressed: make(map[string]int),
		},
	}
}

// Notify 风险事件转告警。低于最小级别或被限流时返回 nil。
func (m *Manager) Notify(ev risk.RiskEvent) error {
	if !ev.Severity.AtLeast(m.min) {
		return nil
	}
	a := FromRiskEvent(ev)
	if a.Timestamp.IsZero() {
		a.Timestamp = m.throttle.clock.Now()
	}
	ok, n := m.throttle.admit(a.Key(), m.throttle.clock.Now())
	if !ok {
		return nil
	}
	a.Suppressed = n
	return m.dispatch(a)
}

// Send 不经过级别过滤和限流，直接分发。
func (m *Manager) Send(a Alert) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = m.throttle.clock.Now()
	}
	return m.dispatch(a)
}

// dispatch 只有全部通道都失败时才返回错误。
func (m *Manager) dispatch(a Alert) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	delivered := 0
	for _, ch := range m.channels {
		if err := ch.Send(a); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.Name(), err))
			continue
		}
		delivered++
	}
	if delivered == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// FromRiskEvent 风险事件到告警的映射。
func FromRiskEvent(ev risk.RiskEvent) Alert {
	fields := map[string]interface{}{
		"eventId": ev.ID,
		"scope":   ev.Scope,
		"action":  ev.ActionTaken,
	}
	for k, v := range ev.Metadata {
		fields[k] = v
	}
	return Alert{
		Severity:   ev.Severity,
		Type:       ev.Type,
		TenantID:   ev.TenantID,
		StrategyID: ev.StrategyID,
		Message:    fmt.Sprintf("%s: %s", ev.Type, ev.TriggerCondition),
		Timestamp:  ev.Timestamp,
		Fields:     fields,
	}
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// Channels 已注册通道名。
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}
