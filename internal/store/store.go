package store

import (
	"context"
	"sort"
	"sync"

	"risk-guard-go/internal/risk"
	"risk-guard-go/inventory"
)

// Memory 进程内仓储，实现各组件的 Repository 接口。
// 读取返回副本，调用方修改不会影响已存状态。
type Memory struct {
	mu sync.RWMutex

	positions  map[string]inventory.Position
	drawdowns  map[string]risk.DrawdownState
	killSwitch map[string]risk.KillSwitchState
	breakers   map[string]map[string]risk.CircuitBreakerState
	limits     map[string]map[string]risk.PositionLimit
	portfolio  map[string]float64
}

func NewMemory() *Memory {
	return &Memory{
		positions:  make(map[string]inventory.Position),
		drawdowns:  make(map[string]risk.DrawdownState),
		killSwitch: make(map[string]risk.KillSwitchState),
		breakers:   make(map[string]map[string]risk.CircuitBreakerState),
		limits:     make(map[string]map[string]risk.PositionLimit),
		portfolio:  make(map[string]float64),
	}
}

func posKey(tenantID, assetID, strategyID string) string {
	return tenantID + "|" + assetID + "|" + strategyID
}

// GetPosition 仓位
func (m *Memory) GetPosition(_ context.Context, tenantID, assetID, strategyID string) (inventory.Position, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[posKey(tenantID, assetID, strategyID)]
	return p, ok, nil
}

func (m *Memory) SavePosition(_ context.Context, p inventory.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[posKey(p.TenantID, p.AssetID, p.StrategyID)] = p
	return nil
}

func (m *Memory) ListPositions(_ context.Context, tenantID string) ([]inventory.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []inventory.Position
	for _, p := range m.positions {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssetID != out[j].AssetID {
			return out[i].AssetID < out[j].AssetID
		}
		return out[i].StrategyID < out[j].StrategyID
	})
	return out, nil
}

// GetDrawdown 回撤
func (m *Memory) GetDrawdown(_ context.Context, tenantID, strategyID string) (risk.DrawdownState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.drawdowns[risk.Key(tenantID, strategyID)]
	return s, ok, nil
}

func (m *Memory) SaveDrawdown(_ context.Context, s risk.DrawdownState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drawdowns[risk.Key(s.TenantID, s.StrategyID)] = s
	return nil
}

func (m *Memory) ListDrawdowns(_ context.Context, tenantID string) ([]risk.DrawdownState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []risk.DrawdownState
	for _, s := range m.drawdowns {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out, nil
}

// GetKillSwitch 急停
func (m *Memory) GetKillSwitch(_ context.Context, tenantID string) (risk.KillSwitchState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.killSwitch[tenantID]
	return s, ok, nil
}

func (m *Memory) SaveKillSwitch(_ context.Context, s risk.KillSwitchState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killSwitch[s.TenantID] = s
	return nil
}

// ListBreakers 熔断器
func (m *Memory) ListBreakers(_ context.Context, tenantID string) ([]risk.CircuitBreakerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]risk.CircuitBreakerState, 0, len(m.breakers[tenantID]))
	for _, b := range m.breakers[tenantID] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BreakerID < out[j].BreakerID })
	return out, nil
}

func (m *Memory) GetBreaker(_ context.Context, tenantID, breakerID string) (risk.CircuitBreakerState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[tenantID][breakerID]
	return b, ok, nil
}

func (m *Memory) SaveBreaker(_ context.Context, b risk.CircuitBreakerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakers[b.TenantID] == nil {
		m.breakers[b.TenantID] = make(map[string]risk.CircuitBreakerState)
	}
	m.breakers[b.TenantID][b.BreakerID] = b
	return nil
}

// ListLimits 仓位限额
func (m *Memory) ListLimits(_ context.Context, tenantID string) ([]risk.PositionLimit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]risk.PositionLimit, 0, len(m.limits[tenantID]))
	for _, l := range m.limits[tenantID] {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LimitID < out[j].LimitID })
	return out, nil
}

func (m *Memory) GetLimit(_ context.Context, tenantID, limitID string) (risk.PositionLimit, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.limits[tenantID][limitID]
	return l, ok, nil
}

func (m *Memory) SaveLimit(_ context.Context, l risk.PositionLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limits[l.TenantID] == nil {
		m.limits[l.TenantID] = make(map[string]risk.PositionLimit)
	}
	m.limits[l.TenantID][l.LimitID] = l
	return nil
}

// GetPortfolioValue 组合价值；strategyID 为空表示租户总值。
func (m *Memory) GetPortfolioValue(_ context.Context, tenantID, strategyID string) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.portfolio[risk.Key(tenantID, strategyID)]
	return v, ok, nil
}

func (m *Memory) SetPortfolioValue(_ context.Context, tenantID, strategyID string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portfolio[risk.Key(tenantID, strategyID)] = value
	return nil
}
