package risk

import (
	"sync"
	"time"
)

// PnLEntry 单笔已实现盈亏
type PnLEntry struct {
	PnL       float64
	Timestamp time.Time
}

// PnLMetrics PnL指标数据
type PnLMetrics struct {
	RealizedPnL float64   // 累计已实现盈亏
	DailyPnL    float64   // 当日（UTC）盈亏
	Entries     int       // 窗口内记录数
	LastUpdate  time.Time // 最后更新时间
}

type pnlSeries struct {
	entries    []PnLEntry
	realized   float64
	dailyPnL   float64
	day        time.Time
	lastUpdate time.Time
}

// PnLMonitor 按 (tenant, strategy) 维护滚动已实现盈亏窗口，用于快速亏损检测
type PnLMonitor struct {
	mu        sync.RWMutex
	clock     Clock
	retention time.Duration
	series    map[string]*pnlSeries
}

// NewPnLMonitor 创建PnL监控器；retention 默认 24h
func NewPnLMonitor(retention time.Duration, clock Clock) *PnLMonitor {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &PnLMonitor{
		clock:     clockOrDefault(clock),
		retention: retention,
		series:    make(map[string]*pnlSeries),
	}
}

// Record 记录一笔已实现盈亏（成交时调用）
func (m *PnLMonitor) Record(tenantID, strategyID string, pnl float64, ts time.Time) {
	if ts.IsZero() {
		ts = m.clock.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.series[Key(tenantID, strategyID)]
	if !ok {
		s = &pnlSeries{}
		m.series[Key(tenantID, strategyID)] = s
	}
	day := ts.UTC().Truncate(24 * time.Hour)
	if !day.Equal(s.day) {
		// 跨日重置
		s.day = day
		s.dailyPnL = 0
	}
	s.realized += pnl
	s.dailyPnL += pnl
	s.lastUpdate = ts
	s.entries = append(s.entries, PnLEntry{PnL: pnl, Timestamp: ts})

	cutoff := m.clock.Now().Add(-m.retention)
	drop := 0
	for drop < len(s.entries) && s.entries[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		s.entries = append(s.entries[:0], s.entries[drop:]...)
	}
}

// WindowPnL 最近 window 内的净盈亏
func (m *PnLMonitor) WindowPnL(tenantID, strategyID string, window time.Duration) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.series[Key(tenantID, strategyID)]
	if !ok {
		return 0
	}
	from := m.clock.Now().Add(-window)
	var sum float64
	for _, e := range s.entries {
		if !e.Timestamp.Before(from) {
			sum += e.PnL
		}
	}
	return sum
}

// LossPercent 窗口内净亏损占窗口开始时价值的百分比；currentValue 为当前组合价值。
// 窗口内盈利或价值未知时返回 0。
func (m *PnLMonitor) LossPercent(tenantID, strategyID string, window time.Duration, currentValue float64) float64 {
	pnl := m.WindowPnL(tenantID, strategyID, window)
	if pnl >= 0 {
		return 0
	}
	start := currentValue - pnl
	if start <= 0 {
		return 0
	}
	return -pnl / start * 100
}

// GetMetrics 获取当前PnL指标
func (m *PnLMonitor) GetMetrics(tenantID, strategyID string) PnLMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.series[Key(tenantID, strategyID)]
	if !ok {
		return PnLMetrics{}
	}
	daily := s.dailyPnL
	if !m.clock.Now().UTC().Truncate(24 * time.Hour).Equal(s.day) {
		daily = 0
	}
	return PnLMetrics{
		RealizedPnL: s.realized,
		DailyPnL:    daily,
		Entries:     len(s.entries),
		LastUpdate:  s.lastUpdate,
	}
}
