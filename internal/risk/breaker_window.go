package risk

import (
	"sync"
	"time"
)

// BreakerEventKind 熔断窗口事件类型。
type BreakerEventKind string

const (
	BreakerEventTrade BreakerEventKind = "TRADE"
	BreakerEventError BreakerEventKind = "ERROR"
)

// BreakerEvent 熔断窗口中的一条记录。Realizing 表示该成交实现了盈亏（平仓方向）。
type BreakerEvent struct {
	Kind       BreakerEventKind
	StrategyID string
	AssetID    string
	PnL        float64
	Notional   float64
	Realizing  bool
	Timestamp  time.Time
}

// eventWindow 单租户滚动事件窗口。
type eventWindow struct {
	mu     sync.RWMutex
	events []BreakerEvent
}

func (w *eventWindow) append(ev BreakerEvent, cutoff time.Time, maxLen int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
	// 乱序到达时插回有序位置
	for i := len(w.events) - 1; i > 0 && w.events[i].Timestamp.Before(w.events[i-1].Timestamp); i-- {
		w.events[i], w.events[i-1] = w.events[i-1], w.events[i]
	}
	drop := 0
	for drop < len(w.events) && w.events[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(w.events) - drop - maxLen; over > 0 {
		drop += over
	}
	if drop > 0 {
		w.events = append(w.events[:0], w.events[drop:]...)
	}
}

// since 返回时间严格晚于 after 且不早于 from 的事件副本，满足 filter。
func (w *eventWindow) since(after, from time.Time, filter func(BreakerEvent) bool) []BreakerEvent {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []BreakerEvent
	for _, ev := range w.events {
		if !ev.Timestamp.After(after) || ev.Timestamp.Before(from) {
			continue
		}
		if filter != nil && !filter(ev) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

type windowSet struct {
	mu      sync.Mutex
	windows map[string]*eventWindow
}

func newWindowSet() *windowSet {
	return &windowSet{windows: make(map[string]*eventWindow)}
}

func (s *windowSet) get(tenantID string) *eventWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[tenantID]
	if !ok {
		w = &eventWindow{}
		s.windows[tenantID] = w
	}
	return w
}
