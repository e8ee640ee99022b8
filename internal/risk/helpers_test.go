package risk_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"risk-guard-go/internal/risk"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

// recorder 收集发出的风险事件
type recorder struct {
	mu     sync.Mutex
	events []risk.RiskEvent
	err    error
}

func (r *recorder) Emit(_ context.Context, ev risk.RiskEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) types() []risk.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]risk.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeCanceller struct {
	mu      sync.Mutex
	pending map[string]int
	calls   int
	err     error
}

func (f *fakeCanceller) CancelAll(_ context.Context, tenantID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	n := f.pending[tenantID]
	f.pending[tenantID] = 0
	return n, f.err
}

type fakeMetrics struct {
	loss     float64
	drawdown float64
	errs     int
}

func (m fakeMetrics) LossPercent(time.Duration) float64 { return m.loss }
func (m fakeMetrics) DrawdownPercent() float64          { return m.drawdown }
func (m fakeMetrics) ErrorCount(time.Duration) int      { return m.errs }

var errBoom = errors.New("boom")
