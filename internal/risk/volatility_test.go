package risk_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"risk-guard-go/internal/risk"
)

func TestVolatilityThrottle_JumpHaltsEntries(t *testing.T) {
	clock := risk.NewManualClock(t0)
	v := risk.NewVolatilityThrottle(risk.VolatilityConfig{
		OneMinuteThresh:  0.02,
		FiveMinuteThresh: 0.05,
		HaltDuration:     3 * time.Minute,
	}, clock)

	tripped, _ := v.ObservePrice("t1", "BTC", risk.Tick{Price: 100, Ts: clock.Now()})
	assert.False(t, tripped)
	assert.True(t, v.Status("t1", "BTC").AllowNewEntries)

	clock.Advance(30 * time.Second)
	tripped, window := v.ObservePrice("t1", "BTC", risk.Tick{Price: 103, Ts: clock.Now()})
	assert.True(t, tripped)
	assert.Equal(t, "1m", window)

	st := v.Status("t1", "BTC")
	assert.False(t, st.AllowNewEntries)
	assert.Contains(t, st.Reason, "BTC")
	assert.Equal(t, 103.0, st.LastPrice)

	// 其他资产、其他租户不受影响
	assert.True(t, v.Status("t1", "ETH").AllowNewEntries)
	assert.True(t, v.Status("t2", "BTC").AllowNewEntries)

	clock.Advance(3 * time.Minute)
	assert.True(t, v.Status("t1", "BTC").AllowNewEntries)
}

func TestVolatilityThrottle_FiveMinuteWindow(t *testing.T) {
	clock := risk.NewManualClock(t0)
	v := risk.NewVolatilityThrottle(risk.VolatilityConfig{OneMinuteThresh: 0.02, FiveMinuteThresh: 0.03}, clock)

	prices := []float64{100, 101, 102, 103, 104}
	var tripped bool
	var window string
	for _, p := range prices {
		tripped, window = v.ObservePrice("t1", "BTC", risk.Tick{Price: p, Ts: clock.Now()})
		clock.Advance(50 * time.Second)
	}
	assert.True(t, tripped)
	assert.Equal(t, "5m", window)
}

func TestVolatilityThrottle_LastPrice(t *testing.T) {
	v := risk.NewVolatilityThrottle(risk.VolatilityConfig{}, risk.NewManualClock(t0))
	_, ok := v.LastPrice("t1", "BTC")
	assert.False(t, ok)

	v.ObservePrice("t1", "BTC", risk.Tick{Price: 0})
	_, ok = v.LastPrice("t1", "BTC")
	assert.False(t, ok)

	v.ObservePrice("t1", "BTC", risk.Tick{Price: 99.5})
	p, ok := v.LastPrice("t1", "BTC")
	assert.True(t, ok)
	assert.Equal(t, 99.5, p)
}
