package risk

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Tick 价格观测。
type Tick struct {
	Price float64
	Ts    time.Time
}

// VolatilityConfig 波动率节流配置。阈值为相对涨跌幅（0.03 = 3%）。
type VolatilityConfig struct {
	OneMinuteThresh  float64       `yaml:"oneMinuteThresh"`
	FiveMinuteThresh float64       `yaml:"fiveMinuteThresh"`
	MaxRealizedVol   float64       `yaml:"maxRealizedVol"` // 0 表示不检查
	VolWindow        int           `yaml:"volWindow"`      // 参与已实现波动率的价格点数
	HaltDuration     time.Duration `yaml:"haltDuration"`
}

// VolatilityStatus 单资产节流状态。
type VolatilityStatus struct {
	AssetID         string
	AllowNewEntries bool
	Reason          string
	HaltedUntil     time.Time
	RealizedVol     float64
	LastPrice       float64
	ObservedAt      time.Time
	HasPrice        bool
}

type assetVolatility struct {
	window1m    []Tick
	window5m    []Tick
	prices      []float64
	haltedUntil time.Time
	reason      string
	last        Tick
}

// VolatilityThrottle 基于近期价格跳变和已实现波动率暂停新开仓。
type VolatilityThrottle struct {
	mu     sync.RWMutex
	cfg    VolatilityConfig
	clock  Clock
	assets map[string]*assetVolatility
}

func NewVolatilityThrottle(cfg VolatilityConfig, clock Clock) *VolatilityThrottle {
	if cfg.VolWindow < 2 {
		cfg.VolWindow = 60
	}
	if cfg.HaltDuration <= 0 {
		cfg.HaltDuration = 5 * time.Minute
	}
	return &VolatilityThrottle{
		cfg:    cfg,
		clock:  clockOrDefault(clock),
		assets: make(map[string]*assetVolatility),
	}
}

// UpdateConfig 热更新阈值。
func (v *VolatilityThrottle) UpdateConfig(cfg VolatilityConfig) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cfg.VolWindow < 2 {
		cfg.VolWindow = v.cfg.VolWindow
	}
	if cfg.HaltDuration <= 0 {
		cfg.HaltDuration = v.cfg.HaltDuration
	}
	v.cfg = cfg
}

func assetKey(tenantID, assetID string) string { return Key(tenantID, assetID) }

// ObservePrice 记录价格，返回 (是否触发, 触发窗口 "1m"/"5m"/"vol"/"")。
func (v *VolatilityThrottle) ObservePrice(tenantID, assetID string, t Tick) (bool, string) {
	if t.Price <= 0 {
		return false, ""
	}
	if t.Ts.IsZero() {
		t.Ts = v.clock.Now()
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	a, ok := v.assets[assetKey(tenantID, assetID)]
	if !ok {
		a = &assetVolatility{
			window1m: make([]Tick, 0, 128),
			window5m: make([]Tick, 0, 512),
		}
		v.assets[assetKey(tenantID, assetID)] = a
	}
	a.last = t
	a.window1m = append(a.window1m, t)
	a.window5m = append(a.window5m, t)
	trimTicks(&a.window1m, t.Ts.Add(-1*time.Minute))
	trimTicks(&a.window5m, t.Ts.Add(-5*time.Minute))
	a.prices = append(a.prices, t.Price)
	if len(a.prices) > v.cfg.VolWindow {
		a.prices = a.prices[len(a.prices)-v.cfg.VolWindow:]
	}

	window := ""
	switch {
	case jumped(a.window1m, v.cfg.OneMinuteThresh):
		window = "1m"
	case jumped(a.window5m, v.cfg.FiveMinuteThresh):
		window = "5m"
	case v.cfg.MaxRealizedVol > 0 && realizedVol(a.prices) > v.cfg.MaxRealizedVol:
		window = "vol"
	}
	if window == "" {
		return false, ""
	}
	a.haltedUntil = t.Ts.Add(v.cfg.HaltDuration)
	a.reason = fmt.Sprintf("volatility spike (%s) on %s, entries halted until %s", window, assetID, a.haltedUntil.Format(time.RFC3339))
	return true, window
}

// Status 只读状态；停顿期过后自动恢复。
func (v *VolatilityThrottle) Status(tenantID, assetID string) VolatilityStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()

	st := VolatilityStatus{AssetID: assetID, AllowNewEntries: true}
	a, ok := v.assets[assetKey(tenantID, assetID)]
	if !ok {
		return st
	}
	st.RealizedVol = realizedVol(a.prices)
	st.LastPrice = a.last.Price
	st.ObservedAt = a.last.Ts
	st.HasPrice = a.last.Price > 0
	if v.clock.Now().Before(a.haltedUntil) {
		st.AllowNewEntries = false
		st.HaltedUntil = a.haltedUntil
		st.Reason = a.reason
	}
	return st
}

// LastPrice 最近一次观测价格。
func (v *VolatilityThrottle) LastPrice(tenantID, assetID string) (float64, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	a, ok := v.assets[assetKey(tenantID, assetID)]
	if !ok || a.last.Price <= 0 {
		return 0, false
	}
	return a.last.Price, true
}

func trimTicks(buf *[]Tick, cutoff time.Time) {
	i := 0
	for ; i < len(*buf); i++ {
		if (*buf)[i].Ts.After(cutoff) {
			break
		}
	}
	if i > 0 {
		*buf = (*buf)[i:]
	}
}

func jumped(buf []Tick, thresh float64) bool {
	if thresh <= 0 || len(buf) == 0 {
		return false
	}
	first := buf[0].Price
	last := buf[len(buf)-1].Price
	if first == 0 {
		return false
	}
	change := (last - first) / first
	return change > thresh || change < -thresh
}

// realizedVol 对数收益率标准差按观测数缩放。
func realizedVol(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	rets := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] > 0 {
			rets = append(rets, math.Log(prices[i]/prices[i-1]))
		}
	}
	if len(rets) == 0 {
		return 0
	}
	var sum float64
	for _, r := range rets {
		sum += r
	}
	mean := sum / float64(len(rets))
	var sq float64
	for _, r := range rets {
		d := r - mean
		sq += d * d
	}
	return math.Sqrt(sq/float64(len(rets))) * math.Sqrt(float64(len(rets)))
}
