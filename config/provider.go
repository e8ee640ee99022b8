package config

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"risk-guard-go/internal/risk"
	"risk-guard-go/posttrade"
)

// idNamespace 配置里未写 id 的 breaker/limit 用它生成稳定 ID，重载时不丢运行状态。
var idNamespace = uuid.MustParse("6f1c2a53-8d0e-4b7a-9a44-3c1d2b8e5f70")

// Provider 持有当前生效的配置快照，按租户解析风控参数。
// 实现 risk.ThresholdSource、risk.KillSwitchPolicySource、
// posttrade.SettingsSource 与 pretrade.LeveragePolicy。
type Provider struct {
	cur atomic.Pointer[AppConfig]

	mu        sync.Mutex
	listeners []func(old, cur AppConfig)
}

func NewProvider(cfg AppConfig) (*Provider, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	p := &Provider{}
	p.cur.Store(&cfg)
	return p, nil
}

// Snapshot 当前配置。
func (p *Provider) Snapshot() AppConfig { return *p.cur.Load() }

// OnChange 注册配置变更回调，Update 成功后按注册顺序同步调用。
func (p *Provider) OnChange(fn func(old, cur AppConfig)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Update 校验并替换配置；校验失败时保留旧配置。
func (p *Provider) Update(cfg AppConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.cur.Swap(&cfg)
	for _, fn := range p.listeners {
		fn(*old, cfg)
	}
	return nil
}

// Policy 租户生效参数（defaults 与租户覆盖合并后）。
func (p *Provider) Policy(tenantID string) TenantPolicy {
	cfg := p.cur.Load()
	if o, ok := cfg.Tenants[tenantID]; ok {
		return merge(cfg.Defaults, o)
	}
	return cfg.Defaults
}

// Tenants 配置中显式声明的租户，已排序。
func (p *Provider) Tenants() []string {
	cfg := p.cur.Load()
	out := make([]string, 0, len(cfg.Tenants))
	for id := range cfg.Tenants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *Provider) DrawdownThresholds(tenantID, strategyID string) (float64, float64) {
	d := p.Policy(tenantID).Drawdown
	if strategyID != "" {
		if s, ok := d.Strategies[strategyID]; ok {
			s = withFallback(s, d)
			return s.WarningPercent, s.MaxPercent
		}
	}
	return d.WarningPercent, d.MaxPercent
}

func (p *Provider) KillSwitchPolicy(tenantID string) risk.KillSwitchPolicy {
	ks := p.Policy(tenantID).KillSwitch
	out := risk.KillSwitchPolicy{RequireAuthToken: true}
	if ks.RequireAuthToken != nil {
		out.RequireAuthToken = *ks.RequireAuthToken
	}
	out.Triggers = append(out.Triggers, ks.Triggers...)
	return out
}

func (p *Provider) PostTradeSettings(tenantID, strategyID string) posttrade.Settings {
	pol := p.Policy(tenantID)
	return posttrade.Settings{
		InitialCapital:     pol.InitialCapital,
		StrategyCapital:    pol.StrategyCapital[strategyID],
		RapidLossThreshold: pol.RapidLoss.Percent,
		RapidLossWindow:    pol.RapidLoss.Window,
	}
}

func (p *Provider) MaxLeverage(tenantID string) float64 {
	return p.Policy(tenantID).MaxLeverage
}

// Breakers 租户配置的熔断器定义，只含配置字段，运行状态由 CircuitBreakers 保留。
func (p *Provider) Breakers(tenantID string) []risk.CircuitBreakerState {
	specs := p.Policy(tenantID).Breakers
	out := make([]risk.CircuitBreakerState, 0, len(specs))
	for _, b := range specs {
		out = append(out, b.state(tenantID))
	}
	return out
}

func (p *Provider) Limits(tenantID string) []risk.PositionLimit {
	specs := p.Policy(tenantID).Limits
	out := make([]risk.PositionLimit, 0, len(specs))
	for _, l := range specs {
		out = append(out, l.limit(tenantID))
	}
	return out
}

func (b BreakerSpec) state(tenantID string) risk.CircuitBreakerState {
	id := b.ID
	if id == "" {
		id = uuid.NewSHA1(idNamespace, []byte(tenantID+"/breaker/"+b.Name)).String()
	}
	scope := b.Scope
	if scope == "" {
		scope = risk.BreakerScopeTenant
	}
	autoReset := true
	if b.AutoReset != nil {
		autoReset = *b.AutoReset
	}
	return risk.CircuitBreakerState{
		BreakerID:        id,
		TenantID:         tenantID,
		Name:             b.Name,
		Condition:        b.Condition,
		Scope:            scope,
		ScopeID:          b.ScopeID,
		CooldownMinutes:  b.CooldownMinutes,
		AutoResetEnabled: autoReset,
	}
}

func (l LimitSpec) limit(tenantID string) risk.PositionLimit {
	id := l.ID
	if id == "" {
		key := string(l.Scope) + "/" + l.AssetID + "/" + l.StrategyID
		id = uuid.NewSHA1(idNamespace, []byte(tenantID+"/limit/"+key)).String()
	}
	return risk.PositionLimit{
		LimitID:    id,
		TenantID:   tenantID,
		Scope:      l.Scope,
		AssetID:    l.AssetID,
		StrategyID: l.StrategyID,
		MaxValue:   l.MaxValue,
	}
}

// merge 租户覆盖中的零值字段回落到 defaults；切片与 map 整体替换。
func merge(def, o TenantPolicy) TenantPolicy {
	out := def
	if o.Drawdown.WarningPercent > 0 {
		out.Drawdown.WarningPercent = o.Drawdown.WarningPercent
	}
	if o.Drawdown.MaxPercent > 0 {
		out.Drawdown.MaxPercent = o.Drawdown.MaxPercent
	}
	if o.Drawdown.Strategies != nil {
		out.Drawdown.Strategies = o.Drawdown.Strategies
	}
	if o.KillSwitch.RequireAuthToken != nil {
		out.KillSwitch.RequireAuthToken = o.KillSwitch.RequireAuthToken
	}
	if o.KillSwitch.Triggers != nil {
		out.KillSwitch.Triggers = o.KillSwitch.Triggers
	}
	if o.MaxLeverage > 0 {
		out.MaxLeverage = o.MaxLeverage
	}
	if o.InitialCapital > 0 {
		out.InitialCapital = o.InitialCapital
	}
	if o.StrategyCapital != nil {
		out.StrategyCapital = o.StrategyCapital
	}
	if o.RapidLoss.Percent > 0 {
		out.RapidLoss.Percent = o.RapidLoss.Percent
	}
	if o.RapidLoss.Window > 0 {
		out.RapidLoss.Window = o.RapidLoss.Window
	}
	if o.Breakers != nil {
		out.Breakers = o.Breakers
	}
	if o.Limits != nil {
		out.Limits = o.Limits
	}
	return out
}

func withFallback(s, parent DrawdownPolicy) DrawdownPolicy {
	if s.WarningPercent <= 0 {
		s.WarningPercent = parent.WarningPercent
	}
	if s.MaxPercent <= 0 {
		s.MaxPercent = parent.MaxPercent
	}
	return s
}
