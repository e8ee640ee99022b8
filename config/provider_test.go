package config

import (
	"errors"
	"testing"
	"time"

	"risk-guard-go/internal/risk"
)

func sampleProvider(t *testing.T) *Provider {
	t.Helper()
	cfg, err := Load(writeTempConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	return p
}

func TestProvider_TenantOverridesFallBackToDefaults(t *testing.T) {
	p := sampleProvider(t)

	if w, m := p.DrawdownThresholds("acme", ""); w != 4 || m != 12 {
		t.Fatalf("acme portfolio thresholds = %v/%v, want 4/12", w, m)
	}
	if w, m := p.DrawdownThresholds("acme", "grid"); w != 2 || m != 12 {
		t.Fatalf("acme grid thresholds = %v/%v, want 2/12", w, m)
	}
	if w, m := p.DrawdownThresholds("unknown", "grid"); w != 4 || m != 8 {
		t.Fatalf("unknown tenant thresholds = %v/%v, want defaults 4/8", w, m)
	}
	if got := p.MaxLeverage("acme"); got != 5 {
		t.Fatalf("acme leverage = %v", got)
	}
	if got := p.MaxLeverage("other"); got != 3 {
		t.Fatalf("default leverage = %v", got)
	}

	s := p.PostTradeSettings("acme", "grid")
	if s.InitialCapital != 100000 || s.RapidLossThreshold != 3 || s.RapidLossWindow != 10*time.Minute {
		t.Fatalf("unexpected settings: %+v", s)
	}
	if p.PostTradeSettings("other", "").InitialCapital != 0 {
		t.Fatalf("tenant without capital must not track value")
	}

	ks := p.KillSwitchPolicy("acme")
	if !ks.RequireAuthToken || len(ks.Triggers) != 1 || ks.Triggers[0].Type != risk.AutoTriggerErrorBurst {
		t.Fatalf("unexpected kill switch policy: %+v", ks)
	}
	if got := p.Tenants(); len(got) != 1 || got[0] != "acme" {
		t.Fatalf("tenants = %v", got)
	}
}

func TestProvider_StableGeneratedIDs(t *testing.T) {
	p := sampleProvider(t)
	b1 := p.Breakers("acme")
	if len(b1) != 1 || b1[0].BreakerID == "" || b1[0].TenantID != "acme" {
		t.Fatalf("unexpected breakers: %+v", b1)
	}
	if b1[0].Scope != risk.BreakerScopeTenant || !b1[0].AutoResetEnabled {
		t.Fatalf("breaker defaults not applied: %+v", b1[0])
	}
	if err := p.Update(p.Snapshot()); err != nil {
		t.Fatalf("update: %v", err)
	}
	if b2 := p.Breakers("acme"); b2[0].BreakerID != b1[0].BreakerID {
		t.Fatalf("breaker id changed across reload: %s != %s", b2[0].BreakerID, b1[0].BreakerID)
	}

	l := p.Limits("acme")
	if len(l) != 1 || l[0].LimitID == "" || l[0].AssetID != "BTC" || l[0].MaxValue != 50000 {
		t.Fatalf("unexpected limits: %+v", l)
	}
	if len(p.Limits("other")) != 0 {
		t.Fatalf("tenant without limits got some")
	}
}

func TestProvider_UpdateRejectsInvalidAndNotifies(t *testing.T) {
	p := sampleProvider(t)
	var calls int
	var prevMax float64
	p.OnChange(func(old, cur AppConfig) {
		calls++
		prevMax = old.Defaults.Drawdown.MaxPercent
	})

	bad := p.Snapshot()
	bad.Defaults.Drawdown.WarningPercent = 99
	if err := p.Update(bad); !errors.Is(err, risk.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("listener called for rejected update")
	}
	if w, _ := p.DrawdownThresholds("other", ""); w != 4 {
		t.Fatalf("rejected update leaked: warning=%v", w)
	}

	good := p.Snapshot()
	good.Defaults.Drawdown.MaxPercent = 9
	if err := p.Update(good); err != nil {
		t.Fatalf("update: %v", err)
	}
	if calls != 1 || prevMax != 8 {
		t.Fatalf("listener calls=%d prevMax=%v", calls, prevMax)
	}
	if _, m := p.DrawdownThresholds("other", ""); m != 9 {
		t.Fatalf("update not applied: max=%v", m)
	}
}

func TestProvider_RequireAuthTokenOverride(t *testing.T) {
	cfg := Default()
	off := false
	cfg.Tenants = map[string]TenantPolicy{"lab": {KillSwitch: KillSwitchPolicy{RequireAuthToken: &off}}}
	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if p.KillSwitchPolicy("lab").RequireAuthToken {
		t.Fatalf("override ignored")
	}
	if !p.KillSwitchPolicy("prod").RequireAuthToken {
		t.Fatalf("default must require token")
	}
}
