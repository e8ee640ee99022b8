package risk_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-guard-go/gateway"
	"risk-guard-go/internal/risk"
	"risk-guard-go/internal/store"
)

func TestEvaluateLimit_ReportsCurrentAndMax(t *testing.T) {
	l := risk.PositionLimit{LimitID: "l1", TenantID: "t1", Scope: risk.LimitScopeStrategy, StrategyID: "s1", MaxValue: 100, CurrentValue: 150}
	c := risk.EvaluateLimit(l, gateway.SideBuy, 10)
	assert.False(t, c.WithinLimit)
	assert.InDelta(t, 60, c.WouldExceedBy, 1e-9)
	assert.Contains(t, c.Message, "150.00")
	assert.Contains(t, c.Message, "100.00")
}

func TestEvaluateLimit_AssetScopeIsSignedNet(t *testing.T) {
	l := risk.PositionLimit{TenantID: "t1", Scope: risk.LimitScopeAsset, AssetID: "BTC", MaxValue: 100, CurrentValue: -80}

	// 买入减少空头敞口
	c := risk.EvaluateLimit(l, gateway.SideBuy, 50)
	assert.True(t, c.WithinLimit)
	assert.InDelta(t, -30, c.ProjectedExposure, 1e-9)
	assert.InDelta(t, 70, c.RemainingCapacity, 1e-9)

	// 卖出加大空头敞口
	c = risk.EvaluateLimit(l, gateway.SideSell, 50)
	assert.False(t, c.WithinLimit)
	assert.InDelta(t, 30, c.WouldExceedBy, 1e-9)
}

func TestEvaluateLimit_GrossScopes(t *testing.T) {
	l := risk.PositionLimit{TenantID: "t1", Scope: risk.LimitScopePortfolio, MaxValue: 1000, CurrentValue: 900}
	c := risk.EvaluateLimit(l, gateway.SideSell, 100)
	assert.True(t, c.WithinLimit)
	assert.Zero(t, c.RemainingCapacity)

	c = risk.EvaluateLimit(l, gateway.SideSell, 101)
	assert.False(t, c.WithinLimit)
}

func TestPositionLimitEnforcer_CheckOrderAgainstLimits(t *testing.T) {
	ctx := context.Background()
	e := risk.NewPositionLimitEnforcer(store.NewMemory(), risk.NewManualClock(t0), nil)

	for _, l := range []risk.PositionLimit{
		{TenantID: "t1", Scope: risk.LimitScopeAsset, AssetID: "BTC", MaxValue: 500},
		{TenantID: "t1", Scope: risk.LimitScopeAsset, AssetID: "ETH", MaxValue: 500},
		{TenantID: "t1", Scope: risk.LimitScopeStrategy, StrategyID: "s1", MaxValue: 800},
		{TenantID: "t1", Scope: risk.LimitScopeStrategy, StrategyID: "s2", MaxValue: 800},
		{TenantID: "t1", Scope: risk.LimitScopePortfolio, MaxValue: 2000},
		{TenantID: "t2", Scope: risk.LimitScopePortfolio, MaxValue: 1},
	} {
		_, err := e.UpsertLimit(ctx, l)
		require.NoError(t, err)
	}

	order := gateway.OrderRequest{TenantID: "t1", StrategyID: "s1", AssetID: "BTC", Side: gateway.SideBuy, Quantity: 1, Price: 600}
	checks, err := e.CheckOrderAgainstLimits(ctx, order, 600)
	require.NoError(t, err)
	require.Len(t, checks, 3)

	var failed int
	for _, c := range checks {
		if !c.WithinLimit {
			failed++
			assert.Equal(t, risk.LimitScopeAsset, c.Limit.Scope)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestPositionLimitEnforcer_RefreshAndUpsert(t *testing.T) {
	ctx := context.Background()
	e := risk.NewPositionLimitEnforcer(store.NewMemory(), risk.NewManualClock(t0), nil)

	l, err := e.UpsertLimit(ctx, risk.PositionLimit{TenantID: "t1", Scope: risk.LimitScopePortfolio, MaxValue: 100})
	require.NoError(t, err)
	require.NotEmpty(t, l.LimitID)

	l, err = e.RefreshCurrentValue(ctx, "t1", l.LimitID, 42)
	require.NoError(t, err)
	assert.Equal(t, 42.0, l.CurrentValue)

	// 更新配置保留当前值
	l.MaxValue = 200
	l.CurrentValue = 0
	l, err = e.UpsertLimit(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, 42.0, l.CurrentValue)
	assert.Equal(t, 200.0, l.MaxValue)

	_, err = e.RefreshCurrentValue(ctx, "t1", "missing", 1)
	assert.ErrorIs(t, err, risk.ErrNotFound)

	_, err = e.UpsertLimit(ctx, risk.PositionLimit{TenantID: "t1", Scope: risk.LimitScopeAsset, MaxValue: 1})
	assert.ErrorIs(t, err, risk.ErrValidation)
	_, err = e.UpsertLimit(ctx, risk.PositionLimit{TenantID: "t1", Scope: risk.LimitScopePortfolio, MaxValue: -1})
	assert.ErrorIs(t, err, risk.ErrValidation)
}
