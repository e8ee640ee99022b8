package posttrade_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-guard-go/gateway"
	"risk-guard-go/internal/risk"
	"risk-guard-go/internal/store"
	"risk-guard-go/inventory"
	"risk-guard-go/posttrade"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

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

func (r *recorder) count(typ risk.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	mem     *store.Memory
	clock   *risk.ManualClock
	rec     *recorder
	tracker *inventory.Tracker
	dd      *risk.DrawdownTracker
	ks      *risk.KillSwitch
	cb      *risk.CircuitBreakers
	limits  *risk.PositionLimitEnforcer
	vol     *risk.VolatilityThrottle
	updater *posttrade.Updater
}

func newHarness(t *testing.T, settings posttrade.Settings, policy risk.KillSwitchPolicy) *harness {
	t.Helper()
	h := &harness{mem: store.NewMemory(), clock: risk.NewManualClock(t0), rec: &recorder{}}
	var err error
	h.tracker = inventory.NewTracker(h.mem, h.clock)
	h.dd, err = risk.NewDrawdownTracker(risk.DrawdownTrackerConfig{
		Repo: h.mem, Clock: h.clock, Emitter: h.rec, Thresholds: risk.StaticThresholds{Warning: 5, Max: 10},
	})
	require.NoError(t, err)
	h.ks, err = risk.NewKillSwitch(risk.KillSwitchConfig{
		Repo: h.mem, Clock: h.clock, Emitter: h.rec, Policy: risk.StaticKillSwitchPolicy(policy),
	})
	require.NoError(t, err)
	h.cb, err = risk.NewCircuitBreakers(risk.CircuitBreakersConfig{Repo: h.mem, Clock: h.clock, Emitter: h.rec})
	require.NoError(t, err)
	h.limits = risk.NewPositionLimitEnforcer(h.mem, h.clock, nil)
	h.vol = risk.NewVolatilityThrottle(risk.VolatilityConfig{OneMinuteThresh: 0.5}, h.clock)
	h.updater, err = posttrade.NewUpdater(posttrade.Config{
		Positions:  h.tracker,
		Values:     h.mem,
		Drawdown:   h.dd,
		PnL:        risk.NewPnLMonitor(time.Hour, h.clock),
		KillSwitch: h.ks,
		Breakers:   h.cb,
		Limits:     h.limits,
		Volatility: h.vol,
		Settings:   posttrade.StaticSettings(settings),
		Emitter:    h.rec,
		Clock:      h.clock,
	})
	require.NoError(t, err)
	return h
}

func exec(side gateway.Side, qty, price, commission float64) gateway.ExecutionReport {
	return gateway.ExecutionReport{
		TenantID:         "t1",
		StrategyID:       "s1",
		AssetID:          "BTC",
		Side:             side,
		ExecutedQuantity: qty,
		ExecutedPrice:    price,
		Commission:       commission,
	}
}

func (h *harness) process(t *testing.T, e gateway.ExecutionReport) posttrade.PostTradeResult {
	t.Helper()
	res, err := h.updater.ProcessExecution(context.Background(), e)
	require.NoError(t, err)
	return res
}

func TestCalculateRealizedPnL(t *testing.T) {
	sell := exec(gateway.SideSell, 5, 110, 1)
	assert.InDelta(t, 49, posttrade.CalculateRealizedPnL(sell, 100), 1e-9)

	buy := exec(gateway.SideBuy, 5, 110, 1)
	assert.InDelta(t, -1, posttrade.CalculateRealizedPnL(buy, 100), 1e-9)
}

func TestProcessExecution_RealizedPnLUsesAverageBeforeFill(t *testing.T) {
	h := newHarness(t, posttrade.Settings{}, risk.KillSwitchPolicy{})

	h.process(t, exec(gateway.SideBuy, 10, 100, 0))
	// 卖出超过持仓：按全部成交数量结算
	res := h.process(t, exec(gateway.SideSell, 15, 110, 0))
	assert.InDelta(t, 150, res.RealizedPnL, 1e-9)
	assert.Equal(t, -5.0, res.Position.Quantity)

	// 买入只计手续费，包括空头回补
	res = h.process(t, exec(gateway.SideBuy, 5, 120, 1))
	assert.InDelta(t, -1, res.RealizedPnL, 1e-9)
	assert.Equal(t, 0.0, res.Position.Quantity)
}

func TestProcessExecution_UpdatesPositionAndValue(t *testing.T) {
	h := newHarness(t, posttrade.Settings{InitialCapital: 10000}, risk.KillSwitchPolicy{})

	res := h.process(t, exec(gateway.SideBuy, 10, 100, 1))
	assert.Equal(t, 10.0, res.Position.Quantity)
	assert.InDelta(t, -1, res.RealizedPnL, 1e-9)
	assert.True(t, res.ValueTracked)
	assert.InDelta(t, 9999, res.PortfolioValue, 1e-9)

	res = h.process(t, exec(gateway.SideSell, 5, 110, 1))
	assert.InDelta(t, 49, res.RealizedPnL, 1e-9)
	assert.Equal(t, 100.0, res.PreviousPosition.AveragePrice)
	assert.Equal(t, 5.0, res.Position.Quantity)
	assert.InDelta(t, 10048, res.PortfolioValue, 1e-9)
	assert.InDelta(t, 10048, res.StrategyValue, 1e-9)

	v, ok, err := h.mem.GetPortfolioValue(context.Background(), "t1", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 10048, v, 1e-9)

	require.NotNil(t, res.PortfolioDrawdown)
	assert.Equal(t, risk.DrawdownNormal, res.PortfolioDrawdown.Status)
	assert.Empty(t, res.Events)
	assert.NoError(t, res.AuditErr)
}

func TestProcessExecution_UntrackedValueSkipsDrawdown(t *testing.T) {
	h := newHarness(t, posttrade.Settings{}, risk.KillSwitchPolicy{})
	res := h.process(t, exec(gateway.SideBuy, 1, 100, 1))
	assert.False(t, res.ValueTracked)
	assert.Nil(t, res.PortfolioDrawdown)
	assert.Nil(t, res.StrategyDrawdown)

	_, found, err := h.dd.GetState(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProcessExecution_DrawdownEscalatesAndPauses(t *testing.T) {
	h := newHarness(t, posttrade.Settings{InitialCapital: 1000}, risk.KillSwitchPolicy{})
	ctx := context.Background()

	h.process(t, exec(gateway.SideBuy, 10, 100, 0))
	res := h.process(t, exec(gateway.SideSell, 10, 93, 0))
	assert.InDelta(t, 930, res.PortfolioValue, 1e-9)
	assert.Equal(t, risk.DrawdownWarning, res.PortfolioDrawdown.Status)
	assert.Equal(t, 2, h.rec.count(risk.EventDrawdownWarning))
	assert.Empty(t, res.Paused)

	h.process(t, exec(gateway.SideBuy, 10, 100, 0))
	res = h.process(t, exec(gateway.SideSell, 10, 95, 0))
	assert.InDelta(t, 880, res.PortfolioValue, 1e-9)
	assert.ElementsMatch(t, []string{"s1", ""}, res.Paused)
	assert.Equal(t, risk.DrawdownPaused, res.PortfolioDrawdown.Status)
	assert.Equal(t, risk.DrawdownPaused, res.StrategyDrawdown.Status)
	assert.Equal(t, 2, h.rec.count(risk.EventDrawdownCritical))
	assert.Equal(t, 2, h.rec.count(risk.EventStrategyPaused))

	// 恢复盈利也不会自动解除 PAUSED
	h.process(t, exec(gateway.SideBuy, 10, 100, 0))
	res = h.process(t, exec(gateway.SideSell, 10, 150, 0))
	assert.Equal(t, risk.DrawdownPaused, res.StrategyDrawdown.Status)
	assert.Empty(t, res.Paused)
	assert.Equal(t, 2, h.rec.count(risk.EventStrategyPaused))

	st, err := h.dd.ResumeStrategy(ctx, "t1", "s1", "token", "ops")
	require.NoError(t, err)
	assert.Equal(t, risk.DrawdownNormal, st.Status)
}

func TestProcessExecution_RapidLossActivatesKillSwitch(t *testing.T) {
	h := newHarness(t, posttrade.Settings{
		InitialCapital:     1000,
		RapidLossThreshold: 5,
		RapidLossWindow:    10 * time.Minute,
	}, risk.KillSwitchPolicy{RequireAuthToken: true})
	ctx := context.Background()

	h.process(t, exec(gateway.SideBuy, 10, 100, 0))
	res := h.process(t, exec(gateway.SideSell, 10, 94, 0))
	require.NotNil(t, res.KillSwitch)
	assert.Equal(t, risk.TriggerAutomatic, res.KillSwitch.State.TriggerType)
	assert.Equal(t, risk.SystemActor, res.KillSwitch.State.ActivatedBy)
	assert.Contains(t, res.KillSwitch.State.Reason, "rapid loss")

	active, err := h.ks.IsActive(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, 1, h.rec.count(risk.EventKillSwitchActivated))

	// 已激活时不再重复触发
	h.process(t, exec(gateway.SideBuy, 10, 100, 0))
	res = h.process(t, exec(gateway.SideSell, 10, 99, 0))
	assert.Nil(t, res.KillSwitch)
	assert.Equal(t, 1, h.rec.count(risk.EventKillSwitchActivated))
}

func TestProcessExecution_ErrorBurstTrigger(t *testing.T) {
	h := newHarness(t, posttrade.Settings{}, risk.KillSwitchPolicy{
		RequireAuthToken: true,
		Triggers: []risk.AutoTrigger{
			{Type: risk.AutoTriggerErrorBurst, Enabled: true, Count: 3, WindowMinutes: 5},
		},
	})
	for i := 0; i < 2; i++ {
		res, err := h.updater.RecordError(context.Background(), "t1", "s1", "BTC")
		require.NoError(t, err)
		assert.Nil(t, res.KillSwitch)
	}
	res, err := h.updater.RecordError(context.Background(), "t1", "s1", "BTC")
	require.NoError(t, err)
	require.NotNil(t, res.KillSwitch)
	assert.Contains(t, res.KillSwitch.State.Reason, "ERROR_BURST")
}

func TestRecordError_TripsBreakerWithoutExecutions(t *testing.T) {
	h := newHarness(t, posttrade.Settings{}, risk.KillSwitchPolicy{
		RequireAuthToken: true,
		Triggers: []risk.AutoTrigger{
			{Type: risk.AutoTriggerErrorBurst, Enabled: true, Count: 20, WindowMinutes: 5},
		},
	})
	ctx := context.Background()
	_, err := h.cb.UpsertBreaker(ctx, risk.CircuitBreakerState{
		TenantID:        "t1",
		Name:            "exchange-errors",
		Condition:       risk.ErrorRate(50, 5),
		Scope:           risk.BreakerScopeTenant,
		CooldownMinutes: 10,
	})
	require.NoError(t, err)
	h.clock.Advance(time.Second)

	res, err := h.updater.RecordError(ctx, "t1", "s1", "BTC")
	require.NoError(t, err)
	require.Len(t, res.OpenedBreakers, 1)
	assert.Equal(t, "exchange-errors", res.OpenedBreakers[0].Name)
	assert.Equal(t, 1, h.rec.count(risk.EventCircuitBreakerTripped))

	st, err := h.cb.Status(ctx, "t1", risk.BreakerContext{StrategyID: "s1", AssetID: "BTC"})
	require.NoError(t, err)
	assert.False(t, st.AllClosed)

	for i := 0; i < 19; i++ {
		_, err = h.updater.RecordError(ctx, "t1", "s1", "BTC")
		require.NoError(t, err)
	}
	active, err := h.ks.IsActive(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, 1, h.rec.count(risk.EventCircuitBreakerTripped))
	assert.Equal(t, 1, h.rec.count(risk.EventKillSwitchActivated))
}

func TestNoteError_OnlyRecords(t *testing.T) {
	h := newHarness(t, posttrade.Settings{}, risk.KillSwitchPolicy{
		Triggers: []risk.AutoTrigger{
			{Type: risk.AutoTriggerErrorBurst, Enabled: true, Count: 1, WindowMinutes: 5},
		},
	})
	h.updater.NoteError("t1", "s1", "BTC")
	assert.Equal(t, 1, h.cb.ErrorCount("t1", time.Minute))
	active, err := h.ks.IsActive(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestProcessExecution_BreakerTripEmitsEvent(t *testing.T) {
	h := newHarness(t, posttrade.Settings{}, risk.KillSwitchPolicy{})
	ctx := context.Background()
	_, err := h.cb.UpsertBreaker(ctx, risk.CircuitBreakerState{
		TenantID:        "t1",
		Name:            "two-losers",
		Condition:       risk.ConsecutiveLosses(2),
		Scope:           risk.BreakerScopeStrategy,
		ScopeID:         "s1",
		CooldownMinutes: 15,
	})
	require.NoError(t, err)
	h.clock.Advance(time.Second)

	h.process(t, exec(gateway.SideBuy, 1, 100, 0))
	res := h.process(t, exec(gateway.SideSell, 1, 99, 0))
	assert.Empty(t, res.OpenedBreakers)
	h.process(t, exec(gateway.SideBuy, 1, 100, 0))
	res = h.process(t, exec(gateway.SideSell, 1, 98, 0))
	require.Len(t, res.OpenedBreakers, 1)
	assert.Equal(t, "two-losers", res.OpenedBreakers[0].Name)
	assert.Equal(t, 1, h.rec.count(risk.EventCircuitBreakerTripped))
	require.Len(t, res.Events, 1)
	assert.Equal(t, risk.SeverityCritical, res.Events[0].Severity)
}

func TestProcessExecution_RefreshesLimits(t *testing.T) {
	h := newHarness(t, posttrade.Settings{}, risk.KillSwitchPolicy{})
	ctx := context.Background()
	asset, err := h.limits.UpsertLimit(ctx, risk.PositionLimit{TenantID: "t1", Scope: risk.LimitScopeAsset, AssetID: "BTC", MaxValue: 5000})
	require.NoError(t, err)
	port, err := h.limits.UpsertLimit(ctx, risk.PositionLimit{TenantID: "t1", Scope: risk.LimitScopePortfolio, MaxValue: 5000})
	require.NoError(t, err)

	h.process(t, exec(gateway.SideBuy, 10, 100, 0))
	other := exec(gateway.SideSell, 2, 50, 0)
	other.AssetID = "ETH"
	h.process(t, other)

	l, _, err := h.mem.GetLimit(ctx, "t1", asset.LimitID)
	require.NoError(t, err)
	assert.InDelta(t, 1000, l.CurrentValue, 1e-9)
	l, _, err = h.mem.GetLimit(ctx, "t1", port.LimitID)
	require.NoError(t, err)
	assert.InDelta(t, 1100, l.CurrentValue, 1e-9)
}

func TestProcessExecution_AuditFailureKeepsState(t *testing.T) {
	h := newHarness(t, posttrade.Settings{InitialCapital: 1000}, risk.KillSwitchPolicy{})
	h.rec.err = errors.New("audit down")

	h.process(t, exec(gateway.SideBuy, 10, 100, 0))
	res, err := h.updater.ProcessExecution(context.Background(), exec(gateway.SideSell, 10, 85, 0))
	require.NoError(t, err)
	require.Error(t, res.AuditErr)
	assert.Contains(t, res.AuditErr.Error(), "audit down")
	assert.Equal(t, risk.DrawdownPaused, res.PortfolioDrawdown.Status)

	st, found, err := h.dd.GetState(context.Background(), "t1", "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, risk.DrawdownPaused, st.Status)
}

func TestProcessExecution_VolatilityObserved(t *testing.T) {
	h := newHarness(t, posttrade.Settings{}, risk.KillSwitchPolicy{})
	h.process(t, exec(gateway.SideBuy, 1, 100, 0))
	res := h.process(t, exec(gateway.SideBuy, 1, 200, 0))
	assert.Equal(t, "1m", res.VolatilityTripped)
	assert.False(t, h.vol.Status("t1", "BTC").AllowNewEntries)
}

func TestProcessExecution_InvalidExecution(t *testing.T) {
	h := newHarness(t, posttrade.Settings{}, risk.KillSwitchPolicy{})
	_, err := h.updater.ProcessExecution(context.Background(), exec(gateway.SideBuy, 1, 0, 0))
	assert.ErrorIs(t, err, risk.ErrValidation)
}

func TestNewUpdater_RequiresDependencies(t *testing.T) {
	_, err := posttrade.NewUpdater(posttrade.Config{})
	assert.ErrorIs(t, err, risk.ErrValidation)
}

func TestProcessExecution_ConcurrentFillsSerialized(t *testing.T) {
	h := newHarness(t, posttrade.Settings{InitialCapital: 100000}, risk.KillSwitchPolicy{})
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.updater.ProcessExecution(context.Background(), exec(gateway.SideBuy, 1, 100, 1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	v, _, err := h.mem.GetPortfolioValue(context.Background(), "t1", "")
	require.NoError(t, err)
	assert.InDelta(t, 100000-40, v, 1e-9)
	p, err := h.tracker.GetPosition(context.Background(), "t1", "BTC", "s1")
	require.NoError(t, err)
	assert.Equal(t, 40.0, p.Quantity)
}
