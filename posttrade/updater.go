package posttrade

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"risk-guard-go/gateway"
	"risk-guard-go/internal/risk"
	"risk-guard-go/inventory"
)

// Settings 成交后处理的租户配置。
type Settings struct {
	// InitialCapital 组合价值的初始值；为 0 时不跟踪价值，也不更新回撤。
	InitialCapital float64
	// StrategyCapital 策略价值初始值，0 时取 InitialCapital。
	StrategyCapital float64
	// RapidLossThreshold 窗口内亏损百分比阈值，0 关闭。
	RapidLossThreshold float64
	RapidLossWindow    time.Duration
}

// SettingsSource 按租户/策略提供配置（热更新）。
type SettingsSource interface {
	PostTradeSettings(tenantID, strategyID string) Settings
}

// StaticSettings 固定配置。
type StaticSettings Settings

func (s StaticSettings) PostTradeSettings(string, string) Settings { return Settings(s) }

// PositionLedger 仓位账本。
type PositionLedger interface {
	ProcessExecution(ctx context.Context, exec gateway.ExecutionReport) (inventory.Update, error)
	ListPositions(ctx context.Context, tenantID string) ([]inventory.Position, error)
}

// PortfolioValues 组合/策略价值存储，strategyID 为空表示组合级。
type PortfolioValues interface {
	GetPortfolioValue(ctx context.Context, tenantID, strategyID string) (float64, bool, error)
	SetPortfolioValue(ctx context.Context, tenantID, strategyID string, value float64) error
}

type DrawdownUpdater interface {
	UpdateValue(ctx context.Context, tenantID, strategyID string, newValue float64) (risk.DrawdownUpdate, error)
	PauseStrategy(ctx context.Context, tenantID, strategyID, reason string) (risk.DrawdownState, error)
}

type KillSwitchTrigger interface {
	ActivateAutomatic(ctx context.Context, tenantID, reason string) (risk.ActivationResult, error)
	EvaluateTriggers(ctx context.Context, tenantID string, metrics risk.TriggerMetrics) (risk.ActivationResult, bool, error)
}

type BreakerRecorder interface {
	RecordEvent(tenantID string, ev risk.BreakerEvent)
	CheckBreakers(ctx context.Context, tenantID string, bctx risk.BreakerContext) (risk.BreakerCheck, error)
	ErrorCount(tenantID string, window time.Duration) int
}

type LimitRefresher interface {
	ListLimits(ctx context.Context, tenantID string) ([]risk.PositionLimit, error)
	RefreshCurrentValue(ctx context.Context, tenantID, limitID string, value float64) (risk.PositionLimit, error)
}

type PriceObserver interface {
	ObservePrice(tenantID, assetID string, t risk.Tick) (bool, string)
}

// Observer 成交处理计数。
type Observer interface {
	ObserveExecution(tenantID string, realizedPnL float64, elapsed time.Duration)
}

// Config 更新器依赖。Positions/Values/Drawdown/PnL 必填。
type Config struct {
	Positions  PositionLedger
	Values     PortfolioValues
	Drawdown   DrawdownUpdater
	PnL        *risk.PnLMonitor
	KillSwitch KillSwitchTrigger
	Breakers   BreakerRecorder
	Limits     LimitRefresher
	Volatility PriceObserver
	Settings   SettingsSource
	Emitter    risk.Emitter
	Observer   Observer
	Clock      risk.Clock
	Logger     *zap.Logger
}

// PostTradeResult 一笔成交的处理结果。
type PostTradeResult struct {
	Position          inventory.Position
	PreviousPosition  inventory.Position
	RealizedPnL       float64
	ValueTracked      bool
	StrategyValue     float64
	PortfolioValue    float64
	StrategyDrawdown  *risk.DrawdownState
	PortfolioDrawdown *risk.DrawdownState
	KillSwitch        *risk.ActivationResult
	OpenedBreakers    []risk.CircuitBreakerState
	ClosedBreakers    []risk.CircuitBreakerState
	Paused            []string // 被暂停的 strategyID，"" 表示组合
	VolatilityTripped string
	Events            []risk.RiskEvent
	// AuditErr 事件发送失败的汇总；不影响已生效的风控状态。
	AuditErr error
}

// Updater 成交后按顺序更新仓位、盈亏、组合价值、回撤，并触发熔断/急停升级。
// 同一租户的处理串行执行，组合级状态在租户内共享。
type Updater struct {
	cfg   Config
	locks *risk.KeyedMutex
}

func NewUpdater(cfg Config) (*Updater, error) {
	if cfg.Positions == nil || cfg.Values == nil || cfg.Drawdown == nil || cfg.PnL == nil {
		return nil, fmt.Errorf("%w: post-trade updater needs positions, values, drawdown and pnl", risk.ErrValidation)
	}
	if cfg.Settings == nil {
		cfg.Settings = StaticSettings{}
	}
	if cfg.Clock == nil {
		cfg.Clock = risk.NowUTC
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = risk.EmitterFunc(func(context.Context, risk.RiskEvent) error { return nil })
	}
	return &Updater{cfg: cfg, locks: risk.NewKeyedMutex()}, nil
}

// ProcessExecution 处理一笔成交。仓位更新失败时直接返回；之后的步骤出错会继续执行
// 剩余的保护步骤，并在最后返回汇总错误与部分结果。
func (u *Updater) ProcessExecution(ctx context.Context, exec gateway.ExecutionReport) (PostTradeResult, error) {
	start := time.Now()
	if err := exec.Validate(); err != nil {
		return PostTradeResult{}, fmt.Errorf("%w: %v", risk.ErrValidation, err)
	}
	unlock := u.locks.Lock(risk.Key(exec.TenantID, ""))
	defer unlock()

	now := u.cfg.Clock.Now()
	ts := exec.Timestamp
	if ts.IsZero() {
		ts = now
	}
	tenant, strategy := exec.TenantID, exec.StrategyID
	settings := u.cfg.Settings.PostTradeSettings(tenant, strategy)
	log := u.cfg.Logger.With(zap.String("tenant", tenant), zap.String("strategy", strategy), zap.String("asset", exec.AssetID))

	var res PostTradeResult
	var stepErrs, auditErrs []error

	// 1. 仓位
	upd, err := u.cfg.Positions.ProcessExecution(ctx, exec)
	if err != nil {
		return PostTradeResult{}, err
	}
	res.Position, res.PreviousPosition = upd.Position, upd.Previous

	// 2-3. 已实现盈亏与滚动窗口
	res.RealizedPnL = CalculateRealizedPnL(exec, upd.Previous.AveragePrice)
	u.cfg.PnL.Record(tenant, strategy, res.RealizedPnL, ts)
	if strategy != "" {
		u.cfg.PnL.Record(tenant, "", res.RealizedPnL, ts)
	}

	if u.cfg.Volatility != nil {
		if tripped, window := u.cfg.Volatility.ObservePrice(tenant, exec.AssetID, risk.Tick{Price: exec.ExecutedPrice, Ts: ts}); tripped {
			res.VolatilityTripped = window
			log.Warn("volatility throttle tripped by execution price", zap.String("window", window), zap.Float64("price", exec.ExecutedPrice))
		}
	}

	if err := u.refreshLimits(ctx, exec); err != nil {
		stepErrs = append(stepErrs, err)
	}

	// 4. 组合/策略价值
	portfolioCap := settings.InitialCapital
	strategyCap := settings.StrategyCapital
	if strategyCap <= 0 {
		strategyCap = portfolioCap
	}
	var strategyTracked bool
	res.PortfolioValue, res.ValueTracked, err = u.applyValue(ctx, tenant, "", portfolioCap, res.RealizedPnL)
	if err != nil {
		stepErrs = append(stepErrs, err)
	}
	if strategy != "" {
		res.StrategyValue, strategyTracked, err = u.applyValue(ctx, tenant, strategy, strategyCap, res.RealizedPnL)
		if err != nil {
			stepErrs = append(stepErrs, err)
		}
	}

	// 5. 回撤
	var ddUpdates []risk.DrawdownUpdate
	if strategyTracked {
		if du, err := u.cfg.Drawdown.UpdateValue(ctx, tenant, strategy, res.StrategyValue); err != nil {
			stepErrs = append(stepErrs, err)
		} else {
			ddUpdates = append(ddUpdates, du)
			st := du.State
			res.StrategyDrawdown = &st
		}
	}
	if res.ValueTracked {
		if du, err := u.cfg.Drawdown.UpdateValue(ctx, tenant, "", res.PortfolioValue); err != nil {
			stepErrs = append(stepErrs, err)
		} else {
			ddUpdates = append(ddUpdates, du)
			st := du.State
			res.PortfolioDrawdown = &st
		}
	}

	// 6. 急停
	if u.cfg.KillSwitch != nil {
		if err := u.evaluateKillSwitch(ctx, &res, settings, tenant, strategy, log); err != nil {
			stepErrs = append(stepErrs, err)
		}
	}

	// 7. 熔断
	if u.cfg.Breakers != nil {
		u.cfg.Breakers.RecordEvent(tenant, risk.BreakerEvent{
			Kind:       risk.BreakerEventTrade,
			StrategyID: strategy,
			AssetID:    exec.AssetID,
			PnL:        res.RealizedPnL,
			Notional:   exec.ExecutedQuantity * exec.ExecutedPrice,
			Realizing:  reducing(upd.Previous, exec.Side),
			Timestamp:  ts,
		})
		errs, err := u.checkBreakers(ctx, &res, tenant, strategy, exec.AssetID, res.PortfolioValue, now)
		auditErrs = append(auditErrs, errs...)
		if err != nil {
			stepErrs = append(stepErrs, err)
		}
	}

	// 8. 回撤升级
	for _, du := range ddUpdates {
		errs, err := u.escalateDrawdown(ctx, &res, du, now, log)
		auditErrs = append(auditErrs, errs...)
		if err != nil {
			stepErrs = append(stepErrs, err)
		}
	}

	res.AuditErr = errors.Join(auditErrs...)
	if res.AuditErr != nil {
		log.Error("risk event delivery failed", zap.Error(res.AuditErr))
	}
	if u.cfg.Observer != nil {
		u.cfg.Observer.ObserveExecution(tenant, res.RealizedPnL, time.Since(start))
	}
	if err := errors.Join(stepErrs...); err != nil {
		log.Error("post-trade processing incomplete", zap.Error(err))
		return res, fmt.Errorf("post-trade %s/%s: %w", tenant, exec.AssetID, err)
	}
	return res, nil
}

// RecordError 记录一次下单/撤单错误并立即评估熔断与急停。
// 交易所故障期间没有成交回报，ERROR_RATE 熔断和 ERROR_BURST 急停只能在这里触发。
// 与 ProcessExecution 共用租户锁；调用方不能持有急停锁（急停撤单路径用 NoteError）。
func (u *Updater) RecordError(ctx context.Context, tenantID, strategyID, assetID string) (PostTradeResult, error) {
	if u.cfg.Breakers == nil {
		return PostTradeResult{}, nil
	}
	unlock := u.locks.Lock(risk.Key(tenantID, ""))
	defer unlock()

	now := u.cfg.Clock.Now()
	u.cfg.Breakers.RecordEvent(tenantID, risk.BreakerEvent{
		Kind:       risk.BreakerEventError,
		StrategyID: strategyID,
		AssetID:    assetID,
		Timestamp:  now,
	})
	log := u.cfg.Logger.With(zap.String("tenant", tenantID), zap.String("strategy", strategyID), zap.String("asset", assetID))

	var res PostTradeResult
	var stepErrs, auditErrs []error
	value, _, err := u.cfg.Values.GetPortfolioValue(ctx, tenantID, "")
	if err != nil {
		stepErrs = append(stepErrs, fmt.Errorf("%w: load portfolio value: %v", risk.ErrInternal, err))
	}
	errs, err := u.checkBreakers(ctx, &res, tenantID, strategyID, assetID, value, now)
	auditErrs = append(auditErrs, errs...)
	if err != nil {
		stepErrs = append(stepErrs, err)
	}
	if u.cfg.KillSwitch != nil {
		// 只评估错误相关指标；亏损与回撤由成交路径评估
		ar, fired, err := u.cfg.KillSwitch.EvaluateTriggers(ctx, tenantID, triggerMetrics{u: u, res: &res, tenant: tenantID, strategy: strategyID})
		if err != nil {
			stepErrs = append(stepErrs, err)
		} else if fired {
			log.Error("kill switch auto-activated", zap.String("reason", ar.State.Reason))
			res.KillSwitch = &ar
		}
	}

	res.AuditErr = errors.Join(auditErrs...)
	if res.AuditErr != nil {
		log.Error("risk event delivery failed", zap.Error(res.AuditErr))
	}
	if err := errors.Join(stepErrs...); err != nil {
		log.Error("error escalation incomplete", zap.Error(err))
		return res, fmt.Errorf("record error %s: %w", tenantID, err)
	}
	return res, nil
}

// NoteError 只把错误计入滚动窗口，不评估。急停撤单时已持有急停锁，在那里评估会重入。
func (u *Updater) NoteError(tenantID, strategyID, assetID string) {
	if u.cfg.Breakers == nil {
		return
	}
	u.cfg.Breakers.RecordEvent(tenantID, risk.BreakerEvent{
		Kind:       risk.BreakerEventError,
		StrategyID: strategyID,
		AssetID:    assetID,
		Timestamp:  u.cfg.Clock.Now(),
	})
}

// checkBreakers 执行熔断状态迁移，并为新打开/关闭的熔断器发事件。
func (u *Updater) checkBreakers(ctx context.Context, res *PostTradeResult, tenant, strategy, asset string, portfolioValue float64, now time.Time) ([]error, error) {
	check, err := u.cfg.Breakers.CheckBreakers(ctx, tenant, risk.BreakerContext{
		StrategyID:     strategy,
		AssetID:        asset,
		PortfolioValue: portfolioValue,
	})
	res.OpenedBreakers = check.NewlyOpened
	res.ClosedBreakers = check.NewlyClosed
	var audit []error
	for _, b := range check.NewlyOpened {
		audit = append(audit, u.emit(ctx, res, b.TripEvent(now)))
	}
	for _, b := range check.NewlyClosed {
		audit = append(audit, u.emit(ctx, res, b.CloseEvent(now)))
	}
	return audit, err
}

func (u *Updater) applyValue(ctx context.Context, tenantID, strategyID string, initial, delta float64) (float64, bool, error) {
	v, found, err := u.cfg.Values.GetPortfolioValue(ctx, tenantID, strategyID)
	if err != nil {
		return 0, false, fmt.Errorf("%w: load portfolio value: %v", risk.ErrInternal, err)
	}
	if !found {
		if initial <= 0 {
			return 0, false, nil
		}
		v = initial
	}
	v += delta
	if err := u.cfg.Values.SetPortfolioValue(ctx, tenantID, strategyID, v); err != nil {
		return v, true, fmt.Errorf("%w: save portfolio value: %v", risk.ErrInternal, err)
	}
	return v, true, nil
}

func (u *Updater) refreshLimits(ctx context.Context, exec gateway.ExecutionReport) error {
	if u.cfg.Limits == nil {
		return nil
	}
	limits, err := u.cfg.Limits.ListLimits(ctx, exec.TenantID)
	if err != nil || len(limits) == 0 {
		return err
	}
	positions, err := u.cfg.Positions.ListPositions(ctx, exec.TenantID)
	if err != nil {
		return err
	}
	var errs []error
	for _, l := range limits {
		if !l.Matches(exec.StrategyID, exec.AssetID) {
			continue
		}
		var v float64
		switch l.Scope {
		case risk.LimitScopeAsset:
			v = inventory.NetAssetValue(positions, l.AssetID, l.StrategyID)
		case risk.LimitScopeStrategy:
			v = inventory.StrategyGross(positions, l.StrategyID)
		default:
			v = inventory.GrossExposure(positions)
		}
		if _, err := u.cfg.Limits.RefreshCurrentValue(ctx, exec.TenantID, l.LimitID, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (u *Updater) evaluateKillSwitch(ctx context.Context, res *PostTradeResult, s Settings, tenant, strategy string, log *zap.Logger) error {
	if s.RapidLossThreshold > 0 && s.RapidLossWindow > 0 && res.ValueTracked {
		if loss := (triggerMetrics{u: u, res: res, tenant: tenant, strategy: strategy}).LossPercent(s.RapidLossWindow); loss >= s.RapidLossThreshold {
			reason := fmt.Sprintf("rapid loss %.2f%% >= %.2f%% within %s", loss, s.RapidLossThreshold, s.RapidLossWindow)
			ar, err := u.cfg.KillSwitch.ActivateAutomatic(ctx, tenant, reason)
			if err != nil {
				return err
			}
			if !ar.AlreadyActive {
				log.Error("kill switch auto-activated", zap.String("reason", reason))
				res.KillSwitch = &ar
			}
			return nil
		}
	}
	ar, fired, err := u.cfg.KillSwitch.EvaluateTriggers(ctx, tenant, triggerMetrics{u: u, res: res, tenant: tenant, strategy: strategy})
	if err != nil {
		return err
	}
	if fired {
		log.Error("kill switch auto-activated", zap.String("reason", ar.State.Reason))
		res.KillSwitch = &ar
	}
	return nil
}

func (u *Updater) escalateDrawdown(ctx context.Context, res *PostTradeResult, du risk.DrawdownUpdate, now time.Time, log *zap.Logger) ([]error, error) {
	if !du.Escalated() {
		return nil, nil
	}
	st := du.State
	md := map[string]interface{}{
		"peakValue":        st.PeakValue,
		"currentValue":     st.CurrentValue,
		"drawdownPercent":  st.DrawdownPercent,
		"drawdownAbsolute": st.DrawdownAbsolute,
		"warningThreshold": st.WarningThreshold,
		"maxThreshold":     st.MaxThreshold,
		"previousStatus":   string(du.PreviousStatus),
	}
	var audit []error
	switch st.Status {
	case risk.DrawdownWarning:
		audit = append(audit, u.emit(ctx, res, risk.NewEvent(now, risk.EventDrawdownWarning, risk.SeverityWarning,
			st.TenantID, st.StrategyID, string(st.Scope),
			fmt.Sprintf("drawdown %.2f%% >= warning %.2f%%", st.DrawdownPercent, st.WarningThreshold),
			"alert only", md)))
	case risk.DrawdownCritical:
		audit = append(audit, u.emit(ctx, res, risk.NewEvent(now, risk.EventDrawdownCritical, risk.SeverityCritical,
			st.TenantID, st.StrategyID, string(st.Scope),
			fmt.Sprintf("drawdown %.2f%% >= max %.2f%%", st.DrawdownPercent, st.MaxThreshold),
			"pausing trading", md)))
		reason := fmt.Sprintf("max drawdown breached: %.2f%% >= %.2f%%", st.DrawdownPercent, st.MaxThreshold)
		paused, err := u.cfg.Drawdown.PauseStrategy(ctx, st.TenantID, st.StrategyID, reason)
		if err != nil {
			return audit, err
		}
		res.Paused = append(res.Paused, st.StrategyID)
		if st.StrategyID == "" {
			res.PortfolioDrawdown = &paused
		} else {
			res.StrategyDrawdown = &paused
		}
		log.Error("trading paused on max drawdown", zap.String("scope", string(st.Scope)), zap.Float64("drawdown_pct", st.DrawdownPercent))
		audit = append(audit, u.emit(ctx, res, risk.NewEvent(now, risk.EventStrategyPaused, risk.SeverityCritical,
			st.TenantID, st.StrategyID, string(st.Scope), reason,
			"status PAUSED until authenticated resume", md)))
	}
	return audit, nil
}

func (u *Updater) emit(ctx context.Context, res *PostTradeResult, ev risk.RiskEvent) error {
	res.Events = append(res.Events, ev)
	if err := u.cfg.Emitter.Emit(ctx, ev); err != nil {
		return fmt.Errorf("emit %s: %w", ev.Type, err)
	}
	return nil
}

// triggerMetrics 为急停自动触发条件提供当前指标。
type triggerMetrics struct {
	u        *Updater
	res      *PostTradeResult
	tenant   string
	strategy string
}

// LossPercent 价值未跟踪时为 0。
func (m triggerMetrics) LossPercent(window time.Duration) float64 {
	if !m.res.ValueTracked {
		return 0
	}
	if m.strategy != "" && m.res.StrategyValue > 0 {
		return m.u.cfg.PnL.LossPercent(m.tenant, m.strategy, window, m.res.StrategyValue)
	}
	return m.u.cfg.PnL.LossPercent(m.tenant, "", window, m.res.PortfolioValue)
}

func (m triggerMetrics) DrawdownPercent() float64 {
	var dd float64
	if m.res.StrategyDrawdown != nil {
		dd = m.res.StrategyDrawdown.DrawdownPercent
	}
	if m.res.PortfolioDrawdown != nil {
		dd = math.Max(dd, m.res.PortfolioDrawdown.DrawdownPercent)
	}
	return dd
}

func (m triggerMetrics) ErrorCount(window time.Duration) int {
	if m.u.cfg.Breakers == nil {
		return 0
	}
	return m.u.cfg.Breakers.ErrorCount(m.tenant, window)
}
