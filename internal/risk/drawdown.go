package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DrawdownScope 回撤跟踪粒度。
type DrawdownScope string

const (
	ScopeStrategy  DrawdownScope = "STRATEGY"
	ScopePortfolio DrawdownScope = "PORTFOLIO"
)

// DrawdownState 某个 (tenant, strategy) 的回撤状态；StrategyID 为空表示组合级。
type DrawdownState struct {
	TenantID         string         `json:"tenantId"`
	StrategyID       string         `json:"strategyId,omitempty"`
	Scope            DrawdownScope  `json:"scope"`
	PeakValue        float64        `json:"peakValue"`
	CurrentValue     float64        `json:"currentValue"`
	DrawdownPercent  float64        `json:"drawdownPercent"`
	DrawdownAbsolute float64        `json:"drawdownAbsolute"`
	WarningThreshold float64        `json:"warningThreshold"`
	MaxThreshold     float64        `json:"maxThreshold"`
	Status           DrawdownStatus `json:"status"`
	PauseReason      string         `json:"pauseReason,omitempty"`
	PausedAt         time.Time      `json:"pausedAt,omitempty"`
	LastResetAt      time.Time      `json:"lastResetAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// TradingAllowed 状态为 PAUSED/CRITICAL 时禁止开新单。
func (s DrawdownState) TradingAllowed() bool {
	return s.Status != DrawdownPaused && s.Status != DrawdownCritical
}

// DrawdownRepository 回撤状态存储。found=false 表示尚未跟踪，不是错误。
type DrawdownRepository interface {
	GetDrawdown(ctx context.Context, tenantID, strategyID string) (DrawdownState, bool, error)
	SaveDrawdown(ctx context.Context, state DrawdownState) error
	ListDrawdowns(ctx context.Context, tenantID string) ([]DrawdownState, error)
}

// ThresholdSource 提供回撤阈值（百分比）。
type ThresholdSource interface {
	DrawdownThresholds(tenantID, strategyID string) (warning, max float64)
}

// StaticThresholds 固定阈值。
type StaticThresholds struct {
	Warning float64
	Max     float64
}

func (s StaticThresholds) DrawdownThresholds(string, string) (float64, float64) {
	return s.Warning, s.Max
}

// DrawdownUpdate UpdateValue 的结果，携带更新前状态用于判断新跨越。
type DrawdownUpdate struct {
	State          DrawdownState
	PreviousStatus DrawdownStatus
	Created        bool
}

// Escalated 本次更新是否升级到了更严重的状态。
func (u DrawdownUpdate) Escalated() bool {
	return u.State.Status.rank() > u.PreviousStatus.rank()
}

// DrawdownCheck CheckDrawdown 的只读投影。
type DrawdownCheck struct {
	Configured        bool
	Status            DrawdownStatus
	DrawdownPercent   float64
	TradingAllowed    bool
	DistanceToWarning float64
	DistanceToMax     float64
	State             DrawdownState
}

// DrawdownTrackerConfig 构造依赖。
type DrawdownTrackerConfig struct {
	Repo       DrawdownRepository
	Thresholds ThresholdSource
	Clock      Clock
	Logger     *zap.Logger
	Emitter    Emitter
}

// DrawdownTracker 维护峰值/当前值并驱动 NORMAL/WARNING/CRITICAL/PAUSED 状态机。
type DrawdownTracker struct {
	repo       DrawdownRepository
	thresholds ThresholdSource
	clock      Clock
	logger     *zap.Logger
	emitter    Emitter
	locks      *KeyedMutex
}

func NewDrawdownTracker(cfg DrawdownTrackerConfig) (*DrawdownTracker, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("%w: drawdown repository is required", ErrValidation)
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = StaticThresholds{Warning: 5, Max: 10}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &DrawdownTracker{
		repo:       cfg.Repo,
		thresholds: cfg.Thresholds,
		clock:      clockOrDefault(cfg.Clock),
		logger:     cfg.Logger,
		emitter:    emitterOrNop(cfg.Emitter),
		locks:      NewKeyedMutex(),
	}, nil
}

// ComputeDrawdown 返回 (百分比, 绝对值)；百分比截断在 [0,100]。
func ComputeDrawdown(peak, current float64) (float64, float64) {
	if peak <= 0 {
		return 0, 0
	}
	abs := math.Max(0, peak-current)
	pct := abs / peak * 100
	return math.Min(100, math.Max(0, pct)), abs
}

// UpdateValue 写入新的价值，必要时懒创建状态。PAUSED 状态保持不变。
func (t *DrawdownTracker) UpdateValue(ctx context.Context, tenantID, strategyID string, newValue float64) (DrawdownUpdate, error) {
	if tenantID == "" {
		return DrawdownUpdate{}, fmt.Errorf("%w: tenantId is required", ErrValidation)
	}
	if math.IsNaN(newValue) || math.IsInf(newValue, 0) {
		return DrawdownUpdate{}, fmt.Errorf("%w: value must be finite", ErrValidation)
	}
	unlock := t.locks.Lock(Key(tenantID, strategyID))
	defer unlock()

	now := t.clock.Now()
	state, found, err := t.repo.GetDrawdown(ctx, tenantID, strategyID)
	if err != nil {
		return DrawdownUpdate{}, fmt.Errorf("%w: load drawdown: %v", ErrInternal, err)
	}
	update := DrawdownUpdate{PreviousStatus: DrawdownNormal}
	if !found {
		state = DrawdownState{
			TenantID:    tenantID,
			StrategyID:  strategyID,
			Scope:       scopeFor(strategyID),
			PeakValue:   newValue,
			Status:      DrawdownNormal,
			LastResetAt: now,
		}
		update.Created = true
	} else {
		update.PreviousStatus = state.Status
	}

	state.WarningThreshold, state.MaxThreshold = t.thresholds.DrawdownThresholds(tenantID, strategyID)
	state.PeakValue = math.Max(state.PeakValue, newValue)
	state.CurrentValue = newValue
	state.DrawdownPercent, state.DrawdownAbsolute = ComputeDrawdown(state.PeakValue, state.CurrentValue)
	candidate := StatusForDrawdown(state.DrawdownPercent, state.WarningThreshold, state.MaxThreshold)
	next, err := NextDrawdownStatus(state.Status, CauseValueUpdate, candidate)
	if err != nil {
		return DrawdownUpdate{}, err
	}
	state.Status = next
	state.UpdatedAt = now

	if err := t.repo.SaveDrawdown(ctx, state); err != nil {
		return DrawdownUpdate{}, fmt.Errorf("%w: save drawdown: %v", ErrInternal, err)
	}
	update.State = state
	return update, nil
}

// ResetDrawdown 以当前值作为新峰值并回到 NORMAL。PAUSED 状态需先 resume。
func (t *DrawdownTracker) ResetDrawdown(ctx context.Context, tenantID, strategyID, resetBy string) (DrawdownState, error) {
	unlock := t.locks.Lock(Key(tenantID, strategyID))
	defer unlock()

	state, err := t.mustLoad(ctx, tenantID, strategyID)
	if err != nil {
		return DrawdownState{}, err
	}
	next, err := NextDrawdownStatus(state.Status, CauseReset, DrawdownNormal)
	if err != nil {
		return DrawdownState{}, fmt.Errorf("reset drawdown: %w", err)
	}
	now := t.clock.Now()
	prevPeak := state.PeakValue
	state.PeakValue = state.CurrentValue
	state.DrawdownPercent = 0
	state.DrawdownAbsolute = 0
	state.Status = next
	state.LastResetAt = now
	state.UpdatedAt = now
	if err := t.repo.SaveDrawdown(ctx, state); err != nil {
		return DrawdownState{}, fmt.Errorf("%w: save drawdown: %v", ErrInternal, err)
	}

	t.logger.Info("drawdown reset",
		zap.String("tenant", tenantID),
		zap.String("strategy", strategyID),
		zap.Float64("previous_peak", prevPeak),
		zap.Float64("peak", state.PeakValue),
		zap.String("reset_by", resetBy))
	t.emit(ctx, NewEvent(now, EventDrawdownReset, SeverityInfo, tenantID, strategyID, string(state.Scope),
		"manual drawdown reset", "peak reset to current value",
		map[string]interface{}{"previousPeak": prevPeak, "peakValue": state.PeakValue, "resetBy": resetBy}))
	return state, nil
}

// PauseStrategy 强制进入 PAUSED，记录原因。已暂停时幂等返回。
func (t *DrawdownTracker) PauseStrategy(ctx context.Context, tenantID, strategyID, reason string) (DrawdownState, error) {
	unlock := t.locks.Lock(Key(tenantID, strategyID))
	defer unlock()

	state, err := t.mustLoad(ctx, tenantID, strategyID)
	if err != nil {
		return DrawdownState{}, err
	}
	if state.Status == DrawdownPaused {
		return state, nil
	}
	next, err := NextDrawdownStatus(state.Status, CausePause, DrawdownPaused)
	if err != nil {
		return DrawdownState{}, err
	}
	now := t.clock.Now()
	state.Status = next
	state.PauseReason = reason
	state.PausedAt = now
	state.UpdatedAt = now
	if err := t.repo.SaveDrawdown(ctx, state); err != nil {
		return DrawdownState{}, fmt.Errorf("%w: save drawdown: %v", ErrInternal, err)
	}
	t.logger.Warn("strategy paused",
		zap.String("tenant", tenantID),
		zap.String("strategy", strategyID),
		zap.Float64("drawdown_pct", state.DrawdownPercent),
		zap.String("reason", reason))
	return state, nil
}

// ResumeStrategy 人工恢复。token 为空返回 ErrAuthenticationRequired；非 PAUSED 返回 ErrInvalidState。
// 恢复后按当前回撤重新计算状态，回撤未改善时可能直接回到 WARNING/CRITICAL。
func (t *DrawdownTracker) ResumeStrategy(ctx context.Context, tenantID, strategyID, authToken, resumedBy string) (DrawdownState, error) {
	if strings.TrimSpace(authToken) == "" {
		return DrawdownState{}, fmt.Errorf("%w: resume strategy requires an auth token", ErrAuthenticationRequired)
	}
	unlock := t.locks.Lock(Key(tenantID, strategyID))
	defer unlock()

	state, err := t.mustLoad(ctx, tenantID, strategyID)
	if err != nil {
		return DrawdownState{}, err
	}
	if state.Status != DrawdownPaused {
		return DrawdownState{}, fmt.Errorf("%w: strategy %q is %s, not PAUSED", ErrInvalidState, strategyID, state.Status)
	}
	state.WarningThreshold, state.MaxThreshold = t.thresholds.DrawdownThresholds(tenantID, strategyID)
	candidate := StatusForDrawdown(state.DrawdownPercent, state.WarningThreshold, state.MaxThreshold)
	next, err := NextDrawdownStatus(state.Status, CauseResume, candidate)
	if err != nil {
		return DrawdownState{}, err
	}
	now := t.clock.Now()
	pauseReason := state.PauseReason
	state.Status = next
	state.PauseReason = ""
	state.PausedAt = time.Time{}
	state.UpdatedAt = now
	if err := t.repo.SaveDrawdown(ctx, state); err != nil {
		return DrawdownState{}, fmt.Errorf("%w: save drawdown: %v", ErrInternal, err)
	}

	t.logger.Info("strategy resumed",
		zap.String("tenant", tenantID),
		zap.String("strategy", strategyID),
		zap.String("status", string(next)),
		zap.String("resumed_by", resumedBy))
	t.emit(ctx, NewEvent(now, EventStrategyResumed, SeverityInfo, tenantID, strategyID, string(state.Scope),
		"authenticated resume", "status recomputed to "+string(next),
		map[string]interface{}{"status": string(next), "pauseReason": pauseReason, "resumedBy": resumedBy, "drawdownPercent": state.DrawdownPercent}))
	return state, nil
}

// CheckDrawdown 只读投影。无状态视为未配置，允许交易。
func (t *DrawdownTracker) CheckDrawdown(ctx context.Context, tenantID, strategyID string) (DrawdownCheck, error) {
	state, found, err := t.repo.GetDrawdown(ctx, tenantID, strategyID)
	if err != nil {
		return DrawdownCheck{}, fmt.Errorf("%w: load drawdown: %v", ErrInternal, err)
	}
	if !found {
		return DrawdownCheck{Status: DrawdownNormal, TradingAllowed: true}, nil
	}
	return DrawdownCheck{
		Configured:        true,
		Status:            state.Status,
		DrawdownPercent:   state.DrawdownPercent,
		TradingAllowed:    state.TradingAllowed(),
		DistanceToWarning: state.WarningThreshold - state.DrawdownPercent,
		DistanceToMax:     state.MaxThreshold - state.DrawdownPercent,
		State:             state,
	}, nil
}

// GetState 读取状态。
func (t *DrawdownTracker) GetState(ctx context.Context, tenantID, strategyID string) (DrawdownState, bool, error) {
	return t.repo.GetDrawdown(ctx, tenantID, strategyID)
}

// ListStates 列出租户下所有回撤状态。
func (t *DrawdownTracker) ListStates(ctx context.Context, tenantID string) ([]DrawdownState, error) {
	return t.repo.ListDrawdowns(ctx, tenantID)
}

func (t *DrawdownTracker) mustLoad(ctx context.Context, tenantID, strategyID string) (DrawdownState, error) {
	state, found, err := t.repo.GetDrawdown(ctx, tenantID, strategyID)
	if err != nil {
		return DrawdownState{}, fmt.Errorf("%w: load drawdown: %v", ErrInternal, err)
	}
	if !found {
		return DrawdownState{}, fmt.Errorf("%w: no drawdown state for tenant %q strategy %q", ErrNotFound, tenantID, strategyID)
	}
	return state, nil
}

func (t *DrawdownTracker) emit(ctx context.Context, ev RiskEvent) {
	if err := t.emitter.Emit(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		t.logger.Error("emit risk event failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func scopeFor(strategyID string) DrawdownScope {
	if strategyID == "" {
		return ScopePortfolio
	}
	return ScopeStrategy
}
