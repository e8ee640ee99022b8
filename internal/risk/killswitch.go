package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TriggerType 急停触发方式。
type TriggerType string

const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerAutomatic TriggerType = "AUTOMATIC"
)

// SystemActor 自动触发时记录的操作者。
const SystemActor = "SYSTEM"

// KillSwitchState 租户级急停状态。未激活过的租户视为 inactive。
type KillSwitchState struct {
	TenantID               string      `json:"tenantId"`
	Active                 bool        `json:"active"`
	ActivatedAt            time.Time   `json:"activatedAt,omitempty"`
	ActivatedBy            string      `json:"activatedBy,omitempty"`
	Reason                 string      `json:"reason,omitempty"`
	TriggerType            TriggerType `json:"triggerType"`
	Scope                  string      `json:"scope"`
	PendingOrdersCancelled int         `json:"pendingOrdersCancelled"`
	DeactivatedAt          time.Time   `json:"deactivatedAt,omitempty"`
	DeactivatedBy          string      `json:"deactivatedBy,omitempty"`
	UpdatedAt              time.Time   `json:"updatedAt"`
}

// KillSwitchRepository 急停状态存储。
type KillSwitchRepository interface {
	GetKillSwitch(ctx context.Context, tenantID string) (KillSwitchState, bool, error)
	SaveKillSwitch(ctx context.Context, state KillSwitchState) error
}

// OrderCanceller 撤销租户全部挂单，返回撤单数量。
type OrderCanceller interface {
	CancelAll(ctx context.Context, tenantID string) (int, error)
}

// AutoTriggerType 自动急停条件类型。
type AutoTriggerType string

const (
	AutoTriggerRapidLoss  AutoTriggerType = "RAPID_LOSS"
	AutoTriggerDrawdown   AutoTriggerType = "DRAWDOWN"
	AutoTriggerErrorBurst AutoTriggerType = "ERROR_BURST"
)

// AutoTrigger 自动急停条件。
//   - RAPID_LOSS: 窗口内亏损百分比 >= Percent
//   - DRAWDOWN: 组合回撤 >= Percent
//   - ERROR_BURST: 窗口内错误数 >= Count
type AutoTrigger struct {
	Type          AutoTriggerType `yaml:"type" json:"type"`
	Enabled       bool            `yaml:"enabled" json:"enabled"`
	Percent       float64         `yaml:"percent" json:"percent,omitempty"`
	Count         int             `yaml:"count" json:"count,omitempty"`
	WindowMinutes int             `yaml:"windowMinutes" json:"windowMinutes,omitempty"`
}

func (t AutoTrigger) window() time.Duration {
	if t.WindowMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(t.WindowMinutes) * time.Minute
}

// Validate 校验触发条件参数。
func (t AutoTrigger) Validate() error {
	switch t.Type {
	case AutoTriggerRapidLoss, AutoTriggerDrawdown:
		if t.Percent <= 0 || t.Percent > 100 {
			return fmt.Errorf("%w: %s trigger percent must be in (0,100], got %v", ErrValidation, t.Type, t.Percent)
		}
	case AutoTriggerErrorBurst:
		if t.Count <= 0 {
			return fmt.Errorf("%w: ERROR_BURST trigger count must be > 0", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown kill switch trigger %q", ErrValidation, t.Type)
	}
	if t.WindowMinutes < 0 {
		return fmt.Errorf("%w: trigger windowMinutes must be >= 0", ErrValidation)
	}
	return nil
}

// TriggerMetrics 自动触发条件评估所需的实时指标。
type TriggerMetrics interface {
	LossPercent(window time.Duration) float64
	DrawdownPercent() float64
	ErrorCount(window time.Duration) int
}

// Satisfied 条件是否满足，返回描述。
func (t AutoTrigger) Satisfied(m TriggerMetrics) (bool, string) {
	if !t.Enabled || m == nil {
		return false, ""
	}
	switch t.Type {
	case AutoTriggerRapidLoss:
		loss := m.LossPercent(t.window())
		if loss >= t.Percent {
			return true, fmt.Sprintf("rapid loss %.2f%% >= %.2f%% within %dm", loss, t.Percent, int(t.window().Minutes()))
		}
	case AutoTriggerDrawdown:
		dd := m.DrawdownPercent()
		if dd >= t.Percent {
			return true, fmt.Sprintf("drawdown %.2f%% >= %.2f%%", dd, t.Percent)
		}
	case AutoTriggerErrorBurst:
		n := m.ErrorCount(t.window())
		if n >= t.Count {
			return true, fmt.Sprintf("%d errors >= %d within %dm", n, t.Count, int(t.window().Minutes()))
		}
	}
	return false, ""
}

// KillSwitchPolicy 租户急停策略。
type KillSwitchPolicy struct {
	RequireAuthToken bool
	Triggers         []AutoTrigger
}

// KillSwitchPolicySource 按租户提供策略（配置热更新）。
type KillSwitchPolicySource interface {
	KillSwitchPolicy(tenantID string) KillSwitchPolicy
}

// StaticKillSwitchPolicy 固定策略。
type StaticKillSwitchPolicy KillSwitchPolicy

func (p StaticKillSwitchPolicy) KillSwitchPolicy(string) KillSwitchPolicy { return KillSwitchPolicy(p) }

// ActivationResult Activate 的结果。AlreadyActive 时 OrdersCancelled 恒为 0。
type ActivationResult struct {
	State           KillSwitchState
	OrdersCancelled int
	AlreadyActive   bool
	CancelErr       error
}

// KillSwitchConfig 构造依赖。
type KillSwitchConfig struct {
	Repo      KillSwitchRepository
	Canceller OrderCanceller
	Policy    KillSwitchPolicySource
	Clock     Clock
	Logger    *zap.Logger
	Emitter   Emitter
}

// KillSwitch 租户级总开关：激活时撤销全部挂单并阻止一切下单。
type KillSwitch struct {
	repo      KillSwitchRepository
	canceller OrderCanceller
	policy    KillSwitchPolicySource
	clock     Clock
	logger    *zap.Logger
	emitter   Emitter
	locks     *KeyedMutex
}

func NewKillSwitch(cfg KillSwitchConfig) (*KillSwitch, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("%w: kill switch repository is required", ErrValidation)
	}
	if cfg.Policy == nil {
		cfg.Policy = StaticKillSwitchPolicy{RequireAuthToken: true}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &KillSwitch{
		repo:      cfg.Repo,
		canceller: cfg.Canceller,
		policy:    cfg.Policy,
		clock:     clockOrDefault(cfg.Clock),
		logger:    cfg.Logger,
		emitter:   emitterOrNop(cfg.Emitter),
		locks:     NewKeyedMutex(),
	}, nil
}

// Activate 激活急停。已激活时直接返回现有状态（幂等）。
// 撤单失败不阻止激活，错误放在 CancelErr。
func (k *KillSwitch) Activate(ctx context.Context, tenantID, reason string, trigger TriggerType, activatedBy string) (ActivationResult, error) {
	if tenantID == "" {
		return ActivationResult{}, fmt.Errorf("%w: tenantId is required", ErrValidation)
	}
	if trigger != TriggerManual && trigger != TriggerAutomatic {
		return ActivationResult{}, fmt.Errorf("%w: unknown trigger type %q", ErrValidation, trigger)
	}
	if trigger == TriggerAutomatic && activatedBy == "" {
		activatedBy = SystemActor
	}

	unlock := k.locks.Lock(Key(tenantID, ""))
	defer unlock()

	current, found, err := k.repo.GetKillSwitch(ctx, tenantID)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("%w: load kill switch: %v", ErrInternal, err)
	}
	if found && current.Active {
		return ActivationResult{State: current, AlreadyActive: true}, nil
	}

	var (
		cancelled int
		cancelErr error
	)
	if k.canceller != nil {
		cancelled, cancelErr = k.canceller.CancelAll(ctx, tenantID)
		if cancelErr != nil {
			k.logger.Error("cancel pending orders failed during kill switch activation",
				zap.String("tenant", tenantID), zap.Int("cancelled", cancelled), zap.Error(cancelErr))
		}
	}

	now := k.clock.Now()
	state := KillSwitchState{
		TenantID:               tenantID,
		Active:                 true,
		ActivatedAt:            now,
		ActivatedBy:            activatedBy,
		Reason:                 reason,
		TriggerType:            trigger,
		Scope:                  "TENANT",
		PendingOrdersCancelled: cancelled,
		UpdatedAt:              now,
	}
	if err := k.repo.SaveKillSwitch(ctx, state); err != nil {
		return ActivationResult{}, fmt.Errorf("%w: save kill switch: %v", ErrInternal, err)
	}

	k.logger.Error("kill switch activated",
		zap.String("tenant", tenantID),
		zap.String("reason", reason),
		zap.String("trigger", string(trigger)),
		zap.String("by", activatedBy),
		zap.Int("orders_cancelled", cancelled))
	md := map[string]interface{}{
		"reason":          reason,
		"triggerType":     string(trigger),
		"activatedBy":     activatedBy,
		"ordersCancelled": cancelled,
	}
	if cancelErr != nil {
		md["cancelError"] = cancelErr.Error()
	}
	if err := k.emitter.Emit(ctx, NewEvent(now, EventKillSwitchActivated, SeverityCritical, tenantID, "", state.Scope,
		reason, fmt.Sprintf("trading halted, %d pending orders cancelled", cancelled), md)); err != nil {
		k.logger.Error("emit risk event failed", zap.String("type", string(EventKillSwitchActivated)), zap.Error(err))
	}
	return ActivationResult{State: state, OrdersCancelled: cancelled, CancelErr: cancelErr}, nil
}

// ActivateAutomatic 系统触发的激活。
func (k *KillSwitch) ActivateAutomatic(ctx context.Context, tenantID, reason string) (ActivationResult, error) {
	return k.Activate(ctx, tenantID, reason, TriggerAutomatic, SystemActor)
}

// Deactivate 解除急停。策略要求 token 时空 token 返回 ErrAuthenticationRequired；未激活返回 ErrInvalidState。
func (k *KillSwitch) Deactivate(ctx context.Context, tenantID, authToken, deactivatedBy string) (KillSwitchState, error) {
	policy := k.policy.KillSwitchPolicy(tenantID)
	if policy.RequireAuthToken && strings.TrimSpace(authToken) == "" {
		return KillSwitchState{}, fmt.Errorf("%w: kill switch deactivation requires an auth token", ErrAuthenticationRequired)
	}

	unlock := k.locks.Lock(Key(tenantID, ""))
	defer unlock()

	state, found, err := k.repo.GetKillSwitch(ctx, tenantID)
	if err != nil {
		return KillSwitchState{}, fmt.Errorf("%w: load kill switch: %v", ErrInternal, err)
	}
	if !found || !state.Active {
		return KillSwitchState{}, fmt.Errorf("%w: kill switch for tenant %q is not active", ErrInvalidState, tenantID)
	}

	now := k.clock.Now()
	prevReason := state.Reason
	prevTrigger := state.TriggerType
	state.Active = false
	state.TriggerType = TriggerManual
	state.DeactivatedAt = now
	state.DeactivatedBy = deactivatedBy
	state.UpdatedAt = now
	if err := k.repo.SaveKillSwitch(ctx, state); err != nil {
		return KillSwitchState{}, fmt.Errorf("%w: save kill switch: %v", ErrInternal, err)
	}

	k.logger.Warn("kill switch deactivated",
		zap.String("tenant", tenantID),
		zap.String("by", deactivatedBy),
		zap.Duration("active_for", now.Sub(state.ActivatedAt)))
	if err := k.emitter.Emit(ctx, NewEvent(now, EventKillSwitchDeactivated, SeverityInfo, tenantID, "", state.Scope,
		"authenticated deactivation", "trading re-enabled",
		map[string]interface{}{"previousReason": prevReason, "previousTrigger": string(prevTrigger), "deactivatedBy": deactivatedBy})); err != nil {
		k.logger.Error("emit risk event failed", zap.String("type", string(EventKillSwitchDeactivated)), zap.Error(err))
	}
	return state, nil
}

// IsActive 纯读。
func (k *KillSwitch) IsActive(ctx context.Context, tenantID string) (bool, error) {
	state, found, err := k.repo.GetKillSwitch(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("%w: load kill switch: %v", ErrInternal, err)
	}
	return found && state.Active, nil
}

// GetState 纯读；未激活过的租户返回 inactive/MANUAL 的默认状态。
func (k *KillSwitch) GetState(ctx context.Context, tenantID string) (KillSwitchState, error) {
	state, found, err := k.repo.GetKillSwitch(ctx, tenantID)
	if err != nil {
		return KillSwitchState{}, fmt.Errorf("%w: load kill switch: %v", ErrInternal, err)
	}
	if !found {
		return KillSwitchState{TenantID: tenantID, TriggerType: TriggerManual, Scope: "TENANT"}, nil
	}
	return state, nil
}

// EvaluateTriggers 按配置顺序检查自动触发条件，第一个满足的条件激活急停。
// 已激活时不评估。fired=false 表示无条件满足。
func (k *KillSwitch) EvaluateTriggers(ctx context.Context, tenantID string, metrics TriggerMetrics) (ActivationResult, bool, error) {
	active, err := k.IsActive(ctx, tenantID)
	if err != nil {
		return ActivationResult{}, false, err
	}
	if active {
		return ActivationResult{}, false, nil
	}
	for _, trig := range k.policy.KillSwitchPolicy(tenantID).Triggers {
		ok, desc := trig.Satisfied(metrics)
		if !ok {
			continue
		}
		res, err := k.ActivateAutomatic(ctx, tenantID, fmt.Sprintf("%s: %s", trig.Type, desc))
		if err != nil {
			return ActivationResult{}, false, err
		}
		// 并发下可能已被其他路径激活
		return res, !res.AlreadyActive, nil
	}
	return ActivationResult{}, false, nil
}
