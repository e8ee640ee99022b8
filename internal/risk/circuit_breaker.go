package risk

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BreakerState 熔断器状态
type BreakerState string

const (
	// BreakerClosed 关闭状态 - 正常交易
	BreakerClosed BreakerState = "CLOSED"
	// BreakerOpen 打开状态 - 熔断，拒绝新单
	BreakerOpen BreakerState = "OPEN"
	// BreakerHalfOpen 半开状态 - 允许试探
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerScope 熔断器作用域
type BreakerScope string

const (
	BreakerScopeTenant   BreakerScope = "TENANT"
	BreakerScopeStrategy BreakerScope = "STRATEGY"
	BreakerScopeAsset    BreakerScope = "ASSET"
)

// CircuitBreakerState 熔断器配置与运行状态
type CircuitBreakerState struct {
	BreakerID        string           `json:"breakerId"`
	TenantID         string           `json:"tenantId"`
	Name             string           `json:"name"`
	Condition        BreakerCondition `json:"condition"`
	Scope            BreakerScope     `json:"scope"`
	ScopeID          string           `json:"scopeId,omitempty"` // STRATEGY/ASSET 作用域的目标 ID
	State            BreakerState     `json:"state"`
	TripCount        int              `json:"tripCount"`
	CooldownMinutes  int              `json:"cooldownMinutes"`
	AutoResetEnabled bool             `json:"autoResetEnabled"`
	TripReason       string           `json:"tripReason,omitempty"`
	LastTrippedAt    time.Time        `json:"lastTrippedAt,omitempty"`
	LastTransitionAt time.Time        `json:"lastTransitionAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

func (b CircuitBreakerState) cooldown() time.Duration {
	return time.Duration(b.CooldownMinutes) * time.Minute
}

// effectiveState 冷却结束且允许自动恢复的 OPEN 视为 HALF_OPEN。
func (b CircuitBreakerState) effectiveState(now time.Time) BreakerState {
	if b.State == BreakerOpen && b.AutoResetEnabled && !now.Before(b.LastTransitionAt.Add(b.cooldown())) {
		return BreakerHalfOpen
	}
	return b.State
}

// Matches 熔断器作用域是否覆盖该上下文。
func (b CircuitBreakerState) Matches(c BreakerContext) bool {
	switch b.Scope {
	case BreakerScopeTenant:
		return true
	case BreakerScopeStrategy:
		return b.ScopeID != "" && b.ScopeID == c.StrategyID
	case BreakerScopeAsset:
		return b.ScopeID != "" && b.ScopeID == c.AssetID
	}
	return false
}

func (b CircuitBreakerState) covers(ev BreakerEvent) bool {
	switch b.Scope {
	case BreakerScopeStrategy:
		return ev.StrategyID == b.ScopeID
	case BreakerScopeAsset:
		return ev.AssetID == b.ScopeID
	}
	return true
}

// Validate 校验熔断器配置。
func (b CircuitBreakerState) Validate() error {
	if b.TenantID == "" {
		return fmt.Errorf("%w: breaker tenantId is required", ErrValidation)
	}
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("%w: breaker name is required", ErrValidation)
	}
	switch b.Scope {
	case BreakerScopeTenant:
	case BreakerScopeStrategy, BreakerScopeAsset:
		if b.ScopeID == "" {
			return fmt.Errorf("%w: %s breaker %q needs scopeId", ErrValidation, b.Scope, b.Name)
		}
	default:
		return fmt.Errorf("%w: unknown breaker scope %q", ErrValidation, b.Scope)
	}
	if b.CooldownMinutes < 0 {
		return fmt.Errorf("%w: cooldownMinutes must be >= 0", ErrValidation)
	}
	return b.Condition.Validate()
}

// BreakerRepository 熔断器存储
type BreakerRepository interface {
	ListBreakers(ctx context.Context, tenantID string) ([]CircuitBreakerState, error)
	GetBreaker(ctx context.Context, tenantID, breakerID string) (CircuitBreakerState, bool, error)
	SaveBreaker(ctx context.Context, state CircuitBreakerState) error
}

// BreakerContext 检查上下文。PortfolioValue 用于 LOSS_RATE 的分母。
type BreakerContext struct {
	StrategyID     string
	AssetID        string
	PortfolioValue float64
}

// BreakerCheck CheckBreakers/Status 的结果
type BreakerCheck struct {
	AllClosed        bool
	OpenBreakers     []CircuitBreakerState
	HalfOpenBreakers []CircuitBreakerState
	NewlyOpened      []CircuitBreakerState
	NewlyClosed      []CircuitBreakerState
}

// CircuitBreakersConfig 构造依赖
type CircuitBreakersConfig struct {
	Repo      BreakerRepository
	Clock     Clock
	Logger    *zap.Logger
	Emitter   Emitter
	Retention time.Duration // 事件窗口保留时长，默认 24h
	MaxEvents int           // 每租户最多保留事件数，默认 10000
}

// CircuitBreakers 按租户管理一组熔断器
type CircuitBreakers struct {
	repo      BreakerRepository
	clock     Clock
	logger    *zap.Logger
	emitter   Emitter
	windows   *windowSet
	locks     *KeyedMutex
	retention time.Duration
	maxEvents int
}

// NewCircuitBreakers 创建熔断器管理
func NewCircuitBreakers(cfg CircuitBreakersConfig) (*CircuitBreakers, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("%w: breaker repository is required", ErrValidation)
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 10000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &CircuitBreakers{
		repo:      cfg.Repo,
		clock:     clockOrDefault(cfg.Clock),
		logger:    cfg.Logger,
		emitter:   emitterOrNop(cfg.Emitter),
		windows:   newWindowSet(),
		locks:     NewKeyedMutex(),
		retention: cfg.Retention,
		maxEvents: cfg.MaxEvents,
	}, nil
}

// RecordEvent 追加成交/错误事件到租户滚动窗口
func (cb *CircuitBreakers) RecordEvent(tenantID string, ev BreakerEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = cb.clock.Now()
	}
	if ev.Kind == "" {
		ev.Kind = BreakerEventTrade
	}
	cb.windows.get(tenantID).append(ev, cb.clock.Now().Add(-cb.retention), cb.maxEvents)
}

// ErrorCount 窗口内错误事件数（急停 ERROR_BURST 使用）
func (cb *CircuitBreakers) ErrorCount(tenantID string, window time.Duration) int {
	now := cb.clock.Now()
	evs := cb.windows.get(tenantID).since(time.Time{}, now.Add(-window), func(ev BreakerEvent) bool {
		return ev.Kind == BreakerEventError
	})
	return len(evs)
}

// CheckBreakers 对作用域匹配的熔断器执行状态迁移：
//   - OPEN 冷却结束且允许自动恢复 → HALF_OPEN
//   - HALF_OPEN 新鲜事件违规 → OPEN（tripCount+1）；新鲜事件未违规 → CLOSED；无新鲜事件保持
//   - CLOSED 新鲜事件违规 → OPEN（tripCount+1）
//
// 新鲜事件指上次状态变化之后且在条件窗口内的事件。
func (cb *CircuitBreakers) CheckBreakers(ctx context.Context, tenantID string, bctx BreakerContext) (BreakerCheck, error) {
	unlock := cb.locks.Lock(Key(tenantID, ""))
	defer unlock()

	breakers, err := cb.repo.ListBreakers(ctx, tenantID)
	if err != nil {
		return BreakerCheck{}, fmt.Errorf("%w: list breakers: %v", ErrInternal, err)
	}
	now := cb.clock.Now()
	window := cb.windows.get(tenantID)

	var check BreakerCheck
	for _, b := range breakers {
		if !b.Matches(bctx) {
			continue
		}
		prev := b.State
		next := cb.transition(&b, window, bctx, now)
		if next != prev {
			if err := cb.repo.SaveBreaker(ctx, b); err != nil {
				return BreakerCheck{}, fmt.Errorf("%w: save breaker %s: %v", ErrInternal, b.BreakerID, err)
			}
			cb.logger.Info("circuit breaker transition",
				zap.String("tenant", tenantID),
				zap.String("breaker", b.Name),
				zap.String("from", string(prev)),
				zap.String("to", string(next)),
				zap.Int("trip_count", b.TripCount))
			if next == BreakerOpen {
				check.NewlyOpened = append(check.NewlyOpened, b)
			}
			if next == BreakerClosed {
				check.NewlyClosed = append(check.NewlyClosed, b)
			}
		}
		switch b.State {
		case BreakerOpen:
			check.OpenBreakers = append(check.OpenBreakers, b)
		case BreakerHalfOpen:
			check.HalfOpenBreakers = append(check.HalfOpenBreakers, b)
		}
	}
	check.AllClosed = len(check.OpenBreakers) == 0 && len(check.HalfOpenBreakers) == 0
	return check, nil
}

func (cb *CircuitBreakers) transition(b *CircuitBreakerState, window *eventWindow, bctx BreakerContext, now time.Time) BreakerState {
	if b.State == BreakerOpen {
		if b.effectiveState(now) != BreakerHalfOpen {
			return b.State
		}
		b.State = BreakerHalfOpen
		b.LastTransitionAt = now
		b.UpdatedAt = now
		return b.State
	}

	from := time.Time{}
	if w := b.Condition.Window(); w > 0 {
		from = now.Add(-w)
	}
	fresh := window.since(b.LastTransitionAt, from, b.covers)
	violated, reason := b.Condition.evaluate(fresh, bctx.PortfolioValue)
	switch {
	case violated:
		b.State = BreakerOpen
		b.TripCount++
		b.TripReason = reason
		b.LastTrippedAt = now
		b.LastTransitionAt = now
		b.UpdatedAt = now
	case b.State == BreakerHalfOpen && recoverable(b.Condition, fresh):
		b.State = BreakerClosed
		b.TripReason = ""
		b.LastTransitionAt = now
		b.UpdatedAt = now
	}
	return b.State
}

// recoverable 半开期是否有可以判定恢复的新鲜事件。错误事件只对 ERROR_RATE 算作试探，
// 其余条件需要至少一笔成交。
func recoverable(c BreakerCondition, fresh []BreakerEvent) bool {
	if c.Type == ConditionErrorRate {
		return len(fresh) > 0
	}
	for _, ev := range fresh {
		if ev.Kind == BreakerEventTrade {
			return true
		}
	}
	return false
}

// Status 只读投影，不做状态迁移。冷却结束的 OPEN 按 HALF_OPEN 报告。
func (cb *CircuitBreakers) Status(ctx context.Context, tenantID string, bctx BreakerContext) (BreakerCheck, error) {
	breakers, err := cb.repo.ListBreakers(ctx, tenantID)
	if err != nil {
		return BreakerCheck{}, fmt.Errorf("%w: list breakers: %v", ErrInternal, err)
	}
	now := cb.clock.Now()
	var check BreakerCheck
	for _, b := range breakers {
		if !b.Matches(bctx) {
			continue
		}
		switch b.effectiveState(now) {
		case BreakerOpen:
			check.OpenBreakers = append(check.OpenBreakers, b)
		case BreakerHalfOpen:
			check.HalfOpenBreakers = append(check.HalfOpenBreakers, b)
		}
	}
	check.AllClosed = len(check.OpenBreakers) == 0 && len(check.HalfOpenBreakers) == 0
	return check, nil
}

// UpsertBreaker 新增或更新熔断器配置。新建时分配 ID 并置为 CLOSED；更新保留运行状态。
func (cb *CircuitBreakers) UpsertBreaker(ctx context.Context, b CircuitBreakerState) (CircuitBreakerState, error) {
	if err := b.Validate(); err != nil {
		return CircuitBreakerState{}, err
	}
	unlock := cb.locks.Lock(Key(b.TenantID, ""))
	defer unlock()

	now := cb.clock.Now()
	if b.BreakerID != "" {
		existing, found, err := cb.repo.GetBreaker(ctx, b.TenantID, b.BreakerID)
		if err != nil {
			return CircuitBreakerState{}, fmt.Errorf("%w: load breaker: %v", ErrInternal, err)
		}
		if found {
			existing.Name = b.Name
			existing.Condition = b.Condition
			existing.Scope = b.Scope
			existing.ScopeID = b.ScopeID
			existing.CooldownMinutes = b.CooldownMinutes
			existing.AutoResetEnabled = b.AutoResetEnabled
			existing.UpdatedAt = now
			b = existing
		} else {
			b.State = BreakerClosed
			b.LastTransitionAt = now
			b.UpdatedAt = now
		}
	} else {
		b.BreakerID = uuid.NewString()
		b.State = BreakerClosed
		b.TripCount = 0
		b.LastTransitionAt = now
		b.UpdatedAt = now
	}
	if err := cb.repo.SaveBreaker(ctx, b); err != nil {
		return CircuitBreakerState{}, fmt.Errorf("%w: save breaker: %v", ErrInternal, err)
	}
	return b, nil
}

// ResetBreaker 人工复位为 CLOSED。
func (cb *CircuitBreakers) ResetBreaker(ctx context.Context, tenantID, breakerID, resetBy string) (CircuitBreakerState, error) {
	unlock := cb.locks.Lock(Key(tenantID, ""))
	defer unlock()

	b, found, err := cb.repo.GetBreaker(ctx, tenantID, breakerID)
	if err != nil {
		return CircuitBreakerState{}, fmt.Errorf("%w: load breaker: %v", ErrInternal, err)
	}
	if !found {
		return CircuitBreakerState{}, fmt.Errorf("%w: breaker %q", ErrNotFound, breakerID)
	}
	if b.State == BreakerClosed {
		return b, nil
	}
	now := cb.clock.Now()
	prev := b.State
	b.State = BreakerClosed
	b.TripReason = ""
	b.LastTransitionAt = now
	b.UpdatedAt = now
	if err := cb.repo.SaveBreaker(ctx, b); err != nil {
		return CircuitBreakerState{}, fmt.Errorf("%w: save breaker: %v", ErrInternal, err)
	}
	cb.logger.Info("circuit breaker reset", zap.String("tenant", tenantID), zap.String("breaker", b.Name), zap.String("by", resetBy))
	if err := cb.emitter.Emit(ctx, NewEvent(now, EventCircuitBreakerReset, SeverityInfo, tenantID, b.strategyID(), string(b.Scope),
		"manual reset", "breaker closed",
		map[string]interface{}{"breakerId": b.BreakerID, "name": b.Name, "previousState": string(prev), "resetBy": resetBy})); err != nil {
		cb.logger.Error("emit risk event failed", zap.String("type", string(EventCircuitBreakerReset)), zap.Error(err))
	}
	return b, nil
}

// ListBreakers 按名称排序返回租户全部熔断器。
func (cb *CircuitBreakers) ListBreakers(ctx context.Context, tenantID string) ([]CircuitBreakerState, error) {
	out, err := cb.repo.ListBreakers(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: list breakers: %v", ErrInternal, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b CircuitBreakerState) strategyID() string {
	if b.Scope == BreakerScopeStrategy {
		return b.ScopeID
	}
	return ""
}

// TripEvent 熔断器打开时的风险事件。
func (b CircuitBreakerState) TripEvent(now time.Time) RiskEvent {
	return NewEvent(now, EventCircuitBreakerTripped, SeverityCritical, b.TenantID, b.strategyID(), string(b.Scope),
		b.TripReason, "new orders blocked until cooldown",
		map[string]interface{}{
			"breakerId":       b.BreakerID,
			"name":            b.Name,
			"condition":       string(b.Condition.Type),
			"tripCount":       b.TripCount,
			"cooldownMinutes": b.CooldownMinutes,
		})
}

// CloseEvent 试探成功关闭时的风险事件。
func (b CircuitBreakerState) CloseEvent(now time.Time) RiskEvent {
	return NewEvent(now, EventCircuitBreakerReset, SeverityInfo, b.TenantID, b.strategyID(), string(b.Scope),
		"recovered after cooldown", "breaker closed",
		map[string]interface{}{"breakerId": b.BreakerID, "name": b.Name, "tripCount": b.TripCount})
}
