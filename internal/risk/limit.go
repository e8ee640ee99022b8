package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"risk-guard-go/gateway"
)

// LimitScope 仓位限额作用域。
type LimitScope string

const (
	LimitScopeAsset     LimitScope = "ASSET"
	LimitScopeStrategy  LimitScope = "STRATEGY"
	LimitScopePortfolio LimitScope = "PORTFOLIO"
)

// PositionLimit 仓位限额。CurrentValue 由成交后更新器刷新。
// ASSET 作用域的 CurrentValue 为带符号净市值，其余为总市值。
type PositionLimit struct {
	LimitID      string     `json:"limitId"`
	TenantID     string     `json:"tenantId"`
	Scope        LimitScope `json:"scope"`
	AssetID      string     `json:"assetId,omitempty"`
	StrategyID   string     `json:"strategyId,omitempty"`
	MaxValue     float64    `json:"maxValue"`
	CurrentValue float64    `json:"currentValue"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Validate 校验限额配置。
func (l PositionLimit) Validate() error {
	if l.TenantID == "" {
		return fmt.Errorf("%w: limit tenantId is required", ErrValidation)
	}
	if l.MaxValue <= 0 || math.IsInf(l.MaxValue, 0) || math.IsNaN(l.MaxValue) {
		return fmt.Errorf("%w: limit maxValue must be > 0, got %v", ErrValidation, l.MaxValue)
	}
	switch l.Scope {
	case LimitScopeAsset:
		if l.AssetID == "" {
			return fmt.Errorf("%w: ASSET limit needs assetId", ErrValidation)
		}
	case LimitScopeStrategy:
		if l.StrategyID == "" {
			return fmt.Errorf("%w: STRATEGY limit needs strategyId", ErrValidation)
		}
	case LimitScopePortfolio:
	default:
		return fmt.Errorf("%w: unknown limit scope %q", ErrValidation, l.Scope)
	}
	return nil
}

// Matches 限额是否作用于该订单。ASSET 限额可选地限定策略。
func (l PositionLimit) Matches(strategyID, assetID string) bool {
	switch l.Scope {
	case LimitScopeAsset:
		return l.AssetID == assetID && (l.StrategyID == "" || l.StrategyID == strategyID)
	case LimitScopeStrategy:
		return l.StrategyID == strategyID
	case LimitScopePortfolio:
		return true
	}
	return false
}

// Project 计算下单后的敞口。ASSET 为带符号净额，其余为总额。
func (l PositionLimit) Project(side gateway.Side, notional float64) float64 {
	if l.Scope == LimitScopeAsset {
		return l.CurrentValue + side.Sign()*notional
	}
	return l.CurrentValue + notional
}

// LimitRepository 限额存储。
type LimitRepository interface {
	ListLimits(ctx context.Context, tenantID string) ([]PositionLimit, error)
	GetLimit(ctx context.Context, tenantID, limitID string) (PositionLimit, bool, error)
	SaveLimit(ctx context.Context, limit PositionLimit) error
}

// LimitCheck 单个限额的检查结果。
type LimitCheck struct {
	Limit             PositionLimit
	ProjectedExposure float64
	WithinLimit       bool
	RemainingCapacity float64
	WouldExceedBy     float64
	Message           string
}

// PositionLimitEnforcer 仓位限额检查与维护。
type PositionLimitEnforcer struct {
	repo   LimitRepository
	clock  Clock
	logger *zap.Logger
}

func NewPositionLimitEnforcer(repo LimitRepository, clock Clock, logger *zap.Logger) *PositionLimitEnforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PositionLimitEnforcer{repo: repo, clock: clockOrDefault(clock), logger: logger}
}

// CheckOrderAgainstLimits 对每个匹配的限额计算 withinLimit = |projected| <= max。
func (e *PositionLimitEnforcer) CheckOrderAgainstLimits(ctx context.Context, order gateway.OrderRequest, notional float64) ([]LimitCheck, error) {
	limits, err := e.repo.ListLimits(ctx, order.TenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: list limits: %v", ErrInternal, err)
	}
	var out []LimitCheck
	for _, l := range limits {
		if !l.Matches(order.StrategyID, order.AssetID) {
			continue
		}
		out = append(out, EvaluateLimit(l, order.Side, notional))
	}
	return out, nil
}

// EvaluateLimit 纯函数版本的单限额检查。
func EvaluateLimit(l PositionLimit, side gateway.Side, notional float64) LimitCheck {
	projected := l.Project(side, notional)
	exposure := math.Abs(projected)
	c := LimitCheck{Limit: l, ProjectedExposure: projected}
	if exposure <= l.MaxValue {
		c.WithinLimit = true
		c.RemainingCapacity = l.MaxValue - exposure
		c.Message = fmt.Sprintf("%s limit ok: current %.2f, projected %.2f, max %.2f", limitLabel(l), l.CurrentValue, projected, l.MaxValue)
		return c
	}
	c.WouldExceedBy = exposure - l.MaxValue
	c.Message = fmt.Sprintf("%s limit exceeded: current %.2f, projected %.2f, max %.2f", limitLabel(l), l.CurrentValue, projected, l.MaxValue)
	return c
}

func limitLabel(l PositionLimit) string {
	switch l.Scope {
	case LimitScopeAsset:
		return "ASSET " + l.AssetID
	case LimitScopeStrategy:
		return "STRATEGY " + l.StrategyID
	}
	return string(l.Scope)
}

// ListLimits 租户全部限额。
func (e *PositionLimitEnforcer) ListLimits(ctx context.Context, tenantID string) ([]PositionLimit, error) {
	limits, err := e.repo.ListLimits(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: list limits: %v", ErrInternal, err)
	}
	return limits, nil
}

// UpsertLimit 新增或更新限额。更新时保留 CurrentValue。
func (e *PositionLimitEnforcer) UpsertLimit(ctx context.Context, l PositionLimit) (PositionLimit, error) {
	if err := l.Validate(); err != nil {
		return PositionLimit{}, err
	}
	if l.LimitID == "" {
		l.LimitID = uuid.NewString()
	} else if existing, found, err := e.repo.GetLimit(ctx, l.TenantID, l.LimitID); err != nil {
		return PositionLimit{}, fmt.Errorf("%w: load limit: %v", ErrInternal, err)
	} else if found {
		l.CurrentValue = existing.CurrentValue
	}
	l.UpdatedAt = e.clock.Now()
	if err := e.repo.SaveLimit(ctx, l); err != nil {
		return PositionLimit{}, fmt.Errorf("%w: save limit: %v", ErrInternal, err)
	}
	return l, nil
}

// RefreshCurrentValue 刷新限额的当前敞口。
func (e *PositionLimitEnforcer) RefreshCurrentValue(ctx context.Context, tenantID, limitID string, value float64) (PositionLimit, error) {
	l, found, err := e.repo.GetLimit(ctx, tenantID, limitID)
	if err != nil {
		return PositionLimit{}, fmt.Errorf("%w: load limit: %v", ErrInternal, err)
	}
	if !found {
		return PositionLimit{}, fmt.Errorf("%w: limit %q", ErrNotFound, limitID)
	}
	l.CurrentValue = value
	l.UpdatedAt = e.clock.Now()
	if err := e.repo.SaveLimit(ctx, l); err != nil {
		return PositionLimit{}, fmt.Errorf("%w: save limit: %v", ErrInternal, err)
	}
	if math.Abs(value) > l.MaxValue {
		e.logger.Warn("position limit breached after execution",
			zap.String("tenant", tenantID),
			zap.String("limit", limitLabel(l)),
			zap.Float64("current", value),
			zap.Float64("max", l.MaxValue))
	}
	return l, nil
}
