package inventory

import (
	"context"
	"fmt"
	"math"
	"time"

	"risk-guard-go/gateway"
	"risk-guard-go/internal/risk"
)

// Position 仓位。Quantity 带符号：正为多头，负为空头。
type Position struct {
	TenantID      string    `json:"tenantId"`
	AssetID       string    `json:"assetId"`
	StrategyID    string    `json:"strategyId,omitempty"`
	Quantity      float64   `json:"quantity"`
	AveragePrice  float64   `json:"averagePrice"`
	MarketValue   float64   `json:"marketValue"`
	UnrealizedPnL float64   `json:"unrealizedPnl"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// IsFlat 数量为 0。
func (p Position) IsFlat() bool { return p.Quantity == 0 }

// Repository 仓位存储。
type Repository interface {
	GetPosition(ctx context.Context, tenantID, assetID, strategyID string) (Position, bool, error)
	SavePosition(ctx context.Context, p Position) error
	ListPositions(ctx context.Context, tenantID string) ([]Position, error)
}

// Apply 按成交调整仓位：
//   - 同向加仓或从空仓开仓：均价按数量加权
//   - 减仓：均价不变，只减数量；穿越到反向时均价仍保持不变
//
// 市值与未实现盈亏按成交价重算。
func Apply(p Position, side gateway.Side, qty, price float64, ts time.Time) Position {
	delta := side.Sign() * qty
	extending := p.Quantity == 0 || (p.Quantity > 0) == (delta > 0)
	if extending {
		total := math.Abs(p.Quantity) + qty
		p.AveragePrice = (math.Abs(p.Quantity)*p.AveragePrice + qty*price) / total
	}
	p.Quantity += delta
	if math.Abs(p.Quantity) < 1e-12 {
		p.Quantity = 0
	}
	p.LastUpdated = ts
	return p.Valuation(price)
}

// Update ProcessExecution 的结果，Previous 为成交前的仓位。
type Update struct {
	Position Position
	Previous Position
	Created  bool
}

// Tracker 维护 (tenant, asset, strategy) 维度的仓位。
type Tracker struct {
	repo  Repository
	locks *risk.KeyedMutex
	clock risk.Clock
}

func NewTracker(repo Repository, clock risk.Clock) *Tracker {
	if clock == nil {
		clock = risk.NowUTC
	}
	return &Tracker{repo: repo, locks: risk.NewKeyedMutex(), clock: clock}
}

// ProcessExecution 应用一笔成交并持久化。
func (t *Tracker) ProcessExecution(ctx context.Context, exec gateway.ExecutionReport) (Update, error) {
	if err := exec.Validate(); err != nil {
		return Update{}, fmt.Errorf("%w: %v", risk.ErrValidation, err)
	}
	unlock := t.locks.Lock(positionKey(exec.TenantID, exec.AssetID, exec.StrategyID))
	defer unlock()

	prev, found, err := t.repo.GetPosition(ctx, exec.TenantID, exec.AssetID, exec.StrategyID)
	if err != nil {
		return Update{}, fmt.Errorf("%w: load position: %v", risk.ErrInternal, err)
	}
	if !found {
		prev = Position{TenantID: exec.TenantID, AssetID: exec.AssetID, StrategyID: exec.StrategyID}
	}
	ts := exec.Timestamp
	if ts.IsZero() {
		ts = t.clock.Now()
	}
	next := Apply(prev, exec.Side, exec.ExecutedQuantity, exec.ExecutedPrice, ts)
	if err := t.repo.SavePosition(ctx, next); err != nil {
		return Update{}, fmt.Errorf("%w: save position: %v", risk.ErrInternal, err)
	}
	return Update{Position: next, Previous: prev, Created: !found}, nil
}

// GetPosition 读取仓位，不存在时返回空仓。
func (t *Tracker) GetPosition(ctx context.Context, tenantID, assetID, strategyID string) (Position, error) {
	p, found, err := t.repo.GetPosition(ctx, tenantID, assetID, strategyID)
	if err != nil {
		return Position{}, fmt.Errorf("%w: load position: %v", risk.ErrInternal, err)
	}
	if !found {
		return Position{TenantID: tenantID, AssetID: assetID, StrategyID: strategyID}, nil
	}
	return p, nil
}

// ListPositions 租户全部仓位。
func (t *Tracker) ListPositions(ctx context.Context, tenantID string) ([]Position, error) {
	ps, err := t.repo.ListPositions(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: list positions: %v", risk.ErrInternal, err)
	}
	return ps, nil
}

func positionKey(tenantID, assetID, strategyID string) string {
	return risk.Key(tenantID, assetID+"|"+strategyID)
}

// Trade 用于参考计算的最简成交。
type Trade struct {
	Side     gateway.Side
	Quantity float64
}

// CalculatePositionFromTrades 净仓 = Σ买 − Σ卖。
func CalculatePositionFromTrades(trades []Trade) float64 {
	var net float64
	for _, tr := range trades {
		switch tr.Side {
		case gateway.SideBuy:
			net += tr.Quantity
		case gateway.SideSell:
			net -= tr.Quantity
		}
	}
	return net
}
