package pretrade

import (
	"context"

	"risk-guard-go/inventory"
)

// ValueReader 组合价值（strategyID 为空）。
type ValueReader interface {
	GetPortfolioValue(ctx context.Context, tenantID, strategyID string) (float64, bool, error)
}

type PositionLister interface {
	ListPositions(ctx context.Context, tenantID string) ([]inventory.Position, error)
}

// Account 为资金与杠杆检查提供权益和总敞口。
type Account struct {
	Values    ValueReader
	Positions PositionLister
}

// Equity 未跟踪价值时 ok 为 false。
func (a Account) Equity(ctx context.Context, tenantID string) (float64, bool, error) {
	if a.Values == nil {
		return 0, false, nil
	}
	return a.Values.GetPortfolioValue(ctx, tenantID, "")
}

// GrossExposure 各仓位市值绝对值之和
func (a Account) GrossExposure(ctx context.Context, tenantID string) (float64, error) {
	if a.Positions == nil {
		return 0, nil
	}
	ps, err := a.Positions.ListPositions(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return inventory.GrossExposure(ps), nil
}
