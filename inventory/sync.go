package inventory

import (
	"context"
	"fmt"

	"risk-guard-go/internal/risk"
)

// Snapshot 租户维度的仓位快照，按资产汇总所有策略。
type Snapshot struct {
	TenantID string
	Net      map[string]float64
	Gross    float64
	Unreal   float64
}

// Sync 对外提供仓位快照（对账、展示）。
type Sync struct {
	Tracker *Tracker
}

func (s *Sync) Snapshot(ctx context.Context, tenantID string) (Snapshot, error) {
	snap := Snapshot{TenantID: tenantID, Net: make(map[string]float64)}
	if s.Tracker == nil {
		return snap, nil
	}
	ps, err := s.Tracker.ListPositions(ctx, tenantID)
	if err != nil {
		return Snapshot{}, err
	}
	for _, p := range ps {
		snap.Net[p.AssetID] += p.Quantity
	}
	snap.Gross = GrossExposure(ps)
	snap.Unreal = UnrealizedTotal(ps)
	return snap, nil
}

// NetQuantity 某资产跨策略的净数量。
func (s *Sync) NetQuantity(ctx context.Context, tenantID, assetID string) (float64, error) {
	if s.Tracker == nil {
		return 0, fmt.Errorf("%w: position tracker not configured", risk.ErrInternal)
	}
	snap, err := s.Snapshot(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return snap.Net[assetID], nil
}
