package posttrade

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"risk-guard-go/gateway"
	"risk-guard-go/internal/risk"
)

// DefaultReconcileTolerance 数量比较的浮点容差。
const DefaultReconcileTolerance = 0.0001

// NetQuantityReader 内部账本中某资产跨策略的净数量。
type NetQuantityReader interface {
	NetQuantity(ctx context.Context, tenantID, assetID string) (float64, error)
}

// ReconciliationResult 对账结果。Reconciled=true 表示发现差异并已上报，
// 交易所数据视为权威，但内部账本不会被修改。
type ReconciliationResult struct {
	TenantID         string    `json:"tenantId"`
	AssetID          string    `json:"assetId"`
	InternalQuantity float64   `json:"internalQuantity"`
	ExchangeQuantity float64   `json:"exchangeQuantity"`
	Discrepancy      float64   `json:"discrepancy"`
	Reconciled       bool      `json:"reconciled"`
	Timestamp        time.Time `json:"timestamp"`
}

// PositionReconciler 比较内部与交易所仓位。
type PositionReconciler struct {
	ledger    NetQuantityReader
	emitter   risk.Emitter
	clock     risk.Clock
	logger    *zap.Logger
	tolerance float64
}

func NewPositionReconciler(ledger NetQuantityReader, emitter risk.Emitter, clock risk.Clock, logger *zap.Logger, tolerance float64) *PositionReconciler {
	if tolerance <= 0 {
		tolerance = DefaultReconcileTolerance
	}
	if clock == nil {
		clock = risk.NowUTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = risk.EmitterFunc(func(context.Context, risk.RiskEvent) error { return nil })
	}
	return &PositionReconciler{ledger: ledger, emitter: emitter, clock: clock, logger: logger, tolerance: tolerance}
}

// ReconcilePosition 对账单个资产。差异超过容差时发出 WARNING 事件。
// 事件发送失败不影响结果，错误会随结果一起返回。
func (r *PositionReconciler) ReconcilePosition(ctx context.Context, tenantID, assetID string, snap gateway.ExchangePositionData) (ReconciliationResult, error) {
	if tenantID == "" || assetID == "" {
		return ReconciliationResult{}, fmt.Errorf("%w: tenantId and assetId are required", risk.ErrValidation)
	}
	internal, err := r.ledger.NetQuantity(ctx, tenantID, assetID)
	if err != nil {
		return ReconciliationResult{}, fmt.Errorf("%w: read internal position: %v", risk.ErrInternal, err)
	}
	now := r.clock.Now()
	res := ReconciliationResult{
		TenantID:         tenantID,
		AssetID:          assetID,
		InternalQuantity: internal,
		ExchangeQuantity: snap.Quantity,
		Discrepancy:      math.Abs(snap.Quantity - internal),
		Timestamp:        now,
	}
	if res.Discrepancy <= r.tolerance {
		res.Discrepancy = 0
		return res, nil
	}
	res.Reconciled = true

	r.logger.Warn("position discrepancy",
		zap.String("tenant", tenantID),
		zap.String("asset", assetID),
		zap.Float64("internal", internal),
		zap.Float64("exchange", snap.Quantity),
		zap.Float64("discrepancy", res.Discrepancy))
	ev := risk.NewEvent(now, risk.EventPositionDiscrepancy, risk.SeverityWarning, tenantID, "", "ASSET",
		fmt.Sprintf("internal quantity %.8f != exchange quantity %.8f", internal, snap.Quantity),
		"exchange treated as authoritative, ledger left for operator correction",
		map[string]interface{}{
			"assetId":          assetID,
			"internalQuantity": internal,
			"exchangeQuantity": snap.Quantity,
			"exchangeAvgPrice": snap.AveragePrice,
			"discrepancy":      res.Discrepancy,
			"tolerance":        r.tolerance,
		})
	if err := r.emitter.Emit(ctx, ev); err != nil {
		return res, fmt.Errorf("emit %s: %w", ev.Type, err)
	}
	return res, nil
}
