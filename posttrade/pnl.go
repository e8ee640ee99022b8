package posttrade

import (
	"risk-guard-go/gateway"
	"risk-guard-go/inventory"
)

// CalculateRealizedPnL 单笔成交的已实现盈亏：
// SELL 为 (成交价 − 卖出前均价) × 数量 − 手续费，BUY 只计手续费。
func CalculateRealizedPnL(exec gateway.ExecutionReport, averagePriceBefore float64) float64 {
	if exec.Side == gateway.SideSell {
		return (exec.ExecutedPrice-averagePriceBefore)*exec.ExecutedQuantity - exec.Commission
	}
	return -exec.Commission
}

// reducing 成交是否减少了已有仓位（用于连续亏损统计）。
func reducing(prev inventory.Position, side gateway.Side) bool {
	if prev.Quantity == 0 {
		return false
	}
	return (prev.Quantity > 0) != (side.Sign() > 0)
}
