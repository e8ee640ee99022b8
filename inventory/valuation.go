package inventory

import "math"

// Valuation 基于 mark 价重算市值和未实现盈亏。
func (p Position) Valuation(mark float64) Position {
	p.MarketValue = p.Quantity * mark
	p.UnrealizedPnL = (mark - p.AveragePrice) * p.Quantity
	return p
}

// GrossExposure 总市值（绝对值之和）。
func GrossExposure(ps []Position) float64 {
	var sum float64
	for _, p := range ps {
		sum += math.Abs(p.MarketValue)
	}
	return sum
}

// NetAssetValue 某资产的带符号净市值；strategyID 非空时只统计该策略。
func NetAssetValue(ps []Position, assetID, strategyID string) float64 {
	var sum float64
	for _, p := range ps {
		if p.AssetID != assetID {
			continue
		}
		if strategyID != "" && p.StrategyID != strategyID {
			continue
		}
		sum += p.MarketValue
	}
	return sum
}

// StrategyGross 某策略的总市值。
func StrategyGross(ps []Position, strategyID string) float64 {
	var sum float64
	for _, p := range ps {
		if p.StrategyID == strategyID {
			sum += math.Abs(p.MarketValue)
		}
	}
	return sum
}

// UnrealizedTotal 未实现盈亏之和。
func UnrealizedTotal(ps []Position) float64 {
	var sum float64
	for _, p := range ps {
		sum += p.UnrealizedPnL
	}
	return sum
}
