package order

import (
	"errors"
	"fmt"
	"math"

	"risk-guard-go/internal/risk"
)

// AssetConstraints 资产的交易精度与规模限制，0 表示不限制。
type AssetConstraints struct {
	TickSize    float64 `yaml:"tickSize"`
	StepSize    float64 `yaml:"stepSize"`
	MinQty      float64 `yaml:"minQty"`
	MaxQty      float64 `yaml:"maxQty"`
	MinNotional float64 `yaml:"minNotional"`
}

// Check 配置自身是否合法。
func (c AssetConstraints) Check() error {
	if c.TickSize < 0 || c.StepSize < 0 || c.MinQty < 0 || c.MaxQty < 0 || c.MinNotional < 0 {
		return fmt.Errorf("%w: constraints must not be negative", risk.ErrValidation)
	}
	if c.MaxQty > 0 && c.MinQty > c.MaxQty {
		return fmt.Errorf("%w: minQty %.8f > maxQty %.8f", risk.ErrValidation, c.MinQty, c.MaxQty)
	}
	return nil
}

// Validate 返回全部违规项，每项都包装 risk.ErrValidation。
// price 为 0（市价单）时跳过价格相关检查。
func (c AssetConstraints) Validate(price, qty float64) error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{risk.ErrValidation}, args...)...))
	}
	if price > 0 && !aligned(price, c.TickSize) {
		fail("price %.8f not aligned to tickSize %.8f", price, c.TickSize)
	}
	if !aligned(qty, c.StepSize) {
		fail("qty %.8f not aligned to stepSize %.8f", qty, c.StepSize)
	}
	switch {
	case c.MinQty > 0 && qty < c.MinQty:
		fail("qty %.8f < minQty %.8f", qty, c.MinQty)
	case c.MaxQty > 0 && qty > c.MaxQty:
		fail("qty %.8f > maxQty %.8f", qty, c.MaxQty)
	}
	if notional := price * qty; price > 0 && c.MinNotional > 0 && notional < c.MinNotional {
		fail("notional %.8f < minNotional %.8f", notional, c.MinNotional)
	}
	return errors.Join(errs...)
}

func aligned(value, step float64) bool {
	if step <= 0 {
		return true
	}
	ratio := value / step
	return math.Abs(ratio-math.Round(ratio)) <= 1e-8
}
