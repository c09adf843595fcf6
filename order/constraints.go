package order

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SymbolConstraints 描述交易对的步长与名义限制。
type SymbolConstraints struct {
	TickSize    decimal.Decimal `yaml:"tick_size"`
	StepSize    decimal.Decimal `yaml:"step_size"`
	MinQty      decimal.Decimal `yaml:"min_qty"`
	MaxQty      decimal.Decimal `yaml:"max_qty"`
	MinNotional decimal.Decimal `yaml:"min_notional"`
}

// Validate 检查订单价格/数量是否符合精度与最小名义。市价单 price 传零，跳过价格相关检查。
func (c SymbolConstraints) Validate(price, qty decimal.Decimal) error {
	if price.IsPositive() && !isMultiple(price, c.TickSize) {
		return fmt.Errorf("price %s not aligned to tickSize %s", price, c.TickSize)
	}
	if !isMultiple(qty, c.StepSize) {
		return fmt.Errorf("qty %s not aligned to stepSize %s", qty, c.StepSize)
	}
	if c.MinQty.IsPositive() && qty.LessThan(c.MinQty) {
		return fmt.Errorf("qty %s < minQty %s", qty, c.MinQty)
	}
	if c.MaxQty.IsPositive() && qty.GreaterThan(c.MaxQty) {
		return fmt.Errorf("qty %s > maxQty %s", qty, c.MaxQty)
	}
	if price.IsPositive() && c.MinNotional.IsPositive() && price.Mul(qty).LessThan(c.MinNotional) {
		return fmt.Errorf("notional %s < minNotional %s", price.Mul(qty), c.MinNotional)
	}
	return nil
}

func isMultiple(value, step decimal.Decimal) bool {
	if !step.IsPositive() {
		return true
	}
	return value.Mod(step).IsZero()
}
