package inventory

import "github.com/shopspring/decimal"

// markPrice 有参考价用参考价，否则退回持仓成本
func markPrice(p Position, prices map[string]decimal.Decimal) decimal.Decimal {
	if px, ok := prices[p.Symbol]; ok && px.IsPositive() {
		return px
	}
	return p.AvgEntryPrice
}

// Valuation 基于参考价计算市值与未实现盈亏
func (p Position) Valuation(prices map[string]decimal.Decimal) (marketValue, unrealized decimal.Decimal) {
	mark := markPrice(p, prices)
	marketValue = p.Quantity.Mul(mark)
	unrealized = mark.Sub(p.AvgEntryPrice).Mul(p.Quantity)
	return marketValue, unrealized
}
