package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioSnapshot 一次风控检查使用的组合视图，在账本同一把锁内一次性取得，不跨周期复用。
type PortfolioSnapshot struct {
	Equity          decimal.Decimal
	Cash            decimal.Decimal
	CapitalDeployed decimal.Decimal
	OpenPositions   int

	DailyDrawdownPct decimal.Decimal
	TotalDrawdownPct decimal.Decimal

	// Positions 按 symbol 汇总的带符号持仓。
	Positions  map[string]decimal.Decimal
	Strategies map[string]StrategyExposure
	// Prices 最新成交价（参考价）。
	Prices  map[string]decimal.Decimal
	TakenAt time.Time

	// Pending 未终结订单剩余数量（带符号，按 symbol 汇总）。
	Pending map[string]decimal.Decimal
	// PendingExposure 未终结订单全部成交后新增的敞口，只计增加部分。
	PendingExposure decimal.Decimal
}

// StrategyExposure 单个策略的敞口与盈亏状态。DailyLoss 为正数表示亏损。
type StrategyExposure struct {
	Deployed    decimal.Decimal
	Positions   map[string]decimal.Decimal
	DailyLoss   decimal.Decimal
	DrawdownPct decimal.Decimal

	Pending         map[string]decimal.Decimal
	PendingExposure decimal.Decimal
}

// OpenOrder 已通过风控但未终结的订单剩余部分。Remaining 买为正、卖为负。
type OpenOrder struct {
	StrategyID string
	Symbol     string
	Remaining  decimal.Decimal
	LimitPrice decimal.Decimal
}

// Strategy 返回策略敞口，不存在时返回零值。
func (s PortfolioSnapshot) Strategy(id string) StrategyExposure {
	return s.Strategies[id]
}

// Position 返回 symbol 汇总持仓。
func (s PortfolioSnapshot) Position(symbol string) decimal.Decimal {
	return s.Positions[symbol]
}

// LastPrice 返回参考价。
func (s PortfolioSnapshot) LastPrice(symbol string) (decimal.Decimal, bool) {
	p, ok := s.Prices[symbol]
	if !ok || p.Sign() <= 0 {
		return decimal.Zero, false
	}
	return p, true
}

// WithOpenOrders 把未终结订单的剩余数量计入快照。
// 敞口按参考价估算，没有参考价时用限价；减仓方向的挂单不抵扣已有敞口。
func (s PortfolioSnapshot) WithOpenOrders(orders []OpenOrder) PortfolioSnapshot {
	if len(orders) == 0 {
		return s
	}
	type key struct{ strategy, symbol string }
	bySymbol := make(map[string]decimal.Decimal)
	byStrategy := make(map[key]decimal.Decimal)
	prices := make(map[string]decimal.Decimal)
	for _, o := range orders {
		if o.Remaining.IsZero() {
			continue
		}
		bySymbol[o.Symbol] = bySymbol[o.Symbol].Add(o.Remaining)
		k := key{o.StrategyID, o.Symbol}
		byStrategy[k] = byStrategy[k].Add(o.Remaining)
		if _, ok := prices[o.Symbol]; !ok {
			if px, ok := s.LastPrice(o.Symbol); ok {
				prices[o.Symbol] = px
			} else if o.LimitPrice.IsPositive() {
				prices[o.Symbol] = o.LimitPrice
			}
		}
	}

	s.Pending = make(map[string]decimal.Decimal, len(bySymbol))
	s.PendingExposure = decimal.Zero
	for sym, qty := range bySymbol {
		s.Pending[sym] = qty
		if inc := exposureDelta(s.Position(sym), qty, prices[sym]); inc.IsPositive() {
			s.PendingExposure = s.PendingExposure.Add(inc)
		}
	}

	strategies := make(map[string]StrategyExposure, len(s.Strategies))
	for id, exp := range s.Strategies {
		exp.Pending = nil
		exp.PendingExposure = decimal.Zero
		strategies[id] = exp
	}
	for k, qty := range byStrategy {
		exp := strategies[k.strategy]
		if exp.Pending == nil {
			exp.Pending = make(map[string]decimal.Decimal)
		}
		exp.Pending[k.symbol] = qty
		if inc := exposureDelta(exp.Positions[k.symbol], qty, prices[k.symbol]); inc.IsPositive() {
			exp.PendingExposure = exp.PendingExposure.Add(inc)
		}
		strategies[k.strategy] = exp
	}
	s.Strategies = strategies
	return s
}
