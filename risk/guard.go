package risk

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Candidate 待评估订单。
type Candidate struct {
	StrategyID string
	Symbol     string
	Side       string // BUY/SELL
	Type       string // MARKET/LIMIT
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
	// StopPrice 可选，存在时用于计算单笔潜在亏损。
	StopPrice decimal.Decimal
}

// SignedQty 买为正、卖为负。
func (c Candidate) SignedQty() decimal.Decimal {
	if strings.EqualFold(c.Side, "SELL") {
		return c.Quantity.Neg()
	}
	return c.Quantity
}

// Check 一次评估的输入。Price 为已解析的执行参考价。
type Check struct {
	Limits    *Limits
	Candidate Candidate
	Snapshot  PortfolioSnapshot
	Price     decimal.Decimal
}

// Guard 是某一层级的限额检查，返回该层全部违规。
type Guard interface {
	Check(c Check) []Violation
}

// GuardFunc 把函数适配为 Guard。
type GuardFunc func(c Check) []Violation

func (f GuardFunc) Check(c Check) []Violation { return f(c) }

// MultiGuard 顺序执行多个 Guard 并累积所有违规，不在第一条违规处中止。
type MultiGuard struct {
	Guards []Guard
}

func (m MultiGuard) Check(c Check) []Violation {
	var out []Violation
	for _, g := range m.Guards {
		if g == nil {
			continue
		}
		out = append(out, g.Check(c)...)
	}
	return out
}
