package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position 单个策略在单个 symbol 上的持仓。Quantity 带符号，空头为负。
type Position struct {
	StrategyID    string          `json:"strategy_id"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsOpen 是否有非零持仓
func (p Position) IsOpen() bool { return !p.Quantity.IsZero() }

// apply 按成交调整仓位：同向加仓加权平均成本，反向减仓结转已实现盈亏，穿越零点后以成交价重新计成本。
func (p *Position) apply(delta, price decimal.Decimal, at time.Time) {
	p.UpdatedAt = at
	if delta.IsZero() {
		return
	}
	q := p.Quantity
	if q.IsZero() || q.Sign() == delta.Sign() {
		totalValue := p.AvgEntryPrice.Mul(q.Abs()).Add(price.Mul(delta.Abs()))
		p.Quantity = q.Add(delta)
		p.AvgEntryPrice = totalValue.Div(p.Quantity.Abs())
		return
	}

	closed := decimal.Min(q.Abs(), delta.Abs())
	pnl := price.Sub(p.AvgEntryPrice).Mul(closed)
	if q.IsNegative() {
		pnl = pnl.Neg()
	}
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	p.Quantity = q.Add(delta)

	switch {
	case p.Quantity.IsZero():
		p.AvgEntryPrice = decimal.Zero
	case p.Quantity.Sign() != q.Sign():
		p.AvgEntryPrice = price
	}
}
