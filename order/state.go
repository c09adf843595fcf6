package order

import (
	"time"

	"github.com/shopspring/decimal"

	"risk-gate-go/risk"
)

// Status represents order lifecycle.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusRejected        Status = "REJECTED"
	StatusCancelled       Status = "CANCELLED"
)

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Type 订单类型
type Type string

const (
	TypeMarket Type = "MARKET"
	TypeLimit  Type = "LIMIT"
)

// ProposedOrder 策略提交的待评估订单
type ProposedOrder struct {
	IdempotencyKey string
	StrategyID     string
	Symbol         string
	Side           Side
	Type           Type
	Quantity       decimal.Decimal
	LimitPrice     decimal.Decimal
	// StopPrice 可选，用于估算单笔风险
	StopPrice decimal.Decimal
}

// Transition 一次状态变更记录
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Order 订单完整视图。只由 Manager 修改，对外返回副本。
type Order struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	StrategyID     string          `json:"strategy_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           Type            `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	StopPrice      decimal.Decimal `json:"stop_price"`

	Status        Status          `json:"status"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`

	RejectReason    string           `json:"reject_reason,omitempty"`
	Violations      []risk.Violation `json:"violations,omitempty"`
	CancelRequested bool             `json:"cancel_requested,omitempty"`
	CancelAckedAt   time.Time        `json:"cancel_acked_at,omitempty"` // 受理撤单不代表已撤销
	AppliedFills    []string         `json:"applied_fills,omitempty"`

	CreatedAt   time.Time    `json:"created_at"`
	SubmittedAt time.Time    `json:"submitted_at,omitempty"`
	FilledAt    time.Time    `json:"filled_at,omitempty"`
	ClosedAt    time.Time    `json:"closed_at,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Transitions []Transition `json:"transitions"`
}

// Clone 深拷贝
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Violations = append([]risk.Violation(nil), o.Violations...)
	c.AppliedFills = append([]string(nil), o.AppliedFills...)
	c.Transitions = append([]Transition(nil), o.Transitions...)
	return &c
}

// SignedQty 买为正、卖为负
func (o *Order) SignedQty(q decimal.Decimal) decimal.Decimal {
	if o.Side == SideSell {
		return q.Neg()
	}
	return q
}

// Remaining 未成交数量
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Candidate 转换为风控评估输入
func (o *Order) Candidate() risk.Candidate {
	return risk.Candidate{
		StrategyID: o.StrategyID,
		Symbol:     o.Symbol,
		Side:       string(o.Side),
		Type:       string(o.Type),
		Quantity:   o.Quantity,
		LimitPrice: o.LimitPrice,
		StopPrice:  o.StopPrice,
	}
}

// Filter 订单查询条件，零值字段不过滤
type Filter struct {
	StrategyID string
	Symbol     string
	Statuses   []Status
	Since      time.Time
}

func (f Filter) match(o *Order) bool {
	if f.StrategyID != "" && o.StrategyID != f.StrategyID {
		return false
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if !f.Since.IsZero() && o.CreatedAt.Before(f.Since) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == o.Status {
			return true
		}
	}
	return false
}
