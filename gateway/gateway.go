// Package gateway 定义券商能力接口（下单/撤单/查询），具体券商协议只出现在适配器中。
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway 券商能力接口。引擎只依赖该接口，测试使用 FakeBroker。
//
// Submit 失败时返回 *TransientError（超时/限流，可重试）或 *RejectedError（券商明确拒绝）。
type Gateway interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Cancel(ctx context.Context, brokerOrderID string) (bool, error)
	FetchPositions(ctx context.Context) ([]Position, error)
	FetchAccount(ctx context.Context) (Account, error)
	FetchOrderStatus(ctx context.Context, brokerOrderID string) (OrderStatus, error)
	// FetchOrderByClientID 按平台订单号查询，用于重启后恢复尚未拿到券商回执的订单。
	// 券商不存在该订单时返回 ErrOrderNotFound。
	FetchOrderByClientID(ctx context.Context, clientOrderID string) (OrderStatus, error)
}

// SubmitRequest 下单请求。ClientOrderID 使用平台订单号，券商侧据此去重。
type SubmitRequest struct {
	ClientOrderID string
	Symbol        string
	Side          string // BUY/SELL
	Type          string // MARKET/LIMIT
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
}

// Position 券商报告的账户级持仓（按 symbol 聚合，带符号）。
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

// Account 账户资金快照。
type Account struct {
	Equity    decimal.Decimal `json:"equity"`
	Cash      decimal.Decimal `json:"cash"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// OrderState 券商侧订单状态（已归一化）。
type OrderState string

const (
	OrderOpen            OrderState = "OPEN"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCanceled        OrderState = "CANCELED"
	OrderRejected        OrderState = "REJECTED"
)

// Terminal 券商侧是否已终结。
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	default:
		return false
	}
}

// OrderStatus 券商侧订单视图，成交量为累计值。
type OrderStatus struct {
	BrokerOrderID string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	State         OrderState      `json:"state"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Reason        string          `json:"reason,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Fill 券商推送的成交回报。FillID 全局唯一；CumulativeQty 为可选的累计成交量，
// 存在时用于识别与轮询同步重复的回报。
type Fill struct {
	FillID        string          `json:"fill_id"`
	BrokerOrderID string          `json:"broker_order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Quantity      decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	CumulativeQty decimal.Decimal `json:"cum_qty"`
	At            time.Time       `json:"at"`
}
