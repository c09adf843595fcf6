package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
)

var _ Gateway = (*AlpacaBroker)(nil)

// AlpacaBroker 通过 Alpaca Trading API 实现 Gateway。
// SDK 调用不接受 ctx，发起前检查 ctx 是否已结束。
type AlpacaBroker struct {
	client  *alpaca.Client
	limiter RateLimiter
}

// NewAlpacaBroker 使用给定凭证和 API 地址（paper 或 live）创建适配器。
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, limiter RateLimiter) *AlpacaBroker {
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		limiter: limiter,
	}
}

func (b *AlpacaBroker) before(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.limiter != nil {
		return b.limiter.Wait(ctx)
	}
	return nil
}

func (b *AlpacaBroker) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := b.before(ctx); err != nil {
		return "", Transient("submit", err)
	}
	ord, err := b.client.PlaceOrder(toAlpacaOrder(req))
	if err != nil {
		return "", classifyAlpacaError("submit", err)
	}
	return ord.ID, nil
}

func (b *AlpacaBroker) Cancel(ctx context.Context, brokerOrderID string) (bool, error) {
	if err := b.before(ctx); err != nil {
		return false, Transient("cancel", err)
	}
	if err := b.client.CancelOrder(brokerOrderID); err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
			// 已终结的订单不可撤
			return false, nil
		}
		return false, classifyAlpacaError("cancel", err)
	}
	return true, nil
}

func (b *AlpacaBroker) FetchPositions(ctx context.Context) ([]Position, error) {
	if err := b.before(ctx); err != nil {
		return nil, Transient("positions", err)
	}
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, classifyAlpacaError("positions", err)
	}
	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, Position{
			Symbol:        p.Symbol,
			Quantity:      p.Qty,
			AvgEntryPrice: p.AvgEntryPrice,
		})
	}
	return out, nil
}

func (b *AlpacaBroker) FetchAccount(ctx context.Context) (Account, error) {
	if err := b.before(ctx); err != nil {
		return Account{}, Transient("account", err)
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return Account{}, classifyAlpacaError("account", err)
	}
	return Account{Equity: acct.Equity, Cash: acct.Cash, UpdatedAt: time.Now()}, nil
}

func (b *AlpacaBroker) FetchOrderStatus(ctx context.Context, brokerOrderID string) (OrderStatus, error) {
	if err := b.before(ctx); err != nil {
		return OrderStatus{}, Transient("order", err)
	}
	ord, err := b.client.GetOrder(brokerOrderID)
	if err != nil {
		return OrderStatus{}, classifyAlpacaError("order", err)
	}
	return fromAlpacaOrder(ord), nil
}

func (b *AlpacaBroker) FetchOrderByClientID(ctx context.Context, clientOrderID string) (OrderStatus, error) {
	if err := b.before(ctx); err != nil {
		return OrderStatus{}, Transient("order", err)
	}
	ord, err := b.client.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		return OrderStatus{}, classifyAlpacaError("order", err)
	}
	return fromAlpacaOrder(ord), nil
}

func toAlpacaOrder(req SubmitRequest) alpaca.PlaceOrderRequest {
	qty := req.Quantity
	out := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(strings.ToLower(req.Side)),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if strings.EqualFold(req.Type, "LIMIT") {
		limit := req.LimitPrice
		out.Type = alpaca.Limit
		out.LimitPrice = &limit
	}
	return out
}

func fromAlpacaOrder(o *alpaca.Order) OrderStatus {
	st := OrderStatus{
		BrokerOrderID: o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		State:         mapAlpacaStatus(o.Status),
		FilledQty:     o.FilledQty,
		AvgFillPrice:  decimal.Zero,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.FilledAvgPrice != nil {
		st.AvgFillPrice = *o.FilledAvgPrice
	}
	return st
}

// mapAlpacaStatus 把 Alpaca 订单状态归一化。
func mapAlpacaStatus(status string) OrderState {
	switch strings.ToLower(status) {
	case "partially_filled":
		return OrderPartiallyFilled
	case "filled":
		return OrderFilled
	case "canceled", "expired", "done_for_day":
		return OrderCanceled
	case "rejected", "suspended":
		return OrderRejected
	default:
		return OrderOpen
	}
}

// classifyAlpacaError 429/5xx/网络错误可重试，404 为订单不存在，其余 4xx 视为拒单。
func classifyAlpacaError(op string, err error) error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return Transient(op, err)
	}
	switch {
	case apiErr.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrOrderNotFound)
	case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
		return &TransientError{Op: op, StatusCode: apiErr.StatusCode, Err: err}
	default:
		return &RejectedError{Op: op, StatusCode: apiErr.StatusCode, Reason: apiErr.Message}
	}
}
