package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// FakeBroker 内存券商，用于测试与 paper 模式。支持脚本化失败、延迟、拒单和手动成交。
type FakeBroker struct {
	mu sync.Mutex

	orders   map[string]*fakeOrder
	byClient map[string]string
	seq      int

	positions map[string]Position
	account   Account

	submitDelay  time.Duration
	failSubmits  []error
	lostAcks     int
	cancelResult *bool
	fetchErr     error
	submitCount  int
	cancelCount  int
	onSubmit     func(SubmitRequest)
}

type fakeOrder struct {
	req    SubmitRequest
	status OrderStatus
}

var _ Gateway = (*FakeBroker)(nil)

// NewFakeBroker 创建 FakeBroker，初始权益与现金均为 equity。
func NewFakeBroker(equity decimal.Decimal) *FakeBroker {
	return &FakeBroker{
		orders:    make(map[string]*fakeOrder),
		byClient:  make(map[string]string),
		positions: make(map[string]Position),
		account:   Account{Equity: equity, Cash: equity, UpdatedAt: time.Now()},
	}
}

// FailNextSubmits 让接下来的若干次 Submit 依次返回给定错误。
func (f *FakeBroker) FailNextSubmits(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSubmits = append(f.failSubmits, errs...)
}

// FailSubmitsTransient 让接下来 n 次 Submit 返回可重试错误。
func (f *FakeBroker) FailSubmitsTransient(n int) {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = &TransientError{Op: "submit", StatusCode: 503, Err: errors.New("service unavailable")}
	}
	f.FailNextSubmits(errs...)
}

// RejectNextSubmit 下一次 Submit 返回拒单。
func (f *FakeBroker) RejectNextSubmit(reason string) {
	f.FailNextSubmits(&RejectedError{Op: "submit", StatusCode: 422, Reason: reason})
}

// LoseNextAcks 接下来 n 次 Submit 在券商侧成功建单，但回执丢失（返回可重试错误）。
func (f *FakeBroker) LoseNextAcks(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lostAcks += n
}

// SetSubmitDelay 每次 Submit 前等待 d（受 ctx 控制）。
func (f *FakeBroker) SetSubmitDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitDelay = d
}

// SetCancelResult 固定 Cancel 的返回值；nil 表示按订单状态决定并立即撤销。
// 固定为 true 时模拟异步撤单：券商受理但订单保持开放，之后由 CompleteCancel 或成交结束。
func (f *FakeBroker) SetCancelResult(ok *bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelResult = ok
}

// SetFetchError 让查询类接口返回 err；nil 恢复正常。
func (f *FakeBroker) SetFetchError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

// OnSubmit 注册 Submit 到达时的回调（在返回前调用，不持锁）。
func (f *FakeBroker) OnSubmit(fn func(SubmitRequest)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSubmit = fn
}

// SetPosition 直接设置券商持仓，数量为 0 时删除。
func (f *FakeBroker) SetPosition(symbol string, qty, avg decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if qty.IsZero() {
		delete(f.positions, symbol)
		return
	}
	f.positions[symbol] = Position{Symbol: symbol, Quantity: qty, AvgEntryPrice: avg}
}

// SetAccount 设置账户权益和现金。
func (f *FakeBroker) SetAccount(equity, cash decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account = Account{Equity: equity, Cash: cash, UpdatedAt: time.Now()}
}

// SubmitCount 到达券商的 Submit 调用次数（含失败）。
func (f *FakeBroker) SubmitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCount
}

// CancelCount Cancel 调用次数。
func (f *FakeBroker) CancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelCount
}

// Orders 返回券商侧全部订单（按 broker id 排序）。
func (f *FakeBroker) Orders() []OrderStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OrderStatus, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, o.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerOrderID < out[j].BrokerOrderID })
	return out
}

func (f *FakeBroker) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	f.mu.Lock()
	delay := f.submitDelay
	hook := f.onSubmit
	f.submitCount++
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", &TransientError{Op: "submit", Err: ctx.Err()}
		case <-timer.C:
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failSubmits) > 0 {
		err := f.failSubmits[0]
		f.failSubmits = f.failSubmits[1:]
		return "", err
	}
	if req.Quantity.Sign() <= 0 {
		return "", &RejectedError{Op: "submit", StatusCode: 422, Reason: "qty must be positive"}
	}
	if id, ok := f.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return id, nil
	}
	f.seq++
	id := fmt.Sprintf("B-%06d", f.seq)
	f.orders[id] = &fakeOrder{
		req: req,
		status: OrderStatus{
			BrokerOrderID: id,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			State:         OrderOpen,
			FilledQty:     decimal.Zero,
			AvgFillPrice:  decimal.Zero,
			UpdatedAt:     time.Now(),
		},
	}
	if req.ClientOrderID != "" {
		f.byClient[req.ClientOrderID] = id
	}
	if f.lostAcks > 0 {
		f.lostAcks--
		return "", &TransientError{Op: "submit", Err: errors.New("ack lost")}
	}
	return id, nil
}

func (f *FakeBroker) Cancel(ctx context.Context, brokerOrderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCount++
	if f.cancelResult != nil {
		// 固定返回值时只受理请求，订单仍可成交，直到 CompleteCancel
		return *f.cancelResult, nil
	}
	o, ok := f.orders[brokerOrderID]
	if !ok {
		return false, ErrOrderNotFound
	}
	if o.status.State.Terminal() {
		return false, nil
	}
	o.status.State = OrderCanceled
	o.status.UpdatedAt = time.Now()
	return true, nil
}

func (f *FakeBroker) FetchPositions(ctx context.Context) ([]Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (f *FakeBroker) FetchAccount(ctx context.Context) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return Account{}, f.fetchErr
	}
	return f.account, nil
}

func (f *FakeBroker) FetchOrderStatus(ctx context.Context, brokerOrderID string) (OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return OrderStatus{}, f.fetchErr
	}
	o, ok := f.orders[brokerOrderID]
	if !ok {
		return OrderStatus{}, ErrOrderNotFound
	}
	return o.status, nil
}

func (f *FakeBroker) FetchOrderByClientID(ctx context.Context, clientOrderID string) (OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return OrderStatus{}, f.fetchErr
	}
	id, ok := f.byClient[clientOrderID]
	if !ok {
		return OrderStatus{}, ErrOrderNotFound
	}
	return f.orders[id].status, nil
}

// Fill 在券商侧成交 qty@price，更新订单累计量与持仓，并返回对应的成交回报。
func (f *FakeBroker) Fill(brokerOrderID string, qty, price decimal.Decimal) (Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[brokerOrderID]
	if !ok {
		return Fill{}, ErrOrderNotFound
	}
	if o.status.State.Terminal() {
		return Fill{}, fmt.Errorf("order %s is %s", brokerOrderID, o.status.State)
	}
	prev := o.status.FilledQty
	cum := prev.Add(qty)
	if cum.GreaterThan(o.req.Quantity) {
		return Fill{}, fmt.Errorf("overfill %s > %s", cum, o.req.Quantity)
	}
	notional := o.status.AvgFillPrice.Mul(prev).Add(price.Mul(qty))
	o.status.FilledQty = cum
	o.status.AvgFillPrice = notional.Div(cum)
	if cum.Equal(o.req.Quantity) {
		o.status.State = OrderFilled
	} else {
		o.status.State = OrderPartiallyFilled
	}
	now := time.Now()
	o.status.UpdatedAt = now

	signed := qty
	if o.req.Side == "SELL" {
		signed = qty.Neg()
	}
	pos := f.positions[o.req.Symbol]
	newQty := pos.Quantity.Add(signed)
	if newQty.IsZero() {
		delete(f.positions, o.req.Symbol)
	} else {
		avg := price
		if pos.Quantity.Sign() == signed.Sign() && !pos.Quantity.IsZero() {
			avg = pos.AvgEntryPrice.Mul(pos.Quantity.Abs()).Add(price.Mul(qty)).Div(newQty.Abs())
		} else if !pos.Quantity.IsZero() && newQty.Sign() == pos.Quantity.Sign() {
			avg = pos.AvgEntryPrice
		}
		f.positions[o.req.Symbol] = Position{Symbol: o.req.Symbol, Quantity: newQty, AvgEntryPrice: avg}
	}
	f.account.Cash = f.account.Cash.Sub(signed.Mul(price))
	f.account.UpdatedAt = now

	return Fill{
		FillID:        fmt.Sprintf("%s-F%s", brokerOrderID, cum.String()),
		BrokerOrderID: brokerOrderID,
		ClientOrderID: o.req.ClientOrderID,
		Quantity:      qty,
		Price:         price,
		CumulativeQty: cum,
		At:            now,
	}, nil
}

// CompleteCancel 结束一笔已受理的异步撤单，已成交部分保留。
func (f *FakeBroker) CompleteCancel(brokerOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.status.State.Terminal() {
		return fmt.Errorf("order %s is %s", brokerOrderID, o.status.State)
	}
	o.status.State = OrderCanceled
	o.status.UpdatedAt = time.Now()
	return nil
}

// Reject 将券商侧订单置为拒绝（模拟异步拒单）。
func (f *FakeBroker) Reject(brokerOrderID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.status.State = OrderRejected
	o.status.Reason = reason
	o.status.UpdatedAt = time.Now()
	return nil
}
