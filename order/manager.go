package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"risk-gate-go/gateway"
	"risk-gate-go/inventory"
	"risk-gate-go/risk"
)

// Gate 风控闸门，自行获取组合快照并给出决策
type Gate interface {
	Check(ctx context.Context, c risk.Candidate) risk.Decision
}

// KillSwitch 下单重试期间监听的开关
type KillSwitch interface {
	IsActive(strategyID string) bool
	Tripped() <-chan struct{}
}

// PositionRecorder 成交入账
type PositionRecorder interface {
	ApplyFill(strategyID, symbol string, signedQty, price decimal.Decimal) (inventory.Position, error)
}

// Store 订单持久化
type Store interface {
	SaveOrder(o *Order) error
	LoadOrders() ([]*Order, error)
}

// Metrics 订单指标
type Metrics interface {
	RecordOrder(outcome string)
	RecordSubmitRetry()
	RecordBrokerCall(action string, seconds float64, errKind string)
}

// Deps Manager 依赖
type Deps struct {
	Gateway    gateway.Gateway
	Gate       Gate
	KillSwitch KillSwitch
	Ledger     PositionRecorder
	Store      Store
	Metrics    Metrics
	Logger     *zap.Logger
	Tracer     trace.Tracer
}

// Config Manager 配置
type Config struct {
	Retry RetryConfig
	// AttemptTimeout 单次券商调用超时
	AttemptTimeout time.Duration
	Constraints    map[string]SymbolConstraints
}

var (
	errKillSwitchTripped = errors.New("kill switch activated during submission")
	errCancelRequested   = errors.New("cancel requested before broker ack")
)

// Manager 维护订单生命周期：风控、下单重试、成交入账、撤单。
type Manager struct {
	gw      gateway.Gateway
	gate    Gate
	ks      KillSwitch
	ledger  PositionRecorder
	store   Store
	metrics Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	cfg     Config

	sm     *StateMachine
	locks  *keyLocks
	fills  *FillTracker
	now    func() time.Time
	saveMu sync.Mutex

	mu       sync.RWMutex
	orders   map[string]*Order
	byKey    map[string]string // 幂等键 -> 订单 ID
	byBroker map[string]string // 券商订单 ID -> 订单 ID
	settling map[string]chan struct{}
	cancels  map[string]chan struct{}
}

// NewManager 创建订单管理器
func NewManager(deps Deps, cfg Config) *Manager {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("risk-gate-go/order")
	}
	return &Manager{
		gw:       deps.Gateway,
		gate:     deps.Gate,
		ks:       deps.KillSwitch,
		ledger:   deps.Ledger,
		store:    deps.Store,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		tracer:   deps.Tracer,
		cfg:      cfg,
		sm:       NewStateMachine(),
		locks:    newKeyLocks(),
		fills:    NewFillTracker(0, 0),
		now:      func() time.Time { return time.Now().UTC() },
		orders:   make(map[string]*Order),
		byKey:    make(map[string]string),
		byBroker: make(map[string]string),
		settling: make(map[string]chan struct{}),
		cancels:  make(map[string]chan struct{}),
	}
}

// Restore 从存储重建订单与幂等索引。需在接收新订单前调用。
func (m *Manager) Restore() (int, error) {
	if m.store == nil {
		return 0, nil
	}
	orders, err := m.store.LoadOrders()
	if err != nil {
		return 0, fmt.Errorf("load orders: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range orders {
		m.orders[o.ID] = o
		m.byKey[o.IdempotencyKey] = o.ID
		if o.BrokerOrderID != "" {
			m.byBroker[o.BrokerOrderID] = o.ID
		}
	}
	return len(orders), nil
}

// Submit 校验、幂等、风控、下单。风控拒绝时返回 REJECTED 订单与 *risk.RiskRejection。
func (m *Manager) Submit(ctx context.Context, p ProposedOrder) (*Order, error) {
	ctx, span := m.tracer.Start(ctx, "order.Submit", trace.WithAttributes(
		attribute.String("order.symbol", p.Symbol),
		attribute.String("order.strategy", p.StrategyID),
		attribute.String("order.idempotency_key", p.IdempotencyKey),
	))
	defer span.End()

	p = normalize(p)
	if err := m.validate(p); err != nil {
		m.recordOutcome("invalid")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.mu.Lock()
	if id, ok := m.byKey[p.IdempotencyKey]; ok {
		settled := m.settling[id]
		m.mu.Unlock()
		m.recordOutcome("duplicate")
		span.SetAttributes(attribute.Bool("order.duplicate", true))
		return m.awaitExisting(ctx, id, settled)
	}
	id := uuid.NewString()
	settled := make(chan struct{})
	m.byKey[p.IdempotencyKey] = id
	m.settling[id] = settled
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.settling, id)
		m.mu.Unlock()
		close(settled)
	}()
	span.SetAttributes(attribute.String("order.id", id))

	o := &Order{
		ID:             id,
		IdempotencyKey: p.IdempotencyKey,
		StrategyID:     p.StrategyID,
		Symbol:         p.Symbol,
		Side:           p.Side,
		Type:           p.Type,
		Quantity:       p.Quantity,
		LimitPrice:     p.LimitPrice,
		StopPrice:      p.StopPrice,
	}

	// 风控决策与记录在同一把键锁内完成
	unlock := m.locks.lock(o.StrategyID, o.Symbol)
	decision := m.gate.Check(ctx, o.Candidate())
	if !decision.Approved {
		o.Violations = decision.Violations
		o.RejectReason = risk.FormatViolations(decision.Violations)
		_ = m.sm.Apply(o, StatusRejected, m.now(), o.RejectReason)
		m.insert(o, nil)
		unlock()

		m.recordOutcome("risk_rejected")
		m.logger.Info("order rejected by risk gate",
			zap.String("order_id", id), zap.String("symbol", o.Symbol), zap.String("reason", o.RejectReason))
		span.SetStatus(codes.Error, "risk rejected")
		return o.Clone(), &risk.RiskRejection{OrderID: id, Violations: decision.Violations}
	}
	_ = m.sm.Apply(o, StatusPending, m.now(), "")
	cancelCh := make(chan struct{})
	m.insert(o, cancelCh)
	req := gateway.SubmitRequest{
		ClientOrderID: o.ID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Type:          string(o.Type),
		Quantity:      o.Quantity,
		LimitPrice:    o.LimitPrice,
	}
	unlock()

	// 券商调用不持有任何锁
	brokerID, err := m.submitWithRetry(ctx, req, o.StrategyID, cancelCh)
	out, cancelAfter, orphan, resErr := m.settleSubmission(id, brokerID, err)
	if orphan {
		m.cleanupOrphan(id)
	}
	if cancelAfter {
		if c, cerr := m.cancelAtBroker(ctx, id); cerr == nil {
			out = c
		} else {
			m.logger.Warn("deferred cancel failed", zap.String("order_id", id), zap.Error(cerr))
		}
	}
	if resErr != nil {
		span.SetStatus(codes.Error, resErr.Error())
	}
	return out, resErr
}

// awaitExisting 等待同一幂等键的首次提交结束后返回该订单
func (m *Manager) awaitExisting(ctx context.Context, id string, settled <-chan struct{}) (*Order, error) {
	if settled != nil {
		select {
		case <-settled:
		case <-ctx.Done():
			o, _ := m.Get(id)
			return o, ctx.Err()
		}
	}
	return m.Get(id)
}

func (m *Manager) submitWithRetry(ctx context.Context, req gateway.SubmitRequest, strategyID string, cancelCh <-chan struct{}) (string, error) {
	abortCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	go m.watchAbort(abortCtx, abort, strategyID, cancelCh)

	var brokerID string
	err := Retry(abortCtx, m.cfg.Retry, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
		defer cancel()
		start := time.Now()
		id, err := m.gw.Submit(actx, req)
		m.recordBroker("submit", time.Since(start), err)
		if err != nil {
			if gateway.IsTransient(err) || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
				return err
			}
			return Permanent(err)
		}
		brokerID = id
		return nil
	}, func(attempt int, err error) {
		if m.metrics != nil {
			m.metrics.RecordSubmitRetry()
		}
		m.logger.Warn("broker submit failed, retrying",
			zap.String("order_id", req.ClientOrderID), zap.Int("attempt", attempt), zap.Error(err))
	})
	if err != nil {
		if cause := context.Cause(abortCtx); errors.Is(cause, errKillSwitchTripped) || errors.Is(cause, errCancelRequested) {
			return "", cause
		}
		return "", err
	}
	return brokerID, nil
}

// watchAbort 在 kill switch 激活或撤单请求时中止重试
func (m *Manager) watchAbort(ctx context.Context, abort context.CancelCauseFunc, strategyID string, cancelCh <-chan struct{}) {
	if m.ks == nil {
		select {
		case <-cancelCh:
			abort(errCancelRequested)
		case <-ctx.Done():
		}
		return
	}
	for {
		tripped := m.ks.Tripped()
		if m.ks.IsActive(strategyID) {
			abort(errKillSwitchTripped)
			return
		}
		select {
		case <-tripped:
		case <-cancelCh:
			abort(errCancelRequested)
			return
		case <-ctx.Done():
			return
		}
	}
}

// settleSubmission 根据下单结果推进状态。成交回报可能已先行确认订单，此时不再改写。
func (m *Manager) settleSubmission(id, brokerID string, submitErr error) (out *Order, cancelAfter, orphan bool, resErr error) {
	m.mu.RLock()
	o := m.orders[id]
	strategyID, symbol := o.StrategyID, o.Symbol
	m.mu.RUnlock()

	unlock := m.locks.lock(strategyID, symbol)
	defer unlock()

	outcome := ""
	out, err := m.mutate(id, func(o *Order) error {
		delete(m.cancels, id)
		now := m.now()
		if submitErr == nil {
			if o.BrokerOrderID == "" {
				o.BrokerOrderID = brokerID
			}
			m.byBroker[brokerID] = id
			if o.Status == StatusPending {
				outcome = "submitted"
				if err := m.sm.Apply(o, StatusSubmitted, now, ""); err != nil {
					return err
				}
			}
			cancelAfter = o.CancelRequested && IsActiveState(o.Status)
			return nil
		}
		if o.Status != StatusPending {
			return nil
		}

		orphan = true
		var rejected *gateway.RejectedError
		switch {
		case errors.Is(submitErr, errKillSwitchTripped):
			outcome = "kill_switch_aborted"
			o.RejectReason = string(risk.KillSwitchActive) + ": " + submitErr.Error()
			o.Violations = []risk.Violation{{Type: risk.KillSwitchActive, Message: submitErr.Error()}}
			resErr = &risk.RiskRejection{OrderID: id, Violations: o.Violations}
			return m.sm.Apply(o, StatusRejected, now, o.RejectReason)
		case errors.Is(submitErr, errCancelRequested):
			outcome = "cancelled"
			return m.sm.Apply(o, StatusCancelled, now, submitErr.Error())
		case errors.As(submitErr, &rejected):
			orphan = false
			outcome = "broker_rejected"
			o.RejectReason = "BROKER_REJECTED: " + rejected.Reason
			resErr = submitErr
			return m.sm.Apply(o, StatusRejected, now, o.RejectReason)
		default:
			outcome = "broker_error"
			o.RejectReason = "BROKER_ERROR: " + submitErr.Error()
			resErr = fmt.Errorf("submit %s: %w", id, submitErr)
			return m.sm.Apply(o, StatusRejected, now, o.RejectReason)
		}
	})
	if err != nil {
		m.logger.Error("settle submission failed", zap.String("order_id", id), zap.Error(err))
		return out, false, false, err
	}
	if outcome != "" {
		m.recordOutcome(outcome)
		m.logger.Info("order submission settled",
			zap.String("order_id", id), zap.String("status", string(out.Status)),
			zap.String("broker_order_id", out.BrokerOrderID), zap.String("reason", out.RejectReason))
	}
	return out, cancelAfter, orphan, resErr
}

// cleanupOrphan 本地放弃的订单若已到达券商则撤掉
func (m *Manager) cleanupOrphan(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AttemptTimeout)
	defer cancel()
	st, err := m.gw.FetchOrderByClientID(ctx, id)
	if errors.Is(err, gateway.ErrOrderNotFound) {
		return
	}
	if err != nil {
		m.logger.Warn("orphan check failed", zap.String("order_id", id), zap.Error(err))
		return
	}
	if st.State.Terminal() {
		return
	}
	if _, err := m.gw.Cancel(ctx, st.BrokerOrderID); err != nil {
		m.logger.Error("cancel orphan broker order failed",
			zap.String("order_id", id), zap.String("broker_order_id", st.BrokerOrderID), zap.Error(err))
		return
	}
	m.logger.Warn("cancelled orphan broker order", zap.String("order_id", id), zap.String("broker_order_id", st.BrokerOrderID))
}

// ApplyFill 按券商成交 ID 去重入账，同一键锁内更新订单与持仓
func (m *Manager) ApplyFill(ctx context.Context, f gateway.Fill) (*Order, error) {
	_, span := m.tracer.Start(ctx, "order.ApplyFill", trace.WithAttributes(
		attribute.String("fill.id", f.FillID),
		attribute.String("fill.broker_order_id", f.BrokerOrderID),
	))
	defer span.End()

	id, ok := m.resolve(f.ClientOrderID, f.BrokerOrderID)
	if !ok {
		return nil, fmt.Errorf("%w: fill %s for broker order %s", ErrUnknownOrder, f.FillID, f.BrokerOrderID)
	}
	if f.FillID == "" {
		return nil, fmt.Errorf("fill for order %s: missing fill id", id)
	}
	if !f.Quantity.IsPositive() || !f.Price.IsPositive() {
		return nil, fmt.Errorf("fill %s: quantity and price must be positive", f.FillID)
	}

	m.mu.RLock()
	strategyID, symbol := m.orders[id].StrategyID, m.orders[id].Symbol
	m.mu.RUnlock()
	unlock := m.locks.lock(strategyID, symbol)
	defer unlock()

	m.mu.RLock()
	cur := m.orders[id]
	dup := containsString(cur.AppliedFills, f.FillID) ||
		(f.CumulativeQty.IsPositive() && f.CumulativeQty.LessThanOrEqual(cur.FilledQty))
	status, filled, qty, side := cur.Status, cur.FilledQty, cur.Quantity, cur.Side
	signedQty := cur.SignedQty(f.Quantity)
	m.mu.RUnlock()

	if dup {
		m.fills.RecordDuplicate()
		m.logger.Debug("duplicate fill discarded", zap.String("order_id", id), zap.String("fill_id", f.FillID))
		o, _ := m.Get(id)
		return o, ErrDuplicateFill
	}

	newFilled := filled.Add(f.Quantity)
	if newFilled.GreaterThan(qty) {
		m.fills.RecordOverfill()
		return nil, fmt.Errorf("%w: order %s qty %s filled %s fill %s", ErrOverfill, id, qty, filled, f.Quantity)
	}
	next := StatusPartiallyFilled
	if newFilled.Equal(qty) {
		next = StatusFilled
	}
	from := status
	if status == StatusPending {
		// 成交即证明券商已受理
		from = StatusSubmitted
	}
	if !m.sm.ValidateTransition(from, next) || (status == StatusPending && !m.sm.ValidateTransition(status, StatusSubmitted)) {
		return nil, &TransitionError{OrderID: id, From: status, To: next}
	}

	if m.ledger != nil {
		if _, err := m.ledger.ApplyFill(strategyID, symbol, signedQty, f.Price); err != nil {
			return nil, fmt.Errorf("ledger apply fill %s: %w", f.FillID, err)
		}
	}

	out, err := m.mutate(id, func(o *Order) error {
		now := m.now()
		if o.Status == StatusPending {
			if o.BrokerOrderID == "" && f.BrokerOrderID != "" {
				o.BrokerOrderID = f.BrokerOrderID
				m.byBroker[f.BrokerOrderID] = id
			}
			if err := m.sm.Apply(o, StatusSubmitted, now, "acknowledged by fill"); err != nil {
				return err
			}
		}
		o.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledQty).Add(f.Price.Mul(f.Quantity)).Div(newFilled)
		o.FilledQty = newFilled
		o.AppliedFills = append(o.AppliedFills, f.FillID)
		return m.sm.Apply(o, next, now, "fill "+f.FillID)
	})
	if err != nil {
		return nil, err
	}

	m.fills.RecordFill(FillEvent{
		FillID: f.FillID, OrderID: id, StrategyID: strategyID, Symbol: symbol,
		Side: side, Price: f.Price, Quantity: f.Quantity, Timestamp: f.At,
	})
	m.recordOutcome(strings.ToLower(string(next)))
	m.logger.Info("fill applied",
		zap.String("order_id", id), zap.String("fill_id", f.FillID),
		zap.String("qty", f.Quantity.String()), zap.String("price", f.Price.String()),
		zap.String("status", string(out.Status)))
	return out, nil
}

// Cancel 撤单请求。PENDING 订单记录意图并中止重试，已确认订单向券商撤单。
func (m *Manager) Cancel(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	strategyID, symbol := o.StrategyID, o.Symbol
	m.mu.RUnlock()

	unlock := m.locks.lock(strategyID, symbol)
	var status Status
	out, err := m.mutate(id, func(o *Order) error {
		status = o.Status
		if IsFinalState(o.Status) {
			return fmt.Errorf("%w: order %s is %s", ErrOrderTerminal, id, o.Status)
		}
		o.CancelRequested = true
		o.UpdatedAt = m.now()
		if ch, ok := m.cancels[id]; ok {
			close(ch)
			delete(m.cancels, id)
		}
		return nil
	})
	unlock()
	if err != nil {
		return out, err
	}
	m.logger.Info("cancel requested", zap.String("order_id", id), zap.String("status", string(status)))
	if status == StatusPending {
		return out, nil
	}
	return m.cancelAtBroker(ctx, id)
}

// cancelAtBroker 券商返回 true 只表示受理撤单请求，订单仍可能成交。
// 受理后立即查询券商订单状态：已撤销则先补齐成交再关闭，仍开放则留给状态轮询收尾。
func (m *Manager) cancelAtBroker(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	o := m.orders[id]
	brokerID, strategyID, symbol := o.BrokerOrderID, o.StrategyID, o.Symbol
	m.mu.RUnlock()

	start := time.Now()
	ok, err := m.gw.Cancel(ctx, brokerID)
	m.recordBroker("cancel", time.Since(start), err)
	if err != nil {
		cur, _ := m.Get(id)
		return cur, fmt.Errorf("cancel %s at broker: %w", id, err)
	}
	if !ok {
		m.logger.Info("broker declined cancel", zap.String("order_id", id), zap.String("broker_order_id", brokerID))
		return m.Get(id)
	}

	unlock := m.locks.lock(strategyID, symbol)
	_, err = m.mutate(id, func(o *Order) error {
		if o.CancelAckedAt.IsZero() {
			o.CancelAckedAt = m.now()
		}
		return nil
	})
	unlock()
	if err != nil {
		return nil, err
	}

	start = time.Now()
	st, err := m.gw.FetchOrderStatus(ctx, brokerID)
	m.recordBroker("fetch_order", time.Since(start), err)
	if err != nil {
		m.logger.Warn("cancel accepted, broker status unavailable",
			zap.String("order_id", id), zap.String("broker_order_id", brokerID), zap.Error(err))
		return m.Get(id)
	}
	return m.syncBrokerStatus(ctx, id, st)
}

// syncBrokerStatus 以券商订单状态为准：先按累计成交量补齐缺失成交，再同步撤单/拒单/受理状态
func (m *Manager) syncBrokerStatus(ctx context.Context, id string, st gateway.OrderStatus) (*Order, error) {
	cur, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if st.FilledQty.GreaterThan(cur.FilledQty) {
		f := synthesizeFill(cur, st)
		if _, err := m.ApplyFill(ctx, f); err != nil && !errors.Is(err, ErrDuplicateFill) {
			return nil, fmt.Errorf("apply broker fill %s: %w", f.FillID, err)
		}
	}
	if _, err := m.applyBrokerState(id, st); err != nil {
		return nil, err
	}
	return m.Get(id)
}

// Get 返回订单副本
func (m *Manager) Get(id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	return o.Clone(), nil
}

// GetByKey 按幂等键查询
func (m *Manager) GetByKey(key string) (*Order, error) {
	m.mu.RLock()
	id, ok := m.byKey[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: key %s", ErrUnknownOrder, key)
	}
	return m.Get(id)
}

// List 按条件查询，按创建时间排序
func (m *Manager) List(f Filter) []*Order {
	m.mu.RLock()
	out := make([]*Order, 0)
	for _, o := range m.orders {
		if f.match(o) {
			out = append(out, o.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// OpenOrders 返回未终结的订单
func (m *Manager) OpenOrders() []*Order {
	return m.List(Filter{Statuses: []Status{StatusPending, StatusSubmitted, StatusPartiallyFilled}})
}

// OpenExposure 未终结订单的剩余数量，供风控把挂单计入敞口
func (m *Manager) OpenExposure() []risk.OpenOrder {
	open := m.OpenOrders()
	out := make([]risk.OpenOrder, 0, len(open))
	for _, o := range open {
		out = append(out, risk.OpenOrder{
			StrategyID: o.StrategyID,
			Symbol:     o.Symbol,
			Remaining:  o.SignedQty(o.Remaining()),
			LimitPrice: o.LimitPrice,
		})
	}
	return out
}

// FillStats 成交统计
func (m *Manager) FillStats() FillTrackerStats { return m.fills.GetStats() }

// inFlight 首次提交仍在进行
func (m *Manager) inFlight(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.settling[id]
	return ok
}

func (m *Manager) resolve(clientID, brokerID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.orders[clientID]; ok && clientID != "" {
		return clientID, true
	}
	id, ok := m.byBroker[brokerID]
	return id, ok && brokerID != ""
}

// insert 登记新订单，调用方持有键锁
func (m *Manager) insert(o *Order, cancelCh chan struct{}) {
	m.mu.Lock()
	m.orders[o.ID] = o
	if cancelCh != nil {
		m.cancels[o.ID] = cancelCh
	}
	c := o.Clone()
	m.mu.Unlock()
	m.persist(c)
}

// mutate 在 m.mu 下修改订单并持久化副本，调用方持有键锁。fn 返回错误时副本仍为当前状态。
func (m *Manager) mutate(id string, fn func(o *Order) error) (*Order, error) {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	before := o.Clone()
	err := fn(o)
	if err != nil {
		*o = *before
	}
	c := o.Clone()
	m.mu.Unlock()
	if err == nil {
		m.persist(c)
	}
	return c, err
}

func (m *Manager) persist(o *Order) {
	if m.store == nil {
		return
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if err := m.store.SaveOrder(o); err != nil {
		m.logger.Error("persist order failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (m *Manager) recordOutcome(outcome string) {
	if m.metrics != nil {
		m.metrics.RecordOrder(outcome)
	}
}

func (m *Manager) recordBroker(action string, d time.Duration, err error) {
	if m.metrics == nil {
		return
	}
	kind := ""
	switch {
	case err == nil:
	case gateway.IsTransient(err):
		kind = "transient"
	case errors.Is(err, gateway.ErrRejected):
		kind = "rejected"
	case errors.Is(err, gateway.ErrOrderNotFound):
		kind = "not_found"
	default:
		kind = "other"
	}
	m.metrics.RecordBrokerCall(action, d.Seconds(), kind)
}

func normalize(p ProposedOrder) ProposedOrder {
	p.IdempotencyKey = strings.TrimSpace(p.IdempotencyKey)
	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	p.Side = Side(strings.ToUpper(string(p.Side)))
	p.Type = Type(strings.ToUpper(string(p.Type)))
	if p.Type == "" {
		p.Type = TypeMarket
		if p.LimitPrice.IsPositive() {
			p.Type = TypeLimit
		}
	}
	if p.StrategyID == "" {
		p.StrategyID = risk.DefaultStrategy
	}
	return p
}

func (m *Manager) validate(p ProposedOrder) error {
	switch {
	case p.IdempotencyKey == "":
		return &ValidationError{Field: "idempotency_key", Reason: "is required"}
	case p.Symbol == "":
		return &ValidationError{Field: "symbol", Reason: "is required"}
	case p.Side != SideBuy && p.Side != SideSell:
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("must be BUY or SELL, got %q", p.Side)}
	case p.Type != TypeMarket && p.Type != TypeLimit:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("must be MARKET or LIMIT, got %q", p.Type)}
	case !p.Quantity.IsPositive():
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	case p.Type == TypeLimit && !p.LimitPrice.IsPositive():
		return &ValidationError{Field: "limit_price", Reason: "must be positive for LIMIT orders"}
	case p.Type == TypeMarket && !p.LimitPrice.IsZero():
		return &ValidationError{Field: "limit_price", Reason: "not allowed for MARKET orders"}
	case p.StopPrice.IsNegative():
		return &ValidationError{Field: "stop_price", Reason: "must not be negative"}
	}
	if c, ok := m.cfg.Constraints[p.Symbol]; ok {
		if err := c.Validate(p.LimitPrice, p.Quantity); err != nil {
			return &ValidationError{Field: "constraints", Reason: err.Error()}
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
