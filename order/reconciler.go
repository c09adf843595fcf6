package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"risk-gate-go/gateway"
)

// StatusSource 订单对账所需的券商查询接口
type StatusSource interface {
	FetchOrderStatus(ctx context.Context, brokerOrderID string) (gateway.OrderStatus, error)
	FetchOrderByClientID(ctx context.Context, clientOrderID string) (gateway.OrderStatus, error)
}

// Reconciler 订单状态对账器：轮询未终结订单，按券商累计成交量补齐漏掉的成交回报。
// 启动时先执行一次，恢复重启前尚未拿到回执的 PENDING 订单。
type Reconciler struct {
	source   StatusSource
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger

	runMu sync.Mutex

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	mu       sync.RWMutex

	// 统计信息
	totalReconciliations int64
	fillsSynthesized     int64
	statusUpdates        int64
	errorCount           int64
	lastReconcileTime    time.Time
}

// ReconcilerConfig 对账器配置
type ReconcilerConfig struct {
	Interval time.Duration // 对账间隔
}

// NewReconciler 创建订单对账器
func NewReconciler(source StatusSource, manager *Manager, logger *zap.Logger, config ReconcilerConfig) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		source:   source,
		manager:  manager,
		interval: config.Interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start 启动对账服务
func (r *Reconciler) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("order reconciler already started")
	}
	go r.reconcileLoop(ctx)
	return nil
}

// Stop 停止对账服务
func (r *Reconciler) Stop() error {
	if !r.started.Load() {
		return nil
	}
	r.stopOnce.Do(func() { close(r.stopChan) })
	<-r.doneChan
	return nil
}

func (r *Reconciler) reconcileLoop(ctx context.Context) {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Warn("order reconciliation incomplete", zap.Error(err))
			}
		}
	}
}

// Reconcile 对所有未终结订单执行一次对账。单个订单失败不影响其余订单。
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.mu.Lock()
	r.totalReconciliations++
	r.lastReconcileTime = time.Now()
	r.mu.Unlock()

	var errs []error
	for _, o := range r.manager.OpenOrders() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// 首次提交仍在重试中的订单由提交流程自行收尾
		if o.Status == StatusPending && r.manager.inFlight(o.ID) {
			continue
		}
		if err := r.reconcileOrder(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		r.mu.Lock()
		r.errorCount += int64(len(errs))
		r.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (r *Reconciler) reconcileOrder(ctx context.Context, local *Order) error {
	var (
		st  gateway.OrderStatus
		err error
	)
	if local.BrokerOrderID != "" {
		st, err = r.source.FetchOrderStatus(ctx, local.BrokerOrderID)
	} else {
		st, err = r.source.FetchOrderByClientID(ctx, local.ID)
	}
	if errors.Is(err, gateway.ErrOrderNotFound) && local.Status == StatusPending {
		// 券商从未收到该订单
		if _, err := r.manager.applyBrokerState(local.ID, gateway.OrderStatus{State: gateway.OrderRejected, Reason: "no broker acknowledgement"}); err != nil {
			return err
		}
		r.countStatusUpdate()
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch order %s: %w", local.ID, err)
	}

	if st.FilledQty.GreaterThan(local.FilledQty) {
		f := synthesizeFill(local, st)
		if _, err := r.manager.ApplyFill(ctx, f); err != nil && !errors.Is(err, ErrDuplicateFill) {
			return fmt.Errorf("apply synthesized fill %s: %w", f.FillID, err)
		}
		r.mu.Lock()
		r.fillsSynthesized++
		r.mu.Unlock()
		r.logger.Info("synthesized missing fill",
			zap.String("order_id", local.ID), zap.String("fill_id", f.FillID), zap.String("qty", f.Quantity.String()))
	}

	changed, err := r.manager.applyBrokerState(local.ID, st)
	if err != nil {
		return err
	}
	if changed {
		r.countStatusUpdate()
	}
	return nil
}

func (r *Reconciler) countStatusUpdate() {
	r.mu.Lock()
	r.statusUpdates++
	r.mu.Unlock()
}

// synthesizeFill 由累计成交量差额构造成交，ID 为 <券商订单号>#<累计量>
func synthesizeFill(local *Order, st gateway.OrderStatus) gateway.Fill {
	qty := st.FilledQty.Sub(local.FilledQty)
	price := st.AvgFillPrice.Mul(st.FilledQty).Sub(local.AvgFillPrice.Mul(local.FilledQty)).Div(qty)
	if !price.IsPositive() {
		price = st.AvgFillPrice
	}
	at := st.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return gateway.Fill{
		FillID:        st.BrokerOrderID + "#" + st.FilledQty.String(),
		BrokerOrderID: st.BrokerOrderID,
		ClientOrderID: local.ID,
		Quantity:      qty,
		Price:         price,
		CumulativeQty: st.FilledQty,
		At:            at,
	}
}

// applyBrokerState 将券商侧的受理、撤单、拒单状态同步到本地。成交由 ApplyFill 处理。
func (m *Manager) applyBrokerState(id string, st gateway.OrderStatus) (bool, error) {
	m.mu.RLock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.RUnlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	strategyID, symbol := o.StrategyID, o.Symbol
	m.mu.RUnlock()

	unlock := m.locks.lock(strategyID, symbol)
	defer unlock()

	changed := false
	out, err := m.mutate(id, func(o *Order) error {
		if IsFinalState(o.Status) {
			return nil
		}
		now := m.now()
		if st.BrokerOrderID != "" && o.BrokerOrderID == "" {
			o.BrokerOrderID = st.BrokerOrderID
			m.byBroker[st.BrokerOrderID] = id
			changed = true
		}
		switch st.State {
		case gateway.OrderCanceled:
			changed = true
			return m.sm.Apply(o, StatusCancelled, now, "cancelled at broker")
		case gateway.OrderRejected:
			changed = true
			reason := "BROKER_REJECTED: " + st.Reason
			if o.Status == StatusPartiallyFilled {
				return m.sm.Apply(o, StatusCancelled, now, reason)
			}
			o.RejectReason = reason
			return m.sm.Apply(o, StatusRejected, now, reason)
		case gateway.OrderOpen, gateway.OrderPartiallyFilled:
			if o.Status == StatusPending {
				changed = true
				return m.sm.Apply(o, StatusSubmitted, now, "acknowledged by broker")
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		m.logger.Info("order synced from broker",
			zap.String("order_id", id), zap.String("broker_state", string(st.State)), zap.String("status", string(out.Status)))
		if out.Status == StatusCancelled {
			m.recordOutcome("cancelled")
		}
	}
	return changed, nil
}

// GetStatistics 获取对账统计信息
func (r *Reconciler) GetStatistics() ReconcilerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return ReconcilerStats{
		TotalReconciliations: r.totalReconciliations,
		FillsSynthesized:     r.fillsSynthesized,
		StatusUpdates:        r.statusUpdates,
		Errors:               r.errorCount,
		LastReconcileTime:    r.lastReconcileTime,
		Interval:             r.interval,
	}
}

// ReconcilerStats 对账统计信息
type ReconcilerStats struct {
	TotalReconciliations int64
	FillsSynthesized     int64
	StatusUpdates        int64
	Errors               int64
	LastReconcileTime    time.Time
	Interval             time.Duration
}
