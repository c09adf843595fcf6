package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"risk-gate-go/gateway"
	irisk "risk-gate-go/internal/risk"
	"risk-gate-go/inventory"
	"risk-gate-go/order"
	"risk-gate-go/risk"
)

// EngineState 引擎状态
type EngineState int

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config 引擎配置
type Config struct {
	// RecoverOnStart 启动时先同步未终结订单与券商持仓，再开启周期任务
	RecoverOnStart bool
}

// Components 引擎依赖组件
type Components struct {
	Orders          *order.Manager
	OrderReconciler *order.Reconciler
	Ledger          *inventory.Ledger
	Reconciler      *inventory.Reconciler
	Gate            *RiskGate
	KillSwitch      *irisk.KillSwitch
	Breaker         *irisk.CircuitBreaker
	RiskMonitor     *irisk.Monitor
	Logger          *zap.Logger
}

// TradingEngine 对外暴露的平台入口：下单、撤单、查询、kill switch、熔断与对账。
type TradingEngine struct {
	config Config

	orders          *order.Manager
	orderReconciler *order.Reconciler
	ledger          *inventory.Ledger
	reconciler      *inventory.Reconciler
	gate            *RiskGate
	ks              *irisk.KillSwitch
	breaker         *irisk.CircuitBreaker
	riskMonitor     *irisk.Monitor
	logger          *zap.Logger

	state EngineState
	mu    sync.RWMutex

	stats Statistics
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime     time.Time
	TotalOrders   int64
	RiskRejected  int64
	TotalFills    int64
	TotalErrors   int64
	LastOrderTime time.Time
	mu            sync.RWMutex
}

// New 创建交易引擎
func New(cfg Config, components Components) (*TradingEngine, error) {
	if err := validateComponents(components); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	if components.Logger == nil {
		components.Logger = zap.NewNop()
	}
	return &TradingEngine{
		config:          cfg,
		orders:          components.Orders,
		orderReconciler: components.OrderReconciler,
		ledger:          components.Ledger,
		reconciler:      components.Reconciler,
		gate:            components.Gate,
		ks:              components.KillSwitch,
		breaker:         components.Breaker,
		riskMonitor:     components.RiskMonitor,
		logger:          components.Logger,
		state:           StateIdle,
	}, nil
}

// Start 启动周期任务（回撤监控、订单轮询、持仓对账）
func (e *TradingEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return fmt.Errorf("engine cannot start from state %s", e.state)
	}
	e.state = StateRunning
	e.mu.Unlock()

	e.stats.mu.Lock()
	e.stats.StartTime = time.Now()
	e.stats.mu.Unlock()

	e.logger.Info("Trading engine starting", zap.Bool("recover_on_start", e.config.RecoverOnStart))

	if e.config.RecoverOnStart {
		e.recover(ctx)
	}

	if e.riskMonitor != nil {
		if err := e.riskMonitor.Start(ctx); err != nil {
			return fmt.Errorf("failed to start risk monitor: %w", err)
		}
	}
	if e.orderReconciler != nil {
		if err := e.orderReconciler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start order reconciler: %w", err)
		}
	}
	if e.reconciler != nil {
		if err := e.reconciler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start position reconciler: %w", err)
		}
	}

	e.logger.Info("Trading engine started")
	return nil
}

// recover 订单先于持仓：补齐漏掉的成交后再与券商持仓比对
func (e *TradingEngine) recover(ctx context.Context) {
	if e.orderReconciler != nil {
		if err := e.orderReconciler.Reconcile(ctx); err != nil {
			e.recordError()
			e.logger.Error("startup order recovery incomplete", zap.Error(err))
		}
	}
	if e.reconciler != nil {
		if _, err := e.reconciler.Reconcile(ctx); err != nil {
			e.recordError()
			e.logger.Error("startup position reconciliation failed", zap.Error(err))
		}
	}
	if e.riskMonitor != nil {
		if _, _, err := e.riskMonitor.RunOnce(ctx); err != nil {
			e.logger.Warn("startup drawdown evaluation failed", zap.Error(err))
		}
	}
}

// Stop 停止周期任务
func (e *TradingEngine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine not running (state: %s)", e.state)
	}
	e.state = StateStopped
	e.mu.Unlock()

	e.logger.Info("Trading engine stopping")

	var errs []error
	if e.reconciler != nil {
		errs = append(errs, e.reconciler.Stop())
	}
	if e.orderReconciler != nil {
		errs = append(errs, e.orderReconciler.Stop())
	}
	if e.riskMonitor != nil {
		errs = append(errs, e.riskMonitor.Stop())
	}

	e.logger.Info("Trading engine stopped")
	return errors.Join(errs...)
}

// SubmitOrder 风控通过后提交券商。风控拒绝时返回 REJECTED 订单与 *risk.RiskRejection。
func (e *TradingEngine) SubmitOrder(ctx context.Context, p order.ProposedOrder) (*order.Order, error) {
	o, err := e.orders.Submit(ctx, p)

	e.stats.mu.Lock()
	e.stats.TotalOrders++
	e.stats.LastOrderTime = time.Now()
	switch {
	case errors.Is(err, risk.ErrRiskRejected):
		e.stats.RiskRejected++
	case err != nil:
		e.stats.TotalErrors++
	}
	e.stats.mu.Unlock()
	return o, err
}

// CancelOrder 撤单请求，不保证成功：迟到的成交仍以券商为准
func (e *TradingEngine) CancelOrder(ctx context.Context, orderID string) (*order.Order, error) {
	return e.orders.Cancel(ctx, orderID)
}

// GetOrder 查询订单
func (e *TradingEngine) GetOrder(orderID string) (*order.Order, error) {
	return e.orders.Get(orderID)
}

// ListOrders 按条件查询订单
func (e *TradingEngine) ListOrders(filter order.Filter) []*order.Order {
	return e.orders.List(filter)
}

// ApplyFill 券商成交回报入口，重复回报返回 order.ErrDuplicateFill
func (e *TradingEngine) ApplyFill(ctx context.Context, f gateway.Fill) (*order.Order, error) {
	o, err := e.orders.ApplyFill(ctx, f)
	if err == nil {
		e.stats.mu.Lock()
		e.stats.TotalFills++
		e.stats.mu.Unlock()
	}
	return o, err
}

// ActivateKillSwitch 激活 kill switch，重复激活只更新原因与时间
func (e *TradingEngine) ActivateKillSwitch(scope irisk.Scope, reason, principal string) error {
	return e.ks.Activate(scope, reason, principal)
}

// DeactivateKillSwitch 需要有效口令，失败返回 *irisk.AuthorizationError
func (e *TradingEngine) DeactivateKillSwitch(scope irisk.Scope, token, principal string) error {
	return e.ks.Deactivate(scope, token, principal)
}

// KillSwitchStatus 当前激活的 kill switch
func (e *TradingEngine) KillSwitchStatus() []irisk.KillSwitchState {
	return e.ks.Status()
}

// CircuitBreakerStatus 熔断器状态
func (e *TradingEngine) CircuitBreakerStatus() irisk.BreakerStatus {
	if e.breaker == nil {
		return irisk.BreakerStatus{State: irisk.StateClosed}
	}
	return e.breaker.Status()
}

// ResetCircuitBreaker 人工复位熔断器，并解除其激活的全局 kill switch
func (e *TradingEngine) ResetCircuitBreaker(token, principal string) error {
	if e.breaker == nil {
		return errors.New("circuit breaker not configured")
	}
	return e.breaker.Reset(token, principal)
}

// TriggerReconciliation 手动触发一次持仓对账
func (e *TradingEngine) TriggerReconciliation(ctx context.Context) (inventory.Result, error) {
	if e.reconciler == nil {
		return inventory.Result{}, errors.New("reconciliation not configured")
	}
	if e.orderReconciler != nil {
		if err := e.orderReconciler.Reconcile(ctx); err != nil {
			e.logger.Warn("order sync before reconciliation incomplete", zap.Error(err))
		}
	}
	return e.reconciler.Reconcile(ctx)
}

// Portfolio 当前组合视图（含回撤）
func (e *TradingEngine) Portfolio() risk.PortfolioSnapshot {
	return e.gate.Snapshot(time.Now().UTC())
}

// Positions 按策略列出持仓
func (e *TradingEngine) Positions() []inventory.Position {
	return e.ledger.Positions()
}

// AuditLog kill switch 与熔断器审计记录
func (e *TradingEngine) AuditLog() []irisk.AuditEntry {
	if e.ks.AuditLog() == nil {
		return nil
	}
	return e.ks.AuditLog().Entries()
}

func (e *TradingEngine) recordError() {
	e.stats.mu.Lock()
	e.stats.TotalErrors++
	e.stats.mu.Unlock()
}

// GetState 获取引擎状态
func (e *TradingEngine) GetState() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetStatistics 获取统计信息
func (e *TradingEngine) GetStatistics() Statistics {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()
	return Statistics{
		StartTime:     e.stats.StartTime,
		TotalOrders:   e.stats.TotalOrders,
		RiskRejected:  e.stats.RiskRejected,
		TotalFills:    e.stats.TotalFills,
		TotalErrors:   e.stats.TotalErrors,
		LastOrderTime: e.stats.LastOrderTime,
	}
}

// validateComponents 验证组件
func validateComponents(comp Components) error {
	if comp.Orders == nil {
		return fmt.Errorf("order manager is required")
	}
	if comp.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if comp.Gate == nil {
		return fmt.Errorf("risk gate is required")
	}
	if comp.KillSwitch == nil {
		return fmt.Errorf("kill switch is required")
	}
	return nil
}
