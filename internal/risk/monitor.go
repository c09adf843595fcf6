package risk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EquitySource 提供组合权益与各策略盈亏
type EquitySource interface {
	EquityState(ctx context.Context) (EquityState, error)
}

// EquitySourceFunc 函数适配器
type EquitySourceFunc func(ctx context.Context) (EquityState, error)

func (f EquitySourceFunc) EquityState(ctx context.Context) (EquityState, error) { return f(ctx) }

// MonitorConfig 风控监控配置
type MonitorConfig struct {
	// 监控间隔
	Interval time.Duration

	Source     EquitySource
	Tracker    *DrawdownTracker
	Breaker    *CircuitBreaker
	KillSwitch *KillSwitch

	// StrategyMaxDrawdown 返回策略回撤上限，0 表示不检查
	StrategyMaxDrawdown func(strategyID string) decimal.Decimal

	Logger *zap.Logger
	Now    func() time.Time
}

// Monitor 周期性观测回撤，驱动熔断器与策略级 kill switch
type Monitor struct {
	config MonitorConfig
	logger *zap.Logger

	mu       sync.Mutex
	lastSnap DrawdownSnapshot
	cycles   int64

	// 控制
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewMonitor 创建风控监控
func NewMonitor(config MonitorConfig) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	if config.StrategyMaxDrawdown == nil {
		config.StrategyMaxDrawdown = func(string) decimal.Decimal { return decimal.Zero }
	}
	return &Monitor{
		config:   config,
		logger:   config.Logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start 启动监控循环
func (m *Monitor) Start(ctx context.Context) error {
	if m.config.Source == nil || m.config.Tracker == nil || m.config.Breaker == nil {
		return fmt.Errorf("risk monitor: source, tracker and breaker are required")
	}
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("risk monitor already started")
	}
	go m.loop(ctx)
	return nil
}

// Stop 停止监控
func (m *Monitor) Stop() error {
	if !m.started.Load() {
		return nil
	}
	m.stopOnce.Do(func() { close(m.stopChan) })
	select {
	case <-m.doneChan:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for risk monitor to stop")
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneChan)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			if _, _, err := m.RunOnce(ctx); err != nil {
				m.logger.Warn("risk monitor cycle failed", zap.Error(err))
			}
		}
	}
}

// RunOnce 执行一次评估：观测回撤、更新熔断器、检查策略回撤
func (m *Monitor) RunOnce(ctx context.Context) (DrawdownSnapshot, State, error) {
	st, err := m.config.Source.EquityState(ctx)
	if err != nil {
		return DrawdownSnapshot{}, m.config.Breaker.State(), fmt.Errorf("equity state: %w", err)
	}
	snap := m.config.Tracker.Observe(st, m.config.Now())
	state := m.config.Breaker.Update(snap.DailyDrawdownPct, snap.TotalDrawdownPct)

	if m.config.KillSwitch != nil {
		for id, sd := range snap.Strategies {
			limit := m.config.StrategyMaxDrawdown(id)
			if !limit.IsPositive() || sd.DrawdownPct.LessThan(limit) {
				continue
			}
			if m.config.KillSwitch.IsActive(id) {
				continue
			}
			reason := fmt.Sprintf("strategy drawdown %s >= %s", sd.DrawdownPct.StringFixed(4), limit.String())
			if err := m.config.KillSwitch.Activate(StrategyScope(id), reason, "risk_monitor"); err != nil {
				m.logger.Error("activate strategy kill switch failed", zap.String("strategy", id), zap.Error(err))
			}
		}
	}

	m.mu.Lock()
	m.lastSnap = snap
	m.cycles++
	m.mu.Unlock()
	return snap, state, nil
}

// LastSnapshot 最近一次周期的回撤
func (m *Monitor) LastSnapshot() (DrawdownSnapshot, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSnap, m.cycles
}
