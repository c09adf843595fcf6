package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	irisk "risk-gate-go/internal/risk"
	"risk-gate-go/inventory"
	"risk-gate-go/risk"
)

// PriceSource 参考价来源
type PriceSource interface {
	Prices() map[string]decimal.Decimal
}

// OpenOrderSource 未终结订单来源，order.Manager 满足该接口
type OpenOrderSource interface {
	OpenExposure() []risk.OpenOrder
}

// GateMetrics 风控闸门指标
type GateMetrics interface {
	RecordViolation(kind string)
	RecordEvaluateLatency(seconds float64)
}

// RiskGate 按 KillSwitch → CircuitBreaker → Order → Strategy → Portfolio 顺序评估订单。
// 每次检查重新取组合快照与限额指针。
type RiskGate struct {
	limits    *risk.LimitsStore
	evaluator *risk.Evaluator
	ks        *irisk.KillSwitch
	breaker   *irisk.CircuitBreaker
	tracker   *irisk.DrawdownTracker
	ledger    *inventory.Ledger
	prices    PriceSource
	open      OpenOrderSource
	metrics   GateMetrics
	logger    *zap.Logger
	tracer    trace.Tracer
	clock     risk.Clock
}

// RiskGateDeps RiskGate 依赖
type RiskGateDeps struct {
	Limits     *risk.LimitsStore
	KillSwitch *irisk.KillSwitch
	Breaker    *irisk.CircuitBreaker
	Tracker    *irisk.DrawdownTracker
	Ledger     *inventory.Ledger
	Prices     PriceSource
	OpenOrders OpenOrderSource
	Metrics    GateMetrics
	Logger     *zap.Logger
	Clock      risk.Clock
}

// NewRiskGate 创建风控闸门
func NewRiskGate(deps RiskGateDeps) *RiskGate {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = risk.NowUTC
	}
	if deps.Tracker == nil {
		deps.Tracker = irisk.NewDrawdownTracker(nil, deps.Logger)
	}
	return &RiskGate{
		limits:    deps.Limits,
		evaluator: risk.NewEvaluator(deps.Clock),
		ks:        deps.KillSwitch,
		breaker:   deps.Breaker,
		tracker:   deps.Tracker,
		ledger:    deps.Ledger,
		prices:    deps.Prices,
		open:      deps.OpenOrders,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		tracer:    otel.Tracer("risk-gate-go/engine"),
		clock:     deps.Clock,
	}
}

// SetOpenOrders 订单管理器晚于闸门创建，启动前注入
func (g *RiskGate) SetOpenOrders(src OpenOrderSource) {
	g.open = src
}

// Check 返回风控结论。kill switch 与熔断为一票否决，只返回一条违规。
func (g *RiskGate) Check(ctx context.Context, c risk.Candidate) risk.Decision {
	_, span := g.tracer.Start(ctx, "risk.Check", trace.WithAttributes(
		attribute.String("order.symbol", c.Symbol),
		attribute.String("order.strategy", c.StrategyID),
	))
	defer span.End()

	start := time.Now()
	d := g.check(c)
	if g.metrics != nil {
		g.metrics.RecordEvaluateLatency(time.Since(start).Seconds())
		for _, v := range d.Violations {
			g.metrics.RecordViolation(string(v.Type))
		}
	}
	span.SetAttributes(attribute.Bool("risk.approved", d.Approved), attribute.Int("risk.violations", len(d.Violations)))
	if !d.Approved {
		g.logger.Info("risk check rejected",
			zap.String("strategy", c.StrategyID),
			zap.String("symbol", c.Symbol),
			zap.String("violations", risk.FormatViolations(d.Violations)))
	}
	return d
}

func (g *RiskGate) check(c risk.Candidate) risk.Decision {
	now := g.clock.Now()
	if g.ks != nil {
		if st, ok := g.ks.ActiveScope(c.StrategyID); ok {
			return risk.Reject(now, risk.Violation{
				Type:    risk.KillSwitchActive,
				Message: fmt.Sprintf("kill switch %s active: %s", st.Scope, st.Reason),
			})
		}
	}
	if g.breaker != nil && g.breaker.IsOpen() {
		st := g.breaker.Status()
		return risk.Reject(now, risk.Violation{
			Type:     risk.CircuitBreakerOpen,
			Observed: st.TotalDrawdown,
			Message:  "circuit breaker open: " + st.Reason,
		})
	}

	snap := g.Snapshot(now)
	d := g.evaluator.Evaluate(g.limits.Load(), c, snap)
	if d.Has(risk.MaxTotalDrawdown) && g.breaker != nil {
		g.breaker.Trip(fmt.Sprintf("total drawdown %s breached limit on pre-trade check", snap.TotalDrawdownPct.StringFixed(4)))
	}
	return d
}

// Snapshot 账本视图加上回撤数据。不推进回撤跟踪器的状态。
func (g *RiskGate) Snapshot(now time.Time) risk.PortfolioSnapshot {
	var prices map[string]decimal.Decimal
	if g.prices != nil {
		prices = g.prices.Prices()
	}
	snap, pnl := g.ledger.SnapshotWithPnL(prices)
	dd := g.tracker.Peek(irisk.EquityState{Equity: snap.Equity, StrategyPnL: pnl}, now)
	snap.DailyDrawdownPct = dd.DailyDrawdownPct
	snap.TotalDrawdownPct = dd.TotalDrawdownPct
	for id, s := range dd.Strategies {
		exp, ok := snap.Strategies[id]
		if !ok {
			exp = risk.StrategyExposure{Positions: map[string]decimal.Decimal{}}
		}
		exp.DailyLoss = s.DailyLoss
		exp.DrawdownPct = s.DrawdownPct
		snap.Strategies[id] = exp
	}
	snap.TakenAt = now
	if g.open != nil {
		snap = snap.WithOpenOrders(g.open.OpenExposure())
	}
	return snap
}

// EquityState 供回撤监控周期使用
func (g *RiskGate) EquityState(context.Context) (irisk.EquityState, error) {
	var prices map[string]decimal.Decimal
	if g.prices != nil {
		prices = g.prices.Prices()
	}
	snap, pnl := g.ledger.SnapshotWithPnL(prices)
	return irisk.EquityState{Equity: snap.Equity, StrategyPnL: pnl}, nil
}
