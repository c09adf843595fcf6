// Package risk 包含纯函数式的限额评估：给定限额、候选订单与组合快照，返回全部违规项。
package risk

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// DefaultStrategy 未单独配置的策略使用该键下的限额。
const DefaultStrategy = "default"

// 所有 *Pct 字段为比例（0.05 表示 5%），零值表示该项不检查。

// PortfolioLimits 组合层限额。
type PortfolioLimits struct {
	MaxDailyDrawdownPct   decimal.Decimal
	MaxTotalDrawdownPct   decimal.Decimal
	MaxCapitalDeployedPct decimal.Decimal
	MaxOpenPositions      int
}

// StrategyLimits 策略层限额。DailyLossCap 为金额。
type StrategyLimits struct {
	MaxAllocationPct decimal.Decimal
	MaxDrawdownPct   decimal.Decimal
	DailyLossCap     decimal.Decimal
}

// OrderLimits 单笔订单限额。DefaultStopLossPct 用于未给出止损价时估算潜在亏损。
type OrderLimits struct {
	MaxRiskPerTradePct   decimal.Decimal
	MaxNotional          decimal.Decimal
	MaxPriceDeviationPct decimal.Decimal
	MinPrice             decimal.Decimal
	DefaultStopLossPct   decimal.Decimal
}

// Limits 一次评估使用的完整限额集合，发布后不可修改。
type Limits struct {
	Portfolio  PortfolioLimits
	Strategies map[string]StrategyLimits
	Order      OrderLimits
}

// Strategy 返回策略限额，未配置时回退到 DefaultStrategy。
func (l *Limits) Strategy(id string) (StrategyLimits, bool) {
	if sl, ok := l.Strategies[id]; ok {
		return sl, true
	}
	sl, ok := l.Strategies[DefaultStrategy]
	return sl, ok
}

var ErrInvalidLimits = errors.New("invalid risk limits")

type limitItem struct {
	name     string
	v        decimal.Decimal
	fraction bool
}

// Validate 拒绝负数限额与大于 1 的回撤/风险比例。
func (l *Limits) Validate() error {
	if l == nil {
		return fmt.Errorf("%w: nil", ErrInvalidLimits)
	}
	p, o := l.Portfolio, l.Order
	items := []limitItem{
		{"portfolio.max_daily_drawdown_pct", p.MaxDailyDrawdownPct, true},
		{"portfolio.max_total_drawdown_pct", p.MaxTotalDrawdownPct, true},
		{"portfolio.max_capital_deployed_pct", p.MaxCapitalDeployedPct, false},
		{"order.max_risk_per_trade_pct", o.MaxRiskPerTradePct, true},
		{"order.max_notional", o.MaxNotional, false},
		{"order.max_price_deviation_pct", o.MaxPriceDeviationPct, true},
		{"order.min_price", o.MinPrice, false},
		{"order.default_stop_loss_pct", o.DefaultStopLossPct, true},
	}
	for id, sl := range l.Strategies {
		items = append(items,
			limitItem{"strategies." + id + ".max_allocation_pct", sl.MaxAllocationPct, false},
			limitItem{"strategies." + id + ".max_drawdown_pct", sl.MaxDrawdownPct, true},
			limitItem{"strategies." + id + ".daily_loss_cap", sl.DailyLossCap, false},
		)
	}
	one := decimal.NewFromInt(1)
	for _, it := range items {
		if it.v.IsNegative() {
			return fmt.Errorf("%w: %s must be >= 0, got %s", ErrInvalidLimits, it.name, it.v)
		}
		if it.fraction && it.v.GreaterThan(one) {
			return fmt.Errorf("%w: %s is a fraction, got %s", ErrInvalidLimits, it.name, it.v)
		}
	}
	if p.MaxOpenPositions < 0 {
		return fmt.Errorf("%w: portfolio.max_open_positions must be >= 0", ErrInvalidLimits)
	}
	return nil
}

// LimitsStore 持有当前生效的限额，热更新时整体替换指针；评估路径只读。
type LimitsStore struct {
	p atomic.Pointer[Limits]
}

func NewLimitsStore(initial *Limits) *LimitsStore {
	s := &LimitsStore{}
	if initial == nil {
		initial = &Limits{}
	}
	s.p.Store(initial)
	return s
}

// Load 返回当前限额；调用方在一次评估内只使用这一份。
func (s *LimitsStore) Load() *Limits { return s.p.Load() }

// Replace 校验后替换限额。
func (s *LimitsStore) Replace(l *Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	s.p.Store(l)
	return nil
}
