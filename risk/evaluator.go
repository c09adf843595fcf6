package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Evaluator 纯函数式限额评估器：OrderLimits → StrategyLimits → PortfolioLimits，
// 三层违规全部累积返回。无副作用，可并发调用。
type Evaluator struct {
	levels MultiGuard
	clock  Clock
}

// NewEvaluator 创建评估器；clock 为 nil 时使用 NowUTC。
func NewEvaluator(clock Clock) *Evaluator {
	if clock == nil {
		clock = NowUTC
	}
	return &Evaluator{
		levels: MultiGuard{Guards: []Guard{
			GuardFunc(orderLevel),
			GuardFunc(strategyLevel),
			GuardFunc(portfolioLevel),
		}},
		clock: clock,
	}
}

// Evaluate 返回结论。limits 在一次评估内不变。
func (e *Evaluator) Evaluate(limits *Limits, c Candidate, snap PortfolioSnapshot) Decision {
	now := e.clock.Now()
	if limits == nil {
		limits = &Limits{}
	}
	chk := Check{Limits: limits, Candidate: c, Snapshot: snap}

	var vs []Violation
	if px, ok := executionPrice(c, snap); ok {
		chk.Price = px
	} else {
		vs = append(vs, Violation{
			Type:    NoReferencePrice,
			Message: fmt.Sprintf("no limit price or last trade price for %s", c.Symbol),
		})
	}
	vs = append(vs, e.levels.Check(chk)...)
	if len(vs) == 0 {
		return Approve(now)
	}
	return Reject(now, vs...)
}

// executionPrice 限价单取限价，市价单取最新成交价。
func executionPrice(c Candidate, snap PortfolioSnapshot) (decimal.Decimal, bool) {
	if strings.EqualFold(c.Type, "LIMIT") && c.LimitPrice.Sign() > 0 {
		return c.LimitPrice, true
	}
	return snap.LastPrice(c.Symbol)
}

// exposureDelta 成交后敞口变化：(|pos+delta| - |pos|) × price。
func exposureDelta(pos, delta, price decimal.Decimal) decimal.Decimal {
	return pos.Add(delta).Abs().Sub(pos.Abs()).Mul(price)
}

func ratio(num, den decimal.Decimal) decimal.Decimal {
	return num.Div(den).Round(8)
}

func orderLevel(chk Check) []Violation {
	var out []Violation
	lim := chk.Limits.Order
	c := chk.Candidate
	px := chk.Price
	if px.IsZero() {
		return nil
	}
	notional := c.Quantity.Mul(px)

	if lim.MaxNotional.IsPositive() && notional.GreaterThanOrEqual(lim.MaxNotional) {
		out = append(out, Violation{
			Type:     MaxNotional,
			Limit:    lim.MaxNotional,
			Observed: notional,
			Message:  fmt.Sprintf("notional %s >= max %s", notional, lim.MaxNotional),
		})
	}

	if lim.MaxRiskPerTradePct.IsPositive() {
		equity := chk.Snapshot.Equity
		if !equity.IsPositive() {
			out = append(out, Violation{
				Type:     EquityUnavailable,
				Observed: equity,
				Message:  "equity is not positive, risk per trade cannot be computed",
			})
		} else {
			loss := potentialLoss(c, px, notional, lim.DefaultStopLossPct)
			r := ratio(loss, equity)
			if r.GreaterThanOrEqual(lim.MaxRiskPerTradePct) {
				out = append(out, Violation{
					Type:     MaxRiskPerTrade,
					Limit:    lim.MaxRiskPerTradePct,
					Observed: r,
					Message:  fmt.Sprintf("potential loss %s is %s of equity >= max %s", loss, r, lim.MaxRiskPerTradePct),
				})
			}
		}
	}

	if lim.MaxPriceDeviationPct.IsPositive() {
		if last, ok := chk.Snapshot.LastPrice(c.Symbol); ok {
			dev := ratio(px.Sub(last).Abs(), last)
			if dev.GreaterThanOrEqual(lim.MaxPriceDeviationPct) {
				out = append(out, Violation{
					Type:     MaxPriceDeviation,
					Limit:    lim.MaxPriceDeviationPct,
					Observed: dev,
					Message:  fmt.Sprintf("price %s deviates %s from last %s >= max %s", px, dev, last, lim.MaxPriceDeviationPct),
				})
			}
		} else {
			out = append(out, Violation{
				Type:    NoReferencePrice,
				Message: fmt.Sprintf("no last trade price for %s to check deviation", c.Symbol),
			})
		}
	}

	if lim.MinPrice.IsPositive() && px.LessThan(lim.MinPrice) {
		out = append(out, Violation{
			Type:     MinPrice,
			Limit:    lim.MinPrice,
			Observed: px,
			Message:  fmt.Sprintf("price %s < min %s", px, lim.MinPrice),
		})
	}
	return out
}

// potentialLoss 有止损价时为 qty×|price-stop|；否则按 DefaultStopLossPct 估算；都没有时按全部名义价值计。
func potentialLoss(c Candidate, px, notional, defaultStop decimal.Decimal) decimal.Decimal {
	if c.StopPrice.IsPositive() {
		return c.Quantity.Mul(px.Sub(c.StopPrice).Abs())
	}
	if defaultStop.IsPositive() {
		return notional.Mul(defaultStop)
	}
	return notional
}

func strategyLevel(chk Check) []Violation {
	c := chk.Candidate
	if len(chk.Limits.Strategies) == 0 {
		return nil
	}
	lim, ok := chk.Limits.Strategy(c.StrategyID)
	if !ok {
		return []Violation{{
			Type:    StrategyNotConfigured,
			Message: fmt.Sprintf("strategy %q has no limits and no default is configured", c.StrategyID),
		}}
	}
	var out []Violation
	exp := chk.Snapshot.Strategy(c.StrategyID)

	if lim.MaxAllocationPct.IsPositive() && !chk.Price.IsZero() {
		base := exp.Positions[c.Symbol].Add(exp.Pending[c.Symbol])
		delta := exposureDelta(base, c.SignedQty(), chk.Price)
		if delta.IsPositive() {
			equity := chk.Snapshot.Equity
			if !equity.IsPositive() {
				out = append(out, Violation{
					Type:     EquityUnavailable,
					Observed: equity,
					Message:  "equity is not positive, strategy allocation cannot be computed",
				})
			} else {
				post := exp.Deployed.Add(exp.PendingExposure).Add(delta)
				r := ratio(post, equity)
				if r.GreaterThanOrEqual(lim.MaxAllocationPct) {
					out = append(out, Violation{
						Type:     StrategyAllocation,
						Limit:    lim.MaxAllocationPct,
						Observed: r,
						Message:  fmt.Sprintf("strategy %s allocation after fill %s >= cap %s", c.StrategyID, r, lim.MaxAllocationPct),
					})
				}
			}
		}
	}

	if lim.DailyLossCap.IsPositive() && exp.DailyLoss.GreaterThanOrEqual(lim.DailyLossCap) {
		out = append(out, Violation{
			Type:     StrategyDailyLoss,
			Limit:    lim.DailyLossCap,
			Observed: exp.DailyLoss,
			Message:  fmt.Sprintf("strategy %s paused: daily loss %s >= cap %s", c.StrategyID, exp.DailyLoss, lim.DailyLossCap),
		})
	}

	if lim.MaxDrawdownPct.IsPositive() && exp.DrawdownPct.GreaterThanOrEqual(lim.MaxDrawdownPct) {
		out = append(out, Violation{
			Type:     StrategyDrawdown,
			Limit:    lim.MaxDrawdownPct,
			Observed: exp.DrawdownPct,
			Message:  fmt.Sprintf("strategy %s drawdown %s >= max %s", c.StrategyID, exp.DrawdownPct, lim.MaxDrawdownPct),
		})
	}
	return out
}

func portfolioLevel(chk Check) []Violation {
	var out []Violation
	lim := chk.Limits.Portfolio
	c := chk.Candidate
	snap := chk.Snapshot
	pos := snap.Position(c.Symbol)
	after := pos.Add(c.SignedQty())

	if lim.MaxCapitalDeployedPct.IsPositive() && !chk.Price.IsZero() {
		delta := exposureDelta(pos.Add(snap.Pending[c.Symbol]), c.SignedQty(), chk.Price)
		if delta.IsPositive() {
			if !snap.Equity.IsPositive() {
				out = append(out, Violation{
					Type:     EquityUnavailable,
					Observed: snap.Equity,
					Message:  "equity is not positive, capital deployed cannot be computed",
				})
			} else {
				// 已挂未成交订单按全部成交计入
				post := snap.CapitalDeployed.Add(snap.PendingExposure).Add(delta)
				r := ratio(post, snap.Equity)
				if r.GreaterThanOrEqual(lim.MaxCapitalDeployedPct) {
					out = append(out, Violation{
						Type:     MaxCapitalDeployed,
						Limit:    lim.MaxCapitalDeployedPct,
						Observed: r,
						Message:  fmt.Sprintf("capital deployed after fill %s (%s of equity) >= max %s", post, r, lim.MaxCapitalDeployedPct),
					})
				}
			}
		}
	}

	if lim.MaxOpenPositions > 0 && pos.IsZero() && !after.IsZero() {
		count := snap.OpenPositions + 1
		if count > lim.MaxOpenPositions {
			out = append(out, Violation{
				Type:     MaxOpenPositions,
				Limit:    decimal.NewFromInt(int64(lim.MaxOpenPositions)),
				Observed: decimal.NewFromInt(int64(count)),
				Message:  fmt.Sprintf("open positions after fill %d > max %d", count, lim.MaxOpenPositions),
			})
		}
	}

	if lim.MaxDailyDrawdownPct.IsPositive() && snap.DailyDrawdownPct.GreaterThanOrEqual(lim.MaxDailyDrawdownPct) {
		out = append(out, Violation{
			Type:     MaxDailyDrawdown,
			Limit:    lim.MaxDailyDrawdownPct,
			Observed: snap.DailyDrawdownPct,
			Message:  fmt.Sprintf("daily drawdown %s >= max %s", snap.DailyDrawdownPct, lim.MaxDailyDrawdownPct),
		})
	}
	if lim.MaxTotalDrawdownPct.IsPositive() && snap.TotalDrawdownPct.GreaterThanOrEqual(lim.MaxTotalDrawdownPct) {
		out = append(out, Violation{
			Type:     MaxTotalDrawdown,
			Limit:    lim.MaxTotalDrawdownPct,
			Observed: snap.TotalDrawdownPct,
			Message:  fmt.Sprintf("total drawdown %s >= max %s", snap.TotalDrawdownPct, lim.MaxTotalDrawdownPct),
		})
	}
	return out
}
