package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

var fixedNow = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)

func newTestEvaluator() *Evaluator {
	return NewEvaluator(ClockFunc(func() time.Time { return fixedNow }))
}

func baseSnapshot() PortfolioSnapshot {
	return PortfolioSnapshot{
		Equity:    d("1000000"),
		Cash:      d("1000000"),
		Positions: map[string]decimal.Decimal{},
		Prices:    map[string]decimal.Decimal{"AAPL": d("150")},
		TakenAt:   fixedNow,
	}
}

func buy(qty, limit string) Candidate {
	return Candidate{
		StrategyID: "momo",
		Symbol:     "AAPL",
		Side:       "BUY",
		Type:       "LIMIT",
		Quantity:   d(qty),
		LimitPrice: d(limit),
	}
}

func TestNotionalBoundaryIsInclusive(t *testing.T) {
	ev := newTestEvaluator()
	limits := &Limits{Order: OrderLimits{MaxNotional: d("25000")}}
	snap := baseSnapshot()
	snap.Prices["AAPL"] = d("100")

	at := ev.Evaluate(limits, buy("250", "100"), snap)
	require.False(t, at.Approved)
	require.Len(t, at.Violations, 1)
	assert.Equal(t, MaxNotional, at.Violations[0].Type)
	assert.True(t, at.Violations[0].Observed.Equal(d("25000")))

	below := ev.Evaluate(limits, buy("1", "24999.99"), snapWithPrice(snap, "24999.99"))
	assert.True(t, below.Approved, "%v", below.Violations)
}

func snapWithPrice(s PortfolioSnapshot, px string) PortfolioSnapshot {
	s.Prices = map[string]decimal.Decimal{"AAPL": d(px)}
	return s
}

func TestViolationsAreAccumulated(t *testing.T) {
	ev := newTestEvaluator()
	limits := &Limits{Order: OrderLimits{
		MaxNotional:          d("25000"),
		MaxPriceDeviationPct: d("0.05"),
	}}
	// 200 @ 170 = 34000，偏离最新价 150 约 13%
	dec := ev.Evaluate(limits, buy("200", "170"), baseSnapshot())
	require.False(t, dec.Approved)
	require.Len(t, dec.Violations, 2)
	assert.True(t, dec.Has(MaxNotional))
	assert.True(t, dec.Has(MaxPriceDeviation))
}

func TestEndToEndNotionalViolationValues(t *testing.T) {
	ev := newTestEvaluator()
	limits := &Limits{Order: OrderLimits{MaxNotional: d("25000")}}
	dec := ev.Evaluate(limits, buy("200", "150"), baseSnapshot())
	require.Len(t, dec.Violations, 1)
	v := dec.Violations[0]
	assert.Equal(t, MaxNotional, v.Type)
	assert.True(t, v.Limit.Equal(d("25000")))
	assert.True(t, v.Observed.Equal(d("30000")))

	ok := ev.Evaluate(limits, buy("100", "150"), baseSnapshot())
	assert.True(t, ok.Approved)
	assert.Equal(t, fixedNow, ok.EvaluatedAt)
}

func TestRiskPerTrade(t *testing.T) {
	ev := newTestEvaluator()
	limits := &Limits{Order: OrderLimits{MaxRiskPerTradePct: d("0.01"), DefaultStopLossPct: d("0.02")}}
	snap := baseSnapshot()
	snap.Equity = d("100000")

	// 默认止损：名义 75000 × 0.02 = 1500，占权益 1.5%
	dec := ev.Evaluate(limits, buy("500", "150"), snap)
	require.True(t, dec.Has(MaxRiskPerTrade))

	// 显式止损：100 × |150-145| = 500 = 0.5%
	c := buy("100", "150")
	c.StopPrice = d("145")
	assert.True(t, ev.Evaluate(limits, c, snap).Approved)

	// 恰好 1%：200 × 5 = 1000
	c.Quantity = d("200")
	assert.True(t, ev.Evaluate(limits, c, snap).Has(MaxRiskPerTrade))

	snap.Equity = decimal.Zero
	assert.True(t, ev.Evaluate(limits, c, snap).Has(EquityUnavailable))
}

func TestMinPriceAndReferencePrice(t *testing.T) {
	ev := newTestEvaluator()
	limits := &Limits{Order: OrderLimits{MinPrice: d("5")}}
	snap := baseSnapshot()
	snap.Prices["PENNY"] = d("1")

	c := Candidate{StrategyID: "momo", Symbol: "PENNY", Side: "BUY", Type: "MARKET", Quantity: d("100")}
	dec := ev.Evaluate(limits, c, snap)
	assert.True(t, dec.Has(MinPrice))

	c.Symbol = "UNKNOWN"
	dec = ev.Evaluate(limits, c, snap)
	require.False(t, dec.Approved)
	assert.True(t, dec.Has(NoReferencePrice))

	atFloor := Candidate{StrategyID: "momo", Symbol: "AAPL", Side: "BUY", Type: "LIMIT", Quantity: d("1"), LimitPrice: d("5")}
	assert.True(t, ev.Evaluate(limits, atFloor, snap).Approved)
}

func TestStrategyLimits(t *testing.T) {
	ev := newTestEvaluator()
	limits := &Limits{Strategies: map[string]StrategyLimits{
		"momo": {MaxAllocationPct: d("0.10"), DailyLossCap: d("5000"), MaxDrawdownPct: d("0.2")},
	}}
	snap := baseSnapshot()
	snap.Strategies = map[string]StrategyExposure{
		"momo": {Deployed: d("90000"), Positions: map[string]decimal.Decimal{"AAPL": d("600")}, DailyLoss: d("5000"), DrawdownPct: d("0.25")},
	}

	// 90000 + 100×150 = 105000 → 10.5%
	dec := ev.Evaluate(limits, buy("100", "150"), snap)
	assert.True(t, dec.Has(StrategyAllocation))
	assert.True(t, dec.Has(StrategyDailyLoss))
	assert.True(t, dec.Has(StrategyDrawdown))
	assert.Len(t, dec.Violations, 3)

	// 减仓不受分配上限约束
	sell := buy("100", "150")
	sell.Side = "SELL"
	assert.False(t, ev.Evaluate(limits, sell, snap).Has(StrategyAllocation))

	other := buy("1", "150")
	other.StrategyID = "unknown"
	assert.True(t, ev.Evaluate(limits, other, snap).Has(StrategyNotConfigured))

	limits.Strategies[DefaultStrategy] = StrategyLimits{}
	assert.True(t, ev.Evaluate(limits, other, snap).Approved)
}

func TestPortfolioLimits(t *testing.T) {
	ev := newTestEvaluator()
	limits := &Limits{Portfolio: PortfolioLimits{
		MaxCapitalDeployedPct: d("0.5"),
		MaxOpenPositions:      2,
		MaxDailyDrawdownPct:   d("0.03"),
		MaxTotalDrawdownPct:   d("0.10"),
	}}
	snap := baseSnapshot()
	snap.CapitalDeployed = d("490000")
	snap.OpenPositions = 2
	snap.Positions = map[string]decimal.Decimal{"MSFT": d("10"), "NVDA": d("5")}
	snap.DailyDrawdownPct = d("0.03")
	snap.TotalDrawdownPct = d("0.10")

	dec := ev.Evaluate(limits, buy("100", "150"), snap)
	assert.True(t, dec.Has(MaxCapitalDeployed))
	assert.True(t, dec.Has(MaxOpenPositions))
	assert.True(t, dec.Has(MaxDailyDrawdown))
	assert.True(t, dec.Has(MaxTotalDrawdown))
	assert.Len(t, dec.Violations, 4)

	// 已有仓位上加仓不增加持仓数量
	snap.Positions["AAPL"] = d("1")
	snap.OpenPositions = 2
	snap.DailyDrawdownPct = d("0.029")
	snap.TotalDrawdownPct = d("0.05")
	snap.CapitalDeployed = d("100000")
	assert.True(t, ev.Evaluate(limits, buy("10", "150"), snap).Approved)
}

func TestOpenOrdersCountTowardExposure(t *testing.T) {
	ev := newTestEvaluator()
	limits := &Limits{
		Portfolio:  PortfolioLimits{MaxCapitalDeployedPct: d("0.5")},
		Strategies: map[string]StrategyLimits{
			"momo":    {MaxAllocationPct: d("0.2")},
			"meanrev": {},
		},
	}
	snap := baseSnapshot()
	snap.CapitalDeployed = d("300000")

	// 已部署 300000，新单 99900 → 39.99%，无挂单时通过
	require.True(t, ev.Evaluate(limits, buy("666", "150"), snap).Approved)

	// 另一策略挂单 1000 AAPL 未成交 → 300000+150000+99900 = 549900
	open := snap.WithOpenOrders([]OpenOrder{
		{StrategyID: "meanrev", Symbol: "AAPL", Remaining: d("1000"), LimitPrice: d("149")},
	})
	assert.True(t, open.PendingExposure.Equal(d("150000")), "reference price wins over limit price")
	dec := ev.Evaluate(limits, buy("666", "150"), open)
	assert.Equal(t, []ViolationType{MaxCapitalDeployed}, violationTypesOf(dec))

	// 同策略挂单计入策略分配：150000 挂单 + 60000 新单 → 21%
	own := baseSnapshot().WithOpenOrders([]OpenOrder{
		{StrategyID: "momo", Symbol: "AAPL", Remaining: d("1000"), LimitPrice: d("150")},
	})
	assert.True(t, own.Strategy("momo").PendingExposure.Equal(d("150000")))
	assert.True(t, ev.Evaluate(limits, buy("400", "150"), own).Has(StrategyAllocation))

	// 平仓方向的挂单不抵扣已有敞口
	long := snap
	long.Positions = map[string]decimal.Decimal{"AAPL": d("1000")}
	sells := long.WithOpenOrders([]OpenOrder{
		{StrategyID: "meanrev", Symbol: "AAPL", Remaining: d("-1000"), LimitPrice: d("150")},
	})
	assert.True(t, sells.PendingExposure.IsZero())
	assert.True(t, sells.Pending["AAPL"].Equal(d("-1000")))
	assert.Nil(t, snap.Pending, "original snapshot untouched")
}

func violationTypesOf(dec Decision) []ViolationType {
	out := make([]ViolationType, 0, len(dec.Violations))
	for _, v := range dec.Violations {
		out = append(out, v.Type)
	}
	return out
}

func TestLimitsValidateAndStore(t *testing.T) {
	bad := &Limits{Order: OrderLimits{MaxNotional: d("-1")}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidLimits)
	bad = &Limits{Portfolio: PortfolioLimits{MaxTotalDrawdownPct: d("1.5")}}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidLimits)

	store := NewLimitsStore(&Limits{Order: OrderLimits{MaxNotional: d("10")}})
	require.Error(t, store.Replace(bad))
	assert.True(t, store.Load().Order.MaxNotional.Equal(d("10")))

	require.NoError(t, store.Replace(&Limits{Order: OrderLimits{MaxNotional: d("20")}}))
	assert.True(t, store.Load().Order.MaxNotional.Equal(d("20")))
}

func TestRiskRejectionError(t *testing.T) {
	err := &RiskRejection{OrderID: "o1", Violations: []Violation{{Type: MaxNotional, Message: "notional 30000 >= max 25000"}}}
	assert.ErrorIs(t, err, ErrRiskRejected)
	assert.Contains(t, err.Error(), "MAX_NOTIONAL")
	assert.Equal(t, "MAX_NOTIONAL: notional 30000 >= max 25000", FormatViolations(err.Violations))
}
