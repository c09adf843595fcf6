package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day1 = time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)

func TestDrawdownPeakAndDaily(t *testing.T) {
	tr := NewDrawdownTracker(nil, nil)

	s := tr.Observe(EquityState{Equity: dec("100000")}, day1)
	assert.True(t, s.TotalDrawdownPct.IsZero())

	tr.Observe(EquityState{Equity: dec("110000")}, day1.Add(time.Hour))
	s = tr.Observe(EquityState{Equity: dec("99000")}, day1.Add(2*time.Hour))
	assert.Equal(t, "0.1", s.TotalDrawdownPct.String())
	assert.Equal(t, "0.01", s.DailyDrawdownPct.String())

	// 次日以当前权益作为日起点
	s = tr.Observe(EquityState{Equity: dec("99000")}, day1.Add(24*time.Hour))
	assert.True(t, s.DailyDrawdownPct.IsZero())
	assert.Equal(t, "0.1", s.TotalDrawdownPct.String())
}

func TestDrawdownPeekDoesNotMoveHighWater(t *testing.T) {
	tr := NewDrawdownTracker(nil, nil)
	tr.Observe(EquityState{Equity: dec("1000")}, day1)

	peek := tr.Peek(EquityState{Equity: dec("2000")}, day1)
	assert.True(t, peek.TotalDrawdownPct.IsZero())

	s := tr.Observe(EquityState{Equity: dec("900")}, day1)
	assert.Equal(t, "0.1", s.TotalDrawdownPct.String())
}

func TestDrawdownStrategyLoss(t *testing.T) {
	tr := NewDrawdownTracker(nil, nil)
	tr.Observe(EquityState{Equity: dec("100000"), StrategyPnL: map[string]decimal.Decimal{"momo": dec("500")}}, day1)
	s := tr.Observe(EquityState{Equity: dec("99000"), StrategyPnL: map[string]decimal.Decimal{"momo": dec("-500")}}, day1)

	sd := s.Strategies["momo"]
	assert.Equal(t, "1000", sd.DailyLoss.String())
	assert.Equal(t, "0.01", sd.DrawdownPct.String())
}

func TestDrawdownRestore(t *testing.T) {
	store := newMemStore()
	tr := NewDrawdownTracker(store, nil)
	tr.Observe(EquityState{Equity: dec("120000")}, day1)

	tr2 := NewDrawdownTracker(store, nil)
	require.NoError(t, tr2.Restore())
	s := tr2.Observe(EquityState{Equity: dec("108000")}, day1)
	assert.Equal(t, "0.1", s.TotalDrawdownPct.String())
}

func TestMonitorRunOnceTripsBreakerAndStrategy(t *testing.T) {
	cb, ks, _ := newTestBreaker(nil)
	equity := dec("100000")
	pnl := dec("0")
	m := NewMonitor(MonitorConfig{
		Source: EquitySourceFunc(func(context.Context) (EquityState, error) {
			return EquityState{Equity: equity, StrategyPnL: map[string]decimal.Decimal{"momo": pnl}}, nil
		}),
		Tracker:    NewDrawdownTracker(nil, nil),
		Breaker:    cb,
		KillSwitch: ks,
		StrategyMaxDrawdown: func(id string) decimal.Decimal {
			return dec("0.02")
		},
		Now: func() time.Time { return day1 },
	})

	_, state, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)

	// 策略亏损 2500 = 组合峰值的 2.5%，组合日回撤 2.5% 低于 3%
	equity, pnl = dec("97500"), dec("-2500")
	_, state, err = m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, state)
	assert.True(t, ks.IsActive("momo"))
	assert.False(t, ks.IsActive("carry"))

	equity = dec("89000")
	_, state, err = m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
	assert.True(t, ks.IsActive("carry"))

	_, cycles := m.LastSnapshot()
	assert.Equal(t, int64(3), cycles)
}

func TestMonitorSourceError(t *testing.T) {
	cb, _, _ := newTestBreaker(nil)
	m := NewMonitor(MonitorConfig{
		Source: EquitySourceFunc(func(context.Context) (EquityState, error) {
			return EquityState{}, errors.New("broker down")
		}),
		Tracker: NewDrawdownTracker(nil, nil),
		Breaker: cb,
	})
	_, state, err := m.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestMonitorStartStop(t *testing.T) {
	cb, _, _ := newTestBreaker(nil)
	m := NewMonitor(MonitorConfig{
		Interval: 5 * time.Millisecond,
		Source: EquitySourceFunc(func(context.Context) (EquityState, error) {
			return EquityState{Equity: dec("1000")}, nil
		}),
		Tracker: NewDrawdownTracker(nil, nil),
		Breaker: cb,
	})
	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))
	assert.Eventually(t, func() bool {
		_, n := m.LastSnapshot()
		return n > 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}
