package risk

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EquityState 一次回撤观测的输入
type EquityState struct {
	Equity      decimal.Decimal
	StrategyPnL map[string]decimal.Decimal // 策略累计盈亏（已实现+未实现）
}

// StrategyDrawdown 策略级回撤
type StrategyDrawdown struct {
	PnL         decimal.Decimal `json:"pnl"`
	PeakPnL     decimal.Decimal `json:"peak_pnl"`
	DayStartPnL decimal.Decimal `json:"day_start_pnl"`
	DailyLoss   decimal.Decimal `json:"daily_loss"`   // 正数表示亏损
	DrawdownPct decimal.Decimal `json:"drawdown_pct"` // (峰值盈亏-当前盈亏)/组合峰值权益
}

// DrawdownSnapshot 回撤观测结果
type DrawdownSnapshot struct {
	Equity           decimal.Decimal             `json:"equity"`
	PeakEquity       decimal.Decimal             `json:"peak_equity"`
	DayStartEquity   decimal.Decimal             `json:"day_start_equity"`
	DailyDrawdownPct decimal.Decimal             `json:"daily_drawdown_pct"`
	TotalDrawdownPct decimal.Decimal             `json:"total_drawdown_pct"`
	Strategies       map[string]StrategyDrawdown `json:"strategies"`
	Day              string                      `json:"day"`
	At               time.Time                   `json:"at"`
}

const drawdownStateKey = "drawdown"

// DrawdownTracker 记录权益高水位与当日起点，按 UTC 日切换。
type DrawdownTracker struct {
	store  StateStore
	logger *zap.Logger

	mu   sync.Mutex
	last DrawdownSnapshot
	init bool
}

// NewDrawdownTracker 创建回撤跟踪器，store 可为 nil
func NewDrawdownTracker(store StateStore, logger *zap.Logger) *DrawdownTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DrawdownTracker{store: store, logger: logger}
}

// Restore 恢复高水位，避免重启后回撤归零
func (t *DrawdownTracker) Restore() error {
	if t.store == nil {
		return nil
	}
	data, ok, err := t.store.LoadState(drawdownStateKey)
	if err != nil {
		return fmt.Errorf("load drawdown state: %w", err)
	}
	if !ok {
		return nil
	}
	var snap DrawdownSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode drawdown state: %w", err)
	}
	t.mu.Lock()
	t.last = snap
	t.init = true
	t.mu.Unlock()
	return nil
}

// Observe 用最新权益更新高水位并计算回撤，结果会持久化
func (t *DrawdownTracker) Observe(st EquityState, at time.Time) DrawdownSnapshot {
	t.mu.Lock()
	snap, newDay := t.compute(st, at)
	t.last = snap
	t.init = true
	t.mu.Unlock()

	if newDay {
		t.logger.Info("drawdown day rolled", zap.String("day", snap.Day), zap.String("day_start_equity", snap.DayStartEquity.String()))
	}
	t.persist(snap)
	return snap
}

// Peek 计算回撤但不更新内部状态，供每次风控检查使用
func (t *DrawdownTracker) Peek(st EquityState, at time.Time) DrawdownSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap, _ := t.compute(st, at)
	return snap
}

// compute 调用前需要持有锁
func (t *DrawdownTracker) compute(st EquityState, at time.Time) (DrawdownSnapshot, bool) {
	at = at.UTC()
	day := at.Format("2006-01-02")

	prev := t.last
	if !t.init {
		prev = DrawdownSnapshot{PeakEquity: st.Equity, DayStartEquity: st.Equity, Day: day}
	}
	newDay := prev.Day != day

	snap := DrawdownSnapshot{
		Equity:         st.Equity,
		PeakEquity:     decimal.Max(prev.PeakEquity, st.Equity),
		DayStartEquity: prev.DayStartEquity,
		Strategies:     make(map[string]StrategyDrawdown, len(st.StrategyPnL)),
		Day:            day,
		At:             at,
	}
	if newDay {
		snap.DayStartEquity = st.Equity
	}
	snap.TotalDrawdownPct = declineFrom(snap.PeakEquity, st.Equity)
	snap.DailyDrawdownPct = declineFrom(snap.DayStartEquity, st.Equity)

	for id, pnl := range st.StrategyPnL {
		p, seen := prev.Strategies[id]
		if !seen {
			p = StrategyDrawdown{PeakPnL: decimal.Max(pnl, decimal.Zero), DayStartPnL: pnl}
		}
		sd := StrategyDrawdown{
			PnL:         pnl,
			PeakPnL:     decimal.Max(p.PeakPnL, pnl),
			DayStartPnL: p.DayStartPnL,
		}
		if newDay {
			sd.DayStartPnL = pnl
		}
		if loss := sd.DayStartPnL.Sub(pnl); loss.IsPositive() {
			sd.DailyLoss = loss
		}
		if snap.PeakEquity.IsPositive() {
			sd.DrawdownPct = sd.PeakPnL.Sub(pnl).Div(snap.PeakEquity).Round(8)
		}
		snap.Strategies[id] = sd
	}
	return snap, newDay && t.init
}

// Last 返回最近一次观测
func (t *DrawdownTracker) Last() (DrawdownSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.init
}

func declineFrom(ref, cur decimal.Decimal) decimal.Decimal {
	if !ref.IsPositive() || cur.GreaterThanOrEqual(ref) {
		return decimal.Zero
	}
	return ref.Sub(cur).Div(ref).Round(8)
}

func (t *DrawdownTracker) persist(snap DrawdownSnapshot) {
	if t.store == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err == nil {
		err = t.store.SaveState(drawdownStateKey, data)
	}
	if err != nil {
		t.logger.Error("persist drawdown state failed", zap.Error(err))
	}
}
