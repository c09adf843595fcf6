package inventory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"risk-gate-go/risk"
)

// UnattributedStrategy 对账时无法归属到单一策略的差额记在这里
const UnattributedStrategy = "_unattributed"

// Key 账本键
type Key struct {
	StrategyID string
	Symbol     string
}

// LedgerState 账本持久化快照
type LedgerState struct {
	Cash      decimal.Decimal `json:"cash"`
	Positions []Position      `json:"positions"`
	SavedAt   time.Time       `json:"saved_at"`
}

// LedgerStore 账本快照存储
type LedgerStore interface {
	SaveLedger(st LedgerState) error
	// LoadLedger 不存在时返回 ok=false
	LoadLedger() (LedgerState, bool, error)
}

// Ledger 本地持仓账本。只被成交（经 OrderManager）与对账覆盖修改。
type Ledger struct {
	mu        sync.RWMutex
	positions map[Key]*Position
	cash      decimal.Decimal

	store     LedgerStore
	persistMu sync.Mutex
	logger    *zap.Logger
	now       func() time.Time
}

// NewLedger 创建账本，store 可为 nil
func NewLedger(initialCash decimal.Decimal, store LedgerStore, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		positions: make(map[Key]*Position),
		cash:      initialCash,
		store:     store,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Restore 从存储加载最近的快照
func (l *Ledger) Restore() error {
	if l.store == nil {
		return nil
	}
	st, ok, err := l.store.LoadLedger()
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash = st.Cash
	l.positions = make(map[Key]*Position, len(st.Positions))
	for i := range st.Positions {
		p := st.Positions[i]
		l.positions[Key{p.StrategyID, p.Symbol}] = &p
	}
	l.logger.Info("ledger restored", zap.Int("positions", len(st.Positions)), zap.String("cash", st.Cash.String()))
	return nil
}

// ApplyFill 记入一笔成交。signedQty 买为正、卖为负。
func (l *Ledger) ApplyFill(strategyID, symbol string, signedQty, price decimal.Decimal) (Position, error) {
	if symbol == "" {
		return Position{}, fmt.Errorf("apply fill: empty symbol")
	}
	if !price.IsPositive() {
		return Position{}, fmt.Errorf("apply fill %s: non-positive price %s", symbol, price)
	}

	l.mu.Lock()
	p := l.positionLocked(strategyID, symbol)
	p.apply(signedQty, price, l.now())
	l.cash = l.cash.Sub(signedQty.Mul(price))
	out := *p
	l.mu.Unlock()

	l.persist()
	return out, nil
}

// positionLocked 首次成交时创建持仓，调用前需要持有写锁
func (l *Ledger) positionLocked(strategyID, symbol string) *Position {
	k := Key{strategyID, symbol}
	p, ok := l.positions[k]
	if !ok {
		p = &Position{StrategyID: strategyID, Symbol: symbol}
		l.positions[k] = p
	}
	return p
}

// Position 返回单个策略持仓
func (l *Ledger) Position(strategyID, symbol string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[Key{strategyID, symbol}]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// SymbolQuantity 返回 symbol 在所有策略上的汇总持仓
func (l *Ledger) SymbolQuantity(symbol string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for k, p := range l.positions {
		if k.Symbol == symbol {
			total = total.Add(p.Quantity)
		}
	}
	return total
}

// Aggregates 按 symbol 汇总持仓（含零仓位 symbol）
func (l *Ledger) Aggregates() map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.aggregatesLocked()
}

func (l *Ledger) aggregatesLocked() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for k, p := range l.positions {
		out[k.Symbol] = out[k.Symbol].Add(p.Quantity)
	}
	return out
}

// Positions 返回所有持仓，按策略、symbol 排序
func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.positionsLocked()
}

func (l *Ledger) positionsLocked() []Position {
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StrategyID != out[j].StrategyID {
			return out[i].StrategyID < out[j].StrategyID
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Cash 当前现金
func (l *Ledger) Cash() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// Snapshot 在一次读锁内计算组合视图。回撤字段由调用方填充。
func (l *Ledger) Snapshot(prices map[string]decimal.Decimal) risk.PortfolioSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked(prices)
}

// SnapshotWithPnL 同一把读锁内同时取组合视图与各策略盈亏
func (l *Ledger) SnapshotWithPnL(prices map[string]decimal.Decimal) (risk.PortfolioSnapshot, map[string]decimal.Decimal) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked(prices), l.strategyPnLLocked(prices)
}

func (l *Ledger) snapshotLocked(prices map[string]decimal.Decimal) risk.PortfolioSnapshot {
	snap := risk.PortfolioSnapshot{
		Cash:       l.cash,
		Positions:  make(map[string]decimal.Decimal),
		Strategies: make(map[string]risk.StrategyExposure),
		Prices:     make(map[string]decimal.Decimal, len(prices)),
		TakenAt:    l.now(),
	}
	for sym, px := range prices {
		snap.Prices[sym] = px
	}

	marks := make(map[string]decimal.Decimal)
	equity := l.cash
	for k, p := range l.positions {
		mv, _ := p.Valuation(prices)
		equity = equity.Add(mv)
		marks[k.Symbol] = markPrice(*p, prices)
		snap.Positions[k.Symbol] = snap.Positions[k.Symbol].Add(p.Quantity)

		se, ok := snap.Strategies[k.StrategyID]
		if !ok {
			se = risk.StrategyExposure{Positions: make(map[string]decimal.Decimal)}
		}
		se.Positions[k.Symbol] = p.Quantity
		se.Deployed = se.Deployed.Add(mv.Abs())
		snap.Strategies[k.StrategyID] = se
	}
	for sym, qty := range snap.Positions {
		if qty.IsZero() {
			continue
		}
		snap.OpenPositions++
		snap.CapitalDeployed = snap.CapitalDeployed.Add(qty.Abs().Mul(marks[sym]))
	}
	snap.Equity = equity
	return snap
}

// StrategyPnL 各策略累计盈亏（已实现+未实现）
func (l *Ledger) StrategyPnL(prices map[string]decimal.Decimal) map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.strategyPnLLocked(prices)
}

func (l *Ledger) strategyPnLLocked(prices map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for k, p := range l.positions {
		_, unrealized := p.Valuation(prices)
		out[k.StrategyID] = out[k.StrategyID].Add(p.RealizedPnL).Add(unrealized)
	}
	return out
}

// State 导出持久化快照
func (l *Ledger) State() LedgerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LedgerState{Cash: l.cash, Positions: l.positionsLocked(), SavedAt: l.now()}
}

func (l *Ledger) persist() {
	if l.store == nil {
		return
	}
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	if err := l.store.SaveLedger(l.State()); err != nil {
		l.logger.Error("persist ledger failed", zap.Error(err))
	}
}
