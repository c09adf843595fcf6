package inventory

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Overwrite 以券商数据覆盖 symbol 的汇总持仓，返回被覆盖的旧值。
// 只有一个策略持有该 symbol 时差额记到该策略，否则记到 UnattributedStrategy。
func (l *Ledger) Overwrite(symbol string, brokerQty, brokerAvg decimal.Decimal) decimal.Decimal {
	l.mu.Lock()
	var owners []*Position
	previous := decimal.Zero
	for k, p := range l.positions {
		if k.Symbol != symbol {
			continue
		}
		previous = previous.Add(p.Quantity)
		if k.StrategyID != UnattributedStrategy && p.IsOpen() {
			owners = append(owners, p)
		}
	}
	delta := brokerQty.Sub(previous)
	target := UnattributedStrategy
	if len(owners) == 1 {
		target = owners[0].StrategyID
	}
	p := l.positionLocked(target, symbol)
	p.Quantity = p.Quantity.Add(delta)
	p.UpdatedAt = l.now()
	switch {
	case p.Quantity.IsZero():
		p.AvgEntryPrice = decimal.Zero
	case brokerAvg.IsPositive() && (len(owners) == 1 || p.AvgEntryPrice.IsZero()):
		p.AvgEntryPrice = brokerAvg
	}
	l.mu.Unlock()

	l.logger.Warn("ledger overwritten by broker",
		zap.String("symbol", symbol),
		zap.String("strategy", target),
		zap.String("superseded_qty", previous.String()),
		zap.String("broker_qty", brokerQty.String()),
	)
	l.persist()
	return previous
}

// SyncCash 以券商现金为准
func (l *Ledger) SyncCash(cash decimal.Decimal) (previous decimal.Decimal) {
	l.mu.Lock()
	previous = l.cash
	l.cash = cash
	l.mu.Unlock()
	if !previous.Equal(cash) {
		l.logger.Info("ledger cash synced", zap.String("previous", previous.String()), zap.String("broker", cash.String()))
		l.persist()
	}
	return previous
}
