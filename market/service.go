// Package market 维护各 symbol 的最新成交价，作为风控的参考价来源。
package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Trade 归一化后的成交 tick。
type Trade struct {
	Symbol string
	Price  decimal.Decimal
	Size   decimal.Decimal
	Ts     time.Time
}

// Service 维护最新成交价。
type Service struct {
	mu   sync.RWMutex
	last map[string]Trade
}

func NewService() *Service {
	return &Service{last: make(map[string]Trade)}
}

// OnTrade 更新最新价。乱序到达的旧 tick 被忽略。
func (s *Service) OnTrade(t Trade) {
	if t.Symbol == "" || t.Price.Sign() <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.last[t.Symbol]; ok && t.Ts.Before(prev.Ts) {
		return
	}
	s.last[t.Symbol] = t
}

// Last 返回最新价；没有数据时 ok=false。
func (s *Service) Last(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.last[symbol]
	if !ok {
		return decimal.Zero, false
	}
	return t.Price, true
}

// Prices 返回所有 symbol 最新价的拷贝。
func (s *Service) Prices() map[string]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(s.last))
	for sym, t := range s.last {
		out[sym] = t.Price
	}
	return out
}

// Staleness 返回距离上次更新的时间间隔；如无数据返回一年。
func (s *Service) Staleness(symbol string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.last[symbol]
	if !ok {
		return time.Hour * 24 * 365
	}
	return time.Since(t.Ts)
}
