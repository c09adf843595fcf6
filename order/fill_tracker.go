package order

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// FillEvent 已入账的成交
type FillEvent struct {
	FillID     string
	OrderID    string
	StrategyID string
	Symbol     string
	Side       Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Timestamp  time.Time
}

// FillTracker 跟踪近期成交并统计重复回报
type FillTracker struct {
	mu sync.RWMutex

	// 近期成交记录（滑动窗口）
	recentFills []FillEvent
	maxHistory  int           // 最大历史记录数
	windowSize  time.Duration // 时间窗口

	// 统计信息
	totalFills     int
	duplicateFills int
	overfills      int
}

// NewFillTracker 创建成交跟踪器
func NewFillTracker(maxHistory int, windowSize time.Duration) *FillTracker {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	if windowSize <= 0 {
		windowSize = time.Hour
	}

	return &FillTracker{
		recentFills: make([]FillEvent, 0, maxHistory),
		maxHistory:  maxHistory,
		windowSize:  windowSize,
	}
}

// RecordFill 记录成交
func (f *FillTracker) RecordFill(ev FillEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	f.recentFills = append(f.recentFills, ev)
	f.totalFills++

	f.cleanOldFillsUnsafe(ev.Timestamp)
}

// RecordDuplicate 记录被丢弃的重复回报
func (f *FillTracker) RecordDuplicate() {
	f.mu.Lock()
	f.duplicateFills++
	f.mu.Unlock()
}

// RecordOverfill 记录被拒绝的超量成交
func (f *FillTracker) RecordOverfill() {
	f.mu.Lock()
	f.overfills++
	f.mu.Unlock()
}

// cleanOldFillsUnsafe 清理超出窗口的成交记录（非线程安全）
func (f *FillTracker) cleanOldFillsUnsafe(now time.Time) {
	cutoff := now.Add(-f.windowSize)

	validStart := len(f.recentFills)
	for i, fill := range f.recentFills {
		if fill.Timestamp.After(cutoff) {
			validStart = i
			break
		}
	}
	if validStart > 0 {
		f.recentFills = f.recentFills[validStart:]
	}

	// 限制最大历史数
	if len(f.recentFills) > f.maxHistory {
		f.recentFills = f.recentFills[len(f.recentFills)-f.maxHistory:]
	}
}

// GetRecentFills 获取近期成交记录（只读副本）
func (f *FillTracker) GetRecentFills(duration time.Duration) []FillEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cutoff := time.Now().Add(-duration)
	var result []FillEvent
	for _, fill := range f.recentFills {
		if fill.Timestamp.After(cutoff) {
			result = append(result, fill)
		}
	}
	return result
}

// GetStats 获取统计信息
func (f *FillTracker) GetStats() FillTrackerStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return FillTrackerStats{
		TotalFills:     f.totalFills,
		RecentFills:    len(f.recentFills),
		DuplicateFills: f.duplicateFills,
		Overfills:      f.overfills,
	}
}

// FillTrackerStats 成交跟踪器统计
type FillTrackerStats struct {
	TotalFills     int
	RecentFills    int
	DuplicateFills int
	Overfills      int
}
