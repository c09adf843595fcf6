package order

import "sync"

type lockKey struct {
	strategyID string
	symbol     string
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks 按 (strategy, symbol) 串行化风控决策与成交入账，不同键之间互不阻塞。
// 无人持有的锁会被回收。
type keyLocks struct {
	mu    sync.Mutex
	locks map[lockKey]*refLock
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[lockKey]*refLock)}
}

// lock 返回解锁函数
func (k *keyLocks) lock(strategyID, symbol string) func() {
	key := lockKey{strategyID, symbol}
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
