package usecase

import (
	"strconv"
	"sync"
)

// entityLocks はエンティティIDごとの排他ロック。使われなくなったロックは破棄する。
type entityLocks struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[string]*entityLock)}
}

// lock は指定キーのロックを取得し、解放関数を返す。
func (l *entityLocks) lock(kind string, id uint64) func() {
	key := kind + ":" + strconv.FormatUint(id, 10)

	l.mu.Lock()
	el, ok := l.locks[key]
	if !ok {
		el = &entityLock{}
		l.locks[key] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()
	return func() {
		el.mu.Unlock()
		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *entityLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
