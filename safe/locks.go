package safe

import (
	"sync"

	"github.com/warp/station-ledger/generic"
)

// lockTable hands out one mutex per safe. Entries are reference counted and
// dropped when the last holder releases.
type lockTable struct {
	mu    sync.Mutex
	locks map[generic.SafeID]*safeLock
}

type safeLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[generic.SafeID]*safeLock)}
}

// Lock blocks until the caller is the only writer for id and returns the
// release function.
func (t *lockTable) Lock(id generic.SafeID) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &safeLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			t.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(t.locks, id)
			}
			t.mu.Unlock()
		})
	}
}
