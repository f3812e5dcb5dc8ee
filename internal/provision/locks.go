package provision

import (
	"sync"
)

// subscriberLocks serializes mutating operations per subscriber identity.
// Locks are created lazily on first use and retained for process lifetime,
// so all operations for one id observe a total order while distinct ids
// run fully concurrently.
type subscriberLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newSubscriberLocks() *subscriberLocks {
	return &subscriberLocks{locks: make(map[int64]*sync.Mutex)}
}

func (l *subscriberLocks) get(id int64) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[id] = lk
	}
	return lk
}

// Do runs fn with exclusive access for the given subscriber.
func (l *subscriberLocks) Do(id int64, fn func() error) error {
	lk := l.get(id)
	lk.Lock()
	defer lk.Unlock()
	return fn()
}
