package services

import "sync"

// AutomationLocks serializes writes to one automation's persisted state.
// Toggles racing each other, or a toggle racing an in-flight reaction
// run, take the same per-id lock so active-flag and ledger writes are
// never lost.
type AutomationLocks struct {
	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func NewAutomationLocks() *AutomationLocks {
	return &AutomationLocks{locks: make(map[uint]*sync.Mutex)}
}

// Lock acquires the lock for one automation id and returns the unlock
// function. Lock entries are kept for the process lifetime; the id space
// is small (one entry per automation ever touched).
func (l *AutomationLocks) Lock(id uint) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
