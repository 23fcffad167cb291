package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	errLockWaitTimeout = errors.New("timed out waiting for the unit lock")
	errLockBusy        = errors.New("an operation of the same kind holds or awaits the unit lock")
)

// unitLocks hands out one mutual-exclusion slot per unit. Entries are
// reference counted and dropped once nobody holds or waits on them, so
// the map stays proportional to in-flight work, not to tenant count.
type unitLocks struct {
	mu    sync.Mutex
	locks map[string]*unitLock
}

type unitLock struct {
	slot chan struct{}
	refs int
	// kinds counts holders and waiters per exclusive operation kind.
	kinds map[string]int
}

func newUnitLocks() *unitLocks {
	return &unitLocks{locks: make(map[string]*unitLock)}
}

// entry returns the unit's lock, creating it. l.mu must be held.
func (l *unitLocks) entry(unitID string) *unitLock {
	lk, ok := l.locks[unitID]
	if !ok {
		lk = &unitLock{slot: make(chan struct{}, 1), kinds: make(map[string]int)}
		l.locks[unitID] = lk
	}
	return lk
}

func (l *unitLocks) ref(unitID string) *unitLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk := l.entry(unitID)
	lk.refs++
	return lk
}

func (l *unitLocks) unref(unitID string, lk *unitLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, unitID)
	}
}

func (l *unitLocks) releaser(unitID string, lk *unitLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.slot
			l.unref(unitID, lk)
		})
	}
}

// acquire waits for the unit slot for at most timeout.
func (l *unitLocks) acquire(ctx context.Context, unitID string, timeout time.Duration) (func(), error) {
	return l.wait(ctx, unitID, l.ref(unitID), timeout)
}

// acquireExclusive is acquire for an operation kind that must never queue
// behind itself: it fails with errLockBusy at once while another operation
// of the same kind holds or waits for the unit slot. Other kinds are waited
// for as usual.
func (l *unitLocks) acquireExclusive(ctx context.Context, unitID string, kind string, timeout time.Duration) (func(), error) {
	l.mu.Lock()
	lk := l.entry(unitID)
	if lk.kinds[kind] > 0 {
		l.mu.Unlock()
		return nil, errLockBusy
	}
	lk.refs++
	lk.kinds[kind]++
	l.mu.Unlock()

	done := func() {
		l.mu.Lock()
		lk.kinds[kind]--
		l.mu.Unlock()
	}
	release, err := l.wait(ctx, unitID, lk, timeout)
	if err != nil {
		done()
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			done()
			release()
		})
	}, nil
}

func (l *unitLocks) wait(ctx context.Context, unitID string, lk *unitLock, timeout time.Duration) (func(), error) {
	select {
	case lk.slot <- struct{}{}:
		return l.releaser(unitID, lk), nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case lk.slot <- struct{}{}:
		return l.releaser(unitID, lk), nil
	case <-ctx.Done():
		l.unref(unitID, lk)
		return nil, ctx.Err()
	case <-timer.C:
		l.unref(unitID, lk)
		return nil, errLockWaitTimeout
	}
}

func (l *unitLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
