package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/azsap/sapops/registry"
)

// ErrBusy is returned when a target's lock cannot be taken under the
// configured queue policy.
var ErrBusy = errors.New("target is busy")

// lockKey identifies one serialization domain. Planes lock independently so
// a slow VM deallocation does not block a disk-space check over SSH.
type lockKey struct {
	system    string
	component string
	plane     registry.Plane
}

func (k lockKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.system, k.component, k.plane)
}

type targetLock struct {
	slot    chan struct{}
	waiters atomic.Int64
}

// lockTable hands out capacity-1 locks per target. With a positive queue
// depth, that many dispatches may wait their turn; beyond it, or with depth
// zero, acquisition fails fast with ErrBusy.
type lockTable struct {
	queueDepth int

	mu    sync.Mutex
	locks map[lockKey]*targetLock
}

func newLockTable(queueDepth int) *lockTable {
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &lockTable{
		queueDepth: queueDepth,
		locks:      make(map[lockKey]*targetLock),
	}
}

func (t *lockTable) forKey(key lockKey) *targetLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &targetLock{slot: make(chan struct{}, 1)}
		t.locks[key] = l
	}
	return l
}

// acquire takes the target's lock, waiting in the bounded queue if allowed.
// The returned release function is safe to call more than once.
func (t *lockTable) acquire(ctx context.Context, key lockKey) (func(), error) {
	l := t.forKey(key)

	select {
	case l.slot <- struct{}{}:
		return releaseFunc(l), nil
	default:
	}

	if t.queueDepth == 0 {
		return nil, fmt.Errorf("%w: %s is executing another operation", ErrBusy, key)
	}
	if l.waiters.Add(1) > int64(t.queueDepth) {
		l.waiters.Add(-1)
		return nil, fmt.Errorf("%w: %s already has %d operations queued", ErrBusy, key, t.queueDepth)
	}
	defer l.waiters.Add(-1)

	select {
	case l.slot <- struct{}{}:
		return releaseFunc(l), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func releaseFunc(l *targetLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-l.slot })
	}
}
