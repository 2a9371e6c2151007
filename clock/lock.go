package clock

import (
	"context"
	"sync"
	"time"

	"github.com/warp/attendance-engine/attendance"
)

// Locker serializes clock actions per key. TryLock never waits: ok == false
// means another holder owns the key.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// LockKey is the per-employee, per-local-day key.
func LockKey(employeeID attendance.EmployeeID, day time.Time) string {
	return "clockin:" + string(employeeID) + ":" + attendance.DayKey(day)
}

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}
