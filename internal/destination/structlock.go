package destination

import (
	"fmt"
	"sync"
	"time"

	berrors "github.com/arkilian/buffertable/internal/errors"
)

// lockPollInterval is how often a timed acquisition retries.
const lockPollInterval = 5 * time.Millisecond

// StructLock guards a table's structure. Readers take it shared for the
// lifetime of their pipes; ALTER takes it exclusively.
type StructLock struct {
	mu sync.RWMutex
}

// LockShared acquires the lock shared, waiting at most timeout. A zero
// timeout tries exactly once.
func (l *StructLock) LockShared(timeout time.Duration) (UnlockFunc, error) {
	deadline := time.Now().Add(timeout)
	for {
		if l.mu.TryRLock() {
			var once sync.Once
			return func() { once.Do(l.mu.RUnlock) }, nil
		}
		if !time.Now().Before(deadline) {
			return nil, berrors.New(berrors.ErrCategoryDestination, berrors.CodeLockTimeout,
				fmt.Sprintf("structure lock not acquired within %s", timeout))
		}
		time.Sleep(lockPollInterval)
	}
}

// LockExclusive acquires the lock exclusively, blocking until available.
func (l *StructLock) LockExclusive() UnlockFunc {
	l.mu.Lock()
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }
}
