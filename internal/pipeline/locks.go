package pipeline

import (
	"context"
	"sync"

	"github.com/dvloznov/finance-etl/internal/domain"
)

// LocalLocks is an in-process OwnerLocker.
type LocalLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocks creates an empty lock set.
func NewLocalLocks() *LocalLocks {
	return &LocalLocks{held: make(map[string]struct{})}
}

// TryLock implements OwnerLocker. It never blocks.
func (l *LocalLocks) TryLock(_ context.Context, ownerID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[ownerID]; busy {
		return nil, domain.ErrRunInProgress
	}
	l.held[ownerID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, ownerID)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether ownerID is currently locked.
func (l *LocalLocks) Held(ownerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[ownerID]
	return ok
}
