package service

import (
	"context"
	"errors"
	"fmt"

	"defi-alerts/internal/storage"
)

// ErrRunInProgress is returned when another run holds the run lock.
var ErrRunInProgress = errors.New("run already in progress")

// RunLocker guards against overlapping runs. acquired=false with a nil error means the lock is held elsewhere.
type RunLocker interface {
	TryLock(ctx context.Context) (unlock func(), acquired bool, err error)
}

// AdvisoryRunLock adapts a postgres advisory lock to RunLocker.
type AdvisoryRunLock struct {
	Locker storage.AdvisoryLocker
	Key    int64
}

// TryLock takes the advisory lock without blocking.
func (l AdvisoryRunLock) TryLock(ctx context.Context) (func(), bool, error) {
	if l.Locker == nil || l.Key == 0 {
		return func() {}, true, nil
	}
	unlock, acquired, err := l.Locker.TryAdvisoryLock(ctx, l.Key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	return unlock, acquired, nil
}
