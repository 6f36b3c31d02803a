package licensesync

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"github.com/NikhilSetiya/license-sync/internal/lock"
	"github.com/NikhilSetiya/license-sync/pkg/logging"
)

// DistributedLock is the cross-instance half of the guard
type DistributedLock interface {
	Lock(ctx context.Context, ttl time.Duration) error
	WaitLock(ctx context.Context, ttl, wait time.Duration) error
	Unlock(ctx context.Context) error
}

const guardPollInterval = 50 * time.Millisecond

// Guard allows one guarded run at a time: in process through an atomic
// flag, across instances through an optional Redis lock.
type Guard struct {
	running atomic.Bool
	lock    DistributedLock
	ttl     time.Duration
	logger  *logging.Logger
	// onLockError is told when Redis could not be asked; the run proceeds unguarded across instances
	onLockError func(error)
}

// NewGuard creates a guard. dl may be nil for single-instance deployments.
func NewGuard(dl DistributedLock, ttl time.Duration, logger *logging.Logger) *Guard {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Guard{lock: dl, ttl: ttl, logger: logger}
}

// Running reports whether a guarded run is active in this process
func (g *Guard) Running() bool {
	return g.running.Load()
}

// Acquire takes the guard. With wait 0 it fails immediately with
// ErrSyncInProgress; otherwise it waits up to wait for the holder to finish.
func (g *Guard) Acquire(ctx context.Context, wait time.Duration) (func(), error) {
	deadline := time.Now().Add(wait)

	for !g.running.CompareAndSwap(false, true) {
		if wait <= 0 || !time.Now().Before(deadline) {
			return nil, ErrSyncInProgress
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(guardPollInterval):
		}
	}

	if g.lock != nil {
		var err error
		if remaining := time.Until(deadline); wait > 0 && remaining > 0 {
			err = g.lock.WaitLock(ctx, g.ttl, remaining)
		} else {
			err = g.lock.Lock(ctx, g.ttl)
		}

		switch {
		case err == nil:
		case stderrors.Is(err, lock.ErrLockHeld):
			g.running.Store(false)
			return nil, ErrSyncInProgress
		case ctx.Err() != nil:
			g.running.Store(false)
			return nil, ctx.Err()
		default:
			g.logger.Warn("Distributed sync lock unavailable, continuing with in-process guard", "error", err)
			if g.onLockError != nil {
				g.onLockError(err)
			}
			return g.releaser(false), nil
		}
	}

	return g.releaser(g.lock != nil), nil
}

func (g *Guard) releaser(unlock bool) func() {
	var once atomic.Bool
	return func() {
		if !once.CompareAndSwap(false, true) {
			return
		}
		if unlock {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := g.lock.Unlock(ctx); err != nil {
				g.logger.Warn("Failed to release distributed sync lock", "error", err)
			}
			cancel()
		}
		g.running.Store(false)
	}
}
