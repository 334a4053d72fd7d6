// Package lock serializes assignment across server instances.
package lock

import "context"

// Locker guards a critical section. Lock blocks until the lock is held or
// ctx is done; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// Noop is used by single-instance deployments where the in-process mutex
// of the caller is enough.
type Noop struct{}

func (Noop) Lock(context.Context) (func(), error) {
	return func() {}, nil
}
