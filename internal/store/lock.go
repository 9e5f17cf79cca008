package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrLockHeld is returned by Acquire when another holder owns the lock.
var ErrLockHeld = errors.New("store: lock held")

// Locker provides distributed locks on top of a Client. Acquire is
// write-if-absent with TTL; Release is the scripted compare-and-delete,
// so an expired lock re-acquired by another holder is never deleted by
// the original owner. The TTL is a safety net only and must exceed the
// expected critical section.
type Locker struct {
	client Client
}

func NewLocker(client Client) *Locker {
	return &Locker{client: client}
}

// Acquire takes the lock and returns an opaque holder token.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, "lock:"+key, token, ttl)
	if err != nil {
		return "", fmt.Errorf("store: acquire %s: %w", key, err)
	}
	if !ok {
		return "", ErrLockHeld
	}
	return token, nil
}

// Release deletes the lock iff it still holds the given token.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	ok, err := l.client.CompareAndDel(ctx, "lock:"+key, token)
	if err != nil {
		return fmt.Errorf("store: release %s: %w", key, err)
	}
	if !ok {
		// Lock expired or was taken over; nothing left to release.
		return nil
	}
	return nil
}

// WithLock runs fn while holding the lock, releasing on every exit path.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx, key, token)
	}()
	return fn(ctx)
}
