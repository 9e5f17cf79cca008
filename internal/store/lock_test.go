package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerAcquireRelease(t *testing.T) {
	locker := NewLocker(NewMemoryClient())
	ctx := context.Background()

	token, err := locker.Acquire(ctx, "accept:w1", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// Second acquire fails while held.
	_, err = locker.Acquire(ctx, "accept:w1", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, locker.Release(ctx, "accept:w1", token))

	// Released lock can be taken again.
	_, err = locker.Acquire(ctx, "accept:w1", time.Minute)
	assert.NoError(t, err)
}

func TestLockerReleaseWithWrongTokenKeepsLock(t *testing.T) {
	client := NewMemoryClient()
	locker := NewLocker(client)
	ctx := context.Background()

	token, err := locker.Acquire(ctx, "accept:w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, locker.Release(ctx, "accept:w1", "stale-token"))

	// Still held by the original token.
	_, err = locker.Acquire(ctx, "accept:w1", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, locker.Release(ctx, "accept:w1", token))
}

func TestLockerExpiredLockIsReacquirable(t *testing.T) {
	locker := NewLocker(NewMemoryClient())
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "accept:w1", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = locker.Acquire(ctx, "accept:w1", time.Minute)
	assert.NoError(t, err)
}

func TestWithLockReleasesOnError(t *testing.T) {
	locker := NewLocker(NewMemoryClient())
	ctx := context.Background()

	boom := errors.New("boom")
	err := locker.WithLock(ctx, "accept:w1", time.Minute, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// Lock must be free again.
	_, err = locker.Acquire(ctx, "accept:w1", time.Minute)
	assert.NoError(t, err)
}

func TestWithLockMutualExclusion(t *testing.T) {
	locker := NewLocker(NewMemoryClient())
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		winners int
		losers  int
		mu      sync.Mutex
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(ctx, "accept:w1", time.Minute, func(context.Context) error {
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrLockHeld) {
				losers++
			} else if err == nil {
				winners++
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, winners, 1)
	assert.Equal(t, 8, winners+losers)
}

func TestMemoryClientHashCAS(t *testing.T) {
	client := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, client.HSet(ctx, "offer:o1", map[string]string{"status": "pending"}))

	ok, err := client.HSetIfFieldEquals(ctx, "offer:o1", "status", "pending", map[string]string{"status": "accepted"})
	require.NoError(t, err)
	assert.True(t, ok)

	// Second transition must fail: status is no longer pending.
	ok, err = client.HSetIfFieldEquals(ctx, "offer:o1", "status", "pending", map[string]string{"status": "rejected"})
	require.NoError(t, err)
	assert.False(t, ok)

	fields, err := client.HGetAll(ctx, "offer:o1")
	require.NoError(t, err)
	assert.Equal(t, "accepted", fields["status"])
}

func TestMemoryClientTTL(t *testing.T) {
	client := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "window:w1", "{}", 10*time.Millisecond))
	_, err := client.Get(ctx, "window:w1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = client.Get(ctx, "window:w1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryClientPubSub(t *testing.T) {
	client := NewMemoryClient()
	ctx := context.Background()

	got := make(chan []byte, 1)
	unsub, err := client.Subscribe(ctx, "rooms", func(b []byte) { got <- b })
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, "rooms", []byte("hello")))
	assert.Equal(t, []byte("hello"), <-got)

	unsub()
	require.NoError(t, client.Publish(ctx, "rooms", []byte("after")))
	select {
	case <-got:
		t.Fatal("received message after unsubscribe")
	case <-time.After(20 * time.Millisecond):
	}
}
