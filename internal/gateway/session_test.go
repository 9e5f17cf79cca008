package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porterly/backend/internal/store"
)

func newSessions() *Sessions {
	return NewSessions(store.NewMemoryClient(), 24*time.Hour, time.Hour)
}

func TestSessionRegisterGetUnregister(t *testing.T) {
	s := newSessions()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.Register(ctx, &Session{
		SocketID: "sock-1", UserID: "user-1", Role: RoleCustomer,
		Namespace: NamespaceClient, ConnectedAt: now, LastActivityAt: now,
	}))
	require.NoError(t, s.Register(ctx, &Session{
		SocketID: "sock-2", UserID: "user-1", Role: RoleCustomer,
		Namespace: NamespaceClient, ConnectedAt: now, LastActivityAt: now,
	}))

	got, err := s.Get(ctx, "sock-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, RoleCustomer, got.Role)
	assert.Equal(t, now, got.ConnectedAt)

	ids, err := s.SocketsForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sock-1", "sock-2"}, ids)

	remaining, err := s.Unregister(ctx, "sock-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)

	_, err = s.Get(ctx, "sock-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	remaining, err = s.Unregister(ctx, "sock-2", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestSessionTouchUpdatesActivity(t *testing.T) {
	s := newSessions()
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }

	require.NoError(t, s.Register(ctx, &Session{
		SocketID: "sock-1", UserID: "user-1", Role: RolePorter,
		Namespace: NamespacePorter, ConnectedAt: start, LastActivityAt: start,
	}))

	s.now = func() time.Time { return start.Add(5 * time.Minute) }
	ts, err := s.Touch(ctx, "sock-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, start.Add(5*time.Minute), ts)

	got, err := s.Get(ctx, "sock-1")
	require.NoError(t, err)
	assert.Equal(t, start.Add(5*time.Minute), got.LastActivityAt)
}

func TestReconnectTokenSingleUse(t *testing.T) {
	s := newSessions()
	ctx := context.Background()

	token, err := s.MintReconnectToken(ctx, &ReconnectState{
		UserID: "user-1", Role: RoleCustomer, Namespace: NamespaceClient,
		Subscriptions: []string{"order-1", "order-2"},
	})
	require.NoError(t, err)

	state, err := s.ConsumeReconnectToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", state.UserID)
	assert.Equal(t, []string{"order-1", "order-2"}, state.Subscriptions)

	_, err = s.ConsumeReconnectToken(ctx, token)
	assert.ErrorIs(t, err, ErrReconnectConsumed)

	_, err = s.ConsumeReconnectToken(ctx, "never-minted")
	assert.ErrorIs(t, err, ErrReconnectConsumed)
}

func TestReconnectTokenConcurrentRedeem(t *testing.T) {
	s := newSessions()
	ctx := context.Background()

	token, err := s.MintReconnectToken(ctx, &ReconnectState{UserID: "user-1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wins := make([]bool, 8)
	for i := range wins {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.ConsumeReconnectToken(ctx, token); err == nil {
				wins[i] = true
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, won := range wins {
		if won {
			total++
		}
	}
	assert.Equal(t, 1, total)
}
