package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/porterly/backend/internal/store"
)

var (
	ErrSessionNotFound   = errors.New("gateway: session not found")
	ErrReconnectConsumed = errors.New("gateway: reconnect token invalid or already used")
)

// Session is the per-socket registry entry. Any instance can resolve a
// socket id to its user through the shared store.
type Session struct {
	SocketID       string    `json:"socketId"`
	UserID         string    `json:"userId"`
	Role           string    `json:"role"`
	Namespace      string    `json:"namespace"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// ReconnectState is the snapshot a reconnect token restores: identity
// plus the order subscriptions to replay.
type ReconnectState struct {
	UserID        string   `json:"userId"`
	Role          string   `json:"role"`
	Namespace     string   `json:"namespace"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// Sessions maintains the socket↔user registry in the ephemeral store.
type Sessions struct {
	store        store.Client
	sessionTTL   time.Duration
	reconnectTTL time.Duration
	now          func() time.Time
	newToken     func() string
}

func NewSessions(st store.Client, sessionTTL, reconnectTTL time.Duration) *Sessions {
	return &Sessions{
		store:        st,
		sessionTTL:   sessionTTL,
		reconnectTTL: reconnectTTL,
		now:          time.Now,
		newToken:     uuid.NewString,
	}
}

func sessionKey(socketID string) string { return "session:" + socketID }
func userSocketsKey(userID string) string {
	return "user:" + userID + ":sockets"
}
func reconnectKey(token string) string { return "reconnect:" + token }

// Register stores the session and adds the socket to the user's set.
func (s *Sessions) Register(ctx context.Context, sess *Session) error {
	fields := map[string]string{
		"userId":         sess.UserID,
		"role":           sess.Role,
		"namespace":      sess.Namespace,
		"connectedAt":    strconv.FormatInt(sess.ConnectedAt.UnixMilli(), 10),
		"lastActivityAt": strconv.FormatInt(sess.LastActivityAt.UnixMilli(), 10),
	}
	if err := s.store.HSet(ctx, sessionKey(sess.SocketID), fields); err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	if err := s.store.Expire(ctx, sessionKey(sess.SocketID), s.sessionTTL); err != nil {
		return fmt.Errorf("expire session: %w", err)
	}
	if err := s.store.SAdd(ctx, userSocketsKey(sess.UserID), sess.SocketID); err != nil {
		return fmt.Errorf("add user socket: %w", err)
	}
	if err := s.store.Expire(ctx, userSocketsKey(sess.UserID), s.sessionTTL); err != nil {
		return fmt.Errorf("expire user sockets: %w", err)
	}
	return nil
}

// Get resolves a socket id to its session.
func (s *Sessions) Get(ctx context.Context, socketID string) (*Session, error) {
	fields, err := s.store.HGetAll(ctx, sessionKey(socketID))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}
	connectedAt, _ := strconv.ParseInt(fields["connectedAt"], 10, 64)
	lastActivity, _ := strconv.ParseInt(fields["lastActivityAt"], 10, 64)
	return &Session{
		SocketID:       socketID,
		UserID:         fields["userId"],
		Role:           fields["role"],
		Namespace:      fields["namespace"],
		ConnectedAt:    time.UnixMilli(connectedAt).UTC(),
		LastActivityAt: time.UnixMilli(lastActivity).UTC(),
	}, nil
}

// Touch refreshes lastActivityAt and both TTLs. Returns the new activity
// timestamp for the heartbeat echo.
func (s *Sessions) Touch(ctx context.Context, socketID, userID string) (time.Time, error) {
	now := s.now().UTC()
	err := s.store.HSet(ctx, sessionKey(socketID), map[string]string{
		"lastActivityAt": strconv.FormatInt(now.UnixMilli(), 10),
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("touch session: %w", err)
	}
	_ = s.store.Expire(ctx, sessionKey(socketID), s.sessionTTL)
	_ = s.store.Expire(ctx, userSocketsKey(userID), s.sessionTTL)
	return now, nil
}

// Unregister removes the socket from the registry and reports how many
// sockets the user still holds.
func (s *Sessions) Unregister(ctx context.Context, socketID, userID string) (int64, error) {
	if err := s.store.Del(ctx, sessionKey(socketID)); err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	if err := s.store.SRem(ctx, userSocketsKey(userID), socketID); err != nil {
		return 0, fmt.Errorf("remove user socket: %w", err)
	}
	remaining, err := s.store.SCard(ctx, userSocketsKey(userID))
	if err != nil {
		return 0, fmt.Errorf("count user sockets: %w", err)
	}
	return remaining, nil
}

// SocketsForUser lists the user's live socket ids across all instances.
func (s *Sessions) SocketsForUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.store.SMembers(ctx, userSocketsKey(userID))
	if err != nil {
		return nil, fmt.Errorf("list user sockets: %w", err)
	}
	return ids, nil
}

// MintReconnectToken stores a single-use snapshot and returns its token.
func (s *Sessions) MintReconnectToken(ctx context.Context, state *ReconnectState) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode reconnect state: %w", err)
	}
	token := s.newToken()
	if err := s.store.Set(ctx, reconnectKey(token), string(raw), s.reconnectTTL); err != nil {
		return "", fmt.Errorf("store reconnect token: %w", err)
	}
	return token, nil
}

// ConsumeReconnectToken redeems a token exactly once. Concurrent redeems
// race on the compare-and-delete; exactly one wins.
func (s *Sessions) ConsumeReconnectToken(ctx context.Context, token string) (*ReconnectState, error) {
	raw, err := s.store.Get(ctx, reconnectKey(token))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrReconnectConsumed
	}
	if err != nil {
		return nil, fmt.Errorf("load reconnect token: %w", err)
	}
	won, err := s.store.CompareAndDel(ctx, reconnectKey(token), raw)
	if err != nil {
		return nil, fmt.Errorf("consume reconnect token: %w", err)
	}
	if !won {
		return nil, ErrReconnectConsumed
	}
	var state ReconnectState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode reconnect state: %w", err)
	}
	return &state, nil
}
