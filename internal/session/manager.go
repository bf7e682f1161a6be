package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/warden/internal/apperror"
)

// Redis key prefixes. The user pointer enforces the single-active-session
// policy: it always names the one token currently valid for a principal.
const (
	sessionKeyPrefix = "session:"
	userKeyPrefix    = "user_session:"
)

// sessionTokenBytes is the number of random bytes in a session token.
// 32 bytes = 256 bits of entropy, hex-encoded to 64 characters.
const sessionTokenBytes = 32

// Manager issues, advances, resolves, and revokes sessions.
type Manager struct {
	redis      *redis.Client
	sessionTTL time.Duration // logged-in lifetime
	pendingTTL time.Duration // two-factor-waiting / onboarding-waiting lifetime
}

// NewManager creates a session manager backed by the given Redis client.
func NewManager(rdb *redis.Client, sessionTTL, pendingTTL time.Duration) *Manager {
	return &Manager{
		redis:      rdb,
		sessionTTL: sessionTTL,
		pendingTTL: pendingTTL,
	}
}

// Create mints a new session for the principal in the given state and
// returns the opaque token. Any previous session of the same principal is
// revoked: an in-progress login replaces an earlier in-progress login just
// like a completed one replaces an earlier logged-in session.
func (m *Manager) Create(ctx context.Context, userID string, state LoginState) (string, *Session, error) {
	if state == StateLoggedOut || !state.Valid() {
		return "", nil, apperror.NewInternal(fmt.Errorf("cannot create session in state %q", state))
	}

	token, err := generateToken()
	if err != nil {
		return "", nil, apperror.NewInternal(fmt.Errorf("generating session token: %w", err))
	}

	ttl := m.ttlFor(state)
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		State:     state,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return "", nil, apperror.NewInternal(fmt.Errorf("marshaling session: %w", err))
	}

	// Look up the previous token before installing the new one so it can be
	// dropped afterwards. Losing the race against a concurrent login for the
	// same principal just means one of the two sessions wins the pointer --
	// the loser is unreachable on next resolve-and-compare in Revoke.
	prev, err := m.redis.Get(ctx, userKeyPrefix+userID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", nil, apperror.NewDependency(fmt.Errorf("reading session pointer: %w", err))
	}

	pipe := m.redis.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+token, data, ttl)
	pipe.Set(ctx, userKeyPrefix+userID, token, ttl)
	if prev != "" {
		pipe.Del(ctx, sessionKeyPrefix+prev)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", nil, apperror.NewDependency(fmt.Errorf("storing session: %w", err))
	}

	if prev != "" {
		slog.Debug("replaced previous session",
			slog.String("user_id", userID),
			slog.String("state", string(state)),
		)
	}

	return token, sess, nil
}

// Advance moves an existing session to a new state. Only the transitions of
// the login state machine are legal: the waiting states may advance to
// logged-in, nothing else. The stored session is rewritten whole; callers
// never mutate a Session in place.
func (m *Manager) Advance(ctx context.Context, token string, newState LoginState) (*Session, error) {
	sess, err := m.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	if !legalTransition(sess.State, newState) {
		return nil, apperror.NewInvalidTransition(
			fmt.Sprintf("cannot move from %s to %s", sess.State, newState))
	}

	ttl := m.ttlFor(newState)
	now := time.Now().UTC()
	sess.State = newState
	sess.ExpiresAt = now.Add(ttl)

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("marshaling session: %w", err))
	}

	pipe := m.redis.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+token, data, ttl)
	pipe.Expire(ctx, userKeyPrefix+sess.UserID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperror.NewDependency(fmt.Errorf("advancing session: %w", err))
	}

	return sess, nil
}

// Resolve looks up a token and returns its session. Expired sessions are
// reaped by Redis TTL, so an expired token is indistinguishable from an
// absent one -- both surface as SessionInvalid.
func (m *Manager) Resolve(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, apperror.NewSessionInvalid()
	}

	data, err := m.redis.Get(ctx, sessionKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperror.NewSessionInvalid()
	}
	if err != nil {
		return nil, apperror.NewDependency(fmt.Errorf("reading session: %w", err))
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("unmarshaling session: %w", err))
	}

	// TTL normally enforces expiry; the explicit check covers a session
	// whose TTL outlived its recorded deadline (e.g. restored backups).
	if time.Now().UTC().After(sess.ExpiresAt) {
		_ = m.Revoke(ctx, token)
		return nil, apperror.NewSessionInvalid()
	}

	return &sess, nil
}

// Revoke deletes a session. Idempotent: revoking an unknown, expired, or
// already-revoked token is a no-op success.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	data, err := m.redis.Get(ctx, sessionKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return apperror.NewDependency(fmt.Errorf("reading session for revoke: %w", err))
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		// Corrupt payload -- still drop the key.
		if delErr := m.redis.Del(ctx, sessionKeyPrefix+token).Err(); delErr != nil {
			return apperror.NewDependency(fmt.Errorf("deleting session: %w", delErr))
		}
		return nil
	}

	pipe := m.redis.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+token)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperror.NewDependency(fmt.Errorf("deleting session: %w", err))
	}

	// Only clear the pointer if it still names this token; a newer login
	// may already own it.
	current, err := m.redis.Get(ctx, userKeyPrefix+sess.UserID).Result()
	if err == nil && current == token {
		_ = m.redis.Del(ctx, userKeyPrefix+sess.UserID).Err()
	}

	return nil
}

// RevokeUser drops whatever session the principal currently holds. Used when
// an admin blocks an account.
func (m *Manager) RevokeUser(ctx context.Context, userID string) error {
	token, err := m.redis.Get(ctx, userKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return apperror.NewDependency(fmt.Errorf("reading session pointer: %w", err))
	}
	return m.Revoke(ctx, token)
}

// ttlFor returns the lifetime for a session in the given state. Waiting
// states are short-lived on purpose: an abandoned half-login should not
// occupy the principal's session slot for hours.
func (m *Manager) ttlFor(state LoginState) time.Duration {
	if state == StateLoggedIn {
		return m.sessionTTL
	}
	return m.pendingTTL
}

// legalTransition encodes the advance half of the state machine. Creation
// and revocation cover the remaining edges.
func legalTransition(from, to LoginState) bool {
	switch from {
	case StateTwoFactorWaiting, StateOnboardingWaiting:
		return to == StateLoggedIn
	}
	return false
}

// generateToken creates a cryptographically random hex-encoded token.
func generateToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
