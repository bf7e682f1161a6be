package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/warden/internal/apperror"
)

// tokenKeyPrefix is the Redis key prefix of the single-use token ledger.
// A change-credential token is only valid while its jti entry exists;
// consuming the entry is what makes the token single-use.
const tokenKeyPrefix = "pwtoken:"

// ChangeTokens issues and consumes change-credential tokens: one-time proofs
// that authorize a password change without the current password (forgotten
// password, onboarding). The token itself is a signed HS256 JWT; replay
// protection comes from the Redis ledger, not the signature.
type ChangeTokens struct {
	redis  *redis.Client
	secret []byte
}

// NewChangeTokens creates a token service signing with the given secret.
func NewChangeTokens(rdb *redis.Client, secret string) *ChangeTokens {
	return &ChangeTokens{
		redis:  rdb,
		secret: []byte(secret),
	}
}

// Issue mints a token for the principal, valid for ttl. Issuing a new token
// does not invalidate earlier ones; each carries its own ledger entry.
func (t *ChangeTokens) Issue(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	jti := uuid.NewString()
	now := time.Now().UTC()

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", apperror.NewInternal(fmt.Errorf("signing change token: %w", err))
	}

	if err := t.redis.Set(ctx, tokenKeyPrefix+jti, userID, ttl).Err(); err != nil {
		return "", apperror.NewDependency(fmt.Errorf("recording change token: %w", err))
	}

	return signed, nil
}

// Consume validates a token and burns its ledger entry, returning the
// principal it was issued for. The ledger entry is removed on first use:
// whatever the caller does with the result afterwards, the token is spent.
func (t *ChangeTokens) Consume(ctx context.Context, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", apperror.NewValidation("invalid or expired token")
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.ID == "" || claims.Subject == "" {
		return "", apperror.NewValidation("invalid or expired token")
	}

	// GetDel makes read-and-burn a single step, so two concurrent uses of
	// the same token cannot both succeed.
	owner, err := t.redis.GetDel(ctx, tokenKeyPrefix+claims.ID).Result()
	if errors.Is(err, redis.Nil) {
		return "", apperror.NewValidation("invalid or expired token")
	}
	if err != nil {
		return "", apperror.NewDependency(fmt.Errorf("consuming change token: %w", err))
	}
	if owner != claims.Subject {
		return "", apperror.NewValidation("invalid or expired token")
	}

	return claims.Subject, nil
}
