package mfa

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/warden/internal/apperror"
	"github.com/keyxmakerx/warden/internal/mailer"
)

// Redis keys for outstanding mail codes. Storing the code under a single
// per-principal key makes "at most one outstanding code" free: issuing a new
// code overwrites the previous one.
const (
	codeKeyPrefix     = "mfa:code:"
	attemptsKeyPrefix = "mfa:attempts:"
)

// mailCodeDigits is the length of a mailed one-time code.
const mailCodeDigits = 6

// maxCodeAttempts caps failed guesses against one mailed code before it is
// discarded and a fresh challenge is required.
const maxCodeAttempts = 5

// sendTimeout bounds challenge delivery so a slow relay cannot stall login.
const sendTimeout = 15 * time.Second

// Verifier issues and checks second-factor challenges for both mechanisms.
type Verifier struct {
	redis   *redis.Client
	mail    mailer.MailService
	issuer  string
	codeTTL time.Duration
}

// NewVerifier creates a verifier. issuer is the name authenticator apps show
// next to enrolled accounts.
func NewVerifier(rdb *redis.Client, mail mailer.MailService, issuer string, codeTTL time.Duration) *Verifier {
	return &Verifier{
		redis:   rdb,
		mail:    mail,
		issuer:  issuer,
		codeTTL: codeTTL,
	}
}

// Enroll produces the provisioning material for switching a principal to the
// given mechanism. Only app-totp needs any: a fresh shared secret plus its
// otpauth URL. The caller persists the secret as unconfirmed and must see
// one successful code before trusting it. Mail-totp and none need no
// material; their switch applies immediately.
func (v *Verifier) Enroll(p Principal, kind Type) (*Enrollment, error) {
	if !kind.Valid() {
		return nil, apperror.NewValidation("unknown MFA type")
	}

	if kind != TypeAppTOTP {
		return nil, nil
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: p.Mail,
	})
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("generating totp secret: %w", err))
	}

	return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// IssueChallenge prepares the second factor for a pending login. For
// app-totp there is nothing to send; the call only confirms a usable secret
// exists. For mail-totp it generates a one-time code, stores it (displacing
// any prior outstanding code), and mails it to the principal. A delivery
// failure is surfaced as a dependency error and leaves no usable code
// behind, so the caller can safely refuse to advance the login.
func (v *Verifier) IssueChallenge(ctx context.Context, p Principal) error {
	switch p.Type {
	case TypeAppTOTP:
		if p.TOTPSecret == "" || !p.TOTPConfirmed {
			return apperror.NewInternal(fmt.Errorf("principal %s has app-totp without a confirmed secret", p.UserID))
		}
		return nil

	case TypeMailTOTP:
		code, err := generateNumericCode(mailCodeDigits)
		if err != nil {
			return apperror.NewInternal(fmt.Errorf("generating mail code: %w", err))
		}

		pipe := v.redis.TxPipeline()
		pipe.Set(ctx, codeKeyPrefix+p.UserID, code, v.codeTTL)
		pipe.Del(ctx, attemptsKeyPrefix+p.UserID)
		if _, err := pipe.Exec(ctx); err != nil {
			return apperror.NewDependency(fmt.Errorf("storing mail code: %w", err))
		}

		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()

		body := mailer.LoginCodeBody(code, v.codeTTL)
		if err := v.mail.SendMail(sendCtx, []string{p.Mail}, "Your login code", body); err != nil {
			// Remove the code again: an undelivered challenge must not be
			// guessable, and the caller must not advance the session.
			_ = v.redis.Del(ctx, codeKeyPrefix+p.UserID).Err()
			return apperror.NewDependency(fmt.Errorf("sending mail code: %w", err))
		}

		slog.Info("mail code issued", slog.String("user_id", p.UserID))
		return nil

	default:
		return apperror.NewInternal(fmt.Errorf("cannot issue challenge for MFA type %q", p.Type))
	}
}

// Verify checks a supplied code against the principal's configured
// mechanism. Mismatch, expiry, and a missing outstanding challenge all
// report false; the error return is reserved for unreachable collaborators.
func (v *Verifier) Verify(ctx context.Context, p Principal, code string) (bool, error) {
	switch p.Type {
	case TypeAppTOTP:
		if p.TOTPSecret == "" || !p.TOTPConfirmed {
			return false, nil
		}
		return ValidateAppCode(p.TOTPSecret, code), nil

	case TypeMailTOTP:
		return v.verifyMailCode(ctx, p.UserID, code)

	default:
		return false, nil
	}
}

// verifyMailCode compares the supplied code with the stored one. The stored
// code is deleted on match so it can never be replayed, and discarded after
// too many failed guesses.
func (v *Verifier) verifyMailCode(ctx context.Context, userID, code string) (bool, error) {
	stored, err := v.redis.Get(ctx, codeKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, apperror.NewDependency(fmt.Errorf("reading mail code: %w", err))
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) == 1 {
		pipe := v.redis.TxPipeline()
		pipe.Del(ctx, codeKeyPrefix+userID)
		pipe.Del(ctx, attemptsKeyPrefix+userID)
		if _, err := pipe.Exec(ctx); err != nil {
			// The code must not survive a successful use. Refuse success if
			// the delete cannot be confirmed.
			return false, apperror.NewDependency(fmt.Errorf("consuming mail code: %w", err))
		}
		return true, nil
	}

	attempts, err := v.redis.Incr(ctx, attemptsKeyPrefix+userID).Result()
	if err != nil {
		return false, apperror.NewDependency(fmt.Errorf("counting code attempts: %w", err))
	}
	_ = v.redis.Expire(ctx, attemptsKeyPrefix+userID, v.codeTTL).Err()

	if attempts >= maxCodeAttempts {
		_ = v.redis.Del(ctx, codeKeyPrefix+userID, attemptsKeyPrefix+userID).Err()
		slog.Warn("mail code discarded after too many attempts",
			slog.String("user_id", userID),
		)
	}

	return false, nil
}

// ValidateAppCode checks a TOTP code against a base32 secret, allowing one
// time window of clock skew before and after. Used both for regular login
// verification and for confirming a freshly enrolled secret.
func ValidateAppCode(secret, code string) bool {
	valid, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

// generateNumericCode returns n random decimal digits. Uses crypto/rand with
// rejection sampling so every digit is uniform.
func generateNumericCode(n int) (string, error) {
	digits := make([]byte, 0, n)
	buf := make([]byte, 1)
	for len(digits) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		// Reject values that would bias the distribution (250..255).
		if buf[0] >= 250 {
			continue
		}
		digits = append(digits, '0'+buf[0]%10)
	}
	return string(digits), nil
}
