package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyxmakerx/warden/internal/apperror"
	"github.com/keyxmakerx/warden/internal/mailer"
	"github.com/keyxmakerx/warden/internal/mfa"
	"github.com/keyxmakerx/warden/internal/session"
)

// opTimeout bounds a whole service operation, including its store, Redis,
// and mail-delivery calls. No request may hang on a dead collaborator.
const opTimeout = 20 * time.Second

// AuthService defines the business logic contract for the authentication
// lifecycle. Handlers call these methods -- they never touch the repository,
// the session manager, or the verifier directly.
type AuthService interface {
	// Login runs the first authentication step and returns the session
	// token plus the state the login landed in.
	Login(ctx context.Context, input LoginInput) (string, session.LoginState, error)

	// ConfirmMFA checks a second-factor code. From two-factor-waiting it
	// completes the login; from logged-in or onboarding-waiting it confirms
	// a pending app-totp enrollment instead.
	ConfirmMFA(ctx context.Context, token, code string) (session.LoginState, error)

	// RequestMailChallenge issues (or re-issues) a mailed one-time code.
	RequestMailChallenge(ctx context.Context, token string, onboarding bool) error

	// SwitchMFAType changes the configured mechanism. Switching to app-totp
	// returns enrollment material and keeps the previous factor active
	// until one code confirms the new secret.
	SwitchMFAType(ctx context.Context, token, targetUserID string, newType mfa.Type) (*mfa.Enrollment, error)

	// EnrollmentURL returns the otpauth URL of the pending app-totp secret,
	// generating a fresh pending secret if none exists yet.
	EnrollmentURL(ctx context.Context, token string) (string, error)

	// CompleteOnboarding finishes the forced first-login setup.
	CompleteOnboarding(ctx context.Context, token string, input OnboardInput) (session.LoginState, error)

	// ChangePassword performs a self-service password change, authorized by
	// the current password or a one-time change-credential token.
	ChangePassword(ctx context.Context, token string, input ChangePasswordInput) error

	// RequestPasswordReset starts the forgotten-password flow. It never
	// reveals whether the mail belongs to an account.
	RequestPasswordReset(ctx context.Context, mail string) error

	// CurrentUser returns the principal/state summary of a session token.
	CurrentUser(ctx context.Context, token string) (*UserInfo, error)

	// Logout revokes the session. Idempotent.
	Logout(ctx context.Context, token string) error

	// EnsureDefaultAdmin creates the initial admin account when the store
	// is empty. The account starts un-onboarded.
	EnsureDefaultAdmin(ctx context.Context, mail, password string) error
}

// authService implements AuthService.
type authService struct {
	repo     PrincipalRepository
	sessions *session.Manager
	verifier *mfa.Verifier
	tokens   *ChangeTokens
	mail     mailer.MailService
	baseURL  string
	issuer   string
	resetTTL time.Duration
}

// NewAuthService creates the auth service with its collaborators. baseURL is
// used for links in outgoing mail, issuer for otpauth enrollment URLs.
func NewAuthService(
	repo PrincipalRepository,
	sessions *session.Manager,
	verifier *mfa.Verifier,
	tokens *ChangeTokens,
	mail mailer.MailService,
	baseURL, issuer string,
	resetTTL time.Duration,
) AuthService {
	return &authService{
		repo:     repo,
		sessions: sessions,
		verifier: verifier,
		tokens:   tokens,
		mail:     mail,
		baseURL:  baseURL,
		issuer:   issuer,
		resetTTL: resetTTL,
	}
}

// Login authenticates mail and password and opens the session matching the
// principal's setup: straight to logged-in without a second factor, to
// two-factor-waiting when one is configured, or to onboarding-waiting on
// first login. Unknown mail, wrong password, and blocked accounts are
// indistinguishable to the caller.
func (s *authService) Login(ctx context.Context, input LoginInput) (string, session.LoginState, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	mailAddr := strings.ToLower(strings.TrimSpace(input.Mail))
	if mailAddr == "" || input.Password == "" {
		return "", "", apperror.NewValidation("mail and password are required")
	}

	p, err := s.repo.FindByMail(ctx, mailAddr)
	if err != nil {
		if errors.Is(err, apperror.NewNotFound("")) {
			return "", "", apperror.NewAuthFailed(fmt.Errorf("unknown mail %s", mailAddr))
		}
		return "", "", apperror.NewDependency(fmt.Errorf("finding principal: %w", err))
	}

	if p.Blocked {
		slog.Warn("blocked principal attempted login", slog.String("user_id", p.ID))
		return "", "", apperror.NewAuthFailed(fmt.Errorf("principal %s is blocked", p.ID))
	}

	if !verifyPassword(input.Password, p.PasswordHash) {
		return "", "", apperror.NewAuthFailed(fmt.Errorf("wrong password for %s", p.ID))
	}

	var state session.LoginState
	switch {
	case !p.Onboarded:
		state = session.StateOnboardingWaiting

	case p.MFAType == mfa.TypeNone || p.MFAType == "":
		state = session.StateLoggedIn

	default:
		// The challenge is issued before the session exists, so a delivery
		// failure leaves the login where it was.
		if err := s.verifier.IssueChallenge(ctx, p.mfaPrincipal()); err != nil {
			return "", "", err
		}
		state = session.StateTwoFactorWaiting
	}

	token, sess, err := s.sessions.Create(ctx, p.ID, state)
	if err != nil {
		return "", "", err
	}

	if state == session.StateLoggedIn {
		s.stampLastLogin(ctx, p.ID)
	}

	slog.Info("login",
		slog.String("user_id", p.ID),
		slog.String("state", string(sess.State)),
	)

	return token, sess.State, nil
}

// ConfirmMFA dispatches on the session state: inside two-factor-waiting the
// code completes the login against the active factor; from logged-in or
// onboarding-waiting it confirms a pending app-totp secret, activating it.
func (s *authService) ConfirmMFA(ctx context.Context, token, code string) (session.LoginState, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if code == "" {
		return "", apperror.NewValidation("code is required")
	}

	sess, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		// A code from a logged-out caller is a state-machine violation, not
		// a session problem: there is no login the code could belong to.
		if errors.Is(err, apperror.NewSessionInvalid()) {
			return "", apperror.NewInvalidTransition("no second factor expected while logged out")
		}
		return "", err
	}

	p, err := s.principalFor(ctx, sess)
	if err != nil {
		return "", err
	}

	switch sess.State {
	case session.StateTwoFactorWaiting:
		ok, err := s.verifier.Verify(ctx, p.mfaPrincipal(), code)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", apperror.NewMfaFailed()
		}

		advanced, err := s.sessions.Advance(ctx, token, session.StateLoggedIn)
		if err != nil {
			return "", err
		}
		s.stampLastLogin(ctx, p.ID)

		slog.Info("second factor verified", slog.String("user_id", p.ID))
		return advanced.State, nil

	case session.StateLoggedIn, session.StateOnboardingWaiting:
		if p.PendingTOTPSecret == "" {
			return "", apperror.NewInvalidTransition("no pending authenticator enrollment")
		}
		if !mfa.ValidateAppCode(p.PendingTOTPSecret, code) {
			return "", apperror.NewMfaFailed()
		}

		if err := s.repo.UpdateMFAType(ctx, p.ID, mfa.TypeAppTOTP, p.PendingTOTPSecret, true); err != nil {
			return "", apperror.NewDependency(fmt.Errorf("activating authenticator: %w", err))
		}

		slog.Info("authenticator enrollment confirmed", slog.String("user_id", p.ID))
		return sess.State, nil

	default:
		return "", apperror.NewInvalidTransition("no second factor expected in this state")
	}
}

// RequestMailChallenge mails a fresh one-time code: either re-issuing the
// active challenge of a mail-totp login, or sending a first code during
// onboarding so the principal can exercise mail delivery before picking the
// mechanism.
func (s *authService) RequestMailChallenge(ctx context.Context, token string, onboarding bool) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	sess, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return err
	}

	p, err := s.principalFor(ctx, sess)
	if err != nil {
		return err
	}

	switch {
	case sess.State == session.StateTwoFactorWaiting && p.MFAType == mfa.TypeMailTOTP:
		return s.verifier.IssueChallenge(ctx, p.mfaPrincipal())

	case onboarding && sess.State == session.StateOnboardingWaiting:
		mp := p.mfaPrincipal()
		mp.Type = mfa.TypeMailTOTP
		return s.verifier.IssueChallenge(ctx, mp)

	default:
		return apperror.NewInvalidTransition("no mail code can be issued in this state")
	}
}

// SwitchMFAType changes the configured mechanism for the caller, or for
// another principal when the caller is an admin. Mail-totp and none apply
// immediately and drop any stored secret; app-totp stores a pending secret
// and returns its enrollment material, leaving the previous factor active
// until ConfirmMFA proves possession.
func (s *authService) SwitchMFAType(ctx context.Context, token, targetUserID string, newType mfa.Type) (*mfa.Enrollment, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if !newType.Valid() {
		return nil, apperror.NewValidation("unknown MFA type")
	}

	sess, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.State != session.StateLoggedIn {
		return nil, apperror.NewInvalidTransition("changing the MFA type requires a completed login")
	}

	actor, err := s.principalFor(ctx, sess)
	if err != nil {
		return nil, err
	}

	target := actor
	if targetUserID != "" && targetUserID != actor.ID {
		if !actor.Admin {
			return nil, apperror.NewForbidden("only admins may change another account")
		}
		target, err = s.repo.FindByID(ctx, targetUserID)
		if err != nil {
			if errors.Is(err, apperror.NewNotFound("")) {
				return nil, apperror.NewNotFound("principal not found")
			}
			return nil, apperror.NewDependency(fmt.Errorf("finding principal: %w", err))
		}
	}

	if newType != mfa.TypeAppTOTP {
		if err := s.repo.UpdateMFAType(ctx, target.ID, newType, "", false); err != nil {
			return nil, apperror.NewDependency(fmt.Errorf("updating mfa type: %w", err))
		}
		slog.Info("mfa type changed",
			slog.String("user_id", target.ID),
			slog.String("mfa_type", string(newType)),
		)
		return nil, nil
	}

	enr, err := s.verifier.Enroll(target.mfaPrincipal(), mfa.TypeAppTOTP)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetPendingTOTPSecret(ctx, target.ID, enr.Secret); err != nil {
		return nil, apperror.NewDependency(fmt.Errorf("storing pending secret: %w", err))
	}

	slog.Info("authenticator enrollment started", slog.String("user_id", target.ID))
	return enr, nil
}

// EnrollmentURL returns the otpauth URL for the caller's pending app-totp
// secret. If no pending secret exists yet, one is generated first, so the
// onboarding flow can call this directly. The active secret is never touched:
// enrollment lives in its own column until a valid code confirms it.
func (s *authService) EnrollmentURL(ctx context.Context, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	sess, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return "", err
	}
	if sess.State != session.StateOnboardingWaiting && sess.State != session.StateLoggedIn {
		return "", apperror.NewInvalidTransition("no enrollment possible in this state")
	}

	p, err := s.principalFor(ctx, sess)
	if err != nil {
		return "", err
	}

	if p.PendingTOTPSecret != "" {
		return otpauthURL(s.issuer, p.Mail, p.PendingTOTPSecret), nil
	}

	enr, err := s.verifier.Enroll(p.mfaPrincipal(), mfa.TypeAppTOTP)
	if err != nil {
		return "", err
	}
	if err := s.repo.SetPendingTOTPSecret(ctx, p.ID, enr.Secret); err != nil {
		return "", apperror.NewDependency(fmt.Errorf("storing pending secret: %w", err))
	}

	return enr.URL, nil
}

// CompleteOnboarding finishes the forced first-login setup: new password,
// chosen second-factor mechanism, onboarded flag, and the session advance to
// logged-in, in that order. Once a principal is onboarded the operation
// refuses to run again.
func (s *authService) CompleteOnboarding(ctx context.Context, token string, input OnboardInput) (session.LoginState, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	sess, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return "", err
	}
	if sess.State != session.StateOnboardingWaiting {
		return "", apperror.NewInvalidTransition("onboarding is not pending for this session")
	}

	p, err := s.principalFor(ctx, sess)
	if err != nil {
		return "", err
	}
	if p.Onboarded {
		return "", apperror.NewInvalidTransition("account is already onboarded")
	}

	if err := checkPasswordPolicy(input.NewPassword); err != nil {
		return "", err
	}

	choice := input.MFAType
	if choice == "" {
		choice = mfa.TypeNone
	}
	if !choice.Valid() {
		return "", apperror.NewValidation("unknown MFA type")
	}

	// An app-totp choice must be proven with one code from the pending
	// secret before it becomes the active factor.
	secret, confirmed := "", false
	if choice == mfa.TypeAppTOTP {
		if p.PendingTOTPSecret == "" {
			return "", apperror.NewValidation("no authenticator enrollment was started")
		}
		if !mfa.ValidateAppCode(p.PendingTOTPSecret, input.Code) {
			return "", apperror.NewMfaFailed()
		}
		secret, confirmed = p.PendingTOTPSecret, true
	}

	hash, err := hashPassword(input.NewPassword)
	if err != nil {
		return "", apperror.NewInternal(fmt.Errorf("hashing password: %w", err))
	}

	if err := s.repo.UpdatePassword(ctx, p.ID, hash); err != nil {
		return "", apperror.NewDependency(fmt.Errorf("updating password: %w", err))
	}
	if err := s.repo.UpdateMFAType(ctx, p.ID, choice, secret, confirmed); err != nil {
		return "", apperror.NewDependency(fmt.Errorf("updating mfa type: %w", err))
	}
	if err := s.repo.MarkOnboarded(ctx, p.ID); err != nil {
		return "", apperror.NewDependency(fmt.Errorf("marking onboarded: %w", err))
	}

	advanced, err := s.sessions.Advance(ctx, token, session.StateLoggedIn)
	if err != nil {
		return "", err
	}
	s.stampLastLogin(ctx, p.ID)

	slog.Info("onboarding completed",
		slog.String("user_id", p.ID),
		slog.String("mfa_type", string(choice)),
	)

	return advanced.State, nil
}

// ChangePassword sets a new password for a principal. Authorization comes
// from the current password (logged-in self-service), admin rights over
// another account, or a one-time change-credential token. A supplied token
// is consumed before anything else, whatever the outcome. The login state is
// never touched.
func (s *authService) ChangePassword(ctx context.Context, token string, input ChangePasswordInput) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var userID string

	switch {
	case input.Token != "":
		// Burn the token first. A later policy failure must not leave it
		// reusable.
		owner, err := s.tokens.Consume(ctx, input.Token)
		if err != nil {
			return err
		}
		if input.UserID != "" && input.UserID != owner {
			return apperror.NewValidation("token does not match the account")
		}
		userID = owner

	default:
		sess, err := s.sessions.Resolve(ctx, token)
		if err != nil {
			return err
		}
		if sess.State != session.StateLoggedIn {
			return apperror.NewInvalidTransition("changing the password requires a completed login")
		}

		actor, err := s.principalFor(ctx, sess)
		if err != nil {
			return err
		}

		if input.UserID != "" && input.UserID != actor.ID {
			if !actor.Admin {
				return apperror.NewForbidden("only admins may change another account")
			}
			userID = input.UserID
		} else {
			if !verifyPassword(input.OldPassword, actor.PasswordHash) {
				return apperror.NewAuthFailed(fmt.Errorf("wrong current password for %s", actor.ID))
			}
			userID = actor.ID
		}
	}

	if err := checkPasswordPolicy(input.NewPassword); err != nil {
		return err
	}

	hash, err := hashPassword(input.NewPassword)
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("hashing password: %w", err))
	}

	if err := s.repo.UpdatePassword(ctx, userID, hash); err != nil {
		if errors.Is(err, apperror.NewNotFound("")) {
			return apperror.NewNotFound("principal not found")
		}
		return apperror.NewDependency(fmt.Errorf("updating password: %w", err))
	}

	slog.Info("password changed", slog.String("user_id", userID))
	return nil
}

// RequestPasswordReset issues a change-credential token and mails a reset
// link. Every outcome looks identical to the caller; failures are only
// logged.
func (s *authService) RequestPasswordReset(ctx context.Context, mailAddr string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	mailAddr = strings.ToLower(strings.TrimSpace(mailAddr))
	if mailAddr == "" {
		return apperror.NewValidation("mail is required")
	}

	p, err := s.repo.FindByMail(ctx, mailAddr)
	if err != nil {
		slog.Debug("password reset for unknown mail", slog.String("mail", mailAddr))
		return nil
	}
	if p.Blocked {
		slog.Warn("password reset for blocked principal", slog.String("user_id", p.ID))
		return nil
	}
	if !s.mail.IsConfigured() {
		slog.Warn("password reset requested but smtp is not configured")
		return nil
	}

	resetToken, err := s.tokens.Issue(ctx, p.ID, s.resetTTL)
	if err != nil {
		slog.Error("issuing reset token", slog.Any("error", err))
		return nil
	}

	body := mailer.PasswordResetBody(s.baseURL, resetToken, s.resetTTL)
	if err := s.mail.SendMail(ctx, []string{p.Mail}, "Reset your password", body); err != nil {
		slog.Error("sending reset mail",
			slog.String("user_id", p.ID),
			slog.Any("error", err),
		)
		return nil
	}

	slog.Info("password reset mail sent", slog.String("user_id", p.ID))
	return nil
}

// CurrentUser resolves the session and returns the principal summary.
func (s *authService) CurrentUser(ctx context.Context, token string) (*UserInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	sess, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	p, err := s.principalFor(ctx, sess)
	if err != nil {
		return nil, err
	}

	return &UserInfo{
		UserID:     p.ID,
		Mail:       p.Mail,
		Admin:      p.Admin,
		Onboarded:  p.Onboarded,
		LoginState: sess.State,
	}, nil
}

// Logout revokes the session. Revoking an absent or expired token succeeds.
func (s *authService) Logout(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return s.sessions.Revoke(ctx, token)
}

// EnsureDefaultAdmin seeds the store with an initial admin when it is empty.
// The account is created un-onboarded, so the configured bootstrap password
// must be replaced on first login.
func (s *authService) EnsureDefaultAdmin(ctx context.Context, mailAddr, password string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	count, err := s.repo.CountPrincipals(ctx)
	if err != nil {
		return apperror.NewDependency(fmt.Errorf("counting principals: %w", err))
	}
	if count > 0 {
		return nil
	}

	hash, err := hashPassword(password)
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("hashing bootstrap password: %w", err))
	}

	admin := &Principal{
		ID:           uuid.NewString(),
		Mail:         strings.ToLower(strings.TrimSpace(mailAddr)),
		PasswordHash: hash,
		Admin:        true,
		Onboarded:    false,
		MFAType:      mfa.TypeNone,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, admin); err != nil {
		return apperror.NewDependency(fmt.Errorf("creating default admin: %w", err))
	}

	slog.Info("default admin created",
		slog.String("user_id", admin.ID),
		slog.String("mail", admin.Mail),
	)

	return nil
}

// --- Helpers ---

// principalFor loads the session's principal and enforces that blocked or
// vanished accounts lose their session on the spot.
func (s *authService) principalFor(ctx context.Context, sess *session.Session) (*Principal, error) {
	p, err := s.repo.FindByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, apperror.NewNotFound("")) {
			_ = s.sessions.RevokeUser(ctx, sess.UserID)
			return nil, apperror.NewSessionInvalid()
		}
		return nil, apperror.NewDependency(fmt.Errorf("finding principal: %w", err))
	}

	if p.Blocked {
		slog.Warn("revoking session of blocked principal", slog.String("user_id", p.ID))
		_ = s.sessions.RevokeUser(ctx, p.ID)
		return nil, apperror.NewSessionInvalid()
	}

	return p, nil
}

// stampLastLogin updates last_login_at, best effort.
func (s *authService) stampLastLogin(ctx context.Context, userID string) {
	if err := s.repo.UpdateLastLogin(ctx, userID); err != nil {
		slog.Warn("failed to update last login",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
}

// otpauthURL rebuilds the enrollment URI for an already-stored secret.
func otpauthURL(issuer, account, secret string) string {
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)

	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + issuer + ":" + account,
		RawQuery: q.Encode(),
	}
	return u.String()
}
