// Package auth implements the authentication lifecycle: password login, the
// second-factor step, forced first-login onboarding, self-service credential
// changes, and logout. It orchestrates the credential store, the MFA
// verifier, and the session manager; every state transition of a login lives
// here and nowhere else.
package auth

import (
	"time"

	"github.com/keyxmakerx/warden/internal/mfa"
	"github.com/keyxmakerx/warden/internal/session"
)

// Principal is a registered account. Database scanning uses this struct
// directly; it is never marshaled to a client (see UserInfo).
type Principal struct {
	ID           string
	Mail         string
	PasswordHash string
	Admin        bool
	Blocked      bool
	Onboarded    bool
	MFAType      mfa.Type

	// TOTPSecret is the active base32 app-totp secret, empty when none is
	// set. An unconfirmed secret never satisfies a login challenge.
	TOTPSecret    string
	TOTPConfirmed bool

	// PendingTOTPSecret is a freshly enrolled secret awaiting its first
	// valid code. It lives apart from the active secret, so a botched
	// enrollment can never break the factor a principal logs in with.
	PendingTOTPSecret string

	CreatedAt   time.Time
	LastLoginAt *time.Time
}

// mfaPrincipal projects the fields the verifier needs.
func (p *Principal) mfaPrincipal() mfa.Principal {
	return mfa.Principal{
		UserID:        p.ID,
		Mail:          p.Mail,
		Type:          p.MFAType,
		TOTPSecret:    p.TOTPSecret,
		TOTPConfirmed: p.TOTPConfirmed,
	}
}

// UserInfo is the principal/state summary returned to an authenticated
// caller. Credential material never appears here.
type UserInfo struct {
	UserID     string             `json:"userId"`
	Mail       string             `json:"mail"`
	Admin      bool               `json:"admin"`
	Onboarded  bool               `json:"onboarded"`
	LoginState session.LoginState `json:"loginState"`
}

// --- Request DTOs (bound from HTTP requests) ---

// LoginRequest carries the first authentication step.
type LoginRequest struct {
	Mail     string `json:"mail" form:"mail"`
	Password string `json:"password" form:"password"`
}

// MFARequest carries a second-factor code. The field is named token on the
// wire for historical reasons; it is the six-digit code, not a session token.
type MFARequest struct {
	Token string `json:"token" form:"token"`
}

// MailChallengeRequest asks for a mailed one-time code.
type MailChallengeRequest struct {
	Onboarding bool `json:"onboarding" form:"onboarding"`
}

// MFATypeRequest switches the configured second-factor mechanism.
type MFATypeRequest struct {
	UserID  string   `json:"userId" form:"userId"`
	MFAType mfa.Type `json:"mfaType" form:"mfaType"`
}

// ChangePasswordRequest carries a self-service password change. Exactly one
// of OldPassword and Token must authorize it: the current password for a
// logged-in caller, or a one-time change-credential token for the
// forgotten-password flow.
type ChangePasswordRequest struct {
	UserID      string `json:"userId" form:"userId"`
	OldPassword string `json:"oldPassword" form:"oldPassword"`
	NewPassword string `json:"newPassword" form:"newPassword"`
	Token       string `json:"token" form:"token"`
}

// OnboardRequest completes the forced first-login setup.
type OnboardRequest struct {
	UserID      string   `json:"userId" form:"userId"`
	NewPassword string   `json:"newPassword" form:"newPassword"`
	MFAType     mfa.Type `json:"mfaType" form:"mfaType"`

	// Token is the app-totp code confirming the pending secret when MFAType
	// is app-totp. Unused otherwise.
	Token string `json:"token" form:"token"`
}

// ResetRequest starts the forgotten-password flow.
type ResetRequest struct {
	Mail string `json:"mail" form:"mail"`
}

// --- Service input DTOs ---

// LoginInput is the validated input for the first authentication step.
type LoginInput struct {
	Mail     string
	Password string
}

// ChangePasswordInput is the validated input for a password change.
type ChangePasswordInput struct {
	UserID      string
	OldPassword string
	NewPassword string
	Token       string
}

// OnboardInput is the validated input for onboarding completion.
type OnboardInput struct {
	NewPassword string
	MFAType     mfa.Type
	Code        string
}
