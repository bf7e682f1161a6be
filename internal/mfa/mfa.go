// Package mfa implements the two second-factor mechanisms: authenticator-app
// TOTP (shared secret, time-window codes) and mailed one-time codes. The
// mechanism is chosen once per principal; the rest of the system only talks
// to the Verifier boundary and never branches on the concrete kind.
package mfa

// Type identifies the configured second-factor mechanism of a principal.
type Type string

const (
	// TypeAppTOTP is a time-based code computed by an authenticator app
	// from a shared secret. The server holds nothing but the shared key.
	TypeAppTOTP Type = "app-totp"

	// TypeMailTOTP is a server-generated one-time code delivered by mail.
	TypeMailTOTP Type = "mail-totp"

	// TypeNone disables the second factor.
	TypeNone Type = "none"
)

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	switch t {
	case TypeAppTOTP, TypeMailTOTP, TypeNone:
		return true
	}
	return false
}

// Principal is the slice of an account the verifier needs. The auth package
// maps its full principal record onto this before calling in.
type Principal struct {
	UserID string
	Mail   string
	Type   Type

	// TOTPSecret is the base32 shared secret, app-totp only. Empty otherwise.
	TOTPSecret string

	// TOTPConfirmed is true once the principal has proven possession of the
	// secret with one valid code. An unconfirmed secret never satisfies a
	// login challenge, so a botched enrollment cannot lock anyone out.
	TOTPConfirmed bool
}

// Enrollment is the provisioning material for a new app-totp secret. The
// caller persists Secret (unconfirmed) and shows URL to the principal.
type Enrollment struct {
	// Secret is the base32-encoded shared secret.
	Secret string

	// URL is the otpauth:// enrollment URI understood by authenticator apps.
	URL string
}
