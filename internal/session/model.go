// Package session owns the server-held login sessions. A session maps an
// opaque bearer token (carried in a cookie) to a principal and its current
// login state. Sessions live in Redis; expiry is enforced by key TTL and
// checked lazily on resolve -- there is no background sweeper.
package session

import (
	"time"
)

// LoginState is the progress of a principal toward full access. States are
// mutually exclusive and totally ordered: logged-out precedes the waiting
// states, which precede logged-in.
type LoginState string

const (
	// StateLoggedOut is the initial state and the state after logout or
	// expiry. It is never stored -- an absent session means logged-out.
	StateLoggedOut LoginState = "logged-out"

	// StateTwoFactorWaiting means the password was correct and a second
	// factor is outstanding.
	StateTwoFactorWaiting LoginState = "two-factor-waiting"

	// StateOnboardingWaiting means the password was correct but the
	// principal has not completed first-login onboarding yet.
	StateOnboardingWaiting LoginState = "onboarding-waiting"

	// StateLoggedIn is the terminal state until logout or expiry.
	StateLoggedIn LoginState = "logged-in"
)

// Valid reports whether s is one of the known states.
func (s LoginState) Valid() bool {
	switch s {
	case StateLoggedOut, StateTwoFactorWaiting, StateOnboardingWaiting, StateLoggedIn:
		return true
	}
	return false
}

// Session is the value stored at session:<token>. State is the only field
// that changes after creation, and only ever through Manager.Advance.
type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	State     LoginState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}
