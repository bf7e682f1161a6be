package mailer

import (
	"fmt"
	"time"
)

// LoginCodeBody builds the message carrying a mailed one-time login code.
func LoginCodeBody(code string, validFor time.Duration) string {
	return fmt.Sprintf(
		"Your login code is: %s\n\n"+
			"The code is valid for %d minutes and can be used once.\n"+
			"If you did not try to sign in, you can ignore this mail.\n",
		code, int(validFor.Minutes()))
}

// PasswordResetBody builds the message carrying a password-reset link.
func PasswordResetBody(baseURL, token string, validFor time.Duration) string {
	return fmt.Sprintf(
		"A password reset was requested for your account.\n\n"+
			"Open the link below to choose a new password. The link is valid "+
			"for %d minutes and works once:\n\n%s/reset?token=%s\n\n"+
			"If you did not request a reset, you can ignore this mail.\n",
		int(validFor.Minutes()), baseURL, token)
}
