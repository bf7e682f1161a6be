// Package mailer delivers Warden's transactional mail: one-time login codes
// and password-reset links. Delivery is a collaborator of the auth core --
// callers treat a send failure as a dependency error and must not advance
// login state past an unconfirmed delivery.
package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	gosmtp "net/smtp"
	"strings"
	"time"

	"github.com/keyxmakerx/warden/internal/config"
)

// dialTimeout bounds the SMTP connection attempt so a dead relay cannot
// stall a login request indefinitely.
const dialTimeout = 10 * time.Second

// MailService is the interface the auth packages use to send mail.
type MailService interface {
	SendMail(ctx context.Context, to []string, subject, body string) error
	IsConfigured() bool
}

// smtpMailer implements MailService over plain SMTP with STARTTLS, implicit
// SSL, or no encryption depending on configuration.
type smtpMailer struct {
	cfg config.SMTPConfig
}

// New creates a MailService from the given SMTP configuration. An empty host
// yields a mailer that reports itself unconfigured and refuses to send.
func New(cfg config.SMTPConfig) MailService {
	return &smtpMailer{cfg: cfg}
}

// IsConfigured returns true if an SMTP host is set.
func (s *smtpMailer) IsConfigured() bool {
	return s.cfg.Host != ""
}

// SendMail sends a plain-text message to the given recipients.
func (s *smtpMailer) SendMail(ctx context.Context, to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("smtp is not configured")
	}

	from := mail.Address{Name: s.cfg.FromName, Address: s.cfg.FromAddress}

	// Build RFC 2822 message.
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", from.String()))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ", ")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z)))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	switch s.cfg.Encryption {
	case "ssl":
		return s.sendSSL(ctx, addr, from.Address, to, msg.String())
	case "none":
		return s.sendPlain(ctx, addr, from.Address, to, msg.String())
	default: // "starttls"
		return s.sendStartTLS(ctx, addr, from.Address, to, msg.String())
	}
}

// sendStartTLS sends mail using STARTTLS (port 587 typical).
func (s *smtpMailer) sendStartTLS(ctx context.Context, addr, from string, to []string, msg string) error {
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	client, err := gosmtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	return s.submit(client, from, to, msg)
}

// sendSSL sends mail over an implicit TLS connection (port 465 typical).
func (s *smtpMailer) sendSSL(ctx context.Context, addr, from string, to []string, msg string) error {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout},
		Config:    &tls.Config{ServerName: s.cfg.Host},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	client, err := gosmtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	defer client.Close()

	return s.submit(client, from, to, msg)
}

// sendPlain sends mail without any transport encryption. Only sensible for
// a relay on localhost.
func (s *smtpMailer) sendPlain(ctx context.Context, addr, from string, to []string, msg string) error {
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	client, err := gosmtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	defer client.Close()

	return s.submit(client, from, to, msg)
}

// dial opens the TCP connection honoring both the context deadline and the
// package dial timeout.
func (s *smtpMailer) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	return dialer.DialContext(ctx, "tcp", addr)
}

// submit runs AUTH (if credentials are configured), MAIL/RCPT/DATA, and QUIT.
func (s *smtpMailer) submit(client *gosmtp.Client, from string, to []string, msg string) error {
	if s.cfg.Username != "" {
		auth := gosmtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing message: %w", err)
	}

	return client.Quit()
}
