package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/keyxmakerx/warden/internal/apperror"
	"github.com/keyxmakerx/warden/internal/mfa"
)

// PrincipalRepository defines the data access contract for principal records.
// All SQL lives in the concrete implementation -- no SQL leaks out. Every
// mutation is a single UPDATE statement, so concurrent readers never observe
// a partially applied change to one principal.
type PrincipalRepository interface {
	Create(ctx context.Context, p *Principal) error
	FindByID(ctx context.Context, id string) (*Principal, error)
	FindByMail(ctx context.Context, mail string) (*Principal, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error

	// UpdateMFAType atomically replaces the configured mechanism together
	// with the active secret and its confirmation flag, and clears any
	// pending enrollment. Passing an empty secret stores NULL.
	UpdateMFAType(ctx context.Context, userID string, mfaType mfa.Type, secret string, confirmed bool) error

	// SetPendingTOTPSecret stores a new pending secret in its own column.
	// The active secret and mechanism are untouched, so a botched app-totp
	// enrollment leaves the previous factor working.
	SetPendingTOTPSecret(ctx context.Context, userID, secret string) error

	MarkOnboarded(ctx context.Context, userID string) error
	UpdateLastLogin(ctx context.Context, userID string) error
	CountPrincipals(ctx context.Context) (int, error)
}

// principalRepository implements PrincipalRepository with hand-written
// MariaDB queries.
type principalRepository struct {
	db *sql.DB
}

// NewPrincipalRepository creates a repository backed by the given DB pool.
func NewPrincipalRepository(db *sql.DB) PrincipalRepository {
	return &principalRepository{db: db}
}

const principalColumns = `id, mail, password_hash, admin, blocked, onboarded,
	       mfa_type, COALESCE(totp_secret, ''), totp_confirmed,
	       COALESCE(pending_totp_secret, ''), created_at, last_login_at`

// Create inserts a new principal row.
func (r *principalRepository) Create(ctx context.Context, p *Principal) error {
	query := `INSERT INTO users (id, mail, password_hash, admin, blocked, onboarded,
	                             mfa_type, totp_secret, totp_confirmed, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		p.ID,
		p.Mail,
		p.PasswordHash,
		p.Admin,
		p.Blocked,
		p.Onboarded,
		string(p.MFAType),
		p.TOTPSecret,
		p.TOTPConfirmed,
		p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting principal: %w", err)
	}

	return nil
}

// FindByID retrieves a principal by UUID.
// Returns apperror.NotFound if no row matches.
func (r *principalRepository) FindByID(ctx context.Context, id string) (*Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM users WHERE id = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id), "id")
}

// FindByMail retrieves a principal by mail address.
// Returns apperror.NotFound if no row matches.
func (r *principalRepository) FindByMail(ctx context.Context, mail string) (*Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM users WHERE mail = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, mail), "mail")
}

// scanOne maps a single-row result onto a Principal.
func (r *principalRepository) scanOne(row *sql.Row, by string) (*Principal, error) {
	p := &Principal{}
	var mfaType string
	err := row.Scan(
		&p.ID,
		&p.Mail,
		&p.PasswordHash,
		&p.Admin,
		&p.Blocked,
		&p.Onboarded,
		&mfaType,
		&p.TOTPSecret,
		&p.TOTPConfirmed,
		&p.PendingTOTPSecret,
		&p.CreatedAt,
		&p.LastLoginAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("principal not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying principal by %s: %w", by, err)
	}
	p.MFAType = mfa.Type(mfaType)

	return p, nil
}

// UpdatePassword sets a new password hash for a principal.
func (r *principalRepository) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	query := `UPDATE users SET password_hash = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, passwordHash, userID)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	return requireRow(result)
}

// UpdateMFAType replaces mechanism, active secret, and confirmation flag in
// one statement. The pending enrollment, if any, is consumed by the switch.
func (r *principalRepository) UpdateMFAType(ctx context.Context, userID string, mfaType mfa.Type, secret string, confirmed bool) error {
	query := `UPDATE users SET mfa_type = ?, totp_secret = NULLIF(?, ''), totp_confirmed = ?,
	                           pending_totp_secret = NULL
	          WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, string(mfaType), secret, confirmed, userID)
	if err != nil {
		return fmt.Errorf("updating mfa type: %w", err)
	}
	return requireRow(result)
}

// SetPendingTOTPSecret stores a pending secret, leaving the active factor
// as-is.
func (r *principalRepository) SetPendingTOTPSecret(ctx context.Context, userID, secret string) error {
	query := `UPDATE users SET pending_totp_secret = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, secret, userID)
	if err != nil {
		return fmt.Errorf("storing pending totp secret: %w", err)
	}
	return requireRow(result)
}

// MarkOnboarded flips the onboarding flag. One-way by design.
func (r *principalRepository) MarkOnboarded(ctx context.Context, userID string) error {
	query := `UPDATE users SET onboarded = true WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("marking onboarded: %w", err)
	}
	return requireRow(result)
}

// UpdateLastLogin sets the last_login_at timestamp to now.
func (r *principalRepository) UpdateLastLogin(ctx context.Context, userID string) error {
	query := `UPDATE users SET last_login_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return nil
}

// CountPrincipals returns the number of registered principals. Used by the
// startup bootstrap to decide whether to create the default admin.
func (r *principalRepository) CountPrincipals(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting principals: %w", err)
	}
	return count, nil
}

// requireRow converts a zero-row UPDATE into a NotFound error.
func requireRow(result sql.Result) error {
	n, _ := result.RowsAffected()
	if n == 0 {
		return apperror.NewNotFound("principal not found")
	}
	return nil
}
