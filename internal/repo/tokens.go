package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"

	"errandline/internal/domain"
)

// HashToken returns a stable SHA-256 hex digest for a secret.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// RefreshToken is a stored refresh token. Only the hash is kept.
type RefreshToken struct {
	Hash      string
	UserID    string
	ExpiresAt string
	RevokedAt *string
	CreatedAt string
}

func (r Repo) InsertRefreshToken(ctx context.Context, tx *sql.Tx, t RefreshToken) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO refresh_tokens(token_hash,user_id,expires_at,created_at) VALUES (?,?,?,?)`,
		t.Hash, t.UserID, t.ExpiresAt, t.CreatedAt)
	return err
}

func (r Repo) GetRefreshToken(ctx context.Context, tx *sql.Tx, hash string) (RefreshToken, error) {
	var t RefreshToken
	var revoked sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT token_hash,user_id,expires_at,revoked_at,created_at FROM refresh_tokens WHERE token_hash=?`, hash).
		Scan(&t.Hash, &t.UserID, &t.ExpiresAt, &revoked, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.RevokedAt = stringPtr(revoked)
	return t, err
}

// RevokeRefreshToken marks the token used. It reports ErrNotFound when the
// token is unknown or was already revoked.
func (r Repo) RevokeRefreshToken(ctx context.Context, tx *sql.Tx, hash, now string) error {
	return affectedOne(r.q(tx).ExecContext(ctx, `UPDATE refresh_tokens SET revoked_at=? WHERE token_hash=? AND revoked_at IS NULL`, now, hash))
}

// OTPCode is a pending one-time code for a phone and role.
type OTPCode struct {
	Phone     string
	Role      domain.Role
	CodeHash  string
	ExpiresAt string
	Attempts  int
}

// UpsertOTP replaces any pending code for the phone and role.
func (r Repo) UpsertOTP(ctx context.Context, c OTPCode) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO otp_codes(phone,role,code_hash,expires_at,attempts) VALUES (?,?,?,?,0)
ON CONFLICT(phone,role) DO UPDATE SET code_hash=excluded.code_hash, expires_at=excluded.expires_at, attempts=0`,
		c.Phone, string(c.Role), c.CodeHash, c.ExpiresAt)
	return err
}

func (r Repo) GetOTP(ctx context.Context, tx *sql.Tx, phone string, role domain.Role) (OTPCode, error) {
	c := OTPCode{Phone: phone, Role: role}
	err := r.q(tx).QueryRowContext(ctx, `SELECT code_hash,expires_at,attempts FROM otp_codes WHERE phone=? AND role=?`, phone, string(role)).
		Scan(&c.CodeHash, &c.ExpiresAt, &c.Attempts)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) IncrementOTPAttempts(ctx context.Context, phone string, role domain.Role) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE otp_codes SET attempts=attempts+1 WHERE phone=? AND role=?`, phone, string(role))
	return err
}

func (r Repo) DeleteOTP(ctx context.Context, tx *sql.Tx, phone string, role domain.Role) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM otp_codes WHERE phone=? AND role=?`, phone, string(role))
	return err
}
