package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"errandline/internal/domain"
	"errandline/internal/engine/auth"
	"errandline/internal/repo"
)

// DemoBuyerBalancePaise seeds every new buyer's demo wallet.
const DemoBuyerBalancePaise = 500_000

func clientRole(role domain.Role) error {
	switch role {
	case domain.RoleBuyer, domain.RoleHelper:
		return nil
	}
	return invalid("invalid_role", "role must be BUYER or HELPER")
}

// StartOTP issues a fresh code for the phone and role. The code is echoed
// back only when dev.show_otp is set.
func (e Engine) StartOTP(ctx context.Context, phone string, role domain.Role, channel string) (domain.OTPStartResult, error) {
	phone = auth.NormalizePhone(phone)
	if len(phone) < 6 {
		return domain.OTPStartResult{}, invalid("invalid_phone", "phone is required")
	}
	if err := clientRole(role); err != nil {
		return domain.OTPStartResult{}, err
	}
	switch channel {
	case "", "sms", "call", "whatsapp":
	default:
		return domain.OTPStartResult{}, invalid("invalid_channel", "channel %q is not supported", channel)
	}
	code, err := auth.NewOTP()
	if err != nil {
		return domain.OTPStartResult{}, err
	}
	err = e.Repo.UpsertOTP(ctx, repo.OTPCode{
		Phone:     phone,
		Role:      role,
		CodeHash:  repo.HashToken(code),
		ExpiresAt: e.Auth.WithNow(e.now).OTPExpiry().UTC().Format(timeLayout),
	})
	if err != nil {
		return domain.OTPStartResult{}, err
	}
	e.logger().Info("otp issued", zap.String("phone", phone), zap.String("role", string(role)), zap.String("channel", channel))
	res := domain.OTPStartResult{Phone: phone, Sent: true}
	if e.Config != nil && e.Config.Dev.ShowOTP {
		res.DevOTP = &code
	}
	return res, nil
}

// VerifyOTP signs in, creating the account on first use.
func (e Engine) VerifyOTP(ctx context.Context, phone, code string, role domain.Role) (domain.Credential, error) {
	phone = auth.NormalizePhone(phone)
	if err := clientRole(role); err != nil {
		return domain.Credential{}, err
	}
	pending, err := e.Repo.GetOTP(ctx, nil, phone, role)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Credential{}, unauthorized("invalid_otp", "no pending code for this phone")
	}
	if err != nil {
		return domain.Credential{}, err
	}
	expires, _ := time.Parse(timeLayout, pending.ExpiresAt)
	if !e.now().Before(expires) || pending.Attempts >= auth.MaxOTPAttempts {
		_ = e.Repo.DeleteOTP(ctx, nil, phone, role)
		return domain.Credential{}, unauthorized("otp_expired", "code expired, request a new one")
	}
	if repo.HashToken(code) != pending.CodeHash {
		if err := e.Repo.IncrementOTPAttempts(ctx, phone, role); err != nil {
			return domain.Credential{}, err
		}
		return domain.Credential{}, unauthorized("invalid_otp", "incorrect code")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Credential{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteOTP(ctx, tx, phone, role); err != nil {
		return domain.Credential{}, err
	}
	u, err := e.Repo.GetUserByPhone(ctx, tx, phone, role)
	if errors.Is(err, repo.ErrNotFound) {
		u = repo.User{ID: newID(), Role: role, Phone: &phone, CreatedAt: e.stamp()}
		if err := e.createUser(ctx, tx, u); err != nil {
			return domain.Credential{}, err
		}
	} else if err != nil {
		return domain.Credential{}, err
	}
	cred, err := e.issue(ctx, tx, u)
	if err != nil {
		return domain.Credential{}, err
	}
	return cred, tx.Commit()
}

// SignupRequest creates an email/password account.
type SignupRequest struct {
	Email       string
	Password    string
	Phone       *string
	DisplayName *string
	Role        domain.Role
}

func (e Engine) PasswordSignup(ctx context.Context, req SignupRequest) (domain.Credential, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !strings.Contains(email, "@") {
		return domain.Credential{}, invalid("invalid_email", "a valid email is required")
	}
	if len(req.Password) < 8 {
		return domain.Credential{}, invalid("weak_password", "password must be at least 8 characters")
	}
	if err := clientRole(req.Role); err != nil {
		return domain.Credential{}, err
	}
	if _, err := e.Repo.GetUserByEmail(ctx, email); err == nil {
		return domain.Credential{}, conflict("email_taken", "an account with this email already exists")
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Credential{}, err
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return domain.Credential{}, err
	}
	u := repo.User{ID: newID(), Role: req.Role, Email: &email, PasswordHash: hash, DisplayName: req.DisplayName, CreatedAt: e.stamp()}
	if req.Phone != nil && *req.Phone != "" {
		p := auth.NormalizePhone(*req.Phone)
		u.Phone = &p
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Credential{}, err
	}
	defer tx.Rollback()
	if err := e.createUser(ctx, tx, u); err != nil {
		return domain.Credential{}, err
	}
	cred, err := e.issue(ctx, tx, u)
	if err != nil {
		return domain.Credential{}, err
	}
	return cred, tx.Commit()
}

func (e Engine) PasswordLogin(ctx context.Context, email, password string) (domain.Credential, error) {
	u, err := e.Repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Credential{}, unauthorized("invalid_credentials", "invalid email or password")
	}
	if err != nil {
		return domain.Credential{}, err
	}
	if err := auth.CheckPassword(u.PasswordHash, password); err != nil {
		return domain.Credential{}, unauthorized("invalid_credentials", "invalid email or password")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Credential{}, err
	}
	defer tx.Rollback()
	cred, err := e.issue(ctx, tx, u)
	if err != nil {
		return domain.Credential{}, err
	}
	return cred, tx.Commit()
}

// Refresh rotates a refresh token. A token is accepted exactly once.
func (e Engine) Refresh(ctx context.Context, token string) (domain.Credential, error) {
	hash := repo.HashToken(token)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Credential{}, err
	}
	defer tx.Rollback()
	stored, err := e.Repo.GetRefreshToken(ctx, tx, hash)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Credential{}, unauthorized("invalid_refresh_token", "refresh token is not valid")
	}
	if err != nil {
		return domain.Credential{}, err
	}
	expires, _ := time.Parse(timeLayout, stored.ExpiresAt)
	if stored.RevokedAt != nil || !e.now().Before(expires) {
		return domain.Credential{}, unauthorized("invalid_refresh_token", "refresh token is not valid")
	}
	if err := e.Repo.RevokeRefreshToken(ctx, tx, hash, e.stamp()); err != nil {
		return domain.Credential{}, err
	}
	u, err := e.Repo.GetUserTx(ctx, tx, stored.UserID)
	if err != nil {
		return domain.Credential{}, unauthorized("invalid_refresh_token", "account no longer exists")
	}
	cred, err := e.issue(ctx, tx, u)
	if err != nil {
		return domain.Credential{}, err
	}
	return cred, tx.Commit()
}

// Authenticate turns a bearer access token into a principal.
func (e Engine) Authenticate(token string) (Principal, error) {
	claims, err := e.Auth.WithNow(e.now).ParseAccess(token)
	if err != nil {
		return Principal{}, unauthorized("invalid_token", "access token is invalid or expired")
	}
	return Principal{UserID: claims.Subject, Role: claims.Role}, nil
}

func (e Engine) createUser(ctx context.Context, tx *sql.Tx, u repo.User) error {
	if u.Role == domain.RoleBuyer {
		u.DemoBalancePaise = DemoBuyerBalancePaise
	}
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return err
	}
	if u.Role == domain.RoleHelper {
		return e.Repo.EnsureHelperProfile(ctx, tx, u.ID)
	}
	return nil
}

func (e Engine) issue(ctx context.Context, tx *sql.Tx, u repo.User) (domain.Credential, error) {
	svc := e.Auth.WithNow(e.now)
	access, err := svc.IssueAccess(u.ID, u.Role)
	if err != nil {
		return domain.Credential{}, err
	}
	refresh, expires := svc.NewRefreshToken()
	err = e.Repo.InsertRefreshToken(ctx, tx, repo.RefreshToken{
		Hash:      repo.HashToken(refresh),
		UserID:    u.ID,
		ExpiresAt: expires.UTC().Format(timeLayout),
		CreatedAt: e.stamp(),
	})
	if err != nil {
		return domain.Credential{}, err
	}
	return domain.Credential{AccessToken: access, RefreshToken: refresh, Identity: u.Identity()}, nil
}

func (e Engine) Me(ctx context.Context, p Principal) (domain.MeProfile, error) {
	u, err := e.Repo.GetUser(ctx, p.UserID)
	if err != nil {
		return domain.MeProfile{}, err
	}
	return u.Profile(), nil
}

func (e Engine) UpdateMe(ctx context.Context, p Principal, displayName string) (domain.MeProfile, error) {
	name := strings.TrimSpace(displayName)
	if name == "" || len(name) > 80 {
		return domain.MeProfile{}, invalid("invalid_display_name", "display name must be 1 to 80 characters")
	}
	if err := e.Repo.UpdateDisplayName(ctx, p.UserID, name); err != nil {
		return domain.MeProfile{}, err
	}
	return e.Me(ctx, p)
}
