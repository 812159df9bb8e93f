package session

import (
	"context"

	"errandline/internal/api"
	"errandline/internal/domain"
	"errandline/internal/gateway"
)

// Handle is the capability other components receive instead of the Manager.
type Handle interface {
	Token(ctx context.Context) (string, error)
	Renew(ctx context.Context, stale string) (domain.Credential, error)
	CurrentIdentity() (domain.Identity, bool)
	SignOut(ctx context.Context) error
}

var _ Handle = (*Manager)(nil)

// Do runs op with a valid access token. An unauthorized failure triggers one
// shared renewal and exactly one retry. If the backend rejects the renewal the
// session is signed out and op's original error is returned; any other renewal
// failure is returned as-is and the session survives.
func Do[T any](ctx context.Context, h Handle, op func(ctx context.Context, token string) (T, error)) (T, error) {
	var zero T
	token, err := h.Token(ctx)
	if err != nil {
		return zero, err
	}
	out, err := op(ctx, token)
	if err == nil || !gateway.IsUnauthorized(err) {
		return out, err
	}
	renewed, renewErr := h.Renew(ctx, token)
	if renewErr != nil {
		if gateway.IsUnauthorized(renewErr) {
			return zero, err
		}
		return zero, renewErr
	}
	return op(ctx, renewed.AccessToken)
}

// Exec is Do for operations without a result.
func Exec(ctx context.Context, h Handle, op func(ctx context.Context, token string) error) error {
	_, err := Do(ctx, h, func(ctx context.Context, token string) (struct{}, error) {
		return struct{}{}, op(ctx, token)
	})
	return err
}

// Method is a way of proving identity to the backend.
type Method interface {
	exchange(ctx context.Context, auth Authenticator) (domain.Credential, error)
}

type OTPVerify struct {
	Phone string
	Code  string
	Role  domain.Role
}

func (m OTPVerify) exchange(ctx context.Context, auth Authenticator) (domain.Credential, error) {
	if m.Role == domain.RoleAdmin {
		return domain.Credential{}, gateway.Validation("admin accounts cannot sign in from this client")
	}
	return auth.VerifyOTP(ctx, m.Phone, m.Code, m.Role)
}

type PasswordLogin struct {
	Email    string
	Password string
}

func (m PasswordLogin) exchange(ctx context.Context, auth Authenticator) (domain.Credential, error) {
	return auth.PasswordLogin(ctx, m.Email, m.Password)
}

type PasswordSignup struct {
	Email       string
	Password    string
	Role        domain.Role
	Phone       string
	DisplayName string
}

func (m PasswordSignup) exchange(ctx context.Context, auth Authenticator) (domain.Credential, error) {
	if m.Role == domain.RoleAdmin {
		return domain.Credential{}, gateway.Validation("admin accounts cannot sign in from this client")
	}
	req := api.SignupRequest{Email: m.Email, Password: m.Password, Role: m.Role}
	if m.Phone != "" {
		req.Phone = &m.Phone
	}
	if m.DisplayName != "" {
		req.DisplayName = &m.DisplayName
	}
	return auth.PasswordSignup(ctx, req)
}
