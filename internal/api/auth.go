package api

import (
	"context"
	"net/http"

	"errandline/internal/domain"
	"errandline/internal/gateway"
)

type otpStartRequest struct {
	Phone   string      `json:"phone" validate:"required,min=6,max=20"`
	Role    domain.Role `json:"role" validate:"required,oneof=BUYER HELPER"`
	Channel *string     `json:"channel,omitempty"`
}

type otpVerifyRequest struct {
	Phone string      `json:"phone" validate:"required"`
	OTP   string      `json:"otp" validate:"required,numeric,min=4,max=8"`
	Role  domain.Role `json:"role" validate:"required,oneof=BUYER HELPER"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type passwordLoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// SignupRequest creates an account with email and password.
type SignupRequest struct {
	Email       string      `json:"email" validate:"required,email"`
	Password    string      `json:"password" validate:"required,min=8"`
	Phone       *string     `json:"phone,omitempty"`
	DisplayName *string     `json:"displayName,omitempty"`
	Role        domain.Role `json:"role" validate:"required,oneof=BUYER HELPER"`
}

// StartOTP requests a one-time code for phone. channel may be empty.
func (c *Client) StartOTP(ctx context.Context, phone string, role domain.Role, channel string) (domain.OTPStartResult, error) {
	req := otpStartRequest{Phone: phone, Role: role}
	if channel != "" {
		req.Channel = &channel
	}
	if err := c.check(req); err != nil {
		return domain.OTPStartResult{}, err
	}
	var out domain.OTPStartResult
	err := c.do(ctx, gateway.Request{Method: http.MethodPost, Path: path("auth", "otp", "start"), Body: req}, &out)
	return out, wrap("otp start", err)
}

func (c *Client) VerifyOTP(ctx context.Context, phone, otp string, role domain.Role) (domain.Credential, error) {
	req := otpVerifyRequest{Phone: phone, OTP: otp, Role: role}
	if err := c.check(req); err != nil {
		return domain.Credential{}, err
	}
	var out domain.Credential
	err := c.do(ctx, gateway.Request{Method: http.MethodPost, Path: path("auth", "otp", "verify"), Body: req}, &out)
	return out, wrap("otp verify", err)
}

// Refresh exchanges a refresh token. The backend may rotate it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (domain.Credential, error) {
	req := refreshRequest{RefreshToken: refreshToken}
	if err := c.check(req); err != nil {
		return domain.Credential{}, err
	}
	var out domain.Credential
	err := c.do(ctx, gateway.Request{Method: http.MethodPost, Path: path("auth", "refresh"), Body: req}, &out)
	return out, wrap("refresh", err)
}

func (c *Client) PasswordLogin(ctx context.Context, email, password string) (domain.Credential, error) {
	req := passwordLoginRequest{Email: email, Password: password}
	if err := c.check(req); err != nil {
		return domain.Credential{}, err
	}
	var out domain.Credential
	err := c.do(ctx, gateway.Request{Method: http.MethodPost, Path: path("auth", "password", "login"), Body: req}, &out)
	return out, wrap("password login", err)
}

func (c *Client) PasswordSignup(ctx context.Context, req SignupRequest) (domain.Credential, error) {
	if err := c.check(req); err != nil {
		return domain.Credential{}, err
	}
	var out domain.Credential
	err := c.do(ctx, gateway.Request{Method: http.MethodPost, Path: path("auth", "password", "signup"), Body: req}, &out)
	return out, wrap("password signup", err)
}
