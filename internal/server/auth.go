package server

import (
	"context"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"errandline/internal/domain"
	"errandline/internal/engine"
)

type principalKey struct{}

func withPrincipal(ctx context.Context, p engine.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (engine.Principal, huma.StatusError) {
	if p, ok := ctx.Value(principalKey{}).(engine.Principal); ok && p.UserID != "" {
		return p, nil
	}
	return engine.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware resolves bearer tokens under basePath. Requests without a
// token pass through; handlers that need a caller reject them.
func newAuthMiddleware(basePath string, e engine.Engine) func(http.Handler) http.Handler {
	public := []string{path.Join(basePath, "auth") + "/", path.Join(basePath, "health")}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			for _, p := range public {
				if strings.HasPrefix(req.URL.Path, p) {
					next.ServeHTTP(w, req)
					return
				}
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			principal, err := e.Authenticate(token)
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	writeJSON(w, err.GetStatus(), err)
}

// Auth request payloads.

type OTPStartRequest struct {
	Phone   string      `json:"phone" minLength:"6" maxLength:"20"`
	Role    domain.Role `json:"role" enum:"BUYER,HELPER"`
	Channel *string     `json:"channel,omitempty" enum:"sms,call,whatsapp"`
}

type OTPVerifyRequest struct {
	Phone string      `json:"phone"`
	OTP   string      `json:"otp" minLength:"4" maxLength:"8"`
	Role  domain.Role `json:"role" enum:"BUYER,HELPER"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" minLength:"1"`
}

type PasswordLoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password" minLength:"1"`
}

type PasswordSignupRequest struct {
	Email       string      `json:"email" format:"email"`
	Password    string      `json:"password" minLength:"8"`
	Phone       *string     `json:"phone,omitempty"`
	DisplayName *string     `json:"displayName,omitempty"`
	Role        domain.Role `json:"role" enum:"BUYER,HELPER"`
}

type credentialOutput struct {
	Body domain.Credential `json:"body"`
}

func registerAuth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "otp-start",
		Method:      http.MethodPost,
		Path:        "/auth/otp/start",
		Summary:     "Send a one-time sign-in code",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body OTPStartRequest `json:"body"`
	}) (*struct {
		Body domain.OTPStartResult `json:"body"`
	}, error) {
		channel := ""
		if input.Body.Channel != nil {
			channel = *input.Body.Channel
		}
		res, err := e.StartOTP(ctx, input.Body.Phone, input.Body.Role, channel)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OTPStartResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "otp-verify",
		Method:      http.MethodPost,
		Path:        "/auth/otp/verify",
		Summary:     "Exchange a one-time code for a credential",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body OTPVerifyRequest `json:"body"`
	}) (*credentialOutput, error) {
		cred, err := e.VerifyOTP(ctx, input.Body.Phone, input.Body.OTP, input.Body.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &credentialOutput{Body: cred}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh",
		Method:      http.MethodPost,
		Path:        "/auth/refresh",
		Summary:     "Rotate a refresh token",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body RefreshRequest `json:"body"`
	}) (*credentialOutput, error) {
		cred, err := e.Refresh(ctx, input.Body.RefreshToken)
		if err != nil {
			return nil, handleError(err)
		}
		return &credentialOutput{Body: cred}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "password-login",
		Method:      http.MethodPost,
		Path:        "/auth/password/login",
		Summary:     "Sign in with email and password",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body PasswordLoginRequest `json:"body"`
	}) (*credentialOutput, error) {
		cred, err := e.PasswordLogin(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return &credentialOutput{Body: cred}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "password-signup",
		Method:        http.MethodPost,
		Path:          "/auth/password/signup",
		Summary:       "Create an email account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body PasswordSignupRequest `json:"body"`
	}) (*credentialOutput, error) {
		cred, err := e.PasswordSignup(ctx, engine.SignupRequest{
			Email:       input.Body.Email,
			Password:    input.Body.Password,
			Phone:       input.Body.Phone,
			DisplayName: input.Body.DisplayName,
			Role:        input.Body.Role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &credentialOutput{Body: cred}, nil
	})
}
