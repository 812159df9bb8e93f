// Package auth issues and checks the dev backend's credentials.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"errandline/internal/domain"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
	DefaultOTPTTL     = 5 * time.Minute
	OTPDigits         = 6
	// MaxOTPAttempts bounds wrong guesses per issued code.
	MaxOTPAttempts = 5
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrBadPassword  = errors.New("password does not match")
)

// Service signs HS256 access tokens and mints opaque refresh tokens.
type Service struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	OTPTTL     time.Duration
	Now        func() time.Time
}

// Claims are carried in every access token.
type Claims struct {
	jwt.RegisteredClaims
	Role domain.Role `json:"role"`
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// WithNow returns a copy of s reading time from now.
func (s Service) WithNow(now func() time.Time) Service {
	s.Now = now
	return s
}

func (s Service) accessTTL() time.Duration {
	if s.AccessTTL > 0 {
		return s.AccessTTL
	}
	return DefaultAccessTTL
}

// IssueAccess signs a token for the user that expires after AccessTTL.
func (s Service) IssueAccess(userID string, role domain.Role) (string, error) {
	if len(s.Secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL())),
			ID:        uuid.NewString(),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
}

// ParseAccess verifies signature and expiry.
func (s Service) ParseAccess(token string) (Claims, error) {
	if len(s.Secret) == 0 {
		return Claims{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	claims := Claims{}
	parsed, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.Secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// NewRefreshToken returns a random opaque token and its expiry.
func (s Service) NewRefreshToken() (string, time.Time) {
	ttl := s.RefreshTTL
	if ttl <= 0 {
		ttl = DefaultRefreshTTL
	}
	return uuid.NewString() + "." + uuid.NewString(), s.now().Add(ttl)
}

// OTPExpiry is when a code issued now stops being accepted.
func (s Service) OTPExpiry() time.Time {
	ttl := s.OTPTTL
	if ttl <= 0 {
		ttl = DefaultOTPTTL
	}
	return s.now().Add(ttl)
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) error {
	if hash == "" {
		return ErrBadPassword
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrBadPassword
	}
	return nil
}

// NewOTP returns a zero-padded random numeric code.
func NewOTP() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < OTPDigits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", OTPDigits, n.Int64()), nil
}

// NormalizePhone strips spaces and dashes so lookups are stable.
func NormalizePhone(phone string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(phone))
}
