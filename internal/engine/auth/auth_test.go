package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"errandline/internal/domain"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s := Service{Secret: []byte("s3cret"), AccessTTL: time.Minute, Now: func() time.Time { return now }}

	tok, err := s.IssueAccess("u1", domain.RoleHelper)
	require.NoError(t, err)
	claims, err := s.ParseAccess(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, domain.RoleHelper, claims.Role)

	now = now.Add(2 * time.Minute)
	_, err = s.ParseAccess(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := Service{Secret: []byte("other"), Now: s.Now}
	_, err = other.ParseAccess(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.NoError(t, CheckPassword(hash, "correct horse"))
	assert.ErrorIs(t, CheckPassword(hash, "wrong"), ErrBadPassword)
	assert.ErrorIs(t, CheckPassword("", "x"), ErrBadPassword)
}

func TestOTPShape(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := NewOTP()
		require.NoError(t, err)
		assert.Len(t, code, OTPDigits)
		assert.Equal(t, "", strings.Trim(code, "0123456789"))
	}
}

func TestRefreshTokensAreUnique(t *testing.T) {
	s := Service{}
	a, exp := s.NewRefreshToken()
	b, _ := s.NewRefreshToken()
	assert.NotEqual(t, a, b)
	assert.True(t, exp.After(time.Now().Add(24*time.Hour)))
	assert.Equal(t, "+919876543210", NormalizePhone(" +91 98765-43210 "))
}
