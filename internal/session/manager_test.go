package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"errandline/internal/api"
	"errandline/internal/credstore"
	"errandline/internal/domain"
	"errandline/internal/gateway"
)

type fakeAuth struct {
	mu       sync.Mutex
	refresh  func(ctx context.Context, token string) (domain.Credential, error)
	refreshN atomic.Int32
	login    domain.Credential
}

func (f *fakeAuth) StartOTP(context.Context, string, domain.Role, string) (domain.OTPStartResult, error) {
	return domain.OTPStartResult{Sent: true}, nil
}

func (f *fakeAuth) VerifyOTP(_ context.Context, phone, otp string, role domain.Role) (domain.Credential, error) {
	if otp != "123456" {
		return domain.Credential{}, &gateway.Error{Kind: gateway.KindRejected, Status: 400, Message: "Invalid OTP"}
	}
	c := f.login
	c.Identity.Phone, c.Identity.Role = phone, role
	return c, nil
}

func (f *fakeAuth) PasswordLogin(context.Context, string, string) (domain.Credential, error) {
	return f.login, nil
}

func (f *fakeAuth) PasswordSignup(_ context.Context, req api.SignupRequest) (domain.Credential, error) {
	c := f.login
	c.Identity.Role = req.Role
	return c, nil
}

func (f *fakeAuth) Refresh(ctx context.Context, token string) (domain.Credential, error) {
	f.refreshN.Add(1)
	return f.refresh(ctx, token)
}

func credential(access, refresh string) domain.Credential {
	return domain.Credential{
		AccessToken:  access,
		RefreshToken: refresh,
		Identity:     domain.Identity{ID: "u1", Role: domain.RoleBuyer, Phone: "+919800000000"},
	}
}

func signedIn(t *testing.T, auth *fakeAuth, cred domain.Credential) (*Manager, *credstore.MemoryStore) {
	t.Helper()
	store := credstore.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), cred))
	m := New(store, auth)
	state, err := m.LoadPersisted(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateSignedIn, state)
	return m, store
}

func unauthorized() error {
	return &gateway.Error{Kind: gateway.KindUnauthorized, Status: 401, Message: "expired"}
}

func TestDoPassesTokenThrough(t *testing.T) {
	m, _ := signedIn(t, &fakeAuth{}, credential("a1", "r1"))
	got, err := Do(context.Background(), m, func(_ context.Context, token string) (string, error) {
		return token, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "a1", got)
}

func TestConcurrentCallersShareOneRenewal(t *testing.T) {
	release := make(chan struct{})
	auth := &fakeAuth{refresh: func(ctx context.Context, token string) (domain.Credential, error) {
		<-release
		return credential("a2", "r2"), nil
	}}
	m, store := signedIn(t, auth, credential("a1", "r1"))

	const callers = 16
	var rejected atomic.Int32
	op := func(_ context.Context, token string) (string, error) {
		if token == "a1" {
			if rejected.Add(1) == callers {
				close(release)
			}
			return "", unauthorized()
		}
		return token, nil
	}

	g, ctx := errgroup.WithContext(context.Background())
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			out, err := Do(ctx, m, op)
			results[i] = out
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, auth.refreshN.Load())
	for _, r := range results {
		assert.Equal(t, "a2", r)
	}
	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a2", stored.AccessToken)
	assert.Equal(t, "r2", stored.RefreshToken)
}

func TestLateCallerWithStaleTokenDoesNotRefreshAgain(t *testing.T) {
	auth := &fakeAuth{refresh: func(context.Context, string) (domain.Credential, error) {
		return credential("a2", "r2"), nil
	}}
	m, _ := signedIn(t, auth, credential("a1", "r1"))
	ctx := context.Background()

	_, err := m.Renew(ctx, "a1")
	require.NoError(t, err)
	cred, err := m.Renew(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "a2", cred.AccessToken)
	assert.EqualValues(t, 1, auth.refreshN.Load())
}

func TestDoRetriesExactlyOnce(t *testing.T) {
	auth := &fakeAuth{refresh: func(context.Context, string) (domain.Credential, error) {
		return credential("a2", "r2"), nil
	}}
	m, _ := signedIn(t, auth, credential("a1", "r1"))
	var calls atomic.Int32
	_, err := Do(context.Background(), m, func(context.Context, string) (int, error) {
		calls.Add(1)
		return 0, unauthorized()
	})
	assert.True(t, gateway.IsUnauthorized(err))
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 1, auth.refreshN.Load())
	assert.Equal(t, StateSignedIn, m.State())
}

func TestRejectedRenewalForcesSignOut(t *testing.T) {
	auth := &fakeAuth{refresh: func(context.Context, string) (domain.Credential, error) {
		return domain.Credential{}, &gateway.Error{Kind: gateway.KindUnauthorized, Status: 401, Message: "refresh revoked"}
	}}
	m, store := signedIn(t, auth, credential("a1", "r1"))
	ctx := context.Background()

	original := unauthorized()
	_, err := Do(ctx, m, func(context.Context, string) (int, error) { return 0, original })
	assert.Same(t, original, err)
	assert.Equal(t, StateSignedOut, m.State())
	stored, _ := store.Load(ctx)
	assert.Nil(t, stored)

	var called bool
	_, err = Do(ctx, m, func(context.Context, string) (int, error) { called = true; return 0, nil })
	assert.True(t, gateway.IsUnauthorized(err))
	assert.True(t, IsSignedOut(err))
	assert.False(t, called)
	assert.EqualValues(t, 1, auth.refreshN.Load())
}

func TestTransportFailureDuringRenewalKeepsSession(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	auth := &fakeAuth{refresh: func(context.Context, string) (domain.Credential, error) {
		if fail.Load() {
			return domain.Credential{}, &gateway.Error{Kind: gateway.KindTransport, Message: "network error"}
		}
		return credential("a2", "r2"), nil
	}}
	m, store := signedIn(t, auth, credential("a1", "r1"))
	ctx := context.Background()
	op := func(_ context.Context, token string) (string, error) {
		if token == "a1" {
			return "", unauthorized()
		}
		return token, nil
	}

	_, err := Do(ctx, m, op)
	assert.Equal(t, gateway.KindTransport, gateway.KindOf(err))
	assert.Equal(t, StateSignedIn, m.State())
	stored, _ := store.Load(ctx)
	require.NotNil(t, stored)

	fail.Store(false)
	out, err := Do(ctx, m, op)
	require.NoError(t, err)
	assert.Equal(t, "a2", out)
}

func TestNonAuthErrorsPassThrough(t *testing.T) {
	auth := &fakeAuth{}
	m, _ := signedIn(t, auth, credential("a1", "r1"))
	conflict := &gateway.Error{Kind: gateway.KindConflict, Status: 409}
	err := Exec(context.Background(), m, func(context.Context, string) error { return conflict })
	assert.Same(t, conflict, err)
	assert.EqualValues(t, 0, auth.refreshN.Load())
}

func TestExpiredAccessTokenRenewsBeforeCall(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	auth := &fakeAuth{refresh: func(context.Context, string) (domain.Credential, error) {
		return credential("fresh", "r2"), nil
	}}
	store := credstore.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), credential(expired, "r1")))
	m := New(store, auth, WithClock(func() time.Time { return now }))
	_, err = m.LoadPersisted(context.Background())
	require.NoError(t, err)

	var seen []string
	_, err = Do(context.Background(), m, func(_ context.Context, token string) (int, error) {
		seen = append(seen, token)
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, seen)
}

func TestSignOutDiscardsInFlightRenewal(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	auth := &fakeAuth{refresh: func(context.Context, string) (domain.Credential, error) {
		close(started)
		<-release
		return credential("a2", "r2"), nil
	}}
	m, store := signedIn(t, auth, credential("a1", "r1"))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := m.Renew(ctx, "a1")
		done <- err
	}()
	<-started
	require.NoError(t, m.SignOut(ctx))
	close(release)
	assert.True(t, IsSignedOut(<-done))
	assert.Equal(t, StateSignedOut, m.State())
	stored, _ := store.Load(ctx)
	assert.Nil(t, stored)
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{login: credential("a1", "r1")}
	store := credstore.NewMemoryStore()
	m := New(store, auth)
	state, err := m.LoadPersisted(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSignedOut, state)

	_, err = m.Authenticate(ctx, OTPVerify{Phone: "+91900", Code: "000000", Role: domain.RoleHelper})
	assert.Equal(t, gateway.KindRejected, gateway.KindOf(err))
	assert.Equal(t, StateSignedOut, m.State())

	id, err := m.Authenticate(ctx, OTPVerify{Phone: "+91900", Code: "123456", Role: domain.RoleHelper})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleHelper, id.Role)
	assert.Equal(t, StateSignedIn, m.State())
	current, ok := m.CurrentIdentity()
	require.True(t, ok)
	assert.Equal(t, "u1", current.ID)
	stored, _ := store.Load(ctx)
	require.NotNil(t, stored)

	require.NoError(t, m.SignOut(ctx))
	_, ok = m.CurrentIdentity()
	assert.False(t, ok)
}

func TestAdminIsRejected(t *testing.T) {
	ctx := context.Background()
	admin := credential("a1", "r1")
	admin.Identity.Role = domain.RoleAdmin
	store := credstore.NewMemoryStore()
	m := New(store, &fakeAuth{login: admin})

	_, err := m.Authenticate(ctx, PasswordLogin{Email: "root@x.test", Password: "pw"})
	assert.True(t, gateway.IsValidation(err))
	stored, _ := store.Load(ctx)
	assert.Nil(t, stored)

	_, err = m.StartOTP(ctx, "+91900", domain.RoleAdmin, "")
	assert.True(t, gateway.IsValidation(err))

	require.NoError(t, store.Save(ctx, admin))
	state, err := m.LoadPersisted(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSignedOut, state)
}

func TestWatchSeesTransitions(t *testing.T) {
	ctx := context.Background()
	m := New(credstore.NewMemoryStore(), &fakeAuth{login: credential("a1", "r1")})
	changes, cancel := m.Watch()
	defer cancel()

	_, err := m.LoadPersisted(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSignedOut, (<-changes).State)

	_, err = m.Authenticate(ctx, PasswordLogin{Email: "a@b.test", Password: "pw"})
	require.NoError(t, err)
	c := <-changes
	assert.Equal(t, StateSignedIn, c.State)
	require.NotNil(t, c.Identity)
	assert.Equal(t, "u1", c.Identity.ID)
}

type failingStore struct{ credstore.MemoryStore }

func (f *failingStore) Load(context.Context) (*domain.Credential, error) {
	return nil, errors.New("disk on fire")
}

func TestLoadPersistedFailsSoft(t *testing.T) {
	m := New(&failingStore{}, &fakeAuth{})
	state, err := m.LoadPersisted(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateSignedOut, state)
	assert.Equal(t, "signed-out", fmt.Sprint(state))
}
