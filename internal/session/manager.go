package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"errandline/internal/api"
	"errandline/internal/credstore"
	"errandline/internal/domain"
	"errandline/internal/gateway"
	"errandline/internal/metrics"
)

type State int

const (
	StateLoading State = iota
	StateSignedOut
	StateSignedIn
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateSignedOut:
		return "signed-out"
	case StateSignedIn:
		return "signed-in"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Authenticator is the subset of the backend the session needs.
type Authenticator interface {
	StartOTP(ctx context.Context, phone string, role domain.Role, channel string) (domain.OTPStartResult, error)
	VerifyOTP(ctx context.Context, phone, otp string, role domain.Role) (domain.Credential, error)
	PasswordLogin(ctx context.Context, email, password string) (domain.Credential, error)
	PasswordSignup(ctx context.Context, req api.SignupRequest) (domain.Credential, error)
	Refresh(ctx context.Context, refreshToken string) (domain.Credential, error)
}

var ErrSignedOut = gateway.Unauthorized("not signed in")

// Manager owns the credential. It is the only writer of the persisted pair.
type Manager struct {
	store credstore.Store
	auth  Authenticator
	log   *zap.Logger
	now   func() time.Time

	mu    sync.RWMutex
	state State
	cred  *domain.Credential
	epoch uint64

	renewals singleflight.Group

	watchMu  sync.Mutex
	watchers map[int]chan Change
	nextID   int
}

// Change is published on every session transition or credential rotation.
type Change struct {
	State    State
	Identity *domain.Identity
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(store credstore.Store, auth Authenticator, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		auth:     auth,
		log:      zap.NewNop(),
		now:      time.Now,
		state:    StateLoading,
		watchers: map[int]chan Change{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadPersisted restores the stored credential. Unreadable storage means signed out.
func (m *Manager) LoadPersisted(ctx context.Context) (State, error) {
	cred, err := m.store.Load(ctx)
	if err != nil {
		m.log.Warn("loading stored credential failed", zap.Error(err))
		cred = nil
	}
	if cred != nil && cred.Identity.Role == domain.RoleAdmin {
		m.log.Warn("stored credential belongs to an admin account, discarding")
		_ = m.store.Clear(ctx)
		cred = nil
	}
	m.mu.Lock()
	m.epoch++
	if cred != nil {
		m.cred, m.state = cred, StateSignedIn
	} else {
		m.cred, m.state = nil, StateSignedOut
	}
	state := m.state
	m.mu.Unlock()
	m.publish()
	return state, err
}

// StartOTP asks the backend to send a one-time code.
func (m *Manager) StartOTP(ctx context.Context, phone string, role domain.Role, channel string) (domain.OTPStartResult, error) {
	if role == domain.RoleAdmin {
		return domain.OTPStartResult{}, gateway.Validation("admin accounts cannot sign in from this client")
	}
	return m.auth.StartOTP(ctx, phone, role, channel)
}

// Authenticate exchanges a method for a credential and persists it.
func (m *Manager) Authenticate(ctx context.Context, method Method) (domain.Identity, error) {
	cred, err := method.exchange(ctx, m.auth)
	if err != nil {
		return domain.Identity{}, err
	}
	if cred.Identity.Role == domain.RoleAdmin {
		return domain.Identity{}, gateway.Validation("admin accounts cannot sign in from this client")
	}
	if !cred.Complete() {
		return domain.Identity{}, &gateway.Error{Kind: gateway.KindServer, Message: "incomplete credential in auth response"}
	}
	if err := m.store.Save(ctx, cred); err != nil {
		return domain.Identity{}, fmt.Errorf("persist credential: %w", err)
	}
	m.mu.Lock()
	m.epoch++
	m.cred, m.state = &cred, StateSignedIn
	m.mu.Unlock()
	m.log.Info("signed in", zap.String("user", cred.Identity.ID), zap.String("role", string(cred.Identity.Role)))
	m.publish()
	return cred.Identity, nil
}

// Token returns a usable access token, renewing first if it is already expired.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	cred := m.cred
	m.mu.RUnlock()
	if cred == nil {
		return "", ErrSignedOut
	}
	if m.expired(cred.AccessToken) {
		renewed, err := m.Renew(ctx, cred.AccessToken)
		if err != nil {
			return "", err
		}
		return renewed.AccessToken, nil
	}
	return cred.AccessToken, nil
}

// Renew exchanges the refresh token. stale is the access token the caller saw
// rejected; if it has already been replaced the current credential is returned
// without a network call. Concurrent callers share one refresh request.
func (m *Manager) Renew(ctx context.Context, stale string) (domain.Credential, error) {
	current := func() (*domain.Credential, uint64, bool) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.cred, m.epoch, m.cred != nil && stale != "" && m.cred.AccessToken != stale
	}
	cred, _, replaced := current()
	if cred == nil {
		return domain.Credential{}, ErrSignedOut
	}
	if replaced {
		metrics.IncreaseSessionRenewalsMetric("skipped")
		return *cred, nil
	}

	key := cred.RefreshToken
	ch := m.renewals.DoChan(key, func() (any, error) {
		defer m.renewals.Forget(key)
		// Re-check under the flight: a renewal may have finished between the
		// read above and joining the group.
		cred, epoch, replaced := current()
		if cred == nil {
			return domain.Credential{}, ErrSignedOut
		}
		if replaced {
			return *cred, nil
		}
		return m.refresh(context.WithoutCancel(ctx), *cred, epoch)
	})
	select {
	case <-ctx.Done():
		return domain.Credential{}, &gateway.Error{Kind: gateway.KindTransport, Message: "renewal wait canceled", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return domain.Credential{}, res.Err
		}
		return res.Val.(domain.Credential), nil
	}
}

func (m *Manager) refresh(ctx context.Context, cred domain.Credential, epoch uint64) (domain.Credential, error) {
	next, err := m.auth.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if gateway.IsUnauthorized(err) {
			metrics.IncreaseSessionRenewalsMetric("rejected")
			m.log.Warn("refresh rejected, signing out", zap.Error(err))
			m.forceSignOut(ctx, epoch)
			return domain.Credential{}, err
		}
		metrics.IncreaseSessionRenewalsMetric("failed")
		m.log.Warn("refresh failed, keeping session", zap.Error(err))
		return domain.Credential{}, err
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if next.Identity.ID == "" {
		next.Identity = cred.Identity
	}
	if !next.Complete() {
		metrics.IncreaseSessionRenewalsMetric("failed")
		return domain.Credential{}, &gateway.Error{Kind: gateway.KindServer, Message: "incomplete credential in refresh response"}
	}

	m.mu.Lock()
	if m.epoch != epoch {
		// Signed out or re-authenticated while the refresh was in flight.
		m.mu.Unlock()
		return domain.Credential{}, ErrSignedOut
	}
	if err := m.store.Save(ctx, next); err != nil {
		m.mu.Unlock()
		return domain.Credential{}, fmt.Errorf("persist renewed credential: %w", err)
	}
	m.cred = &next
	m.mu.Unlock()
	metrics.IncreaseSessionRenewalsMetric("ok")
	m.publish()
	return next, nil
}

func (m *Manager) forceSignOut(ctx context.Context, epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.epoch++
	m.cred, m.state = nil, StateSignedOut
	m.mu.Unlock()
	if err := m.store.Clear(ctx); err != nil {
		m.log.Error("clearing credential after forced sign-out failed", zap.Error(err))
	}
	m.publish()
}

// SignOut clears the stored and cached credential. In-flight renewals are
// abandoned and their results discarded.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	if m.cred != nil {
		m.renewals.Forget(m.cred.RefreshToken)
	}
	m.epoch++
	m.cred, m.state = nil, StateSignedOut
	m.mu.Unlock()
	err := m.store.Clear(ctx)
	m.publish()
	if err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

func (m *Manager) CurrentIdentity() (domain.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cred == nil {
		return domain.Identity{}, false
	}
	return m.cred.Identity, true
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Watch delivers session changes until cancel is called. Slow readers miss
// intermediate changes but always see the latest one eventually.
func (m *Manager) Watch() (<-chan Change, func()) {
	ch := make(chan Change, 1)
	m.watchMu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = ch
	m.watchMu.Unlock()
	return ch, func() {
		m.watchMu.Lock()
		if _, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(ch)
		}
		m.watchMu.Unlock()
	}
}

func (m *Manager) publish() {
	m.mu.RLock()
	change := Change{State: m.state}
	if m.cred != nil {
		id := m.cred.Identity
		change.Identity = &id
	}
	m.mu.RUnlock()

	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for _, ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- change:
		default:
		}
	}
}

// expired reads the exp claim without verifying the signature. Tokens that are
// not JWTs are never considered expired.
func (m *Manager) expired(token string) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !m.now().Before(claims.ExpiresAt.Time)
}

// IsSignedOut reports whether err means the caller has no session.
func IsSignedOut(err error) bool {
	return errors.Is(err, ErrSignedOut)
}
