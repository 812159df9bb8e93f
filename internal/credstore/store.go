package credstore

import (
	"context"
	"sync"

	"errandline/internal/domain"
)

// Keys under which the credential parts are persisted.
const (
	KeyAccessToken  = "him.accessToken"
	KeyRefreshToken = "him.refreshToken"
	KeyUser         = "him.user"
)

// Store persists the credential pair. Save and Clear are all-or-nothing.
// Load returns nil without error when nothing usable is stored.
type Store interface {
	Load(ctx context.Context) (*domain.Credential, error)
	Save(ctx context.Context, cred domain.Credential) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps the credential in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	cred *domain.Credential
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load(context.Context) (*domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return nil, nil
	}
	c := *m.cred
	return &c, nil
}

func (m *MemoryStore) Save(_ context.Context, cred domain.Credential) error {
	if !cred.Complete() {
		return ErrIncomplete
	}
	m.mu.Lock()
	m.cred = &cred
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	m.cred = nil
	m.mu.Unlock()
	return nil
}
