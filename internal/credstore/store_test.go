package credstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"errandline/internal/domain"
)

func sampleCredential() domain.Credential {
	name := "Asha"
	return domain.Credential{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Identity:     domain.Identity{ID: "u1", Role: domain.RoleHelper, Phone: "+919800000001", DisplayName: &name},
	}
}

func newTestStore(t *testing.T, seal bool) *SQLiteStore {
	t.Helper()
	store, err := Open(context.Background(), t.TempDir(), seal, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	for _, seal := range []bool{false, true} {
		store := newTestStore(t, seal)
		ctx := context.Background()

		got, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, store.Save(ctx, sampleCredential()))
		got, err = store.Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "access-1", got.AccessToken)
		assert.Equal(t, "refresh-1", got.RefreshToken)
		assert.Equal(t, "u1", got.Identity.ID)
		assert.Equal(t, domain.RoleHelper, got.Identity.Role)

		rotated := sampleCredential()
		rotated.AccessToken, rotated.RefreshToken = "access-2", "refresh-2"
		require.NoError(t, store.Save(ctx, rotated))
		got, err = store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "access-2", got.AccessToken)
		assert.Equal(t, "refresh-2", got.RefreshToken)

		require.NoError(t, store.Clear(ctx))
		got, err = store.Load(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestSealedValuesAreNotPlaintext(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, sampleCredential()))

	var raw []byte
	require.NoError(t, store.DB.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key=?`, KeyAccessToken).Scan(&raw))
	assert.NotContains(t, string(raw), "access-1")
}

func TestLoadFailsSoft(t *testing.T) {
	ctx := context.Background()

	t.Run("partial", func(t *testing.T) {
		store := newTestStore(t, false)
		_, err := store.DB.ExecContext(ctx, `INSERT INTO credentials(key,value,updated_at) VALUES (?,?, 'x')`, KeyAccessToken, []byte("a"))
		require.NoError(t, err)
		got, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("corrupt identity", func(t *testing.T) {
		store := newTestStore(t, false)
		for key, value := range map[string]string{KeyAccessToken: "a", KeyRefreshToken: "r", KeyUser: "{not json"} {
			_, err := store.DB.ExecContext(ctx, `INSERT INTO credentials(key,value,updated_at) VALUES (?,?, 'x')`, key, []byte(value))
			require.NoError(t, err)
		}
		got, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("undecryptable", func(t *testing.T) {
		store := newTestStore(t, true)
		require.NoError(t, store.Save(ctx, sampleCredential()))
		other, err := LoadOrCreateAgeSealer(filepath.Join(t.TempDir(), "other"))
		require.NoError(t, err)
		store.Sealer = other
		got, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestSaveRejectsIncomplete(t *testing.T) {
	ctx := context.Background()
	cred := sampleCredential()
	cred.RefreshToken = ""
	assert.ErrorIs(t, newTestStore(t, false).Save(ctx, cred), ErrIncomplete)
	assert.ErrorIs(t, NewMemoryStore().Save(ctx, cred), ErrIncomplete)
}

func TestAgeSealerReusesIdentity(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrCreateAgeSealer(dir)
	require.NoError(t, err)
	sealed, err := a.Seal([]byte("secret"))
	require.NoError(t, err)

	b, err := LoadOrCreateAgeSealer(dir)
	require.NoError(t, err)
	plain, err := b.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(plain))
}
