package credstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"errandline/internal/db"
	"errandline/internal/domain"
	"errandline/internal/migrate"
)

var ErrIncomplete = errors.New("credential is incomplete")

// SQLiteStore keeps each credential part as a sealed row.
type SQLiteStore struct {
	DB     *sql.DB
	Sealer Sealer
	Log    *zap.Logger
	Now    func() time.Time
}

func NewSQLiteStore(db *sql.DB, sealer Sealer, log *zap.Logger) *SQLiteStore {
	if sealer == nil {
		sealer = PlainSealer{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SQLiteStore{DB: db, Sealer: sealer, Log: log, Now: time.Now}
}

func (s *SQLiteStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQLiteStore) Load(ctx context.Context) (*domain.Credential, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, value FROM credentials WHERE key IN (?,?,?)`,
		KeyAccessToken, KeyRefreshToken, KeyUser)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	defer rows.Close()
	values := map[string][]byte{}
	for rows.Next() {
		var key string
		var sealed []byte
		if err := rows.Scan(&key, &sealed); err != nil {
			return nil, err
		}
		plain, err := s.Sealer.Open(sealed)
		if err != nil {
			s.Log.Warn("credential unreadable, treating as signed out", zap.String("key", key), zap.Error(err))
			return nil, nil
		}
		values[key] = plain
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	access, refresh, user := values[KeyAccessToken], values[KeyRefreshToken], values[KeyUser]
	if len(access) == 0 || len(refresh) == 0 || len(user) == 0 {
		if len(values) > 0 {
			s.Log.Warn("partial credential found, treating as signed out", zap.Int("parts", len(values)))
		}
		return nil, nil
	}
	var identity domain.Identity
	if err := json.Unmarshal(user, &identity); err != nil || identity.ID == "" {
		s.Log.Warn("stored identity unparsable, treating as signed out", zap.Error(err))
		return nil, nil
	}
	return &domain.Credential{
		AccessToken:  string(access),
		RefreshToken: string(refresh),
		Identity:     identity,
	}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, cred domain.Credential) error {
	if !cred.Complete() {
		return ErrIncomplete
	}
	user, err := json.Marshal(cred.Identity)
	if err != nil {
		return err
	}
	parts := []struct {
		key   string
		value []byte
	}{
		{KeyAccessToken, []byte(cred.AccessToken)},
		{KeyRefreshToken, []byte(cred.RefreshToken)},
		{KeyUser, user},
	}
	ts := s.now().UTC().Format(time.RFC3339)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, p := range parts {
		sealed, err := s.Sealer.Seal(p.value)
		if err != nil {
			return fmt.Errorf("seal %s: %w", p.key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credentials(key, value, updated_at) VALUES (?,?,?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
			p.key, sealed, ts); err != nil {
			return fmt.Errorf("save %s: %w", p.key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE key IN (?,?,?)`,
		KeyAccessToken, KeyRefreshToken, KeyUser); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return tx.Commit()
}

// Open prepares the on-disk store under dataDir, running migrations.
func Open(ctx context.Context, dataDir string, seal bool, log *zap.Logger) (*SQLiteStore, error) {
	conn, err := db.Open(db.Config{DataDir: dataDir})
	if err != nil {
		return nil, fmt.Errorf("open credential db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	var sealer Sealer = PlainSealer{}
	if seal {
		s, err := LoadOrCreateAgeSealer(dataDir)
		if err != nil {
			conn.Close()
			return nil, err
		}
		sealer = s
	}
	return NewSQLiteStore(conn, sealer, log), nil
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}
