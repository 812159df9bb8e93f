package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "errandline.db"

type Config struct {
	DataDir string
	// Name overrides the database file name inside DataDir.
	Name string
}

func dbPath(dataDir, name string) string {
	if dataDir == "" {
		dataDir = ".errandline"
	}
	if name == "" {
		name = defaultDBName
	}
	return filepath.Join(dataDir, name)
}

// EnsureDataDir creates the data directory if missing. It is private to the user.
func EnsureDataDir(dataDir string) (string, error) {
	if dataDir == "" {
		dataDir = ".errandline"
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", err
	}
	return dataDir, nil
}

// Open opens the SQLite database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureDataDir(cfg.DataDir); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath(cfg.DataDir, cfg.Name))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}
