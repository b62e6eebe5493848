package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
)

const createStateTable = `
	CREATE TABLE IF NOT EXISTS astrorelay_state (
		key TEXT NOT NULL PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
`

// SQLite keeps state in a local database, for controllers that should not
// depend on the device KVS.
type SQLite struct {
	db *dbutil.Database
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	raw, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("wrap sqlite %s: %w", path, err)
	}
	store, err := NewSQLite(ctx, db)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLite uses an already open database and ensures the state table exists.
func NewSQLite(ctx context.Context, db *dbutil.Database) (*SQLite, error) {
	if _, err := db.Exec(ctx, createStateTable); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM astrorelay_state WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO astrorelay_state (key, value, updated_at)
         VALUES ($1, $2, $3)
         ON CONFLICT (key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	return err
}

func (s *SQLite) Close() error {
	return s.db.RawDB.Close()
}
