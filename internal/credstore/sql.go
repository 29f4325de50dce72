package credstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"io/fs"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrations returns the schema for SQLStore, rooted so that files live under "migrations".
func Migrations() fs.FS { return migrations }

// MigrationsDir is the directory inside Migrations holding the SQL files.
const MigrationsDir = "migrations"

// OpenPostgres opens a pgx-backed database handle tuned for a handful of small queries.
func OpenPostgres(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("credstore: DSN is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// SQLStore keeps secrets in the console_credentials table. Used by headless deployments where
// several console processes share one session.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps db. The schema is applied separately (see cmd/migrate).
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Save(ctx context.Context, key, secret string) bool {
	if !validKey(key) {
		logFailure("save", key, ErrInvalidKey)
		return false
	}
	_, err := s.db.ExecContext(ctx, `
		insert into console_credentials(key, secret, updated_at)
		values ($1, $2, now())
		on conflict (key) do update set secret = excluded.secret, updated_at = excluded.updated_at`,
		key, secret)
	if err != nil {
		logFailure("save", key, err)
		return false
	}
	return true
}

func (s *SQLStore) Load(ctx context.Context, key string) (string, bool) {
	var secret string
	err := s.db.QueryRowContext(ctx, `select secret from console_credentials where key = $1`, key).Scan(&secret)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logFailure("load", key, err)
		}
		return "", false
	}
	return secret, true
}

func (s *SQLStore) Delete(ctx context.Context, key string) bool {
	if _, err := s.db.ExecContext(ctx, `delete from console_credentials where key = $1`, key); err != nil {
		logFailure("delete", key, err)
		return false
	}
	return true
}
