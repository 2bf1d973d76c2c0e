package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	defaultTableName = "drinklog_kv"
	operationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver string
	create string
	get    string
	set    string
	// lock runs first inside Update's transaction and must block other
	// writers of the key until commit.
	lock  string
	setup []string
}

var sqliteDialect = sqlDialect{
	driver: "sqlite",
	create: `CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	get: `SELECT value FROM %s WHERE key = ?`,
	set: `INSERT INTO %s (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
	// any write takes the database's RESERVED lock, even when no row matches
	lock: `UPDATE %s SET value = value WHERE key = ?`,
	setup: []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	},
}

var postgresDialect = sqlDialect{
	driver: "postgres",
	create: `CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	get: `SELECT value FROM %s WHERE key = $1`,
	set: `INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
	// row locks cannot cover a key that does not exist yet
	lock: `SELECT pg_advisory_xact_lock(hashtext(%s || $1::text))`,
}

// SQLStore is a key/value table in SQLite or Postgres. The table is
// created on first use.
type SQLStore struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database file at path.
func NewSQLiteStore(path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:       path,
		tableName: defaultTableName,
		dialect:   sqliteDialect,
		openDB:    sql.Open,
	}, nil
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:       dsn,
		tableName: defaultTableName,
		dialect:   postgresDialect,
		openDB:    sql.Open,
	}, nil
}

func (s *SQLStore) Get(key string) (string, bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return "", false, err
	}
	if err := s.ensureReady(); err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	var value string
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(s.dialect.get, quoteIdentifier(s.tableName)), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLStore) Set(key, value string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(s.dialect.set, quoteIdentifier(s.tableName)), key, value)
	return err
}

func (s *SQLStore) Update(key string, fn func(string, bool) (string, error)) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	table := quoteIdentifier(s.tableName)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.lockStatement(table), key); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	var old string
	ok := true
	err = tx.QueryRowContext(ctx, fmt.Sprintf(s.dialect.get, table), key).Scan(&old)
	if errors.Is(err, sql.ErrNoRows) {
		ok = false
	} else if err != nil {
		return err
	}
	value, err := fn(old, ok)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(s.dialect.set, table), key, value); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) lockStatement(table string) string {
	if s.dialect.driver == "postgres" {
		return fmt.Sprintf(s.dialect.lock, quoteLiteral(s.tableName+":"))
	}
	return fmt.Sprintf(s.dialect.lock, table)
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.driver == "sqlite" {
			// a single writer avoids SQLITE_BUSY between pooled connections
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()

		for _, stmt := range s.dialect.setup {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("%s: %w", stmt, err)
				return
			}
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf(s.dialect.create, quoteIdentifier(s.tableName))); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
