package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteDB is the embedded single-node store used for local runs and tests
type SQLiteDB struct {
	DB *sql.DB
}

// NewSQLiteDB opens a SQLite database at path; "" or ":memory:" opens a private
// in-memory database.
//
// The pool is pinned to one connection: SQLite allows a single writer, and an
// in-memory database only lives as long as its connection.
func NewSQLiteDB(ctx context.Context, path string) (*SQLiteDB, error) {
	dsn := ":memory:"
	if path != "" && path != ":memory:" {
		dsn = path
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &SQLiteDB{DB: db}, nil
}

// Close closes the database
func (db *SQLiteDB) Close() error {
	return db.DB.Close()
}

// Health checks the database connection
func (db *SQLiteDB) Health(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}

// WithTx runs fn inside a transaction, committing on nil error
func (db *SQLiteDB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
