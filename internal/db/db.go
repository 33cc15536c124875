// Package db owns the SQLite file behind the record store: connection
// settings, transactions and schema migrations.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const openTimeout = 10 * time.Second

// ErrSchemaTooNew means the file was migrated by a newer afilli build.
var ErrSchemaTooNew = errors.New("db: schema is newer than this build")

// pragmas are set through the DSN so every pooled connection gets them.
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"foreign_keys(1)",
}

// DB is an open, migrated afilli database.
type DB struct {
	sql  *sql.DB
	path string
}

// Open opens the database at path, creating the file and its directory when
// missing, and migrates it to the latest schema. path is used as given;
// config.ExpandedDBPath resolves "~".
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("db: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection keeps task transitions
	// from racing on SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	d := &DB{sql: conn, path: path}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	if err := d.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return d, nil
}

func dsn(path string) string {
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

// Close closes the connection. It is safe on a nil DB.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// SQL returns the underlying pool.
func (d *DB) SQL() *sql.DB {
	return d.sql
}

// Path is the file the database was opened from.
func (d *DB) Path() string {
	return d.path
}

// Tx runs fn in a transaction. fn's error rolls back and is returned as is.
func (d *DB) Tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
