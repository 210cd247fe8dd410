package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"
)

const sqliteBusy = 5

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteConfig defines how the SQLite store is initialized.
type SQLiteConfig struct {
	// Source is the DSN, e.g. file:sessions.db?cache=shared&mode=rwc.
	Source string
	// Table to store sessions in. Defaults to "upload_sessions".
	Table string
	// DB lets callers supply an existing connection.
	DB *sql.DB
	// BusyTimeout bounds how long a locked database is retried. Defaults to 5 seconds.
	BusyTimeout time.Duration
}

// SQLiteStore keeps sessions in a SQLite table, so several processes on the
// same machine can share them.
type SQLiteStore struct {
	db          *sql.DB
	table       string
	ownsDB      bool
	busyTimeout time.Duration
}

// NewSQLiteStore opens the database and ensures the session table exists.
func NewSQLiteStore(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Table == "" {
		cfg.Table = "upload_sessions"
	}
	if !tableNamePattern.MatchString(cfg.Table) {
		return nil, fmt.Errorf("sqlite: invalid table name %q", cfg.Table)
	}
	if cfg.Source == "" && cfg.DB == nil {
		return nil, errors.New("sqlite: Source is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	s := &SQLiteStore{table: cfg.Table, busyTimeout: cfg.BusyTimeout}
	if cfg.DB != nil {
		s.db = cfg.DB
	} else {
		db, err := sql.Open("sqlite", cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("sqlite: open database: %w", err)
		}
		s.db = db
		s.ownsDB = true
	}

	createStmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		uri TEXT NOT NULL,
		first_chunk BLOB,
		updated_at TEXT NOT NULL
	)`, s.table)

	if err := s.exec(ctx, createStmt); err != nil {
		if s.ownsDB {
			_ = s.db.Close()
		}
		return nil, fmt.Errorf("sqlite: create table: %w", err)
	}

	return s, nil
}

// Close releases the connection when it is owned by the store.
func (s *SQLiteStore) Close() error {
	if s.db != nil && s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// Get ...
func (s *SQLiteStore) Get(ctx context.Context, key string) (Descriptor, error) {
	query := fmt.Sprintf(`SELECT uri, first_chunk FROM %s WHERE key = ?`, s.table)

	var d Descriptor
	err := s.withBusyRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, key).Scan(&d.URI, &d.FirstChunk)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Descriptor{}, ErrNotFound
	}
	if err != nil {
		return Descriptor{}, fmt.Errorf("sqlite: get session: %w", err)
	}
	if len(d.FirstChunk) == 0 {
		d.FirstChunk = nil
	}
	return d, nil
}

// Set ...
func (s *SQLiteStore) Set(ctx context.Context, key string, d Descriptor) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (key, uri, first_chunk, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET uri = excluded.uri, first_chunk = excluded.first_chunk, updated_at = excluded.updated_at`, s.table)

	if err := s.exec(ctx, stmt, key, d.URI, d.FirstChunk, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("sqlite: set session: %w", err)
	}
	return nil
}

// Delete ...
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table)

	if err := s.exec(ctx, stmt, key); err != nil {
		return fmt.Errorf("sqlite: delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, stmt string, args ...any) error {
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, stmt, args...)
		return err
	})
}

// withBusyRetry retries op while another connection holds the database lock.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = s.busyTimeout

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func isBusy(err error) bool {
	var coded interface{ Code() int }
	if errors.As(err, &coded) && coded.Code()&0xff == sqliteBusy {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
