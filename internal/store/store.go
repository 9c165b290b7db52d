// Package store owns the bridge's single-file SQLite database: schema migrations and typed CRUD for link, pairing,
// claim-code, migration-request, archive, and push-device rows. No other package touches storage directly.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle. All timestamps are persisted as unix seconds.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if necessary) the database at path, enables WAL journaling and foreign keys, and applies any
// pending schema migrations.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer. One pooled connection serializes all access, which also keeps an in-memory
	// database alive for the process lifetime.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, log: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database handle is still usable. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a database transaction. If fn returns an error, the transaction is rolled back. Otherwise, the
// transaction is committed. The deferred rollback after a successful commit is a safe no-op.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// migrate applies every schema version above the current one, in order. Each version runs inside a transaction.
// Individual DDL statements that fail because the column, table, or index already exists are treated as applied,
// so migrations are safe to re-run against a database that was only partially upgraded.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (0)"); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
		current = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for v := current + 1; v <= len(migrations); v++ {
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range migrations[v-1] {
				if _, err := tx.ExecContext(ctx, stmt); err != nil && !isAlreadyApplied(err) {
					return fmt.Errorf("version %d: %w", v, err)
				}
			}
			if _, err := tx.ExecContext(ctx, "UPDATE schema_version SET version = ?", v); err != nil {
				return fmt.Errorf("record version %d: %w", v, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.log.Info().Int("version", v).Msg("applied schema migration")
	}

	return nil
}

// isAlreadyApplied reports whether a DDL error means the statement's effect is already present.
func isAlreadyApplied(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// now returns the current time truncated to whole seconds, matching storage precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// nullTime converts an optional time to its unix-seconds column value.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// nullStr converts an optional string to its column value.
func nullStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// timePtr converts a scanned nullable unix-seconds column back to a time pointer.
func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// strPtr converts a scanned nullable text column back to a string pointer.
func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
