// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlstore implements store.Store on database/sql.
//
// # Description
//
// SQLite (modernc.org/sqlite, pure Go) serves local and embedded use;
// PostgreSQL (github.com/lib/pq) serves production. The dialect is chosen
// from the DSN. Queries are written with "?" placeholders and rebound to
// "$n" for PostgreSQL.
//
// # Thread Safety
//
// Store is safe for concurrent use.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/AleutianAI/plangraph/services/plans/store"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

//go:embed schema/postgres.sql
var postgresSchema string

// Dialect identifies the SQL backend.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// String returns the database/sql driver name.
func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// DetectDialect picks the dialect from a DSN.
func DetectDialect(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// Options configures Open.
type Options struct {
	// DSN is a file path or "file:name?mode=memory" for SQLite, or a
	// postgres:// URL.
	DSN string

	// Migrate applies the embedded schema on open.
	Migrate bool

	// MaxOpenConns caps the pool. SQLite in-memory databases need 1.
	MaxOpenConns int

	Logger *slog.Logger
}

// Store is the database/sql implementation of store.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to the database described by opts.DSN.
//
// # Outputs
//
//   - *Store: The connected store. Caller must Close it.
//   - error: Non-nil if the connection, pragmas or migration fail.
func Open(ctx context.Context, opts Options) (*Store, error) {
	dialect := DetectDialect(opts.DSN)
	db, err := sql.Open(dialect.String(), opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", dialect, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, dialect: dialect, logger: logger.With("component", "sqlstore", "dialect", dialect.String())}

	if dialect == DialectSQLite {
		if err := s.initSQLite(ctx, opts.DSN); err != nil {
			db.Close()
			return nil, err
		}
	}
	if opts.Migrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) initSQLite(ctx context.Context, dsn string) error {
	pragmas := []string{"PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"}
	if !strings.Contains(dsn, "mode=memory") && dsn != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlstore: %s: %w", p, err)
		}
	}
	return nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlstore: migrate %s: %w", s.dialect, err)
	}
	s.logger.Info("schema applied")
	return nil
}

// Dialect returns the active dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// Query helpers
// =============================================================================

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var placeholderRegex = regexp.MustCompile(`\?`)

// rebind converts "?" placeholders to "$n" for PostgreSQL.
func (s *Store) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	n := 0
	return placeholderRegex.ReplaceAllStringFunc(q, func(string) string {
		n++
		return fmt.Sprintf("$%d", n)
	})
}

func (s *Store) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// withTx runs fn in a transaction, committing on nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapWriteErr(fmt.Errorf("sqlstore: commit: %w", err))
	}
	return nil
}

// inClause returns "(?, ?, ...)" and the args for ids.
func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	marks := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		marks[i] = "?"
	}
	return "(" + strings.Join(marks, ", ") + ")", args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePrefix returns a LIKE pattern matching strings that start with p.
// Path segments contain "_", which LIKE would treat as a wildcard.
func likePrefix(p string) string {
	return likeEscaper.Replace(p) + "%"
}

// mapWriteErr maps unique violations to model.ErrConcurrencyConflict.
func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %v", model.ErrConcurrencyConflict, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %v", model.ErrConcurrencyConflict, err)
	}
	return err
}
