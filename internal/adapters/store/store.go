// Package store persists channels, membership, roles, chat, the outbox and
// the audit log. Every mutating operation commits its outbox row in the same
// transaction as the state change.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"

	"github.com/dkeye/Chorus/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db     *sql.DB
	server domain.ServerID
}

// Open connects to the database named by url (a sqlite DSN, e.g.
// "file:chorus.db"). The schema must already be migrated; see Migrate.
func Open(url string, server domain.ServerID) (*Store, error) {
	db, err := sql.Open("sqlite", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection avoids SQLITE_BUSY storms; WAL keeps readers cheap.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = normal",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &Store{db: db, server: server}, nil
}

// Migrate brings the schema up to date with the embedded goose migrations.
func Migrate(s *Store) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info().Str("module", "store").Msg("schema migrated")
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ServerID() domain.ServerID { return s.server }

// withTx runs fn inside a transaction, retrying transient lock errors with
// bounded exponential backoff. Non-transient errors roll back and surface.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	backoff := retry.WithMaxRetries(5, retry.NewExponential(10*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return wrapTransient(err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return wrapTransient(err)
		}
		if err := tx.Commit(); err != nil {
			return wrapTransient(err)
		}
		return nil
	})
}

func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return retry.RetryableError(err)
	}
	return err
}

func msToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func timeToMS(t time.Time) int64 { return t.UnixMilli() }

func nullMS(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := msToTime(ms.Int64)
	return &t
}
