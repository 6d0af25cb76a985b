// Package index implements the L6 logical index: a single SQLite database,
// separate from any one Storage Directory, holding the engine's process-wide
// metadata — registered SDs, per-(reader,peer) activity watermarks, stale
// entries and their skip bits, move-journal rows, and cached profile
// presence. Every other package treats this as the durable home for state
// that must survive a restart but does not belong inside any SD itself.
package index

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit bounds the WAL file so a long-running daemon doesn't
// let it grow unbounded between checkpoints.
const walJournalSizeLimit = 64 * 1024 * 1024

// Store wraps the logical index database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if absent) the index database at path and applies
// any pending migrations. Use ":memory:" in tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: opening %s: %w", path, err)
	}

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("index database ready", "path", path)

	return &Store{db: db, logger: logger}, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("index: %s: %w", p, err)
		}
	}

	return nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("index: migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("index: migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("index: applying migrations: %w", err)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// execRetryBusy runs fn with exponential backoff while it keeps failing
// with SQLITE_BUSY, since the daemon and any concurrently-run CLI
// subcommand (sd add, pause, stale skip) open the same on-disk database
// file independently rather than sharing one connection pool.
func execRetryBusy(ctx context.Context, fn func(context.Context) error) error {
	b := retry.NewExponential(20 * time.Millisecond)
	b = retry.WithMaxRetries(5, b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isBusyErr(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isBusyErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
