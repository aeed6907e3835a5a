// Package sqlite implements the managed SP data store backed by a SQLite
// database. It holds the server inventory, the institution registry,
// deployments with their port reservations and deployment options.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/koltyakov/managedsp/internal/store/query"
)

// Store wraps a SQLite database connection for all managed SP persistence.
type Store struct {
	db *sql.DB
	q  query.Builder

	lastChangeStmt *sql.Stmt
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10
const defaultBusyTimeout = 5 * time.Second

// OpenOptions controls SQLite connection pool sizing and lock waiting.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
	BusyTimeout  time.Duration
}

// Open creates or opens the SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
//
// Every transaction is started with BEGIN IMMEDIATE so the write lock is
// taken before the deployment row is read.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	// Per-connection settings go into the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := fmt.Sprintf("%s%s_pragma=foreign_keys(1)&_pragma=synchronous(normal)&_pragma=busy_timeout(%d)&_txlock=immediate",
		path, sep, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode is persistent and database-wide; set it once here.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite setup (journal_mode): %w", err)
	}
	s := &Store{db: db, q: query.New(sq.Question)}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := closeStmt(&s.lastChangeStmt)
	return errors.Join(stmtErr, s.db.Close())
}

func (s *Store) prepareStatements(ctx context.Context) error {
	stmt, _, err := s.q.LastChange(0)
	if err != nil {
		return err
	}
	if s.lastChangeStmt, err = s.db.PrepareContext(ctx, stmt); err != nil {
		return fmt.Errorf("prepare last change query: %w", err)
	}
	return nil
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS servers (
	id TEXT PRIMARY KEY,
	pool TEXT NOT NULL,
	ip4 TEXT NULL,
	ip6 TEXT NULL,
	location_lat REAL NULL,
	location_lon REAL NULL
);
CREATE TABLE IF NOT EXISTS institutions (
	id TEXT PRIMARY KEY,
	federation TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS deployments (
	id INTEGER PRIMARY KEY,
	institution_id TEXT NOT NULL,
	status TEXT NOT NULL,
	primary_server TEXT NULL,
	primary_port INTEGER NULL,
	backup_server TEXT NULL,
	backup_port INTEGER NULL,
	secret TEXT NULL,
	last_change DATETIME NULL
);
CREATE TABLE IF NOT EXISTS port_reservations (
	server_id TEXT NOT NULL,
	port INTEGER NOT NULL,
	deployment_id INTEGER NOT NULL REFERENCES deployments(id) ON DELETE CASCADE,
	slot TEXT NOT NULL,
	PRIMARY KEY (server_id, port)
);
CREATE TABLE IF NOT EXISTS deployment_options (
	row_id INTEGER PRIMARY KEY AUTOINCREMENT,
	deployment_id INTEGER NOT NULL REFERENCES deployments(id) ON DELETE CASCADE,
	option_name TEXT NOT NULL,
	option_lang TEXT NULL,
	option_value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_servers_pool ON servers(pool);
CREATE INDEX IF NOT EXISTS idx_deployments_primary_server ON deployments(primary_server);
CREATE INDEX IF NOT EXISTS idx_deployments_backup_server ON deployments(backup_server);
CREATE INDEX IF NOT EXISTS idx_port_reservations_deployment ON port_reservations(deployment_id);
CREATE INDEX IF NOT EXISTS idx_deployment_options_deployment ON deployment_options(deployment_id, option_name);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// withTx runs fn in one transaction and commits when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func execBuilt(ctx context.Context, db execer, stmt string, args []any, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
