// Package postgres implements the managed SP data store on PostgreSQL through
// a pgx connection pool. Provisioning serialises on a row lock of the
// deployment being provisioned.
package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koltyakov/managedsp/internal/domain"
	"github.com/koltyakov/managedsp/internal/store/query"
)

// SQLSTATE codes that signal a retryable lock conflict.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
)

const deploymentsPkey = "deployments_pkey"

// Store is a pgx-backed managed SP store.
type Store struct {
	pool *pgxpool.Pool
	q    query.Builder
}

// Open connects to dsn, pings the server and runs migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	s := &Store{pool: pool, q: query.New(sq.Dollar)}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS servers (
	id TEXT PRIMARY KEY,
	pool TEXT NOT NULL,
	ip4 TEXT NULL,
	ip6 TEXT NULL,
	location_lat DOUBLE PRECISION NULL,
	location_lon DOUBLE PRECISION NULL
);
CREATE TABLE IF NOT EXISTS institutions (
	id TEXT PRIMARY KEY,
	federation TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS deployments (
	id BIGINT PRIMARY KEY,
	institution_id TEXT NOT NULL,
	status TEXT NOT NULL,
	primary_server TEXT NULL,
	primary_port INTEGER NULL,
	backup_server TEXT NULL,
	backup_port INTEGER NULL,
	secret TEXT NULL,
	last_change TIMESTAMPTZ NULL
);
CREATE TABLE IF NOT EXISTS port_reservations (
	server_id TEXT NOT NULL,
	port INTEGER NOT NULL,
	deployment_id BIGINT NOT NULL REFERENCES deployments(id) ON DELETE CASCADE,
	slot TEXT NOT NULL,
	PRIMARY KEY (server_id, port)
);
CREATE TABLE IF NOT EXISTS deployment_options (
	row_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	deployment_id BIGINT NOT NULL REFERENCES deployments(id) ON DELETE CASCADE,
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
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", mapErr(err))
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit(ctx))
}

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func execBuilt(ctx context.Context, conn db, stmt string, args []any, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	tag, err := conn.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func mapErr(err error) error {
	if err == nil || errors.Is(err, domain.ErrConflict) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return errors.Join(domain.ErrConflict, err)
		}
	}
	return err
}

func constraintName(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation && pgErr.ConstraintName != "" {
		return pgErr.ConstraintName, true
	}
	return "", false
}
