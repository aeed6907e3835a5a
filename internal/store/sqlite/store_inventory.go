package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/koltyakov/managedsp/internal/domain"
	"github.com/koltyakov/managedsp/internal/store/query"
)

// txInventory is the provisioning view of an open transaction.
type txInventory struct {
	tx    *sql.Tx
	store *Store
}

func (t *txInventory) PoolLoad(ctx context.Context, pool string) ([]domain.ServerLoad, error) {
	return t.store.poolLoad(ctx, t.tx, pool)
}

func (t *txInventory) ReservePort(ctx context.Context, r domain.PortReservation) (bool, error) {
	stmt, args, err := t.store.q.ReservePort(r)
	n, err := execBuilt(ctx, t.tx, stmt, args, err)
	if err != nil {
		return false, fmt.Errorf("reserve port %d on %s: %w", r.Port, r.ServerID, err)
	}
	return n == 1, nil
}

// PoolLoad lists the servers of pool with their committed load.
func (s *Store) PoolLoad(ctx context.Context, pool string) ([]domain.ServerLoad, error) {
	return s.poolLoad(ctx, s.db, pool)
}

// ListServers lists every server with its load, grouped by pool.
func (s *Store) ListServers(ctx context.Context) ([]domain.ServerLoad, error) {
	return s.poolLoad(ctx, s.db, "")
}

func (s *Store) poolLoad(ctx context.Context, db queryer, pool string) ([]domain.ServerLoad, error) {
	stmt, args, err := s.q.PoolLoad(pool)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ServerLoad
	for rows.Next() {
		sl, err := query.ScanServerLoad(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

// UpsertServer adds a server to the inventory or updates it in place.
func (s *Store) UpsertServer(ctx context.Context, srv domain.Server) error {
	stmt, args, err := s.q.UpsertServer(srv)
	_, err = execBuilt(ctx, s.db, stmt, args, err)
	return mapErr(err)
}

// UpsertInstitution registers an institution under its federation.
func (s *Store) UpsertInstitution(ctx context.Context, inst domain.Institution) error {
	stmt, args, err := s.q.UpsertInstitution(inst)
	_, err = execBuilt(ctx, s.db, stmt, args, err)
	return mapErr(err)
}

// InstitutionFederation returns the federation the institution belongs to.
func (s *Store) InstitutionFederation(ctx context.Context, institutionID string) (string, error) {
	return s.institutionFederation(ctx, s.db, institutionID)
}

func (s *Store) institutionFederation(ctx context.Context, db queryer, institutionID string) (string, error) {
	stmt, args, err := s.q.InstitutionFederation(institutionID)
	if err != nil {
		return "", err
	}
	var federation string
	if err := db.QueryRowContext(ctx, stmt, args...).Scan(&federation); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrInstitutionNotFound
		}
		return "", err
	}
	return federation, nil
}

// Reservations lists the ports held on serverID, or on every server when
// serverID is empty.
func (s *Store) Reservations(ctx context.Context, serverID string) ([]domain.PortReservation, error) {
	stmt, args, err := s.q.Reservations(serverID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PortReservation
	for rows.Next() {
		r, err := query.ScanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
