package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/koltyakov/managedsp/internal/domain"
	"github.com/koltyakov/managedsp/internal/provision"
	"github.com/koltyakov/managedsp/internal/store/query"
)

// ReserveDeployment creates an unprovisioned deployment for an existing
// institution.
func (s *Store) ReserveDeployment(ctx context.Context, id int64, institutionID string, now time.Time) (domain.Deployment, error) {
	var d domain.Deployment
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.institutionFederation(ctx, tx, institutionID); err != nil {
			return err
		}
		stmt, args, err := s.q.InsertDeployment(id, institutionID, now.UTC().Truncate(domain.FreshnessResolution))
		if _, err = execBuilt(ctx, tx, stmt, args, err); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrDeploymentExists
			}
			return err
		}
		d, err = s.getDeployment(ctx, tx, id)
		return err
	})
	return d, err
}

// GetDeployment loads one deployment with its server hostnames.
func (s *Store) GetDeployment(ctx context.Context, id int64) (domain.Deployment, error) {
	return s.getDeployment(ctx, s.db, id)
}

func (s *Store) getDeployment(ctx context.Context, db queryer, id int64) (domain.Deployment, error) {
	stmt, args, err := s.q.Deployment(id)
	if err != nil {
		return domain.Deployment{}, err
	}
	d, err := query.ScanDeployment(db.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Deployment{}, domain.ErrDeploymentNotFound
	}
	return d, err
}

// ProvisionOnce runs fn inside a write transaction while the deployment is
// still unprovisioned and stores the returned assignment. The boolean result
// reports whether this call performed the provisioning.
func (s *Store) ProvisionOnce(ctx context.Context, id int64, now time.Time, fn provision.Func) (domain.Deployment, bool, error) {
	var (
		out     domain.Deployment
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getDeployment(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Provisioned() {
			out = cur
			return nil
		}
		a, err := fn(ctx, &txInventory{tx: tx, store: s}, cur)
		if err != nil {
			return err
		}
		stmt, args, err := s.q.Assign(id, a, domain.NextFreshness(cur.LastChange, now))
		n, err := execBuilt(ctx, tx, stmt, args, err)
		if err != nil {
			return fmt.Errorf("store assignment: %w", err)
		}
		if n == 0 {
			return domain.ErrConflict
		}
		if out, err = s.getDeployment(ctx, tx, id); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return domain.Deployment{}, false, err
	}
	return out, created, nil
}

// SetStatus moves a provisioned deployment to status. The boolean result is
// false when the deployment already had that status. Unprovisioned
// deployments are left untouched and reported with domain.ErrNotProvisioned.
func (s *Store) SetStatus(ctx context.Context, id int64, status domain.Status, now time.Time) (domain.Deployment, bool, error) {
	var (
		out     domain.Deployment
		changed bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getDeployment(ctx, tx, id)
		if err != nil {
			return err
		}
		out = cur
		if !cur.Provisioned() {
			return domain.ErrNotProvisioned
		}
		if cur.Status == status {
			return nil
		}
		stmt, args, err := s.q.SetStatus(id, status, domain.NextFreshness(cur.LastChange, now))
		if _, err = execBuilt(ctx, tx, stmt, args, err); err != nil {
			return err
		}
		if out, err = s.getDeployment(ctx, tx, id); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return out, changed, err
}

// Touch advances the freshness of a deployment and returns the stored value.
func (s *Store) Touch(ctx context.Context, id int64, now time.Time) (time.Time, error) {
	var next time.Time
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		next, err = s.touchTx(ctx, tx, id, now)
		return err
	})
	return next, err
}

func (s *Store) touchTx(ctx context.Context, tx *sql.Tx, id int64, now time.Time) (time.Time, error) {
	stmt, args, err := s.q.LastChange(id)
	if err != nil {
		return time.Time{}, err
	}
	var prev sql.NullTime
	if err := tx.QueryRowContext(ctx, stmt, args...).Scan(&prev); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, domain.ErrDeploymentNotFound
		}
		return time.Time{}, err
	}
	var prevPtr *time.Time
	if prev.Valid {
		prevPtr = &prev.Time
	}
	next := domain.NextFreshness(prevPtr, now)
	stmt, args, err = s.q.SetLastChange(id, next)
	if _, err := execBuilt(ctx, tx, stmt, args, err); err != nil {
		return time.Time{}, err
	}
	return next, nil
}

// Freshness returns the last-change time of a deployment. The boolean is
// false when the deployment does not exist.
func (s *Store) Freshness(ctx context.Context, id int64) (time.Time, bool, error) {
	var at sql.NullTime
	if err := s.lastChangeStmt.QueryRowContext(ctx, id).Scan(&at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return at.Time.UTC(), true, nil
}

// DeleteDeployment removes a deployment with its options and port
// reservations in one transaction.
func (s *Store) DeleteDeployment(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, args, err := s.q.DeleteOptions(id, "")
		if _, err = execBuilt(ctx, tx, stmt, args, err); err != nil {
			return fmt.Errorf("delete options: %w", err)
		}
		stmt, args, err = s.q.DeleteReservations(id)
		if _, err = execBuilt(ctx, tx, stmt, args, err); err != nil {
			return fmt.Errorf("release ports: %w", err)
		}
		stmt, args, err = s.q.DeleteDeployment(id)
		n, err := execBuilt(ctx, tx, stmt, args, err)
		if err != nil {
			return fmt.Errorf("delete deployment: %w", err)
		}
		if n == 0 {
			return domain.ErrDeploymentNotFound
		}
		return nil
	})
}
