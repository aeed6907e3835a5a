package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/koltyakov/managedsp/internal/domain"
	"github.com/koltyakov/managedsp/internal/provision"
	"github.com/koltyakov/managedsp/internal/store/query"
)

// ReserveDeployment creates an unprovisioned deployment for an existing
// institution.
func (s *Store) ReserveDeployment(ctx context.Context, id int64, institutionID string, now time.Time) (domain.Deployment, error) {
	var d domain.Deployment
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.institutionFederation(ctx, tx, institutionID); err != nil {
			return err
		}
		stmt, args, err := s.q.InsertDeployment(id, institutionID, now.UTC().Truncate(domain.FreshnessResolution))
		if _, err = execBuilt(ctx, tx, stmt, args, err); err != nil {
			if name, ok := constraintName(err); ok && name == deploymentsPkey {
				return domain.ErrDeploymentExists
			}
			return fmt.Errorf("failed to insert deployment: %w", err)
		}
		d, err = s.getDeployment(ctx, tx, id)
		return err
	})
	return d, err
}

// GetDeployment loads one deployment with its server hostnames.
func (s *Store) GetDeployment(ctx context.Context, id int64) (domain.Deployment, error) {
	return s.getDeployment(ctx, s.pool, id)
}

func (s *Store) getDeployment(ctx context.Context, conn db, id int64) (domain.Deployment, error) {
	stmt, args, err := s.q.Deployment(id)
	if err != nil {
		return domain.Deployment{}, err
	}
	d, err := query.ScanDeployment(conn.QueryRow(ctx, stmt, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Deployment{}, domain.ErrDeploymentNotFound
	}
	return d, err
}

// lock takes the row lock of a deployment for the rest of tx.
func (s *Store) lock(ctx context.Context, tx pgx.Tx, id int64) error {
	stmt, args, err := s.q.LockDeployment(id)
	if err != nil {
		return err
	}
	var locked int64
	if err := tx.QueryRow(ctx, stmt, args...).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrDeploymentNotFound
		}
		return err
	}
	return nil
}

// ProvisionOnce runs fn while holding the deployment's row lock and stores
// the returned assignment when the deployment is still unprovisioned. The
// boolean result reports whether this call performed the provisioning.
func (s *Store) ProvisionOnce(ctx context.Context, id int64, now time.Time, fn provision.Func) (domain.Deployment, bool, error) {
	var (
		out     domain.Deployment
		created bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.lock(ctx, tx, id); err != nil {
			return err
		}
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
			return fmt.Errorf("failed to store assignment: %w", err)
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
// false when the deployment already had that status.
func (s *Store) SetStatus(ctx context.Context, id int64, status domain.Status, now time.Time) (domain.Deployment, bool, error) {
	var (
		out     domain.Deployment
		changed bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.lock(ctx, tx, id); err != nil {
			return err
		}
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
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		next, err = s.touchTx(ctx, tx, id, now)
		return err
	})
	return next, err
}

func (s *Store) touchTx(ctx context.Context, tx pgx.Tx, id int64, now time.Time) (time.Time, error) {
	if err := s.lock(ctx, tx, id); err != nil {
		return time.Time{}, err
	}
	prev, _, err := s.lastChange(ctx, tx, id)
	if err != nil {
		return time.Time{}, err
	}
	var prevPtr *time.Time
	if !prev.IsZero() {
		prevPtr = &prev
	}
	next := domain.NextFreshness(prevPtr, now)
	stmt, args, err := s.q.SetLastChange(id, next)
	if _, err := execBuilt(ctx, tx, stmt, args, err); err != nil {
		return time.Time{}, err
	}
	return next, nil
}

// Freshness returns the last-change time of a deployment. The boolean is
// false when the deployment does not exist.
func (s *Store) Freshness(ctx context.Context, id int64) (time.Time, bool, error) {
	return s.lastChange(ctx, s.pool, id)
}

func (s *Store) lastChange(ctx context.Context, conn db, id int64) (time.Time, bool, error) {
	stmt, args, err := s.q.LastChange(id)
	if err != nil {
		return time.Time{}, false, err
	}
	var at *time.Time
	if err := conn.QueryRow(ctx, stmt, args...).Scan(&at); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	if at == nil {
		return time.Time{}, true, nil
	}
	return at.UTC(), true, nil
}

// DeleteDeployment removes a deployment with its options and port
// reservations in one transaction.
func (s *Store) DeleteDeployment(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.lock(ctx, tx, id); err != nil {
			return err
		}
		stmt, args, err := s.q.DeleteOptions(id, "")
		if _, err = execBuilt(ctx, tx, stmt, args, err); err != nil {
			return fmt.Errorf("failed to delete options: %w", err)
		}
		stmt, args, err = s.q.DeleteReservations(id)
		if _, err = execBuilt(ctx, tx, stmt, args, err); err != nil {
			return fmt.Errorf("failed to release ports: %w", err)
		}
		stmt, args, err = s.q.DeleteDeployment(id)
		n, err := execBuilt(ctx, tx, stmt, args, err)
		if err != nil {
			return fmt.Errorf("failed to delete deployment: %w", err)
		}
		if n == 0 {
			return domain.ErrDeploymentNotFound
		}
		return nil
	})
}
