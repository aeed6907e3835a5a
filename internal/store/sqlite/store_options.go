package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/koltyakov/managedsp/internal/domain"
	"github.com/koltyakov/managedsp/internal/store/query"
)

// AddOption attaches opt to the deployment and advances its freshness.
func (s *Store) AddOption(ctx context.Context, id int64, opt domain.Option, now time.Time) (time.Time, error) {
	var at time.Time
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if at, err = s.touchTx(ctx, tx, id, now); err != nil {
			return err
		}
		stmt, args, err := s.q.InsertOption(id, opt)
		_, err = execBuilt(ctx, tx, stmt, args, err)
		return err
	})
	return at, err
}

// DeleteOptions removes the options named name (all options when name is
// empty) and advances the deployment's freshness.
func (s *Store) DeleteOptions(ctx context.Context, id int64, name string, now time.Time) (time.Time, error) {
	var at time.Time
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if at, err = s.touchTx(ctx, tx, id, now); err != nil {
			return err
		}
		stmt, args, err := s.q.DeleteOptions(id, name)
		_, err = execBuilt(ctx, tx, stmt, args, err)
		return err
	})
	return at, err
}

// ListOptions returns the options of a deployment ordered by name.
func (s *Store) ListOptions(ctx context.Context, id int64) ([]domain.Option, error) {
	if _, err := s.getDeployment(ctx, s.db, id); err != nil {
		return nil, err
	}
	stmt, args, err := s.q.Options(id)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Option
	for rows.Next() {
		opt, err := query.ScanOption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, opt)
	}
	return out, rows.Err()
}
