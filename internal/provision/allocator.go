// Package provision binds a new managed deployment to a primary and a backup
// RADIUS server, reserves a port on each and generates the shared secret.
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/koltyakov/managedsp/internal/domain"
	"github.com/koltyakov/managedsp/internal/metrics"
	"github.com/koltyakov/managedsp/internal/placement"
)

// Tx is the store's view of the open provisioning transaction.
type Tx interface {
	placement.Inventory
	// ReservePort claims the (server, port) pair. It returns false without
	// error when the pair is already taken.
	ReservePort(ctx context.Context, r domain.PortReservation) (bool, error)
}

var errPortTaken = errors.New("port already reserved")

// Allocator provisions deployments onto servers chosen by a placement engine.
type Allocator struct {
	engine     *placement.Engine
	ports      PortSource
	secret     func() (string, error)
	retryLimit uint
	logger     zerolog.Logger
	metrics    metrics.Metrics
}

// Option configures an [Allocator].
type Option func(*Allocator)

// WithPortSource replaces the random port draw.
func WithPortSource(src PortSource) Option {
	return func(a *Allocator) {
		if src != nil {
			a.ports = src
		}
	}
}

// WithSecretSource replaces the shared secret generator.
func WithSecretSource(fn func() (string, error)) Option {
	return func(a *Allocator) {
		if fn != nil {
			a.secret = fn
		}
	}
}

// WithPortRetryLimit sets how many ports are tried per server.
func WithPortRetryLimit(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.retryLimit = uint(n)
		}
	}
}

// WithLogger sets the allocator logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// WithMetrics sets where port collision counters go.
func WithMetrics(m metrics.Metrics) Option {
	return func(a *Allocator) {
		if m != nil {
			a.metrics = m
		}
	}
}

// NewAllocator returns an Allocator that selects servers with engine.
func NewAllocator(engine *placement.Engine, opts ...Option) *Allocator {
	a := &Allocator{
		engine:     engine,
		ports:      RandomPort,
		secret:     GenerateSecret,
		retryLimit: DefaultPortRetryLimit,
		logger:     zerolog.Nop(),
		metrics:    metrics.Nop{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Provision selects primary and backup servers for deploymentID, reserves a
// port on each inside tx and returns the assignment. The caller persists it
// in the same transaction.
func (a *Allocator) Provision(
	ctx context.Context,
	tx Tx,
	deploymentID int64,
	loc domain.Location,
	pool string,
) (domain.Assignment, error) {
	primary, err := a.engine.SelectServer(ctx, tx, loc, pool, nil)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("select primary server: %w", err)
	}
	primaryPort, err := a.reservePort(ctx, tx, deploymentID, primary.ID, domain.SlotPrimary)
	if err != nil {
		return domain.Assignment{}, err
	}

	backup, err := a.engine.SelectServer(ctx, tx, loc, pool, map[string]struct{}{primary.ID: {}})
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("select backup server: %w", err)
	}
	backupPort, err := a.reservePort(ctx, tx, deploymentID, backup.ID, domain.SlotBackup)
	if err != nil {
		return domain.Assignment{}, err
	}

	secret, err := a.secret()
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("generate secret: %w", err)
	}

	return domain.Assignment{
		PrimaryServer: primary.ID,
		PrimaryPort:   primaryPort,
		BackupServer:  backup.ID,
		BackupPort:    backupPort,
		Secret:        secret,
	}, nil
}

func (a *Allocator) reservePort(ctx context.Context, tx Tx, deploymentID int64, serverID string, slot domain.Slot) (int, error) {
	port, err := retry.DoWithData(
		func() (int, error) {
			candidate := a.ports()
			ok, err := tx.ReservePort(ctx, domain.PortReservation{
				ServerID:     serverID,
				Port:         candidate,
				DeploymentID: deploymentID,
				Slot:         slot,
			})
			if err != nil {
				return 0, fmt.Errorf("reserve port %d on %s: %w", candidate, serverID, err)
			}
			if !ok {
				a.metrics.Increment(metrics.PortCollision)
				return 0, errPortTaken
			}
			return candidate, nil
		},
		retry.Attempts(a.retryLimit),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errPortTaken) }),
	)
	if err == nil {
		return port, nil
	}
	if errors.Is(err, errPortTaken) {
		a.metrics.Increment(metrics.PortExhausted)
		a.logger.Error().
			Int64("deployment_id", deploymentID).
			Str("server", serverID).
			Str("slot", string(slot)).
			Uint("attempts", a.retryLimit).
			Msg("no free port found for managed SP instance")
		return 0, &domain.DeploymentError{
			DeploymentID: deploymentID,
			Op:           fmt.Sprintf("reserve %s port on %s after %d attempts", slot, serverID, a.retryLimit),
			Err:          domain.ErrPortAllocationExhausted,
		}
	}
	return 0, err
}

// Func runs inside the store's provisioning transaction and returns the
// assignment to persist for d.
type Func func(ctx context.Context, tx Tx, d domain.Deployment) (domain.Assignment, error)

// ProvisionFunc adapts the allocator to the store's provisioning transaction.
func (a *Allocator) ProvisionFunc(loc domain.Location, pool string) Func {
	return func(ctx context.Context, tx Tx, d domain.Deployment) (domain.Assignment, error) {
		return a.Provision(ctx, tx, d.ID, loc, pool)
	}
}
