// Package deployment exposes the lifecycle of managed service-point
// deployments: one-time provisioning onto a primary and a backup server,
// activation, deactivation, destruction, options and change freshness.
package deployment

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/koltyakov/managedsp/internal/domain"
	"github.com/koltyakov/managedsp/internal/geo"
	"github.com/koltyakov/managedsp/internal/metrics"
	"github.com/koltyakov/managedsp/internal/notify"
	"github.com/koltyakov/managedsp/internal/provision"
)

// Store is the transactional persistence the service runs on.
type Store interface {
	GetDeployment(ctx context.Context, id int64) (domain.Deployment, error)
	InstitutionFederation(ctx context.Context, institutionID string) (string, error)
	// ProvisionOnce runs fn in a transaction that holds the deployment's
	// lock, only while the deployment is unprovisioned, and stores the
	// assignment fn returns. The boolean reports whether fn ran and its
	// result was committed.
	ProvisionOnce(ctx context.Context, id int64, now time.Time, fn provision.Func) (domain.Deployment, bool, error)
	// SetStatus returns domain.ErrNotProvisioned for unprovisioned
	// deployments and reports whether the status changed.
	SetStatus(ctx context.Context, id int64, status domain.Status, now time.Time) (domain.Deployment, bool, error)
	Touch(ctx context.Context, id int64, now time.Time) (time.Time, error)
	Freshness(ctx context.Context, id int64) (time.Time, bool, error)
	DeleteDeployment(ctx context.Context, id int64) error
	AddOption(ctx context.Context, id int64, opt domain.Option, now time.Time) (time.Time, error)
	ListOptions(ctx context.Context, id int64) ([]domain.Option, error)
	DeleteOptions(ctx context.Context, id int64, name string, now time.Time) (time.Time, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// DefaultProvisionAttempts bounds how often a provisioning transaction that
// lost a lock race is retried.
const DefaultProvisionAttempts = 5

const conflictBackoff = 20 * time.Millisecond

// Freshness event reasons.
const (
	ReasonProvisioned = "provisioned"
	ReasonActivated   = "activated"
	ReasonDeactivated = "deactivated"
	ReasonDestroyed   = "destroyed"
	ReasonTouched     = "touched"
	ReasonOptions     = "options"
)

// Service implements the deployment operations on top of a Store.
type Service struct {
	store     Store
	allocator *provision.Allocator
	locator   geo.Locator
	publisher notify.Publisher
	logger    zerolog.Logger
	metrics   metrics.Metrics
	clock     Clock
	attempts  uint
}

// Option configures a [Service].
type Option func(*Service)

// WithLocator sets the geolocation source for client origins.
func WithLocator(l geo.Locator) Option {
	return func(s *Service) {
		if l != nil {
			s.locator = l
		}
	}
}

// WithPublisher sets where freshness events go after each commit.
func WithPublisher(p notify.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets where provisioning counters and timings go.
func WithMetrics(m metrics.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock replaces the wall clock used for last-change times.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithProvisionAttempts bounds provisioning retries after lock conflicts.
func WithProvisionAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.attempts = uint(n)
		}
	}
}

// NewService returns a Service on store that provisions with allocator.
func NewService(store Store, allocator *provision.Allocator, opts ...Option) *Service {
	s := &Service{
		store:     store,
		allocator: allocator,
		locator:   geo.Disabled{},
		publisher: notify.Nop{},
		logger:    zerolog.Nop(),
		metrics:   metrics.Nop{},
		clock:     realClock{},
		attempts:  DefaultProvisionAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ParseDeploymentID validates a raw deployment identifier.
func ParseDeploymentID(raw string) (int64, error) {
	return domain.ParseDeploymentID(raw)
}

// Get returns the stored deployment.
func (s *Service) Get(ctx context.Context, id int64) (domain.Deployment, error) {
	d, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return domain.Deployment{}, wrap(id, "get", err)
	}
	return d, nil
}

// GetStatus returns the stored lifecycle status.
func (s *Service) GetStatus(ctx context.Context, id int64) (domain.Status, error) {
	d, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return "", wrap(id, "get status", err)
	}
	return d.Status, nil
}

type provisionResult struct {
	deployment domain.Deployment
	created    bool
}

// ProvisionIfNeeded binds an unprovisioned deployment to two servers, two
// ports and a secret, choosing servers close to origin. A deployment that
// is already provisioned is returned unchanged.
func (s *Service) ProvisionIfNeeded(ctx context.Context, id int64, origin string) (domain.Deployment, error) {
	d, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return domain.Deployment{}, wrap(id, "provision", err)
	}
	if d.Provisioned() {
		return d, nil
	}

	federation, err := s.store.InstitutionFederation(ctx, d.InstitutionID)
	if err != nil {
		return domain.Deployment{}, wrap(id, "resolve federation of "+d.InstitutionID, err)
	}
	loc := geo.LocateOrDefault(ctx, s.locator, origin, s.logger)

	attempt := uuid.NewString()
	logger := s.logger.With().
		Int64("deployment_id", id).
		Str("attempt_id", attempt).
		Str("federation", federation).
		Logger()
	start := s.clock.Now()

	fn := s.allocator.ProvisionFunc(loc, federation)
	res, err := retry.DoWithData(
		func() (provisionResult, error) {
			d, created, err := s.store.ProvisionOnce(ctx, id, s.clock.Now(), fn)
			return provisionResult{deployment: d, created: created}, err
		},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(conflictBackoff),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, domain.ErrConflict) }),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug().Uint("retry", n+1).Err(err).Msg("provisioning conflict, retrying")
		}),
	)
	if err != nil {
		var noCap *domain.NoCapacityError
		if errors.As(err, &noCap) {
			logger.Error().Strs("pools", noCap.Pools).Msg("no managed SP server capacity left")
		} else {
			logger.Error().Err(err).Msg("provisioning failed")
		}
		return domain.Deployment{}, wrap(id, "provision", err)
	}
	if !res.created {
		return res.deployment, nil
	}

	s.metrics.Increment(metrics.Provisioned)
	s.metrics.Duration(metrics.ProvisionDuration, s.clock.Now().Sub(start))
	a := res.deployment.Assignment()
	logger.Info().
		Str("primary", a.PrimaryServer).
		Int("primary_port", a.PrimaryPort).
		Str("backup", a.BackupServer).
		Int("backup_port", a.BackupPort).
		Float64("lat", loc.Lat).
		Float64("lon", loc.Lon).
		Msg("deployment provisioned")
	s.publish(ctx, id, res.deployment.LastChange, ReasonProvisioned)
	return res.deployment, nil
}

// Activate marks a provisioned deployment active. Activating an active
// deployment is a no-op.
func (s *Service) Activate(ctx context.Context, id int64) (domain.Deployment, error) {
	d, changed, err := s.store.SetStatus(ctx, id, domain.StatusActive, s.clock.Now())
	if err != nil {
		return domain.Deployment{}, wrap(id, "activate", err)
	}
	if changed {
		s.logger.Info().Int64("deployment_id", id).Msg("deployment activated")
		s.publish(ctx, id, d.LastChange, ReasonActivated)
	}
	return d, nil
}

// Deactivate marks a provisioned deployment inactive. An unprovisioned
// deployment stays unprovisioned so that it can still be provisioned later.
func (s *Service) Deactivate(ctx context.Context, id int64) (domain.Deployment, error) {
	d, changed, err := s.store.SetStatus(ctx, id, domain.StatusInactive, s.clock.Now())
	if errors.Is(err, domain.ErrNotProvisioned) {
		return d, nil
	}
	if err != nil {
		return domain.Deployment{}, wrap(id, "deactivate", err)
	}
	if changed {
		s.logger.Info().Int64("deployment_id", id).Msg("deployment deactivated")
		s.publish(ctx, id, d.LastChange, ReasonDeactivated)
	}
	return d, nil
}

// Destroy deletes a deployment, its options and its port reservations.
func (s *Service) Destroy(ctx context.Context, id int64) error {
	if err := s.store.DeleteDeployment(ctx, id); err != nil {
		return wrap(id, "destroy", err)
	}
	s.logger.Info().Int64("deployment_id", id).Msg("deployment destroyed")
	s.publish(ctx, id, nil, ReasonDestroyed)
	return nil
}

// TouchFreshness records that the deployment changed and returns the new
// last-change time, which is strictly later than the previous one.
func (s *Service) TouchFreshness(ctx context.Context, id int64) (time.Time, error) {
	at, err := s.store.Touch(ctx, id, s.clock.Now())
	if err != nil {
		return time.Time{}, wrap(id, "touch", err)
	}
	s.publish(ctx, id, &at, ReasonTouched)
	return at, nil
}

// GetFreshness returns the last-change time. The boolean is false when the
// deployment no longer exists.
func (s *Service) GetFreshness(ctx context.Context, id int64) (time.Time, bool, error) {
	at, ok, err := s.store.Freshness(ctx, id)
	if err != nil {
		return time.Time{}, false, wrap(id, "freshness", err)
	}
	return at, ok, nil
}

// SetOption attaches an attribute to the deployment.
func (s *Service) SetOption(ctx context.Context, id int64, opt domain.Option) error {
	if opt.Name == "" {
		return wrap(id, "set option", errors.New("option name is required"))
	}
	at, err := s.store.AddOption(ctx, id, opt, s.clock.Now())
	if err != nil {
		return wrap(id, "set option "+opt.Name, err)
	}
	s.publish(ctx, id, &at, ReasonOptions)
	return nil
}

// Options lists the attributes of the deployment.
func (s *Service) Options(ctx context.Context, id int64) ([]domain.Option, error) {
	opts, err := s.store.ListOptions(ctx, id)
	if err != nil {
		return nil, wrap(id, "list options", err)
	}
	return opts, nil
}

// ClearOptions removes the attributes named name, or all of them when name
// is empty.
func (s *Service) ClearOptions(ctx context.Context, id int64, name string) error {
	at, err := s.store.DeleteOptions(ctx, id, name, s.clock.Now())
	if err != nil {
		return wrap(id, "clear options", err)
	}
	s.publish(ctx, id, &at, ReasonOptions)
	return nil
}

func (s *Service) publish(ctx context.Context, id int64, at *time.Time, reason string) {
	ev := domain.FreshnessEvent{DeploymentID: id, LastChange: at, Reason: reason}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn().Err(err).Int64("deployment_id", id).Str("reason", reason).Msg("freshness notification failed")
	}
}

func wrap(id int64, op string, err error) error {
	return &domain.DeploymentError{DeploymentID: id, Op: op, Err: err}
}
