package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/koltyakov/managedsp/internal/config"
	"github.com/koltyakov/managedsp/internal/deployment"
	"github.com/koltyakov/managedsp/internal/domain"
	"github.com/koltyakov/managedsp/internal/geo"
	"github.com/koltyakov/managedsp/internal/log"
	"github.com/koltyakov/managedsp/internal/metrics"
	"github.com/koltyakov/managedsp/internal/notify"
	"github.com/koltyakov/managedsp/internal/placement"
	"github.com/koltyakov/managedsp/internal/provision"
	"github.com/koltyakov/managedsp/internal/store/postgres"
	"github.com/koltyakov/managedsp/internal/store/sqlite"
)

// adminStore is the store surface the CLI drives: the service contract plus
// inventory and registry administration.
type adminStore interface {
	deployment.Store
	UpsertServer(ctx context.Context, srv domain.Server) error
	ListServers(ctx context.Context) ([]domain.ServerLoad, error)
	PoolLoad(ctx context.Context, pool string) ([]domain.ServerLoad, error)
	UpsertInstitution(ctx context.Context, inst domain.Institution) error
	ReserveDeployment(ctx context.Context, id int64, institutionID string, now time.Time) (domain.Deployment, error)
	Reservations(ctx context.Context, serverID string) ([]domain.PortReservation, error)
	Close() error
}

var (
	_ adminStore = (*sqlite.Store)(nil)
	_ adminStore = (*postgres.Store)(nil)
)

// app holds the wired components of one command invocation.
type app struct {
	cfg     config.Config
	logger  zerolog.Logger
	store   adminStore
	engine  *placement.Engine
	service *deployment.Service
	closers []io.Closer
}

func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: log.NewWithWriter(os.Stderr, cfg.LogLevel),
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	var m metrics.Metrics = metrics.Nop{}
	if cfg.StatsdAddr != "" {
		sd := metrics.NewStatsd(cfg.NodeName, cfg.StatsdAddr)
		a.closers = append(a.closers, sd)
		m = sd
	}

	var publisher notify.Publisher = notify.Nop{}
	if cfg.RedisURL != "" {
		rp, err := notify.NewRedisPublisher(ctx, cfg.RedisURL)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rp)
		publisher = rp
	}

	var locator geo.Locator = geo.Disabled{}
	if cfg.GeoURL != "" {
		locator = geo.NewHTTPLocator(cfg.GeoURL, cfg.GeoTimeout)
	}

	a.engine = placement.New(
		placement.WithCapacityBase(cfg.CapacityBase),
		placement.WithLogger(a.logger),
		placement.WithMetrics(m),
	)
	allocator := provision.NewAllocator(a.engine,
		provision.WithPortRetryLimit(cfg.PortRetryLimit),
		provision.WithLogger(a.logger),
		provision.WithMetrics(m),
	)
	a.service = deployment.NewService(store, allocator,
		deployment.WithLocator(locator),
		deployment.WithPublisher(publisher),
		deployment.WithLogger(a.logger),
		deployment.WithMetrics(m),
		deployment.WithProvisionAttempts(cfg.ProvisionAttempts),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config) (adminStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.PostgresDSN)
	default:
		return sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{
			MaxOpenConns: cfg.DBMaxOpenConns,
			MaxIdleConns: cfg.DBMaxIdleConns,
		})
	}
}

func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, a.closers[i].Close())
	}
	return err
}

// command parses args against the shared flags plus the ones added by
// register, then opens the app. When the returned app is nil the caller
// exits with the returned code.
func command(ctx context.Context, name string, args []string, register func(fs *pflag.FlagSet)) (*app, []string, int) {
	fs := config.NewFlagSet(name)
	fs.SetOutput(stderr)
	if register != nil {
		register(fs)
	}
	cfg, err := config.Parse(fs, args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil, nil, 0
	}
	if err != nil {
		fmt.Fprintln(stderr, "config error:", err)
		return nil, nil, 2
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, nil, 1
	}
	return a, fs.Args(), 0
}
