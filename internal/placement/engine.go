// Package placement picks the backend RADIUS server for a new managed
// deployment: nearest server with spare capacity, federation pool first,
// then the default pool.
package placement

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/koltyakov/managedsp/internal/domain"
	"github.com/koltyakov/managedsp/internal/metrics"
)

// Inventory reads servers and their committed load.
type Inventory interface {
	PoolLoad(ctx context.Context, pool string) ([]domain.ServerLoad, error)
}

// Engine selects servers. The zero value is not usable; use [New].
type Engine struct {
	base    int
	logger  zerolog.Logger
	metrics metrics.Metrics
}

// Option configures an [Engine].
type Option func(*Engine)

// WithCapacityBase overrides the dual-stack client ceiling.
func WithCapacityBase(base int) Option {
	return func(e *Engine) {
		if base > 0 {
			e.base = base
		}
	}
}

// WithLogger sets the logger for placement decisions and saturation warnings.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets where load gauges and saturation counters go.
func WithMetrics(m metrics.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// New returns an Engine with the default capacity base.
func New(opts ...Option) *Engine {
	e := &Engine{
		base:    DefaultCapacityBase,
		logger:  zerolog.Nop(),
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CapacityBase returns the configured dual-stack ceiling.
func (e *Engine) CapacityBase() int { return e.base }

// SearchPools returns the pools searched for a federation, in order.
func SearchPools(federation string) []string {
	federation = strings.TrimSpace(federation)
	if federation == "" || federation == domain.DefaultPool {
		return []string{domain.DefaultPool}
	}
	return []string{federation, domain.DefaultPool}
}

// SelectServer returns the nearest eligible server in pool, falling back to
// the default pool once. Servers in excluded are skipped in both pools.
func (e *Engine) SelectServer(
	ctx context.Context,
	inv Inventory,
	loc domain.Location,
	pool string,
	excluded map[string]struct{},
) (domain.Server, error) {
	pools := SearchPools(pool)
	for _, p := range pools {
		loads, err := inv.PoolLoad(ctx, p)
		if err != nil {
			return domain.Server{}, fmt.Errorf("load pool %s: %w", p, err)
		}
		if s, ok := e.pick(loads, loc, excluded); ok {
			e.logger.Debug().
				Str("pool", p).
				Str("server", s.ID).
				Msg("placement candidate selected")
			return s, nil
		}
		e.logger.Debug().Str("pool", p).Msg("no eligible server in pool")
	}
	e.metrics.Increment(metrics.NoCapacity)
	return domain.Server{}, &domain.NoCapacityError{Pools: pools}
}

type candidate struct {
	server domain.Server
	known  bool
	km     int
}

func (e *Engine) pick(loads []domain.ServerLoad, loc domain.Location, excluded map[string]struct{}) (domain.Server, bool) {
	candidates := make([]candidate, 0, len(loads))
	for _, sl := range loads {
		capacity := Capacity(sl.Server, e.base)
		e.metrics.Gauge(metrics.ServerLoadPrefix+sl.Server.ID, sl.Load)
		if NearSaturation(sl.Load, capacity) {
			e.metrics.Increment(metrics.NearSaturation)
			e.logger.Warn().
				Str("server", sl.Server.ID).
				Str("pool", sl.Server.Pool).
				Int("load", sl.Load).
				Int("capacity", capacity).
				Msg("managed SP RADIUS server is serving at more than 90% capacity")
		}
		if _, skip := excluded[sl.Server.ID]; skip {
			continue
		}
		if !Eligible(sl.Load, capacity) {
			continue
		}
		c := candidate{server: sl.Server}
		if sl.Server.Location != nil {
			c.known = true
			c.km = DistanceKm(loc, *sl.Server.Location)
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return domain.Server{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.known != b.known {
			return a.known
		}
		if a.km != b.km {
			return a.km < b.km
		}
		return a.server.ID < b.server.ID
	})
	return candidates[0].server, true
}
