package placement

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/managedsp/internal/domain"
	"github.com/koltyakov/managedsp/internal/metrics"
)

type fakeInventory struct {
	pools map[string][]domain.ServerLoad
	calls []string
	err   error
}

func (f *fakeInventory) PoolLoad(_ context.Context, pool string) ([]domain.ServerLoad, error) {
	f.calls = append(f.calls, pool)
	if f.err != nil {
		return nil, f.err
	}
	return f.pools[pool], nil
}

func dual(id, pool string, lat, lon float64) domain.Server {
	return domain.Server{ID: id, Pool: pool, IP4: "192.0.2.10", IP6: "2001:db8::10", Location: &domain.Location{Lat: lat, Lon: lon}}
}

func single(id, pool string, lat, lon float64) domain.Server {
	return domain.Server{ID: id, Pool: pool, IP4: "192.0.2.20", Location: &domain.Location{Lat: lat, Lon: lon}}
}

func TestSelectServerNearestFirst(t *testing.T) {
	t.Parallel()

	origin := domain.Location{Lat: 0, Lon: 0}
	inv := &fakeInventory{pools: map[string][]domain.ServerLoad{
		"EU": {
			{Server: dual("far", "EU", 0, 2.8125)},  // ~200 km
			{Server: dual("near", "EU", 0, 0.1406)}, // ~10 km
			{Server: dual("mid", "EU", 0, 0.7031)},  // ~50 km
		},
	}}
	require.Equal(t, 10, DistanceKm(origin, *inv.pools["EU"][1].Server.Location))
	require.Equal(t, 50, DistanceKm(origin, *inv.pools["EU"][2].Server.Location))
	require.Equal(t, 200, DistanceKm(origin, *inv.pools["EU"][0].Server.Location))

	s, err := New().SelectServer(context.Background(), inv, origin, "EU", nil)
	require.NoError(t, err)
	assert.Equal(t, "near", s.ID)
	assert.Equal(t, []string{"EU"}, inv.calls)
}

func TestSelectServerSkipsFullServers(t *testing.T) {
	t.Parallel()

	inv := &fakeInventory{pools: map[string][]domain.ServerLoad{
		"EU": {
			{Server: dual("full", "EU", 50, 9), Load: 200},
			{Server: dual("room", "EU", 10, 10), Load: 199},
		},
	}}
	s, err := New().SelectServer(context.Background(), inv, domain.Location{Lat: 50, Lon: 9}, "EU", nil)
	require.NoError(t, err)
	assert.Equal(t, "room", s.ID)
}

func TestSelectServerSingleStackDoublesCapacity(t *testing.T) {
	t.Parallel()

	inv := &fakeInventory{pools: map[string][]domain.ServerLoad{
		"EU": {{Server: single("s", "EU", 50, 9), Load: 399}},
	}}
	s, err := New().SelectServer(context.Background(), inv, domain.Location{}, "EU", nil)
	require.NoError(t, err)
	assert.Equal(t, "s", s.ID)

	inv.pools["EU"][0].Load = 400
	_, err = New().SelectServer(context.Background(), inv, domain.Location{}, "EU", nil)
	assert.ErrorIs(t, err, domain.ErrNoCapacityAvailable)
}

func TestSelectServerFallsBackToDefaultPool(t *testing.T) {
	t.Parallel()

	inv := &fakeInventory{pools: map[string][]domain.ServerLoad{
		"EU":              {{Server: dual("eu-full", "EU", 50, 9), Load: 200}},
		domain.DefaultPool: {{Server: dual("default-1", domain.DefaultPool, 40, -70)}},
	}}
	s, err := New().SelectServer(context.Background(), inv, domain.Location{Lat: 50, Lon: 9}, "EU", nil)
	require.NoError(t, err)
	assert.Equal(t, "default-1", s.ID)
	assert.Equal(t, []string{"EU", domain.DefaultPool}, inv.calls)
}

func TestSelectServerExhaustedNamesPools(t *testing.T) {
	t.Parallel()

	rec := metrics.NewRecorder()
	inv := &fakeInventory{pools: map[string][]domain.ServerLoad{
		"EU":              {{Server: dual("eu-full", "EU", 50, 9), Load: 200}},
		domain.DefaultPool: {{Server: dual("d-full", domain.DefaultPool, 50, 9), Load: 250}},
	}}
	_, err := New(WithMetrics(rec)).SelectServer(context.Background(), inv, domain.Location{}, "EU", nil)
	require.ErrorIs(t, err, domain.ErrNoCapacityAvailable)

	var capErr *domain.NoCapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, []string{"EU", domain.DefaultPool}, capErr.Pools)
	assert.Equal(t, 1, rec.Count(metrics.NoCapacity))
}

func TestSelectServerDefaultPoolHasNoFurtherFallback(t *testing.T) {
	t.Parallel()

	inv := &fakeInventory{pools: map[string][]domain.ServerLoad{}}
	_, err := New().SelectServer(context.Background(), inv, domain.Location{}, domain.DefaultPool, nil)
	require.ErrorIs(t, err, domain.ErrNoCapacityAvailable)
	assert.Equal(t, []string{domain.DefaultPool}, inv.calls)
}

func TestSelectServerExclusionAppliesToBothPools(t *testing.T) {
	t.Parallel()

	inv := &fakeInventory{pools: map[string][]domain.ServerLoad{
		"EU":              {{Server: dual("shared", "EU", 50, 9)}},
		domain.DefaultPool: {{Server: dual("shared", domain.DefaultPool, 50, 9)}, {Server: dual("other", domain.DefaultPool, 0, 0)}},
	}}
	excluded := map[string]struct{}{"shared": {}}
	s, err := New().SelectServer(context.Background(), inv, domain.Location{Lat: 50, Lon: 9}, "EU", excluded)
	require.NoError(t, err)
	assert.Equal(t, "other", s.ID)
}

func TestSelectServerUnknownLocationSortsLast(t *testing.T) {
	t.Parallel()

	nowhere := dual("nowhere", "EU", 0, 0)
	nowhere.Location = nil
	inv := &fakeInventory{pools: map[string][]domain.ServerLoad{
		"EU": {{Server: nowhere}, {Server: dual("antipode", "EU", -50, -171)}},
	}}
	s, err := New().SelectServer(context.Background(), inv, domain.Location{Lat: 50, Lon: 9}, "EU", nil)
	require.NoError(t, err)
	assert.Equal(t, "antipode", s.ID)

	inv.pools["EU"] = []domain.ServerLoad{{Server: nowhere}}
	s, err = New().SelectServer(context.Background(), inv, domain.Location{Lat: 50, Lon: 9}, "EU", nil)
	require.NoError(t, err)
	assert.Equal(t, "nowhere", s.ID)
}

func TestSelectServerTieBreaksByID(t *testing.T) {
	t.Parallel()

	inv := &fakeInventory{pools: map[string][]domain.ServerLoad{
		"EU": {{Server: dual("b", "EU", 10, 10)}, {Server: dual("a", "EU", 10, 10)}, {Server: dual("c", "EU", 10, 10)}},
	}}
	for i := 0; i < 5; i++ {
		s, err := New().SelectServer(context.Background(), inv, domain.Location{}, "EU", nil)
		require.NoError(t, err)
		assert.Equal(t, "a", s.ID)
	}
}

func TestSelectServerWarnsForEveryNearlyFullServer(t *testing.T) {
	t.Parallel()

	rec := metrics.NewRecorder()
	inv := &fakeInventory{pools: map[string][]domain.ServerLoad{
		"EU": {
			{Server: dual("hot", "EU", 50, 9), Load: 195},
			{Server: dual("excluded-hot", "EU", 50, 9), Load: 199},
			{Server: dual("cool", "EU", 10, 10), Load: 10},
		},
	}}
	excluded := map[string]struct{}{"excluded-hot": {}}
	s, err := New(WithMetrics(rec)).SelectServer(context.Background(), inv, domain.Location{Lat: 50, Lon: 9}, "EU", excluded)
	require.NoError(t, err)
	assert.Equal(t, "hot", s.ID)
	assert.Equal(t, 2, rec.Count(metrics.NearSaturation))
	load, ok := rec.GaugeValue(metrics.ServerLoadPrefix + "cool")
	assert.True(t, ok)
	assert.Equal(t, 10, load)
}

func TestSelectServerScenario(t *testing.T) {
	t.Parallel()

	inv := &fakeInventory{pools: map[string][]domain.ServerLoad{
		"EU": {
			{Server: dual("S1", "EU", 50, 10), Load: 150},
			{Server: single("S2", "EU", 48, 2), Load: 390},
		},
	}}
	e := New()
	loc := domain.Location{Lat: 50, Lon: 9}
	primary, err := e.SelectServer(context.Background(), inv, loc, "EU", nil)
	require.NoError(t, err)
	assert.Equal(t, "S1", primary.ID)

	backup, err := e.SelectServer(context.Background(), inv, loc, "EU", map[string]struct{}{primary.ID: {}})
	require.NoError(t, err)
	assert.Equal(t, "S2", backup.ID)
}

func TestSelectServerPropagatesInventoryErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := New().SelectServer(context.Background(), &fakeInventory{err: boom}, domain.Location{}, "EU", nil)
	assert.ErrorIs(t, err, boom)
}

func TestSearchPools(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"EU", domain.DefaultPool}, SearchPools("EU"))
	assert.Equal(t, []string{domain.DefaultPool}, SearchPools(domain.DefaultPool))
	assert.Equal(t, []string{domain.DefaultPool}, SearchPools("  "))
}
