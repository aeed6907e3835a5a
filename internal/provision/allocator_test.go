package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/managedsp/internal/domain"
	"github.com/koltyakov/managedsp/internal/metrics"
	"github.com/koltyakov/managedsp/internal/placement"
)

type reservationKey struct {
	server string
	port   int
}

type memTx struct {
	servers  []domain.ServerLoad
	reserved map[reservationKey]domain.PortReservation
	attempts int
	err      error
}

func newMemTx(servers ...domain.ServerLoad) *memTx {
	return &memTx{servers: servers, reserved: make(map[reservationKey]domain.PortReservation)}
}

func (m *memTx) PoolLoad(_ context.Context, pool string) ([]domain.ServerLoad, error) {
	var out []domain.ServerLoad
	for _, s := range m.servers {
		if s.Server.Pool == pool {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memTx) ReservePort(_ context.Context, r domain.PortReservation) (bool, error) {
	m.attempts++
	if m.err != nil {
		return false, m.err
	}
	k := reservationKey{r.ServerID, r.Port}
	if _, taken := m.reserved[k]; taken {
		return false, nil
	}
	m.reserved[k] = r
	return true, nil
}

func server(id, pool string, lat, lon float64) domain.ServerLoad {
	return domain.ServerLoad{Server: domain.Server{
		ID: id, Pool: pool, IP4: "192.0.2.1", IP6: "2001:db8::1",
		Location: &domain.Location{Lat: lat, Lon: lon},
	}}
}

func TestProvisionPicksDistinctServers(t *testing.T) {
	t.Parallel()

	tx := newMemTx(server("s1", "EU", 50, 10), server("s2", "EU", 48, 2))
	a := NewAllocator(placement.New())

	got, err := a.Provision(context.Background(), tx, 1, domain.Location{Lat: 50, Lon: 9}, "EU")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.PrimaryServer)
	assert.Equal(t, "s2", got.BackupServer)
	assert.NotEqual(t, got.PrimaryServer, got.BackupServer)
	assert.GreaterOrEqual(t, got.PrimaryPort, domain.MinPort)
	assert.LessOrEqual(t, got.PrimaryPort, domain.MaxPort)
	assert.GreaterOrEqual(t, got.BackupPort, domain.MinPort)
	assert.LessOrEqual(t, got.BackupPort, domain.MaxPort)
	assert.Len(t, got.Secret, SecretLength)

	assert.Contains(t, tx.reserved, reservationKey{"s1", got.PrimaryPort})
	assert.Contains(t, tx.reserved, reservationKey{"s2", got.BackupPort})
	assert.Equal(t, domain.SlotBackup, tx.reserved[reservationKey{"s2", got.BackupPort}].Slot)
}

func TestProvisionNeedsTwoServers(t *testing.T) {
	t.Parallel()

	tx := newMemTx(server("only", "EU", 50, 10))
	_, err := NewAllocator(placement.New()).Provision(context.Background(), tx, 1, domain.Location{}, "EU")
	require.ErrorIs(t, err, domain.ErrNoCapacityAvailable)
	assert.Contains(t, err.Error(), "select backup server")
}

func TestProvisionRetriesPortCollisions(t *testing.T) {
	t.Parallel()

	tx := newMemTx(server("s1", "EU", 50, 10), server("s2", "EU", 48, 2))
	tx.reserved[reservationKey{"s1", 2000}] = domain.PortReservation{ServerID: "s1", Port: 2000}
	tx.reserved[reservationKey{"s1", 2001}] = domain.PortReservation{ServerID: "s1", Port: 2001}
	rec := metrics.NewRecorder()

	a := NewAllocator(placement.New(),
		WithPortSource(SequencePorts(2000, 2001, 2002, 2000)),
		WithMetrics(rec),
	)
	got, err := a.Provision(context.Background(), tx, 9, domain.Location{Lat: 50, Lon: 9}, "EU")
	require.NoError(t, err)
	assert.Equal(t, 2002, got.PrimaryPort)
	// the backup server has its own port space, so 2000 is free there
	assert.Equal(t, 2000, got.BackupPort)
	assert.Equal(t, 2, rec.Count(metrics.PortCollision))
}

func TestProvisionPortRetryCap(t *testing.T) {
	t.Parallel()

	tx := newMemTx(server("s1", "EU", 50, 10), server("s2", "EU", 48, 2))
	tx.reserved[reservationKey{"s1", 3000}] = domain.PortReservation{ServerID: "s1", Port: 3000}
	rec := metrics.NewRecorder()

	a := NewAllocator(placement.New(),
		WithPortSource(SequencePorts(3000)),
		WithPortRetryLimit(5),
		WithMetrics(rec),
	)
	// next to s1, so s1 is the primary and its only drawn port is taken
	_, err := a.Provision(context.Background(), tx, 4, domain.Location{Lat: 50, Lon: 10}, "EU")
	require.ErrorIs(t, err, domain.ErrPortAllocationExhausted)
	assert.Contains(t, err.Error(), "reserve primary port on s1 after 5 attempts")
	assert.Equal(t, 5, tx.attempts)
	assert.Equal(t, 1, rec.Count(metrics.PortExhausted))
}

func TestProvisionStoreErrorStopsRetrying(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")
	tx := newMemTx(server("s1", "EU", 50, 10), server("s2", "EU", 48, 2))
	tx.err = boom

	_, err := NewAllocator(placement.New()).Provision(context.Background(), tx, 4, domain.Location{}, "EU")
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, domain.ErrPortAllocationExhausted)
	assert.Equal(t, 1, tx.attempts)
}

func TestProvisionUsesSecretSource(t *testing.T) {
	t.Parallel()

	tx := newMemTx(server("s1", "EU", 50, 10), server("s2", "EU", 48, 2))
	a := NewAllocator(placement.New(), WithSecretSource(func() (string, error) { return "fixedsecret12345", nil }))
	got, err := a.Provision(context.Background(), tx, 1, domain.Location{}, "EU")
	require.NoError(t, err)
	assert.Equal(t, "fixedsecret12345", got.Secret)
}
