package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/managedsp/internal/domain"
	"github.com/koltyakov/managedsp/internal/netutil"
)

func TestHTTPLocatorOK(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "198.51.100.7", r.URL.Query().Get("ip"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","country":"LU","geo":{"lat":49.61,"lon":6.13}}`))
	}))
	defer srv.Close()

	loc, err := NewHTTPLocator(srv.URL, time.Second).Locate(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	assert.Equal(t, domain.Location{Lat: 49.61, Lon: 6.13}, loc)
}

func TestHTTPLocatorErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","error":"Problem listing countries"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPLocator(srv.URL, time.Second).Locate(context.Background(), "203.0.113.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Problem listing countries")
}

func TestHTTPLocatorTimeoutDegrades(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	l := NewHTTPLocator(srv.URL, 50*time.Millisecond)
	_, err := l.Locate(context.Background(), "203.0.113.1")
	require.Error(t, err)

	loc := LocateOrDefault(context.Background(), l, "203.0.113.1", zerolog.Nop())
	assert.Equal(t, Neutral, loc)
}

func TestLocateOrDefault(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Equal(t, Neutral, LocateOrDefault(ctx, Disabled{}, "x", zerolog.Nop()))
	assert.Equal(t, Neutral, LocateOrDefault(ctx, nil, "x", zerolog.Nop()))
	assert.Equal(t, Neutral, LocateOrDefault(ctx, NewHTTPLocator("", 0), "x", zerolog.Nop()))
	assert.Equal(t, domain.Location{Lat: 1, Lon: 2}, LocateOrDefault(ctx, Static{Lat: 1, Lon: 2}, "x", zerolog.Nop()))
}

func TestHTTPLocatorSkipsPrivateOrigins(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"status":"ok","geo":{"lat":1,"lon":1}}`))
	}))
	defer srv.Close()

	l := NewHTTPLocator(srv.URL, time.Second)
	_, err := l.Locate(context.Background(), "10.0.0.8:41000")
	require.ErrorIs(t, err, netutil.ErrNotRoutable)
	assert.Equal(t, Neutral, LocateOrDefault(context.Background(), l, "127.0.0.1", zerolog.Nop()))
	assert.Zero(t, calls.Load())

	loc, err := l.Locate(context.Background(), "[::ffff:198.51.100.7]:443")
	require.NoError(t, err)
	assert.Equal(t, domain.Location{Lat: 1, Lon: 1}, loc)
	assert.Equal(t, int32(1), calls.Load())
}
