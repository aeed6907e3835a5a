// Package geo locates the administrator requesting a new managed deployment.
// Location only biases server selection, so every failure degrades to the
// neutral coordinate instead of failing the request.
package geo

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/koltyakov/managedsp/internal/domain"
)

// ErrNotSupported is returned by locators that have no geolocation backend.
var ErrNotSupported = errors.New("geolocation not supported")

// Neutral is used whenever the origin cannot be located.
var Neutral = domain.Location{Lat: 0, Lon: 0}

// Locator resolves a request origin (usually the client IP) to a coordinate.
type Locator interface {
	Locate(ctx context.Context, origin string) (domain.Location, error)
}

// Disabled never locates anything.
type Disabled struct{}

func (Disabled) Locate(context.Context, string) (domain.Location, error) {
	return domain.Location{}, ErrNotSupported
}

// Static returns the same coordinate for every origin.
type Static domain.Location

func (s Static) Locate(context.Context, string) (domain.Location, error) {
	return domain.Location(s), nil
}

// LocateOrDefault asks l for the origin's position and falls back to
// [Neutral] on any error, including timeouts.
func LocateOrDefault(ctx context.Context, l Locator, origin string, logger zerolog.Logger) domain.Location {
	if l == nil {
		return Neutral
	}
	loc, err := l.Locate(ctx, origin)
	if err != nil {
		logger.Debug().Err(err).Str("origin", origin).Msg("geolocation unavailable, using neutral location")
		return Neutral
	}
	return loc
}
