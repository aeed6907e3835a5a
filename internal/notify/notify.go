// Package notify fans deployment freshness changes out to downstream caches.
package notify

import (
	"context"

	"github.com/koltyakov/managedsp/internal/domain"
)

// Publisher announces that a deployment changed.
type Publisher interface {
	Publish(ctx context.Context, ev domain.FreshnessEvent) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, domain.FreshnessEvent) error { return nil }
