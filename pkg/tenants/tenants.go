// Package tenants defines the installation records the execution core
// reads. Tenants are created by the OAuth collaborator; the core only
// loads them, refreshes tokens and stamps activity.
package tenants

import (
	"context"
	"errors"
	"time"

	"github.com/triops-labs/triops/pkg/kms"
)

// Status values for a tenant installation.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

var (
	// ErrNotFound is returned when no tenant exists for the id.
	ErrNotFound = errors.New("tenants: not found")
	// ErrSuspended is returned when the tenant is not active.
	ErrSuspended = errors.New("tenants: tenant is suspended")
)

// ActivityWriteInterval throttles last-activity writes; hot portals would
// otherwise turn every execution into a tenant-row update.
const ActivityWriteInterval = 5 * time.Minute

// Caps are per-tenant execution limits. Zero values fall back to the
// process defaults at dispatch time.
type Caps struct {
	WebhookTimeout time.Duration
	CodeTimeout    time.Duration
	MaxSnippets    int
	MaxSecrets     int
}

// Tenant is one installation of the integration.
type Tenant struct {
	ID           string
	Status       string
	AccessToken  kms.Envelope
	RefreshToken kms.Envelope
	Caps         Caps
	LastActivity time.Time
	InstalledAt  time.Time
}

// Active reports whether the tenant may execute actions.
func (t *Tenant) Active() bool {
	return t.Status == StatusActive
}

// Store is the persistence dependency for tenants.
type Store interface {
	// Find loads a tenant by id. Returns ErrNotFound when absent.
	Find(ctx context.Context, id string) (*Tenant, error)

	// UpdateTokens replaces the encrypted OAuth token envelopes.
	UpdateTokens(ctx context.Context, id string, access, refresh kms.Envelope) error

	// TouchActivity stamps last-activity, but only when the previous stamp
	// is older than ActivityWriteInterval.
	TouchActivity(ctx context.Context, id string, now time.Time) error
}
