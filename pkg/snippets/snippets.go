// Package snippets defines stored user code modules for the code action.
package snippets

import (
	"context"
	"errors"
	"time"
)

// MaxSourceBytes caps stored snippet source.
const MaxSourceBytes = 50 * 1024

var (
	// ErrNotFound is returned when the snippet does not exist for the tenant.
	ErrNotFound = errors.New("snippets: not found")
	// ErrSourceTooLarge is returned for sources over MaxSourceBytes.
	ErrSourceTooLarge = errors.New("snippets: source exceeds maximum size")
)

// Snippet is a stored, named piece of user source. Source holds the
// user-authored text; ArtifactHash addresses the compiled module in the
// artifact store when one exists.
type Snippet struct {
	ID           string
	TenantID     string
	Name         string
	Source       string
	ArtifactHash string
	Executions   int64
	LastExecuted time.Time
}

// Store is the persistence dependency for snippets. The core reads and
// counts; creation belongs to the settings collaborator.
type Store interface {
	// Get loads a snippet scoped to the tenant. Returns ErrNotFound when
	// absent or owned by another tenant.
	Get(ctx context.Context, tenantID, snippetID string) (*Snippet, error)

	// IncrementUsage atomically bumps the execution counter and stamps
	// last-executed.
	IncrementUsage(ctx context.Context, tenantID, snippetID string, at time.Time) error
}
