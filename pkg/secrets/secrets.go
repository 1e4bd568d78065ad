// Package secrets manages tenant-scoped named secrets injected into code
// executions. Values are stored only as encrypted envelopes; decryption
// happens just before a sandbox run and plaintext never touches storage
// or logs.
package secrets

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/triops-labs/triops/pkg/kms"
)

// MaxNameLength caps secret names.
const MaxNameLength = 128

// reName is the allowed secret name shape. Names look like environment
// variables so snippet authors can reference them predictably.
var reName = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

var (
	// ErrInvalidName is returned for names outside the allowed shape.
	ErrInvalidName = errors.New("secrets: invalid secret name")
	// ErrNotFound is returned when the secret does not exist for the tenant.
	ErrNotFound = errors.New("secrets: not found")
)

// ValidName reports whether name is acceptable as a secret identifier.
func ValidName(name string) bool {
	return len(name) <= MaxNameLength && reName.MatchString(name)
}

// Secret is one encrypted named value.
type Secret struct {
	ID       string
	TenantID string
	Name     string
	Value    kms.Envelope
	Uses     int64
	LastUsed time.Time
}

// Store is the persistence dependency for secrets.
type Store interface {
	// List returns all secrets for the tenant, values still encrypted.
	List(ctx context.Context, tenantID string) ([]Secret, error)

	// BulkIncrementUsage bumps use counters for every id in one statement.
	BulkIncrementUsage(ctx context.Context, tenantID string, ids []string, at time.Time) error
}

// Resolver decrypts the subset of a tenant's secrets a snippet references.
type Resolver struct {
	store Store
	box   *kms.Box
}

// NewResolver wires a resolver over the store and the key box.
func NewResolver(store Store, box *kms.Box) *Resolver {
	return &Resolver{store: store, box: box}
}

// Reference patterns matched in snippet source: secrets.NAME,
// secrets['NAME'] and secrets["NAME"]. A textual scan over-approximates
// (comments count) which errs on the side of injecting.
var (
	reDotRef     = regexp.MustCompile(`\bsecrets\.([A-Z][A-Z0-9_]*)`)
	reBracketRef = regexp.MustCompile(`\bsecrets\[\s*['"]([A-Z][A-Z0-9_]*)['"]\s*\]`)
)

// Referenced returns the secret names mentioned by the source text, in
// first-appearance order.
func Referenced(source string) []string {
	seen := map[string]bool{}
	var names []string
	for _, re := range []*regexp.Regexp{reDotRef, reBracketRef} {
		for _, m := range re.FindAllStringSubmatch(source, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				names = append(names, m[1])
			}
		}
	}
	return names
}

// Resolve decrypts every stored secret whose name appears in names.
// Unknown names are skipped; snippets see them as absent. Returns the
// plaintext map and the ids of the secrets used, for usage accounting.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, names []string) (map[string]string, []string, error) {
	if len(names) == 0 {
		return nil, nil, nil
	}
	stored, err := r.store.List(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	wanted := map[string]bool{}
	for _, n := range names {
		wanted[n] = true
	}

	values := map[string]string{}
	var ids []string
	for _, s := range stored {
		if !wanted[s.Name] {
			continue
		}
		plain, err := r.box.Decrypt(tenantID, s.Value)
		if err != nil {
			return nil, nil, err
		}
		values[s.Name] = string(plain)
		ids = append(ids, s.ID)
	}
	return values, ids, nil
}
