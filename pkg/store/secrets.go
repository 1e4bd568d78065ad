package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/triops-labs/triops/pkg/secrets"
)

// List implements secrets.Store. Values come back still encrypted.
func (s *Store) List(ctx context.Context, tenantID string) ([]secrets.Secret, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, value_ct, value_iv, value_tag, uses, last_used_ms
		FROM secrets WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list secrets: %w", err)
	}
	defer rows.Close()

	var out []secrets.Secret
	for rows.Next() {
		var sec secrets.Secret
		var lastMs int64
		if err := rows.Scan(&sec.ID, &sec.TenantID, &sec.Name,
			&sec.Value.Ciphertext, &sec.Value.IV, &sec.Value.AuthTag,
			&sec.Uses, &lastMs); err != nil {
			return nil, fmt.Errorf("store: scan secret: %w", err)
		}
		sec.LastUsed = msToTime(lastMs)
		out = append(out, sec)
	}
	return out, rows.Err()
}

// BulkIncrementUsage implements secrets.Store.
func (s *Store) BulkIncrementUsage(ctx context.Context, tenantID string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{tenantID, at.UnixMilli()}
	ph := make([]string, len(ids))
	for i, id := range ids {
		args = append(args, id)
		ph[i] = fmt.Sprintf("$%d", len(args))
	}
	q := fmt.Sprintf(`
		UPDATE secrets SET uses = uses + 1, last_used_ms = $2
		WHERE tenant_id = $1 AND id IN (%s)`, strings.Join(ph, ","))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("store: bulk increment secret usage: %w", err)
	}
	return nil
}
