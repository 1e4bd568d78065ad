package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/triops-labs/triops/pkg/snippets"
)

// Get implements snippets.Store.
func (s *Store) Get(ctx context.Context, tenantID, snippetID string) (*snippets.Snippet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, source, artifact_hash, executions, last_executed_ms
		FROM snippets WHERE tenant_id = $1 AND id = $2`, tenantID, snippetID)

	var sn snippets.Snippet
	var lastMs int64
	err := row.Scan(&sn.ID, &sn.TenantID, &sn.Name, &sn.Source, &sn.ArtifactHash,
		&sn.Executions, &lastMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, snippets.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get snippet: %w", err)
	}
	sn.LastExecuted = msToTime(lastMs)
	return &sn, nil
}

// IncrementUsage implements snippets.Store. The increment happens in SQL
// so concurrent executions never lose counts.
func (s *Store) IncrementUsage(ctx context.Context, tenantID, snippetID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE snippets SET executions = executions + 1, last_executed_ms = $3
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, snippetID, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: increment snippet usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return snippets.ErrNotFound
	}
	return nil
}
